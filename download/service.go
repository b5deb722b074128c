package download

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Service is the service layer that runs parallel chunked downloads over a
// shared pool of sessions.
type Service struct {
	pool   *SessionPool
	opts   Options
	fs     afero.Fs
	logger *zap.Logger

	mu     sync.Mutex
	active map[uuid.UUID]*Download
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithLogger sets the logger used by the service. The default discards everything.
func WithLogger(logger *zap.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithFs sets the file system output files are created on. Positioned writes
// of the parts are serialized, so in-memory file systems work too.
func WithFs(fs afero.Fs) ServiceOption {
	return func(s *Service) {
		if fs != nil {
			s.fs = fs
		}
	}
}

func NewService(pool *SessionPool, opts Options, options ...ServiceOption) *Service {
	s := &Service{
		pool:   pool,
		opts:   opts.withDefaults(),
		fs:     afero.NewOsFs(),
		logger: zap.NewNop(),
		active: make(map[uuid.UUID]*Download),
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// Download represents one running download. It owns the output file and the
// cancellation signal of its parts.
type Download struct {
	ID     uuid.UUID
	Object ObjectRef
	// Path is where the file is moved to once the download completes.
	Path string

	partialPath string
	parts       []*part
	file        afero.File
	dst         *lockedWriterAt
	progress    *progressAggregator
	logger      *zap.Logger

	parent          context.Context
	cancel          context.CancelCauseFunc
	cancelRequested atomic.Bool

	done   chan struct{}
	result Result
}

// Cancel asks all parts to stop. It is idempotent and does nothing once the
// download has finished.
func (d *Download) Cancel() {
	select {
	case <-d.done:
		return
	default:
	}

	if d.cancelRequested.CompareAndSwap(false, true) {
		d.logger.Info("cancellation requested")
		d.cancel(ErrCancelled)
	}
}

// Done is closed when the download has reached a terminal status.
func (d *Download) Done() <-chan struct{} {
	return d.done
}

// Wait blocks until the download finishes and returns its result.
func (d *Download) Wait() Result {
	<-d.done
	return d.result
}

// Progress returns the current progress of the download.
func (d *Download) Progress() Snapshot {
	select {
	case <-d.done:
		return d.progress.snapshot(d.result.Status)
	default:
		return d.progress.snapshot(StatusDownloading)
	}
}

// ProgressDelivered is closed once the sink has been handed the terminal snapshot.
func (d *Download) ProgressDelivered() <-chan struct{} {
	return d.progress.done()
}

// Download runs a download to completion. See Start.
func (s *Service) Download(ctx context.Context, obj ObjectRef, dest string, sink ProgressSink) (Result, error) {
	d, err := s.Start(ctx, obj, dest, sink)
	if err != nil {
		return Result{}, err
	}
	return d.Wait(), nil
}

// Start plans the download of obj into dest, assigns a session to every part
// and starts fetching in the background. Invalid inputs are reported
// synchronously as a *ConfigurationError before any part runs. While the
// download is ongoing the data is written to dest with a ".download" suffix,
// and it is renamed to dest only once every part is done. Cancelling ctx
// cancels the download.
func (s *Service) Start(ctx context.Context, obj ObjectRef, dest string, sink ProgressSink) (*Download, error) {
	if err := s.opts.validate(); err != nil {
		return nil, err
	}
	if dest == "" {
		return nil, configErrorf("destination path is required")
	}
	if obj.ID == "" {
		return nil, configErrorf("object id is required")
	}
	if fi, err := s.fs.Stat(dest); err == nil && fi.IsDir() {
		return nil, configErrorf("destination %s is a directory", dest)
	}

	plan, err := PlanParts(obj.Size, s.opts.NumParts)
	if err != nil {
		return nil, err
	}
	if len(plan) > 0 && s.pool.Len() == 0 {
		return nil, ErrEmptyPool
	}

	id := uuid.New()
	d := &Download{
		ID:          id,
		Object:      obj,
		Path:        dest,
		partialPath: partialPath(dest),
		progress:    newProgressAggregator(id, obj.Label(), obj.Size, s.opts.ProgressInterval, sink),
		logger:      s.logger.With(zap.Stringer("download_id", id), zap.String("object", obj.Label())),
		parent:      ctx,
		done:        make(chan struct{}),
	}

	d.file, err = s.createOutputFile(d.partialPath, obj.Size)
	if err != nil {
		return nil, err
	}

	for i, r := range plan {
		sessionID, err := s.pool.Acquire()
		if err != nil {
			for _, p := range d.parts {
				s.releaseSession(p)
			}
			d.file.Close()
			s.fs.Remove(d.partialPath)
			return nil, err
		}
		d.parts = append(d.parts, newPart(i, r, sessionID))
	}

	d.dst = &lockedWriterAt{w: d.file}

	runCtx, cancel := context.WithCancelCause(ctx)
	d.cancel = cancel

	s.register(d)
	d.progress.start()
	d.logger.Info("download started",
		zap.Int64("size", obj.Size),
		zap.Int("parts", len(d.parts)),
		zap.String("path", d.partialPath),
	)

	go s.run(runCtx, d)

	return d, nil
}

// Cancel requests cancellation of the download with the given id. It reports
// whether a running download was found; unknown or finished ids are a no-op.
func (s *Service) Cancel(id uuid.UUID) bool {
	d, ok := s.Lookup(id)
	if !ok {
		return false
	}
	d.Cancel()
	return true
}

// Lookup returns the running download with the given id.
func (s *Service) Lookup(id uuid.UUID) (*Download, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.active[id]
	return d, ok
}

// Active returns the ids of all running downloads.
func (s *Service) Active() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]uuid.UUID, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	return ids
}

func (s *Service) register(d *Download) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.active[d.ID] = d
}

func (s *Service) unregister(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.active, id)
}

// createOutputFile creates the ongoing download file pre-sized to size so that
// every positioned write of a part lands inside the file.
func (s *Service) createOutputFile(path string, size int64) (afero.File, error) {
	if err := s.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}

	f, err := s.fs.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}

	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("allocate output file: %w", err)
	}

	return f, nil
}

// run fetches all parts concurrently and settles the download once they have
// stopped. The first failed part cancels the others.
func (s *Service) run(ctx context.Context, d *Download) {
	defer close(d.done)
	defer s.unregister(d.ID)
	defer d.cancel(nil)

	limiter := newLimiter(s.opts.RateLimit, s.opts.ChunkSize)
	eg, partCtx := errgroup.WithContext(ctx)

	for _, p := range d.parts {
		eg.Go(func() error {
			defer s.releaseSession(p)

			f := &rangeFetcher{
				obj:       d.Object,
				session:   s.pool.Session(p.sessionID),
				dst:       d.dst,
				chunkSize: s.opts.ChunkSize,
				retry:     s.opts.Retry,
				limiter:   limiter,
				onBytes:   d.progress.add,
				logger:    d.logger,
			}
			if f.fetch(partCtx, p) == PartFailed {
				return fmt.Errorf("part %d %s: %w", p.index, p.rng, p.getErr())
			}
			return nil
		})
	}

	finished := make(chan struct{})
	go func() {
		eg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-partCtx.Done():
		timer := time.NewTimer(s.opts.TeardownTimeout)
		defer timer.Stop()

		select {
		case <-finished:
		case <-timer.C:
			d.logger.Warn("parts did not stop before teardown timeout", zap.Duration("timeout", s.opts.TeardownTimeout))
		}
	}

	result := s.settle(d)
	d.dst.close()
	if result.Status == StatusCompleted {
		if err := s.finalize(d); err != nil {
			result.Status = StatusError
			result.Err = err
		} else {
			result.Path = d.Path
		}
	} else {
		if err := d.file.Close(); err != nil {
			d.logger.Warn("close partial file", zap.Error(err))
		}
		result.PartialPath = d.partialPath
	}

	d.result = result
	d.progress.stop(result.Status)

	fields := []zap.Field{zap.Stringer("status", result.Status), zap.Duration("elapsed", time.Since(d.progress.startedAt))}
	if result.Err != nil {
		d.logger.Error("download finished", append(fields, zap.Error(result.Err))...)
	} else {
		d.logger.Info("download finished", fields...)
	}
}

// settle derives the terminal status of a download from its parts. Parts that
// never acknowledged the stop signal are reported as cancelled and their
// sessions are handed back to the pool.
func (s *Service) settle(d *Download) Result {
	result := Result{ID: d.ID, Parts: make([]PartState, 0, len(d.parts))}

	allDone := true
	var failures *multierror.Error
	for _, p := range d.parts {
		s.releaseSession(p)
		st := p.state()
		switch st.Status {
		case PartDone:
		case PartFailed:
			allDone = false
			failures = multierror.Append(failures, fmt.Errorf("part %d %s: %w", st.Index, st.Range, st.Err))
		default:
			allDone = false
			st.Status = PartCancelled
		}
		result.Parts = append(result.Parts, st)
	}

	cancelled := d.cancelRequested.Load() || d.parent.Err() != nil

	switch {
	case allDone:
		result.Status = StatusCompleted
	case cancelled:
		result.Status = StatusCancelled
	case failures != nil:
		result.Status = StatusError
		result.Err = failures.ErrorOrNil()
	default:
		result.Status = StatusCancelled
	}

	return result
}

// releaseSession returns the session of p to the pool at most once.
func (s *Service) releaseSession(p *part) {
	p.release.Do(func() {
		s.pool.Release(p.sessionID)
	})
}

// finalize flushes and closes the output file and moves it to its final path.
func (s *Service) finalize(d *Download) error {
	var errs *multierror.Error
	if err := d.file.Sync(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("sync output file: %w", err))
	}
	if err := d.file.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("close output file: %w", err))
	}
	if err := errs.ErrorOrNil(); err != nil {
		return err
	}

	if err := s.fs.Rename(d.partialPath, d.Path); err != nil {
		return fmt.Errorf("rename output file: %w", err)
	}
	return nil
}
