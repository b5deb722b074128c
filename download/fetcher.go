package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// part is the mutable record of one byte range of a download.
type part struct {
	index     int
	rng       PartRange
	sessionID int
	release   sync.Once

	transferred atomic.Int64
	status      atomic.Int32

	mu  sync.Mutex
	err error
}

func newPart(index int, rng PartRange, sessionID int) *part {
	p := &part{index: index, rng: rng, sessionID: sessionID}
	p.status.Store(int32(PartPending))
	return p
}

func (p *part) getStatus() PartStatus {
	return PartStatus(p.status.Load())
}

func (p *part) setStatus(s PartStatus) {
	p.status.Store(int32(s))
}

// finish moves the part into a terminal status unless it already has one.
func (p *part) finish(s PartStatus, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.getStatus() {
	case PartDone, PartFailed, PartCancelled:
		return
	}
	p.err = err
	p.setStatus(s)
}

func (p *part) getErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.err
}

func (p *part) state() PartState {
	return PartState{
		Index:       p.index,
		Range:       p.rng,
		SessionID:   p.sessionID,
		Transferred: p.transferred.Load(),
		Status:      p.getStatus(),
		Err:         p.getErr(),
	}
}

// rangeFetcher streams the bytes of one part from its session into the
// shared output file.
type rangeFetcher struct {
	obj       ObjectRef
	session   Session
	dst       io.WriterAt
	chunkSize int
	retry     RetryOptions
	limiter   *rate.Limiter
	onBytes   func(n int64)
	logger    *zap.Logger
}

// fetch downloads the part and returns its terminal status. Transient errors
// are retried with exponential backoff; every retry resumes at the first byte
// not yet written. The retry budget starts over after an attempt that moved
// the part forward.
func (f *rangeFetcher) fetch(ctx context.Context, p *part) PartStatus {
	p.setStatus(PartActive)
	logger := f.logger.With(zap.Int("part", p.index), zap.Int("session", p.sessionID), zap.Stringer("range", p.rng))
	logger.Debug("part started")

	buf := make([]byte, f.chunkSize)
	b := f.newBackOff(ctx)

	op := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		n, err := f.copyRange(ctx, p, buf)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || IsPermanent(err) {
			return backoff.Permanent(err)
		}
		if n > 0 {
			b.Reset()
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		logger.Warn("part stream failed, retrying",
			zap.Error(err),
			zap.Duration("backoff", wait),
			zap.Int64("transferred", p.transferred.Load()),
		)
	}

	err := backoff.RetryNotify(op, b, notify)
	switch {
	case err == nil:
		p.finish(PartDone, nil)
		logger.Debug("part done")
	case ctx.Err() != nil:
		p.finish(PartCancelled, nil)
		logger.Debug("part cancelled", zap.Int64("transferred", p.transferred.Load()))
	default:
		p.finish(PartFailed, err)
		logger.Error("part failed", zap.Error(err), zap.Int64("transferred", p.transferred.Load()))
	}

	return p.getStatus()
}

func (f *rangeFetcher) newBackOff(ctx context.Context) backoff.BackOffContext {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = f.retry.InitialBackoff
	exp.MaxInterval = f.retry.MaxBackoff
	exp.MaxElapsedTime = 0

	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(f.retry.Attempts)), ctx)
}

// copyRange opens a stream at the part's resume offset and copies it into
// the destination chunk by chunk. It returns the number of bytes written by
// this attempt.
func (f *rangeFetcher) copyRange(ctx context.Context, p *part, buf []byte) (int64, error) {
	offset := p.rng.Start + p.transferred.Load()
	if offset >= p.rng.End {
		return 0, nil
	}

	stream, err := f.session.OpenRange(ctx, f.obj, offset, p.rng.End)
	if err != nil {
		return 0, fmt.Errorf("open range [%d, %d): %w", offset, p.rng.End, err)
	}
	defer stream.Close()

	var written int64
	for offset < p.rng.End {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		want := int(min(int64(len(buf)), p.rng.End-offset))
		if f.limiter != nil {
			if err := f.limiter.WaitN(ctx, want); err != nil {
				return written, err
			}
		}

		n, readErr := io.ReadFull(stream, buf[:want])
		if n > 0 {
			if err := ctx.Err(); err != nil {
				return written, err
			}
			if _, err := f.dst.WriteAt(buf[:n], offset); err != nil {
				return written, fmt.Errorf("write at offset %d: %w", offset, err)
			}
			offset += int64(n)
			written += int64(n)
			p.transferred.Add(int64(n))
			f.onBytes(int64(n))
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
				return written, fmt.Errorf("stream ended at offset %d before %d: %w", offset, p.rng.End, io.ErrUnexpectedEOF)
			}
			return written, fmt.Errorf("read at offset %d: %w", offset, readErr)
		}
	}

	return written, nil
}
