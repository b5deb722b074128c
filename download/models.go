package download

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// Options represents the configuration for the download service.
type Options struct {
	// NumParts is the number of byte ranges an object is split into.
	NumParts int
	// ChunkSize is the size of each read/write buffer of a part.
	ChunkSize int
	// ProgressInterval is how often a progress snapshot is emitted.
	ProgressInterval time.Duration
	// RateLimit caps the bytes per second of a single download. Zero means unlimited.
	RateLimit int64
	// TeardownTimeout bounds the wait for parts to stop after cancellation or failure.
	TeardownTimeout time.Duration
	Retry           RetryOptions
}

// RetryOptions controls how transient stream errors are retried within a part.
type RetryOptions struct {
	// Attempts is the number of retries after a transient error. Zero
	// disables retries, so it is not filled from DefaultOptions.
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultOptions returns the recommended options. Except for Retry.Attempts,
// they are also used for fields left unset.
func DefaultOptions() Options {
	return Options{
		NumParts:         4,
		ChunkSize:        512 * 1024,
		ProgressInterval: 2 * time.Second,
		TeardownTimeout:  30 * time.Second,
		Retry: RetryOptions{
			Attempts:       3,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
		},
	}
}

// withDefaults fills zero fields from DefaultOptions, except Retry.Attempts
// where zero means no retries. Negative values are kept so that validation can
// reject them.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.NumParts == 0 {
		o.NumParts = d.NumParts
	}
	if o.ChunkSize == 0 {
		o.ChunkSize = d.ChunkSize
	}
	if o.ProgressInterval == 0 {
		o.ProgressInterval = d.ProgressInterval
	}
	if o.TeardownTimeout == 0 {
		o.TeardownTimeout = d.TeardownTimeout
	}
	if o.Retry.InitialBackoff == 0 {
		o.Retry.InitialBackoff = d.Retry.InitialBackoff
	}
	if o.Retry.MaxBackoff == 0 {
		o.Retry.MaxBackoff = d.Retry.MaxBackoff
	}
	return o
}

func (o Options) validate() error {
	switch {
	case o.NumParts < 1:
		return configErrorf("num_parts must be at least 1, got %d", o.NumParts)
	case o.ChunkSize <= 0:
		return configErrorf("chunk_size must be positive, got %d", o.ChunkSize)
	case o.ProgressInterval <= 0:
		return configErrorf("progress_interval must be positive, got %s", o.ProgressInterval)
	case o.RateLimit < 0:
		return configErrorf("rate_limit must not be negative, got %d", o.RateLimit)
	case o.Retry.Attempts < 0:
		return configErrorf("retry attempts must not be negative, got %d", o.Retry.Attempts)
	}
	return nil
}

// Session is an authenticated handle able to stream byte ranges of a remote object.
type Session interface {
	// OpenRange opens a stream over the bytes [start, end) of obj.
	// Errors wrapping ErrPermanent are not retried.
	OpenRange(ctx context.Context, obj ObjectRef, start, end int64) (io.ReadCloser, error)
}

// ObjectSizer resolves the total size of a remote object.
type ObjectSizer interface {
	ObjectSize(ctx context.Context, obj ObjectRef) (int64, error)
}

// ObjectRef identifies a remote object. Size must be known before a download starts.
type ObjectRef struct {
	ID   string
	Name string
	Size int64
}

// Label is the human readable name of the object.
func (o ObjectRef) Label() string {
	if o.Name != "" {
		return o.Name
	}
	return o.ID
}

// PartRange is the half-open byte range [Start, End) of one part.
type PartRange struct {
	Start int64
	End   int64
}

// Len returns the number of bytes in the range.
func (r PartRange) Len() int64 {
	return r.End - r.Start
}

func (r PartRange) String() string {
	return fmt.Sprintf("[%d, %d)", r.Start, r.End)
}

// PartPlan is an ordered list of disjoint ranges covering a whole object.
type PartPlan []PartRange

// PartStatus is the lifecycle state of a single part.
type PartStatus int

const (
	PartPending PartStatus = iota
	PartActive
	PartDone
	PartFailed
	PartCancelled
)

func (s PartStatus) String() string {
	switch s {
	case PartPending:
		return "pending"
	case PartActive:
		return "active"
	case PartDone:
		return "done"
	case PartFailed:
		return "failed"
	case PartCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("PartStatus(%d)", int(s))
	}
}

// PartState is a point-in-time copy of a part's progress.
type PartState struct {
	Index       int
	Range       PartRange
	SessionID   int
	Transferred int64
	Status      PartStatus
	Err         error
}

// Status is the overall state of a download.
type Status int

const (
	StatusDownloading Status = iota
	StatusCompleted
	StatusCancelled
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusDownloading:
		return "downloading"
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Terminal reports whether s ends a download's lifecycle.
func (s Status) Terminal() bool {
	return s != StatusDownloading
}

// Result is the outcome of a download. Path is only set when Status is
// StatusCompleted; a partially written file is reported in PartialPath and
// must not be treated as valid output.
type Result struct {
	ID          uuid.UUID
	Status      Status
	Path        string
	PartialPath string
	Parts       []PartState
	Err         error
}

// Snapshot is one progress report of a download.
type Snapshot struct {
	ID         uuid.UUID
	Label      string
	Status     Status
	Downloaded int64
	Total      int64
	Percentage float64
	// Speed is the average transfer rate in bytes per second since start.
	Speed   float64
	Elapsed time.Duration
	// ETA is negative when it cannot be estimated yet.
	ETA time.Duration
}

// ProgressSink receives progress snapshots. Calls happen on a dedicated
// goroutine; a slow sink causes intermediate snapshots to be skipped.
type ProgressSink interface {
	Progress(Snapshot)
}

// ProgressFunc adapts a function to a ProgressSink.
type ProgressFunc func(Snapshot)

// Progress calls f(s).
func (f ProgressFunc) Progress(s Snapshot) {
	f(s)
}
