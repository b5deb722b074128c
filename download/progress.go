package download

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// progressAggregator sums the bytes written by all parts of a download and
// periodically reports a Snapshot to a sink. Sink calls run on their own
// goroutine behind a one-slot mailbox, so a slow sink only causes stale
// snapshots to be replaced and never holds up the parts.
type progressAggregator struct {
	id       uuid.UUID
	label    string
	total    int64
	interval time.Duration
	sink     ProgressSink
	now      func() time.Time

	downloaded atomic.Int64
	startedAt  time.Time

	final     chan Status
	mailbox   chan Snapshot
	delivered chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

func newProgressAggregator(id uuid.UUID, label string, total int64, interval time.Duration, sink ProgressSink) *progressAggregator {
	if sink == nil {
		sink = ProgressFunc(func(Snapshot) {})
	}

	return &progressAggregator{
		id:        id,
		label:     label,
		total:     total,
		interval:  interval,
		sink:      sink,
		now:       time.Now,
		final:     make(chan Status, 1),
		mailbox:   make(chan Snapshot, 1),
		delivered: make(chan struct{}),
	}
}

// add records n more bytes written. It is safe to call from any part.
func (a *progressAggregator) add(n int64) {
	a.downloaded.Add(n)
}

// start begins the reporting loop.
func (a *progressAggregator) start() {
	a.startOnce.Do(func() {
		a.startedAt = a.now()
		go a.loop()
		go a.deliver()
	})
}

// stop emits a last snapshot carrying the terminal status and ends the loop.
// It does not wait for the sink.
func (a *progressAggregator) stop(status Status) {
	a.stopOnce.Do(func() {
		a.final <- status
	})
}

// done is closed once the sink has received the terminal snapshot.
func (a *progressAggregator) done() <-chan struct{} {
	return a.delivered
}

func (a *progressAggregator) loop() {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case status := <-a.final:
			a.publish(a.snapshot(status))
			close(a.mailbox)
			return
		case <-ticker.C:
			a.publish(a.snapshot(StatusDownloading))
		}
	}
}

// publish replaces any undelivered snapshot with s. Only the loop goroutine
// publishes, so the retry below always terminates.
func (a *progressAggregator) publish(s Snapshot) {
	for {
		select {
		case a.mailbox <- s:
			return
		default:
		}

		select {
		case <-a.mailbox:
		default:
		}
	}
}

func (a *progressAggregator) deliver() {
	defer close(a.delivered)

	for s := range a.mailbox {
		a.sink.Progress(s)
	}
}

// snapshot computes the current progress figures.
func (a *progressAggregator) snapshot(status Status) Snapshot {
	downloaded := a.downloaded.Load()
	elapsed := a.now().Sub(a.startedAt)

	s := Snapshot{
		ID:         a.id,
		Label:      a.label,
		Status:     status,
		Downloaded: downloaded,
		Total:      a.total,
		Elapsed:    elapsed,
		ETA:        -1,
	}

	switch {
	case a.total > 0:
		s.Percentage = float64(downloaded) / float64(a.total) * 100
	case status == StatusCompleted:
		s.Percentage = 100
	}

	if secs := elapsed.Seconds(); secs > 0 {
		s.Speed = float64(downloaded) / secs
	}
	if s.Speed > 0 {
		remaining := float64(a.total - downloaded)
		s.ETA = time.Duration(remaining / s.Speed * float64(time.Second))
	}
	if status == StatusCompleted {
		s.ETA = 0
	}

	return s
}
