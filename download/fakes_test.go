package download_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"sync/atomic"

	"github.com/gkatanacio/hyperdl/download"
)

var errFlaky = errors.New("connection reset by peer")

// memSession serves byte ranges from an in-memory object.
type memSession struct {
	data  []byte
	opens atomic.Int32

	// brokenAt, when positive, is the absolute offset at which streams break
	// with errFlaky. Opening a range at or past it fails right away.
	brokenAt int64
	// flakyOpens is the number of opens whose stream breaks after half the range.
	flakyOpens int32
	// openErr is returned by every OpenRange call when set.
	openErr error
	// gate blocks every read until it is closed or the context is done.
	gate chan struct{}
	// stuck blocks every read until it is closed, ignoring the context.
	stuck chan struct{}
}

func newMemSession(data []byte) *memSession {
	return &memSession{data: data}
}

func (s *memSession) OpenRange(ctx context.Context, _ download.ObjectRef, start, end int64) (io.ReadCloser, error) {
	n := s.opens.Add(1)

	if s.openErr != nil {
		return nil, s.openErr
	}
	if s.brokenAt > 0 && start >= s.brokenAt {
		return nil, errFlaky
	}

	var r io.Reader = bytes.NewReader(s.data[start:end])
	switch {
	case s.brokenAt > 0 && s.brokenAt < end:
		r = &brokenReader{r: io.LimitReader(r, s.brokenAt-start)}
	case n <= s.flakyOpens:
		r = &brokenReader{r: io.LimitReader(r, (end-start)/2)}
	}
	if s.gate != nil {
		r = &gatedReader{ctx: ctx, gate: s.gate, r: r}
	}
	if s.stuck != nil {
		r = &stuckReader{stuck: s.stuck, r: r}
	}

	return io.NopCloser(r), nil
}

// brokenReader fails with errFlaky once r is exhausted.
type brokenReader struct {
	r io.Reader
}

func (b *brokenReader) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err == io.EOF {
		return n, errFlaky
	}
	return n, err
}

type gatedReader struct {
	ctx  context.Context
	gate chan struct{}
	r    io.Reader
}

func (g *gatedReader) Read(p []byte) (int, error) {
	select {
	case <-g.gate:
		return g.r.Read(p)
	case <-g.ctx.Done():
		return 0, g.ctx.Err()
	}
}

type stuckReader struct {
	stuck chan struct{}
	r     io.Reader
}

func (s *stuckReader) Read(p []byte) (int, error) {
	<-s.stuck
	return s.r.Read(p)
}

func randomBytes(size int) []byte {
	b := make([]byte, size)
	rand.New(rand.NewSource(int64(size))).Read(b)
	return b
}

func memSessions(data []byte, n int) []*memSession {
	sessions := make([]*memSession, n)
	for i := range sessions {
		sessions[i] = newMemSession(data)
	}
	return sessions
}

func poolOf(sessions []*memSession) *download.SessionPool {
	ss := make([]download.Session, len(sessions))
	for i, s := range sessions {
		ss[i] = s
	}
	return download.NewSessionPool(ss...)
}
