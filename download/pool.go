package download

import (
	"fmt"
	"sync"
)

// SessionPool holds the sessions shared by all downloads together with the
// number of parts currently assigned to each of them.
type SessionPool struct {
	sessions []Session

	mu    sync.Mutex
	loads []int
}

// NewSessionPool creates a pool whose session ids are the indexes of sessions.
func NewSessionPool(sessions ...Session) *SessionPool {
	return &SessionPool{
		sessions: sessions,
		loads:    make([]int, len(sessions)),
	}
}

// Len returns the number of sessions in the pool.
func (p *SessionPool) Len() int {
	return len(p.sessions)
}

// Session returns the session with the given id.
func (p *SessionPool) Session(id int) Session {
	return p.sessions[id]
}

// Acquire selects the least loaded session, lowest id first on ties, and
// charges one unit of load to it.
func (p *SessionPool) Acquire() (int, error) {
	if len(p.sessions) == 0 {
		return 0, ErrEmptyPool
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	best := 0
	for id := 1; id < len(p.loads); id++ {
		if p.loads[id] < p.loads[best] {
			best = id
		}
	}
	p.loads[best]++

	return best, nil
}

// Release returns one unit of load to the session. Releasing an idle session is a no-op.
func (p *SessionPool) Release(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id < 0 || id >= len(p.loads) {
		panic(fmt.Sprintf("download: release of unknown session %d", id))
	}
	if p.loads[id] > 0 {
		p.loads[id]--
	}
}

// Load returns the current load of a session.
func (p *SessionPool) Load(id int) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.loads[id]
}

// Loads returns a copy of all load counters indexed by session id.
func (p *SessionPool) Loads() []int {
	p.mu.Lock()
	defer p.mu.Unlock()

	loads := make([]int, len(p.loads))
	copy(loads, p.loads)
	return loads
}
