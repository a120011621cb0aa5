package sync

import (
	"log"
	"sync"
	"time"
)

// guard is the single in-process slot that serializes full deal
// traversals. A second acquire while held is refused (the caller drops
// the run, it is not queued). A hold older than staleAfter may be
// taken over, so a traversal that never released the slot cannot block
// future syncs forever. The stale holder is not cancelled here; the
// traversal itself runs under its own deadline.
//
// TryAcquire hands out a generation token and Release only frees the
// slot for the matching token, so a superseded holder's deferred
// Release cannot free the slot out from under the takeover.
type guard struct {
	mu         sync.Mutex
	held       bool
	generation uint64
	acquiredAt time.Time
	staleAfter time.Duration
}

func newGuard(staleAfter time.Duration) *guard {
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	return &guard{staleAfter: staleAfter}
}

func (g *guard) TryAcquire() (uint64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held {
		if time.Since(g.acquiredAt) < g.staleAfter {
			return 0, false
		}
		log.Printf("sync: taking over a lock held for %s", time.Since(g.acquiredAt).Round(time.Second))
	}
	g.held = true
	g.generation++
	g.acquiredAt = time.Now()
	return g.generation, true
}

// Release frees the slot if token still owns it. A stale token is a
// no-op.
func (g *guard) Release(token uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held && g.generation == token {
		g.held = false
	}
}

// Held reports whether a traversal currently owns the slot.
func (g *guard) Held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held && time.Since(g.acquiredAt) < g.staleAfter
}
