package quota

import (
	"sync"
	"time"
)

const (
	sweepInterval = 5 * time.Minute
	idleAfter     = time.Hour
)

// registry holds per-user state, each value guarded by its own mutex.
// The map itself is only locked long enough to find or create an entry.
type registry[T any] struct {
	mu        sync.Mutex
	entries   map[int64]*entry[T]
	lastSweep time.Time
}

type entry[T any] struct {
	mu      sync.Mutex
	removed bool
	val     T
}

func newRegistry[T any]() *registry[T] {
	return &registry[T]{entries: make(map[int64]*entry[T])}
}

// acquire returns the locked entry for userID, creating it if needed.
// The caller must unlock e.mu.
func (r *registry[T]) acquire(userID int64) *entry[T] {
	for {
		r.mu.Lock()
		e, ok := r.entries[userID]
		if !ok {
			e = &entry[T]{}
			r.entries[userID] = e
		}
		r.mu.Unlock()

		e.mu.Lock()
		if !e.removed {
			return e
		}
		// Swept between lookup and lock; retry with a fresh entry.
		e.mu.Unlock()
	}
}

// lookup returns the locked entry for userID or nil if there is none.
func (r *registry[T]) lookup(userID int64) *entry[T] {
	r.mu.Lock()
	e, ok := r.entries[userID]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return nil
	}
	return e
}

// maybeSweep drops entries for which idle reports true, at most once per sweepInterval.
// Entries currently locked by another caller are skipped.
func (r *registry[T]) maybeSweep(now time.Time, idle func(v *T) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if now.Sub(r.lastSweep) < sweepInterval {
		return
	}
	r.lastSweep = now

	for id, e := range r.entries {
		if !e.mu.TryLock() {
			continue
		}
		if idle(&e.val) {
			e.removed = true
			delete(r.entries, id)
		}
		e.mu.Unlock()
	}
}

// size returns the number of tracked users.
func (r *registry[T]) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
