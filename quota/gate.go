package quota

import (
	"context"
	"time"

	"github.com/stixly/stickergen"
)

// Gate is an in-memory stickergen.Gate: one active generation per user plus
// a cooldown between consecutive starts.
type Gate struct {
	users *registry[gateState]
}

type gateState struct {
	active bool
	last   time.Time
}

var _ stickergen.Gate = (*Gate)(nil)

// NewGate creates an empty Gate.
func NewGate() *Gate {
	return &Gate{users: newRegistry[gateState]()}
}

// TryStart reserves the user's generation slot.
func (g *Gate) TryStart(_ context.Context, userID int64, now time.Time, cooldown time.Duration) (time.Duration, error) {
	g.users.maybeSweep(now, func(s *gateState) bool {
		return !s.active && now.Sub(s.last) > idleAfter
	})

	e := g.users.acquire(userID)
	defer e.mu.Unlock()

	if e.val.active {
		return 0, stickergen.ErrAlreadyActive
	}
	if !e.val.last.IsZero() {
		if elapsed := now.Sub(e.val.last); elapsed < cooldown {
			return cooldown - elapsed, stickergen.ErrCooldown
		}
	}

	e.val.active = true
	e.val.last = now
	return 0, nil
}

// Finish releases the user's slot. Calling it without a prior TryStart is a no-op.
func (g *Gate) Finish(_ context.Context, userID int64) {
	e := g.users.lookup(userID)
	if e == nil {
		return
	}
	e.val.active = false
	e.mu.Unlock()
}

// Active reports whether userID currently holds a slot.
func (g *Gate) Active(userID int64) bool {
	e := g.users.lookup(userID)
	if e == nil {
		return false
	}
	defer e.mu.Unlock()
	return e.val.active
}

// Users returns the number of users with tracked state.
func (g *Gate) Users() int {
	return g.users.size()
}
