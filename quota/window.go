package quota

import (
	"context"
	"time"

	"github.com/stixly/stickergen"
)

// RollingWindow is an in-memory stickergen.WindowLimiter keeping the
// timestamps of recent admissions per user, oldest first.
type RollingWindow struct {
	users *registry[[]time.Time]
}

var _ stickergen.WindowLimiter = (*RollingWindow)(nil)

// NewRollingWindow creates an empty RollingWindow.
func NewRollingWindow() *RollingWindow {
	return &RollingWindow{users: newRegistry[[]time.Time]()}
}

// TryConsume records now if fewer than limit admissions fall within the trailing window.
func (w *RollingWindow) TryConsume(_ context.Context, userID int64, now time.Time, limit int, window time.Duration) (time.Duration, error) {
	cutoff := now.Add(-window)
	w.users.maybeSweep(now, func(ts *[]time.Time) bool {
		q := *ts
		return len(q) == 0 || q[len(q)-1].Before(cutoff)
	})

	e := w.users.acquire(userID)
	defer e.mu.Unlock()

	q := e.val
	i := 0
	for i < len(q) && q[i].Before(cutoff) {
		i++
	}
	q = q[i:]

	if len(q) >= limit {
		e.val = q
		if len(q) == 0 {
			return window, stickergen.ErrWindowExceeded
		}
		retry := q[0].Add(window).Sub(now)
		if retry < 0 {
			retry = 0
		}
		return retry, stickergen.ErrWindowExceeded
	}

	e.val = append(q, now)
	return 0, nil
}

// Len returns how many admissions are recorded for the user, pruned or not.
func (w *RollingWindow) Len(userID int64) int {
	e := w.users.lookup(userID)
	if e == nil {
		return 0
	}
	defer e.mu.Unlock()
	return len(e.val)
}
