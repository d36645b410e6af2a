package quota

import (
	"context"
	"time"

	"github.com/stixly/stickergen"
)

// retainDays is how many days of counts are kept before the current one.
const retainDays = 3

// DailyCounter is an in-memory stickergen.DailyCounter keyed by (user, UTC day).
type DailyCounter struct {
	users *registry[map[string]int]
	now   func() time.Time
}

var _ stickergen.DailyCounter = (*DailyCounter)(nil)

// DailyOption configures a DailyCounter.
type DailyOption func(*DailyCounter)

// WithDailyClock sets the clock used to schedule idle-user sweeps.
func WithDailyClock(now func() time.Time) DailyOption {
	return func(d *DailyCounter) { d.now = now }
}

// NewDailyCounter creates an empty DailyCounter.
func NewDailyCounter(opts ...DailyOption) *DailyCounter {
	d := &DailyCounter{users: newRegistry[map[string]int]()}
	for _, opt := range opts {
		opt(d)
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d
}

// TryConsume increments the user's count for dayKey if it is below limit.
func (d *DailyCounter) TryConsume(_ context.Context, userID int64, dayKey string, limit int) (int, error) {
	cutoff := cutoffKey(dayKey)
	d.users.maybeSweep(d.now(), func(days *map[string]int) bool {
		for k := range *days {
			if k >= cutoff {
				return false
			}
		}
		return true
	})

	e := d.users.acquire(userID)
	defer e.mu.Unlock()

	if e.val == nil {
		e.val = make(map[string]int)
	}

	count := e.val[dayKey]
	if count >= limit {
		return count, stickergen.ErrDailyExceeded
	}

	e.val[dayKey] = count + 1
	for k := range e.val {
		if cutoff != "" && k < cutoff {
			delete(e.val, k)
		}
	}
	return count + 1, nil
}

// Count returns the user's count for dayKey.
func (d *DailyCounter) Count(userID int64, dayKey string) int {
	e := d.users.lookup(userID)
	if e == nil {
		return 0
	}
	defer e.mu.Unlock()
	return e.val[dayKey]
}

// Days returns how many day keys are retained for the user.
func (d *DailyCounter) Days(userID int64) int {
	e := d.users.lookup(userID)
	if e == nil {
		return 0
	}
	defer e.mu.Unlock()
	return len(e.val)
}

// cutoffKey returns the oldest day key still retained relative to dayKey,
// or "" if dayKey is not a date.
func cutoffKey(dayKey string) string {
	day, err := time.Parse(time.DateOnly, dayKey)
	if err != nil {
		return ""
	}
	return day.AddDate(0, 0, -retainDays).Format(time.DateOnly)
}
