package stickergen

import (
	"context"
	"time"
)

// Gate enforces one active generation per user and a minimum interval between requests.
type Gate interface {
	// TryStart marks the user active. It returns ErrAlreadyActive if a generation
	// is outstanding, or ErrCooldown with the remaining wait.
	TryStart(ctx context.Context, userID int64, now time.Time, cooldown time.Duration) (time.Duration, error)

	// Finish clears the active flag. It is idempotent.
	Finish(ctx context.Context, userID int64)
}

// DailyCounter counts admissions per user per UTC day.
type DailyCounter interface {
	// TryConsume increments the count for dayKey unless it already reached limit.
	// It returns the count after the call and ErrDailyExceeded on rejection.
	TryConsume(ctx context.Context, userID int64, dayKey string, limit int) (int, error)
}

// WindowLimiter caps admissions per user over a trailing window.
type WindowLimiter interface {
	// TryConsume records now unless limit timestamps already fall within window.
	// On rejection it returns ErrWindowExceeded and the time until the oldest one ages out.
	TryConsume(ctx context.Context, userID int64, now time.Time, limit int, window time.Duration) (time.Duration, error)
}

// PlanResolver maps a user to a plan.
type PlanResolver interface {
	Plan(userID int64) Plan
}

// DefaultWindow is the rolling-window length used by QuotaManager.
const DefaultWindow = 10 * time.Minute

// DayKey returns the UTC calendar date of t as YYYY-MM-DD.
func DayKey(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}
