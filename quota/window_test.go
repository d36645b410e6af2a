package quota_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stixly/stickergen"
	"github.com/stixly/stickergen/quota"
)

const window = 10 * time.Minute

func TestRollingWindow_Limit(t *testing.T) {
	w := quota.NewRollingWindow()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := w.TryConsume(ctx, 1, t0.Add(time.Duration(i)*time.Minute), 3, window)
		require.NoError(t, err)
	}

	retry, err := w.TryConsume(ctx, 1, t0.Add(4*time.Minute), 3, window)
	assert.ErrorIs(t, err, stickergen.ErrWindowExceeded)
	assert.Equal(t, 6*time.Minute, retry, "oldest entry ages out at t0+10m")
	assert.Equal(t, 3, w.Len(1), "rejection does not record a timestamp")

	// The first entry drops out exactly once it is older than the window.
	_, err = w.TryConsume(ctx, 1, t0.Add(window).Add(time.Second), 3, window)
	assert.NoError(t, err)
}

func TestRollingWindow_BoundaryEntryStillCounts(t *testing.T) {
	w := quota.NewRollingWindow()
	ctx := context.Background()

	_, err := w.TryConsume(ctx, 1, t0, 1, window)
	require.NoError(t, err)

	retry, err := w.TryConsume(ctx, 1, t0.Add(window), 1, window)
	assert.ErrorIs(t, err, stickergen.ErrWindowExceeded)
	assert.Zero(t, retry)
}

func TestRollingWindow_ZeroLimit(t *testing.T) {
	w := quota.NewRollingWindow()
	retry, err := w.TryConsume(context.Background(), 1, t0, 0, window)
	assert.ErrorIs(t, err, stickergen.ErrWindowExceeded)
	assert.Equal(t, window, retry)
}

func TestRollingWindow_NeverExceedsLimitInAnyWindow(t *testing.T) {
	w := quota.NewRollingWindow()
	ctx := context.Background()
	const limit = 4

	var admitted []time.Time
	now := t0
	for i := 0; i < 200; i++ {
		now = now.Add(time.Duration(17+(i*37)%90) * time.Second)
		if _, err := w.TryConsume(ctx, 5, now, limit, window); err == nil {
			admitted = append(admitted, now)
		}
	}
	require.NotEmpty(t, admitted)

	for i, start := range admitted {
		n := 0
		for _, ts := range admitted[i:] {
			if ts.Sub(start) < window {
				n++
			}
		}
		assert.LessOrEqual(t, n, limit, "window starting at %s", start)
	}
}

func TestAllowList(t *testing.T) {
	r := quota.NewAllowList(10, 20)
	assert.Equal(t, stickergen.PlanElevated, r.Plan(10))
	assert.Equal(t, stickergen.PlanElevated, r.Plan(20))
	assert.Equal(t, stickergen.PlanStandard, r.Plan(30))
}
