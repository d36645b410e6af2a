package stickergen_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sg "github.com/stixly/stickergen"
	"github.com/stixly/stickergen/quota"
)

var t0 = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type stores struct {
	gate   *quota.Gate
	window *quota.RollingWindow
	daily  *quota.DailyCounter
}

func newManager(t *testing.T, standard, elevated sg.QuotaConfig, elevatedUsers ...int64) (*sg.QuotaManager, stores) {
	t.Helper()
	s := stores{
		gate:   quota.NewGate(),
		window: quota.NewRollingWindow(),
		daily:  quota.NewDailyCounter(),
	}
	m, err := sg.NewQuotaManager(s.gate, s.window, s.daily, quota.NewAllowList(elevatedUsers...),
		map[sg.Plan]sg.QuotaConfig{
			sg.PlanStandard: standard,
			sg.PlanElevated: elevated,
		})
	require.NoError(t, err)
	return m, s
}

func admission(t *testing.T, err error) *sg.AdmissionError {
	t.Helper()
	var ae *sg.AdmissionError
	require.True(t, errors.As(err, &ae), "expected *AdmissionError, got %v", err)
	return ae
}

func TestQuotaManager_DailyLimitScenario(t *testing.T) {
	cfg := sg.QuotaConfig{DailyLimit: 2, MaxPerWindow: 5, Cooldown: 500 * time.Millisecond, MaxActive: 1}
	m, s := newManager(t, cfg, cfg)
	ctx := context.Background()

	require.NoError(t, m.TryConsume(ctx, 1, t0))
	m.Finish(ctx, 1)
	require.NoError(t, m.TryConsume(ctx, 1, t0.Add(time.Second)))
	m.Finish(ctx, 1)

	err := m.TryConsume(ctx, 1, t0.Add(2*time.Second))
	ae := admission(t, err)
	assert.ErrorIs(t, err, sg.ErrDailyExceeded)
	assert.Equal(t, "Daily free limit reached. Upgrade to Premium for more generations.", ae.Message)
	assert.Zero(t, ae.RetryAfter)
	assert.False(t, s.gate.Active(1), "gate slot is released on daily rejection")
}

func TestQuotaManager_ElevatedDailyMessage(t *testing.T) {
	standard := sg.QuotaConfig{DailyLimit: 1, MaxActive: 1}
	elevated := sg.QuotaConfig{DailyLimit: 1, MaxActive: 1}
	m, _ := newManager(t, standard, elevated, 99)
	ctx := context.Background()

	assert.Equal(t, sg.PlanElevated, m.Plan(99))
	require.NoError(t, m.TryConsume(ctx, 99, t0))
	m.Finish(ctx, 99)

	ae := admission(t, m.TryConsume(ctx, 99, t0.Add(time.Minute)))
	assert.Equal(t, sg.PlanElevated, ae.Plan)
	assert.Equal(t, "Premium daily limit reached. Try again tomorrow.", ae.Message)
}

func TestQuotaManager_AlreadyActive(t *testing.T) {
	cfg := sg.QuotaConfig{DailyLimit: 10, MaxPerWindow: 10, MaxActive: 1}
	m, s := newManager(t, cfg, cfg)
	ctx := context.Background()

	require.NoError(t, m.TryConsume(ctx, 1, t0))
	err := m.TryConsume(ctx, 1, t0.Add(time.Minute))
	ae := admission(t, err)
	assert.ErrorIs(t, err, sg.ErrAlreadyActive)
	assert.Equal(t, "Already generating…", ae.Message)

	assert.Equal(t, 1, s.window.Len(1), "gate rejection consumes nothing else")
	assert.Equal(t, 1, s.daily.Count(1, sg.DayKey(t0)))
}

func TestQuotaManager_Cooldown(t *testing.T) {
	cfg := sg.QuotaConfig{DailyLimit: 10, MaxPerWindow: 10, Cooldown: 10 * time.Second, MaxActive: 1}
	m, _ := newManager(t, cfg, cfg)
	ctx := context.Background()

	require.NoError(t, m.TryConsume(ctx, 1, t0))
	m.Finish(ctx, 1)

	err := m.TryConsume(ctx, 1, t0.Add(1500*time.Millisecond))
	ae := admission(t, err)
	assert.ErrorIs(t, err, sg.ErrCooldown)
	assert.Equal(t, "Please wait 9s.", ae.Message)
	assert.Equal(t, 8500*time.Millisecond, ae.RetryAfter)
}

func TestQuotaManager_WindowRejectionReleasesGate(t *testing.T) {
	cfg := sg.QuotaConfig{DailyLimit: 10, MaxPerWindow: 2, MaxActive: 1}
	m, s := newManager(t, cfg, cfg)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, m.TryConsume(ctx, 1, t0.Add(time.Duration(i)*time.Minute)))
		m.Finish(ctx, 1)
	}

	err := m.TryConsume(ctx, 1, t0.Add(2*time.Minute+500*time.Millisecond))
	ae := admission(t, err)
	assert.ErrorIs(t, err, sg.ErrWindowExceeded)
	assert.Equal(t, 7*time.Minute+59500*time.Millisecond, ae.RetryAfter)
	assert.Equal(t, "Too many requests. Try again in 479s.", ae.Message)
	assert.False(t, s.gate.Active(1))
	assert.Equal(t, 2, s.daily.Count(1, sg.DayKey(t0)), "daily counter is untouched")
}

func TestQuotaManager_WindowDisabled(t *testing.T) {
	cfg := sg.QuotaConfig{DailyLimit: 5, MaxPerWindow: 0, MaxActive: 1}
	m, s := newManager(t, cfg, cfg)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, m.TryConsume(ctx, 1, t0.Add(time.Duration(i)*time.Second)))
		m.Finish(ctx, 1)
	}
	assert.Zero(t, s.window.Len(1))
}

func TestQuotaManager_DailyRejectionKeepsWindowSlot(t *testing.T) {
	cfg := sg.QuotaConfig{DailyLimit: 1, MaxPerWindow: 5, MaxActive: 1}
	m, s := newManager(t, cfg, cfg)
	ctx := context.Background()

	require.NoError(t, m.TryConsume(ctx, 1, t0))
	m.Finish(ctx, 1)

	err := m.TryConsume(ctx, 1, t0.Add(time.Second))
	assert.ErrorIs(t, err, sg.ErrDailyExceeded)
	assert.Equal(t, 2, s.window.Len(1), "window slot stays consumed after a daily rejection")
}

func TestQuotaManager_FinishWithoutStart(t *testing.T) {
	cfg := sg.QuotaConfig{DailyLimit: 1, MaxActive: 1}
	m, _ := newManager(t, cfg, cfg)
	ctx := context.Background()

	m.Finish(ctx, 5)
	m.Finish(ctx, 5)
	assert.NoError(t, m.TryConsume(ctx, 5, t0))
}

func TestQuotaManager_ConcurrentSingleAdmission(t *testing.T) {
	cfg := sg.QuotaConfig{DailyLimit: 100, MaxPerWindow: 100, MaxActive: 1}
	m, s := newManager(t, cfg, cfg)
	ctx := context.Background()

	var mu sync.Mutex
	admitted := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.TryConsume(ctx, 3, t0) == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, admitted)
	assert.Equal(t, 1, s.daily.Count(3, sg.DayKey(t0)))
}

func TestQuotaManager_ReportsToMeter(t *testing.T) {
	rec := &recordingMeter{}
	cfg := sg.QuotaConfig{DailyLimit: 1, MaxActive: 1}
	m, err := sg.NewQuotaManager(quota.NewGate(), quota.NewRollingWindow(), quota.NewDailyCounter(), quota.NewAllowList(),
		map[sg.Plan]sg.QuotaConfig{sg.PlanStandard: cfg, sg.PlanElevated: cfg},
		sg.WithAdmissionMeter(rec))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, m.TryConsume(ctx, 1, t0))
	m.Finish(ctx, 1)
	require.Error(t, m.TryConsume(ctx, 1, t0.Add(time.Second)))

	events := rec.admissions()
	require.Len(t, events, 2)
	assert.True(t, events[0].Admitted)
	assert.False(t, events[1].Admitted)
	assert.ErrorIs(t, events[1].Reason, sg.ErrDailyExceeded)
}

func TestNewQuotaManager_RequiresAllPlans(t *testing.T) {
	_, err := sg.NewQuotaManager(quota.NewGate(), quota.NewRollingWindow(), quota.NewDailyCounter(), quota.NewAllowList(),
		map[sg.Plan]sg.QuotaConfig{sg.PlanStandard: {DailyLimit: 1}})
	assert.Error(t, err)
}

type recordingMeter struct {
	mu   sync.Mutex
	adm  []sg.AdmissionEvent
	jobs []sg.JobEvent
}

func (r *recordingMeter) OnAdmission(e sg.AdmissionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adm = append(r.adm, e)
}

func (r *recordingMeter) OnJob(e sg.JobEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, e)
}

func (r *recordingMeter) admissions() []sg.AdmissionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sg.AdmissionEvent(nil), r.adm...)
}

func (r *recordingMeter) jobEvents() []sg.JobEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sg.JobEvent(nil), r.jobs...)
}
