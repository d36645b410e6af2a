package stickergen

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// QuotaManager composes the gate, rolling window and daily counter into one
// admission decision. It owns no state of its own.
type QuotaManager struct {
	gate     Gate
	window   WindowLimiter
	daily    DailyCounter
	resolver PlanResolver
	plans    map[Plan]QuotaConfig

	windowLen time.Duration
	meter     Meter
}

// ManagerOption configures a QuotaManager.
type ManagerOption func(*QuotaManager)

// WithWindow overrides the rolling-window length (default 10 minutes).
func WithWindow(d time.Duration) ManagerOption {
	return func(m *QuotaManager) { m.windowLen = d }
}

// WithAdmissionMeter sets the meter notified of every admission decision.
func WithAdmissionMeter(mt Meter) ManagerOption {
	return func(m *QuotaManager) { m.meter = mt }
}

// NewQuotaManager creates a QuotaManager. plans must contain an entry for every
// plan the resolver can return.
func NewQuotaManager(gate Gate, window WindowLimiter, daily DailyCounter, resolver PlanResolver, plans map[Plan]QuotaConfig, opts ...ManagerOption) (*QuotaManager, error) {
	if gate == nil || window == nil || daily == nil || resolver == nil {
		return nil, fmt.Errorf("stickergen: quota manager requires gate, window, daily counter and plan resolver")
	}
	for _, p := range []Plan{PlanStandard, PlanElevated} {
		if _, ok := plans[p]; !ok {
			return nil, fmt.Errorf("stickergen: quota manager: missing limits for plan %q", p)
		}
	}

	m := &QuotaManager{
		gate:     gate,
		window:   window,
		daily:    daily,
		resolver: resolver,
		plans:    plans,
	}
	for _, opt := range opts {
		opt(m)
	}

	// Apply defaults after options.
	if m.windowLen <= 0 {
		m.windowLen = DefaultWindow
	}
	if m.meter == nil {
		m.meter = &noopMeter{}
	}
	return m, nil
}

// TryConsume decides whether userID may start a generation at now.
// A nil return grants a slot that the caller must release with Finish.
// Rejections are *AdmissionError values.
func (m *QuotaManager) TryConsume(ctx context.Context, userID int64, now time.Time) error {
	plan := m.resolver.Plan(userID)
	cfg := m.plans[plan]

	err := m.admit(ctx, userID, now, plan, cfg)
	ev := AdmissionEvent{UserID: userID, Plan: plan, Admitted: err == nil}
	if ae, ok := err.(*AdmissionError); ok {
		ev.Reason = ae.Err
		ev.RetryAfter = ae.RetryAfter
	}
	m.meter.OnAdmission(ev)
	return err
}

func (m *QuotaManager) admit(ctx context.Context, userID int64, now time.Time, plan Plan, cfg QuotaConfig) error {
	retry, err := m.gate.TryStart(ctx, userID, now, cfg.Cooldown)
	if err != nil {
		ae := &AdmissionError{Err: err, Plan: plan}
		switch {
		case errors.Is(err, ErrAlreadyActive):
			ae.Message = "Already generating…"
		case errors.Is(err, ErrCooldown):
			ae.Message = fmt.Sprintf("Please wait %ds.", int(math.Ceil(retry.Seconds())))
			ae.RetryAfter = retry
		default:
			ae.Message = "Error occurred"
		}
		return ae
	}

	if cfg.MaxPerWindow > 0 {
		retry, err := m.window.TryConsume(ctx, userID, now, cfg.MaxPerWindow, m.windowLen)
		if err != nil {
			m.gate.Finish(ctx, userID)
			return &AdmissionError{
				Err:        err,
				Plan:       plan,
				Message:    fmt.Sprintf("Too many requests. Try again in %ds.", int(retry.Seconds())),
				RetryAfter: retry,
			}
		}
	}

	// The window slot stays consumed if the daily check fails.
	if _, err := m.daily.TryConsume(ctx, userID, DayKey(now), cfg.DailyLimit); err != nil {
		m.gate.Finish(ctx, userID)
		ae := &AdmissionError{Err: err, Plan: plan}
		if plan == PlanElevated {
			ae.Message = "Premium daily limit reached. Try again tomorrow."
		} else {
			ae.Message = "Daily free limit reached. Upgrade to Premium for more generations."
		}
		return ae
	}

	return nil
}

// Finish releases the slot granted by a successful TryConsume.
func (m *QuotaManager) Finish(ctx context.Context, userID int64) {
	m.gate.Finish(ctx, userID)
}

// Plan returns the plan the manager applies to userID.
func (m *QuotaManager) Plan(userID int64) Plan {
	return m.resolver.Plan(userID)
}
