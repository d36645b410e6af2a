// Package prom exports admission and job events as Prometheus metrics.
package prom

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/stixly/stickergen"
)

// Meter records events into Prometheus collectors.
type Meter struct {
	admissions  *prometheus.CounterVec
	retryAfter  prometheus.Histogram
	jobs        *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
}

var _ stickergen.Meter = (*Meter)(nil)

// New registers the collectors with reg. Pass prometheus.DefaultRegisterer
// to expose them on the default /metrics handler.
func New(reg prometheus.Registerer) *Meter {
	f := promauto.With(reg)
	return &Meter{
		admissions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stickergen_admissions_total",
				Help: "Admission decisions by plan and result",
			},
			[]string{"plan", "result"},
		),
		retryAfter: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "stickergen_admission_retry_after_seconds",
				Help:    "Wait hint returned with rejected admissions",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
		),
		jobs: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stickergen_jobs_total",
				Help: "Job stage outcomes; stage 0 is the whole job",
			},
			[]string{"stage", "outcome"},
		),
		jobDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stickergen_job_duration_seconds",
				Help:    "Job stage duration in seconds",
				Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 90},
			},
			[]string{"stage"},
		),
	}
}

func (m *Meter) OnAdmission(e stickergen.AdmissionEvent) {
	m.admissions.WithLabelValues(string(e.Plan), admissionResult(e)).Inc()
	if e.RetryAfter > 0 {
		m.retryAfter.Observe(e.RetryAfter.Seconds())
	}
}

func (m *Meter) OnJob(e stickergen.JobEvent) {
	stage := stageLabel(e.Stage)
	m.jobs.WithLabelValues(stage, string(e.Outcome)).Inc()
	m.jobDuration.WithLabelValues(stage).Observe(e.Duration.Seconds())
}

func admissionResult(e stickergen.AdmissionEvent) string {
	switch {
	case e.Admitted:
		return "admitted"
	case errors.Is(e.Reason, stickergen.ErrAlreadyActive):
		return "already_active"
	case errors.Is(e.Reason, stickergen.ErrCooldown):
		return "cooldown"
	case errors.Is(e.Reason, stickergen.ErrWindowExceeded):
		return "window"
	case errors.Is(e.Reason, stickergen.ErrDailyExceeded):
		return "daily"
	default:
		return "error"
	}
}

func stageLabel(stage int) string {
	switch stage {
	case 1:
		return "synthesis"
	case 2:
		return "background_removal"
	default:
		return "job"
	}
}
