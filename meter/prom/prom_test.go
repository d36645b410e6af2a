package prom_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stixly/stickergen"
	"github.com/stixly/stickergen/meter/prom"
)

func TestMeter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := prom.New(reg)

	m.OnAdmission(stickergen.AdmissionEvent{Plan: stickergen.PlanStandard, Admitted: true})
	m.OnAdmission(stickergen.AdmissionEvent{Plan: stickergen.PlanStandard, Reason: stickergen.ErrDailyExceeded})
	m.OnAdmission(stickergen.AdmissionEvent{Plan: stickergen.PlanElevated, Reason: stickergen.ErrCooldown, RetryAfter: 4 * time.Second})
	m.OnJob(stickergen.JobEvent{Stage: 1, Outcome: stickergen.OutcomeCompleted, Duration: 3 * time.Second})
	m.OnJob(stickergen.JobEvent{Stage: 2, Outcome: stickergen.OutcomeFallback, Duration: 20 * time.Second})
	m.OnJob(stickergen.JobEvent{Outcome: stickergen.OutcomeCompleted, Duration: 24 * time.Second})

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.ElementsMatch(t, []string{
		"stickergen_admissions_total",
		"stickergen_admission_retry_after_seconds",
		"stickergen_jobs_total",
		"stickergen_job_duration_seconds",
	}, names)

	n, err := testutil.GatherAndCount(reg, "stickergen_admissions_total")
	require.NoError(t, err)
	assert.Equal(t, 3, n, "admitted, daily and cooldown series")

	n, err = testutil.GatherAndCount(reg, "stickergen_jobs_total")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
