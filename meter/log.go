package meter

import (
	"log/slog"

	"github.com/stixly/stickergen"
)

// LogMeter logs admission and job events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ stickergen.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnAdmission(e stickergen.AdmissionEvent) {
	if e.Admitted {
		m.Logger.Info("admission",
			"user", e.UserID,
			"plan", e.Plan,
		)
		return
	}
	m.Logger.Info("admission_rejected",
		"user", e.UserID,
		"plan", e.Plan,
		"reason", e.Reason,
		"retry_after_ms", e.RetryAfter.Milliseconds(),
	)
}

func (m *LogMeter) OnJob(e stickergen.JobEvent) {
	attrs := []any{
		"job", e.JobID,
		"user", e.UserID,
		"stage", e.Stage,
		"outcome", e.Outcome,
		"request_id", e.RequestID,
		"duration_ms", e.Duration.Milliseconds(),
	}
	switch e.Outcome {
	case stickergen.OutcomeCompleted:
		m.Logger.Info("job", attrs...)
	case stickergen.OutcomeFallback, stickergen.OutcomeTimeout:
		m.Logger.Warn("job", append(attrs, "error", e.Error)...)
	default:
		m.Logger.Error("job", append(attrs, "error", e.Error)...)
	}
}
