package stickergen

import "time"

// Meter observes admission and job events for monitoring/logging.
type Meter interface {
	// OnAdmission is called after every admission decision.
	OnAdmission(event AdmissionEvent)

	// OnJob is called when a job stage reaches a terminal state.
	OnJob(event JobEvent)
}

// AdmissionEvent describes an admission decision.
type AdmissionEvent struct {
	UserID     int64
	Plan       Plan
	Admitted   bool
	Reason     error
	RetryAfter time.Duration
}

// JobOutcome classifies how a job stage ended.
type JobOutcome string

const (
	OutcomeCompleted JobOutcome = "completed"
	OutcomeFailed    JobOutcome = "failed"
	OutcomeTimeout   JobOutcome = "timeout"
	OutcomeError     JobOutcome = "error"
	OutcomeFallback  JobOutcome = "fallback"
)

// JobEvent describes the end of a job stage, or of the whole job when Stage is 0.
type JobEvent struct {
	JobID     string
	UserID    int64
	PromptKey string
	Stage     int
	Outcome   JobOutcome
	RequestID string
	ImageURL  string
	Duration  time.Duration
	Error     error
}

type noopMeter struct{}

func (noopMeter) OnAdmission(AdmissionEvent) {}
func (noopMeter) OnJob(JobEvent)             {}
