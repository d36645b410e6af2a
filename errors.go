package stickergen

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors.
var (
	ErrAlreadyActive       = errors.New("stickergen: generation already in progress")
	ErrCooldown            = errors.New("stickergen: cooldown in effect")
	ErrWindowExceeded      = errors.New("stickergen: rolling window limit reached")
	ErrDailyExceeded       = errors.New("stickergen: daily limit reached")
	ErrPromptExpired       = errors.New("stickergen: prompt expired")
	ErrInvalidPrompt       = errors.New("stickergen: invalid prompt")
	ErrInvalidAction       = errors.New("stickergen: invalid action")
	ErrResultNotReady      = errors.New("stickergen: result not ready")
	ErrRateLimited         = errors.New("stickergen: rate limited by provider")
	ErrAuthFailed          = errors.New("stickergen: authentication failed")
	ErrInvalidRequest      = errors.New("stickergen: invalid request")
	ErrProviderUnavailable = errors.New("stickergen: provider unavailable")
	ErrJobFailed           = errors.New("stickergen: job failed")
	ErrJobTimeout          = errors.New("stickergen: job timed out")
	ErrImageTooLarge       = errors.New("stickergen: image too large")
	ErrMessageExpired      = errors.New("stickergen: message can no longer be edited")
)

// AdmissionError is returned by QuotaManager when a generation request is rejected.
// Message is the user-facing text; RetryAfter is zero when no hint applies.
type AdmissionError struct {
	Err        error
	Plan       Plan
	Message    string
	RetryAfter time.Duration
}

func (e *AdmissionError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("stickergen: admission rejected plan=%s retry_after=%s: %v", e.Plan, e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("stickergen: admission rejected plan=%s: %v", e.Plan, e.Err)
}

func (e *AdmissionError) Unwrap() error {
	return e.Err
}

// JobError wraps a terminal provider failure with the provider's own error text.
type JobError struct {
	RequestID string
	Stage     int
	Reason    string
}

func (e *JobError) Error() string {
	return fmt.Sprintf("stickergen: job %s stage=%d failed: %s", e.RequestID, e.Stage, e.Reason)
}

func (e *JobError) Unwrap() error {
	return ErrJobFailed
}

// IsAdmission reports whether err is an admission rejection.
func IsAdmission(err error) bool {
	var ae *AdmissionError
	return errors.As(err, &ae)
}

// IsRetryable returns true if a submission failing with err may be attempted again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrProviderUnavailable)
}

// IsNotReady returns true if a poll produced no usable result yet.
// Both a missing result and a transport failure count.
func IsNotReady(err error) bool {
	return errors.Is(err, ErrResultNotReady) ||
		errors.Is(err, ErrProviderUnavailable) ||
		errors.Is(err, ErrRateLimited)
}
