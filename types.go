package stickergen

import "time"

// Plan is the service tier a user belongs to.
type Plan string

const (
	PlanStandard Plan = "standard"
	PlanElevated Plan = "elevated"
)

func (p Plan) String() string { return string(p) }

// QuotaConfig holds the admission limits for one plan.
type QuotaConfig struct {
	DailyLimit   int
	MaxPerWindow int // 0 disables the rolling-window check
	Cooldown     time.Duration
	MaxActive    int
}

// JobStatus is the provider-reported state of a submitted job.
type JobStatus string

const (
	StatusCreated    JobStatus = "created"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// JobResult is the normalized provider response for a submitted job.
type JobResult struct {
	ID            string
	Status        JobStatus
	Outputs       []string
	Error         string
	ExecutionTime time.Duration
}

// SynthesisRequest describes a stage-1 image synthesis job.
type SynthesisRequest struct {
	Prompt       string
	Seed         int64 // -1 lets the provider choose
	Size         string
	OutputFormat string
	NumImages    int
	Strength     float64
	Image        string
}

// MessageRef identifies the chat message a job reports into.
// Exactly one of InlineMessageID or (ChatID, MessageID) is set.
type MessageRef struct {
	ChatID          int64  `json:"chatId,omitempty"`
	MessageID       int64  `json:"messageId,omitempty"`
	InlineMessageID string `json:"inlineMessageId,omitempty"`
}

// Button is an inline action attached to an outcome message.
type Button struct {
	Text string `json:"text"`
	Data string `json:"data,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Outcome is what a job reports back to the user.
type Outcome struct {
	Text     string   `json:"text,omitempty"`
	ImageURL string   `json:"imageUrl,omitempty"`
	Buttons  []Button `json:"buttons,omitempty"`
}

// Job is a single admitted generation request.
type Job struct {
	ID          string
	UserID      int64
	PromptKey   string
	FinalPrompt string
	Message     MessageRef
	Seed        int64
	Regenerate  bool
}

// Sticker is a generated image persisted to a user's collection.
type Sticker struct {
	UserID    int64
	PromptKey string
	SourceURL string
	Image     []byte
	CreatedAt time.Time
}
