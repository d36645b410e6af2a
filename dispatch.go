package stickergen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ActionKind is the verb carried by an inbound action payload.
type ActionKind int

const (
	ActionGenerate ActionKind = iota + 1
	ActionRegenerate
)

// Prefix returns the payload prefix for the action kind.
func (k ActionKind) Prefix() string {
	switch k {
	case ActionGenerate:
		return "generate:"
	case ActionRegenerate:
		return "regenerate:"
	default:
		return ""
	}
}

// Older clients still send the short prefixes.
var legacyPrefixes = map[string]ActionKind{
	"gen:":   ActionGenerate,
	"regen:": ActionRegenerate,
}

// Action is an inbound button press from the chat platform.
type Action struct {
	UserID  int64      `json:"userId"`
	Data    string     `json:"data"`
	Message MessageRef `json:"message"`
}

// ParseAction splits an action payload into its kind and prompt key.
func ParseAction(data string) (ActionKind, string, error) {
	for _, k := range []ActionKind{ActionGenerate, ActionRegenerate} {
		if key, ok := strings.CutPrefix(data, k.Prefix()); ok {
			return checkKey(k, key, data)
		}
	}
	for prefix, k := range legacyPrefixes {
		if key, ok := strings.CutPrefix(data, prefix); ok {
			return checkKey(k, key, data)
		}
	}
	return 0, "", fmt.Errorf("%w: %q", ErrInvalidAction, data)
}

func checkKey(k ActionKind, key, data string) (ActionKind, string, error) {
	if key == "" {
		return 0, "", fmt.Errorf("%w: empty prompt key in %q", ErrInvalidAction, data)
	}
	return k, key, nil
}

// Admitter decides whether a user may start a generation. *QuotaManager implements it.
type Admitter interface {
	TryConsume(ctx context.Context, userID int64, now time.Time) error
}

// JobStarter launches an admitted job in the background. *Orchestrator implements it.
type JobStarter interface {
	Start(ctx context.Context, job Job)
}

// Dispatcher turns generate/regenerate actions into admitted background jobs.
type Dispatcher struct {
	prompts   PromptStore
	admitter  Admitter
	starter   JobStarter
	messenger Messenger

	systemPrompt string
	jobCtx       context.Context
	now          func() time.Time
	seed         func() int64
	logger       *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithSystemPrompt sets the operator prompt prepended to every user prompt.
func WithSystemPrompt(p string) DispatcherOption {
	return func(d *Dispatcher) { d.systemPrompt = p }
}

// WithJobContext sets the context background jobs run under.
// It should be cancelled only on shutdown.
func WithJobContext(ctx context.Context) DispatcherOption {
	return func(d *Dispatcher) { d.jobCtx = ctx }
}

// WithDispatchClock replaces time.Now for admission decisions.
func WithDispatchClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// WithSeedSource replaces the random seed generator used for regenerate.
func WithSeedSource(fn func() int64) DispatcherOption {
	return func(d *Dispatcher) { d.seed = fn }
}

// WithDispatchLogger sets the logger.
func WithDispatchLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(prompts PromptStore, admitter Admitter, starter JobStarter, messenger Messenger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		prompts:   prompts,
		admitter:  admitter,
		starter:   starter,
		messenger: messenger,
	}
	for _, opt := range opts {
		opt(d)
	}

	// Apply defaults after options.
	if d.jobCtx == nil {
		d.jobCtx = context.Background()
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.seed == nil {
		d.seed = func() int64 { return rand.Int64N(1 << 31) }
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	return d
}

// HandleAction validates and admits an action and starts its job.
// It returns the started job, or an error wrapping ErrInvalidAction,
// ErrPromptExpired or an *AdmissionError. No job is started on error.
func (d *Dispatcher) HandleAction(ctx context.Context, a Action) (Job, error) {
	kind, key, err := ParseAction(a.Data)
	if err != nil {
		return Job{}, err
	}

	text, err := d.prompts.Get(ctx, key)
	if err != nil {
		return Job{}, err
	}

	if err := d.admitter.TryConsume(ctx, a.UserID, d.now()); err != nil {
		d.logger.Info("generation rejected", "user", a.UserID, "reason", err)
		return Job{}, err
	}

	job := Job{
		ID:          uuid.New().String(),
		UserID:      a.UserID,
		PromptKey:   key,
		FinalPrompt: BuildFinalPrompt(d.systemPrompt, text),
		Message:     a.Message,
		Seed:        -1,
		Regenerate:  kind == ActionRegenerate,
	}
	status := "⏳ Generating…"
	if job.Regenerate {
		job.Seed = d.seed()
		status = "⏳ Regenerating…"
	}

	if err := d.messenger.EditMessage(ctx, a.Message, Outcome{Text: status}); err != nil {
		d.logger.Warn("edit status message failed", "user", a.UserID, "error", err)
	}

	d.starter.Start(d.jobCtx, job)
	return job, nil
}

// UserMessage returns the text shown to the user for a HandleAction error.
func UserMessage(err error) string {
	var ae *AdmissionError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ae):
		if ae.RetryAfter > 0 {
			return fmt.Sprintf("%s (wait %ds)", ae.Message, int(ae.RetryAfter.Seconds()))
		}
		return ae.Message
	case errors.Is(err, ErrPromptExpired):
		return "Expired, rerun inline"
	case errors.Is(err, ErrInvalidAction):
		return "Unknown action"
	default:
		return "Service temporarily unavailable"
	}
}
