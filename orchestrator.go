package stickergen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// SlotReleaser releases an admission slot. *QuotaManager implements it.
type SlotReleaser interface {
	Finish(ctx context.Context, userID int64)
}

// Orchestrator drives an admitted job through synthesis and optional
// background removal, reports the outcome and releases the user's slot.
type Orchestrator struct {
	client     JobClient
	slots      SlotReleaser
	messenger  Messenger
	collection Collection
	downloader ImageDownloader
	meter      Meter
	logger     *slog.Logger

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() time.Duration

	maxPoll       time.Duration
	pollInterval  time.Duration
	bgRemoval     bool
	template      SynthesisRequest
	galleryURL    string
	caption       string
	maxImageBytes int64

	wg sync.WaitGroup
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithMaxPoll sets the polling budget shared by both stages (default 60s).
// It is counted from the moment stage 1 is accepted.
func WithMaxPoll(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.maxPoll = d }
}

// WithPollInterval sets the base delay between result polls (default 1.5s).
func WithPollInterval(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.pollInterval = d }
}

// WithJitter sets the function adding jitter to each poll delay
// (default uniform in ±300ms).
func WithJitter(fn func() time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.jitter = fn }
}

// WithBackgroundRemoval enables or disables stage 2 (default enabled).
func WithBackgroundRemoval(enabled bool) OrchestratorOption {
	return func(o *Orchestrator) { o.bgRemoval = enabled }
}

// WithSynthesisDefaults sets size, format and strength for stage-1 requests.
// Prompt and Seed are taken from the job.
func WithSynthesisDefaults(req SynthesisRequest) OrchestratorOption {
	return func(o *Orchestrator) { o.template = req }
}

// WithCollection sets where finished stickers are persisted.
func WithCollection(c Collection) OrchestratorOption {
	return func(o *Orchestrator) { o.collection = c }
}

// WithDownloader sets the client used to fetch final images for the collection.
func WithDownloader(d ImageDownloader, maxBytes int64) OrchestratorOption {
	return func(o *Orchestrator) {
		o.downloader = d
		o.maxImageBytes = maxBytes
	}
}

// WithGalleryURL adds a "Save to Stixly" link to successful outcomes.
func WithGalleryURL(url string) OrchestratorOption {
	return func(o *Orchestrator) { o.galleryURL = url }
}

// WithCaption sets the caption shown under generated images.
func WithCaption(caption string) OrchestratorOption {
	return func(o *Orchestrator) { o.caption = caption }
}

// WithMeter sets the meter.
func WithMeter(m Meter) OrchestratorOption {
	return func(o *Orchestrator) { o.meter = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock replaces time.Now and the sleep used between polls.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) OrchestratorOption {
	return func(o *Orchestrator) {
		o.now = now
		o.sleep = sleep
	}
}

// UniformJitter returns a jitter source uniform in [-spread, spread].
func UniformJitter(spread time.Duration) func() time.Duration {
	return func() time.Duration {
		return time.Duration((rand.Float64()*2 - 1) * float64(spread))
	}
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(client JobClient, slots SlotReleaser, messenger Messenger, opts ...OrchestratorOption) (*Orchestrator, error) {
	if client == nil || slots == nil || messenger == nil {
		return nil, fmt.Errorf("stickergen: orchestrator requires job client, slot releaser and messenger")
	}

	o := &Orchestrator{
		client:       client,
		slots:        slots,
		messenger:    messenger,
		maxPoll:      60 * time.Second,
		pollInterval: 1500 * time.Millisecond,
		bgRemoval:    true,
		template: SynthesisRequest{
			Size:         "512*512",
			OutputFormat: "png",
			NumImages:    1,
			Strength:     0.8,
		},
	}
	for _, opt := range opts {
		opt(o)
	}

	// Apply defaults after options.
	if o.meter == nil {
		o.meter = &noopMeter{}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.sleep == nil {
		o.sleep = sleepContext
	}
	if o.jitter == nil {
		o.jitter = UniformJitter(300 * time.Millisecond)
	}
	return o, nil
}

// Start runs job in a new goroutine. ctx must outlive the triggering request;
// cancelling it stops polling but never cancels the remote job.
func (o *Orchestrator) Start(ctx context.Context, job Job) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.Run(ctx, job)
	}()
}

// Wait blocks until every job launched with Start has returned.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Run executes job synchronously. It always reports an outcome to the user
// and always releases the user's slot, even if a collaborator panics.
func (o *Orchestrator) Run(ctx context.Context, job Job) {
	log := o.logger.With("job", job.ID, "user", job.UserID, "prompt_key", job.PromptKey)
	start := o.now()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("stickergen: panic in job: %v", r)
			log.Error("generation panicked", "error", err)
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Error("reporting failure panicked", "panic", r)
					}
				}()
				o.reportFailure(context.WithoutCancel(ctx), log, job, err, o.now().Sub(start))
			}()
		}
		o.slots.Finish(context.WithoutCancel(ctx), job.UserID)
	}()

	imageURL, err := o.generate(ctx, log, job)
	if err != nil {
		o.reportFailure(context.WithoutCancel(ctx), log, job, err, o.now().Sub(start))
		return
	}

	// The result exists remotely; deliver it even if shutdown has begun.
	if err := o.deliver(context.WithoutCancel(ctx), log, job, imageURL); err != nil {
		o.reportFailure(context.WithoutCancel(ctx), log, job, err, o.now().Sub(start))
		return
	}
	o.meter.OnJob(JobEvent{
		JobID:     job.ID,
		UserID:    job.UserID,
		PromptKey: job.PromptKey,
		Outcome:   OutcomeCompleted,
		ImageURL:  imageURL,
		Duration:  o.now().Sub(start),
	})
}

// generate runs both stages and returns the URL of the final image.
// The polling deadline starts once stage 1 is accepted and covers both stages.
func (o *Orchestrator) generate(ctx context.Context, log *slog.Logger, job Job) (string, error) {
	req := o.template
	req.Prompt = job.FinalPrompt
	req.Seed = job.Seed

	stageStart := o.now()
	requestID, err := o.client.SubmitSynthesis(ctx, req)
	if err != nil {
		o.stageEvent(job, 1, "", stageStart, err)
		return "", fmt.Errorf("submit synthesis: %w", err)
	}
	log.Info("synthesis submitted", "request_id", requestID, "seed", job.Seed)
	deadline := o.now().Add(o.maxPoll)

	imageURL, err := o.poll(ctx, 1, requestID, deadline)
	o.stageEvent(job, 1, requestID, stageStart, err)
	if err != nil {
		return "", err
	}

	if !o.bgRemoval {
		return imageURL, nil
	}

	stageStart = o.now()
	if !stageStart.Before(deadline) {
		// A job submitted now could never be polled.
		log.Warn("no time left for background removal, using synthesis output")
		o.stageEvent(job, 2, "", stageStart, errFallback(ErrJobTimeout))
		return imageURL, nil
	}
	bgID, err := o.client.SubmitBackgroundRemoval(ctx, imageURL)
	if err != nil {
		log.Warn("background removal submit failed, using synthesis output", "error", err)
		o.stageEvent(job, 2, "", stageStart, errFallback(err))
		return imageURL, nil
	}

	cutout, err := o.poll(ctx, 2, bgID, deadline)
	if err != nil {
		log.Warn("background removal did not finish, using synthesis output",
			"request_id", bgID,
			"error", err,
		)
		o.stageEvent(job, 2, bgID, stageStart, errFallback(err))
		return imageURL, nil
	}
	o.stageEvent(job, 2, bgID, stageStart, nil)
	return cutout, nil
}

// poll waits for requestID to reach a terminal status before deadline.
func (o *Orchestrator) poll(ctx context.Context, stage int, requestID string, deadline time.Time) (string, error) {
	for o.now().Before(deadline) {
		if err := o.sleep(ctx, o.pollInterval+o.jitter()); err != nil {
			return "", err
		}

		res, err := o.client.GetResult(ctx, requestID)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			continue
		}

		switch res.Status {
		case StatusCompleted:
			if len(res.Outputs) == 0 {
				return "", &JobError{RequestID: requestID, Stage: stage, Reason: "completed without outputs"}
			}
			return res.Outputs[0], nil
		case StatusFailed:
			reason := res.Error
			if reason == "" {
				reason = "unknown error"
			}
			return "", &JobError{RequestID: requestID, Stage: stage, Reason: reason}
		}
	}
	return "", ErrJobTimeout
}

// deliver persists the sticker and shows it to the user. Only a failure to
// reach the user is returned.
func (o *Orchestrator) deliver(ctx context.Context, log *slog.Logger, job Job, imageURL string) error {
	if o.collection != nil {
		sticker := Sticker{
			UserID:    job.UserID,
			PromptKey: job.PromptKey,
			SourceURL: imageURL,
			CreatedAt: o.now(),
		}
		if o.downloader != nil {
			data, err := o.downloader.DownloadImage(ctx, imageURL, o.maxImageBytes)
			if err != nil {
				log.Warn("download final image failed", "error", err)
			}
			sticker.Image = data
		}
		if err := o.collection.Save(ctx, sticker); err != nil {
			log.Warn("save sticker to collection failed", "error", err)
		}
	}

	var buttons []Button
	if o.galleryURL != "" {
		buttons = append(buttons, Button{
			Text: "Save to Stixly",
			URL:  fmt.Sprintf("%s?action=save&hash=%s", o.galleryURL, job.PromptKey),
		})
	}
	buttons = append(buttons, regenerateButton(job.PromptKey))

	err := o.notify(ctx, job, Outcome{
		Text:     o.caption,
		ImageURL: imageURL,
		Buttons:  buttons,
	})
	if err != nil {
		return fmt.Errorf("deliver result: %w", err)
	}
	log.Info("generation delivered", "image_url", imageURL)
	return nil
}

func (o *Orchestrator) reportFailure(ctx context.Context, log *slog.Logger, job Job, err error, elapsed time.Duration) {
	outcome := OutcomeError
	reason := "Error occurred"
	switch {
	case errors.Is(err, ErrJobTimeout):
		outcome, reason = OutcomeTimeout, "Timed out"
	case errors.Is(err, ErrJobFailed):
		outcome, reason = OutcomeFailed, "Generation failed"
	}

	if outcome == OutcomeTimeout {
		log.Warn("generation timed out", "after", elapsed)
	} else {
		log.Error("generation failed", "error", err)
	}

	o.meter.OnJob(JobEvent{
		JobID:     job.ID,
		UserID:    job.UserID,
		PromptKey: job.PromptKey,
		Outcome:   outcome,
		Duration:  elapsed,
		Error:     err,
	})

	err = o.notify(ctx, job, Outcome{
		Text:    fmt.Sprintf("⚠️ %s. Try Regenerate.", reason),
		Buttons: []Button{regenerateButton(job.PromptKey)},
	})
	if err != nil {
		log.Error("report failure to user failed", "error", err)
	}
}

// notify edits the originating message, falling back to a private message
// when it can no longer be edited.
func (o *Orchestrator) notify(ctx context.Context, job Job, out Outcome) error {
	err := o.messenger.EditMessage(ctx, job.Message, out)
	if err == nil || !errors.Is(err, ErrMessageExpired) {
		return err
	}
	return o.messenger.SendMessage(ctx, job.UserID, out)
}

func (o *Orchestrator) stageEvent(job Job, stage int, requestID string, start time.Time, err error) {
	ev := JobEvent{
		JobID:     job.ID,
		UserID:    job.UserID,
		PromptKey: job.PromptKey,
		Stage:     stage,
		RequestID: requestID,
		Outcome:   OutcomeCompleted,
		Duration:  o.now().Sub(start),
		Error:     err,
	}
	switch {
	case err == nil:
	case errors.Is(err, errStageFallback):
		ev.Outcome = OutcomeFallback
	case errors.Is(err, ErrJobTimeout):
		ev.Outcome = OutcomeTimeout
	case errors.Is(err, ErrJobFailed):
		ev.Outcome = OutcomeFailed
	default:
		ev.Outcome = OutcomeError
	}
	o.meter.OnJob(ev)
}

var errStageFallback = errors.New("stickergen: stage fell back to previous output")

func errFallback(err error) error {
	return fmt.Errorf("%w: %w", errStageFallback, err)
}

func regenerateButton(promptKey string) Button {
	return Button{Text: "Regenerate", Data: ActionRegenerate.Prefix() + promptKey}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
