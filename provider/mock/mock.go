// Package mock provides a scripted stickergen.JobClient for tests and local runs.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stixly/stickergen"
)

// Step is one scripted poll response.
type Step struct {
	Result *stickergen.JobResult
	Err    error
}

// NotFound is a poll that finds no result yet.
func NotFound() Step { return Step{Err: stickergen.ErrResultNotReady} }

// Unavailable is a poll that fails at the transport level.
func Unavailable() Step { return Step{Err: stickergen.ErrProviderUnavailable} }

// Processing is a poll for a job still running.
func Processing() Step {
	return Step{Result: &stickergen.JobResult{Status: stickergen.StatusProcessing}}
}

// Completed is a poll for a finished job with the given outputs.
func Completed(outputs ...string) Step {
	return Step{Result: &stickergen.JobResult{Status: stickergen.StatusCompleted, Outputs: outputs}}
}

// Failed is a poll for a job the provider gave up on.
func Failed(reason string) Step {
	return Step{Result: &stickergen.JobResult{Status: stickergen.StatusFailed, Error: reason}}
}

// Client is a mock JobClient. Each submitted job replays the script for its
// stage; once the script runs out its last step repeats.
type Client struct {
	mu         sync.Mutex
	scripts    [3][]Step
	submitErrs [3]error
	latency    time.Duration
	image      []byte

	nextID      int
	jobs        map[string]*job
	submissions [3]int
	lastReq     stickergen.SynthesisRequest
	lastImage   string
}

type job struct {
	stage int
	polls int
}

var (
	_ stickergen.JobClient       = (*Client)(nil)
	_ stickergen.ImageDownloader = (*Client)(nil)
)

// Option configures a mock Client.
type Option func(*Client)

// WithSynthesisScript sets the poll responses for stage-1 jobs.
func WithSynthesisScript(steps ...Step) Option {
	return func(c *Client) { c.scripts[1] = steps }
}

// WithBackgroundScript sets the poll responses for stage-2 jobs.
func WithBackgroundScript(steps ...Step) Option {
	return func(c *Client) { c.scripts[2] = steps }
}

// WithSubmitError makes submissions for stage (1 or 2) fail with err.
func WithSubmitError(stage int, err error) Option {
	return func(c *Client) { c.submitErrs[stage] = err }
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(c *Client) { c.latency = d }
}

// WithImage sets the bytes returned by DownloadImage.
func WithImage(b []byte) Option {
	return func(c *Client) { c.image = b }
}

// New creates a mock client. Without scripts, both stages complete on the first poll.
func New(opts ...Option) *Client {
	c := &Client{
		jobs:  make(map[string]*job),
		image: []byte("\x89PNG mock"),
	}
	c.scripts[1] = []Step{Completed("https://mock.local/synthesis.png")}
	c.scripts[2] = []Step{Completed("https://mock.local/cutout.png")}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) SubmitSynthesis(ctx context.Context, req stickergen.SynthesisRequest) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastReq = req
	return c.submit(1)
}

func (c *Client) SubmitBackgroundRemoval(ctx context.Context, imageURL string) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastImage = imageURL
	return c.submit(2)
}

func (c *Client) submit(stage int) (string, error) {
	c.submissions[stage]++
	if err := c.submitErrs[stage]; err != nil {
		return "", err
	}
	c.nextID++
	id := fmt.Sprintf("mock-%d-%d", stage, c.nextID)
	c.jobs[id] = &job{stage: stage}
	return id, nil
}

func (c *Client) GetResult(ctx context.Context, requestID string) (*stickergen.JobResult, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	j, ok := c.jobs[requestID]
	if !ok {
		return nil, stickergen.ErrResultNotReady
	}
	script := c.scripts[j.stage]
	j.polls++
	if len(script) == 0 {
		return nil, stickergen.ErrResultNotReady
	}
	step := script[min(j.polls, len(script))-1]
	if step.Err != nil {
		return nil, step.Err
	}
	res := *step.Result
	res.ID = requestID
	return &res, nil
}

func (c *Client) DownloadImage(ctx context.Context, _ string, maxBytes int64) ([]byte, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	if maxBytes > 0 && int64(len(c.image)) > maxBytes {
		return nil, stickergen.ErrImageTooLarge
	}
	return c.image, nil
}

func (c *Client) wait(ctx context.Context) error {
	if c.latency <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(c.latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submissions returns how many submissions were made for stage.
func (c *Client) Submissions(stage int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submissions[stage]
}

// Polls returns how many times GetResult was called across jobs of stage.
func (c *Client) Polls(stage int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, j := range c.jobs {
		if j.stage == stage {
			n += j.polls
		}
	}
	return n
}

// LastSynthesis returns the most recent stage-1 request.
func (c *Client) LastSynthesis() stickergen.SynthesisRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastReq
}

// LastBackgroundImage returns the image URL of the most recent stage-2 request.
func (c *Client) LastBackgroundImage() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastImage
}
