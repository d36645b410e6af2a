// Package wavespeed implements stickergen.JobClient against the WaveSpeed
// prediction API: asynchronous submit, then poll for the result.
package wavespeed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/stixly/stickergen"
)

const (
	DefaultBaseURL         = "https://api.wavespeed.ai/api/v3"
	DefaultSynthesisModel  = "wavespeed-ai/flux-schnell"
	DefaultBackgroundModel = "wavespeed-ai/image-background-remover"

	maxRetries      = 2
	submitTimeout   = 20 * time.Second
	resultTimeout   = 10 * time.Second
	downloadTimeout = 10 * time.Second
	connectTimeout  = 5 * time.Second
)

// Client is a WaveSpeed API client. It is safe for concurrent use and
// meant to be shared by all running jobs.
type Client struct {
	apiKey          string
	baseURL         string
	synthesisModel  string
	backgroundModel string
	httpClient      *http.Client
	newBackOff      func() backoff.BackOff
	logger          *slog.Logger
}

var (
	_ stickergen.JobClient       = (*Client)(nil)
	_ stickergen.ImageDownloader = (*Client)(nil)
)

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithBaseURL overrides the API base URL.
func WithBaseURL(u string) Option {
	return func(cl *Client) { cl.baseURL = strings.TrimRight(u, "/") }
}

// WithModels overrides the stage-1 and stage-2 model paths.
func WithModels(synthesis, background string) Option {
	return func(cl *Client) {
		cl.synthesisModel = synthesis
		cl.backgroundModel = background
	}
}

// WithBackOff sets the retry schedule used between submit attempts.
// At most two retries are made regardless of the schedule.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(cl *Client) { cl.newBackOff = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// New creates a WaveSpeed client.
func New(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("stickergen/wavespeed: api key is required")
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}).DialContext

	c := &Client{
		apiKey:          apiKey,
		baseURL:         DefaultBaseURL,
		synthesisModel:  DefaultSynthesisModel,
		backgroundModel: DefaultBackgroundModel,
		httpClient:      &http.Client{Transport: transport},
		newBackOff:      defaultBackOff,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}

	c.logger.Info("wavespeed client initialized", "api_key_prefix", keyPrefix(apiKey))
	return c, nil
}

// defaultBackOff waits roughly 1s then 2s, with jitter.
func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	return b
}

func keyPrefix(k string) string {
	if len(k) <= 4 {
		return "****"
	}
	return k[:4] + "..."
}

// synthesisRequest is the stage-1 request body.
type synthesisRequest struct {
	EnableBase64Output bool    `json:"enable_base64_output"`
	EnableSyncMode     bool    `json:"enable_sync_mode"`
	Image              string  `json:"image"`
	NumImages          int     `json:"num_images"`
	OutputFormat       string  `json:"output_format"`
	Prompt             string  `json:"prompt"`
	Seed               int64   `json:"seed"`
	Size               string  `json:"size"`
	Strength           float64 `json:"strength"`
}

// backgroundRequest is the stage-2 request body.
type backgroundRequest struct {
	EnableBase64Output bool   `json:"enable_base64_output"`
	EnableSyncMode     bool   `json:"enable_sync_mode"`
	Image              string `json:"image"`
}

// apiResult is a prediction as returned by the API.
type apiResult struct {
	ID            string   `json:"id"`
	RequestID     string   `json:"requestId"`
	Status        string   `json:"status"`
	Outputs       []string `json:"outputs"`
	Error         string   `json:"error"`
	ExecutionTime float64  `json:"executionTime"`
}

// apiEnvelope accepts both the flat shape and the one nested under "data".
type apiEnvelope struct {
	apiResult
	Data json.RawMessage `json:"data"`
}

func decodeResult(r io.Reader) (apiResult, error) {
	var env apiEnvelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return apiResult{}, fmt.Errorf("stickergen/wavespeed: decode response: %w", err)
	}
	if d := bytes.TrimSpace(env.Data); len(d) > 0 && d[0] == '{' {
		var nested apiResult
		if err := json.Unmarshal(d, &nested); err != nil {
			return apiResult{}, fmt.Errorf("stickergen/wavespeed: decode data: %w", err)
		}
		return nested, nil
	}
	return env.apiResult, nil
}

func (r apiResult) requestID() string {
	if r.ID != "" {
		return r.ID
	}
	return r.RequestID
}

// SubmitSynthesis starts a text-to-image job.
func (c *Client) SubmitSynthesis(ctx context.Context, req stickergen.SynthesisRequest) (string, error) {
	body := synthesisRequest{
		Image:        req.Image,
		NumImages:    req.NumImages,
		OutputFormat: req.OutputFormat,
		Prompt:       req.Prompt,
		Seed:         req.Seed,
		Size:         req.Size,
		Strength:     req.Strength,
	}
	if body.NumImages == 0 {
		body.NumImages = 1
	}
	return c.submit(ctx, c.synthesisModel, body)
}

// SubmitBackgroundRemoval starts a background removal job for imageURL.
func (c *Client) SubmitBackgroundRemoval(ctx context.Context, imageURL string) (string, error) {
	return c.submit(ctx, c.backgroundModel, backgroundRequest{Image: imageURL})
}

func (c *Client) submit(ctx context.Context, model string, body any) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("stickergen/wavespeed: marshal request: %w", err)
	}
	url := c.baseURL + "/" + model

	attempt := 0
	op := func() (string, error) {
		attempt++
		id, err := c.submitOnce(ctx, url, payload)
		if err != nil && !retryable(err) {
			return "", backoff.Permanent(err)
		}
		return id, err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("wavespeed submit failed, retrying",
			"model", model,
			"attempt", attempt,
			"wait", wait,
			"error", err,
		)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), maxRetries), ctx)
	id, err := backoff.RetryNotifyWithData[string](op, b, notify)
	if err != nil {
		return "", err
	}
	c.logger.Info("wavespeed job submitted", "model", model, "request_id", id)
	return id, nil
}

func (c *Client) submitOnce(ctx context.Context, url string, payload []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodPost, url, payload)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if err := mapHTTPError(resp); err != nil {
		return "", err
	}

	res, err := decodeResult(resp.Body)
	if err != nil {
		return "", err
	}
	id := res.requestID()
	if id == "" {
		return "", fmt.Errorf("%w: response carries no request id", stickergen.ErrInvalidRequest)
	}
	return id, nil
}

// GetResult fetches the state of a job once. A 404 yields ErrResultNotReady;
// transport failures and other non-2xx statuses yield ErrProviderUnavailable.
func (c *Client) GetResult(ctx context.Context, requestID string) (*stickergen.JobResult, error) {
	ctx, cancel := context.WithTimeout(ctx, resultTimeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodGet, c.baseURL+"/predictions/"+requestID+"/result", nil)
	if err != nil {
		c.logger.Warn("wavespeed poll failed", "request_id", requestID, "error", err)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		c.logger.Debug("wavespeed prediction not found", "request_id", requestID)
		return nil, stickergen.ErrResultNotReady
	}
	if err := mapHTTPError(resp); err != nil {
		c.logger.Warn("wavespeed poll error", "request_id", requestID, "status", resp.StatusCode, "error", err)
		return nil, fmt.Errorf("%w: %w", stickergen.ErrProviderUnavailable, err)
	}

	res, err := decodeResult(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", stickergen.ErrProviderUnavailable, err)
	}

	out := &stickergen.JobResult{
		ID:            res.requestID(),
		Status:        stickergen.JobStatus(strings.ToLower(res.Status)),
		Outputs:       res.Outputs,
		Error:         res.Error,
		ExecutionTime: time.Duration(res.ExecutionTime * float64(time.Millisecond)),
	}
	if out.ID == "" {
		out.ID = requestID
	}
	c.logger.Debug("wavespeed result",
		"request_id", requestID,
		"status", out.Status,
		"execution_time", out.ExecutionTime,
	)
	return out, nil
}

// DownloadImage fetches url, failing with ErrImageTooLarge past maxBytes.
func (c *Client) DownloadImage(ctx context.Context, url string, maxBytes int64) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("stickergen/wavespeed: create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: download: %v", stickergen.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: download status %d", stickergen.ErrProviderUnavailable, resp.StatusCode)
	}
	if maxBytes > 0 && resp.ContentLength > maxBytes {
		return nil, fmt.Errorf("%w: %d bytes", stickergen.ErrImageTooLarge, resp.ContentLength)
	}

	r := io.Reader(resp.Body)
	if maxBytes > 0 {
		r = io.LimitReader(resp.Body, maxBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: download: %v", stickergen.ErrProviderUnavailable, err)
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", stickergen.ErrImageTooLarge, maxBytes)
	}
	return data, nil
}

func (c *Client) do(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, r)
	if err != nil {
		return nil, fmt.Errorf("stickergen/wavespeed: create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", stickergen.ErrProviderUnavailable, err)
	}
	return resp, nil
}

// statusError keeps the HTTP status next to the mapped sentinel.
type statusError struct {
	code int
	err  error
}

func (e *statusError) Error() string { return fmt.Sprintf("%v (status %d)", e.err, e.code) }
func (e *statusError) Unwrap() error { return e.err }

func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	// Read body for error context, but don't fail if we can't.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	var err error
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		err = stickergen.ErrRateLimited
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		err = stickergen.ErrAuthFailed
	case resp.StatusCode >= 500:
		err = stickergen.ErrProviderUnavailable
	default:
		err = fmt.Errorf("%w: %s", stickergen.ErrInvalidRequest, strings.TrimSpace(string(body)))
	}
	return &statusError{code: resp.StatusCode, err: err}
}

// retryable reports whether a submit attempt may be repeated:
// network failures, 429 and 500/502/503/504.
func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		switch se.code {
		case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	return errors.Is(err, stickergen.ErrProviderUnavailable)
}
