// Package notify delivers job outcomes to the chat adapter over a signed webhook.
//
// Each delivery is a JSON POST. When a secret is configured the body is
// signed with HMAC-SHA256 and the hex digest sent in the X-Signature header.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/stixly/stickergen"
)

const (
	SignatureHeader = "X-Signature"

	maxRetries     = 2
	requestTimeout = 10 * time.Second
)

// Kind distinguishes an edit of an existing message from a new one.
type Kind string

const (
	KindEdit Kind = "edit"
	KindSend Kind = "send"
)

// Payload is the webhook request body.
type Payload struct {
	Kind    Kind                   `json:"kind"`
	UserID  int64                  `json:"userId,omitempty"`
	Message *stickergen.MessageRef `json:"message,omitempty"`
	Outcome stickergen.Outcome     `json:"outcome"`
}

// Webhook is a stickergen.Messenger that POSTs outcomes to a URL.
type Webhook struct {
	url        string
	secret     []byte
	httpClient *http.Client
	newBackOff func() backoff.BackOff
	logger     *slog.Logger
}

var _ stickergen.Messenger = (*Webhook)(nil)

// Option configures the webhook.
type Option func(*Webhook)

// WithSecret enables request signing.
func WithSecret(secret string) Option {
	return func(w *Webhook) { w.secret = []byte(secret) }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(w *Webhook) { w.httpClient = c }
}

// WithBackOff sets the retry schedule between delivery attempts.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(w *Webhook) { w.newBackOff = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Webhook) { w.logger = l }
}

// New creates a webhook messenger posting to url.
func New(url string, opts ...Option) (*Webhook, error) {
	if url == "" {
		return nil, fmt.Errorf("stickergen/notify: webhook url is required")
	}
	w := &Webhook{url: url}
	for _, opt := range opts {
		opt(w)
	}

	// Apply defaults after options.
	if w.httpClient == nil {
		w.httpClient = &http.Client{Timeout: requestTimeout}
	}
	if w.newBackOff == nil {
		w.newBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxElapsedTime = 0
			return b
		}
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	return w, nil
}

// EditMessage asks the adapter to replace the content of ref.
// A 410 response yields stickergen.ErrMessageExpired.
func (w *Webhook) EditMessage(ctx context.Context, ref stickergen.MessageRef, out stickergen.Outcome) error {
	return w.post(ctx, Payload{Kind: KindEdit, Message: &ref, Outcome: out})
}

// SendMessage asks the adapter to post a new message to userID.
func (w *Webhook) SendMessage(ctx context.Context, userID int64, out stickergen.Outcome) error {
	return w.post(ctx, Payload{Kind: KindSend, UserID: userID, Outcome: out})
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig is a valid signature of body under secret.
func Verify(secret, body []byte, sig string) bool {
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

func (w *Webhook) post(ctx context.Context, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("stickergen/notify: marshal payload: %w", err)
	}

	op := func() error {
		err := w.postOnce(ctx, body)
		if err != nil && !stickergen.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		w.logger.Warn("webhook delivery failed, retrying", "kind", p.Kind, "wait", wait, "error", err)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(w.newBackOff(), maxRetries), ctx)
	return backoff.RetryNotify(op, b, notify)
}

func (w *Webhook) postOnce(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("stickergen/notify: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if len(w.secret) > 0 {
		req.Header.Set(SignatureHeader, Sign(w.secret, body))
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", stickergen.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusGone:
		return stickergen.ErrMessageExpired
	case resp.StatusCode == http.StatusTooManyRequests:
		return stickergen.ErrRateLimited
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return stickergen.ErrAuthFailed
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: webhook status %d", stickergen.ErrProviderUnavailable, resp.StatusCode)
	default:
		return fmt.Errorf("%w: webhook status %d: %s", stickergen.ErrInvalidRequest, resp.StatusCode, bytes.TrimSpace(respBody))
	}
}
