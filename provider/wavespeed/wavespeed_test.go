package wavespeed_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stixly/stickergen"
	"github.com/stixly/stickergen/provider/wavespeed"
)

func newClient(t *testing.T, h http.Handler) *wavespeed.Client {
	t.Helper()
	c, _ := newClientURL(t, h)
	return c
}

func newClientURL(t *testing.T, h http.Handler) (*wavespeed.Client, string) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := wavespeed.New("test-key",
		wavespeed.WithBaseURL(srv.URL),
		wavespeed.WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
		wavespeed.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	require.NoError(t, err)
	return c, srv.URL
}

func TestNew_RequiresKey(t *testing.T) {
	_, err := wavespeed.New("")
	assert.Error(t, err)
}

func TestSubmitSynthesis_RequestShape(t *testing.T) {
	var body map[string]any
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/wavespeed-ai/flux-schnell", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = w.Write([]byte(`{"code":200,"data":{"id":"req-nested","status":"created"}}`))
	}))

	id, err := c.SubmitSynthesis(context.Background(), stickergen.SynthesisRequest{
		Prompt:       "sys\n\nUser prompt: cat",
		Seed:         -1,
		Size:         "512*512",
		OutputFormat: "png",
		Strength:     0.8,
	})
	require.NoError(t, err)
	assert.Equal(t, "req-nested", id)

	assert.Equal(t, "sys\n\nUser prompt: cat", body["prompt"])
	assert.Equal(t, float64(-1), body["seed"])
	assert.Equal(t, "512*512", body["size"])
	assert.Equal(t, "png", body["output_format"])
	assert.Equal(t, float64(1), body["num_images"])
	assert.Equal(t, 0.8, body["strength"])
	assert.Equal(t, "", body["image"])
	assert.Equal(t, false, body["enable_base64_output"])
	assert.Equal(t, false, body["enable_sync_mode"])
}

func TestSubmit_ResponseShapes(t *testing.T) {
	tests := []struct {
		name string
		resp string
		want string
	}{
		{"flat id", `{"id":"a1"}`, "a1"},
		{"flat requestId", `{"requestId":"a2"}`, "a2"},
		{"nested requestId", `{"data":{"requestId":"a3"}}`, "a3"},
		{"non-object data", `{"data":"x","id":"a4"}`, "a4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.resp))
			}))
			id, err := c.SubmitBackgroundRemoval(context.Background(), "https://cdn.example/img.png")
			require.NoError(t, err)
			assert.Equal(t, tt.want, id)
		})
	}
}

func TestSubmit_MissingIDIsPermanent(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"data":{}}`))
	}))

	_, err := c.SubmitBackgroundRemoval(context.Background(), "https://cdn.example/img.png")
	assert.ErrorIs(t, err, stickergen.ErrInvalidRequest)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSubmitBackgroundRemoval_RequestShape(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/wavespeed-ai/image-background-remover", r.URL.Path)
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]any{
			"enable_base64_output": false,
			"enable_sync_mode":     false,
			"image":                "https://cdn.example/img.png",
		}, body)
		_, _ = w.Write([]byte(`{"id":"bg-1"}`))
	}))

	id, err := c.SubmitBackgroundRemoval(context.Background(), "https://cdn.example/img.png")
	require.NoError(t, err)
	assert.Equal(t, "bg-1", id)
}

func TestSubmit_RetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusServiceUnavailable)
		case 2:
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			_, _ = w.Write([]byte(`{"id":"ok"}`))
		}
	}))

	id, err := c.SubmitSynthesis(context.Background(), stickergen.SynthesisRequest{Prompt: "x", Seed: -1})
	require.NoError(t, err)
	assert.Equal(t, "ok", id)
	assert.Equal(t, int32(3), calls.Load())
}

func TestSubmit_GivesUpAfterTwoRetries(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := c.SubmitSynthesis(context.Background(), stickergen.SynthesisRequest{Prompt: "x"})
	assert.ErrorIs(t, err, stickergen.ErrProviderUnavailable)
	assert.Equal(t, int32(3), calls.Load())
}

func TestSubmit_ClientErrorsAreNotRetried(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusBadRequest, stickergen.ErrInvalidRequest},
		{http.StatusUnauthorized, stickergen.ErrAuthFailed},
		{http.StatusNotImplemented, stickergen.ErrProviderUnavailable},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			var calls atomic.Int32
			c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"message":"bad prompt"}`))
			}))

			_, err := c.SubmitSynthesis(context.Background(), stickergen.SynthesisRequest{Prompt: "x"})
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, int32(1), calls.Load())
		})
	}
}

func TestSubmit_NetworkErrorRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, err := wavespeed.New("k",
		wavespeed.WithBaseURL(url),
		wavespeed.WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
		wavespeed.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	require.NoError(t, err)

	_, err = c.SubmitSynthesis(context.Background(), stickergen.SynthesisRequest{Prompt: "x"})
	assert.ErrorIs(t, err, stickergen.ErrProviderUnavailable)
}

func TestGetResult(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		switch r.URL.Path {
		case "/predictions/done/result":
			_, _ = w.Write([]byte(`{"data":{"id":"done","status":"completed","outputs":["https://cdn.example/1.png"],"executionTime":1234}}`))
		case "/predictions/bad/result":
			_, _ = w.Write([]byte(`{"id":"bad","status":"failed","outputs":[],"error":"nsfw"}`))
		case "/predictions/busy/result":
			_, _ = w.Write([]byte(`{"status":"Processing"}`))
		case "/predictions/boom/result":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	ctx := context.Background()

	res, err := c.GetResult(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, stickergen.StatusCompleted, res.Status)
	assert.Equal(t, []string{"https://cdn.example/1.png"}, res.Outputs)
	assert.Equal(t, 1234*time.Millisecond, res.ExecutionTime)

	res, err = c.GetResult(ctx, "bad")
	require.NoError(t, err)
	assert.Equal(t, stickergen.StatusFailed, res.Status)
	assert.Equal(t, "nsfw", res.Error)

	res, err = c.GetResult(ctx, "busy")
	require.NoError(t, err)
	assert.Equal(t, stickergen.StatusProcessing, res.Status)
	assert.Equal(t, "busy", res.ID)

	_, err = c.GetResult(ctx, "missing")
	assert.ErrorIs(t, err, stickergen.ErrResultNotReady)
	assert.True(t, stickergen.IsNotReady(err))

	_, err = c.GetResult(ctx, "boom")
	assert.ErrorIs(t, err, stickergen.ErrProviderUnavailable)
	assert.True(t, stickergen.IsNotReady(err))
}

func TestDownloadImage(t *testing.T) {
	png := strings.Repeat("x", 64)
	c, base := newClientURL(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/small.png":
			_, _ = w.Write([]byte(png))
		case "/streamed.png":
			w.(http.Flusher).Flush()
			_, _ = w.Write([]byte(strings.Repeat("y", 200)))
		default:
			http.NotFound(w, r)
		}
	}))

	ctx := context.Background()

	data, err := c.DownloadImage(ctx, base+"/small.png", 100)
	require.NoError(t, err)
	assert.Equal(t, png, string(data))

	_, err = c.DownloadImage(ctx, base+"/small.png", 10)
	assert.ErrorIs(t, err, stickergen.ErrImageTooLarge)

	_, err = c.DownloadImage(ctx, base+"/streamed.png", 100)
	assert.ErrorIs(t, err, stickergen.ErrImageTooLarge)

	_, err = c.DownloadImage(ctx, base+"/gone.png", 100)
	assert.ErrorIs(t, err, stickergen.ErrProviderUnavailable)
}
