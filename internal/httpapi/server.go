// Package httpapi exposes the generation pipeline over HTTP for the chat adapter.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/stixly/stickergen"
)

const maxBodyBytes = 16 << 10

// ActionHandler admits and starts a job for an inbound action.
// *stickergen.Dispatcher implements it.
type ActionHandler interface {
	HandleAction(ctx context.Context, a stickergen.Action) (stickergen.Job, error)
}

// Server holds the HTTP handlers.
type Server struct {
	prompts stickergen.PromptStore
	actions ActionHandler
	metrics http.Handler
	logger  *slog.Logger
}

// Option configures Server.
type Option func(*Server)

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a Server.
func New(prompts stickergen.PromptStore, actions ActionHandler, opts ...Option) *Server {
	s := &Server{prompts: prompts, actions: actions}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Routes returns the router with all endpoints and middleware installed.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(Logging(s.logger))
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(chimiddleware.Timeout(30 * time.Second))
		r.Post("/prompts", s.createPrompt)
		r.Post("/actions", s.handleAction)
	})
	return r
}

type promptRequest struct {
	Text string `json:"text"`
}

type promptResponse struct {
	Key string `json:"key"`
}

type errorResponse struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

func (s *Server) createPrompt(w http.ResponseWriter, r *http.Request) {
	var req promptRequest
	if err := decode(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}

	text, err := stickergen.ValidatePrompt(req.Text)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: stickergen.PromptErrorMessage(err)})
		return
	}

	key, err := s.prompts.Put(r.Context(), text)
	if err != nil {
		s.logger.Error("store prompt failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "Service temporarily unavailable"})
		return
	}
	writeJSON(w, http.StatusCreated, promptResponse{Key: key})
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	var a stickergen.Action
	if err := decode(w, r, &a); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}

	job, err := s.actions.HandleAction(r.Context(), a)
	if err != nil {
		status, body := actionError(err)
		if status >= 500 {
			s.logger.Error("handle action failed", "user", a.UserID, "error", err)
		}
		writeJSON(w, status, body)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "generating", "jobId": job.ID})
}

func actionError(err error) (int, errorResponse) {
	var ae *stickergen.AdmissionError
	switch {
	case errors.As(err, &ae):
		return http.StatusTooManyRequests, errorResponse{
			Error:      ae.Message,
			RetryAfter: int(math.Ceil(ae.RetryAfter.Seconds())),
		}
	case errors.Is(err, stickergen.ErrPromptExpired):
		return http.StatusGone, errorResponse{Error: stickergen.UserMessage(err)}
	case errors.Is(err, stickergen.ErrInvalidAction):
		return http.StatusBadRequest, errorResponse{Error: stickergen.UserMessage(err)}
	default:
		return http.StatusServiceUnavailable, errorResponse{Error: stickergen.UserMessage(err)}
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
