// Command stickergen runs the sticker generation service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"

	sg "github.com/stixly/stickergen"
	"github.com/stixly/stickergen/collection"
	"github.com/stixly/stickergen/internal/httpapi"
	"github.com/stixly/stickergen/meter"
	"github.com/stixly/stickergen/meter/postgres"
	"github.com/stixly/stickergen/meter/prom"
	"github.com/stixly/stickergen/notify"
	"github.com/stixly/stickergen/prompt"
	promptredis "github.com/stixly/stickergen/prompt/redis"
	"github.com/stixly/stickergen/provider/wavespeed"
	"github.com/stixly/stickergen/quota"
)

func main() {
	if err := run(); err != nil {
		slog.Error("stickergen exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		cfg sg.Config
		err error
	)
	if path := os.Getenv("STICKERGEN_CONFIG"); path != "" {
		cfg, err = sg.LoadConfig(path)
	} else {
		cfg, err = sg.LoadEnv("STICKERGEN")
	}
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Server.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	meters := meter.Multi{meter.NewLogMeter(logger), prom.New(prometheus.DefaultRegisterer)}

	if cfg.Postgres.DSN != "" {
		pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()

		genlog := postgres.New(pool, postgres.WithLogger(logger))
		if err := genlog.EnsureSchema(ctx); err != nil {
			return err
		}
		meters = append(meters, genlog)
		logger.Info("generation log enabled")
	}

	var prompts sg.PromptStore
	if cfg.Prompt.RedisAddr != "" {
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.Prompt.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		prompts = promptredis.New(rdb, promptredis.WithTTL(cfg.PromptTTL()), promptredis.WithSalt(cfg.Prompt.Salt))
		logger.Info("prompt store", "backend", "redis", "addr", cfg.Prompt.RedisAddr)
	} else {
		prompts = prompt.NewMemoryStore(prompt.WithTTL(cfg.PromptTTL()), prompt.WithSalt(cfg.Prompt.Salt))
		logger.Info("prompt store", "backend", "memory")
	}

	manager, err := sg.NewQuotaManager(
		quota.NewGate(),
		quota.NewRollingWindow(),
		quota.NewDailyCounter(),
		quota.NewAllowList(cfg.Quota.ElevatedUsers...),
		cfg.Plans(),
		sg.WithAdmissionMeter(meters),
	)
	if err != nil {
		return err
	}

	client, err := wavespeed.New(cfg.WaveSpeed.APIKey,
		wavespeed.WithBaseURL(cfg.WaveSpeed.BaseURL),
		wavespeed.WithModels(cfg.WaveSpeed.SynthesisModel, cfg.WaveSpeed.BackgroundModel),
		wavespeed.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	messenger, err := newMessenger(cfg.Webhook, logger)
	if err != nil {
		return err
	}

	stickers, err := collection.Open(cfg.Collection.DatabasePath)
	if err != nil {
		return err
	}
	defer stickers.Close()

	orch, err := sg.NewOrchestrator(client, manager, messenger,
		sg.WithMaxPoll(cfg.MaxPoll()),
		sg.WithPollInterval(cfg.PollInterval()),
		sg.WithJitter(sg.UniformJitter(cfg.PollJitter())),
		sg.WithBackgroundRemoval(cfg.Generation.BackgroundRemoval),
		sg.WithSynthesisDefaults(sg.SynthesisRequest{
			Size:         cfg.WaveSpeed.Size,
			OutputFormat: cfg.WaveSpeed.OutputFormat,
			NumImages:    1,
			Strength:     0.8,
		}),
		sg.WithCollection(stickers),
		sg.WithDownloader(client, cfg.Generation.MaxImageBytes),
		sg.WithGalleryURL(cfg.Generation.GalleryURL),
		sg.WithCaption(cfg.Generation.Caption),
		sg.WithMeter(meters),
		sg.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	// Jobs keep running across request boundaries and stop only on shutdown.
	dispatcher := sg.NewDispatcher(prompts, manager, orch, messenger,
		sg.WithSystemPrompt(cfg.WaveSpeed.SystemPrompt),
		sg.WithJobContext(ctx),
		sg.WithDispatchLogger(logger),
	)

	api := httpapi.New(prompts, dispatcher,
		httpapi.WithMetricsHandler(promhttp.Handler()),
		httpapi.WithLogger(logger),
	)
	srv := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      api.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}

	// Cancelled jobs still report their failure and release their slot.
	orch.Wait()
	logger.Info("stopped")
	return nil
}

// newMessenger returns the webhook messenger, or a log-only one when no
// webhook is configured.
func newMessenger(cfg sg.WebhookConfig, logger *slog.Logger) (sg.Messenger, error) {
	if cfg.URL == "" {
		logger.Warn("no webhook configured, outcomes are only logged")
		return logMessenger{logger: logger}, nil
	}
	return notify.New(cfg.URL, notify.WithSecret(cfg.Secret), notify.WithLogger(logger))
}

type logMessenger struct {
	logger *slog.Logger
}

func (m logMessenger) EditMessage(_ context.Context, ref sg.MessageRef, out sg.Outcome) error {
	m.logger.Info("outcome", "chat", ref.ChatID, "message", ref.MessageID, "inline", ref.InlineMessageID, "text", out.Text, "image", out.ImageURL)
	return nil
}

func (m logMessenger) SendMessage(_ context.Context, userID int64, out sg.Outcome) error {
	m.logger.Info("outcome", "user", userID, "text", out.Text, "image", out.ImageURL)
	return nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
