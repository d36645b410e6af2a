// Package postgres persists job outcomes to a PostgreSQL generation log.
//
// Only terminal events are written: one row per stage and one for the whole
// job. Admission decisions are not stored.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stixly/stickergen"
)

const writeTimeout = 2 * time.Second

// Meter writes JobEvents into the generation log.
type Meter struct {
	pool        *pgxpool.Pool
	tablePrefix string
	logger      *slog.Logger
}

var _ stickergen.Meter = (*Meter)(nil)

// Option configures Meter.
type Option func(*Meter)

// WithTablePrefix sets the table name prefix (default "stickergen_").
func WithTablePrefix(prefix string) Option {
	return func(m *Meter) { m.tablePrefix = prefix }
}

// WithLogger sets the logger used for write failures.
func WithLogger(l *slog.Logger) Option {
	return func(m *Meter) { m.logger = l }
}

// New creates a PostgreSQL-backed generation log.
func New(pool *pgxpool.Pool, opts ...Option) *Meter {
	m := &Meter{
		pool:        pool,
		tablePrefix: "stickergen_",
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

func (m *Meter) table() string { return m.tablePrefix + "generations" }

// EnsureSchema creates the required tables if they don't exist.
func (m *Meter) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id BIGSERIAL PRIMARY KEY,
			job_id TEXT NOT NULL,
			user_id BIGINT NOT NULL,
			prompt_key TEXT NOT NULL,
			stage SMALLINT NOT NULL,
			outcome TEXT NOT NULL,
			request_id TEXT NOT NULL DEFAULT '',
			image_url TEXT NOT NULL DEFAULT '',
			duration_ms BIGINT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS %[1]s_user_idx ON %[1]s (user_id, created_at DESC);
	`, m.table())
	_, err := m.pool.Exec(ctx, q)
	if err != nil {
		return fmt.Errorf("stickergen/postgres: ensure schema: %w", err)
	}
	return nil
}

// OnAdmission is a no-op; the log only records jobs.
func (m *Meter) OnAdmission(stickergen.AdmissionEvent) {}

// OnJob appends e to the log. Write failures are logged and dropped.
func (m *Meter) OnJob(e stickergen.JobEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := m.Record(ctx, e); err != nil {
		m.logger.Warn("generation log write failed", "job", e.JobID, "error", err)
	}
}

// Record inserts e.
func (m *Meter) Record(ctx context.Context, e stickergen.JobEvent) error {
	errText := ""
	if e.Error != nil {
		errText = e.Error.Error()
	}
	_, err := m.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (job_id, user_id, prompt_key, stage, outcome, request_id, image_url, duration_ms, error)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`, m.table()),
		e.JobID, e.UserID, e.PromptKey, e.Stage, string(e.Outcome), e.RequestID, e.ImageURL, e.Duration.Milliseconds(), errText,
	)
	if err != nil {
		return fmt.Errorf("stickergen/postgres: insert: %w", err)
	}
	return nil
}

// Entry is one row of the generation log.
type Entry struct {
	JobID     string
	PromptKey string
	Stage     int
	Outcome   stickergen.JobOutcome
	RequestID string
	ImageURL  string
	Duration  time.Duration
	Error     string
	CreatedAt time.Time
}

// Recent returns up to limit whole-job entries for userID, newest first.
func (m *Meter) Recent(ctx context.Context, userID int64, limit int) ([]Entry, error) {
	rows, err := m.pool.Query(ctx,
		fmt.Sprintf(`SELECT job_id, prompt_key, stage, outcome, request_id, image_url, duration_ms, error, created_at
			FROM %s WHERE user_id = $1 AND stage = 0 ORDER BY created_at DESC, id DESC LIMIT $2`, m.table()),
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("stickergen/postgres: query recent: %w", err)
	}

	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var (
			e       Entry
			outcome string
			ms      int64
		)
		if err := row.Scan(&e.JobID, &e.PromptKey, &e.Stage, &outcome, &e.RequestID, &e.ImageURL, &ms, &e.Error, &e.CreatedAt); err != nil {
			return Entry{}, err
		}
		e.Outcome = stickergen.JobOutcome(outcome)
		e.Duration = time.Duration(ms) * time.Millisecond
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("stickergen/postgres: scan recent: %w", err)
	}
	return entries, nil
}
