// Package redis provides a Redis-backed stickergen.PromptStore.
//
// Prompts are stored as plain string keys with a Redis TTL, so every bot
// process behind the same webhook resolves the same prompt keys. Keys are
// derived exactly as in the in-memory store.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/stixly/stickergen"
)

// Store is a Redis-backed PromptStore.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
	salt      string
	ttl       time.Duration
}

var _ stickergen.PromptStore = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "stickergen:prompt:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithTTL sets how long prompts live (default 1 hour).
func WithTTL(d time.Duration) Option {
	return func(s *Store) { s.ttl = d }
}

// WithSalt sets the salt mixed into keys.
func WithSalt(salt string) Option {
	return func(s *Store) { s.salt = salt }
}

// New creates a new Redis-backed PromptStore.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "stickergen:prompt:",
		salt:      stickergen.DefaultPromptSalt,
		ttl:       time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) redisKey(key string) string {
	return s.keyPrefix + key
}

// Put stores text under its derived key and resets the TTL.
func (s *Store) Put(ctx context.Context, text string) (string, error) {
	key := stickergen.PromptKey(s.salt, text)
	if err := s.client.Set(ctx, s.redisKey(key), text, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("stickergen/redis: put prompt: %w", err)
	}
	return key, nil
}

// Get returns the prompt text, or ErrPromptExpired once Redis has evicted it.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	text, err := s.client.Get(ctx, s.redisKey(key)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", stickergen.ErrPromptExpired
	}
	if err != nil {
		return "", fmt.Errorf("stickergen/redis: get prompt: %w", err)
	}
	return text, nil
}
