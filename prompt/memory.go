// Package prompt provides an in-memory stickergen.PromptStore.
package prompt

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/stixly/stickergen"
)

// DefaultTTL is how long a stored prompt stays retrievable.
const DefaultTTL = time.Hour

// MemoryStore keeps prompts in process memory. Entries expire a fixed TTL
// after their last Put; reads do not extend them. Expired entries are
// dropped lazily, so no background goroutine is needed.
type MemoryStore struct {
	cache *ttlcache.Cache[string, string]
	ttl   time.Duration
	salt  string
}

var _ stickergen.PromptStore = (*MemoryStore)(nil)

// Option configures a MemoryStore.
type Option func(*MemoryStore)

// WithTTL sets the entry lifetime (default 1 hour).
func WithTTL(d time.Duration) Option {
	return func(s *MemoryStore) { s.ttl = d }
}

// WithSalt sets the salt mixed into keys.
func WithSalt(salt string) Option {
	return func(s *MemoryStore) { s.salt = salt }
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(opts ...Option) *MemoryStore {
	s := &MemoryStore{
		ttl:  DefaultTTL,
		salt: stickergen.DefaultPromptSalt,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cache = ttlcache.New[string, string](
		ttlcache.WithTTL[string, string](s.ttl),
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
	return s
}

// Put stores text and returns its key. Storing the same text again refreshes it.
func (s *MemoryStore) Put(_ context.Context, text string) (string, error) {
	s.cache.DeleteExpired()

	key := stickergen.PromptKey(s.salt, text)
	s.cache.Set(key, text, ttlcache.DefaultTTL)
	return key, nil
}

// Get returns the text stored under key.
func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	item := s.cache.Get(key)
	if item == nil {
		return "", stickergen.ErrPromptExpired
	}
	return item.Value(), nil
}

// Len returns the number of live entries.
func (s *MemoryStore) Len() int {
	s.cache.DeleteExpired()
	return s.cache.Len()
}
