package stickergen

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"unicode/utf8"
)

// PromptStore maps short opaque keys to prompt text for a limited time.
type PromptStore interface {
	// Put stores text and returns its key.
	Put(ctx context.Context, text string) (string, error)

	// Get returns the text for key, or ErrPromptExpired if it is unknown or expired.
	Get(ctx context.Context, key string) (string, error)
}

// DefaultPromptSalt is mixed into prompt keys.
const DefaultPromptSalt = "stixly_prompt_salt_v1"

// MaxPromptLength is the longest prompt accepted, in characters.
const MaxPromptLength = 320

var injectionPhrases = []string{
	"ignore previous instructions",
	"system prompt",
	"forget the system",
	"disregard the above",
}

// PromptKey derives the store key for text: the first 12 bytes of
// sha256(salt || text), base64url-encoded without padding.
func PromptKey(salt, text string) string {
	sum := sha256.Sum256([]byte(salt + text))
	return base64.RawURLEncoding.EncodeToString(sum[:12])
}

// ValidatePrompt checks a user prompt and returns the cleaned text.
// The error wraps ErrInvalidPrompt and its message is fit to show the user.
func ValidatePrompt(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", invalidPrompt("Prompt cannot be empty")
	}
	if utf8.RuneCountInString(text) > MaxPromptLength {
		return "", invalidPrompt(fmt.Sprintf("Prompt too long (max %d characters)", MaxPromptLength))
	}

	text = strings.TrimSpace(strings.Map(func(r rune) rune {
		if (r < 0x20 && r != '\n' && r != '\t' && r != '\r') || r == 0x7f {
			return ' '
		}
		return r
	}, text))

	lower := strings.ToLower(text)
	for _, phrase := range injectionPhrases {
		if strings.Contains(lower, phrase) {
			return "", invalidPrompt("Prompt contains forbidden phrases")
		}
	}

	words := strings.Fields(text)
	for i := 0; i+3 < len(words); i++ {
		if words[i] == words[i+1] && words[i] == words[i+2] && words[i] == words[i+3] {
			return "", invalidPrompt("Prompt contains too many repeated words")
		}
	}

	return text, nil
}

// BuildFinalPrompt prefixes the user prompt with the operator's system prompt.
func BuildFinalPrompt(system, user string) string {
	if system == "" {
		return user
	}
	return system + "\n\nUser prompt: " + user
}

func invalidPrompt(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidPrompt, msg)
}

// PromptErrorMessage returns the user-facing part of a ValidatePrompt error.
func PromptErrorMessage(err error) string {
	return strings.TrimPrefix(err.Error(), ErrInvalidPrompt.Error()+": ")
}
