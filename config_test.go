package stickergen_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sg "github.com/stixly/stickergen"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("TEST_WAVESPEED_KEY", "ws-secret")
	path := writeConfig(t, `
wavespeed:
  api_key: ${TEST_WAVESPEED_KEY}
  system_prompt: "flat vector sticker"
generation:
  max_poll_seconds: 45
  gallery_url: https://stixly.app/gallery
quota:
  standard:
    daily_limit: 5
    max_per_10min: 2
    cooldown_seconds: 1.5
  elevated_users: [100, 200]
`)

	cfg, err := sg.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "ws-secret", cfg.WaveSpeed.APIKey)
	assert.Equal(t, "https://api.wavespeed.ai/api/v3", cfg.WaveSpeed.BaseURL, "defaults survive partial yaml")
	assert.Equal(t, 45*time.Second, cfg.MaxPoll())
	assert.Equal(t, 1500*time.Millisecond, cfg.PollInterval())
	assert.Equal(t, time.Hour, cfg.PromptTTL())
	assert.Equal(t, []int64{100, 200}, cfg.Quota.ElevatedUsers)

	plans := cfg.Plans()
	assert.Equal(t, sg.QuotaConfig{DailyLimit: 5, MaxPerWindow: 2, Cooldown: 1500 * time.Millisecond, MaxActive: 1}, plans[sg.PlanStandard])
	assert.Equal(t, sg.QuotaConfig{DailyLimit: 50, MaxPerWindow: 10, Cooldown: 5 * time.Second, MaxActive: 1}, plans[sg.PlanElevated])
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := sg.LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("SGTEST_WAVESPEED_API_KEY", "env-key")
	t.Setenv("SGTEST_QUOTA_STANDARD_DAILY_LIMIT", "7")
	t.Setenv("SGTEST_QUOTA_ELEVATED_USERS", "1,2,3")
	t.Setenv("SGTEST_PROMPT_REDIS_ADDR", "localhost:6379")

	cfg, err := sg.LoadEnv("SGTEST")
	require.NoError(t, err)

	assert.Equal(t, "env-key", cfg.WaveSpeed.APIKey)
	assert.Equal(t, 7, cfg.Quota.Standard.DailyLimit)
	assert.Equal(t, 3, cfg.Quota.Standard.MaxPer10Min, "unset fields keep their defaults")
	assert.Equal(t, []int64{1, 2, 3}, cfg.Quota.ElevatedUsers)
	assert.Equal(t, "localhost:6379", cfg.Prompt.RedisAddr)
	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
}

func TestValidate(t *testing.T) {
	valid := func() sg.Config {
		c := sg.DefaultConfig()
		c.WaveSpeed.APIKey = "k"
		return c
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*sg.Config)
	}{
		{"missing api key", func(c *sg.Config) { c.WaveSpeed.APIKey = "" }},
		{"missing base url", func(c *sg.Config) { c.WaveSpeed.BaseURL = "" }},
		{"zero poll timeout", func(c *sg.Config) { c.Generation.MaxPollSeconds = 0 }},
		{"jitter above interval", func(c *sg.Config) { c.Generation.PollJitterMS = 2000 }},
		{"zero image cap", func(c *sg.Config) { c.Generation.MaxImageBytes = 0 }},
		{"zero ttl", func(c *sg.Config) { c.Prompt.TTLSeconds = 0 }},
		{"negative daily", func(c *sg.Config) { c.Quota.Standard.DailyLimit = -1 }},
		{"negative window", func(c *sg.Config) { c.Quota.Elevated.MaxPer10Min = -1 }},
		{"negative cooldown", func(c *sg.Config) { c.Quota.Standard.CooldownSeconds = -0.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}
