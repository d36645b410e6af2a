package stickergen

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config is the top-level service configuration.
type Config struct {
	WaveSpeed  WaveSpeedConfig  `yaml:"wavespeed" envconfig:"WAVESPEED"`
	Generation GenerationConfig `yaml:"generation" envconfig:"GENERATION"`
	Quota      QuotaSettings    `yaml:"quota" envconfig:"QUOTA"`
	Prompt     PromptConfig     `yaml:"prompt" envconfig:"PROMPT"`
	Server     ServerConfig     `yaml:"server" envconfig:"SERVER"`
	Webhook    WebhookConfig    `yaml:"webhook" envconfig:"WEBHOOK"`
	Collection CollectionConfig `yaml:"collection" envconfig:"COLLECTION"`
	Postgres   PostgresConfig   `yaml:"postgres" envconfig:"POSTGRES"`
}

// WaveSpeedConfig configures the image generation provider.
type WaveSpeedConfig struct {
	APIKey          string `yaml:"api_key" envconfig:"API_KEY"`
	BaseURL         string `yaml:"base_url" envconfig:"BASE_URL" default:"https://api.wavespeed.ai/api/v3"`
	SynthesisModel  string `yaml:"synthesis_model" envconfig:"SYNTHESIS_MODEL" default:"wavespeed-ai/flux-schnell"`
	BackgroundModel string `yaml:"background_model" envconfig:"BACKGROUND_MODEL" default:"wavespeed-ai/image-background-remover"`
	Size            string `yaml:"size" envconfig:"SIZE" default:"512*512"`
	OutputFormat    string `yaml:"output_format" envconfig:"OUTPUT_FORMAT" default:"png"`
	SystemPrompt    string `yaml:"system_prompt" envconfig:"SYSTEM_PROMPT"`
}

// GenerationConfig configures the job orchestrator.
type GenerationConfig struct {
	MaxPollSeconds    int    `yaml:"max_poll_seconds" envconfig:"MAX_POLL_SECONDS" default:"60"`
	PollIntervalMS    int    `yaml:"poll_interval_ms" envconfig:"POLL_INTERVAL_MS" default:"1500"`
	PollJitterMS      int    `yaml:"poll_jitter_ms" envconfig:"POLL_JITTER_MS" default:"300"`
	BackgroundRemoval bool   `yaml:"background_removal" envconfig:"BACKGROUND_REMOVAL" default:"true"`
	MaxImageBytes     int64  `yaml:"max_image_bytes" envconfig:"MAX_IMAGE_BYTES" default:"10485760"`
	GalleryURL        string `yaml:"gallery_url" envconfig:"GALLERY_URL"`
	Caption           string `yaml:"caption" envconfig:"CAPTION" default:"✅ Generated by STIXLY"`
}

// PlanLimits is the YAML/env form of QuotaConfig.
type PlanLimits struct {
	DailyLimit      int     `yaml:"daily_limit" envconfig:"DAILY_LIMIT"`
	MaxPer10Min     int     `yaml:"max_per_10min" envconfig:"MAX_PER_10MIN"`
	CooldownSeconds float64 `yaml:"cooldown_seconds" envconfig:"COOLDOWN_SECONDS"`
}

// QuotaSettings holds per-plan limits and the elevated allow-list.
type QuotaSettings struct {
	Standard      PlanLimits `yaml:"standard" envconfig:"STANDARD"`
	Elevated      PlanLimits `yaml:"elevated" envconfig:"ELEVATED"`
	ElevatedUsers []int64    `yaml:"elevated_users" envconfig:"ELEVATED_USERS"`
}

// PromptConfig configures the ephemeral prompt store.
type PromptConfig struct {
	TTLSeconds int    `yaml:"ttl_seconds" envconfig:"TTL_SECONDS" default:"3600"`
	Salt       string `yaml:"salt" envconfig:"SALT" default:"stixly_prompt_salt_v1"`
	RedisAddr  string `yaml:"redis_addr" envconfig:"REDIS_ADDR"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" envconfig:"LISTEN_ADDR" default:":8080"`
	LogLevel   string `yaml:"log_level" envconfig:"LOG_LEVEL" default:"info"`
}

// WebhookConfig configures outcome delivery to the chat adapter.
type WebhookConfig struct {
	URL    string `yaml:"url" envconfig:"URL"`
	Secret string `yaml:"secret" envconfig:"SECRET"`
}

// CollectionConfig configures the sticker collection database.
type CollectionConfig struct {
	DatabasePath string `yaml:"database_path" envconfig:"DATABASE_PATH" default:"data/stickers.db"`
}

// PostgresConfig configures the optional generation log.
type PostgresConfig struct {
	DSN string `yaml:"dsn" envconfig:"DSN"`
}

// DefaultConfig returns a Config populated with the built-in defaults.
func DefaultConfig() Config {
	return Config{
		WaveSpeed: WaveSpeedConfig{
			BaseURL:         "https://api.wavespeed.ai/api/v3",
			SynthesisModel:  "wavespeed-ai/flux-schnell",
			BackgroundModel: "wavespeed-ai/image-background-remover",
			Size:            "512*512",
			OutputFormat:    "png",
		},
		Generation: GenerationConfig{
			MaxPollSeconds:    60,
			PollIntervalMS:    1500,
			PollJitterMS:      300,
			BackgroundRemoval: true,
			MaxImageBytes:     10 << 20,
			Caption:           "✅ Generated by STIXLY",
		},
		Quota: QuotaSettings{
			Standard: PlanLimits{DailyLimit: 3, MaxPer10Min: 3, CooldownSeconds: 20},
			Elevated: PlanLimits{DailyLimit: 50, MaxPer10Min: 10, CooldownSeconds: 5},
		},
		Prompt: PromptConfig{
			TTLSeconds: 3600,
			Salt:       DefaultPromptSalt,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   "info",
		},
		Collection: CollectionConfig{
			DatabasePath: "data/stickers.db",
		},
	}
}

// LoadConfig reads and parses a YAML config file on top of DefaultConfig.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("stickergen: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("stickergen: parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadEnv reads the configuration from environment variables named
// <prefix>_<SECTION>_<FIELD>, e.g. STICKERGEN_WAVESPEED_API_KEY.
func LoadEnv(prefix string) (Config, error) {
	cfg := DefaultConfig()
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("stickergen: load env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if c.WaveSpeed.APIKey == "" {
		return fmt.Errorf("stickergen: config: wavespeed.api_key is required")
	}
	if c.WaveSpeed.BaseURL == "" {
		return fmt.Errorf("stickergen: config: wavespeed.base_url is required")
	}
	if c.Generation.MaxPollSeconds <= 0 {
		return fmt.Errorf("stickergen: config: generation.max_poll_seconds must be positive")
	}
	if c.Generation.PollIntervalMS <= 0 {
		return fmt.Errorf("stickergen: config: generation.poll_interval_ms must be positive")
	}
	if c.Generation.PollJitterMS < 0 || c.Generation.PollJitterMS >= c.Generation.PollIntervalMS {
		return fmt.Errorf("stickergen: config: generation.poll_jitter_ms must be in [0, poll_interval_ms)")
	}
	if c.Generation.MaxImageBytes <= 0 {
		return fmt.Errorf("stickergen: config: generation.max_image_bytes must be positive")
	}
	if c.Prompt.TTLSeconds <= 0 {
		return fmt.Errorf("stickergen: config: prompt.ttl_seconds must be positive")
	}

	for name, pl := range map[string]PlanLimits{"standard": c.Quota.Standard, "elevated": c.Quota.Elevated} {
		if pl.DailyLimit < 0 {
			return fmt.Errorf("stickergen: config: quota.%s.daily_limit must not be negative", name)
		}
		if pl.MaxPer10Min < 0 {
			return fmt.Errorf("stickergen: config: quota.%s.max_per_10min must not be negative", name)
		}
		if pl.CooldownSeconds < 0 {
			return fmt.Errorf("stickergen: config: quota.%s.cooldown_seconds must not be negative", name)
		}
	}

	return nil
}

// QuotaConfig converts the limits to the form used by QuotaManager.
func (p PlanLimits) QuotaConfig() QuotaConfig {
	return QuotaConfig{
		DailyLimit:   p.DailyLimit,
		MaxPerWindow: p.MaxPer10Min,
		Cooldown:     time.Duration(p.CooldownSeconds * float64(time.Second)),
		MaxActive:    1,
	}
}

// Plans returns the per-plan quota table.
func (c Config) Plans() map[Plan]QuotaConfig {
	return map[Plan]QuotaConfig{
		PlanStandard: c.Quota.Standard.QuotaConfig(),
		PlanElevated: c.Quota.Elevated.QuotaConfig(),
	}
}

// MaxPoll returns the shared polling deadline as a duration.
func (c Config) MaxPoll() time.Duration {
	return time.Duration(c.Generation.MaxPollSeconds) * time.Second
}

// PollInterval returns the base delay between result polls.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Generation.PollIntervalMS) * time.Millisecond
}

// PollJitter returns the maximum jitter added to each poll delay.
func (c Config) PollJitter() time.Duration {
	return time.Duration(c.Generation.PollJitterMS) * time.Millisecond
}

// PromptTTL returns the prompt store TTL as a duration.
func (c Config) PromptTTL() time.Duration {
	return time.Duration(c.Prompt.TTLSeconds) * time.Second
}
