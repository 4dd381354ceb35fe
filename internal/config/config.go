// Package config loads and owns the clawgram configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/roelfdiedericks/clawgram/internal/logging"
)

// Config represents the merged clawgram configuration
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Claude    ClaudeConfig    `json:"claude"`
	Session   SessionConfig   `json:"session"`
	Safety    SafetyConfig    `json:"safety"`
	RateLimit RateLimitConfig `json:"rateLimit"`
	Logging   LoggingConfig   `json:"logging"`
}

// TelegramConfig configures the Telegram channel
type TelegramConfig struct {
	BotToken     string  `json:"botToken"`
	AllowedUsers []int64 `json:"allowedUsers"`

	// Streaming/verbose output tuning
	VerboseBatchSize    int     `json:"verboseBatchSize"`
	VerboseFlushSeconds float64 `json:"verboseFlushSeconds"`
	MaxChunkSize        int     `json:"maxChunkSize"`
}

// ClaudeConfig configures the claude CLI backend
type ClaudeConfig struct {
	Binary           string `json:"binary"`
	Model            string `json:"model"`
	WorkspaceDir     string `json:"workspaceDir"`
	SystemPromptPath string `json:"systemPromptPath"`

	TimeoutSeconds           int `json:"processTimeoutSeconds"`
	KeepaliveIntervalSeconds int `json:"keepaliveIntervalSeconds"`
	MaxMessageLength         int `json:"maxMessageLength"`
}

// SessionConfig configures the session store
type SessionConfig struct {
	MaxPerUser      int    `json:"maxSessionsPerUser"`
	ExpirySeconds   int    `json:"sessionExpirySeconds"`
	DefaultName     string `json:"defaultName"`
	NameMaxLength   int    `json:"nameMaxLength"`
	EvictionEnabled *bool  `json:"evictionEnabled,omitempty"` // nil means true
}

// SafetyConfig configures the confirmation gate
type SafetyConfig struct {
	ConfirmationTimeoutSeconds int `json:"confirmationTimeoutSeconds"`
	MaxPendingConfirmations    int `json:"maxPendingConfirmations"`
}

// RateLimitConfig configures the per-user token bucket
type RateLimitConfig struct {
	Enabled           *bool   `json:"rateLimitEnabled,omitempty"` // nil means true
	MaxTokens         float64 `json:"rateLimitMaxTokens"`
	RefillRate        float64 `json:"rateLimitRefillRate"`
	MaxTrackedBuckets int     `json:"maxTrackedRateBuckets"`
}

// LoggingConfig configures log output
type LoggingConfig struct {
	Level      string `json:"level"`
	ShowCaller bool   `json:"showCaller"`
}

// Defaults returns a Config populated with default values
func Defaults() *Config {
	return &Config{
		Telegram: TelegramConfig{
			VerboseBatchSize:    10,
			VerboseFlushSeconds: 3.0,
			MaxChunkSize:        4000,
		},
		Claude: ClaudeConfig{
			Binary:                   "claude",
			Model:                    "sonnet",
			TimeoutSeconds:           300,
			KeepaliveIntervalSeconds: 20,
			MaxMessageLength:         50000,
		},
		Session: SessionConfig{
			MaxPerUser:    10,
			ExpirySeconds: 3600,
			DefaultName:   "main",
			NameMaxLength: 32,
		},
		Safety: SafetyConfig{
			ConfirmationTimeoutSeconds: 300,
			MaxPendingConfirmations:    100,
		},
		RateLimit: RateLimitConfig{
			MaxTokens:         10,
			RefillRate:        0.5,
			MaxTrackedBuckets: 1000,
		},
		Logging: LoggingConfig{
			Level:      "info",
			ShowCaller: true,
		},
	}
}

// DefaultPath returns the default config file location
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "clawgram.json"
	}
	return filepath.Join(home, ".clawgram", "clawgram.json")
}

// Load reads configuration from path, applying defaults for missing fields.
// An empty path uses DefaultPath. A missing file is not an error: defaults
// are returned and the bot token is expected from the environment.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logging.L_debug("config: no config file, using defaults", "path", path)
		} else {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		logging.L_debug("config: loaded", "path", path)
	}

	// Environment overrides for secrets
	if tok := os.Getenv("CLAWGRAM_BOT_TOKEN"); tok != "" {
		cfg.Telegram.BotToken = tok
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration invariants
func (c *Config) Validate() error {
	if c.Session.MaxPerUser < 1 {
		return fmt.Errorf("maxSessionsPerUser must be at least 1, got %d", c.Session.MaxPerUser)
	}
	if c.RateLimit.MaxTokens <= 0 {
		return fmt.Errorf("rateLimitMaxTokens must be positive, got %v", c.RateLimit.MaxTokens)
	}
	if c.RateLimit.RefillRate <= 0 {
		return fmt.Errorf("rateLimitRefillRate must be positive, got %v", c.RateLimit.RefillRate)
	}
	if c.Claude.TimeoutSeconds < 1 {
		return fmt.Errorf("processTimeoutSeconds must be at least 1, got %d", c.Claude.TimeoutSeconds)
	}
	if c.Safety.MaxPendingConfirmations < 1 {
		return fmt.Errorf("maxPendingConfirmations must be at least 1, got %d", c.Safety.MaxPendingConfirmations)
	}
	return nil
}

// SessionEvictionEnabled resolves the tri-state eviction flag (default on)
func (c *Config) SessionEvictionEnabled() bool {
	return c.Session.EvictionEnabled == nil || *c.Session.EvictionEnabled
}

// RateLimitEnabled resolves the tri-state rate limit flag (default on)
func (c *Config) RateLimitEnabled() bool {
	return c.RateLimit.Enabled == nil || *c.RateLimit.Enabled
}

// Save writes the configuration atomically to path
func (c *Config) Save(path string) error {
	if path == "" {
		path = DefaultPath()
	}
	return AtomicWriteJSON(path, c, 0600)
}
