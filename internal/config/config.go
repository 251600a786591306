// Package config loads and validates conclave configuration.
// Configuration lives in .conclave/config.yaml under the workspace, with
// environment variables taking precedence for provider credentials.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all conclave configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Provider configuration
	Providers ProvidersConfig `yaml:"providers"`

	// Resilience settings for the call layer
	Resilience ResilienceConfig `yaml:"resilience"`

	// Deliberation control
	Deliberation DeliberationConfig `yaml:"deliberation"`

	// Stopping rule thresholds
	Stopping StoppingConfig `yaml:"stopping"`

	// Checkpoint store
	Store StoreConfig `yaml:"store"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// ProvidersConfig configures the primary and fallback LLM providers.
type ProvidersConfig struct {
	Primary        string `yaml:"primary"`  // anthropic, openai
	Fallback       string `yaml:"fallback"` // empty disables fallback
	EnableFallback bool   `yaml:"enable_fallback"`

	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	OpenAIAPIKey    string `yaml:"openai_api_key"`

	// Model tiers: light for early exploratory rounds, strong for
	// later/critical rounds and synthesis.
	LightModel  string `yaml:"light_model"`
	StrongModel string `yaml:"strong_model"`

	Timeout string `yaml:"timeout"`
}

// ResilienceConfig configures retry, backoff, caching, and circuit breaking.
type ResilienceConfig struct {
	MaxRetries       int     `yaml:"max_retries"`
	BaseBackoff      string  `yaml:"base_backoff"`      // e.g. "1s"
	MaxBackoff       string  `yaml:"max_backoff"`       // e.g. "30s"
	FailureThreshold int     `yaml:"failure_threshold"` // consecutive failures before OPEN
	ResetTimeout     string  `yaml:"reset_timeout"`     // OPEN -> HALF_OPEN
	CacheTTL         string  `yaml:"cache_ttl"`
	CacheMaxEntries  int     `yaml:"cache_max_entries"`
	Temperature      float64 `yaml:"temperature"`
	MaxTokens        int     `yaml:"max_tokens"`
}

// DeliberationConfig controls round structure and budgets.
type DeliberationConfig struct {
	MaxRounds        int     `yaml:"max_rounds"`
	HardCapRounds    int     `yaml:"hard_cap_rounds"` // absolute ceiling, user config cannot raise it
	MinRounds        int     `yaml:"min_rounds"`      // voting gate
	MaxPersonas      int     `yaml:"max_personas"`
	WordLimit        int     `yaml:"word_limit"`     // per-contribution cap
	CostCeilingUSD   float64 `yaml:"cost_ceiling"`   // CostGuard budget
	StrongTierRound  int     `yaml:"strong_tier_round"` // round at which the strong model tier kicks in
	ParallelSubLimit int     `yaml:"parallel_sub_limit"` // max concurrent sub-problems per batch
}

// StoppingConfig holds stopping rule thresholds.
type StoppingConfig struct {
	ConvergenceThreshold  float64 `yaml:"convergence_threshold"`
	NoveltyFloor          float64 `yaml:"novelty_floor"`
	ConflictThreshold     float64 `yaml:"conflict_threshold"`
	StalledNoveltyCeiling float64 `yaml:"stalled_novelty_ceiling"`
	MinParticipation      float64 `yaml:"min_participation"`
	QualityComposite      float64 `yaml:"quality_composite"`
}

// StoreConfig configures the checkpoint store.
type StoreConfig struct {
	DatabasePath  string `yaml:"database_path"`
	CheckpointTTL string `yaml:"checkpoint_ttl"` // abandoned sessions reclaimed after this
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	JSONFormat bool            `yaml:"json_format"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "conclave",
		Version: "1.0.0",
		Providers: ProvidersConfig{
			Primary:        "anthropic",
			Fallback:       "openai",
			EnableFallback: true,
			LightModel:     "claude-haiku-4-5",
			StrongModel:    "claude-sonnet-4-5",
			Timeout:        "120s",
		},
		Resilience: ResilienceConfig{
			MaxRetries:       3,
			BaseBackoff:      "1s",
			MaxBackoff:       "30s",
			FailureThreshold: 5,
			ResetTimeout:     "60s",
			CacheTTL:         "10m",
			CacheMaxEntries:  512,
			Temperature:      0.7,
			MaxTokens:        4096,
		},
		Deliberation: DeliberationConfig{
			MaxRounds:        8,
			HardCapRounds:    15,
			MinRounds:        3,
			MaxPersonas:      5,
			WordLimit:        400,
			CostCeilingUSD:   5.0,
			StrongTierRound:  4,
			ParallelSubLimit: 4,
		},
		Stopping: StoppingConfig{
			ConvergenceThreshold:  0.90,
			NoveltyFloor:          0.15,
			ConflictThreshold:     0.70,
			StalledNoveltyCeiling: 0.40,
			MinParticipation:      0.60,
			QualityComposite:      0.80,
		},
		Store: StoreConfig{
			DatabasePath:  ".conclave/sessions.db",
			CheckpointTTL: "168h", // 7 days
		},
		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load reads the config file at path, applies defaults for missing fields,
// then applies environment overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultPath returns the default config location for a workspace.
func DefaultPath(workspace string) string {
	return filepath.Join(workspace, ".conclave", "config.yaml")
}

// applyEnvOverrides applies environment variable overrides.
// Provider API keys from the environment win over the config file.
// When no primary is configured, the first key found selects it:
// ANTHROPIC before OPENAI.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c.Providers.AnthropicAPIKey = key
		if c.Providers.Primary == "" {
			c.Providers.Primary = "anthropic"
		}
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.Providers.OpenAIAPIKey = key
		if c.Providers.Primary == "" {
			c.Providers.Primary = "openai"
		}
	}
	if v := os.Getenv("CONCLAVE_DEBUG"); v == "1" || v == "true" {
		c.Logging.DebugMode = true
		c.Logging.Level = "debug"
	}
	if v := os.Getenv("CONCLAVE_DB_PATH"); v != "" {
		c.Store.DatabasePath = v
	}
}

// Validate checks required fields and threshold sanity.
func (c *Config) Validate() error {
	switch c.Providers.Primary {
	case "anthropic", "openai":
	case "":
		return fmt.Errorf("providers.primary is required")
	default:
		return fmt.Errorf("unknown primary provider: %s", c.Providers.Primary)
	}

	if c.Deliberation.MaxRounds < 1 {
		return fmt.Errorf("deliberation.max_rounds must be >= 1")
	}
	if c.Deliberation.HardCapRounds < c.Deliberation.MinRounds {
		return fmt.Errorf("deliberation.hard_cap_rounds (%d) below min_rounds (%d)",
			c.Deliberation.HardCapRounds, c.Deliberation.MinRounds)
	}
	if c.Stopping.ConvergenceThreshold <= 0 || c.Stopping.ConvergenceThreshold > 1 {
		return fmt.Errorf("stopping.convergence_threshold must be in (0, 1]")
	}
	if c.Resilience.FailureThreshold < 1 {
		return fmt.Errorf("resilience.failure_threshold must be >= 1")
	}
	return nil
}

// APIKeyFor returns the configured API key for a provider name.
func (c *Config) APIKeyFor(provider string) string {
	switch provider {
	case "anthropic":
		return c.Providers.AnthropicAPIKey
	case "openai":
		return c.Providers.OpenAIAPIKey
	}
	return ""
}

// ProviderTimeout parses the provider timeout with a safe default.
func (c *Config) ProviderTimeout() time.Duration {
	return parseDuration(c.Providers.Timeout, 120*time.Second)
}

// BaseBackoff parses the base backoff duration.
func (c *Config) BaseBackoff() time.Duration {
	return parseDuration(c.Resilience.BaseBackoff, time.Second)
}

// MaxBackoff parses the max backoff duration.
func (c *Config) MaxBackoff() time.Duration {
	return parseDuration(c.Resilience.MaxBackoff, 30*time.Second)
}

// ResetTimeout parses the circuit breaker reset timeout.
func (c *Config) ResetTimeout() time.Duration {
	return parseDuration(c.Resilience.ResetTimeout, 60*time.Second)
}

// CacheTTL parses the response cache TTL.
func (c *Config) CacheTTL() time.Duration {
	return parseDuration(c.Resilience.CacheTTL, 10*time.Minute)
}

// CheckpointTTL parses the checkpoint expiry window.
func (c *Config) CheckpointTTL() time.Duration {
	return parseDuration(c.Store.CheckpointTTL, 7*24*time.Hour)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
