package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Name != "conclave" {
		t.Errorf("expected Name=conclave, got %s", cfg.Name)
	}
	if cfg.Providers.Primary != "anthropic" {
		t.Errorf("expected Primary=anthropic, got %s", cfg.Providers.Primary)
	}
	if cfg.Deliberation.HardCapRounds != 15 {
		t.Errorf("expected HardCapRounds=15, got %d", cfg.Deliberation.HardCapRounds)
	}
	if cfg.Stopping.ConvergenceThreshold != 0.90 {
		t.Errorf("expected ConvergenceThreshold=0.90, got %f", cfg.Stopping.ConvergenceThreshold)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope", "config.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Deliberation.MaxRounds != 8 {
		t.Errorf("expected MaxRounds=8, got %d", cfg.Deliberation.MaxRounds)
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("CONCLAVE_DEBUG", "")
	t.Setenv("CONCLAVE_DB_PATH", "")

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`
providers:
  primary: openai
deliberation:
  max_rounds: 5
`)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Providers.Primary != "openai" {
		t.Errorf("expected Primary=openai, got %s", cfg.Providers.Primary)
	}
	if cfg.Deliberation.MaxRounds != 5 {
		t.Errorf("expected MaxRounds=5, got %d", cfg.Deliberation.MaxRounds)
	}
	// Untouched sections keep their defaults.
	if cfg.Deliberation.HardCapRounds != 15 {
		t.Errorf("expected HardCapRounds=15, got %d", cfg.Deliberation.HardCapRounds)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Run("keys from environment win", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "env-ant-key")

		cfg := &Config{}
		cfg.applyEnvOverrides()

		assert.Equal(t, "env-ant-key", cfg.Providers.AnthropicAPIKey)
		assert.Equal(t, "anthropic", cfg.Providers.Primary)
	})

	t.Run("key does not override configured primary", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "env-oa-key")

		cfg := &Config{Providers: ProvidersConfig{Primary: "anthropic"}}
		cfg.applyEnvOverrides()

		assert.Equal(t, "env-oa-key", cfg.Providers.OpenAIAPIKey)
		assert.Equal(t, "anthropic", cfg.Providers.Primary)
	})

	t.Run("anthropic selects primary before openai", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "ant")
		t.Setenv("OPENAI_API_KEY", "oa")

		cfg := &Config{}
		cfg.applyEnvOverrides()

		assert.Equal(t, "anthropic", cfg.Providers.Primary)
	})

	t.Run("CONCLAVE_DEBUG enables debug logging", func(t *testing.T) {
		t.Setenv("CONCLAVE_DEBUG", "1")

		cfg := &Config{}
		cfg.applyEnvOverrides()

		assert.True(t, cfg.Logging.DebugMode)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults pass", func(c *Config) {}, false},
		{"missing primary", func(c *Config) { c.Providers.Primary = "" }, true},
		{"unknown primary", func(c *Config) { c.Providers.Primary = "bedrock" }, true},
		{"zero max rounds", func(c *Config) { c.Deliberation.MaxRounds = 0 }, true},
		{"hard cap below min rounds", func(c *Config) { c.Deliberation.HardCapRounds = 2 }, true},
		{"convergence above one", func(c *Config) { c.Stopping.ConvergenceThreshold = 1.5 }, true},
		{"zero failure threshold", func(c *Config) { c.Resilience.FailureThreshold = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestDurationAccessors(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, time.Second, cfg.BaseBackoff())
	assert.Equal(t, 7*24*time.Hour, cfg.CheckpointTTL())

	cfg.Resilience.BaseBackoff = "250ms"
	assert.Equal(t, 250*time.Millisecond, cfg.BaseBackoff())

	// Garbage falls back to the default.
	cfg.Resilience.MaxBackoff = "soon"
	assert.Equal(t, 30*time.Second, cfg.MaxBackoff())
}
