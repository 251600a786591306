package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"conclave/internal/config"
)

// initCmd writes the default configuration into the workspace
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize conclave in the current workspace",
	Long: `Creates the .conclave/ directory with a default config.yaml.

Provider API keys are read from ANTHROPIC_API_KEY / OPENAI_API_KEY at runtime
and do not need to be stored in the config file.`,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	path := config.DefaultPath(workspace)
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Config already exists at %s\n", path)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	defaults := config.DefaultConfig()
	// Keys come from the environment; never write placeholder secrets.
	defaults.Providers.AnthropicAPIKey = ""
	defaults.Providers.OpenAIAPIKey = ""

	data, err := yaml.Marshal(defaults)
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Wrote %s\n", path)
	fmt.Println("Set ANTHROPIC_API_KEY (and optionally OPENAI_API_KEY for fallback), then:")
	fmt.Println("  conclave run \"your decision problem\"")
	return nil
}
