package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"conclave/internal/config"
	"conclave/internal/logging"
)

var (
	// Global flags
	workspace  string
	configPath string
	verbose    bool
	timeout    time.Duration

	// Loaded configuration, available to every subcommand after PreRun.
	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "conclave",
	Short: "conclave - multi-expert deliberation engine",
	Long: `conclave convenes a panel of LLM-backed expert personas to deliberate a
decision problem over multiple facilitated rounds.

The problem is decomposed into sub-problems, each deliberated by a
purpose-selected panel under an automated facilitator, with stopping rules
driving convergence toward a synthesized recommendation. Sessions checkpoint
after every phase transition and can be resumed at any time.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if workspace == "" {
			wd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("failed to resolve workspace: %w", err)
			}
			workspace = wd
		}

		path := configPath
		if path == "" {
			path = config.DefaultPath(workspace)
		}
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if verbose {
			cfg.Logging.DebugMode = true
			cfg.Logging.Level = "debug"
		}

		return logging.Initialize(workspace, logging.Options{
			DebugMode:  cfg.Logging.DebugMode,
			Categories: cfg.Logging.Categories,
			Level:      cfg.Logging.Level,
			JSONFormat: cfg.Logging.JSONFormat,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: <workspace>/.conclave/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Minute, "Overall session timeout")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(usageCmd)
	rootCmd.AddCommand(initCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
