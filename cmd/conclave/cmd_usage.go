package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"conclave/internal/usage"
)

var usageSession string

// usageCmd reports token and cost statistics from the usage ledger
var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show token usage and cost statistics",
	Long: `Reports aggregated token usage and spend from the workspace usage ledger,
broken down by provider, model, and deliberation phase.

Use --session to scope the report to one session.`,
	RunE: showUsage,
}

func init() {
	usageCmd.Flags().StringVar(&usageSession, "session", "", "Restrict the report to one session ID")
}

func showUsage(cmd *cobra.Command, args []string) error {
	tracker, err := usage.NewTracker(workspace)
	if err != nil {
		return fmt.Errorf("failed to open usage ledger: %w", err)
	}

	if usageSession != "" {
		counts := tracker.SessionTokens(usageSession)
		fmt.Printf("Session %s\n", usageSession)
		fmt.Printf("  Calls:  %d\n", counts.Calls)
		fmt.Printf("  Tokens: %d in / %d out / %d cached\n", counts.Input, counts.Output, counts.Cache)
		fmt.Printf("  Cost:   $%.4f\n", counts.CostUSD)
		return nil
	}

	stats := tracker.Stats()
	fmt.Printf("Total: %d calls, %d tokens, $%.4f\n",
		stats.Total.Calls, stats.Total.Total, stats.Total.CostUSD)

	printBreakdown("By provider", stats.ByProvider)
	printBreakdown("By model", stats.ByModel)
	printBreakdown("By phase", stats.ByPhase)
	return nil
}

func printBreakdown(title string, m map[string]usage.TokenCounts) {
	if len(m) == 0 {
		return
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Printf("\n%s:\n", title)
	for _, k := range keys {
		c := m[k]
		fmt.Printf("  %-28s %6d calls %10d tokens  $%.4f\n", k, c.Calls, c.Total, c.CostUSD)
	}
}
