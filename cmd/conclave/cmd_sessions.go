package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"conclave/internal/store"
)

// sessionsCmd manages checkpointed sessions
var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List and manage checkpointed sessions",
	RunE:  listSessions,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show [session-id]",
	Short: "Show a session's state and transcript",
	Args:  cobra.ExactArgs(1),
	RunE:  showSession,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete [session-id]",
	Short: "Delete a session checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  deleteSession,
}

var purgeOlderThan time.Duration

var sessionsPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove checkpoints older than the retention window",
	RunE:  purgeSessions,
}

func init() {
	sessionsPurgeCmd.Flags().DurationVar(&purgeOlderThan, "older-than", 0,
		"Retention window override (default: store.checkpoint_ttl from config)")

	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
	sessionsCmd.AddCommand(sessionsPurgeCmd)
}

// openStore opens just the checkpoint store; session management needs no
// provider credentials.
func openStore() (*store.SessionStore, error) {
	dbPath := cfg.Store.DatabasePath
	if dbPath == "" {
		dbPath = ".conclave/sessions.db"
	}
	return store.NewSessionStore(resolvePath(dbPath))
}

func listSessions(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	sessions, err := st.ListSessions(ctx)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No checkpointed sessions.")
		return nil
	}

	fmt.Printf("%-42s %-20s %s\n", "SESSION", "PHASE", "UPDATED")
	for _, s := range sessions {
		fmt.Printf("%-42s %-20s %s\n", s.SessionID, s.Phase, s.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
	return nil
}

func showSession(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	cp, err := st.LoadCheckpoint(ctx, args[0])
	if err != nil {
		return fmt.Errorf("session %s: %w", args[0], err)
	}

	fmt.Printf("Session:  %s\n", cp.SessionID)
	fmt.Printf("Phase:    %s\n", cp.Phase)
	fmt.Printf("Created:  %s\n", cp.CreatedAt.Local().Format(time.RFC822))
	fmt.Printf("Updated:  %s\n", cp.UpdatedAt.Local().Format(time.RFC822))

	contributions, err := st.Contributions(ctx, cp.SessionID)
	if err != nil {
		return err
	}
	if len(contributions) > 0 {
		fmt.Printf("\nTranscript (%d turns):\n", len(contributions))
		for _, c := range contributions {
			fmt.Printf("  [%s r%d] %s: %.80s\n", c.SubProblemID, c.Round, c.Persona, c.Content)
		}
	}

	fallbacks, err := st.FallbackEvents(ctx, cp.SessionID)
	if err != nil {
		return err
	}
	if len(fallbacks) > 0 {
		fmt.Printf("\nProvider fallbacks:\n")
		for _, f := range fallbacks {
			fmt.Printf("  %s -> %s (%s)\n", f.FromProvider, f.ToProvider, f.Reason)
		}
	}
	return nil
}

func deleteSession(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.DeleteCheckpoint(context.Background(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Deleted %s\n", args[0])
	return nil
}

func purgeSessions(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ttl := purgeOlderThan
	if ttl == 0 {
		ttl = cfg.CheckpointTTL()
	}
	n, err := st.PurgeExpired(context.Background(), ttl)
	if err != nil {
		return err
	}
	fmt.Printf("Purged %d session(s) older than %s\n", n, ttl)
	return nil
}
