package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"conclave/internal/deliberation"
	"conclave/internal/events"
)

var quiet bool

// runCmd starts a new deliberation session
var runCmd = &cobra.Command{
	Use:   "run [problem]",
	Short: "Deliberate a decision problem with an expert panel",
	Long: `Starts a new deliberation session for the given problem statement.

The problem is decomposed into sub-problems, each assigned a purpose-selected
expert panel that debates over multiple facilitated rounds until the stopping
rules fire, then votes and synthesizes a recommendation.

The session checkpoints continuously; interrupt with Ctrl-C to wrap up early
(a second Ctrl-C aborts), and resume later with 'conclave resume'.

Example:
  conclave run "Should we migrate the billing service to event sourcing?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDeliberation,
}

// resumeCmd continues a checkpointed session
var resumeCmd = &cobra.Command{
	Use:   "resume [session-id]",
	Short: "Resume a checkpointed deliberation session",
	Long: `Resumes a session from its last checkpoint. Completed sub-problems are
skipped; a sub-problem interrupted mid-discussion continues at its last phase.

A session paused on a clarification question needs --answer or --skip:
  conclave resume sess_abc --answer "Downtime under 5 minutes is acceptable"
  conclave resume sess_abc --skip`,
	Args: cobra.ExactArgs(1),
	RunE: resumeDeliberation,
}

var (
	resumeAnswer string
	resumeSkip   bool
	resumeStop   bool
)

func init() {
	runCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress round-by-round progress output")
	resumeCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress round-by-round progress output")
	resumeCmd.Flags().StringVar(&resumeAnswer, "answer", "", "Answer to the pending clarification question")
	resumeCmd.Flags().BoolVar(&resumeSkip, "skip", false, "Dismiss the pending clarification without answering")
	resumeCmd.Flags().BoolVar(&resumeStop, "stop", false, "Wrap up at the next round and go straight to voting")
}

func runDeliberation(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	s := a.engine.NewSession(strings.Join(args, " "))
	fmt.Printf("Session %s\n\n", s.ID)
	return driveSession(a, s)
}

func resumeDeliberation(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s, err := a.engine.LoadSession(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to load session %s: %w", args[0], err)
	}

	if s.PendingClarification != nil {
		switch {
		case resumeAnswer != "":
			if err := a.engine.Answer(ctx, s, resumeAnswer); err != nil {
				return err
			}
		case resumeSkip:
			if err := a.engine.Skip(ctx, s); err != nil {
				return err
			}
		default:
			fmt.Printf("Session is waiting on a clarification:\n\n  %s\n\nAnswer with --answer or dismiss with --skip.\n",
				s.PendingClarification.Question)
			return nil
		}
	}

	if resumeStop {
		a.engine.RequestStop(ctx, s)
	}
	return driveSession(a, s)
}

// driveSession runs the engine with progress output and interrupt handling:
// the first interrupt requests a graceful wrap-up, the second aborts.
func driveSession(a *app, s *deliberation.Session) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if !quiet {
		go printEvents(a.sink.Subscribe())
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nWrapping up: the panel will vote after the current round. Interrupt again to abort.")
		a.engine.RequestStop(ctx, s)
		<-sigCh
		cancel()
	}()

	err := a.engine.Run(ctx, s)
	switch {
	case errors.Is(err, deliberation.ErrPaused):
		fmt.Printf("\nThe facilitator needs input before continuing:\n\n  %s\n\n", s.PendingClarification.Question)
		fmt.Printf("Resume with:\n  conclave resume %s --answer \"...\"\n", s.ID)
		return nil
	case err != nil:
		fmt.Printf("\nSession %s interrupted; resume with 'conclave resume %s'\n", s.ID, s.ID)
		return err
	}

	fmt.Printf("\n=== RECOMMENDATION ===\n\n%s\n\n", s.FinalReport)
	printSessionSummary(s)
	return nil
}

func printSessionSummary(s *deliberation.Session) {
	fmt.Printf("Session %s: %d sub-problem(s), %d calls, %d tokens, $%.4f\n",
		s.ID, len(s.Results), s.Metrics.Calls, s.Metrics.TotalTokens, s.Metrics.CostUSD)
	for _, r := range s.Results {
		if r.Failed() {
			fmt.Printf("  %s: FAILED (%s)\n", r.SubProblemID, r.Err)
			continue
		}
		fmt.Printf("  %s: %d contributions, panel of %d, $%.4f\n",
			r.SubProblemID, r.ContributionCount, len(r.Panel), r.CostUSD)
	}
}

// printEvents renders the live progress feed.
func printEvents(ch <-chan events.Event) {
	for ev := range ch {
		switch ev.Type {
		case events.TypePersonaSelected:
			fmt.Printf("  panel    + %s (%s)\n", ev.Message, ev.Persona)
		case events.TypeRoundStarted:
			fmt.Printf("  round %d\n", ev.Round)
		case events.TypeContribution:
			fmt.Printf("    %-14s %s\n", ev.Persona+":", ev.Message)
		case events.TypeFacilitatorAction:
			fmt.Printf("  facilitator: %s\n", ev.Message)
		case events.TypeModerator:
			fmt.Printf("  moderator (%s) intervenes\n", ev.Message)
		case events.TypeResearch:
			fmt.Printf("  research: %s\n", ev.Message)
		case events.TypeVotingStarted:
			fmt.Println("  voting...")
		case events.TypeSynthesisComplete:
			fmt.Println("  synthesis complete")
		case events.TypeCostWarning:
			fmt.Printf("  ! %s\n", ev.Message)
		case events.TypeFallback:
			fmt.Printf("  ! provider fallback: %s\n", ev.Message)
		}
	}
}
