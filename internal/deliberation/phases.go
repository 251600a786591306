package deliberation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"conclave/internal/events"
	"conclave/internal/logging"
	"conclave/internal/provider"
)

// =============================================================================
// TOP-LEVEL PHASES: DECOMPOSE, CONTEXT COLLECT
// =============================================================================

const decomposeSystemPrompt = `You decompose decision problems into independently deliberatable sub-problems. Respond with one line per sub-problem, at most five, in exactly this format:

SUBPROBLEM: <id> | <short title> | <full statement> | depends=<comma-separated ids or none>

Use ids sp1, sp2, ... Only add a dependency when one sub-problem's answer is genuinely required by another. A simple problem may be a single sub-problem.`

// decompose splits the problem into sub-problems. Unparseable output
// degrades to a single atomic sub-problem.
func (e *Engine) decompose(ctx context.Context, s *Session) error {
	timer := logging.StartTimer(logging.CategorySession, "decompose")
	defer timer.StopWithInfo()

	result, err := e.broker.Call(ctx, provider.CallRequest{
		System:        decomposeSystemPrompt,
		UserMessage:   s.Problem,
		Tier:          provider.TierStrong, // decomposition quality shapes the whole session
		Temperature:   e.cfg.Resilience.Temperature,
		MaxTokens:     e.cfg.Resilience.MaxTokens,
		CacheEligible: true,
	})
	if err != nil {
		return fmt.Errorf("decomposition failed: %w", err)
	}
	s.Metrics.AddCall(result.Usage.InputTokens, result.Usage.OutputTokens, result.CostUSD)

	s.SubProblems = parseSubProblems(result.Text)
	if len(s.SubProblems) == 0 {
		s.SubProblems = []SubProblem{{ID: "sp1", Title: "Decision", Statement: s.Problem}}
	}

	// A cyclic decomposition is a fatal configuration error; surface it now
	// rather than at scheduling time.
	if _, err := Schedule(s.SubProblems); err != nil {
		return fmt.Errorf("decomposition produced an invalid dependency graph: %w", err)
	}

	logging.Session("Session %s decomposed into %d sub-problems", s.ID, len(s.SubProblems))
	return nil
}

func parseSubProblems(text string) []SubProblem {
	var subs []SubProblem
	seen := make(map[string]bool)
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if !hasFoldPrefix(trimmed, "SUBPROBLEM:") {
			continue
		}
		parts := strings.Split(trimmed[len("SUBPROBLEM:"):], "|")
		if len(parts) < 3 {
			continue
		}
		sp := SubProblem{
			ID:        strings.TrimSpace(parts[0]),
			Title:     strings.TrimSpace(parts[1]),
			Statement: strings.TrimSpace(parts[2]),
		}
		if sp.ID == "" || sp.Statement == "" || seen[sp.ID] {
			continue
		}
		if len(parts) >= 4 {
			deps := strings.TrimSpace(parts[3])
			deps = strings.TrimPrefix(deps, "depends=")
			if !strings.EqualFold(deps, "none") && deps != "" {
				for _, d := range strings.Split(deps, ",") {
					if d = strings.TrimSpace(d); d != "" {
						sp.DependsOn = append(sp.DependsOn, d)
					}
				}
			}
		}
		seen[sp.ID] = true
		subs = append(subs, sp)
		if len(subs) == 5 {
			break
		}
	}
	return subs
}

// collectContext gathers a short background brief used in expert prompts.
func (e *Engine) collectContext(ctx context.Context, s *Session) error {
	result, err := e.broker.Call(ctx, provider.CallRequest{
		System:        "Write a brief, factual background for a panel of experts about to deliberate this problem. Cover the domain, what is at stake, and known constraints. No recommendations.",
		UserMessage:   s.Problem,
		Tier:          provider.TierLight,
		Temperature:   0.3,
		MaxTokens:     1024,
		CacheEligible: true,
	})
	if err != nil {
		// Context is an enrichment; a failure here should not kill the session.
		logging.SessionWarn("Context collection failed, continuing without: %v", err)
		return nil
	}
	s.Metrics.AddCall(result.Usage.InputTokens, result.Usage.OutputTokens, result.CostUSD)
	s.Context = strings.TrimSpace(result.Text)
	return nil
}

// =============================================================================
// SUB-PROBLEM STATE MACHINE
// =============================================================================

// midSubProblemPhases are the phases runSubProblem can resume into directly.
var midSubProblemPhases = map[Phase]bool{
	PhaseInitialRound:      true,
	PhaseFacilitatorDecide: true,
	PhaseParallelRound:     true,
	PhaseModerator:         true,
	PhaseResearch:          true,
	PhaseClarify:           true,
	PhaseCostGuard:         true,
	PhaseConvergenceCheck:  true,
	PhaseVote:              true,
	PhaseSynthesize:        true,
}

// runSubProblem drives one sub-problem's full deliberation. With checkpointed
// set, every transition persists the parent checkpoint; a restored session
// resumes at its checkpointed phase instead of restarting the sub-problem.
func (e *Engine) runSubProblem(ctx context.Context, s *Session, index int, expertMemory map[string]string, checkpointed bool) (*SubProblemResult, error) {
	start := time.Now()
	costBefore := s.Metrics.CostUSD

	resuming := checkpointed && s.CurrentSub == index && midSubProblemPhases[s.Phase] && len(s.Personas) > 0
	if !resuming {
		s.ResetForSubProblem()
		s.CurrentSub = index
		s.Phase = PhaseSelectPersonas
	}

	sub := &s.SubProblems[index]
	logging.Rounds("Sub-problem %s (%s): starting at phase %s", sub.ID, sub.Title, s.Phase)

	var votes []Recommendation
	transition := func(next Phase) {
		if checkpointed {
			e.transition(ctx, s, next)
		} else {
			s.Phase = next
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		switch s.Phase {
		case PhaseSelectPersonas:
			if err := e.selectPersonas(ctx, s, sub); err != nil {
				return nil, err
			}
			transition(PhaseInitialRound)

		case PhaseInitialRound:
			s.Round = 1
			e.publish(events.Event{Type: events.TypeRoundStarted, SessionID: s.ID, SubProblemID: sub.ID, Round: s.Round})
			if err := e.runRound(ctx, s, sub, expertMemory, "", ""); err != nil {
				return nil, err
			}
			transition(PhaseCostGuard)

		case PhaseFacilitatorDecide:
			decision, err := e.facilitator.DecideNextAction(ctx, s)
			if err != nil {
				return nil, err
			}
			s.LastDecision = decision
			e.publish(events.Event{Type: events.TypeFacilitatorAction, SessionID: s.ID, SubProblemID: sub.ID,
				Round: s.Round, Message: string(decision.Action)})

			switch decision.Action {
			case ActionVote:
				transition(PhaseVote)
			case ActionResearch:
				transition(PhaseResearch)
			case ActionModerator:
				transition(PhaseModerator)
			case ActionClarify:
				if !checkpointed {
					// Concurrent slots cannot pause for user input; keep the
					// discussion moving instead.
					logging.FacilitatorWarn("Clarification requested in a concurrent sub-problem, continuing instead")
					s.LastDecision = &FacilitatorDecision{
						Action:    ActionContinue,
						Reasoning: decision.Reasoning,
						Directive: "Continue the discussion with the information available; note any assumptions you are forced to make.",
					}
					transition(PhaseParallelRound)
					continue
				}
				transition(PhaseClarify)
			default:
				transition(PhaseParallelRound)
			}

		case PhaseParallelRound:
			// The stop flag is honored before issuing further model calls.
			if s.StopRequested {
				logging.Rounds("Session %s: stop requested, jumping to vote", s.ID)
				transition(PhaseVote)
				continue
			}
			s.Round++
			e.publish(events.Event{Type: events.TypeRoundStarted, SessionID: s.ID, SubProblemID: sub.ID, Round: s.Round})
			speaker, directive := "", ""
			if d := s.LastDecision; d != nil {
				speaker, directive = d.NextSpeaker, d.Directive
			}
			if err := e.runRound(ctx, s, sub, expertMemory, speaker, directive); err != nil {
				return nil, err
			}
			transition(PhaseCostGuard)

		case PhaseModerator:
			if err := e.moderatorIntervention(ctx, s, sub); err != nil {
				return nil, err
			}
			transition(PhaseCostGuard)

		case PhaseResearch:
			e.researchTurn(ctx, s, sub)
			transition(PhaseCostGuard)

		case PhaseClarify:
			question := "What additional context should the panel have?"
			if d := s.LastDecision; d != nil && d.Question != "" {
				question = d.Question
			}
			s.PendingClarification = &Clarification{Question: question, AskedAt: time.Now()}
			e.publish(events.Event{Type: events.TypeClarification, SessionID: s.ID, SubProblemID: sub.ID, Message: question})
			transition(PhasePaused)
			return nil, ErrPaused

		case PhaseCostGuard:
			if spent := e.sessionSpend(s); spent >= e.cfg.Deliberation.CostCeilingUSD {
				logging.Rounds("Session %s: cost $%.4f reached ceiling $%.2f, forcing vote",
					s.ID, spent, e.cfg.Deliberation.CostCeilingUSD)
				e.publish(events.Event{Type: events.TypeCostWarning, SessionID: s.ID, SubProblemID: sub.ID,
					Message: fmt.Sprintf("cost ceiling reached at $%.4f", spent)})
				transition(PhaseVote)
				continue
			}
			transition(PhaseConvergenceCheck)

		case PhaseConvergenceCheck:
			decision := e.stopping.Evaluate(s)
			if decision.ShouldStop {
				logging.Rounds("Session %s sub %s: stopping (%s)", s.ID, sub.ID, decision.Reason)
				transition(PhaseVote)
				continue
			}
			s.Guidance = decision.Guidance
			transition(PhaseFacilitatorDecide)

		case PhaseVote:
			collected, err := e.collectVotes(ctx, s, sub)
			if err != nil {
				return nil, err
			}
			votes = collected
			transition(PhaseSynthesize)

		case PhaseSynthesize:
			e.publish(events.Event{Type: events.TypeSynthesisStarted, SessionID: s.ID, SubProblemID: sub.ID})
			synthesis, err := e.synthesizer.Synthesize(ctx, s, votes)
			if err != nil {
				return nil, err
			}
			e.publish(events.Event{Type: events.TypeSynthesisComplete, SessionID: s.ID, SubProblemID: sub.ID})

			panel := make([]string, 0, len(s.Personas))
			for _, p := range s.Personas {
				panel = append(panel, p.Code)
			}
			result := &SubProblemResult{
				SubProblemID:      sub.ID,
				Synthesis:         synthesis,
				Recommendations:   votes,
				ContributionCount: len(s.Contributions),
				CostUSD:           s.Metrics.CostUSD - costBefore,
				Duration:          time.Since(start),
				Panel:             panel,
				ExpertMemory:      BuildExpertMemory(s),
			}
			return result, nil

		default:
			return nil, fmt.Errorf("unexpected phase %s in sub-problem execution", s.Phase)
		}
	}
}

// =============================================================================
// PERSONA SELECTION
// =============================================================================

const selectPersonasSystemPrompt = `You assemble expert panels for deliberations. Given a problem, propose the experts whose perspectives matter most. Respond with one line per expert in exactly this format:

PERSONA: <code-slug> | <display name> | <expertise> | <perspective they argue from>`

// defaultPanel is the deterministic fallback when persona selection cannot be
// parsed.
var defaultPanel = []Persona{
	{Code: "pragmatist", Name: "The Pragmatist", Expertise: "delivery and operational feasibility", Perspective: "what can actually be executed"},
	{Code: "risk-analyst", Name: "The Risk Analyst", Expertise: "failure modes and second-order effects", Perspective: "what could go wrong"},
	{Code: "strategist", Name: "The Strategist", Expertise: "long-term positioning and tradeoffs", Perspective: "where this leads in two years"},
}

func (e *Engine) selectPersonas(ctx context.Context, s *Session, sub *SubProblem) error {
	result, err := e.broker.Call(ctx, provider.CallRequest{
		System:        selectPersonasSystemPrompt,
		UserMessage:   fmt.Sprintf("Problem:\n%s\n\nPropose up to %d experts.", sub.Statement, e.cfg.Deliberation.MaxPersonas),
		Tier:          provider.TierLight,
		Temperature:   e.cfg.Resilience.Temperature,
		MaxTokens:     1024,
		CacheEligible: true,
	})
	if err != nil {
		return fmt.Errorf("persona selection failed: %w", err)
	}
	s.Metrics.AddCall(result.Usage.InputTokens, result.Usage.OutputTokens, result.CostUSD)

	s.Personas = parsePersonas(result.Text, e.cfg.Deliberation.MaxPersonas)
	if len(s.Personas) < 2 {
		logging.SessionWarn("Persona selection yielded %d experts, using default panel", len(s.Personas))
		s.Personas = append([]Persona(nil), defaultPanel...)
	}

	for _, p := range s.Personas {
		e.publish(events.Event{Type: events.TypePersonaSelected, SessionID: s.ID, SubProblemID: sub.ID,
			Persona: p.Code, Message: p.Name})
	}
	logging.Session("Sub-problem %s panel: %d experts", sub.ID, len(s.Personas))
	return nil
}

func parsePersonas(text string, max int) []Persona {
	var personas []Persona
	seen := make(map[string]bool)
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if !hasFoldPrefix(trimmed, "PERSONA:") {
			continue
		}
		parts := strings.Split(trimmed[len("PERSONA:"):], "|")
		if len(parts) < 3 {
			continue
		}
		p := Persona{
			Code:      slugify(strings.TrimSpace(parts[0])),
			Name:      strings.TrimSpace(parts[1]),
			Expertise: strings.TrimSpace(parts[2]),
		}
		if len(parts) >= 4 {
			p.Perspective = strings.TrimSpace(parts[3])
		}
		if p.Code == "" || p.Name == "" || seen[p.Code] {
			continue
		}
		seen[p.Code] = true
		personas = append(personas, p)
		if len(personas) == max {
			break
		}
	}
	return personas
}

func hasFoldPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

func slugify(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '_' || r == '-':
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

// =============================================================================
// ROUND EXECUTION
// =============================================================================

// runRound fans one round out across the panel. The designated next speaker
// (if any) receives the facilitator's directive; everyone else responds to
// the discussion. The session's very first call is awaited alone so the
// shared prompt cache entry exists before the remainder fan out.
func (e *Engine) runRound(ctx context.Context, s *Session, sub *SubProblem, expertMemory map[string]string, speaker, directive string) error {
	panel := s.Personas
	firstCall := len(s.Contributions) == 0

	results := make([]*Contribution, len(panel))
	g, gctx := errgroup.WithContext(ctx)

	runTurn := func(i int) func() error {
		return func() error {
			p := panel[i]
			if s.HasContribution(p.Code, s.Round) {
				// Duplicate guard: a resumed round never re-runs a persona.
				logging.RoundsDebug("Skipping %s round %d: contribution already present", p.Code, s.Round)
				return nil
			}
			c, err := e.executor.ExecuteTurn(gctx, TurnRequest{
				SessionID:    s.ID,
				SubProblemID: sub.ID,
				Persona:      p,
				SystemPrompt: e.expertSystemPrompt(s, sub, p, expertMemory),
				Directive:    e.expertDirective(s, p, speaker, directive),
				Round:        s.Round,
				Kind:         roundKind(s.Round),
				Phase:        "round",
			})
			if err != nil {
				return err
			}
			results[i] = c
			return nil
		}
	}

	if firstCall && len(panel) > 0 {
		if err := runTurn(0)(); err != nil {
			return err
		}
		for i := 1; i < len(panel); i++ {
			g.Go(runTurn(i))
		}
	} else {
		for i := range panel {
			g.Go(runTurn(i))
		}
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("round %d failed: %w", s.Round, err)
	}

	for _, c := range results {
		if c == nil {
			continue
		}
		if !s.AddContribution(*c) {
			logging.RoundsDebug("Duplicate contribution rejected: %s round %d", c.Persona, c.Round)
			continue
		}
		s.Metrics.AddContribution(c)
		e.publish(events.Event{Type: events.TypeContribution, SessionID: s.ID, SubProblemID: sub.ID,
			Round: c.Round, Persona: c.Persona, Message: summarize(c.Content, 20)})
	}
	return nil
}

func roundKind(round int) ContributionKind {
	if round == 1 {
		return KindInitial
	}
	return KindResponse
}

func (e *Engine) expertSystemPrompt(s *Session, sub *SubProblem, p Persona, expertMemory map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `You are %s, an expert in %s, participating in a panel deliberation. You argue from this perspective: %s.

Respond in exactly this format:
%s
(your private reasoning)
%s
(your contribution to the discussion, under %d words)
`, p.Name, p.Expertise, p.Perspective, thinkingMarker, contributionMarker, e.cfg.Deliberation.WordLimit)

	if s.Context != "" {
		fmt.Fprintf(&b, "\nBackground:\n%s\n", s.Context)
	}
	if memory, ok := expertMemory[p.Code]; ok {
		fmt.Fprintf(&b, "\nYour conclusions from earlier sub-problems:\n%s\n", memory)
	}
	fmt.Fprintf(&b, "\nProblem under deliberation:\n%s", sub.Statement)
	return b.String()
}

func (e *Engine) expertDirective(s *Session, p Persona, speaker, directive string) string {
	if s.Round == 1 {
		return "Give your opening position on the problem: your recommendation, your key reasons, and the risks you see."
	}

	var b strings.Builder
	b.WriteString("Discussion so far:\n")
	for _, c := range lastRoundsContributions(s.Contributions, s.Round-1, 2) {
		fmt.Fprintf(&b, "[R%d] %s: %s\n", c.Round, c.DisplayName, summarize(c.Content, 50))
	}
	if speaker == p.Code && directive != "" {
		fmt.Fprintf(&b, "\nThe facilitator addresses you directly: %s", directive)
	} else {
		b.WriteString("\nRespond to the strongest point you disagree with, or build on the point you find most important.")
	}
	return b.String()
}

// =============================================================================
// MODERATOR, RESEARCH, VOTING
// =============================================================================

func (e *Engine) moderatorIntervention(ctx context.Context, s *Session, sub *SubProblem) error {
	modType := ModeratorClarifier
	focus := ""
	if d := s.LastDecision; d != nil {
		if d.ModeratorType != "" {
			modType = d.ModeratorType
		}
		focus = d.ModeratorFocus
	} else if len(s.Guidance) > 0 {
		modType = moderatorTypeForGuidance(s.Guidance)
	}

	persona := ModeratorPersona(modType)
	var transcript strings.Builder
	for _, c := range lastRoundsContributions(s.Contributions, s.Round, 2) {
		fmt.Fprintf(&transcript, "[R%d] %s: %s\n", c.Round, c.DisplayName, summarize(c.Content, 50))
	}

	c, err := e.executor.ExecuteTurn(ctx, TurnRequest{
		SessionID:    s.ID,
		SubProblemID: sub.ID,
		Persona:      persona,
		SystemPrompt: ModeratorSystemPrompt(modType),
		Directive:    transcript.String() + "\n" + ModeratorDirective(modType, focus, s.Guidance),
		Round:        s.Round,
		Kind:         KindModerator,
		Phase:        "moderator",
	})
	if err != nil {
		return fmt.Errorf("moderator intervention failed: %w", err)
	}

	s.AddContribution(*c)
	s.Metrics.AddContribution(c)
	e.publish(events.Event{Type: events.TypeModerator, SessionID: s.ID, SubProblemID: sub.ID,
		Round: s.Round, Persona: persona.Code, Message: string(modType)})
	return nil
}

// researchTurn injects research findings into the transcript. Research is an
// enrichment: failures are logged and the discussion continues.
func (e *Engine) researchTurn(ctx context.Context, s *Session, sub *SubProblem) {
	if e.researcher == nil {
		logging.Rounds("Research requested but no researcher configured, skipping")
		return
	}

	query := sub.Statement
	if d := s.LastDecision; d != nil && d.ResearchQuery != "" {
		query = d.ResearchQuery
	}

	result, err := e.researcher.Research(ctx, query, s.Context)
	if err != nil {
		logging.SessionWarn("Research failed, continuing discussion: %v", err)
		return
	}

	s.AddContribution(Contribution{
		Persona:     "researcher",
		DisplayName: "Research Desk",
		Content:     result.Brief(),
		Kind:        KindResearch,
		Round:       s.Round,
		Tokens:      result.Tokens,
		CostUSD:     result.CostUSD,
		CreatedAt:   time.Now(),
	})
	s.Metrics.AddCall(0, result.Tokens, result.CostUSD)
	e.publish(events.Event{Type: events.TypeResearch, SessionID: s.ID, SubProblemID: sub.ID,
		Round: s.Round, Message: summarize(query, 15)})
}

// collectVotes gathers every panel member's recommendation concurrently.
// A single persona's vote failure is tolerated; voting fails only when no
// votes could be collected at all.
func (e *Engine) collectVotes(ctx context.Context, s *Session, sub *SubProblem) ([]Recommendation, error) {
	e.publish(events.Event{Type: events.TypeVotingStarted, SessionID: s.ID, SubProblemID: sub.ID, Round: s.Round})

	votes := make([]*Recommendation, len(s.Personas))
	g, gctx := errgroup.WithContext(ctx)
	for i := range s.Personas {
		i := i
		g.Go(func() error {
			rec, err := e.synthesizer.CollectVote(gctx, s, s.Personas[i])
			if err != nil {
				logging.Voting("Vote from %s failed: %v", s.Personas[i].Code, err)
				return nil
			}
			votes[i] = rec
			return nil
		})
	}
	g.Wait()

	var collected []Recommendation
	for _, v := range votes {
		if v != nil {
			collected = append(collected, *v)
		}
	}
	if len(collected) == 0 {
		return nil, fmt.Errorf("voting failed: no recommendations collected")
	}

	e.publish(events.Event{Type: events.TypeVotingComplete, SessionID: s.ID, SubProblemID: sub.ID,
		Round: s.Round, Message: fmt.Sprintf("%d votes", len(collected))})
	return collected, nil
}
