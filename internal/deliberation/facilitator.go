package deliberation

import (
	"context"
	"fmt"
	"strings"

	"conclave/internal/logging"
	"conclave/internal/provider"
)

// Facilitator decides each round's next action from the transcript and phase
// objectives, via one structured model call.
type Facilitator struct {
	broker      *provider.Broker
	minRounds   int
	maxRounds   int
	temperature float64
	maxTokens   int
}

// NewFacilitator creates the decision engine. minRounds is the hard voting
// gate: vote decisions before it are overridden to continue.
func NewFacilitator(broker *provider.Broker, minRounds, maxRounds int, temperature float64, maxTokens int) *Facilitator {
	if minRounds < 1 {
		minRounds = 3
	}
	if maxRounds < minRounds {
		maxRounds = minRounds
	}
	return &Facilitator{
		broker:      broker,
		minRounds:   minRounds,
		maxRounds:   maxRounds,
		temperature: temperature,
		maxTokens:   maxTokens,
	}
}

const facilitatorSystemPrompt = `You are the facilitator of an expert deliberation. Each round you decide what happens next. Respond in exactly this format:

ACTION: one of CONTINUE, VOTE, RESEARCH, MODERATOR, CLARIFY
REASONING: one or two sentences
NEXT_SPEAKER: expert code (only for CONTINUE)
DIRECTIVE: instruction for the next speaker (only for CONTINUE)
MODERATOR_TYPE: clarifier, challenger, or synthesizer (only for MODERATOR)
FOCUS: what the moderator should address (only for MODERATOR)
QUERY: the research question (only for RESEARCH)
QUESTION: the question for the session owner (only for CLARIFY)`

// DecideNextAction obtains and parses the facilitator's routing decision for
// the current round. Ambiguous model output degrades to continue with a
// warning; it never fails the round.
func (f *Facilitator) DecideNextAction(ctx context.Context, s *Session) (*FacilitatorDecision, error) {
	sub, err := s.ActiveSubProblem()
	if err != nil {
		return nil, err
	}

	result, err := f.broker.Call(ctx, provider.CallRequest{
		System:        facilitatorSystemPrompt,
		UserMessage:   f.buildBriefing(s, sub),
		Tier:          provider.TierLight,
		Temperature:   f.temperature,
		MaxTokens:     f.maxTokens,
		CacheEligible: false, // the transcript changes every round
	})
	if err != nil {
		return nil, fmt.Errorf("facilitator decision failed: %w", err)
	}

	decision := f.parseDecision(result.Text, s)

	// Hard voting gate: no vote before the minimum round count, even if the
	// model proposes one.
	if decision.Action == ActionVote && s.Round < f.minRounds {
		logging.FacilitatorWarn("Round %d: vote proposed before round %d, overriding to continue",
			s.Round, f.minRounds)
		decision = f.continueDecision(decision.Reasoning, result.Text, s)
	}

	s.Metrics.AddCall(result.Usage.InputTokens, result.Usage.OutputTokens, result.CostUSD)
	logging.Facilitator("Round %d decision: %s (%s)", s.Round, decision.Action, decision.Reasoning)
	return decision, nil
}

// buildBriefing assembles the compact transcript and phase objectives.
func (f *Facilitator) buildBriefing(s *Session, sub *SubProblem) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Problem under deliberation:\n%s\n\n", sub.Statement)

	fmt.Fprintf(&b, "Expert panel:\n")
	for _, p := range s.Personas {
		fmt.Fprintf(&b, "- %s (%s): %s\n", p.Code, p.Name, p.Expertise)
	}

	fmt.Fprintf(&b, "\nTranscript (round %d of max %d):\n", s.Round, f.maxRounds)
	currentRound := -1
	for _, c := range s.Contributions {
		if c.Round != currentRound {
			currentRound = c.Round
			fmt.Fprintf(&b, "\n--- Round %d ---\n", currentRound)
		}
		fmt.Fprintf(&b, "%s: %s\n", c.DisplayName, summarize(c.Content, 60))
	}

	// Phase objectives: exploration early, convergence later. The framing
	// changes the directive text, not the control flow.
	if s.Round < f.minRounds {
		b.WriteString("\nPhase objective: EXPLORATION. Surface distinct perspectives, alternatives, and risks. Voting is not yet available.\n")
	} else {
		b.WriteString("\nPhase objective: DISCUSSION. Drive toward resolution; call a VOTE when positions are clear.\n")
	}

	if len(s.Guidance) > 0 {
		b.WriteString("\nGuidance from the round evaluator:\n")
		for k, v := range s.Guidance {
			fmt.Fprintf(&b, "- %s: %s\n", k, v)
		}
	}

	b.WriteString("\nDecide the next action.")
	return b.String()
}

// parseDecision applies the keyword precedence: vote/transition, research,
// moderator, clarify, otherwise continue.
func (f *Facilitator) parseDecision(text string, s *Session) *FacilitatorDecision {
	fields := parseStructuredFields(text)
	actionLine := fields["ACTION"]
	if actionLine == "" {
		actionLine = text
	}
	lower := strings.ToLower(actionLine)
	reasoning := fields["REASONING"]

	switch {
	case strings.Contains(lower, "vote") || strings.Contains(lower, "transition"):
		return &FacilitatorDecision{Action: ActionVote, Reasoning: reasoning}

	case strings.Contains(lower, "research"):
		query := fields["QUERY"]
		if query == "" {
			query = reasoning
		}
		return &FacilitatorDecision{Action: ActionResearch, Reasoning: reasoning, ResearchQuery: query}

	case strings.Contains(lower, "moderator"):
		return &FacilitatorDecision{
			Action:         ActionModerator,
			Reasoning:      reasoning,
			ModeratorType:  parseModeratorType(fields["MODERATOR_TYPE"]),
			ModeratorFocus: fields["FOCUS"],
		}

	case strings.Contains(lower, "clarif"):
		question := fields["QUESTION"]
		if question == "" {
			question = reasoning
		}
		return &FacilitatorDecision{Action: ActionClarify, Reasoning: reasoning, Question: question}

	case strings.Contains(lower, "continue"):
		return f.continueDecision(reasoning, text, s)

	default:
		logging.FacilitatorWarn("Round %d: ambiguous facilitator output %q, defaulting to continue", s.Round, summarize(actionLine, 20))
		return f.continueDecision(reasoning, text, s)
	}
}

// continueDecision builds a continue action with a next speaker resolved from
// the roster. Never fails: no match falls back to the roster head.
func (f *Facilitator) continueDecision(reasoning, text string, s *Session) *FacilitatorDecision {
	fields := parseStructuredFields(text)
	directive := fields["DIRECTIVE"]
	if directive == "" {
		directive = "Respond to the points raised in the previous round."
	}
	return &FacilitatorDecision{
		Action:      ActionContinue,
		Reasoning:   reasoning,
		NextSpeaker: f.resolveSpeaker(fields["NEXT_SPEAKER"], text, s),
		Directive:   directive,
	}
}

// resolveSpeaker matches the decision text against the roster by code or name
// substring. No match selects the roster's first persona deterministically.
func (f *Facilitator) resolveSpeaker(speakerField, fullText string, s *Session) string {
	if len(s.Personas) == 0 {
		return ""
	}

	for _, haystack := range []string{speakerField, fullText} {
		if haystack == "" {
			continue
		}
		lower := strings.ToLower(haystack)
		for _, p := range s.Personas {
			if strings.Contains(lower, strings.ToLower(p.Code)) ||
				strings.Contains(lower, strings.ToLower(p.Name)) {
				return p.Code
			}
		}
	}

	logging.FacilitatorDebug("No speaker matched, falling back to roster head %s", s.Personas[0].Code)
	return s.Personas[0].Code
}

func parseModeratorType(v string) ModeratorType {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "challenger":
		return ModeratorChallenger
	case "synthesizer":
		return ModeratorSynthesizer
	default:
		return ModeratorClarifier
	}
}

// parseStructuredFields extracts KEY: value lines from a response.
func parseStructuredFields(text string) map[string]string {
	fields := make(map[string]string)
	for _, line := range strings.Split(text, "\n") {
		idx := strings.Index(line, ":")
		if idx <= 0 {
			continue
		}
		key := strings.ToUpper(strings.TrimSpace(line[:idx]))
		switch key {
		case "ACTION", "REASONING", "NEXT_SPEAKER", "DIRECTIVE", "MODERATOR_TYPE", "FOCUS", "QUERY", "QUESTION":
			if _, exists := fields[key]; !exists {
				fields[key] = strings.TrimSpace(line[idx+1:])
			}
		}
	}
	return fields
}

// summarize shortens text to at most n words for transcript compaction.
func summarize(text string, n int) string {
	words := strings.Fields(text)
	if len(words) <= n {
		return text
	}
	return strings.Join(words[:n], " ") + " ..."
}
