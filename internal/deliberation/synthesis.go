package deliberation

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"conclave/internal/logging"
	"conclave/internal/provider"
)

// minVoteConfidence gates which recommendations count toward the confidence
// aggregate; low-confidence votes are still recorded for the synthesis text.
const minVoteConfidence = 0.5

// Synthesizer collects votes and produces the synthesized recommendation.
type Synthesizer struct {
	broker      *provider.Broker
	temperature float64
	maxTokens   int
}

// NewSynthesizer creates the vote/synthesis stage.
func NewSynthesizer(broker *provider.Broker, temperature float64, maxTokens int) *Synthesizer {
	return &Synthesizer{broker: broker, temperature: temperature, maxTokens: maxTokens}
}

const voteSystemPrompt = `The deliberation is closing. State your final recommendation in exactly this format:

POSITION: your recommendation in one or two sentences
CONFIDENCE: a number from 0.0 to 1.0
CONDITIONS: any conditions under which your recommendation changes (or "none")`

// CollectVote obtains one persona's final recommendation.
func (sy *Synthesizer) CollectVote(ctx context.Context, s *Session, p Persona) (*Recommendation, error) {
	sub, err := s.ActiveSubProblem()
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are %s (%s).\n\nProblem:\n%s\n\nDiscussion transcript:\n",
		p.Name, p.Expertise, sub.Statement)
	for _, c := range s.Contributions {
		fmt.Fprintf(&b, "[R%d] %s: %s\n", c.Round, c.DisplayName, summarize(c.Content, 50))
	}

	result, err := sy.broker.Call(ctx, provider.CallRequest{
		System:        voteSystemPrompt,
		UserMessage:   b.String(),
		Tier:          provider.TierStrong,
		Temperature:   sy.temperature,
		MaxTokens:     sy.maxTokens,
		CacheEligible: false,
	})
	if err != nil {
		return nil, fmt.Errorf("vote collection for %s failed: %w", p.Code, err)
	}
	s.Metrics.AddCall(result.Usage.InputTokens, result.Usage.OutputTokens, result.CostUSD)

	rec := parseVote(p.Code, result.Text)
	logging.Voting("Vote from %s: confidence=%.2f position=%s", p.Code, rec.Confidence, summarize(rec.Position, 25))
	return rec, nil
}

// parseVote extracts the structured vote. Malformed responses degrade to the
// whole text as position with neutral confidence.
func parseVote(personaCode, text string) *Recommendation {
	rec := &Recommendation{Persona: personaCode, Confidence: 0.5}

	for _, line := range strings.Split(text, "\n") {
		idx := strings.Index(line, ":")
		if idx <= 0 {
			continue
		}
		key := strings.ToUpper(strings.TrimSpace(line[:idx]))
		value := strings.TrimSpace(line[idx+1:])
		switch key {
		case "POSITION":
			rec.Position = value
		case "CONFIDENCE":
			rec.Confidence = parseConfidence(value, rec.Confidence)
		case "CONDITIONS":
			if !strings.EqualFold(value, "none") {
				rec.Conditions = value
			}
		}
	}

	if rec.Position == "" {
		rec.Position = summarize(strings.TrimSpace(text), 60)
	}
	return rec
}

// parseConfidence accepts "0.8", "0.8/1.0", "80%", clamping to [0, 1].
func parseConfidence(value string, fallback float64) float64 {
	value = strings.TrimSpace(value)
	percent := strings.HasSuffix(value, "%")
	value = strings.TrimSuffix(value, "%")
	if idx := strings.Index(value, "/"); idx > 0 {
		value = value[:idx]
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	if percent || f > 1 {
		f /= 100
	}
	return clamp01(f)
}

// Synthesize produces the final recommendation text from the transcript and
// the collected votes.
func (sy *Synthesizer) Synthesize(ctx context.Context, s *Session, votes []Recommendation) (string, error) {
	sub, err := s.ActiveSubProblem()
	if err != nil {
		return "", err
	}

	counted, totalConfidence := 0, 0.0
	var b strings.Builder
	fmt.Fprintf(&b, "Problem:\n%s\n\nFinal recommendations from the panel:\n", sub.Statement)
	for _, v := range votes {
		marker := ""
		if v.Confidence < minVoteConfidence {
			marker = " [low confidence]"
		} else {
			counted++
			totalConfidence += v.Confidence
		}
		fmt.Fprintf(&b, "- %s (%.0f%%)%s: %s\n", v.Persona, v.Confidence*100, marker, v.Position)
		if v.Conditions != "" {
			fmt.Fprintf(&b, "  conditions: %s\n", v.Conditions)
		}
	}
	fmt.Fprintf(&b, "\nKey discussion points:\n")
	for _, c := range lastRoundsContributions(s.Contributions, s.Round, 2) {
		fmt.Fprintf(&b, "- %s: %s\n", c.DisplayName, summarize(c.Content, 40))
	}
	b.WriteString("\nWrite the synthesized recommendation: the decision, the reasoning, dissenting views and their conditions, and concrete next steps.")

	result, err := sy.broker.Call(ctx, provider.CallRequest{
		System:        "You are the neutral synthesizer of an expert deliberation. Produce a decisive, balanced synthesis.",
		UserMessage:   b.String(),
		Tier:          provider.TierStrong,
		Temperature:   sy.temperature,
		MaxTokens:     sy.maxTokens,
		CacheEligible: false,
	})
	if err != nil {
		return "", fmt.Errorf("synthesis failed: %w", err)
	}
	s.Metrics.AddCall(result.Usage.InputTokens, result.Usage.OutputTokens, result.CostUSD)

	if counted > 0 {
		logging.Voting("Synthesis complete: %d counted votes, mean confidence %.2f", counted, totalConfidence/float64(counted))
	}
	return strings.TrimSpace(result.Text), nil
}

// MetaSynthesize combines all sub-problem syntheses into the session's final
// report.
func (sy *Synthesizer) MetaSynthesize(ctx context.Context, s *Session) (string, error) {
	if len(s.Results) == 1 && len(s.SubProblems) == 1 {
		// Atomic session: the single synthesis is the report.
		return s.Results[0].Synthesis, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Overall problem:\n%s\n\nPer-sub-problem conclusions:\n", s.Problem)
	for _, r := range s.Results {
		title := r.SubProblemID
		for _, sp := range s.SubProblems {
			if sp.ID == r.SubProblemID {
				title = sp.Title
				break
			}
		}
		if r.Failed() {
			fmt.Fprintf(&b, "\n## %s\n(deliberation failed: %s)\n", title, r.Err)
			continue
		}
		fmt.Fprintf(&b, "\n## %s\n%s\n", title, r.Synthesis)
	}
	b.WriteString("\nWrite the unified final recommendation covering all sub-problems, noting any gaps from failed sub-problems.")

	result, err := sy.broker.Call(ctx, provider.CallRequest{
		System:        "You are the neutral synthesizer of a multi-part expert deliberation. Produce one coherent final report.",
		UserMessage:   b.String(),
		Tier:          provider.TierStrong,
		Temperature:   sy.temperature,
		MaxTokens:     sy.maxTokens,
		CacheEligible: false,
	})
	if err != nil {
		return "", fmt.Errorf("meta-synthesis failed: %w", err)
	}
	s.Metrics.AddCall(result.Usage.InputTokens, result.Usage.OutputTokens, result.CostUSD)
	return strings.TrimSpace(result.Text), nil
}

// BuildExpertMemory condenses each panel member's final stance for carry-over
// into dependent sub-problems.
func BuildExpertMemory(s *Session) map[string]string {
	memory := make(map[string]string, len(s.Personas))
	for _, p := range s.Personas {
		var last string
		for _, c := range s.Contributions {
			if c.Persona == p.Code {
				last = c.Content
			}
		}
		if last == "" {
			continue
		}
		memory[p.Code] = summarize(last, 80)
	}
	return memory
}

// lastRoundsContributions returns expert contributions from the final n rounds.
func lastRoundsContributions(contributions []Contribution, round, n int) []Contribution {
	floor := round - n + 1
	var out []Contribution
	for _, c := range contributions {
		if c.Round >= floor && c.Kind != KindModerator && c.Kind != KindResearch {
			out = append(out, c)
		}
	}
	return out
}
