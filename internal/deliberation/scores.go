package deliberation

import (
	"strings"
	"unicode"
)

// Lexical discussion scoring. All scores are in [0, 1] and are computed from
// token overlap; no model call is needed to evaluate stopping rules.

// stopwords excluded from token sets so function words do not inflate overlap.
var stopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "but": {}, "of": {},
	"to": {}, "in": {}, "on": {}, "for": {}, "with": {}, "is": {}, "are": {},
	"was": {}, "be": {}, "been": {}, "it": {}, "this": {}, "that": {},
	"we": {}, "i": {}, "our": {}, "as": {}, "at": {}, "by": {}, "from": {},
	"would": {}, "should": {}, "could": {}, "will": {}, "can": {}, "not": {},
	"have": {}, "has": {}, "do": {}, "does": {}, "if": {}, "so": {}, "than": {},
	"then": {}, "there": {}, "their": {}, "they": {}, "these": {}, "those": {},
	"more": {}, "also": {}, "its": {}, "which": {}, "what": {}, "about": {},
}

// tokenSet lowercases, splits on non-letter runs, and drops stopwords and
// tokens shorter than 3 characters.
func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, f := range fields {
		if len(f) < 3 {
			continue
		}
		if _, skip := stopwords[f]; skip {
			continue
		}
		set[f] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// ConvergenceScore measures agreement across the latest round: the average
// pairwise token overlap among that round's contributions. A single-speaker
// round is compared against the previous round instead.
func ConvergenceScore(contributions []Contribution, round int) float64 {
	current := expertTexts(contributions, round)
	if len(current) >= 2 {
		return averagePairwise(current)
	}
	if len(current) == 1 && round > 1 {
		prev := expertTexts(contributions, round-1)
		if len(prev) > 0 {
			best := 0.0
			cur := tokenSet(current[0])
			for _, p := range prev {
				if s := jaccard(cur, tokenSet(p)); s > best {
					best = s
				}
			}
			return best
		}
	}
	return 0
}

// NoveltyScore measures how much new content the latest round adds: the
// fraction of the round's tokens not seen in any earlier round. The first
// round is maximally novel.
func NoveltyScore(contributions []Contribution, round int) float64 {
	if round <= 1 {
		return 1
	}

	current := make(map[string]struct{})
	prior := make(map[string]struct{})
	for _, c := range contributions {
		if c.Kind == KindModerator || c.Kind == KindResearch {
			continue
		}
		target := prior
		if c.Round == round {
			target = current
		} else if c.Round > round {
			continue
		}
		for t := range tokenSet(c.Content) {
			target[t] = struct{}{}
		}
	}

	if len(current) == 0 {
		return 0
	}
	novel := 0
	for t := range current {
		if _, seen := prior[t]; !seen {
			novel++
		}
	}
	return float64(novel) / float64(len(current))
}

// disagreementMarkers signal active conflict in a contribution.
var disagreementMarkers = []string{
	"disagree", "strongly oppose", "object", "on the contrary", "however",
	"i don't think", "that won't work", "this is wrong", "push back",
	"cannot accept", "fundamentally different", "serious concern",
}

// ConflictScore combines disagreement marker density with lexical divergence
// across the latest round.
func ConflictScore(contributions []Contribution, round int) float64 {
	texts := expertTexts(contributions, round)
	if len(texts) == 0 {
		return 0
	}

	marked := 0
	for _, text := range texts {
		lower := strings.ToLower(text)
		for _, m := range disagreementMarkers {
			if strings.Contains(lower, m) {
				marked++
				break
			}
		}
	}
	markerScore := float64(marked) / float64(len(texts))

	divergence := 1.0
	if len(texts) >= 2 {
		divergence = 1 - averagePairwise(texts)
	}

	return clamp01(0.6*markerScore + 0.4*divergence)
}

// ParticipationRate is the fraction of the roster that contributed within the
// last `window` rounds.
func ParticipationRate(roster []Persona, contributions []Contribution, round, window int) float64 {
	if len(roster) == 0 {
		return 0
	}
	floor := round - window + 1
	spoke := make(map[string]struct{})
	for _, c := range contributions {
		if c.Round >= floor && c.Round <= round && c.Kind != KindModerator && c.Kind != KindResearch {
			spoke[c.Persona] = struct{}{}
		}
	}
	count := 0
	for _, p := range roster {
		if _, ok := spoke[p.Code]; ok {
			count++
		}
	}
	return float64(count) / float64(len(roster))
}

// SelfRepetitionScore measures how much personas are restating their own
// earlier points: the average overlap between each persona's latest
// contribution and their previous one. High values indicate circular argument.
func SelfRepetitionScore(contributions []Contribution) float64 {
	latest := make(map[string][]string) // persona -> texts in order
	for _, c := range contributions {
		if c.Kind == KindModerator || c.Kind == KindResearch {
			continue
		}
		latest[c.Persona] = append(latest[c.Persona], c.Content)
	}

	total, n := 0.0, 0
	for _, texts := range latest {
		if len(texts) < 2 {
			continue
		}
		a := tokenSet(texts[len(texts)-1])
		b := tokenSet(texts[len(texts)-2])
		total += jaccard(a, b)
		n++
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}

// =============================================================================
// DECISION ASPECT COVERAGE
// =============================================================================

// Aspect is one of the fixed decision aspects a quality deliberation covers.
type Aspect string

const (
	AspectProblemClarity Aspect = "problem_clarity"
	AspectObjectives     Aspect = "objectives"
	AspectAlternatives   Aspect = "alternatives"
	AspectAssumptions    Aspect = "assumptions"
	AspectRisks          Aspect = "risks"
	AspectConstraints    Aspect = "constraints"
	AspectStakeholders   Aspect = "stakeholder_impact"
	AspectDependencies   Aspect = "dependencies"
)

// AllAspects is the fixed evaluation set, in reporting order.
var AllAspects = []Aspect{
	AspectProblemClarity, AspectObjectives, AspectAlternatives, AspectAssumptions,
	AspectRisks, AspectConstraints, AspectStakeholders, AspectDependencies,
}

// criticalAspects block stopping while unexplored, regardless of composite.
var criticalAspects = []Aspect{AspectRisks, AspectObjectives}

var aspectKeywords = map[Aspect][]string{
	AspectProblemClarity: {"problem", "scope", "define", "clarify", "framing", "root cause"},
	AspectObjectives:     {"objective", "goal", "outcome", "success", "target", "priority"},
	AspectAlternatives:   {"alternative", "option", "instead", "approach", "another way", "versus"},
	AspectAssumptions:    {"assume", "assumption", "presume", "given that", "premise"},
	AspectRisks:          {"risk", "danger", "failure mode", "downside", "threat", "worst case", "mitigat"},
	AspectConstraints:    {"constraint", "limit", "budget", "deadline", "resource", "capacity", "regulation"},
	AspectStakeholders:   {"stakeholder", "customer", "user", "team", "impact on", "affected"},
	AspectDependencies:   {"depend", "prerequisite", "blocked", "upstream", "downstream", "sequencing"},
}

// AspectCoverage reports which decision aspects the transcript has touched.
func AspectCoverage(contributions []Contribution) map[Aspect]bool {
	var sb strings.Builder
	for _, c := range contributions {
		sb.WriteString(strings.ToLower(c.Content))
		sb.WriteByte(' ')
	}
	text := sb.String()

	covered := make(map[Aspect]bool, len(AllAspects))
	for _, aspect := range AllAspects {
		covered[aspect] = false
		for _, kw := range aspectKeywords[aspect] {
			if strings.Contains(text, kw) {
				covered[aspect] = true
				break
			}
		}
	}
	return covered
}

// CoverageFraction is the fraction of aspects covered.
func CoverageFraction(covered map[Aspect]bool) float64 {
	if len(AllAspects) == 0 {
		return 0
	}
	n := 0
	for _, aspect := range AllAspects {
		if covered[aspect] {
			n++
		}
	}
	return float64(n) / float64(len(AllAspects))
}

// FocusScore measures how on-topic the latest round is: overlap between the
// round's tokens and the problem statement's tokens, relative to the problem
// vocabulary.
func FocusScore(problem string, contributions []Contribution, round int) float64 {
	problemTokens := tokenSet(problem)
	if len(problemTokens) == 0 {
		return 0
	}
	roundTokens := make(map[string]struct{})
	for _, text := range expertTexts(contributions, round) {
		for t := range tokenSet(text) {
			roundTokens[t] = struct{}{}
		}
	}
	if len(roundTokens) == 0 {
		return 0
	}
	hit := 0
	for t := range problemTokens {
		if _, ok := roundTokens[t]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(problemTokens))
}

// =============================================================================
// HELPERS
// =============================================================================

func expertTexts(contributions []Contribution, round int) []string {
	var out []string
	for _, c := range contributions {
		if c.Round == round && c.Kind != KindModerator && c.Kind != KindResearch {
			out = append(out, c.Content)
		}
	}
	return out
}

func averagePairwise(texts []string) float64 {
	sets := make([]map[string]struct{}, len(texts))
	for i, t := range texts {
		sets[i] = tokenSet(t)
	}
	total, n := 0.0, 0
	for i := 0; i < len(sets); i++ {
		for j := i + 1; j < len(sets); j++ {
			total += jaccard(sets[i], sets[j])
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
