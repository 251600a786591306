package deliberation

import (
	"fmt"
	"strings"
)

// Moderator personas are not part of the expert roster; they are injected for
// a single intervention turn when the facilitator or the stopping evaluator
// asks for one.

var moderatorPersonas = map[ModeratorType]Persona{
	ModeratorClarifier: {
		Code:        "moderator-clarifier",
		Name:        "The Clarifier",
		Expertise:   "surfacing hidden ambiguity and restating positions precisely",
		Perspective: "neutral",
	},
	ModeratorChallenger: {
		Code:        "moderator-challenger",
		Name:        "The Challenger",
		Expertise:   "stress-testing the emerging consensus and naming unexamined risks",
		Perspective: "contrarian",
	},
	ModeratorSynthesizer: {
		Code:        "moderator-synthesizer",
		Name:        "The Synthesizer",
		Expertise:   "finding the common ground between opposed positions",
		Perspective: "integrative",
	},
}

// ModeratorPersona returns the persona for an intervention type. Unknown
// types get the clarifier.
func ModeratorPersona(t ModeratorType) Persona {
	if p, ok := moderatorPersonas[t]; ok {
		return p
	}
	return moderatorPersonas[ModeratorClarifier]
}

// ModeratorSystemPrompt builds the intervention system prompt.
func ModeratorSystemPrompt(t ModeratorType) string {
	p := ModeratorPersona(t)
	return fmt.Sprintf(`You are %s, a discussion moderator. Your specialty: %s.
You are not one of the debating experts. Intervene once, briefly, to move the discussion forward.
Format your response as:
%s
(your private reasoning)
%s
(your intervention, addressed to the panel)`, p.Name, p.Expertise, thinkingMarker, contributionMarker)
}

// ModeratorDirective builds the intervention directive. The focus comes from
// the facilitator's decision; stopping-evaluator guidance is folded in when
// present.
func ModeratorDirective(t ModeratorType, focus string, guidance map[string]string) string {
	var b strings.Builder

	switch t {
	case ModeratorChallenger:
		b.WriteString("Challenge the panel: name the strongest objection to the emerging position and any risk nobody has raised.")
	case ModeratorSynthesizer:
		b.WriteString("Identify the common ground across the positions taken so far and propose a bridging formulation.")
	default:
		b.WriteString("Restate the points of genuine disagreement precisely, and name any ambiguity the experts are talking past.")
	}

	if focus != "" {
		fmt.Fprintf(&b, "\n\nFocus area: %s", focus)
	}
	if direction, ok := guidance["direction"]; ok {
		fmt.Fprintf(&b, "\n\nEvaluator guidance: %s", direction)
	}
	return b.String()
}

// moderatorTypeForGuidance picks the intervention flavor from stopping
// guidance when the facilitator did not specify one: deadlock gets the
// synthesizer, stalled disagreement gets the clarifier.
func moderatorTypeForGuidance(guidance map[string]string) ModeratorType {
	if _, ok := guidance["deadlock"]; ok {
		return ModeratorSynthesizer
	}
	if _, ok := guidance["stalled"]; ok {
		return ModeratorClarifier
	}
	return ModeratorClarifier
}
