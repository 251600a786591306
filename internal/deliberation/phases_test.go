package deliberation

import (
	"strings"
	"testing"
)

func TestParseSubProblems(t *testing.T) {
	text := `Here is the breakdown:
SUBPROBLEM: sp1 | Storage | Pick the storage engine | depends=none
SUBPROBLEM: sp2 | Transport | Pick the transport | depends=sp1
SUBPROBLEM: sp3 | Rollout | Plan the rollout | depends=sp1, sp2
garbage line
SUBPROBLEM: malformed`

	subs := parseSubProblems(text)
	if len(subs) != 3 {
		t.Fatalf("parsed %d sub-problems, want 3", len(subs))
	}
	if subs[0].ID != "sp1" || subs[0].Title != "Storage" || subs[0].Statement != "Pick the storage engine" {
		t.Errorf("sp1 = %+v", subs[0])
	}
	if len(subs[0].DependsOn) != 0 {
		t.Errorf("depends=none must parse to no dependencies, got %v", subs[0].DependsOn)
	}
	if len(subs[1].DependsOn) != 1 || subs[1].DependsOn[0] != "sp1" {
		t.Errorf("sp2 depends = %v", subs[1].DependsOn)
	}
	if len(subs[2].DependsOn) != 2 {
		t.Errorf("sp3 depends = %v", subs[2].DependsOn)
	}
}

func TestParseSubProblemsSkipsDuplicates(t *testing.T) {
	text := "SUBPROBLEM: sp1 | A | first | depends=none\nSUBPROBLEM: sp1 | B | second | depends=none"
	subs := parseSubProblems(text)
	if len(subs) != 1 || subs[0].Title != "A" {
		t.Errorf("duplicate ids must keep the first entry, got %+v", subs)
	}
}

func TestParseSubProblemsCapsAtFive(t *testing.T) {
	var b strings.Builder
	for _, id := range []string{"sp1", "sp2", "sp3", "sp4", "sp5", "sp6", "sp7"} {
		b.WriteString("SUBPROBLEM: " + id + " | T | statement | depends=none\n")
	}
	if subs := parseSubProblems(b.String()); len(subs) != 5 {
		t.Errorf("parsed %d sub-problems, want the cap of 5", len(subs))
	}
}

func TestParseSubProblemsUnstructured(t *testing.T) {
	if subs := parseSubProblems("no structure at all"); subs != nil {
		t.Errorf("unstructured text must parse to nothing, got %+v", subs)
	}
}

func TestParsePersonas(t *testing.T) {
	text := `PERSONA: Security Architect | The Security Architect | threat modeling | attack surface
PERSONA: sre | The SRE | reliability engineering | operational load
not a persona line`

	personas := parsePersonas(text, 5)
	if len(personas) != 2 {
		t.Fatalf("parsed %d personas, want 2", len(personas))
	}
	if personas[0].Code != "security-architect" {
		t.Errorf("code = %q, want slugified", personas[0].Code)
	}
	if personas[1].Perspective != "operational load" {
		t.Errorf("perspective = %q", personas[1].Perspective)
	}
}

func TestParsePersonasHonorsCap(t *testing.T) {
	var b strings.Builder
	for _, code := range []string{"one", "two", "three", "four"} {
		b.WriteString("PERSONA: " + code + " | The " + code + " | field | view\n")
	}
	if personas := parsePersonas(b.String(), 3); len(personas) != 3 {
		t.Errorf("parsed %d personas, want the cap of 3", len(personas))
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Security Architect", "security-architect"},
		{"  sre  ", "sre"},
		{"Cost/Benefit Analyst!", "costbenefit-analyst"},
		{"already-slugged", "already-slugged"},
	}
	for _, tt := range tests {
		if got := slugify(tt.in); got != tt.want {
			t.Errorf("slugify(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRoundKind(t *testing.T) {
	if roundKind(1) != KindInitial {
		t.Error("round 1 is the initial round")
	}
	if roundKind(2) != KindResponse {
		t.Error("later rounds are responses")
	}
}

func TestModeratorPersonaFallback(t *testing.T) {
	p := ModeratorPersona(ModeratorType("unknown"))
	if p.Code != "moderator-clarifier" {
		t.Errorf("unknown type = %s, want the clarifier", p.Code)
	}
}

func TestModeratorDirective(t *testing.T) {
	d := ModeratorDirective(ModeratorChallenger, "the rollback path", map[string]string{"direction": "name one accepted point"})
	if !strings.Contains(d, "Challenge the panel") {
		t.Errorf("directive = %q, want the challenger framing", d)
	}
	if !strings.Contains(d, "the rollback path") {
		t.Error("focus missing from the directive")
	}
	if !strings.Contains(d, "name one accepted point") {
		t.Error("evaluator guidance missing from the directive")
	}
}

func TestModeratorTypeForGuidance(t *testing.T) {
	if got := moderatorTypeForGuidance(map[string]string{"deadlock": "x"}); got != ModeratorSynthesizer {
		t.Errorf("deadlock guidance = %s, want synthesizer", got)
	}
	if got := moderatorTypeForGuidance(map[string]string{"stalled": "x"}); got != ModeratorClarifier {
		t.Errorf("stalled guidance = %s, want clarifier", got)
	}
	if got := moderatorTypeForGuidance(nil); got != ModeratorClarifier {
		t.Errorf("no guidance = %s, want clarifier", got)
	}
}
