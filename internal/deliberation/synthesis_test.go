package deliberation

import (
	"context"
	"strings"
	"testing"
)

func TestParseVote(t *testing.T) {
	rec := parseVote("economist", "POSITION: Adopt rolling deployments.\nCONFIDENCE: 0.85\nCONDITIONS: none")
	if rec.Position != "Adopt rolling deployments." {
		t.Errorf("position = %q", rec.Position)
	}
	if rec.Confidence != 0.85 {
		t.Errorf("confidence = %v", rec.Confidence)
	}
	if rec.Conditions != "" {
		t.Errorf("conditions = %q, 'none' must clear", rec.Conditions)
	}
}

func TestParseVoteConditions(t *testing.T) {
	rec := parseVote("engineer", "POSITION: Delay the cutover.\nCONFIDENCE: 0.6\nCONDITIONS: unless staging soak passes")
	if rec.Conditions != "unless staging soak passes" {
		t.Errorf("conditions = %q", rec.Conditions)
	}
}

func TestParseVoteMalformed(t *testing.T) {
	rec := parseVote("economist", "I lean toward shipping it now, all things considered.")
	if rec.Position == "" {
		t.Error("malformed vote should degrade to the text as position")
	}
	if rec.Confidence != 0.5 {
		t.Errorf("confidence = %v, want the neutral default", rec.Confidence)
	}
}

func TestParseConfidence(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"0.8", 0.8},
		{"80%", 0.8},
		{"0.9/1.0", 0.9},
		{"75", 0.75},
		{"1.5", 0.015},
		{"high", 0.5},
	}
	for _, tt := range tests {
		if got := parseConfidence(tt.in, 0.5); got != tt.want {
			t.Errorf("parseConfidence(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestCollectVote(t *testing.T) {
	inv := &fakeInvoker{scripts: []fakeReply{
		{text: "POSITION: Adopt rolling deployments.\nCONFIDENCE: 0.9\nCONDITIONS: none"},
	}}
	sy := NewSynthesizer(newFakeBroker(inv), 0.7, 1024)

	s := testSession(3)
	say(s, "economist", 3, "final thoughts")

	rec, err := sy.CollectVote(context.Background(), s, s.Personas[0])
	if err != nil {
		t.Fatalf("CollectVote failed: %v", err)
	}
	if rec.Persona != "economist" {
		t.Errorf("persona = %s", rec.Persona)
	}
	if rec.Confidence != 0.9 {
		t.Errorf("confidence = %v", rec.Confidence)
	}
	if s.Metrics.Calls != 1 {
		t.Errorf("metrics calls = %d, vote must be counted", s.Metrics.Calls)
	}
}

func TestSynthesizeMarksLowConfidenceVotes(t *testing.T) {
	inv := &fakeInvoker{scripts: []fakeReply{
		{text: "Proceed with rolling deployments, revisit if error budgets burn."},
	}}
	sy := NewSynthesizer(newFakeBroker(inv), 0.7, 1024)

	s := testSession(3)
	say(s, "economist", 3, "support it")
	votes := []Recommendation{
		{Persona: "economist", Position: "Adopt it.", Confidence: 0.9},
		{Persona: "engineer", Position: "Not convinced.", Confidence: 0.3},
	}

	out, err := sy.Synthesize(context.Background(), s, votes)
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if out == "" {
		t.Fatal("empty synthesis")
	}
	prompt := inv.call(0).UserMessage
	if !strings.Contains(prompt, "[low confidence]") {
		t.Error("low-confidence vote not marked in the synthesis prompt")
	}
	if !strings.Contains(prompt, "Adopt it.") || !strings.Contains(prompt, "Not convinced.") {
		t.Error("votes missing from the synthesis prompt")
	}
}

func TestMetaSynthesizeAtomicShortcut(t *testing.T) {
	inv := &fakeInvoker{}
	sy := NewSynthesizer(newFakeBroker(inv), 0.7, 1024)

	s := testSession(3)
	s.Results = []SubProblemResult{{SubProblemID: "sp1", Synthesis: "the single answer"}}

	report, err := sy.MetaSynthesize(context.Background(), s)
	if err != nil {
		t.Fatalf("MetaSynthesize failed: %v", err)
	}
	if report != "the single answer" {
		t.Errorf("report = %q, atomic sessions reuse the single synthesis", report)
	}
	if inv.callCount() != 0 {
		t.Errorf("calls = %d, the atomic shortcut must not call the model", inv.callCount())
	}
}

func TestMetaSynthesizeNamesFailedSubProblems(t *testing.T) {
	inv := &fakeInvoker{scripts: []fakeReply{{text: "Unified final report."}}}
	sy := NewSynthesizer(newFakeBroker(inv), 0.7, 1024)

	s := testSession(3)
	s.SubProblems = []SubProblem{
		{ID: "sp1", Title: "Storage"},
		{ID: "sp2", Title: "Transport"},
	}
	s.Results = []SubProblemResult{
		{SubProblemID: "sp1", Synthesis: "use sqlite"},
		{SubProblemID: "sp2", Err: "providers unavailable"},
	}

	report, err := sy.MetaSynthesize(context.Background(), s)
	if err != nil {
		t.Fatalf("MetaSynthesize failed: %v", err)
	}
	if report != "Unified final report." {
		t.Errorf("report = %q", report)
	}
	prompt := inv.call(0).UserMessage
	if !strings.Contains(prompt, "deliberation failed: providers unavailable") {
		t.Error("failed sub-problem not surfaced in the meta-synthesis prompt")
	}
	if !strings.Contains(prompt, "use sqlite") {
		t.Error("completed synthesis missing from the meta-synthesis prompt")
	}
}

func TestBuildExpertMemory(t *testing.T) {
	s := testSession(3)
	say(s, "economist", 1, "early position")
	say(s, "economist", 3, "final position on cost")

	memory := BuildExpertMemory(s)
	if memory["economist"] != "final position on cost" {
		t.Errorf("memory = %q, want the latest contribution", memory["economist"])
	}
	if _, ok := memory["engineer"]; ok {
		t.Error("silent personas must not appear in memory")
	}
}
