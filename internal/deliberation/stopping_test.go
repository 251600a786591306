package deliberation

import (
	"strings"
	"testing"
)

func newTestRules() *StoppingRules {
	cfg := testConfig()
	return NewStoppingRules(cfg.Deliberation, cfg.Stopping)
}

// sayRounds adds identical contributions from both panel members for each of
// the given rounds.
func sayRounds(s *Session, text string, rounds ...int) {
	for _, r := range rounds {
		say(s, "economist", r, text)
		say(s, "engineer", r, text)
	}
}

func TestHardCapBeatsEverything(t *testing.T) {
	rules := newTestRules()
	s := testSession(15)
	// Even perfect consensus conditions lose to the hard cap.
	sayRounds(s, "adopt rolling deployments with feature flags", 14, 15)

	d := rules.Evaluate(s)
	if !d.ShouldStop || d.Reason != StopHardCap {
		t.Fatalf("decision = %+v, want stop with hard_cap", d)
	}
}

func TestMaxRoundsStops(t *testing.T) {
	rules := newTestRules()
	s := testSession(8)
	say(s, "economist", 8, "still talking")

	d := rules.Evaluate(s)
	if !d.ShouldStop || d.Reason != StopMaxRounds {
		t.Fatalf("decision = %+v, want stop with max_rounds", d)
	}
}

func TestEarlyConvergenceBeforeMinRounds(t *testing.T) {
	rules := newTestRules()
	s := testSession(2)
	sayRounds(s, "adopt rolling deployments with feature flags today", 1, 2)

	d := rules.Evaluate(s)
	if !d.ShouldStop || d.Reason != StopEarlyConv {
		t.Fatalf("decision = %+v, want stop with early_convergence", d)
	}
}

func TestConsensusAfterMinRounds(t *testing.T) {
	rules := newTestRules()
	s := testSession(3)
	sayRounds(s, "adopt rolling deployments with feature flags today", 1, 2, 3)

	d := rules.Evaluate(s)
	if !d.ShouldStop || d.Reason != StopConsensus {
		t.Fatalf("decision = %+v, want stop with consensus", d)
	}
}

func TestConsensusBlockedByLowParticipation(t *testing.T) {
	rules := newTestRules()
	s := testSession(3)
	s.Personas = append(s.Personas,
		Persona{Code: "strategist", Name: "The Strategist"},
		Persona{Code: "analyst", Name: "The Analyst"},
	)
	// Only half the roster is speaking.
	sayRounds(s, "adopt rolling deployments with feature flags today", 1, 2, 3)

	d := rules.Evaluate(s)
	if d.ShouldStop {
		t.Fatalf("decision = %+v, low participation must keep the discussion open", d)
	}
}

func TestConsensusBlockedByHighNovelty(t *testing.T) {
	rules := newTestRules()
	s := testSession(3)
	sayRounds(s, "alpha beta gamma delta epsilon", 1, 2)
	// The panel agrees, but on brand-new material.
	sayRounds(s, "switch entirely toward canary releases instead", 3)

	d := rules.Evaluate(s)
	if d.ShouldStop {
		t.Fatalf("decision = %+v, high novelty must keep the discussion open", d)
	}
}

func TestDeadlockGuidanceBeforeForcing(t *testing.T) {
	rules := newTestRules()
	s := testSession(3)
	say(s, "economist", 2, "disagree alpha beta gamma delta")
	say(s, "engineer", 2, "disagree oneone twotwo three four")
	say(s, "economist", 3, "disagree alpha beta gamma zeta")
	say(s, "engineer", 3, "disagree oneone twotwo three five")

	d := rules.Evaluate(s)
	if d.ShouldStop {
		t.Fatalf("decision = %+v, moderate self-repetition should request intervention", d)
	}
	if d.Reason != StopDeadlock {
		t.Errorf("reason = %s, want deadlock", d.Reason)
	}
	if d.Guidance["deadlock"] == "" || d.Guidance["direction"] == "" {
		t.Errorf("guidance = %v, want deadlock direction", d.Guidance)
	}
	if s.StalledStreak != 1 {
		t.Errorf("stalled streak = %d, want 1", s.StalledStreak)
	}
}

func TestDeadlockForcesVoteAtHighRepetition(t *testing.T) {
	rules := newTestRules()
	s := testSession(3)
	say(s, "economist", 2, "disagree alpha beta gamma")
	say(s, "engineer", 2, "disagree oneone twotwo three")
	say(s, "economist", 3, "disagree alpha beta gamma")
	say(s, "engineer", 3, "disagree oneone twotwo three")

	d := rules.Evaluate(s)
	if !d.ShouldStop || d.Reason != StopDeadlock {
		t.Fatalf("decision = %+v, want forced stop with deadlock", d)
	}
}

// stalledSession builds a round where experts swap each other's arguments:
// high conflict, zero novelty, but low self-repetition so the deadlock rule
// stays quiet.
func stalledSession(streak int) *Session {
	s := testSession(3)
	s.StalledStreak = streak
	say(s, "economist", 1, "disagree alpha beta gamma")
	say(s, "engineer", 1, "disagree oneone twotwo three")
	say(s, "economist", 2, "disagree oneone twotwo three")
	say(s, "engineer", 2, "disagree alpha beta gamma")
	say(s, "economist", 3, "disagree alpha beta gamma")
	say(s, "engineer", 3, "disagree oneone twotwo three")
	return s
}

func TestStalledDisagreementGuidanceAtTwoRounds(t *testing.T) {
	rules := newTestRules()
	s := stalledSession(1)

	d := rules.Evaluate(s)
	if s.StalledStreak != 2 {
		t.Fatalf("stalled streak = %d, want 2", s.StalledStreak)
	}
	if d.ShouldStop {
		t.Fatalf("decision = %+v, two stalled rounds get guidance, not a stop", d)
	}
	if d.Reason != StopStalled || d.Guidance["stalled"] == "" {
		t.Errorf("decision = %+v, want stalled guidance", d)
	}
}

func TestStalledDisagreementForcesSynthesisAtThree(t *testing.T) {
	rules := newTestRules()
	s := stalledSession(2)

	d := rules.Evaluate(s)
	if !d.ShouldStop || d.Reason != StopStalled {
		t.Fatalf("decision = %+v, want forced stop after three stalled rounds", d)
	}
}

const fullCoverageText = "our problem and objective are clear, the alternative options, " +
	"assumptions, risks, constraints, stakeholder impact and dependencies all support " +
	"the deployment strategy we choose"

func qualitySession() *Session {
	s := testSession(3)
	s.Personas = append(s.Personas, Persona{Code: "strategist", Name: "The Strategist"})
	return s
}

func TestQualityCompositeStops(t *testing.T) {
	rules := newTestRules()
	s := qualitySession()
	for _, p := range s.Personas {
		say(s, p.Code, 3, fullCoverageText)
	}

	d := rules.Evaluate(s)
	if !d.ShouldStop || d.Reason != StopQualityMet {
		t.Fatalf("decision = %+v, want stop with quality_threshold_met", d)
	}
}

func TestQualityGuardrailOnCriticalAspects(t *testing.T) {
	text := "our problem and objective are clear, the alternative options, assumptions, " +
		"constraints, stakeholder impact and dependencies all support the deployment " +
		"strategy we choose"

	rules := newTestRules()
	s := qualitySession()
	for _, p := range s.Personas {
		say(s, p.Code, 3, text)
	}

	d := rules.Evaluate(s)
	if d.ShouldStop {
		t.Fatalf("decision = %+v, unexplored risks must block stopping", d)
	}
	if !strings.Contains(d.Guidance["unexplored"], string(AspectRisks)) {
		t.Errorf("guidance = %v, want risks flagged as unexplored", d.Guidance)
	}
}

func TestNoRuleFiresEarly(t *testing.T) {
	rules := newTestRules()
	s := testSession(1)
	say(s, "economist", 1, "alpha beta gamma")
	say(s, "engineer", 1, "delta epsilon zeta")

	d := rules.Evaluate(s)
	if d.ShouldStop {
		t.Fatalf("decision = %+v, a fresh divergent round must continue", d)
	}
}
