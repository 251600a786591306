package deliberation

import (
	"math"
	"testing"
)

func almostEqual(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestTokenSetFiltersNoise(t *testing.T) {
	set := tokenSet("The migration IS a big risk, to be sure!")
	for _, want := range []string{"migration", "big", "risk", "sure"} {
		if _, ok := set[want]; !ok {
			t.Errorf("missing token %q", want)
		}
	}
	for _, drop := range []string{"the", "is", "a", "to", "be"} {
		if _, ok := set[drop]; ok {
			t.Errorf("stopword or short token %q kept", drop)
		}
	}
}

func TestJaccard(t *testing.T) {
	a := tokenSet("alpha beta gamma")
	b := tokenSet("alpha beta gamma")
	if got := jaccard(a, b); !almostEqual(got, 1) {
		t.Errorf("identical sets = %.3f, want 1", got)
	}

	c := tokenSet("delta epsilon zeta")
	if got := jaccard(a, c); !almostEqual(got, 0) {
		t.Errorf("disjoint sets = %.3f, want 0", got)
	}

	if got := jaccard(nil, nil); got != 0 {
		t.Errorf("empty sets = %.3f, want 0", got)
	}
}

func TestConvergenceScore(t *testing.T) {
	s := testSession(2)
	say(s, "economist", 2, "adopt rolling deployments with feature flags")
	say(s, "engineer", 2, "adopt rolling deployments with feature flags")
	if got := ConvergenceScore(s.Contributions, 2); !almostEqual(got, 1) {
		t.Errorf("identical round = %.3f, want 1", got)
	}

	s2 := testSession(2)
	say(s2, "economist", 2, "alpha beta gamma delta")
	say(s2, "engineer", 2, "epsilon zeta eta theta")
	if got := ConvergenceScore(s2.Contributions, 2); !almostEqual(got, 0) {
		t.Errorf("disjoint round = %.3f, want 0", got)
	}
}

func TestConvergenceSingleSpeakerComparesPreviousRound(t *testing.T) {
	s := testSession(2)
	say(s, "economist", 1, "alpha beta gamma delta")
	say(s, "engineer", 2, "alpha beta gamma delta")
	if got := ConvergenceScore(s.Contributions, 2); !almostEqual(got, 1) {
		t.Errorf("single speaker vs previous round = %.3f, want 1", got)
	}
}

func TestNoveltyScore(t *testing.T) {
	s := testSession(1)
	say(s, "economist", 1, "anything at all")
	if got := NoveltyScore(s.Contributions, 1); !almostEqual(got, 1) {
		t.Errorf("first round novelty = %.3f, want 1", got)
	}

	say(s, "economist", 2, "anything at all")
	if got := NoveltyScore(s.Contributions, 2); !almostEqual(got, 0) {
		t.Errorf("pure repetition novelty = %.3f, want 0", got)
	}

	say(s, "economist", 3, "completely fresh material here")
	if got := NoveltyScore(s.Contributions, 3); got < 0.99 {
		t.Errorf("fresh round novelty = %.3f, want ~1", got)
	}
}

func TestNoveltyIgnoresModeratorAndResearch(t *testing.T) {
	s := testSession(2)
	say(s, "economist", 1, "alpha beta gamma")
	s.Contributions = append(s.Contributions, Contribution{
		Persona: "moderator-clarifier", Content: "novel moderator words", Kind: KindModerator, Round: 2,
	})
	say(s, "economist", 2, "alpha beta gamma")
	if got := NoveltyScore(s.Contributions, 2); !almostEqual(got, 0) {
		t.Errorf("moderator text must not count as novelty, got %.3f", got)
	}
}

func TestConflictScore(t *testing.T) {
	s := testSession(2)
	say(s, "economist", 2, "i disagree entirely, rolling deployment invites chaos")
	say(s, "engineer", 2, "push back on that claim, blue green swaps remain safer")
	if got := ConflictScore(s.Contributions, 2); got < 0.7 {
		t.Errorf("marked divergent round = %.3f, want >= 0.7", got)
	}

	s2 := testSession(2)
	say(s2, "economist", 2, "rolling deployments look right")
	say(s2, "engineer", 2, "rolling deployments look right")
	if got := ConflictScore(s2.Contributions, 2); got > 0.1 {
		t.Errorf("harmonious round = %.3f, want ~0", got)
	}
}

func TestParticipationRateWindow(t *testing.T) {
	s := testSession(4)
	s.Personas = append(s.Personas, Persona{Code: "strategist", Name: "The Strategist"})
	say(s, "economist", 3, "point")
	say(s, "engineer", 4, "point")
	// strategist last spoke outside the window
	say(s, "strategist", 1, "point")

	got := ParticipationRate(s.Personas, s.Contributions, 4, 2)
	if !almostEqual(got, 2.0/3.0) {
		t.Errorf("participation = %.3f, want 0.667", got)
	}
}

func TestSelfRepetitionScore(t *testing.T) {
	s := testSession(3)
	say(s, "economist", 2, "alpha beta gamma delta")
	say(s, "economist", 3, "alpha beta gamma delta")
	if got := SelfRepetitionScore(s.Contributions); !almostEqual(got, 1) {
		t.Errorf("verbatim repeat = %.3f, want 1", got)
	}

	s2 := testSession(3)
	say(s2, "economist", 2, "alpha beta gamma delta")
	say(s2, "economist", 3, "epsilon zeta eta theta")
	if got := SelfRepetitionScore(s2.Contributions); !almostEqual(got, 0) {
		t.Errorf("fresh argument = %.3f, want 0", got)
	}

	if got := SelfRepetitionScore(nil); got != 0 {
		t.Errorf("no history = %.3f, want 0", got)
	}
}

func TestAspectCoverage(t *testing.T) {
	s := testSession(1)
	say(s, "economist", 1, "the main risk is vendor lock in, and our objective stays cost reduction")

	covered := AspectCoverage(s.Contributions)
	if !covered[AspectRisks] {
		t.Error("risks should be covered")
	}
	if !covered[AspectObjectives] {
		t.Error("objectives should be covered")
	}
	if covered[AspectDependencies] {
		t.Error("dependencies should not be covered")
	}

	if got := CoverageFraction(covered); got >= 1 || got <= 0 {
		t.Errorf("coverage fraction = %.3f, want partial", got)
	}
}

func TestFocusScore(t *testing.T) {
	problem := "choose database migration strategy"
	s := testSession(1)
	say(s, "economist", 1, "we choose the database migration strategy that preserves uptime")
	if got := FocusScore(problem, s.Contributions, 1); !almostEqual(got, 1) {
		t.Errorf("on-topic focus = %.3f, want 1", got)
	}

	s2 := testSession(1)
	say(s2, "economist", 1, "unrelated musings about lunch")
	if got := FocusScore(problem, s2.Contributions, 1); !almostEqual(got, 0) {
		t.Errorf("off-topic focus = %.3f, want 0", got)
	}
}
