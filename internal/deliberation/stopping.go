package deliberation

import (
	"fmt"
	"strings"

	"conclave/internal/config"
	"conclave/internal/logging"
)

// participationWindow is how many recent rounds count toward the
// participation safeguard.
const participationWindow = 2

// Quality composite weights: aspect coverage dominates, convergence and focus
// refine.
const (
	weightCoverage    = 0.5
	weightConvergence = 0.3
	weightFocus       = 0.2
)

// deadlockSelfRepetition is the self-repetition level at which circular
// argument is suspected; deadlockForceLevel forces voting instead of guidance.
const (
	deadlockSelfRepetition = 0.50
	deadlockForceLevel     = 0.70
)

// StoppingRules evaluates whether a discussion round should end. Rules apply
// in fixed priority order; the first match wins.
type StoppingRules struct {
	HardCap               int
	MaxRounds             int
	MinRounds             int
	ConvergenceThreshold  float64
	NoveltyFloor          float64
	ConflictThreshold     float64
	StalledNoveltyCeiling float64
	MinParticipation      float64
	QualityComposite      float64
}

// NewStoppingRules builds the evaluator from configuration.
func NewStoppingRules(d config.DeliberationConfig, s config.StoppingConfig) *StoppingRules {
	return &StoppingRules{
		HardCap:               d.HardCapRounds,
		MaxRounds:             d.MaxRounds,
		MinRounds:             d.MinRounds,
		ConvergenceThreshold:  s.ConvergenceThreshold,
		NoveltyFloor:          s.NoveltyFloor,
		ConflictThreshold:     s.ConflictThreshold,
		StalledNoveltyCeiling: s.StalledNoveltyCeiling,
		MinParticipation:      s.MinParticipation,
		QualityComposite:      s.QualityComposite,
	}
}

// Evaluate runs the stopping rules against the session's current sub-problem
// state after a completed round. It updates the session's stalled streak as a
// side effect so the count survives checkpoints.
func (r *StoppingRules) Evaluate(s *Session) StoppingDecision {
	round := s.Round
	convergence := ConvergenceScore(s.Contributions, round)
	novelty := NoveltyScore(s.Contributions, round)
	conflict := ConflictScore(s.Contributions, round)
	participation := ParticipationRate(s.Personas, s.Contributions, round, participationWindow)
	selfRepetition := SelfRepetitionScore(s.Contributions)

	logging.Stopping("Round %d scores: convergence=%.2f novelty=%.2f conflict=%.2f participation=%.2f self_repetition=%.2f",
		round, convergence, novelty, conflict, participation, selfRepetition)

	// Stalled streak is maintained regardless of which rule fires.
	if conflict > r.ConflictThreshold && novelty < r.StalledNoveltyCeiling {
		s.StalledStreak++
	} else {
		s.StalledStreak = 0
	}

	// 1. Hard cap. Absolute ceiling, independent of user configuration.
	if round >= r.HardCap {
		logging.Stopping("Round %d: hard cap %d reached", round, r.HardCap)
		return StoppingDecision{ShouldStop: true, Reason: StopHardCap}
	}

	// 2. Configured max rounds.
	if round >= r.MaxRounds {
		logging.Stopping("Round %d: max rounds %d reached", round, r.MaxRounds)
		return StoppingDecision{ShouldStop: true, Reason: StopMaxRounds}
	}

	// 3. Early exit: strong convergence with nothing new being said, before
	// the minimum-round threshold. Stops early to save cost.
	if round < r.MinRounds && convergence >= r.ConvergenceThreshold && novelty < r.NoveltyFloor {
		logging.Stopping("Round %d: early convergence (convergence=%.2f novelty=%.2f)", round, convergence, novelty)
		return StoppingDecision{ShouldStop: true, Reason: StopEarlyConv}
	}

	// 4. Deadlock: personas restating their own points at each other.
	if round >= r.MinRounds && selfRepetition >= deadlockSelfRepetition && conflict >= r.ConflictThreshold {
		if selfRepetition >= deadlockForceLevel {
			logging.Stopping("Round %d: deadlock, forcing vote (self_repetition=%.2f)", round, selfRepetition)
			return StoppingDecision{ShouldStop: true, Reason: StopDeadlock}
		}
		logging.Stopping("Round %d: deadlock suspected, requesting intervention", round)
		return StoppingDecision{
			ShouldStop: false,
			Reason:     StopDeadlock,
			Guidance: map[string]string{
				"deadlock":  "circular argument detected",
				"direction": "break the loop: ask each expert to name one point from an opposing view they accept",
			},
		}
	}

	// 5. Stalled disagreement: high conflict, low novelty, sustained.
	if s.StalledStreak >= 3 {
		logging.Stopping("Round %d: stalled disagreement for %d rounds, forcing synthesis", round, s.StalledStreak)
		return StoppingDecision{ShouldStop: true, Reason: StopStalled}
	}
	if s.StalledStreak == 2 {
		logging.Stopping("Round %d: stalled disagreement, issuing guidance", round)
		return StoppingDecision{
			ShouldStop: false,
			Reason:     StopStalled,
			Guidance: map[string]string{
				"stalled":   "disagreement without new arguments",
				"direction": "seek common ground or propose conditional recommendations (\"X if A, Y if B\")",
			},
		}
	}

	// 6. Convergence threshold, gated by two diversity safeguards. Either
	// safeguard failing keeps the deliberation open even at high convergence.
	if round >= r.MinRounds && convergence > r.ConvergenceThreshold {
		if participation < r.MinParticipation {
			logging.Stopping("Round %d: convergence %.2f but participation %.2f below %.2f, continuing",
				round, convergence, participation, r.MinParticipation)
		} else if novelty >= r.NoveltyFloor {
			logging.Stopping("Round %d: convergence %.2f but novelty %.2f still above floor, continuing",
				round, convergence, novelty)
		} else {
			logging.Stopping("Round %d: consensus reached (convergence=%.2f)", round, convergence)
			return StoppingDecision{ShouldStop: true, Reason: StopConsensus}
		}
	}

	// 7. Multi-criteria quality thresholds, once enough material exists.
	if decision, ok := r.evaluateQuality(s, convergence); ok {
		return decision
	}

	return StoppingDecision{ShouldStop: false}
}

// evaluateQuality applies the weighted aspect-coverage composite. Critical
// aspects left unexplored block stopping even when the composite is high.
func (r *StoppingRules) evaluateQuality(s *Session, convergence float64) (StoppingDecision, bool) {
	experts := 0
	for _, c := range s.Contributions {
		if c.Kind != KindModerator && c.Kind != KindResearch {
			experts++
		}
	}
	if experts < 3 {
		return StoppingDecision{}, false
	}

	covered := AspectCoverage(s.Contributions)
	coverage := CoverageFraction(covered)
	focus := FocusScore(s.Problem, s.Contributions, s.Round)
	composite := weightCoverage*coverage + weightConvergence*convergence + weightFocus*focus

	logging.StoppingDebug("Round %d quality: coverage=%.2f focus=%.2f composite=%.2f",
		s.Round, coverage, focus, composite)

	if composite < r.QualityComposite {
		return StoppingDecision{}, false
	}

	var missing []string
	for _, aspect := range criticalAspects {
		if !covered[aspect] {
			missing = append(missing, string(aspect))
		}
	}
	if len(missing) > 0 {
		logging.Stopping("Round %d: quality composite %.2f met but critical aspects unexplored: %s",
			s.Round, composite, strings.Join(missing, ", "))
		return StoppingDecision{
			ShouldStop: false,
			Reason:     StopQualityMet,
			Guidance: map[string]string{
				"unexplored": strings.Join(missing, ", "),
				"direction":  fmt.Sprintf("the discussion has not yet examined: %s", strings.Join(missing, ", ")),
			},
		}, true
	}

	logging.Stopping("Round %d: quality thresholds met (composite=%.2f)", s.Round, composite)
	return StoppingDecision{ShouldStop: true, Reason: StopQualityMet}, true
}
