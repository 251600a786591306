package deliberation

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"conclave/internal/logging"
)

// ErrDependencyCycle is the fatal configuration error for cyclic sub-problem
// graphs.
var ErrDependencyCycle = errors.New("dependency cycle in sub-problems")

// Schedule topologically batches sub-problems: each batch holds the indices
// of sub-problems whose dependencies are all satisfied by earlier batches.
// Kahn-style: all currently zero-in-degree nodes form one batch, are removed,
// and in-degrees recompute. A cycle is a fatal configuration error.
func Schedule(subProblems []SubProblem) ([][]int, error) {
	n := len(subProblems)
	if n == 0 {
		return nil, nil
	}

	indexByID := make(map[string]int, n)
	for i, sp := range subProblems {
		indexByID[sp.ID] = i
	}

	inDegree := make([]int, n)
	dependents := make(map[int][]int) // dep index -> indices that wait on it
	for i, sp := range subProblems {
		for _, depID := range sp.DependsOn {
			j, ok := indexByID[depID]
			if !ok {
				return nil, fmt.Errorf("sub-problem %q depends on unknown sub-problem %q", sp.ID, depID)
			}
			if j == i {
				return nil, fmt.Errorf("sub-problem %q depends on itself: %w", sp.ID, ErrDependencyCycle)
			}
			inDegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	var batches [][]int
	emitted := 0
	done := make([]bool, n)

	for emitted < n {
		var batch []int
		for i := 0; i < n; i++ {
			if !done[i] && inDegree[i] == 0 {
				batch = append(batch, i)
			}
		}
		if len(batch) == 0 {
			return nil, fmt.Errorf("%w: %d sub-problems unschedulable", ErrDependencyCycle, n-emitted)
		}
		sort.Ints(batch)

		for _, i := range batch {
			done[i] = true
			emitted++
			for _, j := range dependents[i] {
				inDegree[j]--
			}
		}
		batches = append(batches, batch)
	}

	logging.Scheduler("Scheduled %d sub-problems into %d batches", n, len(batches))
	return batches, nil
}

// RunFunc executes one sub-problem's full deliberation against an isolated
// working state seeded with the given expert memory.
type RunFunc func(ctx context.Context, index int, expertMemory map[string]string) (*SubProblemResult, error)

// Scheduler runs batches of independent sub-problems concurrently.
type Scheduler struct {
	limit int // max concurrent sub-problems per batch
}

// NewScheduler creates a scheduler with the given concurrency limit.
func NewScheduler(limit int) *Scheduler {
	if limit < 1 {
		limit = 1
	}
	return &Scheduler{limit: limit}
}

// RunBatch executes every sub-problem in the batch concurrently. A slot's
// failure is captured in its result and does not abort siblings; the caller
// receives one result per slot, in batch order.
func (sc *Scheduler) RunBatch(ctx context.Context, subProblems []SubProblem, batch []int, expertMemory map[string]string, run RunFunc) []SubProblemResult {
	timer := logging.StartTimer(logging.CategoryScheduler, fmt.Sprintf("batch of %d", len(batch)))
	defer timer.StopWithInfo()

	results := make([]SubProblemResult, len(batch))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sc.limit)

	for slot, index := range batch {
		slot, index := slot, index
		g.Go(func() error {
			spID := subProblems[index].ID
			logging.Scheduler("Starting sub-problem %s (slot %d)", spID, slot)

			result, err := run(gctx, index, expertMemory)
			if err != nil {
				// Per-slot isolation: record the failure, let siblings run.
				logging.Scheduler("Sub-problem %s failed: %v", spID, err)
				results[slot] = SubProblemResult{SubProblemID: spID, Err: err.Error()}
				return nil
			}
			results[slot] = *result
			return nil
		})
	}

	g.Wait() // goroutines never return errors; Wait just joins

	return results
}

// MergeExpertMemory folds completed results' memory forward. Later batches
// see memory from all earlier batches, never from same-batch siblings; the
// caller merges only after a batch fully completes.
func MergeExpertMemory(base map[string]string, results []SubProblemResult) map[string]string {
	merged := make(map[string]string, len(base))
	for k, v := range base {
		merged[k] = v
	}
	for _, r := range results {
		if r.Failed() {
			continue
		}
		for persona, summary := range r.ExpertMemory {
			if existing, ok := merged[persona]; ok {
				merged[persona] = existing + "\n" + summary
			} else {
				merged[persona] = summary
			}
		}
	}
	return merged
}
