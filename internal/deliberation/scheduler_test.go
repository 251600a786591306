package deliberation

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"
)

func TestScheduleDiamond(t *testing.T) {
	subs := []SubProblem{
		{ID: "sp1", Statement: "root"},
		{ID: "sp2", Statement: "left", DependsOn: []string{"sp1"}},
		{ID: "sp3", Statement: "right", DependsOn: []string{"sp1"}},
		{ID: "sp4", Statement: "join", DependsOn: []string{"sp2", "sp3"}},
	}

	batches, err := Schedule(subs)
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	want := [][]int{{0}, {1, 2}, {3}}
	if !reflect.DeepEqual(batches, want) {
		t.Errorf("batches = %v, want %v", batches, want)
	}
}

func TestScheduleIndependent(t *testing.T) {
	subs := []SubProblem{
		{ID: "sp1", Statement: "a"},
		{ID: "sp2", Statement: "b"},
		{ID: "sp3", Statement: "c"},
	}

	batches, err := Schedule(subs)
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if len(batches) != 1 || len(batches[0]) != 3 {
		t.Errorf("independent sub-problems should form one batch, got %v", batches)
	}
}

func TestScheduleEmpty(t *testing.T) {
	batches, err := Schedule(nil)
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if batches != nil {
		t.Errorf("expected nil batches, got %v", batches)
	}
}

func TestScheduleUnknownDependency(t *testing.T) {
	subs := []SubProblem{
		{ID: "sp1", Statement: "a", DependsOn: []string{"sp9"}},
	}
	if _, err := Schedule(subs); err == nil {
		t.Fatal("expected error for unknown dependency")
	}
}

func TestScheduleCycleIsFatal(t *testing.T) {
	subs := []SubProblem{
		{ID: "sp1", Statement: "a", DependsOn: []string{"sp2"}},
		{ID: "sp2", Statement: "b", DependsOn: []string{"sp1"}},
	}
	_, err := Schedule(subs)
	if !errors.Is(err, ErrDependencyCycle) {
		t.Fatalf("expected ErrDependencyCycle, got %v", err)
	}
}

func TestScheduleSelfDependency(t *testing.T) {
	subs := []SubProblem{{ID: "sp1", Statement: "a", DependsOn: []string{"sp1"}}}
	_, err := Schedule(subs)
	if !errors.Is(err, ErrDependencyCycle) {
		t.Fatalf("expected ErrDependencyCycle, got %v", err)
	}
}

func TestRunBatchIsolatesFailures(t *testing.T) {
	subs := []SubProblem{
		{ID: "sp1", Statement: "a"},
		{ID: "sp2", Statement: "b"},
		{ID: "sp3", Statement: "c"},
	}

	sc := NewScheduler(4)
	results := sc.RunBatch(context.Background(), subs, []int{0, 1, 2}, nil,
		func(_ context.Context, index int, _ map[string]string) (*SubProblemResult, error) {
			if index == 1 {
				return nil, fmt.Errorf("slot exploded")
			}
			return &SubProblemResult{SubProblemID: subs[index].ID, Synthesis: "ok"}, nil
		})

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Failed() || results[2].Failed() {
		t.Errorf("healthy slots should succeed: %+v", results)
	}
	if !results[1].Failed() {
		t.Fatal("failed slot should carry its error")
	}
	if results[1].SubProblemID != "sp2" {
		t.Errorf("failed result attributed to %s, want sp2", results[1].SubProblemID)
	}
	if results[1].Err != "slot exploded" {
		t.Errorf("Err = %q", results[1].Err)
	}
}

func TestRunBatchHonorsConcurrencyLimit(t *testing.T) {
	subs := []SubProblem{
		{ID: "sp1"}, {ID: "sp2"}, {ID: "sp3"}, {ID: "sp4"},
	}

	var mu sync.Mutex
	active, peak := 0, 0

	sc := NewScheduler(2)
	sc.RunBatch(context.Background(), subs, []int{0, 1, 2, 3}, nil,
		func(_ context.Context, index int, _ map[string]string) (*SubProblemResult, error) {
			mu.Lock()
			active++
			if active > peak {
				peak = active
			}
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
			return &SubProblemResult{SubProblemID: subs[index].ID}, nil
		})

	if peak > 2 {
		t.Errorf("peak concurrency %d exceeds limit 2", peak)
	}
}

func TestRunBatchSeesSharedMemoryNotSiblings(t *testing.T) {
	subs := []SubProblem{{ID: "sp2"}, {ID: "sp3"}}
	base := map[string]string{"economist": "from sp1"}

	sc := NewScheduler(2)
	results := sc.RunBatch(context.Background(), subs, []int{0, 1}, base,
		func(_ context.Context, index int, mem map[string]string) (*SubProblemResult, error) {
			if mem["economist"] != "from sp1" {
				t.Errorf("slot %d missing earlier-batch memory", index)
			}
			return &SubProblemResult{
				SubProblemID: subs[index].ID,
				ExpertMemory: map[string]string{"economist": "from " + subs[index].ID},
			}, nil
		})

	// Sibling memory merges only after the batch completes.
	merged := MergeExpertMemory(base, results)
	if merged["economist"] != "from sp1\nfrom sp2\nfrom sp3" {
		t.Errorf("merged memory = %q", merged["economist"])
	}
}

func TestMergeExpertMemorySkipsFailures(t *testing.T) {
	base := map[string]string{"engineer": "baseline"}
	results := []SubProblemResult{
		{SubProblemID: "sp1", ExpertMemory: map[string]string{"engineer": "good"}},
		{SubProblemID: "sp2", Err: "boom", ExpertMemory: map[string]string{"engineer": "poisoned"}},
	}

	merged := MergeExpertMemory(base, results)
	if merged["engineer"] != "baseline\ngood" {
		t.Errorf("merged = %q, failed results must not contribute", merged["engineer"])
	}
	if base["engineer"] != "baseline" {
		t.Error("merge must not mutate the base map")
	}
}
