package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestSequentialStagesRunInOrder(t *testing.T) {
	var order []string
	var mu sync.Mutex
	record := func(name string) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	p := New("test",
		Stage{Name: "one", Run: record("one")},
		Stage{Name: "two", Run: record("two")},
		Stage{Name: "three", Run: record("three")},
	)

	durations, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(order) != 3 || order[0] != "one" || order[1] != "two" || order[2] != "three" {
		t.Fatalf("unexpected order: %v", order)
	}
	for _, name := range []string{"one", "two", "three"} {
		if _, ok := durations[name]; !ok {
			t.Fatalf("missing duration for stage %q", name)
		}
	}
}

func TestFailureUnwindsCleanupInReverseOrder(t *testing.T) {
	var torndown []string
	var mu sync.Mutex
	recordCleanup := func(name string) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			mu.Lock()
			torndown = append(torndown, name)
			mu.Unlock()
			return nil
		}
	}

	boom := errors.New("boom")
	p := New("test",
		Stage{Name: "alloc-a", Run: func(ctx context.Context) error { return nil }, Cleanup: recordCleanup("alloc-a")},
		Stage{Name: "alloc-b", Run: func(ctx context.Context) error { return nil }, Cleanup: recordCleanup("alloc-b")},
		Stage{Name: "fails", Run: func(ctx context.Context) error { return boom }},
	)

	_, err := p.Run(context.Background())
	if err == nil {
		t.Fatalf("expected error")
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped boom, got %v", err)
	}
	if len(torndown) != 2 || torndown[0] != "alloc-b" || torndown[1] != "alloc-a" {
		t.Fatalf("expected reverse-order cleanup, got %v", torndown)
	}
}

func TestSuccessfulPipelineNeverRunsCleanup(t *testing.T) {
	ran := false
	p := New("test",
		Stage{
			Name:    "only",
			Run:     func(ctx context.Context) error { return nil },
			Cleanup: func(ctx context.Context) error { ran = true; return nil },
		},
	)
	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ran {
		t.Fatalf("cleanup should not run on success")
	}
}

func TestParallelGroupRunsConcurrentlyAndAggregatesErrors(t *testing.T) {
	errA := errors.New("a failed")
	errB := errors.New("b failed")

	p := New("test",
		ParallelGroup{
			Name: "fan-out",
			Stages: []Stage{
				{Name: "a", Run: func(ctx context.Context) error { return errA }},
				{Name: "b", Run: func(ctx context.Context) error { return errB }},
				{Name: "c", Run: func(ctx context.Context) error { return nil }},
			},
		},
	)

	_, err := p.Run(context.Background())
	if err == nil {
		t.Fatalf("expected aggregated error")
	}
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Fatalf("expected both stage errors in %v", err)
	}
}

func TestParallelGroupCleansUpSuccessfulSiblingsOnFailure(t *testing.T) {
	var torndown []string
	var mu sync.Mutex

	p := New("test",
		ParallelGroup{
			Name: "fan-out",
			Stages: []Stage{
				{
					Name: "ok",
					Run:  func(ctx context.Context) error { return nil },
					Cleanup: func(ctx context.Context) error {
						mu.Lock()
						torndown = append(torndown, "ok")
						mu.Unlock()
						return nil
					},
				},
				{Name: "bad", Run: func(ctx context.Context) error { return errors.New("bad") }},
			},
		},
	)

	if _, err := p.Run(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if len(torndown) != 1 || torndown[0] != "ok" {
		t.Fatalf("expected the successful sibling's cleanup to run, got %v", torndown)
	}
}
