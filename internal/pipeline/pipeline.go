// Package pipeline is C8: the staged executor that builder.go composes to
// create, start, and tear down boxes. It generalizes box.go's executeHooks
// (sequential stages, errors fan in via errors.Join) and workspace.go's
// staged provisioning (ordered setup steps, each independently named for
// logging) to support both sequential and parallel stage groups with
// reverse-order cleanup on failure.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("boxlite/pipeline")

// Stage is one named unit of work. Cleanup, if non-nil, is registered with
// the pipeline's CleanupGuard as soon as Run succeeds, and runs (in reverse
// stage order) if a later stage fails.
type Stage struct {
	Name    string
	Run     func(ctx context.Context) error
	Cleanup func(ctx context.Context) error
}

// Step is either a single Stage run alone, or a ParallelGroup of Stages run
// concurrently. A Pipeline is a sequence of Steps.
type Step interface {
	step()
}

func (Stage) step() {}

// ParallelGroup runs its Stages concurrently via errgroup; the first failure
// cancels the siblings' context, and every stage error that is returned is
// aggregated with go-multierror so no failure is silently dropped.
type ParallelGroup struct {
	Name   string
	Stages []Stage
}

func (ParallelGroup) step() {}

// Durations maps stage name to how long it took to run.
type Durations map[string]time.Duration

// Pipeline is an ordered list of Steps.
type Pipeline struct {
	Name  string
	Steps []Step
}

// New builds a Pipeline from steps, executed in order.
func New(name string, steps ...Step) *Pipeline {
	return &Pipeline{Name: name, Steps: steps}
}

// Run executes every step in order. On the first failing stage, Run stops
// scheduling further steps and unwinds every already-succeeded stage's
// Cleanup in reverse order via a CleanupGuard, then returns the original
// error (cleanup errors are logged into the returned error via
// go-multierror, never swallowed).
func (p *Pipeline) Run(ctx context.Context) (Durations, error) {
	durations := make(Durations)
	guard := newCleanupGuard()

	ctx, span := tracer.Start(ctx, p.Name)
	defer span.End()

	for _, step := range p.Steps {
		switch s := step.(type) {
		case Stage:
			d, err := runStage(ctx, s, guard)
			durations[s.Name] = d
			if err != nil {
				return durations, unwindOnError(ctx, guard, err)
			}
		case ParallelGroup:
			groupDurations, err := runParallel(ctx, s, guard)
			for name, d := range groupDurations {
				durations[name] = d
			}
			if err != nil {
				return durations, unwindOnError(ctx, guard, err)
			}
		default:
			return durations, fmt.Errorf("pipeline: unknown step type %T", step)
		}
	}

	guard.disarm()
	return durations, nil
}

func runStage(ctx context.Context, s Stage, guard *CleanupGuard) (time.Duration, error) {
	ctx, span := tracer.Start(ctx, s.Name)
	defer span.End()

	start := time.Now()
	err := s.Run(ctx)
	elapsed := time.Since(start)
	if err != nil {
		return elapsed, fmt.Errorf("pipeline: stage %q: %w", s.Name, err)
	}
	if s.Cleanup != nil {
		guard.push(s.Name, s.Cleanup)
	}
	return elapsed, nil
}

func runParallel(ctx context.Context, g ParallelGroup, guard *CleanupGuard) (Durations, error) {
	ctx, span := tracer.Start(ctx, g.Name)
	defer span.End()

	durations := make(Durations)
	var mu sync.Mutex
	cleanups := make([]namedCleanup, len(g.Stages))
	var result *multierror.Error

	eg, gctx := errgroup.WithContext(ctx)
	for i, stage := range g.Stages {
		i, stage := i, stage
		eg.Go(func() error {
			start := time.Now()
			err := stage.Run(gctx)
			elapsed := time.Since(start)

			mu.Lock()
			durations[stage.Name] = elapsed
			mu.Unlock()

			if err != nil {
				err = fmt.Errorf("pipeline: stage %q: %w", stage.Name, err)
				mu.Lock()
				result = multierror.Append(result, err)
				mu.Unlock()
				return err
			}
			if stage.Cleanup != nil {
				cleanups[i] = namedCleanup{name: stage.Name, fn: stage.Cleanup}
			}
			return nil
		})
	}

	// Every failure was already collected into result; Wait's own return is
	// only the first of them.
	_ = eg.Wait()

	// Register every stage that completed successfully so its cleanup still
	// runs if a sibling in the same group (or a later step) failed.
	for _, c := range cleanups {
		if c.fn != nil {
			guard.push(c.name, c.fn)
		}
	}

	if result != nil {
		return durations, result.ErrorOrNil()
	}
	return durations, nil
}

func unwindOnError(ctx context.Context, guard *CleanupGuard, cause error) error {
	if cleanupErr := guard.run(ctx); cleanupErr != nil {
		return fmt.Errorf("%w (cleanup also failed: %v)", cause, cleanupErr)
	}
	return cause
}

type namedCleanup struct {
	name string
	fn   func(ctx context.Context) error
}
