package pipeline

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// CleanupGuard accumulates cleanup funcs for stages that already succeeded
// and runs them in reverse order, exactly once. Run disarms itself so a
// pipeline that completes successfully never tears down what it just built.
type CleanupGuard struct {
	mu       sync.Mutex
	entries  []namedCleanup
	disarmed bool
	ran      bool
}

func newCleanupGuard() *CleanupGuard {
	return &CleanupGuard{}
}

func (g *CleanupGuard) push(name string, fn func(ctx context.Context) error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entries = append(g.entries, namedCleanup{name: name, fn: fn})
}

// disarm marks the guard as no longer needing to run; called once a
// pipeline finishes successfully.
func (g *CleanupGuard) disarm() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.disarmed = true
}

// run tears down every registered cleanup in reverse (LIFO) order. Safe to
// call at most meaningfully once; a disarmed or already-run guard is a
// no-op.
func (g *CleanupGuard) run(ctx context.Context) error {
	g.mu.Lock()
	if g.disarmed || g.ran {
		g.mu.Unlock()
		return nil
	}
	g.ran = true
	entries := g.entries
	g.mu.Unlock()

	var result *multierror.Error
	for i := len(entries) - 1; i >= 0; i-- {
		if err := entries[i].fn(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
