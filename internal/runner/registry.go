package runner

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry tracks the runners of a test host by source id.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]*Runner
}

func NewRegistry() *Registry {
	return &Registry{runners: make(map[string]*Runner)}
}

// Register adds a runner. Source ids must be unique within a host.
func (g *Registry) Register(r *Runner) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.runners[r.ID()]; ok {
		return fmt.Errorf("runner: source %q already registered", r.ID())
	}
	g.runners[r.ID()] = r
	return nil
}

// Get looks up a runner by source id.
func (g *Registry) Get(id string) (*Runner, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.runners[id]
	return r, ok
}

// Remove drops a runner from the registry. It does not stop the run.
func (g *Registry) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.runners, id)
}

// IDs returns the registered source ids in stable order.
func (g *Registry) IDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]string, 0, len(g.runners))
	for id := range g.runners {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StopAll stops every registered runner that is still live, then closes each
// one, releasing its source and sink. Stop waits for the dispatcher drain, so
// every runner is Stopped when this returns.
func (g *Registry) StopAll(ctx context.Context) {
	g.mu.RLock()
	runners := make([]*Runner, 0, len(g.runners))
	for _, r := range g.runners {
		runners = append(runners, r)
	}
	g.mu.RUnlock()

	for _, r := range runners {
		if r.State() != StateStopped {
			if err := r.Stop(ctx); err != nil && !IsRunnerClosed(err) && !IsInvalidTransition(err) {
				continue
			}
		}
		if err := r.Close(ctx); err != nil {
			return
		}
	}
}
