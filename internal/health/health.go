// Package health aggregates subsystem probes behind one registry. The
// server registers a checker per dependency it cannot serve without
// (database connectivity, the timer clock) and /health reports them.
package health

import (
	"context"
	"sync"
)

// Status is one subsystem's probe result.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes a single subsystem. Implementations should respect
// the context deadline so a stuck dependency cannot hang /health.
type Checker func(ctx context.Context) Status

// Registry holds named checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry returns an empty registry. It reports healthy until a
// checker says otherwise.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a checker under a subsystem name.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs every checker in registration order. The aggregate is
// healthy only if every subsystem is.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(checkers))

	for i, nc := range checkers {
		statuses[i] = nc.check(ctx)
		if !statuses[i].Healthy {
			healthy = false
		}
	}

	return healthy, statuses
}
