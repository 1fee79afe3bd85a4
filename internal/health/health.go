// Package health answers the liveness and readiness probes. Readiness
// aggregates named checkers over the engine's dependencies, the
// database first among them; a rail outage is not a readiness failure,
// the engine keeps serving and reconciliation catches up.
package health

import (
	"context"
	"sync"
	"time"
)

// checkTimeout caps a single checker so one stuck dependency cannot
// hang the probe.
const checkTimeout = 3 * time.Second

// Status is one checker's verdict.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

// Checker probes one dependency.
type Checker func(ctx context.Context) Status

// Registry holds the named checkers the readiness probe runs.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
}

type namedChecker struct {
	name  string
	check Checker
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a checker under a stable name.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs every checker with a per-check deadline and reports
// the aggregate: unhealthy if any single check is.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(checkers))

	for i, nc := range checkers {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		start := time.Now()
		st := nc.check(cctx)
		cancel()

		st.LatencyMS = time.Since(start).Milliseconds()
		if st.Name == "" {
			st.Name = nc.name
		}
		statuses[i] = st
		if !st.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}
