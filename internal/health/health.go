// Package health provides a registry of named subsystem checks backing the
// control plane's health endpoint. Database connectivity, the job queue, and
// the background sweepers each register a check at startup.
package health

import (
	"context"
	"sync"
	"time"
)

// DefaultCheckTimeout bounds a single check so one stuck subsystem cannot
// hang the whole health endpoint.
const DefaultCheckTimeout = 5 * time.Second

// Status is the outcome of one subsystem check.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

// Healthy builds a passing status.
func Healthy(name, detail string) Status {
	return Status{Name: name, Healthy: true, Detail: detail}
}

// Unhealthy builds a failing status.
func Unhealthy(name, detail string) Status {
	return Status{Name: name, Healthy: false, Detail: detail}
}

// Checker inspects one subsystem. The context carries the per-check deadline.
type Checker func(ctx context.Context) Status

// Registry holds named checks and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name  string
	check Checker
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithCheckTimeout overrides the per-check deadline.
func WithCheckTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.timeout = d }
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{timeout: DefaultCheckTimeout}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a named check.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs every registered check under the per-check deadline and
// returns the aggregate verdict plus individual results, each stamped with
// its wall time.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(checkers))

	for i, nc := range checkers {
		checkCtx, cancel := context.WithTimeout(ctx, r.timeout)
		start := time.Now()
		st := nc.check(checkCtx)
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
