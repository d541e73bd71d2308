// Package health provides a registry of named subsystem health checkers,
// plus checkers for the pipeline's own subsystems.
package health

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers and returns the aggregate health
// status plus individual subsystem results.
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

// DBChecker pings the database.
func DBChecker(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "database", Healthy: true}
	}
}

// BufferChecker reports unhealthy when a bounded buffer is nearly full.
// Sustained saturation means producers are being rejected.
func BufferChecker(name string, depth func() int, capacity int) Checker {
	return func(_ context.Context) Status {
		d := depth()
		s := Status{
			Name:    name,
			Healthy: true,
			Detail:  fmt.Sprintf("%d/%d", d, capacity),
		}
		if capacity > 0 && d*10 >= capacity*9 {
			s.Healthy = false
			s.Detail = fmt.Sprintf("saturated: %d/%d", d, capacity)
		}
		return s
	}
}

// ChainChecker verifies the audit ledger can read its tip.
func ChainChecker(tip func(ctx context.Context) (int64, error)) Checker {
	return func(ctx context.Context) Status {
		height, err := tip(ctx)
		if err != nil {
			return Status{Name: "audit_chain", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "audit_chain", Healthy: true, Detail: fmt.Sprintf("height=%d", height)}
	}
}
