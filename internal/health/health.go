// Package health runs named subsystem checks (database, webhook event cache,
// processor circuit) and serves them on /health, /health/live and /health/ready.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/careline/internal/circuitbreaker"
)

// DefaultTimeout bounds a single readiness probe.
const DefaultTimeout = 2 * time.Second

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Pinger is anything with a context-aware liveness probe (ledger stores,
// the Redis event log).
type Pinger interface {
	Ping(ctx context.Context) error
}

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
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
		if statuses[i].Name == "" {
			statuses[i].Name = nc.name
		}
		if !statuses[i].Healthy {
			healthy = false
		}
	}

	return healthy, statuses
}

// PingChecker reports p unhealthy when Ping fails.
func PingChecker(name string, p Pinger) Checker {
	return func(ctx context.Context) Status {
		if err := p.Ping(ctx); err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// BreakerChecker reports the processor circuit for operation. An open
// circuit is unhealthy; half-open is still serving probes.
func BreakerChecker(name string, b *circuitbreaker.Breaker, operation string) Checker {
	return func(_ context.Context) Status {
		state := b.State(operation)
		return Status{
			Name:    name,
			Healthy: state != circuitbreaker.StateOpen,
			Detail:  state.String(),
		}
	}
}

// Live always answers 200 while the process is serving HTTP.
func (r *Registry) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// Ready answers 503 when any registered subsystem is unhealthy.
func (r *Registry) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), r.timeout)
	defer cancel()

	healthy, statuses := r.CheckAll(ctx)
	code, status := http.StatusOK, "ready"
	if !healthy {
		code, status = http.StatusServiceUnavailable, "degraded"
	}
	c.JSON(code, gin.H{
		"status": status,
		"checks": statuses,
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// RegisterRoutes mounts the probes. /health is an alias of /health/ready.
func (r *Registry) RegisterRoutes(router gin.IRoutes) {
	router.GET("/health", r.Ready)
	router.GET("/health/live", r.Live)
	router.GET("/health/ready", r.Ready)
}
