// Package circuitbreaker guards calls to an upstream (the payment processor)
// with closed → open → half-open state transitions, tracked per operation.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Execute while the circuit rejects calls.
var ErrOpen = errors.New("circuit breaker open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal: calls flow through
	StateOpen                  // Tripped: calls are rejected
	StateHalfOpen              // Probing: one call allowed to test recovery
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var cbStateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "careline",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by operation, from-state, and to-state.",
}, []string{"operation", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(cbStateTransitions)
}

type entry struct {
	state       State
	failures    int
	openedAt    time.Time
	probeActive bool
}

// Breaker trips open after threshold consecutive failures of one operation
// and stays open for cooldown before letting a single probe through.
type Breaker struct {
	mu        sync.Mutex
	entries   map[string]*entry
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	// IsFailure decides which errors count against the circuit. Defaults to
	// every non-nil error.
	IsFailure func(error) bool
}

// New creates a breaker. Zero or negative arguments fall back to 5 failures
// and a 30s cooldown.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		entries:   make(map[string]*entry),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Execute runs fn unless the circuit for operation is open.
func (b *Breaker) Execute(ctx context.Context, operation string, fn func(context.Context) error) error {
	if !b.allow(operation) {
		return ErrOpen
	}
	err := fn(ctx)
	if err != nil && b.countsAsFailure(err) {
		b.recordFailure(operation)
	} else {
		b.recordSuccess(operation)
	}
	return err
}

// State returns the current state for operation. Unknown operations are closed.
func (b *Breaker) State(operation string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[operation]; ok {
		return e.state
	}
	return StateClosed
}

func (b *Breaker) countsAsFailure(err error) bool {
	if b.IsFailure != nil {
		return b.IsFailure(err)
	}
	return true
}

func (b *Breaker) allow(operation string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[operation]
	if !ok {
		return true
	}
	switch e.state {
	case StateOpen:
		if b.now().Sub(e.openedAt) < b.cooldown {
			return false
		}
		b.transition(e, operation, StateHalfOpen)
		e.probeActive = true
		return true
	case StateHalfOpen:
		if e.probeActive {
			return false
		}
		e.probeActive = true
		return true
	default:
		return true
	}
}

func (b *Breaker) recordSuccess(operation string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[operation]
	if !ok {
		return
	}
	e.failures = 0
	e.probeActive = false
	b.transition(e, operation, StateClosed)
}

func (b *Breaker) recordFailure(operation string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[operation]
	if !ok {
		e = &entry{state: StateClosed}
		b.entries[operation] = e
	}
	e.failures++
	e.probeActive = false

	if e.state == StateHalfOpen || (e.state == StateClosed && e.failures >= b.threshold) {
		e.openedAt = b.now()
		b.transition(e, operation, StateOpen)
	}
}

// transition changes state. Caller must hold b.mu.
func (b *Breaker) transition(e *entry, operation string, to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	cbStateTransitions.WithLabelValues(operation, from.String(), to.String()).Inc()
}
