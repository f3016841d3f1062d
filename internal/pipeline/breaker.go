package pipeline

import (
	"sync"
	"time"

	"github.com/caremesh/registrar/pkg/common"
)

const (
	BreakerClosed   = "closed"
	BreakerOpen     = "open"
	BreakerHalfOpen = "half_open"

	defaultFailureThreshold = 5
	defaultResetTimeout     = 60 * time.Second
)

// BreakerRegistry holds per-operation circuit breaker state. It is owned by
// the pipeline service instance and shared by everything dispatching through
// it; state is in-memory only, a process restart clears it.
type BreakerRegistry struct {
	mu           sync.Mutex
	breakers     map[string]*breakerState
	threshold    int
	resetTimeout time.Duration
	now          func() time.Time
}

type breakerState struct {
	state               string
	consecutiveFailures int
	lastFailureTime     time.Time
	trialInFlight       bool
}

// BreakerSnapshot is the admin-facing view of one breaker.
type BreakerSnapshot struct {
	Operation           string    `json:"operation"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailureTime     time.Time `json:"last_failure_time,omitzero"`
}

// NewBreakerRegistry builds a registry. Non-positive arguments fall back to
// the documented defaults (threshold 5, reset timeout 60s).
func NewBreakerRegistry(threshold int, resetTimeout time.Duration) *BreakerRegistry {
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}
	if resetTimeout <= 0 {
		resetTimeout = defaultResetTimeout
	}
	return &BreakerRegistry{
		breakers:     make(map[string]*breakerState),
		threshold:    threshold,
		resetTimeout: resetTimeout,
		now:          time.Now,
	}
}

func (r *BreakerRegistry) get(operation string) *breakerState {
	b, ok := r.breakers[operation]
	if !ok {
		b = &breakerState{state: BreakerClosed}
		r.breakers[operation] = b
	}
	return b
}

// Allow reports whether a call for the operation may proceed. An open breaker
// rejects with CircuitOpenError until the reset timeout elapses, then admits
// exactly one half-open trial at a time.
func (r *BreakerRegistry) Allow(operation string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.get(operation)
	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if r.now().Sub(b.lastFailureTime) < r.resetTimeout {
			return &common.CircuitOpenError{Operation: operation}
		}
		b.state = BreakerHalfOpen
		b.trialInFlight = true
		breakerTransitionsTotal.WithLabelValues(operation, BreakerHalfOpen).Inc()
		observeBreakerState(operation, BreakerHalfOpen)
		return nil
	case BreakerHalfOpen:
		if b.trialInFlight {
			return &common.CircuitOpenError{Operation: operation}
		}
		b.trialInFlight = true
		return nil
	default:
		return nil
	}
}

// RecordSuccess closes the breaker and clears the failure streak.
func (r *BreakerRegistry) RecordSuccess(operation string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.get(operation)
	if b.state != BreakerClosed {
		breakerTransitionsTotal.WithLabelValues(operation, BreakerClosed).Inc()
	}
	b.state = BreakerClosed
	b.consecutiveFailures = 0
	b.trialInFlight = false
	observeBreakerState(operation, BreakerClosed)
}

// RecordFailure increments the failure streak and trips the breaker at the
// threshold. A half-open trial failure reopens immediately.
func (r *BreakerRegistry) RecordFailure(operation string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.get(operation)
	b.consecutiveFailures++
	b.lastFailureTime = r.now()
	b.trialInFlight = false

	if b.state == BreakerHalfOpen || b.consecutiveFailures >= r.threshold {
		if b.state != BreakerOpen {
			breakerTransitionsTotal.WithLabelValues(operation, BreakerOpen).Inc()
		}
		b.state = BreakerOpen
		observeBreakerState(operation, BreakerOpen)
	}
}

// Reset is the explicit administrative action clearing one breaker. Returns
// false when the operation has never been invoked.
func (r *BreakerRegistry) Reset(operation string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[operation]
	if !ok {
		return false
	}
	b.state = BreakerClosed
	b.consecutiveFailures = 0
	b.trialInFlight = false
	observeBreakerState(operation, BreakerClosed)
	return true
}

// Snapshot returns the current state of every known breaker.
func (r *BreakerRegistry) Snapshot() []BreakerSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshots := make([]BreakerSnapshot, 0, len(r.breakers))
	for operation, b := range r.breakers {
		snapshots = append(snapshots, BreakerSnapshot{
			Operation:           operation,
			State:               b.state,
			ConsecutiveFailures: b.consecutiveFailures,
			LastFailureTime:     b.lastFailureTime,
		})
	}
	return snapshots
}
