// Pelorus - Multi-Source Position Tracking and Fusion
// Copyright 2026 Pelorus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pelorus-nav/pelorus

// Package breaker implements the circuit breaker protecting persistence and
// publish calls.
//
// The state machine differs from off-the-shelf breakers in two ways that
// matter here: successes in CLOSED decay the failure count by one instead of
// resetting it, so steady-state tolerates noise without forgetting a failure
// burst; and any single failure in HALF_OPEN reopens immediately, so probing
// stays conservative.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/pelorus-nav/pelorus/internal/logging"
	"github.com/pelorus-nav/pelorus/internal/metrics"
)

// ErrOpen is returned when a call is rejected because the breaker is open.
// Callers can rely on the call having consumed no resources.
var ErrOpen = errors.New("circuit breaker is open")

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config controls breaker thresholds.
type Config struct {
	// FailureThreshold is the failure count in CLOSED that trips the breaker.
	FailureThreshold int
	// SuccessThreshold is the consecutive successes in HALF_OPEN needed to close.
	SuccessThreshold int
	// ResetTimeout is how long the breaker stays OPEN before the next call
	// is allowed through as a probe.
	ResetTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		ResetTimeout:     30 * time.Second,
	}
}

// Counts is a snapshot of breaker counters, served by the admin API.
type Counts struct {
	State           string    `json:"state"`
	FailureCount    int       `json:"failure_count"`
	SuccessCount    int       `json:"success_count"`
	LastFailureTime time.Time `json:"last_failure_time"`
}

// Breaker is one circuit breaker instance guarding a named resource.
// Safe for concurrent use.
type Breaker struct {
	name string
	cfg  Config

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time

	// now is injectable for tests.
	now func() time.Time
}

// New creates a breaker for the named resource, starting CLOSED.
func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg = DefaultConfig()
	}
	b := &Breaker{
		name:  name,
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}
	metrics.RecordBreakerState(name, stateToFloat(StateClosed))
	return b
}

// SetClock overrides the wall clock. Tests only.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// Name returns the protected resource name.
func (b *Breaker) Name() string { return b.name }

// Execute runs fn through the breaker. While OPEN and before the reset
// timeout has elapsed, fn is not invoked and ErrOpen is returned. The first
// call after the timeout runs fn as a HALF_OPEN probe.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.beforeCall(); err != nil {
		metrics.BreakerRequests.WithLabelValues(b.name, "rejected").Inc()
		return err
	}

	err := fn()
	b.afterCall(err == nil)
	if err != nil {
		metrics.BreakerRequests.WithLabelValues(b.name, "failure").Inc()
		return err
	}
	metrics.BreakerRequests.WithLabelValues(b.name, "success").Inc()
	return nil
}

// beforeCall gates the call and performs the OPEN to HALF_OPEN transition.
func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return nil
	}
	if b.now().Sub(b.lastFailureTime) <= b.cfg.ResetTimeout {
		return ErrOpen
	}
	b.transitionLocked(StateHalfOpen)
	return nil
}

func (b *Breaker) afterCall(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		if success {
			// Gradual recovery credit, not a reset.
			if b.failureCount > 0 {
				b.failureCount--
			}
			return
		}
		b.failureCount++
		b.lastFailureTime = b.now()
		if b.failureCount >= b.cfg.FailureThreshold {
			b.transitionLocked(StateOpen)
		}

	case StateHalfOpen:
		if success {
			b.successCount++
			if b.successCount >= b.cfg.SuccessThreshold {
				b.failureCount = 0
				b.transitionLocked(StateClosed)
			}
			return
		}
		// One failure in probation is fatal to the probe.
		b.lastFailureTime = b.now()
		b.transitionLocked(StateOpen)

	case StateOpen:
		// A call that started before the breaker tripped; its outcome no
		// longer changes state.
	}
}

// State returns the current state, applying the OPEN timeout lazily so
// callers observing the breaker see HALF_OPEN eligibility reflected only
// when a call actually probes.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the current counters.
func (b *Breaker) Snapshot() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Counts{
		State:           b.state.String(),
		FailureCount:    b.failureCount,
		SuccessCount:    b.successCount,
		LastFailureTime: b.lastFailureTime,
	}
}

// Reset forces the breaker CLOSED and clears all counters.
// Operator action via the admin API.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount = 0
	b.successCount = 0
	b.lastFailureTime = time.Time{}
	if b.state != StateClosed {
		b.transitionLocked(StateClosed)
	}
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	b.state = to
	b.successCount = 0
	metrics.RecordBreakerState(b.name, stateToFloat(to))
	metrics.RecordBreakerTransition(b.name, from.String(), to.String())

	evt := logging.Info()
	if to == StateOpen {
		evt = logging.Warn()
	}
	evt.
		Str("breaker", b.name).
		Str("from", from.String()).
		Str("to", to.String()).
		Int("failure_count", b.failureCount).
		Msg("circuit breaker state change")
}

func stateToFloat(s State) float64 {
	switch s {
	case StateClosed:
		return 0
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return -1
	}
}
