// Copyright (C) 2026 Driftworks, Inc.
// See LICENSE for copying information.

// Package circuitbreaker implements the three-state circuit breaker from
// spec §4.5, used by the queue service to guard its transport.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/zeebo/errs"
)

// State is one of the three circuit-breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Error is the circuit breaker's error class.
var Error = errs.Class("circuitbreaker")

// ErrOpen is returned by Call when the breaker is open and the reset
// timeout has not yet elapsed.
var ErrOpen = Error.New("circuit breaker is open")

// Config carries the named thresholds from spec §4.5.
type Config struct {
	// FailureThreshold is the number of consecutive failures in the
	// CLOSED state that trips the breaker to OPEN.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive successes in the
	// HALF_OPEN state required to close the breaker.
	SuccessThreshold int
	// Timeout is how long the breaker stays OPEN before moving to
	// HALF_OPEN and allowing calls again.
	Timeout time.Duration
}

// DefaultConfig returns spec §6's documented defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// Breaker is a single circuit breaker instance. One Breaker guards one
// logical upstream (a queue transport, a stream peer, a load-balancer
// backend).
type Breaker struct {
	mu sync.Mutex

	cfg Config

	state       State
	failures    int
	successes   int
	openedAt    time.Time
	lastError   error
}

// New returns a Breaker starting in the CLOSED state.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Breaker{cfg: cfg, state: Closed}
}

// State returns the breaker's current state, transitioning OPEN to
// HALF_OPEN as a side effect if the timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked(time.Now())
	return b.state
}

func (b *Breaker) maybeHalfOpenLocked(now time.Time) {
	if b.state == Open && now.Sub(b.openedAt) >= b.cfg.Timeout {
		b.state = HalfOpen
		b.successes = 0
	}
}

// Allow reports whether a call should be attempted right now, per spec
// §4.5: CLOSED always allows; OPEN refuses until the timeout elapses, then
// toggles to HALF_OPEN, which allows every call until enough successes
// close the breaker or a failure reopens it.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked(time.Now())
	return b.state != Open
}

// RecordSuccess reports a successful call outcome.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = Closed
			b.failures = 0
			b.successes = 0
		}
	case Closed:
		b.failures = 0
	}
}

// RecordFailure reports a failed call outcome.
func (b *Breaker) RecordFailure(cause error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastError = cause

	switch b.state {
	case HalfOpen:
		b.trip()
	case Closed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.trip()
		}
	}
}

func (b *Breaker) trip() {
	b.state = Open
	b.openedAt = time.Now()
	b.failures = 0
	b.successes = 0
}

// Call runs fn if the breaker allows it, recording the outcome. It returns
// ErrOpen without calling fn when the breaker is open.
func (b *Breaker) Call(fn func() error) error {
	if !b.Allow() {
		return ErrOpen
	}
	if err := fn(); err != nil {
		b.RecordFailure(err)
		return err
	}
	b.RecordSuccess()
	return nil
}

// Reset forces the breaker back to CLOSED, discarding counters -- used by
// the queue service's resetCircuitBreaker operator action.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.successes = 0
	b.lastError = nil
}

// Status reports the breaker's diagnostic snapshot (spec §4.5
// getCircuitBreakerStatus).
type Status struct {
	State     string
	Failures  int
	Successes int
	LastError error
}

// Status returns a snapshot of the breaker's internal counters for
// diagnostics.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked(time.Now())
	return Status{
		State:     b.state.String(),
		Failures:  b.failures,
		Successes: b.successes,
		LastError: b.lastError,
	}
}
