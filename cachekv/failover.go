// Copyright (C) 2026 Driftworks, Inc.
// See LICENSE for copying information.

package cachekv

import (
	"sync"
	"time"
)

// failoverState implements the per-Cache-Service-instance state machine from
// spec §4.3: {provider, failure_count, last_failure_time}, sticky fail-over
// (only the fail-over itself, or the recovery probe, resets the counter).
type failoverState struct {
	mu sync.Mutex

	primary  Provider
	fallback Provider
	current  Provider

	// preferred is the provider a deployment pins via configuration. When
	// current == preferred the service is "not in fail-over mode" (spec
	// §4.3 "Not-in-failover mode"), even if preferred is the fallback.
	preferred Provider

	maxFailures  int
	failureCount int
	lastFailure  time.Time
}

func newFailoverState(primary, fallback Provider, maxFailures int) *failoverState {
	if maxFailures <= 0 {
		maxFailures = 3
	}
	return &failoverState{
		primary:     primary,
		fallback:    fallback,
		current:     primary,
		preferred:   primary,
		maxFailures: maxFailures,
	}
}

// Current returns the provider that should service the next operation.
func (f *failoverState) Current() Provider {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// IsFailoverMode reports whether the active provider differs from the
// configured preferred provider. Per spec §9 this is informational only.
func (f *failoverState) IsFailoverMode() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current != f.preferred
}

// SetPreferred pins the preferred provider, used when a deployment wants the
// fallback to be the "normal" provider without that counting as fail-over.
func (f *failoverState) SetPreferred(p Provider) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.preferred = p
}

// RecordFailure registers a retryable L2 error. It returns the provider to
// retry against: the same provider if the failure budget hasn't been
// exhausted, or the freshly switched-to provider if it has. The second
// return value reports whether a switch just happened.
func (f *failoverState) RecordFailure(now time.Time) (retryWith Provider, switched bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.failureCount++
	f.lastFailure = now

	if f.fallback == nil || f.current == f.fallback {
		return f.current, false
	}

	if f.failureCount >= f.maxFailures {
		f.current = f.fallback
		f.failureCount = 0
		return f.current, true
	}

	return f.current, false
}

// RecordSuccess is intentionally a no-op on the failure counter: spec §4.3
// and §9 call for sticky fail-over semantics where only an explicit
// fail-over or a recovery probe resets the counter, never an ordinary
// success.
func (f *failoverState) RecordSuccess() {}

// RecoverToPrimary switches back to the primary and zeroes the counters, as
// performed by the periodic recovery probe on a successful primary health
// read.
func (f *failoverState) RecoverToPrimary() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = f.primary
	f.failureCount = 0
	f.lastFailure = time.Time{}
}

// Primary returns the configured primary provider, used by the recovery
// probe to issue its health check regardless of which provider is currently
// active.
func (f *failoverState) Primary() Provider {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.primary
}

func (f *failoverState) onPrimary() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current == f.primary
}
