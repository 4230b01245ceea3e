// Copyright (C) 2026 Driftworks, Inc.
// See LICENSE for copying information.

// Package cachekv implements the two-tier cache service: an in-process L1
// map (spec §4.1), pluggable L2 provider adapters (spec §4.2), and the
// write-through, fail-over Cache Service that composes them (spec §4.3).
package cachekv

import (
	"reflect"
	"sync"
	"time"

	"github.com/driftworks/relaymesh/internal/sync2"
)

type l1entry struct {
	value     interface{}
	expiresAt time.Time
}

func (e l1entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// L1 is the in-process cache described in spec §4.1: a map from string keys
// to (value, expires_at) with lazy eviction -- a get on an expired entry
// removes it and returns absent. No background sweep is required.
type L1 struct {
	mu      sync.Mutex
	entries map[string]l1entry
	loaders *sync2.KeyLock
	now     func() time.Time
}

// NewL1 returns an empty L1 cache.
func NewL1() *L1 {
	return &L1{
		entries: make(map[string]l1entry),
		loaders: sync2.NewKeyLock(),
		now:     time.Now,
	}
}

// Set stores value under key with the given ttl. A zero ttl means the entry
// never expires.
func (l *L1) Set(key string, value interface{}, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = l.now().Add(ttl)
	}
	l.entries[key] = l1entry{value: value, expiresAt: expiresAt}
}

// Get returns the value stored under key, or (nil, false) if absent or
// expired. An expired entry is evicted as a side effect.
func (l *L1) Get(key string) (interface{}, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		return nil, false
	}
	if e.expired(l.now()) {
		delete(l.entries, key)
		return nil, false
	}
	return e.value, true
}

// Delete removes key, if present.
func (l *L1) Delete(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
}

// Clear removes every entry.
func (l *L1) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[string]l1entry)
}

// Size returns the number of entries currently held, including any not yet
// lazily evicted.
func (l *L1) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// GetOrSet returns the cached value for key, or calls loader to produce one,
// storing it with ttl. Concurrent GetOrSet calls for the same key serialize
// on the loader so only one load happens at a time (spec §4.1).
func (l *L1) GetOrSet(key string, ttl time.Duration, loader func() (interface{}, error)) (interface{}, error) {
	if v, ok := l.Get(key); ok {
		return v, nil
	}

	unlock := l.loaders.Lock(key)
	defer unlock()

	if v, ok := l.Get(key); ok {
		return v, nil
	}

	v, err := loader()
	if err != nil {
		return nil, err
	}
	l.Set(key, v, ttl)
	return v, nil
}

// IsUnchanged reports whether the L1 entry for key deep-equals v and is not
// expired -- used by the Cache Service to suppress redundant L2 writes (spec
// §4.3 "write-suppression").
func (l *L1) IsUnchanged(key string, v interface{}) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok || e.expired(l.now()) {
		return false
	}
	return reflect.DeepEqual(e.value, v)
}
