// Copyright (C) 2026 Driftworks, Inc.
// See LICENSE for copying information.

// Package cachekvtest provides an in-memory cachekv.Provider fake for tests
// in packages that depend on the cache service's store abstraction but
// don't want a network dependency.
package cachekvtest

import (
	"context"
	"strings"
	"sync"

	"github.com/driftworks/relaymesh/cachekv"
)

// Store is an in-memory cachekv.Provider.
type Store struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{data: make(map[string][]byte)}
}

func (s *Store) Name() string { return "fake" }

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return nil, cachekv.ErrNotFound
	}
	return v, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttlSeconds int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *Store) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *Store) Disconnect() error { return nil }

// Has reports whether key is currently stored, for test assertions.
func (s *Store) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[key]
	return ok
}
