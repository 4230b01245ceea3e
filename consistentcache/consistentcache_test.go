// Copyright (C) 2026 Driftworks, Inc.
// See LICENSE for copying information.

package consistentcache

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftworks/relaymesh/cachekv"
	"github.com/driftworks/relaymesh/coordinator"
	"github.com/driftworks/relaymesh/relaytype"
)

type fakeStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeStore() *fakeStore { return &fakeStore{data: make(map[string][]byte)} }

func (s *fakeStore) Name() string { return "fake" }

func (s *fakeStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return nil, cachekv.ErrNotFound
	}
	return v, nil
}

func (s *fakeStore) Set(ctx context.Context, key string, value []byte, ttlSeconds int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *fakeStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *fakeStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
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

func (s *fakeStore) Disconnect() error { return nil }

type fakeBroadcaster struct {
	mu      sync.Mutex
	entries []relaytype.ChangeLogEntry
}

func (b *fakeBroadcaster) Broadcast(ctx context.Context, entry relaytype.ChangeLogEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, entry)
	return nil
}

func newTestCache(t *testing.T, instanceID string, store cachekv.Provider, bc Broadcaster) *Cache {
	cfg := coordinator.DefaultConfig()
	cfg.DefaultLockTTL = time.Second
	coord := coordinator.New(store, cfg, nil)
	return New(store, coord, bc, instanceID, nil)
}

func TestCache_SetGetDelete(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	bc := &fakeBroadcaster{}
	cache := newTestCache(t, "instance-a", store, bc)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "user:1:pref", map[string]string{"lang": "en"}, "user-1"))

	var out map[string]string
	found, err := cache.Get(ctx, "user:1:pref", &out)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "en", out["lang"])

	require.NoError(t, cache.Delete(ctx, "user:1:pref", "user-1"))
	found, err = cache.Get(ctx, "user:1:pref", &out)
	require.NoError(t, err)
	assert.False(t, found)

	require.Len(t, bc.entries, 2)
	assert.Equal(t, relaytype.ChangeSet, bc.entries[0].Type)
	assert.Equal(t, relaytype.ChangeDelete, bc.entries[1].Type)
}

func TestCache_BatchSet(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	bc := &fakeBroadcaster{}
	cache := newTestCache(t, "instance-a", store, bc)
	ctx := context.Background()

	require.NoError(t, cache.BatchSet(ctx, map[string]interface{}{
		"a": "1",
		"b": "2",
	}, "user-1"))

	assert.Len(t, bc.entries, 2)
	var a string
	found, err := cache.Get(ctx, "a", &a)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "1", a)
}

func TestCache_HandleSyncEvent_SkipsOwnInstance(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	cache := newTestCache(t, "instance-a", store, nil)
	ctx := context.Background()

	err := cache.HandleSyncEvent(ctx, relaytype.ChangeLogEntry{
		Type:       relaytype.ChangeSet,
		Key:        "k",
		Value:      "v",
		InstanceID: "instance-a",
	})
	require.NoError(t, err)

	var out string
	found, _ := cache.Get(ctx, "k", &out)
	assert.False(t, found)
}

func TestCache_RestoreConsistency(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	cache := newTestCache(t, "instance-a", store, nil)
	ctx := context.Background()

	entries := []relaytype.ChangeLogEntry{
		{Type: relaytype.ChangeSet, Key: "k1", Value: "v1", InstanceID: "instance-b"},
		{Type: relaytype.ChangeSet, Key: "k2", Value: "v2", InstanceID: "instance-b"},
		{Type: relaytype.ChangeDelete, Key: "k1", InstanceID: "instance-b"},
	}
	require.NoError(t, cache.RestoreConsistency(ctx, entries))

	var out string
	found, _ := cache.Get(ctx, "k1", &out)
	assert.False(t, found)
	found, err := cache.Get(ctx, "k2", &out)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v2", out)
}
