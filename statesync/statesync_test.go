// Copyright (C) 2026 Driftworks, Inc.
// See LICENSE for copying information.

package statesync

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftworks/relaymesh/cachekv"
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

type fakePublisher struct {
	mu    sync.Mutex
	calls int
}

func (p *fakePublisher) PublishStateChange(ctx context.Context, userID, stateType string, state relaytype.State) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return nil
}

func TestSynchronizer_NewerWins(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	pub := &fakePublisher{}
	svc := New(store, pub, nil)
	ctx := context.Background()

	base := time.Now()
	merged, err := svc.SyncUserState(ctx, "u1", "prefs", relaytype.State{Value: "v1", Timestamp: base})
	require.NoError(t, err)
	assert.Equal(t, "v1", merged.Value)

	older := relaytype.State{Value: "stale", Timestamp: base.Add(-time.Minute)}
	merged, err = svc.SyncUserState(ctx, "u1", "prefs", older)
	require.NoError(t, err)
	assert.Equal(t, "v1", merged.Value, "older update must not overwrite newer state")

	newer := relaytype.State{Value: "v2", Timestamp: base.Add(time.Minute)}
	merged, err = svc.SyncUserState(ctx, "u1", "prefs", newer)
	require.NoError(t, err)
	assert.Equal(t, "v2", merged.Value)

	assert.Equal(t, 2, pub.calls, "only the two state-changing syncs should have published")
}

func TestSynchronizer_Subscribe(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	svc := New(store, nil, nil)
	ctx := context.Background()

	ch, unsubscribe := svc.Subscribe("u1", "prefs")
	defer unsubscribe()

	_, err := svc.SyncUserState(ctx, "u1", "prefs", relaytype.State{Value: "v1", Timestamp: time.Now()})
	require.NoError(t, err)

	select {
	case state := <-ch:
		assert.Equal(t, "v1", state.Value)
	case <-time.After(time.Second):
		t.Fatal("expected a notification")
	}
}

func TestSynchronizer_SnapshotRoundTrip(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	svc := New(store, nil, nil)
	ctx := context.Background()

	now := time.Now()
	_, err := svc.SyncUserState(ctx, "u1", "prefs", relaytype.State{Value: "v1", Timestamp: now})
	require.NoError(t, err)
	_, err = svc.SyncUserState(ctx, "u1", "theme", relaytype.State{Value: "dark", Timestamp: now})
	require.NoError(t, err)

	snapshot, err := svc.GetStateSnapshot(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, snapshot, 2)

	store2 := newFakeStore()
	svc2 := New(store2, nil, nil)
	require.NoError(t, svc2.RestoreStateSnapshot(ctx, "u1", snapshot))

	restored, err := svc2.GetStateSnapshot(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "v1", restored["prefs"].Value)
	assert.Equal(t, "dark", restored["theme"].Value)
}

func TestSynchronizer_TaskStateLifecycle(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	svc := New(store, nil, nil)
	ctx := context.Background()

	task := relaytype.Task{ID: "t1", Status: relaytype.TaskDownloading}
	require.NoError(t, svc.UpdateTaskState(ctx, task))

	got, found, err := svc.GetTaskState(ctx, "t1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, relaytype.TaskDownloading, got.Status)

	require.NoError(t, svc.ClearTaskState(ctx, "t1"))
	_, found, err = svc.GetTaskState(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, found)
}
