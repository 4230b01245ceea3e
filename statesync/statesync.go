// Copyright (C) 2026 Driftworks, Inc.
// See LICENSE for copying information.

// Package statesync implements the cross-instance state synchronizer from
// spec §4.8: per-(user, type) state merged across peers by last-writer-wins
// on timestamp (the stored state wins ties), plus a pub/sub surface for live state-change
// notifications and task-state mirroring.
package statesync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/driftworks/relaymesh/cachekv"
	"github.com/driftworks/relaymesh/relaytype"
)

var mon = monkit.Package()

// Error is the state synchronizer's error class.
var Error = errs.Class("statesync")

const (
	userStatePrefix = "state:user:"
	taskStatePrefix = "state:system:task:"
)

// Publisher delivers a state-change notification to peers, typically the
// queue service's BroadcastSystemEvent.
type Publisher interface {
	PublishStateChange(ctx context.Context, userID, stateType string, state relaytype.State) error
}

// Synchronizer is the state sync service (spec §4.8).
type Synchronizer struct {
	store     cachekv.Provider
	publisher Publisher
	log       *zap.Logger

	mu            sync.Mutex
	subscriptions map[string][]chan relaytype.State
}

// New returns a Synchronizer backed by store, notifying peers via
// publisher.
func New(store cachekv.Provider, publisher Publisher, log *zap.Logger) *Synchronizer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Synchronizer{
		store:         store,
		publisher:     publisher,
		log:           log,
		subscriptions: make(map[string][]chan relaytype.State),
	}
}

func userStateKey(userID, stateType string) string {
	return userStatePrefix + userID + ":" + stateType
}

// SyncUserState merges incoming with whatever is already stored for
// (userID, stateType), keeping the value with the later timestamp (spec
// §4.8's last-writer-wins merge), persists the winner, and notifies
// subscribers and peers.
func (s *Synchronizer) SyncUserState(ctx context.Context, userID, stateType string, incoming relaytype.State) (merged relaytype.State, err error) {
	defer mon.Task()(&ctx)(&err)

	key := userStateKey(userID, stateType)
	existing, found, err := s.readState(ctx, key)
	if err != nil {
		return relaytype.State{}, err
	}

	if found && !incoming.Timestamp.After(existing.Timestamp) {
		// the stored state is at least as recent: it wins, and nothing
		// changed, so there is nothing to persist or announce.
		return existing, nil
	}

	if err := s.writeState(ctx, key, incoming); err != nil {
		return relaytype.State{}, err
	}
	s.notifySubscribers(key, incoming)
	if s.publisher != nil {
		if err := s.publisher.PublishStateChange(ctx, userID, stateType, incoming); err != nil {
			s.log.Warn("state sync publish failed", zap.String("user_id", userID), zap.Error(err))
		}
	}

	return incoming, nil
}

func (s *Synchronizer) readState(ctx context.Context, key string) (relaytype.State, bool, error) {
	data, err := s.store.Get(ctx, key)
	if err == cachekv.ErrNotFound {
		return relaytype.State{}, false, nil
	}
	if err != nil {
		return relaytype.State{}, false, Error.Wrap(err)
	}
	var state relaytype.State
	if err := json.Unmarshal(data, &state); err != nil {
		return relaytype.State{}, false, Error.Wrap(err)
	}
	return state, true, nil
}

func (s *Synchronizer) writeState(ctx context.Context, key string, state relaytype.State) error {
	body, err := json.Marshal(state)
	if err != nil {
		return Error.Wrap(err)
	}
	if err := s.store.Set(ctx, key, body, 0); err != nil {
		return Error.Wrap(err)
	}
	return nil
}

// GetStateSnapshot returns every currently stored state for userID, keyed
// by state type (spec §4.8 "getStateSnapshot").
func (s *Synchronizer) GetStateSnapshot(ctx context.Context, userID string) (snapshot map[string]relaytype.State, err error) {
	defer mon.Task()(&ctx)(&err)

	prefix := userStatePrefix + userID + ":"
	keys, err := s.store.ListKeys(ctx, prefix)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	snapshot = make(map[string]relaytype.State, len(keys))
	for _, key := range keys {
		state, found, err := s.readState(ctx, key)
		if err != nil || !found {
			continue
		}
		snapshot[key[len(prefix):]] = state
	}
	return snapshot, nil
}

// RestoreStateSnapshot writes every entry in snapshot back for userID,
// without merge -- used to seed a freshly joined instance (spec §4.8
// "restoreStateSnapshot").
func (s *Synchronizer) RestoreStateSnapshot(ctx context.Context, userID string, snapshot map[string]relaytype.State) error {
	for stateType, state := range snapshot {
		if err := s.writeState(ctx, userStateKey(userID, stateType), state); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe returns a channel that receives every SyncUserState update for
// (userID, stateType), and an unsubscribe function.
func (s *Synchronizer) Subscribe(userID, stateType string) (ch <-chan relaytype.State, unsubscribe func()) {
	key := userStateKey(userID, stateType)
	c := make(chan relaytype.State, 8)

	s.mu.Lock()
	s.subscriptions[key] = append(s.subscriptions[key], c)
	s.mu.Unlock()

	return c, func() { s.unsubscribe(key, c) }
}

func (s *Synchronizer) unsubscribe(key string, target chan relaytype.State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := s.subscriptions[key]
	for i, c := range subs {
		if c == target {
			s.subscriptions[key] = append(subs[:i], subs[i+1:]...)
			close(c)
			return
		}
	}
}

func (s *Synchronizer) notifySubscribers(key string, state relaytype.State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.subscriptions[key] {
		select {
		case c <- state:
		default:
			// a slow subscriber does not block the synchronizer.
		}
	}
}

// GetTaskState reads the cache mirror of a task's state (spec §4.8
// "getTaskState") -- the canonical record lives in the out-of-scope SQL
// task repository; this is a fast cross-instance read path.
func (s *Synchronizer) GetTaskState(ctx context.Context, taskID string) (task relaytype.Task, found bool, err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := s.store.Get(ctx, taskStatePrefix+taskID)
	if err == cachekv.ErrNotFound {
		return relaytype.Task{}, false, nil
	}
	if err != nil {
		return relaytype.Task{}, false, Error.Wrap(err)
	}
	if err := json.Unmarshal(data, &task); err != nil {
		return relaytype.Task{}, false, Error.Wrap(err)
	}
	return task, true, nil
}

// UpdateTaskState writes the cache mirror for a task.
func (s *Synchronizer) UpdateTaskState(ctx context.Context, task relaytype.Task) (err error) {
	defer mon.Task()(&ctx)(&err)

	task.UpdatedAt = time.Now()
	body, err := json.Marshal(task)
	if err != nil {
		return Error.Wrap(err)
	}
	if err := s.store.Set(ctx, taskStatePrefix+task.ID, body, 0); err != nil {
		return Error.Wrap(err)
	}
	return nil
}

// ClearTaskState removes the cache mirror for a task once it has reached a
// terminal status and the SQL record is authoritative again.
func (s *Synchronizer) ClearTaskState(ctx context.Context, taskID string) (err error) {
	defer mon.Task()(&ctx)(&err)
	if err := s.store.Delete(ctx, taskStatePrefix+taskID); err != nil {
		return Error.Wrap(err)
	}
	return nil
}
