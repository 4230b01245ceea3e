// Copyright (C) 2026 Driftworks, Inc.
// See LICENSE for copying information.

// Package consistentcache implements the lock-protected, peer-replicated
// cache from spec §4.7: every mutation is appended to a change log and
// broadcast to peers so each instance can replay what it missed.
package consistentcache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/driftworks/relaymesh/cachekv"
	"github.com/driftworks/relaymesh/coordinator"
	"github.com/driftworks/relaymesh/relaytype"
)

var mon = monkit.Package()

// Error is the consistent cache's error class.
var Error = errs.Class("consistentcache")

const keyPrefix = "consistent:"

// Broadcaster delivers a change-log entry to every other instance. A
// concrete implementation typically wraps the queue service's
// BroadcastSystemEvent.
type Broadcaster interface {
	Broadcast(ctx context.Context, entry relaytype.ChangeLogEntry) error
}

// Cache is the consistent cache service (spec §4.7).
type Cache struct {
	store       cachekv.Provider
	coord       *coordinator.Coordinator
	broadcaster Broadcaster
	instanceID  string
	log         *zap.Logger

	mu        sync.Mutex
	changeLog []relaytype.ChangeLogEntry
}

// New returns a Cache backed by store, serializing mutations through coord's
// distributed lock and replicating them via broadcaster.
func New(store cachekv.Provider, coord *coordinator.Coordinator, broadcaster Broadcaster, instanceID string, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{
		store:       store,
		coord:       coord,
		broadcaster: broadcaster,
		instanceID:  instanceID,
		log:         log,
	}
}

const lockName = "consistentcache"

// Set writes key under lock, appends a change-log entry, and broadcasts it
// to peers (spec §4.7 "set").
func (c *Cache) Set(ctx context.Context, key string, value interface{}, userID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := c.coord.AcquireLock(ctx, lockName, 5*time.Second); err != nil {
		return Error.Wrap(err)
	}
	defer c.coord.ReleaseLock(ctx, lockName)

	body, err := json.Marshal(value)
	if err != nil {
		return Error.Wrap(err)
	}
	if err := c.store.Set(ctx, keyPrefix+key, body, 0); err != nil {
		return Error.Wrap(err)
	}

	entry := relaytype.ChangeLogEntry{
		Type:       relaytype.ChangeSet,
		Key:        key,
		Value:      value,
		UserID:     userID,
		Timestamp:  time.Now(),
		InstanceID: c.instanceID,
	}
	c.appendChangeLog(entry)
	return c.broadcast(ctx, entry)
}

// Get reads key (spec §4.7 "get"). No lock is taken: reads never conflict
// with the change-log append order.
func (c *Cache) Get(ctx context.Context, key string, out interface{}) (found bool, err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := c.store.Get(ctx, keyPrefix+key)
	if err == cachekv.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, Error.Wrap(err)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return false, Error.Wrap(err)
		}
	}
	return true, nil
}

// Delete removes key under lock and broadcasts the deletion (spec §4.7
// "delete").
func (c *Cache) Delete(ctx context.Context, key string, userID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := c.coord.AcquireLock(ctx, lockName, 5*time.Second); err != nil {
		return Error.Wrap(err)
	}
	defer c.coord.ReleaseLock(ctx, lockName)

	if err := c.store.Delete(ctx, keyPrefix+key); err != nil {
		return Error.Wrap(err)
	}

	entry := relaytype.ChangeLogEntry{
		Type:       relaytype.ChangeDelete,
		Key:        key,
		UserID:     userID,
		Timestamp:  time.Now(),
		InstanceID: c.instanceID,
	}
	c.appendChangeLog(entry)
	return c.broadcast(ctx, entry)
}

// BatchSet applies every (key, value) pair under a single lock acquisition,
// appending one change-log entry per pair (spec §4.7 "batch").
func (c *Cache) BatchSet(ctx context.Context, values map[string]interface{}, userID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := c.coord.AcquireLock(ctx, lockName, 5*time.Second); err != nil {
		return Error.Wrap(err)
	}
	defer c.coord.ReleaseLock(ctx, lockName)

	now := time.Now()
	for key, value := range values {
		body, err := json.Marshal(value)
		if err != nil {
			return Error.Wrap(err)
		}
		if err := c.store.Set(ctx, keyPrefix+key, body, 0); err != nil {
			return Error.Wrap(err)
		}

		entry := relaytype.ChangeLogEntry{
			Type:       relaytype.ChangeSet,
			Key:        key,
			Value:      value,
			UserID:     userID,
			Timestamp:  now,
			InstanceID: c.instanceID,
		}
		c.appendChangeLog(entry)
		if err := c.broadcast(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) appendChangeLog(entry relaytype.ChangeLogEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changeLog = append(c.changeLog, entry)
}

func (c *Cache) broadcast(ctx context.Context, entry relaytype.ChangeLogEntry) error {
	if c.broadcaster == nil {
		return nil
	}
	if err := c.broadcaster.Broadcast(ctx, entry); err != nil {
		c.log.Warn("consistent cache broadcast failed", zap.String("key", entry.Key), zap.Error(err))
		return Error.Wrap(err)
	}
	return nil
}

// ChangeLog returns every locally recorded mutation since this instance
// started (spec §4.7's in-memory change log, used for peer catch-up).
func (c *Cache) ChangeLog() []relaytype.ChangeLogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]relaytype.ChangeLogEntry, len(c.changeLog))
	copy(out, c.changeLog)
	return out
}

// HandleSyncEvent replays a change-log entry received from a peer,
// skipping entries originated by this instance (spec §4.7
// "handleSyncEvent").
func (c *Cache) HandleSyncEvent(ctx context.Context, entry relaytype.ChangeLogEntry) (err error) {
	defer mon.Task()(&ctx)(&err)

	if entry.InstanceID == c.instanceID {
		return nil
	}

	switch entry.Type {
	case relaytype.ChangeDelete:
		if err := c.store.Delete(ctx, keyPrefix+entry.Key); err != nil {
			return Error.Wrap(err)
		}
	default:
		body, err := json.Marshal(entry.Value)
		if err != nil {
			return Error.Wrap(err)
		}
		if err := c.store.Set(ctx, keyPrefix+entry.Key, body, 0); err != nil {
			return Error.Wrap(err)
		}
	}

	c.appendChangeLog(entry)
	return nil
}

// RestoreConsistency replays every entry in entries in order, used after a
// reconnect to catch up on whatever this instance missed while
// disconnected from its peers (spec §4.7 "restoreConsistency").
func (c *Cache) RestoreConsistency(ctx context.Context, entries []relaytype.ChangeLogEntry) error {
	for _, entry := range entries {
		if err := c.HandleSyncEvent(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}
