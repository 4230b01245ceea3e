// Copyright (C) 2026 Driftworks, Inc.
// See LICENSE for copying information.

// Package coordinator implements the coordination plane from spec §4.4:
// instance registration and heartbeats, active-set discovery, smallest-id
// leader election, and distributed locks backed by the same Provider
// abstraction the cache service uses for its L2 store.
package coordinator

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/satori/go.uuid"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/driftworks/relaymesh/cachekv"
	"github.com/driftworks/relaymesh/internal/sync2"
	"github.com/driftworks/relaymesh/relaytype"
)

var (
	mon = monkit.Package()

	// Error is the coordinator's error class.
	Error = errs.Class("coordinator")

	// ErrLockHeld is returned by AcquireLock when the lock is held by
	// another instance and has not expired.
	ErrLockHeld = Error.New("lock is held by another instance")

	// ErrNotLockOwner is returned by ReleaseLock when the calling instance
	// does not currently hold the lock.
	ErrNotLockOwner = Error.New("instance does not hold this lock")
)

const (
	instanceKeyPrefix = "instance:"
	lockKeyPrefix     = "lock:"
	taskLockPrefix    = "tasklock:"
)

// Config carries the named options from spec §6 relevant to the
// coordination plane.
type Config struct {
	// InstanceTimeout is how long a heartbeat remains valid before an
	// instance is considered dead.
	InstanceTimeout time.Duration
	// HeartbeatInterval is how often this instance refreshes its own
	// registry record.
	HeartbeatInterval time.Duration
	// DefaultLockTTL is used when callers acquire a lock with a zero TTL.
	DefaultLockTTL time.Duration
	// MaxLockAttempts bounds the retry schedule used by AcquireLock.
	MaxLockAttempts int
	// URL, Hostname, and Region populate this instance's registry record.
	URL      string
	Hostname string
	Region   string
}

// DefaultConfig returns spec §6's documented defaults.
func DefaultConfig() Config {
	return Config{
		InstanceTimeout:   15 * time.Minute,
		HeartbeatInterval: 5 * time.Minute,
		DefaultLockTTL:    30 * time.Second,
		MaxLockAttempts:   3,
	}
}

// lockRetrySchedule is the fixed backoff from spec §4.4: {100, 500, 1000,
// 2000, 5000}ms, capped by MaxLockAttempts.
var lockRetrySchedule = []time.Duration{
	100 * time.Millisecond,
	500 * time.Millisecond,
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
}

// Coordinator is the per-instance coordination-plane client (spec §4.4).
type Coordinator struct {
	store      cachekv.Provider
	cfg        Config
	instanceID string
	log        *zap.Logger
	heartbeat  *sync2.Cycle
}

// New returns a Coordinator backed by store, generating a fresh instance ID.
func New(store cachekv.Provider, cfg Config, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		store:      store,
		cfg:        cfg,
		instanceID: newInstanceID(),
		log:        log,
		heartbeat:  sync2.NewCycle(cfg.HeartbeatInterval),
	}
}

func newInstanceID() string {
	id, err := uuid.NewV4()
	if err != nil {
		// satori/go.uuid only returns an error if the system entropy
		// source fails to read; fall back to a time-derived ID rather
		// than leaving the instance unidentified.
		return "instance-" + time.Now().Format("20060102T150405.000000000")
	}
	return id.String()
}

// InstanceID returns this process's registry identity.
func (c *Coordinator) InstanceID() string { return c.instanceID }

// Start registers this instance and launches the heartbeat cycle. It blocks
// until ctx is cancelled.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.register(ctx); err != nil {
		return Error.Wrap(err)
	}
	return c.heartbeat.Run(ctx, func(ctx context.Context) error {
		if err := c.register(ctx); err != nil {
			c.log.Warn("heartbeat failed", zap.Error(err))
		}
		return nil
	})
}

// Stop halts the heartbeat cycle.
func (c *Coordinator) Stop() {
	c.heartbeat.Close()
}

func (c *Coordinator) register(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	now := time.Now()
	inst := relaytype.Instance{
		ID:            c.instanceID,
		URL:           c.cfg.URL,
		Hostname:      c.cfg.Hostname,
		Region:        c.cfg.Region,
		LastHeartbeat: now,
		Status:        relaytype.InstanceActive,
	}

	if existing, ok, _ := c.getInstance(ctx, c.instanceID); ok {
		inst.StartedAt = existing.StartedAt
	} else {
		inst.StartedAt = now
	}

	return c.putInstance(ctx, inst)
}

func (c *Coordinator) getInstance(ctx context.Context, id string) (relaytype.Instance, bool, error) {
	data, err := c.store.Get(ctx, instanceKeyPrefix+id)
	if err == cachekv.ErrNotFound {
		return relaytype.Instance{}, false, nil
	}
	if err != nil {
		return relaytype.Instance{}, false, Error.Wrap(err)
	}
	var inst relaytype.Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return relaytype.Instance{}, false, Error.Wrap(err)
	}
	return inst, true, nil
}

func (c *Coordinator) putInstance(ctx context.Context, inst relaytype.Instance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return Error.Wrap(err)
	}
	ttlSeconds := int64(c.cfg.InstanceTimeout / time.Second)
	if err := c.store.Set(ctx, instanceKeyPrefix+inst.ID, data, ttlSeconds); err != nil {
		return Error.Wrap(err)
	}
	return nil
}

// ActiveInstances lists every instance record whose heartbeat is still
// within timeout (spec §4.4's active-set discovery).
func (c *Coordinator) ActiveInstances(ctx context.Context) (instances []relaytype.Instance, err error) {
	defer mon.Task()(&ctx)(&err)

	keys, err := c.store.ListKeys(ctx, instanceKeyPrefix)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	now := time.Now()
	for _, key := range keys {
		id := key[len(instanceKeyPrefix):]
		inst, ok, err := c.getInstance(ctx, id)
		if err != nil || !ok {
			continue
		}
		if inst.IsAlive(now, c.cfg.InstanceTimeout) {
			instances = append(instances, inst)
		}
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].ID < instances[j].ID })
	return instances, nil
}

// IsLeader reports whether this instance currently holds the smallest ID
// among the active set (spec §4.4's leader election: no election protocol,
// just a deterministic comparison recomputed on demand).
func (c *Coordinator) IsLeader(ctx context.Context) (bool, error) {
	active, err := c.ActiveInstances(ctx)
	if err != nil {
		return false, err
	}
	if len(active) == 0 {
		return true, nil
	}
	return active[0].ID == c.instanceID, nil
}

// AcquireLock attempts to acquire the named lock, retrying on the fixed
// schedule {100ms, 500ms, 1s, 2s, 5s} up to MaxLockAttempts times (spec
// §4.4). A zero ttl uses DefaultLockTTL.
func (c *Coordinator) AcquireLock(ctx context.Context, name string, ttl time.Duration) (err error) {
	defer mon.Task()(&ctx)(&err)

	if ttl <= 0 {
		ttl = c.cfg.DefaultLockTTL
	}

	attempts := c.cfg.MaxLockAttempts
	if attempts <= 0 {
		attempts = 3
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			wait := lockRetrySchedule[min(attempt-1, len(lockRetrySchedule)-1)]
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}

		acquired, err := c.tryAcquireLock(ctx, name, ttl)
		if err != nil {
			lastErr = err
			continue
		}
		if acquired {
			return nil
		}
		lastErr = ErrLockHeld
	}
	return lastErr
}

// tryAcquireLock implements spec §4.4 step 3 (preempt a lock whose owner is
// either TTL-expired or no longer a live instance) and step 4 (re-read the
// record immediately after writing it to verify this instance actually won
// the write, the way §8's post-verify invariant requires under L2 eventual
// consistency).
func (c *Coordinator) tryAcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	key := lockKeyPrefix + name
	now := time.Now()

	data, err := c.store.Get(ctx, key)
	switch {
	case err == nil:
		var existing relaytype.Lock
		if err := json.Unmarshal(data, &existing); err != nil {
			return false, Error.Wrap(err)
		}
		if existing.InstanceID != c.instanceID && !existing.Expired(now) {
			live, err := c.instanceIsLive(ctx, existing.InstanceID)
			if err != nil {
				return false, err
			}
			if live {
				return false, nil
			}
		}
	case err == cachekv.ErrNotFound:
		// no existing lock
	default:
		return false, Error.Wrap(err)
	}

	lock := relaytype.Lock{InstanceID: c.instanceID, AcquiredAt: now, TTL: ttl}
	body, err := json.Marshal(lock)
	if err != nil {
		return false, Error.Wrap(err)
	}
	if err := c.store.Set(ctx, key, body, int64(ttl/time.Second)); err != nil {
		return false, Error.Wrap(err)
	}

	verifyData, err := c.store.Get(ctx, key)
	if err != nil {
		return false, Error.Wrap(err)
	}
	var verify relaytype.Lock
	if err := json.Unmarshal(verifyData, &verify); err != nil {
		return false, Error.Wrap(err)
	}
	if verify.InstanceID != c.instanceID {
		return false, nil
	}
	return true, nil
}

// instanceIsLive reports whether id's instance registry record is still
// present -- a lock held by an instance whose record has expired or was
// never written is preemptible regardless of the lock's own TTL.
func (c *Coordinator) instanceIsLive(ctx context.Context, id string) (bool, error) {
	_, found, err := c.getInstance(ctx, id)
	return found, err
}

// ReleaseLock releases the named lock, but only if this instance currently
// holds it.
func (c *Coordinator) ReleaseLock(ctx context.Context, name string) (err error) {
	defer mon.Task()(&ctx)(&err)

	held, lockErr := c.HasLock(ctx, name)
	if lockErr != nil {
		return lockErr
	}
	if !held {
		return ErrNotLockOwner
	}
	if err := c.store.Delete(ctx, lockKeyPrefix+name); err != nil {
		return Error.Wrap(err)
	}
	return nil
}

// HasLock reports whether this instance currently holds the named lock.
func (c *Coordinator) HasLock(ctx context.Context, name string) (bool, error) {
	data, err := c.store.Get(ctx, lockKeyPrefix+name)
	if err == cachekv.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, Error.Wrap(err)
	}
	var lock relaytype.Lock
	if err := json.Unmarshal(data, &lock); err != nil {
		return false, Error.Wrap(err)
	}
	return !lock.Expired(time.Now()) && lock.InstanceID == c.instanceID, nil
}

// AcquireTaskLock is AcquireLock scoped to the per-task lock namespace used
// to serialize task processing across instances.
func (c *Coordinator) AcquireTaskLock(ctx context.Context, taskID string, ttl time.Duration) error {
	return c.AcquireLock(ctx, taskLockPrefix+taskID, ttl)
}

// ReleaseTaskLock releases a lock acquired with AcquireTaskLock.
func (c *Coordinator) ReleaseTaskLock(ctx context.Context, taskID string) error {
	return c.ReleaseLock(ctx, taskLockPrefix+taskID)
}

// CleanupStaleInstances removes instance records whose heartbeat has
// expired. Spec §4.4 reserves this for the leader so only one instance
// performs the sweep; callers are expected to gate the call on IsLeader.
func (c *Coordinator) CleanupStaleInstances(ctx context.Context) (removed int, err error) {
	defer mon.Task()(&ctx)(&err)

	keys, err := c.store.ListKeys(ctx, instanceKeyPrefix)
	if err != nil {
		return 0, Error.Wrap(err)
	}

	now := time.Now()
	for _, key := range keys {
		id := key[len(instanceKeyPrefix):]
		inst, ok, err := c.getInstance(ctx, id)
		if err != nil || !ok {
			continue
		}
		if !inst.IsAlive(now, c.cfg.InstanceTimeout) {
			if err := c.store.Delete(ctx, key); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Retry runs op with cenkalti/backoff's ExponentialBackOff, for coordination
// operations outside the fixed lock schedule above -- the task manager's
// download-fallback retries.
func Retry(ctx context.Context, maxElapsed time.Duration, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxElapsed
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}
