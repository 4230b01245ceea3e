// Copyright (C) 2026 Driftworks, Inc.
// See LICENSE for copying information.

// Package dedup implements the task-deduplication service from spec §4.8:
// idempotent registration keyed by a caller-supplied task key, a processing
// lock with staleness preemption held in its own sibling key, and polling
// for a durably-persisted result.
package dedup

import (
	"context"
	"encoding/json"
	"time"

	"github.com/zeebo/errs"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/driftworks/relaymesh/cachekv"
	"github.com/driftworks/relaymesh/relaytype"
)

var mon = monkit.Package()

// Error is the deduplication service's error class.
var Error = errs.Class("dedup")

const (
	taskKeyPrefix       = "task:"
	processingKeyPrefix = "processing:"
	resultKeyPrefix     = "result:"

	// ReasonDuplicate, ReasonAlreadyCompleted, ReasonLocked, and
	// ReasonNotRegistered are the reason strings spec §4.8 documents
	// alongside registered:false / canProcess:false.
	ReasonDuplicate        = "duplicate"
	ReasonAlreadyCompleted = "already_completed"
	ReasonLocked           = "locked"
	ReasonNotRegistered    = "not_registered"
)

// Config carries the named options from spec §6 relevant to deduplication.
type Config struct {
	// ProcessingStaleAfter is maxProcessingTime: how long a processing
	// claim may run before another worker may preempt it.
	ProcessingStaleAfter time.Duration
	// LockTTL is the short TTL applied to the processing:<key> record
	// itself, independent of ProcessingStaleAfter.
	LockTTL time.Duration
	// RecordTTL bounds how long a Dedup record (and its result) lives in
	// the store after reaching a terminal status.
	RecordTTL time.Duration
	// PollInterval is used by GetTaskResult's polling loop.
	PollInterval time.Duration
}

// DefaultConfig returns spec §6/§4.8's documented defaults.
func DefaultConfig() Config {
	return Config{
		ProcessingStaleAfter: 10 * time.Minute,
		LockTTL:              5 * time.Minute,
		RecordTTL:            24 * time.Hour,
		PollInterval:         500 * time.Millisecond,
	}
}

// Service is the deduplication service (spec §4.8).
type Service struct {
	store cachekv.Provider
	cfg   Config
}

// New returns a Service backed by store.
func New(store cachekv.Provider, cfg Config) *Service {
	return &Service{store: store, cfg: cfg}
}

// RegisterOptions carries registerTask's named options (spec §4.8).
type RegisterOptions struct {
	// TTL overrides Config.RecordTTL for this task record.
	TTL time.Duration
	// AllowDuplicate bypasses the duplicate check, re-registering taskKey
	// even if a non-terminal record exists. A completed or failed record is
	// never re-registered.
	AllowDuplicate bool
}

// RegisterResult is registerTask's return value (spec §4.8).
type RegisterResult struct {
	Registered bool
	Reason     string
	TaskKey    string
	Status     relaytype.DedupStatus
	Record     relaytype.Dedup
}

// RegisterTask idempotently registers a task under taskKey (spec §4.8
// registerTask). A present record that is not yet completed or failed is a
// duplicate unless opts.AllowDuplicate is set; a present record that *is*
// completed or failed is not a duplicate and is reported as such with its
// terminal status, not rejected.
func (s *Service) RegisterTask(ctx context.Context, taskKey string, data interface{}, opts RegisterOptions) (result RegisterResult, err error) {
	defer mon.Task()(&ctx)(&err)

	existing, found, err := s.getTask(ctx, taskKey)
	if err != nil {
		return RegisterResult{}, err
	}
	if found {
		switch existing.Status {
		case relaytype.DedupCompleted, relaytype.DedupFailed:
			// a terminal record is never itself a duplicate rejection --
			// the caller gets the settled status back.
			return RegisterResult{Registered: false, TaskKey: taskKey, Status: existing.Status, Record: existing}, nil
		default:
			if !opts.AllowDuplicate {
				return RegisterResult{Registered: false, Reason: ReasonDuplicate, TaskKey: taskKey, Status: existing.Status, Record: existing}, nil
			}
		}
	}

	record := relaytype.Dedup{
		TaskKey:   taskKey,
		Data:      data,
		Status:    relaytype.DedupPending,
		CreatedAt: time.Now(),
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = s.cfg.RecordTTL
	}
	if err := s.putTask(ctx, record, ttl); err != nil {
		return RegisterResult{}, err
	}
	return RegisterResult{Registered: true, TaskKey: taskKey, Status: record.Status, Record: record}, nil
}

// ProcessingOptions carries beginProcessing's named options (spec §4.8).
type ProcessingOptions struct {
	// LockTTL is the processing:<key> record's own store TTL. Zero uses
	// Config.LockTTL.
	LockTTL time.Duration
	// MaxProcessingTime bounds how long a claim may run before another
	// worker may preempt it. Zero uses Config.ProcessingStaleAfter.
	MaxProcessingTime time.Duration
}

// BeginProcessingResult is beginProcessing's return value (spec §4.8).
type BeginProcessingResult struct {
	CanProcess bool
	Reason     string
	Attempt    int
	Data       interface{}
}

type processingRecord struct {
	Worker    string    `json:"worker"`
	StartedAt time.Time `json:"started_at"`
}

// BeginProcessing claims taskKey for workerID by creating a sibling
// processing:<key> record (spec §4.8 beginProcessing). A claim already held
// by another worker is refused unless it has run longer than
// MaxProcessingTime, in which case it is preempted.
func (s *Service) BeginProcessing(ctx context.Context, taskKey, workerID string, opts ProcessingOptions) (result BeginProcessingResult, err error) {
	defer mon.Task()(&ctx)(&err)

	task, found, err := s.getTask(ctx, taskKey)
	if err != nil {
		return BeginProcessingResult{}, err
	}
	if !found {
		return BeginProcessingResult{Reason: ReasonNotRegistered}, nil
	}
	if task.Status == relaytype.DedupCompleted {
		return BeginProcessingResult{Reason: ReasonAlreadyCompleted}, nil
	}

	maxProcessing := opts.MaxProcessingTime
	if maxProcessing <= 0 {
		maxProcessing = s.cfg.ProcessingStaleAfter
	}

	existing, foundLock, err := s.getProcessing(ctx, taskKey)
	if err != nil {
		return BeginProcessingResult{}, err
	}
	if foundLock && existing.Worker != workerID {
		if time.Since(existing.StartedAt) < maxProcessing {
			return BeginProcessingResult{Reason: ReasonLocked}, nil
		}
		// stale claim -- fall through and preempt it.
	}

	lockTTL := opts.LockTTL
	if lockTTL <= 0 {
		lockTTL = s.cfg.LockTTL
	}
	now := time.Now()
	if err := s.putProcessing(ctx, taskKey, processingRecord{Worker: workerID, StartedAt: now}, lockTTL); err != nil {
		return BeginProcessingResult{}, err
	}

	task.Status = relaytype.DedupProcessing
	task.ProcessingWorker = workerID
	task.ProcessingStartedAt = &now
	task.Attempts++
	if err := s.putTask(ctx, task, s.cfg.RecordTTL); err != nil {
		return BeginProcessingResult{}, err
	}

	return BeginProcessingResult{CanProcess: true, Attempt: task.Attempts, Data: task.Data}, nil
}

// ownsProcessing verifies workerID currently holds taskKey's processing
// claim, the ownership check spec §4.8 requires before completeProcessing
// or failProcessing may act.
func (s *Service) ownsProcessing(ctx context.Context, taskKey, workerID string) error {
	existing, found, err := s.getProcessing(ctx, taskKey)
	if err != nil {
		return err
	}
	if !found || existing.Worker != workerID {
		return Error.New("worker %q does not hold the processing claim for task %q", workerID, taskKey)
	}
	return nil
}

// CompleteProcessing verifies workerID's ownership, persists result under
// result:<taskKey>, marks the task completed, and releases the processing
// claim (spec §4.8 completeProcessing).
func (s *Service) CompleteProcessing(ctx context.Context, taskKey, workerID string, result interface{}, ttl time.Duration) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := s.ownsProcessing(ctx, taskKey, workerID); err != nil {
		return err
	}

	task, found, err := s.getTask(ctx, taskKey)
	if err != nil {
		return err
	}
	if !found {
		return Error.New("task %q is not registered", taskKey)
	}

	if ttl <= 0 {
		ttl = s.cfg.RecordTTL
	}
	resultKey := resultKeyPrefix + taskKey
	if err := s.putResult(ctx, resultKey, result, ttl); err != nil {
		return err
	}

	task.Status = relaytype.DedupCompleted
	task.ResultKey = resultKey
	task.ProcessingStartedAt = nil
	if err := s.putTask(ctx, task, ttl); err != nil {
		return err
	}
	return s.deleteProcessing(ctx, taskKey)
}

// FailProcessing verifies workerID's ownership, marks taskKey failed or
// failed_retryable, and releases the processing claim (spec §4.8
// failProcessing).
func (s *Service) FailProcessing(ctx context.Context, taskKey, workerID string, cause error, retryable bool) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := s.ownsProcessing(ctx, taskKey, workerID); err != nil {
		return err
	}

	task, found, err := s.getTask(ctx, taskKey)
	if err != nil {
		return err
	}
	if !found {
		return Error.New("task %q is not registered", taskKey)
	}

	if retryable {
		task.Status = relaytype.DedupFailedRetryable
	} else {
		task.Status = relaytype.DedupFailed
	}
	if cause != nil {
		task.Error = cause.Error()
	}
	task.ProcessingStartedAt = nil
	if err := s.putTask(ctx, task, s.cfg.RecordTTL); err != nil {
		return err
	}
	return s.deleteProcessing(ctx, taskKey)
}

// GetTaskStatus returns the current status of taskKey.
func (s *Service) GetTaskStatus(ctx context.Context, taskKey string) (status relaytype.DedupStatus, found bool, err error) {
	defer mon.Task()(&ctx)(&err)

	record, found, err := s.getTask(ctx, taskKey)
	if err != nil || !found {
		return "", found, err
	}
	return record.Status, true, nil
}

// GetTaskResult polls taskKey until it reaches a terminal status or timeout
// elapses, returning the task record alongside its persisted result payload
// when completed (spec §4.8 getTaskResult).
func (s *Service) GetTaskResult(ctx context.Context, taskKey string, timeout time.Duration) (record relaytype.Dedup, result interface{}, err error) {
	defer mon.Task()(&ctx)(&err)

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		existing, found, err := s.getTask(ctx, taskKey)
		if err != nil {
			return relaytype.Dedup{}, nil, err
		}
		if found && isTerminal(existing.Status) {
			if existing.Status == relaytype.DedupCompleted && existing.ResultKey != "" {
				payload, resErr := s.getResult(ctx, existing.ResultKey)
				if resErr != nil {
					return relaytype.Dedup{}, nil, resErr
				}
				return existing, payload, nil
			}
			return existing, nil, nil
		}
		if time.Now().After(deadline) {
			return relaytype.Dedup{}, nil, Error.New("timed out waiting for task %q", taskKey)
		}

		select {
		case <-ctx.Done():
			return relaytype.Dedup{}, nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func isTerminal(status relaytype.DedupStatus) bool {
	switch status {
	case relaytype.DedupCompleted, relaytype.DedupFailed:
		return true
	default:
		return false
	}
}

func (s *Service) getTask(ctx context.Context, taskKey string) (relaytype.Dedup, bool, error) {
	data, err := s.store.Get(ctx, taskKeyPrefix+taskKey)
	if err == cachekv.ErrNotFound {
		return relaytype.Dedup{}, false, nil
	}
	if err != nil {
		return relaytype.Dedup{}, false, Error.Wrap(err)
	}
	var record relaytype.Dedup
	if err := json.Unmarshal(data, &record); err != nil {
		return relaytype.Dedup{}, false, Error.Wrap(err)
	}
	return record, true, nil
}

func (s *Service) putTask(ctx context.Context, record relaytype.Dedup, ttl time.Duration) error {
	body, err := json.Marshal(record)
	if err != nil {
		return Error.Wrap(err)
	}
	if err := s.store.Set(ctx, taskKeyPrefix+record.TaskKey, body, int64(ttl/time.Second)); err != nil {
		return Error.Wrap(err)
	}
	return nil
}

func (s *Service) getProcessing(ctx context.Context, taskKey string) (processingRecord, bool, error) {
	data, err := s.store.Get(ctx, processingKeyPrefix+taskKey)
	if err == cachekv.ErrNotFound {
		return processingRecord{}, false, nil
	}
	if err != nil {
		return processingRecord{}, false, Error.Wrap(err)
	}
	var record processingRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return processingRecord{}, false, Error.Wrap(err)
	}
	return record, true, nil
}

func (s *Service) putProcessing(ctx context.Context, taskKey string, record processingRecord, ttl time.Duration) error {
	body, err := json.Marshal(record)
	if err != nil {
		return Error.Wrap(err)
	}
	if err := s.store.Set(ctx, processingKeyPrefix+taskKey, body, int64(ttl/time.Second)); err != nil {
		return Error.Wrap(err)
	}
	return nil
}

func (s *Service) deleteProcessing(ctx context.Context, taskKey string) error {
	if err := s.store.Delete(ctx, processingKeyPrefix+taskKey); err != nil {
		return Error.Wrap(err)
	}
	return nil
}

func (s *Service) putResult(ctx context.Context, resultKey string, result interface{}, ttl time.Duration) error {
	body, err := json.Marshal(result)
	if err != nil {
		return Error.Wrap(err)
	}
	if err := s.store.Set(ctx, resultKey, body, int64(ttl/time.Second)); err != nil {
		return Error.Wrap(err)
	}
	return nil
}

func (s *Service) getResult(ctx context.Context, resultKey string) (interface{}, error) {
	data, err := s.store.Get(ctx, resultKey)
	if err == cachekv.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	var result interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, Error.Wrap(err)
	}
	return result, nil
}
