// Copyright (C) 2026 Driftworks, Inc.
// See LICENSE for copying information.

// Package batch implements the prioritized, bounded-concurrency executor
// from spec §4.10: createBatch/processBatch/processItems/onBatchComplete,
// with atomic and non-atomic partial-failure policies.
package batch

import (
	"context"
	"encoding/json"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/satori/go.uuid"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/driftworks/relaymesh/cachekv"
	"github.com/driftworks/relaymesh/coordinator"
	"github.com/driftworks/relaymesh/internal/sync2"
	"github.com/driftworks/relaymesh/relaytype"
)

var mon = monkit.Package()

// Error is the batch processor's error class.
var Error = errs.Class("batch")

// ErrTooManyConcurrentBatches is returned by ProcessBatch when
// Config.MaxConcurrentBatches is already saturated.
var ErrTooManyConcurrentBatches = Error.New("too many batches processing concurrently")

const keyPrefix = "batch:"

// Publisher is the narrow slice of queue.Service this package depends on --
// satisfied directly by *queue.Service.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

const topicBatchUpdate = "batch_update"

// Config carries the named options from spec §4.10.
type Config struct {
	MaxBatchSize         int
	ChunkSize            int
	MaxConcurrentBatches int
	LockTTL              time.Duration
	WaitTimeout          time.Duration
	WaitPollInterval     time.Duration
}

// DefaultConfig returns spec §4.10's documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize:         100,
		ChunkSize:            10,
		MaxConcurrentBatches: 5,
		LockTTL:              120 * time.Second,
		WaitTimeout:          5 * time.Minute,
		WaitPollInterval:     200 * time.Millisecond,
	}
}

// ItemProcessor processes a single batch item, returning its result or the
// error that should be recorded for it.
type ItemProcessor func(ctx context.Context, item interface{}) (interface{}, error)

// CreateOptions are the optional fields accepted by CreateBatch.
type CreateOptions struct {
	UserID   string
	Priority relaytype.BatchPriority
	Metadata map[string]string
}

// Service is the batch processor from spec §4.10.
type Service struct {
	store     cachekv.Provider
	coord     *coordinator.Coordinator
	publisher Publisher
	cfg       Config
	log       *zap.Logger

	mu    sync.Mutex
	queue []queuedBatch

	inFlight int64
}

type queuedBatch struct {
	id     string
	weight int
}

// New returns a Service.
func New(store cachekv.Provider, coord *coordinator.Coordinator, publisher Publisher, cfg Config, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, coord: coord, publisher: publisher, cfg: cfg, log: log}
}

func newBatchID() string {
	id, err := uuid.NewV4()
	if err != nil {
		return "batch-" + time.Now().Format("20060102T150405.000000000")
	}
	return id.String()
}

// CreateBatch trims items to Config.MaxBatchSize, stores the record, and
// pushes it onto the priority queue (spec §4.10 createBatch).
func (s *Service) CreateBatch(ctx context.Context, batchType string, items []interface{}, opts CreateOptions) (batchID string, err error) {
	defer mon.Task()(&ctx)(&err)

	if opts.Priority == "" {
		opts.Priority = relaytype.PriorityNormal
	}
	if len(items) > s.cfg.MaxBatchSize {
		items = items[:s.cfg.MaxBatchSize]
	}

	b := relaytype.Batch{
		ID:       newBatchID(),
		Type:     batchType,
		Items:    items,
		Priority: opts.Priority,
		Status:   relaytype.BatchPending,
	}
	if err := s.put(ctx, b); err != nil {
		return "", err
	}

	s.log.Debug("batch created",
		zap.String("batch_id", b.ID),
		zap.String("type", batchType),
		zap.String("priority", string(opts.Priority)),
		zap.String("user_id", opts.UserID),
		zap.Int("metadata_fields", len(opts.Metadata)),
	)

	s.mu.Lock()
	s.queue = append(s.queue, queuedBatch{id: b.ID, weight: opts.Priority.Weight()})
	sort.SliceStable(s.queue, func(i, j int) bool { return s.queue[i].weight > s.queue[j].weight })
	s.mu.Unlock()

	return b.ID, nil
}

// Next pops the highest-priority queued batch ID, or "" if the queue is
// empty.
func (s *Service) Next() (batchID string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return "", false
	}
	head := s.queue[0]
	s.queue = s.queue[1:]
	return head.id, true
}

func (s *Service) get(ctx context.Context, batchID string) (relaytype.Batch, error) {
	data, err := s.store.Get(ctx, keyPrefix+batchID)
	if err == cachekv.ErrNotFound {
		return relaytype.Batch{}, Error.New("batch %q not found", batchID)
	}
	if err != nil {
		return relaytype.Batch{}, Error.Wrap(err)
	}
	var b relaytype.Batch
	if err := json.Unmarshal(data, &b); err != nil {
		return relaytype.Batch{}, Error.Wrap(err)
	}
	return b, nil
}

func (s *Service) put(ctx context.Context, b relaytype.Batch) error {
	data, err := json.Marshal(b)
	if err != nil {
		return Error.Wrap(err)
	}
	if err := s.store.Set(ctx, keyPrefix+b.ID, data, 0); err != nil {
		return Error.Wrap(err)
	}
	return nil
}

// ProcessBatch acquires the per-batch lock, runs processor over the batch's
// items in chunks with bounded parallelism, and persists the terminal
// status and per-item results (spec §4.10 processBatch). When atomic is
// true, the first item failure short-circuits the remaining chunks.
func (s *Service) ProcessBatch(ctx context.Context, batchID string, processor ItemProcessor, atomicMode bool) (result relaytype.Batch, err error) {
	defer mon.Task()(&ctx)(&err)

	if atomic.AddInt64(&s.inFlight, 1) > int64(s.cfg.MaxConcurrentBatches) {
		atomic.AddInt64(&s.inFlight, -1)
		return relaytype.Batch{}, ErrTooManyConcurrentBatches
	}
	defer atomic.AddInt64(&s.inFlight, -1)

	lockName := "batch_process:" + batchID
	if err := s.coord.AcquireLock(ctx, lockName, s.cfg.LockTTL); err != nil {
		return relaytype.Batch{}, Error.Wrap(err)
	}
	defer func() { _ = s.coord.ReleaseLock(context.Background(), lockName) }()

	b, err := s.get(ctx, batchID)
	if err != nil {
		return relaytype.Batch{}, err
	}
	b.Status = relaytype.BatchProcessing
	if err := s.put(ctx, b); err != nil {
		return relaytype.Batch{}, err
	}

	results := make([]relaytype.ItemResult, 0, len(b.Items))
	failed := false

chunkLoop:
	for start := 0; start < len(b.Items); start += s.cfg.ChunkSize {
		end := start + s.cfg.ChunkSize
		if end > len(b.Items) {
			end = len(b.Items)
		}
		chunkResults := processChunk(ctx, b.Items[start:end], start, processor, s.cfg.ChunkSize)
		for _, r := range chunkResults {
			results = append(results, r)
			if !r.Success {
				failed = true
				if atomicMode {
					break chunkLoop
				}
			}
		}
	}

	b.Results = results
	for _, r := range results {
		if r.Success {
			b.Processed++
		} else {
			b.Failed++
		}
	}
	if failed && atomicMode {
		b.Status = relaytype.BatchFailed
	} else {
		b.Status = relaytype.BatchCompleted
	}

	if err := s.put(ctx, b); err != nil {
		return relaytype.Batch{}, err
	}

	if s.publisher != nil {
		payload, marshalErr := json.Marshal(b)
		if marshalErr == nil {
			if err := s.publisher.Publish(ctx, topicBatchUpdate, payload); err != nil {
				s.log.Warn("batch_update publish failed", zap.String("batch_id", b.ID), zap.Error(err))
			}
		}
	}

	return b, nil
}

// processChunk runs processor over items (with original indices offset by
// base) with at most concurrency goroutines in flight at once.
func processChunk(ctx context.Context, items []interface{}, base int, processor ItemProcessor, concurrency int) []relaytype.ItemResult {
	results := make([]relaytype.ItemResult, len(items))
	limiter := sync2.NewLimiter(concurrency)

	for i, item := range items {
		i, item := i, item
		limiter.Go(ctx, func() {
			res, err := processor(ctx, item)
			if err != nil {
				results[i] = relaytype.ItemResult{Success: false, Item: item, Error: err.Error(), Index: base + i}
				return
			}
			results[i] = relaytype.ItemResult{Success: true, Item: item, Result: res, Index: base + i}
		})
	}
	limiter.Wait()
	return results
}

// ProcessItems is a free-standing parallel map over items, chunked at
// batchSize with a small inter-chunk yield, independent of any stored
// Batch record (spec §4.10 processItems).
func ProcessItems(ctx context.Context, items []interface{}, processor ItemProcessor, concurrency, batchSize int) []relaytype.ItemResult {
	if batchSize <= 0 {
		batchSize = len(items)
		if batchSize == 0 {
			batchSize = 1
		}
	}

	results := make([]relaytype.ItemResult, 0, len(items))
	for start := 0; start < len(items); start += batchSize {
		end := start + batchSize
		if end > len(items) {
			end = len(items)
		}
		results = append(results, processChunk(ctx, items[start:end], start, processor, concurrency)...)
		if end < len(items) {
			runtime.Gosched()
		}
	}
	return results
}

// onBatchComplete (spec §4.10) polls the stored batch record until its
// status is terminal or timeout elapses.
func (s *Service) OnBatchComplete(ctx context.Context, batchID string) (relaytype.Batch, error) {
	timeout := s.cfg.WaitTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	deadline := time.Now().Add(timeout)

	ticker := time.NewTicker(s.cfg.WaitPollInterval)
	defer ticker.Stop()

	for {
		b, err := s.get(ctx, batchID)
		if err == nil && (b.Status == relaytype.BatchCompleted || b.Status == relaytype.BatchFailed) {
			return b, nil
		}

		if time.Now().After(deadline) {
			return relaytype.Batch{}, Error.New("batch %q did not complete within %s", batchID, timeout)
		}

		select {
		case <-ctx.Done():
			return relaytype.Batch{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
