// Copyright (C) 2026 Driftworks, Inc.
// See LICENSE for copying information.

// Package stream implements the leader/worker chunked transfer from spec
// §4.12: a leader that relays downloaded chunks to a worker's HTTP ingress,
// a worker that streams them into an upload subprocess, and the
// resumability/janitor machinery both sides share.
package stream

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/driftworks/relaymesh/cachekv"
	"github.com/driftworks/relaymesh/internal/sync2"
	"github.com/driftworks/relaymesh/relaytype"
)

var mon = monkit.Package()

// Error is the stream transfer's error class.
var Error = errs.Class("stream")

// ErrChunkRetryCapReached is returned by the leader when a chunk has already
// been retried ChunkRetryCap times without success.
var ErrChunkRetryCapReached = Error.New("chunk retry cap reached")

// ErrInvalidInstanceSecret is returned by the worker when the inbound
// request's x-instance-secret header does not match.
var ErrInvalidInstanceSecret = Error.New("invalid instance secret")

const progressKeyPrefix = "stream:progress:"

// ChunkMeta carries the out-of-band metadata travelling in request headers
// (spec §4.12).
type ChunkMeta struct {
	FileName         string
	UserID           string
	IsLast           bool
	ChunkIndex       int64
	TotalSize        int64
	LeaderURL        string
	SourceInstanceID string
	ChatID           string
	MsgID            string
}

// Config carries the named options from spec §4.12.
type Config struct {
	ChunkRetryCap     int
	UIEditEvery       int64
	ProgressPushEvery int64
	StaleTimeout      time.Duration
	JanitorInterval   time.Duration
}

// DefaultConfig returns spec §4.12's documented defaults.
func DefaultConfig() Config {
	return Config{
		ChunkRetryCap:     3,
		UIEditEvery:       20,
		ProgressPushEvery: 50,
		StaleTimeout:      5 * time.Minute,
		JanitorInterval:   60 * time.Second,
	}
}

// progressContext is what saveProgressToCache/loadProgressFromCache persist
// under stream:progress:<taskId>, independent of the in-memory
// StreamSession a worker holds while actively streaming.
type progressContext struct {
	TaskID              string    `json:"task_id"`
	UploadedBytes       int64     `json:"uploaded_bytes"`
	ChunkIndexWatermark int64     `json:"chunk_index_watermark"`
	TotalSize           int64     `json:"total_size"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// ProgressStore wraps the cachekv.Provider calls this package needs for
// resumability, keeping the key scheme in one place.
type ProgressStore struct {
	store cachekv.Provider
}

// NewProgressStore returns a ProgressStore backed by store.
func NewProgressStore(store cachekv.Provider) *ProgressStore {
	return &ProgressStore{store: store}
}

func (p *ProgressStore) saveProgressToCache(ctx context.Context, taskID string, pc progressContext) error {
	data, err := json.Marshal(pc)
	if err != nil {
		return Error.Wrap(err)
	}
	return p.store.Set(ctx, progressKeyPrefix+taskID, data, 0)
}

func (p *ProgressStore) loadProgressFromCache(ctx context.Context, taskID string) (progressContext, bool, error) {
	data, err := p.store.Get(ctx, progressKeyPrefix+taskID)
	if err == cachekv.ErrNotFound {
		return progressContext{}, false, nil
	}
	if err != nil {
		return progressContext{}, false, Error.Wrap(err)
	}
	var pc progressContext
	if err := json.Unmarshal(data, &pc); err != nil {
		return progressContext{}, false, Error.Wrap(err)
	}
	return pc, true, nil
}

// GetTaskFullProgress returns the persisted progress for taskID, if any.
func (p *ProgressStore) GetTaskFullProgress(ctx context.Context, taskID string) (uploadedBytes, watermark, totalSize int64, found bool, err error) {
	pc, found, err := p.loadProgressFromCache(ctx, taskID)
	if err != nil || !found {
		return 0, 0, 0, found, err
	}
	return pc.UploadedBytes, pc.ChunkIndexWatermark, pc.TotalSize, true, nil
}

// ResumeTask reports the chunk watermark to resume from for taskID, the way
// a leader consults it before re-forwarding chunks after a restart.
func (p *ProgressStore) ResumeTask(ctx context.Context, taskID string) (watermark int64, err error) {
	pc, found, err := p.loadProgressFromCache(ctx, taskID)
	if err != nil || !found {
		return 0, err
	}
	return pc.ChunkIndexWatermark, nil
}

// ResetTask clears taskID's persisted progress, forcing the next transfer to
// start from chunk 0.
func (p *ProgressStore) ResetTask(ctx context.Context, taskID string) error {
	return p.store.Delete(ctx, progressKeyPrefix+taskID)
}

// session is the worker's in-memory view of one active transfer.
type session struct {
	relaytype.StreamSession

	mu          sync.Mutex
	upload      UploadSubprocess
	chunksSeen  int64
	retryCounts map[int64]int
}

// UploadSubprocess abstracts the cloud-upload subprocess a worker streams
// chunk bytes into (spec §4.12's "upload subprocess (stdin-streaming)").
// Concrete process management (os/exec) lives outside this package.
type UploadSubprocess interface {
	// Stdin is the subprocess's standard input, streamed chunk by chunk.
	Stdin() io.WriteCloser
	// Wait blocks until the subprocess exits, returning its exit code.
	Wait(ctx context.Context) (exitCode int, err error)
	// Kill terminates the subprocess immediately, for teardown and the
	// janitor's stale-session sweep.
	Kill() error
}

// SubprocessFactory starts a new upload subprocess for meta.
type SubprocessFactory func(ctx context.Context, taskID string, meta ChunkMeta) (UploadSubprocess, error)

// ChatNotifier pushes a UI progress edit for a chat message, mirroring
// relaytype.ChatClient.EditMessage.
type ChatNotifier interface {
	EditMessage(ctx context.Context, chatID, msgID, text string) error
}

// ProgressReporter posts progress upstream to the leader, spec §4.12 step 4.
type ProgressReporter interface {
	ReportProgress(ctx context.Context, leaderURL, taskID string, uploadedBytes, totalSize int64) error
}

// Worker is the worker-side half of the stream transfer (spec §4.12
// handleIncomingChunk, the janitor, and teardown).
type Worker struct {
	cfg              Config
	instanceSecret   string
	subprocessFactory SubprocessFactory
	progress         *ProgressStore
	notifier         ChatNotifier
	reporter         ProgressReporter
	log              *zap.Logger
	janitor          *sync2.Cycle

	mu       sync.Mutex
	sessions map[string]*session
}

// NewWorker returns a Worker.
func NewWorker(cfg Config, instanceSecret string, factory SubprocessFactory, progress *ProgressStore, notifier ChatNotifier, reporter ProgressReporter, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		cfg:               cfg,
		instanceSecret:    instanceSecret,
		subprocessFactory: factory,
		progress:          progress,
		notifier:          notifier,
		reporter:          reporter,
		log:               log,
		janitor:           sync2.NewCycle(cfg.JanitorInterval),
		sessions:          make(map[string]*session),
	}
}

// StartJanitor runs the stale-session sweep (spec §4.12 "every 60s ...
// killed and removed") until ctx is cancelled.
func (w *Worker) StartJanitor(ctx context.Context) error {
	return w.janitor.Run(ctx, func(ctx context.Context) error {
		w.sweepStaleSessions()
		return nil
	})
}

// StopJanitor halts the background sweep.
func (w *Worker) StopJanitor() { w.janitor.Close() }

func (w *Worker) sweepStaleSessions() {
	cutoff := time.Now().Add(-w.cfg.StaleTimeout)

	w.mu.Lock()
	var stale []*session
	staleIDs := make([]string, 0)
	for taskID, sess := range w.sessions {
		sess.mu.Lock()
		last := sess.LastSeen
		sess.mu.Unlock()
		if last.Before(cutoff) {
			stale = append(stale, sess)
			staleIDs = append(staleIDs, taskID)
		}
	}
	for _, taskID := range staleIDs {
		delete(w.sessions, taskID)
	}
	w.mu.Unlock()

	for i, sess := range stale {
		taskID := staleIDs[i]
		sess.mu.Lock()
		sess.Status = relaytype.StreamAborted
		sess.mu.Unlock()
		if err := sess.upload.Stdin().Close(); err != nil {
			w.log.Warn("closing stale session stdin failed", zap.String("task_id", taskID), zap.Error(err))
		}
		if err := sess.upload.Kill(); err != nil {
			w.log.Warn("killing stale session subprocess failed", zap.String("task_id", taskID), zap.Error(err))
			continue
		}
		w.log.Warn("stream session stale, killed subprocess", zap.String("task_id", taskID))
	}
}

func (w *Worker) getOrStartSession(ctx context.Context, taskID string, meta ChunkMeta) (*session, error) {
	w.mu.Lock()
	sess, ok := w.sessions[taskID]
	w.mu.Unlock()
	if ok {
		return sess, nil
	}

	proc, err := w.subprocessFactory(ctx, taskID, meta)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	sess = &session{
		StreamSession: relaytype.StreamSession{
			TaskID:    taskID,
			FileName:  meta.FileName,
			UserID:    meta.UserID,
			TotalSize: meta.TotalSize,
			LeaderURL: meta.LeaderURL,
			ChatID:    meta.ChatID,
			MsgID:     meta.MsgID,
			LastSeen:  time.Now(),
			Status:    relaytype.StreamActive,
		},
		upload:      proc,
		retryCounts: make(map[int64]int),
	}

	w.mu.Lock()
	w.sessions[taskID] = sess
	w.mu.Unlock()

	return sess, nil
}

// HandleIncomingChunk implements spec §4.12's handleIncomingChunk: verify
// the shared secret, lazily start the upload subprocess, stream body into
// its stdin, advance progress, and -- on the final chunk -- finish or
// report the subprocess's outcome.
func (w *Worker) HandleIncomingChunk(ctx context.Context, secret, taskID string, meta ChunkMeta, body io.Reader) (err error) {
	defer mon.Task()(&ctx)(&err)

	if secret != w.instanceSecret {
		return ErrInvalidInstanceSecret
	}

	sess, err := w.getOrStartSession(ctx, taskID, meta)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	if meta.ChunkIndex <= sess.ChunkIndexWatermark && sess.ChunksSeenLocked() > 0 {
		// spec §9 open question: drop retransmitted chunks at or below the
		// watermark rather than writing them twice.
		sess.mu.Unlock()
		return nil
	}
	sess.mu.Unlock()

	n, copyErr := io.Copy(sess.upload.Stdin(), body)
	if copyErr != nil {
		w.abortSession(taskID)
		return Error.Wrap(copyErr)
	}

	sess.mu.Lock()
	sess.UploadedBytes += n
	sess.ChunkIndexWatermark = meta.ChunkIndex
	sess.chunksSeen++
	sess.LastSeen = time.Now()
	chunksSeen := sess.chunksSeen
	uploaded := sess.UploadedBytes
	total := sess.TotalSize
	chatID, msgID, leaderURL := sess.ChatID, sess.MsgID, sess.LeaderURL
	sess.mu.Unlock()

	if w.progress != nil {
		_ = w.progress.saveProgressToCache(ctx, taskID, progressContext{
			TaskID:              taskID,
			UploadedBytes:       uploaded,
			ChunkIndexWatermark: meta.ChunkIndex,
			TotalSize:           total,
			UpdatedAt:           time.Now(),
		})
	}

	if w.cfg.UIEditEvery > 0 && chunksSeen%w.cfg.UIEditEvery == 0 && w.notifier != nil {
		text := humanize.Bytes(uint64(uploaded)) + " / " + humanize.Bytes(uint64(total))
		if err := w.notifier.EditMessage(ctx, chatID, msgID, text); err != nil {
			w.log.Warn("stream UI edit failed", zap.String("task_id", taskID), zap.Error(err))
		}
	}
	if w.cfg.ProgressPushEvery > 0 && chunksSeen%w.cfg.ProgressPushEvery == 0 && w.reporter != nil && leaderURL != "" {
		if err := w.reporter.ReportProgress(ctx, leaderURL, taskID, uploaded, total); err != nil {
			w.log.Warn("stream progress report failed", zap.String("task_id", taskID), zap.Error(err))
		}
	}

	if meta.IsLast {
		return w.finishOrReport(ctx, taskID, sess)
	}
	return nil
}

func (w *Worker) finishOrReport(ctx context.Context, taskID string, sess *session) error {
	if err := sess.upload.Stdin().Close(); err != nil {
		w.log.Warn("closing upload stdin failed", zap.String("task_id", taskID), zap.Error(err))
	}

	code, err := sess.upload.Wait(ctx)
	w.mu.Lock()
	delete(w.sessions, taskID)
	w.mu.Unlock()

	if err != nil || code != 0 {
		sess.mu.Lock()
		sess.Status = relaytype.StreamFailed
		sess.mu.Unlock()
		return Error.New("upload subprocess for task %q exited %d: %v", taskID, code, err)
	}

	sess.mu.Lock()
	sess.Status = relaytype.StreamFinished
	sess.mu.Unlock()
	return nil
}

func (w *Worker) abortSession(taskID string) {
	w.mu.Lock()
	sess, ok := w.sessions[taskID]
	delete(w.sessions, taskID)
	w.mu.Unlock()
	if !ok {
		return
	}
	sess.mu.Lock()
	sess.Status = relaytype.StreamAborted
	sess.mu.Unlock()
	_ = sess.upload.Kill()
}

// ChunksSeenLocked reports the number of chunks the session has accepted so
// far. The caller must hold sess.mu.
func (s *session) ChunksSeenLocked() int64 { return s.chunksSeen }

// Session returns a snapshot of taskID's in-memory session, if active.
func (w *Worker) Session(taskID string) (relaytype.StreamSession, bool) {
	w.mu.Lock()
	sess, ok := w.sessions[taskID]
	w.mu.Unlock()
	if !ok {
		return relaytype.StreamSession{}, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.StreamSession, true
}
