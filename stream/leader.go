// Copyright (C) 2026 Driftworks, Inc.
// See LICENSE for copying information.

package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Leader is the leader-side half of the stream transfer (spec §4.12
// forwardChunk / getRemoteProgress): it POSTs downloaded chunks to the
// worker fronted by the load balancer, tracking a per-chunk retry cap.
type Leader struct {
	cfg            Config
	lbURL          string
	instanceSecret string
	client         *http.Client
	log            *zap.Logger

	mu      sync.Mutex
	retries map[chunkKey]int
}

type chunkKey struct {
	taskID     string
	chunkIndex int64
}

// NewLeader returns a Leader posting chunks to lbURL.
func NewLeader(cfg Config, lbURL, instanceSecret string, client *http.Client, log *zap.Logger) *Leader {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Leader{
		cfg:            cfg,
		lbURL:          lbURL,
		instanceSecret: instanceSecret,
		client:         client,
		log:            log,
		retries:        make(map[chunkKey]int),
	}
}

// ForwardChunk POSTs one chunk's bytes to the worker ingress at
// <lb>/api/v2/stream/<taskId>, carrying meta in headers. It aborts with
// ErrChunkRetryCapReached once this (taskId, chunkIndex) pair has already
// failed ChunkRetryCap times.
func (l *Leader) ForwardChunk(ctx context.Context, taskID string, chunkIndex int64, data []byte, meta ChunkMeta) error {
	key := chunkKey{taskID: taskID, chunkIndex: chunkIndex}

	l.mu.Lock()
	attempts := l.retries[key]
	l.mu.Unlock()

	retryCap := l.cfg.ChunkRetryCap
	if retryCap <= 0 {
		retryCap = 3
	}
	if attempts >= retryCap {
		return ErrChunkRetryCapReached
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.lbURL+"/api/v2/stream/"+taskID, bytes.NewReader(data))
	if err != nil {
		return Error.Wrap(err)
	}
	applyChunkHeaders(req.Header, meta)
	req.Header.Set("x-instance-secret", l.instanceSecret)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := l.client.Do(req)
	if err != nil {
		l.recordFailure(key)
		return Error.Wrap(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		l.recordFailure(key)
		return Error.New("worker returned status %s for task %q chunk %d", resp.Status, taskID, chunkIndex)
	}

	l.mu.Lock()
	delete(l.retries, key)
	l.mu.Unlock()
	return nil
}

func (l *Leader) recordFailure(key chunkKey) {
	l.mu.Lock()
	l.retries[key]++
	l.mu.Unlock()
}

// GetRemoteProgress queries the worker's last accepted chunk index for
// taskId, so the leader can skip chunks it has already successfully
// delivered after a restart.
func (l *Leader) GetRemoteProgress(ctx context.Context, leaderURL, taskID string) (lastChunkIndex int64, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, leaderURL+"/api/v2/stream/"+taskID+"/progress", nil)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	req.Header.Set("x-instance-secret", l.instanceSecret)

	resp, err := l.client.Do(req)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return 0, nil
	}
	if resp.StatusCode/100 != 2 {
		return 0, Error.New("progress query returned status %s for task %q", resp.Status, taskID)
	}

	var progress struct {
		LastChunkIndex int64 `json:"lastChunkIndex"`
		UploadedBytes  int64 `json:"uploadedBytes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&progress); err != nil {
		return 0, Error.Wrap(err)
	}
	return progress.LastChunkIndex, nil
}

// ShouldSkipChunk reports whether chunkIndex is already covered by the
// worker's reported progress, per forwardChunk's optional short-circuit.
func ShouldSkipChunk(chunkIndex, lastChunkIndex int64) bool {
	return chunkIndex <= lastChunkIndex
}

func applyChunkHeaders(h http.Header, meta ChunkMeta) {
	h.Set("x-file-name", url.QueryEscape(meta.FileName))
	h.Set("x-user-id", meta.UserID)
	h.Set("x-is-last", strconv.FormatBool(meta.IsLast))
	h.Set("x-chunk-index", strconv.FormatInt(meta.ChunkIndex, 10))
	h.Set("x-total-size", strconv.FormatInt(meta.TotalSize, 10))
	h.Set("x-leader-url", meta.LeaderURL)
	h.Set("x-source-instance-id", meta.SourceInstanceID)
	h.Set("x-chat-id", meta.ChatID)
	h.Set("x-msg-id", meta.MsgID)
}

func chunkMetaFromHeaders(h http.Header) ChunkMeta {
	isLast, _ := strconv.ParseBool(h.Get("x-is-last"))
	chunkIndex, _ := strconv.ParseInt(h.Get("x-chunk-index"), 10, 64)
	totalSize, _ := strconv.ParseInt(h.Get("x-total-size"), 10, 64)
	fileName, _ := url.QueryUnescape(h.Get("x-file-name"))
	return ChunkMeta{
		FileName:         fileName,
		UserID:           h.Get("x-user-id"),
		IsLast:           isLast,
		ChunkIndex:       chunkIndex,
		TotalSize:        totalSize,
		LeaderURL:        h.Get("x-leader-url"),
		SourceInstanceID: h.Get("x-source-instance-id"),
		ChatID:           h.Get("x-chat-id"),
		MsgID:            h.Get("x-msg-id"),
	}
}
