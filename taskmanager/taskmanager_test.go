// Copyright (C) 2026 Driftworks, Inc.
// See LICENSE for copying information.

package taskmanager

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftworks/relaymesh/cachekv/cachekvtest"
	"github.com/driftworks/relaymesh/coordinator"
	"github.com/driftworks/relaymesh/relaytype"
	"github.com/driftworks/relaymesh/relaytype/relaytypetest"
)

func newTestManager(t *testing.T) (*Manager, *relaytypetest.TaskRepository, *relaytypetest.Uploader, *fakeLocalFile) {
	store := cachekvtest.NewStore()
	coord := coordinator.New(store, coordinator.DefaultConfig(), nil)
	repo := relaytypetest.NewTaskRepository()
	uploader := relaytypetest.NewUploader()
	local := newFakeLocalFile()
	return New(coord, repo, uploader, local, nil, nil), repo, uploader, local
}

func TestManager_UploadTask_Success(t *testing.T) {
	t.Parallel()

	mgr, repo, uploader, local := newTestManager(t)
	ctx := context.Background()

	task := relaytype.Task{ID: "t1", FileName: "clip.mp4", FileSize: 5, Status: relaytype.TaskDownloaded}
	require.NoError(t, repo.Create(ctx, task))
	local.Put(mgr.destPath(task), []byte("hello"))

	require.NoError(t, mgr.UploadTask(ctx, task, "bucket/t1"))

	data, ok := uploader.Object("bucket/t1")
	require.True(t, ok)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, int64(1), mgr.GetCompletedCount())
	assert.False(t, local.Has(mgr.destPath(task)), "staging file must be cleaned up")

	held, err := mgr.coord.HasLock(ctx, "tasklock:"+task.ID)
	require.NoError(t, err)
	assert.False(t, held, "task lock must be released")
}

func TestManager_UploadTask_MissingLocalFile(t *testing.T) {
	t.Parallel()

	mgr, repo, _, _ := newTestManager(t)
	ctx := context.Background()

	task := relaytype.Task{ID: "t1", FileName: "clip.mp4", FileSize: 5}
	require.NoError(t, repo.Create(ctx, task))

	err := mgr.UploadTask(ctx, task, "bucket/t1")
	assert.Error(t, err)
	assert.Equal(t, int64(0), mgr.GetCompletedCount())
}

func TestManager_UploadTask_SizeMismatch(t *testing.T) {
	t.Parallel()

	mgr, repo, _, local := newTestManager(t)
	ctx := context.Background()

	task := relaytype.Task{ID: "t1", FileName: "clip.mp4", FileSize: 99}
	require.NoError(t, repo.Create(ctx, task))
	local.Put(mgr.destPath(task), []byte("hello"))

	err := mgr.UploadTask(ctx, task, "bucket/t1")
	assert.Error(t, err)
}

func TestManager_UploadTask_IdempotentWhenAlreadyRemote(t *testing.T) {
	t.Parallel()

	mgr, repo, uploader, local := newTestManager(t)
	ctx := context.Background()

	task := relaytype.Task{ID: "t1", FileName: "clip.mp4", FileSize: 5}
	require.NoError(t, repo.Create(ctx, task))
	local.Put(mgr.destPath(task), []byte("hello"))

	// simulate a prior, already-successful upload to the destination.
	require.NoError(t, uploader.Upload(ctx, "bucket/t1", bytes.NewReader([]byte("hello"))))

	uploader.FailNext = errors.New("must not be called: remote already has this object")
	require.NoError(t, mgr.UploadTask(ctx, task, "bucket/t1"))
}

func TestManager_RetryTask_RedownloadsMissingFile(t *testing.T) {
	t.Parallel()

	store := cachekvtest.NewStore()
	coord := coordinator.New(store, coordinator.DefaultConfig(), nil)
	repo := relaytypetest.NewTaskRepository()
	uploader := relaytypetest.NewUploader()
	local := newFakeLocalFile()
	downloader := newFakeDownloader(local)

	mgr := New(coord, repo, uploader, local, downloader, nil)
	ctx := context.Background()

	task := relaytype.Task{ID: "t1", FileName: "clip.mp4", FileSize: 5}
	require.NoError(t, repo.Create(ctx, task))
	downloader.SetPayload("t1", []byte("hello"))

	require.NoError(t, mgr.RetryTask(ctx, task, "bucket/t1"))

	assert.Equal(t, 1, downloader.calls)
	data, ok := uploader.Object("bucket/t1")
	require.True(t, ok)
	assert.Equal(t, "hello", string(data))
}

func TestManager_WaitingCount_WhileLockContended(t *testing.T) {
	t.Parallel()

	store := cachekvtest.NewStore()
	repo := relaytypetest.NewTaskRepository()
	local := newFakeLocalFile()
	mgr := New(coordinator.New(store, coordinator.DefaultConfig(), nil), repo, relaytypetest.NewUploader(), local, nil, nil)
	ctx := context.Background()

	// the lock is held by a second, registered instance sharing the store;
	// an instance re-acquiring its own lock would not wait.
	holder := coordinator.New(store, coordinator.DefaultConfig(), nil)
	holderCtx, stopHolder := context.WithCancel(ctx)
	defer stopHolder()
	go func() { _ = holder.Start(holderCtx) }()
	require.Eventually(t, func() bool {
		active, err := holder.ActiveInstances(ctx)
		return err == nil && len(active) == 1
	}, time.Second, time.Millisecond)

	task := relaytype.Task{ID: "t1", FileSize: 5}
	require.NoError(t, repo.Create(ctx, task))
	local.Put(mgr.destPath(task), []byte("hello"))

	require.NoError(t, holder.AcquireTaskLock(ctx, task.ID, time.Minute))

	done := make(chan error, 1)
	go func() { done <- mgr.UploadTask(ctx, task, "bucket/t1") }()

	time.Sleep(10 * time.Millisecond)
	assert.GreaterOrEqual(t, mgr.GetWaitingCount(), int64(0))

	require.NoError(t, holder.ReleaseTaskLock(ctx, task.ID))
	<-done
}
