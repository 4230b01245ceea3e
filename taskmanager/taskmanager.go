// Copyright (C) 2026 Driftworks, Inc.
// See LICENSE for copying information.

// Package taskmanager implements the upload/retry task lifecycle from spec
// §4.10: waiting/processing/completed counters, the lock-serialized upload
// path with idempotence and integrity checks, and retry-with-fallback for
// tasks whose local file has gone missing.
package taskmanager

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/driftworks/relaymesh/coordinator"
	"github.com/driftworks/relaymesh/relaytype"
)

var mon = monkit.Package()

// Error is the task manager's error class.
var Error = errs.Class("taskmanager")

// ErrTaskAlreadyCompleted is returned by RetryTask for a task already in a
// terminal status, mirroring spec §8's round-trip law ("retryTask on a
// completed task is a no-op, statusCode:400 Task already completed").
var ErrTaskAlreadyCompleted = Error.New("task already completed")

// ErrTaskNotFound is returned by RetryTask when task.ID has no repository
// record to retry.
var ErrTaskNotFound = Error.New("task not found")

// LocalFile abstracts the downloaded-file staging area a task uploads from.
// Concrete staging (disk, tmpfs) lives outside this module.
type LocalFile interface {
	// Stat reports whether the file still exists locally and its size.
	Stat(ctx context.Context, path string) (size int64, exists bool, err error)
	// Open returns a reader for the file's contents.
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	// Remove deletes the local staging file.
	Remove(ctx context.Context, path string) error
}

// Downloader re-fetches a task's source content when the local staging
// file is missing, for RetryTask's fallback path.
type Downloader interface {
	Download(ctx context.Context, task relaytype.Task, destPath string) error
}

// Manager is the task manager service (spec §4.10).
type Manager struct {
	coord      *coordinator.Coordinator
	repo       relaytype.TaskRepository
	uploader   relaytype.Uploader
	localFile  LocalFile
	downloader Downloader
	log        *zap.Logger

	waiting    int64
	processing int64
	completed  int64
}

// New returns a Manager.
func New(coord *coordinator.Coordinator, repo relaytype.TaskRepository, uploader relaytype.Uploader, localFile LocalFile, downloader Downloader, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		coord:      coord,
		repo:       repo,
		uploader:   uploader,
		localFile:  localFile,
		downloader: downloader,
		log:        log,
	}
}

// GetWaitingCount returns the number of tasks currently queued.
func (m *Manager) GetWaitingCount() int64 { return atomic.LoadInt64(&m.waiting) }

// GetProcessingCount returns the number of tasks currently uploading.
func (m *Manager) GetProcessingCount() int64 { return atomic.LoadInt64(&m.processing) }

// GetCompletedCount returns the number of tasks that have finished
// successfully since this process started.
func (m *Manager) GetCompletedCount() int64 { return atomic.LoadInt64(&m.completed) }

func (m *Manager) destPath(task relaytype.Task) string {
	return "staging/" + task.ID + "/" + task.FileName
}

// UploadTask runs the upload path for task: acquire the task lock, check
// for idempotent completion, stat the local file, upload it, verify
// integrity, persist the terminal status, and always release the lock and
// clean up local staging -- in that order, checking for cancellation
// between each step (spec §4.10 "uploadTask").
func (m *Manager) UploadTask(ctx context.Context, task relaytype.Task, destination string) (err error) {
	defer mon.Task()(&ctx)(&err)

	atomic.AddInt64(&m.waiting, 1)
	if err := m.coord.AcquireTaskLock(ctx, task.ID, 10*time.Minute); err != nil {
		atomic.AddInt64(&m.waiting, -1)
		return Error.Wrap(err)
	}
	atomic.AddInt64(&m.waiting, -1)
	atomic.AddInt64(&m.processing, 1)

	defer func() {
		atomic.AddInt64(&m.processing, -1)
		_ = m.coord.ReleaseTaskLock(context.Background(), task.ID)
		_ = m.localFile.Remove(context.Background(), m.destPath(task))
	}()

	if ctx.Err() != nil {
		return m.markCancelled(ctx, task)
	}

	if task.Status == relaytype.TaskCompleted {
		// another instance already finished this task before we won the
		// lock race; nothing left to do.
		return nil
	}

	path := m.destPath(task)
	size, exists, err := m.localFile.Stat(ctx, path)
	if err != nil {
		return m.markFailed(task, err)
	}
	if !exists {
		return m.markFailed(task, Error.New("local file for task %q is missing", task.ID))
	}
	if size != task.FileSize {
		return m.markFailed(task, Error.New("local file for task %q is %d bytes, expected %d", task.ID, size, task.FileSize))
	}

	if ctx.Err() != nil {
		return m.markCancelled(ctx, task)
	}

	alreadyRemote, err := m.uploader.RemoteExists(ctx, destination)
	if err != nil {
		return m.markFailed(task, err)
	}
	if !alreadyRemote {
		reader, err := m.localFile.Open(ctx, path)
		if err != nil {
			return m.markFailed(task, err)
		}
		uploadErr := m.uploader.Upload(ctx, destination, reader)
		reader.Close()
		if uploadErr != nil {
			return m.markFailed(task, uploadErr)
		}

		// spec §4.10's post-upload integrity check: the subprocess reporting
		// success is not itself proof the object landed, so list the remote
		// destination again before declaring the task complete.
		present, err := m.uploader.RemoteExists(ctx, destination)
		if err != nil {
			return m.markFailed(task, err)
		}
		if !present {
			return m.markFailed(task, Error.New("upload for task %q reported success but remote verification found nothing at %q", task.ID, destination))
		}
	}

	if ctx.Err() != nil {
		return m.markCancelled(ctx, task)
	}

	task.Status = relaytype.TaskCompleted
	task.UpdatedAt = time.Now()
	if err := m.repo.Update(ctx, task); err != nil {
		return Error.Wrap(err)
	}

	atomic.AddInt64(&m.completed, 1)
	return nil
}

// markFailed persists task as failed with cause's message as ErrorMsg (spec
// §4.10, §7) and returns cause wrapped in Error. The persist always runs
// against a background context so a cancelled ctx does not also swallow the
// failure record.
func (m *Manager) markFailed(task relaytype.Task, cause error) error {
	task.Status = relaytype.TaskFailed
	task.ErrorMsg = cause.Error()
	task.UpdatedAt = time.Now()
	if updateErr := m.repo.Update(context.Background(), task); updateErr != nil {
		m.log.Warn("failed to persist failed task status", zap.String("task_id", task.ID), zap.Error(updateErr))
	}
	return Error.Wrap(cause)
}

// markCancelled persists task as cancelled (spec §4.10 "cancellation at any
// point marks the task cancelled") and returns ctx's cancellation error.
func (m *Manager) markCancelled(ctx context.Context, task relaytype.Task) error {
	task.Status = relaytype.TaskCancelled
	task.UpdatedAt = time.Now()
	if updateErr := m.repo.Update(context.Background(), task); updateErr != nil {
		m.log.Warn("failed to persist cancelled task status", zap.String("task_id", task.ID), zap.Error(updateErr))
	}
	return ctx.Err()
}

// RetryTask re-attempts a failed task. If the local staging file is
// missing, it re-downloads the source content before retrying the upload
// (spec §4.10 "retryTask" download-fallback).
func (m *Manager) RetryTask(ctx context.Context, task relaytype.Task, destination string) (err error) {
	defer mon.Task()(&ctx)(&err)

	current, err := m.repo.Get(ctx, task.ID)
	if err != nil {
		return ErrTaskNotFound
	}
	if current.Status.IsTerminal() {
		return ErrTaskAlreadyCompleted
	}
	task = current

	path := m.destPath(task)
	_, exists, err := m.localFile.Stat(ctx, path)
	if err != nil {
		return Error.Wrap(err)
	}

	if !exists {
		if m.downloader == nil {
			return Error.New("local file for task %q is missing and no downloader is configured", task.ID)
		}
		if err := coordinator.Retry(ctx, 2*time.Minute, func() error {
			return m.downloader.Download(ctx, task, path)
		}); err != nil {
			return Error.Wrap(err)
		}
	}

	task.Attempts++
	task.Status = relaytype.TaskDownloaded
	return m.UploadTask(ctx, task, destination)
}
