// Copyright (C) 2026 Driftworks, Inc.
// See LICENSE for copying information.

package dedup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftworks/relaymesh/cachekv/cachekvtest"
	"github.com/driftworks/relaymesh/relaytype"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ProcessingStaleAfter = 20 * time.Millisecond
	cfg.LockTTL = time.Minute
	cfg.PollInterval = 5 * time.Millisecond
	return cfg
}

func TestService_RegisterTaskIsIdempotent(t *testing.T) {
	t.Parallel()

	svc := New(cachekvtest.NewStore(), testConfig())
	ctx := context.Background()

	result, err := svc.RegisterTask(ctx, "chat:1:msg:5", map[string]string{"file": "a.mp4"}, RegisterOptions{})
	require.NoError(t, err)
	assert.True(t, result.Registered)
	assert.Equal(t, relaytype.DedupPending, result.Record.Status)

	result2, err := svc.RegisterTask(ctx, "chat:1:msg:5", map[string]string{"file": "ignored"}, RegisterOptions{})
	require.NoError(t, err)
	assert.False(t, result2.Registered)
	assert.Equal(t, ReasonDuplicate, result2.Reason)
	assert.True(t, result.Record.CreatedAt.Equal(result2.Record.CreatedAt))
}

func TestService_RegisterTask_AllowDuplicateBypassesRejection(t *testing.T) {
	t.Parallel()

	svc := New(cachekvtest.NewStore(), testConfig())
	ctx := context.Background()

	_, err := svc.RegisterTask(ctx, "k", nil, RegisterOptions{})
	require.NoError(t, err)

	result, err := svc.RegisterTask(ctx, "k", "new-data", RegisterOptions{AllowDuplicate: true})
	require.NoError(t, err)
	assert.True(t, result.Registered)
}

func TestService_RegisterTask_TerminalRecordIsNotADuplicate(t *testing.T) {
	t.Parallel()

	svc := New(cachekvtest.NewStore(), testConfig())
	ctx := context.Background()

	_, err := svc.RegisterTask(ctx, "k", nil, RegisterOptions{})
	require.NoError(t, err)
	_, err = svc.BeginProcessing(ctx, "k", "worker-a", ProcessingOptions{})
	require.NoError(t, err)
	require.NoError(t, svc.CompleteProcessing(ctx, "k", "worker-a", "payload", 0))

	result, err := svc.RegisterTask(ctx, "k", nil, RegisterOptions{})
	require.NoError(t, err)
	assert.False(t, result.Registered)
	assert.Empty(t, result.Reason)
	assert.Equal(t, relaytype.DedupCompleted, result.Status)
}

func TestService_BeginProcessing_RejectsConcurrentWorker(t *testing.T) {
	t.Parallel()

	svc := New(cachekvtest.NewStore(), testConfig())
	ctx := context.Background()

	_, err := svc.RegisterTask(ctx, "k", nil, RegisterOptions{})
	require.NoError(t, err)

	result, err := svc.BeginProcessing(ctx, "k", "worker-a", ProcessingOptions{})
	require.NoError(t, err)
	require.True(t, result.CanProcess)

	result2, err := svc.BeginProcessing(ctx, "k", "worker-b", ProcessingOptions{})
	require.NoError(t, err)
	assert.False(t, result2.CanProcess)
	assert.Equal(t, ReasonLocked, result2.Reason)
}

func TestService_BeginProcessing_PreemptsStaleClaim(t *testing.T) {
	t.Parallel()

	svc := New(cachekvtest.NewStore(), testConfig())
	ctx := context.Background()

	_, err := svc.RegisterTask(ctx, "k", nil, RegisterOptions{})
	require.NoError(t, err)

	_, err = svc.BeginProcessing(ctx, "k", "worker-a", ProcessingOptions{})
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	result, err := svc.BeginProcessing(ctx, "k", "worker-b", ProcessingOptions{})
	require.NoError(t, err)
	require.True(t, result.CanProcess)
	assert.Equal(t, 2, result.Attempt)
}

func TestService_BeginProcessing_UnregisteredTask(t *testing.T) {
	t.Parallel()

	svc := New(cachekvtest.NewStore(), testConfig())
	ctx := context.Background()

	result, err := svc.BeginProcessing(ctx, "missing", "worker-a", ProcessingOptions{})
	require.NoError(t, err)
	assert.False(t, result.CanProcess)
	assert.Equal(t, ReasonNotRegistered, result.Reason)
}

func TestService_CompleteAndFailProcessing(t *testing.T) {
	t.Parallel()

	svc := New(cachekvtest.NewStore(), testConfig())
	ctx := context.Background()

	_, err := svc.RegisterTask(ctx, "k1", nil, RegisterOptions{})
	require.NoError(t, err)
	_, err = svc.BeginProcessing(ctx, "k1", "worker-a", ProcessingOptions{})
	require.NoError(t, err)
	require.NoError(t, svc.CompleteProcessing(ctx, "k1", "worker-a", map[string]string{"ok": "true"}, 0))

	status, found, err := svc.GetTaskStatus(ctx, "k1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, relaytype.DedupCompleted, status)

	_, found, err = svc.getProcessing(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, found, "processing claim must be released on completion")

	_, err = svc.RegisterTask(ctx, "k2", nil, RegisterOptions{})
	require.NoError(t, err)
	_, err = svc.BeginProcessing(ctx, "k2", "worker-a", ProcessingOptions{})
	require.NoError(t, err)
	require.NoError(t, svc.FailProcessing(ctx, "k2", "worker-a", errors.New("network blip"), true))

	status, found, err = svc.GetTaskStatus(ctx, "k2")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, relaytype.DedupFailedRetryable, status)
}

func TestService_CompleteProcessing_RejectsWrongOwner(t *testing.T) {
	t.Parallel()

	svc := New(cachekvtest.NewStore(), testConfig())
	ctx := context.Background()

	_, err := svc.RegisterTask(ctx, "k", nil, RegisterOptions{})
	require.NoError(t, err)
	_, err = svc.BeginProcessing(ctx, "k", "worker-a", ProcessingOptions{})
	require.NoError(t, err)

	err = svc.CompleteProcessing(ctx, "k", "worker-b", "payload", 0)
	assert.Error(t, err)
}

func TestService_GetTaskResult_PollsUntilTerminal(t *testing.T) {
	t.Parallel()

	svc := New(cachekvtest.NewStore(), testConfig())
	ctx := context.Background()

	_, err := svc.RegisterTask(ctx, "k", nil, RegisterOptions{})
	require.NoError(t, err)
	_, err = svc.BeginProcessing(ctx, "k", "worker-a", ProcessingOptions{})
	require.NoError(t, err)

	go func() {
		time.Sleep(15 * time.Millisecond)
		_ = svc.CompleteProcessing(context.Background(), "k", "worker-a", "final-result", 0)
	}()

	record, result, err := svc.GetTaskResult(ctx, "k", time.Second)
	require.NoError(t, err)
	assert.Equal(t, relaytype.DedupCompleted, record.Status)
	assert.Equal(t, "result:k", record.ResultKey)
	assert.Equal(t, "final-result", result)
}

func TestService_GetTaskResult_TimesOut(t *testing.T) {
	t.Parallel()

	svc := New(cachekvtest.NewStore(), testConfig())
	ctx := context.Background()

	_, err := svc.RegisterTask(ctx, "k", nil, RegisterOptions{})
	require.NoError(t, err)

	_, _, err = svc.GetTaskResult(ctx, "k", 20*time.Millisecond)
	assert.Error(t, err)
}
