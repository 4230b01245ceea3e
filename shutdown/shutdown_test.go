// Copyright (C) 2026 Driftworks, Inc.
// See LICENSE for copying information.

package shutdown

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteCleanupHooks_RunsInPriorityOrder(t *testing.T) {
	t.Parallel()

	c := New(nil)

	var mu sync.Mutex
	var order []string
	record := func(name string) Hook {
		return func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}

	c.Register("cache", 50, record("cache"))
	c.Register("http_server", 10, record("http_server"))
	c.Register("task_repository", 40, record("task_repository"))
	c.Register("instance_coordinator", 20, record("instance_coordinator"))

	c.ExecuteCleanupHooks(context.Background())

	assert.Equal(t, []string{"http_server", "instance_coordinator", "task_repository", "cache"}, order)
}

func TestExecuteCleanupHooks_FailingHookDoesNotBlockLater(t *testing.T) {
	t.Parallel()

	c := New(nil)

	var ran2, ran3 bool
	c.Register("first", 1, func(context.Context) error { return errors.New("boom") })
	c.Register("second", 2, func(context.Context) error { ran2 = true; return nil })
	c.Register("third", 3, func(context.Context) error { ran3 = true; return nil })

	c.ExecuteCleanupHooks(context.Background())

	assert.True(t, ran2)
	assert.True(t, ran3)
}

func TestShutdown_RunsOnlyOnce(t *testing.T) {
	t.Parallel()

	c := New(nil)

	var calls int
	c.Register("only", 1, func(context.Context) error { calls++; return nil })

	c.Shutdown(context.Background(), "signal", nil, 0)
	c.Shutdown(context.Background(), "signal", nil, 0)

	<-c.Done()
	assert.Equal(t, 1, calls)
}

func TestShutdown_TimesOutSlowHooks(t *testing.T) {
	t.Parallel()

	c := New(nil)
	c.SetTimeout(20 * time.Millisecond)

	blocked := make(chan struct{})
	c.Register("slow", 1, func(ctx context.Context) error {
		select {
		case <-blocked:
		case <-ctx.Done():
		}
		return ctx.Err()
	})

	start := time.Now()
	c.Shutdown(context.Background(), "fatal_error", errors.New("boom"), 1)
	<-c.Done()
	elapsed := time.Since(start)

	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, 1, c.ExitCode())
	close(blocked)
}

func TestForceExit_InvokesConfiguredExitFunc(t *testing.T) {
	t.Parallel()

	c := New(nil)
	var gotCode int
	c.SetExitFunc(func(code int) { gotCode = code })

	c.ForceExit(7)
	assert.Equal(t, 7, gotCode)
}

func TestIsRecoverableError_DelegatesToRelayerr(t *testing.T) {
	t.Parallel()

	assert.True(t, IsRecoverableError(errors.New("ECONNRESET: peer closed")))
	assert.True(t, IsRecoverableError(errors.New("FLOOD_WAIT_30")))
	assert.False(t, IsRecoverableError(errors.New("panic: nil pointer dereference")))
	assert.False(t, IsRecoverableError(nil))
}

func TestDrainTasks_ReturnsOnceCounterReachesZero(t *testing.T) {
	t.Parallel()

	c := New(nil)
	c.SetWaitingTasks(3)

	go func() {
		time.Sleep(10 * time.Millisecond)
		c.SetWaitingTasks(0)
	}()

	err := c.DrainTasks(context.Background(), time.Second, 5*time.Millisecond)
	require.NoError(t, err)
}

func TestDrainTasks_TimesOutWhenTasksNeverDrain(t *testing.T) {
	t.Parallel()

	c := New(nil)
	c.SetWaitingTasks(1)

	err := c.DrainTasks(context.Background(), 20*time.Millisecond, 5*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDrainTasks_RespectsContextCancellation(t *testing.T) {
	t.Parallel()

	c := New(nil)
	c.SetWaitingTasks(1)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	err := c.DrainTasks(ctx, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, err, context.Canceled)
}
