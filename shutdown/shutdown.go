// Copyright (C) 2026 Driftworks, Inc.
// See LICENSE for copying information.

// Package shutdown implements the process-wide graceful shutdown singleton
// from spec §4.14: priority-ordered cleanup hooks, a timeout-raced shutdown
// sequence, task draining, and the fatal-vs-recoverable error classifier
// that gates whether an unexpected error should even trigger shutdown.
package shutdown

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/driftworks/relaymesh/relayerr"
)

// Hook is a single cleanup action run during shutdown.
type Hook func(ctx context.Context) error

// DefaultTimeout is spec §4.14's documented shutdownTimeout.
const DefaultTimeout = 30 * time.Second

type registeredHook struct {
	name     string
	priority int
	hook     Hook
}

// Coordinator is the graceful shutdown singleton from spec §4.14. A process
// constructs exactly one and registers every subsystem's cleanup hook
// against it.
type Coordinator struct {
	timeout time.Duration
	log     *zap.Logger

	mu    sync.Mutex
	hooks []registeredHook

	waitingTasks int64

	shutdownOnce sync.Once
	exitCode     int
	done         chan struct{}

	exitFunc func(code int)
}

// New returns a Coordinator with spec §4.14's default timeout.
func New(log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		timeout:  DefaultTimeout,
		log:      log,
		done:     make(chan struct{}),
		exitFunc: func(int) {},
	}
}

// SetTimeout overrides the default shutdownTimeout.
func (c *Coordinator) SetTimeout(d time.Duration) { c.timeout = d }

// SetExitFunc overrides the function ForceExit invokes instead of
// os.Exit, for tests that need to observe the recorded code without ending
// the process.
func (c *Coordinator) SetExitFunc(f func(code int)) { c.exitFunc = f }

// Register adds a cleanup hook, run in ascending priority order during
// shutdown (spec §4.14: "HTTP server → instance coordinator → upstream
// client → task repository → cache" is the typical ordering, achieved by
// assigning lower priorities to components earlier in that chain).
func (c *Coordinator) Register(name string, priority int, hook Hook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, registeredHook{name: name, priority: priority, hook: hook})
}

// ExecuteCleanupHooks runs every registered hook in ascending priority
// order. Each hook is awaited independently; a hook failure is logged and
// does not skip later hooks (spec §4.14).
func (c *Coordinator) ExecuteCleanupHooks(ctx context.Context) {
	c.mu.Lock()
	hooks := make([]registeredHook, len(c.hooks))
	copy(hooks, c.hooks)
	c.mu.Unlock()

	sort.SliceStable(hooks, func(i, j int) bool { return hooks[i].priority < hooks[j].priority })

	for _, h := range hooks {
		if err := h.hook(ctx); err != nil {
			c.log.Error("cleanup hook failed", zap.String("hook", h.name), zap.Error(err))
			continue
		}
		c.log.Info("cleanup hook completed", zap.String("hook", h.name))
	}
}

// Shutdown runs the cleanup sequence, racing it against Coordinator's
// timeout, and records exitCode for ForceExit. source identifies what
// triggered the shutdown (a signal name, "fatal_error", ...); cause may be
// nil for a clean signal-triggered shutdown. Safe to call more than once --
// only the first call runs the sequence.
func (c *Coordinator) Shutdown(ctx context.Context, source string, cause error, exitCode int) {
	c.shutdownOnce.Do(func() {
		c.log.Warn("shutdown initiated", zap.String("source", source), zap.Error(cause))

		timeout := c.timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		hooksDone := make(chan struct{})
		go func() {
			c.ExecuteCleanupHooks(shutdownCtx)
			close(hooksDone)
		}()

		select {
		case <-hooksDone:
		case <-shutdownCtx.Done():
			c.log.Warn("shutdown timed out before all hooks completed", zap.Duration("timeout", timeout))
		}

		c.exitCode = exitCode
		close(c.done)
	})
}

// Done returns a channel closed once Shutdown has run to completion (or
// timed out).
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// ForceExit invokes the configured exit function with the given code,
// overriding whatever Shutdown recorded. In production this is os.Exit;
// SetExitFunc swaps in a test double.
func (c *Coordinator) ForceExit(code int) {
	c.exitFunc(code)
}

// ExitCode returns the exit code recorded by the completed shutdown
// sequence, valid only after Done() is closed.
func (c *Coordinator) ExitCode() int { return c.exitCode }

// IsRecoverableError delegates to relayerr.IsRecoverable: an uncaught
// exception classified as recoverable must not, by itself, trigger
// shutdown (spec §4.14).
func IsRecoverableError(err error) bool { return relayerr.IsRecoverable(err) }

// SetWaitingTasks updates the task counter DrainTasks polls. Callers wire
// this to their task manager's getWaitingCount()+getProcessingCount().
func (c *Coordinator) SetWaitingTasks(n int64) { atomic.StoreInt64(&c.waitingTasks, n) }

// DrainTasks polls the waiting-task counter until it reaches 0 or
// drainTimeout elapses (spec §4.14 drainTasks).
func (c *Coordinator) DrainTasks(ctx context.Context, drainTimeout, pollInterval time.Duration) error {
	deadline := time.Now().Add(drainTimeout)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if atomic.LoadInt64(&c.waitingTasks) == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return context.DeadlineExceeded
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
