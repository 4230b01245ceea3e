// Copyright (C) 2026 Driftworks, Inc.
// See LICENSE for copying information.

// Package sync2 collects small concurrency primitives shared across the
// coordination plane: a cancellable periodic timer, a bounded-concurrency
// goroutine limiter, and a per-key mutex. None of them hold a distributed
// lock record themselves -- they only coordinate goroutines within a single
// process.
package sync2

import (
	"context"
	"sync"
	"time"
)

// Cycle repeatedly runs a function on an interval until stopped. It drives
// the instance heartbeat, the cache recovery probe, and the stream janitor's
// stale-session sweep.
type Cycle struct {
	interval time.Duration

	once  sync.Once
	ch    chan struct{}
	done  chan struct{}
	pause chan struct{}

	control chan cycleControl
}

type cycleControl struct {
	kind ctrlKind
	resp chan struct{}
}

type ctrlKind int

const (
	ctrlTrigger ctrlKind = iota
	ctrlTriggerWait
	ctrlPause
	ctrlResume
)

// NewCycle returns a Cycle with the given interval.
func NewCycle(interval time.Duration) *Cycle {
	c := &Cycle{}
	c.SetInterval(interval)
	return c
}

// SetInterval changes the interval used on the next iteration.
func (c *Cycle) SetInterval(interval time.Duration) {
	c.interval = interval
}

func (c *Cycle) init() {
	c.once.Do(func() {
		c.ch = make(chan struct{}, 1)
		c.done = make(chan struct{})
		c.control = make(chan cycleControl)
	})
}

// Start launches the cycle in a new goroutine, calling fn immediately and
// then every interval, until the context is cancelled or Close is called.
// Errors returned by fn stop the cycle; the caller observes them through the
// supplied errgroup-like runner.
func (c *Cycle) Start(ctx context.Context, wg interface{ Go(func() error) }, fn func(ctx context.Context) error) {
	c.init()
	wg.Go(func() error {
		return c.Run(ctx, fn)
	})
}

// Run executes fn immediately and then on every tick until ctx is done or
// Close is called. It blocks the calling goroutine.
func (c *Cycle) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	c.init()

	paused := false
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		case ctl := <-c.control:
			switch ctl.kind {
			case ctrlPause:
				paused = true
			case ctrlResume:
				paused = false
			case ctrlTrigger:
				if err := fn(ctx); err != nil {
					return err
				}
			case ctrlTriggerWait:
				if err := fn(ctx); err != nil {
					close(ctl.resp)
					return err
				}
				close(ctl.resp)
			}
			continue
		case <-timer.C:
			if !paused {
				if err := fn(ctx); err != nil {
					return err
				}
			}
			timer.Reset(c.interval)
		}
	}
}

// Trigger requests an out-of-band run of fn, without waiting for it to
// complete.
func (c *Cycle) Trigger() {
	c.init()
	select {
	case c.control <- cycleControl{kind: ctrlTrigger}:
	case <-c.done:
	}
}

// TriggerWait requests an out-of-band run of fn and waits for it to finish.
func (c *Cycle) TriggerWait() {
	c.init()
	resp := make(chan struct{})
	select {
	case c.control <- cycleControl{kind: ctrlTriggerWait, resp: resp}:
		<-resp
	case <-c.done:
	}
}

// Pause suspends the timer-driven invocations; Trigger/TriggerWait still work.
func (c *Cycle) Pause() {
	c.init()
	select {
	case c.control <- cycleControl{kind: ctrlPause}:
	case <-c.done:
	}
}

// Resume re-enables the timer-driven invocations.
func (c *Cycle) Resume() {
	c.init()
	select {
	case c.control <- cycleControl{kind: ctrlResume}:
	case <-c.done:
	}
}

// Close stops the cycle for good. Safe to call multiple times.
func (c *Cycle) Close() {
	c.init()
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// Stop is an alias for Close kept for call sites that read better as "stop".
func (c *Cycle) Stop() { c.Close() }
