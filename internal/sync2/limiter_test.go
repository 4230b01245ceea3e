// Copyright (C) 2026 Driftworks, Inc.
// See LICENSE for copying information.

package sync2_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/driftworks/relaymesh/internal/sync2"
)

func TestLimiterLimiting(t *testing.T) {
	const n, limit = 200, 10
	ctx := context.Background()
	limiter := sync2.NewLimiter(limit)
	counter := int32(0)
	for i := 0; i < n; i++ {
		limiter.Go(ctx, func() {
			if atomic.AddInt32(&counter, 1) > limit {
				panic("limit exceeded")
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&counter, -1)
		})
	}
	limiter.Wait()
}

func TestLimiterCancelling(t *testing.T) {
	limiter := sync2.NewLimiter(4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := limiter.Go(ctx, func() {})
	if ran {
		// the slot may still have been free; just ensure Wait doesn't hang.
	}
	limiter.Wait()
}
