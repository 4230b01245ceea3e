// Copyright (C) 2026 Driftworks, Inc.
// See LICENSE for copying information.

package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftworks/relaymesh/circuitbreaker"
	"github.com/driftworks/relaymesh/queue/transport"
)

type fakeTransport struct {
	mu       sync.Mutex
	sent     []transport.Message
	failNext int
	closed   bool
}

func (f *fakeTransport) Publish(ctx context.Context, msg transport.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return errors.New("delivery failed")
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

func TestService_EnqueueAddsMeta(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{}
	svc := New(ft, circuitbreaker.DefaultConfig(), "instance-1", nil)

	require.NoError(t, svc.EnqueueDownloadTask(context.Background(), []byte("payload")))
	require.Len(t, ft.sent, 1)
	assert.Equal(t, "download_task", ft.sent[0].Topic)
	assert.Equal(t, "instance-1", ft.sent[0].Meta["instance_id"])
	assert.Equal(t, "download_task", ft.sent[0].Meta["topic"])
	assert.NotEmpty(t, ft.sent[0].Meta["published_at"])
}

func TestService_BatchPublishStopsAtFirstFailure(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{failNext: 1}
	cfg := circuitbreaker.DefaultConfig()
	cfg.FailureThreshold = 10
	svc := New(ft, cfg, "instance-1", nil)

	delivered, err := svc.BatchPublish(context.Background(), "upload_task", [][]byte{
		[]byte("a"), []byte("b"), []byte("c"),
	})
	require.Error(t, err)
	assert.Equal(t, 0, delivered)
}

func TestService_CircuitBreakerTripsAndResets(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{failNext: 3}
	cfg := circuitbreaker.Config{FailureThreshold: 3, SuccessThreshold: 1, Timeout: time.Hour}
	svc := New(ft, cfg, "instance-1", nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.Error(t, svc.Publish(ctx, "system_event", []byte("x")))
	}

	assert.Equal(t, "open", svc.GetCircuitBreakerStatus().State)

	err := svc.Publish(ctx, "system_event", []byte("x"))
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)

	svc.ResetCircuitBreaker()
	assert.Equal(t, "closed", svc.GetCircuitBreakerStatus().State)

	require.NoError(t, svc.Publish(ctx, "system_event", []byte("x")))
}

func TestService_VerifyWebhookSignature(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{}
	svc := New(ft, circuitbreaker.DefaultConfig(), "instance-1", nil)

	body := []byte(`{"hello":"world"}`)
	sig := transport.Sign("current-key", body)
	assert.True(t, svc.VerifyWebhookSignature("current-key", "next-key", body, sig))
	assert.False(t, svc.VerifyWebhookSignature("other-key", "next-key", body, sig))

	nextSig := transport.Sign("next-key", body)
	assert.True(t, svc.VerifyWebhookSignature("current-key", "next-key", body, nextSig))
}
