// Copyright (C) 2026 Driftworks, Inc.
// See LICENSE for copying information.

package cachekv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftworks/relaymesh/relayerr"
)

func testConfig() ServiceConfig {
	cfg := DefaultServiceConfig()
	cfg.RecoveryProbeInterval = 0 // tests trigger the probe manually
	cfg.TTLJitterFraction = 0
	return cfg
}

func TestService_RoundTrip(t *testing.T) {
	t.Parallel()

	primary := newFakeProvider("Cloudflare KV")
	fallback := newFakeProvider("Upstash Redis")
	svc := NewService(primary, fallback, testConfig(), nil)

	ctx := context.Background()
	require.NoError(t, svc.Set(ctx, "greeting", []byte("hello"), time.Minute, Options{}))

	value, found, err := svc.Get(ctx, "greeting", Options{})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("hello"), value)

	assert.Equal(t, []byte("hello"), primary.data["greeting"])
}

func TestService_Get_MissReturnsNotFoundAsAbsent(t *testing.T) {
	t.Parallel()

	primary := newFakeProvider("Cloudflare KV")
	svc := NewService(primary, nil, testConfig(), nil)

	_, found, err := svc.Get(context.Background(), "nope", Options{})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestService_WriteSuppression(t *testing.T) {
	t.Parallel()

	primary := newFakeProvider("Cloudflare KV")
	svc := NewService(primary, nil, testConfig(), nil)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, "k", []byte("v1"), time.Minute, Options{}))
	require.Equal(t, 1, primary.setCallCount())

	// identical value: L1 recognizes it as unchanged and suppresses the L2
	// write entirely.
	require.NoError(t, svc.Set(ctx, "k", []byte("v1"), time.Minute, Options{}))
	assert.Equal(t, 1, primary.setCallCount())

	// a changed value always writes through.
	require.NoError(t, svc.Set(ctx, "k", []byte("v2"), time.Minute, Options{}))
	assert.Equal(t, 2, primary.setCallCount())
}

func TestService_WriteSuppression_SkipCacheForcesWrite(t *testing.T) {
	t.Parallel()

	primary := newFakeProvider("Cloudflare KV")
	svc := NewService(primary, nil, testConfig(), nil)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, "k", []byte("v1"), time.Minute, Options{}))
	require.NoError(t, svc.Set(ctx, "k", []byte("v1"), time.Minute, Options{SkipCache: true}))
	assert.Equal(t, 2, primary.setCallCount())
}

func TestService_FailoverThenRecovery(t *testing.T) {
	t.Parallel()

	quotaErr := relayerr.QuotaExhausted.New("free usage limit exceeded")

	primary := newFakeProvider("Cloudflare KV")
	primary.getErrs = []error{quotaErr, quotaErr, quotaErr}

	fallback := newFakeProvider("Upstash Redis")
	fallback.data["video:123"] = []byte("payload")

	cfg := testConfig()
	cfg.MaxFailures = 3
	svc := NewService(primary, fallback, cfg, nil)
	ctx := context.Background()

	assert.Equal(t, "Cloudflare KV", svc.GetCurrentProvider())

	for i := 0; i < 3; i++ {
		_, _, err := svc.Get(ctx, "video:123", Options{SkipL1: true})
		require.Error(t, err)
	}

	// the failure threshold was reached on the third call: the fourth call
	// lands on the fallback and succeeds.
	assert.Equal(t, "Upstash Redis", svc.GetCurrentProvider())
	value, found, err := svc.Get(ctx, "video:123", Options{SkipL1: true})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("payload"), value)
	assert.True(t, svc.IsFailoverMode())

	// a later health probe succeeds against the primary: the service
	// switches back.
	svc.TriggerRecoveryProbe(ctx)
	assert.Equal(t, "Cloudflare KV", svc.GetCurrentProvider())
	assert.False(t, svc.IsFailoverMode())
}

func TestService_L1CoherenceOnL2Hit(t *testing.T) {
	t.Parallel()

	primary := newFakeProvider("Cloudflare KV")
	primary.data["k"] = []byte("from-l2")
	svc := NewService(primary, nil, testConfig(), nil)
	ctx := context.Background()

	value, found, err := svc.Get(ctx, "k", Options{})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("from-l2"), value)

	// the L2 read should have populated L1; a second read must not touch L2.
	primary.getErrs = []error{relayerr.Fatal.New("should not be called")}
	value2, found2, err2 := svc.Get(ctx, "k", Options{})
	require.NoError(t, err2)
	require.True(t, found2)
	assert.Equal(t, []byte("from-l2"), value2)
}

func TestService_Delete(t *testing.T) {
	t.Parallel()

	primary := newFakeProvider("Cloudflare KV")
	svc := NewService(primary, nil, testConfig(), nil)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, "k", []byte("v"), time.Minute, Options{}))
	require.NoError(t, svc.Delete(ctx, "k"))

	_, found, err := svc.Get(ctx, "k", Options{})
	require.NoError(t, err)
	assert.False(t, found)
}
