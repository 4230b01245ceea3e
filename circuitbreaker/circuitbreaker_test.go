// Copyright (C) 2026 Driftworks, Inc.
// See LICENSE for copying information.

package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	t.Parallel()

	b := New(Config{FailureThreshold: 3, SuccessThreshold: 1, Timeout: time.Hour})
	cause := errors.New("boom")

	for i := 0; i < 2; i++ {
		b.RecordFailure(cause)
		assert.Equal(t, Closed, b.State())
	}
	b.RecordFailure(cause)
	assert.Equal(t, Open, b.State())
	assert.False(t, b.Allow())
}

func TestBreaker_HalfOpenAfterTimeout(t *testing.T) {
	t.Parallel()

	b := New(Config{FailureThreshold: 1, SuccessThreshold: 2, Timeout: 10 * time.Millisecond})
	b.RecordFailure(errors.New("boom"))
	require.Equal(t, Open, b.State())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, HalfOpen, b.State())
	assert.True(t, b.Allow())
}

func TestBreaker_HalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	t.Parallel()

	b := New(Config{FailureThreshold: 1, SuccessThreshold: 2, Timeout: 10 * time.Millisecond})
	b.RecordFailure(errors.New("boom"))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, HalfOpen, b.State())

	b.RecordSuccess()
	assert.Equal(t, HalfOpen, b.State())
	b.RecordSuccess()
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	b := New(Config{FailureThreshold: 1, SuccessThreshold: 2, Timeout: 10 * time.Millisecond})
	b.RecordFailure(errors.New("boom"))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, HalfOpen, b.State())

	b.RecordFailure(errors.New("still failing"))
	assert.Equal(t, Open, b.State())
}

func TestBreaker_Call(t *testing.T) {
	t.Parallel()

	b := New(Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Hour})
	cause := errors.New("down")

	err := b.Call(func() error { return cause })
	assert.ErrorIs(t, err, cause)

	err = b.Call(func() error { return nil })
	assert.ErrorIs(t, err, ErrOpen)
}

func TestBreaker_Reset(t *testing.T) {
	t.Parallel()

	b := New(Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Hour})
	b.RecordFailure(errors.New("boom"))
	require.Equal(t, Open, b.State())

	b.Reset()
	assert.Equal(t, Closed, b.State())
	status := b.Status()
	assert.Equal(t, "closed", status.State)
	assert.Nil(t, status.LastError)
}
