// Copyright (C) 2026 Driftworks, Inc.
// See LICENSE for copying information.

package cachekv

import (
	"context"
	"time"
)

// Provider is the uniform capability set every L2 adapter must implement
// (spec §4.2). Both concrete adapters -- the cloud KV over signed HTTPS and
// the Redis-compatible KV -- satisfy this interface, and the Cache Service
// never depends on either concrete type.
type Provider interface {
	// Name identifies the provider for getCurrentProvider() and logging.
	Name() string
	// Get fetches key. A missing key is reported as ErrNotFound, not as a
	// generic error, so callers can distinguish "miss" from "failure".
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key with the given TTL in seconds.
	Set(ctx context.Context, key string, value []byte, ttlSeconds int64) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// ListKeys returns every key with the given prefix.
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	// Disconnect releases any held resources (connections, etc).
	Disconnect() error
}

// ErrNotFound is returned by Provider.Get when key does not exist.
var ErrNotFound = &notFoundError{}

type notFoundError struct{}

func (*notFoundError) Error() string { return "cachekv: key not found" }

// ReadResult models the explicit sum type spec §9 calls for in place of
// exceptions-for-control-flow on a missing cache key: Hit(v) | Miss |
// Err(kind).
type ReadResult struct {
	Hit   bool
	Value []byte
	Err   error
}

func hit(value []byte) ReadResult  { return ReadResult{Hit: true, Value: value} }
func miss() ReadResult              { return ReadResult{} }
func readErr(err error) ReadResult { return ReadResult{Err: err} }

// l2Read performs a Provider.Get and converts its outcome into a ReadResult,
// translating ErrNotFound into Miss.
func l2Read(ctx context.Context, p Provider, key string) ReadResult {
	v, err := p.Get(ctx, key)
	switch {
	case err == nil:
		return hit(v)
	case err == ErrNotFound:
		return miss()
	default:
		return readErr(err)
	}
}

// defaultL1Cap bounds how long a value populated from L2 may live in L1,
// per spec §4.3's cache.l1_ttl_cap configuration item.
const defaultL1Cap = 60 * time.Second
