// Copyright (C) 2026 Driftworks, Inc.
// See LICENSE for copying information.

// Package upstashredis implements the fallback L2 provider adapter (spec
// §4.2, §9): a Redis-compatible KV reached through github.com/go-redis/redis,
// matching the provider name ("Upstash Redis") the fail-over scenario in
// spec §8 names explicitly.
package upstashredis

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/zeebo/errs"

	"github.com/driftworks/relaymesh/cachekv"
	"github.com/driftworks/relaymesh/relayerr"
)

// Error is the error class for this adapter.
var Error = errs.Class("upstashredis")

// Provider is a go-redis backed L2 adapter.
type Provider struct {
	client redis.UniversalClient
}

// New wraps an existing redis client. Callers construct the client (e.g.
// redis.NewClient with Upstash's TLS endpoint) so connection options stay
// out of this package.
func New(client redis.UniversalClient) *Provider {
	return &Provider{client: client}
}

func (p *Provider) Name() string { return "Upstash Redis" }

func (p *Provider) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := p.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		return data, nil
	case err == redis.Nil:
		return nil, cachekv.ErrNotFound
	default:
		return nil, classify(err)
	}
}

func (p *Provider) Set(ctx context.Context, key string, value []byte, ttlSeconds int64) error {
	ttl := time.Duration(ttlSeconds) * time.Second
	if err := p.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return classify(err)
	}
	return nil
}

func (p *Provider) Delete(ctx context.Context, key string) error {
	if err := p.client.Del(ctx, key).Err(); err != nil && err != redis.Nil {
		return classify(err)
	}
	return nil
}

func (p *Provider) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := p.client.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return nil, classify(err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

func (p *Provider) Disconnect() error {
	if closer, ok := p.client.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func classify(err error) error {
	kind := relayerr.Classify(err)
	switch kind {
	case relayerr.KindRateLimited:
		return relayerr.RateLimited.Wrap(err)
	case relayerr.KindQuotaExhausted:
		return relayerr.QuotaExhausted.Wrap(err)
	case relayerr.KindTimeout:
		return relayerr.Timeout.Wrap(err)
	case relayerr.KindNetwork:
		return relayerr.Network.Wrap(err)
	default:
		return Error.Wrap(err)
	}
}
