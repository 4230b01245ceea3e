// Copyright (C) 2026 Driftworks, Inc.
// See LICENSE for copying information.

package cachekv

import (
	"context"
	"sync"
)

// fakeProvider is a minimal in-memory Provider used to exercise the Cache
// Service's fail-over and write-through logic without a network dependency.
type fakeProvider struct {
	mu   sync.Mutex
	name string
	data map[string][]byte

	getErrs    []error
	setErrs    []error
	setCalls   int
	getCalls   int
	disconnect bool
}

func newFakeProvider(name string) *fakeProvider {
	return &fakeProvider{name: name, data: make(map[string][]byte)}
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Get(ctx context.Context, key string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.getCalls++

	if len(p.getErrs) > 0 {
		err := p.getErrs[0]
		p.getErrs = p.getErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	v, ok := p.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (p *fakeProvider) Set(ctx context.Context, key string, value []byte, ttlSeconds int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setCalls++

	if len(p.setErrs) > 0 {
		err := p.setErrs[0]
		p.setErrs = p.setErrs[1:]
		if err != nil {
			return err
		}
	}

	p.data[key] = value
	return nil
}

func (p *fakeProvider) Delete(ctx context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.data, key)
	return nil
}

func (p *fakeProvider) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var keys []string
	for k := range p.data {
		keys = append(keys, k)
	}
	return keys, nil
}

func (p *fakeProvider) Disconnect() error {
	p.disconnect = true
	return nil
}

func (p *fakeProvider) setCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.setCalls
}
