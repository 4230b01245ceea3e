// Copyright (C) 2026 Driftworks, Inc.
// See LICENSE for copying information.

// Package transport defines the pluggable delivery mechanism the queue
// service publishes through (spec §4.6), with two concrete
// implementations: the spec-literal signed HTTP webhook, and an
// alternative NATS-backed transport grounded on the rest of the retrieved
// corpus's messaging stack.
package transport

import "context"

// Message is one envelope handed to a Transport for delivery. Meta carries
// the topic-enrichment fields spec §4.6 calls "_meta" -- instance ID,
// publish timestamp, and topic -- attached to every outbound message
// regardless of transport.
type Message struct {
	Topic   string
	Payload []byte
	Meta    map[string]string
}

// Transport delivers a single message and reports delivery success. It does
// not retry; retries and circuit-breaking are the queue service's
// responsibility.
type Transport interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}
