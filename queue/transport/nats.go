// Copyright (C) 2026 Driftworks, Inc.
// See LICENSE for copying information.

package transport

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/zeebo/errs"
)

// NATSError is the NATS transport's error class.
var NATSError = errs.Class("nats transport")

// NATSTransport publishes to a NATS subject derived from the message's
// topic, for deployments that run a message broker instead of pointing the
// queue service at a bare webhook endpoint.
type NATSTransport struct {
	conn          *nats.Conn
	subjectPrefix string
}

// NewNATSTransport wraps an already-connected *nats.Conn. subjectPrefix is
// prepended to every message's topic to form the NATS subject.
func NewNATSTransport(conn *nats.Conn, subjectPrefix string) *NATSTransport {
	return &NATSTransport{conn: conn, subjectPrefix: subjectPrefix}
}

func (t *NATSTransport) Publish(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return NATSError.Wrap(err)
	}
	subject := t.subjectPrefix + msg.Topic
	if err := t.conn.Publish(subject, body); err != nil {
		return NATSError.Wrap(err)
	}
	return nil
}

func (t *NATSTransport) Close() error {
	t.conn.Close()
	return nil
}
