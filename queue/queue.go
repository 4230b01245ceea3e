// Copyright (C) 2026 Driftworks, Inc.
// See LICENSE for copying information.

// Package queue implements the at-least-once messaging facade from spec
// §4.6: topic enrichment, a per-transport circuit breaker, and the
// operator-facing diagnostics (getCircuitBreakerStatus, resetCircuitBreaker).
package queue

import (
	"context"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/driftworks/relaymesh/circuitbreaker"
	"github.com/driftworks/relaymesh/queue/transport"
)

var mon = monkit.Package()

// Error is the queue service's error class.
var Error = errs.Class("queue")

const (
	topicDownloadTask  = "download_task"
	topicUploadTask    = "upload_task"
	topicSystemEvent   = "system_event"
)

// Service is the queue service from spec §4.6.
type Service struct {
	transport  transport.Transport
	breaker    *circuitbreaker.Breaker
	instanceID string
	log        *zap.Logger
	now        func() time.Time
}

// New returns a Service publishing through t.
func New(t transport.Transport, breakerCfg circuitbreaker.Config, instanceID string, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		transport:  t,
		breaker:    circuitbreaker.New(breakerCfg),
		instanceID: instanceID,
		log:        log,
		now:        time.Now,
	}
}

func (s *Service) envelope(topic string, payload []byte) transport.Message {
	return transport.Message{
		Topic:   topic,
		Payload: payload,
		Meta: map[string]string{
			"instance_id": s.instanceID,
			"published_at": s.now().UTC().Format(time.RFC3339Nano),
			"topic":        topic,
		},
	}
}

// Publish sends payload on topic through the circuit breaker.
func (s *Service) Publish(ctx context.Context, topic string, payload []byte) (err error) {
	defer mon.Task()(&ctx)(&err)

	msg := s.envelope(topic, payload)
	err = s.breaker.Call(func() error {
		return s.transport.Publish(ctx, msg)
	})
	if err != nil {
		s.log.Warn("queue publish failed", zap.String("topic", topic), zap.Error(err))
		return Error.Wrap(err)
	}
	return nil
}

// EnqueueDownloadTask publishes a download-task message.
func (s *Service) EnqueueDownloadTask(ctx context.Context, payload []byte) error {
	return s.Publish(ctx, topicDownloadTask, payload)
}

// EnqueueUploadTask publishes an upload-task message.
func (s *Service) EnqueueUploadTask(ctx context.Context, payload []byte) error {
	return s.Publish(ctx, topicUploadTask, payload)
}

// BroadcastSystemEvent publishes a system-wide event message.
func (s *Service) BroadcastSystemEvent(ctx context.Context, payload []byte) error {
	return s.Publish(ctx, topicSystemEvent, payload)
}

// BatchPublish publishes every payload on topic, stopping at the first
// failure and reporting how many were delivered before it.
func (s *Service) BatchPublish(ctx context.Context, topic string, payloads [][]byte) (delivered int, err error) {
	defer mon.Task()(&ctx)(&err)

	for _, payload := range payloads {
		if err := s.Publish(ctx, topic, payload); err != nil {
			return delivered, err
		}
		delivered++
	}
	return delivered, nil
}

// VerifyWebhookSignature checks an inbound webhook delivery's signature
// against the current and next signing keys (spec §4.6, §4.13 rotation).
func (s *Service) VerifyWebhookSignature(currentKey, nextKey string, body []byte, signature string) bool {
	return transport.VerifySignature(currentKey, nextKey, body, signature)
}

// GetCircuitBreakerStatus returns the queue transport's breaker diagnostics.
func (s *Service) GetCircuitBreakerStatus() circuitbreaker.Status {
	return s.breaker.Status()
}

// ResetCircuitBreaker forces the transport breaker back to CLOSED -- an
// operator action for recovering from a false trip.
func (s *Service) ResetCircuitBreaker() {
	s.breaker.Reset()
}

// Close releases the underlying transport's resources.
func (s *Service) Close() error {
	return s.transport.Close()
}
