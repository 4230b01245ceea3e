// Copyright (C) 2026 Driftworks, Inc.
// See LICENSE for copying information.

package main

import (
	"context"
	"encoding/json"

	"github.com/driftworks/relaymesh/queue"
	"github.com/driftworks/relaymesh/relaytype"
)

// broadcastAdapter lets the queue service's system-event channel serve as
// consistentcache.Broadcaster: a change-log entry is just another system
// event payload.
type broadcastAdapter struct {
	queue *queue.Service
}

func (a broadcastAdapter) Broadcast(ctx context.Context, entry relaytype.ChangeLogEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return a.queue.BroadcastSystemEvent(ctx, payload)
}

// statePublishAdapter lets the queue service's system-event channel serve
// as statesync.Publisher.
type statePublishAdapter struct {
	queue *queue.Service
}

type stateChangeMessage struct {
	UserID    string          `json:"user_id"`
	StateType string          `json:"state_type"`
	State     relaytype.State `json:"state"`
}

func (a statePublishAdapter) PublishStateChange(ctx context.Context, userID, stateType string, state relaytype.State) error {
	payload, err := json.Marshal(stateChangeMessage{UserID: userID, StateType: stateType, State: state})
	if err != nil {
		return err
	}
	return a.queue.BroadcastSystemEvent(ctx, payload)
}

// batchPublishAdapter satisfies batch.Publisher directly through the queue
// service's general Publish method.
type batchPublishAdapter struct {
	queue *queue.Service
}

func (a batchPublishAdapter) Publish(ctx context.Context, topic string, payload []byte) error {
	return a.queue.Publish(ctx, topic, payload)
}
