// Copyright (C) 2026 Driftworks, Inc.
// See LICENSE for copying information.

// Package relaytypetest provides in-memory fakes for the out-of-scope
// collaborator interfaces in relaytype, standing in for a real backend in
// tests.
package relaytypetest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/driftworks/relaymesh/relaytype"
)

// ChatClient is an in-memory relaytype.ChatClient.
type ChatClient struct {
	mu       sync.Mutex
	messages map[string]relaytype.Message
	edits    []string
}

// NewChatClient returns an empty fake chat client.
func NewChatClient() *ChatClient {
	return &ChatClient{messages: make(map[string]relaytype.Message)}
}

func key(chatID, msgID string) string { return chatID + ":" + msgID }

// PutMessage registers a message the fake can later return from GetMessage.
func (c *ChatClient) PutMessage(m relaytype.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages[key(m.ChatID, m.MsgID)] = m
}

func (c *ChatClient) GetMessage(_ context.Context, chatID, msgID string) (relaytype.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.messages[key(chatID, msgID)]
	if !ok {
		return relaytype.Message{}, fmt.Errorf("message not found: %s/%s", chatID, msgID)
	}
	return m, nil
}

func (c *ChatClient) EditMessage(_ context.Context, chatID, msgID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.edits = append(c.edits, fmt.Sprintf("%s/%s: %s", chatID, msgID, text))
	return nil
}

// Edits returns every edit recorded so far, in order.
func (c *ChatClient) Edits() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.edits))
	copy(out, c.edits)
	return out
}

// Uploader is an in-memory relaytype.Uploader.
type Uploader struct {
	mu      sync.Mutex
	objects map[string][]byte
	FailNext error
}

// NewUploader returns an empty fake uploader.
func NewUploader() *Uploader {
	return &Uploader{objects: make(map[string][]byte)}
}

func (u *Uploader) Upload(_ context.Context, destination string, src io.Reader) error {
	u.mu.Lock()
	fail := u.FailNext
	u.FailNext = nil
	u.mu.Unlock()
	if fail != nil {
		return fail
	}

	data, err := io.ReadAll(src)
	if err != nil {
		return err
	}
	u.mu.Lock()
	u.objects[destination] = data
	u.mu.Unlock()
	return nil
}

func (u *Uploader) RemoteExists(_ context.Context, destination string) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	_, ok := u.objects[destination]
	return ok, nil
}

// Object returns the bytes stored under destination, for assertions.
func (u *Uploader) Object(destination string) ([]byte, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	data, ok := u.objects[destination]
	if !ok {
		return nil, false
	}
	return bytes.Clone(data), true
}

// TaskRepository is an in-memory relaytype.TaskRepository.
type TaskRepository struct {
	mu    sync.Mutex
	tasks map[string]relaytype.Task
}

// NewTaskRepository returns an empty fake task repository.
func NewTaskRepository() *TaskRepository {
	return &TaskRepository{tasks: make(map[string]relaytype.Task)}
}

func (r *TaskRepository) Get(_ context.Context, id string) (relaytype.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return relaytype.Task{}, fmt.Errorf("task not found: %s", id)
	}
	return t, nil
}

func (r *TaskRepository) Create(_ context.Context, t relaytype.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[t.ID] = t
	return nil
}

func (r *TaskRepository) Update(_ context.Context, t relaytype.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[t.ID]; !ok {
		return fmt.Errorf("task not found: %s", t.ID)
	}
	r.tasks[t.ID] = t
	return nil
}
