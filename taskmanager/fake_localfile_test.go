// Copyright (C) 2026 Driftworks, Inc.
// See LICENSE for copying information.

package taskmanager

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/driftworks/relaymesh/relaytype"
)

type fakeLocalFile struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newFakeLocalFile() *fakeLocalFile {
	return &fakeLocalFile{files: make(map[string][]byte)}
}

func (f *fakeLocalFile) Put(path string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = data
}

func (f *fakeLocalFile) Stat(ctx context.Context, path string) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[path]
	if !ok {
		return 0, false, nil
	}
	return int64(len(data)), true, nil
}

func (f *fakeLocalFile) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[path]
	if !ok {
		return nil, errNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeLocalFile) Remove(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, path)
	return nil
}

func (f *fakeLocalFile) Has(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.files[path]
	return ok
}

var errNotFound = io.ErrUnexpectedEOF

type fakeDownloader struct {
	mu       sync.Mutex
	local    *fakeLocalFile
	payloads map[string][]byte
	calls    int
}

func newFakeDownloader(local *fakeLocalFile) *fakeDownloader {
	return &fakeDownloader{local: local, payloads: make(map[string][]byte)}
}

func (d *fakeDownloader) SetPayload(taskID string, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.payloads[taskID] = data
}

func (d *fakeDownloader) Download(ctx context.Context, task relaytype.Task, destPath string) error {
	d.mu.Lock()
	d.calls++
	payload, ok := d.payloads[task.ID]
	d.mu.Unlock()
	if !ok {
		payload = make([]byte, task.FileSize)
	}
	d.local.Put(destPath, payload)
	return nil
}
