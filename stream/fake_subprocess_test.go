// Copyright (C) 2026 Driftworks, Inc.
// See LICENSE for copying information.

package stream

import (
	"bytes"
	"context"
	"io"
	"sync"
)

type fakeStdin struct {
	buf    bytes.Buffer
	mu     sync.Mutex
	closed bool
}

func (s *fakeStdin) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *fakeStdin) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStdin) bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Clone(s.buf.Bytes())
}

type fakeSubprocess struct {
	stdin    *fakeStdin
	exitCode int
	waitErr  error
	killed   bool
}

func newFakeSubprocess(exitCode int, waitErr error) *fakeSubprocess {
	return &fakeSubprocess{stdin: &fakeStdin{}, exitCode: exitCode, waitErr: waitErr}
}

func (p *fakeSubprocess) Stdin() io.WriteCloser { return p.stdin }

func (p *fakeSubprocess) Wait(ctx context.Context) (int, error) { return p.exitCode, p.waitErr }

func (p *fakeSubprocess) Kill() error {
	p.killed = true
	return nil
}

func fakeFactory(procs map[string]*fakeSubprocess) SubprocessFactory {
	return func(ctx context.Context, taskID string, meta ChunkMeta) (UploadSubprocess, error) {
		proc, ok := procs[taskID]
		if !ok {
			proc = newFakeSubprocess(0, nil)
			procs[taskID] = proc
		}
		return proc, nil
	}
}
