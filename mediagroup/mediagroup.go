// Copyright (C) 2026 Driftworks, Inc.
// See LICENSE for copying information.

// Package mediagroup implements the per-chat media group buffer from spec
// §4.11: threshold- and timer-triggered grouping of related inbound
// messages, with per-chat exclusion while a group is being processed.
package mediagroup

import (
	"sync"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/driftworks/relaymesh/relaytype"
)

// Error is the media group buffer's error class.
var Error = errs.Class("mediagroup")

// ErrAlreadyProcessing is returned by Add when chatID's buffer has already
// been handed off for processing and a new group has not yet started.
var ErrAlreadyProcessing = Error.New("already_processing")

// Config carries the named options from spec §4.11.
type Config struct {
	// Threshold is the buffer size that triggers immediate emission.
	Threshold int
	// BufferTimeout is how long the buffer waits for more messages before
	// emitting whatever it has.
	BufferTimeout time.Duration
}

// DefaultConfig returns spec §4.11's documented defaults.
func DefaultConfig() Config {
	return Config{Threshold: 3, BufferTimeout: time.Second}
}

// OnGroupComplete is invoked, outside the buffer's lock, whenever a group is
// emitted -- either by threshold or by timeout.
type OnGroupComplete func(chatID string, entry relaytype.MediaGroupEntry)

type chatBuffer struct {
	entry      relaytype.MediaGroupEntry
	timer      *time.Timer
	processing bool
}

// Service is the media group buffer from spec §4.11.
type Service struct {
	cfg      Config
	onDone   OnGroupComplete
	log      *zap.Logger

	mu      sync.Mutex
	buffers map[string]*chatBuffer
}

// New returns a Service. onDone, if non-nil, is called for every emitted
// group.
func New(cfg Config, onDone OnGroupComplete, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 3
	}
	if cfg.BufferTimeout <= 0 {
		cfg.BufferTimeout = time.Second
	}
	return &Service{cfg: cfg, onDone: onDone, log: log, buffers: make(map[string]*chatBuffer)}
}

// Add appends msg to chatID's buffer, (re)arming the buffer timeout. It
// returns true iff this call made the buffer reach Threshold and so emitted
// the group; an emission on timeout happens on the timer and is not
// reported by Add.
func (s *Service) Add(chatID string, msg relaytype.MediaGroupMessage) (bool, error) {
	s.mu.Lock()

	buf, ok := s.buffers[chatID]
	if !ok {
		buf = &chatBuffer{entry: relaytype.MediaGroupEntry{
			ChatID:    chatID,
			StartedAt: time.Now(),
			Status:    relaytype.MediaGroupCollecting,
		}}
		s.buffers[chatID] = buf
	}

	if buf.processing {
		s.mu.Unlock()
		return false, ErrAlreadyProcessing
	}

	buf.entry.Messages = append(buf.entry.Messages, msg)
	buf.entry.LastUpdate = time.Now()

	if buf.timer != nil {
		buf.timer.Stop()
	}

	if len(buf.entry.Messages) >= s.cfg.Threshold {
		s.emitLocked(chatID, buf)
		s.mu.Unlock()
		return true, nil
	}

	buf.timer = time.AfterFunc(s.cfg.BufferTimeout, func() { s.emitOnTimeout(chatID) })
	s.mu.Unlock()
	return false, nil
}

// emitLocked marks buf as processing and hands its snapshot to onDone. The
// buffer stays in the map, marked processing, until the consumer calls
// Release -- that is what keeps Add rejecting new messages for this chat
// with already_processing until the emitted group has actually been
// handled. The caller must hold s.mu.
func (s *Service) emitLocked(chatID string, buf *chatBuffer) {
	buf.processing = true
	buf.entry.Status = relaytype.MediaGroupProcessing
	snapshot := cloneEntry(buf.entry)

	if s.onDone != nil {
		go s.onDone(chatID, snapshot)
	}
}

// Release clears chatID's processing marker, allowing a fresh buffer to
// start collecting again. Callers invoke this once whatever consumed the
// emitted group (via OnGroupComplete or a Get after Add returned true) has
// finished with it.
func (s *Service) Release(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buffers, chatID)
}

func (s *Service) emitOnTimeout(chatID string) {
	s.mu.Lock()
	buf, ok := s.buffers[chatID]
	if !ok || buf.processing || len(buf.entry.Messages) == 0 {
		s.mu.Unlock()
		return
	}
	s.emitLocked(chatID, buf)
	s.mu.Unlock()
}

func cloneEntry(e relaytype.MediaGroupEntry) relaytype.MediaGroupEntry {
	out := e
	out.Messages = make([]relaytype.MediaGroupMessage, len(e.Messages))
	copy(out.Messages, e.Messages)
	return out
}

// Get returns a snapshot copy of chatID's current buffer, if any.
func (s *Service) Get(chatID string) (relaytype.MediaGroupEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf, ok := s.buffers[chatID]
	if !ok {
		return relaytype.MediaGroupEntry{}, false
	}
	return cloneEntry(buf.entry), true
}

// Cleanup clears every buffer and cancels their timers.
func (s *Service) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, buf := range s.buffers {
		if buf.timer != nil {
			buf.timer.Stop()
		}
	}
	s.buffers = make(map[string]*chatBuffer)
}
