// Package stream manages server-side streaming sessions. A session carries an
// ordered event sequence from a producer goroutine to a single consumer and
// guarantees exactly one terminal event.
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dvloznov/txnquery/internal/core"
)

// EventType identifies a streaming event.
type EventType string

const (
	// EventMetadata opens the stream with retrieval context.
	EventMetadata EventType = "metadata"
	// EventChunk carries an incremental answer fragment.
	EventChunk EventType = "chunk"
	// EventMetadataFinal carries post-generation metadata.
	EventMetadataFinal EventType = "metadata_final"
	// EventDone terminates a successful stream.
	EventDone EventType = "done"
	// EventError terminates a failed stream.
	EventError EventType = "error"
)

// Event is a single frame in a streaming session.
type Event struct {
	Type EventType   `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// Session is a one-shot event pipe between a producer and a consumer.
// Terminal events (done, error) close the pipe; further sends are dropped.
type Session struct {
	ID string

	ctx    context.Context
	cancel context.CancelFunc
	events chan Event

	mu       sync.Mutex
	terminal bool
}

// Events returns the consumer side of the session.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Context returns the session context. It is cancelled on Cancel, on a
// terminal event, or when the generation timeout elapses.
func (s *Session) Context() context.Context {
	return s.ctx
}

// finishGrace bounds how long Finish waits for a consumer that stopped
// draining before it gives up on delivering the terminal event.
const finishGrace = 5 * time.Second

// Send delivers a non-terminal event. It returns false if the session has
// already terminated or its context is done, in which case the producer
// should stop. Channel sends are serialized under mu so Finish can never
// close the channel out from under a blocked Send.
func (s *Session) Send(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal {
		return false
	}

	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// Finish sends the terminal event and closes the session. If err is nil a
// done event is emitted, otherwise an error event carrying err's message.
// Only the first call has any effect. The terminal event is delivered even
// when the session context is already done, so a timed-out stream still ends
// with an error frame rather than silence.
func (s *Session) Finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal {
		return
	}
	s.terminal = true

	ev := Event{Type: EventDone}
	if err != nil {
		ev = Event{Type: EventError, Data: err.Error()}
	}
	select {
	case s.events <- ev:
	case <-time.After(finishGrace):
	}
	close(s.events)
	s.cancel()
}

// Manager tracks live sessions so they can be cancelled by ID.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	timeout  time.Duration
}

// NewManager creates a manager whose sessions time out after the given
// generation deadline. A non-positive timeout disables the deadline.
func NewManager(timeout time.Duration) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		timeout:  timeout,
	}
}

// Open registers a new session derived from parent. The session context is
// cancelled when parent is, when the timeout elapses, or on Cancel/Finish.
func (m *Manager) Open(parent context.Context) *Session {
	var ctx context.Context
	var cancel context.CancelFunc
	if m.timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, m.timeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	s := &Session{
		ID:     uuid.NewString(),
		ctx:    ctx,
		cancel: cancel,
		events: make(chan Event, 16),
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s
}

// Cancel aborts a live session. Returns core.ErrNotFound for unknown IDs.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return core.ErrNotFound
	}
	s.cancel()
	return nil
}

// Release removes a finished session from the registry.
func (m *Manager) Release(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Live returns the number of registered sessions.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
