// Package replicator owns connections and drives the tick-based replication
// loop: inbound dispatch during Update, outbound generation during
// PostUpdate. Everything in this package runs on one logical thread.
package replicator

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType enumerates the lifecycle signals the replicator emits.
type EventType string

const (
	EventClientIdentity   EventType = "client-identity"
	EventSceneJoin        EventType = "scene-join"
	EventSceneLoadFailed  EventType = "scene-load-failed"
	EventChecksumMismatch EventType = "scene-checksum-mismatch"
	EventPackageSent      EventType = "package-sent"
	EventPackageFailed    EventType = "package-failed"
	EventDisconnect       EventType = "disconnect"
	EventUnknownMessage   EventType = "unknown-message"
	EventProtocolError    EventType = "protocol-error"
)

// Event is one lifecycle signal tied to a connection.
type Event struct {
	Type       EventType      `json:"type"`
	Connection uint32         `json:"connection"`
	Session    uuid.UUID      `json:"session"`
	Time       time.Time      `json:"time"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// EventSink receives lifecycle events. Implementations must not block; the
// replication thread publishes inline.
type EventSink interface {
	Publish(Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

// Publish implements EventSink.
func (f EventSinkFunc) Publish(e Event) {
	if f == nil {
		return
	}
	f(e)
}

type nopSink struct{}

func (nopSink) Publish(Event) {}

// NopSink returns a sink that discards everything.
func NopSink() EventSink {
	return nopSink{}
}

// MemorySink buffers events for inspection in tests and diagnostics.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements EventSink.
func (s *MemorySink) Publish(e Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

// Events returns a copy of everything published so far.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// ByType filters the buffered events.
func (s *MemorySink) ByType(t EventType) []Event {
	var out []Event
	for _, e := range s.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
