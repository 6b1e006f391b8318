// Package session owns the lifecycle of client sessions: one workspace,
// one supervisor, one set of worker processes per session.
package session

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"conductor/pkg/models"
)

// EventType classifies a session event.
type EventType string

const (
	// EventProgress is a forwarded worker progress notification.
	EventProgress EventType = "progress"
	// EventStatus reports a workflow status change.
	EventStatus EventType = "status"
	// EventResult reports the terminal outcome of a task.
	EventResult EventType = "result"
)

// Event is one update streamed to a session's subscriber.
type Event struct {
	// Type classifies the event.
	Type EventType `json:"type"`
	// SessionID names the session the event belongs to.
	SessionID string `json:"session_id"`
	// Message is a human-readable note for progress events.
	Message string `json:"message,omitempty"`
	// FractionDone is the worker's completion estimate for progress events.
	FractionDone float64 `json:"fraction_done,omitempty"`
	// Status is the workflow status for status and result events.
	Status models.Status `json:"status,omitempty"`
	// Summary is the final result summary for result events.
	Summary string `json:"summary,omitempty"`
}

// Emitter fans session events out to one subscriber over a buffered
// channel. Events are dropped, with accounting, rather than blocking the
// supervisor. Emit and Close are safe to race: a workflow finishing while
// its session is torn down must never crash the manager.
type Emitter struct {
	mu           sync.Mutex
	events       chan Event
	closed       bool
	droppedCount atomic.Uint64
}

// NewEmitter creates an Emitter with the given buffer size.
func NewEmitter(bufferSize int) *Emitter {
	return &Emitter{events: make(chan Event, bufferSize)}
}

// Emit sends an event. If the channel is full it tries once more with a
// short timeout before dropping the event. Events emitted after Close are
// dropped.
func (e *Emitter) Emit(event Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		e.drop(event)
		return
	}

	select {
	case e.events <- event:
		return
	default:
	}

	select {
	case e.events <- event:
	case <-time.After(100 * time.Millisecond):
		e.drop(event)
	}
}

func (e *Emitter) drop(event Event) {
	count := e.droppedCount.Add(1)
	if count%10 == 1 {
		log.Printf("[session] WARNING: dropped event (total dropped: %d): type=%s", count, event.Type)
	}
}

// DroppedCount returns the total number of dropped events.
func (e *Emitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns the read-only event stream for subscribers.
func (e *Emitter) Events() <-chan Event {
	return e.events
}

// Close closes the event stream. Closing twice is a no-op.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	close(e.events)
}
