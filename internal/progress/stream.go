// Package progress streams typed sync progress events from a producer to a
// consumer that may disconnect at any time.
package progress

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// EventType is the "type" field of an event frame.
type EventType string

const (
	TypeScanning EventType = "scanning"
	TypeTotal    EventType = "total"
	TypeProgress EventType = "progress"
	TypeResult   EventType = "result"
	TypeComplete EventType = "complete"
	TypeError    EventType = "error"
)

// Tallies are the running per-outcome counters of a run.
type Tallies struct {
	Processed int `json:"processed"`
	Imported  int `json:"imported"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// Summary is the final aggregate carried by the complete event.
type Summary struct {
	Total     int  `json:"total"`
	Imported  int  `json:"imported"`
	Skipped   int  `json:"skipped"`
	Errors    int  `json:"errors"`
	EarlyExit bool `json:"earlyExit,omitempty"`
	Failed    bool `json:"failed,omitempty"`
}

// Event is one progress frame. Only the fields relevant to Type are set.
type Event struct {
	Type     EventType `json:"type"`
	Message  string    `json:"message,omitempty"`
	Found    int       `json:"found,omitempty"`
	Total    int       `json:"total,omitempty"`
	FileName string    `json:"fileName,omitempty"`
	Outcome  string    `json:"outcome,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	RecordID string    `json:"recordId,omitempty"`
	Title    string    `json:"title,omitempty"`
	*Tallies
	Summary *Summary `json:"summary,omitempty"`
}

// Terminal reports whether the event ends a stream.
func (e Event) Terminal() bool {
	return e.Type == TypeComplete || e.Type == TypeError
}

// Stream is a one-way, push-based event channel. The producer sends and
// finally calls Finish; the consumer reads Events and calls Close when it goes
// away. Sends after either side has closed are dropped. At most one terminal
// event is ever sent.
type Stream struct {
	events chan Event
	done   chan struct{}

	mu         sync.Mutex
	finished   bool
	terminated bool
	closeOnce  sync.Once
}

// NewStream creates a stream with the given buffer size.
func NewStream(buffer int) *Stream {
	return &Stream{
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
}

// Events is the consumer side. It is closed after Finish.
func (s *Stream) Events() <-chan Event {
	return s.events
}

// Send pushes an event and reports whether it was accepted. It blocks while
// the buffer is full and the consumer is still connected.
func (s *Stream) Send(e Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished || s.Closed() {
		return false
	}
	if e.Terminal() {
		if s.terminated {
			return false
		}
		s.terminated = true
	}

	select {
	case s.events <- e:
		return true
	case <-s.done:
		return false
	}
}

// Finish ends the producer side and closes Events. Calling it more than once
// is safe.
func (s *Stream) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	close(s.events)
}

// Close marks the consumer as gone. Pending and future sends are dropped.
func (s *Stream) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Closed reports whether the consumer has disconnected.
func (s *Stream) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Terminated reports whether a terminal event has been accepted.
func (s *Stream) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

// WriteFrame writes e as a server-sent-events frame: "data: <JSON>\n\n".
func WriteFrame(w io.Writer, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal progress event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("failed to write progress frame: %w", err)
	}
	return nil
}
