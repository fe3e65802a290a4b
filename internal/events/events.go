// Package events carries run progress (decision snapshots and command
// sub-machine transitions) to whoever is watching: the terminal, the run
// log, or a NATS subject.
package events

import (
	"sync"
	"time"
)

// Kind classifies an event.
type Kind string

const (
	KindRunStarted  Kind = "run_started"
	KindSnapshot    Kind = "snapshot"
	KindCommand     Kind = "command"
	KindExecuted    Kind = "command_executed"
	KindAborted     Kind = "command_aborted"
	KindRunComplete Kind = "run_complete"
	KindRunFailed   Kind = "run_failed"
)

// Event is one progress record. Payload is a JSON-serializable value whose
// type depends on Kind.
type Event struct {
	Kind    Kind        `json:"kind" yaml:"kind"`
	RunID   string      `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	Time    time.Time   `json:"time" yaml:"time"`
	Payload interface{} `json:"payload,omitempty" yaml:"payload,omitempty"`
}

// Sink receives events. Record must not block for long and must not panic;
// callers go through SafeRecord regardless.
type Sink interface {
	Record(e Event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Record(Event) {}

// Func adapts a function to Sink.
type Func func(Event)

func (f Func) Record(e Event) { f(e) }

// SafeRecord records e on s, swallowing panics from buggy sinks.
func SafeRecord(s Sink, e Event) {
	if s == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	s.Record(e)
}

// Multi fans events out to several sinks in order.
type Multi []Sink

func (m Multi) Record(e Event) {
	for _, s := range m {
		SafeRecord(s, e)
	}
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Record(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfKind returns the recorded events of one kind.
func (r *Recorder) OfKind(k Kind) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}
