package session

import (
	"encoding/json"
	"sync"

	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/shellpilot/internal/events"
)

// Recorder is an events.Sink that appends every event to a run record and
// persists the record after each one.
type Recorder struct {
	manager SessionManager
	sess    *Session
	logger  *logging.Logger
	mu      sync.Mutex
}

// NewRecorder records into sess through manager.
func NewRecorder(manager SessionManager, sess *Session) *Recorder {
	return &Recorder{
		manager: manager,
		sess:    sess,
		logger:  logging.New().WithComponent("session"),
	}
}

// Session returns the run being recorded.
func (r *Recorder) Session() *Session { return r.sess }

// summary picks the fields of a payload worth lifting into the event line.
type summary struct {
	State   string `json:"state"`
	To      string `json:"to"`
	Answer  string `json:"answer"`
	Steps   int    `json:"steps"`
	Error   string `json:"error"`
	Query   string `json:"query"`
	Command struct {
		Text string `json:"text"`
	} `json:"command"`
	Plan struct {
		LastStep string `json:"last_step"`
	} `json:"plan"`
}

// FromEvent converts a run event into a log entry, lifting the state and a
// short summary out of the payload. The sequence ID is left unset.
func FromEvent(e events.Event) (Event, error) {
	evt := Event{Type: string(e.Kind), Timestamp: e.Time}
	if e.Payload == nil {
		return evt, nil
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return evt, err
	}
	evt.Data = data

	var sum summary
	_ = json.Unmarshal(data, &sum)
	switch e.Kind {
	case events.KindSnapshot:
		evt.State = sum.State
		evt.Content = sum.Plan.LastStep
	case events.KindCommand:
		evt.State = sum.To
		evt.Content = sum.Command.Text
	case events.KindExecuted, events.KindAborted:
		evt.Content = sum.Command.Text
	case events.KindRunStarted:
		evt.Content = sum.Query
	case events.KindRunComplete:
		evt.Content = sum.Answer
	case events.KindRunFailed:
		evt.Error = sum.Error
	}
	return evt, nil
}

// Record implements events.Sink.
func (r *Recorder) Record(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	evt, err := FromEvent(e)
	if err != nil {
		r.logger.Warn("event_marshal_failed", map[string]interface{}{
			"kind":  string(e.Kind),
			"error": err.Error(),
		})
	}

	switch e.Kind {
	case events.KindRunComplete:
		var sum summary
		_ = json.Unmarshal(evt.Data, &sum)
		r.sess.Complete(sum.Answer, sum.Steps)
	case events.KindRunFailed:
		r.sess.Fail(evt.Error)
	}

	r.sess.AddEvent(evt)
	if err := r.manager.Update(r.sess); err != nil {
		r.logger.Warn("session_save_failed", map[string]interface{}{
			"id":    r.sess.ID,
			"error": err.Error(),
		})
	}
}
