package events

import (
	"encoding/json"
	"errors"
	"testing"
)

type panicky struct{}

func (panicky) Record(Event) { panic("boom") }

func TestMulti_SurvivesPanickingSink(t *testing.T) {
	rec := NewRecorder()
	m := Multi{panicky{}, rec, NopSink{}}

	SafeRecord(m, Event{Kind: KindSnapshot, Payload: "x"})
	SafeRecord(m, Event{Kind: KindCommand})

	got := rec.Events()
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Time.IsZero() {
		t.Error("SafeRecord should stamp the time")
	}
	if len(rec.OfKind(KindCommand)) != 1 {
		t.Error("OfKind should filter by kind")
	}
}

func TestSafeRecord_NilSink(t *testing.T) {
	SafeRecord(nil, Event{Kind: KindSnapshot})
}

type fakePublisher struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	return p.err
}

func TestNATSSink_PublishesPerKind(t *testing.T) {
	pub := &fakePublisher{}
	s := NewNATSSink(pub, "ops.shellpilot.")

	s.Record(Event{Kind: KindSnapshot, RunID: "r1", Payload: map[string]string{"state": "generate_task"}})
	if len(pub.subjects) != 1 || pub.subjects[0] != "ops.shellpilot.snapshot" {
		t.Fatalf("subjects = %v", pub.subjects)
	}

	var decoded struct {
		Kind    Kind              `json:"kind"`
		RunID   string            `json:"run_id"`
		Payload map[string]string `json:"payload"`
	}
	if err := json.Unmarshal(pub.payloads[0], &decoded); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if decoded.RunID != "r1" || decoded.Payload["state"] != "generate_task" {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestNATSSink_PublishErrorIsDropped(t *testing.T) {
	pub := &fakePublisher{err: errors.New("disconnected")}
	s := NewNATSSink(pub, "")
	s.Record(Event{Kind: KindRunComplete})
	if pub.subjects[0] != "shellpilot.runs.run_complete" {
		t.Errorf("subject = %q", pub.subjects[0])
	}
	if err := s.Close(); err != nil {
		t.Errorf("close without connection: %v", err)
	}
}
