package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/vinayprograms/agentkit/logging"
)

// Publisher is the part of a NATS connection the sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes every event as JSON on <subject>.<kind>.
type NATSSink struct {
	pub     Publisher
	subject string
	logger  *logging.Logger
	conn    *nats.Conn
}

// NewNATSSink publishes through an existing publisher.
func NewNATSSink(pub Publisher, subject string) *NATSSink {
	if subject == "" {
		subject = "shellpilot.runs"
	}
	return &NATSSink{
		pub:     pub,
		subject: strings.TrimSuffix(subject, "."),
		logger:  logging.New().WithComponent("events"),
	}
}

// DialNATS connects to url and returns a sink that owns the connection.
func DialNATS(url, subject string) (*NATSSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("shellpilot"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(10),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	s := NewNATSSink(nc, subject)
	s.conn = nc
	return s, nil
}

// Record implements Sink. Publish failures are logged and dropped.
func (s *NATSSink) Record(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		s.logger.Warn("event_encode_failed", map[string]interface{}{"kind": string(e.Kind), "error": err.Error()})
		return
	}
	subject := s.subject + "." + string(e.Kind)
	if err := s.pub.Publish(subject, data); err != nil {
		s.logger.Warn("event_publish_failed", map[string]interface{}{"subject": subject, "error": err.Error()})
	}
}

// Close flushes and closes the connection when the sink owns one.
func (s *NATSSink) Close() error {
	if s.conn == nil {
		return nil
	}
	if err := s.conn.Flush(); err != nil {
		s.conn.Close()
		return fmt.Errorf("flushing NATS: %w", err)
	}
	s.conn.Close()
	return nil
}
