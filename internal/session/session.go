// Package session records runs as JSONL files: a header line, one line per
// event and a footer line with the final status.
package session

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Status constants for runs.
const (
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// Event types for the run log. They mirror the event kinds emitted during a run.
const (
	EventRunStarted  = "run_started"
	EventSnapshot    = "snapshot"     // Decision machine state after one step
	EventCommand     = "command"      // Command sub-machine transition
	EventExecuted    = "command_executed"
	EventAborted     = "command_aborted"
	EventRunComplete = "run_complete"
	EventRunFailed   = "run_failed"
)

// Session is the record of one run.
type Session struct {
	ID        string    `json:"id"`
	Query     string    `json:"query"`
	Path      string    `json:"path,omitempty"`
	Status    string    `json:"status"`
	Answer    string    `json:"answer,omitempty"`
	Error     string    `json:"error,omitempty"`
	Steps     int       `json:"steps,omitempty"`
	Events    []Event   `json:"events"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	seqCounter uint64
	mu         sync.Mutex
}

// Event is a single entry in the run log.
type Event struct {
	SeqID     uint64    `json:"seq"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// State is the decision state for snapshots, or the command sub-machine
	// state a transition entered.
	State string `json:"state,omitempty"`
	// Content is a short human-readable summary: the step, the command text.
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`

	// Data is the full event payload.
	Data json.RawMessage `json:"data,omitempty"`
}

// CurrentSeqID returns the last used sequence ID, or 0 before any event.
func (s *Session) CurrentSeqID() uint64 {
	return atomic.LoadUint64(&s.seqCounter)
}

// AddEvent appends event with the next sequence ID.
func (s *Session) AddEvent(event Event) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	event.SeqID = atomic.AddUint64(&s.seqCounter, 1)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	s.Events = append(s.Events, event)
	s.UpdatedAt = time.Now()
	return event.SeqID
}

// Complete marks the run complete.
func (s *Session) Complete(answer string, steps int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Status = StatusComplete
	s.Answer = answer
	s.Steps = steps
	s.UpdatedAt = time.Now()
}

// Fail marks the run failed.
func (s *Session) Fail(err string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Status = StatusFailed
	s.Error = err
	s.UpdatedAt = time.Now()
}

// OfType returns the events of one type.
func (s *Session) OfType(typ string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.Events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// Store persists sessions.
type Store interface {
	Save(sess *Session) error
	Load(id string) (*Session, error)
}

// SessionManager creates, updates and loads run records.
type SessionManager interface {
	Create(query, path string) (*Session, error)
	Update(sess *Session) error
	Get(id string) (*Session, error)
}

// JSONL record types.
const (
	RecordTypeHeader = "header"
	RecordTypeEvent  = "event"
	RecordTypeFooter = "footer"
)

// JSONLRecord is one line of a run log, discriminated by _type.
type JSONLRecord struct {
	RecordType string `json:"_type"`

	// Header fields
	ID        string    `json:"id,omitempty"`
	Query     string    `json:"query,omitempty"`
	Path      string    `json:"path,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`

	// Event fields
	*Event `json:",omitempty"`

	// Footer fields
	Status    string    `json:"status,omitempty"`
	Answer    string    `json:"answer,omitempty"`
	Steps     int       `json:"steps,omitempty"`
	Failure   string    `json:"failure,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// FileStore keeps one <id>.jsonl file per run in a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the store directory.
func (s *FileStore) Dir() string { return s.dir }

// PathFor returns the file a run is stored in.
func (s *FileStore) PathFor(id string) string {
	return filepath.Join(s.dir, id+".jsonl")
}

// Save writes the whole run to a temp file and renames it into place.
func (s *FileStore) Save(sess *Session) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+sess.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create session file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := writeSession(tmp, sess); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close session file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.PathFor(sess.ID)); err != nil {
		return fmt.Errorf("failed to replace session file: %w", err)
	}
	return nil
}

func writeSession(w io.Writer, sess *Session) error {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	bw := bufio.NewWriter(w)
	header := JSONLRecord{
		RecordType: RecordTypeHeader,
		ID:         sess.ID,
		Query:      sess.Query,
		Path:       sess.Path,
		CreatedAt:  sess.CreatedAt,
	}
	if err := writeLine(bw, header); err != nil {
		return err
	}

	for i := range sess.Events {
		evt := sess.Events[i]
		if err := writeLine(bw, JSONLRecord{RecordType: RecordTypeEvent, Event: &evt}); err != nil {
			return err
		}
	}

	footer := JSONLRecord{
		RecordType: RecordTypeFooter,
		Status:     sess.Status,
		Answer:     sess.Answer,
		Steps:      sess.Steps,
		Failure:    sess.Error,
		UpdatedAt:  sess.UpdatedAt,
	}
	if err := writeLine(bw, footer); err != nil {
		return err
	}
	return bw.Flush()
}

func writeLine(w io.Writer, record JSONLRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return err
	}
	return nil
}

// Load reads a run by ID.
func (s *FileStore) Load(id string) (*Session, error) {
	return LoadFile(s.PathFor(id))
}

// LoadFile reads a run log from path.
func LoadFile(path string) (*Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

// Read parses a run log. Lines may be arbitrarily long.
func Read(r io.Reader) (*Session, error) {
	sess := &Session{Events: []Event{}}
	reader := bufio.NewReader(r)

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("error reading JSONL: %w", err)
		}
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			if perr := parseJSONLLine(trimmed, sess); perr != nil {
				return nil, perr
			}
		}
		if err == io.EOF {
			break
		}
	}

	if len(sess.Events) > 0 {
		sess.seqCounter = sess.Events[len(sess.Events)-1].SeqID
	}
	return sess, nil
}

func parseJSONLLine(line []byte, sess *Session) error {
	var record JSONLRecord
	if err := json.Unmarshal(line, &record); err != nil {
		return fmt.Errorf("failed to parse JSONL line: %w", err)
	}

	switch record.RecordType {
	case RecordTypeHeader:
		sess.ID = record.ID
		sess.Query = record.Query
		sess.Path = record.Path
		sess.CreatedAt = record.CreatedAt

	case RecordTypeEvent:
		if record.Event != nil {
			sess.Events = append(sess.Events, *record.Event)
		}

	case RecordTypeFooter:
		sess.Status = record.Status
		sess.Answer = record.Answer
		sess.Steps = record.Steps
		sess.Error = record.Failure
		sess.UpdatedAt = record.UpdatedAt
	}
	return nil
}

// FileManager implements SessionManager on a FileStore.
type FileManager struct {
	store *FileStore
}

// NewFileManager creates a manager storing runs under dir.
func NewFileManager(dir string) (*FileManager, error) {
	store, err := NewFileStore(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	return &FileManager{store: store}, nil
}

// Create starts a run record and writes it.
func (m *FileManager) Create(query, path string) (*Session, error) {
	now := time.Now()
	sess := &Session{
		ID:        uuid.New().String(),
		Query:     query,
		Path:      path,
		Status:    StatusRunning,
		Events:    []Event{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.Save(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Update rewrites a run record.
func (m *FileManager) Update(sess *Session) error {
	sess.mu.Lock()
	sess.UpdatedAt = time.Now()
	sess.mu.Unlock()
	return m.store.Save(sess)
}

// Get loads a run record.
func (m *FileManager) Get(id string) (*Session, error) {
	return m.store.Load(id)
}

// PathFor returns the file a run is stored in.
func (m *FileManager) PathFor(id string) string {
	return m.store.PathFor(id)
}

// IsRunLog reports whether path looks like a run log: a .jsonl file whose
// first line is a header record.
func IsRunLog(path string) bool {
	if !strings.HasSuffix(path, ".jsonl") {
		return false
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	line, err := bufio.NewReader(f).ReadBytes('\n')
	if err != nil && err != io.EOF {
		return false
	}
	var record JSONLRecord
	if json.Unmarshal(bytes.TrimSpace(line), &record) != nil {
		return false
	}
	return record.RecordType == RecordTypeHeader
}
