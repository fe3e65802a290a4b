package replay

import (
	"fmt"
	"io"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/vinayprograms/shellpilot/internal/events"
	"github.com/vinayprograms/shellpilot/internal/session"
)

// Output formats for live rendering.
const (
	FormatText = "text"
	FormatYAML = "yaml"
)

// Live renders run events as they happen. It implements events.Sink.
type Live struct {
	mu      sync.Mutex
	output  io.Writer
	format  string
	r       *Replayer
	tracker tracker
	seq     uint64
}

// NewLive creates a live renderer writing format ("text" or "yaml") to output.
func NewLive(output io.Writer, format string, verbosity int, opts ...ReplayerOption) (*Live, error) {
	switch format {
	case "", FormatText:
		format = FormatText
	case FormatYAML:
	default:
		return nil, fmt.Errorf("unknown output format %q (want text or yaml)", format)
	}
	return &Live{
		output: output,
		format: format,
		r:      New(output, verbosity, opts...),
	}, nil
}

// Record implements events.Sink.
func (l *Live) Record(e events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++

	if l.format == FormatYAML {
		data, err := yaml.Marshal(e)
		if err != nil {
			fmt.Fprintf(l.output, "# failed to render %s event: %v\n", e.Kind, err)
			return
		}
		fmt.Fprintf(l.output, "---\n%s", data)
		return
	}

	evt, err := session.FromEvent(e)
	if err != nil {
		fmt.Fprintf(l.output, "failed to render %s event: %v\n", e.Kind, err)
		return
	}
	evt.SeqID = l.seq
	l.r.formatEvent(&evt, &l.tracker)
}
