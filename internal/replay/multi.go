package replay

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/vinayprograms/shellpilot/internal/session"
)

// MultiReplayer renders several run logs, oldest first.
type MultiReplayer struct {
	output    io.Writer
	verbosity int
	opts      []ReplayerOption
}

// NewMulti creates a MultiReplayer.
func NewMulti(output io.Writer, verbosity int, opts ...ReplayerOption) *MultiReplayer {
	return &MultiReplayer{output: output, verbosity: verbosity, opts: opts}
}

type sessionInfo struct {
	Session *session.Session
	Source  string
}

// ReplayFiles renders every run log in paths. Directories are expanded to
// the run logs they contain.
func (m *MultiReplayer) ReplayFiles(paths []string) error {
	sessions, err := m.loadSessions(paths)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		return fmt.Errorf("no run logs found")
	}
	return m.replayAll(sessions)
}

func (m *MultiReplayer) loadSessions(paths []string) ([]sessionInfo, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			full := filepath.Join(p, e.Name())
			if !e.IsDir() && session.IsRunLog(full) {
				files = append(files, full)
			}
		}
	}

	sessions := make([]sessionInfo, 0, len(files))
	for _, f := range files {
		sess, err := session.LoadFile(f)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
		sessions = append(sessions, sessionInfo{Session: sess, Source: f})
	}

	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].Session.CreatedAt.Before(sessions[j].Session.CreatedAt)
	})
	return sessions, nil
}

func (m *MultiReplayer) replayAll(sessions []sessionInfo) error {
	r := New(m.output, m.verbosity, m.opts...)

	for i, info := range sessions {
		if len(sessions) > 1 {
			m.printSessionHeader(info, i+1, len(sessions))
		}
		if err := r.Replay(info.Session); err != nil {
			return fmt.Errorf("failed to replay %s: %w", info.Source, err)
		}
	}
	return nil
}

// Session header styles
var (
	sessionHeaderStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("0")).
				Background(lipgloss.Color("6")) // Cyan background

	sessionDividerStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("6")) // Cyan
)

func (m *MultiReplayer) printSessionHeader(info sessionInfo, num, total int) {
	shortID := info.Session.ID
	if len(shortID) > 8 {
		shortID = shortID[:8]
	}
	header := fmt.Sprintf(" [%d/%d] %s │ %s │ %s ", num, total,
		shortID,
		info.Session.CreatedAt.Format("2006-01-02 15:04:05"),
		truncateHint(info.Session.Query, 40))

	fmt.Fprintln(m.output)
	fmt.Fprintln(m.output, sessionDividerStyle.Render(strings.Repeat("━", 70)))
	fmt.Fprintln(m.output, sessionHeaderStyle.Render(header))
	fmt.Fprintln(m.output, sessionDividerStyle.Render(strings.Repeat("━", 70)))
}
