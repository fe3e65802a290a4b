package replay

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/vinayprograms/shellpilot/internal/decision"
	"github.com/vinayprograms/shellpilot/internal/session"
)

// Stats holds aggregate statistics for a run.
type Stats struct {
	// Wall time from first to last event
	TotalDuration time.Duration

	// Decision states executed, by state
	States      int
	StateCounts map[string]int

	// Hierarchy
	Subtasks int
	Plans    int

	// Commands
	Executed       int
	Aborted        int
	Failed         int // executed with a non-zero exit code
	CommandTotal   time.Duration
	CorrectionRuns int // regenerations after a failed correctness review
}

// ComputeStats calculates aggregate statistics from run events.
func ComputeStats(sess *session.Session) *Stats {
	stats := &Stats{StateCounts: make(map[string]int)}

	var first, last time.Time
	for _, event := range sess.Events {
		if first.IsZero() || event.Timestamp.Before(first) {
			first = event.Timestamp
		}
		if event.Timestamp.After(last) {
			last = event.Timestamp
		}

		switch event.Type {
		case session.EventSnapshot:
			stats.States++
			stats.StateCounts[event.State]++
			switch decision.State(event.State) {
			case decision.StateGenerateSubtask:
				stats.Subtasks++
			case decision.StateGeneratePlan:
				stats.Plans++
			}

		case session.EventCommand:
			var tr struct {
				From  string `json:"from"`
				To    string `json:"to"`
				Round int    `json:"round"`
			}
			if json.Unmarshal(event.Data, &tr) == nil && tr.To == "generate" && tr.Round > 0 {
				stats.CorrectionRuns++
			}

		case session.EventExecuted:
			stats.Executed++
			var rec decision.CommandRecord
			if json.Unmarshal(event.Data, &rec) == nil {
				if rec.ExitCode != 0 {
					stats.Failed++
				}
				if d, err := time.ParseDuration(rec.Duration); err == nil {
					stats.CommandTotal += d
				}
			}

		case session.EventAborted:
			stats.Aborted++
		}
	}

	if !first.IsZero() {
		stats.TotalDuration = last.Sub(first)
	}
	return stats
}

// PrintStats writes a formatted statistics block.
func PrintStats(w io.Writer, stats *Stats) {
	headerStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))

	fmt.Fprintln(w, headerStyle.Render("RUN STATISTICS"))
	fmt.Fprintln(w, divider)
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Duration:       "), valueStyle.Render(stats.TotalDuration.Round(time.Millisecond).String()))
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("States:         "), valueStyle.Render(fmt.Sprintf("%d", stats.States)))
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Subtasks/plans: "), valueStyle.Render(fmt.Sprintf("%d / %d", stats.Subtasks, stats.Plans)))
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Commands:       "), valueStyle.Render(fmt.Sprintf(
		"%d executed, %d aborted, %d non-zero exit", stats.Executed, stats.Aborted, stats.Failed)))
	if stats.Executed > 0 {
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Shell time:     "), valueStyle.Render(stats.CommandTotal.Round(time.Millisecond).String()))
	}
	if stats.CorrectionRuns > 0 {
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Regenerations:  "), warnStyle.Render(fmt.Sprintf("%d", stats.CorrectionRuns)))
	}

	if len(stats.StateCounts) > 0 {
		names := make([]string, 0, len(stats.StateCounts))
		for name := range stats.StateCounts {
			names = append(names, name)
		}
		sort.Slice(names, func(i, j int) bool {
			if stats.StateCounts[names[i]] != stats.StateCounts[names[j]] {
				return stats.StateCounts[names[i]] > stats.StateCounts[names[j]]
			}
			return names[i] < names[j]
		})
		fmt.Fprintln(w)
		for _, name := range names {
			fmt.Fprintf(w, "  %-24s %s\n", labelStyle.Render(name), valueStyle.Render(fmt.Sprintf("%d", stats.StateCounts[name])))
		}
	}
	fmt.Fprintln(w)
}
