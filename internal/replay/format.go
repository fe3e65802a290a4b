package replay

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/indent"
	"github.com/muesli/reflow/wordwrap"

	"github.com/vinayprograms/shellpilot/internal/command"
	"github.com/vinayprograms/shellpilot/internal/decision"
	"github.com/vinayprograms/shellpilot/internal/session"
)

// tracker remembers the hierarchy already printed so task, subtask and plan
// headings appear only when they change.
type tracker struct {
	task    string
	subtask string
	plan    string
}

// formatEvent formats a single event for display.
func (r *Replayer) formatEvent(event *session.Event, t *tracker) {
	ts := timeStyle.Render(event.Timestamp.Format("15:04:05"))
	seqNum := seqStyle.Render(fmt.Sprintf("%d", event.SeqID))

	switch event.Type {
	case session.EventRunStarted:
		fmt.Fprintf(r.output, "%s │ %s │ %s %s\n", seqNum, ts,
			flowStyle.Render("RUN START:"), valueStyle.Render(event.Content))

	case session.EventSnapshot:
		var snap decision.Snapshot
		if err := json.Unmarshal(event.Data, &snap); err != nil {
			r.fmtRaw(seqNum, ts, event)
			return
		}
		r.fmtSnapshot(seqNum, ts, &snap, t)

	case session.EventCommand:
		var tr command.Transition
		if err := json.Unmarshal(event.Data, &tr); err != nil {
			r.fmtRaw(seqNum, ts, event)
			return
		}
		r.fmtTransition(seqNum, ts, &tr)

	case session.EventExecuted:
		var rec decision.CommandRecord
		if err := json.Unmarshal(event.Data, &rec); err != nil {
			r.fmtRaw(seqNum, ts, event)
			return
		}
		r.fmtExecuted(seqNum, ts, &rec)

	case session.EventAborted:
		var rec decision.CommandRecord
		_ = json.Unmarshal(event.Data, &rec)
		fmt.Fprintf(r.output, "%s │ %s │ %s %s %s\n", seqNum, ts,
			errorStyle.Render("ABORTED:"),
			valueStyle.Render(truncateHint(event.Content, 80)),
			dimStyle.Render(fmt.Sprintf("[%s]", rec.Command.Security.Score)))
		if r.verbosity >= 1 && rec.Command.Security.Comment != "" {
			r.printContent(rec.Command.Security.Comment)
		}

	case session.EventRunComplete:
		fmt.Fprintf(r.output, "%s │ %s │ %s\n", seqNum, ts, successStyle.Render("RUN COMPLETE"))

	case session.EventRunFailed:
		fmt.Fprintf(r.output, "%s │ %s │ %s %s\n", seqNum, ts,
			errorStyle.Render("RUN FAILED:"), valueStyle.Render(event.Error))

	default:
		r.fmtRaw(seqNum, ts, event)
	}
}

func (r *Replayer) fmtSnapshot(seqNum, ts string, snap *decision.Snapshot, t *tracker) {
	if snap.Task.Description != "" && snap.Task.Description != t.task {
		t.task = snap.Task.Description
		fmt.Fprintln(r.output)
		fmt.Fprintf(r.output, "%s %s\n", taskStyle.Render("TASK:"), valueStyle.Render(t.task))
	}
	if snap.Subtask.Description != "" && snap.Subtask.Description != decision.NoSubtask && snap.Subtask.Description != t.subtask {
		t.subtask = snap.Subtask.Description
		fmt.Fprintf(r.output, "%s %s\n", taskStyle.Render("SUBTASK:"), valueStyle.Render(t.subtask))
	}
	if snap.Plan.Text != "" && snap.Plan.Text != t.plan {
		t.plan = snap.Plan.Text
		if r.verbosity >= 1 {
			fmt.Fprintf(r.output, "%s\n", planStyle.Render("PLAN:"))
			r.printContent(t.plan)
		}
	}

	line := fmt.Sprintf("%s │ %s │ %s", seqNum, ts, flowStyle.Render(strings.ToUpper(string(snap.State))))
	switch snap.State {
	case decision.StateGenerateStep:
		line += " " + planStyle.Render(truncateHint(snap.Plan.LastStep, 80))
	case decision.StateClassifyStep:
		line += " " + dimStyle.Render("→ "+string(snap.Capability))
	case decision.StateEvaluateTask:
		line += " " + scoreStyle(string(snap.Task.Score)).Render(string(snap.Task.Score))
	case decision.StateEvaluatePlan:
		line += " " + scoreStyle(string(snap.Plan.Score)).Render(string(snap.Plan.Score))
	case decision.StateExecuteAction, decision.StateFetchStepContext, decision.StateGenerateContent:
		line += " " + commandStyle.Render(truncateHint(snap.Action.Label, 80))
	}
	fmt.Fprintln(r.output, line)

	switch {
	case snap.State == decision.StateAnswer:
		r.printContent(snap.Answer)
	case snap.State == decision.StateAccumulateData && r.verbosity >= 1:
		r.printContent(snap.Data)
	case snap.State == decision.StateFetchSystemContext && r.verbosity >= 2:
		r.printContent(snap.Context)
	}
}

func (r *Replayer) fmtTransition(seqNum, ts string, tr *command.Transition) {
	if r.verbosity < 1 {
		return
	}
	detail := ""
	switch tr.To {
	case command.StateEvaluateCorrectness:
		detail = commandStyle.Render(truncateHint(tr.Command.Text, 80))
		if tr.Round > 1 {
			detail += dimStyle.Render(fmt.Sprintf(" (round %d)", tr.Round))
		}
	case command.StateEvaluateSecurity, command.StateGenerate:
		if tr.Command.Correctness.Score != "" {
			detail = dimStyle.Render("correct: ") + scoreStyle(string(tr.Command.Correctness.Score)).Render(string(tr.Command.Correctness.Score))
		}
	case command.StateApproval, command.StateExecute, command.StateAbort:
		if tr.Command.Security.Score != "" {
			detail = securityStyle.Render("security: " + string(tr.Command.Security.Score))
		}
	}
	fmt.Fprintf(r.output, "%s │ %s │   %s %s\n", seqNum, ts,
		dimStyle.Render(fmt.Sprintf("%s → %s", tr.From, tr.To)), detail)
	if r.verbosity >= 2 && tr.To == command.StateGenerate && tr.Command.Correctness.Comment != "" {
		r.printContent(tr.Command.Correctness.Comment)
	}
}

func (r *Replayer) fmtExecuted(seqNum, ts string, rec *decision.CommandRecord) {
	exit := successStyle.Render("exit 0")
	if rec.ExitCode != 0 {
		exit = errorStyle.Render(fmt.Sprintf("exit %d", rec.ExitCode))
	}
	fmt.Fprintf(r.output, "%s │ %s │ %s %s %s %s\n", seqNum, ts,
		commandStyle.Render("$"),
		valueStyle.Render(truncateHint(rec.Command.Text, 100)),
		exit,
		dimStyle.Render(fmt.Sprintf("(%s)", rec.Duration)))
	if r.verbosity >= 1 && rec.Output != "" {
		r.printContent(rec.Output)
	}
}

func (r *Replayer) fmtRaw(seqNum, ts string, event *session.Event) {
	fmt.Fprintf(r.output, "%s │ %s │ %s %s\n", seqNum, ts,
		dimStyle.Render(strings.ToUpper(event.Type)),
		valueStyle.Render(truncateHint(event.Content, 80)))
}

// printContent prints a wrapped, indented block under the timeline.
func (r *Replayer) printContent(content string) {
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}
	if r.maxContentSize > 0 && len(content) > r.maxContentSize {
		content = content[:r.maxContentSize] + fmt.Sprintf("\n... (%d bytes truncated)", len(content)-r.maxContentSize)
	}
	wrapped := wordwrap.String(content, r.width)
	fmt.Fprintln(r.output, dimStyle.Render(indent.String(wrapped, 19)))
}

func scoreStyle(score string) lipgloss.Style {
	switch score {
	case "yes":
		return successStyle
	case "no":
		return warnStyle
	default:
		return valueStyle
	}
}

func truncateHint(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
