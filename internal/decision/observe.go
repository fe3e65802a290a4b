package decision

import (
	"github.com/vinayprograms/shellpilot/internal/command"
	"github.com/vinayprograms/shellpilot/internal/events"
	"github.com/vinayprograms/shellpilot/internal/shell"
)

// CommandRecord is the payload of command_executed and command_aborted events.
type CommandRecord struct {
	Command  command.Command `json:"command" yaml:"command"`
	Output   string          `json:"output,omitempty" yaml:"output,omitempty"`
	ExitCode int             `json:"exit_code" yaml:"exit_code"`
	Cwd      string          `json:"cwd,omitempty" yaml:"cwd,omitempty"`
	Duration string          `json:"duration,omitempty" yaml:"duration,omitempty"`
}

// ObserveCommands forwards the command sub-machine's transitions, executions
// and aborts to sink, tagged with runID. Existing hooks on g are replaced.
func ObserveCommands(g *command.Graph, sink events.Sink, runID string) {
	record := func(kind events.Kind, payload interface{}) {
		events.SafeRecord(sink, events.Event{Kind: kind, RunID: runID, Payload: payload})
	}
	g.OnTransition = func(t command.Transition) {
		record(events.KindCommand, t)
	}
	g.OnExecuted = func(cmd command.Command, res shell.Result) {
		record(events.KindExecuted, CommandRecord{
			Command:  cmd,
			Output:   res.Output,
			ExitCode: res.ExitCode,
			Cwd:      res.Cwd,
			Duration: res.Duration.String(),
		})
	}
	g.OnAborted = func(cmd command.Command) {
		record(events.KindAborted, CommandRecord{Command: cmd})
	}
}
