package replay

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/vinayprograms/shellpilot/internal/command"
	"github.com/vinayprograms/shellpilot/internal/decision"
	"github.com/vinayprograms/shellpilot/internal/events"
	"github.com/vinayprograms/shellpilot/internal/oracle"
	"github.com/vinayprograms/shellpilot/internal/session"
)

// recordRun writes a short run through the session recorder and returns its path.
func recordRun(t *testing.T, dir string) string {
	t.Helper()
	mgr, err := session.NewFileManager(dir)
	if err != nil {
		t.Fatalf("manager error: %v", err)
	}
	sess, err := mgr.Create("What is my username?", "/home/octave")
	if err != nil {
		t.Fatalf("create error: %v", err)
	}
	rec := session.NewRecorder(mgr, sess)

	now := time.Now()
	task := decision.Task{Description: "Find the username.", Completion: decision.NothingDone, Score: oracle.No}
	cmd := command.Command{
		Text:        "whoami",
		Description: "print the user",
		Correctness: command.Correctness{Comment: "fine", Score: oracle.Yes},
		Security:    command.Security{Comment: "read-only", Score: oracle.Allow},
	}
	for _, e := range []events.Event{
		{Kind: events.KindRunStarted, Time: now, Payload: decision.Input{Query: "What is my username?"}},
		{Kind: events.KindSnapshot, Time: now, Payload: decision.Snapshot{Seq: 1, State: decision.StateGenerateTask, Next: decision.StateGenerateContextQuery, Task: task}},
		{Kind: events.KindSnapshot, Time: now, Payload: decision.Snapshot{Seq: 2, State: decision.StateGenerateStep, Task: task,
			Subtask: decision.Subtask{Description: "Print the username."},
			Plan:    decision.Plan{Text: "1. whoami", LastStep: "Print the current username"}}},
		{Kind: events.KindCommand, Time: now, Payload: command.Transition{From: command.StateEvaluateSecurity, To: command.StateExecute, Round: 1, Command: cmd}},
		{Kind: events.KindExecuted, Time: now, Payload: decision.CommandRecord{Command: cmd, Output: "octave", Cwd: "/home/octave", Duration: "12ms"}},
		{Kind: events.KindAborted, Time: now, Payload: decision.CommandRecord{Command: command.Command{Text: "rm -rf /", Security: command.Security{Score: oracle.Deny}}}},
		{Kind: events.KindSnapshot, Time: now, Payload: decision.Snapshot{Seq: 3, State: decision.StateAnswer, Next: decision.StateDone, Task: task, Answer: "Your username is octave."}},
		{Kind: events.KindRunComplete, Time: now.Add(2 * time.Second), Payload: decision.Outcome{Answer: "Your username is octave.", Steps: 3}},
	} {
		rec.Record(e)
	}
	return mgr.PathFor(sess.ID)
}

func TestReplayFile(t *testing.T) {
	path := recordRun(t, t.TempDir())

	var buf bytes.Buffer
	if err := New(&buf, 0).ReplayFile(path); err != nil {
		t.Fatalf("replay error: %v", err)
	}
	out := buf.String()

	for _, want := range []string{
		"What is my username?",
		"TASK:",
		"Find the username.",
		"SUBTASK:",
		"GENERATE_STEP",
		"Print the current username",
		"whoami",
		"exit 0",
		"ABORTED:",
		"rm -rf /",
		"Your username is octave.",
		"COMPLETED",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q\n%s", want, out)
		}
	}
	// Transitions and command output only show in verbose mode.
	if strings.Contains(out, "evaluate_security → execute") {
		t.Error("transition shown at verbosity 0")
	}
}

func TestReplayFile_Verbose(t *testing.T) {
	path := recordRun(t, t.TempDir())

	var buf bytes.Buffer
	if err := New(&buf, 1).ReplayFile(path); err != nil {
		t.Fatalf("replay error: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"evaluate_security → execute", "security: allow", "PLAN:", "RUN STATISTICS", "1 executed, 1 aborted"} {
		if !strings.Contains(out, want) {
			t.Errorf("verbose output missing %q", want)
		}
	}
}

func TestReplayFile_Missing(t *testing.T) {
	var buf bytes.Buffer
	if err := New(&buf, 0).ReplayFile("/nonexistent/run.jsonl"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestComputeStats(t *testing.T) {
	path := recordRun(t, t.TempDir())
	sess, err := session.LoadFile(path)
	if err != nil {
		t.Fatalf("load error: %v", err)
	}

	stats := ComputeStats(sess)
	if stats.States != 3 {
		t.Errorf("expected 3 states, got %d", stats.States)
	}
	if stats.Executed != 1 || stats.Aborted != 1 {
		t.Errorf("expected 1 executed and 1 aborted, got %d and %d", stats.Executed, stats.Aborted)
	}
	if stats.CommandTotal != 12*time.Millisecond {
		t.Errorf("expected 12ms shell time, got %s", stats.CommandTotal)
	}
	if stats.TotalDuration < 2*time.Second {
		t.Errorf("expected at least 2s duration, got %s", stats.TotalDuration)
	}
}

func TestMultiReplayer_Directory(t *testing.T) {
	dir := t.TempDir()
	recordRun(t, dir)
	recordRun(t, dir)

	var buf bytes.Buffer
	if err := NewMulti(&buf, 0).ReplayFiles([]string{dir}); err != nil {
		t.Fatalf("replay error: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "[1/2]") || !strings.Contains(out, "[2/2]") {
		t.Errorf("expected two run headers\n%s", out)
	}
}

func TestMultiReplayer_Empty(t *testing.T) {
	var buf bytes.Buffer
	if err := NewMulti(&buf, 0).ReplayFiles([]string{t.TempDir()}); err == nil {
		t.Error("expected error when no run logs exist")
	}
}

func TestLive_Text(t *testing.T) {
	var buf bytes.Buffer
	live, err := NewLive(&buf, FormatText, 0)
	if err != nil {
		t.Fatalf("new live error: %v", err)
	}

	live.Record(events.Event{Kind: events.KindSnapshot, Time: time.Now(), Payload: decision.Snapshot{
		State: decision.StateClassifyStep,
		Task:  decision.Task{Description: "List files."},
		Plan:  decision.Plan{LastStep: "List the directory"},

		Capability: oracle.CapAction,
	}})
	live.Record(events.Event{Kind: events.KindRunFailed, Time: time.Now(), Payload: map[string]string{"error": "shell session is dead"}})

	out := buf.String()
	for _, want := range []string{"TASK:", "CLASSIFY_STEP", "→ action", "RUN FAILED:", "shell session is dead"} {
		if !strings.Contains(out, want) {
			t.Errorf("live output missing %q\n%s", want, out)
		}
	}
}

func TestLive_YAML(t *testing.T) {
	var buf bytes.Buffer
	live, err := NewLive(&buf, FormatYAML, 0)
	if err != nil {
		t.Fatalf("new live error: %v", err)
	}

	live.Record(events.Event{Kind: events.KindSnapshot, RunID: "r1", Payload: decision.Snapshot{
		Seq:   4,
		State: decision.StateEvaluateTask,
		Task:  decision.Task{Description: "List files.", Score: oracle.Yes},
	}})

	out := buf.String()
	for _, want := range []string{"---\n", "kind: snapshot", "run_id: r1", "state: evaluate_task", "score: \"yes\""} {
		if !strings.Contains(out, want) {
			t.Errorf("yaml output missing %q\n%s", want, out)
		}
	}
}

func TestNewLive_UnknownFormat(t *testing.T) {
	if _, err := NewLive(&bytes.Buffer{}, "xml", 0); err == nil {
		t.Error("expected error for unknown format")
	}
}
