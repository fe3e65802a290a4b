package decision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/shellpilot/internal/approval"
	"github.com/vinayprograms/shellpilot/internal/command"
	"github.com/vinayprograms/shellpilot/internal/events"
	"github.com/vinayprograms/shellpilot/internal/oracle"
	"github.com/vinayprograms/shellpilot/internal/retrieval"
	"github.com/vinayprograms/shellpilot/internal/shell"
)

// script answers oracle calls by request name, in order. The last answer for
// a name repeats once its queue is drained.
type script struct {
	mu      sync.Mutex
	answers map[string][]string
	calls   []oracle.Request
}

func (s *script) Invoke(_ context.Context, req oracle.Request) (oracle.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	queue, ok := s.answers[req.Name]
	if !ok || len(queue) == 0 {
		return nil, &oracle.ExhaustedError{Name: req.Name, Attempts: 1, Last: fmt.Errorf("no scripted answer")}
	}
	answer := queue[0]
	if len(queue) > 1 {
		s.answers[req.Name] = queue[1:]
	}
	return oracle.Result{req.Fields[0].Name: answer}, nil
}

func (s *script) callsNamed(name string) []oracle.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []oracle.Request
	for _, c := range s.calls {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

type fakeRunner struct {
	outputs map[string]string
	cwd     string
	ran     []string
	err     error
}

func (r *fakeRunner) Run(_ context.Context, cmd string) (shell.Result, error) {
	if r.err != nil {
		return shell.Result{}, r.err
	}
	r.ran = append(r.ran, cmd)
	return shell.Result{Output: r.outputs[cmd], Cwd: r.cwd}, nil
}

func (r *fakeRunner) Cwd() string { return r.cwd }

type fakeContexts struct {
	requests []retrieval.Request
}

func (f *fakeContexts) Invoke(_ context.Context, req retrieval.Request) (string, error) {
	f.requests = append(f.requests, req)
	return fmt.Sprintf("context #%d for %s", len(f.requests), req.Task), nil
}

// usernameScript covers one subtask with one command.
func usernameScript() map[string][]string {
	return map[string][]string{
		"task_generator":          {"Find the username of the current user."},
		"context_query_generator": {"os information, current user"},
		"task_evaluator":          {"Nothing has been done yet", "The username was found: octave."},
		"task_grader":             {"no", "yes"},
		"subtask_generator":       {"Print the current username."},
		"plan_generator":          {"1. Run whoami to print the username."},
		"step_generator":          {"Print the current username"},
		"step_classifier":         {"action"},
		"data_generator":          {"checked username: octave"},
		"plan_evaluator":          {"Step 1 done: username is octave."},
		"plan_grader":             {"yes"},
		"subtask_evaluator":       {"Username printed."},
		"answer_generator":        {"Your username is octave."},

		"command_description":   {"print the effective user name"},
		"command_generator":     {"whoami"},
		"correctness_evaluator": {"Correct."},
		"correctness_grader":    {"yes"},
		"security_evaluator":    {"Read-only."},
		"security_grader":       {"allow"},
		"result_analyser":       {"The username is octave."},
	}
}

type harness struct {
	oracle   *script
	runner   *fakeRunner
	contexts *fakeContexts
	recorder *events.Recorder
	machine  *Machine
}

func newHarness(answers map[string][]string, opts Options) *harness {
	h := &harness{
		oracle:   &script{answers: answers},
		runner:   &fakeRunner{outputs: map[string]string{"whoami": "octave"}, cwd: "/home/octave/work"},
		contexts: &fakeContexts{},
		recorder: events.NewRecorder(),
	}
	graph := command.New(h.oracle, h.runner, approval.Static(false), command.Options{})
	if opts.RunID == "" {
		opts.RunID = "run-test"
	}
	ObserveCommands(graph, h.recorder, opts.RunID)
	h.machine = New(h.oracle, graph, h.contexts, h.recorder, opts)
	return h
}

func (h *harness) snapshots() []Snapshot {
	var out []Snapshot
	for _, e := range h.recorder.OfKind(events.KindSnapshot) {
		out = append(out, e.Payload.(Snapshot))
	}
	return out
}

func (h *harness) states() []State {
	var out []State
	for _, s := range h.snapshots() {
		out = append(out, s.State)
	}
	return out
}

func TestRun_Username(t *testing.T) {
	h := newHarness(usernameScript(), Options{})

	out, err := h.machine.Run(context.Background(), Input{Query: "What is my username?", Path: "/home/octave"})
	require.NoError(t, err)

	assert.Equal(t, "Your username is octave.", out.Answer)
	assert.Equal(t, 15, out.Steps)
	assert.Equal(t, []string{"whoami"}, h.runner.ran)

	assert.Equal(t, []State{
		StateGenerateTask,
		StateGenerateContextQuery,
		StateFetchSystemContext,
		StateFetchTaskContext,
		StateEvaluateTask,
		StateGenerateSubtask,
		StateGeneratePlan,
		StateGenerateStep,
		StateClassifyStep,
		StateExecuteAction,
		StateAccumulateData,
		StateEvaluatePlan,
		StateEvaluateSubtask,
		StateEvaluateTask,
		StateAnswer,
	}, h.states())

	snaps := h.snapshots()
	last := snaps[len(snaps)-1]
	assert.Equal(t, StateAnswer, last.State)
	assert.Equal(t, StateDone, last.Next)
	assert.Equal(t, "Your username is octave.", last.Answer)
	assert.Equal(t, "checked username: octave", last.Data)
	assert.Equal(t, "/home/octave/work", last.Cwd)
	assert.Equal(t, oracle.Yes, last.Task.Score)
	for i, s := range snaps {
		assert.Equal(t, i+1, s.Seq)
	}

	// System context is fetched with an empty prior context, then refined for the task.
	require.Len(t, h.contexts.requests, 2)
	assert.Equal(t, retrieval.Request{Context: "", Task: "os information, current user"}, h.contexts.requests[0])
	assert.Equal(t, "context #1 for os information, current user", h.contexts.requests[1].Context)
	assert.Equal(t, "Find the username of the current user.", h.contexts.requests[1].Task)

	all := h.recorder.Events()
	assert.Equal(t, events.KindRunStarted, all[0].Kind)
	assert.Equal(t, events.KindRunComplete, all[len(all)-1].Kind)
	assert.Len(t, h.recorder.OfKind(events.KindExecuted), 1)
	assert.NotEmpty(t, h.recorder.OfKind(events.KindCommand))
	for _, e := range all {
		assert.Equal(t, "run-test", e.RunID)
	}
}

func TestRun_CreateTenFiles(t *testing.T) {
	answers := usernameScript()
	answers["task_generator"] = []string{"Create ten files named file_1 to file_10 in the current directory."}
	answers["subtask_generator"] = []string{"Create file_1 to file_10."}
	answers["plan_generator"] = []string{"1. Create each file with touch.\n2. Check they exist."}
	answers["step_generator"] = []string{"Create the next missing file"}
	answers["plan_grader"] = []string{"no", "no", "no", "no", "no", "no", "no", "no", "no", "yes"}
	answers["answer_generator"] = []string{"Created file_1 to file_10."}
	var cmds, data []string
	for i := 1; i <= 10; i++ {
		cmds = append(cmds, fmt.Sprintf("touch file_%d", i))
		data = append(data, fmt.Sprintf("created file_1 to file_%d", i))
	}
	answers["command_generator"] = cmds
	answers["data_generator"] = data

	h := newHarness(answers, Options{})
	out, err := h.machine.Run(context.Background(), Input{Query: "create 10 files", Path: "/home/octave"})
	require.NoError(t, err)

	assert.Equal(t, "Created file_1 to file_10.", out.Answer)
	assert.Equal(t, cmds, h.runner.ran)
	assert.Equal(t, 69, out.Steps)
	assert.Len(t, h.oracle.callsNamed("plan_generator"), 10)
	assert.Len(t, h.oracle.callsNamed("subtask_generator"), 1)

	// Data accumulates through the merge output only.
	merges := h.oracle.callsNamed("data_generator")
	require.Len(t, merges, 10)
	assert.Contains(t, merges[0].System, NoData)
	assert.Contains(t, merges[9].System, "created file_1 to file_9")

	// The step generator sees the cwd reported by the session.
	steps := h.oracle.callsNamed("step_generator")
	assert.Contains(t, steps[0].System, "/home/octave\n")
	assert.Contains(t, steps[1].System, "/home/octave/work")
}

func TestRun_TaskCompleteGoesStraightToAnswer(t *testing.T) {
	answers := usernameScript()
	answers["task_grader"] = []string{"yes"}

	h := newHarness(answers, Options{})
	out, err := h.machine.Run(context.Background(), Input{Query: "What is my username?"})
	require.NoError(t, err)

	assert.Equal(t, 6, out.Steps)
	assert.Equal(t, []State{
		StateGenerateTask,
		StateGenerateContextQuery,
		StateFetchSystemContext,
		StateFetchTaskContext,
		StateEvaluateTask,
		StateAnswer,
	}, h.states())
	assert.Empty(t, h.oracle.callsNamed("subtask_generator"))
	assert.Empty(t, h.runner.ran)
}

func TestRun_NotConverged(t *testing.T) {
	answers := usernameScript()
	answers["plan_grader"] = []string{"no"}

	h := newHarness(answers, Options{MaxSteps: 20})
	out, err := h.machine.Run(context.Background(), Input{Query: "never done"})
	require.Error(t, err)

	assert.True(t, errors.Is(err, ErrNotConverged))
	var nc *NotConvergedError
	require.True(t, errors.As(err, &nc))
	assert.Equal(t, 20, nc.Steps)
	assert.Equal(t, "plan did not converge: could not complete task within step budget (20 states)", err.Error())
	assert.Equal(t, 20, out.Steps)
	assert.Empty(t, out.Answer)

	assert.Len(t, h.snapshots(), 20)
	assert.Len(t, h.recorder.OfKind(events.KindRunFailed), 1)
	assert.Empty(t, h.recorder.OfKind(events.KindRunComplete))
}

func TestRun_DefaultStepBudget(t *testing.T) {
	answers := usernameScript()
	answers["plan_grader"] = []string{"no"}

	h := newHarness(answers, Options{})
	_, err := h.machine.Run(context.Background(), Input{Query: "never done"})
	var nc *NotConvergedError
	require.True(t, errors.As(err, &nc))
	assert.Equal(t, DefaultMaxSteps, nc.Steps)
}

func TestRun_ContextStep(t *testing.T) {
	answers := usernameScript()
	answers["step_classifier"] = []string{"context"}

	h := newHarness(answers, Options{})
	_, err := h.machine.Run(context.Background(), Input{Query: "What is my username?"})
	require.NoError(t, err)

	assert.Empty(t, h.runner.ran)
	assert.Contains(t, h.states(), StateFetchStepContext)
	require.Len(t, h.contexts.requests, 3)
	assert.Equal(t, "Print the current username", h.contexts.requests[2].Task)

	merges := h.oracle.callsNamed("data_generator")
	require.Len(t, merges, 1)
	assert.Contains(t, merges[0].User, "Action:\n"+ContextGetter)
	assert.Contains(t, merges[0].User, "context #3 for Print the current username")
}

func TestRun_GenerationStep(t *testing.T) {
	t.Run("runs as an action by default", func(t *testing.T) {
		answers := usernameScript()
		answers["step_classifier"] = []string{"generation"}

		h := newHarness(answers, Options{})
		_, err := h.machine.Run(context.Background(), Input{Query: "q"})
		require.NoError(t, err)
		assert.Contains(t, h.states(), StateExecuteAction)
		assert.NotContains(t, h.states(), StateGenerateContent)
		assert.Equal(t, []string{"whoami"}, h.runner.ran)
	})

	t.Run("content generator when enabled", func(t *testing.T) {
		answers := usernameScript()
		answers["step_classifier"] = []string{"generation"}
		answers["content_generator"] = []string{"#!/bin/sh\necho hello"}

		h := newHarness(answers, Options{GenerateContent: true})
		_, err := h.machine.Run(context.Background(), Input{Query: "q"})
		require.NoError(t, err)
		assert.Contains(t, h.states(), StateGenerateContent)
		assert.Empty(t, h.runner.ran)

		merges := h.oracle.callsNamed("data_generator")
		require.Len(t, merges, 1)
		assert.Contains(t, merges[0].User, ContentProducer)
		assert.Contains(t, merges[0].User, "echo hello")
	})
}

func TestRun_DeniedCommandFlowsIntoData(t *testing.T) {
	answers := usernameScript()
	answers["security_grader"] = []string{"deny"}

	h := newHarness(answers, Options{})
	_, err := h.machine.Run(context.Background(), Input{Query: "q"})
	require.NoError(t, err)

	assert.Empty(t, h.runner.ran)
	assert.Len(t, h.recorder.OfKind(events.KindAborted), 1)
	merges := h.oracle.callsNamed("data_generator")
	require.Len(t, merges, 1)
	assert.Contains(t, merges[0].User, command.AbortResult)
}

func TestRun_CorrectionExhaustedFlowsIntoData(t *testing.T) {
	answers := usernameScript()
	answers["correctness_grader"] = []string{"no"}

	h := newHarness(answers, Options{})
	out, err := h.machine.Run(context.Background(), Input{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, "Your username is octave.", out.Answer)

	assert.Empty(t, h.runner.ran)
	merges := h.oracle.callsNamed("data_generator")
	require.Len(t, merges, 1)
	assert.Contains(t, merges[0].User, "Command generation failed: ")
}

func TestRun_SessionFailureAborts(t *testing.T) {
	h := newHarness(usernameScript(), Options{})
	h.runner.err = &shell.SessionError{Op: "run", Err: shell.ErrSessionDead}

	_, err := h.machine.Run(context.Background(), Input{Query: "q"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, shell.ErrSessionDead))
	assert.True(t, strings.HasPrefix(err.Error(), string(StateExecuteAction)+": "))
	assert.Empty(t, h.oracle.callsNamed("data_generator"))
	assert.Len(t, h.recorder.OfKind(events.KindRunFailed), 1)
}

func TestRun_OracleExhaustionAborts(t *testing.T) {
	answers := usernameScript()
	delete(answers, "plan_generator")

	h := newHarness(answers, Options{})
	_, err := h.machine.Run(context.Background(), Input{Query: "q"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, oracle.ErrExhausted))
	assert.Empty(t, h.oracle.callsNamed("step_generator"))
}

func TestRun_NewSubtaskResetsPlan(t *testing.T) {
	answers := usernameScript()
	answers["task_evaluator"] = []string{"nothing", "half", "all"}
	answers["task_grader"] = []string{"no", "no", "yes"}
	answers["subtask_generator"] = []string{"first part", "second part"}

	h := newHarness(answers, Options{})
	_, err := h.machine.Run(context.Background(), Input{Query: "q"})
	require.NoError(t, err)

	subs := h.oracle.callsNamed("subtask_generator")
	require.Len(t, subs, 2)
	assert.Contains(t, subs[0].User, NoSubtask)
	assert.Contains(t, subs[1].User, "first part")

	steps := h.oracle.callsNamed("step_generator")
	require.Len(t, steps, 2)
	assert.Contains(t, steps[1].User, "Last generated step:\n"+NoStep)
}

func TestRun_SinkPanicsAreContained(t *testing.T) {
	answers := usernameScript()
	answers["task_grader"] = []string{"yes"}
	o := &script{answers: answers}
	sink := events.Func(func(events.Event) { panic("sink broke") })

	m := New(o, nil, &fakeContexts{}, sink, Options{})
	out, err := m.Run(context.Background(), Input{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, "Your username is octave.", out.Answer)
	assert.NotEmpty(t, m.RunID())
}
