// Package decision implements the hierarchical decision machine. A query is
// reformulated as a task, the task is split into subtasks, each subtask gets
// a plan, and the plan is worked one step at a time until the task is judged
// complete.
package decision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/shellpilot/internal/command"
	"github.com/vinayprograms/shellpilot/internal/events"
	"github.com/vinayprograms/shellpilot/internal/oracle"
	"github.com/vinayprograms/shellpilot/internal/retrieval"
)

// DefaultMaxSteps is the default state execution budget of one run.
const DefaultMaxSteps = 100

// CommandRunner runs the command sub-machine for one step.
type CommandRunner interface {
	Run(ctx context.Context, in command.Input) (command.Output, error)
}

// ContextProvider refines the context for a task.
type ContextProvider interface {
	Invoke(ctx context.Context, req retrieval.Request) (string, error)
}

// Options tunes a Machine.
type Options struct {
	// MaxSteps bounds the number of state executions. Zero means DefaultMaxSteps.
	MaxSteps int
	// GenerateContent sends generation steps to the content generator instead
	// of the command sub-machine.
	GenerateContent bool
	// RunID tags emitted events. A random one is used when empty.
	RunID string
}

// Input starts a run.
type Input struct {
	Query string `json:"query" yaml:"query"`
	// Path is the directory the session starts in.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// Outcome is the result of a completed run.
type Outcome struct {
	Answer string `json:"answer" yaml:"answer"`
	Steps  int    `json:"steps" yaml:"steps"`
}

// Machine drives one run at a time.
type Machine struct {
	oracle   oracle.Oracle
	commands CommandRunner
	contexts ContextProvider
	sink     events.Sink
	opts     Options
	logger   *logging.Logger
}

// New creates a Machine. A nil sink discards snapshots.
func New(o oracle.Oracle, commands CommandRunner, contexts ContextProvider, sink events.Sink, opts Options) *Machine {
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = DefaultMaxSteps
	}
	if sink == nil {
		sink = events.NopSink{}
	}
	if opts.RunID == "" {
		opts.RunID = uuid.New().String()
	}
	return &Machine{
		oracle:   o,
		commands: commands,
		contexts: contexts,
		sink:     sink,
		opts:     opts,
		logger:   logging.New().WithComponent("decision"),
	}
}

// RunID returns the ID stamped on this machine's events.
func (m *Machine) RunID() string { return m.opts.RunID }

// run is the mutable state of one Run. Only the machine goroutine touches it.
type run struct {
	query        string
	contextQuery string
	task         Task
	subtask      Subtask
	hasSubtask   bool
	plan         Plan
	capability   oracle.Capability
	action       Action
	context      string
	data         string
	cwd          string
	answer       string
}

// Run executes the machine until the answer is produced, a fatal error
// occurs or the step budget runs out.
func (m *Machine) Run(ctx context.Context, in Input) (out Outcome, err error) {
	ctx, span := m.startRunSpan(ctx, in)
	defer func() { m.endRunSpan(span, out.Steps, err) }()

	m.emit(events.KindRunStarted, in)
	m.logger.Info("run_started", map[string]interface{}{
		"run_id": m.RunID(),
		"query":  truncate(in.Query, 200),
		"path":   in.Path,
	})

	r := &run{
		query: in.Query,
		task:  Task{Completion: NothingDone, Score: oracle.No},
		subtask: Subtask{
			Description: NoSubtask,
			Completion:  NothingDone,
		},
		plan: newPlan(),
		data: NoData,
		cwd:  in.Path,
	}

	start := time.Now()
	state := StateGenerateTask
	steps := 0
	for state != StateDone {
		if steps >= m.opts.MaxSteps {
			return Outcome{Steps: steps}, m.fail(&NotConvergedError{Steps: steps, Last: state})
		}
		steps++

		next, err := m.execute(ctx, state, steps, r)
		if err != nil {
			return Outcome{Steps: steps}, m.fail(fmt.Errorf("%s: %w", state, err))
		}
		state = next
	}

	out = Outcome{Answer: r.answer, Steps: steps}
	m.emit(events.KindRunComplete, out)
	m.logger.Info("run_complete", map[string]interface{}{
		"run_id":      m.RunID(),
		"steps":       steps,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return out, nil
}

func (m *Machine) fail(err error) error {
	m.emit(events.KindRunFailed, map[string]string{"error": err.Error()})
	m.logger.Error("run_failed", map[string]interface{}{
		"run_id": m.RunID(),
		"error":  err.Error(),
	})
	return err
}

func (m *Machine) emit(kind events.Kind, payload interface{}) {
	events.SafeRecord(m.sink, events.Event{Kind: kind, RunID: m.RunID(), Payload: payload})
}

// execute runs one state and emits the resulting snapshot.
func (m *Machine) execute(ctx context.Context, state State, seq int, r *run) (State, error) {
	ctx, span := m.startStateSpan(ctx, state, seq)

	next, err := m.step(ctx, state, r)
	if err != nil {
		m.endStateSpan(span, Snapshot{}, err)
		return "", err
	}
	snap := r.snapshot(seq, state, next)
	m.endStateSpan(span, snap, nil)
	m.emit(events.KindSnapshot, snap)
	m.logger.Debug("state_complete", map[string]interface{}{
		"state": string(state),
		"next":  string(next),
	})
	return next, nil
}

func (m *Machine) step(ctx context.Context, state State, r *run) (State, error) {
	switch state {
	case StateGenerateTask:
		return m.generateTask(ctx, r)
	case StateGenerateContextQuery:
		return m.generateContextQuery(ctx, r)
	case StateFetchSystemContext:
		return m.fetchSystemContext(ctx, r)
	case StateFetchTaskContext:
		return m.fetchTaskContext(ctx, r)
	case StateEvaluateTask:
		return m.evaluateTask(ctx, r)
	case StateGenerateSubtask:
		return m.generateSubtask(ctx, r)
	case StateGeneratePlan:
		return m.generatePlan(ctx, r)
	case StateGenerateStep:
		return m.generateStep(ctx, r)
	case StateClassifyStep:
		return m.classifyStep(ctx, r)
	case StateExecuteAction:
		return m.executeAction(ctx, r)
	case StateFetchStepContext:
		return m.fetchStepContext(ctx, r)
	case StateGenerateContent:
		return m.generateContent(ctx, r)
	case StateAccumulateData:
		return m.accumulateData(ctx, r)
	case StateEvaluatePlan:
		return m.evaluatePlan(ctx, r)
	case StateEvaluateSubtask:
		return m.evaluateSubtask(ctx, r)
	case StateAnswer:
		return m.generateAnswer(ctx, r)
	}
	return "", fmt.Errorf("unknown decision state %q", state)
}

func (m *Machine) generateTask(ctx context.Context, r *run) (State, error) {
	task, err := oracle.Text(ctx, m.oracle, oracle.Request{
		Name:   "task_generator",
		System: taskPrompt,
		User:   fmt.Sprintf("Question:\n%s", r.query),
		Fields: []oracle.Field{{Name: "task", Description: "the task that answers the question"}},
	})
	if err != nil {
		return "", err
	}
	r.task = Task{Description: task, Completion: NothingDone, Score: oracle.No}
	r.data = NoData
	return StateGenerateContextQuery, nil
}

func (m *Machine) generateContextQuery(ctx context.Context, r *run) (State, error) {
	q, err := oracle.Text(ctx, m.oracle, oracle.Request{
		Name:   "context_query_generator",
		System: contextQueryPrompt,
		User:   fmt.Sprintf("Task:\n%s", r.task.Description),
		Fields: []oracle.Field{{Name: "context_query", Description: "keywords to look up system information"}},
	})
	if err != nil {
		return "", err
	}
	r.contextQuery = q
	return StateFetchSystemContext, nil
}

func (m *Machine) fetchSystemContext(ctx context.Context, r *run) (State, error) {
	c, err := m.contexts.Invoke(ctx, retrieval.Request{Context: "", Task: r.contextQuery})
	if err != nil {
		return "", err
	}
	r.context = c
	return StateFetchTaskContext, nil
}

func (m *Machine) fetchTaskContext(ctx context.Context, r *run) (State, error) {
	c, err := m.contexts.Invoke(ctx, retrieval.Request{Context: r.context, Task: r.task.Description})
	if err != nil {
		return "", err
	}
	r.context = c
	return StateEvaluateTask, nil
}

func (m *Machine) evaluateTask(ctx context.Context, r *run) (State, error) {
	completion, err := m.summarizeCompletion(ctx, "task_evaluator", r.context, r.task.Description, r.task.Completion, r.subtask.Completion, r.data)
	if err != nil {
		return "", err
	}
	score, err := m.grade(ctx, oracle.Request{
		Name:   "task_grader",
		System: fmt.Sprintf(taskGradePrompt, r.context),
		User:   fmt.Sprintf("Task:\n%s\n\nTask completion summary:\n%s", r.task.Description, completion),
	})
	if err != nil {
		return "", err
	}
	r.task.Completion = completion
	r.task.Score = score
	if score == oracle.Yes {
		return StateAnswer, nil
	}
	return StateGenerateSubtask, nil
}

func (m *Machine) generateSubtask(ctx context.Context, r *run) (State, error) {
	previous := NoSubtask
	if r.hasSubtask {
		previous = r.subtask.Description
	}
	sub, err := oracle.Text(ctx, m.oracle, oracle.Request{
		Name:   "subtask_generator",
		System: fmt.Sprintf(subtaskPrompt, r.context),
		User: fmt.Sprintf("Task:\n%s\n\nPrevious subtask:\n%s\n\nCompletion:\n%s",
			r.task.Description, previous, r.task.Completion),
		Fields: []oracle.Field{{Name: "task", Description: "the subtask to work on next"}},
	})
	if err != nil {
		return "", err
	}
	r.subtask = Subtask{Description: sub, Completion: NothingDone}
	r.hasSubtask = true
	r.plan = newPlan()
	return StateGeneratePlan, nil
}

func (m *Machine) generatePlan(ctx context.Context, r *run) (State, error) {
	text, err := oracle.Text(ctx, m.oracle, oracle.Request{
		Name:   "plan_generator",
		System: fmt.Sprintf(planPrompt, r.context),
		User:   fmt.Sprintf("Task: %s\n\nRetrieved data:\n%s", r.subtask.Description, r.data),
		Fields: []oracle.Field{{Name: "plan", Description: "the numbered plan"}},
	})
	if err != nil {
		return "", err
	}
	r.plan.Text = text
	return StateGenerateStep, nil
}

func (m *Machine) generateStep(ctx context.Context, r *run) (State, error) {
	step, err := oracle.Text(ctx, m.oracle, oracle.Request{
		Name:   "step_generator",
		System: fmt.Sprintf(stepPrompt, r.cwd, r.context),
		User: fmt.Sprintf("Task:\n%s\n\nPlan:\n%s\n\nPlan completion:\n%s\n\nLast generated step:\n%s\n\nData: %s",
			r.subtask.Description, r.plan.Text, r.plan.Completion, r.plan.LastStep, r.data),
		Fields: []oracle.Field{{Name: "step", Description: "the next step"}},
	})
	if err != nil {
		return "", err
	}
	r.plan.LastStep = step
	r.capability = ""
	return StateClassifyStep, nil
}

func (m *Machine) classifyStep(ctx context.Context, r *run) (State, error) {
	raw, err := oracle.Text(ctx, m.oracle, oracle.Request{
		Name:   "step_classifier",
		System: fmt.Sprintf(classifyPrompt, r.context),
		User:   fmt.Sprintf("Task: %s", r.plan.LastStep),
		Fields: []oracle.Field{{Name: "tool", Description: "'action', 'context' or 'generation'"}},
		Valid:  oracle.ValidCapability,
	})
	if err != nil {
		return "", err
	}
	capability, _ := oracle.ParseCapability(raw)
	r.capability = capability

	switch capability {
	case oracle.CapContext:
		return StateFetchStepContext, nil
	case oracle.CapGeneration:
		if m.opts.GenerateContent {
			return StateGenerateContent, nil
		}
	}
	return StateExecuteAction, nil
}

func (m *Machine) executeAction(ctx context.Context, r *run) (State, error) {
	out, err := m.commands.Run(ctx, command.Input{Task: r.plan.LastStep, Context: r.context})
	switch {
	case errors.Is(err, command.ErrCorrectionExhausted):
		m.logger.Warn("command_generation_failed", map[string]interface{}{
			"step":  truncate(r.plan.LastStep, 200),
			"error": err.Error(),
		})
		r.action = Action{
			Label:       "command_generator",
			Description: r.plan.LastStep,
			Result:      "Command generation failed: " + err.Error(),
		}
		return StateAccumulateData, nil
	case err != nil:
		return "", err
	}

	r.action = Action{Label: out.Action, Description: out.Description, Result: out.Result}
	if out.Executed && out.Cwd != "" {
		r.cwd = out.Cwd
	}
	return StateAccumulateData, nil
}

func (m *Machine) fetchStepContext(ctx context.Context, r *run) (State, error) {
	c, err := m.contexts.Invoke(ctx, retrieval.Request{Context: r.context, Task: r.plan.LastStep})
	if err != nil {
		return "", err
	}
	r.action = Action{Label: ContextGetter, Description: r.plan.LastStep, Result: c}
	return StateAccumulateData, nil
}

func (m *Machine) generateContent(ctx context.Context, r *run) (State, error) {
	content, err := oracle.Text(ctx, m.oracle, oracle.Request{
		Name:   "content_generator",
		System: fmt.Sprintf(contentPrompt, r.context),
		User:   fmt.Sprintf("Task:\n%s", r.plan.LastStep),
		Fields: []oracle.Field{{Name: "content", Description: "the generated content"}},
	})
	if err != nil {
		return "", err
	}
	r.action = Action{Label: ContentProducer, Description: r.plan.LastStep, Result: content}
	return StateAccumulateData, nil
}

func (m *Machine) accumulateData(ctx context.Context, r *run) (State, error) {
	data, err := oracle.Text(ctx, m.oracle, oracle.Request{
		Name:   "data_generator",
		System: fmt.Sprintf(dataPrompt, r.data),
		User: fmt.Sprintf("Task:\n%s\n\nAction:\n%s\n\nDescription:\n%s\n\nAction result:\n%s",
			r.task.Description, r.action.Label, r.action.Description, r.action.Result),
		Fields: []oracle.Field{{Name: "data", Description: "the updated data"}},
	})
	if err != nil {
		return "", err
	}
	r.data = data
	return StateEvaluatePlan, nil
}

func (m *Machine) evaluatePlan(ctx context.Context, r *run) (State, error) {
	completion, err := oracle.Text(ctx, m.oracle, oracle.Request{
		Name:   "plan_evaluator",
		System: fmt.Sprintf(planEvaluatePrompt, r.data, r.context),
		User: fmt.Sprintf("Plan:\n%s\n\nPlan completion:\n%s\n\nCurrent step: %s\n\nAction result:\n%s",
			r.plan.Text, r.plan.Completion, r.plan.LastStep, r.action.Result),
		Fields: []oracle.Field{{Name: "completion", Description: "summary of what has been completed in the plan"}},
	})
	if err != nil {
		return "", err
	}
	score, err := m.grade(ctx, oracle.Request{
		Name:   "plan_grader",
		System: planGradePrompt,
		User:   fmt.Sprintf("Plan:\n%s\n\nPlan completion summary:\n%s", r.plan.Text, completion),
	})
	if err != nil {
		return "", err
	}
	r.plan.Completion = completion
	r.plan.Score = score
	if score == oracle.Yes {
		return StateEvaluateSubtask, nil
	}
	return StateGeneratePlan, nil
}

func (m *Machine) evaluateSubtask(ctx context.Context, r *run) (State, error) {
	completion, err := m.summarizeCompletion(ctx, "subtask_evaluator", r.context, r.subtask.Description, r.subtask.Completion, r.plan.Completion, r.data)
	if err != nil {
		return "", err
	}
	r.subtask.Completion = completion
	return StateEvaluateTask, nil
}

func (m *Machine) generateAnswer(ctx context.Context, r *run) (State, error) {
	answer, err := oracle.Text(ctx, m.oracle, oracle.Request{
		Name:   "answer_generator",
		System: answerPrompt,
		User: fmt.Sprintf("Query: %s\n\nTask: %s\n\nCompletion: %s\n\nData: %s",
			r.query, r.task.Description, r.task.Completion, r.data),
		Fields: []oracle.Field{{Name: "answer", Description: "the answer to the query"}},
	})
	if err != nil {
		return "", err
	}
	r.answer = answer
	return StateDone, nil
}

// summarizeCompletion is shared by the task and subtask evaluators.
func (m *Machine) summarizeCompletion(ctx context.Context, name, background, task, prior, progress, data string) (string, error) {
	return oracle.Text(ctx, m.oracle, oracle.Request{
		Name:   name,
		System: fmt.Sprintf(evaluatePrompt, background),
		User: fmt.Sprintf("Task: %s\n\nPrior completion status:\n%s\n\nCompletion progress:\n%s\n\nUseful data: %s",
			task, prior, progress, data),
		Fields: []oracle.Field{{Name: "completion", Description: "summary of what has been completed"}},
	})
}

func (m *Machine) grade(ctx context.Context, req oracle.Request) (oracle.Grade, error) {
	req.Fields = []oracle.Field{{Name: "score", Description: "'yes' or 'no'"}}
	req.Valid = oracle.ValidGrade
	raw, err := oracle.Text(ctx, m.oracle, req)
	if err != nil {
		return "", err
	}
	score, _ := oracle.ParseGrade(raw)
	return score, nil
}

func (r *run) snapshot(seq int, state, next State) Snapshot {
	return Snapshot{
		Seq:          seq,
		State:        state,
		Next:         next,
		Query:        r.query,
		Task:         r.task,
		Subtask:      r.subtask,
		Plan:         r.plan,
		Capability:   r.capability,
		Action:       r.action,
		ContextQuery: r.contextQuery,
		Context:      r.context,
		Data:         r.data,
		Cwd:          r.cwd,
		Answer:       r.answer,
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
