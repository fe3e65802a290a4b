// Package command implements the safety-gated command sub-machine: it turns a
// step into a shell command, checks the command's correctness and security,
// asks a human when required, runs it and analyses the output.
package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vinayprograms/agentkit/logging"
	"github.com/vinayprograms/agentkit/telemetry"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vinayprograms/shellpilot/internal/approval"
	"github.com/vinayprograms/shellpilot/internal/oracle"
	"github.com/vinayprograms/shellpilot/internal/shell"
)

// AbortResult is the result of a command that was denied or declined.
const AbortResult = "Unsafe command aborted execution!"

// ErrCorrectionExhausted means no generated command passed the correctness
// review within the configured number of rounds.
var ErrCorrectionExhausted = errors.New("no correct command generated")

// State is a node of the sub-machine.
type State string

const (
	StateDescribe            State = "describe"
	StateGenerate            State = "generate"
	StateEvaluateCorrectness State = "evaluate_correctness"
	StateEvaluateSecurity    State = "evaluate_security"
	StateApproval            State = "approval"
	StateAbort               State = "abort"
	StateExecute             State = "execute"
	StateAnalyze             State = "analyze"
	StateDone                State = "done"
)

// Correctness is the outcome of the correctness review.
type Correctness struct {
	Comment string       `json:"comment" yaml:"comment"`
	Score   oracle.Grade `json:"score" yaml:"score"`
}

// Security is the outcome of the security review.
type Security struct {
	Comment string               `json:"comment" yaml:"comment"`
	Score   oracle.SecurityGrade `json:"score" yaml:"score"`
}

// Command is the single command under consideration in one invocation.
type Command struct {
	Text        string      `json:"text" yaml:"text"`
	Description string      `json:"description" yaml:"description"`
	Correctness Correctness `json:"correctness" yaml:"correctness"`
	Security    Security    `json:"security" yaml:"security"`
}

// Input is what the decision machine hands over.
type Input struct {
	Task    string
	Context string
}

// Output is the terminal result of one invocation.
type Output struct {
	// Action is the command text.
	Action      string
	Description string
	Result      string

	Command  Command
	Executed bool
	Aborted  bool
	ExitCode int
	Cwd      string
}

// Transition is reported for every state change.
type Transition struct {
	From    State   `json:"from" yaml:"from"`
	To      State   `json:"to" yaml:"to"`
	Round   int     `json:"round,omitempty" yaml:"round,omitempty"`
	Command Command `json:"command" yaml:"command"`
}

// Options tunes the sub-machine. Zero values take defaults.
type Options struct {
	MaxCorrectionRounds int
	MaxAnalysisChunks   int
	ChunkSize           int
}

const (
	DefaultMaxCorrectionRounds = 5
	DefaultMaxAnalysisChunks   = 20
	DefaultChunkSize           = 3000
)

// Graph runs the command sub-machine against one shell session.
type Graph struct {
	oracle   oracle.Oracle
	runner   shell.Runner
	approver approval.Approver
	opts     Options
	logger   *logging.Logger

	// OnTransition, when set, observes every state change.
	OnTransition func(Transition)
	// OnExecuted, when set, observes every command that reached the shell.
	OnExecuted func(cmd Command, res shell.Result)
	// OnAborted, when set, observes every command that was denied or declined.
	OnAborted func(cmd Command)
}

// New creates a Graph. A nil approver declines every command that needs approval.
func New(o oracle.Oracle, runner shell.Runner, approver approval.Approver, opts Options) *Graph {
	if opts.MaxCorrectionRounds <= 0 {
		opts.MaxCorrectionRounds = DefaultMaxCorrectionRounds
	}
	if opts.MaxAnalysisChunks <= 0 {
		opts.MaxAnalysisChunks = DefaultMaxAnalysisChunks
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if approver == nil {
		approver = approval.Static(false)
	}
	return &Graph{
		oracle:   o,
		runner:   runner,
		approver: approver,
		opts:     opts,
		logger:   logging.New().WithComponent("command"),
	}
}

// invocation is the mutable state of one Run.
type invocation struct {
	in       Input
	cwd      string
	cmd      Command
	feedback string
	rounds   int
	approved bool
	res      shell.Result
	chunks   []string
	out      Output
}

// Run drives the sub-machine from Describe to a terminal state. Denied and
// declined commands return an Output with Aborted set, not an error. Errors
// are oracle exhaustion, a dead shell session or ErrCorrectionExhausted.
func (g *Graph) Run(ctx context.Context, in Input) (Output, error) {
	ctx, span := telemetry.GetTracer().StartSpan(ctx, "command.run")
	defer span.End()
	span.SetAttributes(attribute.String("command.task", truncate(in.Task, 500)))

	inv := &invocation{in: in, cwd: g.runner.Cwd(), feedback: "None"}
	state := StateDescribe
	start := time.Now()

	for state != StateDone {
		next, err := g.step(ctx, state, inv)
		if err != nil {
			span.RecordError(err)
			g.logger.Warn("command_failed", map[string]interface{}{
				"state": string(state),
				"error": err.Error(),
			})
			return Output{}, err
		}
		if g.OnTransition != nil {
			g.OnTransition(Transition{From: state, To: next, Round: inv.rounds, Command: inv.cmd})
		}
		state = next
	}

	span.SetAttributes(
		attribute.String("command.text", truncate(inv.cmd.Text, 500)),
		attribute.Bool("command.executed", inv.out.Executed),
		attribute.Bool("command.aborted", inv.out.Aborted),
	)
	g.logger.Info("command_complete", map[string]interface{}{
		"command":     truncate(inv.cmd.Text, 200),
		"executed":    inv.out.Executed,
		"aborted":     inv.out.Aborted,
		"rounds":      inv.rounds,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return inv.out, nil
}

func (g *Graph) step(ctx context.Context, state State, inv *invocation) (State, error) {
	switch state {
	case StateDescribe:
		return g.describe(ctx, inv)
	case StateGenerate:
		return g.generate(ctx, inv)
	case StateEvaluateCorrectness:
		return g.evaluateCorrectness(ctx, inv)
	case StateEvaluateSecurity:
		return g.evaluateSecurity(ctx, inv)
	case StateApproval:
		return g.approval(ctx, inv)
	case StateAbort:
		return g.abort(inv)
	case StateExecute:
		return g.execute(ctx, inv)
	case StateAnalyze:
		return g.analyze(ctx, inv)
	}
	return "", fmt.Errorf("unknown command state %q", state)
}

func (g *Graph) describe(ctx context.Context, inv *invocation) (State, error) {
	desc, err := oracle.Text(ctx, g.oracle, oracle.Request{
		Name:   "command_description",
		System: fmt.Sprintf(describePrompt, inv.in.Context),
		User:   fmt.Sprintf("The task to address:\n%s\n\nCurrent directory: %s", inv.in.Task, inv.cwd),
		Fields: []oracle.Field{{Name: "description", Description: "description of the command to run"}},
	})
	if err != nil {
		return "", err
	}
	inv.cmd.Description = desc
	return StateGenerate, nil
}

func (g *Graph) generate(ctx context.Context, inv *invocation) (State, error) {
	if inv.rounds >= g.opts.MaxCorrectionRounds {
		return "", fmt.Errorf("%w after %d rounds: %s", ErrCorrectionExhausted, inv.rounds, inv.feedback)
	}
	inv.rounds++

	text, err := oracle.Text(ctx, g.oracle, oracle.Request{
		Name:   "command_generator",
		System: fmt.Sprintf(generatePrompt, inv.in.Context),
		User: fmt.Sprintf("Task:\n%s\n\nDescription: %s\nCurrent directory: %s\n\nCorrectness comments: %s",
			inv.in.Task, inv.cmd.Description, inv.cwd, inv.feedback),
		Fields: []oracle.Field{{Name: "command", Description: "the shell command to run"}},
	})
	if err != nil {
		return "", err
	}
	inv.cmd.Text = text
	inv.cmd.Correctness = Correctness{}
	g.logger.Debug("command_generated", map[string]interface{}{
		"command": truncate(text, 200),
		"round":   inv.rounds,
	})
	return StateEvaluateCorrectness, nil
}

func (g *Graph) evaluateCorrectness(ctx context.Context, inv *invocation) (State, error) {
	comment, err := oracle.Text(ctx, g.oracle, oracle.Request{
		Name:   "correctness_evaluator",
		System: fmt.Sprintf(correctnessEvaluatePrompt, inv.in.Context),
		User:   fmt.Sprintf("Task to solve: %s\n\nGenerated command:\n%s", inv.in.Task, inv.cmd.Text),
		Fields: []oracle.Field{{Name: "comment", Description: "comments on the correctness of the command"}},
	})
	if err != nil {
		return "", err
	}
	raw, err := oracle.Text(ctx, g.oracle, oracle.Request{
		Name:   "correctness_grader",
		System: fmt.Sprintf(correctnessGradePrompt, inv.in.Context),
		User:   fmt.Sprintf("Generated command:\n%s\n\nCorrectness comments:\n%s", inv.cmd.Text, comment),
		Fields: []oracle.Field{{Name: "score", Description: "'yes' or 'no'"}},
		Valid:  oracle.ValidGrade,
	})
	if err != nil {
		return "", err
	}
	score, _ := oracle.ParseGrade(raw)
	inv.cmd.Correctness = Correctness{Comment: comment, Score: score}

	if score == oracle.No {
		inv.feedback = comment
		return StateGenerate, nil
	}
	return StateEvaluateSecurity, nil
}

func (g *Graph) evaluateSecurity(ctx context.Context, inv *invocation) (State, error) {
	comment, err := oracle.Text(ctx, g.oracle, oracle.Request{
		Name:   "security_evaluator",
		System: fmt.Sprintf(securityEvaluatePrompt, inv.in.Context),
		User:   fmt.Sprintf("Generated command:\n%s", inv.cmd.Text),
		Fields: []oracle.Field{{Name: "security", Description: "comments on the security of the command"}},
	})
	if err != nil {
		return "", err
	}
	raw, err := oracle.Text(ctx, g.oracle, oracle.Request{
		Name:   "security_grader",
		System: fmt.Sprintf(securityGradePrompt, inv.in.Context),
		User:   fmt.Sprintf("Generated command:\n%s\n\nSecurity concerns:\n%s", inv.cmd.Text, comment),
		Fields: []oracle.Field{{Name: "score", Description: "'allow', 'approve' or 'deny'"}},
		Valid:  oracle.ValidSecurityGrade,
	})
	if err != nil {
		return "", err
	}
	score, _ := oracle.ParseSecurityGrade(raw)
	inv.cmd.Security = Security{Comment: comment, Score: score}

	switch score {
	case oracle.Allow:
		return StateExecute, nil
	case oracle.Approve:
		return StateApproval, nil
	default:
		return StateAbort, nil
	}
}

func (g *Graph) approval(ctx context.Context, inv *invocation) (State, error) {
	ok, err := g.approver.Approve(ctx, approval.Request{
		Task:        inv.in.Task,
		Context:     inv.in.Context,
		Command:     inv.cmd.Text,
		Description: inv.cmd.Description,
		Security:    inv.cmd.Security.Comment,
	})
	if err != nil {
		return "", fmt.Errorf("approval: %w", err)
	}
	inv.approved = ok
	if ok {
		return StateExecute, nil
	}
	return StateAbort, nil
}

func (g *Graph) abort(inv *invocation) (State, error) {
	inv.out = Output{
		Action:      inv.cmd.Text,
		Description: inv.cmd.Description,
		Result:      AbortResult,
		Command:     inv.cmd,
		Aborted:     true,
		Cwd:         inv.cwd,
	}
	g.logger.Warn("command_aborted", map[string]interface{}{
		"command":  truncate(inv.cmd.Text, 200),
		"security": string(inv.cmd.Security.Score),
	})
	if g.OnAborted != nil {
		g.OnAborted(inv.cmd)
	}
	return StateDone, nil
}

func (g *Graph) execute(ctx context.Context, inv *invocation) (State, error) {
	res, err := g.runner.Run(ctx, inv.cmd.Text)
	if err != nil {
		return "", fmt.Errorf("executing command: %w", err)
	}
	inv.res = res
	inv.cwd = res.Cwd
	inv.chunks = Chunk(res.Output, g.opts.ChunkSize)
	if g.OnExecuted != nil {
		g.OnExecuted(inv.cmd, res)
	}
	return StateAnalyze, nil
}

func (g *Graph) analyze(ctx context.Context, inv *invocation) (State, error) {
	chunks := inv.chunks
	if len(chunks) == 0 {
		chunks = []string{""}
	}

	parts := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		if i >= g.opts.MaxAnalysisChunks {
			g.logger.Warn("analysis_truncated", map[string]interface{}{
				"chunks":   len(chunks),
				"analysed": i,
			})
			parts = append(parts, truncationNote(i, len(chunks)))
			break
		}
		analysis, err := oracle.Text(ctx, g.oracle, oracle.Request{
			Name:   "result_analyser",
			System: fmt.Sprintf(analyzePrompt, inv.in.Context),
			User: fmt.Sprintf("Task: %s\n\nCommand:\n%s\n\nDescription:\n%s\n\nCommand output:\n%s",
				inv.in.Task, inv.cmd.Text, inv.cmd.Description, chunk),
			Fields: []oracle.Field{{Name: "analysis", Description: "analysis of the command output"}},
		})
		if err != nil {
			return "", err
		}
		parts = append(parts, analysis)
	}

	inv.out = Output{
		Action:      inv.cmd.Text,
		Description: inv.cmd.Description,
		Result:      joinAnalyses(parts),
		Command:     inv.cmd,
		Executed:    true,
		ExitCode:    inv.res.ExitCode,
		Cwd:         inv.cwd,
	}
	return StateDone, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
