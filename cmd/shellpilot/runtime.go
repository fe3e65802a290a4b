// Package main provides runtime wiring for a run.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/vinayprograms/agentkit/credentials"
	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/logging"
	"github.com/vinayprograms/agentkit/telemetry"

	"github.com/vinayprograms/shellpilot/internal/approval"
	"github.com/vinayprograms/shellpilot/internal/command"
	"github.com/vinayprograms/shellpilot/internal/config"
	"github.com/vinayprograms/shellpilot/internal/decision"
	"github.com/vinayprograms/shellpilot/internal/events"
	"github.com/vinayprograms/shellpilot/internal/knowledge"
	"github.com/vinayprograms/shellpilot/internal/oracle"
	"github.com/vinayprograms/shellpilot/internal/replay"
	"github.com/vinayprograms/shellpilot/internal/retrieval"
	"github.com/vinayprograms/shellpilot/internal/session"
	"github.com/vinayprograms/shellpilot/internal/shell"
)

// sudoPasswordEnv supplies the sudo password without a prompt.
const sudoPasswordEnv = "SHELLPILOT_SUDO_PASSWORD"

// runOptions are the per-invocation flags of the run command.
type runOptions struct {
	query      string
	path       string
	yesApprove bool
	noSudo     bool
	format     string
	verbosity  int
}

// runtime handles the execution phase of a run.
type runtime struct {
	cfg   *config.Config
	creds *credentials.Credentials
	opts  runOptions

	stdin       io.Reader
	stdout      io.Writer
	stderr      io.Writer
	interactive bool // stdin is a terminal
	logger      *logging.Logger

	// Components
	provider   llm.Provider
	smallLLM   llm.Provider
	oracle     oracle.Oracle
	telem      telemetry.Exporter
	sessionMgr *session.FileManager
	sess       *session.Session
	sinks      events.Multi
	shell      *shell.Session
	startDir   string
	approver   approval.Approver
	index      *knowledge.Index
	contexts   *retrieval.Provider
	commands   *command.Graph
	machine    *decision.Machine

	// Cleanup
	closers []func()
}

// newRuntime creates a runtime bound to the process streams.
func newRuntime(cfg *config.Config, creds *credentials.Credentials, opts runOptions) *runtime {
	return &runtime{
		cfg:         cfg,
		creds:       creds,
		opts:        opts,
		stdin:       os.Stdin,
		stdout:      os.Stdout,
		stderr:      os.Stderr,
		interactive: isTerminal(os.Stdin),
		logger:      logging.New().WithComponent("cli"),
	}
}

// setup initializes all runtime components. Returns error on failure.
func (rt *runtime) setup(ctx context.Context) error {
	if err := rt.createProvider(); err != nil {
		return err
	}
	rt.createSmallLLM()
	rt.createOracle()
	if err := rt.setupTelemetry(); err != nil {
		return err
	}
	if err := rt.setupSession(); err != nil {
		return err
	}
	if err := rt.setupSinks(); err != nil {
		return err
	}
	if err := rt.setupShell(ctx); err != nil {
		return err
	}
	rt.setupApprover()
	rt.setupKnowledge()
	rt.createMachine()
	return nil
}

// apiKey prefers credentials.toml and falls back to the configured env var.
func (rt *runtime) apiKey(provider string, llmCfg config.LLMConfig) string {
	var key string
	if rt.creds != nil {
		key = rt.creds.GetAPIKey(provider)
	}
	if key == "" {
		key = llmCfg.APIKey()
	}
	return key
}

// createProvider creates the main LLM provider.
func (rt *runtime) createProvider() error {
	if rt.provider != nil {
		return nil
	}
	llmProvider := rt.cfg.LLM.Provider
	if llmProvider == "" {
		llmProvider = llm.InferProviderFromModel(rt.cfg.LLM.Model)
	}
	if llmProvider == "" && rt.cfg.LLM.Model == "" {
		return fmt.Errorf("LLM model not configured")
	}

	var err error
	rt.provider, err = llm.NewProvider(llm.ProviderConfig{
		Provider:    llmProvider,
		Model:       rt.cfg.LLM.Model,
		APIKey:      rt.apiKey(llmProvider, rt.cfg.LLM),
		MaxTokens:   rt.cfg.LLM.MaxTokens,
		BaseURL:     rt.cfg.LLM.BaseURL,
		Thinking:    llm.ThinkingConfig{Level: llm.ThinkingLevel(rt.cfg.LLM.Thinking)},
		RetryConfig: parseRetryConfig(rt.cfg.LLM.MaxRetries, rt.cfg.LLM.RetryBackoff),
	})
	if err != nil {
		return fmt.Errorf("creating LLM provider: %w", err)
	}
	return nil
}

// createSmallLLM creates the small LLM used for grading and classification.
func (rt *runtime) createSmallLLM() {
	if rt.smallLLM != nil || rt.cfg.SmallLLM.Model == "" {
		return
	}
	smallProvider := rt.cfg.SmallLLM.Provider
	if smallProvider == "" {
		smallProvider = llm.InferProviderFromModel(rt.cfg.SmallLLM.Model)
	}
	var err error
	rt.smallLLM, err = llm.NewProvider(llm.ProviderConfig{
		Provider:    smallProvider,
		Model:       rt.cfg.SmallLLM.Model,
		APIKey:      rt.apiKey(smallProvider, rt.cfg.SmallLLM),
		MaxTokens:   rt.cfg.SmallLLM.MaxTokens,
		BaseURL:     rt.cfg.SmallLLM.BaseURL,
		RetryConfig: parseRetryConfig(rt.cfg.SmallLLM.MaxRetries, rt.cfg.SmallLLM.RetryBackoff),
	})
	if err != nil {
		rt.logger.Warn("small_llm_disabled", map[string]interface{}{"error": err.Error()})
		rt.smallLLM = nil
	}
}

// createOracle wraps the providers in the retrying oracle.
func (rt *runtime) createOracle() {
	o := oracle.NewLLM(rt.provider, oracle.Config{
		MaxAttempts:    rt.cfg.Oracle.MaxAttempts,
		InitialBackoff: rt.cfg.Oracle.InitialBackoff,
		MaxBackoff:     rt.cfg.Oracle.MaxBackoff,
	})
	if rt.smallLLM != nil {
		o.WithSmall(rt.smallLLM)
	}
	rt.oracle = o
}

// setupTelemetry creates the telemetry exporter.
func (rt *runtime) setupTelemetry() error {
	var err error
	if rt.cfg.Telemetry.Enabled {
		rt.telem, err = telemetry.NewExporter(rt.cfg.Telemetry.Protocol, rt.cfg.Telemetry.Endpoint)
		if err != nil {
			return fmt.Errorf("creating telemetry exporter: %w", err)
		}
	} else {
		rt.telem = telemetry.NewNoopExporter()
	}
	rt.addCloser(func() { rt.telem.Close() })
	return nil
}

// setupSession creates the run log when enabled.
func (rt *runtime) setupSession() error {
	if !rt.cfg.Session.Enabled {
		return nil
	}
	var err error
	rt.sessionMgr, err = session.NewFileManager(config.ExpandPath(rt.cfg.Session.Path))
	if err != nil {
		return fmt.Errorf("creating run log directory: %w", err)
	}
	rt.sess, err = rt.sessionMgr.Create(rt.opts.query, rt.opts.path)
	if err != nil {
		return fmt.Errorf("creating run log: %w", err)
	}
	return nil
}

// setupSinks assembles everyone watching the run.
func (rt *runtime) setupSinks() error {
	liveOut := rt.stderr
	if rt.opts.format == replay.FormatYAML {
		liveOut = rt.stdout
	}
	live, err := replay.NewLive(liveOut, rt.opts.format, rt.opts.verbosity)
	if err != nil {
		return err
	}
	rt.sinks = events.Multi{live}

	if rt.sess != nil {
		rt.sinks = append(rt.sinks, session.NewRecorder(rt.sessionMgr, rt.sess))
	}

	if rt.telem != nil {
		telem := rt.telem
		rt.sinks = append(rt.sinks, telemetrySink(func(name string, fields map[string]interface{}) {
			telem.LogEvent(name, fields)
		}))
	}

	if rt.cfg.Events.NATSURL != "" {
		nats, err := events.DialNATS(rt.cfg.Events.NATSURL, rt.cfg.Events.Subject)
		if err != nil {
			rt.logger.Warn("nats_unavailable", map[string]interface{}{"url": rt.cfg.Events.NATSURL, "error": err.Error()})
		} else {
			rt.sinks = append(rt.sinks, nats)
			rt.addCloser(func() { nats.Close() })
		}
	}
	return nil
}

// setupShell starts the persistent shell the run executes in.
func (rt *runtime) setupShell(ctx context.Context) error {
	password, err := rt.sudoPassword(ctx)
	if err != nil {
		return err
	}

	dir := rt.opts.path
	if dir == "" {
		dir = config.ExpandPath(rt.cfg.Shell.Dir)
	}
	rt.shell, err = shell.Start(ctx, shell.Options{
		Shell:          rt.cfg.Shell.Path,
		Dir:            dir,
		Password:       password,
		ReadyTimeout:   rt.cfg.Shell.ReadyTimeout,
		CommandTimeout: rt.cfg.Shell.CommandTimeout,
	})
	if err != nil {
		return fmt.Errorf("starting shell: %w", err)
	}
	rt.addCloser(func() { rt.shell.Close() })
	rt.startDir = rt.shell.Cwd()
	return nil
}

// sudoPassword reads the password from the environment, or asks for it on a
// terminal. An empty answer skips sudo support.
func (rt *runtime) sudoPassword(ctx context.Context) (string, error) {
	if rt.opts.noSudo {
		return "", nil
	}
	if pw, ok := os.LookupEnv(sudoPasswordEnv); ok {
		return pw, nil
	}
	if !rt.interactive {
		return "", nil
	}
	pw, err := approval.ReadPassword(ctx, "sudo password (enter to skip): ", nil, rt.stderr)
	if errors.Is(err, approval.ErrCancelled) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading sudo password: %w", err)
	}
	return pw, nil
}

// setupApprover picks how flagged commands are approved.
func (rt *runtime) setupApprover() {
	switch {
	case rt.opts.yesApprove:
		rt.approver = approval.Static(true)
	case rt.interactive:
		rt.approver = approval.NewTerminalPrompter(nil, rt.stderr, 100).WithTimeout(rt.cfg.Approval.Timeout)
	default:
		rt.approver = approval.NewLinePrompter(rt.stdin, rt.stderr).WithTimeout(rt.cfg.Approval.Timeout)
	}
}

// setupKnowledge opens the document index if one has been built. A missing
// or unreadable index leaves retrieval empty.
func (rt *runtime) setupKnowledge() {
	path := config.ExpandPath(rt.cfg.Knowledge.IndexPath)
	if path == "" {
		return
	}
	if _, err := os.Stat(path); err != nil {
		rt.logger.Debug("knowledge_index_missing", map[string]interface{}{"path": path})
		return
	}
	ix, err := knowledge.Open(path)
	if err != nil {
		rt.logger.Warn("knowledge_index_unavailable", map[string]interface{}{"path": path, "error": err.Error()})
		return
	}
	rt.index = ix
	rt.addCloser(func() { ix.Close() })
}

// createMachine wires the sub-machines into the decision machine.
func (rt *runtime) createMachine() {
	var retriever retrieval.Retriever
	if rt.index != nil {
		retriever = rt.index
	}
	rt.contexts = retrieval.New(rt.oracle, retriever, retrieval.Options{
		TopK:        rt.cfg.Knowledge.TopK,
		Parallelism: rt.cfg.Knowledge.Parallelism,
	})

	runID := ""
	if rt.sess != nil {
		runID = rt.sess.ID
	}
	var runner shell.Runner
	if rt.shell != nil {
		runner = rt.shell
	}
	rt.commands = command.New(rt.oracle, runner, rt.approver, command.Options{
		MaxCorrectionRounds: rt.cfg.Limits.MaxCorrectionRounds,
		MaxAnalysisChunks:   rt.cfg.Limits.MaxAnalysisChunks,
		ChunkSize:           rt.cfg.Limits.ChunkSize,
	})
	rt.machine = decision.New(rt.oracle, rt.commands, rt.contexts, rt.sinks, decision.Options{
		MaxSteps:        rt.cfg.Limits.MaxSteps,
		GenerateContent: rt.cfg.Decision.GenerateContent,
		RunID:           runID,
	})
	decision.ObserveCommands(rt.commands, rt.sinks, rt.machine.RunID())
}

// run executes the query and prints the answer.
func (rt *runtime) run(ctx context.Context) error {
	if rt.opts.format != replay.FormatYAML {
		fmt.Fprintf(rt.stderr, "%s %s\n\n", dimStyle.Render("run"), dimStyle.Render(rt.machine.RunID()))
	}

	out, err := rt.machine.Run(ctx, decision.Input{Query: rt.opts.query, Path: rt.startDir})
	if err != nil {
		if rt.sess != nil {
			fmt.Fprintf(rt.stderr, "%s %s\n", dimStyle.Render("run log:"), rt.sessionMgr.PathFor(rt.sess.ID))
		}
		return err
	}

	if rt.opts.format != replay.FormatYAML {
		fmt.Fprintf(rt.stderr, "\n%s\n", successStyle.Render(fmt.Sprintf("✓ Done in %d states", out.Steps)))
		fmt.Fprintln(rt.stdout, answerStyle.Render(out.Answer))
	}
	return nil
}

// cleanup runs all registered cleanup functions.
func (rt *runtime) cleanup() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

// addCloser registers a cleanup function.
func (rt *runtime) addCloser(fn func()) {
	rt.closers = append(rt.closers, fn)
}

// telemetrySink forwards run milestones to the telemetry exporter.
func telemetrySink(logEvent func(name string, fields map[string]interface{})) events.Sink {
	return events.Func(func(e events.Event) {
		fields := map[string]interface{}{"run_id": e.RunID}
		switch p := e.Payload.(type) {
		case decision.Input:
			fields["query"] = p.Query
		case decision.CommandRecord:
			fields["command"] = p.Command.Text
			fields["exit_code"] = p.ExitCode
			fields["security"] = string(p.Command.Security.Score)
		case decision.Outcome:
			fields["steps"] = p.Steps
		case map[string]string:
			if msg, ok := p["error"]; ok {
				fields["error"] = msg
			}
		}

		switch e.Kind {
		case events.KindRunStarted, events.KindExecuted, events.KindAborted,
			events.KindRunComplete, events.KindRunFailed:
			logEvent(string(e.Kind), fields)
		}
	})
}
