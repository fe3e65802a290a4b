// Package shell runs commands one at a time inside a single long-lived
// interactive bash process, so directory changes and exported variables
// persist between commands.
package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/vinayprograms/agentkit/logging"
	"github.com/vinayprograms/agentkit/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrSessionDead means the shell process is gone or its output framing was
	// lost. The session cannot be used again.
	ErrSessionDead = errors.New("shell session is dead")
	// ErrClosed is returned by Run after Close.
	ErrClosed = errors.New("shell session closed")
)

var logger = logging.New().WithComponent("shell")

// SessionError describes a fatal session failure.
type SessionError struct {
	Op  string
	Err error
}

func (e *SessionError) Error() string { return "shell " + e.Op + ": " + e.Err.Error() }

func (e *SessionError) Unwrap() error { return e.Err }

// Result is the outcome of one command.
type Result struct {
	Output   string
	ExitCode int
	// Cwd is the shell's working directory after the command finished.
	Cwd      string
	Duration time.Duration
}

// Runner executes commands. *Session is the production implementation.
type Runner interface {
	Run(ctx context.Context, command string) (Result, error)
	Cwd() string
}

// Options configures a session.
type Options struct {
	// Shell is the interpreter, started with --noediting -i. Defaults to
	// /bin/bash.
	Shell string
	// Dir is the starting directory. Defaults to the user's home.
	Dir string
	// Password is piped to sudo -S for commands starting with sudo.
	Password string
	// Env is appended to the inherited environment.
	Env []string

	ReadyTimeout   time.Duration
	CommandTimeout time.Duration
}

const (
	defaultShell        = "/bin/bash"
	defaultReadyTimeout = 10 * time.Second
	exitGrace           = 2 * time.Second
	drainGrace          = 200 * time.Millisecond
	syntaxCheckTimeout  = 5 * time.Second
)

// Session is a persistent interactive shell.
type Session struct {
	cmd      *exec.Cmd
	path     string
	env      []string
	stdin    io.WriteCloser
	stdout   *os.File
	password string
	timeout  time.Duration

	lines      chan string
	stop       chan struct{}
	readerDone chan struct{}
	exited     chan struct{}
	waitErr    error

	mu     sync.Mutex
	cwd    string
	dead   error
	closed atomic.Bool
	once   sync.Once
}

// Start launches the shell and waits until it answers a first framed command.
func Start(ctx context.Context, opts Options) (*Session, error) {
	shellPath := opts.Shell
	if shellPath == "" {
		shellPath = defaultShell
	}
	dir := opts.Dir
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = home
		}
	}
	ready := opts.ReadyTimeout
	if ready <= 0 {
		ready = defaultReadyTimeout
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating output pipe: %w", err)
	}

	// Without --noediting readline echoes every input line, framing and
	// sudo password included, into the captured output.
	env := append(os.Environ(), opts.Env...)
	cmd := exec.Command(shellPath, "--noediting", "-i")
	cmd.Dir = dir
	cmd.Env = env
	cmd.Stdout = pw
	cmd.Stderr = pw
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("creating input pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("starting %s: %w", shellPath, err)
	}
	// The child holds its own copy of the write end.
	pw.Close()

	s := &Session{
		cmd:        cmd,
		path:       shellPath,
		env:        env,
		stdin:      stdin,
		stdout:     pr,
		password:   opts.Password,
		timeout:    opts.CommandTimeout,
		lines:      make(chan string, 256),
		stop:       make(chan struct{}),
		readerDone: make(chan struct{}),
		exited:     make(chan struct{}),
		cwd:        dir,
	}
	go s.readLoop()
	go func() {
		s.waitErr = cmd.Wait()
		close(s.exited)
	}()

	setup := "export PS1='' PS2='' PROMPT_COMMAND=''; set +H; unset HISTFILE"
	f, err := s.exchange(ctx, setup, ready)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("shell did not become ready: %w", err)
	}
	s.cwd = f.cwd

	logger.Info("shell_started", map[string]interface{}{
		"shell": shellPath,
		"pid":   cmd.Process.Pid,
		"cwd":   s.cwd,
	})
	return s, nil
}

// Cwd returns the working directory observed after the last command.
func (s *Session) Cwd() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cwd
}

// Run executes one command and returns its combined output. A fatal error
// marks the session dead and every later call fails with the same error.
func (s *Session) Run(ctx context.Context, command string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return Result{}, ErrClosed
	}
	if s.dead != nil {
		return Result{}, s.dead
	}

	ctx, span := telemetry.GetTracer().StartSpan(ctx, "shell.run")
	defer span.End()
	span.SetAttributes(attribute.String("shell.command", truncate(command, 500)))

	start := time.Now()
	if msg, ok := s.checkSyntax(ctx, command); !ok {
		res := Result{Output: msg, ExitCode: SyntaxErrorExitCode, Cwd: s.cwd, Duration: time.Since(start)}
		span.SetAttributes(attribute.Int("shell.exit_code", res.ExitCode))
		logger.Warn("shell_syntax_error", map[string]interface{}{
			"command": truncate(command, 200),
			"error":   msg,
		})
		return res, nil
	}
	f, err := s.exchange(ctx, prepare(command, s.password), s.timeout)
	if err != nil {
		if s.closed.Load() {
			err = ErrClosed
		}
		s.dead = err
		span.RecordError(err)
		logger.Error("shell_failed", map[string]interface{}{
			"command": truncate(command, 200),
			"error":   err.Error(),
		})
		s.kill()
		return Result{}, err
	}
	if f.cwd != "" {
		s.cwd = f.cwd
	}

	res := Result{
		Output:   redact(f.output, s.password),
		ExitCode: f.exitCode,
		Cwd:      s.cwd,
		Duration: time.Since(start),
	}
	span.SetAttributes(
		attribute.Int("shell.exit_code", res.ExitCode),
		attribute.String("shell.cwd", res.Cwd),
	)
	logger.Debug("shell_command", map[string]interface{}{
		"command":     truncate(command, 200),
		"exit_code":   res.ExitCode,
		"output_size": len(res.Output),
		"duration_ms": res.Duration.Milliseconds(),
	})
	return res, nil
}

// Close ends the shell: stdin is closed, the process group is terminated and
// reaped, and the reader goroutine is stopped. Safe to call more than once.
func (s *Session) Close() error {
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.stop)
		_ = s.stdin.Close()
		terminate(s.cmd)
		select {
		case <-s.exited:
		case <-time.After(exitGrace):
			killGroup(s.cmd)
			<-s.exited
		}
		_ = s.stdout.Close()
		<-s.readerDone
		logger.Info("shell_closed", nil)
	})
	return nil
}

func (s *Session) kill() {
	killGroup(s.cmd)
}

func (s *Session) readLoop() {
	defer close(s.readerDone)
	defer close(s.lines)

	br := bufio.NewReader(s.stdout)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			select {
			case s.lines <- strings.TrimRight(line, "\r\n"):
			case <-s.stop:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

type frame struct {
	output   string
	exitCode int
	cwd      string
}

// exchange writes one framed command and collects output up to its sentinel.
func (s *Session) exchange(ctx context.Context, command string, timeout time.Duration) (frame, error) {
	marker := newMarker()
	framed := frameCommand(command, marker)
	if _, err := io.WriteString(s.stdin, framed); err != nil {
		return frame{}, &SessionError{Op: "write", Err: fmt.Errorf("%w: %v", ErrSessionDead, err)}
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	exited := s.exited
	var drain <-chan time.Time

	var lines []string
	for {
		select {
		case line, ok := <-s.lines:
			if !ok {
				return frame{}, &SessionError{Op: "read", Err: s.exitCause()}
			}
			idx := strings.Index(line, marker)
			if idx < 0 {
				lines = append(lines, strings.TrimRight(line, " \t"))
				continue
			}
			if prefix := strings.TrimRight(line[:idx], " \t"); prefix != "" {
				lines = append(lines, prefix)
			}
			code, cwd := parseTrailer(line[idx+len(marker):])
			lines = dropEcho(lines, framed, marker)
			return frame{output: strings.Join(lines, "\n"), exitCode: code, cwd: cwd}, nil
		case <-exited:
			// Output written before exit may still be buffered.
			exited = nil
			drain = time.After(drainGrace)
		case <-drain:
			return frame{}, &SessionError{Op: "read", Err: s.exitCause()}
		case <-deadline:
			return frame{}, &SessionError{Op: "run", Err: fmt.Errorf("%w: command timed out after %s", ErrSessionDead, timeout)}
		case <-ctx.Done():
			return frame{}, &SessionError{Op: "run", Err: fmt.Errorf("%w: %v", ErrSessionDead, ctx.Err())}
		}
	}
}

func (s *Session) exitCause() error {
	select {
	case <-s.exited:
		if s.waitErr != nil {
			return fmt.Errorf("%w: shell exited: %v", ErrSessionDead, s.waitErr)
		}
		return fmt.Errorf("%w: shell exited", ErrSessionDead)
	default:
		return fmt.Errorf("%w: output stream closed", ErrSessionDead)
	}
}

// newMarker returns a sentinel unique to one command.
func newMarker() string {
	return "__SP_" + strings.ReplaceAll(uuid.NewString(), "-", "") + "__"
}

// frameCommand wraps command so its stdin is detached from the session's
// input stream and appends a printf that emits marker, the exit status and
// the working directory. The marker is split in the printf arguments so it
// never appears verbatim in the text the shell reads.
func frameCommand(command, marker string) string {
	half := len(marker) / 2
	return fmt.Sprintf("{ %s\n} </dev/null\nprintf '%%s%%s %%d %%s\\n' '%s' '%s' \"$?\" \"$(pwd)\"\n",
		command, marker[:half], marker[half:])
}

// dropEcho removes input lines the shell echoed back: the leading lines of
// the framed command and any line carrying the first half of the marker.
// Line editing is off, so this only matters for shells that echo anyway.
func dropEcho(lines []string, framed, marker string) []string {
	half := marker[:len(marker)/2]
	out := lines[:0]
	for _, l := range lines {
		if !strings.Contains(l, half) {
			out = append(out, l)
		}
	}
	echoed := strings.Split(strings.TrimSuffix(framed, "\n"), "\n")
	for len(out) > 0 && len(echoed) > 0 && stripEscapes(out[0]) == strings.TrimRight(echoed[0], " \t") {
		out = out[1:]
		echoed = echoed[1:]
	}
	return out
}

// stripEscapes removes ANSI CSI sequences and carriage returns.
func stripEscapes(s string) string {
	if !strings.ContainsAny(s, "\x1b\r") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '\r':
		case s[i] == 0x1b && i+1 < len(s) && s[i+1] == '[':
			i += 2
			for i < len(s) && (s[i] < 0x40 || s[i] > 0x7e) {
				i++
			}
		default:
			b.WriteByte(s[i])
		}
	}
	return strings.TrimRight(b.String(), " \t")
}

// redact masks the sudo password wherever it shows up in output.
func redact(output, password string) string {
	if password == "" {
		return output
	}
	return strings.ReplaceAll(output, password, redactedPassword)
}

// SyntaxErrorExitCode is reported for commands the shell refuses to parse.
// Such commands are never sent to the session.
const SyntaxErrorExitCode = 2

const redactedPassword = "********"

// checkSyntax parses command with "<shell> -n" so an unterminated quote or
// a trailing line continuation cannot swallow the framing and stall the
// session until its timeout. It returns the parser's message on failure.
func (s *Session) checkSyntax(ctx context.Context, command string) (string, bool) {
	trimmed := strings.TrimRight(command, " \t\n")
	if n := len(trimmed) - len(strings.TrimRight(trimmed, "\\")); n%2 == 1 {
		return "syntax error: command ends with a line continuation", false
	}
	ctx, cancel := context.WithTimeout(ctx, syntaxCheckTimeout)
	defer cancel()
	check := exec.CommandContext(ctx, s.path, "-n", "-c", command)
	check.Env = s.env
	out, err := check.CombinedOutput()
	if err == nil {
		return "", true
	}
	var exitErr *exec.ExitError
	if ctx.Err() != nil || !errors.As(err, &exitErr) {
		// The checker itself could not run; leave the decision to the session.
		logger.Debug("syntax_check_skipped", map[string]interface{}{"error": err.Error()})
		return "", true
	}
	msg := strings.TrimSpace(string(out))
	if msg == "" {
		msg = "syntax error"
	}
	return msg, false
}

// parseTrailer reads "<exit> <cwd>" from the text following the marker.
func parseTrailer(s string) (int, string) {
	s = strings.TrimSpace(s)
	codeStr, cwd, _ := strings.Cut(s, " ")
	code, err := strconv.Atoi(codeStr)
	if err != nil {
		code = -1
	}
	return code, strings.TrimSpace(cwd)
}

// prepare rewrites a leading sudo so the password is read from a pipe. With no
// password sudo runs non-interactively and fails instead of waiting on input.
func prepare(command, password string) string {
	trimmed := strings.TrimSpace(command)
	rest, ok := strings.CutPrefix(trimmed, "sudo")
	if !ok || (rest != "" && rest[0] != ' ' && rest[0] != '\t') {
		return trimmed
	}
	// Drop a standalone -S; combined flags such as -Su are left alone.
	args := strings.TrimSpace(rest)
	if args == "-S" {
		rest = ""
	} else if after, ok := strings.CutPrefix(args, "-S"); ok && (after[0] == ' ' || after[0] == '\t') {
		rest = " " + strings.TrimSpace(after)
	}
	if password == "" {
		return "sudo -n" + rest
	}
	return "echo " + quote(password) + " | sudo -S" + rest
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
