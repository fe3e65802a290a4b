package approval

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
)

// ErrCancelled is returned when the user aborts a password prompt.
var ErrCancelled = errors.New("prompt cancelled")

// promptModel is a single-line bubbletea input. It serves both the approval
// question and the masked password prompt.
type promptModel struct {
	header    string
	label     string
	textInput textinput.Model
	validate  func(string) bool
	errText   string

	value     string
	cancelled bool
	done      bool
}

func newPromptModel(header, label string, masked bool) promptModel {
	ti := textinput.New()
	ti.Focus()
	ti.CharLimit = 256
	ti.Width = 40
	ti.Prompt = ""
	if masked {
		ti.EchoMode = textinput.EchoPassword
		ti.EchoCharacter = '•'
	}
	return promptModel{header: header, label: label, textInput: ti}
}

func (m promptModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m promptModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok {
		switch msg.String() {
		case "ctrl+c", "esc":
			m.cancelled = true
			m.done = true
			return m, tea.Quit
		case "enter":
			val := m.textInput.Value()
			if m.validate != nil && !m.validate(val) {
				m.errText = invalidText
				m.textInput.SetValue("")
				return m, nil
			}
			m.value = val
			m.done = true
			return m, tea.Quit
		}
	}
	var cmd tea.Cmd
	m.textInput, cmd = m.textInput.Update(msg)
	return m, cmd
}

func (m promptModel) View() string {
	if m.done {
		return ""
	}
	var b strings.Builder
	if m.header != "" {
		b.WriteString(m.header)
	}
	b.WriteString(m.label)
	b.WriteString(m.textInput.View())
	b.WriteString("\n")
	if m.errText != "" {
		b.WriteString(errorStyle.Render(m.errText))
		b.WriteString("\n")
	}
	return b.String()
}

func runPrompt(ctx context.Context, m promptModel, in io.Reader, out io.Writer) (promptModel, error) {
	opts := []tea.ProgramOption{tea.WithContext(ctx)}
	if in != nil {
		opts = append(opts, tea.WithInput(in))
	}
	if out != nil {
		opts = append(opts, tea.WithOutput(out))
	}
	final, err := tea.NewProgram(m, opts...).Run()
	if err != nil {
		if ctx.Err() != nil {
			return m, ctx.Err()
		}
		return m, fmt.Errorf("running prompt: %w", err)
	}
	pm, ok := final.(promptModel)
	if !ok {
		return m, fmt.Errorf("unexpected prompt model %T", final)
	}
	return pm, nil
}

// TerminalPrompter asks for approval with an interactive terminal prompt.
type TerminalPrompter struct {
	in      io.Reader
	out     io.Writer
	width   int
	timeout time.Duration
}

// NewTerminalPrompter uses the given streams; nil means the process terminal.
func NewTerminalPrompter(in io.Reader, out io.Writer, width int) *TerminalPrompter {
	return &TerminalPrompter{in: in, out: out, width: width}
}

// WithTimeout makes an unanswered prompt count as no after d.
func (p *TerminalPrompter) WithTimeout(d time.Duration) *TerminalPrompter {
	p.timeout = d
	return p
}

// Approve implements Approver. Escape or ctrl+c counts as no.
func (p *TerminalPrompter) Approve(ctx context.Context, req Request) (bool, error) {
	m := newPromptModel(renderRequest(req, p.width), promptText, false)
	m.validate = func(s string) bool { return parseDecision(s) != undecided }

	promptCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		promptCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	final, err := runPrompt(promptCtx, m, p.in, p.out)
	if err != nil {
		if ctx.Err() == nil && promptCtx.Err() != nil {
			return false, nil
		}
		return false, err
	}
	if final.cancelled {
		return false, nil
	}
	return parseDecision(final.value) == approved, nil
}

// ReadPassword prompts for a secret without echoing it.
func ReadPassword(ctx context.Context, label string, in io.Reader, out io.Writer) (string, error) {
	final, err := runPrompt(ctx, newPromptModel("", label, true), in, out)
	if err != nil {
		return "", err
	}
	if final.cancelled {
		return "", ErrCancelled
	}
	return final.value, nil
}
