package approval

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/vinayprograms/agentkit/logging"
)

const (
	promptText  = "Approve execution? (yes/no): "
	invalidText = "Invalid input. Please enter 'yes' or 'no'."
)

// LinePrompter asks over plain text streams. It re-prompts until it reads a
// yes/y/no/n answer. End of input counts as no.
type LinePrompter struct {
	out     io.Writer
	width   int
	timeout time.Duration
	logger  *logging.Logger

	in    *bufio.Reader
	once  sync.Once
	lines chan lineResult
}

type lineResult struct {
	text string
	err  error
}

// NewLinePrompter reads answers from in and writes prompts to out.
func NewLinePrompter(in io.Reader, out io.Writer) *LinePrompter {
	return &LinePrompter{
		in:     bufio.NewReader(in),
		out:    out,
		width:  defaultWidth,
		logger: logging.New().WithComponent("approval"),
	}
}

// WithTimeout makes an unanswered prompt count as no after d.
func (p *LinePrompter) WithTimeout(d time.Duration) *LinePrompter {
	p.timeout = d
	return p
}

// WithWidth sets the wrap width for the request display.
func (p *LinePrompter) WithWidth(w int) *LinePrompter {
	p.width = w
	return p
}

// Approve implements Approver.
func (p *LinePrompter) Approve(ctx context.Context, req Request) (bool, error) {
	p.once.Do(p.startReader)

	fmt.Fprint(p.out, renderRequest(req, p.width))

	var timeout <-chan time.Time
	if p.timeout > 0 {
		t := time.NewTimer(p.timeout)
		defer t.Stop()
		timeout = t.C
	}

	for {
		fmt.Fprint(p.out, promptText)
		select {
		case line, ok := <-p.lines:
			if !ok || line.err != nil {
				fmt.Fprintln(p.out)
				p.logger.Warn("approval_input_closed", map[string]interface{}{"command": req.Command})
				return false, nil
			}
			switch parseDecision(line.text) {
			case approved:
				p.logger.Info("command_approved", map[string]interface{}{"command": req.Command})
				return true, nil
			case rejected:
				p.logger.Info("command_rejected", map[string]interface{}{"command": req.Command})
				return false, nil
			}
			fmt.Fprintln(p.out, errorStyle.Render(invalidText))
		case <-timeout:
			fmt.Fprintln(p.out)
			p.logger.Warn("approval_timeout", map[string]interface{}{"command": req.Command})
			return false, nil
		case <-ctx.Done():
			fmt.Fprintln(p.out)
			return false, ctx.Err()
		}
	}
}

// startReader feeds input lines to a channel so a pending read can be
// abandoned on timeout or cancellation without losing the next answer.
func (p *LinePrompter) startReader() {
	p.lines = make(chan lineResult)
	go func() {
		defer close(p.lines)
		for {
			text, err := p.in.ReadString('\n')
			if err != nil && text == "" {
				p.lines <- lineResult{err: err}
				return
			}
			p.lines <- lineResult{text: text}
			if err != nil {
				return
			}
		}
	}()
}
