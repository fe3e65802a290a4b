package approval

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/indent"
	"github.com/muesli/reflow/wordwrap"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("11")) // Yellow

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8")) // Gray

	commandStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("208")) // Orange

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")) // Red
)

const (
	defaultWidth   = 80
	maxContextSize = 1200
)

// renderRequest formats a request as a block of labelled, wrapped sections.
func renderRequest(req Request, width int) string {
	if width <= 0 {
		width = defaultWidth
	}
	wrap := func(s string) string {
		return indent.String(wordwrap.String(strings.TrimSpace(s), width-2), 2)
	}

	ctx := strings.TrimSpace(req.Context)
	if len(ctx) > maxContextSize {
		ctx = ctx[:maxContextSize] + "..."
	}

	var b strings.Builder
	b.WriteString(headerStyle.Render("--- USER APPROVAL NEEDED ---"))
	b.WriteString("\n")
	section := func(label, body string, style *lipgloss.Style) {
		if strings.TrimSpace(body) == "" {
			return
		}
		b.WriteString(labelStyle.Render(label + ":"))
		b.WriteString("\n")
		if style != nil {
			b.WriteString(indent.String(style.Render(strings.TrimSpace(body)), 2))
		} else {
			b.WriteString(wrap(body))
		}
		b.WriteString("\n")
	}
	section("Task", req.Task, nil)
	section("Context", ctx, nil)
	section("Command", req.Command, &commandStyle)
	section("Description", req.Description, nil)
	section("Security review", req.Security, nil)
	return b.String()
}
