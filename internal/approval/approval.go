// Package approval asks a human whether a command flagged by the security
// review may run, and reads the sudo password without echoing it.
package approval

import (
	"context"
	"strings"
)

// Request is what the human sees before deciding.
type Request struct {
	Task        string
	Context     string
	Command     string
	Description string
	Security    string
}

// Approver returns true when the command may run.
type Approver interface {
	Approve(ctx context.Context, req Request) (bool, error)
}

// Static answers every request the same way.
type Static bool

// Approve implements Approver.
func (s Static) Approve(context.Context, Request) (bool, error) { return bool(s), nil }

type decision int

const (
	undecided decision = iota
	approved
	rejected
)

// parseDecision accepts yes/y/no/n in any case.
func parseDecision(s string) decision {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "y":
		return approved
	case "no", "n":
		return rejected
	}
	return undecided
}
