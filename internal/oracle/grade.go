package oracle

import (
	"fmt"
	"strings"
)

// Grade is a binary judgment.
type Grade string

const (
	Yes Grade = "yes"
	No  Grade = "no"
)

// ParseGrade accepts yes/no in any case, with surrounding whitespace or quotes.
func ParseGrade(s string) (Grade, error) {
	switch normalize(s) {
	case "yes", "y", "true":
		return Yes, nil
	case "no", "n", "false":
		return No, nil
	}
	return "", fmt.Errorf("invalid grade %q", s)
}

// SecurityGrade is the three-way safety verdict for a command.
type SecurityGrade string

const (
	Deny    SecurityGrade = "deny"
	Approve SecurityGrade = "approve"
	Allow   SecurityGrade = "allow"
)

// ParseSecurityGrade accepts deny/approve/allow. The older yes/no/approval
// vocabulary maps to allow/deny/approve.
func ParseSecurityGrade(s string) (SecurityGrade, error) {
	switch normalize(s) {
	case "allow", "yes", "safe":
		return Allow, nil
	case "approve", "approval", "ask":
		return Approve, nil
	case "deny", "no", "unsafe":
		return Deny, nil
	}
	return "", fmt.Errorf("invalid security grade %q", s)
}

// Capability is the kind of work a plan step needs.
type Capability string

const (
	CapAction     Capability = "action"
	CapContext    Capability = "context"
	CapGeneration Capability = "generation"
)

// ParseCapability accepts action/context/generation.
func ParseCapability(s string) (Capability, error) {
	switch c := Capability(normalize(s)); c {
	case CapAction, CapContext, CapGeneration:
		return c, nil
	}
	return "", fmt.Errorf("invalid capability %q", s)
}

// ValidGrade is a Request.Valid func for yes/no fields.
func ValidGrade(s string) bool {
	_, err := ParseGrade(s)
	return err == nil
}

// ValidSecurityGrade is a Request.Valid func for security fields.
func ValidSecurityGrade(s string) bool {
	_, err := ParseSecurityGrade(s)
	return err == nil
}

// ValidCapability is a Request.Valid func for step classification.
func ValidCapability(s string) bool {
	_, err := ParseCapability(s)
	return err == nil
}

func normalize(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	s = strings.Trim(s, "'\"`.")
	return strings.TrimSpace(s)
}
