// Package oracle turns a structured prompt into named result fields using a
// language model, retrying until the required field comes back populated.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrExhausted is matched by every error returned when a call runs out of attempts.
var ErrExhausted = errors.New("oracle attempts exhausted")

// Field is one named output the model must return.
type Field struct {
	Name        string
	Description string
}

// Request is a single structured generation call.
type Request struct {
	// Name identifies the call in logs and errors (e.g. "command_generator").
	Name   string
	System string
	User   string
	Fields []Field

	// Required is the field that must be non-empty for the call to succeed.
	// Defaults to the first field.
	Required string

	// Valid, when set, must accept the required field's value. Rejected values
	// count as a failed attempt.
	Valid func(string) bool
}

func (r Request) required() string {
	if r.Required != "" {
		return r.Required
	}
	if len(r.Fields) > 0 {
		return r.Fields[0].Name
	}
	return ""
}

// Result holds the fields returned by the model.
type Result map[string]string

// Get returns the trimmed value of a field, or "" when absent.
func (r Result) Get(name string) string {
	return strings.TrimSpace(r[name])
}

// Oracle is the structured-generation capability used by every state machine.
type Oracle interface {
	Invoke(ctx context.Context, req Request) (Result, error)
}

// ExhaustedError reports a call that never produced a usable required field.
type ExhaustedError struct {
	Name     string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	if e.Last != nil {
		return fmt.Sprintf("oracle %s: no valid result after %d attempts: %v", e.Name, e.Attempts, e.Last)
	}
	return fmt.Sprintf("oracle %s: no valid result after %d attempts", e.Name, e.Attempts)
}

func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Func adapts a plain function to the Oracle interface.
type Func func(ctx context.Context, req Request) (Result, error)

// Invoke calls f.
func (f Func) Invoke(ctx context.Context, req Request) (Result, error) { return f(ctx, req) }

// Text invokes a single-field request and returns that field.
func Text(ctx context.Context, o Oracle, req Request) (string, error) {
	res, err := o.Invoke(ctx, req)
	if err != nil {
		return "", err
	}
	return res.Get(req.required()), nil
}
