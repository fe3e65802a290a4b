package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/logging"
)

// Config bounds the retry loop around each call.
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig returns the retry policy used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    5,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
	}
}

// LLM is an Oracle backed by a chat provider.
type LLM struct {
	provider llm.Provider
	small    llm.Provider
	cfg      Config
	logger   *logging.Logger
}

// NewLLM creates an oracle over provider. Zero config values fall back to defaults.
func NewLLM(provider llm.Provider, cfg Config) *LLM {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	return &LLM{
		provider: provider,
		cfg:      cfg,
		logger:   logging.New().WithComponent("oracle"),
	}
}

// WithSmall routes validated (grading and classification) calls to a cheaper model.
func (o *LLM) WithSmall(p llm.Provider) *LLM {
	o.small = p
	return o
}

// Invoke sends req and retries with backoff until the required field is
// populated and valid, or the attempt budget runs out.
func (o *LLM) Invoke(ctx context.Context, req Request) (Result, error) {
	required := req.required()
	if required == "" {
		return nil, fmt.Errorf("oracle %s: no fields requested", req.Name)
	}

	provider := o.provider
	if req.Valid != nil && o.small != nil {
		provider = o.small
	}
	chat := llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: buildSystemPrompt(req)},
			{Role: "user", Content: req.User},
		},
	}

	attempts := 0
	var last error
	op := func() (Result, error) {
		attempts++
		resp, err := provider.Chat(ctx, chat)
		if err != nil {
			last = fmt.Errorf("LLM error: %w", err)
			return nil, last
		}
		res := parseResult(resp.Content, req.Fields)
		val := res.Get(required)
		if val == "" {
			last = fmt.Errorf("empty %q field", required)
			return nil, last
		}
		if req.Valid != nil && !req.Valid(val) {
			last = fmt.Errorf("invalid %q value %q", required, truncate(val, 80))
			return nil, last
		}
		return res, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = o.cfg.InitialBackoff
	bo.MaxInterval = o.cfg.MaxBackoff

	res, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(o.cfg.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			o.logger.Warn("oracle_retry", map[string]interface{}{
				"call":    req.Name,
				"attempt": attempts,
				"error":   err.Error(),
				"wait_ms": wait.Milliseconds(),
			})
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("oracle %s: %w", req.Name, ctx.Err())
		}
		return nil, &ExhaustedError{Name: req.Name, Attempts: attempts, Last: last}
	}

	o.logger.Debug("oracle_call", map[string]interface{}{
		"call":     req.Name,
		"attempts": attempts,
	})
	return res, nil
}

func buildSystemPrompt(req Request) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(req.System))
	b.WriteString("\n\nRespond only with a JSON object containing these string fields:\n")
	for _, f := range req.Fields {
		fmt.Fprintf(&b, "- %q: %s\n", f.Name, f.Description)
	}
	return b.String()
}

// parseResult reads the named fields from a model reply. A reply without a
// JSON object is taken verbatim when exactly one field was requested.
func parseResult(content string, fields []Field) Result {
	res := make(Result, len(fields))

	raw := extractJSON(content)
	var obj map[string]interface{}
	if raw == "" || json.Unmarshal([]byte(raw), &obj) != nil {
		if len(fields) == 1 {
			res[fields[0].Name] = strings.TrimSpace(content)
		}
		return res
	}

	for _, f := range fields {
		val, ok := obj[f.Name]
		if !ok {
			continue
		}
		switch v := val.(type) {
		case string:
			res[f.Name] = v
		case nil:
		default:
			b, _ := json.Marshal(v)
			res[f.Name] = string(b)
		}
	}
	return res
}

// extractJSON returns the first balanced JSON object in content. Braces inside
// string literals are ignored.
func extractJSON(content string) string {
	start := strings.Index(content, "{")
	if start == -1 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(content); i++ {
		c := content[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return content[start : i+1]
			}
		}
	}
	return ""
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
