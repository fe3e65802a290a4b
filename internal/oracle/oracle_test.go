package oracle

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/vinayprograms/agentkit/llm"
)

func fastConfig(attempts int) Config {
	return Config{MaxAttempts: attempts, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func TestLLM_ParsesJSONFields(t *testing.T) {
	provider := llm.NewMockProvider()
	provider.SetResponse("Sure:\n```json\n{\"comment\": \"looks fine\", \"score\": \"yes\"}\n```")

	o := NewLLM(provider, fastConfig(3))
	res, err := o.Invoke(context.Background(), Request{
		Name:     "correctness",
		System:   "You grade commands.",
		User:     "Generated command : ls",
		Fields:   []Field{{Name: "comment"}, {Name: "score"}},
		Required: "score",
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Get("score") != "yes" || res.Get("comment") != "looks fine" {
		t.Errorf("unexpected result: %#v", res)
	}

	req := provider.LastRequest()
	if !strings.Contains(req.Messages[0].Content, `"score"`) {
		t.Error("system prompt should list the requested fields")
	}
	if req.Messages[1].Content != "Generated command : ls" {
		t.Errorf("user message = %q", req.Messages[1].Content)
	}
}

func TestLLM_RetriesUntilRequiredFieldPresent(t *testing.T) {
	calls := 0
	provider := llm.NewMockProvider()
	provider.ChatFunc = func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		calls++
		if calls < 3 {
			return &llm.ChatResponse{Content: `{"command": ""}`}, nil
		}
		return &llm.ChatResponse{Content: `{"command": "whoami"}`}, nil
	}

	o := NewLLM(provider, fastConfig(5))
	got, err := Text(context.Background(), o, Request{Name: "command", Fields: []Field{{Name: "command"}}})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if got != "whoami" {
		t.Errorf("got %q", got)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestLLM_ExhaustionIsTyped(t *testing.T) {
	calls := 0
	provider := llm.NewMockProvider()
	provider.ChatFunc = func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		calls++
		return &llm.ChatResponse{Content: `{"other": "x"}`}, nil
	}

	o := NewLLM(provider, fastConfig(3))
	_, err := o.Invoke(context.Background(), Request{
		Name:   "task_generator",
		Fields: []Field{{Name: "task"}, {Name: "other"}},
	})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("expected *ExhaustedError, got %T", err)
	}
	if ex.Attempts != 3 || calls != 3 {
		t.Errorf("attempts = %d, calls = %d", ex.Attempts, calls)
	}
	if ex.Name != "task_generator" {
		t.Errorf("name = %q", ex.Name)
	}
}

func TestLLM_ProviderErrorsAreRetried(t *testing.T) {
	calls := 0
	provider := llm.NewMockProvider()
	provider.ChatFunc = func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("rate limited")
		}
		return &llm.ChatResponse{Content: "plain answer"}, nil
	}

	o := NewLLM(provider, fastConfig(3))
	got, err := Text(context.Background(), o, Request{Name: "answer", Fields: []Field{{Name: "answer"}}})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if got != "plain answer" {
		t.Errorf("bare reply should fill the only field, got %q", got)
	}
}

func TestLLM_ValidatorRejectsValues(t *testing.T) {
	calls := 0
	provider := llm.NewMockProvider()
	provider.ChatFunc = func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		calls++
		if calls == 1 {
			return &llm.ChatResponse{Content: `{"tool": "shell"}`}, nil
		}
		return &llm.ChatResponse{Content: `{"tool": "Context"}`}, nil
	}

	o := NewLLM(provider, fastConfig(3))
	got, err := Text(context.Background(), o, Request{
		Name:   "step_classifier",
		Fields: []Field{{Name: "tool"}},
		Valid:  ValidCapability,
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	capability, _ := ParseCapability(got)
	if capability != CapContext {
		t.Errorf("capability = %q", capability)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestLLM_SmallProviderHandlesValidatedCalls(t *testing.T) {
	mainCalls, smallCalls := 0, 0
	main := llm.NewMockProvider()
	main.ChatFunc = func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		mainCalls++
		return &llm.ChatResponse{Content: `{"description": "list files"}`}, nil
	}
	small := llm.NewMockProvider()
	small.ChatFunc = func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		smallCalls++
		return &llm.ChatResponse{Content: `{"score": "no"}`}, nil
	}

	o := NewLLM(main, fastConfig(2)).WithSmall(small)
	got, err := Text(context.Background(), o, Request{Name: "grader", Fields: []Field{{Name: "score"}}, Valid: ValidGrade})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if got != "no" {
		t.Errorf("got %q", got)
	}
	if smallCalls != 1 || mainCalls != 0 {
		t.Errorf("small calls = %d, main calls = %d", smallCalls, mainCalls)
	}
}

func TestLLM_ContextCancelled(t *testing.T) {
	provider := llm.NewMockProvider()
	provider.SetResponse(`{"x": ""}`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := NewLLM(provider, Config{MaxAttempts: 10, InitialBackoff: time.Second, MaxBackoff: time.Second})
	_, err := o.Invoke(ctx, Request{Name: "x", Fields: []Field{{Name: "x"}}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestExtractJSON_IgnoresBracesInStrings(t *testing.T) {
	content := `prefix {"command": "awk '{print $1}' file | tr -d '}'"} trailing }`
	got := extractJSON(content)
	want := `{"command": "awk '{print $1}' file | tr -d '}'"}`
	if got != want {
		t.Errorf("extractJSON = %q, want %q", got, want)
	}
}

func TestParseResult_NonStringValues(t *testing.T) {
	res := parseResult(`{"data": ["a", "b"], "count": 2}`, []Field{{Name: "data"}, {Name: "count"}, {Name: "missing"}})
	if res.Get("data") != `["a","b"]` {
		t.Errorf("data = %q", res.Get("data"))
	}
	if res.Get("count") != "2" {
		t.Errorf("count = %q", res.Get("count"))
	}
	if _, ok := res["missing"]; ok {
		t.Error("missing field should be absent")
	}
}

func TestParseGrades(t *testing.T) {
	cases := []struct {
		in   string
		want SecurityGrade
	}{
		{"allow", Allow},
		{" APPROVE ", Approve},
		{"'deny'", Deny},
		{"yes", Allow},
		{"approval", Approve},
		{"no", Deny},
	}
	for _, tc := range cases {
		got, err := ParseSecurityGrade(tc.in)
		if err != nil || got != tc.want {
			t.Errorf("ParseSecurityGrade(%q) = %q, %v", tc.in, got, err)
		}
	}
	if _, err := ParseSecurityGrade("maybe"); err == nil {
		t.Error("expected error for unknown security grade")
	}

	if g, err := ParseGrade("Yes."); err != nil || g != Yes {
		t.Errorf("ParseGrade(Yes.) = %q, %v", g, err)
	}
	if ValidGrade("partially") {
		t.Error("partially is not a grade")
	}
}
