// Package retrieval refines a free-text context with documents relevant to a
// task: retrieve, grade, summarise, then merge with the prior context.
package retrieval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vinayprograms/agentkit/logging"
	"github.com/vinayprograms/agentkit/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/shellpilot/internal/oracle"
)

const (
	DefaultTopK        = 4
	DefaultParallelism = 4
)

// Retriever returns the documents that best match a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, limit int) ([]string, error)
}

// Request is one context refinement.
type Request struct {
	Context string
	Task    string
}

// Options configures a Provider.
type Options struct {
	TopK        int
	Parallelism int
}

// Provider implements the context provider on an oracle and a retriever.
type Provider struct {
	oracle    oracle.Oracle
	retriever Retriever
	opts      Options
	logger    *logging.Logger
}

// New creates a Provider. A nil retriever behaves as an empty index.
func New(o oracle.Oracle, r Retriever, opts Options) *Provider {
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = DefaultParallelism
	}
	return &Provider{
		oracle:    o,
		retriever: r,
		opts:      opts,
		logger:    logging.New().WithComponent("retrieval"),
	}
}

// Invoke returns the refined context for req. The merge step always runs, so
// the prior context is refined even when nothing relevant is found.
func (p *Provider) Invoke(ctx context.Context, req Request) (string, error) {
	ctx, span := telemetry.GetTracer().StartSpan(ctx, "retrieval.invoke")
	defer span.End()
	start := time.Now()

	docs, err := p.retrieve(ctx, req.Task)
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	relevant, err := p.grade(ctx, req, docs)
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	summaries, err := p.summarize(ctx, req.Task, relevant)
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	merged, err := oracle.Text(ctx, p.oracle, oracle.Request{
		Name:   "context_generator",
		System: mergePrompt,
		User: fmt.Sprintf("Task: %s\n\nSummaries:\n%s\n\nPrevious context:\n%s",
			req.Task, formatSummaries(summaries), req.Context),
		Fields: []oracle.Field{{Name: "context", Description: "the generated context information"}},
	})
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	span.SetAttributes(
		attribute.Int("retrieval.documents", len(docs)),
		attribute.Int("retrieval.relevant", len(relevant)),
	)
	p.logger.Info("context_refined", map[string]interface{}{
		"documents":   len(docs),
		"relevant":    len(relevant),
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return merged, nil
}

func (p *Provider) retrieve(ctx context.Context, query string) ([]string, error) {
	if p.retriever == nil {
		return nil, nil
	}
	docs, err := p.retriever.Retrieve(ctx, query, p.opts.TopK)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve documents: %w", err)
	}
	return docs, nil
}

// grade keeps the documents the oracle judges relevant, in retrieval order.
func (p *Provider) grade(ctx context.Context, req Request, docs []string) ([]string, error) {
	verdicts := make([]oracle.Grade, len(docs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Parallelism)
	for i, doc := range docs {
		g.Go(func() error {
			raw, err := oracle.Text(gctx, p.oracle, oracle.Request{
				Name:   "document_evaluator",
				System: fmt.Sprintf(relevancePrompt, req.Context),
				User:   fmt.Sprintf("Task: %s\n\nDocument:\n%s", req.Task, doc),
				Fields: []oracle.Field{{Name: "relevance", Description: "'yes' or 'no'"}},
				Valid:  oracle.ValidGrade,
			})
			if err != nil {
				return err
			}
			verdicts[i], _ = oracle.ParseGrade(raw)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var relevant []string
	for i, doc := range docs {
		if verdicts[i] == oracle.Yes {
			relevant = append(relevant, doc)
		}
	}
	return relevant, nil
}

func (p *Provider) summarize(ctx context.Context, task string, docs []string) ([]string, error) {
	summaries := make([]string, len(docs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Parallelism)
	for i, doc := range docs {
		g.Go(func() error {
			s, err := oracle.Text(gctx, p.oracle, oracle.Request{
				Name:   "summary_generator",
				System: summaryPrompt,
				User:   fmt.Sprintf("Task:\n%s\n\nDocument:\n%s", task, doc),
				Fields: []oracle.Field{{Name: "summary", Description: "summary of the useful information in the document"}},
			})
			if err != nil {
				return err
			}
			summaries[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return summaries, nil
}

func formatSummaries(summaries []string) string {
	if len(summaries) == 0 {
		return "None"
	}
	var b strings.Builder
	for i, s := range summaries {
		fmt.Fprintf(&b, "%d. %s\n", i+1, s)
	}
	return strings.TrimRight(b.String(), "\n")
}
