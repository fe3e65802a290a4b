// Tracing instrumentation for the decision machine.
package decision

import (
	"context"

	"github.com/vinayprograms/agentkit/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// startRunSpan starts the span covering a whole run.
func (m *Machine) startRunSpan(ctx context.Context, in Input) (context.Context, trace.Span) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSpan(ctx, "decision.run")
	span.SetAttributes(
		attribute.String("run.id", m.RunID()),
		attribute.String("run.query", truncate(in.Query, 500)),
		attribute.String("run.path", in.Path),
	)
	return ctx, span
}

// endRunSpan ends the run span with the outcome.
func (m *Machine) endRunSpan(span trace.Span, steps int, err error) {
	status := "complete"
	if err != nil {
		status = "failed"
		span.RecordError(err)
	}
	span.SetAttributes(
		attribute.String("run.status", status),
		attribute.Int("run.steps", steps),
	)
	span.End()
}

// startStateSpan starts a span for one state execution.
func (m *Machine) startStateSpan(ctx context.Context, state State, seq int) (context.Context, trace.Span) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSpan(ctx, "decision."+string(state))
	span.SetAttributes(
		attribute.String("decision.state", string(state)),
		attribute.Int("decision.seq", seq),
	)
	return ctx, span
}

// endStateSpan ends a state span. In debug mode the accumulators are attached.
func (m *Machine) endStateSpan(span trace.Span, snap Snapshot, err error) {
	if err != nil {
		span.RecordError(err)
		span.End()
		return
	}
	span.SetAttributes(attribute.String("decision.next", string(snap.Next)))
	if telemetry.GetTracer().Debug() {
		span.SetAttributes(
			attribute.String("decision.step", truncate(snap.Plan.LastStep, 2000)),
			attribute.String("decision.data", truncate(snap.Data, 2000)),
			attribute.String("decision.cwd", snap.Cwd),
		)
	}
	span.End()
}
