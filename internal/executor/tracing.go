// Tracing instrumentation for the executor.
package executor

import (
	"context"

	"github.com/vinayprograms/agentkit/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vinayprograms/codereview/internal/policy"
)

// startConversationSpan starts a span covering one conversation.
func (e *Executor) startConversationSpan(ctx context.Context, req Request) (context.Context, trace.Span) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSpan(ctx, "conversation.run")
	span.SetAttributes(
		attribute.String("conversation.name", req.Name),
		attribute.Int("conversation.max_turns", req.MaxTurns),
		attribute.String("conversation.permission_mode", string(req.PermissionMode)),
		attribute.Bool("conversation.resumed", req.Resume != ""),
	)
	return ctx, span
}

// endConversationSpan ends the conversation span with result info.
func (e *Executor) endConversationSpan(span trace.Span, res *ResultMessage, sessionID string) {
	if span == nil {
		return
	}
	span.SetAttributes(
		attribute.String("conversation.session_id", sessionID),
		attribute.String("conversation.outcome", string(res.Outcome)),
		attribute.Int("conversation.turns", res.NumTurns),
		attribute.Float64("conversation.cost_usd", res.CostUSD),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
	}
	span.End()
}

// startDecisionSpan starts a span for one policy decision.
func (e *Executor) startDecisionSpan(ctx context.Context, req policy.Request) (context.Context, trace.Span) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSpan(ctx, "tool.decision")
	span.SetAttributes(
		attribute.String("tool.name", req.ToolName),
		attribute.String("tool.invocation_id", req.InvocationID),
	)
	if tracer.Debug() {
		span.SetAttributes(attribute.String("tool.input", truncateForLog(formatInput(req.Input), 2000)))
	}
	return ctx, span
}

// endDecisionSpan ends the decision span.
func (e *Executor) endDecisionSpan(span trace.Span, d policy.Decision) {
	span.SetAttributes(
		attribute.String("tool.behavior", string(d.Behavior)),
		attribute.String("tool.decided_by", d.Source),
	)
	if !d.Allowed() {
		span.SetAttributes(attribute.String("tool.deny_reason", d.Reason))
	}
	span.End()
}
