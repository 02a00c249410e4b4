// Package executor drives one conversation with an agent backend.
//
// A Run is a pull-based sequence of Messages. Each call to Next waits for the
// next backend event; pre-tool-use events are decided by the hook pipeline
// and answered before Next returns, so the backend never runs a tool the
// pipeline has not seen. The sequence ends with exactly one ResultMessage.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"time"

	"github.com/vinayprograms/agentkit/logging"
	"go.opentelemetry.io/otel/trace"

	"github.com/vinayprograms/codereview/internal/agents"
	"github.com/vinayprograms/codereview/internal/backend"
	"github.com/vinayprograms/codereview/internal/hooks"
	"github.com/vinayprograms/codereview/internal/policy"
	"github.com/vinayprograms/codereview/internal/stream"
	"github.com/vinayprograms/codereview/internal/tools"
)

// cancelGrace bounds how long cancel interceptors may run.
const cancelGrace = 2 * time.Second

// Contract validates structured output. *schema.Contract implements it.
type Contract interface {
	JSONSchema() map[string]interface{}
	Validate(payload interface{}) error
}

// Recorder persists finished conversations.
type Recorder interface {
	Record(conv *Conversation) error
}

// Request describes one conversation.
type Request struct {
	Name           string
	Prompt         string
	AllowedTools   []string
	PermissionMode policy.Mode
	MaxTurns       int
	MaxBudgetUSD   float64 // zero means unlimited
	Model          string
	Output         Contract // nil when no structured output is expected
	Agents         []string // sub-agents offered to the model, by name
	Resume         string   // session id to continue
	WorkDir        string
}

// Executor starts conversations.
type Executor struct {
	backend  backend.Backend
	pipeline *hooks.Pipeline
	registry *tools.Registry
	agents   *agents.Registry
	recorder Recorder
	logger   *logging.Logger

	// Callbacks
	OnDelegation   func(d agents.Delegation)
	OnToolDecision func(req policy.Request, d policy.Decision)
}

// Option configures an Executor.
type Option func(*Executor)

// WithPipeline sets the hook pipeline. The default pipeline only carries the
// shell guard.
func WithPipeline(p *hooks.Pipeline) Option {
	return func(e *Executor) { e.pipeline = p }
}

// WithRegistry sets the tool registry.
func WithRegistry(r *tools.Registry) Option {
	return func(e *Executor) { e.registry = r }
}

// WithAgents sets the sub-agents requests may declare.
func WithAgents(r *agents.Registry) Option {
	return func(e *Executor) { e.agents = r }
}

// WithRecorder persists every finished conversation.
func WithRecorder(r Recorder) Option {
	return func(e *Executor) { e.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// New creates an executor for the given backend.
func New(b backend.Backend, opts ...Option) *Executor {
	e := &Executor{
		backend: b,
		logger:  logging.New().WithComponent("executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.registry == nil {
		e.registry = tools.NewRegistry()
	}
	if e.pipeline == nil {
		e.pipeline = hooks.NewPipeline(policy.NewGate(policy.NewShellGuard(e.registry)))
	}
	return e
}

// Registry returns the tool registry.
func (e *Executor) Registry() *tools.Registry { return e.registry }

// Agents returns the sub-agent registry, possibly nil.
func (e *Executor) Agents() *agents.Registry { return e.agents }

// validate checks a request and resolves its sub-agents.
func (e *Executor) validate(req Request) ([]agents.Definition, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("%w: prompt is empty", ErrInvalidRequest)
	}
	if req.MaxTurns <= 0 {
		return nil, fmt.Errorf("%w: max turns must be positive, got %d", ErrInvalidRequest, req.MaxTurns)
	}
	if _, err := e.registry.Resolve(req.AllowedTools); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if len(req.Agents) == 0 {
		return nil, nil
	}
	if !contains(req.AllowedTools, agents.DelegationTool) {
		return nil, fmt.Errorf("%w: sub-agents declared but %s is not an allowed tool", ErrInvalidRequest, agents.DelegationTool)
	}
	if e.agents == nil {
		return nil, fmt.Errorf("%w: no sub-agents are registered", ErrInvalidRequest)
	}
	defs := make([]agents.Definition, 0, len(req.Agents))
	for _, name := range req.Agents {
		def, ok := e.agents.Get(name)
		if !ok {
			return nil, fmt.Errorf("%w: unknown sub-agent %q", ErrInvalidRequest, name)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// Start opens a conversation. Invalid requests fail with ErrInvalidRequest
// before the backend is contacted; a backend that cannot start fails with a
// backend-failure *RunError.
func (e *Executor) Start(ctx context.Context, req Request) (*Run, error) {
	defs, err := e.validate(req)
	if err != nil {
		return nil, err
	}
	if req.Name == "" {
		req.Name = "conversation"
	}

	var schema map[string]interface{}
	if req.Output != nil {
		schema = req.Output.JSONSchema()
	}

	spanCtx, span := e.startConversationSpan(ctx, req)
	e.logger.ExecutionStart(req.Name)

	st, err := e.backend.Start(spanCtx, backend.Request{
		Prompt:         req.Prompt,
		AllowedTools:   req.AllowedTools,
		PermissionMode: req.PermissionMode,
		MaxTurns:       req.MaxTurns,
		MaxBudgetUSD:   req.MaxBudgetUSD,
		Model:          req.Model,
		OutputSchema:   schema,
		Agents:         defs,
		Resume:         req.Resume,
		WorkDir:        req.WorkDir,
	})
	if err != nil {
		rerr := newRunError(OutcomeBackendFailure, err, "starting backend")
		span.RecordError(rerr)
		span.End()
		e.logger.ExecutionComplete(req.Name, 0, string(OutcomeBackendFailure))
		return nil, rerr
	}

	r := &Run{
		exec:    e,
		req:     req,
		stream:  st,
		span:    span,
		started: time.Now(),
		budget:  Budget{MaxTurns: req.MaxTurns, MaxCostUSD: req.MaxBudgetUSD},
		conv: &Conversation{
			Name:        req.Name,
			ResumedFrom: req.Resume,
			Tools:       append([]string(nil), req.AllowedTools...),
			StartedAt:   time.Now(),
		},
	}
	user := &UserMessage{Prompt: req.Prompt}
	_ = r.conv.append(user)
	r.pending = append(r.pending, user)
	return r, nil
}

// Run is one conversation in progress. It has a single consumer.
type Run struct {
	exec    *Executor
	req     Request
	stream  backend.Stream
	conv    *Conversation
	budget  Budget
	pending []Message

	span    trace.Span
	started time.Time

	usage      stream.Usage
	modelUsage map[string]stream.ModelUsage
	done       bool
}

// Conversation returns the record of this run.
func (r *Run) Conversation() *Conversation { return r.conv }

// SessionID returns the backend session id, empty before init.
func (r *Run) SessionID() string { return r.conv.SessionID }

// Budget returns the consumption so far.
func (r *Run) Budget() Budget { return r.budget }

// Next returns the next message. After the ResultMessage it returns io.EOF.
// Failures are reported through the ResultMessage, not the error.
func (r *Run) Next(ctx context.Context) (Message, error) {
	if len(r.pending) > 0 {
		m := r.pending[0]
		r.pending = r.pending[1:]
		return m, nil
	}
	if r.done {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return r.cancel(ctx, err), nil
	}

	ev, err := r.stream.Next(ctx)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return r.cancel(ctx, ctx.Err()), nil
		case errors.Is(err, io.EOF):
			return r.fail(OutcomeBackendFailure, nil, "stream ended without result"), nil
		default:
			return r.fail(OutcomeBackendFailure, err, "reading backend stream"), nil
		}
	}

	switch ev := ev.(type) {
	case *stream.Init:
		return r.onInit(ev)
	case *stream.Assistant:
		return r.onAssistant(ev)
	case *stream.PreToolUse:
		return r.onPreToolUse(ctx, ev)
	case *stream.Result:
		return r.complete(ev), nil
	default:
		return r.fail(OutcomeBackendFailure, nil, "unexpected event %T", ev), nil
	}
}

// Messages adapts Next for range-over-func. Breaking out of the loop early
// closes the run.
func (r *Run) Messages(ctx context.Context) iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		for {
			m, err := r.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(m, err) {
				r.Close()
				return
			}
			if err != nil {
				return
			}
		}
	}
}

// Close cancels an unfinished run and releases the backend stream.
func (r *Run) Close() error {
	if r.done {
		return nil
	}
	r.cancel(context.Background(), errors.New("run closed"))
	return nil
}

// Collect drains a run and returns its result. The error is the result's
// failure, if any.
func Collect(ctx context.Context, r *Run) (*ResultMessage, error) {
	var res *ResultMessage
	for m, err := range r.Messages(ctx) {
		if err != nil {
			return nil, err
		}
		if rm, ok := m.(*ResultMessage); ok {
			res = rm
		}
	}
	if res == nil {
		return nil, newRunError(OutcomeBackendFailure, nil, "run produced no result")
	}
	return res, res.Failure()
}

func (r *Run) emit(m Message) (Message, error) {
	if err := r.conv.append(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (r *Run) onInit(ev *stream.Init) (Message, error) {
	if r.conv.SessionID != "" {
		return r.fail(OutcomeBackendFailure, nil, "duplicate init for session %s", r.conv.SessionID), nil
	}
	if ev.SessionID == "" {
		return r.fail(OutcomeBackendFailure, nil, "init without session id"), nil
	}
	r.conv.SessionID = ev.SessionID
	if r.req.Resume != "" && ev.SessionID != r.req.Resume {
		r.exec.logger.Warn("backend opened a different session on resume", map[string]interface{}{
			"requested": r.req.Resume,
			"session":   ev.SessionID,
		})
	}
	r.exec.logger.Info("session started", map[string]interface{}{
		"conversation": r.req.Name,
		"session_id":   ev.SessionID,
		"tools":        len(ev.Tools),
		"model":        ev.Model,
	})
	return r.emit(&SystemMessage{
		SessionID:      ev.SessionID,
		Tools:          ev.Tools,
		Model:          ev.Model,
		PermissionMode: ev.PermissionMode,
		ResumedFrom:    r.req.Resume,
	})
}

func (r *Run) onAssistant(ev *stream.Assistant) (Message, error) {
	r.budget.Turns++
	if r.budget.TurnsExceeded() {
		return r.fail(OutcomeBudgetExhausted, nil, "turn limit %d exceeded", r.budget.MaxTurns), nil
	}
	for _, b := range ev.Blocks {
		tu, ok := b.(stream.ToolUseBlock)
		if !ok {
			continue
		}
		if d, ok := agents.ParseDelegation(tu.Name, tu.Input); ok {
			r.exec.logger.Info(d.Notice(), map[string]interface{}{
				"session_id": r.conv.SessionID,
				"turn":       r.budget.Turns,
			})
			if r.exec.OnDelegation != nil {
				r.exec.OnDelegation(d)
			}
		}
	}
	return r.emit(&AssistantMessage{Turn: r.budget.Turns, Model: ev.Model, Blocks: ev.Blocks})
}

func (r *Run) onPreToolUse(ctx context.Context, ev *stream.PreToolUse) (Message, error) {
	if r.conv.SessionID == "" {
		return r.fail(OutcomeBackendFailure, nil, "tool request %s before init", ev.Request.ToolName), nil
	}
	d := r.decide(ctx, ev.Request)
	if err := ctx.Err(); err != nil {
		return r.cancel(ctx, err), nil
	}
	if err := r.stream.Respond(ctx, ev.Request.InvocationID, d); err != nil {
		if ctx.Err() != nil {
			return r.cancel(ctx, ctx.Err()), nil
		}
		return r.fail(OutcomeBackendFailure, err, "answering %s", ev.Request.InvocationID), nil
	}
	return r.emit(&ToolCallMessage{Turn: r.budget.Turns, Request: ev.Request, Decision: d})
}

// decide runs the hook pipeline for one invocation.
func (r *Run) decide(ctx context.Context, req policy.Request) policy.Decision {
	spanCtx, span := r.exec.startDecisionSpan(trace.ContextWithSpan(ctx, r.span), req)
	d := r.exec.pipeline.Run(spanCtx, hooks.Input{
		Event:   hooks.PreToolUse,
		Request: req,
		Context: policy.Context{
			SessionID:    r.conv.SessionID,
			Turn:         r.budget.Turns,
			Mode:         r.req.PermissionMode,
			AllowedTools: r.req.AllowedTools,
		},
	})
	r.exec.endDecisionSpan(span, d)

	if d.Allowed() {
		r.exec.logger.Debug("tool allowed", map[string]interface{}{
			"tool":       req.ToolName,
			"id":         req.InvocationID,
			"decided_by": d.Source,
		})
	} else {
		r.exec.logger.SecurityWarning("tool denied", map[string]interface{}{
			"tool":       req.ToolName,
			"id":         req.InvocationID,
			"reason":     d.Reason,
			"decided_by": d.Source,
			"input":      truncateForLog(formatInput(req.Input), 200),
		})
	}
	if r.exec.OnToolDecision != nil {
		r.exec.OnToolDecision(req, d)
	}
	return d
}

// complete maps the backend result onto the outcome taxonomy.
func (r *Run) complete(ev *stream.Result) *ResultMessage {
	if r.conv.SessionID == "" && ev.SessionID != "" {
		r.conv.SessionID = ev.SessionID
	}
	r.budget.CostUSD += ev.CostUSD
	r.usage.Add(ev.Usage)
	for model, mu := range ev.ModelUsage {
		if r.modelUsage == nil {
			r.modelUsage = make(map[string]stream.ModelUsage)
		}
		acc := r.modelUsage[model]
		acc.InputTokens += mu.InputTokens
		acc.OutputTokens += mu.OutputTokens
		acc.CostUSD += mu.CostUSD
		r.modelUsage[model] = acc
	}

	res := &ResultMessage{
		Outcome: OutcomeSuccess,
		Subtype: string(ev.Subtype),
		Payload: ev.Payload,
		Text:    ev.Text,
		Usage:   r.usage,
	}
	if ev.NumTurns > 0 {
		res.NumTurns = ev.NumTurns
	}
	if ev.DurationMs > 0 {
		res.Duration = time.Duration(ev.DurationMs) * time.Millisecond
	}

	detail := strings.Join(ev.Errors, "; ")
	switch ev.Subtype {
	case stream.Success:
		if r.req.Output != nil {
			if err := r.req.Output.Validate(ev.Payload); err != nil {
				res.Outcome = OutcomeSchemaViolation
				res.Err = newRunError(OutcomeSchemaViolation, err, "structured output rejected")
				break
			}
		}
		if r.budget.CostExceeded() {
			res.Outcome = OutcomeBudgetExhausted
			res.Err = newRunError(OutcomeBudgetExhausted, nil, "cost $%.4f exceeds limit $%.4f", r.budget.CostUSD, r.budget.MaxCostUSD)
		}
	case stream.ErrorMaxTurns, stream.ErrorMaxBudget:
		res.Outcome = OutcomeBudgetExhausted
		res.Err = &RunError{Outcome: OutcomeBudgetExhausted, Subtype: string(ev.Subtype), Detail: detail}
	case stream.ErrorMaxStructuredRetries:
		res.Outcome = OutcomeSchemaViolation
		res.Err = &RunError{Outcome: OutcomeSchemaViolation, Subtype: string(ev.Subtype), Detail: detail}
	default:
		res.Outcome = OutcomeBackendFailure
		res.Err = &RunError{Outcome: OutcomeBackendFailure, Subtype: string(ev.Subtype), Detail: detail}
	}
	return r.finish(res)
}

func (r *Run) fail(o Outcome, err error, format string, args ...interface{}) *ResultMessage {
	return r.finish(&ResultMessage{Outcome: o, Err: newRunError(o, err, format, args...)})
}

// cancel notifies cancel-aware interceptors and ends the run.
func (r *Run) cancel(ctx context.Context, cause error) *ResultMessage {
	grace, stop := context.WithTimeout(context.WithoutCancel(ctx), cancelGrace)
	defer stop()
	r.exec.pipeline.Cancel(grace, cause.Error())
	return r.fail(OutcomeCancelled, cause, "conversation cancelled")
}

// finish seals the conversation. It runs exactly once per run.
func (r *Run) finish(res *ResultMessage) *ResultMessage {
	r.done = true
	r.pending = nil
	if err := r.stream.Close(); err != nil {
		r.exec.logger.Warn("closing backend stream", map[string]interface{}{"error": err.Error()})
	}

	if res.NumTurns == 0 {
		res.NumTurns = r.budget.Turns
	}
	if res.Duration == 0 {
		res.Duration = time.Since(r.started)
	}
	res.CostUSD = r.budget.CostUSD
	res.Usage = r.usage
	res.ModelUsage = r.modelUsage
	_ = r.conv.append(res)

	r.exec.endConversationSpan(r.span, res, r.conv.SessionID)
	r.exec.logger.ExecutionComplete(r.req.Name, time.Since(r.started), string(res.Outcome))
	if res.Err != nil {
		r.exec.logger.Error("conversation failed", map[string]interface{}{
			"conversation": r.req.Name,
			"session_id":   r.conv.SessionID,
			"outcome":      string(res.Outcome),
			"error":        res.Err.Error(),
		})
	}

	if r.exec.recorder != nil {
		if err := r.exec.recorder.Record(r.conv); err != nil {
			r.exec.logger.Warn("failed to record conversation", map[string]interface{}{
				"session_id": r.conv.SessionID,
				"error":      err.Error(),
			})
		}
	}
	return res
}
