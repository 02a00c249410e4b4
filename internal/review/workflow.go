package review

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vinayprograms/agentkit/logging"
	"github.com/vinayprograms/agentkit/telemetry"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vinayprograms/codereview/internal/agents"
	"github.com/vinayprograms/codereview/internal/executor"
	"github.com/vinayprograms/codereview/internal/policy"
	"github.com/vinayprograms/codereview/internal/session"
	"github.com/vinayprograms/codereview/internal/tools"
)

// Stage names.
const (
	StageReview      = "review"
	StageRemediation = "remediation"
)

// Options configures both stages.
type Options struct {
	AllowedTools   []string
	PermissionMode policy.Mode
	MaxTurns       int
	MaxBudgetUSD   float64
	Model          string
	Agents         []string // sub-agents to offer; nil offers every registered one

	RemediationPrompt string
	RemediationTools  []string
	RemediationTurns  int
	SkipRemediation   bool

	WorkDir string
}

// DefaultOptions mirrors a read-only review with delegation followed by a
// read-only remediation walkthrough.
func DefaultOptions() Options {
	return Options{
		AllowedTools:     []string{tools.Read, tools.Glob, tools.Grep, tools.Task},
		PermissionMode:   policy.ModeBypass,
		MaxTurns:         250,
		RemediationTools: []string{tools.Read, tools.Glob, tools.Grep},
		RemediationTurns: 250,
	}
}

// StageResult is the outcome of one stage.
type StageResult struct {
	Stage     string
	SessionID string
	Result    *executor.ResultMessage // nil when the stage never started
	Err       error
}

// Outcome carries both stages.
type Outcome struct {
	Review      *Review
	Verdict     StageResult
	Remediation StageResult
}

// Err joins the stage failures.
func (o *Outcome) Err() error {
	return errors.Join(o.Verdict.Err, o.Remediation.Err)
}

// Workflow reviews a directory and then continues the same session to ask
// for a remediation.
type Workflow struct {
	Executor *executor.Executor
	Resumer  *session.Resumer
	Options  Options

	// OnMessage sees every message of both stages as it arrives.
	OnMessage func(stage string, m executor.Message)

	logger *logging.Logger
}

// Run executes the review stage and, when it produced a session id and was
// not cancelled, the remediation stage. The returned error is non-nil only for an invalid
// configuration; stage failures are reported in the Outcome.
func (w *Workflow) Run(ctx context.Context, dir string) (*Outcome, error) {
	if w.logger == nil {
		w.logger = logging.New().WithComponent("review")
	}
	if w.Resumer == nil {
		w.Resumer = &session.Resumer{}
	}
	opts := w.Options

	specialists, err := w.specialists()
	if err != nil {
		return nil, err
	}
	if !containsTool(opts.AllowedTools, agents.DelegationTool) {
		specialists = nil
	}
	names := make([]string, len(specialists))
	for i, d := range specialists {
		names[i] = d.Name
	}

	reviewReq := executor.Request{
		Name:           StageReview,
		Prompt:         ReviewPrompt(dir, specialists),
		AllowedTools:   opts.AllowedTools,
		PermissionMode: opts.PermissionMode,
		MaxTurns:       opts.MaxTurns,
		MaxBudgetUSD:   opts.MaxBudgetUSD,
		Model:          opts.Model,
		Output:         Output{},
		Agents:         names,
		WorkDir:        opts.WorkDir,
	}

	w.logger.Info("starting code review", map[string]interface{}{
		"dir":    dir,
		"agents": reviewReq.Agents,
	})

	out := &Outcome{}
	out.Verdict, err = w.stage(ctx, StageReview, func(ctx context.Context) (*executor.Run, error) {
		return w.Executor.Start(ctx, reviewReq)
	})
	if errors.Is(err, executor.ErrInvalidRequest) {
		return nil, err
	}
	if err != nil {
		out.Verdict.Err = err
	}
	if res := out.Verdict.Result; res != nil && res.Success() {
		// Already validated by the executor; decoding cannot fail here.
		out.Review, _ = Decode(res.Payload)
	}

	out.Remediation.Stage = StageRemediation
	if opts.SkipRemediation {
		return out, nil
	}
	// A cancelled review ends the work; remediation is a follow-on, not a retry.
	if ctx.Err() != nil || executor.OutcomeOf(out.Verdict.Err) == executor.OutcomeCancelled {
		w.logger.Warn("skipping remediation: review was cancelled", nil)
		out.Remediation.Err = fmt.Errorf("remediation not started: %w", executor.ErrCancelled)
		return out, nil
	}
	remReq := executor.Request{
		Name:           StageRemediation,
		Prompt:         RemediationPrompt(opts.RemediationPrompt),
		AllowedTools:   opts.RemediationTools,
		PermissionMode: opts.PermissionMode,
		MaxTurns:       opts.RemediationTurns,
		MaxBudgetUSD:   opts.MaxBudgetUSD,
		Model:          opts.Model,
		WorkDir:        opts.WorkDir,
	}
	if remReq.MaxTurns <= 0 {
		remReq.MaxTurns = opts.MaxTurns
	}
	rem, err := w.stage(ctx, StageRemediation, func(ctx context.Context) (*executor.Run, error) {
		return w.Resumer.Resume(ctx, w.Executor, remReq)
	})
	if err != nil {
		if errors.Is(err, session.ErrNoSession) {
			w.logger.Warn("skipping remediation: review produced no session", nil)
		}
		rem = StageResult{Stage: StageRemediation, Err: err}
	}
	out.Remediation = rem
	return out, nil
}

// stage runs one conversation to completion.
func (w *Workflow) stage(ctx context.Context, name string, start func(context.Context) (*executor.Run, error)) (StageResult, error) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSpan(ctx, "review.stage")
	defer span.End()
	span.SetAttributes(attribute.String("review.stage", name))

	started := time.Now()
	run, err := start(ctx)
	if err != nil {
		span.RecordError(err)
		return StageResult{Stage: name}, err
	}

	sr := StageResult{Stage: name}
	for m, err := range run.Messages(ctx) {
		if err != nil {
			sr.Err = err
			break
		}
		if w.OnMessage != nil {
			w.OnMessage(name, m)
		}
		if rm, ok := m.(*executor.ResultMessage); ok {
			sr.Result = rm
			if rm.Err != nil {
				sr.Err = rm.Err
			}
		}
	}
	sr.SessionID = run.SessionID()
	w.Resumer.CaptureRun(run)

	span.SetAttributes(
		attribute.String("review.session_id", sr.SessionID),
		attribute.Bool("review.success", sr.Err == nil),
	)
	if sr.Err != nil {
		span.RecordError(sr.Err)
	}
	w.logger.Info(fmt.Sprintf("%s stage finished", name), map[string]interface{}{
		"session_id":  sr.SessionID,
		"outcome":     string(executor.OutcomeOf(sr.Err)),
		"duration_ms": time.Since(started).Milliseconds(),
	})
	return sr, nil
}

func (w *Workflow) specialists() ([]agents.Definition, error) {
	reg := w.Executor.Agents()
	if reg == nil {
		if len(w.Options.Agents) > 0 {
			return nil, fmt.Errorf("sub-agents %v requested but none are registered", w.Options.Agents)
		}
		return nil, nil
	}
	if w.Options.Agents == nil {
		return reg.Definitions(), nil
	}
	defs := make([]agents.Definition, 0, len(w.Options.Agents))
	for _, name := range w.Options.Agents {
		d, ok := reg.Get(name)
		if !ok {
			return nil, fmt.Errorf("unknown sub-agent %q", name)
		}
		defs = append(defs, d)
	}
	return defs, nil
}

func containsTool(list []string, name string) bool {
	for _, t := range list {
		if t == name {
			return true
		}
	}
	return false
}
