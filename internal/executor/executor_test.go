package executor

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/vinayprograms/codereview/internal/agents"
	"github.com/vinayprograms/codereview/internal/backend"
	"github.com/vinayprograms/codereview/internal/hooks"
	"github.com/vinayprograms/codereview/internal/policy"
	"github.com/vinayprograms/codereview/internal/schema"
	"github.com/vinayprograms/codereview/internal/stream"
	"github.com/vinayprograms/codereview/internal/tools"
)

var scoreContract = &schema.Contract{
	Name: "score",
	Root: &schema.Field{
		Type:     schema.Object,
		Required: []string{"overallScore"},
		Properties: map[string]*schema.Field{
			"overallScore": {Type: schema.Number},
		},
	},
}

func baseRequest() Request {
	return Request{
		Name:         "test",
		Prompt:       "review the code",
		AllowedTools: []string{tools.Read, tools.Bash, tools.Task},
		MaxTurns:     5,
	}
}

func text(s string) *stream.Assistant {
	return &stream.Assistant{Blocks: []stream.Block{stream.TextBlock{Text: s}}}
}

func bash(id, command string) *stream.PreToolUse {
	return &stream.PreToolUse{Request: policy.Request{
		ToolName:     tools.Bash,
		InvocationID: id,
		Input:        map[string]interface{}{"command": command},
	}}
}

func start(t *testing.T, e *Executor, req Request) *Run {
	t.Helper()
	run, err := e.Start(context.Background(), req)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return run
}

func TestRun_Success(t *testing.T) {
	b := backend.NewScripted(backend.Script{Events: []stream.Event{
		&stream.Init{SessionID: "s1", Tools: []string{"Read"}},
		text("looks good"),
		&stream.Result{
			Subtype:    stream.Success,
			Payload:    map[string]interface{}{"overallScore": float64(100)},
			CostUSD:    0.02,
			Usage:      stream.Usage{InputTokens: 10, OutputTokens: 5},
			ModelUsage: map[string]stream.ModelUsage{"sonnet": {InputTokens: 10, OutputTokens: 5, CostUSD: 0.02}},
		},
	}})
	e := New(b)
	req := baseRequest()
	req.Output = scoreContract
	run := start(t, e, req)

	res, err := Collect(context.Background(), run)
	if err != nil {
		t.Fatalf("unexpected failure: %v", err)
	}
	if !res.Success() || res.Payload.(map[string]interface{})["overallScore"] != float64(100) {
		t.Errorf("unexpected result %+v", res)
	}
	if res.NumTurns != 1 || res.CostUSD != 0.02 || res.Usage.InputTokens != 10 {
		t.Errorf("unexpected accounting %+v", res)
	}
	if res.ModelUsage["sonnet"].OutputTokens != 5 {
		t.Errorf("unexpected model usage %+v", res.ModelUsage)
	}
	if run.SessionID() != "s1" {
		t.Errorf("expected session s1, got %q", run.SessionID())
	}

	conv := run.Conversation()
	var kinds []string
	for _, m := range conv.Messages() {
		kinds = append(kinds, m.Kind())
	}
	want := []string{"user", "system", "assistant", "result"}
	if len(kinds) != len(want) {
		t.Fatalf("expected %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("message %d: expected %s, got %s", i, want[i], kinds[i])
		}
	}
	if !conv.Sealed() || conv.Result() != res {
		t.Error("conversation should be sealed with the result")
	}
	if _, err := run.Next(context.Background()); err != io.EOF {
		t.Errorf("expected EOF after result, got %v", err)
	}

	starts := b.Starts()
	if len(starts) != 1 || starts[0].OutputSchema["type"] != "object" || starts[0].MaxTurns != 5 {
		t.Errorf("unexpected backend request %+v", starts)
	}
}

func TestRun_DangerousCommandNeverExecutes(t *testing.T) {
	b := backend.NewScripted(backend.Script{Events: []stream.Event{
		&stream.Init{SessionID: "s1"},
		text("cleaning up"),
		bash("tu_1", "sudo rm -rf /"),
		bash("tu_2", "ls -la"),
		&stream.Result{Subtype: stream.Success},
	}})
	e := New(b)

	var decisions []policy.Decision
	e.OnToolDecision = func(_ policy.Request, d policy.Decision) {
		decisions = append(decisions, d)
	}

	run := start(t, e, baseRequest())
	var calls []*ToolCallMessage
	for m, err := range run.Messages(context.Background()) {
		if err != nil {
			t.Fatal(err)
		}
		if tc, ok := m.(*ToolCallMessage); ok {
			calls = append(calls, tc)
		}
	}

	if len(calls) != 2 {
		t.Fatalf("expected 2 tool calls, got %d", len(calls))
	}
	if calls[0].Decision.Allowed() || calls[0].Decision.Reason != policy.DangerousCommandReason {
		t.Errorf("expected dangerous command denied, got %+v", calls[0].Decision)
	}
	if calls[0].Decision.Source != "shell_guard" {
		t.Errorf("expected shell_guard source, got %q", calls[0].Decision.Source)
	}
	if !calls[1].Decision.Allowed() || calls[1].Turn != 1 {
		t.Errorf("expected ls allowed on turn 1, got %+v", calls[1])
	}

	out := b.Outcomes()
	if len(out) != 2 || out[0].Executed() || !out[1].Executed() {
		t.Errorf("unexpected backend outcomes %+v", out)
	}
	if len(decisions) != 2 {
		t.Errorf("expected decision callback twice, got %d", len(decisions))
	}
}

func TestRun_InterceptorRewrite(t *testing.T) {
	b := backend.NewScripted(backend.Script{Events: []stream.Event{
		&stream.Init{SessionID: "s1"},
		bash("tu_1", "ls"),
		&stream.Result{Subtype: stream.Success},
	}})
	p := hooks.NewPipeline(policy.NewGate(policy.NewShellGuard(nil)))
	p.Register(hooks.PreToolUse, tools.Bash, hooks.Func{Label: "quiet", Fn: func(_ context.Context, in hooks.Input) *policy.Decision {
		d := policy.Allow(map[string]interface{}{"command": in.Request.String("command") + " 2>/dev/null"})
		return &d
	}})
	run := start(t, New(b, WithPipeline(p)), baseRequest())
	if _, err := Collect(context.Background(), run); err != nil {
		t.Fatal(err)
	}

	out := b.Outcomes()
	if len(out) != 1 || out[0].Decision.Input["command"] != "ls 2>/dev/null" {
		t.Errorf("expected rewritten command, got %+v", out)
	}
	if out[0].Request.Input["command"] != "ls" {
		t.Error("original request must not be modified")
	}
}

func TestRun_TurnBudgetExhausted(t *testing.T) {
	b := backend.NewScripted(backend.Script{Events: []stream.Event{
		&stream.Init{SessionID: "s1"},
		text("one"),
		text("two"),
		&stream.Result{Subtype: stream.Success},
	}})
	req := baseRequest()
	req.MaxTurns = 1
	run := start(t, New(b), req)

	res, err := Collect(context.Background(), run)
	if !errors.Is(err, ErrBudgetExhausted) {
		t.Fatalf("expected budget exhausted, got %v", err)
	}
	if res.Outcome != OutcomeBudgetExhausted || run.Budget().Turns != 2 {
		t.Errorf("unexpected result %+v budget %+v", res, run.Budget())
	}
	if OutcomeOf(err) != OutcomeBudgetExhausted {
		t.Errorf("OutcomeOf: got %s", OutcomeOf(err))
	}
}

func TestRun_ResultSubtypes(t *testing.T) {
	tests := []struct {
		subtype stream.ResultSubtype
		want    Outcome
		sent    error
	}{
		{stream.ErrorMaxTurns, OutcomeBudgetExhausted, ErrBudgetExhausted},
		{stream.ErrorMaxBudget, OutcomeBudgetExhausted, ErrBudgetExhausted},
		{stream.ErrorMaxStructuredRetries, OutcomeSchemaViolation, ErrSchemaViolation},
		{stream.ErrorDuringExecution, OutcomeBackendFailure, ErrBackendFailure},
	}
	for _, tt := range tests {
		t.Run(string(tt.subtype), func(t *testing.T) {
			b := backend.NewScripted(backend.Script{Events: []stream.Event{
				&stream.Init{SessionID: "s1"},
				&stream.Result{Subtype: tt.subtype, Errors: []string{"boom"}},
			}})
			res, err := Collect(context.Background(), start(t, New(b), baseRequest()))
			if res.Outcome != tt.want || !errors.Is(err, tt.sent) {
				t.Errorf("expected %s, got %s (%v)", tt.want, res.Outcome, err)
			}
			if res.Subtype != string(tt.subtype) || res.Err.Subtype != string(tt.subtype) {
				t.Errorf("subtype not carried: %+v", res.Err)
			}
		})
	}
}

func TestRun_CostBudget(t *testing.T) {
	b := backend.NewScripted(backend.Script{Events: []stream.Event{
		&stream.Init{SessionID: "s1"},
		&stream.Result{Subtype: stream.Success, CostUSD: 0.5},
	}})
	req := baseRequest()
	req.MaxBudgetUSD = 0.1
	res, err := Collect(context.Background(), start(t, New(b), req))
	if !errors.Is(err, ErrBudgetExhausted) || res.CostUSD != 0.5 {
		t.Errorf("expected cost overrun, got %v (%+v)", err, res)
	}
}

func TestRun_SchemaViolation(t *testing.T) {
	b := backend.NewScripted(backend.Script{Events: []stream.Event{
		&stream.Init{SessionID: "s1"},
		&stream.Result{Subtype: stream.Success, Payload: map[string]interface{}{"summary": "ok"}},
	}})
	req := baseRequest()
	req.Output = scoreContract
	res, err := Collect(context.Background(), start(t, New(b), req))
	if !errors.Is(err, ErrSchemaViolation) || res.Outcome != OutcomeSchemaViolation {
		t.Fatalf("expected schema violation, got %v", err)
	}
	var ve *schema.ViolationError
	if !errors.As(err, &ve) || ve.Path != "overallScore" {
		t.Errorf("expected violation at overallScore, got %v", err)
	}
}

func TestRun_BackendFailures(t *testing.T) {
	tests := []struct {
		name   string
		script backend.Script
	}{
		{"no result", backend.Script{Events: []stream.Event{&stream.Init{SessionID: "s1"}, text("hi")}}},
		{"stream error", backend.Script{Events: []stream.Event{&stream.Init{SessionID: "s1"}}, Err: errors.New("connection reset")}},
		{"tool before init", backend.Script{Events: []stream.Event{bash("tu_1", "ls")}}},
		{"duplicate init", backend.Script{Events: []stream.Event{&stream.Init{SessionID: "s1"}, &stream.Init{SessionID: "s2"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := backend.NewScripted(tt.script)
			res, err := Collect(context.Background(), start(t, New(b), baseRequest()))
			if !errors.Is(err, ErrBackendFailure) || res.Outcome != OutcomeBackendFailure {
				t.Errorf("expected backend failure, got %v", err)
			}
			if len(b.Outcomes()) != 0 {
				t.Error("no tool should have been answered")
			}
		})
	}
}

func TestStart_BackendUnavailable(t *testing.T) {
	_, err := New(backend.NewScripted()).Start(context.Background(), baseRequest())
	var re *RunError
	if !errors.As(err, &re) || re.Outcome != OutcomeBackendFailure {
		t.Errorf("expected backend failure, got %v", err)
	}
}

func TestStart_Validation(t *testing.T) {
	reg, err := agents.NewRegistry(agents.Defaults()...)
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name   string
		modify func(*Request)
	}{
		{"empty prompt", func(r *Request) { r.Prompt = "  " }},
		{"zero turns", func(r *Request) { r.MaxTurns = 0 }},
		{"unknown tool", func(r *Request) { r.AllowedTools = append(r.AllowedTools, "Teleport") }},
		{"agents without delegation", func(r *Request) {
			r.AllowedTools = []string{tools.Read}
			r.Agents = []string{"security-reviewer"}
		}},
		{"unknown agent", func(r *Request) { r.Agents = []string{"poet"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := backend.NewScripted(backend.Script{})
			req := baseRequest()
			tt.modify(&req)
			_, err := New(b, WithAgents(reg)).Start(context.Background(), req)
			if !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("expected invalid request, got %v", err)
			}
			if len(b.Starts()) != 0 {
				t.Error("backend must not be contacted")
			}
		})
	}
}

func TestRun_Delegation(t *testing.T) {
	reg, err := agents.NewRegistry(agents.Defaults()...)
	if err != nil {
		t.Fatal(err)
	}
	b := backend.NewScripted(backend.Script{Events: []stream.Event{
		&stream.Init{SessionID: "s1"},
		&stream.Assistant{Blocks: []stream.Block{
			stream.TextBlock{Text: "engaging a specialist"},
			stream.ToolUseBlock{ID: "tu_1", Name: tools.Task, Input: map[string]interface{}{
				"subagent_type": "security-reviewer",
				"description":   "check auth",
			}},
		}},
		&stream.Result{Subtype: stream.Success},
	}})
	e := New(b, WithAgents(reg))
	var got []agents.Delegation
	e.OnDelegation = func(d agents.Delegation) { got = append(got, d) }

	req := baseRequest()
	req.Agents = reg.Names()
	if _, err := Collect(context.Background(), start(t, e, req)); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Agent != "security-reviewer" {
		t.Errorf("unexpected delegations %+v", got)
	}
	if defs := b.Starts()[0].Agents; len(defs) != 2 {
		t.Errorf("expected both agents sent to the backend, got %d", len(defs))
	}
}

type cancelSpy struct {
	reasons []string
}

func (c *cancelSpy) Name() string { return "spy" }

func (c *cancelSpy) Intercept(context.Context, hooks.Input) *policy.Decision { return nil }

func (c *cancelSpy) OnCancel(ctx context.Context, reason string) {
	if ctx.Err() == nil {
		c.reasons = append(c.reasons, reason)
	}
}

func TestRun_Cancelled(t *testing.T) {
	b := backend.NewScripted(backend.Script{Events: []stream.Event{&stream.Init{SessionID: "s1"}}, Hang: true})
	spy := &cancelSpy{}
	p := hooks.NewPipeline(nil)
	p.Register(hooks.PreToolUse, "", spy)

	run := start(t, New(b, WithPipeline(p)), baseRequest())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	res, err := Collect(ctx, run)
	if !errors.Is(err, ErrCancelled) || res.Outcome != OutcomeCancelled {
		t.Fatalf("expected cancelled, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected the cause to be kept, got %v", err)
	}
	if len(spy.reasons) != 1 {
		t.Errorf("expected one cancel notification with a live grace context, got %v", spy.reasons)
	}
	if run.SessionID() != "s1" {
		t.Errorf("session should be captured before cancellation, got %q", run.SessionID())
	}
}

func TestRun_EarlyBreakCloses(t *testing.T) {
	b := backend.NewScripted(backend.Script{Events: []stream.Event{
		&stream.Init{SessionID: "s1"},
		text("one"),
		&stream.Result{Subtype: stream.Success},
	}})
	run := start(t, New(b), baseRequest())
	for m := range run.Messages(context.Background()) {
		if m.Kind() == "system" {
			break
		}
	}
	res := run.Conversation().Result()
	if res == nil || res.Outcome != OutcomeCancelled {
		t.Errorf("expected cancelled result after early break, got %+v", res)
	}
	if err := run.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

type memRecorder struct {
	convs []*Conversation
}

func (m *memRecorder) Record(c *Conversation) error {
	m.convs = append(m.convs, c)
	return nil
}

func TestRun_RecorderAndResume(t *testing.T) {
	b := backend.NewScripted(
		backend.Script{Events: []stream.Event{&stream.Init{SessionID: "s1"}, &stream.Result{Subtype: stream.Success}}},
		backend.Script{Events: []stream.Event{&stream.Init{}, &stream.Result{Subtype: stream.Success}}},
	)
	rec := &memRecorder{}
	e := New(b, WithRecorder(rec))

	first := start(t, e, baseRequest())
	if _, err := Collect(context.Background(), first); err != nil {
		t.Fatal(err)
	}

	req := baseRequest()
	req.Resume = first.SessionID()
	second := start(t, e, req)
	if _, err := Collect(context.Background(), second); err != nil {
		t.Fatal(err)
	}

	if second.SessionID() != "s1" || second.Conversation().ResumedFrom != "s1" {
		t.Errorf("resumed run should continue s1, got %q", second.SessionID())
	}
	sys := second.Conversation().Messages()[1].(*SystemMessage)
	if sys.ResumedFrom != "s1" {
		t.Errorf("system message should note resumption, got %+v", sys)
	}
	if len(rec.convs) != 2 || !rec.convs[0].Sealed() {
		t.Errorf("expected two sealed recorded conversations, got %d", len(rec.convs))
	}
}

func TestBudget(t *testing.T) {
	b := Budget{MaxTurns: 2, Turns: 1}
	if b.TurnsExceeded() || b.TurnsLeft() != 1 {
		t.Errorf("unexpected %+v", b)
	}
	b.Turns = 3
	if !b.TurnsExceeded() || b.TurnsLeft() != 0 {
		t.Errorf("unexpected %+v", b)
	}
	if (Budget{CostUSD: 5}).CostExceeded() {
		t.Error("zero cost limit means unlimited")
	}
}

func TestRunError(t *testing.T) {
	cause := errors.New("exit status 3")
	err := error(&RunError{Outcome: OutcomeBackendFailure, Subtype: "error_during_execution", Detail: "backend exited", Err: cause})
	if !errors.Is(err, ErrBackendFailure) || !errors.Is(err, cause) {
		t.Error("expected sentinel and cause to match")
	}
	want := "backend-failure (error_during_execution): backend exited: exit status 3"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
	if OutcomeOf(nil) != OutcomeSuccess || OutcomeOf(errors.New("x")) != OutcomeBackendFailure {
		t.Error("unexpected OutcomeOf")
	}
}
