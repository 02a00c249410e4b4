package hooks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vinayprograms/codereview/internal/policy"
	"github.com/vinayprograms/codereview/internal/tools"
)

type captureSink struct {
	entries []AuditEntry
	flushed int
	err     error
}

func (s *captureSink) Record(_ context.Context, e AuditEntry) error {
	s.entries = append(s.entries, e)
	return s.err
}

func (s *captureSink) Flush(context.Context) error {
	s.flushed++
	return nil
}

func bashInput(cmd string) Input {
	return Input{
		Event:   PreToolUse,
		Request: policy.Request{ToolName: tools.Bash, Input: map[string]interface{}{"command": cmd}, InvocationID: "tu_1"},
	}
}

func rewrite(name, cmd string, calls *[]string) Interceptor {
	return Func{Label: name, Fn: func(_ context.Context, in Input) *policy.Decision {
		*calls = append(*calls, name)
		d := policy.Allow(map[string]interface{}{"command": cmd})
		return &d
	}}
}

func deny(name, reason string, calls *[]string) Interceptor {
	return Func{Label: name, Fn: func(context.Context, Input) *policy.Decision {
		*calls = append(*calls, name)
		d := policy.Deny(reason)
		return &d
	}}
}

func observe(name string, calls *[]string) Interceptor {
	return Func{Label: name, Fn: func(context.Context, Input) *policy.Decision {
		*calls = append(*calls, name)
		return nil
	}}
}

func guards() *policy.Gate {
	return policy.NewGate(policy.NewShellGuard(tools.NewRegistry()))
}

func TestPipeline_DefaultAllowsOriginal(t *testing.T) {
	p := NewPipeline(nil)
	d := p.Run(context.Background(), bashInput("ls"))
	if !d.Allowed() || d.Input["command"] != "ls" || d.Source != "default" {
		t.Errorf("expected default allow of original input, got %+v", d)
	}
}

func TestPipeline_RegistrationOrderAndShortCircuit(t *testing.T) {
	var calls []string
	p := NewPipeline(nil)
	p.Register(PreToolUse, "", observe("first", &calls))
	p.Register(PreToolUse, "", deny("second", "no", &calls))
	p.Register(PreToolUse, "", observe("third", &calls))

	d := p.Run(context.Background(), bashInput("ls"))
	if d.Allowed() || d.Reason != "no" || d.Source != "second" {
		t.Errorf("expected deny from second, got %+v", d)
	}
	if len(calls) != 2 || calls[0] != "first" || calls[1] != "second" {
		t.Errorf("expected [first second], got %v", calls)
	}
}

func TestPipeline_LastRewriteWins(t *testing.T) {
	var calls []string
	p := NewPipeline(nil)
	p.Register(PreToolUse, "", rewrite("a", "ls -a", &calls))
	p.Register(PreToolUse, "", observe("watch", &calls))
	p.Register(PreToolUse, "", rewrite("b", "ls -b", &calls))

	in := bashInput("ls")
	d := p.Run(context.Background(), in)
	if !d.Allowed() || d.Input["command"] != "ls -b" || d.Source != "b" {
		t.Errorf("expected last rewrite, got %+v", d)
	}
	if in.Request.Input["command"] != "ls" {
		t.Error("original request input was mutated")
	}
}

func TestPipeline_RewriteIsVisibleToLaterInterceptors(t *testing.T) {
	var seen string
	p := NewPipeline(nil)
	var calls []string
	p.Register(PreToolUse, "", rewrite("a", "ls -a", &calls))
	p.Register(PreToolUse, "", Func{Label: "peek", Fn: func(_ context.Context, in Input) *policy.Decision {
		seen = in.Request.String("command")
		return nil
	}})

	p.Run(context.Background(), bashInput("ls"))
	if seen != "ls -a" {
		t.Errorf("expected later interceptor to see rewrite, saw %q", seen)
	}
}

func TestPipeline_Matcher(t *testing.T) {
	var calls []string
	p := NewPipeline(nil)
	p.Register(PreToolUse, "Bash", observe("bash-only", &calls))
	p.Register(PreToolUse, "Write|Edit", observe("writes", &calls))
	p.Register(PreToolUse, "", observe("all", &calls))

	p.Run(context.Background(), Input{Request: policy.Request{ToolName: tools.Read}})
	if len(calls) != 1 || calls[0] != "all" {
		t.Errorf("expected only unscoped interceptor for Read, got %v", calls)
	}

	calls = nil
	p.Run(context.Background(), Input{Request: policy.Request{ToolName: tools.Edit}})
	if len(calls) != 2 || calls[0] != "writes" {
		t.Errorf("expected writes+all for Edit, got %v", calls)
	}
}

func TestPipeline_GuardDeniesRegardlessOfOrder(t *testing.T) {
	allowAll := Func{Label: "allow-all", Fn: func(_ context.Context, in Input) *policy.Decision {
		d := policy.Allow(in.Request.Input)
		return &d
	}}

	for _, cmd := range []string{"sudo rm -rf /", "rm -rf /", "sudo apt install x"} {
		var calls []string
		p := NewPipeline(guards())
		p.Register(PreToolUse, "", allowAll)
		p.Register(PreToolUse, "Bash", observe("after", &calls))

		d := p.Run(context.Background(), bashInput(cmd))
		if d.Allowed() || d.Reason != policy.DangerousCommandReason {
			t.Errorf("%q: expected guard deny, got %+v", cmd, d)
		}
		if len(calls) != 1 {
			t.Errorf("%q: expected the chain to run before the veto, got %v", cmd, calls)
		}
	}
}

func TestPipeline_AuditSeesVetoedCall(t *testing.T) {
	sink := &captureSink{}
	p := NewPipeline(guards())
	p.Register(PreToolUse, "", Audit(sink))

	d := p.Run(context.Background(), bashInput("sudo rm -rf /"))
	if d.Allowed() || d.Reason != policy.DangerousCommandReason {
		t.Errorf("expected guard deny, got %+v", d)
	}
	if len(sink.entries) != 1 || sink.entries[0].Input["command"] != "sudo rm -rf /" {
		t.Errorf("expected the vetoed call in the audit trail, got %+v", sink.entries)
	}
}

func TestPipeline_GuardIgnoresSafeRewriteOfDangerousCall(t *testing.T) {
	var calls []string
	p := NewPipeline(guards())
	p.Register(PreToolUse, "", rewrite("soften", "ls", &calls))

	d := p.Run(context.Background(), bashInput("rm -rf /"))
	if d.Allowed() || d.Reason != policy.DangerousCommandReason {
		t.Errorf("a rewrite must not mask the veto, got %+v", d)
	}
}

func TestPipeline_GuardRecheckedAfterRewrite(t *testing.T) {
	var calls []string
	p := NewPipeline(guards())
	p.Register(PreToolUse, "", rewrite("sneaky", "sudo rm -rf /", &calls))

	d := p.Run(context.Background(), bashInput("ls"))
	if d.Allowed() || d.Reason != policy.DangerousCommandReason {
		t.Errorf("expected rewritten dangerous command to be denied, got %+v", d)
	}
}

func TestPipeline_GateInterceptor(t *testing.T) {
	reg := tools.NewRegistry()
	gate := policy.NewGate(&policy.ReadOnlyRule{Registry: reg}, policy.DefaultPathRule())
	p := NewPipeline(nil)
	p.Register(PreToolUse, "", Gate("can_use_tool", gate))

	write := Input{Request: policy.Request{ToolName: tools.Write, Input: map[string]interface{}{"file_path": "/x/.env"}}}
	d := p.Run(context.Background(), write)
	if d.Allowed() || d.Reason != policy.DefaultDenyMessage {
		t.Errorf("expected .env deny, got %+v", d)
	}

	read := Input{Request: policy.Request{ToolName: tools.Read, Input: map[string]interface{}{"file_path": "/x/.env"}}}
	if d := p.Run(context.Background(), read); !d.Allowed() {
		t.Errorf("expected read allowed, got %+v", d)
	}
}

func TestAuditInterceptor(t *testing.T) {
	sink := &captureSink{}
	a := Audit(sink)
	a.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	p := NewPipeline(nil)
	p.Register(PreToolUse, "", a)

	in := bashInput("ls")
	in.Context = policy.Context{SessionID: "s1", Turn: 3}
	if d := p.Run(context.Background(), in); !d.Allowed() {
		t.Fatalf("audit must not decide, got %+v", d)
	}
	if len(sink.entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(sink.entries))
	}
	e := sink.entries[0]
	if e.ToolName != tools.Bash || e.SessionID != "s1" || e.Turn != 3 || e.InvocationID != "tu_1" {
		t.Errorf("unexpected entry %+v", e)
	}
	if e.Time.Year() != 2026 {
		t.Errorf("unexpected time %v", e.Time)
	}
}

func TestAuditInterceptor_SinkErrorDoesNotBlock(t *testing.T) {
	sink := &captureSink{err: errors.New("disk full")}
	a := Audit(sink)
	var got error
	a.OnError = func(err error) { got = err }

	p := NewPipeline(nil)
	p.Register(PreToolUse, "", a)
	if d := p.Run(context.Background(), bashInput("ls")); !d.Allowed() {
		t.Errorf("sink failure must not deny, got %+v", d)
	}
	if got == nil {
		t.Error("expected OnError to be called")
	}
}

func TestPipeline_CancelNotifiesCancelers(t *testing.T) {
	sink := &captureSink{}
	var calls []string
	p := NewPipeline(nil)
	p.Register(PreToolUse, "", Audit(sink))
	p.Register(PreToolUse, "Bash", observe("plain", &calls))

	p.Cancel(context.Background(), "caller cancelled")
	if sink.flushed != 1 {
		t.Errorf("expected audit sink flushed once, got %d", sink.flushed)
	}
}

func TestMatchesAndParseEvent(t *testing.T) {
	if !Matches("", "Read") || !Matches("*", "Read") {
		t.Error("empty and * match everything")
	}
	if Matches("Bash", "Read") {
		t.Error("Bash must not match Read")
	}
	if !Matches("Write | Edit", "Edit") {
		t.Error("alternation should tolerate spaces")
	}
	if ev, ok := ParseEvent("PreToolUse"); !ok || ev != PreToolUse {
		t.Error("expected PreToolUse to parse")
	}
	if _, ok := ParseEvent("PostToolUse"); ok {
		t.Error("unsupported events must not parse")
	}
}
