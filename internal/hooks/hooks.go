// Package hooks runs interceptors at conversation lifecycle events.
//
// Interceptors for an event run in registration order. A Deny stops the
// pipeline; an Allow carrying input replaces the candidate input for the
// interceptors that follow. Mandatory guards are checked after the chain on
// the original input and again on the final input, so observers still see a
// vetoed call and no interceptor can allow or rewrite its way past a guard.
package hooks

import (
	"context"
	"strings"
	"sync"

	"github.com/vinayprograms/codereview/internal/policy"
)

// Event is a lifecycle point interceptors subscribe to.
type Event string

const (
	PreToolUse Event = "PreToolUse"
)

// ParseEvent validates an event name.
func ParseEvent(s string) (Event, bool) {
	switch Event(s) {
	case PreToolUse:
		return PreToolUse, true
	}
	return "", false
}

// Input is what an interceptor sees.
type Input struct {
	Event   Event
	Request policy.Request
	Context policy.Context
}

// Interceptor observes or decides on a tool invocation. Returning nil
// falls through to the next interceptor.
type Interceptor interface {
	Name() string
	Intercept(ctx context.Context, in Input) *policy.Decision
}

// Canceler is implemented by interceptors that need to know when the
// conversation is cancelled, e.g. to flush an in-flight audit write.
type Canceler interface {
	OnCancel(ctx context.Context, reason string)
}

// Func adapts a function to an Interceptor.
type Func struct {
	Label string
	Fn    func(ctx context.Context, in Input) *policy.Decision
}

// Name implements Interceptor.
func (f Func) Name() string { return f.Label }

// Intercept implements Interceptor.
func (f Func) Intercept(ctx context.Context, in Input) *policy.Decision {
	return f.Fn(ctx, in)
}

// Matches reports whether matcher selects tool. An empty matcher selects
// every tool; "Write|Edit" selects either name.
func Matches(matcher, tool string) bool {
	if matcher == "" || matcher == "*" {
		return true
	}
	for _, m := range strings.Split(matcher, "|") {
		if strings.TrimSpace(m) == tool {
			return true
		}
	}
	return false
}

type entry struct {
	matcher string
	hook    Interceptor
}

// Pipeline holds interceptors keyed by event.
type Pipeline struct {
	mu      sync.RWMutex
	guards  *policy.Gate
	entries map[Event][]entry
}

// NewPipeline creates a pipeline whose guards cannot be bypassed. guards
// may be nil.
func NewPipeline(guards *policy.Gate) *Pipeline {
	return &Pipeline{guards: guards, entries: make(map[Event][]entry)}
}

// Register appends an interceptor for event, scoped by matcher.
func (p *Pipeline) Register(event Event, matcher string, h Interceptor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[event] = append(p.entries[event], entry{matcher: matcher, hook: h})
}

// Len returns the number of interceptors registered for event.
func (p *Pipeline) Len(event Event) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries[event])
}

// Run produces the decision for one tool invocation. The request's input is
// never modified; interceptors work on a copy.
func (p *Pipeline) Run(ctx context.Context, in Input) policy.Decision {
	if in.Event == "" {
		in.Event = PreToolUse
	}
	cur := in.Request.WithInput(policy.CloneInput(in.Request.Input))

	p.mu.RLock()
	chain := append([]entry(nil), p.entries[in.Event]...)
	p.mu.RUnlock()

	source := "default"
	rewritten := false
	for _, e := range chain {
		if !Matches(e.matcher, cur.ToolName) {
			continue
		}
		d := e.hook.Intercept(ctx, Input{Event: in.Event, Request: cur, Context: in.Context})
		if d == nil {
			continue
		}
		if !d.Allowed() {
			return d.From(e.hook.Name())
		}
		if d.Input != nil {
			cur = cur.WithInput(policy.CloneInput(d.Input))
			source = e.hook.Name()
			rewritten = true
		}
	}

	if d, ok := p.guard(ctx, in.Context, in.Request); ok {
		return d
	}
	if rewritten {
		if d, ok := p.guard(ctx, in.Context, cur); ok {
			return d
		}
	}
	return policy.Allow(cur.Input).From(source)
}

// guard reports a mandatory denial. Guard allows are ignored so a guard can
// never override an interceptor.
func (p *Pipeline) guard(ctx context.Context, pc policy.Context, req policy.Request) (policy.Decision, bool) {
	d, ok := p.guards.Check(ctx, pc, req)
	if ok && !d.Allowed() {
		return d, true
	}
	return policy.Decision{}, false
}

// Cancel notifies every Canceler interceptor in registration order.
func (p *Pipeline) Cancel(ctx context.Context, reason string) {
	p.mu.RLock()
	var all []Interceptor
	for _, e := range p.entries[PreToolUse] {
		all = append(all, e.hook)
	}
	p.mu.RUnlock()

	for _, h := range all {
		if c, ok := h.(Canceler); ok {
			c.OnCancel(ctx, reason)
		}
	}
}

// Gate adapts a policy gate into a veto interceptor.
func Gate(name string, g *policy.Gate) Interceptor {
	return Func{Label: name, Fn: func(ctx context.Context, in Input) *policy.Decision {
		d, ok := g.Check(ctx, in.Context, in.Request)
		if !ok {
			return nil
		}
		return &d
	}}
}
