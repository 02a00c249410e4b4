package policy

import (
	"context"
)

// Rule is one policy predicate. ok is false when the rule has no opinion.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, pc Context, req Request) (d Decision, ok bool)
}

// Gate evaluates rules in order. It holds no per-request state, so a single
// Gate may serve any number of conversations.
type Gate struct {
	rules []Rule
}

// NewGate creates a gate over rules, evaluated in the given order.
func NewGate(rules ...Rule) *Gate {
	return &Gate{rules: append([]Rule(nil), rules...)}
}

// Rules returns the rules in evaluation order.
func (g *Gate) Rules() []Rule {
	if g == nil {
		return nil
	}
	return append([]Rule(nil), g.rules...)
}

// Decide returns the first rule's opinion, or Allow with the original input.
func (g *Gate) Decide(ctx context.Context, pc Context, req Request) Decision {
	if d, ok := g.Check(ctx, pc, req); ok {
		return d
	}
	return Allow(req.Input).From("default")
}

// Check is Decide without the default. ok is false when no rule spoke.
func (g *Gate) Check(ctx context.Context, pc Context, req Request) (Decision, bool) {
	if g == nil {
		return Decision{}, false
	}
	for _, r := range g.rules {
		if d, ok := r.Evaluate(ctx, pc, req); ok {
			if d.Allowed() && d.Input == nil {
				d.Input = req.Input
			}
			return d.From(r.Name()), true
		}
	}
	return Decision{}, false
}
