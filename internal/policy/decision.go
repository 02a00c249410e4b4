// Package policy decides whether a tool invocation may proceed.
//
// A Gate is an ordered list of rules. Each rule may stay silent or return a
// Decision; the first opinion wins and silence everywhere means allow.
package policy

import (
	"fmt"
	"strings"
)

// Behavior is the outcome of a policy decision.
type Behavior string

const (
	BehaviorAllow Behavior = "allow"
	BehaviorDeny  Behavior = "deny"
)

// Request is a single tool invocation awaiting a decision.
type Request struct {
	ToolName     string                 `json:"tool_name"`
	Input        map[string]interface{} `json:"tool_input"`
	InvocationID string                 `json:"tool_use_id"`
}

// WithInput returns a copy of r carrying a different input.
func (r Request) WithInput(input map[string]interface{}) Request {
	r.Input = input
	return r
}

// String returns a string-valued input field, or "" when absent.
func (r Request) String(key string) string {
	if r.Input == nil {
		return ""
	}
	s, _ := r.Input[key].(string)
	return s
}

// Decision is either Allow with the input to execute, or Deny with a reason.
type Decision struct {
	Behavior Behavior               `json:"behavior"`
	Input    map[string]interface{} `json:"updated_input,omitempty"`
	Reason   string                 `json:"message,omitempty"`
	Source   string                 `json:"-"` // rule or interceptor that decided
}

// Allow permits execution with the given input.
func Allow(input map[string]interface{}) Decision {
	return Decision{Behavior: BehaviorAllow, Input: input}
}

// Deny blocks execution. The reason is returned to the agent as the tool result.
func Deny(reason string) Decision {
	return Decision{Behavior: BehaviorDeny, Reason: reason}
}

// Allowed reports whether the decision permits execution.
func (d Decision) Allowed() bool {
	return d.Behavior == BehaviorAllow
}

// From returns d annotated with its source.
func (d Decision) From(source string) Decision {
	d.Source = source
	return d
}

func (d Decision) String() string {
	if d.Allowed() {
		return "allow"
	}
	return fmt.Sprintf("deny: %s", d.Reason)
}

// Mode is the permission mode a conversation runs under.
type Mode string

const (
	ModeDefault     Mode = "default"
	ModeAcceptEdits Mode = "acceptEdits"
	ModeBypass      Mode = "bypassPermissions"
	ModePlan        Mode = "plan"
)

// ParseMode validates a permission mode name. Empty means ModeDefault.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.TrimSpace(s)) {
	case "", ModeDefault:
		return ModeDefault, nil
	case ModeAcceptEdits:
		return ModeAcceptEdits, nil
	case ModeBypass:
		return ModeBypass, nil
	case ModePlan:
		return ModePlan, nil
	}
	return "", fmt.Errorf("unknown permission mode %q", s)
}

// Context is the conversation state visible to rules.
type Context struct {
	SessionID    string
	Turn         int
	Mode         Mode
	AllowedTools []string
}

// CloneInput deep-copies a tool input so rewrites never alias the original.
func CloneInput(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return CloneInput(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return val
	}
}
