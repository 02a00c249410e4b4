package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"
)

// RegoQuery is the rule every tool policy module must define.
const RegoQuery = "data.tool_policy.decision"

// DefaultRegoPolicy denies writes to .env files and allows everything else.
const DefaultRegoPolicy = `
package tool_policy

default decision = "allow"

decision = {"decision": "deny", "reason": "Cannot modify .env files"} {
	write_tools[input.tool_name]
	contains(input.args.file_path, ".env")
}

write_tools = {"Write", "Edit"}
`

// RegoRule evaluates an OPA policy. The decision may be a string ("allow",
// "deny", "block") or an object {"decision": ..., "reason": ...}.
// Allow means no opinion; evaluation errors deny.
type RegoRule struct {
	query rego.PreparedEvalQuery
}

// NewRegoRule compiles module, which must define tool_policy.decision.
func NewRegoRule(ctx context.Context, module string) (*RegoRule, error) {
	r := rego.New(
		rego.Query(RegoQuery),
		rego.Module("tool_policy.rego", module),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}
	return &RegoRule{query: query}, nil
}

// LoadRegoRule compiles the policy at path, or DefaultRegoPolicy when path is empty.
func LoadRegoRule(ctx context.Context, path string) (*RegoRule, error) {
	if path == "" {
		return NewRegoRule(ctx, DefaultRegoPolicy)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy %s: %w", path, err)
	}
	return NewRegoRule(ctx, string(content))
}

// Name implements Rule.
func (r *RegoRule) Name() string { return "rego" }

// Evaluate implements Rule.
func (r *RegoRule) Evaluate(ctx context.Context, pc Context, req Request) (Decision, bool) {
	input := map[string]interface{}{
		"tool_name":       req.ToolName,
		"args":            req.Input,
		"tool_use_id":     req.InvocationID,
		"session_id":      pc.SessionID,
		"turn":            pc.Turn,
		"permission_mode": string(pc.Mode),
	}
	if req.Input == nil {
		input["args"] = map[string]interface{}{}
	}

	results, err := r.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Deny(fmt.Sprintf("policy evaluation failed: %v", err)), true
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{}, false
	}

	decision, reason := "", ""
	switch v := results[0].Expressions[0].Value.(type) {
	case string:
		decision = v
	case map[string]interface{}:
		decision, _ = v["decision"].(string)
		reason, _ = v["reason"].(string)
	default:
		return Deny(fmt.Sprintf("policy returned unexpected type %T", v)), true
	}

	switch decision {
	case "allow", "":
		return Decision{}, false
	case "deny", "block":
		if reason == "" {
			reason = fmt.Sprintf("%s denied by policy", req.ToolName)
		}
		return Deny(reason), true
	}
	return Deny(fmt.Sprintf("policy returned unknown decision %q", decision)), true
}
