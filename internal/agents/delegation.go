package agents

import (
	"fmt"

	"github.com/vinayprograms/codereview/internal/tools"
)

// DelegationTool is the tool the top-level agent calls to hand off work.
const DelegationTool = tools.Task

// Delegation is a parsed request to run a sub-agent.
type Delegation struct {
	Agent       string
	Description string
	Prompt      string
}

// ParseDelegation recognises a delegation tool call. ok is false for any
// other tool or when no agent is named.
func ParseDelegation(toolName string, input map[string]interface{}) (Delegation, bool) {
	if toolName != DelegationTool {
		return Delegation{}, false
	}
	agent, _ := input["subagent_type"].(string)
	if agent == "" {
		return Delegation{}, false
	}
	desc, _ := input["description"].(string)
	prompt, _ := input["prompt"].(string)
	return Delegation{Agent: agent, Description: desc, Prompt: prompt}, true
}

// Notice is the human-readable line shown when a specialist is engaged.
func (d Delegation) Notice() string {
	if d.Description != "" {
		return fmt.Sprintf("delegating to: %s (%s)", d.Agent, d.Description)
	}
	return fmt.Sprintf("delegating to: %s", d.Agent)
}

// Defaults returns the built-in review specialists.
func Defaults() []Definition {
	readOnly := ToolList{tools.Read, tools.Grep, tools.Glob}
	return []Definition{
		{
			Name:        "security-reviewer",
			Description: "Security vulnerability detection specialist",
			Tools:       readOnly,
			Model:       ModelSonnet,
			Prompt: `You are a security expert. Focus on:
- SQL injection, XSS, CSRF and similar vulnerabilities
- Exposed credentials and secrets
- Unsafe data handling
- Authentication and authorization problems`,
		},
		{
			Name:        "test-analyzer",
			Description: "Test coverage and quality specialist",
			Tools:       readOnly,
			Model:       ModelHaiku,
			Prompt: `You are a testing expert. Analyze:
- Gaps in test coverage
- Missing edge cases
- Test quality and reliability
- Suggestions for new test cases`,
		},
	}
}
