// Package stream defines the events an agent backend emits and their
// NDJSON wire form.
//
// Events and blocks are closed sets. Decoding assigns the concrete type once
// so consumers switch on types instead of probing fields, and any unknown
// tag is rejected.
package stream

import (
	"fmt"

	"github.com/vinayprograms/codereview/internal/policy"
)

// Event is one of *Init, *Assistant, *PreToolUse or *Result.
type Event interface {
	Type() string
	isEvent()
}

// Block is one of TextBlock or ToolUseBlock.
type Block interface {
	BlockType() string
	isBlock()
}

// Init opens a conversation and carries its session id.
type Init struct {
	SessionID      string
	Tools          []string
	Model          string
	PermissionMode string
}

// Assistant is one model turn.
type Assistant struct {
	Model  string
	Blocks []Block
}

// PreToolUse asks for a decision before the backend runs a tool.
type PreToolUse struct {
	Request policy.Request
}

// Result terminates the conversation.
type Result struct {
	Subtype    ResultSubtype
	SessionID  string
	Payload    interface{} // structured output, decoded JSON
	Text       string      // free-form final answer
	CostUSD    float64
	NumTurns   int
	DurationMs int64
	Usage      Usage
	ModelUsage map[string]ModelUsage
	Errors     []string
}

func (*Init) Type() string       { return "system" }
func (*Assistant) Type() string  { return "assistant" }
func (*PreToolUse) Type() string { return "pre_tool_use" }
func (*Result) Type() string     { return "result" }

func (*Init) isEvent()       {}
func (*Assistant) isEvent()  {}
func (*PreToolUse) isEvent() {}
func (*Result) isEvent()     {}

// TextBlock is assistant prose.
type TextBlock struct {
	Text string
}

// ToolUseBlock is the assistant's stated intent to call a tool.
type ToolUseBlock struct {
	ID    string
	Name  string
	Input map[string]interface{}
}

func (TextBlock) BlockType() string    { return "text" }
func (ToolUseBlock) BlockType() string { return "tool_use" }
func (TextBlock) isBlock()             {}
func (ToolUseBlock) isBlock()          {}

// ResultSubtype is the terminal status reported by the backend.
type ResultSubtype string

const (
	Success                   ResultSubtype = "success"
	ErrorMaxTurns             ResultSubtype = "error_max_turns"
	ErrorMaxBudget            ResultSubtype = "error_max_budget_usd"
	ErrorDuringExecution      ResultSubtype = "error_during_execution"
	ErrorMaxStructuredRetries ResultSubtype = "error_max_structured_output_retries"
)

func parseSubtype(s string) (ResultSubtype, error) {
	switch st := ResultSubtype(s); st {
	case Success, ErrorMaxTurns, ErrorMaxBudget, ErrorDuringExecution, ErrorMaxStructuredRetries:
		return st, nil
	}
	return "", &UnknownTagError{Field: "result.subtype", Value: s}
}

// Usage is token accounting for a conversation.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 Usage) {
	u.InputTokens += u2.InputTokens
	u.OutputTokens += u2.OutputTokens
	u.CacheReadInputTokens += u2.CacheReadInputTokens
	u.CacheCreationInputTokens += u2.CacheCreationInputTokens
}

// ModelUsage is per-model accounting.
type ModelUsage struct {
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	CostUSD      float64 `json:"costUSD"`
}

// UnknownTagError is returned for event, subtype or block tags outside the
// known set.
type UnknownTagError struct {
	Field string
	Value string
}

func (e *UnknownTagError) Error() string {
	return fmt.Sprintf("unknown %s %q", e.Field, e.Value)
}
