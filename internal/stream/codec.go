package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/vinayprograms/codereview/internal/policy"
)

type wireBlock struct {
	Type  string                 `json:"type"`
	Text  string                 `json:"text,omitempty"`
	ID    string                 `json:"id,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`
}

type wireMessage struct {
	Model   string      `json:"model,omitempty"`
	Content []wireBlock `json:"content"`
}

type wireEvent struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// init
	SessionID      string   `json:"session_id,omitempty"`
	Tools          []string `json:"tools,omitempty"`
	Model          string   `json:"model,omitempty"`
	PermissionMode string   `json:"permissionMode,omitempty"`

	// assistant
	Message *wireMessage `json:"message,omitempty"`

	// pre_tool_use
	ToolUseID string                 `json:"tool_use_id,omitempty"`
	ToolName  string                 `json:"tool_name,omitempty"`
	ToolInput map[string]interface{} `json:"tool_input,omitempty"`

	// result
	StructuredOutput json.RawMessage       `json:"structured_output,omitempty"`
	Result           string                `json:"result,omitempty"`
	TotalCostUSD     float64               `json:"total_cost_usd,omitempty"`
	NumTurns         int                   `json:"num_turns,omitempty"`
	DurationMs       int64                 `json:"duration_ms,omitempty"`
	Usage            *Usage                `json:"usage,omitempty"`
	ModelUsage       map[string]ModelUsage `json:"modelUsage,omitempty"`
	Errors           []string              `json:"errors,omitempty"`
}

// Decode parses one NDJSON line into an Event.
func Decode(line []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(line, &w); err != nil {
		return nil, fmt.Errorf("malformed event: %w", err)
	}

	switch w.Type {
	case "system":
		if w.Subtype != "init" {
			return nil, &UnknownTagError{Field: "system.subtype", Value: w.Subtype}
		}
		return &Init{SessionID: w.SessionID, Tools: w.Tools, Model: w.Model, PermissionMode: w.PermissionMode}, nil

	case "assistant":
		if w.Message == nil {
			return nil, fmt.Errorf("assistant event without message")
		}
		blocks := make([]Block, 0, len(w.Message.Content))
		for _, b := range w.Message.Content {
			switch b.Type {
			case "text":
				blocks = append(blocks, TextBlock{Text: b.Text})
			case "tool_use":
				blocks = append(blocks, ToolUseBlock{ID: b.ID, Name: b.Name, Input: b.Input})
			default:
				return nil, &UnknownTagError{Field: "block type", Value: b.Type}
			}
		}
		return &Assistant{Model: w.Message.Model, Blocks: blocks}, nil

	case "pre_tool_use":
		if w.ToolUseID == "" || w.ToolName == "" {
			return nil, fmt.Errorf("pre_tool_use event needs tool_use_id and tool_name")
		}
		return &PreToolUse{Request: policy.Request{ToolName: w.ToolName, Input: w.ToolInput, InvocationID: w.ToolUseID}}, nil

	case "result":
		st, err := parseSubtype(w.Subtype)
		if err != nil {
			return nil, err
		}
		r := &Result{
			Subtype:    st,
			SessionID:  w.SessionID,
			Text:       w.Result,
			CostUSD:    w.TotalCostUSD,
			NumTurns:   w.NumTurns,
			DurationMs: w.DurationMs,
			ModelUsage: w.ModelUsage,
			Errors:     w.Errors,
		}
		if w.Usage != nil {
			r.Usage = *w.Usage
		}
		if len(w.StructuredOutput) > 0 && !bytes.Equal(w.StructuredOutput, []byte("null")) {
			if err := json.Unmarshal(w.StructuredOutput, &r.Payload); err != nil {
				return nil, fmt.Errorf("malformed structured_output: %w", err)
			}
		}
		return r, nil
	}
	return nil, &UnknownTagError{Field: "event type", Value: w.Type}
}

// Encode renders an Event as one NDJSON line without the trailing newline.
func Encode(ev Event) ([]byte, error) {
	var w wireEvent
	switch e := ev.(type) {
	case *Init:
		w = wireEvent{Type: "system", Subtype: "init", SessionID: e.SessionID, Tools: e.Tools, Model: e.Model, PermissionMode: e.PermissionMode}
	case *Assistant:
		msg := &wireMessage{Model: e.Model, Content: make([]wireBlock, 0, len(e.Blocks))}
		for _, b := range e.Blocks {
			switch blk := b.(type) {
			case TextBlock:
				msg.Content = append(msg.Content, wireBlock{Type: "text", Text: blk.Text})
			case ToolUseBlock:
				msg.Content = append(msg.Content, wireBlock{Type: "tool_use", ID: blk.ID, Name: blk.Name, Input: blk.Input})
			}
		}
		w = wireEvent{Type: "assistant", Message: msg}
	case *PreToolUse:
		w = wireEvent{Type: "pre_tool_use", ToolUseID: e.Request.InvocationID, ToolName: e.Request.ToolName, ToolInput: e.Request.Input}
	case *Result:
		w = wireEvent{
			Type: "result", Subtype: string(e.Subtype), SessionID: e.SessionID,
			Result: e.Text, TotalCostUSD: e.CostUSD, NumTurns: e.NumTurns, DurationMs: e.DurationMs,
			ModelUsage: e.ModelUsage, Errors: e.Errors,
		}
		if e.Usage != (Usage{}) {
			u := e.Usage
			w.Usage = &u
		}
		if e.Payload != nil {
			raw, err := json.Marshal(e.Payload)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal structured_output: %w", err)
			}
			w.StructuredOutput = raw
		}
	default:
		return nil, fmt.Errorf("cannot encode event %T", ev)
	}
	return json.Marshal(w)
}

// Decoder reads NDJSON events. Blank lines are skipped.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder reads events from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next returns the next event, or io.EOF at end of input.
func (d *Decoder) Next() (Event, error) {
	for {
		// bufio.Reader instead of Scanner: no line length limit.
		line, err := d.r.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			return Decode(line)
		}
		if err != nil {
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("error reading event stream: %w", err)
		}
	}
}

// Permission is the decision record written back to the backend.
type Permission struct {
	Type         string                 `json:"type"`
	ToolUseID    string                 `json:"tool_use_id"`
	Behavior     policy.Behavior        `json:"behavior"`
	UpdatedInput map[string]interface{} `json:"updated_input,omitempty"`
	Message      string                 `json:"message,omitempty"`
}

// EncodePermission renders a decision for invocationID.
func EncodePermission(invocationID string, d policy.Decision) ([]byte, error) {
	p := Permission{Type: "permission", ToolUseID: invocationID, Behavior: d.Behavior}
	if d.Allowed() {
		p.UpdatedInput = d.Input
	} else {
		p.Message = d.Reason
	}
	return json.Marshal(p)
}
