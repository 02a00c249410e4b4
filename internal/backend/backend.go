// Package backend is the boundary to the agent runtime that performs model
// inference and executes tools.
//
// The orchestrator never executes tools itself. It starts a conversation,
// pulls events, and answers every pre-tool-use event with a decision before
// asking for the next event.
package backend

import (
	"context"
	"encoding/json"

	"github.com/vinayprograms/codereview/internal/agents"
	"github.com/vinayprograms/codereview/internal/policy"
	"github.com/vinayprograms/codereview/internal/stream"
)

// Request starts or resumes a conversation.
type Request struct {
	Prompt         string
	AllowedTools   []string
	PermissionMode policy.Mode
	MaxTurns       int
	MaxBudgetUSD   float64
	Model          string
	OutputSchema   map[string]interface{}
	Agents         []agents.Definition
	Resume         string // session id to continue, empty for a new session
	WorkDir        string
}

// Stream is one running conversation. It has a single consumer.
type Stream interface {
	// Next blocks until the next event. It returns io.EOF after the stream ends.
	Next(ctx context.Context) (stream.Event, error)
	// Respond answers the pending pre-tool-use event.
	Respond(ctx context.Context, invocationID string, d policy.Decision) error
	// Close releases the conversation. Safe to call more than once.
	Close() error
}

// Backend starts conversations.
type Backend interface {
	Start(ctx context.Context, req Request) (Stream, error)
}

type outputFormat struct {
	Type   string                 `json:"type"`
	Schema map[string]interface{} `json:"schema"`
}

type wireOptions struct {
	AllowedTools   []string                     `json:"allowedTools"`
	PermissionMode string                       `json:"permissionMode,omitempty"`
	MaxTurns       int                          `json:"maxTurns"`
	MaxBudgetUSD   float64                      `json:"maxBudgetUsd,omitempty"`
	Model          string                       `json:"model,omitempty"`
	OutputFormat   *outputFormat                `json:"outputFormat,omitempty"`
	Agents         map[string]agents.Definition `json:"agents,omitempty"`
	Resume         string                       `json:"resume,omitempty"`
	Cwd            string                       `json:"cwd,omitempty"`
}

type wireRequest struct {
	Type    string      `json:"type"`
	Prompt  string      `json:"prompt"`
	Options wireOptions `json:"options"`
}

// EncodeRequest renders req as the first NDJSON line sent to a backend.
func EncodeRequest(req Request) ([]byte, error) {
	w := wireRequest{
		Type:   "request",
		Prompt: req.Prompt,
		Options: wireOptions{
			AllowedTools:   req.AllowedTools,
			PermissionMode: string(req.PermissionMode),
			MaxTurns:       req.MaxTurns,
			MaxBudgetUSD:   req.MaxBudgetUSD,
			Model:          req.Model,
			Resume:         req.Resume,
			Cwd:            req.WorkDir,
		},
	}
	if req.OutputSchema != nil {
		w.Options.OutputFormat = &outputFormat{Type: "json_schema", Schema: req.OutputSchema}
	}
	if len(req.Agents) > 0 {
		w.Options.Agents = make(map[string]agents.Definition, len(req.Agents))
		for _, d := range req.Agents {
			w.Options.Agents[d.Name] = d
		}
	}
	return json.Marshal(w)
}
