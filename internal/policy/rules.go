package policy

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/vinayprograms/codereview/internal/tools"
)

// Default deny-write rule.
const (
	DefaultDenyPattern = ".env"
	DefaultDenyMessage = "Cannot modify .env files"
)

// PathRule denies write tools whose target path matches a pattern.
// Patterns containing glob metacharacters are matched against the full
// path and the base name; anything else is a substring match.
type PathRule struct {
	Tools    []string
	Patterns []string
	Message  string
}

// DefaultPathRule denies Write and Edit on any path containing ".env".
func DefaultPathRule() *PathRule {
	return &PathRule{
		Tools:    []string{tools.Write, tools.Edit},
		Patterns: []string{DefaultDenyPattern},
		Message:  DefaultDenyMessage,
	}
}

// Name implements Rule.
func (r *PathRule) Name() string { return "path_deny" }

// Evaluate implements Rule.
func (r *PathRule) Evaluate(_ context.Context, _ Context, req Request) (Decision, bool) {
	if !contains(r.Tools, req.ToolName) {
		return Decision{}, false
	}
	path := req.String("file_path")
	if path == "" {
		path = req.String("path")
	}
	if path == "" {
		return Decision{}, false
	}
	for _, p := range r.Patterns {
		if matchPath(p, path) {
			msg := r.Message
			if msg == "" {
				msg = fmt.Sprintf("Cannot modify %s", path)
			}
			return Deny(msg), true
		}
	}
	return Decision{}, false
}

func matchPath(pattern, path string) bool {
	if !strings.ContainsAny(pattern, "*?[") {
		return strings.Contains(path, pattern)
	}
	if ok, err := filepath.Match(pattern, path); err == nil && ok {
		return true
	}
	clean := strings.TrimPrefix(pattern, "**/")
	ok, err := filepath.Match(clean, filepath.Base(path))
	return err == nil && ok
}

// ReadOnlyRule allows read and delegation tools outright.
type ReadOnlyRule struct {
	Registry *tools.Registry
}

// Name implements Rule.
func (r *ReadOnlyRule) Name() string { return "read_only" }

// Evaluate implements Rule.
func (r *ReadOnlyRule) Evaluate(_ context.Context, _ Context, req Request) (Decision, bool) {
	if r.Registry == nil {
		return Decision{}, false
	}
	switch r.Registry.KindOf(req.ToolName) {
	case tools.KindRead, tools.KindDelegate:
		return Allow(req.Input), true
	}
	return Decision{}, false
}

// ModeRule enforces the permission mode. In plan mode mutating tools are
// denied; other modes have no opinion.
type ModeRule struct {
	Registry *tools.Registry
}

// Name implements Rule.
func (r *ModeRule) Name() string { return "permission_mode" }

// Evaluate implements Rule.
func (r *ModeRule) Evaluate(_ context.Context, pc Context, req Request) (Decision, bool) {
	if pc.Mode != ModePlan || r.Registry == nil {
		return Decision{}, false
	}
	if t, ok := r.Registry.Get(req.ToolName); ok && t.Mutating() {
		return Deny(fmt.Sprintf("%s is not permitted in plan mode", req.ToolName)), true
	}
	return Decision{}, false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
