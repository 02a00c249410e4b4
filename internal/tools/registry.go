// Package tools declares the tools an agent may be granted during a review.
//
// The registry only describes tools. Execution belongs to the backend; the
// orchestrator uses these declarations to validate allow-lists, to classify
// tools for policy decisions and to advertise argument schemas.
package tools

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Built-in tool names understood by the agent backend.
const (
	Read  = "Read"
	Glob  = "Glob"
	Grep  = "Grep"
	Write = "Write"
	Edit  = "Edit"
	Bash  = "Bash"
	Task  = "Task" // delegation to a named sub-agent
)

// Kind classifies what a tool does to the workspace.
type Kind string

const (
	KindRead     Kind = "read"
	KindWrite    Kind = "write"
	KindShell    Kind = "shell"
	KindDelegate Kind = "delegate"
)

// Tool declares an invocable tool and its argument schema.
type Tool struct {
	Name        string
	Description string
	Kind        Kind
	Parameters  map[string]interface{} // JSON schema for the tool input
	Custom      bool
}

// Mutating reports whether the tool can change files or run commands.
func (t Tool) Mutating() bool {
	return t.Kind == KindWrite || t.Kind == KindShell
}

// UnknownToolError is returned when an allow-list names an undeclared tool.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool: %s", e.Name)
}

// Registry holds tool declarations. It is mutable until Freeze is called
// and safe for concurrent readers afterwards.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	frozen bool
}

// NewRegistry creates a registry pre-populated with the built-in tools.
func NewRegistry() *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range builtins() {
		r.tools[t.Name] = t
	}
	return r
}

// Register adds a custom tool. Registration fails once the registry is frozen.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("registry is frozen, cannot register %q", t.Name)
	}
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("tool name is required")
	}
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tool %q already registered", t.Name)
	}
	if t.Kind == "" {
		t.Kind = KindRead
	}
	if t.Parameters == nil {
		t.Parameters = objectSchema(nil)
	}
	t.Custom = true
	r.tools[t.Name] = t
	return nil
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Frozen reports whether Freeze has been called.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Get returns the declaration for name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Has reports whether name is declared.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns all declared tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the declarations for an allow-list, preserving its order.
// Duplicates are collapsed. Any undeclared name yields *UnknownToolError.
func (r *Registry) Resolve(allowed []string) ([]Tool, error) {
	seen := make(map[string]bool, len(allowed))
	out := make([]Tool, 0, len(allowed))
	for _, name := range allowed {
		if seen[name] {
			continue
		}
		seen[name] = true
		t, ok := r.Get(name)
		if !ok {
			return nil, &UnknownToolError{Name: name}
		}
		out = append(out, t)
	}
	return out, nil
}

// KindOf returns the kind of a declared tool, or "" when unknown.
func (r *Registry) KindOf(name string) Kind {
	t, ok := r.Get(name)
	if !ok {
		return ""
	}
	return t.Kind
}

func builtins() []Tool {
	return []Tool{
		{
			Name:        Read,
			Description: "Read a file from the workspace",
			Kind:        KindRead,
			Parameters: objectSchema(map[string]interface{}{
				"file_path": stringProp("Absolute path of the file to read"),
				"offset":    numberProp("Line to start reading from"),
				"limit":     numberProp("Number of lines to read"),
			}, "file_path"),
		},
		{
			Name:        Glob,
			Description: "Find files matching a glob pattern",
			Kind:        KindRead,
			Parameters: objectSchema(map[string]interface{}{
				"pattern": stringProp("Glob pattern, e.g. **/*.go"),
				"path":    stringProp("Directory to search in"),
			}, "pattern"),
		},
		{
			Name:        Grep,
			Description: "Search file contents with a regular expression",
			Kind:        KindRead,
			Parameters: objectSchema(map[string]interface{}{
				"pattern": stringProp("Regular expression to search for"),
				"path":    stringProp("File or directory to search in"),
				"glob":    stringProp("Glob filter for file names"),
			}, "pattern"),
		},
		{
			Name:        Write,
			Description: "Write a file in the workspace",
			Kind:        KindWrite,
			Parameters: objectSchema(map[string]interface{}{
				"file_path": stringProp("Absolute path of the file to write"),
				"content":   stringProp("Full file content"),
			}, "file_path", "content"),
		},
		{
			Name:        Edit,
			Description: "Replace text in a file",
			Kind:        KindWrite,
			Parameters: objectSchema(map[string]interface{}{
				"file_path":  stringProp("Absolute path of the file to edit"),
				"old_string": stringProp("Text to replace"),
				"new_string": stringProp("Replacement text"),
			}, "file_path", "old_string", "new_string"),
		},
		{
			Name:        Bash,
			Description: "Run a shell command",
			Kind:        KindShell,
			Parameters: objectSchema(map[string]interface{}{
				"command": stringProp("Command line to execute"),
				"timeout": numberProp("Timeout in milliseconds"),
			}, "command"),
		},
		{
			Name:        Task,
			Description: "Delegate a sub-task to a named specialist agent",
			Kind:        KindDelegate,
			Parameters: objectSchema(map[string]interface{}{
				"subagent_type": stringProp("Name of the agent to delegate to"),
				"description":   stringProp("Short description of the sub-task"),
				"prompt":        stringProp("Instructions for the agent"),
			}, "subagent_type", "prompt"),
		},
	}
}

func objectSchema(props map[string]interface{}, required ...string) map[string]interface{} {
	if props == nil {
		props = map[string]interface{}{}
	}
	schema := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringProp(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": desc}
}

func numberProp(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "number", "description": desc}
}
