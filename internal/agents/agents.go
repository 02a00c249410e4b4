// Package agents holds the specialist sub-agents a review may delegate to.
//
// Definitions are plain markdown files with YAML frontmatter:
//
//	---
//	name: security-reviewer
//	description: Security vulnerability specialist
//	tools: Read, Grep, Glob
//	model: sonnet
//	---
//	You are a security expert...
//
// The body becomes the agent's system prompt.
package agents

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vinayprograms/codereview/internal/tools"
)

// ModelTier selects the model family a sub-agent runs on.
type ModelTier string

const (
	ModelInherit ModelTier = "inherit"
	ModelHaiku   ModelTier = "haiku"
	ModelSonnet  ModelTier = "sonnet"
	ModelOpus    ModelTier = "opus"
)

// ParseModelTier validates a tier name. Empty means inherit.
func ParseModelTier(s string) (ModelTier, error) {
	switch ModelTier(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModelInherit:
		return ModelInherit, nil
	case ModelHaiku:
		return ModelHaiku, nil
	case ModelSonnet:
		return ModelSonnet, nil
	case ModelOpus:
		return ModelOpus, nil
	}
	return "", fmt.Errorf("unknown model tier %q", s)
}

// ToolList accepts either a YAML sequence or a comma-separated string.
type ToolList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *ToolList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*l = items
	case yaml.ScalarNode:
		var items []string
		for _, part := range strings.Split(node.Value, ",") {
			if p := strings.TrimSpace(part); p != "" {
				items = append(items, p)
			}
		}
		*l = items
	default:
		return fmt.Errorf("tools must be a list or comma-separated string")
	}
	return nil
}

// Definition describes one specialist agent.
type Definition struct {
	Name        string    `yaml:"name" json:"-"`
	Description string    `yaml:"description" json:"description"`
	Tools       ToolList  `yaml:"tools" json:"tools,omitempty"`
	Model       ModelTier `yaml:"model" json:"model,omitempty"`
	Prompt      string    `yaml:"-" json:"prompt"`

	Path string `yaml:"-" json:"-"`
}

// Validate checks the definition in isolation.
func (d *Definition) Validate() error {
	if err := validateName(d.Name); err != nil {
		return fmt.Errorf("agent %q: %w", d.Name, err)
	}
	if strings.TrimSpace(d.Description) == "" {
		return fmt.Errorf("agent %q: missing required field: description", d.Name)
	}
	if strings.TrimSpace(d.Prompt) == "" {
		return fmt.Errorf("agent %q: missing system prompt", d.Name)
	}
	tier, err := ParseModelTier(string(d.Model))
	if err != nil {
		return fmt.Errorf("agent %q: %w", d.Name, err)
	}
	d.Model = tier
	return nil
}

// Parse parses an agent markdown file.
func Parse(content string) (*Definition, error) {
	frontmatter, body, err := splitFrontmatter(content)
	if err != nil {
		return nil, err
	}

	def := &Definition{}
	if err := yaml.Unmarshal([]byte(frontmatter), def); err != nil {
		return nil, fmt.Errorf("invalid frontmatter: %w", err)
	}
	if def.Name == "" {
		return nil, fmt.Errorf("missing required field: name")
	}
	def.Prompt = strings.TrimSpace(body)

	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// Load reads a single agent file.
func Load(path string) (*Definition, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent file: %w", err)
	}
	def, err := Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	def.Path = path
	return def, nil
}

// LoadDir loads every *.md file in dir. A missing directory yields no agents.
func LoadDir(dir string) ([]Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var defs []Definition
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		def, err := Load(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		defs = append(defs, *def)
	}
	return defs, nil
}

// splitFrontmatter extracts YAML frontmatter from markdown.
func splitFrontmatter(content string) (frontmatter, body string, err error) {
	lines := strings.Split(content, "\n")

	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return "", "", fmt.Errorf("missing frontmatter delimiter")
	}

	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			return strings.Join(lines[1:i], "\n"), strings.Join(lines[i+1:], "\n"), nil
		}
	}
	return "", "", fmt.Errorf("unclosed frontmatter")
}

// validateName enforces lowercase kebab-case names.
func validateName(name string) error {
	if len(name) == 0 || len(name) > 64 {
		return fmt.Errorf("name must be 1-64 characters")
	}
	if strings.HasPrefix(name, "-") || strings.HasSuffix(name, "-") {
		return fmt.Errorf("name cannot start or end with hyphen")
	}
	if strings.Contains(name, "--") {
		return fmt.Errorf("name cannot contain consecutive hyphens")
	}
	for _, r := range name {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-') {
			return fmt.Errorf("name can only contain lowercase letters, numbers, and hyphens")
		}
	}
	return nil
}

// Registry is an immutable name → Definition mapping.
type Registry struct {
	defs map[string]Definition
}

// NewRegistry validates defs and builds a registry.
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{defs: make(map[string]Definition, len(defs))}
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.defs[d.Name]; dup {
			return nil, fmt.Errorf("duplicate agent %q", d.Name)
		}
		d.Tools = append(ToolList(nil), d.Tools...)
		r.defs[d.Name] = d
	}
	return r, nil
}

// Len returns the number of agents.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.defs)
}

// Get returns a copy of the named definition.
func (r *Registry) Get(name string) (Definition, bool) {
	if r == nil {
		return Definition{}, false
	}
	d, ok := r.defs[name]
	if ok {
		d.Tools = append(ToolList(nil), d.Tools...)
	}
	return d, ok
}

// Names returns agent names in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.defs))
	for n := range r.defs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Definitions returns copies of all definitions sorted by name.
func (r *Registry) Definitions() []Definition {
	var out []Definition
	for _, n := range r.Names() {
		d, _ := r.Get(n)
		out = append(out, d)
	}
	return out
}

// Validate checks every agent's tools against the tool registry. Agents may
// not delegate further.
func (r *Registry) Validate(reg *tools.Registry) error {
	for _, d := range r.Definitions() {
		for _, t := range d.Tools {
			if !reg.Has(t) {
				return fmt.Errorf("agent %q: %w", d.Name, &tools.UnknownToolError{Name: t})
			}
			if reg.KindOf(t) == tools.KindDelegate {
				return fmt.Errorf("agent %q: sub-agents cannot use the delegation tool %s", d.Name, t)
			}
		}
	}
	return nil
}
