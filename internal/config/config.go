// Package config provides configuration loading and management.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/vinayprograms/codereview/internal/hooks"
	"github.com/vinayprograms/codereview/internal/policy"
)

// DefaultFile is the config file looked up in the working directory.
const DefaultFile = "codereview.toml"

// Hook types.
const (
	HookAudit      = "audit"
	HookShellGuard = "shell_guard"
	HookPathDeny   = "path_deny"
	HookRego       = "rego"
	HookReadOnly   = "read_only"
)

// Backend kinds.
const (
	BackendProcess = "process"
	BackendScript  = "script"
)

// Audit sinks.
const (
	SinkLog  = "log"
	SinkFile = "file"
	SinkNATS = "nats"
)

// Config represents the codereview configuration.
type Config struct {
	Review      ReviewConfig          `toml:"review"`
	Remediation RemediationConfig     `toml:"remediation"`
	Agents      AgentsConfig          `toml:"agents"`
	Tools       map[string]ToolConfig `toml:"tools"` // extra tools the backend provides
	Hooks       []HookConfig          `toml:"hooks"`
	Policy      PolicyConfig          `toml:"policy"`
	Backend     BackendConfig         `toml:"backend"`
	Audit       AuditConfig           `toml:"audit"`
	Storage     StorageConfig         `toml:"storage"`
	Telemetry   TelemetryConfig       `toml:"telemetry"`
}

// ReviewConfig contains settings for the review stage.
type ReviewConfig struct {
	AllowedTools   []string `toml:"allowed_tools"`
	PermissionMode string   `toml:"permission_mode"` // default, acceptEdits, bypassPermissions, plan
	MaxTurns       int      `toml:"max_turns"`
	MaxBudgetUSD   float64  `toml:"max_budget_usd"` // 0 = unlimited
	Model          string   `toml:"model"`
	Agents         []string `toml:"agents"` // sub-agents to offer; empty offers all
}

// RemediationConfig contains settings for the resumed remediation stage.
type RemediationConfig struct {
	Enabled      bool     `toml:"enabled"`
	Prompt       string   `toml:"prompt"`
	AllowedTools []string `toml:"allowed_tools"`
	MaxTurns     int      `toml:"max_turns"`
}

// AgentsConfig contains sub-agent settings.
type AgentsConfig struct {
	Builtin bool                   `toml:"builtin"` // include security-reviewer and test-analyzer
	Dir     string                 `toml:"dir"`     // directory of *.md agent definitions
	Define  map[string]AgentConfig `toml:"define"`  // inline definitions
}

// AgentConfig is an inline sub-agent definition.
type AgentConfig struct {
	Description string   `toml:"description"`
	Tools       []string `toml:"tools"`
	Model       string   `toml:"model"` // inherit, haiku, sonnet, opus
	Prompt      string   `toml:"prompt"`
}

// ToolConfig declares a custom tool.
type ToolConfig struct {
	Description string `toml:"description"`
	Kind        string `toml:"kind"` // read, write, shell
}

// HookConfig registers one interceptor.
type HookConfig struct {
	Event    string   `toml:"event"`   // PreToolUse
	Matcher  string   `toml:"matcher"` // tool name, A|B, or empty for all
	Type     string   `toml:"type"`    // audit, shell_guard, path_deny, rego, read_only
	Patterns []string `toml:"patterns,omitempty"`
	Message  string   `toml:"message,omitempty"`
	Tools    []string `toml:"tools,omitempty"`     // path_deny: tools the rule applies to
	RegoFile string   `toml:"rego_file,omitempty"` // rego: policy file, empty for the built-in policy
}

// PolicyConfig contains the mandatory guards applied to every tool call.
type PolicyConfig struct {
	DenyWritePatterns []string `toml:"deny_write_patterns"`
	DenyMessage       string   `toml:"deny_message"`
	RegoFile          string   `toml:"rego_file"` // optional Rego guard
}

// BackendConfig selects the agent runtime.
type BackendConfig struct {
	Kind    string   `toml:"kind"` // process or script
	Command string   `toml:"command"`
	Args    []string `toml:"args"`
	Env     []string `toml:"env"`
	Scripts []string `toml:"scripts"` // NDJSON files, one per conversation
}

// AuditConfig selects where tool-use audit entries go.
type AuditConfig struct {
	Sinks   []string `toml:"sinks"` // log, file, nats
	Path    string   `toml:"path"`
	NATSURL string   `toml:"nats_url"`
	Subject string   `toml:"subject"`
}

// StorageConfig contains persistent storage settings.
type StorageConfig struct {
	Path        string `toml:"path"`        // base directory for persistent data
	Transcripts bool   `toml:"transcripts"` // keep conversation transcripts
}

// TelemetryConfig contains telemetry settings.
type TelemetryConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"` // OTLP endpoint (e.g., localhost:4317)
	Protocol string `toml:"protocol"` // grpc, http or noop
}

// New creates a new config with defaults.
func New() *Config {
	return &Config{
		Review: ReviewConfig{
			AllowedTools:   []string{"Read", "Glob", "Grep", "Task"},
			PermissionMode: string(policy.ModeBypass),
			MaxTurns:       250,
		},
		Remediation: RemediationConfig{
			Enabled:      true,
			AllowedTools: []string{"Read", "Glob", "Grep"},
			MaxTurns:     250,
		},
		Agents: AgentsConfig{
			Builtin: true,
		},
		Hooks: []HookConfig{
			{Event: string(hooks.PreToolUse), Type: HookAudit},
			{Event: string(hooks.PreToolUse), Matcher: "Bash", Type: HookShellGuard},
		},
		Policy: PolicyConfig{
			DenyWritePatterns: []string{policy.DefaultDenyPattern},
			DenyMessage:       policy.DefaultDenyMessage,
		},
		Backend: BackendConfig{
			Kind: BackendProcess,
		},
		Audit: AuditConfig{
			Sinks:   []string{SinkLog},
			Subject: "codereview.audit",
		},
		Storage: StorageConfig{
			Path:        "~/.local/codereview",
			Transcripts: true,
		},
		Telemetry: TelemetryConfig{
			Protocol: "noop",
		},
	}
}

// Default returns a default configuration.
func Default() *Config {
	return New()
}

// LoadFile loads configuration from a TOML file. Keys present in the file
// replace the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	// A [[hooks]] array replaces the default chain rather than extending it.
	if md.IsDefined("hooks") {
		var only struct {
			Hooks []HookConfig `toml:"hooks"`
		}
		if _, err := toml.DecodeFile(path, &only); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		cfg.Hooks = only.Hooks
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	return cfg, nil
}

// LoadDefault loads codereview.toml from the current directory, falling back
// to defaults when the file does not exist.
func LoadDefault() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}
	path := filepath.Join(cwd, DefaultFile)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return New(), nil
	}
	return LoadFile(path)
}

// Validate checks values that cannot be caught by decoding.
func (c *Config) Validate() error {
	var errs []error
	if _, err := policy.ParseMode(c.Review.PermissionMode); err != nil {
		errs = append(errs, fmt.Errorf("review.permission_mode: %w", err))
	}
	if c.Review.MaxTurns <= 0 {
		errs = append(errs, fmt.Errorf("review.max_turns must be positive"))
	}
	if c.Review.MaxBudgetUSD < 0 {
		errs = append(errs, fmt.Errorf("review.max_budget_usd must not be negative"))
	}
	if len(c.Review.AllowedTools) == 0 {
		errs = append(errs, fmt.Errorf("review.allowed_tools is empty"))
	}
	if c.Remediation.Enabled && c.Remediation.MaxTurns < 0 {
		errs = append(errs, fmt.Errorf("remediation.max_turns must not be negative"))
	}

	for i, h := range c.Hooks {
		if _, ok := hooks.ParseEvent(h.Event); !ok {
			errs = append(errs, fmt.Errorf("hooks[%d]: unknown event %q", i, h.Event))
		}
		switch h.Type {
		case HookAudit, HookShellGuard, HookRego, HookReadOnly:
		case HookPathDeny:
			if len(h.Patterns) == 0 {
				errs = append(errs, fmt.Errorf("hooks[%d]: path_deny needs patterns", i))
			}
		default:
			errs = append(errs, fmt.Errorf("hooks[%d]: unknown type %q", i, h.Type))
		}
	}

	switch c.Backend.Kind {
	case BackendProcess:
		if c.Backend.Command == "" {
			errs = append(errs, fmt.Errorf("backend.command is required for the process backend"))
		}
	case BackendScript:
		if len(c.Backend.Scripts) == 0 {
			errs = append(errs, fmt.Errorf("backend.scripts is required for the script backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("backend.kind: unknown kind %q", c.Backend.Kind))
	}

	for _, s := range c.Audit.Sinks {
		switch s {
		case SinkLog:
		case SinkFile:
			if c.Audit.Path == "" {
				errs = append(errs, fmt.Errorf("audit.path is required for the file sink"))
			}
		case SinkNATS:
			if c.Audit.NATSURL == "" {
				errs = append(errs, fmt.Errorf("audit.nats_url is required for the nats sink"))
			}
		default:
			errs = append(errs, fmt.Errorf("audit.sinks: unknown sink %q", s))
		}
	}

	for name, t := range c.Tools {
		switch t.Kind {
		case "", "read", "write", "shell":
		default:
			errs = append(errs, fmt.Errorf("tools.%s: unknown kind %q", name, t.Kind))
		}
	}
	return errors.Join(errs...)
}

// StoragePath returns the storage directory with ~ expanded.
func (c *Config) StoragePath() string {
	return ExpandPath(c.Storage.Path)
}

// ExpandPath expands a leading ~ to the home directory.
func ExpandPath(p string) string {
	if p == "" || p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[1:])
}
