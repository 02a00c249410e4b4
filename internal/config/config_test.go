package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vinayprograms/codereview/internal/policy"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), DefaultFile)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestNew_Defaults(t *testing.T) {
	cfg := New()
	if cfg.Review.MaxTurns != 250 || cfg.Review.PermissionMode != string(policy.ModeBypass) {
		t.Errorf("unexpected review defaults %+v", cfg.Review)
	}
	if len(cfg.Hooks) != 2 || cfg.Hooks[1].Type != HookShellGuard || cfg.Hooks[1].Matcher != "Bash" {
		t.Errorf("unexpected default hooks %+v", cfg.Hooks)
	}
	if len(cfg.Policy.DenyWritePatterns) != 1 || cfg.Policy.DenyWritePatterns[0] != ".env" {
		t.Errorf("unexpected policy defaults %+v", cfg.Policy)
	}
	if !cfg.Remediation.Enabled || !cfg.Agents.Builtin {
		t.Error("remediation and builtin agents should be on by default")
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
[review]
max_turns = 40
max_budget_usd = 1.5
agents = ["security-reviewer"]

[remediation]
prompt = "Fix the worst one."

[agents.define.style-checker]
description = "Checks naming and formatting."
tools = ["Read", "Grep"]
prompt = "You check style."

[[hooks]]
event = "PreToolUse"
matcher = "Write|Edit"
type = "path_deny"
patterns = ["*.pem"]

[backend]
kind = "script"
scripts = ["review.ndjson"]

[audit]
sinks = ["log", "file"]
path = "/tmp/audit.jsonl"

[tools.Lint]
description = "Run the linter"
kind = "shell"
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile error: %v", err)
	}
	if cfg.Review.MaxTurns != 40 || cfg.Review.MaxBudgetUSD != 1.5 {
		t.Errorf("unexpected review %+v", cfg.Review)
	}
	// Unset keys keep their defaults.
	if cfg.Review.PermissionMode != string(policy.ModeBypass) || cfg.Remediation.MaxTurns != 250 {
		t.Errorf("defaults lost: %+v %+v", cfg.Review, cfg.Remediation)
	}
	if cfg.Remediation.Prompt != "Fix the worst one." {
		t.Errorf("unexpected prompt %q", cfg.Remediation.Prompt)
	}
	if d, ok := cfg.Agents.Define["style-checker"]; !ok || len(d.Tools) != 2 {
		t.Errorf("unexpected agents %+v", cfg.Agents)
	}
	if len(cfg.Hooks) != 1 || cfg.Hooks[0].Type != HookPathDeny || cfg.Hooks[0].Patterns[0] != "*.pem" {
		t.Errorf("hooks should replace the defaults, got %+v", cfg.Hooks)
	}
	if cfg.Tools["Lint"].Kind != "shell" {
		t.Errorf("unexpected tools %+v", cfg.Tools)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate error: %v", err)
	}
}

func TestLoadFile_Errors(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := LoadFile(writeConfig(t, "[review\n")); err == nil || !strings.Contains(err.Error(), "failed to parse config") {
		t.Errorf("expected parse error, got %v", err)
	}
	_, err := LoadFile(writeConfig(t, "[review]\nmax_turn = 3\n"))
	if err == nil || !strings.Contains(err.Error(), "review.max_turn") {
		t.Errorf("expected unknown key error, got %v", err)
	}
}

func TestLoadDefault(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	cfg, err := LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault error: %v", err)
	}
	if cfg.Review.MaxTurns != 250 {
		t.Errorf("expected defaults, got %+v", cfg.Review)
	}

	if err := os.WriteFile(filepath.Join(dir, DefaultFile), []byte("[review]\nmax_turns = 7\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault error: %v", err)
	}
	if cfg.Review.MaxTurns != 7 {
		t.Errorf("expected 7, got %d", cfg.Review.MaxTurns)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad mode", func(c *Config) { c.Review.PermissionMode = "yolo" }, "permission_mode"},
		{"zero turns", func(c *Config) { c.Review.MaxTurns = 0 }, "max_turns"},
		{"negative budget", func(c *Config) { c.Review.MaxBudgetUSD = -1 }, "max_budget_usd"},
		{"no tools", func(c *Config) { c.Review.AllowedTools = nil }, "allowed_tools"},
		{"bad event", func(c *Config) { c.Hooks[0].Event = "PostToolUse" }, "unknown event"},
		{"bad hook type", func(c *Config) { c.Hooks[0].Type = "webhook" }, "unknown type"},
		{"path_deny without patterns", func(c *Config) { c.Hooks[0].Type = HookPathDeny }, "needs patterns"},
		{"process without command", func(c *Config) { c.Backend.Command = "" }, "backend.command"},
		{"script without scripts", func(c *Config) { c.Backend.Kind = BackendScript }, "backend.scripts"},
		{"bad backend", func(c *Config) { c.Backend.Kind = "http" }, "backend.kind"},
		{"file sink without path", func(c *Config) { c.Audit.Sinks = []string{SinkFile} }, "audit.path"},
		{"nats sink without url", func(c *Config) { c.Audit.Sinks = []string{SinkNATS} }, "audit.nats_url"},
		{"bad sink", func(c *Config) { c.Audit.Sinks = []string{"syslog"} }, "unknown sink"},
		{"bad tool kind", func(c *Config) { c.Tools = map[string]ToolConfig{"X": {Kind: "network"}} }, "tools.X"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := New()
			cfg.Backend.Command = "agent-runtime"
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}

	cfg := New()
	cfg.Backend.Command = "agent-runtime"
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults with a command should validate: %v", err)
	}
	cfg.Hooks = append(cfg.Hooks, HookConfig{Event: "PreToolUse", Type: HookReadOnly})
	if err := cfg.Validate(); err != nil {
		t.Errorf("read_only hook should validate: %v", err)
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()
	if got := ExpandPath("~/data"); got != filepath.Join(home, "data") {
		t.Errorf("unexpected expansion %q", got)
	}
	if got := ExpandPath("/abs"); got != "/abs" {
		t.Errorf("absolute path changed: %q", got)
	}
	cfg := New()
	if cfg.StoragePath() != filepath.Join(home, ".local", "codereview") {
		t.Errorf("unexpected storage path %q", cfg.StoragePath())
	}
}
