// Package main defines the CLI structure using kong.
package main

import "github.com/alecthomas/kong"

// CLI defines the command-line interface.
type CLI struct {
	Review      ReviewCmd      `cmd:"" help:"Review a directory and suggest a fix for the worst issue"`
	Replay      ReplayCmd      `cmd:"" help:"Replay a stored conversation transcript"`
	Transcripts TranscriptsCmd `cmd:"" help:"List stored transcripts"`
	Validate    ValidateCmd    `cmd:"" help:"Validate a config file"`
	Version     VersionCmd     `cmd:"" help:"Show version information"`
}

// ReviewCmd runs the two-stage review.
type ReviewCmd struct {
	Dir            string   `arg:"" optional:"" default:"." help:"Directory to review"`
	Config         string   `short:"c" help:"Config file path (default: ./codereview.toml)"`
	Script         []string `help:"Replay NDJSON event scripts instead of running the agent runtime (repeatable, one per stage)" placeholder:"FILE"`
	Model          string   `help:"Model override"`
	MaxTurns       int      `help:"Maximum turns per stage (overrides config)"`
	MaxBudget      float64  `help:"Maximum spend in USD per stage (overrides config)"`
	PermissionMode string   `help:"Permission mode: default, acceptEdits, bypassPermissions, plan"`
	Agent          []string `help:"Sub-agents to offer (repeatable, default: all)"`
	NoRemediation  bool     `help:"Skip the remediation stage"`
	Prompt         string   `help:"Remediation prompt"`
	Verbose        bool     `short:"v" help:"Show every tool decision"`
	Width          int      `default:"100" help:"Wrap width for model text (0 disables wrapping)"`
}

// ReplayCmd replays a transcript.
type ReplayCmd struct {
	Transcript string `arg:"" help:"Transcript file, or an id in the storage directory"`
	Config     string `short:"c" help:"Config file path"`
	Verbose    int    `short:"v" type:"counter" help:"Verbosity level (-v, -vv)"`
}

// TranscriptsCmd lists stored transcripts.
type TranscriptsCmd struct {
	Config string `short:"c" help:"Config file path"`
}

// ValidateCmd validates a config file.
type ValidateCmd struct {
	File string `arg:"" optional:"" default:"codereview.toml" help:"Config file path"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

// kongVars returns variables for kong (version info).
func kongVars() kong.Vars {
	return kong.Vars{
		"version": version,
	}
}
