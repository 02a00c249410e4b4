// Package main is the entry point for the codereview CLI.
package main

import (
	"fmt"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
)

// Build-time variables (set via ldflags)
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func init() {
	// Load .env for backend credentials and settings
	_ = godotenv.Load()
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("codereview"),
		kong.Description("Agent-driven code review with policy-gated tools."),
		kong.UsageOnError(),
		kongVars(),
	)
	ctx.FatalIfErrorf(ctx.Run())
}

// Run implements the version command.
func (c *VersionCmd) Run() error {
	fmt.Printf("codereview version %s (commit: %s, built: %s)\n", version, commit, buildTime)
	return nil
}
