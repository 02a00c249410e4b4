package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vinayprograms/codereview/internal/config"
	"github.com/vinayprograms/codereview/internal/render"
	"github.com/vinayprograms/codereview/internal/session"
)

// Run implements the replay command.
func (c *ReplayCmd) Run() error {
	path, err := c.resolve()
	if err != nil {
		return err
	}
	return render.NewReplayer(os.Stdout, c.Verbose).ReplayFile(path)
}

// resolve returns the transcript path. An argument that is not a file is
// treated as a transcript id in the storage directory.
func (c *ReplayCmd) resolve() (string, error) {
	if _, err := os.Stat(c.Transcript); err == nil {
		return c.Transcript, nil
	}
	cfg, err := loadConfig(c.Config)
	if err != nil {
		return "", fmt.Errorf("error loading config: %w", err)
	}
	rt := newRuntime(cfg)
	path := filepath.Join(rt.transcriptPath, c.Transcript+".jsonl")
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("transcript %q not found", c.Transcript)
	}
	return path, nil
}

// Run implements the transcripts command.
func (c *TranscriptsCmd) Run() error {
	cfg, err := loadConfig(c.Config)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	rt := newRuntime(cfg)
	store, err := session.NewFileStore(rt.transcriptPath)
	if err != nil {
		return err
	}
	ids, err := store.List()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("no transcripts")
		return nil
	}
	for _, id := range ids {
		t, err := store.Load(id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: %s: %v\n", id, err)
			continue
		}
		fmt.Printf("%s  %-12s %-16s session=%s  $%.4f\n",
			id, t.Name, t.Outcome, t.SessionID, t.CostUSD)
	}
	return nil
}

// Run implements the validate command.
func (c *ValidateCmd) Run() error {
	cfg, err := config.LoadFile(c.File)
	if err != nil {
		return fmt.Errorf("✗ Error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("✗ Error: %w", err)
	}
	// Compile what can be checked offline: tools, agents and policies.
	rt := newRuntime(cfg)
	if err := rt.setupRegistry(); err != nil {
		return fmt.Errorf("✗ Error: %w", err)
	}
	if err := rt.setupAgents(); err != nil {
		return fmt.Errorf("✗ Error: %w", err)
	}
	if err := rt.setupPipeline(context.Background()); err != nil {
		return fmt.Errorf("✗ Error: %w", err)
	}
	fmt.Println("✓ Valid")
	return nil
}
