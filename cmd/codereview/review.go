package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/vinayprograms/codereview/internal/config"
	"github.com/vinayprograms/codereview/internal/policy"
	"github.com/vinayprograms/codereview/internal/render"
	"github.com/vinayprograms/codereview/internal/review"
	"github.com/vinayprograms/codereview/internal/session"
)

// errReviewFailed is returned after a failed review has been reported.
var errReviewFailed = errors.New("review failed")

// loadConfig loads path, or codereview.toml from the working directory.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.LoadDefault()
}

// Run implements the review command.
func (c *ReviewCmd) Run() error {
	cfg, err := loadConfig(c.Config)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	c.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	opts, err := reviewOptions(cfg)
	if err != nil {
		return err
	}
	if abs, err := filepath.Abs(c.Dir); err == nil {
		opts.WorkDir = abs
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt := newRuntime(cfg)
	defer rt.cleanup()
	if err := rt.setup(ctx); err != nil {
		return err
	}

	printer := render.NewPrinter(os.Stdout, render.WithWidth(c.Width), render.WithVerbose(c.Verbose))
	wf := &review.Workflow{
		Executor:  rt.exec,
		Resumer:   &session.Resumer{},
		Options:   opts,
		OnMessage: printer.Message,
	}

	printer.Start(c.Dir)
	out, err := wf.Run(ctx, c.Dir)
	if err != nil {
		return err
	}
	printer.Report(out.Review, out.Verdict.Result, out.Verdict.Err)
	if !opts.SkipRemediation {
		printer.RemediationSummary(out.Remediation)
	}
	if rt.store != nil && c.Verbose {
		fmt.Fprintf(os.Stderr, "transcripts: %s\n", rt.store.Dir())
	}
	if out.Verdict.Err != nil {
		return errReviewFailed
	}
	return nil
}

// apply copies command-line overrides into cfg.
func (c *ReviewCmd) apply(cfg *config.Config) {
	if len(c.Script) > 0 {
		cfg.Backend.Kind = config.BackendScript
		cfg.Backend.Scripts = c.Script
	}
	if c.Model != "" {
		cfg.Review.Model = c.Model
	}
	if c.MaxTurns > 0 {
		cfg.Review.MaxTurns = c.MaxTurns
		cfg.Remediation.MaxTurns = c.MaxTurns
	}
	if c.MaxBudget > 0 {
		cfg.Review.MaxBudgetUSD = c.MaxBudget
	}
	if c.PermissionMode != "" {
		cfg.Review.PermissionMode = c.PermissionMode
	}
	if len(c.Agent) > 0 {
		cfg.Review.Agents = c.Agent
	}
	if c.NoRemediation {
		cfg.Remediation.Enabled = false
	}
	if c.Prompt != "" {
		cfg.Remediation.Prompt = c.Prompt
	}
}

// reviewOptions maps configuration onto workflow options.
func reviewOptions(cfg *config.Config) (review.Options, error) {
	mode, err := policy.ParseMode(cfg.Review.PermissionMode)
	if err != nil {
		return review.Options{}, err
	}
	opts := review.DefaultOptions()
	opts.AllowedTools = cfg.Review.AllowedTools
	opts.PermissionMode = mode
	opts.MaxTurns = cfg.Review.MaxTurns
	opts.MaxBudgetUSD = cfg.Review.MaxBudgetUSD
	opts.Model = cfg.Review.Model
	opts.Agents = cfg.Review.Agents
	opts.RemediationPrompt = cfg.Remediation.Prompt
	if len(cfg.Remediation.AllowedTools) > 0 {
		opts.RemediationTools = cfg.Remediation.AllowedTools
	}
	opts.RemediationTurns = cfg.Remediation.MaxTurns
	opts.SkipRemediation = !cfg.Remediation.Enabled
	return opts, nil
}
