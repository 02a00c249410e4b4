// Package main provides runtime wiring for reviews.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/vinayprograms/agentkit/logging"
	"github.com/vinayprograms/agentkit/telemetry"

	"github.com/vinayprograms/codereview/internal/agents"
	"github.com/vinayprograms/codereview/internal/audit"
	"github.com/vinayprograms/codereview/internal/backend"
	"github.com/vinayprograms/codereview/internal/config"
	"github.com/vinayprograms/codereview/internal/executor"
	"github.com/vinayprograms/codereview/internal/hooks"
	"github.com/vinayprograms/codereview/internal/policy"
	"github.com/vinayprograms/codereview/internal/session"
	"github.com/vinayprograms/codereview/internal/tools"
)

// runtime assembles the components of a review from configuration.
type runtime struct {
	cfg *config.Config

	// Components
	registry  *tools.Registry
	agents    *agents.Registry
	auditSink hooks.AuditSink
	pipeline  *hooks.Pipeline
	backend   backend.Backend
	store     *session.FileStore
	telem     telemetry.Exporter
	exec      *executor.Executor

	// Storage
	storagePath    string
	transcriptPath string

	logger *logging.Logger

	// Cleanup
	closers []func()
}

// newRuntime creates a runtime from loaded configuration.
func newRuntime(cfg *config.Config) *runtime {
	rt := &runtime{
		cfg:    cfg,
		logger: logging.New().WithComponent("runtime"),
	}
	rt.resolveStoragePath()
	return rt
}

// resolveStoragePath sets up storage and transcript paths.
func (rt *runtime) resolveStoragePath() {
	rt.storagePath = rt.cfg.Storage.Path
	if rt.storagePath == "" {
		home, _ := os.UserHomeDir()
		rt.storagePath = filepath.Join(home, ".local", "codereview")
	}
	rt.storagePath = config.ExpandPath(rt.storagePath)
	rt.transcriptPath = filepath.Join(rt.storagePath, "transcripts")
}

// setup initializes all runtime components. On error the components created
// so far are still released by cleanup.
func (rt *runtime) setup(ctx context.Context) error {
	if err := rt.setupTelemetry(); err != nil {
		return err
	}
	if err := rt.setupRegistry(); err != nil {
		return err
	}
	if err := rt.setupAgents(); err != nil {
		return err
	}
	if err := rt.setupAudit(); err != nil {
		return err
	}
	if err := rt.setupPipeline(ctx); err != nil {
		return err
	}
	if err := rt.setupBackend(); err != nil {
		return err
	}
	if err := rt.setupStore(); err != nil {
		return err
	}
	rt.createExecutor()
	rt.setupCallbacks()
	return nil
}

// setupTelemetry creates the telemetry exporter.
func (rt *runtime) setupTelemetry() error {
	var err error
	if rt.cfg.Telemetry.Enabled {
		rt.telem, err = telemetry.NewExporter(rt.cfg.Telemetry.Protocol, rt.cfg.Telemetry.Endpoint)
		if err != nil {
			return fmt.Errorf("creating telemetry exporter: %w", err)
		}
	} else {
		rt.telem = telemetry.NewNoopExporter()
	}
	rt.addCloser(func() { rt.telem.Close() })
	return nil
}

// setupRegistry declares the built-in and configured tools.
func (rt *runtime) setupRegistry() error {
	rt.registry = tools.NewRegistry()

	names := make([]string, 0, len(rt.cfg.Tools))
	for name := range rt.cfg.Tools {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		tc := rt.cfg.Tools[name]
		if err := rt.registry.Register(tools.Tool{
			Name:        name,
			Description: tc.Description,
			Kind:        tools.Kind(tc.Kind),
		}); err != nil {
			return fmt.Errorf("registering tool: %w", err)
		}
	}
	return nil
}

// setupAgents loads sub-agent definitions: built-ins, then the agents
// directory, then inline definitions. Names must be unique across sources.
func (rt *runtime) setupAgents() error {
	var defs []agents.Definition
	if rt.cfg.Agents.Builtin {
		defs = append(defs, agents.Defaults()...)
	}
	if rt.cfg.Agents.Dir != "" {
		loaded, err := agents.LoadDir(config.ExpandPath(rt.cfg.Agents.Dir))
		if err != nil {
			return fmt.Errorf("loading agents: %w", err)
		}
		defs = append(defs, loaded...)
	}
	names := make([]string, 0, len(rt.cfg.Agents.Define))
	for name := range rt.cfg.Agents.Define {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ac := rt.cfg.Agents.Define[name]
		d := agents.Definition{
			Name:        name,
			Description: ac.Description,
			Tools:       agents.ToolList(ac.Tools),
			Model:       agents.ModelTier(ac.Model),
			Prompt:      ac.Prompt,
		}
		if err := d.Validate(); err != nil {
			return err
		}
		defs = append(defs, d)
	}

	reg, err := agents.NewRegistry(defs...)
	if err != nil {
		return err
	}
	if err := reg.Validate(rt.registry); err != nil {
		return err
	}
	rt.agents = reg
	rt.registry.Freeze()
	return nil
}

// setupAudit opens the configured audit sinks.
func (rt *runtime) setupAudit() error {
	var sinks audit.Tee
	for _, name := range rt.cfg.Audit.Sinks {
		switch name {
		case config.SinkLog:
			sinks = append(sinks, audit.NewLogSink(logging.New().WithComponent("audit")))
		case config.SinkFile:
			fs, err := audit.OpenFileSink(config.ExpandPath(rt.cfg.Audit.Path))
			if err != nil {
				return fmt.Errorf("opening audit file: %w", err)
			}
			rt.addCloser(func() { fs.Close() })
			sinks = append(sinks, fs)
		case config.SinkNATS:
			ns, err := audit.DialNATS(rt.cfg.Audit.NATSURL, rt.cfg.Audit.Subject)
			if err != nil {
				return fmt.Errorf("connecting audit sink: %w", err)
			}
			rt.addCloser(func() { ns.Close() })
			sinks = append(sinks, ns)
		default:
			return fmt.Errorf("unknown audit sink %q", name)
		}
	}
	rt.auditSink = sinks
	return nil
}

// setupPipeline builds the mandatory guards and the configured interceptor
// chain.
func (rt *runtime) setupPipeline(ctx context.Context) error {
	rules := []policy.Rule{
		policy.NewShellGuard(rt.registry),
		&policy.ModeRule{Registry: rt.registry},
	}
	if len(rt.cfg.Policy.DenyWritePatterns) > 0 {
		rule := policy.DefaultPathRule()
		rule.Patterns = rt.cfg.Policy.DenyWritePatterns
		rule.Message = rt.cfg.Policy.DenyMessage
		rules = append(rules, rule)
	}
	if rt.cfg.Policy.RegoFile != "" {
		rule, err := policy.LoadRegoRule(ctx, config.ExpandPath(rt.cfg.Policy.RegoFile))
		if err != nil {
			return fmt.Errorf("loading policy: %w", err)
		}
		rules = append(rules, rule)
	}
	rt.pipeline = hooks.NewPipeline(policy.NewGate(rules...))

	for i, hc := range rt.cfg.Hooks {
		event, ok := hooks.ParseEvent(hc.Event)
		if !ok {
			return fmt.Errorf("hooks[%d]: unknown event %q", i, hc.Event)
		}
		h, err := rt.interceptor(ctx, hc)
		if err != nil {
			return fmt.Errorf("hooks[%d]: %w", i, err)
		}
		rt.pipeline.Register(event, hc.Matcher, h)
	}
	return nil
}

// interceptor builds one configured hook.
func (rt *runtime) interceptor(ctx context.Context, hc config.HookConfig) (hooks.Interceptor, error) {
	switch hc.Type {
	case config.HookAudit:
		a := hooks.Audit(rt.auditSink)
		a.OnError = func(err error) {
			rt.logger.Warn("audit write failed", map[string]interface{}{"error": err.Error()})
		}
		return a, nil
	case config.HookShellGuard:
		return hooks.Gate(config.HookShellGuard, policy.NewGate(policy.NewShellGuard(rt.registry, hc.Tools...))), nil
	case config.HookPathDeny:
		rule := policy.DefaultPathRule()
		rule.Patterns = hc.Patterns
		rule.Message = hc.Message
		if len(hc.Tools) > 0 {
			rule.Tools = hc.Tools
		}
		return hooks.Gate(config.HookPathDeny, policy.NewGate(rule)), nil
	case config.HookReadOnly:
		// Read and delegation tools are allowed by this hook; later hooks
		// and the mandatory guards still apply.
		return hooks.Gate(config.HookReadOnly, policy.NewGate(&policy.ReadOnlyRule{Registry: rt.registry})), nil
	case config.HookRego:
		// An empty file selects the built-in policy.
		rule, err := policy.LoadRegoRule(ctx, config.ExpandPath(hc.RegoFile))
		if err != nil {
			return nil, err
		}
		return hooks.Gate(config.HookRego, policy.NewGate(rule)), nil
	}
	return nil, fmt.Errorf("unknown hook type %q", hc.Type)
}

// setupBackend creates the agent runtime backend.
func (rt *runtime) setupBackend() error {
	bc := rt.cfg.Backend
	switch bc.Kind {
	case config.BackendProcess:
		if bc.Command == "" {
			return fmt.Errorf("backend command not configured")
		}
		p := backend.NewProcess(bc.Command, bc.Args...)
		p.Env = bc.Env
		rt.backend = p
	case config.BackendScript:
		scripts := make([]backend.Script, 0, len(bc.Scripts))
		for _, path := range bc.Scripts {
			s, err := backend.LoadScript(config.ExpandPath(path))
			if err != nil {
				return err
			}
			scripts = append(scripts, s)
		}
		rt.backend = backend.NewScripted(scripts...)
	default:
		return fmt.Errorf("unknown backend kind %q", bc.Kind)
	}
	return nil
}

// setupStore creates the transcript store when transcripts are kept.
func (rt *runtime) setupStore() error {
	if !rt.cfg.Storage.Transcripts {
		return nil
	}
	store, err := session.NewFileStore(rt.transcriptPath)
	if err != nil {
		return fmt.Errorf("creating storage directory: %w", err)
	}
	rt.store = store
	return nil
}

// createExecutor creates the conversation executor.
func (rt *runtime) createExecutor() {
	opts := []executor.Option{
		executor.WithRegistry(rt.registry),
		executor.WithPipeline(rt.pipeline),
		executor.WithAgents(rt.agents),
	}
	if rt.store != nil {
		opts = append(opts, executor.WithRecorder(rt.store))
	}
	rt.exec = executor.New(rt.backend, opts...)
}

// setupCallbacks forwards delegations and decisions to telemetry.
func (rt *runtime) setupCallbacks() {
	rt.exec.OnDelegation = func(d agents.Delegation) {
		rt.telem.LogEvent("delegation", map[string]interface{}{"agent": d.Agent})
	}
	rt.exec.OnToolDecision = func(req policy.Request, d policy.Decision) {
		rt.telem.LogEvent("tool_decision", map[string]interface{}{
			"tool":       req.ToolName,
			"action":     string(d.Behavior),
			"decided_by": d.Source,
		})
	}
}

// cleanup runs all registered cleanup functions.
func (rt *runtime) cleanup() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

// addCloser registers a cleanup function.
func (rt *runtime) addCloser(fn func()) {
	rt.closers = append(rt.closers, fn)
}
