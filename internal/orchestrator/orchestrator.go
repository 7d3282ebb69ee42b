// Package orchestrator assembles a run: embedded NATS, run history,
// tracker backend, agent runner, MCP tool server, and the loop
// controller, with a graceful multi-component shutdown.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	natsgo "github.com/nats-io/nats.go"

	"github.com/mark3labs/taskloop/internal/agent"
	"github.com/mark3labs/taskloop/internal/config"
	ierr "github.com/mark3labs/taskloop/internal/errors"
	"github.com/mark3labs/taskloop/internal/gate"
	"github.com/mark3labs/taskloop/internal/history"
	"github.com/mark3labs/taskloop/internal/logger"
	"github.com/mark3labs/taskloop/internal/loop"
	"github.com/mark3labs/taskloop/internal/mcpserver"
	"github.com/mark3labs/taskloop/internal/nats"
	"github.com/mark3labs/taskloop/internal/tracker"
	"github.com/mark3labs/taskloop/internal/tracker/github"
	"github.com/mark3labs/taskloop/internal/tracker/local"
)

// Options are the per-invocation knobs layered over the loaded config.
type Options struct {
	RunName           string // Run id hint (default: tracker identity)
	Mode              string // Named mode override (default: loop.mode)
	TemplatePath      string
	ExtraInstructions string
	MaxIterations     int  // >0 overrides the effective config
	WorkDir           string
	NoHistory         bool // Skip embedded NATS and the durable run log

	// OnIteration is forwarded to the loop controller.
	OnIteration func(loop.IterationResult)
	// OnAgentOutput receives the agent's streamed output lines.
	OnAgentOutput func(string)
}

// Lister is the tracker surface the MCP task_list tool needs on top of
// the core contract. Both backends provide it.
type Lister interface {
	tracker.Backend
	ListTasks(ctx context.Context) ([]tracker.Task, error)
}

// Orchestrator owns one run's components from Start to Stop.
type Orchestrator struct {
	cfg  *config.Config
	opts Options
	run  string

	ns      *natsserver.Server
	nc      *natsgo.Conn
	histSt  *history.Store
	backend Lister
	ctrl    *loop.Controller
	mcp     *mcpserver.Server

	stopped bool
}

// New resolves the effective configuration and builds every component
// short of starting them. Config validation already ran at load time.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Orchestrator, error) {
	if opts.WorkDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		opts.WorkDir = wd
	}

	o := &Orchestrator{cfg: cfg, opts: opts}
	o.run = history.NewRunID(o.runHint())
	return o, nil
}

// Run returns the run identifier.
func (o *Orchestrator) Run() string { return o.run }

// Controller returns the loop controller, nil before Start.
func (o *Orchestrator) Controller() *loop.Controller { return o.ctrl }

// Start brings up NATS, the tracker backend, the MCP tool server, and
// the loop controller. On failure the components already started are
// torn down.
func (o *Orchestrator) Start(ctx context.Context) error {
	logger.Info("Starting run %q", o.run)

	mode := o.opts.Mode
	if mode == "" {
		mode = o.cfg.Loop.Mode
	}
	effective, err := config.ResolveMode(mode, o.cfg.Loop)
	if err != nil {
		return err
	}
	if o.opts.MaxIterations > 0 {
		effective.MaxIterations = o.opts.MaxIterations
	}

	if !o.opts.NoHistory {
		if err := o.startHistory(ctx); err != nil {
			return err
		}
	}

	backend, err := o.BuildBackend(ctx)
	if err != nil {
		o.teardown()
		return err
	}
	o.backend = backend

	timeout := time.Duration(effective.RunnerTimeoutSeconds) * time.Second
	runner := agent.NewRunner(agent.Config{
		Command:  o.cfg.Agent.Command,
		Args:     o.cfg.Agent.Args,
		WorkDir:  o.opts.WorkDir,
		Timeout:  timeout,
		OnOutput: o.opts.OnAgentOutput,
	})

	var recorder loop.Recorder
	if o.histSt != nil {
		recorder = o.histSt
	}

	ctrl, err := loop.New(loop.Config{
		Run:               o.run,
		Backend:           backend,
		Agent:             runner,
		Gates:             gate.NewRunner(o.opts.WorkDir),
		Effective:         effective,
		History:           recorder,
		TemplatePath:      o.opts.TemplatePath,
		ExtraInstructions: o.opts.ExtraInstructions,
		OnIteration:       o.opts.OnIteration,
	})
	if err != nil {
		o.teardown()
		return err
	}
	o.ctrl = ctrl

	var histSource mcpserver.HistorySource
	if o.histSt != nil {
		histSource = o.histSt
	}
	o.mcp = mcpserver.New(o.run, ctrl, backend, histSource)
	port, err := o.mcp.Start(ctx)
	if err != nil {
		o.teardown()
		return err
	}
	ctrl.SetMCPPort(port)
	logger.Info("MCP tool server at %s", o.mcp.URL())

	if o.histSt != nil {
		if err := o.histSt.RecordRunStarted(ctx, o.run, effective.Mode); err != nil {
			logger.Warn("Failed to record run start: %v", err)
		}
	}

	logger.Info("Run %q ready (mode %s, tracker %s)", o.run, effective.Mode, o.cfg.Tracker.Kind)
	return nil
}

// Execute runs the loop to a terminal state and records the outcome.
// Returns the exit code for the run surface.
func (o *Orchestrator) Execute(ctx context.Context) (int, error) {
	code, err := o.ctrl.Run(ctx)
	o.recordFinish(err)
	return code, err
}

// recordFinish maps the terminal state to the durable run status.
func (o *Orchestrator) recordFinish(runErr error) {
	if o.histSt == nil || o.ctrl == nil {
		return
	}

	status := "complete"
	switch {
	case runErr != nil:
		status = "aborted"
	case o.ctrl.Terminal() == loop.TerminalStopped:
		status = "stopped"
	case o.ctrl.Terminal() == loop.TerminalNoProgress, o.ctrl.Terminal() == loop.TerminalBlocked:
		status = "aborted"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.histSt.RecordRunFinished(ctx, o.run, status); err != nil {
		logger.Warn("Failed to record run finish: %v", err)
	}
}

// Stop gracefully shuts down all components. Safe to call more than
// once; errors from every component are collected and combined.
func (o *Orchestrator) Stop() error {
	if o.stopped {
		return nil
	}
	o.stopped = true

	logger.Info("Stopping run %q", o.run)

	multiErr := &ierr.MultiError{}

	if o.mcp != nil {
		if err := o.mcp.Stop(); err != nil {
			multiErr.Append(fmt.Errorf("MCP server shutdown failed: %w", err))
		}
		o.mcp = nil
	}

	if o.ns != nil {
		if err := nats.Shutdown(o.nc, o.ns); err != nil {
			multiErr.Append(fmt.Errorf("NATS shutdown failed: %w", err))
		}
		o.nc = nil
		o.ns = nil
	}

	logger.Info("Run %q stopped", o.run)
	return multiErr.ErrorOrNil()
}

// teardown aborts a half-finished Start.
func (o *Orchestrator) teardown() {
	if o.mcp != nil {
		if err := o.mcp.Stop(); err != nil {
			logger.Warn("MCP server teardown failed: %v", err)
		}
		o.mcp = nil
	}
	if o.ns != nil {
		if err := nats.Shutdown(o.nc, o.ns); err != nil {
			logger.Warn("NATS teardown failed: %v", err)
		}
		o.nc = nil
		o.ns = nil
	}
}

// startHistory brings up the embedded NATS server and the run history
// store on top of it.
func (o *Orchestrator) startHistory(ctx context.Context) error {
	dataDir := filepath.Join(o.cfg.DataDir, "nats")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create NATS data directory: %w", err)
	}

	ns, err := nats.StartEmbedded(dataDir)
	if err != nil {
		return fmt.Errorf("failed to start NATS server: %w", err)
	}
	o.ns = ns

	nc, err := nats.ConnectInProcess(ns)
	if err != nil {
		o.teardown()
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	o.nc = nc

	js, err := nats.CreateJetStream(nc)
	if err != nil {
		o.teardown()
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	stream, err := nats.SetupStream(ctx, js)
	if err != nil {
		o.teardown()
		return fmt.Errorf("failed to setup stream: %w", err)
	}

	o.histSt = history.NewStore(js, stream)
	return nil
}

// BuildBackend selects the tracker backend from the closed set named in
// configuration.
func (o *Orchestrator) BuildBackend(ctx context.Context) (Lister, error) {
	tc := o.cfg.Tracker
	filter := tracker.Filter{
		RequireLabels: tc.LabelFilter,
		ExcludeLabels: tc.ExcludeLabels,
		SkipDrafts:    tc.SkipDrafts,
	}

	switch tc.Kind {
	case config.TrackerKindLocal:
		return local.NewStore(local.Config{
			Path:        tc.Local.Path,
			Filter:      filter,
			DoneLabels:  tc.AddLabelsOnDone,
			StartLabels: tc.AddLabelsOnStart,
			CloseOnDone: tc.CloseOnDone,
		}), nil

	case config.TrackerKindGitHub:
		return github.New(ctx, github.Config{
			Repo: tc.GitHub.Repo,
			Auth: github.AuthConfig{
				Method:   tc.GitHub.AuthMethod,
				TokenEnv: tc.GitHub.TokenEnv,
				Token:    tc.GitHub.Token,
			},
			APIEndpoint:     tc.GitHub.APIEndpoint,
			Filter:          filter,
			DoneLabels:      tc.AddLabelsOnDone,
			StartLabels:     tc.AddLabelsOnStart,
			CloseOnDone:     tc.CloseOnDone,
			CommentOnDone:   tc.CommentOnDone,
			CacheDir:        filepath.Join(o.cfg.DataDir, "cache"),
			CacheTTLSeconds: tc.CacheTTLSeconds,
		})

	default:
		return nil, ierr.NewConfigError("tracker.kind", "unknown tracker kind %q", tc.Kind)
	}
}

// runHint derives the run id hint from the tracker identity.
func (o *Orchestrator) runHint() string {
	if o.opts.RunName != "" {
		return o.opts.RunName
	}
	if o.cfg.Tracker.Kind == config.TrackerKindGitHub && o.cfg.Tracker.GitHub.Repo != "" {
		return o.cfg.Tracker.GitHub.Repo
	}
	base := filepath.Base(o.cfg.Tracker.Local.Path)
	return base[:len(base)-len(filepath.Ext(base))]
}
