// Package app assembles storyline's components for one project root.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/trace"

	"storyline/internal/config"
	"storyline/internal/dispatch"
	"storyline/internal/journal"
	"storyline/internal/lifecycle"
	"storyline/internal/planner"
	"storyline/internal/registry"
	"storyline/internal/signal"
	"storyline/internal/status"
	"storyline/internal/worker"
)

type Options struct {
	// Root is the project root. Empty means the working directory.
	Root       string
	StatusFile string
	Instance   string
	DryRun     bool
	Logger     *slog.Logger
	Tracer     trace.Tracer
	// Launcher replaces the configured worker command when set.
	Launcher worker.Launcher
}

// App holds the components every command shares. The status store, journal
// and runner are opened on first use so read-only commands work without a
// status document.
type App struct {
	Root     string
	Config   *config.Config
	Instance string
	Planner  planner.Planner
	Signals  *signal.Protocol
	Registry *registry.Registry

	opts    Options
	logger  *slog.Logger
	store   *status.Store
	journal *journal.Journal
}

// ResolveRoot returns the absolute project root.
func ResolveRoot(root string) (string, error) {
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		root = wd
	}
	return filepath.Abs(root)
}

// DefaultInstance names this process when no instance id is configured.
func DefaultInstance() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func New(opts Options) (*App, error) {
	root, err := ResolveRoot(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}
	cfg, err := config.Load(root)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", config.Path(root), err)
	}
	if opts.StatusFile != "" {
		cfg.StatusFile = opts.StatusFile
	}
	if opts.DryRun {
		cfg.Dispatch.DryRun = true
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	instance := opts.Instance
	if instance == "" {
		instance = DefaultInstance()
	}
	state := cfg.StatePath(root)
	return &App{
		Root:     root,
		Config:   cfg,
		Instance: instance,
		Planner:  planner.New(cfg.Workflows),
		Signals:  signal.New(state, logger),
		Registry: registry.New(filepath.Join(state, "dispatch"), cfg.Registry.StaleAfter, logger),
		opts:     opts,
		logger:   logger,
	}, nil
}

func (a *App) StateDir() string { return a.Config.StatePath(a.Root) }

// Status opens the status store.
func (a *App) Status() (*status.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	st, err := status.Open(a.Root, a.Config.StatusFile, a.logger)
	if err != nil {
		return nil, err
	}
	a.store = st
	return st, nil
}

// Journal opens the event journal.
func (a *App) Journal(ctx context.Context) (*journal.Journal, error) {
	if a.journal != nil {
		return a.journal, nil
	}
	j, err := journal.Open(ctx, a.StateDir(), a.Instance, a.logger)
	if err != nil {
		return nil, err
	}
	a.journal = j
	return j, nil
}

// Observer builds the completion-hook observer.
func (a *App) Observer() (*signal.Observer, error) {
	st, err := a.Status()
	if err != nil {
		return nil, err
	}
	return signal.NewObserver(a.Signals, st, a.logger), nil
}

// Runner wires the dispatcher and lifecycle runner. A journal that cannot be
// opened is logged and skipped.
func (a *App) Runner(ctx context.Context) (*lifecycle.Runner, error) {
	st, err := a.Status()
	if err != nil {
		return nil, err
	}
	cfg := a.Config
	launcher := a.opts.Launcher
	if launcher == nil {
		launcher = worker.NewExecLauncher(cfg.Worker.Command, cfg.Worker.Env, a.Root, a.logger)
	}
	d := dispatch.New(st, a.Signals, launcher, dispatch.Options{
		PollInterval:   cfg.Dispatch.PollInterval,
		TerminateGrace: cfg.Dispatch.TerminateGrace,
		DryRun:         cfg.Dispatch.DryRun,
		Yolo:           cfg.Worker.Yolo,
		ResumeDevelop:  cfg.Worker.ResumeDevelop,
		Instance:       a.Instance,
	}, a.logger)
	r := lifecycle.New(st, a.Planner, d, a.Registry, a.Signals, lifecycle.Options{
		Instance:          a.Instance,
		Timeout:           cfg.Dispatch.Timeout,
		RetryLimit:        cfg.Lifecycle.RetryLimit,
		MaxPhases:         cfg.Lifecycle.MaxPhases,
		ContinueOnFailure: cfg.Lifecycle.ContinueOnFailure,
		GroupOrder:        cfg.Lifecycle.GroupOrder,
		GroupConcurrency:  cfg.Lifecycle.GroupConcurrency,
		HeartbeatInterval: cfg.Registry.HeartbeatInterval,
		DryRun:            cfg.Dispatch.DryRun,
	}, a.logger)
	if a.opts.Tracer != nil {
		d.Tracer = a.opts.Tracer
		r.Tracer = a.opts.Tracer
	}
	j, err := a.Journal(ctx)
	if err != nil {
		a.logger.Warn("journal unavailable, events will not be recorded", "err", err)
	} else {
		d.Events = j
		r.Events = j
	}
	return r, nil
}

func (a *App) Close() error {
	if a.journal != nil {
		err := a.journal.Close()
		a.journal = nil
		return err
	}
	return nil
}
