package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"featureloop/internal/ciguard"
	"featureloop/internal/config"
	"featureloop/internal/journal"
	"featureloop/internal/logging"
	"featureloop/internal/pty"
	"featureloop/internal/ralph"
	"featureloop/internal/trace"
)

const traceShutdownTimeout = 5 * time.Second

// runLoop builds a Controller from the loaded configuration and runs it.
// The exit code follows the run's StopReason.
func (a *app) runLoop(cmd *cobra.Command) error {
	ctx := cmd.Context()
	cfg := a.cfg

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()

	tp, err := trace.NewProvider(ctx)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), traceShutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(sctx); err != nil {
			logger.Warn("trace shutdown", "error", err)
		}
	}()

	tmpl, err := ralph.LoadTemplate(cfg.Resolve(cfg.Prompt.TemplateFile))
	if err != nil {
		return err
	}

	ctrl := &ralph.Controller{
		WorkDir:       cfg.WorkDir,
		BacklogPath:   cfg.BacklogFile,
		MaxIterations: cfg.MaxIterations,
		DryRun:        cfg.DryRun,
		Verbose:       cfg.Verbose,
		Sentinel:      cfg.Sentinel,
		Template:      tmpl,
		JournalTail:   cfg.Journal.Tail,
		Journal:       journal.New(cfg.ProgressPath()),
		Logger:        logger,
		Tracer:        tp.Tracer(),
		Output:        cmd.OutOrStdout(),
		AgentOptions:  agentOptions(cfg, cmd),
		ExtraOwned:    a.ownedFiles(),
		Guard:         ciguard.New(cfg.WorkDir, ciguard.WithFailFast(cfg.CI.FailFast)),
	}

	summary, err := ctrl.Run(ctx)
	if code := summary.StopReason.ExitCode(); err != nil || code != 0 {
		return &ExitError{Code: code, Err: err}
	}
	return nil
}

// newLogger opens the diagnostic logger. Verbose runs log at DEBUG.
func newLogger(cfg *config.Config) (*logging.Logger, error) {
	level := cfg.Log.Level
	if cfg.Verbose {
		level = logging.LevelDebug
	}
	logger, err := logging.NewLogger(cfg.Resolve(cfg.Log.File), level)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	return logger, nil
}

func agentOptions(cfg *config.Config, cmd *cobra.Command) []ralph.Option {
	opts := []ralph.Option{
		ralph.WithCommand(cfg.Agent.Command, cfg.Agent.Args...),
		ralph.WithTimeout(cfg.Agent.Timeout),
		ralph.WithPromptOnStdin(cfg.Agent.PromptStdin),
		ralph.WithStdoutWriter(cmd.OutOrStdout()),
	}
	if cfg.Agent.PTY {
		opts = append(opts, ralph.WithPTY(&pty.CreackPTY{}))
	}
	return opts
}

// ownedFiles lists files ralph itself writes inside the project besides
// the journal and status file, as absolute paths. Rollback must leave them
// alone.
func (a *app) ownedFiles() []string {
	var owned []string
	if a.cfg.Log.File != "" {
		owned = append(owned, absPath(a.cfg.Resolve(a.cfg.Log.File)))
	}
	if f := a.configFile(); f != "" {
		owned = append(owned, absPath(f))
	}
	return owned
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}
