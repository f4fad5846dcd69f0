// Package cmd implements the ralph command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"featureloop/internal/config"
)

// ExitError carries a process exit code out of a command. Err may be nil
// when the command already reported its outcome.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// app holds state shared by the command tree.
type app struct {
	v   *viper.Viper
	cfg *config.Config
}

// NewRootCmd builds the ralph command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "ralph [backlog-file]",
		Short: "Drive a coding agent through a feature backlog",
		Long: `Ralph runs a coding agent repeatedly against a project, one backlog
feature per iteration. Each iteration's work is kept only if the project's
build and test commands pass; otherwise it is rolled back.

The backlog defaults to prd.json in the working directory. Progress is
appended to progress.txt, which the agent reads back on every iteration.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.loadConfig(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				a.cfg.BacklogFile = args[0]
			}
			return a.runLoop(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringP("config", "c", "", "config file (default is .ralph.yaml in the working directory, then $HOME/.config/ralph)")
	pf.StringP("workdir", "C", ".", "project directory the agent works in")
	pf.String("backlog", "", "backlog file, relative to the working directory (default prd.json)")
	pf.String("progress", "", "progress journal, relative to the working directory (default progress.txt)")
	pf.BoolP("verbose", "v", false, "show agent and CI output, log at debug level")

	f := root.Flags()
	f.IntP("max-iterations", "n", 0, "maximum number of iterations (default 10)")
	f.Bool("dry-run", false, "run the loop without invoking the agent or rolling anything back")

	root.AddCommand(
		newArchiveCmd(a),
		newVerifyCommitsCmd(a),
		newDetectCmd(a),
		newMarkCmd(a),
		newStatusCmd(a),
	)
	return root
}

// flagKeys maps command-line flags to config keys.
var flagKeys = map[string]string{
	"workdir":        "workdir",
	"backlog":        "backlog_file",
	"progress":       "progress_file",
	"verbose":        "verbose",
	"max-iterations": "max_iterations",
	"dry-run":        "dry_run",
}

// loadConfig layers defaults, the config file, RALPH_* environment
// variables and explicitly set flags, in increasing precedence.
func (a *app) loadConfig(cmd *cobra.Command) error {
	flags := cmd.Flags()
	cfgFile, _ := flags.GetString("config")
	workdir, _ := flags.GetString("workdir")

	a.v = config.New(cfgFile, workdir)
	if err := config.ReadFile(a.v, cfgFile != ""); err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	var bindErr error
	flags.VisitAll(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || !f.Changed {
			return
		}
		if err := a.v.BindPFlag(key, f); err != nil {
			bindErr = errors.Join(bindErr, err)
		}
	})
	if bindErr != nil {
		return bindErr
	}

	cfg, err := config.Load(a.v)
	if err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}

// configFile returns the config file in use, if any.
func (a *app) configFile() string {
	if a.v == nil {
		return ""
	}
	return a.v.ConfigFileUsed()
}

// Execute runs the command tree with args and returns the process exit
// code. SIGINT and SIGTERM cancel ctx; see main.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := NewRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	var exit *ExitError
	if errors.As(err, &exit) {
		if exit.Err != nil {
			fmt.Fprintf(stderr, "ralph: %v\n", exit.Err)
		}
		return exit.Code
	}
	fmt.Fprintf(stderr, "ralph: %v\n", err)
	return 1
}

// Main is the binary entry point.
func Main(ctx context.Context) int {
	return Execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
}
