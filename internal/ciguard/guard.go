// Package ciguard runs a project's build and test commands to gate an
// iteration's changes, rolls rejected iterations back, and audits commit
// history for CI-green continuity.
package ciguard

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"featureloop/internal/detect"
)

// Phase names one CI step.
type Phase string

const (
	PhaseBuild Phase = "build"
	PhaseTest  Phase = "test"
)

// NoCommandsWarning annotates a pass that had nothing to run.
const NoCommandsWarning = "no build or test command configured; changes are accepted unverified"

// maxReasonLen bounds the failure excerpt carried in Result.Reason.
const maxReasonLen = 240

// CommandFactory builds the process for one shell command line. Tests
// inject a factory that runs a helper process instead.
type CommandFactory func(ctx context.Context, dir, command string) *exec.Cmd

func defaultCommandFactory(ctx context.Context, dir, command string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	return cmd
}

// PhaseResult records one executed (or skipped) phase.
type PhaseResult struct {
	Phase    Phase
	Command  string
	ExitCode int
	Duration time.Duration
	Skipped  bool
}

// Result is the outcome of one guard evaluation.
type Result struct {
	Passed bool
	// Log is the combined stdout+stderr of every phase, each preceded by a
	// timestamped header.
	Log string
	// Warning is set when the pass is weaker than usual, e.g. no commands.
	Warning string
	// FailedPhase is the first phase that failed, empty on pass.
	FailedPhase Phase
	// Reason is a one-line failure summary including the most relevant
	// output line.
	Reason string
	Phases []PhaseResult
}

// Unverified reports whether the result passed without running anything.
func (r Result) Unverified() bool {
	return r.Passed && len(r.Phases) == 0
}

// Guard executes CI commands in a project directory.
type Guard struct {
	dir            string
	failFast       bool
	commandFactory CommandFactory
	now            func() time.Time
}

// Option configures a Guard.
type Option func(*Guard)

// WithFailFast skips the test phase when the build phase failed.
func WithFailFast(on bool) Option {
	return func(g *Guard) { g.failFast = on }
}

// WithCommandFactory injects a custom command factory (used in tests).
func WithCommandFactory(f CommandFactory) Option {
	return func(g *Guard) { g.commandFactory = f }
}

// WithClock overrides the header timestamp source.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// New returns a Guard running commands in dir. Fail-fast is on by default.
func New(dir string, opts ...Option) *Guard {
	g := &Guard{
		dir:            dir,
		failFast:       true,
		commandFactory: defaultCommandFactory,
		now:            time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Dir returns the directory commands run in.
func (g *Guard) Dir() string { return g.dir }

// Run executes the build command (if any) then the test command (if any).
// With neither configured it passes with a warning.
func (g *Guard) Run(ctx context.Context, cmds detect.Commands) Result {
	if cmds.Empty() {
		return Result{Passed: true, Warning: NoCommandsWarning}
	}

	var log bytes.Buffer
	res := Result{Passed: true}

	steps := []struct {
		phase   Phase
		command string
	}{
		{PhaseBuild, cmds.Build},
		{PhaseTest, cmds.Test},
	}
	for _, step := range steps {
		if step.command == "" {
			continue
		}
		if !res.Passed && g.failFast {
			fmt.Fprintf(&log, "=== %s: skipped (%s failed) ===\n", step.phase, res.FailedPhase)
			res.Phases = append(res.Phases, PhaseResult{Phase: step.phase, Command: step.command, Skipped: true})
			continue
		}

		pr, out, err := g.runPhase(ctx, &log, step.phase, step.command)
		res.Phases = append(res.Phases, pr)
		if err == nil && pr.ExitCode == 0 {
			continue
		}
		if res.Passed {
			res.Passed = false
			res.FailedPhase = step.phase
			res.Reason = failureReason(pr, out, err)
		}
	}

	res.Log = log.String()
	return res
}

func (g *Guard) runPhase(ctx context.Context, log *bytes.Buffer, phase Phase, command string) (PhaseResult, []byte, error) {
	fmt.Fprintf(log, "=== %s: %s [%s] ===\n", phase, command, g.now().UTC().Format(time.RFC3339))

	var out bytes.Buffer
	cmd := g.commandFactory(ctx, g.dir, command)
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	err := cmd.Run()
	pr := PhaseResult{Phase: phase, Command: command, Duration: time.Since(start)}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		pr.ExitCode = exitErr.ExitCode()
		err = nil
		if pr.ExitCode < 0 {
			// Killed by a signal, typically context cancellation.
			err = fmt.Errorf("%s command terminated: %w", phase, exitErr)
		}
	default:
		pr.ExitCode = -1
	}

	log.Write(out.Bytes())
	if out.Len() > 0 && !bytes.HasSuffix(out.Bytes(), []byte("\n")) {
		log.WriteByte('\n')
	}
	if err != nil {
		fmt.Fprintf(log, "--- %s error: %v\n", phase, err)
	} else {
		fmt.Fprintf(log, "--- %s exit %d (%s)\n", phase, pr.ExitCode, pr.Duration.Round(time.Millisecond))
	}
	return pr, out.Bytes(), err
}

// failureReason summarizes a failed phase with the most telling output line.
func failureReason(pr PhaseResult, out []byte, err error) string {
	var reason string
	if err != nil {
		reason = fmt.Sprintf("%s failed: %v", pr.Phase, err)
	} else {
		reason = fmt.Sprintf("%s failed (exit %d)", pr.Phase, pr.ExitCode)
	}
	if line := excerpt(out); line != "" {
		reason += ": " + line
	}
	return reason
}

// excerpt picks the first line mentioning an error or failure, falling back
// to the last non-empty line.
func excerpt(out []byte) string {
	var first, last string
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		last = line
		lower := strings.ToLower(line)
		if first == "" && (strings.Contains(lower, "error") || strings.Contains(lower, "fail")) {
			first = line
		}
	}
	line := first
	if line == "" {
		line = last
	}
	return truncate(line, maxReasonLen)
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
