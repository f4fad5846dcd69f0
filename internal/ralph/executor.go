package ralph

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"featureloop/internal/pty"
)

// DefaultSentinel is the literal the agent prints once it believes every
// feature in the backlog passes.
const DefaultSentinel = "<promise>COMPLETE</promise>"

// DefaultAgentCommand and DefaultAgentArgs launch Claude in print mode.
const DefaultAgentCommand = "claude"

// DefaultAgentArgs precede the prompt argument.
var DefaultAgentArgs = []string{"-p", "--dangerously-skip-permissions"}

// ErrAgentInvocation is returned when the agent process could not be run
// at all (missing binary, PTY failure). A non-zero exit is not an error.
var ErrAgentInvocation = errors.New("agent invocation failed")

// AgentResult holds the outcome of a single agent invocation.
type AgentResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	TimedOut bool // true if the agent was killed due to timeout
}

// Failed reports whether the invocation counts as an agent failure.
func (r *AgentResult) Failed() bool {
	return r.ExitCode != 0 || r.TimedOut
}

// ContainsSentinel reports whether transcript contains the exact sentinel
// literal. An empty sentinel never matches.
func ContainsSentinel(transcript, sentinel string) bool {
	return sentinel != "" && strings.Contains(transcript, sentinel)
}

// CommandFactory builds an *exec.Cmd for the given context, working directory,
// and arguments. The default factory runs the configured agent binary.
// Tests can inject a factory that invokes a helper process instead.
type CommandFactory func(ctx context.Context, workDir string, args ...string) *exec.Cmd

// commandFactoryFor creates a factory for a real agent binary.
func commandFactoryFor(name string) CommandFactory {
	return func(ctx context.Context, workDir string, args ...string) *exec.Cmd {
		cmd := exec.CommandContext(ctx, name, args...)
		cmd.Dir = workDir
		return cmd
	}
}

// RunAgent spawns the agent with the prompt and captures its transcript.
// By default the prompt is the last argument; WithPromptOnStdin pipes it
// instead. No timeout applies unless WithTimeout sets one, and expiry kills
// the process and is reported as TimedOut with a non-zero exit.
//
// stdout is tee'd to os.Stdout in real time for observability while also being
// captured in the returned AgentResult.
func RunAgent(ctx context.Context, workDir string, prompt string, opts ...Option) (*AgentResult, error) {
	cfg := options{
		command:      DefaultAgentCommand,
		args:         DefaultAgentArgs,
		stdoutWriter: os.Stdout,
	}
	for _, o := range opts {
		o(&cfg)
	}
	factory := cfg.commandFactory
	if factory == nil {
		factory = commandFactoryFor(cfg.command)
	}

	if cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}

	args := append([]string(nil), cfg.args...)
	if !cfg.promptOnStdin {
		args = append(args, prompt)
	}
	cmd := factory(ctx, workDir, args...)

	var stdoutBuf, stderrBuf bytes.Buffer
	live := io.MultiWriter(&stdoutBuf, cfg.stdoutWriter)

	start := time.Now()
	var err error
	if cfg.ptyRunner != nil {
		// A terminal has a single output stream, so stderr lands in Stdout.
		err = pty.Run(ctx, cfg.ptyRunner, cmd, pty.DefaultSize, live)
	} else {
		if cfg.promptOnStdin {
			cmd.Stdin = strings.NewReader(prompt)
		}
		cmd.Stdout = live
		cmd.Stderr = &stderrBuf
		err = cmd.Run()
	}
	duration := time.Since(start)

	// Detect whether the process was killed due to context timeout.
	timedOut := cfg.timeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded)

	exitCode := 0
	if err != nil {
		// Extract exit code from ExitError; otherwise treat as launch failure.
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%w: %s: %w", ErrAgentInvocation, cfg.command, err)
		}
		exitCode = exitErr.ExitCode()
	}
	if timedOut && exitCode == 0 {
		exitCode = -1
	}

	return &AgentResult{
		ExitCode: exitCode,
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: duration,
		TimedOut: timedOut,
	}, nil
}

// options holds optional configuration for RunAgent.
type options struct {
	command        string
	args           []string
	timeout        time.Duration
	commandFactory CommandFactory
	stdoutWriter   io.Writer
	promptOnStdin  bool
	ptyRunner      pty.Runner
}

// Option configures RunAgent behaviour.
type Option func(*options)

// WithCommand overrides the agent binary and the arguments that precede
// the prompt.
func WithCommand(name string, args ...string) Option {
	return func(o *options) {
		o.command = name
		o.args = args
	}
}

// WithTimeout bounds the agent's wall-clock time. Zero means no limit.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithCommandFactory injects a custom command factory (used in tests).
func WithCommandFactory(f CommandFactory) Option {
	return func(o *options) { o.commandFactory = f }
}

// WithStdoutWriter overrides the live stdout writer (default os.Stdout).
// Useful in tests to suppress or capture real-time output.
func WithStdoutWriter(w io.Writer) Option {
	return func(o *options) { o.stdoutWriter = w }
}

// WithPromptOnStdin pipes the prompt to the agent's stdin instead of
// passing it as the last argument. Ignored in PTY mode.
func WithPromptOnStdin(on bool) Option {
	return func(o *options) { o.promptOnStdin = on }
}

// WithPTY runs the agent attached to a pseudo-terminal from r.
func WithPTY(r pty.Runner) Option {
	return func(o *options) { o.ptyRunner = r }
}
