// Package pty runs child processes on a pseudo-terminal, for agents that
// only stream their transcript when attached to a TTY.
package pty

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

// Size represents terminal dimensions in rows and columns.
type Size struct {
	Rows uint16
	Cols uint16
}

// DefaultSize is wide enough that agents rarely hard-wrap transcript lines.
var DefaultSize = Size{Rows: 50, Cols: 240}

// Runner is the interface for spawning a command on a PTY.
// Implementations can be swapped (e.g. creack/pty, or a pipe for tests).
type Runner interface {
	Start(cmd *exec.Cmd, size Size) (io.ReadWriteCloser, error)
}

// CreackPTY implements Runner using github.com/creack/pty.
type CreackPTY struct{}

// Ensure CreackPTY implements Runner.
var _ Runner = (*CreackPTY)(nil)

// Start implements Runner. Spawns cmd in a PTY with the given size.
func (c *CreackPTY) Start(cmd *exec.Cmd, size Size) (io.ReadWriteCloser, error) {
	return pty.StartWithSize(cmd, &pty.Winsize{Rows: size.Rows, Cols: size.Cols})
}

// Run starts cmd on a terminal from r, copies everything the process
// prints to out and waits for it to exit. Nothing is typed into the
// terminal, since the line discipline would echo it into the transcript.
// The returned error is cmd.Wait's, so callers can read the exit code from
// an *exec.ExitError. Cancelling ctx closes the terminal; cmd should be
// built with exec.CommandContext so the process is killed too.
func Run(ctx context.Context, r Runner, cmd *exec.Cmd, size Size, out io.Writer) error {
	term, err := r.Start(cmd, size)
	if err != nil {
		return err
	}
	defer func() { _ = term.Close() }()

	stop := context.AfterFunc(ctx, func() { _ = term.Close() })
	defer stop()

	_, copyErr := io.Copy(out, term)
	waitErr := cmd.Wait()
	if waitErr != nil {
		return waitErr
	}
	if copyErr != nil && !isClosed(copyErr) {
		return copyErr
	}
	return nil
}

// isClosed reports whether err is how a terminal read ends once the child
// has exited (EIO on Linux) or the terminal was closed.
func isClosed(err error) bool {
	return errors.Is(err, syscall.EIO) || errors.Is(err, os.ErrClosed) || errors.Is(err, io.EOF)
}
