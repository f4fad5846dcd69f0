// Package git wraps the git CLI operations the loop needs: reading HEAD,
// detecting working tree changes, rolling back, and checking out commits
// for verification.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

var (
	// ErrNotRepository is returned when the directory is not inside a git
	// working tree.
	ErrNotRepository = errors.New("not a git repository")
	// ErrNoCommits is returned when HEAD does not resolve to a commit yet.
	ErrNoCommits = errors.New("repository has no commits")
	// ErrDirtyWorktree is returned when an operation needs a clean tree.
	ErrDirtyWorktree = errors.New("working tree has uncommitted changes")
)

// Repo is a git working tree rooted at (or containing) a directory.
// Commands run from the top level; change detection and cleaning are
// scoped to the directory the Repo was opened with.
type Repo struct {
	top   string
	dir   string
	scope string // dir relative to top, "." when equal
}

// Open resolves the working tree that contains dir.
func Open(ctx context.Context, dir string) (*Repo, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}

	out, err := run(ctx, abs, "rev-parse", "--show-toplevel")
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNotRepository, dir, err)
	}
	top := strings.TrimSpace(out)
	if resolved, err := filepath.EvalSymlinks(top); err == nil {
		top = resolved
	}

	scope, err := filepath.Rel(top, abs)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNotRepository, dir, err)
	}
	return &Repo{top: top, dir: abs, scope: filepath.ToSlash(scope)}, nil
}

// Dir returns the directory the repo was opened with.
func (r *Repo) Dir() string { return r.dir }

// Top returns the working tree root.
func (r *Repo) Top() string { return r.top }

// Head returns the commit hash HEAD points at, or ErrNoCommits on an
// unborn branch.
func (r *Repo) Head(ctx context.Context) (string, error) {
	out, err := r.git(ctx, "rev-parse", "--verify", "--quiet", "HEAD^{commit}")
	if err != nil {
		return "", ErrNoCommits
	}
	return strings.TrimSpace(out), nil
}

// Ref returns the short name of the checked out branch, or "" when HEAD
// is detached.
func (r *Repo) Ref(ctx context.Context) (string, error) {
	out, err := r.git(ctx, "symbolic-ref", "--quiet", "--short", "HEAD")
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Changes lists paths under the repo directory that differ from HEAD,
// including untracked files. Paths are relative to the working tree root.
// Any path in ignore (absolute, or relative to Dir) is left out.
func (r *Repo) Changes(ctx context.Context, ignore ...string) ([]string, error) {
	out, err := r.git(ctx, "status", "--porcelain=v1", "-z", "--untracked-files=all", "--", r.scope)
	if err != nil {
		return nil, err
	}

	skip := make(map[string]bool, len(ignore))
	for _, p := range ignore {
		skip[r.rel(p)] = true
	}

	var paths []string
	entries := strings.Split(out, "\x00")
	for i := 0; i < len(entries); i++ {
		e := entries[i]
		if len(e) < 4 {
			continue
		}
		status, path := e[:2], e[3:]
		// Renames and copies carry the source path as the next entry.
		if status[0] == 'R' || status[0] == 'C' {
			i++
		}
		if !skip[path] {
			paths = append(paths, path)
		}
	}
	return paths, nil
}

// IsClean reports whether Changes is empty.
func (r *Repo) IsClean(ctx context.Context, ignore ...string) (bool, error) {
	changes, err := r.Changes(ctx, ignore...)
	if err != nil {
		return false, err
	}
	return len(changes) == 0, nil
}

// ResetHard moves the current branch (or detached HEAD) to rev and
// discards tracked modifications.
func (r *Repo) ResetHard(ctx context.Context, rev string) error {
	_, err := r.git(ctx, "reset", "--hard", "--quiet", rev)
	return err
}

// Clean removes untracked files and directories under the repo directory.
// Paths in exclude (absolute, or relative to Dir) are kept. Ignored files
// are never touched.
func (r *Repo) Clean(ctx context.Context, exclude ...string) error {
	args := []string{"clean", "-f", "-d", "--quiet"}
	for _, p := range exclude {
		args = append(args, "-e", "/"+r.rel(p))
	}
	args = append(args, "--", r.scope)
	_, err := r.git(ctx, args...)
	return err
}

// Checkout checks out rev. A branch name attaches HEAD; anything else
// detaches it. Local modifications to tracked files are discarded, so
// callers must check IsClean first.
func (r *Repo) Checkout(ctx context.Context, rev string) error {
	_, err := r.git(ctx, "checkout", "--quiet", "--force", rev)
	return err
}

// CheckoutDetached checks out rev with a detached HEAD, discarding local
// modifications to tracked files.
func (r *Repo) CheckoutDetached(ctx context.Context, rev string) error {
	_, err := r.git(ctx, "checkout", "--quiet", "--force", "--detach", rev)
	return err
}

// RecentCommits returns up to n commit hashes reachable from HEAD, newest
// first.
func (r *Repo) RecentCommits(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	if _, err := r.Head(ctx); err != nil {
		return nil, err
	}
	out, err := r.git(ctx, "rev-list", "--max-count="+strconv.Itoa(n), "HEAD")
	if err != nil {
		return nil, err
	}
	return strings.Fields(out), nil
}

// CommitsSince counts commits reachable from HEAD but not from base.
func (r *Repo) CommitsSince(ctx context.Context, base string) (int, error) {
	out, err := r.git(ctx, "rev-list", "--count", base+"..HEAD")
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(out))
}

// Subject returns the first line of a commit message.
func (r *Repo) Subject(ctx context.Context, rev string) (string, error) {
	out, err := r.git(ctx, "log", "-1", "--format=%s", rev)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// ShortHash abbreviates a commit hash for display.
func ShortHash(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}

// rel converts p to a slash-separated path relative to the working tree root.
func (r *Repo) rel(p string) string {
	if !filepath.IsAbs(p) {
		p = filepath.Join(r.dir, p)
	}
	if rel, err := filepath.Rel(r.top, p); err == nil {
		return filepath.ToSlash(rel)
	}
	return filepath.ToSlash(p)
}

func (r *Repo) git(ctx context.Context, args ...string) (string, error) {
	return run(ctx, r.top, args...)
}

func run(ctx context.Context, dir string, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return stdout.String(), fmt.Errorf("git %s: %s: %w", args[0], msg, err)
		}
		return stdout.String(), fmt.Errorf("git %s: %w", args[0], err)
	}
	return stdout.String(), nil
}
