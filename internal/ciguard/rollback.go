package ciguard

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"featureloop/internal/backlog"
	"featureloop/internal/git"
)

// ErrRollback marks a rollback that could not restore the pre-iteration
// state. It is fatal to a run.
var ErrRollback = errors.New("rollback failed")

// Repo is the version-control surface rollback and verification need.
// *git.Repo implements it.
type Repo interface {
	Dir() string
	Head(ctx context.Context) (string, error)
	Ref(ctx context.Context) (string, error)
	IsClean(ctx context.Context, ignore ...string) (bool, error)
	ResetHard(ctx context.Context, rev string) error
	Clean(ctx context.Context, exclude ...string) error
	Checkout(ctx context.Context, rev string) error
	CheckoutDetached(ctx context.Context, rev string) error
	RecentCommits(ctx context.Context, n int) ([]string, error)
	Subject(ctx context.Context, rev string) (string, error)
}

var _ Repo = (*git.Repo)(nil)

// Checkpoint is the state an iteration rolls back to: the commit and
// branch at iteration start plus snapshots of files that must return to
// their iteration-start bytes.
type Checkpoint struct {
	Head string
	Ref  string // empty when HEAD was detached
	// Files maps a path to its content at capture time. A nil value means
	// the file did not exist.
	Files map[string][]byte
}

// Capture records a Checkpoint. The repository must have at least one
// commit; otherwise there is nothing to roll back to.
func Capture(ctx context.Context, repo Repo, snapshot ...string) (Checkpoint, error) {
	head, err := repo.Head(ctx)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("%w: %w", ErrRollback, err)
	}
	ref, err := repo.Ref(ctx)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("%w: read branch: %w", ErrRollback, err)
	}

	cp := Checkpoint{Head: head, Ref: ref, Files: make(map[string][]byte, len(snapshot))}
	for _, path := range snapshot {
		data, err := readIfExists(path)
		if err != nil {
			return Checkpoint{}, fmt.Errorf("snapshot %s: %w", path, err)
		}
		cp.Files[path] = data
	}
	return cp, nil
}

// Rollback returns the working tree and history to cp: a hard reset to
// cp.Head, removal of untracked files, then restoration of the snapshot
// files. Files in keep survive with their current content. HEAD must still
// be on the branch captured in cp. Every failure wraps ErrRollback.
func Rollback(ctx context.Context, repo Repo, cp Checkpoint, keep ...string) error {
	if cp.Head == "" {
		return fmt.Errorf("%w: no prior commit to return to", ErrRollback)
	}

	ref, err := repo.Ref(ctx)
	if err != nil {
		return fmt.Errorf("%w: read branch: %w", ErrRollback, err)
	}
	if ref != cp.Ref {
		return fmt.Errorf("%w: HEAD moved from %s to %s during the iteration", ErrRollback, describeRef(cp.Ref), describeRef(ref))
	}

	kept := make(map[string][]byte, len(keep))
	for _, path := range keep {
		data, err := readIfExists(path)
		if err != nil {
			return fmt.Errorf("%w: preserve %s: %w", ErrRollback, path, err)
		}
		kept[path] = data
	}

	exclude := make([]string, 0, len(keep)+len(cp.Files))
	exclude = append(exclude, keep...)
	for path := range cp.Files {
		exclude = append(exclude, path)
	}

	if err := repo.ResetHard(ctx, cp.Head); err != nil {
		return fmt.Errorf("%w: %w", ErrRollback, err)
	}
	if err := repo.Clean(ctx, exclude...); err != nil {
		return fmt.Errorf("%w: %w", ErrRollback, err)
	}

	for path, data := range kept {
		if err := restore(path, data); err != nil {
			return fmt.Errorf("%w: restore %s: %w", ErrRollback, path, err)
		}
	}
	for path, data := range cp.Files {
		if _, isKept := kept[path]; isKept {
			continue
		}
		if err := restore(path, data); err != nil {
			return fmt.Errorf("%w: restore %s: %w", ErrRollback, path, err)
		}
	}

	head, err := repo.Head(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRollback, err)
	}
	if head != cp.Head {
		return fmt.Errorf("%w: HEAD is %s after reset, want %s", ErrRollback, git.ShortHash(head), git.ShortHash(cp.Head))
	}
	return nil
}

func describeRef(ref string) string {
	if ref == "" {
		return "detached HEAD"
	}
	return "branch " + ref
}

func readIfExists(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

// restore writes data to path, or removes path when data is nil.
func restore(path string, data []byte) error {
	if data == nil {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return backlog.WriteFileAtomic(path, data)
}
