package ciguard

import (
	"context"
	"errors"
	"fmt"

	"featureloop/internal/detect"
	"featureloop/internal/git"
)

// CommandsFunc resolves the CI commands for the tree checked out in dir.
// It runs once per verified commit, so commits that change the project
// layout or the backlog override are judged by their own configuration.
type CommandsFunc func(dir string) (detect.Commands, error)

// CommitResult is the guard outcome for one historical commit.
type CommitResult struct {
	Hash    string
	Subject string
	Result  Result
	Err     error // set when the commands could not be resolved
}

// Passed reports whether the commit is CI-green.
func (c CommitResult) Passed() bool {
	return c.Err == nil && c.Result.Passed
}

// Verification is the report of VerifyCommits, oldest commit first.
type Verification struct {
	Commits []CommitResult
}

// Passed reports whether every verified commit is green.
func (v Verification) Passed() bool {
	for _, c := range v.Commits {
		if !c.Passed() {
			return false
		}
	}
	return true
}

// Failed returns the commits that are not green.
func (v Verification) Failed() []CommitResult {
	var failed []CommitResult
	for _, c := range v.Commits {
		if !c.Passed() {
			failed = append(failed, c)
		}
	}
	return failed
}

// VerifyCommits checks out each of the last n commits in turn, oldest
// first, and runs the guard against it. The original branch (or detached
// commit) is restored on every exit path. Paths in ignore do not count as
// uncommitted changes for the clean-tree precondition.
func (g *Guard) VerifyCommits(ctx context.Context, repo Repo, n int, commands CommandsFunc, ignore ...string) (report Verification, err error) {
	if n <= 0 {
		return report, fmt.Errorf("commit count must be positive, got %d", n)
	}

	clean, err := repo.IsClean(ctx, ignore...)
	if err != nil {
		return report, err
	}
	if !clean {
		return report, git.ErrDirtyWorktree
	}

	head, err := repo.Head(ctx)
	if err != nil {
		return report, err
	}
	ref, err := repo.Ref(ctx)
	if err != nil {
		return report, err
	}
	original := ref
	if original == "" {
		original = head
	}

	commits, err := repo.RecentCommits(ctx, n)
	if err != nil {
		return report, err
	}

	defer func() {
		// Restore even when ctx was cancelled mid-walk.
		if rerr := repo.Checkout(context.WithoutCancel(ctx), original); rerr != nil {
			err = errors.Join(err, fmt.Errorf("restore %s: %w", original, rerr))
		}
	}()

	for i := len(commits) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		hash := commits[i]
		cr := CommitResult{Hash: hash}
		cr.Subject, _ = repo.Subject(ctx, hash)

		if err := repo.CheckoutDetached(ctx, hash); err != nil {
			return report, fmt.Errorf("checkout %s: %w", git.ShortHash(hash), err)
		}

		cmds, cerr := commands(repo.Dir())
		if cerr != nil {
			cr.Err = cerr
		} else {
			cr.Result = g.Run(ctx, cmds)
		}
		report.Commits = append(report.Commits, cr)
	}
	return report, nil
}
