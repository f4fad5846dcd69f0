package git

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Exclude adds paths to the repository's info/exclude file so that git
// status, add -A and clean never see them. Entries already present are not
// duplicated. Paths are absolute or relative to Dir.
func (r *Repo) Exclude(paths ...string) error {
	commonDir, err := CommonDir(r.top)
	if err != nil {
		return fmt.Errorf("resolve git common dir: %w", err)
	}
	entries := make([]string, 0, len(paths))
	for _, p := range paths {
		entries = append(entries, "/"+r.rel(p))
	}
	if err := ensureExcludeEntries(commonDir, entries); err != nil {
		return fmt.Errorf("update exclude: %w", err)
	}
	return nil
}

// CommonDir returns the git common directory for the working tree at top.
// Git reads info/exclude from the common dir, not the per-worktree gitdir.
//
// For a regular repo (.git is a directory), the common dir is .git/ itself.
// For a linked worktree (.git is a file with "gitdir: <path>"), the
// per-worktree gitdir holds a "commondir" file pointing at the shared one.
func CommonDir(top string) (string, error) {
	dotGit := filepath.Join(top, ".git")
	info, err := os.Stat(dotGit)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return dotGit, nil
	}

	data, err := os.ReadFile(dotGit)
	if err != nil {
		return "", err
	}
	line := strings.TrimSpace(string(data))
	gitDir, ok := strings.CutPrefix(line, "gitdir: ")
	if !ok {
		return "", fmt.Errorf(".git file has unexpected format: %s", line)
	}
	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(top, gitDir)
	}
	gitDir = filepath.Clean(gitDir)

	cdData, err := os.ReadFile(filepath.Join(gitDir, "commondir"))
	if err != nil {
		return gitDir, nil
	}
	common := strings.TrimSpace(string(cdData))
	if !filepath.IsAbs(common) {
		common = filepath.Join(gitDir, common)
	}
	return filepath.Clean(common), nil
}

// ensureExcludeEntries appends entries to <gitDir>/info/exclude, skipping
// any that are already present.
func ensureExcludeEntries(gitDir string, entries []string) (err error) {
	infoDir := filepath.Join(gitDir, "info")
	if err := os.MkdirAll(infoDir, 0o755); err != nil {
		return err
	}

	excludePath := filepath.Join(infoDir, "exclude")
	existing, err := os.ReadFile(excludePath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	lines := make(map[string]bool)
	for _, line := range strings.Split(string(existing), "\n") {
		lines[strings.TrimSpace(line)] = true
	}

	var toAdd []string
	for _, entry := range entries {
		if !lines[entry] {
			toAdd = append(toAdd, entry)
			lines[entry] = true
		}
	}
	if len(toAdd) == 0 {
		return nil
	}

	prefix := ""
	if len(existing) > 0 && existing[len(existing)-1] != '\n' {
		prefix = "\n"
	}

	f, err := os.OpenFile(excludePath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	_, err = f.WriteString(prefix + strings.Join(toAdd, "\n") + "\n")
	return err
}
