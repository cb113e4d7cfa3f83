package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/steveyegge/forge/internal/git"
)

// idPrefix marks directories under the sandbox root that a Manager created.
const idPrefix = "sbx-"

// createWorktree checks out the host repository's HEAD as a detached
// worktree at dir and returns its absolute path.
func createWorktree(ctx context.Context, g *git.Git, repoRoot, dir string) (string, error) {
	if err := validateGitRepo(repoRoot); err != nil {
		return "", fmt.Errorf("parent repo validation failed: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}
	if _, err := os.Stat(abs); err == nil {
		return "", fmt.Errorf("worktree path already exists: %s", abs)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return "", fmt.Errorf("failed to create sandbox root directory: %w", err)
	}

	if err := g.AddWorktree(ctx, repoRoot, abs, "HEAD"); err != nil {
		os.RemoveAll(abs)
		return "", err
	}
	return abs, nil
}

// validateGitRepo returns an error unless path is a directory holding a
// git repository or worktree.
func validateGitRepo(path string) error {
	info, err := os.Stat(path)
	switch {
	case os.IsNotExist(err):
		return fmt.Errorf("path does not exist: %s", path)
	case err != nil:
		return fmt.Errorf("failed to stat path: %w", err)
	case !info.IsDir():
		return fmt.Errorf("path is not a directory: %s", path)
	case !git.IsRepo(path):
		return fmt.Errorf("not a git repository (no .git found): %s", path)
	}
	return nil
}

// RemoveOrphans deletes sandbox worktrees under sandboxRoot left behind by
// a process that exited without destroying its sandbox. The sandbox named
// keep, if any, is left alone. Failures are logged and skipped.
func RemoveOrphans(ctx context.Context, g *git.Git, repoRoot, sandboxRoot, keep string) (int, error) {
	entries, err := os.ReadDir(sandboxRoot)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read sandbox root: %w", err)
	}

	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), idPrefix) || e.Name() == keep {
			continue
		}
		dir := filepath.Join(sandboxRoot, e.Name())
		if err := g.RemoveWorktree(ctx, repoRoot, dir); err != nil {
			slog.Warn("failed to remove orphaned sandbox", "dir", dir, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// RemoveOrphans removes every sandbox worktree except the live one.
func (m *Manager) RemoveOrphans(ctx context.Context) (int, error) {
	live := m.Info().ID
	n, err := RemoveOrphans(ctx, m.cfg.Git, m.cfg.RepoRoot, m.cfg.SandboxRoot, live)
	if n > 0 {
		slog.Info("removed orphaned sandboxes", "count", n)
	}
	return n, err
}
