package git

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Git implements Operations using the git CLI.
type Git struct {
	// gitPath is the path to the git executable
	gitPath string
}

// NewGit creates a new Git instance.
// It verifies that git is available on the system.
func NewGit(ctx context.Context) (*Git, error) {
	gitPath, err := exec.LookPath("git")
	if err != nil {
		return nil, fmt.Errorf("git not found in PATH: %w", err)
	}

	// Verify git works
	cmd := exec.CommandContext(ctx, gitPath, "version")
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("git command failed: %w", err)
	}

	return &Git{gitPath: gitPath}, nil
}

// IsRepo reports whether path is the root of a git repository or worktree.
// For worktrees, .git is a file that points to the parent repo.
func IsRepo(path string) bool {
	_, err := os.Stat(filepath.Join(path, ".git"))
	return err == nil
}

func (g *Git) run(ctx context.Context, repoPath string, args ...string) (string, error) {
	full := append([]string{"-C", repoPath}, args...)
	cmd := exec.CommandContext(ctx, g.gitPath, full...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return string(out), fmt.Errorf("git %s failed in %s: %w (stderr: %s)",
			args[0], repoPath, err, strings.TrimSpace(stderr.String()))
	}
	return string(out), nil
}

// HeadRef returns the commit hash HEAD points at.
// SECURITY: repoPath must be a validated, trusted path. This function
// does not perform path validation or sandboxing.
func (g *Git) HeadRef(ctx context.Context, repoPath string) (string, error) {
	out, err := g.run(ctx, repoPath, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// GetStatus parses `git status --porcelain` for the working copy.
func (g *Git) GetStatus(ctx context.Context, repoPath string) (*Status, error) {
	output, err := g.run(ctx, repoPath, "status", "--porcelain")
	if err != nil {
		return nil, err
	}

	status := &Status{}
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) < 4 {
			continue
		}
		// XY PATH, or XY ORIG -> PATH for renames
		path := line[3:]
		if _, to, ok := strings.Cut(path, " -> "); ok {
			path = to
		}
		status.Paths = append(status.Paths, path)
		if line[:2] == "??" {
			status.Untracked = append(status.Untracked, path)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to parse git status: %w", err)
	}

	status.HasChanges = len(status.Paths) > 0
	return status, nil
}

// CommitAll stages every change and creates a commit, returning its hash.
func (g *Git) CommitAll(ctx context.Context, repoPath string, opts CommitOptions) (string, error) {
	if opts.Message == "" {
		return "", fmt.Errorf("commit message is required")
	}

	if _, err := g.run(ctx, repoPath, "add", "-A"); err != nil {
		return "", err
	}

	if _, err := g.run(ctx, repoPath, "commit", "-m", opts.Message); err != nil {
		return "", err
	}

	return g.HeadRef(ctx, repoPath)
}

// Diff returns uncommitted changes against HEAD, including files that are
// not yet tracked. Paths optionally restrict the diff.
func (g *Git) Diff(ctx context.Context, repoPath string, paths ...string) (string, error) {
	// Mark untracked files intent-to-add so they show up in the diff
	if _, err := g.run(ctx, repoPath, "add", "--intent-to-add", "."); err != nil {
		return "", err
	}

	args := []string{"diff", "HEAD", "--no-color"}
	if len(paths) > 0 {
		args = append(args, "--")
		args = append(args, paths...)
	}
	return g.run(ctx, repoPath, args...)
}

// ShowFile returns the content of path at ref. ErrPathNotInRef is returned
// when the file does not exist at that ref.
func (g *Git) ShowFile(ctx context.Context, repoPath, ref, path string) ([]byte, error) {
	out, err := g.run(ctx, repoPath, "show", ref+":"+path)
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") || strings.Contains(err.Error(), "exists on disk, but not in") {
			return nil, ErrPathNotInRef
		}
		return nil, err
	}
	return []byte(out), nil
}

// ErrPathNotInRef is returned by ShowFile for paths missing at the ref.
var ErrPathNotInRef = errors.New("path not present at ref")

// ResetMixed moves HEAD (and the index) to ref, leaving the working tree alone.
func (g *Git) ResetMixed(ctx context.Context, repoPath, ref string) error {
	_, err := g.run(ctx, repoPath, "reset", "--mixed", "--quiet", ref)
	return err
}

// ResetHard moves HEAD, the index and the working tree to ref.
func (g *Git) ResetHard(ctx context.Context, repoPath, ref string) error {
	_, err := g.run(ctx, repoPath, "reset", "--hard", "--quiet", ref)
	return err
}

// Clean deletes untracked files and directories. Ignored files stay.
func (g *Git) Clean(ctx context.Context, repoPath string) error {
	_, err := g.run(ctx, repoPath, "clean", "-fd", "--quiet")
	return err
}

// ListFiles returns the tracked files plus the untracked files git does not
// ignore, relative to repoPath and slash-separated. Nested repositories and
// worktrees show up as a single entry ending in "/".
func (g *Git) ListFiles(ctx context.Context, repoPath string) ([]string, error) {
	out, err := g.run(ctx, repoPath, "ls-files", "-z", "--cached", "--others", "--exclude-standard")
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var files []string
	for _, f := range strings.Split(out, "\x00") {
		// Conflicted paths are listed once per stage
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		files = append(files, f)
	}
	return files, nil
}

// AddWorktree creates a detached worktree of repoPath at worktreePath.
func (g *Git) AddWorktree(ctx context.Context, repoPath, worktreePath, ref string) error {
	if ref == "" {
		ref = "HEAD"
	}
	_, err := g.run(ctx, repoPath, "worktree", "add", "--detach", worktreePath, ref)
	return err
}

// RemoveWorktree removes a worktree, falling back to deleting the directory
// and pruning when git refuses (e.g. the worktree is already broken).
func (g *Git) RemoveWorktree(ctx context.Context, repoPath, worktreePath string) error {
	if _, err := os.Stat(worktreePath); os.IsNotExist(err) {
		return nil
	}
	if _, err := g.run(ctx, repoPath, "worktree", "remove", "--force", worktreePath); err != nil {
		if rmErr := os.RemoveAll(worktreePath); rmErr != nil {
			return fmt.Errorf("failed to remove worktree directory: %w", rmErr)
		}
		_, _ = g.run(ctx, repoPath, "worktree", "prune") // Best-effort
	}
	return nil
}
