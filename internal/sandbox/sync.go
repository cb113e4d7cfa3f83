package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/steveyegge/forge/internal/git"
	"github.com/steveyegge/forge/internal/types"
)

// SyncFromHost copies the host working tree into the sandbox working copy.
// With no paths every file git lists for the host (tracked plus untracked,
// not ignored) is copied; with paths only those files or directories are.
// Host wins: sandbox-local edits to synced files are overwritten, and a path
// missing on the host is removed from the sandbox. The sandbox root and the
// configured Exclude dirs are never copied.
func (m *Manager) SyncFromHost(ctx context.Context, paths []string) (*SyncResult, error) {
	const op = "sandbox.sync"
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireRunningLocked(op); err != nil {
		return nil, err
	}

	res, err := m.syncLocked(ctx, op, paths)
	if err != nil {
		return res, err
	}
	m.info.LastUsedAt = m.Now()
	slog.Info("sandbox synced from host", "sandbox_id", m.info.ID, "copied", res.Copied, "removed", len(res.Removed))
	return res, nil
}

// Reset discards everything earlier work left in the sandbox: the working
// copy is moved to the host's HEAD, untracked files are deleted, and the
// host working tree is synced on top.
func (m *Manager) Reset(ctx context.Context) (*SyncResult, error) {
	const op = "sandbox.reset"
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireRunningLocked(op); err != nil {
		return nil, err
	}

	head, err := m.cfg.Git.HeadRef(ctx, m.cfg.RepoRoot)
	if err != nil {
		return nil, types.Wrap(types.KindSandboxFailure, op, err)
	}
	if err := m.cfg.Git.ResetHard(ctx, m.info.WorkDir, head); err != nil {
		return nil, types.Wrap(types.KindSandboxFailure, op, err)
	}
	if err := m.cfg.Git.Clean(ctx, m.info.WorkDir); err != nil {
		return nil, types.Wrap(types.KindSandboxFailure, op, err)
	}

	res, err := m.syncLocked(ctx, op, nil)
	if err != nil {
		return res, err
	}
	m.info.LastUsedAt = m.Now()
	slog.Info("sandbox reset to host", "sandbox_id", m.info.ID, "head", head, "copied", res.Copied, "removed", len(res.Removed))
	return res, nil
}

func (m *Manager) syncLocked(ctx context.Context, op string, paths []string) (*SyncResult, error) {
	res := &SyncResult{}

	if len(paths) == 0 {
		files, err := m.cfg.Git.ListFiles(ctx, m.cfg.RepoRoot)
		if err != nil {
			return nil, types.Wrap(types.KindSandboxFailure, op, err)
		}
		for _, rel := range files {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			// Nested repositories and worktrees
			if strings.HasSuffix(rel, "/") || m.excluded(rel) {
				continue
			}
			if err := m.syncFileLocked(rel, res); err != nil {
				return res, types.Wrap(types.KindSandboxFailure, op, err)
			}
		}
		return res, nil
	}

	rels := make([]string, 0, len(paths))
	for _, p := range paths {
		rel, err := types.CleanRelPath(op, p)
		if err != nil {
			return nil, err
		}
		if types.IsProtectedPath(rel, nil) {
			return nil, types.Errorf(types.KindAccessDenied, op, "path is protected: %s", rel)
		}
		if m.excluded(rel) {
			return nil, types.Errorf(types.KindAccessDenied, op, "path is excluded from sync: %s", rel)
		}
		rels = append(rels, rel)
	}

	for _, rel := range rels {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		src := filepath.Join(m.cfg.RepoRoot, filepath.FromSlash(rel))
		if _, err := os.Lstat(src); os.IsNotExist(err) {
			dst := filepath.Join(m.info.WorkDir, filepath.FromSlash(rel))
			if err := os.RemoveAll(dst); err != nil {
				return res, types.Wrap(types.KindSandboxFailure, op, err)
			}
			res.Removed = append(res.Removed, rel)
			continue
		}
		n, err := m.copyTree(src)
		res.Copied += n
		if err != nil {
			return res, types.Wrap(types.KindSandboxFailure, op, err)
		}
	}
	return res, nil
}

// syncFileLocked copies one host file into the working copy, or removes it
// there when the host no longer has it.
func (m *Manager) syncFileLocked(rel string, res *SyncResult) error {
	src := filepath.Join(m.cfg.RepoRoot, filepath.FromSlash(rel))
	dst := filepath.Join(m.info.WorkDir, filepath.FromSlash(rel))

	info, err := os.Lstat(src)
	if os.IsNotExist(err) {
		if _, err := os.Lstat(dst); err == nil {
			if err := os.Remove(dst); err != nil {
				return fmt.Errorf("failed to remove %s: %w", rel, err)
			}
			res.Removed = append(res.Removed, rel)
		}
		return nil
	}
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}
	changed, err := copyFile(src, dst, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("failed to copy %s: %w", rel, err)
	}
	if changed {
		res.Copied++
	}
	return nil
}

// copyTree copies regular files under src into the working copy, skipping
// .git, nested repositories, excluded dirs and files whose content is
// unchanged.
func (m *Manager) copyTree(src string) (int, error) {
	copied := 0
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(m.cfg.RepoRoot, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if d.Name() == ".git" || m.excluded(rel) {
				return filepath.SkipDir
			}
			if path != src && rel != "." && git.IsRepo(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() == ".git" || !d.Type().IsRegular() || m.excluded(rel) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		changed, err := copyFile(path, filepath.Join(m.info.WorkDir, filepath.FromSlash(rel)), info.Mode().Perm())
		if err != nil {
			return fmt.Errorf("failed to copy %s: %w", rel, err)
		}
		if changed {
			copied++
		}
		return nil
	})
	return copied, err
}

// copyFile writes src to dst unless dst already holds the same bytes.
func copyFile(src, dst string, perm fs.FileMode) (bool, error) {
	data, err := os.ReadFile(src)
	if err != nil {
		return false, err
	}
	if existing, err := os.ReadFile(dst); err == nil && bytes.Equal(existing, data) {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return false, err
	}
	if err := os.WriteFile(dst, data, perm); err != nil {
		return false, err
	}
	return true, nil
}

// excluded reports whether the host-relative path lies in the sandbox root
// or an Exclude dir.
func (m *Manager) excluded(rel string) bool {
	if rel == "." || rel == "" {
		return false
	}
	for _, ex := range m.excludes {
		if rel == ex || strings.HasPrefix(rel, ex+"/") {
			return true
		}
	}
	return false
}

// excludedPrefixes turns the sandbox root and the Exclude dirs into
// slash-separated prefixes relative to the repo root. Dirs outside the repo
// are dropped.
func excludedPrefixes(repoRoot string, dirs []string) []string {
	root := resolvePath(repoRoot)
	var out []string
	for _, d := range dirs {
		if d == "" {
			continue
		}
		rel, err := filepath.Rel(root, resolvePath(d))
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		out = append(out, filepath.ToSlash(rel))
	}
	return out
}

func resolvePath(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real
	}
	return abs
}
