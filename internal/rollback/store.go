// Package rollback keeps restorable checkpoints of the production tree.
//
// A snapshot records the git HEAD of the tree plus a byte copy of every file
// in its scope (or the fact that the file did not exist). Restoring a snapshot
// is all-or-nothing: if any file cannot be put back, files already restored
// are reverted to their pre-restore content.
package rollback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/steveyegge/forge/internal/audit"
	"github.com/steveyegge/forge/internal/git"
	"github.com/steveyegge/forge/internal/types"
)

const metaFile = "snapshot.json"

// FileBackup describes one file captured by a snapshot.
type FileBackup struct {
	Path    string      `json:"path"`
	Existed bool        `json:"existed"`
	Mode    os.FileMode `json:"mode,omitempty"`
	Backup  string      `json:"backup,omitempty"` // file name under the snapshot's backup dir
}

// Snapshot is an immutable checkpoint. It is never modified after Create.
type Snapshot struct {
	ID          string       `json:"id"`
	Timestamp   time.Time    `json:"timestamp"`
	Description string       `json:"description"`
	SourceRef   string       `json:"source_ref,omitempty"`
	BackupPath  string       `json:"backup_path,omitempty"`
	Scope       []string     `json:"scope"`
	Files       []FileBackup `json:"files"`
}

// RestoreResult reports what a restore did.
type RestoreResult struct {
	SnapshotID    string   `json:"snapshot_id"`
	RestoredFiles []string `json:"restored_files"`
	ResetTo       string   `json:"reset_to,omitempty"`
	DurationMs    int64    `json:"duration_ms"`
}

// Store creates, lists and restores snapshots of one working tree.
type Store struct {
	mu    sync.Mutex
	root  string
	dir   string
	git   git.Operations
	audit audit.Recorder

	// Now is the clock used for snapshot timestamps
	Now func() time.Time

	// writeFile and removeFile touch the production tree; tests replace
	// them to simulate failures part-way through a restore.
	writeFile  func(path string, data []byte, perm os.FileMode) error
	removeFile func(path string) error
}

// NewStore returns a store for the tree at root keeping snapshots under dir.
// g may be nil when root is not a git repository; rec may be nil to skip auditing.
func NewStore(root, dir string, g git.Operations, rec audit.Recorder) (*Store, error) {
	if root == "" || dir == "" {
		return nil, types.Errorf(types.KindValidation, "rollback.new", "root and snapshot dir are required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot dir: %w", err)
	}
	if g != nil && !git.IsRepo(root) {
		g = nil
	}
	return &Store{
		root:       root,
		dir:        dir,
		git:        g,
		audit:      rec,
		Now:        time.Now,
		writeFile:  WriteFileAtomic,
		removeFile: removeIfExists,
	}, nil
}

// Root returns the tree this store protects.
func (s *Store) Root() string {
	return s.root
}

// Create captures the current content of every path in scope.
func (s *Store) Create(ctx context.Context, description string, scope []string) (*Snapshot, error) {
	const op = "rollback.create"
	if len(scope) == 0 {
		return nil, types.Errorf(types.KindValidation, op, "snapshot scope is empty")
	}

	snap := &Snapshot{
		ID:          "snap-" + uuid.New().String(),
		Timestamp:   s.Now().UTC(),
		Description: description,
	}
	snap.BackupPath = filepath.Join(s.dir, snap.ID)

	seen := map[string]bool{}
	for _, p := range scope {
		rel, err := types.CleanRelPath(op, p)
		if err != nil {
			return nil, err
		}
		if !seen[rel] {
			seen[rel] = true
			snap.Scope = append(snap.Scope, rel)
		}
	}

	if s.git != nil {
		ref, err := s.git.HeadRef(ctx, s.root)
		if err != nil {
			// Fresh repos have no HEAD; file backups still work.
			slog.Warn("snapshot without source ref", "error", err)
		} else {
			snap.SourceRef = ref
		}
	}

	filesDir := filepath.Join(snap.BackupPath, "files")
	if err := os.MkdirAll(filesDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create backup dir: %w", err)
	}

	for i, rel := range snap.Scope {
		fb := FileBackup{Path: rel}
		abs := filepath.Join(s.root, filepath.FromSlash(rel))
		info, err := os.Stat(abs)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			_ = os.RemoveAll(snap.BackupPath)
			return nil, fmt.Errorf("failed to stat %s: %w", rel, err)
		default:
			data, err := os.ReadFile(abs)
			if err != nil {
				_ = os.RemoveAll(snap.BackupPath)
				return nil, fmt.Errorf("failed to back up %s: %w", rel, err)
			}
			fb.Existed = true
			fb.Mode = info.Mode().Perm()
			fb.Backup = strconv.Itoa(i)
			if err := os.WriteFile(filepath.Join(filesDir, fb.Backup), data, 0600); err != nil {
				_ = os.RemoveAll(snap.BackupPath)
				return nil, fmt.Errorf("failed to write backup of %s: %w", rel, err)
			}
		}
		snap.Files = append(snap.Files, fb)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := WriteFileAtomic(filepath.Join(snap.BackupPath, metaFile), data, 0644); err != nil {
		_ = os.RemoveAll(snap.BackupPath)
		return nil, err
	}

	slog.Info("snapshot created", "snapshot_id", snap.ID, "files", len(snap.Files), "source_ref", snap.SourceRef)
	return snap, nil
}

// Get loads one snapshot.
func (s *Store) Get(id string) (*Snapshot, error) {
	if id == "" || filepath.Base(id) != id {
		return nil, types.Errorf(types.KindNotFound, "rollback.get", "snapshot %q not found", id)
	}
	data, err := os.ReadFile(filepath.Join(s.dir, id, metaFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.Errorf(types.KindNotFound, "rollback.get", "snapshot %q not found", id)
		}
		return nil, fmt.Errorf("failed to read snapshot %s: %w", id, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot %s: %w", id, err)
	}
	return &snap, nil
}

// List returns all snapshots, newest first.
func (s *Store) List() ([]Snapshot, error) {
	dirs, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	snaps := []Snapshot{}
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		snap, err := s.Get(d.Name())
		if err != nil {
			if types.KindOf(err) == types.KindNotFound {
				continue // incomplete snapshot left by a crash
			}
			return nil, err
		}
		snaps = append(snaps, *snap)
	}
	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].Timestamp.Equal(snaps[j].Timestamp) {
			return snaps[i].ID > snaps[j].ID
		}
		return snaps[i].Timestamp.After(snaps[j].Timestamp)
	})
	return snaps, nil
}

// priorState is the pre-restore content of one file, kept for reverting.
type priorState struct {
	abs     string
	existed bool
	data    []byte
	mode    os.FileMode
}

// Restore puts every file in the snapshot's scope back. If any write fails,
// the files already written are reverted and a RollbackFailure is returned.
// A revert that also fails is logged at critical severity: the tree may then
// be inconsistent and needs an operator.
func (s *Store) Restore(ctx context.Context, id, actor string) (*RestoreResult, error) {
	const op = "rollback.restore"
	start := time.Now()

	snap, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	result, err := s.restoreLocked(ctx, snap)
	s.mu.Unlock()

	duration := time.Since(start)
	if result != nil {
		result.DurationMs = duration.Milliseconds()
	}

	if s.audit != nil {
		if actor == "" {
			actor = "system"
		}
		entry := audit.NewEntry(actor, audit.ActionSnapshotRestore, "restore snapshot "+snap.ID, audit.OutcomeOf(err), types.RiskHigh)
		entry.DurationMs = duration.Milliseconds()
		entry.Scope = snap.Scope
		entry = entry.With("snapshot_id", snap.ID)
		if err != nil {
			entry = entry.With("error", err.Error())
		}
		if _, aerr := s.audit.Record(ctx, entry); aerr != nil {
			slog.Warn("failed to audit snapshot restore", "snapshot_id", snap.ID, "error", aerr)
		}
	}

	if err != nil {
		return nil, types.Wrap(types.KindRollbackFailure, op, err)
	}
	return result, nil
}

func (s *Store) restoreLocked(ctx context.Context, snap *Snapshot) (*RestoreResult, error) {
	result := &RestoreResult{SnapshotID: snap.ID, RestoredFiles: []string{}}

	// Load every backup before touching the tree so a missing backup
	// cannot leave a half-restored state.
	contents := make([][]byte, len(snap.Files))
	for i, fb := range snap.Files {
		if !fb.Existed {
			continue
		}
		data, err := s.backupContent(ctx, snap, fb)
		if err != nil {
			return nil, err
		}
		contents[i] = data
	}

	prior := make([]priorState, len(snap.Files))
	for i, fb := range snap.Files {
		abs := filepath.Join(s.root, filepath.FromSlash(fb.Path))
		prior[i] = priorState{abs: abs}
		info, err := os.Stat(abs)
		if err == nil {
			data, rerr := os.ReadFile(abs)
			if rerr != nil {
				return nil, fmt.Errorf("failed to read %s before restore: %w", fb.Path, rerr)
			}
			prior[i].existed = true
			prior[i].data = data
			prior[i].mode = info.Mode().Perm()
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat %s before restore: %w", fb.Path, err)
		}
	}

	var priorHead string
	if s.git != nil && snap.SourceRef != "" {
		head, err := s.git.HeadRef(ctx, s.root)
		if err == nil && head != snap.SourceRef {
			if err := s.git.ResetMixed(ctx, s.root, snap.SourceRef); err != nil {
				return nil, fmt.Errorf("failed to reset to %s: %w", snap.SourceRef, err)
			}
			priorHead = head
			result.ResetTo = snap.SourceRef
		}
	}

	applied := 0
	for i, fb := range snap.Files {
		var err error
		if fb.Existed {
			mode := fb.Mode
			if mode == 0 {
				mode = 0644
			}
			err = s.writeFile(prior[i].abs, contents[i], mode)
		} else {
			err = s.removeFile(prior[i].abs)
		}
		if err != nil {
			restoreErr := fmt.Errorf("failed to restore %s: %w", fb.Path, err)
			if revertErr := s.revert(ctx, prior[:applied], priorHead); revertErr != nil {
				slog.Error("snapshot restore failed and could not be reverted; tree may be inconsistent",
					"severity", "critical", "snapshot_id", snap.ID, "error", restoreErr, "revert_error", revertErr)
				return nil, errors.Join(restoreErr, revertErr)
			}
			return nil, restoreErr
		}
		applied++
		result.RestoredFiles = append(result.RestoredFiles, fb.Path)
	}

	slog.Info("snapshot restored", "snapshot_id", snap.ID, "files", len(result.RestoredFiles))
	return result, nil
}

func (s *Store) backupContent(ctx context.Context, snap *Snapshot, fb FileBackup) ([]byte, error) {
	if fb.Backup != "" {
		data, err := os.ReadFile(filepath.Join(snap.BackupPath, "files", fb.Backup))
		if err == nil {
			return data, nil
		}
		if !os.IsNotExist(err) || s.git == nil || snap.SourceRef == "" {
			return nil, fmt.Errorf("failed to read backup of %s: %w", fb.Path, err)
		}
	}
	if s.git == nil || snap.SourceRef == "" {
		return nil, fmt.Errorf("no backup for %s", fb.Path)
	}
	// Fall back to the committed content at the snapshot's ref
	return s.git.ShowFile(ctx, s.root, snap.SourceRef, fb.Path)
}

// revert puts files back to their pre-restore state, in reverse order.
func (s *Store) revert(ctx context.Context, prior []priorState, priorHead string) error {
	var errs []error
	for i := len(prior) - 1; i >= 0; i-- {
		p := prior[i]
		var err error
		if p.existed {
			err = s.writeFile(p.abs, p.data, p.mode)
		} else {
			err = s.removeFile(p.abs)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("revert %s: %w", p.abs, err))
		}
	}
	if priorHead != "" {
		if err := s.git.ResetMixed(ctx, s.root, priorHead); err != nil {
			errs = append(errs, fmt.Errorf("revert HEAD to %s: %w", priorHead, err))
		}
	}
	return errors.Join(errs...)
}

// WriteFileAtomic writes data to a temp file next to path and renames it
// into place, creating parent directories as needed.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to chmod %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename into %s: %w", path, err)
	}
	return nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
