// Package handoff carries a validated reflection result through human review
// into the production tree, and back out again.
//
// An artifact moves pending -> approved|rejected -> executed -> rolled_back.
// Execution snapshots the affected files first and restores the snapshot on
// any failure, so the tree is never left half-applied.
package handoff

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/steveyegge/forge/internal/patch"
	"github.com/steveyegge/forge/internal/rollback"
	"github.com/steveyegge/forge/internal/types"
)

// Status is the artifact lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusApproved   Status = "approved"
	StatusRejected   Status = "rejected"
	StatusExecuted   Status = "executed"
	StatusRolledBack Status = "rolled_back"
)

// IsValid checks if the status value is valid
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusExecuted, StatusRolledBack:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusRejected || s == StatusRolledBack
}

// Review is the reviewer's decision on a pending artifact.
type Review struct {
	Approved      bool      `json:"approved"`
	Reviewer      string    `json:"reviewer"`
	Comments      string    `json:"comments,omitempty"`
	ApprovedFiles []string  `json:"approved_files,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// ExecutionResult describes the last execute attempt.
type ExecutionResult struct {
	Success      bool     `json:"success"`
	AppliedFiles []string `json:"applied_files"`
	SnapshotID   string   `json:"snapshot_id,omitempty"`
	Restored     bool     `json:"restored"` // snapshot was restored after a failure
	Error        string   `json:"error,omitempty"`
	DurationMs   int64    `json:"duration_ms"`
}

// Artifact is a reviewable package of one reflection task's change. It is
// stored as a versioned JSON document; Version increases on every write.
type Artifact struct {
	Version         int                `json:"version"`
	ID              string             `json:"id"`
	TaskID          string             `json:"task_id"`
	Objective       string             `json:"objective"`
	Files           []types.FileChange `json:"files"`
	Diff            string             `json:"diff"`
	Stats           []patch.FileStat   `json:"stats,omitempty"`
	Metadata        map[string]string  `json:"metadata,omitempty"`
	Status          Status             `json:"status"`
	Review          *Review            `json:"review,omitempty"`
	ExecutionResult *ExecutionResult   `json:"execution_result,omitempty"`
	SnapshotID      string             `json:"snapshot_id,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// Paths returns the sorted paths the artifact touches.
func (a *Artifact) Paths() []string {
	paths := types.ChangedPaths(a.Files)
	sort.Strings(paths)
	return paths
}

func (a *Artifact) clone() *Artifact {
	c := *a
	c.Files = append([]types.FileChange(nil), a.Files...)
	c.Stats = append([]patch.FileStat(nil), a.Stats...)
	if a.Metadata != nil {
		c.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			c.Metadata[k] = v
		}
	}
	if a.Review != nil {
		r := *a.Review
		r.ApprovedFiles = append([]string(nil), a.Review.ApprovedFiles...)
		c.Review = &r
	}
	if a.ExecutionResult != nil {
		e := *a.ExecutionResult
		e.AppliedFiles = append([]string(nil), a.ExecutionResult.AppliedFiles...)
		c.ExecutionResult = &e
	}
	return &c
}

// docStore keeps one JSON document per artifact.
type docStore struct {
	dir string
}

func (d docStore) path(id string) string {
	return filepath.Join(d.dir, id+".json")
}

func (d docStore) save(a *Artifact) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal artifact %s: %w", a.ID, err)
	}
	return rollback.WriteFileAtomic(d.path(a.ID), data, 0644)
}

func (d docStore) loadAll() (map[string]*Artifact, error) {
	out := map[string]*Artifact{}
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, fmt.Errorf("failed to read artifact dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(d.dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read artifact %s: %w", e.Name(), err)
		}
		var a Artifact
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("failed to parse artifact %s: %w", e.Name(), err)
		}
		if !a.Status.IsValid() {
			return nil, fmt.Errorf("artifact %s has invalid status %q", a.ID, a.Status)
		}
		out[a.ID] = &a
	}
	return out, nil
}
