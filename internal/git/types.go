package git

import (
	"context"
)

// Operations is the subset of git the sandbox and the rollback store need.
type Operations interface {
	// HeadRef returns the commit hash HEAD points at.
	HeadRef(ctx context.Context, repoPath string) (string, error)

	// GetStatus returns detailed git status information.
	GetStatus(ctx context.Context, repoPath string) (*Status, error)

	// CommitAll stages all changes and creates a commit.
	// Returns the commit hash if successful.
	CommitAll(ctx context.Context, repoPath string, opts CommitOptions) (string, error)

	// Diff returns uncommitted changes (tracked and untracked) against HEAD.
	Diff(ctx context.Context, repoPath string, paths ...string) (string, error)

	// ShowFile returns a file's content at the given ref.
	ShowFile(ctx context.Context, repoPath, ref, path string) ([]byte, error)

	// ResetMixed moves HEAD and the index to ref without touching the working tree.
	ResetMixed(ctx context.Context, repoPath, ref string) error
}

var _ Operations = (*Git)(nil)

// Status lists the paths that differ from HEAD in a working copy
type Status struct {
	// Paths holds every changed path, tracked or not
	Paths []string

	// Untracked is the subset of Paths git does not know about yet
	Untracked []string

	HasChanges bool
}

// CommitOptions configures CommitAll
type CommitOptions struct {
	Message string
}
