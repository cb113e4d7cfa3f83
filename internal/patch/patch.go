// Package patch builds, filters and summarizes unified diffs.
package patch

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

const devNull = "/dev/null"

// FileStat summarizes the change to one file.
type FileStat struct {
	Path    string `json:"path"`
	Added   int    `json:"added"`
	Deleted int    `json:"deleted"`
}

// Render produces a unified diff that replaces old with new in one hunk.
// A nil old means the file is created; a nil new means it is deleted.
// Returns "" when the content is unchanged.
func Render(path string, old, new []byte) string {
	if old != nil && new != nil && bytes.Equal(old, new) {
		return ""
	}
	fd := &diff.FileDiff{
		OrigName: "a/" + path,
		NewName:  "b/" + path,
		Extended: []string{fmt.Sprintf("diff --git a/%s b/%s", path, path)},
	}
	switch {
	case old == nil:
		fd.OrigName = devNull
		fd.Extended = append(fd.Extended, "new file mode 100644")
	case new == nil:
		fd.NewName = devNull
		fd.Extended = append(fd.Extended, "deleted file mode 100644")
	}

	oldLines, newLines := splitLines(old), splitLines(new)
	var body bytes.Buffer
	for _, l := range oldLines {
		body.WriteString("-" + l + "\n")
	}
	for _, l := range newLines {
		body.WriteString("+" + l + "\n")
	}
	hunk := &diff.Hunk{
		OrigLines: int32(len(oldLines)),
		NewLines:  int32(len(newLines)),
		Body:      body.Bytes(),
	}
	if len(oldLines) > 0 {
		hunk.OrigStartLine = 1
	}
	if len(newLines) > 0 {
		hunk.NewStartLine = 1
	}
	fd.Hunks = []*diff.Hunk{hunk}

	out, err := diff.PrintFileDiff(fd)
	if err != nil {
		// PrintFileDiff only fails on writer errors, which bytes.Buffer never returns
		return ""
	}
	return string(out)
}

// Filter keeps only the file sections of text whose path satisfies keep.
func Filter(text string, keep func(path string) bool) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	fds, err := diff.ParseMultiFileDiff([]byte(text))
	if err != nil {
		return "", fmt.Errorf("failed to parse diff: %w", err)
	}
	kept := fds[:0]
	for _, fd := range fds {
		if keep(PathOf(fd)) {
			kept = append(kept, fd)
		}
	}
	if len(kept) == 0 {
		return "", nil
	}
	out, err := diff.PrintMultiFileDiff(kept)
	if err != nil {
		return "", fmt.Errorf("failed to print diff: %w", err)
	}
	return string(out), nil
}

// Stats returns per-file line counts for text, sorted by path.
func Stats(text string) ([]FileStat, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	fds, err := diff.ParseMultiFileDiff([]byte(text))
	if err != nil {
		return nil, fmt.Errorf("failed to parse diff: %w", err)
	}
	stats := make([]FileStat, 0, len(fds))
	for _, fd := range fds {
		st := fd.Stat()
		// go-diff counts a -/+ pair as "changed"
		stats = append(stats, FileStat{
			Path:    PathOf(fd),
			Added:   int(st.Added + st.Changed),
			Deleted: int(st.Deleted + st.Changed),
		})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Path < stats[j].Path })
	return stats, nil
}

// PathOf returns the repository-relative path a file diff applies to.
func PathOf(fd *diff.FileDiff) string {
	if fd.NewName != devNull && fd.NewName != "" {
		return strings.TrimPrefix(fd.NewName, "b/")
	}
	return strings.TrimPrefix(fd.OrigName, "a/")
}

func splitLines(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}
