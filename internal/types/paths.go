package types

import (
	"path/filepath"
	"strings"
)

// CleanRelPath validates a path that must stay inside some root directory.
// Absolute paths and paths that escape the root via ".." are rejected with
// an access-denied error. The returned path is cleaned and slash-separated.
func CleanRelPath(op, p string) (string, error) {
	if p == "" {
		return "", Errorf(KindValidation, op, "path is required")
	}
	if filepath.IsAbs(p) || strings.HasPrefix(p, "/") || strings.HasPrefix(p, `\`) {
		return "", Errorf(KindAccessDenied, op, "absolute path not allowed: %s", p)
	}
	clean := filepath.ToSlash(filepath.Clean(p))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", Errorf(KindAccessDenied, op, "path escapes root: %s", p)
	}
	if clean == "." {
		return "", Errorf(KindValidation, op, "path must name a file: %s", p)
	}
	return clean, nil
}

// IsProtectedPath reports whether rel (already cleaned) is under one of the
// protected prefixes. ".git" is always protected.
func IsProtectedPath(rel string, protected []string) bool {
	for _, p := range append([]string{".git"}, protected...) {
		p = strings.TrimSuffix(filepath.ToSlash(filepath.Clean(p)), "/")
		if rel == p || strings.HasPrefix(rel, p+"/") {
			return true
		}
	}
	return false
}
