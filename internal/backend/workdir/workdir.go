// Package workdir manages per-job working directories under a fixed root.
package workdir

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Within reports whether path lies strictly inside root after lexical
// cleaning. root itself is not within root.
func Within(root, path string) bool {
	if root == "" || path == "" {
		return false
	}
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// Create makes root/name and returns its path. name must be a single path
// element.
func Create(root, name string) (string, error) {
	dir := filepath.Join(root, name)
	if !Within(root, dir) || filepath.Base(dir) != name {
		return "", fmt.Errorf("invalid work directory name %q", name)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create work directory: %w", err)
	}
	return dir, nil
}

// Remove deletes path recursively when it lies inside root. Paths outside
// root are left alone and reported as an error.
func Remove(root, path string) error {
	if !Within(root, path) {
		return fmt.Errorf("refusing to remove %q outside %q", path, root)
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove work directory: %w", err)
	}
	return nil
}
