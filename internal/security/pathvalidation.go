// Package security guards the file paths that remote callers may name.
package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrPathEscape is returned (wrapped) for a path that leaves its directory.
var ErrPathEscape = errors.New("path escapes directory")

// ResolveWithin joins rel onto dir and checks the result stays inside dir,
// following symlinks. rel must be relative.
func ResolveWithin(dir, rel string) (string, error) {
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%q must be a relative path inside the data directory: %w", rel, ErrPathEscape)
	}
	p := filepath.Join(dir, rel)
	if err := ValidatePathWithinDirectory(p, dir); err != nil {
		return "", err
	}
	return p, nil
}

// ValidatePathWithinDirectory checks if a file path is within a safe directory.
// It prevents path traversal attacks by ensuring the resolved path doesn't escape
// the specified safe directory, including through symlinks. The safe directory
// must exist.
func ValidatePathWithinDirectory(filePath, safeDir string) error {
	absPath, err := filepath.Abs(filepath.Clean(filePath))
	if err != nil {
		return fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	absSafeDir, err := filepath.Abs(safeDir)
	if err != nil {
		return fmt.Errorf("failed to resolve safe directory path: %w", err)
	}

	canonicalPath, err := canonical(absPath)
	if err != nil {
		return err
	}
	canonicalSafeDir, err := filepath.EvalSymlinks(absSafeDir)
	if err != nil {
		return fmt.Errorf("failed to resolve safe directory symlinks: %w", err)
	}

	relPath, err := filepath.Rel(canonicalSafeDir, canonicalPath)
	if err != nil {
		return fmt.Errorf("path is outside safe directory: %w", err)
	}
	if relPath == ".." || strings.HasPrefix(relPath, ".."+string(filepath.Separator)) || filepath.IsAbs(relPath) {
		return fmt.Errorf("%s attempts to escape %s: %w", filePath, safeDir, ErrPathEscape)
	}
	return nil
}

// canonical resolves the symlinks of absPath. For a path that does not
// exist yet, the deepest existing ancestor is resolved instead, so an
// output under a symlinked directory is still caught.
func canonical(absPath string) (string, error) {
	if resolved, err := filepath.EvalSymlinks(absPath); err == nil {
		return resolved, nil
	}
	for check := absPath; ; {
		parent := filepath.Dir(check)
		if parent == check {
			return absPath, nil
		}
		if resolved, err := filepath.EvalSymlinks(parent); err == nil {
			rel, err := filepath.Rel(parent, absPath)
			if err != nil {
				return "", err
			}
			return filepath.Join(resolved, rel), nil
		}
		check = parent
	}
}
