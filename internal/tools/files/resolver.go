package files

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Resolver implements the file tools' path-scoping algorithm: expand `~`,
// canonicalize by resolving all symlinks, then require the canonical path to
// start with the canonical form of some entry in AllowedDirs (when that list
// is non-empty). Canonicalization must happen before the prefix check, or a
// symlink inside an allowed directory that points outside it would slip
// through.
type Resolver struct {
	// Root anchors relative paths; defaults to "." when empty.
	Root string
	// AllowedDirs, when non-empty, restricts resolution to paths under one
	// of these directories (each itself resolved through symlinks).
	AllowedDirs []string
}

// Resolve returns the canonical absolute path for path, or an error if it
// escapes the workspace root or every entry of AllowedDirs.
func (r Resolver) Resolve(path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", fmt.Errorf("path is required")
	}

	expanded, err := expandHome(clean)
	if err != nil {
		return "", err
	}

	root := strings.TrimSpace(r.Root)
	if root == "" {
		root = "."
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}

	var target string
	if filepath.IsAbs(expanded) {
		target = filepath.Clean(expanded)
	} else {
		target = filepath.Join(rootAbs, expanded)
	}

	canonical, err := canonicalize(target)
	if err != nil {
		return "", err
	}

	canonicalRoot, err := canonicalize(rootAbs)
	if err == nil {
		if rel, relErr := filepath.Rel(canonicalRoot, canonical); relErr != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
			if len(r.AllowedDirs) == 0 {
				return "", fmt.Errorf("path escapes workspace")
			}
		}
	}

	if len(r.AllowedDirs) > 0 {
		allowed := false
		for _, dir := range r.AllowedDirs {
			canonicalDir, dirErr := canonicalize(dir)
			if dirErr != nil {
				continue
			}
			if canonical == canonicalDir {
				allowed = true
				break
			}
			if rel, relErr := filepath.Rel(canonicalDir, canonical); relErr == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
				allowed = true
				break
			}
		}
		if !allowed {
			return "", fmt.Errorf("path outside allowed directories")
		}
	}

	return canonical, nil
}

// canonicalize resolves symlinks for every existing ancestor of target,
// falling back to filepath.Clean for path components that don't exist yet
// (e.g. a file about to be created by write_file).
func canonicalize(target string) (string, error) {
	if resolved, err := filepath.EvalSymlinks(target); err == nil {
		return resolved, nil
	}

	dir := filepath.Dir(target)
	resolvedDir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		// Neither the path nor its parent exists yet; clean and accept as-is.
		return filepath.Clean(target), nil
	}
	return filepath.Join(resolvedDir, filepath.Base(target)), nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~/")), nil
}
