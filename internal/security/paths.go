package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var (
	// ErrPathTraversal classifies rejected workspace-relative inputs.
	ErrPathTraversal = errors.New("path traversal")
	// ErrSymlinkEscape classifies real paths resolving outside the workspace.
	ErrSymlinkEscape = errors.New("symlink escape")
)

// PathTraversalError is returned when a relative path is absolute or climbs out of the workspace.
type PathTraversalError struct {
	Path   string
	Reason string
}

func (e *PathTraversalError) Error() string {
	reason := strings.TrimSpace(e.Reason)
	if reason == "" {
		reason = "absolute paths and parent directory references are not allowed"
	}
	return fmt.Sprintf("invalid path %q: %s", e.Path, reason)
}

// Is enables errors.Is checks against ErrPathTraversal.
func (e *PathTraversalError) Is(target error) bool {
	if target == ErrPathTraversal {
		return true
	}
	_, ok := target.(*PathTraversalError)
	return ok
}

// SymlinkEscapeError is returned when a path resolves outside the workspace root.
type SymlinkEscapeError struct {
	Path string
}

func (e *SymlinkEscapeError) Error() string {
	return fmt.Sprintf("symlink target escapes workspace: %q", e.Path)
}

// Is enables errors.Is checks against ErrSymlinkEscape.
func (e *SymlinkEscapeError) Is(target error) bool {
	if target == ErrSymlinkEscape {
		return true
	}
	_, ok := target.(*SymlinkEscapeError)
	return ok
}

// ValidateWorkspacePath joins a user-supplied relative path onto root after
// rejecting absolute paths and parent directory escapes. It never touches the
// filesystem.
func ValidateWorkspacePath(root, relativePath string) (string, error) {
	if strings.TrimSpace(relativePath) == "" {
		return "", &PathTraversalError{Path: relativePath, Reason: "path must not be empty"}
	}
	if strings.ContainsRune(relativePath, 0) {
		return "", &PathTraversalError{Path: relativePath, Reason: "path must not contain NUL bytes"}
	}
	if isAbsolute(relativePath) {
		return "", &PathTraversalError{Path: relativePath}
	}

	// Backslashes are separators on Windows runners; treat them the same everywhere.
	normalized := filepath.Clean(filepath.FromSlash(strings.ReplaceAll(relativePath, `\`, "/")))
	if normalized == ".." || strings.HasPrefix(normalized, ".."+string(filepath.Separator)) {
		return "", &PathTraversalError{Path: relativePath}
	}

	return filepath.Join(root, normalized), nil
}

// ValidateRealPath resolves every symlink in candidatePath and fails when the
// result is not root or a descendant of root. candidatePath must exist.
func ValidateRealPath(root, candidatePath string) (string, error) {
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	realPath, err := filepath.EvalSymlinks(candidatePath)
	if err != nil {
		return "", fmt.Errorf("resolve real path: %w", err)
	}
	if !within(realRoot, realPath) {
		return "", &SymlinkEscapeError{Path: candidatePath}
	}
	return realPath, nil
}

func isAbsolute(path string) bool {
	if filepath.IsAbs(path) {
		return true
	}
	if strings.HasPrefix(path, "/") || strings.HasPrefix(path, `\`) {
		return true
	}
	// Drive-qualified Windows paths ("C:\x", "C:x") are absolute for our purposes.
	return len(path) >= 2 && path[1] == ':' && isASCIILetter(path[0])
}

func isASCIILetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
