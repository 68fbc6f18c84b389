package runner

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ship-commander/wfrun/internal/security"
)

// ErrFileAccess marks workflow files that exist in the workspace but cannot
// be used.
var ErrFileAccess = errors.New("workflow file access failed")

// FileAccessError describes why the workflow file was rejected.
type FileAccessError struct {
	Path   string
	Reason string
	Err    error
}

func (e *FileAccessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("workflow file %q %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("workflow file %q %s", e.Path, e.Reason)
}

func (e *FileAccessError) Unwrap() error {
	return e.Err
}

// Is enables errors.Is checks against ErrFileAccess.
func (e *FileAccessError) Is(target error) bool {
	return target == ErrFileAccess
}

// readWorkflow applies the traversal check, then the symlink check, then the
// file checks, and returns the decoded content.
func (r *Runner) readWorkflow(relativePath string) (string, error) {
	candidate, err := security.ValidateWorkspacePath(r.cfg.WorkspaceRoot, relativePath)
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(candidate); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", &FileAccessError{Path: relativePath, Reason: "does not exist"}
		}
		return "", &FileAccessError{Path: relativePath, Reason: "cannot be inspected", Err: err}
	}

	realPath, err := security.ValidateRealPath(r.cfg.WorkspaceRoot, candidate)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(realPath)
	if err != nil {
		return "", &FileAccessError{Path: relativePath, Reason: "cannot be inspected", Err: err}
	}
	if !info.Mode().IsRegular() {
		return "", &FileAccessError{Path: relativePath, Reason: "is not a regular file"}
	}
	if info.Size() > r.cfg.MaxFileBytes {
		return "", &FileAccessError{
			Path:   relativePath,
			Reason: fmt.Sprintf("exceeds the %d byte limit", r.cfg.MaxFileBytes),
		}
	}
	if info.Size() == 0 {
		return "", &FileAccessError{Path: relativePath, Reason: "is empty"}
	}

	// #nosec G304 -- realPath passed the workspace traversal and symlink checks above.
	file, err := os.Open(realPath)
	if err != nil {
		return "", &FileAccessError{Path: relativePath, Reason: "cannot be opened", Err: err}
	}
	defer file.Close()

	// The file may grow between Stat and read.
	buf, err := io.ReadAll(io.LimitReader(file, r.cfg.MaxFileBytes+1))
	if err != nil {
		return "", &FileAccessError{Path: relativePath, Reason: "cannot be read", Err: err}
	}
	if int64(len(buf)) > r.cfg.MaxFileBytes {
		return "", &FileAccessError{
			Path:   relativePath,
			Reason: fmt.Sprintf("exceeds the %d byte limit", r.cfg.MaxFileBytes),
		}
	}
	if len(buf) == 0 {
		return "", &FileAccessError{Path: relativePath, Reason: "is empty"}
	}

	content, err := security.ValidateUTF8(buf, relativePath)
	if err != nil {
		return "", &FileAccessError{Path: relativePath, Reason: "is not valid UTF-8", Err: err}
	}
	return content, nil
}
