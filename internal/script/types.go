// Package script runs user-supplied validation scripts against the AI's last
// message and classifies their verdict.
package script

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ship-commander/wfrun/internal/security"
)

// Type is the closed set of script languages the executor can dispatch.
type Type int

const (
	// Python scripts run under python3 (or python).
	Python Type = iota + 1
	// JavaScript scripts run under node.
	JavaScript
)

func (t Type) String() string {
	switch t {
	case Python:
		return "python"
	case JavaScript:
		return "javascript"
	default:
		return "unknown"
	}
}

var (
	// ErrUnknownScriptType marks references whose language cannot be determined.
	ErrUnknownScriptType = errors.New("unknown script type")
	// ErrScriptExec marks failures to locate, read or spawn a script.
	ErrScriptExec = errors.New("validation script execution failed")
)

var inlinePrefixes = []struct {
	prefix string
	typ    Type
}{
	{prefix: "python:", typ: Python},
	{prefix: "javascript:", typ: JavaScript},
	{prefix: "js:", typ: JavaScript},
}

var extensionTypes = map[string]Type{
	".py":  Python,
	".js":  JavaScript,
	".mjs": JavaScript,
	".cjs": JavaScript,
}

// UnknownTypeError is returned when neither the hint, the extension, nor an
// inline prefix identifies the script language.
type UnknownTypeError struct {
	Reference string
	Hint      string
}

func (e *UnknownTypeError) Error() string {
	if strings.TrimSpace(e.Hint) != "" {
		return fmt.Sprintf("unknown validation script type %q (supported: python, javascript)", e.Hint)
	}
	return "cannot determine validation script type: use a .py/.js file, a python:/js:/javascript: prefix, or set the script type"
}

// Is enables errors.Is checks against ErrUnknownScriptType.
func (e *UnknownTypeError) Is(target error) bool {
	return target == ErrUnknownScriptType
}

// ExecError wraps failures that prevent a script from producing a verdict.
type ExecError struct {
	Op  string
	Err error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("validation script %s: %v", e.Op, e.Err)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// Is enables errors.Is checks against ErrScriptExec.
func (e *ExecError) Is(target error) bool {
	return target == ErrScriptExec
}

// ParseType maps a user-supplied type hint to a Type.
func ParseType(hint string) (Type, bool) {
	switch strings.ToLower(strings.TrimSpace(hint)) {
	case "python", "py", "python3":
		return Python, true
	case "javascript", "js", "node", "nodejs":
		return JavaScript, true
	default:
		return 0, false
	}
}

// Spec is a resolved script: its language and either inline source or a
// validated real path inside the workspace.
type Spec struct {
	Type   Type
	Inline bool
	Source string
	Path   string
}

// Resolve determines the script language (hint, then extension, then inline
// prefix) and validates file references against the workspace root.
func Resolve(reference, hint, workspaceRoot string) (Spec, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return Spec{}, &ExecError{Op: "resolve", Err: errors.New("script reference is empty")}
	}
	prefixType, source, inline := splitInlinePrefix(reference)

	if strings.TrimSpace(hint) != "" {
		typ, ok := ParseType(hint)
		if !ok {
			return Spec{}, &UnknownTypeError{Reference: reference, Hint: hint}
		}
		if inline {
			return Spec{Type: typ, Inline: true, Source: source}, nil
		}
		return resolveFile(reference, typ, workspaceRoot)
	}

	if typ, ok := extensionTypes[strings.ToLower(filepath.Ext(reference))]; ok {
		return resolveFile(reference, typ, workspaceRoot)
	}
	if inline {
		return Spec{Type: prefixType, Inline: true, Source: source}, nil
	}
	return Spec{}, &UnknownTypeError{Reference: reference}
}

func splitInlinePrefix(reference string) (Type, string, bool) {
	lower := strings.ToLower(reference)
	for _, candidate := range inlinePrefixes {
		if strings.HasPrefix(lower, candidate.prefix) {
			return candidate.typ, strings.TrimSpace(reference[len(candidate.prefix):]), true
		}
	}
	return 0, "", false
}

func resolveFile(reference string, typ Type, workspaceRoot string) (Spec, error) {
	candidate, err := security.ValidateWorkspacePath(workspaceRoot, reference)
	if err != nil {
		return Spec{}, err
	}
	if _, err := os.Stat(candidate); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Spec{}, &ExecError{Op: "resolve", Err: fmt.Errorf("script file %q not found", reference)}
		}
		return Spec{}, &ExecError{Op: "resolve", Err: fmt.Errorf("stat script file %q: %w", reference, err)}
	}
	realPath, err := security.ValidateRealPath(workspaceRoot, candidate)
	if err != nil {
		return Spec{}, err
	}
	info, err := os.Stat(realPath)
	if err != nil {
		return Spec{}, &ExecError{Op: "resolve", Err: fmt.Errorf("stat script file %q: %w", reference, err)}
	}
	if !info.Mode().IsRegular() {
		return Spec{}, &ExecError{Op: "resolve", Err: fmt.Errorf("script %q is not a regular file", reference)}
	}
	return Spec{Type: typ, Path: realPath}, nil
}
