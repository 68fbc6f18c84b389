package harness

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Availability captures which runtime tools are present on PATH.
type Availability struct {
	Provider     bool
	ProviderPath string
	Python       bool
	PythonPath   string
	Node         bool
	NodePath     string
}

// Tools names the commands to look up. Empty interpreter names fall back to
// python3/python and node.
type Tools struct {
	Provider string
	Python   string
	Node     string
}

// DetectAvailability looks up the provider command and the script interpreters.
func DetectAvailability(tools Tools) Availability {
	return detectAvailability(tools, exec.LookPath)
}

func detectAvailability(tools Tools, lookPath func(file string) (string, error)) Availability {
	availability := Availability{}
	if lookPath == nil {
		return availability
	}
	availability.ProviderPath, availability.Provider = toolPath(lookPath, strings.TrimSpace(tools.Provider))
	availability.PythonPath, availability.Python = toolPath(lookPath, candidates(tools.Python, "python3", "python")...)
	availability.NodePath, availability.Node = toolPath(lookPath, candidates(tools.Node, "node")...)
	return availability
}

func candidates(override string, defaults ...string) []string {
	if override = strings.TrimSpace(override); override != "" {
		return []string{override}
	}
	return defaults
}

// Validate fails when the provider is missing; missing interpreters are
// reported as warnings since only configured scripts need them.
func (a Availability) Validate() ([]string, error) {
	if !a.Provider {
		return nil, errors.New("session provider command not found on PATH")
	}
	warnings := []string{}
	if !a.Python {
		warnings = append(warnings, "python interpreter not found on PATH (python3/python); python validation scripts will fail")
	}
	if !a.Node {
		warnings = append(warnings, "node not found on PATH; javascript validation scripts will fail")
	}
	return warnings, nil
}

// Summary renders one line per tool in deterministic order.
func (a Availability) Summary() []string {
	return []string{
		formatTool("provider", a.Provider, a.ProviderPath),
		formatTool("python", a.Python, a.PythonPath),
		formatTool("node", a.Node, a.NodePath),
	}
}

func toolPath(lookPath func(file string) (string, error), binaries ...string) (string, bool) {
	for _, binary := range binaries {
		if binary == "" {
			continue
		}
		if path, err := lookPath(binary); err == nil {
			return path, true
		}
	}
	return "", false
}

func formatTool(name string, ok bool, path string) string {
	if !ok {
		return fmt.Sprintf("%-8s missing", name)
	}
	return fmt.Sprintf("%-8s ok (%s)", name, path)
}
