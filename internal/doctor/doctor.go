// Package doctor reports whether the runtime has what a workflow run needs.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ship-commander/wfrun/internal/harness"
)

// Config names the tools and workspace to inspect.
type Config struct {
	ProviderCommand string
	Python          string
	Node            string
	WorkspaceRoot   string
}

// Check is the result of one check.
type Check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
}

// Report is emitted by every Run.
type Report struct {
	Checks    []Check   `json:"checks"`
	Warnings  []string  `json:"warnings"`
	Healthy   bool      `json:"healthy"`
	CheckedAt time.Time `json:"checked_at"`
}

// Doctor runs deterministic availability checks.
type Doctor struct {
	cfg    Config
	detect func(harness.Tools) harness.Availability
	stat   func(string) (os.FileInfo, error)
	now    func() time.Time
}

// New builds a Doctor for cfg.
func New(cfg Config) (*Doctor, error) {
	if strings.TrimSpace(cfg.ProviderCommand) == "" {
		return nil, errors.New("provider command is required")
	}
	return &Doctor{
		cfg:    cfg,
		detect: harness.DetectAvailability,
		stat:   os.Stat,
		now:    time.Now,
	}, nil
}

// Run executes every check. The report is unhealthy when the provider or the
// workspace is unusable; missing interpreters only produce warnings.
func (d *Doctor) Run(ctx context.Context) (Report, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}

	availability := d.detect(harness.Tools{
		Provider: d.cfg.ProviderCommand,
		Python:   d.cfg.Python,
		Node:     d.cfg.Node,
	})
	report := Report{
		Checks: []Check{
			toolCheck("provider", availability.Provider, availability.ProviderPath, d.cfg.ProviderCommand),
			toolCheck("python", availability.Python, availability.PythonPath, d.cfg.Python),
			toolCheck("node", availability.Node, availability.NodePath, d.cfg.Node),
		},
		CheckedAt: d.now().UTC(),
	}

	warnings, err := availability.Validate()
	report.Warnings = append(report.Warnings, warnings...)
	report.Healthy = err == nil

	if root := strings.TrimSpace(d.cfg.WorkspaceRoot); root != "" {
		check := d.workspaceCheck(root)
		report.Checks = append(report.Checks, check)
		report.Healthy = report.Healthy && check.OK
	}
	if report.Warnings == nil {
		report.Warnings = []string{}
	}
	return report, nil
}

func (d *Doctor) workspaceCheck(root string) Check {
	info, err := d.stat(root)
	switch {
	case err != nil:
		return Check{Name: "workspace", Detail: fmt.Sprintf("%s: %v", root, err)}
	case !info.IsDir():
		return Check{Name: "workspace", Detail: fmt.Sprintf("%s is not a directory", root)}
	default:
		return Check{Name: "workspace", OK: true, Detail: root}
	}
}

func toolCheck(name string, ok bool, path, configured string) Check {
	if ok {
		return Check{Name: name, OK: true, Detail: path}
	}
	if configured = strings.TrimSpace(configured); configured != "" {
		return Check{Name: name, Detail: fmt.Sprintf("%q not found on PATH", configured)}
	}
	return Check{Name: name, Detail: "not found on PATH"}
}

// Write renders the report one line per check, followed by warnings.
func (r Report) Write(w io.Writer) error {
	for _, check := range r.Checks {
		status := "ok"
		if !check.OK {
			status = "missing"
		}
		if _, err := fmt.Fprintf(w, "%-10s %-8s %s\n", check.Name, status, check.Detail); err != nil {
			return err
		}
	}
	for _, warning := range r.Warnings {
		if _, err := fmt.Fprintf(w, "warning: %s\n", warning); err != nil {
			return err
		}
	}
	return nil
}
