package doctor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/ship-commander/wfrun/internal/harness"
)

func newTestDoctor(t *testing.T, availability harness.Availability, workspace string) *Doctor {
	t.Helper()
	doctor, err := New(Config{ProviderCommand: "opencode", WorkspaceRoot: workspace})
	if err != nil {
		t.Fatalf("new doctor: %v", err)
	}
	doctor.detect = func(tools harness.Tools) harness.Availability {
		if tools.Provider != "opencode" {
			t.Fatalf("provider = %q, want opencode", tools.Provider)
		}
		return availability
	}
	doctor.now = func() time.Time { return time.Date(2026, 2, 11, 8, 30, 0, 0, time.UTC) }
	return doctor
}

func TestNewRequiresProviderCommand(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty provider command")
	}
}

func TestRunHealthyWithWarnings(t *testing.T) {
	doctor := newTestDoctor(t, harness.Availability{
		Provider:     true,
		ProviderPath: "/usr/bin/opencode",
		Python:       true,
		PythonPath:   "/usr/bin/python3",
	}, t.TempDir())

	report, err := doctor.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !report.Healthy {
		t.Fatalf("report unhealthy: %#v", report)
	}
	if len(report.Checks) != 4 {
		t.Fatalf("checks = %#v, want 4", report.Checks)
	}
	if len(report.Warnings) != 1 || !strings.Contains(report.Warnings[0], "node") {
		t.Fatalf("warnings = %v, want node warning", report.Warnings)
	}
	if !report.CheckedAt.Equal(time.Date(2026, 2, 11, 8, 30, 0, 0, time.UTC)) {
		t.Fatalf("checked_at = %s", report.CheckedAt)
	}

	var out bytes.Buffer
	if err := report.Write(&out); err != nil {
		t.Fatalf("write: %v", err)
	}
	text := out.String()
	for _, want := range []string{"provider", "/usr/bin/opencode", "node       missing", "warning: node"} {
		if !strings.Contains(text, want) {
			t.Fatalf("report output missing %q:\n%s", want, text)
		}
	}
}

func TestRunUnhealthyWithoutProvider(t *testing.T) {
	doctor := newTestDoctor(t, harness.Availability{}, "")

	report, err := doctor.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Healthy {
		t.Fatal("expected unhealthy report")
	}
	if report.Checks[0].OK || !strings.Contains(report.Checks[0].Detail, `"opencode" not found`) {
		t.Fatalf("provider check = %#v", report.Checks[0])
	}
}

func TestRunUnhealthyWorkspace(t *testing.T) {
	doctor := newTestDoctor(t, harness.Availability{Provider: true}, "/missing/workspace")
	doctor.stat = func(string) (os.FileInfo, error) { return nil, os.ErrNotExist }

	report, err := doctor.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Healthy {
		t.Fatal("expected unhealthy report")
	}
	last := report.Checks[len(report.Checks)-1]
	if last.Name != "workspace" || last.OK {
		t.Fatalf("workspace check = %#v", last)
	}
}

func TestRunHonorsCancelledContext(t *testing.T) {
	doctor := newTestDoctor(t, harness.Availability{Provider: true}, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := doctor.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
