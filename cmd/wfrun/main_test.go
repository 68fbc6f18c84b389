package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ship-commander/wfrun/internal/actions"
	"github.com/ship-commander/wfrun/internal/config"
	"github.com/ship-commander/wfrun/internal/runner"
)

func testApp(t *testing.T, env map[string]string) (*app, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("WFRUN_CONFIG", "")
	t.Setenv("WFRUN_PROVIDER_COMMAND", "")
	t.Setenv("WFRUN_LOG_LEVEL", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	var stdout, stderr bytes.Buffer
	a := newApp(&stdout, &stderr, func(name string) string { return env[name] })
	return a, &stdout, &stderr
}

func TestRootCommandVersionFlag(t *testing.T) {
	originalVersion := Version
	defer func() {
		Version = originalVersion
	}()
	Version = "v0.1.0-test"

	a, stdout, _ := testApp(t, nil)
	if code := run(context.Background(), []string{"--version"}, a); code != exitSuccess {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if output := strings.TrimSpace(stdout.String()); output != "v0.1.0-test" {
		t.Fatalf("version output = %q, want %q", output, "v0.1.0-test")
	}
}

func TestRootCommandHelpListsExpectedSubcommands(t *testing.T) {
	a, stdout, _ := testApp(t, nil)
	if code := run(context.Background(), []string{"--help"}, a); code != exitSuccess {
		t.Fatalf("exit code = %d, want 0", code)
	}

	output := stdout.String()
	for _, name := range []string{"run", "doctor", "--workspace"} {
		if !strings.Contains(output, name) {
			t.Fatalf("help output missing %q: %s", name, output)
		}
	}
}

func TestRunRejectsInvalidInputWithFailureOutputs(t *testing.T) {
	workspace := t.TempDir()
	a, stdout, _ := testApp(t, map[string]string{
		"GITHUB_WORKSPACE":             workspace,
		"INPUT_VALIDATION_MAX_RETRIES": "50",
	})

	code := run(context.Background(), []string{"run", "--workflow-path", "workflows/a.md"}, a)
	if code != exitFailure {
		t.Fatalf("exit code = %d, want %d", code, exitFailure)
	}

	result := decodeResult(t, stdout.String())
	if result.Status != runner.StatusFailure || result.Success {
		t.Fatalf("result = %#v", result)
	}
	if !strings.Contains(result.Error, "validation_max_retries") {
		t.Fatalf("error = %q, want validation_max_retries", result.Error)
	}
	if !strings.Contains(stdout.String(), "status=failure\n") {
		t.Fatalf("stdout missing status output: %s", stdout.String())
	}
}

func TestRunReportsMissingWorkflowWithoutStartingProvider(t *testing.T) {
	workspace := t.TempDir()
	outputFile := filepath.Join(t.TempDir(), "output")
	a, stdout, _ := testApp(t, map[string]string{
		"INPUT_WORKFLOW_PATH": "workflows/missing.md",
		"INPUT_ENV_VARS":      `{"API_TOKEN": "s3cr3t-value"}`,
		"GITHUB_OUTPUT":       outputFile,
	})
	a.workspace = workspace
	t.Setenv("WFRUN_PROVIDER_COMMAND", "wfrun-provider-that-does-not-exist")

	code := run(context.Background(), []string{"run"}, a)
	if code != exitFailure {
		t.Fatalf("exit code = %d, want %d", code, exitFailure)
	}
	if !strings.Contains(stdout.String(), "::add-mask::s3cr3t-value\n") {
		t.Fatalf("stdout missing mask command: %s", stdout.String())
	}

	content, err := os.ReadFile(outputFile)
	if err != nil {
		t.Fatalf("read output file: %v", err)
	}
	text := string(content)
	if !strings.Contains(text, "status<<ghadelimiter_") || !strings.Contains(text, "\nfailure\n") {
		t.Fatalf("output file missing status: %s", text)
	}
	if !strings.Contains(text, "does not exist") {
		t.Fatalf("output file missing workflow error: %s", text)
	}
}

func TestDoctorFailsWithoutProvider(t *testing.T) {
	a, stdout, stderr := testApp(t, nil)
	a.workspace = t.TempDir()
	t.Setenv("WFRUN_PROVIDER_COMMAND", "wfrun-provider-that-does-not-exist")

	code := run(context.Background(), []string{"doctor"}, a)
	if code != exitFailure {
		t.Fatalf("exit code = %d, want %d", code, exitFailure)
	}
	if !strings.Contains(stdout.String(), "provider") || !strings.Contains(stdout.String(), "missing") {
		t.Fatalf("doctor output = %s", stdout.String())
	}
	if !strings.Contains(stderr.String(), errUnhealthy.Error()) {
		t.Fatalf("stderr = %s", stderr.String())
	}
}

func TestExitCodeFor(t *testing.T) {
	tests := map[runner.Status]int{
		runner.StatusSuccess:   exitSuccess,
		runner.StatusFailure:   exitFailure,
		runner.StatusTimeout:   exitFailure,
		runner.StatusCancelled: exitInterrupted,
	}
	for status, want := range tests {
		if got := exitCodeFor(status); got != want {
			t.Fatalf("exitCodeFor(%s) = %d, want %d", status, got, want)
		}
	}
}

func TestForceExitAfterGrace(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var mu sync.Mutex
	codes := []int{}
	done := make(chan struct{})
	var stderr bytes.Buffer
	go func() {
		forceExitAfterGrace(ctx, make(chan struct{}), 10*time.Millisecond, &stderr, func(code int) {
			mu.Lock()
			codes = append(codes, code)
			mu.Unlock()
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("force exit did not fire")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(codes) != 1 || codes[0] != exitInterrupted {
		t.Fatalf("exit codes = %v, want [130]", codes)
	}
}

func TestForceExitSkippedWhenRunFinishes(t *testing.T) {
	finished := make(chan struct{})
	close(finished)

	called := false
	forceExitAfterGrace(context.Background(), finished, time.Millisecond, &bytes.Buffer{}, func(int) { called = true })
	if called {
		t.Fatal("exit called after run finished")
	}
}

func TestDeltaWriterAddsTrailingNewline(t *testing.T) {
	var out bytes.Buffer
	deltas := &deltaWriter{w: &out}
	deltas.write("Hello")
	deltas.write(", world")
	deltas.finish()
	deltas.finish()

	if out.String() != "Hello, world\n" {
		t.Fatalf("output = %q", out.String())
	}
}

func TestWriteResultKeepsStatusWhenResultCannotBeEncoded(t *testing.T) {
	a, stdout, _ := testApp(t, nil)
	rt := &runtime{cfg: &config.Config{Output: config.OutputConfig{MaxResultBytes: 40}}}
	outputs := actions.NewOutputWriter(a.getenv, stdout)

	err := a.writeResult(outputs, rt, runner.Result{
		Error:  strings.Repeat("feedback ", 100),
		Status: runner.StatusFailure,
	})
	if err == nil {
		t.Fatal("expected encode error")
	}
	if !strings.Contains(stdout.String(), "status=failure\n") {
		t.Fatalf("stdout missing status output: %q", stdout.String())
	}
	if strings.Contains(stdout.String(), "result=") {
		t.Fatalf("unexpected result output: %q", stdout.String())
	}
}

func TestWriteResultTruncatesLargeFeedback(t *testing.T) {
	a, stdout, _ := testApp(t, nil)
	rt := &runtime{cfg: &config.Config{Output: config.OutputConfig{MaxResultBytes: 2000}}}
	outputs := actions.NewOutputWriter(a.getenv, stdout)

	err := a.writeResult(outputs, rt, runner.Result{
		Error:  "Validation failed after 5 attempts: " + strings.Repeat("x", 10_000),
		Status: runner.StatusFailure,
	})
	if err != nil {
		t.Fatalf("write result: %v", err)
	}
	result := decodeResult(t, stdout.String())
	if !strings.HasSuffix(result.Error, "\n...[truncated]") {
		t.Fatalf("error not truncated: %q", result.Error[len(result.Error)-30:])
	}
}

func decodeResult(t *testing.T, stdout string) runner.Result {
	t.Helper()
	for _, line := range strings.Split(stdout, "\n") {
		if encoded, ok := strings.CutPrefix(line, "result="); ok {
			var result runner.Result
			if err := json.Unmarshal([]byte(encoded), &result); err != nil {
				t.Fatalf("decode result %q: %v", encoded, err)
			}
			return result
		}
	}
	t.Fatalf("stdout missing result output: %s", stdout)
	return runner.Result{}
}
