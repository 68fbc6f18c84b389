package serve

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/ship-commander/wfrun/internal/harness"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestNewRequiresCommand(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Command: "  "}); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestStartReturnsAnnouncedEndpoint(t *testing.T) {
	t.Parallel()
	requireShell(t)

	server, err := New(Config{
		Command:      "sh",
		Args:         []string{"-c", `echo "booting"; echo "opencode server listening on http://127.0.0.1:4096/"; exec sleep 30`},
		ReadyTimeout: 5 * time.Second,
		GracePeriod:  200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	url, err := server.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if url != "http://127.0.0.1:4096" {
		t.Fatalf("url = %q, want http://127.0.0.1:4096", url)
	}

	if err := server.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case <-server.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("provider still running after stop")
	}
	if err := server.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestStartPassesExtraEnvironment(t *testing.T) {
	t.Parallel()
	requireShell(t)

	server, err := New(Config{
		Command:      "sh",
		Args:         []string{"-c", `echo "listening on http://127.0.0.1:$PORT_UNDER_TEST"; exec sleep 30`},
		Env:          map[string]string{"PORT_UNDER_TEST": "5055"},
		ReadyTimeout: 5 * time.Second,
		GracePeriod:  200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop(context.Background()) })

	url, err := server.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if url != "http://127.0.0.1:5055" {
		t.Fatalf("url = %q", url)
	}
}

func TestStartFailsWhenProviderExits(t *testing.T) {
	t.Parallel()
	requireShell(t)

	server, err := New(Config{
		Command:      "sh",
		Args:         []string{"-c", "echo 'missing credentials' >&2; exit 3"},
		ReadyTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	_, err = server.Start(context.Background())
	if !errors.Is(err, harness.ErrProviderStartup) {
		t.Fatalf("error = %v, want ErrProviderStartup", err)
	}
	if !strings.Contains(err.Error(), "exited before reporting ready") {
		t.Fatalf("error = %q", err.Error())
	}
}

func TestStartFailsWithoutReadySignal(t *testing.T) {
	t.Parallel()
	requireShell(t)

	server, err := New(Config{
		Command:      "sh",
		Args:         []string{"-c", "exec sleep 30"},
		ReadyTimeout: 200 * time.Millisecond,
		GracePeriod:  200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	started := time.Now()
	_, err = server.Start(context.Background())
	if !errors.Is(err, harness.ErrProviderStartup) {
		t.Fatalf("error = %v, want ErrProviderStartup", err)
	}
	if elapsed := time.Since(started); elapsed > 5*time.Second {
		t.Fatalf("start took %s", elapsed)
	}
	select {
	case <-server.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("provider not stopped after ready timeout")
	}
}

func TestStartFailsForMissingBinary(t *testing.T) {
	t.Parallel()

	server, err := New(Config{Command: "wfrun-definitely-not-installed"})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	_, err = server.Start(context.Background())
	if !errors.Is(err, harness.ErrProviderStartup) {
		t.Fatalf("error = %v, want ErrProviderStartup", err)
	}
}

func TestStartHonoursCancellation(t *testing.T) {
	t.Parallel()
	requireShell(t)

	server, err := New(Config{
		Command:      "sh",
		Args:         []string{"-c", "exec sleep 30"},
		ReadyTimeout: 10 * time.Second,
		GracePeriod:  200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	_, err = server.Start(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

func TestStopBeforeStartIsNoop(t *testing.T) {
	t.Parallel()

	server, err := New(Config{Command: "true"})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := server.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestMergeEnvOverridesBase(t *testing.T) {
	t.Parallel()

	merged := mergeEnv([]string{"A=1", "B=2"}, map[string]string{"B": "3", "C": "4"})
	want := []string{"A=1", "B=3", "C=4"}
	if strings.Join(merged, ",") != strings.Join(want, ",") {
		t.Fatalf("merged = %v, want %v", merged, want)
	}
}
