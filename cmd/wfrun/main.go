package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

const (
	exitSuccess     = 0
	exitFailure     = 1
	exitInterrupted = 130

	// shutdownGrace bounds how long a signalled run may take to dispose.
	shutdownGrace = 10 * time.Second
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	finished := make(chan struct{})
	go forceExitAfterGrace(ctx, finished, shutdownGrace, os.Stderr, os.Exit)

	code := run(ctx, os.Args[1:], newApp(os.Stdout, os.Stderr, os.Getenv))
	close(finished)
	stop()
	os.Exit(code)
}

// forceExitAfterGrace exits with 130 when a signal arrived and the run has
// not returned within grace.
func forceExitAfterGrace(ctx context.Context, finished <-chan struct{}, grace time.Duration, stderr io.Writer, exit func(int)) {
	select {
	case <-finished:
		return
	case <-ctx.Done():
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-finished:
	case <-timer.C:
		fmt.Fprintf(stderr, "error: run did not stop within %s after signal; forcing exit\n", grace)
		exit(exitInterrupted)
	}
}

func run(ctx context.Context, args []string, a *app) int {
	cmd := newRootCommand(a)
	cmd.SetArgs(args)
	cmd.SetOut(a.stdout)
	cmd.SetErr(a.stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(a.stderr, "error: %v\n", err)
		if a.exitCode == exitSuccess {
			return exitFailure
		}
	}
	return a.exitCode
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "wfrun",
		Short:         "Run an AI workflow with validation retries",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.PersistentFlags().StringVar(&a.workspace, "workspace", "", "workspace root (default $GITHUB_WORKSPACE or the working directory)")
	root.PersistentFlags().StringVar(&a.otelEndpoint, "otel-endpoint", "", "OTLP HTTP endpoint for traces")
	root.AddCommand(
		newRunCommand(a),
		newDoctorCommand(a),
	)
	return root
}
