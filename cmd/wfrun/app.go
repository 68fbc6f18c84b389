package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/ship-commander/wfrun/internal/config"
	"github.com/ship-commander/wfrun/internal/logging"
	"github.com/ship-commander/wfrun/internal/telemetry"
)

const workspaceEnv = "GITHUB_WORKSPACE"

// app carries process-level collaborators and flag values shared by commands.
type app struct {
	stdout io.Writer
	stderr io.Writer
	getenv func(string) string
	getwd  func() (string, error)

	workspace    string
	otelEndpoint string
	exitCode     int
}

func newApp(stdout, stderr io.Writer, getenv func(string) string) *app {
	if getenv == nil {
		getenv = os.Getenv
	}
	return &app{
		stdout: stdout,
		stderr: stderr,
		getenv: getenv,
		getwd:  os.Getwd,
	}
}

// runtime is the loaded configuration plus the logging and tracing it set up.
type runtime struct {
	workspace string
	cfg       *config.Config
	logs      *logging.RuntimeLogger
	logger    *log.Logger
	shutdown  func()
}

func (r *runtime) Close() {
	if r == nil {
		return
	}
	if r.shutdown != nil {
		r.shutdown()
	}
	if err := r.logs.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", err)
	}
}

// resolveWorkspace picks the --workspace flag, then GITHUB_WORKSPACE, then
// the working directory.
func (a *app) resolveWorkspace() (string, error) {
	if workspace := strings.TrimSpace(a.workspace); workspace != "" {
		return workspace, nil
	}
	if workspace := strings.TrimSpace(a.getenv(workspaceEnv)); workspace != "" {
		return workspace, nil
	}
	workingDir, err := a.getwd()
	if err != nil {
		return "", fmt.Errorf("resolve working directory: %w", err)
	}
	return workingDir, nil
}

func (a *app) loadRuntime(ctx context.Context, runID string) (*runtime, error) {
	workspace, err := a.resolveWorkspace()
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(ctx, workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logs, err := logging.New(ctx,
		logging.WithRunID(runID),
		logging.WithDir(cfg.Log.Dir),
		logging.WithLevel(cfg.Log.Level),
		logging.WithConsole(a.stderr),
	)
	if err != nil {
		return nil, fmt.Errorf("initialize logging: %w", err)
	}

	shutdown, err := telemetry.Init(ctx, telemetry.Settings{
		FlagEndpoint:   a.otelEndpoint,
		ConfigEndpoint: cfg.OTel.Endpoint,
		Version:        Version,
		RunID:          runID,
		Getenv:         a.getenv,
	})
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("initialize telemetry: %w", err)
	}

	return &runtime{
		workspace: workspace,
		cfg:       cfg,
		logs:      logs,
		logger:    logs.Logger,
		shutdown:  shutdown,
	}, nil
}

var errUnhealthy = errors.New("runtime checks failed")
