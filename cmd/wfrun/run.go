package main

import (
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/ship-commander/wfrun/internal/actions"
	"github.com/ship-commander/wfrun/internal/harness"
	"github.com/ship-commander/wfrun/internal/harness/httpapi"
	"github.com/ship-commander/wfrun/internal/harness/serve"
	"github.com/ship-commander/wfrun/internal/input"
	"github.com/ship-commander/wfrun/internal/orchestrator"
	"github.com/ship-commander/wfrun/internal/runner"
	"github.com/ship-commander/wfrun/internal/script"
	"github.com/ship-commander/wfrun/internal/security"
	"github.com/spf13/cobra"
)

// inputFlags maps each flag to the action input it overrides.
var inputFlags = []struct {
	name  string
	usage string
	field func(*input.Raw) *string
}{
	{"workflow-path", "workspace-relative workflow file", func(r *input.Raw) *string { return &r.WorkflowPath }},
	{"prompt", "extra instructions appended to the workflow", func(r *input.Raw) *string { return &r.Prompt }},
	{"env-vars", "JSON object of environment variables for validation scripts", func(r *input.Raw) *string { return &r.EnvVars }},
	{"timeout-minutes", "overall run timeout in minutes (1-360)", func(r *input.Raw) *string { return &r.TimeoutMinutes }},
	{"validation-script", "script file or python:/js: inline source", func(r *input.Raw) *string { return &r.ValidationScript }},
	{"validation-script-type", "python or javascript", func(r *input.Raw) *string { return &r.ValidationScriptType }},
	{"validation-max-retries", "validation attempts before giving up (1-20)", func(r *input.Raw) *string { return &r.MaxRetries }},
}

func newRunCommand(a *app) *cobra.Command {
	values := make(map[string]*string, len(inputFlags))
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one workflow and write its result as step outputs",
		Long: "Execute one workflow. Inputs are read from INPUT_<NAME> environment " +
			"variables; flags override them.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw := input.FromEnv(a.getenv)
			for _, flag := range inputFlags {
				if cmd.Flags().Changed(flag.name) {
					*flag.field(&raw) = *values[flag.name]
				}
			}
			return a.runWorkflow(cmd, raw)
		},
	}
	for _, flag := range inputFlags {
		values[flag.name] = cmd.Flags().String(flag.name, "", flag.usage)
	}
	return cmd
}

func (a *app) runWorkflow(cmd *cobra.Command, raw input.Raw) error {
	ctx := cmd.Context()
	runID := uuid.NewString()

	rt, err := a.loadRuntime(ctx, runID)
	if err != nil {
		return err
	}
	defer rt.Close()
	logger := rt.logger

	outputs := actions.NewOutputWriter(a.getenv, a.stdout)

	in, err := input.Parse(raw)
	if err != nil {
		logger.Error("input rejected", "err", err)
		a.exitCode = exitFailure
		return a.writeResult(outputs, rt, runner.Result{
			Error:  security.SanitizeErrorMessage(err),
			Status: runner.StatusFailure,
			RunID:  runID,
		})
	}
	security.MaskSecrets(actions.NewMasker(a.stdout), in.EnvVars)

	deltas := &deltaWriter{w: a.stdout}
	executor := script.NewExecutor(script.Config{
		Timeout:       rt.cfg.Validation.Timeout,
		GracePeriod:   rt.cfg.Validation.GracePeriod,
		PassEnv:       rt.cfg.Validation.PassEnv,
		PythonCommand: rt.cfg.Validation.Python,
		NodeCommand:   rt.cfg.Validation.Node,
	})
	workflowRunner, err := runner.New(runner.Config{
		WorkspaceRoot: rt.workspace,
		MaxFileBytes:  rt.cfg.Workflow.MaxFileBytes,
		ScriptTimeout: rt.cfg.Validation.Timeout,
	}, a.sessionFactory(rt, logger, deltas), executor,
		runner.WithLogger(logger),
		runner.WithRunIDGenerator(func() string { return runID }),
	)
	if err != nil {
		return err
	}

	result := workflowRunner.Run(ctx, in)
	deltas.finish()
	a.exitCode = exitCodeFor(result.Status)
	return a.writeResult(outputs, rt, result)
}

func (a *app) sessionFactory(rt *runtime, logger *log.Logger, deltas *deltaWriter) runner.SessionFactory {
	provider := rt.cfg.Provider
	return func(runID string) (runner.Session, error) {
		server, err := serve.New(serve.Config{
			Command:      provider.Command,
			Args:         provider.Args,
			Dir:          rt.workspace,
			ReadyTimeout: provider.ReadyTimeout,
			GracePeriod:  provider.ShutdownGrace,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		newClient := func(baseURL string) (harness.Client, error) {
			client, err := httpapi.New(baseURL,
				httpapi.WithLogger(logger),
				httpapi.WithHealthPath(provider.HealthPath),
			)
			if err != nil {
				return nil, err
			}
			return client, nil
		}
		session, err := orchestrator.New(server, newClient,
			orchestrator.WithLogger(logger),
			orchestrator.WithReadyTimeout(provider.ReadyTimeout),
			orchestrator.WithSessionTitle("wfrun "+runID),
			orchestrator.WithProviderName(filepath.Base(provider.Command)),
			orchestrator.WithDeltaSink(func(_, _, delta string) { deltas.write(delta) }),
		)
		if err != nil {
			return nil, err
		}
		return session, nil
	}
}

func (a *app) writeResult(outputs *actions.OutputWriter, rt *runtime, result runner.Result) error {
	// status is written even when the result cannot be encoded.
	values := map[string]string{"status": string(result.Status)}
	encoded, encodeErr := actions.EncodeResult(result, rt.cfg.Output.MaxResultBytes)
	if encodeErr == nil {
		values["result"] = encoded
	}
	if err := outputs.SetOutputs(values); err != nil {
		return fmt.Errorf("write step outputs: %w", err)
	}
	return encodeErr
}

func exitCodeFor(status runner.Status) int {
	switch status {
	case runner.StatusSuccess:
		return exitSuccess
	case runner.StatusCancelled:
		return exitInterrupted
	default:
		return exitFailure
	}
}

// deltaWriter streams AI output and remembers whether a trailing newline is
// owed before step outputs follow.
type deltaWriter struct {
	mu      sync.Mutex
	w       io.Writer
	pending bool
}

func (d *deltaWriter) write(delta string) {
	if delta == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, _ = io.WriteString(d.w, delta)
	d.pending = delta[len(delta)-1] != '\n'
}

func (d *deltaWriter) finish() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending {
		_, _ = io.WriteString(d.w, "\n")
		d.pending = false
	}
}
