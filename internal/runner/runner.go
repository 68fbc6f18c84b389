// Package runner coordinates one workflow execution: workflow file checks,
// the initial AI turn and the validation retry loop.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/ship-commander/wfrun/internal/input"
	"github.com/ship-commander/wfrun/internal/script"
	"github.com/ship-commander/wfrun/internal/security"
	"github.com/ship-commander/wfrun/internal/telemetry/invariants"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultMaxFileBytes bounds the workflow file size.
	DefaultMaxFileBytes int64 = 10 * 1024 * 1024
	// DefaultDisposeTimeout bounds session teardown after the run ends.
	DefaultDisposeTimeout = 15 * time.Second
	// DefaultTimeout applies when the input carries no timeout.
	DefaultTimeout = 30 * time.Minute

	cancelledMessage = "Workflow execution was cancelled"
)

var errTimedOut = errors.New("workflow execution timed out")

// Status is the externally reported outcome of a run.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailure   Status = "failure"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)

// Result is the single terminal artifact of a run.
type Result struct {
	Success            bool   `json:"success"`
	Output             string `json:"output"`
	Error              string `json:"error,omitempty"`
	ExitCode           *int   `json:"exitCode,omitempty"`
	Status             Status `json:"status"`
	RunID              string `json:"runId,omitempty"`
	ValidationAttempts int    `json:"validationAttempts,omitempty"`
}

// Session is the part of the orchestrator the runner drives.
type Session interface {
	Initialize(ctx context.Context) error
	RunSession(ctx context.Context, prompt string) (string, error)
	SendFollowUp(ctx context.Context, sessionID, message string) (string, error)
	SessionID() string
	Dispose(ctx context.Context) error
}

// SessionFactory builds the session for one run.
type SessionFactory func(runID string) (Session, error)

// ScriptExecutor runs one validation attempt.
type ScriptExecutor interface {
	Execute(ctx context.Context, req script.Request) (script.Result, error)
}

// Config tunes workflow file limits and teardown.
type Config struct {
	WorkspaceRoot  string
	MaxFileBytes   int64
	ScriptTimeout  time.Duration
	DisposeTimeout time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger configures runner logging.
func WithLogger(logger *log.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithTracer configures the tracer used for workflow.run spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(r *Runner) {
		if tracer != nil {
			r.tracer = tracer
		}
	}
}

// WithRunIDGenerator replaces uuid-based run ids.
func WithRunIDGenerator(next func() string) Option {
	return func(r *Runner) {
		if next != nil {
			r.newRunID = next
		}
	}
}

// Runner executes workflows against a fresh session per run.
type Runner struct {
	cfg        Config
	newSession SessionFactory
	executor   ScriptExecutor
	logger     *log.Logger
	tracer     trace.Tracer
	newRunID   func() string
}

// New validates collaborators and fills unset limits with defaults.
func New(cfg Config, newSession SessionFactory, executor ScriptExecutor, options ...Option) (*Runner, error) {
	if strings.TrimSpace(cfg.WorkspaceRoot) == "" {
		return nil, errors.New("workspace root is required")
	}
	if newSession == nil {
		return nil, errors.New("session factory is required")
	}
	if executor == nil {
		return nil, errors.New("script executor is required")
	}
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = DefaultMaxFileBytes
	}
	if cfg.ScriptTimeout <= 0 || cfg.ScriptTimeout > script.MaxTimeout {
		cfg.ScriptTimeout = script.MaxTimeout
	}
	if cfg.DisposeTimeout <= 0 {
		cfg.DisposeTimeout = DefaultDisposeTimeout
	}

	r := &Runner{
		cfg:        cfg,
		newSession: newSession,
		executor:   executor,
		logger:     log.New(io.Discard),
		tracer:     otel.Tracer("wfrun/runner"),
		newRunID:   uuid.NewString,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(r)
	}
	return r, nil
}

// outcome is what execute hands back before cancellation is classified.
type outcome struct {
	success  bool
	output   string
	failure  string
	exitCode *int
	attempts int
}

// Run executes in to completion. The run races the input's timeout and ctx;
// whichever fires first aborts the current step. The session is always
// disposed before Run returns.
func (r *Runner) Run(ctx context.Context, in input.Input) Result {
	runID := r.newRunID()
	logger := r.logger.With("run_id", runID)

	timeout := in.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, span := r.tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.Int64("timeout_ms", timeout.Milliseconds()),
		attribute.Bool("validation", in.ValidationScript != ""),
	))
	defer span.End()

	runCtx, cancel := context.WithTimeoutCause(ctx, timeout, errTimedOut)
	defer cancel()

	logger.Info("workflow started", "workflow", in.WorkflowPath, "timeout", timeout)
	out, err := r.execute(runCtx, logger, runID, in)

	result := Result{RunID: runID, Output: out.output, ExitCode: out.exitCode, ValidationAttempts: out.attempts}
	switch {
	case err != nil && runCtx.Err() != nil:
		if errors.Is(context.Cause(runCtx), errTimedOut) {
			result.Status = StatusTimeout
			result.Error = fmt.Sprintf("Workflow execution timed out after %s", timeout)
		} else {
			result.Status = StatusCancelled
			result.Error = cancelledMessage
		}
	case err != nil:
		result.Status = StatusFailure
		result.Error = security.SanitizeErrorMessage(err)
	case out.success:
		result.Success = true
		result.Status = StatusSuccess
	default:
		result.Status = StatusFailure
		result.Error = security.SanitizeText(out.failure)
	}

	span.SetAttributes(
		attribute.String("status", string(result.Status)),
		attribute.Int("validation_attempts", result.ValidationAttempts),
	)
	if result.Success {
		span.SetStatus(codes.Ok, "workflow succeeded")
		logger.Info("workflow succeeded", "attempts", result.ValidationAttempts)
	} else {
		span.SetStatus(codes.Error, result.Error)
		logger.Error("workflow failed", "status", result.Status, "err", result.Error)
	}
	return result
}

func (r *Runner) execute(ctx context.Context, logger *log.Logger, runID string, in input.Input) (outcome, error) {
	var out outcome
	if err := checkpoint(ctx); err != nil {
		return out, err
	}

	content, err := r.readWorkflow(in.WorkflowPath)
	if err != nil {
		return out, err
	}
	prompt := BuildPrompt(content, in.Prompt)

	if err := checkpoint(ctx); err != nil {
		return out, err
	}
	session, err := r.newSession(runID)
	if err != nil {
		return out, fmt.Errorf("create session: %w", err)
	}
	defer func() {
		disposeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.DisposeTimeout)
		defer cancel()
		disposeErr := session.Dispose(disposeCtx)
		if !invariants.CheckSessionDisposed(disposeCtx, "runner.Runner.execute", disposeErr) {
			logger.Warn("session dispose failed", "err", security.SanitizeErrorMessage(disposeErr))
		}
	}()

	if err := session.Initialize(ctx); err != nil {
		return out, err
	}
	if err := checkpoint(ctx); err != nil {
		return out, err
	}
	last, err := session.RunSession(ctx, prompt)
	if err != nil {
		return out, err
	}
	out.output = last

	if in.ValidationScript == "" {
		out.success = true
		return out, nil
	}
	return r.validate(ctx, logger, session, in, out)
}

// validate runs the retry loop: execute the script against the last message,
// stop on a pass, otherwise feed the verdict back as the next turn.
func (r *Runner) validate(ctx context.Context, logger *log.Logger, session Session, in input.Input, out outcome) (outcome, error) {
	maxRetries := in.MaxRetries
	if maxRetries <= 0 {
		maxRetries = input.DefaultMaxRetries
	}

	var feedback string
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err := checkpoint(ctx); err != nil {
			return out, err
		}

		out.attempts = attempt
		result, err := r.executor.Execute(ctx, script.Request{
			Script:        in.ValidationScript,
			TypeHint:      in.ValidationScriptType,
			Env:           in.Env(),
			LastMessage:   out.output,
			WorkspaceRoot: r.cfg.WorkspaceRoot,
			Timeout:       r.cfg.ScriptTimeout,
		})

		var verdict script.Outcome
		switch {
		case err != nil && ctx.Err() != nil:
			return out, err
		case err != nil && isFatalScriptError(err):
			return out, err
		case err != nil:
			verdict = script.Outcome{Feedback: "Validation script failed: " + security.SanitizeErrorMessage(err)}
		default:
			exitCode := result.ExitCode
			out.exitCode = &exitCode
			verdict = script.Classify(result)
		}

		logger.Info("validation attempt finished",
			"attempt", attempt,
			"max_attempts", maxRetries,
			"passed", verdict.Passed,
			"exit_code", result.ExitCode,
			"timed_out", result.TimedOut,
		)
		if verdict.Passed {
			invariants.CheckMaxRetriesNotExceeded(ctx, "runner.Runner.validate", attempt, maxRetries)
			out.success = true
			return out, nil
		}

		feedback = verdict.Feedback
		if attempt == maxRetries {
			break
		}

		if err := checkpoint(ctx); err != nil {
			return out, err
		}
		last, err := session.SendFollowUp(ctx, session.SessionID(), FollowUpMessage(feedback, attempt, maxRetries))
		if err != nil {
			return out, err
		}
		out.output = last
	}

	invariants.CheckMaxRetriesNotExceeded(ctx, "runner.Runner.validate", out.attempts, maxRetries)
	out.failure = fmt.Sprintf("Validation failed after %d attempts: %s", maxRetries, feedback)
	return out, nil
}

// isFatalScriptError reports errors that no retry can fix: an unknown script
// type, or a script path rejected by workspace checks.
func isFatalScriptError(err error) bool {
	return errors.Is(err, script.ErrUnknownScriptType) ||
		errors.Is(err, security.ErrPathTraversal) ||
		errors.Is(err, security.ErrSymlinkEscape)
}

func checkpoint(ctx context.Context) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return nil
}

// BuildPrompt joins the workflow content and the caller's prompt.
func BuildPrompt(workflow, prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return workflow
	}
	return strings.TrimRight(workflow, "\n") + "\n\n" + prompt
}

// FollowUpMessage is the turn content sent after a failed validation attempt.
func FollowUpMessage(feedback string, attempt, maxAttempts int) string {
	return fmt.Sprintf(
		"The validation script rejected your previous response (attempt %d of %d).\n\n"+
			"Validation feedback:\n%s\n\n"+
			"Address the feedback above and respond again with the complete, corrected result.",
		attempt,
		maxAttempts,
		strings.TrimSpace(feedback),
	)
}

var _ ScriptExecutor = (*script.Executor)(nil)
