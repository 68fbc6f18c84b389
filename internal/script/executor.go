package script

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ship-commander/wfrun/internal/proc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// MaxTimeout is the ceiling for one validation script run.
	MaxTimeout = 60 * time.Second
	// DefaultOutputLimitBytes caps captured stdout and stderr, each.
	DefaultOutputLimitBytes = 1024 * 1024
	// DefaultMaxMessageBytes caps the AI message handed to scripts.
	DefaultMaxMessageBytes = 900_000
	// LastMessageEnv carries the AI's last message into the script.
	LastMessageEnv = "AI_LAST_MESSAGE"
)

// Request describes one validation attempt.
type Request struct {
	Script        string
	TypeHint      string
	Env           map[string]string
	LastMessage   string
	WorkspaceRoot string
	Timeout       time.Duration
}

// Result captures the raw process outcome of one attempt.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
	Timeout  time.Duration
	Duration time.Duration
}

// Config tunes executor limits and interpreter selection.
type Config struct {
	Timeout          time.Duration
	GracePeriod      time.Duration
	OutputLimitBytes int
	MaxMessageBytes  int
	// PassEnv names host variables copied into the script environment.
	PassEnv []string
	// PythonCommand and NodeCommand override interpreter lookup.
	PythonCommand string
	NodeCommand   string
}

// Option configures an Executor.
type Option func(*Executor)

// WithLookPath replaces exec.LookPath for interpreter discovery.
func WithLookPath(lookPath func(string) (string, error)) Option {
	return func(e *Executor) {
		if lookPath != nil {
			e.lookPath = lookPath
		}
	}
}

// WithTracer configures the tracer used for script.exec spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Executor) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

// Executor spawns validation scripts with a bounded environment and timeout.
type Executor struct {
	cfg      Config
	lookPath func(string) (string, error)
	getenv   func(string) string
	tracer   trace.Tracer
}

// NewExecutor builds an Executor, filling unset limits with defaults.
func NewExecutor(cfg Config, options ...Option) *Executor {
	if cfg.Timeout <= 0 || cfg.Timeout > MaxTimeout {
		cfg.Timeout = MaxTimeout
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = proc.DefaultGracePeriod
	}
	if cfg.OutputLimitBytes <= 0 {
		cfg.OutputLimitBytes = DefaultOutputLimitBytes
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}

	executor := &Executor{
		cfg:      cfg,
		lookPath: exec.LookPath,
		getenv:   os.Getenv,
		tracer:   otel.Tracer("wfrun/script"),
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(executor)
	}
	return executor
}

// Execute resolves and runs one validation script. A timeout is reported
// through Result.TimedOut, not as an error. Cancellation of ctx terminates the
// child and returns the context's cause.
func (e *Executor) Execute(ctx context.Context, req Request) (Result, error) {
	if e == nil {
		return Result{}, errors.New("executor is nil")
	}
	if strings.TrimSpace(req.WorkspaceRoot) == "" {
		return Result{}, &ExecError{Op: "resolve", Err: errors.New("workspace root must not be empty")}
	}

	spec, err := Resolve(req.Script, req.TypeHint, req.WorkspaceRoot)
	if err != nil {
		return Result{}, err
	}
	args, err := e.commandLine(spec)
	if err != nil {
		return Result{}, err
	}

	timeout := req.Timeout
	if timeout <= 0 || timeout > e.cfg.Timeout {
		timeout = e.cfg.Timeout
	}

	ctx, span := e.tracer.Start(ctx, "script.exec", trace.WithAttributes(
		attribute.String("script_type", spec.Type.String()),
		attribute.Bool("inline", spec.Inline),
		attribute.Int64("timeout_ms", timeout.Milliseconds()),
	))
	defer span.End()

	result, err := e.run(ctx, args, req, timeout)
	span.SetAttributes(
		attribute.Int("exit_code", result.ExitCode),
		attribute.Bool("timed_out", result.TimedOut),
		attribute.Int64("duration_ms", result.Duration.Milliseconds()),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

func (e *Executor) run(ctx context.Context, args []string, req Request, timeout time.Duration) (Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// #nosec G204 -- interpreter is resolved from PATH; script content is the user's validation logic by contract.
	cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
	proc.Configure(cmd, e.cfg.GracePeriod)
	cmd.Dir = req.WorkspaceRoot
	cmd.Env = e.environment(req)

	stdout := newLimitedBuffer(e.cfg.OutputLimitBytes)
	stderr := newLimitedBuffer(e.cfg.OutputLimitBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	started := time.Now()
	runErr := cmd.Run()
	result := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Timeout:  timeout,
		Duration: time.Since(started),
	}

	if ctx.Err() != nil {
		result.ExitCode = -1
		return result, fmt.Errorf("validation script interrupted: %w", context.Cause(ctx))
	}
	if runErr == nil {
		return result, nil
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		result.ExitCode = -1
		result.TimedOut = true
		return result, nil
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
		return result, nil
	}
	return result, &ExecError{Op: "spawn", Err: runErr}
}

func (e *Executor) commandLine(spec Spec) ([]string, error) {
	interpreter, err := e.interpreter(spec.Type)
	if err != nil {
		return nil, err
	}
	switch spec.Type {
	case Python:
		if spec.Inline {
			return []string{interpreter, "-c", spec.Source}, nil
		}
		return []string{interpreter, spec.Path}, nil
	case JavaScript:
		if spec.Inline {
			return []string{interpreter, "-e", spec.Source}, nil
		}
		return []string{interpreter, spec.Path}, nil
	default:
		return nil, &UnknownTypeError{}
	}
}

func (e *Executor) interpreter(typ Type) (string, error) {
	var candidates []string
	switch typ {
	case Python:
		candidates = []string{"python3", "python"}
		if override := strings.TrimSpace(e.cfg.PythonCommand); override != "" {
			candidates = []string{override}
		}
	case JavaScript:
		candidates = []string{"node"}
		if override := strings.TrimSpace(e.cfg.NodeCommand); override != "" {
			candidates = []string{override}
		}
	default:
		return "", &UnknownTypeError{}
	}

	for _, candidate := range candidates {
		if path, err := e.lookPath(candidate); err == nil {
			return path, nil
		}
	}
	return "", &ExecError{
		Op:  "spawn",
		Err: fmt.Errorf("no %s interpreter found (tried %s)", typ, strings.Join(candidates, ", ")),
	}
}

// environment builds the child's complete environment. Nothing from the host
// leaks in except names listed in PassEnv.
func (e *Executor) environment(req Request) []string {
	values := make(map[string]string, len(req.Env)+len(e.cfg.PassEnv)+1)
	for _, name := range e.cfg.PassEnv {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if value := e.getenv(name); value != "" {
			values[name] = value
		}
	}
	for key, value := range req.Env {
		values[key] = value
	}
	values[LastMessageEnv] = truncateUTF8(req.LastMessage, e.cfg.MaxMessageBytes)

	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, key := range keys {
		env = append(env, key+"="+values[key])
	}
	return env
}

func truncateUTF8(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut]
}

type limitedBuffer struct {
	max       int
	data      []byte
	truncated bool
}

func newLimitedBuffer(max int) *limitedBuffer {
	if max <= 0 {
		max = DefaultOutputLimitBytes
	}
	return &limitedBuffer{max: max}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	written := len(p)
	remaining := b.max - len(b.data)
	switch {
	case remaining <= 0:
		b.truncated = b.truncated || len(p) > 0
	case len(p) <= remaining:
		b.data = append(b.data, p...)
	default:
		b.data = append(b.data, p[:remaining]...)
		b.truncated = true
	}
	return written, nil
}

func (b *limitedBuffer) String() string {
	if !b.truncated {
		return string(b.data)
	}
	const marker = "\n...[output truncated]"
	if len(b.data) >= len(marker) {
		return string(b.data[:len(b.data)-len(marker)]) + marker
	}
	return string(b.data)
}
