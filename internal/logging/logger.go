package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/trace"
)

// Option configures RuntimeLogger creation.
type Option func(*newOptions)

type newOptions struct {
	runID   string
	traceID string
	spanID  string
	dir     string
	level   string
	console io.Writer
	now     func() time.Time
}

// WithRunID configures the run_id field used in emitted log records.
func WithRunID(runID string) Option {
	return func(opts *newOptions) {
		opts.runID = strings.TrimSpace(runID)
	}
}

// WithTraceID configures the trace_id field used in emitted log records.
func WithTraceID(traceID string) Option {
	return func(opts *newOptions) {
		opts.traceID = strings.TrimSpace(traceID)
	}
}

// WithSpanID configures the span_id field used in emitted log records.
func WithSpanID(spanID string) Option {
	return func(opts *newOptions) {
		opts.spanID = strings.TrimSpace(spanID)
	}
}

// WithDir switches output to a JSON log file under dir.
func WithDir(dir string) Option {
	return func(opts *newOptions) {
		opts.dir = strings.TrimSpace(dir)
	}
}

// WithLevel sets the minimum level: debug, info, warn or error.
func WithLevel(level string) Option {
	return func(opts *newOptions) {
		opts.level = strings.TrimSpace(level)
	}
}

// WithConsole replaces stderr as the console destination.
func WithConsole(w io.Writer) Option {
	return func(opts *newOptions) {
		if w != nil {
			opts.console = w
		}
	}
}

// RuntimeLogger writes text records to the console, or JSON records to a
// file when a log directory is configured.
type RuntimeLogger struct {
	Logger     *log.Logger
	file       *os.File
	path       string
	baseLogger *log.Logger
	runID      string
	traceID    string
	spanID     string
}

// New initializes logging. Stdout stays reserved for AI output and step
// results, so the console destination is stderr.
func New(ctx context.Context, options ...Option) (*RuntimeLogger, error) {
	resolved := resolveOptions(options)
	level, err := log.ParseLevel(resolved.level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", resolved.level, err)
	}

	runtimeLogger := &RuntimeLogger{
		runID:   resolved.runID,
		traceID: resolved.traceID,
		spanID:  resolved.spanID,
	}

	if resolved.dir == "" {
		logger := log.NewWithOptions(resolved.console, log.Options{
			Level:           level,
			ReportTimestamp: true,
			TimeFormat:      time.Kitchen,
		})
		runtimeLogger.baseLogger = logger
		runtimeLogger.rebuildLogger()
		_ = ctx
		return runtimeLogger, nil
	}

	if err := os.MkdirAll(resolved.dir, 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	timestamp := resolved.now().UTC().Format("20060102-150405")
	fileName := fmt.Sprintf("wfrun-%s.log", timestamp)
	if resolved.runID != "" {
		fileName = fmt.Sprintf("wfrun-%s-%s.log", timestamp, resolved.runID)
	}
	filePath := filepath.Join(resolved.dir, fileName)
	// #nosec G304 -- filePath is constructed from the configured log directory.
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	logger := log.NewWithOptions(file, log.Options{
		Level:           level,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})
	logger.SetFormatter(log.JSONFormatter)

	runtimeLogger.file = file
	runtimeLogger.path = filePath
	runtimeLogger.baseLogger = logger
	runtimeLogger.rebuildLogger()
	runtimeLogger.Logger.With("log_file", filePath).Info("logger initialized")

	_ = ctx
	return runtimeLogger, nil
}

// WithRunID updates the run_id field for subsequent log records.
func (r *RuntimeLogger) WithRunID(runID string) *RuntimeLogger {
	if r == nil {
		return nil
	}
	r.runID = strings.TrimSpace(runID)
	r.rebuildLogger()
	return r
}

// WithSpanContext copies trace and span ids from the span active in ctx.
func (r *RuntimeLogger) WithSpanContext(ctx context.Context) *RuntimeLogger {
	if r == nil {
		return nil
	}
	spanContext := trace.SpanContextFromContext(ctx)
	if !spanContext.IsValid() {
		return r
	}
	r.traceID = spanContext.TraceID().String()
	r.spanID = spanContext.SpanID().String()
	r.rebuildLogger()
	return r
}

// Close flushes and closes the log file.
func (r *RuntimeLogger) Close() error {
	if r == nil || r.file == nil {
		return nil
	}
	return r.file.Close()
}

// Path returns the current log file path, empty for console logging.
func (r *RuntimeLogger) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

func (r *RuntimeLogger) rebuildLogger() {
	if r == nil || r.baseLogger == nil {
		return
	}
	fields := []any{}
	if r.runID != "" {
		fields = append(fields, "run_id", r.runID)
	}
	if r.traceID != "" {
		fields = append(fields, "trace_id", r.traceID)
	}
	if r.spanID != "" {
		fields = append(fields, "span_id", r.spanID)
	}
	r.Logger = r.baseLogger.With(fields...)
}

func resolveOptions(options []Option) newOptions {
	resolved := newOptions{
		level:   "info",
		console: os.Stderr,
		now:     time.Now,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(&resolved)
	}
	if resolved.level == "" {
		resolved.level = "info"
	}
	return resolved
}
