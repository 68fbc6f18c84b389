package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ship-commander/wfrun/internal/input"
	"github.com/ship-commander/wfrun/internal/script"
	"github.com/ship-commander/wfrun/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type fakeSession struct {
	mu sync.Mutex

	initErr   error
	replies   []string
	block     bool
	prompts   []string
	followUps []string
	disposed  int
}

func (s *fakeSession) Initialize(context.Context) error {
	return s.initErr
}

func (s *fakeSession) RunSession(ctx context.Context, prompt string) (string, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, prompt)
	s.mu.Unlock()
	if s.block {
		<-ctx.Done()
		return "", context.Cause(ctx)
	}
	return s.next(), nil
}

func (s *fakeSession) SendFollowUp(_ context.Context, sessionID, message string) (string, error) {
	if sessionID != "ses_1" {
		return "", errors.New("unexpected session id " + sessionID)
	}
	s.mu.Lock()
	s.followUps = append(s.followUps, message)
	s.mu.Unlock()
	return s.next(), nil
}

func (s *fakeSession) SessionID() string { return "ses_1" }

func (s *fakeSession) Dispose(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposed++
	return nil
}

func (s *fakeSession) next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.replies) == 0 {
		return "done"
	}
	reply := s.replies[0]
	if len(s.replies) > 1 {
		s.replies = s.replies[1:]
	}
	return reply
}

type countingExecutor struct {
	inner ScriptExecutor

	mu       sync.Mutex
	requests []script.Request
}

func (c *countingExecutor) Execute(ctx context.Context, req script.Request) (script.Result, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()
	return c.inner.Execute(ctx, req)
}

func (c *countingExecutor) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

type rig struct {
	root     string
	session  *fakeSession
	executor *countingExecutor
	runner   *Runner
	created  int
}

// newRig wires a runner to a fake session and a real executor that runs
// "python" scripts with sh.
func newRig(t *testing.T, session *fakeSession, options ...Option) *rig {
	t.Helper()
	test.RequireShell(t)

	h := &rig{
		root:    test.Workspace(t, map[string]string{"workflows/a.md": "# Summarize\nSummarize the repository.\n"}),
		session: session,
		executor: &countingExecutor{inner: script.NewExecutor(script.Config{
			PythonCommand: "sh",
			PassEnv:       []string{"PATH"},
		})},
	}

	options = append([]Option{WithRunIDGenerator(func() string { return "run-1" })}, options...)
	r, err := New(Config{WorkspaceRoot: h.root}, func(runID string) (Session, error) {
		if runID != "run-1" {
			return nil, errors.New("unexpected run id " + runID)
		}
		h.created++
		return h.session, nil
	}, h.executor, options...)
	require.NoError(t, err)
	h.runner = r
	return h
}

func TestRunSucceedsWithoutValidation(t *testing.T) {
	t.Parallel()

	h := newRig(t, &fakeSession{replies: []string{"Summary: three packages."}})
	result := h.runner.Run(context.Background(), input.Input{
		WorkflowPath: "workflows/a.md",
		Prompt:       "Keep it short.",
	})

	assert.True(t, result.Success)
	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, "Summary: three packages.", result.Output)
	assert.Empty(t, result.Error)
	assert.Equal(t, "run-1", result.RunID)
	assert.Nil(t, result.ExitCode)
	assert.Equal(t, 0, h.executor.calls())
	assert.Equal(t, 1, h.session.disposed)
	require.Len(t, h.session.prompts, 1)
	assert.Equal(t, "# Summarize\nSummarize the repository.\n\nKeep it short.", h.session.prompts[0])
}

func TestRunRejectsTraversalBeforeStartingSession(t *testing.T) {
	t.Parallel()

	h := newRig(t, &fakeSession{})
	result := h.runner.Run(context.Background(), input.Input{WorkflowPath: "../../etc/passwd"})

	assert.False(t, result.Success)
	assert.Equal(t, StatusFailure, result.Status)
	assert.Contains(t, result.Error, "absolute paths and parent directory references")
	assert.Equal(t, 0, h.created)
}

func TestRunRejectsSymlinkEscape(t *testing.T) {
	t.Parallel()

	h := newRig(t, &fakeSession{})
	outside := filepath.Join(t.TempDir(), "secret.md")
	test.WriteFile(t, outside, "outside the workspace")
	require.NoError(t, os.Symlink(outside, filepath.Join(h.root, "workflows", "link.md")))

	result := h.runner.Run(context.Background(), input.Input{WorkflowPath: "workflows/link.md"})

	assert.Equal(t, StatusFailure, result.Status)
	assert.Contains(t, result.Error, "symlink target escapes")
	assert.NotContains(t, result.Error, outside)
	assert.Equal(t, 0, h.created)
}

func TestRunRejectsUnusableWorkflowFiles(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		prepare func(t *testing.T, root string)
		path    string
		want    string
	}{
		{
			name: "missing",
			path: "workflows/none.md",
			want: "does not exist",
		},
		{
			name:    "empty",
			prepare: func(t *testing.T, root string) { test.WriteFile(t, filepath.Join(root, "empty.md"), "") },
			path:    "empty.md",
			want:    "is empty",
		},
		{
			name: "directory",
			prepare: func(t *testing.T, root string) {
				require.NoError(t, os.MkdirAll(filepath.Join(root, "dir.md"), 0o755))
			},
			path: "dir.md",
			want: "is not a regular file",
		},
		{
			name:    "invalid utf8",
			prepare: func(t *testing.T, root string) { test.WriteFile(t, filepath.Join(root, "bad.md"), "ok\xff\xfe") },
			path:    "bad.md",
			want:    "is not valid UTF-8",
		},
		{
			name:    "too large",
			prepare: func(t *testing.T, root string) { test.WriteFile(t, filepath.Join(root, "big.md"), strings.Repeat("x", 65)) },
			path:    "big.md",
			want:    "exceeds the 64 byte limit",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newRig(t, &fakeSession{})
			h.runner.cfg.MaxFileBytes = 64
			if tt.prepare != nil {
				tt.prepare(t, h.root)
			}

			_, err := h.runner.readWorkflow(tt.path)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrFileAccess))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRunExhaustsValidationRetries(t *testing.T) {
	t.Parallel()

	h := newRig(t, &fakeSession{replies: []string{"first draft", "second draft"}})
	result := h.runner.Run(context.Background(), input.Input{
		WorkflowPath:     "workflows/a.md",
		ValidationScript: "python:echo 'This validation failed intentionally'",
		MaxRetries:       2,
	})

	assert.False(t, result.Success)
	assert.Equal(t, StatusFailure, result.Status)
	assert.Equal(t, 2, h.executor.calls())
	assert.Equal(t, 2, result.ValidationAttempts)
	assert.Equal(t, "Validation failed after 2 attempts: This validation failed intentionally", result.Error)
	assert.Equal(t, "second draft", result.Output)
	require.NotNil(t, result.ExitCode)
	assert.Equal(t, 0, *result.ExitCode)

	require.Len(t, h.session.followUps, 1)
	assert.Contains(t, h.session.followUps[0], "attempt 1 of 2")
	assert.Contains(t, h.session.followUps[0], "This validation failed intentionally")
	assert.Equal(t, 1, h.session.disposed)
}

func TestRunPassesOnSecondAttempt(t *testing.T) {
	t.Parallel()

	h := newRig(t, &fakeSession{replies: []string{"draft", "fixed"}})
	result := h.runner.Run(context.Background(), input.Input{
		WorkflowPath:     "workflows/a.md",
		ValidationScript: `python:if [ "$AI_LAST_MESSAGE" = fixed ]; then echo TRUE; else echo "needs a fix"; fi`,
		MaxRetries:       3,
	})

	assert.True(t, result.Success)
	assert.Equal(t, "fixed", result.Output)
	assert.Equal(t, 2, result.ValidationAttempts)
	require.Len(t, h.session.followUps, 1)
	assert.Equal(t, FollowUpMessage("needs a fix", 1, 3), h.session.followUps[0])

	h.executor.mu.Lock()
	defer h.executor.mu.Unlock()
	assert.Equal(t, "draft", h.executor.requests[0].LastMessage)
	assert.Equal(t, "fixed", h.executor.requests[1].LastMessage)
}

func TestRunIgnoresScriptExitCode(t *testing.T) {
	t.Parallel()

	h := newRig(t, &fakeSession{})
	result := h.runner.Run(context.Background(), input.Input{
		WorkflowPath:     "workflows/a.md",
		EnvVars:          map[string]string{"EXPECTED": "yes"},
		ValidationScript: `python:[ "$EXPECTED" = yes ] && echo true; exit 4`,
	})

	assert.True(t, result.Success)
	require.NotNil(t, result.ExitCode)
	assert.Equal(t, 4, *result.ExitCode)
}

func TestRunStopsOnUnknownScriptType(t *testing.T) {
	t.Parallel()

	h := newRig(t, &fakeSession{})
	result := h.runner.Run(context.Background(), input.Input{
		WorkflowPath:     "workflows/a.md",
		ValidationScript: "checks/validate.rb",
		MaxRetries:       3,
	})

	assert.Equal(t, StatusFailure, result.Status)
	assert.Contains(t, result.Error, "cannot determine validation script type")
	assert.Equal(t, 1, h.executor.calls())
	assert.Empty(t, h.session.followUps)
}

func TestRunMissingScriptConsumesAttempts(t *testing.T) {
	t.Parallel()

	h := newRig(t, &fakeSession{})
	result := h.runner.Run(context.Background(), input.Input{
		WorkflowPath:     "workflows/a.md",
		ValidationScript: "checks/missing.py",
		MaxRetries:       2,
	})

	assert.Equal(t, StatusFailure, result.Status)
	assert.Equal(t, 2, h.executor.calls())
	assert.True(t, strings.HasPrefix(result.Error, "Validation failed after 2 attempts: Validation script failed:"))
	assert.Len(t, h.session.followUps, 1)
}

func TestRunCancelledBeforeStart(t *testing.T) {
	t.Parallel()

	h := newRig(t, &fakeSession{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := h.runner.Run(ctx, input.Input{WorkflowPath: "workflows/a.md"})

	assert.False(t, result.Success)
	assert.Equal(t, StatusCancelled, result.Status)
	assert.Equal(t, "Workflow execution was cancelled", result.Error)
	assert.Equal(t, 0, h.created)
}

func TestRunTimesOutAndDisposes(t *testing.T) {
	t.Parallel()

	h := newRig(t, &fakeSession{block: true})
	result := h.runner.Run(context.Background(), input.Input{
		WorkflowPath: "workflows/a.md",
		Timeout:      50 * time.Millisecond,
	})

	assert.Equal(t, StatusTimeout, result.Status)
	assert.Contains(t, result.Error, "timed out")
	assert.Equal(t, 1, h.session.disposed)
}

func TestRunDisposesAfterInitializeFailure(t *testing.T) {
	t.Parallel()

	h := newRig(t, &fakeSession{initErr: errors.New("provider exited early")})
	result := h.runner.Run(context.Background(), input.Input{WorkflowPath: "workflows/a.md"})

	assert.Equal(t, StatusFailure, result.Status)
	assert.Equal(t, "provider exited early", result.Error)
	assert.Equal(t, 1, h.session.disposed)
	assert.Empty(t, h.session.prompts)
}

func TestRunRecordsSpan(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	h := newRig(t, &fakeSession{}, WithTracer(provider.Tracer("test")))
	h.runner.Run(context.Background(), input.Input{WorkflowPath: "workflows/a.md"})

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "workflow.run", spans[0].Name())

	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "run-1", attrs["run_id"])
	assert.Equal(t, "success", attrs["status"])
}

func TestBuildPrompt(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "workflow\n", BuildPrompt("workflow\n", "  "))
	assert.Equal(t, "workflow\n\nextra", BuildPrompt("workflow\n\n", " extra "))
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	executor := script.NewExecutor(script.Config{})
	factory := func(string) (Session, error) { return &fakeSession{}, nil }

	_, err := New(Config{}, factory, executor)
	assert.Error(t, err)
	_, err = New(Config{WorkspaceRoot: "/w"}, nil, executor)
	assert.Error(t, err)
	_, err = New(Config{WorkspaceRoot: "/w"}, factory, nil)
	assert.Error(t, err)

	r, err := New(Config{WorkspaceRoot: "/w"}, factory, executor)
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxFileBytes, r.cfg.MaxFileBytes)
	assert.Equal(t, DefaultDisposeTimeout, r.cfg.DisposeTimeout)
}
