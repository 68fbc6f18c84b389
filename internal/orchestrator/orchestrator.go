// Package orchestrator owns the lifecycle of the single AI session of a run:
// provider startup, the initial turn, follow-up turns and disposal.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/charmbracelet/log"
	"github.com/ship-commander/wfrun/internal/harness"
	"github.com/ship-commander/wfrun/internal/state"
	"github.com/ship-commander/wfrun/internal/telemetry"
	"github.com/ship-commander/wfrun/internal/telemetry/invariants"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultReadyTimeout bounds polling of the control endpoint after the
	// provider has announced it.
	DefaultReadyTimeout = 30 * time.Second

	defaultPingInterval    = 100 * time.Millisecond
	defaultMaxPingInterval = 2 * time.Second
	defaultSessionTitle    = "wfrun"
)

var (
	// ErrSessionBusy is returned when a turn is requested while another runs.
	ErrSessionBusy = state.ErrSessionBusy
	// ErrUnknownSession is returned by SendFollowUp for an id this
	// orchestrator did not create.
	ErrUnknownSession = errors.New("unknown session")
)

// ClientFactory builds a control endpoint client for the provider's base URL.
type ClientFactory func(baseURL string) (harness.Client, error)

// DeltaSink receives streamed message fragments as they arrive.
type DeltaSink func(sessionID, messageID, delta string)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger configures orchestrator logging.
func WithLogger(logger *log.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithDeltaSink forwards partial message text while a turn runs.
func WithDeltaSink(sink DeltaSink) Option {
	return func(o *Orchestrator) {
		o.onDelta = sink
	}
}

// WithReadyTimeout bounds the control endpoint readiness poll.
func WithReadyTimeout(timeout time.Duration) Option {
	return func(o *Orchestrator) {
		if timeout > 0 {
			o.readyTimeout = timeout
		}
	}
}

// WithPingInterval sets the first readiness retry interval.
func WithPingInterval(interval time.Duration) Option {
	return func(o *Orchestrator) {
		if interval > 0 {
			o.pingInterval = interval
		}
	}
}

// WithSessionTitle names the provider session.
func WithSessionTitle(title string) Option {
	return func(o *Orchestrator) {
		if title = strings.TrimSpace(title); title != "" {
			o.title = title
		}
	}
}

// WithProviderName labels llm.call spans.
func WithProviderName(name string) Option {
	return func(o *Orchestrator) {
		o.providerName = strings.TrimSpace(name)
	}
}

// WithModelName labels llm.call spans.
func WithModelName(name string) Option {
	return func(o *Orchestrator) {
		o.modelName = strings.TrimSpace(name)
	}
}

// WithTracer configures the tracer used for lifecycle transition spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) {
		if tracer != nil {
			o.machineOptions = append(o.machineOptions, state.WithTracer(tracer))
		}
	}
}

// Orchestrator drives one provider session. Turns are serialized; a turn
// requested while another is running fails with ErrSessionBusy.
type Orchestrator struct {
	server    harness.Server
	newClient ClientFactory

	logger         *log.Logger
	onDelta        DeltaSink
	readyTimeout   time.Duration
	pingInterval   time.Duration
	title          string
	providerName   string
	modelName      string
	now            func() time.Time
	machineOptions []state.Option

	machine *state.Machine

	mu       sync.Mutex
	client   harness.Client
	session  *harness.Session
	turns    int
	disposed bool
}

// New builds an orchestrator around an unstarted provider server.
func New(server harness.Server, newClient ClientFactory, options ...Option) (*Orchestrator, error) {
	if server == nil {
		return nil, errors.New("provider server is required")
	}
	if newClient == nil {
		return nil, errors.New("client factory is required")
	}

	o := &Orchestrator{
		server:       server,
		newClient:    newClient,
		logger:       log.New(io.Discard),
		readyTimeout: DefaultReadyTimeout,
		pingInterval: defaultPingInterval,
		title:        defaultSessionTitle,
		now:          time.Now,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(o)
	}
	o.machine = state.NewMachine(o.machineOptions...)
	return o, nil
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() state.SessionState {
	return o.machine.Current()
}

// SessionID returns the provider session id, or "" before the first turn.
func (o *Orchestrator) SessionID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return ""
	}
	return o.session.ID
}

// Session returns a snapshot of the session descriptor, or nil before the
// session exists.
func (o *Orchestrator) Session() *harness.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return nil
	}
	snapshot := *o.session
	snapshot.Messages = append([]harness.Message(nil), o.session.Messages...)
	snapshot.State = o.machine.Current()
	return &snapshot
}

// Initialize starts the provider and waits until its control endpoint answers.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	if err := o.machine.Transition(ctx, state.Starting, "initialize"); err != nil {
		return err
	}

	baseURL, err := o.server.Start(ctx)
	if err != nil {
		o.fail(ctx, err)
		return err
	}

	client, err := o.newClient(baseURL)
	if err != nil {
		wrapped := &harness.ProviderError{Op: harness.OpStartup, Err: fmt.Errorf("build client for %s: %w", baseURL, err)}
		o.fail(ctx, wrapped)
		return wrapped
	}

	if err := o.waitReady(ctx, client); err != nil {
		o.fail(ctx, err)
		return err
	}

	o.mu.Lock()
	o.client = client
	o.mu.Unlock()

	if err := o.machine.Transition(ctx, state.Ready, "control endpoint ready"); err != nil {
		return err
	}
	o.logger.Info("provider ready", "endpoint", baseURL)
	return nil
}

// RunSession creates the session on first use and runs prompt as a turn. It
// returns the last assistant message of the turn.
func (o *Orchestrator) RunSession(ctx context.Context, prompt string) (string, error) {
	return o.turn(ctx, "", prompt, "initial")
}

// SendFollowUp runs message as the next turn of an existing session.
func (o *Orchestrator) SendFollowUp(ctx context.Context, sessionID, message string) (string, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return "", fmt.Errorf("%w: empty session id", ErrUnknownSession)
	}
	return o.turn(ctx, sessionID, message, "follow_up")
}

// Dispose deletes the session and stops the provider. It is safe to call
// on every exit path and more than once.
func (o *Orchestrator) Dispose(ctx context.Context) error {
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return nil
	}
	o.disposed = true
	client := o.client
	var sessionID string
	if o.session != nil {
		sessionID = o.session.ID
	}
	o.mu.Unlock()

	if client != nil && sessionID != "" {
		if err := client.DeleteSession(ctx, sessionID); err != nil {
			o.logger.Warn("delete session failed", "session", sessionID, "err", err)
		}
	}

	var stopErr error
	if err := o.server.Stop(ctx); err != nil {
		stopErr = fmt.Errorf("stop provider: %w", err)
		o.logger.Error("provider stop failed", "err", err)
	}

	if err := o.machine.Transition(ctx, state.Disposed, "dispose"); err != nil {
		return errors.Join(stopErr, err)
	}
	o.logger.Debug("session disposed", "session", sessionID)
	return stopErr
}

func (o *Orchestrator) turn(ctx context.Context, sessionID, content, operation string) (string, error) {
	client, sessionID, attempt, err := o.beginTurn(ctx, sessionID, content, operation)
	if err != nil {
		return "", err
	}

	callCtx, call := telemetry.StartLLMCall(ctx, telemetry.Turn{
		Kind:      operation,
		Provider:  o.providerName,
		Model:     o.modelName,
		SessionID: sessionID,
		Number:    attempt,
		Prompt:    content,
	})

	o.logger.Info("turn started", "session", sessionID, "operation", operation, "turn", attempt)
	last, err := o.consume(callCtx, client, sessionID, content, call)
	if err != nil {
		call.End("", errorType(ctx, err), err)
		o.fail(ctx, err)
		o.logger.Warn("turn failed", "session", sessionID, "turn", attempt, "err", err)
		return "", err
	}
	call.End(last, "", nil)

	if err := o.machine.Transition(context.WithoutCancel(ctx), state.Idle, "turn complete"); err != nil {
		return "", err
	}
	o.logger.Info("turn complete", "session", sessionID, "turn", attempt, "bytes", len(last))
	return last, nil
}

// beginTurn checks the lifecycle, creates the session if needed and moves
// the machine to Running, all under the orchestrator lock.
func (o *Orchestrator) beginTurn(ctx context.Context, sessionID, content, operation string) (harness.Client, string, int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.disposed {
		return nil, "", 0, &state.TurnStateError{State: state.Disposed, Err: state.ErrSessionDisposed}
	}
	if err := state.ValidateTurnStart(o.machine.Current()); err != nil {
		if errors.Is(err, state.ErrSessionBusy) {
			invariants.CheckSingleTurnInFlight(ctx, "orchestrator.beginTurn", o.machine.SessionID(), true)
		}
		return nil, "", 0, err
	}

	if sessionID != "" && (o.session == nil || o.session.ID != sessionID) {
		return nil, "", 0, fmt.Errorf("%w: %q", ErrUnknownSession, sessionID)
	}

	if o.session == nil {
		info, err := o.client.CreateSession(ctx, o.title)
		if err != nil {
			if ctx.Err() != nil {
				err = context.Cause(ctx)
			}
			o.failLocked(ctx, err)
			return nil, "", 0, err
		}
		o.session = &harness.Session{ID: info.ID, CreatedAt: info.CreatedAt}
		o.machine.Bind(info.ID)
		o.logger.Info("session created", "session", info.ID)
	}

	if err := o.machine.Transition(ctx, state.Running, operation); err != nil {
		return nil, "", 0, err
	}
	o.turns++
	o.session.Messages = append(o.session.Messages, harness.Message{
		Role:      harness.RoleUser,
		Content:   content,
		Timestamp: o.now().UTC(),
	})
	return o.client, o.session.ID, o.turns, nil
}

// consume reads one turn's events in emission order. Deltas are forwarded to
// the sink; the turn's result is the last completed message.
func (o *Orchestrator) consume(ctx context.Context, client harness.Client, sessionID, content string, call *telemetry.LLMCall) (string, error) {
	events, err := client.Submit(ctx, sessionID, content)
	if err != nil {
		if ctx.Err() != nil {
			return "", context.Cause(ctx)
		}
		return "", err
	}

	partial := map[string]*strings.Builder{}
	var lastPartialID string
	var last string
	completed := false

	for {
		select {
		case <-ctx.Done():
			return "", context.Cause(ctx)
		case event, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return "", context.Cause(ctx)
				}
				if completed {
					return last, nil
				}
				cause := errors.New("event stream ended before the turn completed")
				if o.providerExited() {
					cause = errors.New("provider process exited before the turn completed")
				}
				return "", &harness.ProviderError{Op: harness.OpSession, Session: sessionID, Err: cause}
			}

			switch event.Type {
			case harness.EventMessageDelta:
				builder, exists := partial[event.MessageID]
				if !exists {
					builder = &strings.Builder{}
					partial[event.MessageID] = builder
				}
				builder.WriteString(event.Delta)
				lastPartialID = event.MessageID
				call.RecordDelta(len(event.Delta))
				if o.onDelta != nil && event.Delta != "" {
					o.onDelta(sessionID, event.MessageID, event.Delta)
				}
			case harness.EventMessageComplete:
				text := event.Content
				if text == "" {
					if builder, exists := partial[event.MessageID]; exists {
						text = builder.String()
					}
				}
				delete(partial, event.MessageID)
				last = text
				completed = true
				o.appendAssistant(event.MessageID, text)
				call.RecordMessage(event.MessageID, len(text))
			case harness.EventSessionError:
				var cause error = event.Err
				if event.Err == nil {
					cause = errors.New("provider reported a session error")
				}
				return "", &harness.ProviderError{Op: harness.OpSession, Session: sessionID, Err: cause}
			case harness.EventSessionIdle:
				if !completed {
					if builder, exists := partial[lastPartialID]; exists {
						last = builder.String()
						o.appendAssistant(lastPartialID, last)
					}
				}
				return last, nil
			}
		}
	}
}

func (o *Orchestrator) providerExited() bool {
	select {
	case <-o.server.Done():
		return true
	default:
		return false
	}
}

func (o *Orchestrator) appendAssistant(messageID, content string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return
	}
	o.session.Messages = append(o.session.Messages, harness.Message{
		Role:      harness.RoleAssistant,
		ID:        messageID,
		Content:   content,
		Timestamp: o.now().UTC(),
	})
}

func (o *Orchestrator) fail(ctx context.Context, cause error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failLocked(ctx, cause)
}

func (o *Orchestrator) failLocked(ctx context.Context, cause error) {
	if o.disposed {
		return
	}
	if err := o.machine.Transition(context.WithoutCancel(ctx), state.Errored, cause.Error()); err != nil {
		o.logger.Debug("errored transition rejected", "err", err)
	}
}

func (o *Orchestrator) waitReady(ctx context.Context, client harness.Client) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = o.pingInterval
	policy.MaxInterval = defaultMaxPingInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, client.Ping(ctx)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxElapsedTime(o.readyTimeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			o.logger.Debug("control endpoint not ready", "err", err, "retry_in", next)
		}),
	)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return &harness.ProviderError{
		Op:  harness.OpStartup,
		Err: fmt.Errorf("control endpoint not ready within %s: %w", o.readyTimeout, err),
	}
}

func errorType(ctx context.Context, err error) string {
	var providerErr *harness.ProviderError
	if errors.As(err, &providerErr) {
		var sessionErr *harness.SessionError
		if errors.As(providerErr.Err, &sessionErr) && strings.TrimSpace(sessionErr.Name) != "" {
			return sessionErr.Name
		}
		return "provider_" + providerErr.Op
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "cancelled"
	}
	return "turn_failure"
}
