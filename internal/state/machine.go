package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ship-commander/wfrun/internal/telemetry/invariants"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SessionState is one lifecycle state of an AI session.
type SessionState string

const (
	Uninitialized SessionState = "uninitialized"
	Starting      SessionState = "starting"
	Ready         SessionState = "ready"
	Running       SessionState = "running"
	Idle          SessionState = "idle"
	Errored       SessionState = "errored"
	Disposed      SessionState = "disposed"
)

func (s SessionState) String() string {
	return string(s)
}

var allowedTransitions = map[SessionState]map[SessionState]struct{}{
	Uninitialized: {
		Starting: {},
	},
	Starting: {
		Ready:   {},
		Errored: {},
	},
	Ready: {
		Running: {},
		Errored: {},
	},
	Running: {
		Idle:    {},
		Errored: {},
	},
	Idle: {
		Running: {},
	},
}

// Option configures Machine construction.
type Option func(*Machine)

// WithTracer configures the tracer used for state transition spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(machine *Machine) {
		if tracer == nil {
			return
		}
		machine.tracer = tracer
	}
}

// WithClock overrides the clock used to timestamp transitions.
func WithClock(now func() time.Time) Option {
	return func(machine *Machine) {
		if now == nil {
			return
		}
		machine.now = now
	}
}

// TransitionRecord stores transition metadata for local history.
type TransitionRecord struct {
	SessionID string
	FromState SessionState
	ToState   SessionState
	Reason    string
	Timestamp time.Time
}

// IllegalTransitionError is returned for a disallowed transition.
type IllegalTransitionError struct {
	SessionID string
	FromState SessionState
	ToState   SessionState
	Reason    string
}

func (e *IllegalTransitionError) Error() string {
	reason := strings.TrimSpace(e.Reason)
	if reason == "" {
		reason = "illegal transition for session lifecycle"
	}
	subject := "session"
	if e.SessionID != "" {
		subject = fmt.Sprintf("session %q", e.SessionID)
	}
	return fmt.Sprintf("cannot transition %s from %q to %q: %s", subject, e.FromState, e.ToState, reason)
}

// Is enables errors.Is checks for illegal transition failures.
func (e *IllegalTransitionError) Is(target error) bool {
	_, ok := target.(*IllegalTransitionError)
	return ok
}

// Machine tracks the lifecycle of a single session. It is safe for
// concurrent use.
type Machine struct {
	tracer trace.Tracer
	now    func() time.Time

	mu        sync.Mutex
	sessionID string
	current   SessionState
	history   []TransitionRecord
}

// NewMachine returns a machine in the Uninitialized state.
func NewMachine(options ...Option) *Machine {
	machine := &Machine{
		tracer:  otel.Tracer("wfrun/state"),
		now:     time.Now,
		current: Uninitialized,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(machine)
	}
	return machine
}

// Current returns the current state.
func (m *Machine) Current() SessionState {
	if m == nil {
		return Uninitialized
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Bind attaches the provider session id so later transitions and errors name it.
func (m *Machine) Bind(sessionID string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.sessionID = strings.TrimSpace(sessionID)
	m.mu.Unlock()
}

// SessionID returns the bound session id.
func (m *Machine) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// Transition moves the machine to toState. Any state may move to Disposed;
// disposing twice is a no-op. Other moves must be in the lifecycle table.
func (m *Machine) Transition(ctx context.Context, toState SessionState, reason string) error {
	if m == nil {
		return errors.New("machine is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	started := time.Now()
	normalizedReason := strings.TrimSpace(reason)

	m.mu.Lock()
	defer m.mu.Unlock()

	fromState := m.current
	spanCtx, span := m.tracer.Start(ctx, "state.transition")
	defer func() {
		span.SetAttributes(attribute.Int64("duration_ms", time.Since(started).Milliseconds()))
		span.End()
	}()
	span.SetAttributes(
		attribute.String("session_id", m.sessionID),
		attribute.String("from_state", string(fromState)),
		attribute.String("to_state", string(toState)),
		attribute.String("reason", normalizedReason),
	)

	if toState == Disposed && fromState == Disposed {
		span.SetStatus(codes.Ok, "already disposed")
		return nil
	}

	if !isAllowed(fromState, toState) {
		err := &IllegalTransitionError{
			SessionID: m.sessionID,
			FromState: fromState,
			ToState:   toState,
			Reason:    "illegal transition for session lifecycle",
		}
		invariants.CheckStateTransitionLegal(spanCtx, "state.Machine.Transition", "session", string(fromState), string(toState), false)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	m.current = toState
	m.history = append(m.history, TransitionRecord{
		SessionID: m.sessionID,
		FromState: fromState,
		ToState:   toState,
		Reason:    normalizedReason,
		Timestamp: m.now().UTC(),
	})
	span.SetStatus(codes.Ok, "state transition recorded")
	return nil
}

// History returns transition records captured by this machine.
func (m *Machine) History() []TransitionRecord {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TransitionRecord, len(m.history))
	copy(out, m.history)
	return out
}

func isAllowed(fromState, toState SessionState) bool {
	if toState == Disposed {
		return true
	}
	nextStates, ok := allowedTransitions[fromState]
	if !ok {
		return false
	}
	_, ok = nextStates[toState]
	return ok
}
