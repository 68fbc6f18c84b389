package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ship-commander/wfrun/internal/state"
)

// EventType tags the variants of a session event.
type EventType string

const (
	// EventMessageDelta carries a streamed fragment of an assistant message.
	EventMessageDelta EventType = "message.delta"
	// EventMessageComplete carries the final text of an assistant message.
	EventMessageComplete EventType = "message.complete"
	// EventSessionError reports a session-level failure from the provider.
	EventSessionError EventType = "session.error"
	// EventSessionIdle marks the end of a turn.
	EventSessionIdle EventType = "session.idle"
)

// Event is one item of a turn's event stream. Exactly the fields relevant to
// Type are populated.
type Event struct {
	Type      EventType
	SessionID string
	MessageID string
	Delta     string
	Content   string
	Err       *SessionError
}

// SessionError is the provider's description of a failed session.
type SessionError struct {
	Name    string
	Message string
}

func (e *SessionError) Error() string {
	name := strings.TrimSpace(e.Name)
	if name == "" {
		name = "SessionError"
	}
	return fmt.Sprintf("%s: %s", name, e.Message)
}

// Role identifies the author of a session message.
type Role string

const (
	// RoleUser marks prompts and follow-ups sent to the provider.
	RoleUser Role = "user"
	// RoleAssistant marks completed AI messages.
	RoleAssistant Role = "assistant"
)

// Message is one entry of a session's ordered message log.
type Message struct {
	Role      Role
	ID        string
	Content   string
	Timestamp time.Time
}

// SessionInfo is what the provider returns when a session is created.
type SessionInfo struct {
	ID        string
	CreatedAt time.Time
}

// Session is the runtime descriptor for the single session of one run.
type Session struct {
	ID        string
	CreatedAt time.Time
	Messages  []Message
	State     state.SessionState
}

// LastAssistantMessage returns the newest assistant message content, if any.
func (s *Session) LastAssistantMessage() string {
	if s == nil {
		return ""
	}
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleAssistant {
			return s.Messages[i].Content
		}
	}
	return ""
}

// Server launches and stops the external session-provider process.
type Server interface {
	// Start launches the provider and returns its control endpoint base URL
	// once the provider reports it is listening.
	Start(ctx context.Context) (string, error)
	// Stop terminates the provider. It is safe to call more than once.
	Stop(ctx context.Context) error
	// Done is closed once the provider process has exited. It is nil
	// before Start.
	Done() <-chan struct{}
}

// Client talks to a running provider's control endpoint.
type Client interface {
	Ping(ctx context.Context) error
	CreateSession(ctx context.Context, title string) (SessionInfo, error)
	// Submit sends content as the next turn and returns the turn's events in
	// emission order. The channel is closed when the turn's stream ends.
	Submit(ctx context.Context, sessionID string, content string) (<-chan Event, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

var (
	// ErrProviderStartup marks failures to launch the provider or reach its endpoint.
	ErrProviderStartup = errors.New("provider startup failed")
	// ErrProvider marks every provider-side failure, startup included.
	ErrProvider = errors.New("provider error")
)

// ProviderError wraps failures attributable to the session provider rather
// than to user content.
type ProviderError struct {
	Op      string
	Session string
	Err     error
}

func (e *ProviderError) Error() string {
	if e.Session != "" {
		return fmt.Sprintf("provider %s (session %s): %v", e.Op, e.Session, e.Err)
	}
	return fmt.Sprintf("provider %s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Is enables errors.Is checks against ErrProvider and, for startup failures, ErrProviderStartup.
func (e *ProviderError) Is(target error) bool {
	switch target {
	case ErrProvider:
		return true
	case ErrProviderStartup:
		return e.Op == OpStartup
	default:
		return false
	}
}

const (
	// OpStartup labels provider launch and readiness failures.
	OpStartup = "startup"
	// OpSession labels failures reported while a session turn runs.
	OpSession = "session"
	// OpRequest labels control endpoint request failures.
	OpRequest = "request"
)
