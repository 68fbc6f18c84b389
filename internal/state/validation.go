package state

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionBusy is returned when a turn is requested while another runs.
	ErrSessionBusy = errors.New("session is busy")
	// ErrSessionNotReady is returned when a turn is requested before the
	// provider is ready or after the session failed.
	ErrSessionNotReady = errors.New("session is not ready")
	// ErrSessionDisposed is returned for any use after Dispose.
	ErrSessionDisposed = errors.New("session is disposed")
)

// TurnStateError explains why a turn cannot start from the current state.
type TurnStateError struct {
	State SessionState
	Err   error
}

func (e *TurnStateError) Error() string {
	return fmt.Sprintf("cannot start turn in state %q: %v", e.State, e.Err)
}

func (e *TurnStateError) Unwrap() error {
	return e.Err
}

// ValidateTurnStart reports whether a new turn may start from current.
func ValidateTurnStart(current SessionState) error {
	switch current {
	case Ready, Idle:
		return nil
	case Running:
		return &TurnStateError{State: current, Err: ErrSessionBusy}
	case Disposed:
		return &TurnStateError{State: current, Err: ErrSessionDisposed}
	default:
		return &TurnStateError{State: current, Err: ErrSessionNotReady}
	}
}
