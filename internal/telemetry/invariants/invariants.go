// Package invariants records broken run invariants as invariant.violation
// span events. Checks return whether the invariant held so callers can log
// or recover; they never panic.
package invariants

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/ship-commander/wfrun/internal/security"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Name identifies an invariant in telemetry.
type Name string

const (
	MaxRetriesNotExceeded Name = "max_retries_not_exceeded"
	StateTransitionLegal  Name = "state_transition_legal"
	SingleTurnInFlight    Name = "single_turn_in_flight"
	SessionDisposed       Name = "session_disposed"
)

// Severity grades a violation.
type Severity string

const (
	Warn  Severity = "warn"
	Error Severity = "error"
)

// Violation is one observed breach.
type Violation struct {
	Name     Name
	Severity Severity
	// Where is the detecting function, e.g. "runner.Runner.validate".
	Where  string
	Reason string
	Fields map[string]string
}

func (v Violation) attributes() []attribute.KeyValue {
	severity := v.Severity
	if severity != Warn {
		severity = Error
	}
	attrs := []attribute.KeyValue{
		attribute.String("invariant.name", string(v.Name)),
		attribute.String("invariant.severity", string(severity)),
		attribute.String("invariant.where", strings.TrimSpace(v.Where)),
		attribute.String("invariant.reason", security.SanitizeText(strings.TrimSpace(v.Reason))),
	}
	keys := make([]string, 0, len(v.Fields))
	for key, value := range v.Fields {
		if strings.TrimSpace(value) != "" {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		attrs = append(attrs, attribute.String("context."+key, strings.TrimSpace(v.Fields[key])))
	}
	return attrs
}

// Report adds v to the span active in ctx. Without one it emits a short
// standalone span so the violation is still exported.
func Report(ctx context.Context, v Violation) {
	event := trace.WithAttributes(v.attributes()...)
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		span.AddEvent("invariant.violation", event)
		return
	}
	_, span := otel.Tracer("wfrun/invariants").Start(ctx, "invariant.violation")
	span.AddEvent("invariant.violation", event)
	span.End()
}

// CheckMaxRetriesNotExceeded holds while attempts stay within maxAllowed.
// A non-positive maxAllowed disables the check.
func CheckMaxRetriesNotExceeded(ctx context.Context, where string, attempts, maxAllowed int) bool {
	if maxAllowed <= 0 || attempts <= maxAllowed {
		return true
	}
	Report(ctx, Violation{
		Name:     MaxRetriesNotExceeded,
		Severity: Error,
		Where:    where,
		Reason:   "validation ran more attempts than the retry budget allows",
		Fields: map[string]string{
			"attempts":    strconv.Itoa(attempts),
			"max_allowed": strconv.Itoa(maxAllowed),
		},
	})
	return false
}

// CheckStateTransitionLegal records an illegal lifecycle transition for
// entity when legal is false.
func CheckStateTransitionLegal(ctx context.Context, where, entity, from, to string, legal bool) bool {
	if legal {
		return true
	}
	Report(ctx, Violation{
		Name:     StateTransitionLegal,
		Severity: Error,
		Where:    where,
		Reason:   "transition is not in the lifecycle table",
		Fields: map[string]string{
			"entity":     entity,
			"from_state": from,
			"to_state":   to,
		},
	})
	return false
}

// CheckSingleTurnInFlight records a turn rejected because another was
// running. The rejection is the intended outcome, so severity is warn.
func CheckSingleTurnInFlight(ctx context.Context, where, sessionID string, busy bool) bool {
	if !busy {
		return true
	}
	Report(ctx, Violation{
		Name:     SingleTurnInFlight,
		Severity: Warn,
		Where:    where,
		Reason:   "turn requested while another turn was running",
		Fields:   map[string]string{"session_id": sessionID},
	})
	return false
}

// CheckSessionDisposed holds when disposal returned no error.
func CheckSessionDisposed(ctx context.Context, where string, disposeErr error) bool {
	if disposeErr == nil {
		return true
	}
	Report(ctx, Violation{
		Name:     SessionDisposed,
		Severity: Error,
		Where:    where,
		Reason:   disposeErr.Error(),
	})
	return false
}
