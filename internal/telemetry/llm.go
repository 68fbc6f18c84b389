package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/ship-commander/wfrun/internal/security"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxStatusBytes = 512

var keyValueSecretPattern = regexp.MustCompile(`(?i)(api[_-]?key|token|password|secret|authorization)\s*[:=]\s*([^\s,;]+)`)

// Turn describes one prompt sent to the provider session.
type Turn struct {
	// Kind is "initial" for the workflow prompt and "follow_up" for feedback.
	Kind      string
	Provider  string
	Model     string
	SessionID string
	Number    int
	Prompt    string
}

// LLMCall is the llm.call span for one turn. All methods are safe on a nil
// receiver so callers need no tracing checks.
type LLMCall struct {
	span      trace.Span
	startedAt time.Time
	now       func() time.Time

	mu          sync.Mutex
	firstDelta  time.Duration
	deltas      int
	deltaBytes  int
	completions int
	ended       bool
}

// StartLLMCall opens the llm.call span for turn. The prompt itself is never
// recorded, only its length and a hash of the redacted text.
func StartLLMCall(ctx context.Context, turn Turn) (context.Context, *LLMCall) {
	return startLLMCall(ctx, turn, time.Now)
}

func startLLMCall(ctx context.Context, turn Turn, now func() time.Time) (context.Context, *LLMCall) {
	attrs := []attribute.KeyValue{
		attribute.String("llm.provider", valueOr(turn.Provider, "unknown")),
		attribute.String("llm.model", valueOr(turn.Model, "default")),
		attribute.String("turn.kind", valueOr(turn.Kind, "initial")),
		attribute.Int("prompt.bytes", len(turn.Prompt)),
		attribute.String("prompt.sha256", PromptHash(turn.Prompt)),
	}
	if sessionID := strings.TrimSpace(turn.SessionID); sessionID != "" {
		attrs = append(attrs, attribute.String("session.id", sessionID))
	}
	if turn.Number > 0 {
		attrs = append(attrs, attribute.Int("turn.number", turn.Number))
	}

	spanCtx, span := otel.Tracer("wfrun/telemetry/llm").Start(ctx, "llm.call", trace.WithAttributes(attrs...))
	return spanCtx, &LLMCall{span: span, startedAt: now(), now: now}
}

// RecordDelta counts one streamed fragment and notes the time to the first.
func (c *LLMCall) RecordDelta(size int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	if c.deltas == 0 {
		c.firstDelta = c.now().Sub(c.startedAt)
	}
	c.deltas++
	c.deltaBytes += size
}

// RecordMessage adds an llm.message event for a completed assistant message.
func (c *LLMCall) RecordMessage(messageID string, size int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.completions++
	c.span.AddEvent("llm.message", trace.WithAttributes(
		attribute.String("message.id", valueOr(messageID, "unknown")),
		attribute.Int("message.bytes", size),
	))
}

// End closes the span. errorType classifies err for dashboards and is
// ignored when err is nil.
func (c *LLMCall) End(reply string, errorType string, err error) {
	if c == nil {
		return
	}
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	attrs := []attribute.KeyValue{
		attribute.Int64("latency_ms", c.now().Sub(c.startedAt).Milliseconds()),
		attribute.Int("stream.deltas", c.deltas),
		attribute.Int("stream.bytes", c.deltaBytes),
		attribute.Int("messages.completed", c.completions),
		attribute.Int("reply.bytes", len(reply)),
	}
	if c.deltas > 0 {
		attrs = append(attrs, attribute.Int64("stream.first_delta_ms", c.firstDelta.Milliseconds()))
	}
	c.mu.Unlock()

	c.span.SetAttributes(attrs...)
	if err != nil {
		message := Redact(err.Error())
		c.span.AddEvent("llm.error", trace.WithAttributes(
			attribute.String("error.type", valueOr(errorType, "unknown")),
			attribute.String("error.message", message),
		))
		c.span.SetStatus(codes.Error, message)
	} else {
		c.span.SetStatus(codes.Ok, "")
	}
	c.span.End()
}

// PromptHash returns the hex SHA-256 of the redacted prompt, empty for an
// empty prompt.
func PromptHash(prompt string) string {
	if prompt == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(scrub(prompt)))
	return hex.EncodeToString(sum[:])
}

// Redact removes credentials and absolute paths and caps the result for use
// as a span attribute.
func Redact(text string) string {
	text = scrub(strings.TrimSpace(text))
	if len(text) > maxStatusBytes {
		const marker = "...[truncated]"
		cut := maxStatusBytes - len(marker)
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		return text[:cut] + marker
	}
	return text
}

func scrub(text string) string {
	text = keyValueSecretPattern.ReplaceAllString(text, "$1="+security.RedactedPlaceholder)
	return security.SanitizeText(text)
}

func valueOr(value, fallback string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return fallback
}
