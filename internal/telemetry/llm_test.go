package telemetry

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type stepClock struct {
	now  time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	current := c.now
	c.now = c.now.Add(c.step)
	return current
}

func TestLLMCallRecordsStreamingTurn(t *testing.T) {
	recorder := installSpanRecorder(t)
	clock := &stepClock{now: time.Unix(1_700_000_000, 0), step: 100 * time.Millisecond}

	_, call := startLLMCall(context.Background(), Turn{
		Kind:      "follow_up",
		Provider:  "opencode",
		SessionID: "ses_1",
		Number:    2,
		Prompt:    "fix the output, token=super-secret",
	}, clock.Now)

	call.RecordDelta(5)
	call.RecordDelta(7)
	call.RecordMessage("msg_1", 12)
	call.End("hello world!", "", nil)
	call.End("ignored", "", errors.New("late"))

	span := onlySpan(t, recorder, "llm.call")
	if span.Status().Code != codes.Ok {
		t.Fatalf("status = %v, want ok", span.Status().Code)
	}

	attrs := span.Attributes()
	assertString(t, attrs, "llm.provider", "opencode")
	assertString(t, attrs, "llm.model", "default")
	assertString(t, attrs, "turn.kind", "follow_up")
	assertString(t, attrs, "session.id", "ses_1")
	assertInt(t, attrs, "turn.number", 2)
	assertInt(t, attrs, "stream.deltas", 2)
	assertInt(t, attrs, "stream.bytes", 12)
	assertInt(t, attrs, "messages.completed", 1)
	assertInt(t, attrs, "reply.bytes", 12)
	assertInt(t, attrs, "stream.first_delta_ms", 100)
	assertInt(t, attrs, "latency_ms", 200)

	hash := stringAttr(attrs, "prompt.sha256")
	if len(hash) != 64 {
		t.Fatalf("prompt.sha256 = %q, want 64 hex chars", hash)
	}
	for _, attr := range attrs {
		if strings.Contains(attr.Value.Emit(), "super-secret") {
			t.Fatalf("attribute %s leaks the prompt secret", attr.Key)
		}
	}

	events := span.Events()
	if len(events) != 1 || events[0].Name != "llm.message" {
		t.Fatalf("events = %+v, want one llm.message", events)
	}
	assertString(t, events[0].Attributes, "message.id", "msg_1")
}

func TestLLMCallRecordsRedactedError(t *testing.T) {
	recorder := installSpanRecorder(t)

	_, call := StartLLMCall(context.Background(), Turn{Prompt: "go"})
	call.End("", "provider_session", errors.New("stream failed: Authorization: sk-abcdefghijklmnopqrstuvwxyz0123456789 at /home/runner/work"))

	span := onlySpan(t, recorder, "llm.call")
	if span.Status().Code != codes.Error {
		t.Fatalf("status = %v, want error", span.Status().Code)
	}
	if strings.Contains(span.Status().Description, "sk-abc") || strings.Contains(span.Status().Description, "/home/runner") {
		t.Fatalf("status description not redacted: %q", span.Status().Description)
	}
	if stringAttr(span.Attributes(), "stream.first_delta_ms") != "" {
		t.Fatal("first delta recorded without deltas")
	}

	events := span.Events()
	if len(events) != 1 || events[0].Name != "llm.error" {
		t.Fatalf("events = %+v, want one llm.error", events)
	}
	assertString(t, events[0].Attributes, "error.type", "provider_session")
}

func TestLLMCallNilReceiverIsSafe(t *testing.T) {
	var call *LLMCall
	call.RecordDelta(1)
	call.RecordMessage("m", 1)
	call.End("", "", errors.New("boom"))
}

func TestPromptHashIgnoresSecretValues(t *testing.T) {
	if PromptHash("") != "" {
		t.Fatal("empty prompt must hash to empty string")
	}
	first := PromptHash("deploy with token=aaa")
	second := PromptHash("deploy with token=bbb")
	if first != second {
		t.Fatal("prompt hash depends on redacted secret values")
	}
	if first == PromptHash("deploy without credentials") {
		t.Fatal("distinct prompts hashed equal")
	}
}

func TestRedactCapsLength(t *testing.T) {
	got := Redact(strings.Repeat("é", 600))
	if len(got) > maxStatusBytes {
		t.Fatalf("len = %d, want <= %d", len(got), maxStatusBytes)
	}
	if !strings.HasSuffix(got, "...[truncated]") {
		t.Fatalf("missing truncation marker: %q", got[len(got)-20:])
	}
}

func installSpanRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() {
		otel.SetTracerProvider(previous)
		_ = provider.Shutdown(context.Background())
	})
	return recorder
}

func onlySpan(t *testing.T, recorder *tracetest.SpanRecorder, name string) sdktrace.ReadOnlySpan {
	t.Helper()
	ended := recorder.Ended()
	if len(ended) != 1 || ended[0].Name() != name {
		t.Fatalf("ended spans = %d, want one %s", len(ended), name)
	}
	return ended[0]
}

func stringAttr(attrs []attribute.KeyValue, key string) string {
	for _, attr := range attrs {
		if string(attr.Key) == key {
			return attr.Value.Emit()
		}
	}
	return ""
}

func assertString(t *testing.T, attrs []attribute.KeyValue, key, want string) {
	t.Helper()
	if got := stringAttr(attrs, key); got != want {
		t.Fatalf("%s = %q, want %q", key, got, want)
	}
}

func assertInt(t *testing.T, attrs []attribute.KeyValue, key string, want int64) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsInt64() != want {
				t.Fatalf("%s = %d, want %d", key, attr.Value.AsInt64(), want)
			}
			return
		}
	}
	t.Fatalf("attribute %s not found", key)
}
