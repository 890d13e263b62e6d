package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	return out
}

func TestNewWithWriter_ServiceAndLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("billing", "warn", &buf)

	l.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info line written at warn level: %s", buf.String())
	}

	l.Warn("kept")
	out := decodeLine(t, &buf)
	if got := out["service"]; got != "billing" {
		t.Errorf("service = %v, want %q", got, "billing")
	}
}

func TestNewWithWriter_UnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("billing", "chatty", &buf)

	l.Debug("dropped")
	if buf.Len() != 0 {
		t.Fatalf("debug line written with fallback level: %s", buf.String())
	}
	l.Info("kept")
	if buf.Len() == 0 {
		t.Fatal("info line missing with fallback level")
	}
}

func TestRedact_SensitiveKeys(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("billing", "info", &buf)

	l.Info("callback", "SignatureValue", "ABCDEF", "password2", "hunter2", "inv_id", "42")

	out := decodeLine(t, &buf)
	if got := out["SignatureValue"]; got != redacted {
		t.Errorf("SignatureValue = %v, want redacted", got)
	}
	if got := out["password2"]; got != redacted {
		t.Errorf("password2 = %v, want redacted", got)
	}
	if got := out["inv_id"]; got != "42" {
		t.Errorf("inv_id = %v, want %q", got, "42")
	}
}

func TestDigest(t *testing.T) {
	a := Digest([]byte("OutSum=750.00&InvId=42"))
	b := Digest([]byte("OutSum=750.00&InvId=42"))
	c := Digest([]byte("OutSum=750.01&InvId=42"))

	if a.Key != "payload_sha256" {
		t.Errorf("key = %q", a.Key)
	}
	if a.Value.String() != b.Value.String() {
		t.Error("digest not stable")
	}
	if a.Value.String() == c.Value.String() {
		t.Error("digest ignores payload changes")
	}
	if len(a.Value.String()) != 64 {
		t.Errorf("digest length = %d, want 64", len(a.Value.String()))
	}
}

func TestWithContext_NoSpan(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("test", "info", &buf)

	WithContext(context.Background(), l).Info("no span")

	out := decodeLine(t, &buf)
	if _, ok := out["trace_id"]; ok {
		t.Error("trace_id should not be present when no span in context")
	}
	if _, ok := out["user_id"]; ok {
		t.Error("user_id should not be present when not in context")
	}
}

func TestWithContext_AllFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("test", "info", &buf)

	traceID, _ := trace.TraceIDFromHex("abcdef1234567890abcdef1234567890")
	spanID, _ := trace.SpanIDFromHex("1234567890abcdef")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	ctx = WithCorrelationID(ctx, "corr-all")
	ctx = WithUserID(ctx, "parent-1")

	WithContext(ctx, l).Info("all fields")

	out := decodeLine(t, &buf)
	if got := out["correlation_id"]; got != "corr-all" {
		t.Errorf("correlation_id = %v, want %q", got, "corr-all")
	}
	if got := out["user_id"]; got != "parent-1" {
		t.Errorf("user_id = %v, want %q", got, "parent-1")
	}
	if got := out["trace_id"]; got != "abcdef1234567890abcdef1234567890" {
		t.Errorf("trace_id = %v", got)
	}
	if got := out["span_id"]; got != "1234567890abcdef" {
		t.Errorf("span_id = %v", got)
	}
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("test", "info", &buf)

	if got := FromContext(NewContext(context.Background(), l)); got != l {
		t.Error("FromContext should return the logger stored via NewContext")
	}
	if got := FromContext(context.Background()); got == nil {
		t.Error("FromContext should return a non-nil fallback logger")
	}
}
