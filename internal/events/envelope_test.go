package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

type stubExec struct {
	args []any
}

func (s *stubExec) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	s.args = args
	return pgconn.CommandTag{}, nil
}

type badEvent struct{}

func (badEvent) EventName() string     { return "" }
func (badEvent) SchemaVersion() string { return "1.0" }

func TestNewEnvelope(t *testing.T) {
	fixedNow := time.Unix(0, 123456000).UTC()
	prevNow := nowFunc
	nowFunc = func() time.Time { return fixedNow }
	defer func() { nowFunc = prevNow }()

	id := uuid.MustParse("9a20d7d1-bf6a-4d33-bd55-5d25a816f1a8")
	env, err := newEnvelope("tenant-123", "corr-1", CallDetected{
		CallSID:    "CA1",
		FromE164:   "+13105551212",
		ToE164:     "+13105550000",
		Reason:     "no-answer",
		DetectedAt: fixedNow,
	}, WithEventID(id))
	if err != nil {
		t.Fatalf("newEnvelope failed: %v", err)
	}
	if env.EventID != id {
		t.Fatalf("expected event id override, got %s", env.EventID)
	}
	if !env.OccurredAt.Equal(fixedNow) {
		t.Fatalf("unexpected occurred_at: %s", env.OccurredAt)
	}
	if env.EventName != "telephony.CallDetected" {
		t.Fatalf("unexpected name: %s", env.EventName)
	}
	if env.SchemaVersion != "1.0" {
		t.Fatalf("unexpected schema version: %s", env.SchemaVersion)
	}
	if env.TenantID != "tenant-123" {
		t.Fatalf("unexpected tenant: %s", env.TenantID)
	}
	if len(env.Payload) == 0 {
		t.Fatal("expected payload bytes")
	}
}

func TestAppend(t *testing.T) {
	exec := &stubExec{}
	env, err := Append(context.Background(), exec, "tenant-123", "corr-1", OutboundQueued{
		MessageID:      "msg-1",
		ConversationID: "conv-1",
		ToE164:         "+13105551212",
		Body:           "hi",
		ClientDedupKey: "dk-1",
		Trigger:        "call_detected",
		QueuedAt:       time.Unix(100, 0).UTC(),
	}, WithCausationID("cause-1"))
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if env.EventID == uuid.Nil {
		t.Fatal("expected generated event id")
	}
	if env.CausationID != "cause-1" {
		t.Fatalf("expected causation id, got %q", env.CausationID)
	}
	if len(exec.args) != 9 {
		t.Fatalf("expected 9 exec args, got %d", len(exec.args))
	}
	if exec.args[0] != env.EventID {
		t.Fatalf("id mismatch")
	}
	if exec.args[8] != nil {
		t.Fatalf("expected default available_at, got %v", exec.args[8])
	}
	if exec.args[2] != "messaging.OutboundQueued" {
		t.Fatalf("event name mismatch: %v", exec.args[2])
	}
	payloadBytes, ok := exec.args[4].(json.RawMessage)
	if !ok {
		t.Fatalf("payload arg type %T", exec.args[4])
	}
	var stored OutboundQueued
	if err := json.Unmarshal(payloadBytes, &stored); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if stored.ClientDedupKey != "dk-1" {
		t.Fatalf("stored payload mismatch: %#v", stored)
	}
}

func TestEnvelopeValidation(t *testing.T) {
	if _, err := newEnvelope("", "", InboundSmsReceived{}); err == nil {
		t.Fatal("expected tenant error")
	}
	if _, err := newEnvelope("tenant", "", nil); err == nil {
		t.Fatal("expected nil event error")
	}
	if _, err := newEnvelope("tenant", "", badEvent{}); err == nil {
		t.Fatal("expected event name error")
	}
}

func TestWithOccurredAtOption(t *testing.T) {
	target := time.Unix(50, 123000).UTC()
	env, err := newEnvelope("tenant", "", InboundSmsReceived{MessageID: "x"}, WithOccurredAt(target))
	if err != nil {
		t.Fatalf("newEnvelope: %v", err)
	}
	if !env.OccurredAt.Equal(target) {
		t.Fatalf("expected occurred_at override, got %s", env.OccurredAt)
	}
}

func TestAppendWithAvailableAt(t *testing.T) {
	exec := &stubExec{}
	sendAt := time.Date(2026, 3, 9, 13, 0, 0, 0, time.UTC)
	_, err := Append(context.Background(), exec, "tenant", "corr", OutboundQueued{MessageID: "m1"}, WithAvailableAt(sendAt))
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	got, ok := exec.args[8].(time.Time)
	if !ok || !got.Equal(sendAt) {
		t.Fatalf("expected available_at %s, got %v", sendAt, exec.args[8])
	}
}

func TestAppendRequiresExec(t *testing.T) {
	if _, err := Append(context.Background(), nil, "tenant", "", InboundSmsReceived{MessageID: "x"}); err == nil {
		t.Fatal("expected exec error")
	}
}

func TestDecode(t *testing.T) {
	env, err := newEnvelope("tenant", "corr", CallDetected{CallSID: "CA9", Reason: "busy"})
	if err != nil {
		t.Fatalf("newEnvelope: %v", err)
	}
	decoded, err := Decode[CallDetected](env)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.CallSID != "CA9" || decoded.Reason != "busy" {
		t.Fatalf("decoded mismatch: %#v", decoded)
	}

	env.Payload = json.RawMessage(`{`)
	if _, err := Decode[CallDetected](env); err == nil {
		t.Fatal("expected decode error")
	}
}
