package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nevermiss-ai/textback-platform/internal/events"
)

type fakeLedger struct {
	reserveFresh bool
	reserveErr   error
	reserveKeys  []string
	entry        LedgerEntry
	entryOK      bool
	recorded     []string
	released     []string
}

func (f *fakeLedger) Reserve(_ context.Context, _, dedupKey, _ string) (bool, error) {
	f.reserveKeys = append(f.reserveKeys, dedupKey)
	return f.reserveFresh, f.reserveErr
}

func (f *fakeLedger) RecordResult(_ context.Context, _, dedupKey, providerRef string) error {
	f.recorded = append(f.recorded, dedupKey+":"+providerRef)
	return nil
}

func (f *fakeLedger) Lookup(_ context.Context, _, _ string) (LedgerEntry, bool, error) {
	return f.entry, f.entryOK, nil
}

func (f *fakeLedger) Release(_ context.Context, _, dedupKey string) error {
	f.released = append(f.released, dedupKey)
	return nil
}

type fakeMarker struct {
	calls []string
	err   error
}

func (f *fakeMarker) MarkSent(_ context.Context, _ string, messageID uuid.UUID, providerRef string) error {
	f.calls = append(f.calls, messageID.String()+":"+providerRef)
	return f.err
}

func outboundEnvelope(t *testing.T, evt events.OutboundQueued) events.Envelope {
	t.Helper()
	payload, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return events.Envelope{
		EventID:   uuid.New(),
		EventName: evt.EventName(),
		TenantID:  "tenant-1",
		Payload:   payload,
	}
}

func TestOutboundConsumerSendsFreshMessage(t *testing.T) {
	msgID := uuid.New()
	ledger := &fakeLedger{reserveFresh: true}
	marker := &fakeMarker{}
	var sent []OutboundSMS
	sender := senderFunc(func(_ context.Context, sms OutboundSMS) (SendResult, error) {
		sent = append(sent, sms)
		return SendResult{ProviderRef: "SM1", Status: DeliverySent}, nil
	})
	c := NewOutboundConsumer(sender, ledger, marker, nil)

	env := outboundEnvelope(t, events.OutboundQueued{
		MessageID:      msgID.String(),
		ToE164:         "+14045550101",
		FromE164:       "+14045550199",
		Body:           "Sorry we missed your call!",
		ClientDedupKey: "greeting:corr-1",
	})
	res := c.Handle(context.Background(), env)
	if res.Status != events.StatusOK {
		t.Fatalf("status %v err %v", res.Status, res.Err)
	}
	if len(sent) != 1 || sent[0].To != "+14045550101" {
		t.Fatalf("unexpected sends %+v", sent)
	}
	if len(ledger.reserveKeys) != 1 || ledger.reserveKeys[0] != "greeting:corr-1" {
		t.Fatalf("reserve keys %v", ledger.reserveKeys)
	}
	if len(ledger.recorded) != 1 || ledger.recorded[0] != "greeting:corr-1:SM1" {
		t.Fatalf("recorded %v", ledger.recorded)
	}
	if len(marker.calls) != 1 || marker.calls[0] != msgID.String()+":SM1" {
		t.Fatalf("marker calls %v", marker.calls)
	}
}

func TestOutboundConsumerSendsWithoutLedger(t *testing.T) {
	msgID := uuid.New()
	marker := &fakeMarker{}
	var sent []OutboundSMS
	sender := senderFunc(func(_ context.Context, sms OutboundSMS) (SendResult, error) {
		sent = append(sent, sms)
		return SendResult{ProviderRef: "SM9", Status: DeliverySent}, nil
	})
	c := NewOutboundConsumer(sender, nil, marker, nil)

	env := outboundEnvelope(t, events.OutboundQueued{
		MessageID: msgID.String(),
		ToE164:    "+14045550101",
		FromE164:  "+14045550199",
		Body:      "Sorry we missed your call!",
	})
	res := c.Handle(context.Background(), env)
	if res.Status != events.StatusOK {
		t.Fatalf("status %v err %v", res.Status, res.Err)
	}
	if len(sent) != 1 {
		t.Fatalf("unexpected sends %+v", sent)
	}
	if len(marker.calls) != 1 || marker.calls[0] != msgID.String()+":SM9" {
		t.Fatalf("marker calls %v", marker.calls)
	}
}

func TestOutboundConsumerReplayFinishesMark(t *testing.T) {
	msgID := uuid.New()
	ledger := &fakeLedger{
		reserveFresh: false,
		entryOK:      true,
		entry:        LedgerEntry{ProviderRef: "SM1"},
	}
	marker := &fakeMarker{}
	sender := senderFunc(func(context.Context, OutboundSMS) (SendResult, error) {
		t.Fatal("sender must not run on a claimed key")
		return SendResult{}, nil
	})
	c := NewOutboundConsumer(sender, ledger, marker, nil)

	res := c.Handle(context.Background(), outboundEnvelope(t, events.OutboundQueued{MessageID: msgID.String()}))
	if res.Status != events.StatusOK {
		t.Fatalf("status %v err %v", res.Status, res.Err)
	}
	if len(marker.calls) != 1 || marker.calls[0] != msgID.String()+":SM1" {
		t.Fatalf("marker calls %v", marker.calls)
	}
}

func TestOutboundConsumerReplayUnknownOutcomeWaits(t *testing.T) {
	ledger := &fakeLedger{reserveFresh: false, entryOK: true}
	marker := &fakeMarker{}
	sender := senderFunc(func(context.Context, OutboundSMS) (SendResult, error) {
		t.Fatal("sender must not run on a claimed key")
		return SendResult{}, nil
	})
	c := NewOutboundConsumer(sender, ledger, marker, nil)

	res := c.Handle(context.Background(), outboundEnvelope(t, events.OutboundQueued{MessageID: uuid.NewString()}))
	if res.Status != events.StatusRetry {
		t.Fatalf("status %v want retry", res.Status)
	}
	if res.Delay != 30*time.Second {
		t.Fatalf("delay %v", res.Delay)
	}
	if len(marker.calls) != 0 {
		t.Fatalf("marker must not run without a provider ref")
	}
}

func TestOutboundConsumerSendFailureReleasesClaim(t *testing.T) {
	ledger := &fakeLedger{reserveFresh: true}
	marker := &fakeMarker{}
	sender := senderFunc(func(context.Context, OutboundSMS) (SendResult, error) {
		return SendResult{}, errors.New("provider down")
	})
	c := NewOutboundConsumer(sender, ledger, marker, nil)

	res := c.Handle(context.Background(), outboundEnvelope(t, events.OutboundQueued{
		MessageID:      uuid.NewString(),
		ClientDedupKey: "dk-1",
	}))
	if res.Status != events.StatusRetry {
		t.Fatalf("status %v want retry", res.Status)
	}
	if len(ledger.released) != 1 || ledger.released[0] != "dk-1" {
		t.Fatalf("released %v", ledger.released)
	}
	if len(marker.calls) != 0 {
		t.Fatalf("marker must not run on send failure")
	}
}

func TestOutboundConsumerBadPayloads(t *testing.T) {
	ledger := &fakeLedger{}
	marker := &fakeMarker{}
	sender := senderFunc(func(context.Context, OutboundSMS) (SendResult, error) {
		return SendResult{}, nil
	})
	c := NewOutboundConsumer(sender, ledger, marker, nil)

	env := outboundEnvelope(t, events.OutboundQueued{MessageID: uuid.NewString()})
	env.Payload = []byte("{")
	if res := c.Handle(context.Background(), env); res.Status != events.StatusDeadLetter {
		t.Fatalf("malformed payload: status %v want dead letter", res.Status)
	}

	if res := c.Handle(context.Background(), outboundEnvelope(t, events.OutboundQueued{MessageID: "not-a-uuid"})); res.Status != events.StatusDeadLetter {
		t.Fatalf("bad message id: status %v want dead letter", res.Status)
	}
}

func TestOutboundConsumerIgnoresOtherEvents(t *testing.T) {
	ledger := &fakeLedger{}
	c := NewOutboundConsumer(senderFunc(func(context.Context, OutboundSMS) (SendResult, error) {
		return SendResult{}, nil
	}), ledger, &fakeMarker{}, nil)

	env := events.Envelope{EventName: "messaging.DeliveryUpdated", TenantID: "tenant-1", Payload: []byte("{}")}
	if res := c.Handle(context.Background(), env); res.Status != events.StatusOK {
		t.Fatalf("status %v want ok", res.Status)
	}
	if len(ledger.reserveKeys) != 0 {
		t.Fatalf("ledger must not be touched for other events")
	}
}

func TestOutboundConsumerDefaultsDedupKey(t *testing.T) {
	msgID := uuid.NewString()
	ledger := &fakeLedger{reserveFresh: true}
	c := NewOutboundConsumer(senderFunc(func(context.Context, OutboundSMS) (SendResult, error) {
		return SendResult{ProviderRef: "SM2"}, nil
	}), ledger, &fakeMarker{}, nil)

	c.Handle(context.Background(), outboundEnvelope(t, events.OutboundQueued{MessageID: msgID}))
	if len(ledger.reserveKeys) != 1 || ledger.reserveKeys[0] != msgID {
		t.Fatalf("reserve keys %v want message id fallback", ledger.reserveKeys)
	}
}
