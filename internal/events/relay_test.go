package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
)

type fakeSQSClient struct {
	inputs []*sqs.SendMessageInput
	err    error
}

func (f *fakeSQSClient) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.inputs = append(f.inputs, params)
	if f.err != nil {
		return nil, f.err
	}
	return &sqs.SendMessageOutput{}, nil
}

func TestSQSRelayPublishesEnvelope(t *testing.T) {
	client := &fakeSQSClient{}
	relay := newSQSRelayWithAPI(client, "https://sqs.us-east-1.amazonaws.com/123/textback-events", nil)

	env := Envelope{
		EventID:       uuid.New(),
		EventName:     "messaging.OutboundQueued",
		SchemaVersion: "1.0",
		TenantID:      "tenant-1",
		OccurredAt:    time.Now().UTC(),
		CorrelationID: "corr-1",
		Payload:       json.RawMessage(`{"message_id":"m1"}`),
	}

	res := relay.Handle(context.Background(), env)
	if res.Status != StatusOK {
		t.Fatalf("expected ok, got %#v", res)
	}
	if len(client.inputs) != 1 {
		t.Fatalf("expected one send, got %d", len(client.inputs))
	}
	if got := *client.inputs[0].QueueUrl; got != "https://sqs.us-east-1.amazonaws.com/123/textback-events" {
		t.Fatalf("unexpected queue url %q", got)
	}

	var decoded Envelope
	if err := json.Unmarshal([]byte(*client.inputs[0].MessageBody), &decoded); err != nil {
		t.Fatalf("body did not round-trip: %v", err)
	}
	if decoded.EventID != env.EventID || decoded.EventName != env.EventName {
		t.Fatalf("unexpected relayed envelope: %#v", decoded)
	}
}

func TestSQSRelayRetriesOnSendFailure(t *testing.T) {
	client := &fakeSQSClient{err: errors.New("throttled")}
	relay := newSQSRelayWithAPI(client, "https://queue", nil)

	res := relay.Handle(context.Background(), Envelope{EventID: uuid.New(), EventName: "conversation.Started"})
	if res.Status != StatusRetry || res.Err == nil {
		t.Fatalf("expected retry on send failure, got %#v", res)
	}
}
