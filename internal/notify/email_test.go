package notify

import (
	"context"
	"errors"
	"testing"
)

func TestNewSendGridSender_NilWithoutAPIKey(t *testing.T) {
	sender := NewSendGridSender(SendGridConfig{
		APIKey:    "",
		FromEmail: "ops@example.com",
	}, nil)

	if sender != nil {
		t.Error("expected nil sender when API key is empty")
	}
}

func TestNewSendGridSender_DefaultFromName(t *testing.T) {
	sender := NewSendGridSender(SendGridConfig{
		APIKey:    "test-key",
		FromEmail: "ops@example.com",
		FromName:  "",
	}, nil)

	if sender == nil {
		t.Fatal("expected non-nil sender")
	}
	if sender.fromName != "TextBack" {
		t.Errorf("expected default from name 'TextBack', got %q", sender.fromName)
	}
}

func TestSendGridSender_Send_NilClient(t *testing.T) {
	sender := &SendGridSender{
		client: nil,
	}

	err := sender.Send(context.Background(), EmailMessage{
		To:      "ops@example.com",
		Subject: "Test",
		Body:    "Test body",
	})

	if err == nil {
		t.Error("expected error when client is nil")
	}
}

func TestStubEmailSender_Send(t *testing.T) {
	sender := NewStubEmailSender(nil)

	err := sender.Send(context.Background(), EmailMessage{
		To:      "ops@example.com",
		Subject: "Test Subject",
		Body:    "Test body",
	})

	if err != nil {
		t.Errorf("stub sender should not return error, got: %v", err)
	}
}

type scriptedSender struct {
	err   error
	calls int
}

func (s *scriptedSender) Send(_ context.Context, _ EmailMessage) error {
	s.calls++
	return s.err
}

func TestFailoverSender_PrimaryWins(t *testing.T) {
	primary := &scriptedSender{}
	secondary := &scriptedSender{}
	sender := NewFailoverSender(primary, secondary, nil)

	if err := sender.Send(context.Background(), EmailMessage{To: "ops@example.com"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if primary.calls != 1 || secondary.calls != 0 {
		t.Errorf("expected primary only, got primary=%d secondary=%d", primary.calls, secondary.calls)
	}
}

func TestFailoverSender_FallsBack(t *testing.T) {
	primary := &scriptedSender{err: errors.New("ses down")}
	secondary := &scriptedSender{}
	sender := NewFailoverSender(primary, secondary, nil)

	if err := sender.Send(context.Background(), EmailMessage{To: "ops@example.com"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if primary.calls != 1 || secondary.calls != 1 {
		t.Errorf("expected both senders tried, got primary=%d secondary=%d", primary.calls, secondary.calls)
	}
}

func TestFailoverSender_AllFail(t *testing.T) {
	primary := &scriptedSender{err: errors.New("ses down")}
	secondary := &scriptedSender{err: errors.New("sendgrid down")}
	sender := NewFailoverSender(primary, secondary, nil)

	if err := sender.Send(context.Background(), EmailMessage{To: "ops@example.com"}); err == nil {
		t.Error("expected error when every sender fails")
	}
}

func TestFailoverSender_NoSenders(t *testing.T) {
	sender := NewFailoverSender(nil, nil, nil)
	if err := sender.Send(context.Background(), EmailMessage{To: "ops@example.com"}); err == nil {
		t.Error("expected error when no sender is configured")
	}
}
