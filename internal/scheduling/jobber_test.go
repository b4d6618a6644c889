package scheduling

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestJobberClientListBusy(t *testing.T) {
	var gotPath, gotAuth, gotStart string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotStart = r.URL.Query().Get("start")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"busy":[
			{"start_at":"2026-03-02T10:00:00Z","end_at":"2026-03-02T11:00:00Z"},
			{"start_at":"2026-03-02T14:00:00Z","end_at":"2026-03-02T15:30:00Z"}
		]}`))
	}))
	defer srv.Close()

	client, err := NewJobberClient(JobberConfig{BaseURL: srv.URL, APIKey: "jk-test"})
	if err != nil {
		t.Fatalf("new client failed: %v", err)
	}

	window := Timeslot{
		Start: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC),
	}
	busy, err := client.ListBusy(context.Background(), "cal-42", window)
	if err != nil {
		t.Fatalf("list busy failed: %v", err)
	}

	if gotPath != "/calendars/cal-42/busy" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotAuth != "Bearer jk-test" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if gotStart != "2026-03-02T00:00:00Z" {
		t.Fatalf("unexpected start param %q", gotStart)
	}
	if len(busy) != 2 {
		t.Fatalf("expected 2 busy blocks, got %v", busy)
	}
	if !busy[0].Start.Equal(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected first block %v", busy[0])
	}
}

func TestJobberClientErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client, err := NewJobberClient(JobberConfig{BaseURL: srv.URL, APIKey: "jk-test"})
	if err != nil {
		t.Fatalf("new client failed: %v", err)
	}

	_, err = client.ListBusy(context.Background(), "cal-42", Timeslot{
		Start: time.Now(),
		End:   time.Now().Add(time.Hour),
	})
	if err == nil {
		t.Fatal("expected error for 429 response")
	}
}

func TestJobberClientRequiresConfig(t *testing.T) {
	if _, err := NewJobberClient(JobberConfig{APIKey: "k"}); err == nil {
		t.Fatal("expected error for missing base url")
	}
	if _, err := NewJobberClient(JobberConfig{BaseURL: "https://api.example.com"}); err == nil {
		t.Fatal("expected error for missing api key")
	}
}
