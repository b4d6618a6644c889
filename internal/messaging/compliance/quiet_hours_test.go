package compliance

import (
	"testing"
	"time"
)

func TestQuietHoursDisabledWhenUnset(t *testing.T) {
	q, err := QuietHoursFor(nil, nil, "America/Chicago")
	if err != nil {
		t.Fatalf("QuietHoursFor: %v", err)
	}
	now := time.Date(2026, 1, 15, 3, 0, 0, 0, time.UTC)
	if q.Contains(now) {
		t.Fatalf("unset window should contain nothing")
	}
	if got := q.NextOpen(now); !got.Equal(now) {
		t.Fatalf("NextOpen=%s want %s", got, now)
	}
}

func TestQuietHoursContainsOvernightWindow(t *testing.T) {
	q, err := QuietHoursFor(minutesPtr(21*60), minutesPtr(8*60), "UTC")
	if err != nil {
		t.Fatalf("QuietHoursFor: %v", err)
	}
	cases := []struct {
		ts   string
		want bool
	}{
		{"2026-01-15T21:00:00Z", true},
		{"2026-01-15T22:00:00Z", true},
		{"2026-01-16T03:30:00Z", true},
		{"2026-01-16T07:59:00Z", true},
		{"2026-01-16T08:00:00Z", false},
		{"2026-01-15T12:00:00Z", false},
	}
	for _, tc := range cases {
		ts, _ := time.Parse(time.RFC3339, tc.ts)
		if got := q.Contains(ts); got != tc.want {
			t.Fatalf("Contains(%s)=%v want %v", tc.ts, got, tc.want)
		}
	}
}

func TestQuietHoursContainsDaytimeWindow(t *testing.T) {
	q, err := QuietHoursFor(minutesPtr(13*60), minutesPtr(14*60), "UTC")
	if err != nil {
		t.Fatalf("QuietHoursFor: %v", err)
	}
	cases := []struct {
		ts   string
		want bool
	}{
		{"2026-01-15T13:00:00Z", true},
		{"2026-01-15T13:30:00Z", true},
		{"2026-01-15T12:59:00Z", false},
		{"2026-01-15T14:00:00Z", false},
	}
	for _, tc := range cases {
		ts, _ := time.Parse(time.RFC3339, tc.ts)
		if got := q.Contains(ts); got != tc.want {
			t.Fatalf("Contains(%s)=%v want %v", tc.ts, got, tc.want)
		}
	}
}

func TestQuietHoursNextOpen(t *testing.T) {
	q, err := QuietHoursFor(minutesPtr(21*60), minutesPtr(8*60), "UTC")
	if err != nil {
		t.Fatalf("QuietHoursFor: %v", err)
	}

	// Late evening waits for tomorrow morning.
	at := time.Date(2026, 3, 9, 22, 0, 0, 0, time.UTC)
	want := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	if got := q.NextOpen(at); !got.Equal(want) {
		t.Fatalf("NextOpen(%s)=%s want %s", at, got, want)
	}

	// Early morning waits for the same morning.
	at = time.Date(2026, 3, 9, 6, 0, 0, 0, time.UTC)
	want = time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC)
	if got := q.NextOpen(at); !got.Equal(want) {
		t.Fatalf("NextOpen(%s)=%s want %s", at, got, want)
	}

	// Outside the window passes through untouched.
	at = time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	if got := q.NextOpen(at); !got.Equal(at) {
		t.Fatalf("NextOpen(%s)=%s want %s", at, got, at)
	}
}

func TestQuietHoursHonorsTenantTimezone(t *testing.T) {
	q, err := QuietHoursFor(minutesPtr(21*60), minutesPtr(8*60), "America/Chicago")
	if err != nil {
		t.Fatalf("QuietHoursFor: %v", err)
	}
	// 03:00 UTC on Jan 16 is 21:00 the previous evening in Chicago.
	at := time.Date(2026, 1, 16, 3, 0, 0, 0, time.UTC)
	if !q.Contains(at) {
		t.Fatalf("expected %s inside the Chicago window", at)
	}
	// The window opens at 08:00 Chicago, 14:00 UTC.
	want := time.Date(2026, 1, 16, 14, 0, 0, 0, time.UTC)
	if got := q.NextOpen(at); !got.Equal(want) {
		t.Fatalf("NextOpen(%s)=%s want %s", at, got, want)
	}
}

func TestQuietHoursForValidationErrors(t *testing.T) {
	if _, err := QuietHoursFor(minutesPtr(-1), minutesPtr(480), "UTC"); err == nil {
		t.Fatalf("expected error for negative start")
	}
	if _, err := QuietHoursFor(minutesPtr(1260), minutesPtr(24*60), "UTC"); err == nil {
		t.Fatalf("expected error for out-of-range end")
	}
	if _, err := QuietHoursFor(minutesPtr(1260), minutesPtr(480), "Mars/Phobos"); err == nil {
		t.Fatalf("expected error for invalid timezone")
	}
}

func TestQuietHoursEqualBoundsDisable(t *testing.T) {
	q, err := QuietHoursFor(minutesPtr(480), minutesPtr(480), "UTC")
	if err != nil {
		t.Fatalf("QuietHoursFor: %v", err)
	}
	if q.Contains(time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC)) {
		t.Fatalf("equal bounds should disable the window")
	}
}

func minutesPtr(v int) *int { return &v }
