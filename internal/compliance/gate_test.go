package compliance

import (
	"context"
	"errors"
	"testing"
)

type fakeSource struct {
	status    string
	statusErr error
	optedOut  bool
	optOutErr error
}

func (f *fakeSource) Status(ctx context.Context, tenantID string) (string, error) {
	return f.status, f.statusErr
}

func (f *fakeSource) IsOptedOut(ctx context.Context, tenantID, phone string) (bool, error) {
	return f.optedOut, f.optOutErr
}

func TestGateAllowsApprovedTenant(t *testing.T) {
	gate := newGateWithSource(&fakeSource{status: StatusApproved}, false, nil)
	d, err := gate.CanSend(context.Background(), "tenant-1", "+13105551212")
	if err != nil {
		t.Fatalf("can send failed: %v", err)
	}
	if !d.Allowed || d.Reason != "" {
		t.Fatalf("expected allow, got %#v", d)
	}
}

func TestGateDeniesByCampaignStatus(t *testing.T) {
	cases := []struct {
		status string
		reason string
	}{
		{StatusPending, ReasonCampaignPending},
		{StatusRejected, ReasonCampaignRejected},
	}
	for _, tc := range cases {
		gate := newGateWithSource(&fakeSource{status: tc.status}, false, nil)
		d, err := gate.CanSend(context.Background(), "tenant-1", "+13105551212")
		if err != nil {
			t.Fatalf("%s: can send failed: %v", tc.status, err)
		}
		if d.Allowed || d.Reason != tc.reason {
			t.Fatalf("%s: expected deny %q, got %#v", tc.status, tc.reason, d)
		}
	}
}

func TestGateDeniesOptedOutCaller(t *testing.T) {
	gate := newGateWithSource(&fakeSource{status: StatusApproved, optedOut: true}, false, nil)
	d, err := gate.CanSend(context.Background(), "tenant-1", "+13105551212")
	if err != nil {
		t.Fatalf("can send failed: %v", err)
	}
	if d.Allowed || d.Reason != ReasonOptOut {
		t.Fatalf("expected opt-out deny, got %#v", d)
	}
}

func TestGateKillSwitch(t *testing.T) {
	gate := newGateWithSource(&fakeSource{status: StatusApproved}, true, nil)
	d, err := gate.CanSend(context.Background(), "tenant-1", "+13105551212")
	if err != nil {
		t.Fatalf("can send failed: %v", err)
	}
	if d.Allowed || d.Reason != ReasonPaused {
		t.Fatalf("expected paused deny, got %#v", d)
	}
}

func TestGatePropagatesErrors(t *testing.T) {
	gate := newGateWithSource(&fakeSource{statusErr: errors.New("db down")}, false, nil)
	if _, err := gate.CanSend(context.Background(), "tenant-1", "+1"); err == nil {
		t.Fatal("expected error")
	}
}
