package compliance

import (
	"context"

	"github.com/nevermiss-ai/textback-platform/pkg/logging"
)

// Deny reasons surfaced in logs and events.
const (
	ReasonPaused           = "paused"
	ReasonOptOut           = "opt_out"
	ReasonCampaignPending  = "campaign_pending"
	ReasonCampaignRejected = "campaign_rejected"
)

type campaignSource interface {
	Status(ctx context.Context, tenantID string) (string, error)
	IsOptedOut(ctx context.Context, tenantID, phone string) (bool, error)
}

// Decision is the gate's answer for one prospective send.
type Decision struct {
	Allowed bool
	Reason  string
}

// Gate decides whether a tenant may text a number right now. Campaign must
// be approved, the number must not have opted out, and the global kill
// switch must be off.
type Gate struct {
	source campaignSource
	paused bool
	logger *logging.Logger
}

func NewGate(store *Store, paused bool, logger *logging.Logger) *Gate {
	if store == nil {
		panic("compliance: store required")
	}
	return newGateWithSource(store, paused, logger)
}

func newGateWithSource(source campaignSource, paused bool, logger *logging.Logger) *Gate {
	if logger == nil {
		logger = logging.Default()
	}
	return &Gate{source: source, paused: paused, logger: logger}
}

func (g *Gate) CanSend(ctx context.Context, tenantID, phone string) (Decision, error) {
	if g.paused {
		return Decision{Reason: ReasonPaused}, nil
	}

	status, err := g.source.Status(ctx, tenantID)
	if err != nil {
		return Decision{}, err
	}
	switch status {
	case StatusApproved:
	case StatusRejected:
		return Decision{Reason: ReasonCampaignRejected}, nil
	default:
		return Decision{Reason: ReasonCampaignPending}, nil
	}

	optedOut, err := g.source.IsOptedOut(ctx, tenantID, phone)
	if err != nil {
		return Decision{}, err
	}
	if optedOut {
		return Decision{Reason: ReasonOptOut}, nil
	}
	return Decision{Allowed: true}, nil
}
