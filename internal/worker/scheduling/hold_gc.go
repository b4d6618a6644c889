// Package schedulingworker hosts the scheduled jobs that keep the booking
// engine honest: expired-hold collection and external calendar refresh.
package schedulingworker

import (
	"context"
	"time"

	"github.com/nevermiss-ai/textback-platform/pkg/logging"
)

type holdReleaser interface {
	ReleaseExpiredHolds(ctx context.Context) (int, error)
}

// HoldGC releases expired slot holds so their ranges stop blocking
// availability. Expiry is also checked at read and book time; the GC keeps
// the table small and emits the release events promptly.
type HoldGC struct {
	service  holdReleaser
	logger   *logging.Logger
	interval time.Duration
}

func NewHoldGC(service holdReleaser, logger *logging.Logger) *HoldGC {
	if logger == nil {
		logger = logging.Default()
	}
	return &HoldGC{
		service:  service,
		logger:   logger,
		interval: time.Minute,
	}
}

func (g *HoldGC) WithInterval(d time.Duration) *HoldGC {
	if d > 0 {
		g.interval = d
	}
	return g
}

func (g *HoldGC) Run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	g.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sweep(ctx)
		}
	}
}

func (g *HoldGC) sweep(ctx context.Context) {
	if g.service == nil {
		return
	}
	released, err := g.service.ReleaseExpiredHolds(ctx)
	if err != nil {
		g.logger.Error("hold gc sweep failed", "error", err)
		return
	}
	if released > 0 {
		g.logger.Info("released expired holds", "count", released)
	}
}
