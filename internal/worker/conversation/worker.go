// Package conversationworker closes conversations that went quiet. Closing
// frees the caller's single-active-thread slot so a future missed call
// starts a fresh thread instead of appending to a stale one.
package conversationworker

import (
	"context"
	"time"

	"github.com/nevermiss-ai/textback-platform/pkg/logging"
)

type inactiveCloser interface {
	CloseInactive(ctx context.Context, idleFor time.Duration) (int, error)
}

// InactivityCloser sweeps open and human conversations whose last activity
// is older than the idle window and closes them with reason inactivity.
type InactivityCloser struct {
	store    inactiveCloser
	logger   *logging.Logger
	interval time.Duration
	idleFor  time.Duration
}

func NewInactivityCloser(store inactiveCloser, logger *logging.Logger) *InactivityCloser {
	if logger == nil {
		logger = logging.Default()
	}
	return &InactivityCloser{
		store:    store,
		logger:   logger,
		interval: 10 * time.Minute,
		idleFor:  72 * time.Hour,
	}
}

func (c *InactivityCloser) WithInterval(d time.Duration) *InactivityCloser {
	if d > 0 {
		c.interval = d
	}
	return c
}

func (c *InactivityCloser) WithIdleFor(d time.Duration) *InactivityCloser {
	if d > 0 {
		c.idleFor = d
	}
	return c
}

func (c *InactivityCloser) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	c.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

func (c *InactivityCloser) sweep(ctx context.Context) {
	if c.store == nil {
		return
	}
	closed, err := c.store.CloseInactive(ctx, c.idleFor)
	if err != nil {
		c.logger.Error("inactivity sweep failed", "error", err)
		return
	}
	if closed > 0 {
		c.logger.Info("closed inactive conversations", "count", closed, "idle_for", c.idleFor.String())
	}
}
