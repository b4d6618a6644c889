package schedulingworker

import (
	"context"
	"time"

	"github.com/nevermiss-ai/textback-platform/pkg/logging"
)

type calendarSyncer interface {
	RefreshDirty(ctx context.Context) (int, error)
	RefreshSource(ctx context.Context, source string) (int, error)
}

// CalendarPoller refreshes the external-busy shadow for one calendar source.
// Each tick drains push-marked dirty resources first, then walks every
// resource linked to the source. Run one poller per source on its own
// cadence (Google 60s, Jobber 120s).
type CalendarPoller struct {
	syncer   calendarSyncer
	source   string
	logger   *logging.Logger
	interval time.Duration
}

func NewCalendarPoller(syncer calendarSyncer, source string, logger *logging.Logger) *CalendarPoller {
	if logger == nil {
		logger = logging.Default()
	}
	return &CalendarPoller{
		syncer:   syncer,
		source:   source,
		logger:   logger,
		interval: time.Minute,
	}
}

func (p *CalendarPoller) WithInterval(d time.Duration) *CalendarPoller {
	if d > 0 {
		p.interval = d
	}
	return p
}

func (p *CalendarPoller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	p.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *CalendarPoller) poll(ctx context.Context) {
	if p.syncer == nil {
		return
	}
	if n, err := p.syncer.RefreshDirty(ctx); err != nil {
		p.logger.Error("dirty calendar refresh failed", "source", p.source, "error", err)
	} else if n > 0 {
		p.logger.Debug("refreshed dirty calendars", "count", n)
	}

	refreshed, err := p.syncer.RefreshSource(ctx, p.source)
	if err != nil {
		p.logger.Error("calendar poll failed", "source", p.source, "error", err)
		return
	}
	if refreshed > 0 {
		p.logger.Debug("refreshed calendars", "source", p.source, "count", refreshed)
	}
}
