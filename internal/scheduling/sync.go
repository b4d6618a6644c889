package scheduling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nevermiss-ai/textback-platform/internal/directory"
	"github.com/nevermiss-ai/textback-platform/internal/observability/metrics"
	"github.com/nevermiss-ai/textback-platform/pkg/logging"
)

// CalendarClient reads busy blocks from an external calendar system.
type CalendarClient interface {
	ListBusy(ctx context.Context, calendarRef string, window Timeslot) ([]Timeslot, error)
}

type calendarDirectory interface {
	ListCalendarResources(ctx context.Context) ([]directory.Resource, error)
	FindResourceByCalendarRef(ctx context.Context, source, ref string) (*directory.Resource, error)
}

// Syncer keeps the external-busy shadow fresh. Push notifications mark a
// resource dirty for the next refresh pass; pollers refresh every linked
// resource on their own cadence.
type Syncer struct {
	store     *Store
	directory calendarDirectory
	clients   map[string]CalendarClient
	metrics   *metrics.SchedulingMetrics
	logger    *logging.Logger
	lookahead time.Duration

	mu    sync.Mutex
	dirty map[uuid.UUID]directory.Resource
}

// SyncerOption customizes a Syncer.
type SyncerOption func(*Syncer)

// WithGoogleCalendar wires the Google client.
func WithGoogleCalendar(c CalendarClient) SyncerOption {
	return func(s *Syncer) { s.clients[SourceGoogle] = c }
}

// WithJobberCalendar wires the Jobber client.
func WithJobberCalendar(c CalendarClient) SyncerOption {
	return func(s *Syncer) { s.clients[SourceJobber] = c }
}

// WithSyncMetrics wires sync-conflict metrics.
func WithSyncMetrics(m *metrics.SchedulingMetrics) SyncerOption {
	return func(s *Syncer) { s.metrics = m }
}

// WithLookahead sets how far ahead busy blocks are mirrored. Default 14 days.
func WithLookahead(d time.Duration) SyncerOption {
	return func(s *Syncer) {
		if d > 0 {
			s.lookahead = d
		}
	}
}

func NewSyncer(store *Store, dir calendarDirectory, logger *logging.Logger, opts ...SyncerOption) *Syncer {
	if store == nil {
		panic("scheduling: store cannot be nil")
	}
	if dir == nil {
		panic("scheduling: directory cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	s := &Syncer{
		store:     store,
		directory: dir,
		clients:   make(map[string]CalendarClient),
		logger:    logger,
		lookahead: 14 * 24 * time.Hour,
		dirty:     make(map[uuid.UUID]directory.Resource),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MarkDirtyByRef resolves a push-notification calendar reference to its
// resource and queues it for the next refresh pass. Unknown references are
// ignored so a stale watch channel cannot fail the webhook.
func (s *Syncer) MarkDirtyByRef(ctx context.Context, source, ref string) (bool, error) {
	resource, err := s.directory.FindResourceByCalendarRef(ctx, source, ref)
	if err != nil {
		return false, fmt.Errorf("scheduling: resolve calendar ref: %w", err)
	}
	if resource == nil {
		return false, nil
	}
	s.MarkDirty(*resource)
	return true, nil
}

// MarkDirty queues a resource for the next refresh pass.
func (s *Syncer) MarkDirty(resource directory.Resource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty[resource.ID] = resource
}

// RefreshDirty refreshes every resource marked dirty since the last pass,
// across all configured sources. Returns the number refreshed.
func (s *Syncer) RefreshDirty(ctx context.Context) (int, error) {
	s.mu.Lock()
	pending := s.dirty
	s.dirty = make(map[uuid.UUID]directory.Resource)
	s.mu.Unlock()

	var errs []error
	refreshed := 0
	for _, resource := range pending {
		for source := range s.clients {
			if err := s.refreshResource(ctx, resource, source); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		refreshed++
	}
	return refreshed, errors.Join(errs...)
}

// RefreshSource refreshes every calendar-linked resource for one source.
// Per-resource failures are logged and skipped so one broken calendar
// cannot starve the rest.
func (s *Syncer) RefreshSource(ctx context.Context, source string) (int, error) {
	if s.clients[source] == nil {
		return 0, nil
	}
	resources, err := s.directory.ListCalendarResources(ctx)
	if err != nil {
		return 0, fmt.Errorf("scheduling: list calendar resources: %w", err)
	}

	refreshed := 0
	for _, resource := range resources {
		if calendarRef(resource, source) == "" {
			continue
		}
		if err := s.refreshResource(ctx, resource, source); err != nil {
			s.logger.Error("calendar refresh failed",
				"resource_id", resource.ID, "source", source, "error", err)
			continue
		}
		refreshed++
	}
	return refreshed, nil
}

func (s *Syncer) refreshResource(ctx context.Context, resource directory.Resource, source string) error {
	client := s.clients[source]
	if client == nil {
		return nil
	}
	ref := calendarRef(resource, source)
	if ref == "" {
		return nil
	}

	start := nowFunc().UTC()
	window := Timeslot{Start: start, End: start.Add(s.lookahead)}
	busy, err := client.ListBusy(ctx, ref, window)
	if err != nil {
		return err
	}

	if _, err := s.store.ReplaceBusy(ctx, resource.TenantID, resource.ID, source, mergeBusy(busy)); err != nil {
		return err
	}

	conflicts, err := s.store.SyncConflicts(ctx, resource.ID, source)
	if err != nil {
		return err
	}
	for _, appt := range conflicts {
		s.metrics.ObserveSyncConflict()
		s.logger.Warn("external calendar overlaps local appointment",
			"tenant_id", appt.TenantID, "resource_id", resource.ID, "source", source,
			"appointment_id", appt.ID, "start", appt.Timeslot.Start, "end", appt.Timeslot.End)
	}
	return nil
}

func calendarRef(resource directory.Resource, source string) string {
	switch source {
	case SourceGoogle:
		return resource.GoogleCalendarID
	case SourceJobber:
		return resource.JobberCalendarID
	}
	return ""
}
