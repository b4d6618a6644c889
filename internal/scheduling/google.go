package scheduling

import (
	"context"
	"fmt"
	"time"

	calendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

// GoogleClient reads busy blocks from Google Calendar via the FreeBusy API.
type GoogleClient struct {
	svc *calendar.Service
}

// NewGoogleClient builds a client with the given API options (API key,
// credentials file, or an endpoint override in tests).
func NewGoogleClient(ctx context.Context, opts ...option.ClientOption) (*GoogleClient, error) {
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("scheduling: google calendar service: %w", err)
	}
	return &GoogleClient{svc: svc}, nil
}

// ListBusy queries FreeBusy for one calendar and returns its busy periods
// in UTC.
func (c *GoogleClient) ListBusy(ctx context.Context, calendarRef string, window Timeslot) ([]Timeslot, error) {
	resp, err := c.svc.Freebusy.Query(&calendar.FreeBusyRequest{
		TimeMin: window.Start.UTC().Format(time.RFC3339),
		TimeMax: window.End.UTC().Format(time.RFC3339),
		Items:   []*calendar.FreeBusyRequestItem{{Id: calendarRef}},
	}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("scheduling: google freebusy: %w", err)
	}

	cal, ok := resp.Calendars[calendarRef]
	if !ok {
		return nil, nil
	}
	for _, e := range cal.Errors {
		if e.Reason == "notFound" {
			return nil, fmt.Errorf("scheduling: google calendar %q not found", calendarRef)
		}
	}

	busy := make([]Timeslot, 0, len(cal.Busy))
	for _, p := range cal.Busy {
		start, err := time.Parse(time.RFC3339, p.Start)
		if err != nil {
			return nil, fmt.Errorf("scheduling: google busy start %q: %w", p.Start, err)
		}
		end, err := time.Parse(time.RFC3339, p.End)
		if err != nil {
			return nil, fmt.Errorf("scheduling: google busy end %q: %w", p.End, err)
		}
		busy = append(busy, NewTimeslot(start, end))
	}
	return busy, nil
}
