package compliance

import (
	"fmt"
	"time"
)

// QuietHours is a tenant's daily do-not-text window in its local timezone,
// expressed as minutes from midnight. A window may cross midnight
// (21:00 to 08:00 is start=1260, end=480).
type QuietHours struct {
	startMinutes int
	endMinutes   int
	location     *time.Location
	enabled      bool
}

// QuietHoursFor builds the window from the tenant record. Nil bounds mean
// the tenant has no quiet hours; a bad timezone is an error so it surfaces
// at config time rather than silently texting at 3am.
func QuietHoursFor(startMinutes, endMinutes *int, tz string) (QuietHours, error) {
	if startMinutes == nil || endMinutes == nil {
		return QuietHours{}, nil
	}
	start, end := *startMinutes, *endMinutes
	if start < 0 || start >= 24*60 || end < 0 || end >= 24*60 {
		return QuietHours{}, fmt.Errorf("compliance: quiet hours out of range: start=%d end=%d", start, end)
	}
	loc := time.UTC
	if tz != "" {
		var err error
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return QuietHours{}, fmt.Errorf("compliance: load quiet hours tz: %w", err)
		}
	}
	return QuietHours{
		startMinutes: start,
		endMinutes:   end,
		location:     loc,
		enabled:      start != end,
	}, nil
}

// Contains reports whether the given moment falls inside the window.
func (q QuietHours) Contains(t time.Time) bool {
	if !q.enabled {
		return false
	}
	local := t.In(q.location)
	minutes := local.Hour()*60 + local.Minute()
	if q.startMinutes < q.endMinutes {
		return minutes >= q.startMinutes && minutes < q.endMinutes
	}
	return minutes >= q.startMinutes || minutes < q.endMinutes
}

// NextOpen returns the earliest moment at or after t outside the window.
// Returns t unchanged when t is already outside. The result drives deferred
// outbox dispatch for quiet-hours sends.
func (q QuietHours) NextOpen(t time.Time) time.Time {
	if !q.Contains(t) {
		return t
	}
	local := t.In(q.location)
	end := time.Date(local.Year(), local.Month(), local.Day(),
		q.endMinutes/60, q.endMinutes%60, 0, 0, q.location)
	if !end.After(local) {
		end = end.AddDate(0, 0, 1)
	}
	return end
}
