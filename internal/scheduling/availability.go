// Package scheduling owns the booking engine: duration-aware availability
// search over appointments, holds, and external calendar shadow rows, plus
// the hold/book/cancel lifecycle guarded by the range exclusion constraint.
package scheduling

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Timeslot is a half-open [Start, End) interval in UTC.
type Timeslot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewTimeslot builds a slot with both endpoints normalized to UTC.
func NewTimeslot(start, end time.Time) Timeslot {
	return Timeslot{Start: start.UTC(), End: end.UTC()}
}

// IsValid reports whether the slot is non-empty.
func (t Timeslot) IsValid() bool { return t.Start.Before(t.End) }

// Duration returns the slot length.
func (t Timeslot) Duration() time.Duration { return t.End.Sub(t.Start) }

// Overlaps reports whether two half-open intervals share any instant.
func (t Timeslot) Overlaps(o Timeslot) bool {
	return t.Start.Before(o.End) && o.Start.Before(t.End)
}

// Slot is one bookable opening returned by availability search.
type Slot struct {
	ResourceID uuid.UUID `json:"resource_id"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
}

// mergeBusy sorts busy intervals and coalesces overlapping or touching
// ones, dropping empty intervals. The input is not modified.
func mergeBusy(busy []Timeslot) []Timeslot {
	valid := make([]Timeslot, 0, len(busy))
	for _, b := range busy {
		if b.IsValid() {
			valid = append(valid, b)
		}
	}
	if len(valid) == 0 {
		return nil
	}
	sort.Slice(valid, func(i, j int) bool { return valid[i].Start.Before(valid[j].Start) })

	merged := []Timeslot{valid[0]}
	for _, b := range valid[1:] {
		last := &merged[len(merged)-1]
		if !b.Start.After(last.End) {
			if b.End.After(last.End) {
				last.End = b.End
			}
			continue
		}
		merged = append(merged, b)
	}
	return merged
}

// freeWithin inverts merged busy intervals inside the window: the gaps
// between them, clipped to the window bounds.
func freeWithin(window Timeslot, merged []Timeslot) []Timeslot {
	if !window.IsValid() {
		return nil
	}
	var free []Timeslot
	cursor := window.Start
	for _, b := range merged {
		if !b.End.After(window.Start) {
			continue
		}
		if !b.Start.Before(window.End) {
			break
		}
		if b.Start.After(cursor) {
			free = append(free, Timeslot{Start: cursor, End: minTime(b.Start, window.End)})
		}
		if b.End.After(cursor) {
			cursor = b.End
		}
	}
	if cursor.Before(window.End) {
		free = append(free, Timeslot{Start: cursor, End: window.End})
	}
	return free
}

// availableSlots emits every duration-length opening at step granularity
// that fits inside a free range for one resource. Steps walk from each
// free range's own start, so results are deterministic for a given busy
// set regardless of how the busy intervals were ordered.
func availableSlots(resourceID uuid.UUID, window Timeslot, busy []Timeslot, duration, step time.Duration) []Slot {
	if duration <= 0 || step <= 0 {
		return nil
	}
	var out []Slot
	for _, f := range freeWithin(window, mergeBusy(busy)) {
		for start := f.Start; !start.Add(duration).After(f.End); start = start.Add(step) {
			out = append(out, Slot{ResourceID: resourceID, Start: start, End: start.Add(duration)})
		}
	}
	return out
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
