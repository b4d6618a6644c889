// Package kpi serves the operator dashboard read model: persisted daily
// rollups plus a live snapshot of the in-process first-response histogram.
package kpi

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/nevermiss-ai/textback-platform/internal/observability/metrics"
)

// Rollup is one tenant-day of KPI counters.
type Rollup struct {
	TenantID              string    `json:"tenant_id"`
	Day                   time.Time `json:"day"`
	CallsDetected         int64     `json:"calls_detected"`
	ConversationsStarted  int64     `json:"conversations_started"`
	AppointmentsBooked    int64     `json:"appointments_booked"`
	AppointmentsCancelled int64     `json:"appointments_cancelled"`
	FirstResponseP50Ms    *int64    `json:"first_response_p50_ms"`
	FirstResponseP95Ms    *int64    `json:"first_response_p95_ms"`
	RevenueCents          int64     `json:"revenue_cents"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// HistogramBucket is one cumulative bucket of the live histogram.
type HistogramBucket struct {
	UpperBoundSeconds float64 `json:"le"`
	CumulativeCount   uint64  `json:"count"`
}

// FirstResponseSnapshot is the live first-response histogram aggregated
// across triggers, taken from this process's prometheus registry.
type FirstResponseSnapshot struct {
	Count   uint64            `json:"count"`
	SumSecs float64           `json:"sum_seconds"`
	Buckets []HistogramBucket `json:"buckets"`
}

// Reader serves rollups and the live histogram snapshot.
type Reader struct {
	db       *sql.DB
	gatherer prometheus.Gatherer
}

// NewReader builds a reader. A nil gatherer falls back to the default
// registry, which is where the conversation metrics register.
func NewReader(db *sql.DB, gatherer prometheus.Gatherer) *Reader {
	if db == nil {
		panic("kpi: db cannot be nil")
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Reader{db: db, gatherer: gatherer}
}

// Rollups returns the tenant's daily rollups for the trailing N days,
// oldest first. Days under 1 defaults to 7 and is capped at 90.
func (r *Reader) Rollups(ctx context.Context, tenantID string, days int) ([]Rollup, error) {
	if days < 1 {
		days = 7
	}
	if days > 90 {
		days = 90
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT tenant_id, day, calls_detected, conversations_started,
		       appointments_booked, appointments_cancelled,
		       first_response_p50_ms, first_response_p95_ms,
		       revenue_cents, updated_at
		FROM daily_kpi_rollups
		WHERE tenant_id = $1 AND day > current_date - $2::int
		ORDER BY day ASC
	`, tenantID, days)
	if err != nil {
		return nil, fmt.Errorf("kpi: query rollups: %w", err)
	}
	defer rows.Close()

	var out []Rollup
	for rows.Next() {
		var ru Rollup
		if err := rows.Scan(&ru.TenantID, &ru.Day, &ru.CallsDetected, &ru.ConversationsStarted,
			&ru.AppointmentsBooked, &ru.AppointmentsCancelled,
			&ru.FirstResponseP50Ms, &ru.FirstResponseP95Ms,
			&ru.RevenueCents, &ru.UpdatedAt); err != nil {
			return nil, fmt.Errorf("kpi: scan rollup: %w", err)
		}
		out = append(out, ru)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("kpi: rollup rows: %w", err)
	}
	return out, nil
}

// FirstResponseSnapshot gathers the live first-response histogram and folds
// its per-trigger series into one distribution. Returns an empty snapshot
// when the histogram has not observed anything yet.
func (r *Reader) FirstResponseSnapshot() (*FirstResponseSnapshot, error) {
	families, err := r.gatherer.Gather()
	if err != nil {
		return nil, fmt.Errorf("kpi: gather metrics: %w", err)
	}

	var family *dto.MetricFamily
	for _, mf := range families {
		if mf.GetName() == metrics.FirstResponseHistogramName {
			family = mf
			break
		}
	}
	snap := &FirstResponseSnapshot{}
	if family == nil {
		return snap, nil
	}

	cumulative := map[float64]uint64{}
	for _, m := range family.GetMetric() {
		h := m.GetHistogram()
		if h == nil {
			continue
		}
		snap.Count += h.GetSampleCount()
		snap.SumSecs += h.GetSampleSum()
		for _, b := range h.GetBucket() {
			cumulative[b.GetUpperBound()] += b.GetCumulativeCount()
		}
	}

	bounds := make([]float64, 0, len(cumulative))
	for ub := range cumulative {
		bounds = append(bounds, ub)
	}
	sort.Float64s(bounds)
	for _, ub := range bounds {
		snap.Buckets = append(snap.Buckets, HistogramBucket{
			UpperBoundSeconds: ub,
			CumulativeCount:   cumulative[ub],
		})
	}
	return snap, nil
}
