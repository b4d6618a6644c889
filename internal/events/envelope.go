package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// Event is a versioned domain fact destined for the outbox.
type Event interface {
	EventName() string
	SchemaVersion() string
}

// Envelope carries transport metadata for one outbox event.
type Envelope struct {
	EventID       uuid.UUID       `json:"event_id"`
	EventName     string          `json:"event_name"`
	SchemaVersion string          `json:"schema_version"`
	TenantID      string          `json:"tenant_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CausationID   string          `json:"causation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// pendingRow is the envelope plus storage-only columns chosen at append time.
type pendingRow struct {
	env         Envelope
	availableAt time.Time
}

// AppendOption customizes the stored outbox row (useful in tests).
type AppendOption func(*pendingRow)

// WithEventID overrides the automatically generated event id.
func WithEventID(id uuid.UUID) AppendOption {
	return func(p *pendingRow) {
		if id != uuid.Nil {
			p.env.EventID = id
		}
	}
}

// WithOccurredAt overrides the envelope timestamp.
func WithOccurredAt(ts time.Time) AppendOption {
	return func(p *pendingRow) {
		if ts.IsZero() {
			return
		}
		p.env.OccurredAt = ts.UTC()
	}
}

// WithCausationID links the envelope to the event that caused it.
func WithCausationID(id string) AppendOption {
	return func(p *pendingRow) {
		p.env.CausationID = strings.TrimSpace(id)
	}
}

// WithAvailableAt defers dispatch until the given time. Used for sends that
// must wait out a tenant's quiet hours.
func WithAvailableAt(ts time.Time) AppendOption {
	return func(p *pendingRow) {
		if ts.IsZero() {
			return
		}
		p.availableAt = ts.UTC()
	}
}

var (
	errMissingTenant = errors.New("events: tenant id is required")
	errNilEvent      = errors.New("events: event payload required")
	nowFunc          = time.Now
)

func newPendingRow(tenantID, correlationID string, evt Event, opts ...AppendOption) (pendingRow, error) {
	if strings.TrimSpace(tenantID) == "" {
		return pendingRow{}, errMissingTenant
	}
	if evt == nil {
		return pendingRow{}, errNilEvent
	}
	name := strings.TrimSpace(evt.EventName())
	if name == "" {
		return pendingRow{}, fmt.Errorf("events: event name missing")
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return pendingRow{}, fmt.Errorf("events: marshal payload: %w", err)
	}
	row := pendingRow{env: Envelope{
		EventID:       uuid.New(),
		EventName:     name,
		SchemaVersion: evt.SchemaVersion(),
		TenantID:      strings.TrimSpace(tenantID),
		OccurredAt:    nowFunc().UTC(),
		CorrelationID: strings.TrimSpace(correlationID),
		Payload:       append([]byte(nil), payload...),
	}}
	for _, opt := range opts {
		if opt != nil {
			opt(&row)
		}
	}
	return row, nil
}

func newEnvelope(tenantID, correlationID string, evt Event, opts ...AppendOption) (Envelope, error) {
	row, err := newPendingRow(tenantID, correlationID, evt, opts...)
	return row.env, err
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Append writes the event to the outbox through the provided executor,
// normally the same transaction that mutates business state, and returns the
// envelope as stored.
func Append(ctx context.Context, exec execer, tenantID, correlationID string, evt Event, opts ...AppendOption) (Envelope, error) {
	if exec == nil {
		return Envelope{}, fmt.Errorf("events: exec required")
	}
	row, err := newPendingRow(tenantID, correlationID, evt, opts...)
	if err != nil {
		return Envelope{}, err
	}
	env := row.env
	var availableAt any
	if !row.availableAt.IsZero() {
		availableAt = row.availableAt
	}
	query := `
		INSERT INTO outbox_events (event_id, tenant_id, event_name, schema_version, payload, correlation_id, causation_id, occurred_at, available_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, COALESCE($9, now()))
	`
	if _, err := exec.Exec(ctx, query,
		env.EventID, env.TenantID, env.EventName, env.SchemaVersion,
		env.Payload, env.CorrelationID, env.CausationID, env.OccurredAt, availableAt,
	); err != nil {
		return Envelope{}, fmt.Errorf("events: append event: %w", err)
	}
	return env, nil
}

// Decode unmarshals the envelope payload into the given event struct.
func Decode[T any](env Envelope) (T, error) {
	var out T
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		return out, fmt.Errorf("events: decode %s payload: %w", env.EventName, err)
	}
	return out, nil
}
