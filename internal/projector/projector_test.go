package projector

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nevermiss-ai/textback-platform/internal/events"
)

func envelopeFor(t *testing.T, tenantID, correlationID string, evt events.Event, occurredAt time.Time) events.Envelope {
	t.Helper()
	payload, err := json.Marshal(evt)
	require.NoError(t, err)
	return events.Envelope{
		EventID:       uuid.New(),
		EventName:     evt.EventName(),
		SchemaVersion: evt.SchemaVersion(),
		TenantID:      tenantID,
		CorrelationID: correlationID,
		OccurredAt:    occurredAt,
		Payload:       payload,
	}
}

func TestHandleCallDetected(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	p := New(db, nil)

	occurred := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	env := envelopeFor(t, "tenant-1", "corr-1", events.CallDetected{
		CallSID: "CA123", FromE164: "+15551230000", ToE164: "+15559870000",
	}, occurred)

	mock.ExpectExec("INSERT INTO first_response_trackers").
		WithArgs("tenant-1", "corr-1", occurred).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO daily_kpi_rollups").
		WithArgs("tenant-1", day).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO daily_kpi_rollups").
		WithArgs("tenant-1", day).
		WillReturnResult(sqlmock.NewResult(0, 1))

	res := p.Handle(context.Background(), env)
	assert.Equal(t, events.StatusOK, res.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleOutboundQueued(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	p := New(db, nil)

	occurred := time.Date(2026, 3, 2, 14, 30, 4, 0, time.UTC)
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	env := envelopeFor(t, "tenant-1", "corr-1", events.OutboundQueued{
		MessageID: uuid.NewString(), ConversationID: uuid.NewString(),
		ToE164: "+15551230000", FromE164: "+15559870000", Body: "hi",
	}, occurred)

	mock.ExpectExec("INSERT INTO first_response_trackers").
		WithArgs("tenant-1", "corr-1", occurred).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO daily_kpi_rollups").
		WithArgs("tenant-1", day).
		WillReturnResult(sqlmock.NewResult(0, 1))

	res := p.Handle(context.Background(), env)
	assert.Equal(t, events.StatusOK, res.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleOutboundWithoutCorrelationIsNoop(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	p := New(db, nil)
	env := envelopeFor(t, "tenant-1", "", events.OutboundQueued{MessageID: uuid.NewString()}, time.Now())

	res := p.Handle(context.Background(), env)
	assert.Equal(t, events.StatusOK, res.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleAppointmentBooked(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	p := New(db, nil)

	apptID := uuid.New()
	itemID := uuid.New()
	booked := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	evt := events.AppointmentBooked{
		AppointmentID: apptID.String(),
		HoldID:        uuid.NewString(),
		ResourceID:    uuid.NewString(),
		ServiceItemID: itemID.String(),
		CustomerPhone: "+15551230000",
		PriceCents:    15000,
		Currency:      "USD",
		BookedAt:      booked,
	}
	env := envelopeFor(t, "tenant-1", "corr-1", evt, booked)

	mock.ExpectExec("INSERT INTO revenue_attributions").
		WithArgs(apptID.String(), "tenant-1", itemID.String(), int64(15000), "USD", booked).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO daily_kpi_rollups").
		WithArgs("tenant-1", day, int64(15000)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	res := p.Handle(context.Background(), env)
	assert.Equal(t, events.StatusOK, res.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleAppointmentBookedReplayDoesNotDoubleRevenue(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	p := New(db, nil)

	apptID := uuid.New()
	booked := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	evt := events.AppointmentBooked{
		AppointmentID: apptID.String(),
		PriceCents:    15000,
		Currency:      "USD",
		BookedAt:      booked,
	}
	env := envelopeFor(t, "tenant-1", "corr-1", evt, booked)

	// The attribution insert loses on conflict; no rollup bump follows.
	mock.ExpectExec("INSERT INTO revenue_attributions").
		WithArgs(apptID.String(), "tenant-1", nil, int64(15000), "USD", booked).
		WillReturnResult(sqlmock.NewResult(0, 0))

	res := p.Handle(context.Background(), env)
	assert.Equal(t, events.StatusOK, res.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleAppointmentCancelled(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	p := New(db, nil)

	cancelled := time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)
	day := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)
	env := envelopeFor(t, "tenant-1", "corr-1", events.AppointmentCancelled{
		AppointmentID: uuid.NewString(),
		CancelledAt:   cancelled,
	}, cancelled)

	mock.ExpectExec("INSERT INTO daily_kpi_rollups").
		WithArgs("tenant-1", day).
		WillReturnResult(sqlmock.NewResult(0, 1))

	res := p.Handle(context.Background(), env)
	assert.Equal(t, events.StatusOK, res.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleBadPayloadDeadLetters(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	p := New(db, nil)

	env := events.Envelope{
		EventID:   uuid.New(),
		EventName: (events.AppointmentBooked{}).EventName(),
		TenantID:  "tenant-1",
		Payload:   json.RawMessage(`{`),
	}
	res := p.Handle(context.Background(), env)
	assert.Equal(t, events.StatusDeadLetter, res.Status)

	// A structurally valid payload with an unparseable appointment id
	// retries rather than silently dropping.
	env = envelopeFor(t, "tenant-1", "corr-1", events.AppointmentBooked{AppointmentID: "not-a-uuid"}, time.Now())
	res = p.Handle(context.Background(), env)
	assert.Equal(t, events.StatusRetry, res.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleUnknownEventIsOK(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	p := New(db, nil)
	res := p.Handle(context.Background(), events.Envelope{EventName: "billing.InvoicePaid"})
	assert.Equal(t, events.StatusOK, res.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleRetriesOnDatabaseError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	p := New(db, nil)

	occurred := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)
	env := envelopeFor(t, "tenant-1", "corr-1", events.CallDetected{CallSID: "CA1"}, occurred)

	mock.ExpectExec("INSERT INTO first_response_trackers").
		WithArgs("tenant-1", "corr-1", occurred).
		WillReturnError(errors.New("connection reset"))

	res := p.Handle(context.Background(), env)
	assert.Equal(t, events.StatusRetry, res.Status)
	require.Error(t, res.Err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
