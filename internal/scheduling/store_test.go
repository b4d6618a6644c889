package scheduling

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v4"
)

func TestListBusyGroupsByResource(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	store := newStoreWithDB(mock)

	resA := uuid.New()
	resB := uuid.New()
	window := Timeslot{
		Start: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 3, 2, 17, 0, 0, 0, time.UTC),
	}

	rows := pgxmock.NewRows([]string{"resource_id", "lower", "upper"}).
		AddRow(resA, window.Start, window.Start.Add(time.Hour)).
		AddRow(resB, window.Start.Add(2*time.Hour), window.Start.Add(3*time.Hour)).
		AddRow(resA, window.Start.Add(4*time.Hour), window.Start.Add(5*time.Hour))

	mock.ExpectQuery("SELECT resource_id, lower").
		WithArgs(pgxmock.AnyArg(), window.Start, window.End).
		WillReturnRows(rows)

	busy, err := store.ListBusy(context.Background(), []uuid.UUID{resA, resB}, window)
	if err != nil {
		t.Fatalf("list busy failed: %v", err)
	}
	if len(busy[resA]) != 2 || len(busy[resB]) != 1 {
		t.Fatalf("unexpected grouping: %v", busy)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestReleaseExpiredEmitsEventPerHold(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	store := newStoreWithDB(mock)

	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	rows := pgxmock.NewRows([]string{"id", "tenant_id", "resource_id", "lower", "upper"}).
		AddRow(uuid.New(), "tenant-1", uuid.New(), start, start.Add(30*time.Minute)).
		AddRow(uuid.New(), "tenant-2", uuid.New(), start.Add(time.Hour), start.Add(90*time.Minute))

	mock.ExpectBegin()
	mock.ExpectQuery("DELETE FROM holds").WillReturnRows(rows)
	for _, tenant := range []string{"tenant-1", "tenant-2"} {
		mock.ExpectExec("INSERT INTO outbox_events").
			WithArgs(pgxmock.AnyArg(), tenant, "scheduling.AppointmentReleased", "1.0",
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}
	mock.ExpectCommit()

	n, err := store.ReleaseExpired(context.Background())
	if err != nil {
		t.Fatalf("release expired failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 released, got %d", n)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestReleaseExpiredNothingToDo(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	store := newStoreWithDB(mock)

	mock.ExpectBegin()
	mock.ExpectQuery("DELETE FROM holds").
		WillReturnRows(pgxmock.NewRows([]string{"id", "tenant_id", "resource_id", "lower", "upper"}))
	mock.ExpectCommit()

	n, err := store.ReleaseExpired(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("expected clean no-op, got n=%d err=%v", n, err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestReplaceBusySwapsSnapshot(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	store := newStoreWithDB(mock)

	resourceID := uuid.New()
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	slots := []Timeslot{
		{Start: start, End: start.Add(time.Hour)},
		{Start: start.Add(time.Hour), End: start.Add(time.Hour)}, // empty, skipped
		{Start: start.Add(2 * time.Hour), End: start.Add(3 * time.Hour)},
	}

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM external_busy").
		WithArgs(resourceID, SourceGoogle).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectExec("INSERT INTO external_busy").
		WithArgs("tenant-1", resourceID, SourceGoogle, start, start.Add(time.Hour)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO external_busy").
		WithArgs("tenant-1", resourceID, SourceGoogle, start.Add(2*time.Hour), start.Add(3*time.Hour)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	n, err := store.ReplaceBusy(context.Background(), "tenant-1", resourceID, SourceGoogle, slots)
	if err != nil {
		t.Fatalf("replace busy failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rows written, got %d", n)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
