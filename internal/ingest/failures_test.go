package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v4"
)

func TestFailureStoreRecordAndList(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	store := newFailureStoreWithDB(mock)

	mock.ExpectExec("INSERT INTO ingest_failures").
		WithArgs("twilio", "SM9", "inbound_sms", "insert conversation: connection reset", "Body=hi").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	err = store.Record(context.Background(), Failure{
		Provider:        "twilio",
		ProviderEventID: "SM9",
		Kind:            "inbound_sms",
		Detail:          "insert conversation: connection reset",
		Body:            "Body=hi",
	})
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}

	id := uuid.New()
	now := time.Now().UTC()
	mock.ExpectQuery("SELECT id, provider").WithArgs(50).
		WillReturnRows(pgxmock.NewRows([]string{"id", "provider", "provider_event_id", "kind", "detail", "body", "created_at"}).
			AddRow(id, "twilio", "SM9", "inbound_sms", "insert conversation: connection reset", "Body=hi", now))
	failures, err := store.ListRecent(context.Background(), 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failures) != 1 || failures[0].ID != id || failures[0].Kind != "inbound_sms" {
		t.Fatalf("unexpected failures: %#v", failures)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
