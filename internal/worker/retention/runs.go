package retentionworker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevermiss-ai/textback-platform/internal/events"
)

// Run is one retention sweep's audit record.
type Run struct {
	ID                    uuid.UUID
	RanAt                 time.Time
	ConversationsArchived int64
	MessagesArchived      int64
	ConversationsDeleted  int64
	MessagesDeleted       int64
	ReceiptsDeleted       int64
	OutboxDeleted         int64
	ArchiveURI            string
}

// RunStore persists retention_runs rows.
type RunStore struct {
	db events.PgxPool
}

func NewRunStore(pool *pgxpool.Pool) *RunStore {
	if pool == nil {
		panic("retention: pgx pool required")
	}
	return &RunStore{db: pool}
}

func newRunStoreWithDB(db events.PgxPool) *RunStore { return &RunStore{db: db} }

// Record inserts the run with its archival counts. It runs before any
// delete so the row survives a crash mid-sweep.
func (s *RunStore) Record(ctx context.Context, run Run) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.db.Exec(ctx, `
		INSERT INTO retention_runs
			(id, ran_at, conversations_archived, messages_archived, archive_uri)
		VALUES ($1, $2, $3, $4, $5)
	`, id, run.RanAt, run.ConversationsArchived, run.MessagesArchived, run.ArchiveURI)
	if err != nil {
		return uuid.Nil, fmt.Errorf("retention: insert run: %w", err)
	}
	return id, nil
}

// Complete fills in the delete counts once the sweep finishes.
func (s *RunStore) Complete(ctx context.Context, id uuid.UUID, run Run) error {
	_, err := s.db.Exec(ctx, `
		UPDATE retention_runs
		SET conversations_deleted = $2,
		    messages_deleted = $3,
		    receipts_deleted = $4,
		    outbox_deleted = $5
		WHERE id = $1
	`, id, run.ConversationsDeleted, run.MessagesDeleted, run.ReceiptsDeleted, run.OutboxDeleted)
	if err != nil {
		return fmt.Errorf("retention: update run: %w", err)
	}
	return nil
}
