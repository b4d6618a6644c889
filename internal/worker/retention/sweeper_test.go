package retentionworker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nevermiss-ai/textback-platform/internal/archive"
	"github.com/nevermiss-ai/textback-platform/internal/conversation"
)

type fakeConversations struct {
	closed      []conversation.Conversation
	transcripts map[uuid.UUID][]conversation.Message

	listCutoff      time.Time
	deletedMessages []uuid.UUID
	metadataCutoff  time.Time
	listErr         error
}

func (f *fakeConversations) ListClosedBefore(_ context.Context, cutoff time.Time, limit int) ([]conversation.Conversation, error) {
	f.listCutoff = cutoff
	if f.listErr != nil {
		return nil, f.listErr
	}
	if len(f.closed) > limit {
		return f.closed[:limit], nil
	}
	return f.closed, nil
}

func (f *fakeConversations) Transcript(_ context.Context, _ string, id uuid.UUID, _ int) ([]conversation.Message, error) {
	return f.transcripts[id], nil
}

func (f *fakeConversations) DeleteMessages(_ context.Context, id uuid.UUID) (int64, error) {
	f.deletedMessages = append(f.deletedMessages, id)
	return int64(len(f.transcripts[id])), nil
}

func (f *fakeConversations) DeleteClosedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.metadataCutoff = cutoff
	return 4, nil
}

type fakeArchiver struct {
	enabled bool
	records []*archive.ConversationRecord
	err     error
}

func (f *fakeArchiver) Enabled() bool { return f.enabled }

func (f *fakeArchiver) ArchiveConversation(_ context.Context, record *archive.ConversationRecord) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.records = append(f.records, record)
	return "conversations/v1/by-date/2026/08/25/" + record.ConversationID + ".json", nil
}

func (f *fakeArchiver) ManifestURI(day time.Time) string {
	if !f.enabled {
		return ""
	}
	return "s3://bucket/conversations/v1/manifests/" + day.Format("2006-01-02") + ".jsonl"
}

type fakeSweepers struct {
	receiptDays int
	outboxDays  int
}

func (f *fakeSweepers) SweepOlderThan(_ context.Context, days int) (int64, error) {
	f.receiptDays = days
	return 7, nil
}

func (f *fakeSweepers) SweepDispatched(_ context.Context, days int) (int64, error) {
	f.outboxDays = days
	return 9, nil
}

type fakeRuns struct {
	recorded  *Run
	completed *Run
	id        uuid.UUID
	recordErr error
}

func (f *fakeRuns) Record(_ context.Context, run Run) (uuid.UUID, error) {
	if f.recordErr != nil {
		return uuid.Nil, f.recordErr
	}
	f.recorded = &run
	f.id = uuid.New()
	return f.id, nil
}

func (f *fakeRuns) Complete(_ context.Context, id uuid.UUID, run Run) error {
	if id != f.id {
		return errors.New("unknown run id")
	}
	f.completed = &run
	return nil
}

func expiredConversation(tenantID string) conversation.Conversation {
	closedAt := time.Now().AddDate(0, 0, -200)
	return conversation.Conversation{
		ID:          uuid.New(),
		TenantID:    tenantID,
		CallerPhone: "+15551234567",
		State:       conversation.StateClosed,
		OpenedAt:    closedAt.Add(-time.Hour),
		ClosedAt:    &closedAt,
	}
}

func TestSweeperArchivesBeforeDeleting(t *testing.T) {
	convo := expiredConversation("tn_a")
	convos := &fakeConversations{
		closed: []conversation.Conversation{convo},
		transcripts: map[uuid.UUID][]conversation.Message{
			convo.ID: {
				{Direction: "in", Body: "hi", CreatedAt: time.Now()},
				{Direction: "out", Body: "hello", CreatedAt: time.Now()},
			},
		},
	}
	archiver := &fakeArchiver{enabled: true}
	sweepers := &fakeSweepers{}
	runs := &fakeRuns{}

	s := NewSweeper(convos, archiver, sweepers, sweepers, runs, nil)
	s.sweep(context.Background())

	require.Len(t, archiver.records, 1)
	record := archiver.records[0]
	assert.Equal(t, convo.ID.String(), record.ConversationID)
	assert.Equal(t, "tn_a", record.TenantID)
	assert.Equal(t, archive.HashPhone("+15551234567"), record.CallerHash)
	assert.Equal(t, 2, record.MessageCount)

	require.NotNil(t, runs.recorded)
	assert.Equal(t, int64(1), runs.recorded.ConversationsArchived)
	assert.Equal(t, int64(2), runs.recorded.MessagesArchived)
	assert.Contains(t, runs.recorded.ArchiveURI, "s3://bucket/conversations/v1/manifests/")

	assert.Equal(t, []uuid.UUID{convo.ID}, convos.deletedMessages)
	require.NotNil(t, runs.completed)
	assert.Equal(t, int64(2), runs.completed.MessagesDeleted)
	assert.Equal(t, int64(4), runs.completed.ConversationsDeleted)
	assert.Equal(t, int64(7), runs.completed.ReceiptsDeleted)
	assert.Equal(t, int64(9), runs.completed.OutboxDeleted)
}

func TestSweeperCutoffs(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	nowFunc = func() time.Time { return now }
	defer func() { nowFunc = time.Now }()

	convos := &fakeConversations{}
	sweepers := &fakeSweepers{}

	s := NewSweeper(convos, nil, sweepers, sweepers, &fakeRuns{}, nil).
		WithMessageRetentionDays(30).
		WithMetadataRetentionMonths(6).
		WithReceiptRetentionDays(10).
		WithOutboxRetentionDays(5)
	s.sweep(context.Background())

	assert.Equal(t, now.AddDate(0, 0, -30), convos.listCutoff)
	assert.Equal(t, now.AddDate(0, -6, 0), convos.metadataCutoff)
	assert.Equal(t, 10, sweepers.receiptDays)
	assert.Equal(t, 5, sweepers.outboxDays)
}

func TestSweeperArchiveFailureKeepsMessages(t *testing.T) {
	convo := expiredConversation("tn_a")
	convos := &fakeConversations{
		closed:      []conversation.Conversation{convo},
		transcripts: map[uuid.UUID][]conversation.Message{convo.ID: {{Body: "hi"}}},
	}
	archiver := &fakeArchiver{enabled: true, err: errors.New("s3 unavailable")}
	sweepers := &fakeSweepers{}

	s := NewSweeper(convos, archiver, sweepers, sweepers, &fakeRuns{}, nil)
	s.sweep(context.Background())

	// Rows stay for the next pass; the rest of the sweep still runs.
	assert.Empty(t, convos.deletedMessages)
	assert.Equal(t, 90, sweepers.receiptDays)
}

func TestSweeperArchiveDisabledStillDeletes(t *testing.T) {
	convo := expiredConversation("tn_a")
	convos := &fakeConversations{
		closed:      []conversation.Conversation{convo},
		transcripts: map[uuid.UUID][]conversation.Message{convo.ID: {{Body: "hi"}}},
	}

	s := NewSweeper(convos, &fakeArchiver{enabled: false}, &fakeSweepers{}, &fakeSweepers{}, &fakeRuns{}, nil)
	s.sweep(context.Background())

	assert.Equal(t, []uuid.UUID{convo.ID}, convos.deletedMessages)
}

func TestSweeperRunInsertFailureSkipsDeletes(t *testing.T) {
	convo := expiredConversation("tn_a")
	convos := &fakeConversations{
		closed:      []conversation.Conversation{convo},
		transcripts: map[uuid.UUID][]conversation.Message{convo.ID: {{Body: "hi"}}},
	}
	runs := &fakeRuns{recordErr: errors.New("insert failed")}

	s := NewSweeper(convos, &fakeArchiver{enabled: true}, &fakeSweepers{}, &fakeSweepers{}, runs, nil)
	s.sweep(context.Background())

	assert.Empty(t, convos.deletedMessages)
}

func TestSweeperRunLoop(t *testing.T) {
	convos := &fakeConversations{}
	s := NewSweeper(convos, nil, nil, nil, nil, nil).WithInterval(5 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done
}

func TestRunStoreRecordAndComplete(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := newRunStoreWithDB(mock)
	ranAt := time.Date(2026, 8, 25, 3, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO retention_runs").
		WithArgs(pgxmock.AnyArg(), ranAt, int64(2), int64(11), "s3://bucket/manifest.jsonl").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	id, err := store.Record(context.Background(), Run{
		RanAt:                 ranAt,
		ConversationsArchived: 2,
		MessagesArchived:      11,
		ArchiveURI:            "s3://bucket/manifest.jsonl",
	})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, id)

	mock.ExpectExec("UPDATE retention_runs").
		WithArgs(id, int64(3), int64(11), int64(7), int64(9)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	err = store.Complete(context.Background(), id, Run{
		ConversationsDeleted: 3,
		MessagesDeleted:      11,
		ReceiptsDeleted:      7,
		OutboxDeleted:        9,
	})
	require.NoError(t, err)

	require.NoError(t, mock.ExpectationsWereMet())
}
