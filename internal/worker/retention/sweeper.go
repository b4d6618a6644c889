// Package retentionworker enforces the data retention policy: message
// bodies live 180 days past close, conversation metadata 13 months,
// webhook receipts 90 days, dispatched outbox rows 30 days. Expiring
// conversations are archived to S3 before any row is deleted.
package retentionworker

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nevermiss-ai/textback-platform/internal/archive"
	"github.com/nevermiss-ai/textback-platform/internal/conversation"
	"github.com/nevermiss-ai/textback-platform/pkg/logging"
)

// transcriptArchiveLimit bounds how many messages one archived conversation
// carries. SMS threads are short; this is a guard, not a policy.
const transcriptArchiveLimit = 5000

var nowFunc = time.Now

type conversationStore interface {
	ListClosedBefore(ctx context.Context, cutoff time.Time, limit int) ([]conversation.Conversation, error)
	Transcript(ctx context.Context, tenantID string, conversationID uuid.UUID, limit int) ([]conversation.Message, error)
	DeleteMessages(ctx context.Context, conversationID uuid.UUID) (int64, error)
	DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type archiver interface {
	Enabled() bool
	ArchiveConversation(ctx context.Context, record *archive.ConversationRecord) (string, error)
	ManifestURI(day time.Time) string
}

type receiptSweeper interface {
	SweepOlderThan(ctx context.Context, retentionDays int) (int64, error)
}

type outboxSweeper interface {
	SweepDispatched(ctx context.Context, retentionDays int) (int64, error)
}

type runRecorder interface {
	Record(ctx context.Context, run Run) (uuid.UUID, error)
	Complete(ctx context.Context, id uuid.UUID, run Run) error
}

// Sweeper runs the hourly retention pass.
type Sweeper struct {
	conversations conversationStore
	archive       archiver
	receipts      receiptSweeper
	outbox        outboxSweeper
	runs          runRecorder
	logger        *logging.Logger

	interval       time.Duration
	messageDays    int
	metadataMonths int
	receiptDays    int
	outboxDays     int
	batchSize      int
}

func NewSweeper(conversations conversationStore, archiveStore archiver, receipts receiptSweeper, outbox outboxSweeper, runs runRecorder, logger *logging.Logger) *Sweeper {
	if logger == nil {
		logger = logging.Default()
	}
	return &Sweeper{
		conversations:  conversations,
		archive:        archiveStore,
		receipts:       receipts,
		outbox:         outbox,
		runs:           runs,
		logger:         logger,
		interval:       time.Hour,
		messageDays:    180,
		metadataMonths: 13,
		receiptDays:    90,
		outboxDays:     30,
		batchSize:      500,
	}
}

func (s *Sweeper) WithInterval(d time.Duration) *Sweeper {
	if d > 0 {
		s.interval = d
	}
	return s
}

func (s *Sweeper) WithMessageRetentionDays(n int) *Sweeper {
	if n > 0 {
		s.messageDays = n
	}
	return s
}

func (s *Sweeper) WithMetadataRetentionMonths(n int) *Sweeper {
	if n > 0 {
		s.metadataMonths = n
	}
	return s
}

func (s *Sweeper) WithReceiptRetentionDays(n int) *Sweeper {
	if n > 0 {
		s.receiptDays = n
	}
	return s
}

func (s *Sweeper) WithOutboxRetentionDays(n int) *Sweeper {
	if n > 0 {
		s.outboxDays = n
	}
	return s
}

func (s *Sweeper) WithBatchSize(n int) *Sweeper {
	if n > 0 {
		s.batchSize = n
	}
	return s
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep executes one full retention pass. The run row is inserted with the
// archival counts before any delete executes and completed afterwards, so a
// crash mid-pass still leaves evidence of what was archived.
func (s *Sweeper) sweep(ctx context.Context) {
	if s.conversations == nil {
		return
	}
	now := nowFunc().UTC()
	run := Run{RanAt: now}

	messageCutoff := now.AddDate(0, 0, -s.messageDays)
	expired := s.archiveExpired(ctx, messageCutoff, &run)

	if s.archive != nil {
		run.ArchiveURI = s.archive.ManifestURI(now)
	}

	var runID uuid.UUID
	if s.runs != nil {
		id, err := s.runs.Record(ctx, run)
		if err != nil {
			s.logger.Error("retention run insert failed, skipping deletes", "error", err)
			return
		}
		runID = id
	}

	for _, convo := range expired {
		n, err := s.conversations.DeleteMessages(ctx, convo.ID)
		if err != nil {
			s.logger.Error("message delete failed", "error", err, "conversation_id", convo.ID)
			continue
		}
		run.MessagesDeleted += n
	}

	metadataCutoff := now.AddDate(0, -s.metadataMonths, 0)
	if n, err := s.conversations.DeleteClosedBefore(ctx, metadataCutoff); err != nil {
		s.logger.Error("conversation metadata delete failed", "error", err)
	} else {
		run.ConversationsDeleted = n
	}

	if s.receipts != nil {
		if n, err := s.receipts.SweepOlderThan(ctx, s.receiptDays); err != nil {
			s.logger.Error("receipt sweep failed", "error", err)
		} else {
			run.ReceiptsDeleted = n
		}
	}

	if s.outbox != nil {
		if n, err := s.outbox.SweepDispatched(ctx, s.outboxDays); err != nil {
			s.logger.Error("outbox sweep failed", "error", err)
		} else {
			run.OutboxDeleted = n
		}
	}

	if s.runs != nil {
		if err := s.runs.Complete(ctx, runID, run); err != nil {
			s.logger.Error("retention run update failed", "error", err, "run_id", runID)
		}
	}

	s.logger.Info("retention sweep finished",
		"conversations_archived", run.ConversationsArchived,
		"messages_archived", run.MessagesArchived,
		"conversations_deleted", run.ConversationsDeleted,
		"messages_deleted", run.MessagesDeleted,
		"receipts_deleted", run.ReceiptsDeleted,
		"outbox_deleted", run.OutboxDeleted)
}

// archiveExpired writes one batch of expiring conversations to S3 and
// returns the ones whose messages are safe to delete. A sweep handles at
// most batchSize conversations; a backlog drains across passes. When
// archival is configured, a failed upload keeps the rows for the next pass;
// when it is disabled entirely, deletes proceed without a copy.
func (s *Sweeper) archiveExpired(ctx context.Context, cutoff time.Time, run *Run) []conversation.Conversation {
	batch, err := s.conversations.ListClosedBefore(ctx, cutoff, s.batchSize)
	if err != nil {
		s.logger.Error("list expired conversations failed", "error", err)
		return nil
	}

	var deletable []conversation.Conversation
	for _, convo := range batch {
		msgs, err := s.conversations.Transcript(ctx, convo.TenantID, convo.ID, transcriptArchiveLimit)
		if err != nil {
			s.logger.Error("transcript load failed", "error", err, "conversation_id", convo.ID)
			continue
		}
		if s.archive != nil && s.archive.Enabled() {
			if _, err := s.archive.ArchiveConversation(ctx, buildRecord(convo, msgs, run.RanAt)); err != nil {
				s.logger.Error("conversation archive failed", "error", err, "conversation_id", convo.ID)
				continue
			}
			run.ConversationsArchived++
			run.MessagesArchived += int64(len(msgs))
		}
		deletable = append(deletable, convo)
	}
	return deletable
}

func buildRecord(convo conversation.Conversation, msgs []conversation.Message, archivedAt time.Time) *archive.ConversationRecord {
	record := &archive.ConversationRecord{
		Version:        "1.0",
		ConversationID: convo.ID.String(),
		TenantID:       convo.TenantID,
		CallerHash:     archive.HashPhone(convo.CallerPhone),
		CorrelationID:  convo.CorrelationID,
		State:          convo.State,
		OpenedAt:       convo.OpenedAt,
		ClosedAt:       convo.ClosedAt,
		ArchivedAt:     archivedAt,
		MessageCount:   len(msgs),
	}
	for _, m := range msgs {
		record.Messages = append(record.Messages, archive.ArchivedMessage{
			Direction: m.Direction,
			Body:      m.Body,
			Status:    m.Status,
			CreatedAt: m.CreatedAt,
		})
	}
	return record
}
