package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type rowQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ReceiptStore is the idempotency barrier for provider webhooks. One receipt
// row per (provider, provider_event_id); the insert decides first delivery.
type ReceiptStore struct {
	db rowQuerier
}

func NewReceiptStore(pool *pgxpool.Pool) *ReceiptStore {
	if pool == nil {
		panic("ingest: pgx pool required")
	}
	return &ReceiptStore{db: pool}
}

func newReceiptStoreWithDB(db rowQuerier) *ReceiptStore {
	return &ReceiptStore{db: db}
}

// Record inserts a receipt for the raw body and reports whether this is the
// first delivery. False means the provider retried something already handled.
func (s *ReceiptStore) Record(ctx context.Context, provider, providerEventID, kind string, body []byte) (bool, error) {
	return s.record(ctx, s.db, provider, providerEventID, kind, body)
}

// RecordTx is Record through a caller-owned transaction, so the receipt and
// the events it gates commit together. A crash before commit leaves no
// receipt and the provider's retry reprocesses the delivery in full.
func (s *ReceiptStore) RecordTx(ctx context.Context, tx pgx.Tx, provider, providerEventID, kind string, body []byte) (bool, error) {
	return s.record(ctx, tx, provider, providerEventID, kind, body)
}

func (s *ReceiptStore) record(ctx context.Context, q rowQuerier, provider, providerEventID, kind string, body []byte) (bool, error) {
	sum := sha256.Sum256(body)
	query := `
		INSERT INTO webhook_receipts (provider, provider_event_id, kind, body_sha256)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, provider_event_id) DO NOTHING
	`
	ct, err := q.Exec(ctx, query, provider, providerEventID, kind, hex.EncodeToString(sum[:]))
	if err != nil {
		return false, fmt.Errorf("ingest: record receipt: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// SweepOlderThan deletes receipts past the retention window and returns the
// count removed.
func (s *ReceiptStore) SweepOlderThan(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	query := `
		DELETE FROM webhook_receipts
		WHERE received_at < now() - ($1 * interval '1 day')
	`
	ct, err := s.db.Exec(ctx, query, retentionDays)
	if err != nil {
		return 0, fmt.Errorf("ingest: sweep receipts: %w", err)
	}
	return ct.RowsAffected(), nil
}
