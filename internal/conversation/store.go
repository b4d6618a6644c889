// Package conversation owns the SMS thread state machine: conversations,
// their messages, and the engine that decides what (if anything) gets
// texted back.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nevermiss-ai/textback-platform/internal/events"
)

// Conversation states.
const (
	StateOpen    = "open"
	StateHuman   = "human"
	StateClosed  = "closed"
	StateBlocked = "blocked"
)

// Message directions.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Close reasons carried on conversation.Closed events.
const (
	CloseReasonStop       = "stop"
	CloseReasonInactivity = "inactivity"
	CloseReasonManual     = "manual"
)

// ErrDuplicateMessage reports an outbound insert that lost to an earlier
// attempt with the same dedup key.
var ErrDuplicateMessage = errors.New("conversation: duplicate outbound message")

var nowFunc = time.Now

// Conversation is one SMS thread with a caller.
type Conversation struct {
	ID             uuid.UUID
	TenantID       string
	CallerPhone    string
	State          string
	CorrelationID  string
	OpenedAt       time.Time
	ClosedAt       *time.Time
	LastActivityAt time.Time
}

// Message is one inbound or outbound SMS on a conversation.
type Message struct {
	ID             uuid.UUID
	TenantID       string
	ConversationID uuid.UUID
	Direction      string
	Body           string
	ProviderRef    string
	Status         string
	ClientDedupKey string
	CreatedAt      time.Time
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists conversations and messages.
type Store struct {
	pool events.PgxPool
}

// NewStore builds a store backed by the provided pool.
func NewStore(pool events.PgxPool) *Store {
	if pool == nil {
		panic("conversation: pool cannot be nil")
	}
	return &Store{pool: pool}
}

func newStoreWithDB(db events.PgxPool) *Store { return &Store{pool: db} }

// Begin opens a transaction on the underlying pool. The engine uses it to
// commit message inserts and outbox events atomically.
func (s *Store) Begin(ctx context.Context) (pgx.Tx, error) {
	return s.pool.Begin(ctx)
}

const conversationColumns = `id, tenant_id, caller_phone, state, correlation_id, opened_at, closed_at, last_activity_at`

func scanConversation(row pgx.Row) (*Conversation, error) {
	var c Conversation
	err := row.Scan(&c.ID, &c.TenantID, &c.CallerPhone, &c.State, &c.CorrelationID,
		&c.OpenedAt, &c.ClosedAt, &c.LastActivityAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// FindActiveByCaller returns the caller's open or human conversation, or
// nil when none exists. The partial unique index guarantees at most one.
func (s *Store) FindActiveByCaller(ctx context.Context, tenantID, caller string) (*Conversation, error) {
	return s.findActiveByCaller(ctx, s.pool, tenantID, caller)
}

func (s *Store) findActiveByCaller(ctx context.Context, q querier, tenantID, caller string) (*Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE tenant_id = $1 AND caller_phone = $2 AND state IN ('open', 'human')
	`
	c, err := scanConversation(q.QueryRow(ctx, query, tenantID, caller))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("conversation: find active: %w", err)
	}
	return c, nil
}

// FindBlockedByCaller returns the caller's most recent blocked conversation,
// or nil. Blocked threads sit outside the active-state unique index, so the
// newest one is the thread that unblocking would resume.
func (s *Store) FindBlockedByCaller(ctx context.Context, tenantID, caller string) (*Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE tenant_id = $1 AND caller_phone = $2 AND state = 'blocked'
		ORDER BY opened_at DESC
		LIMIT 1
	`
	c, err := scanConversation(s.pool.QueryRow(ctx, query, tenantID, caller))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("conversation: find blocked: %w", err)
	}
	return c, nil
}

// ActiveCorrelation returns the correlation id of the caller's active
// conversation when its last activity falls inside the reuse window, else
// the empty string. Webhook intake uses it to thread related events.
func (s *Store) ActiveCorrelation(ctx context.Context, tenantID, caller string, window time.Duration) (string, error) {
	query := `
		SELECT correlation_id
		FROM conversations
		WHERE tenant_id = $1 AND caller_phone = $2 AND state IN ('open', 'human')
		  AND last_activity_at > now() - ($3 * interval '1 millisecond')
	`
	var correlationID string
	err := s.pool.QueryRow(ctx, query, tenantID, caller, window.Milliseconds()).Scan(&correlationID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("conversation: active correlation: %w", err)
	}
	return correlationID, nil
}

// GetConversation fetches one conversation scoped to the tenant.
func (s *Store) GetConversation(ctx context.Context, tenantID string, id uuid.UUID) (*Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE tenant_id = $1 AND id = $2
	`
	c, err := scanConversation(s.pool.QueryRow(ctx, query, tenantID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("conversation: get: %w", err)
	}
	return c, nil
}

// ListByState returns the tenant's conversations in a state, newest
// activity first. An empty state lists everything.
func (s *Store) ListByState(ctx context.Context, tenantID, state string, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE tenant_id = $1 AND ($2 = '' OR state = $2)
		ORDER BY last_activity_at DESC
		LIMIT $3
	`
	rows, err := s.pool.Query(ctx, query, tenantID, state, limit)
	if err != nil {
		return nil, fmt.Errorf("conversation: list: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.TenantID, &c.CallerPhone, &c.State, &c.CorrelationID,
			&c.OpenedAt, &c.ClosedAt, &c.LastActivityAt); err != nil {
			return nil, fmt.Errorf("conversation: scan list: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversation: list rows: %w", err)
	}
	return out, nil
}

// Transcript returns the newest messages on a conversation in
// chronological order.
func (s *Store) Transcript(ctx context.Context, tenantID string, conversationID uuid.UUID, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, tenant_id, conversation_id, direction, body,
		       COALESCE(provider_ref, ''), status, COALESCE(client_dedup_key, ''), created_at
		FROM (
			SELECT * FROM messages
			WHERE tenant_id = $1 AND conversation_id = $2
			ORDER BY created_at DESC
			LIMIT $3
		) latest
		ORDER BY created_at ASC
	`
	rows, err := s.pool.Query(ctx, query, tenantID, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("conversation: transcript: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.TenantID, &m.ConversationID, &m.Direction, &m.Body,
			&m.ProviderRef, &m.Status, &m.ClientDedupKey, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("conversation: scan transcript: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversation: transcript rows: %w", err)
	}
	return out, nil
}

// getOrCreateTx finds the caller's active conversation or inserts a new one
// in the given state. The bool reports whether a row was created. Concurrent
// creations race on the active-caller unique index; the loser re-reads.
func (s *Store) getOrCreateTx(ctx context.Context, q querier, tenantID, caller, correlationID, state string) (*Conversation, bool, error) {
	existing, err := s.findActiveByCaller(ctx, q, tenantID, caller)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	insert := `
		INSERT INTO conversations (tenant_id, caller_phone, state, correlation_id)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + conversationColumns + `
	`
	c, err := scanConversation(q.QueryRow(ctx, insert, tenantID, caller, state, correlationID))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			raced, rerr := s.findActiveByCaller(ctx, q, tenantID, caller)
			if rerr != nil {
				return nil, false, rerr
			}
			if raced != nil {
				return raced, false, nil
			}
		}
		return nil, false, fmt.Errorf("conversation: create: %w", err)
	}
	return c, true, nil
}

// createBlockedTx inserts a conversation directly in the blocked state.
// Blocked rows sit outside the active-caller unique index, so there is no
// creation race to absorb.
func (s *Store) createBlockedTx(ctx context.Context, q querier, tenantID, caller, correlationID string) (*Conversation, error) {
	insert := `
		INSERT INTO conversations (tenant_id, caller_phone, state, correlation_id)
		VALUES ($1, $2, 'blocked', $3)
		RETURNING ` + conversationColumns + `
	`
	c, err := scanConversation(q.QueryRow(ctx, insert, tenantID, caller, correlationID))
	if err != nil {
		return nil, fmt.Errorf("conversation: create blocked: %w", err)
	}
	return c, nil
}

// Block moves one active conversation to blocked.
func (s *Store) Block(ctx context.Context, tenantID string, id uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations SET state = 'blocked'
		WHERE tenant_id = $1 AND id = $2 AND state IN ('open', 'human')
	`, tenantID, id)
	if err != nil {
		return false, fmt.Errorf("conversation: block: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// appendEvent writes an outbox event outside any business transaction,
// for notifications that do not need atomicity with row changes.
func (s *Store) appendEvent(ctx context.Context, tenantID, correlationID string, evt events.Event, opts ...events.AppendOption) error {
	_, err := events.Append(ctx, s.pool, tenantID, correlationID, evt, opts...)
	return err
}

// insertMessageTx writes one message row. Outbound rows with a dedup key
// that already exists return ErrDuplicateMessage.
func (s *Store) insertMessageTx(ctx context.Context, q querier, m *Message) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.Status == "" {
		m.Status = "queued"
	}
	query := `
		INSERT INTO messages (id, tenant_id, conversation_id, direction, body, provider_ref, status, client_dedup_key)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, NULLIF($8, ''))
	`
	_, err := q.Exec(ctx, query,
		m.ID, m.TenantID, m.ConversationID, m.Direction, m.Body, m.ProviderRef, m.Status, m.ClientDedupKey)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("conversation: insert message: %w", err)
	}
	return nil
}

func (s *Store) touchActivityTx(ctx context.Context, q querier, id uuid.UUID) error {
	_, err := q.Exec(ctx, `UPDATE conversations SET last_activity_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("conversation: touch activity: %w", err)
	}
	return nil
}

// Takeover suspends AI replies: open -> human.
func (s *Store) Takeover(ctx context.Context, tenantID string, id uuid.UUID) (bool, error) {
	return s.transition(ctx, tenantID, id, StateOpen, StateHuman)
}

// Release hands the thread back to the engine: human -> open.
func (s *Store) Release(ctx context.Context, tenantID string, id uuid.UUID) (bool, error) {
	return s.transition(ctx, tenantID, id, StateHuman, StateOpen)
}

func (s *Store) transition(ctx context.Context, tenantID string, id uuid.UUID, from, to string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations SET state = $4, last_activity_at = now()
		WHERE tenant_id = $1 AND id = $2 AND state = $3
	`, tenantID, id, from, to)
	if err != nil {
		return false, fmt.Errorf("conversation: transition %s->%s: %w", from, to, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Close ends an active conversation and emits the close event in the same
// transaction. Returns false when the conversation was not active.
func (s *Store) Close(ctx context.Context, tenantID string, id uuid.UUID, reason string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("conversation: begin close: %w", err)
	}
	defer tx.Rollback(ctx)

	closed, err := s.closeTx(ctx, tx, tenantID, id, reason)
	if err != nil {
		return false, err
	}
	if !closed {
		return false, nil
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("conversation: commit close: %w", err)
	}
	return true, nil
}

func (s *Store) closeTx(ctx context.Context, q querier, tenantID string, id uuid.UUID, reason string) (bool, error) {
	query := `
		UPDATE conversations
		SET state = 'closed', closed_at = now(), last_activity_at = now()
		WHERE tenant_id = $1 AND id = $2 AND state IN ('open', 'human')
		RETURNING caller_phone, correlation_id
	`
	var caller, correlationID string
	err := q.QueryRow(ctx, query, tenantID, id).Scan(&caller, &correlationID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("conversation: close: %w", err)
	}
	_, err = events.Append(ctx, q, tenantID, correlationID, events.ConversationClosed{
		ConversationID: id.String(),
		CallerE164:     caller,
		Reason:         reason,
		ClosedAt:       nowFunc().UTC(),
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// CloseInactive closes active conversations idle for longer than idleFor
// and emits a close event for each. Returns the number closed.
func (s *Store) CloseInactive(ctx context.Context, idleFor time.Duration) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("conversation: begin close inactive: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE conversations
		SET state = 'closed', closed_at = now()
		WHERE state IN ('open', 'human')
		  AND last_activity_at < now() - ($1 * interval '1 millisecond')
		RETURNING id, tenant_id, caller_phone, correlation_id
	`
	rows, err := tx.Query(ctx, query, idleFor.Milliseconds())
	if err != nil {
		return 0, fmt.Errorf("conversation: close inactive: %w", err)
	}

	type closedRow struct {
		id            uuid.UUID
		tenantID      string
		caller        string
		correlationID string
	}
	var closed []closedRow
	for rows.Next() {
		var r closedRow
		if err := rows.Scan(&r.id, &r.tenantID, &r.caller, &r.correlationID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("conversation: scan close inactive: %w", err)
		}
		closed = append(closed, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("conversation: close inactive rows: %w", err)
	}

	closedAt := nowFunc().UTC()
	for _, r := range closed {
		_, err := events.Append(ctx, tx, r.tenantID, r.correlationID, events.ConversationClosed{
			ConversationID: r.id.String(),
			CallerE164:     r.caller,
			Reason:         CloseReasonInactivity,
			ClosedAt:       closedAt,
		})
		if err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("conversation: commit close inactive: %w", err)
	}
	return len(closed), nil
}

// BlockActive moves every open or human conversation for the tenant to
// blocked. Used when the tenant's campaign stops being approved.
func (s *Store) BlockActive(ctx context.Context, tenantID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations SET state = 'blocked'
		WHERE tenant_id = $1 AND state IN ('open', 'human')
	`, tenantID)
	if err != nil {
		return 0, fmt.Errorf("conversation: block active: %w", err)
	}
	return tag.RowsAffected(), nil
}

// UnblockAll reopens the tenant's blocked conversations once the campaign
// is approved again. Only the newest blocked thread per caller reopens,
// and callers who already have an active thread keep it untouched so the
// active-caller unique index holds.
func (s *Store) UnblockAll(ctx context.Context, tenantID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations c
		SET state = 'open', last_activity_at = now()
		WHERE c.id IN (
			SELECT DISTINCT ON (caller_phone) id
			FROM conversations
			WHERE tenant_id = $1 AND state = 'blocked'
			ORDER BY caller_phone, opened_at DESC
		)
		AND NOT EXISTS (
			SELECT 1 FROM conversations a
			WHERE a.tenant_id = c.tenant_id AND a.caller_phone = c.caller_phone
			  AND a.state IN ('open', 'human')
		)
	`, tenantID)
	if err != nil {
		return 0, fmt.Errorf("conversation: unblock: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkSent attaches the provider ref once the carrier accepts a message.
// Safe to repeat; never moves a message backwards.
func (s *Store) MarkSent(ctx context.Context, tenantID string, messageID uuid.UUID, providerRef string) error {
	query := `
		UPDATE messages
		SET provider_ref = COALESCE(provider_ref, NULLIF($3, '')),
		    status = CASE WHEN status = 'queued' THEN 'sent' ELSE status END
		WHERE tenant_id = $1 AND id = $2 AND direction = 'out'
	`
	_, err := s.pool.Exec(ctx, query, tenantID, messageID, providerRef)
	if err != nil {
		return fmt.Errorf("conversation: mark sent: %w", err)
	}
	return nil
}

// ApplyDeliveryUpdate applies a carrier delivery transition to the message
// matched by id or provider ref. Transitions only move forward: queued ->
// sent -> delivered, with failed terminal from queued or sent. Returns
// false when no message matched or the transition was a no-op.
func (s *Store) ApplyDeliveryUpdate(ctx context.Context, tenantID string, messageID uuid.UUID, providerRef, status string) (bool, error) {
	query := `
		UPDATE messages
		SET status = $4
		WHERE tenant_id = $1
		  AND direction = 'out'
		  AND (($2::uuid IS NOT NULL AND id = $2) OR ($3 <> '' AND provider_ref = $3))
		  AND (
		       ($4 = 'sent' AND status = 'queued')
		    OR ($4 = 'delivered' AND status IN ('queued', 'sent'))
		    OR ($4 = 'failed' AND status IN ('queued', 'sent'))
		  )
	`
	var idArg any
	if messageID != uuid.Nil {
		idArg = messageID
	}
	tag, err := s.pool.Exec(ctx, query, tenantID, idArg, providerRef, status)
	if err != nil {
		return false, fmt.Errorf("conversation: apply delivery update: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListClosedBefore returns closed conversations whose thread ended before
// the cutoff and that still have messages to archive.
func (s *Store) ListClosedBefore(ctx context.Context, cutoff time.Time, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations c
		WHERE c.state = 'closed' AND c.closed_at < $1
		  AND EXISTS (SELECT 1 FROM messages m WHERE m.conversation_id = c.id)
		ORDER BY c.closed_at ASC
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("conversation: list closed: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.TenantID, &c.CallerPhone, &c.State, &c.CorrelationID,
			&c.OpenedAt, &c.ClosedAt, &c.LastActivityAt); err != nil {
			return nil, fmt.Errorf("conversation: scan closed: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversation: closed rows: %w", err)
	}
	return out, nil
}

// DeleteMessages removes a conversation's message rows after archival.
func (s *Store) DeleteMessages(ctx context.Context, conversationID uuid.UUID) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE conversation_id = $1`, conversationID)
	if err != nil {
		return 0, fmt.Errorf("conversation: delete messages: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteClosedBefore removes conversation rows (metadata) past their
// retention window. Message rows cascade.
func (s *Store) DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM conversations WHERE state = 'closed' AND closed_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("conversation: delete closed: %w", err)
	}
	return tag.RowsAffected(), nil
}
