package outbox

import (
	"context"
	"time"

	"github.com/vantage-erp/vantage/internal/platform/db"
)

// TxStore is the insert-side surface used inside posting transactions.
type TxStore interface {
	Insert(ctx context.Context, msg Message) error
}

// Store adds the poller-side operations.
type Store interface {
	TxStore
	ListPending(ctx context.Context, limit int) ([]Message, error)
	Delete(ctx context.Context, id int64) error
	IncrementAttempts(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64) error
}

// PgStore persists messages in PostgreSQL, over the pool or an open
// transaction.
type PgStore struct {
	q db.Querier
}

func NewPgStore(q db.Querier) *PgStore {
	return &PgStore{q: q}
}

var _ Store = (*PgStore)(nil)

func (s *PgStore) Insert(ctx context.Context, msg Message) error {
	_, err := s.q.Exec(ctx, `INSERT INTO outbox_messages (event_type, document_id, payload, status, attempts)
VALUES ($1,$2,$3,$4,$5)`, msg.EventType, msg.DocumentID, msg.Payload, StatusPending, 0)
	return err
}

func (s *PgStore) ListPending(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.q.Query(ctx, `SELECT id, event_type, document_id, payload, status, attempts, created_at, last_attempt_at
FROM outbox_messages WHERE status=$1 ORDER BY created_at ASC LIMIT $2`, StatusPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var messages []Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.EventType, &msg.DocumentID, &msg.Payload, &msg.Status, &msg.Attempts, &msg.CreatedAt, &msg.LastAttemptAt); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *PgStore) Delete(ctx context.Context, id int64) error {
	_, err := s.q.Exec(ctx, `DELETE FROM outbox_messages WHERE id=$1`, id)
	return err
}

func (s *PgStore) IncrementAttempts(ctx context.Context, id int64) error {
	_, err := s.q.Exec(ctx, `UPDATE outbox_messages SET attempts=attempts+1, last_attempt_at=$2 WHERE id=$1`, id, time.Now())
	return err
}

func (s *PgStore) MarkFailed(ctx context.Context, id int64) error {
	_, err := s.q.Exec(ctx, `UPDATE outbox_messages SET status=$2, last_attempt_at=$3 WHERE id=$1`, id, StatusFailed, time.Now())
	return err
}
