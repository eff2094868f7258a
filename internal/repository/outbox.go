package repository

import (
	"context"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/smskit/campaign-dispatch/internal/model"
)

// OutboxRepository persists batch-job publications. Rows are written in
// the enqueue transaction; Debezium's outbox SMT relays them to Kafka, so
// either every batch of a campaign is published or none is.
type OutboxRepository interface {
	// InsertEvents writes all events at once. The idempotency_key column
	// is UNIQUE, so a repeated enqueue of the same campaign inserts
	// nothing new.
	InsertEvents(ctx context.Context, tx *sqlx.Tx, events []model.OutboxEvent) error
}

type OutboxRepositoryImpl struct {
	db *sqlx.DB
}

func NewOutboxRepository(db *sqlx.DB) *OutboxRepositoryImpl {
	return &OutboxRepositoryImpl{db: db}
}

var _ OutboxRepository = (*OutboxRepositoryImpl)(nil)

func (r *OutboxRepositoryImpl) InsertEvents(ctx context.Context, tx *sqlx.Tx, events []model.OutboxEvent) error {
	if len(events) == 0 {
		return nil
	}

	var sb strings.Builder
	args := make([]any, 0, len(events)*5)

	sb.WriteString(`
		INSERT INTO outbox (aggregate, aggregate_id, idempotency_key, topic, payload, created_at)
		VALUES `)
	for i, ev := range events {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(?, ?, ?, ?, ?, NOW())")
		args = append(args, ev.Aggregate, ev.AggregateID, ev.IdempotencyKey, ev.Topic, ev.Payload)
	}
	sb.WriteString(` ON DUPLICATE KEY UPDATE id = id`)

	_, err := tx.ExecContext(ctx, sb.String(), args...)
	return err
}
