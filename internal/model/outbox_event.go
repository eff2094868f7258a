package model

import "time"

// OutboxEvent is one batch-job publication written transactionally with
// the enqueue; Debezium's outbox SMT relays it to Kafka.
type OutboxEvent struct {
	ID             int64     `db:"id"`
	Aggregate      string    `db:"aggregate"`    // "batch"
	AggregateID    string    `db:"aggregate_id"` // campaign id
	IdempotencyKey string    `db:"idempotency_key"`
	Topic          string    `db:"topic"`
	Payload        []byte    `db:"payload"`
	CreatedAt      time.Time `db:"created_at"`
}
