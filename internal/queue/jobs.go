package queue

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/smskit/campaign-dispatch/internal/model"
)

// Delivery is one leased batch job plus the offset to commit once the
// job reaches a terminal outcome (acked, requeued, or dead).
type Delivery struct {
	Job model.BatchJob
	msg Message
}

// Jobs is the durable queue as the worker sees it: at-least-once
// delivery, exclusive leases, redelivery with exponential backoff, and a
// dead topic after the attempt budget runs out.
type Jobs interface {
	// Fetch blocks until a decodable job arrives. Poison payloads are
	// committed and skipped.
	Fetch(ctx context.Context) (Delivery, error)
	// Commit releases the lease after the job's outcome is durable.
	Commit(ctx context.Context, d Delivery) error
	// Requeue republishes the job with attempt+1 and a backoff delay.
	Requeue(ctx context.Context, job model.BatchJob) error
	// Dead publishes the job to the dead topic for operator inspection.
	Dead(ctx context.Context, job model.BatchJob, reason string) error
}

type KafkaJobs struct {
	consumer *Consumer
	producer *Producer

	batchTopic  string
	deadTopic   string
	backoffBase time.Duration
	backoffCap  time.Duration

	log *zap.Logger
}

func NewKafkaJobs(
	consumer *Consumer,
	producer *Producer,
	batchTopic, deadTopic string,
	backoffBase, backoffCap time.Duration,
	log *zap.Logger,
) *KafkaJobs {
	if backoffBase <= 0 {
		backoffBase = 2 * time.Second
	}
	if backoffCap <= 0 {
		backoffCap = 2 * time.Minute
	}
	return &KafkaJobs{
		consumer:    consumer,
		producer:    producer,
		batchTopic:  batchTopic,
		deadTopic:   deadTopic,
		backoffBase: backoffBase,
		backoffCap:  backoffCap,
		log:         log,
	}
}

var _ Jobs = (*KafkaJobs)(nil)

func (q *KafkaJobs) Fetch(ctx context.Context) (Delivery, error) {
	for {
		m, err := q.consumer.Fetch(ctx)
		if err != nil {
			return Delivery{}, err
		}

		var job model.BatchJob
		if err := json.Unmarshal(m.Value, &job); err != nil || job.IdempotencyKey == "" {
			// poison payload: commit and move on
			q.log.Warn("dropping undecodable batch job",
				zap.Error(err), zap.String("topic", m.Topic), zap.Int64("offset", m.Offset))
			_ = q.consumer.Commit(ctx, m)
			continue
		}

		return Delivery{Job: job, msg: m}, nil
	}
}

func (q *KafkaJobs) Commit(ctx context.Context, d Delivery) error {
	return q.consumer.Commit(ctx, d.msg)
}

func (q *KafkaJobs) Requeue(ctx context.Context, job model.BatchJob) error {
	next := job
	next.Attempt++
	next.NotBefore = time.Now().Add(Backoff(q.backoffBase, q.backoffCap, job.Attempt))

	payload, err := json.Marshal(next)
	if err != nil {
		return err
	}
	return q.producer.Publish(ctx, q.batchTopic, next.IdempotencyKey, payload)
}

func (q *KafkaJobs) Dead(ctx context.Context, job model.BatchJob, reason string) error {
	payload, err := json.Marshal(struct {
		model.BatchJob
		Reason string `json:"reason"`
	}{BatchJob: job, Reason: reason})
	if err != nil {
		return err
	}
	return q.producer.Publish(ctx, q.deadTopic, job.IdempotencyKey, payload)
}

// Backoff computes base*2^attempt capped at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
