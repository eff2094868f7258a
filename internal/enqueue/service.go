package enqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/smskit/campaign-dispatch/internal/model"
	"github.com/smskit/campaign-dispatch/internal/repository"
)

var (
	ErrCampaignNotFound = errors.New("campaign not found")
	ErrCampaignPaused   = errors.New("campaign paused")
)

// Service partitions a campaign's queued messages into batch jobs and
// publishes them through the transactional outbox: one MySQL transaction
// writes every job row or none, so a queue outage can never leave a
// campaign half-published. Debezium relays outbox rows to Kafka.
type Service struct {
	db        *sqlx.DB
	campaigns repository.CampaignsRepository
	msgs      repository.MessagesRepository
	outbox    repository.OutboxRepository

	batchSize int
	topic     string
	log       *zap.Logger
}

func New(
	db *sqlx.DB,
	campaignsRepo repository.CampaignsRepository,
	msgsRepo repository.MessagesRepository,
	outboxRepo repository.OutboxRepository,
	batchSize int,
	topic string,
	log *zap.Logger,
) *Service {
	if batchSize <= 0 {
		batchSize = 5000
	}
	return &Service{
		db:        db,
		campaigns: campaignsRepo,
		msgs:      msgsRepo,
		outbox:    outboxRepo,
		batchSize: batchSize,
		topic:     topic,
		log:       log,
	}
}

// EnqueueCampaign selects all still-queued messages of the campaign,
// chunks them, and publishes one job per chunk. Returns the number of
// jobs published. Safe to call repeatedly: selection is deterministic
// (ordered by id) and job idempotency keys are unique in the outbox, so
// a re-run after a partial failure inserts only what is missing.
func (s *Service) EnqueueCampaign(ctx context.Context, campaignID string) (int, error) {
	c, err := s.campaigns.Get(ctx, campaignID)
	if err != nil {
		return 0, fmt.Errorf("load campaign: %w", err)
	}
	if c == nil {
		return 0, ErrCampaignNotFound
	}
	if c.Status == model.CampaignPaused {
		return 0, ErrCampaignPaused
	}

	ids, err := s.msgs.QueuedIDs(ctx, campaignID)
	if err != nil {
		return 0, fmt.Errorf("select queued: %w", err)
	}
	if len(ids) == 0 {
		s.log.Info("campaign has nothing to send", zap.String("campaign_id", campaignID))
		return 0, nil
	}

	jobs := batchJobs(campaignID, ids, s.batchSize)
	events := make([]model.OutboxEvent, 0, len(jobs))
	for _, job := range jobs {
		payload, err := json.Marshal(job)
		if err != nil {
			return 0, fmt.Errorf("marshal batch job: %w", err)
		}
		events = append(events, model.OutboxEvent{
			Aggregate:      "batch",
			AggregateID:    campaignID,
			IdempotencyKey: job.IdempotencyKey,
			Topic:          s.topic,
			Payload:        payload,
		})
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.outbox.InsertEvents(ctx, tx, events); err != nil {
		return 0, fmt.Errorf("insert outbox: %w", err)
	}
	if err := s.campaigns.MarkDispatched(ctx, tx, campaignID); err != nil {
		return 0, fmt.Errorf("mark dispatched: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	s.log.Info("campaign enqueued",
		zap.String("campaign_id", campaignID),
		zap.Int("messages", len(ids)),
		zap.Int("batches", len(events)))

	return len(events), nil
}

// batchJobs partitions message ids into jobs of at most batchSize each.
// ids arrive ordered, so the seq-th job always carries the same slice
// and the same idempotency key across re-runs.
func batchJobs(campaignID string, ids []string, batchSize int) []model.BatchJob {
	jobs := make([]model.BatchJob, 0, (len(ids)+batchSize-1)/batchSize)
	for seq := 0; seq*batchSize < len(ids); seq++ {
		lo := seq * batchSize
		hi := lo + batchSize
		if hi > len(ids) {
			hi = len(ids)
		}
		jobs = append(jobs, model.BatchJob{
			CampaignID:     campaignID,
			MessageIDs:     ids[lo:hi],
			Attempt:        0,
			IdempotencyKey: model.BatchKey(campaignID, seq),
		})
	}
	return jobs
}
