package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/smskit/campaign-dispatch/internal/model"
)

// DeadJobsRepository records batch jobs that exhausted their retry budget.
// Rows exist purely for operator inspection; nothing in the pipeline
// reads them back.
type DeadJobsRepository interface {
	Insert(ctx context.Context, job model.BatchJob, lastError string) error
	List(ctx context.Context, limit int) ([]model.DeadJob, error)
}

type DeadJobsRepositoryImpl struct {
	db *sqlx.DB
}

func NewDeadJobsRepository(db *sqlx.DB) *DeadJobsRepositoryImpl {
	return &DeadJobsRepositoryImpl{db: db}
}

var _ DeadJobsRepository = (*DeadJobsRepositoryImpl)(nil)

func (r *DeadJobsRepositoryImpl) Insert(ctx context.Context, job model.BatchJob, lastError string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO dead_jobs (campaign_id, idempotency_key, attempts, message_count, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, NOW())
		ON DUPLICATE KEY UPDATE attempts = VALUES(attempts), last_error = VALUES(last_error)
	`, job.CampaignID, job.IdempotencyKey, job.Attempt, len(job.MessageIDs), lastError)
	return err
}

func (r *DeadJobsRepositoryImpl) List(ctx context.Context, limit int) ([]model.DeadJob, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var rows []model.DeadJob
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, campaign_id, idempotency_key, attempts, message_count, last_error, created_at
		  FROM dead_jobs
		 ORDER BY created_at DESC
		 LIMIT ?
	`, limit)
	return rows, err
}
