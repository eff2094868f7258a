package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/smskit/campaign-dispatch/internal/model"
)

type CampaignsRepository interface {
	Get(ctx context.Context, id string) (*model.Campaign, error)
	// MarkDispatched flips a queued campaign after its batches are
	// published; paused campaigns are left alone.
	MarkDispatched(ctx context.Context, tx *sqlx.Tx, id string) error
}

type CampaignsRepositoryImpl struct {
	db *sqlx.DB
}

func NewCampaignsRepository(db *sqlx.DB) *CampaignsRepositoryImpl {
	return &CampaignsRepositoryImpl{db: db}
}

var _ CampaignsRepository = (*CampaignsRepositoryImpl)(nil)

func (r *CampaignsRepositoryImpl) Get(ctx context.Context, id string) (*model.Campaign, error) {
	var c model.Campaign
	err := r.db.GetContext(ctx, &c, `
		SELECT id, tenant_id, name, status, created_at, updated_at
		  FROM campaigns
		 WHERE id = ? LIMIT 1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *CampaignsRepositoryImpl) MarkDispatched(ctx context.Context, tx *sqlx.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE campaigns
		   SET status = 'dispatched', updated_at = NOW()
		 WHERE id = ? AND status = 'queued'
	`, id)
	return err
}
