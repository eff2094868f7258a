package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/smskit/campaign-dispatch/internal/model"
)

// CampaignStatusCount is one row of the per-campaign aggregate view.
type CampaignStatusCount struct {
	Status model.MessageStatus `db:"status"`
	Count  uint64              `db:"cnt"`
}

// CHReportsRepository reads campaign delivery reports from ClickHouse
// (the campd.messages_latest view, fed by CDC).
type CHReportsRepository interface {
	ListCampaignMessages(ctx context.Context, tenantID int64, campaignID string, status model.MessageStatus, limit, offset int) ([]model.CampaignMessage, error)
	CampaignCounts(ctx context.Context, tenantID int64, campaignID string) ([]CampaignStatusCount, error)
}

type chReportsRepository struct {
	ch *sqlx.DB
}

func NewCHReportsRepository(ch *sqlx.DB) CHReportsRepository {
	return &chReportsRepository{ch: ch}
}

func (r *chReportsRepository) ListCampaignMessages(ctx context.Context, tenantID int64, campaignID string, status model.MessageStatus, limit, offset int) ([]model.CampaignMessage, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	q := `
		SELECT id, campaign_id, tenant_id, phone, status, gateway_message_id, last_error, created_at, updated_at
		FROM campd.messages_latest
		WHERE tenant_id = ? AND campaign_id = ?
	`
	args := []any{tenantID, campaignID}

	if status != "" {
		q += " AND status = ?"
		args = append(args, status.String())
	}

	q += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	var rows []model.CampaignMessage
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *chReportsRepository) CampaignCounts(ctx context.Context, tenantID int64, campaignID string) ([]CampaignStatusCount, error) {
	var rows []CampaignStatusCount
	err := r.ch.SelectContext(ctx, &rows, `
		SELECT status, count() AS cnt
		FROM campd.messages_latest
		WHERE tenant_id = ? AND campaign_id = ?
		GROUP BY status
	`, tenantID, campaignID)
	return rows, err
}
