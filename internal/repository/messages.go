package repository

import (
	"context"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/smskit/campaign-dispatch/internal/model"
)

// SentUpdate carries the gateway's per-message identifiers for a message
// that was accepted in a bulk call.
type SentUpdate struct {
	ID               string
	GatewayMessageID string
}

// MessagesRepository defines persistence for campaign_messages. Mutations
// guard on the current status so replays and redelivered jobs cannot move
// a message backwards.
type MessagesRepository interface {
	InsertQueuedBatch(ctx context.Context, tx *sqlx.Tx, msgs []model.CampaignMessage) error
	QueuedIDs(ctx context.Context, campaignID string) ([]string, error)
	StillQueued(ctx context.Context, ids []string) ([]model.CampaignMessage, error)

	// MarkSent / MarkFailed only touch rows still in queued.
	MarkSent(ctx context.Context, tx *sqlx.Tx, gatewayBatchID string, sent []SentUpdate) error
	MarkFailed(ctx context.Context, tx *sqlx.Tx, ids []string, reason string) error
	IncrementRetry(ctx context.Context, ids []string) error

	// Reconciliation: terminal transitions out of sent, keyed by the
	// gateway message id. Both return false when no row was eligible.
	MarkDelivered(ctx context.Context, gatewayMessageID string, at time.Time) (bool, error)
	MarkDeliveryFailed(ctx context.Context, gatewayMessageID, reason string, at time.Time) (bool, error)

	SentOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]model.CampaignMessage, error)
}

type MessagesRepositoryImpl struct {
	db *sqlx.DB
}

func NewMessagesRepository(db *sqlx.DB) *MessagesRepositoryImpl {
	return &MessagesRepositoryImpl{db: db}
}

var _ MessagesRepository = (*MessagesRepositoryImpl)(nil)

func (r *MessagesRepositoryImpl) withTx(ctx context.Context, tx *sqlx.Tx, fn func(*sqlx.Tx) error) error {
	if tx != nil {
		return fn(tx)
	}
	t, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = t.Rollback() }()
	if err := fn(t); err != nil {
		return err
	}
	return t.Commit()
}

func (r *MessagesRepositoryImpl) InsertQueuedBatch(ctx context.Context, tx *sqlx.Tx, msgs []model.CampaignMessage) error {
	if len(msgs) == 0 {
		return nil
	}

	var sb strings.Builder
	args := make([]any, 0, len(msgs)*5)

	sb.WriteString(`
		INSERT INTO campaign_messages
		    (id, campaign_id, tenant_id, phone, text, status, created_at, updated_at)
		VALUES `)
	for i, m := range msgs {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(?, ?, ?, ?, ?, 'queued', NOW(), NOW())")
		args = append(args, m.ID, m.CampaignID, m.TenantID, m.Phone, m.Text)
	}

	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, sb.String(), args...)
		return err
	})
}

// QueuedIDs returns the ids of all queued messages of a campaign, ordered
// by id so chunking is deterministic across enqueue re-runs.
func (r *MessagesRepositoryImpl) QueuedIDs(ctx context.Context, campaignID string) ([]string, error) {
	var ids []string
	err := r.db.SelectContext(ctx, &ids, `
		SELECT id FROM campaign_messages
		 WHERE campaign_id = ? AND status = 'queued'
		 ORDER BY id
	`, campaignID)
	return ids, err
}

// StillQueued reloads the given ids and keeps only rows still in queued.
// The worker calls this immediately before a gateway send so redelivered
// jobs never re-send an already-processed message.
func (r *MessagesRepositoryImpl) StillQueued(ctx context.Context, ids []string) ([]model.CampaignMessage, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`
		SELECT id, campaign_id, tenant_id, phone, text, status, retry_count
		  FROM campaign_messages
		 WHERE id IN (?) AND status = 'queued'
		 ORDER BY id
	`, ids)
	if err != nil {
		return nil, err
	}
	query = r.db.Rebind(query)

	var rows []model.CampaignMessage
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

// MarkSent stores gateway ids and flips queued rows to sent in a single
// statement (CASE per id for the gateway message id).
func (r *MessagesRepositoryImpl) MarkSent(ctx context.Context, tx *sqlx.Tx, gatewayBatchID string, sent []SentUpdate) error {
	if len(sent) == 0 {
		return nil
	}

	var caseSB strings.Builder
	ids := make([]any, 0, len(sent))
	args := make([]any, 0, len(sent)*2+2)

	args = append(args, gatewayBatchID)
	caseSB.WriteString("CASE id")
	for _, s := range sent {
		caseSB.WriteString(" WHEN ? THEN ?")
		args = append(args, s.ID, s.GatewayMessageID)
		ids = append(ids, s.ID)
	}
	caseSB.WriteString(" END")

	query := `
		UPDATE campaign_messages
		   SET status = 'sent',
		       gateway_batch_id = ?,
		       gateway_message_id = ` + caseSB.String() + `,
		       sent_at = NOW(),
		       updated_at = NOW()
		 WHERE id IN (?` + strings.Repeat(", ?", len(ids)-1) + `)
		   AND status = 'queued'
	`
	args = append(args, ids...)

	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, query, args...)
		return err
	})
}

func (r *MessagesRepositoryImpl) MarkFailed(ctx context.Context, tx *sqlx.Tx, ids []string, reason string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`
		UPDATE campaign_messages
		   SET status = 'failed', last_error = ?, failed_at = NOW(), updated_at = NOW()
		 WHERE id IN (?) AND status = 'queued'
	`, reason, ids)
	if err != nil {
		return err
	}
	query = r.db.Rebind(query)

	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, query, args...)
		return err
	})
}

func (r *MessagesRepositoryImpl) IncrementRetry(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`
		UPDATE campaign_messages
		   SET retry_count = retry_count + 1, updated_at = NOW()
		 WHERE id IN (?) AND status = 'queued'
	`, ids)
	if err != nil {
		return err
	}
	query = r.db.Rebind(query)
	_, err = r.db.ExecContext(ctx, query, args...)
	return err
}

func (r *MessagesRepositoryImpl) MarkDelivered(ctx context.Context, gatewayMessageID string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaign_messages
		   SET status = 'delivered', delivered_at = ?, updated_at = NOW()
		 WHERE gateway_message_id = ? AND status = 'sent'
	`, at, gatewayMessageID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *MessagesRepositoryImpl) MarkDeliveryFailed(ctx context.Context, gatewayMessageID, reason string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaign_messages
		   SET status = 'failed', last_error = ?, failed_at = ?, updated_at = NOW()
		 WHERE gateway_message_id = ? AND status = 'sent'
	`, reason, at, gatewayMessageID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *MessagesRepositoryImpl) SentOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]model.CampaignMessage, error) {
	if limit <= 0 {
		limit = 500
	}
	var rows []model.CampaignMessage
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, campaign_id, tenant_id, status, gateway_message_id, sent_at
		  FROM campaign_messages
		 WHERE status = 'sent' AND gateway_message_id IS NOT NULL AND sent_at < ?
		 ORDER BY sent_at
		 LIMIT ?
	`, cutoff, limit)
	return rows, err
}
