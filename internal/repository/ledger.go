package repository

import (
	"context"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/smskit/campaign-dispatch/internal/model"
)

// LedgerRepository appends rows to the credit_ledger table. Idempotency
// keys are UNIQUE; callers filter to new keys first so wallet deltas are
// computed only from rows that actually land.
type LedgerRepository interface {
	// FilterNewKeys returns the subset of keys with no ledger row yet.
	FilterNewKeys(ctx context.Context, tx *sqlx.Tx, keys []string) ([]string, error)
	InsertRows(ctx context.Context, tx *sqlx.Tx, rows []model.CreditTransaction) error
}

type ledgerRepo struct{}

func NewLedgerRepository() LedgerRepository { return &ledgerRepo{} }

func (r *ledgerRepo) FilterNewKeys(ctx context.Context, tx *sqlx.Tx, keys []string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(
		`SELECT idempotency_key FROM credit_ledger WHERE idempotency_key IN (?)`, keys,
	)
	if err != nil {
		return nil, err
	}
	query = tx.Rebind(query)

	var seen []string
	if err := tx.SelectContext(ctx, &seen, query, args...); err != nil {
		return nil, err
	}
	if len(seen) == 0 {
		return keys, nil
	}

	existing := make(map[string]struct{}, len(seen))
	for _, k := range seen {
		existing[k] = struct{}{}
	}
	fresh := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := existing[k]; !ok {
			fresh = append(fresh, k)
		}
	}
	return fresh, nil
}

func (r *ledgerRepo) InsertRows(ctx context.Context, tx *sqlx.Tx, rows []model.CreditTransaction) error {
	if len(rows) == 0 {
		return nil
	}

	var sb strings.Builder
	args := make([]any, 0, len(rows)*8)

	sb.WriteString(`
		INSERT INTO credit_ledger
		    (tenant_id, op, amount, balance_after, reason, campaign_id, message_id, idempotency_key, created_at)
		VALUES `)
	for i, row := range rows {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, NOW())")
		args = append(args,
			row.TenantID, row.Op.String(), row.Amount, row.BalanceAfter,
			row.Reason, row.CampaignID, row.MessageID, row.IdempotencyKey,
		)
	}
	// keys were filtered beforehand; the constraint is a backstop against
	// a concurrent writer racing the same key
	sb.WriteString(` ON DUPLICATE KEY UPDATE id = id`)

	_, err := tx.ExecContext(ctx, sb.String(), args...)
	return err
}
