package repository

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// WalletRepository mutates wallet balances. Every write happens inside a
// caller-owned transaction holding the wallet row lock, so concurrent
// batches for one tenant are serialized per wallet.
type WalletRepository interface {
	Upsert(ctx context.Context, tx *sqlx.Tx, tenantID int64) error
	GetForUpdate(ctx context.Context, tx *sqlx.Tx, tenantID int64) (balance int64, err error)
	Add(ctx context.Context, tx *sqlx.Tx, tenantID, delta int64) error
}

type walletRepo struct{}

func NewWalletRepository() WalletRepository { return &walletRepo{} }

func (r *walletRepo) Upsert(ctx context.Context, tx *sqlx.Tx, tenantID int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallets (tenant_id, balance, created_at, updated_at)
		VALUES (?, 0, NOW(), NOW())
		ON DUPLICATE KEY UPDATE updated_at = VALUES(updated_at)
	`, tenantID)
	return err
}

func (r *walletRepo) GetForUpdate(ctx context.Context, tx *sqlx.Tx, tenantID int64) (int64, error) {
	var bal int64
	err := tx.QueryRowxContext(ctx, `
		SELECT balance FROM wallets WHERE tenant_id = ? FOR UPDATE
	`, tenantID).Scan(&bal)
	return bal, err
}

// Add applies a signed delta; debits pass a negative value. The caller
// has already validated the balance under the row lock.
func (r *walletRepo) Add(ctx context.Context, tx *sqlx.Tx, tenantID, delta int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE wallets
		   SET balance = balance + ?, updated_at = NOW()
		 WHERE tenant_id = ?
	`, delta, tenantID)
	return err
}
