package model

import "time"

// Wallet holds a tenant's prepaid SMS credits (1 credit = 1 message).
type Wallet struct {
	TenantID  int64     `db:"tenant_id"`
	Balance   int64     `db:"balance"`
	UpdatedAt time.Time `db:"updated_at"`
	CreatedAt time.Time `db:"created_at"`
}

type LedgerOp string

const (
	OpDebit  LedgerOp = "debit"  // reserve before send
	OpCredit LedgerOp = "credit" // topup
	OpRefund LedgerOp = "refund" // returned after a non-retryable failure
)

func (o LedgerOp) String() string { return string(o) }

// CreditTransaction is one append-only row in credit_ledger.
// Balance always equals the running sum of a wallet's transactions.
type CreditTransaction struct {
	ID             int64     `db:"id"`
	TenantID       int64     `db:"tenant_id"`
	Op             LedgerOp  `db:"op"`
	Amount         int64     `db:"amount"` // signed view is derived from op
	BalanceAfter   int64     `db:"balance_after"`
	Reason         string    `db:"reason"`
	CampaignID     *string   `db:"campaign_id"`
	MessageID      *string   `db:"message_id"`
	IdempotencyKey string    `db:"idempotency_key"`
	CreatedAt      time.Time `db:"created_at"`
}
