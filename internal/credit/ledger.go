package credit

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/smskit/campaign-dispatch/internal/metrics"
	"github.com/smskit/campaign-dispatch/internal/model"
	"github.com/smskit/campaign-dispatch/internal/repository"
)

// CostPerMessage is fixed: one prepaid credit buys one send attempt.
const CostPerMessage int64 = 1

var ErrInsufficientFunds = errors.New("insufficient funds")

// FailedMessage is a per-message non-retryable outcome to settle.
type FailedMessage struct {
	ID     string
	Reason string
}

// SettleBatch is the single durable write at the end of a batch: message
// transitions and the refunds they imply commit together or not at all.
type SettleBatch struct {
	TenantID       int64
	CampaignID     string
	GatewayBatchID string
	Sent           []repository.SentUpdate
	Failed         []FailedMessage
}

// Ledger is the only writer of wallet balances. Debits happen before the
// gateway call ("reserve then send"); successful sends settle as no-ops;
// non-retryable failures refund. Every operation is idempotent under
// redelivery via UNIQUE idempotency keys on the transaction log.
type Ledger interface {
	// Reserve debits one credit per message id not yet reserved. Returns
	// the number of fresh debits; zero means a redelivered job whose
	// reservation already stands. ErrInsufficientFunds leaves the wallet
	// untouched.
	Reserve(ctx context.Context, tenantID int64, campaignID string, msgIDs []string) (int, error)

	// Settle persists sent/failed message transitions and refunds the
	// failed messages' credits in one transaction.
	Settle(ctx context.Context, batch SettleBatch) error

	// Topup credits a wallet, idempotent per requestID. The bool reports
	// whether the credit was applied (false: replay).
	Topup(ctx context.Context, tenantID, amount int64, requestID string) (bool, error)
}

type Service struct {
	db     *sqlx.DB
	wallet repository.WalletRepository
	ledger repository.LedgerRepository
	msgs   repository.MessagesRepository
	log    *zap.Logger
}

func NewService(
	db *sqlx.DB,
	walletRepo repository.WalletRepository,
	ledgerRepo repository.LedgerRepository,
	msgsRepo repository.MessagesRepository,
	log *zap.Logger,
) *Service {
	return &Service{
		db:     db,
		wallet: walletRepo,
		ledger: ledgerRepo,
		msgs:   msgsRepo,
		log:    log,
	}
}

var _ Ledger = (*Service)(nil)

func reserveKey(msgID string) string { return "res-" + msgID }
func refundKey(msgID string) string  { return "ref-" + msgID }
func topupKey(requestID string) string { return "topup-" + requestID }

func (s *Service) Reserve(ctx context.Context, tenantID int64, campaignID string, msgIDs []string) (int, error) {
	if len(msgIDs) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.wallet.Upsert(ctx, tx, tenantID); err != nil {
		return 0, fmt.Errorf("wallet upsert: %w", err)
	}
	bal, err := s.wallet.GetForUpdate(ctx, tx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("wallet lock: %w", err)
	}

	keyed := make(map[string]string, len(msgIDs)) // key -> msg id
	keys := make([]string, 0, len(msgIDs))
	for _, id := range msgIDs {
		k := reserveKey(id)
		keyed[k] = id
		keys = append(keys, k)
	}
	fresh, err := s.ledger.FilterNewKeys(ctx, tx, keys)
	if err != nil {
		return 0, fmt.Errorf("ledger filter: %w", err)
	}
	if len(fresh) == 0 {
		// redelivered job, reservation already on the books
		return 0, tx.Commit()
	}

	need := int64(len(fresh)) * CostPerMessage
	if bal < need {
		return 0, ErrInsufficientFunds
	}

	rows := make([]model.CreditTransaction, 0, len(fresh))
	running := bal
	for _, k := range fresh {
		msgID := keyed[k]
		running -= CostPerMessage
		rows = append(rows, model.CreditTransaction{
			TenantID:       tenantID,
			Op:             model.OpDebit,
			Amount:         CostPerMessage,
			BalanceAfter:   running,
			Reason:         "reserve",
			CampaignID:     &campaignID,
			MessageID:      strptr(msgID),
			IdempotencyKey: k,
		})
	}
	if err := s.ledger.InsertRows(ctx, tx, rows); err != nil {
		return 0, fmt.Errorf("ledger debit: %w", err)
	}
	if err := s.wallet.Add(ctx, tx, tenantID, -need); err != nil {
		return 0, fmt.Errorf("wallet debit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	metrics.CreditsTotal.WithLabelValues(model.OpDebit.String()).Add(float64(len(fresh)))
	return len(fresh), nil
}

func (s *Service) Settle(ctx context.Context, batch SettleBatch) error {
	if len(batch.Sent) == 0 && len(batch.Failed) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// wallet lock first, same order as Reserve
	var bal int64
	refunds := 0
	if len(batch.Failed) > 0 {
		if err := s.wallet.Upsert(ctx, tx, batch.TenantID); err != nil {
			return fmt.Errorf("wallet upsert: %w", err)
		}
		bal, err = s.wallet.GetForUpdate(ctx, tx, batch.TenantID)
		if err != nil {
			return fmt.Errorf("wallet lock: %w", err)
		}

		keyed := make(map[string]FailedMessage, len(batch.Failed))
		refKeys := make([]string, 0, len(batch.Failed))
		resKeys := make([]string, 0, len(batch.Failed))
		for _, f := range batch.Failed {
			keyed[refundKey(f.ID)] = f
			refKeys = append(refKeys, refundKey(f.ID))
			resKeys = append(resKeys, reserveKey(f.ID))
		}
		// refund only what was actually debited: a batch can die (e.g.
		// rate-limited to exhaustion) before any reservation happened
		unreserved, err := s.ledger.FilterNewKeys(ctx, tx, resKeys)
		if err != nil {
			return fmt.Errorf("ledger filter reserves: %w", err)
		}
		noDebit := make(map[string]struct{}, len(unreserved))
		for _, k := range unreserved {
			noDebit[k] = struct{}{}
		}
		refFresh, err := s.ledger.FilterNewKeys(ctx, tx, refKeys)
		if err != nil {
			return fmt.Errorf("ledger filter refunds: %w", err)
		}

		rows := make([]model.CreditTransaction, 0, len(refFresh))
		running := bal
		for _, k := range refFresh {
			f := keyed[k]
			if _, skip := noDebit[reserveKey(f.ID)]; skip {
				continue
			}
			running += CostPerMessage
			rows = append(rows, model.CreditTransaction{
				TenantID:       batch.TenantID,
				Op:             model.OpRefund,
				Amount:         CostPerMessage,
				BalanceAfter:   running,
				Reason:         f.Reason,
				CampaignID:     &batch.CampaignID,
				MessageID:      strptr(f.ID),
				IdempotencyKey: k,
			})
		}
		if len(rows) > 0 {
			if err := s.ledger.InsertRows(ctx, tx, rows); err != nil {
				return fmt.Errorf("ledger refund: %w", err)
			}
			if err := s.wallet.Add(ctx, tx, batch.TenantID, int64(len(rows))*CostPerMessage); err != nil {
				return fmt.Errorf("wallet refund: %w", err)
			}
		}
		refunds = len(rows)
	}

	if err := s.msgs.MarkSent(ctx, tx, batch.GatewayBatchID, batch.Sent); err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	for reason, ids := range groupByReason(batch.Failed) {
		if err := s.msgs.MarkFailed(ctx, tx, ids, reason); err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	if refunds > 0 {
		metrics.CreditsTotal.WithLabelValues(model.OpRefund.String()).Add(float64(refunds))
	}
	return nil
}

func (s *Service) Topup(ctx context.Context, tenantID, amount int64, requestID string) (bool, error) {
	if amount <= 0 {
		return false, fmt.Errorf("invalid topup amount %d", amount)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.wallet.Upsert(ctx, tx, tenantID); err != nil {
		return false, fmt.Errorf("wallet upsert: %w", err)
	}
	bal, err := s.wallet.GetForUpdate(ctx, tx, tenantID)
	if err != nil {
		return false, fmt.Errorf("wallet lock: %w", err)
	}

	key := topupKey(requestID)
	fresh, err := s.ledger.FilterNewKeys(ctx, tx, []string{key})
	if err != nil {
		return false, fmt.Errorf("ledger filter: %w", err)
	}
	if len(fresh) == 0 {
		return false, tx.Commit()
	}

	row := model.CreditTransaction{
		TenantID:       tenantID,
		Op:             model.OpCredit,
		Amount:         amount,
		BalanceAfter:   bal + amount,
		Reason:         "topup",
		IdempotencyKey: key,
	}
	if err := s.ledger.InsertRows(ctx, tx, []model.CreditTransaction{row}); err != nil {
		return false, fmt.Errorf("ledger credit: %w", err)
	}
	if err := s.wallet.Add(ctx, tx, tenantID, amount); err != nil {
		return false, fmt.Errorf("wallet credit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	metrics.CreditsTotal.WithLabelValues(model.OpCredit.String()).Add(float64(amount))
	return true, nil
}

func groupByReason(failed []FailedMessage) map[string][]string {
	if len(failed) == 0 {
		return nil
	}
	out := make(map[string][]string)
	for _, f := range failed {
		out[f.Reason] = append(out[f.Reason], f.ID)
	}
	return out
}

func strptr(s string) *string { return &s }
