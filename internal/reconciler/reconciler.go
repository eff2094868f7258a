package reconciler

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"go.uber.org/zap"

	"github.com/smskit/campaign-dispatch/internal/gateway"
	"github.com/smskit/campaign-dispatch/internal/metrics"
	"github.com/smskit/campaign-dispatch/internal/model"
	"github.com/smskit/campaign-dispatch/internal/repository"
)

// Result of applying one delivery report.
type Result string

const (
	ResultApplied   Result = "applied"
	ResultDuplicate Result = "duplicate" // message already settled; report is a redelivery
	ResultUnknown   Result = "unknown"   // gateway message id we never issued, or non-final state
)

const lockKey = "campd:reconciler:leader"

// Reconciler settles sent messages into delivered or failed. Reports
// arrive two ways: pushed by the gateway over the webhook (ApplyReport)
// and pulled by the polling loop (Run) for messages whose report never
// came. Both paths converge on the same status guard, so a report may
// arrive any number of times over either path.
type Reconciler struct {
	Messages repository.MessagesRepository
	Gateway  gateway.Client
	Locker   *redislock.Client

	PollInterval time.Duration
	Grace        time.Duration // only poll sent messages older than this
	BatchSize    int
	LockTTL      time.Duration

	Log *zap.Logger
}

// ApplyReport applies a single delivery report. Non-final states are
// ignored. The returned Result says what actually happened; duplicates
// are not an error.
func (r *Reconciler) ApplyReport(ctx context.Context, rep model.DeliveryReport) (Result, error) {
	final := rep.DeliveryState.Final()
	if final == "" || rep.GatewayMessageID == "" {
		metrics.DeliveryReportsTotal.WithLabelValues(string(ResultUnknown)).Inc()
		return ResultUnknown, nil
	}

	at := rep.Timestamp
	if at.IsZero() {
		at = time.Now()
	}

	var (
		applied bool
		err     error
	)
	switch final {
	case model.StatusDelivered:
		applied, err = r.Messages.MarkDelivered(ctx, rep.GatewayMessageID, at)
	default:
		applied, err = r.Messages.MarkDeliveryFailed(ctx, rep.GatewayMessageID, string(rep.DeliveryState), at)
	}
	if err != nil {
		return "", err
	}
	if !applied {
		// either a redelivered report or an id we never issued; both
		// leave the row untouched
		metrics.DeliveryReportsTotal.WithLabelValues(string(ResultDuplicate)).Inc()
		return ResultDuplicate, nil
	}
	if final == model.StatusDelivered {
		metrics.MessagesTotal.WithLabelValues("delivered").Inc()
	}
	metrics.DeliveryReportsTotal.WithLabelValues(string(ResultApplied)).Inc()
	return ResultApplied, nil
}

// Run polls the gateway for messages stuck in sent past the grace
// window. A Redis lock keeps a single poller active across replicas;
// losing the lock just skips the tick. Blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	if r.PollInterval <= 0 {
		r.PollInterval = time.Minute
	}
	if r.LockTTL <= 0 {
		r.LockTTL = r.PollInterval
	}
	if r.Log == nil {
		r.Log = zap.NewNop()
	}

	t := time.NewTicker(r.PollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		r.tick(ctx)
	}
}

func (r *Reconciler) tick(ctx context.Context) {
	var lock *redislock.Lock
	if r.Locker != nil {
		var err error
		lock, err = r.Locker.Obtain(ctx, lockKey, r.LockTTL, nil)
		if errors.Is(err, redislock.ErrNotObtained) {
			return // another replica owns this tick
		}
		if err != nil {
			r.Log.Warn("reconciler lock failed", zap.Error(err))
			return
		}
		defer func() { _ = lock.Release(ctx) }()
	}

	cutoff := time.Now().Add(-r.Grace)
	rows, err := r.Messages.SentOlderThan(ctx, cutoff, r.BatchSize)
	if err != nil {
		r.Log.Warn("stale sent query failed", zap.Error(err))
		return
	}
	if len(rows) == 0 {
		return
	}
	r.Log.Info("reconciling stale messages", zap.Int("count", len(rows)))

	for _, m := range rows {
		if ctx.Err() != nil {
			return
		}
		if m.GatewayMessageID == nil || *m.GatewayMessageID == "" {
			continue
		}
		state, err := r.Gateway.GetStatus(ctx, *m.GatewayMessageID)
		if err != nil {
			if gateway.IsRetryable(err) {
				// breaker or transient fault; the rest of the batch likely
				// fails the same way, so give up until the next tick
				r.Log.Warn("status poll failed", zap.String("message_id", m.ID), zap.Error(err))
				return
			}
			// the gateway permanently rejects this id; skip it so the
			// rest of the batch still reconciles. SentOlderThan orders
			// oldest first, so a bail here would pin the whole poll path
			// behind one bad row.
			r.Log.Warn("status poll rejected, skipping message",
				zap.String("message_id", m.ID), zap.Error(err))
			continue
		}
		if _, err := r.ApplyReport(ctx, model.DeliveryReport{
			GatewayMessageID: *m.GatewayMessageID,
			DeliveryState:    state,
			Timestamp:        time.Now(),
		}); err != nil {
			r.Log.Warn("reconcile persist failed", zap.String("message_id", m.ID), zap.Error(err))
		}
	}
}
