package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/smskit/campaign-dispatch/internal/credit"
	"github.com/smskit/campaign-dispatch/internal/gateway"
	"github.com/smskit/campaign-dispatch/internal/metrics"
	"github.com/smskit/campaign-dispatch/internal/model"
	"github.com/smskit/campaign-dispatch/internal/queue"
	"github.com/smskit/campaign-dispatch/internal/ratelimit"
	"github.com/smskit/campaign-dispatch/internal/repository"
)

// Failure reasons persisted on messages and dead jobs.
const (
	ReasonInsufficientCredits = "insufficient_credits"
	ReasonInactiveTenant      = "inactive_tenant"
	ReasonExhaustedRetries    = "exhausted_retries"
)

// Limiter is the admission check the worker consults before any gateway
// call.
type Limiter interface {
	Allow(ctx context.Context, tenantID int64) ratelimit.Decision
}

// Dispatcher:
// - leases batch jobs from the durable queue,
// - runs each through filter -> rate check -> credit reserve -> bulk send -> settle,
// - requeues retryable failures with backoff, dead-letters the rest.
//
// A job runs each step at most once per delivery; all idempotency lives
// in the stores (status guards, ledger keys), so redeliveries are safe.
type Dispatcher struct {
	// Dependencies
	Jobs     queue.Jobs
	Messages repository.MessagesRepository
	Tenants  repository.TenantsRepository
	DeadJobs repository.DeadJobsRepository
	Credits  credit.Ledger
	Limiter  Limiter
	Gateway  gateway.Client

	// Behavior
	Workers     int    // number of goroutines processing jobs
	MaxAttempts int    // retryable failures tolerated before dead-lettering
	Sender      string // originating address on outbound messages

	Log *zap.Logger
}

// Run starts the worker pool and blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.Workers <= 0 {
		d.Workers = 8
	}
	if d.MaxAttempts <= 0 {
		d.MaxAttempts = 5
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}

	jobCh := make(chan queue.Delivery, d.Workers)

	// Fetcher goroutine
	go func() {
		defer close(jobCh)
		for {
			del, err := d.Jobs.Fetch(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				d.Log.Warn("job fetch failed", zap.Error(err))
				time.Sleep(200 * time.Millisecond)
				continue
			}
			select {
			case <-ctx.Done():
				return
			case jobCh <- del:
			}
		}
	}()

	done := make(chan struct{})
	for i := 0; i < d.Workers; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for del := range jobCh {
				d.Process(ctx, del)
			}
		}()
	}

	<-ctx.Done()
	for i := 0; i < d.Workers; i++ {
		<-done
	}
	return nil
}

// Process runs one leased batch job to a terminal outcome and commits it.
func (d *Dispatcher) Process(ctx context.Context, del queue.Delivery) {
	job := del.Job
	log := d.Log.With(
		zap.String("campaign_id", job.CampaignID),
		zap.String("batch_key", job.IdempotencyKey),
		zap.Int("attempt", job.Attempt),
	)

	if !d.waitUntil(ctx, job.NotBefore) {
		return // shutting down; not committed, job will be redelivered
	}

	// Reload current status and keep only still-queued messages so a
	// redelivered job never re-sends an already-processed message.
	filtered, err := d.Messages.StillQueued(ctx, job.MessageIDs)
	if err != nil {
		log.Warn("filter reload failed", zap.Error(err))
		d.requeueOrDead(ctx, del, nil, 0, "filter: "+err.Error(), log)
		return
	}
	if len(filtered) == 0 {
		metrics.BatchesTotal.WithLabelValues("empty").Inc()
		d.commit(ctx, del, log)
		return
	}

	ids := make([]string, len(filtered))
	for i, m := range filtered {
		ids[i] = m.ID
	}
	tenantID := filtered[0].TenantID

	tenant, err := d.Tenants.GetByID(ctx, tenantID)
	if err != nil {
		log.Warn("tenant lookup failed", zap.Error(err))
		d.requeueOrDead(ctx, del, ids, tenantID, "tenant: "+err.Error(), log)
		return
	}
	if !tenant.Active() {
		// fatal per batch: nothing was reserved yet, so nothing to refund
		if err := d.Messages.MarkFailed(ctx, nil, ids, ReasonInactiveTenant); err != nil {
			log.Error("mark inactive-tenant failed", zap.Error(err))
			d.requeueOrDead(ctx, del, ids, tenantID, "persist: "+err.Error(), log)
			return
		}
		metrics.MessagesTotal.WithLabelValues("failed").Add(float64(len(ids)))
		metrics.BatchesTotal.WithLabelValues("acked").Inc()
		d.commit(ctx, del, log)
		return
	}

	// Admission: both scopes must have budget; a denial means requeue
	// without touching the gateway.
	if dec := d.Limiter.Allow(ctx, tenantID); !dec.Allowed {
		log.Info("rate limited", zap.String("scope", dec.DeniedScope))
		d.requeueOrDead(ctx, del, ids, tenantID, "rate_limited:"+dec.DeniedScope, log)
		return
	}

	// Reserve then send: a crash after this point costs at most the
	// reserved credits, never an unbilled send.
	if _, err := d.Credits.Reserve(ctx, tenantID, job.CampaignID, ids); err != nil {
		if errors.Is(err, credit.ErrInsufficientFunds) {
			if err := d.Messages.MarkFailed(ctx, nil, ids, ReasonInsufficientCredits); err != nil {
				log.Error("mark insufficient-credits failed", zap.Error(err))
				d.requeueOrDead(ctx, del, ids, tenantID, "persist: "+err.Error(), log)
				return
			}
			metrics.MessagesTotal.WithLabelValues("failed").Add(float64(len(ids)))
			metrics.BatchesTotal.WithLabelValues("acked").Inc()
			d.commit(ctx, del, log)
			return
		}
		log.Warn("credit reserve failed", zap.Error(err))
		d.requeueOrDead(ctx, del, ids, tenantID, "reserve: "+err.Error(), log)
		return
	}

	bulk := make([]gateway.BulkMessage, len(filtered))
	for i, m := range filtered {
		bulk[i] = gateway.BulkMessage{
			Destination: m.Phone,
			Text:        m.Text,
			Sender:      d.Sender,
			TraceID:     m.ID,
		}
	}

	resp, err := d.Gateway.BulkSend(ctx, bulk)
	if err != nil {
		if gateway.IsRetryable(err) {
			// credits stay reserved so the retry does not re-debit
			log.Warn("bulk send failed, retryable", zap.Error(err))
			d.requeueOrDead(ctx, del, ids, tenantID, "send: "+err.Error(), log)
			return
		}
		// batch-level rejection: fail and refund every filtered message
		log.Warn("bulk send rejected", zap.Error(err))
		d.settleAllFailed(ctx, del, job, ids, tenantID, gateway.CodeRejected, log)
		return
	}

	sent, failed := splitOutcomes(filtered, resp)

	if err := d.Credits.Settle(ctx, credit.SettleBatch{
		TenantID:       tenantID,
		CampaignID:     job.CampaignID,
		GatewayBatchID: resp.BatchID,
		Sent:           sent,
		Failed:         failed,
	}); err != nil {
		// settle is idempotent; redelivery will retry the durable write
		log.Error("settle failed", zap.Error(err))
		d.requeueOrDead(ctx, del, ids, tenantID, "settle: "+err.Error(), log)
		return
	}

	metrics.MessagesTotal.WithLabelValues("sent").Add(float64(len(sent)))
	metrics.MessagesTotal.WithLabelValues("failed").Add(float64(len(failed)))
	metrics.BatchesTotal.WithLabelValues("acked").Inc()
	log.Info("batch dispatched",
		zap.String("gateway_batch_id", resp.BatchID),
		zap.Int("sent", len(sent)),
		zap.Int("failed", len(failed)))
	d.commit(ctx, del, log)
}

// splitOutcomes maps gateway results back onto messages by trace id.
// Messages the gateway did not echo are treated as rejected; the refund
// keeps the ledger honest and the operator sees the error.
func splitOutcomes(filtered []model.CampaignMessage, resp *gateway.BulkResponse) ([]repository.SentUpdate, []credit.FailedMessage) {
	byTrace := make(map[string]gateway.BulkResult, len(resp.Results))
	for _, r := range resp.Results {
		byTrace[r.TraceID] = r
	}

	var sent []repository.SentUpdate
	var failed []credit.FailedMessage
	for _, m := range filtered {
		r, ok := byTrace[m.ID]
		switch {
		case ok && r.Accepted:
			sent = append(sent, repository.SentUpdate{ID: m.ID, GatewayMessageID: r.GatewayMessageID})
		case ok:
			reason := r.ErrorCode
			if reason == "" {
				reason = gateway.CodeRejected
			}
			failed = append(failed, credit.FailedMessage{ID: m.ID, Reason: reason})
		default:
			failed = append(failed, credit.FailedMessage{ID: m.ID, Reason: gateway.CodeRejected})
		}
	}
	return sent, failed
}

// settleAllFailed marks every id failed with reason and refunds the
// reserved credits, then acks.
func (d *Dispatcher) settleAllFailed(ctx context.Context, del queue.Delivery, job model.BatchJob, ids []string, tenantID int64, reason string, log *zap.Logger) {
	failed := make([]credit.FailedMessage, len(ids))
	for i, id := range ids {
		failed[i] = credit.FailedMessage{ID: id, Reason: reason}
	}
	if err := d.Credits.Settle(ctx, credit.SettleBatch{
		TenantID:   tenantID,
		CampaignID: job.CampaignID,
		Failed:     failed,
	}); err != nil {
		log.Error("settle failed", zap.Error(err))
		d.requeueOrDead(ctx, del, ids, tenantID, "settle: "+err.Error(), log)
		return
	}
	metrics.MessagesTotal.WithLabelValues("failed").Add(float64(len(ids)))
	metrics.BatchesTotal.WithLabelValues("acked").Inc()
	d.commit(ctx, del, log)
}

// requeueOrDead handles every retryable condition: requeue with backoff
// while attempts remain, otherwise fail the remaining messages, refund
// their credits, and move the job to the dead state.
func (d *Dispatcher) requeueOrDead(ctx context.Context, del queue.Delivery, ids []string, tenantID int64, reason string, log *zap.Logger) {
	job := del.Job

	if job.Attempt+1 < d.MaxAttempts {
		if len(ids) > 0 {
			if err := d.Messages.IncrementRetry(ctx, ids); err != nil {
				log.Warn("retry counter bump failed", zap.Error(err))
			}
		}
		if err := d.Jobs.Requeue(ctx, job); err != nil {
			// leave the lease uncommitted; the queue redelivers as-is
			log.Error("requeue failed", zap.Error(err))
			return
		}
		metrics.BatchesTotal.WithLabelValues("requeued").Inc()
		d.commit(ctx, del, log)
		return
	}

	// attempt budget exhausted; remaining queued messages fail with
	// their reserved credits refunded
	if tenantID == 0 {
		remaining, err := d.Messages.StillQueued(ctx, job.MessageIDs)
		if err != nil {
			log.Error("dead-letter reload failed", zap.Error(err))
			return // uncommitted; redelivered and retried here again
		}
		if len(remaining) > 0 {
			tenantID = remaining[0].TenantID
		}
	}
	if tenantID != 0 {
		failed := make([]credit.FailedMessage, len(job.MessageIDs))
		for i, id := range job.MessageIDs {
			failed[i] = credit.FailedMessage{ID: id, Reason: ReasonExhaustedRetries}
		}
		if err := d.Credits.Settle(ctx, credit.SettleBatch{
			TenantID:   tenantID,
			CampaignID: job.CampaignID,
			Failed:     failed,
		}); err != nil {
			log.Error("dead-letter settle failed", zap.Error(err))
			return // uncommitted; redelivered and retried here again
		}
	}
	if err := d.DeadJobs.Insert(ctx, job, reason); err != nil {
		log.Error("dead job record failed", zap.Error(err))
	}
	if err := d.Jobs.Dead(ctx, job, reason); err != nil {
		log.Error("dead topic publish failed", zap.Error(err))
	}
	metrics.DeadJobsTotal.Inc()
	metrics.BatchesTotal.WithLabelValues("dead").Inc()
	log.Error("batch job dead", zap.String("reason", reason), zap.Int("messages", len(job.MessageIDs)))
	d.commit(ctx, del, log)
}

func (d *Dispatcher) commit(ctx context.Context, del queue.Delivery, log *zap.Logger) {
	if err := d.Jobs.Commit(ctx, del); err != nil {
		log.Warn("commit failed", zap.Error(err))
	}
}

// waitUntil honors a redelivered job's backoff schedule. Returns false
// when ctx ends first.
func (d *Dispatcher) waitUntil(ctx context.Context, at time.Time) bool {
	delay := time.Until(at)
	if delay <= 0 {
		return true
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
