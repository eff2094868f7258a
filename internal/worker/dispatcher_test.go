package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smskit/campaign-dispatch/internal/credit"
	"github.com/smskit/campaign-dispatch/internal/gateway"
	"github.com/smskit/campaign-dispatch/internal/model"
	"github.com/smskit/campaign-dispatch/internal/queue"
	"github.com/smskit/campaign-dispatch/internal/ratelimit"
	"github.com/smskit/campaign-dispatch/internal/repository"
)

// ---- fakes ----

type fakeJobs struct {
	requeued  []model.BatchJob
	dead      []model.BatchJob
	committed int
}

func (f *fakeJobs) Fetch(ctx context.Context) (queue.Delivery, error) {
	return queue.Delivery{}, errors.New("not used")
}
func (f *fakeJobs) Commit(ctx context.Context, d queue.Delivery) error {
	f.committed++
	return nil
}
func (f *fakeJobs) Requeue(ctx context.Context, job model.BatchJob) error {
	f.requeued = append(f.requeued, job)
	return nil
}
func (f *fakeJobs) Dead(ctx context.Context, job model.BatchJob, reason string) error {
	f.dead = append(f.dead, job)
	return nil
}

type fakeMessages struct {
	queued map[string]model.CampaignMessage // id -> row still in queued

	failed     map[string]string // id -> reason
	retryBumps []string
}

func newFakeMessages(msgs ...model.CampaignMessage) *fakeMessages {
	f := &fakeMessages{
		queued: make(map[string]model.CampaignMessage),
		failed: make(map[string]string),
	}
	for _, m := range msgs {
		f.queued[m.ID] = m
	}
	return f
}

func (f *fakeMessages) InsertQueuedBatch(ctx context.Context, tx *sqlx.Tx, msgs []model.CampaignMessage) error {
	return nil
}
func (f *fakeMessages) QueuedIDs(ctx context.Context, campaignID string) ([]string, error) {
	return nil, nil
}
func (f *fakeMessages) StillQueued(ctx context.Context, ids []string) ([]model.CampaignMessage, error) {
	var out []model.CampaignMessage
	for _, id := range ids {
		if m, ok := f.queued[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}
func (f *fakeMessages) MarkSent(ctx context.Context, tx *sqlx.Tx, gatewayBatchID string, sent []repository.SentUpdate) error {
	for _, s := range sent {
		delete(f.queued, s.ID)
	}
	return nil
}
func (f *fakeMessages) MarkFailed(ctx context.Context, tx *sqlx.Tx, ids []string, reason string) error {
	for _, id := range ids {
		if _, ok := f.queued[id]; ok {
			delete(f.queued, id)
			f.failed[id] = reason
		}
	}
	return nil
}
func (f *fakeMessages) IncrementRetry(ctx context.Context, ids []string) error {
	f.retryBumps = append(f.retryBumps, ids...)
	return nil
}
func (f *fakeMessages) MarkDelivered(ctx context.Context, gatewayMessageID string, at time.Time) (bool, error) {
	return false, nil
}
func (f *fakeMessages) MarkDeliveryFailed(ctx context.Context, gatewayMessageID, reason string, at time.Time) (bool, error) {
	return false, nil
}
func (f *fakeMessages) SentOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]model.CampaignMessage, error) {
	return nil, nil
}

type fakeTenants struct {
	tenant *model.Tenant
}

func (f *fakeTenants) GetByAPIKey(ctx context.Context, apiKey string) (*model.Tenant, error) {
	return f.tenant, nil
}
func (f *fakeTenants) GetByID(ctx context.Context, id int64) (*model.Tenant, error) {
	return f.tenant, nil
}

type fakeDeadJobs struct {
	rows []model.BatchJob
}

func (f *fakeDeadJobs) Insert(ctx context.Context, job model.BatchJob, lastError string) error {
	f.rows = append(f.rows, job)
	return nil
}
func (f *fakeDeadJobs) List(ctx context.Context, limit int) ([]model.DeadJob, error) {
	return nil, nil
}

// fakeCredits tracks reservations the way the real ledger does: one debit
// per message id, replays ignored, refunds only for what was debited.
type fakeCredits struct {
	balance  int64
	reserved map[string]bool

	settles []credit.SettleBatch
	msgs    *fakeMessages // settle applies transitions like the real TX does
}

func newFakeCredits(balance int64, msgs *fakeMessages) *fakeCredits {
	return &fakeCredits{balance: balance, reserved: make(map[string]bool), msgs: msgs}
}

func (f *fakeCredits) Reserve(ctx context.Context, tenantID int64, campaignID string, msgIDs []string) (int, error) {
	var fresh []string
	for _, id := range msgIDs {
		if !f.reserved[id] {
			fresh = append(fresh, id)
		}
	}
	if int64(len(fresh)) > f.balance {
		return 0, credit.ErrInsufficientFunds
	}
	for _, id := range fresh {
		f.reserved[id] = true
	}
	f.balance -= int64(len(fresh))
	return len(fresh), nil
}

func (f *fakeCredits) Settle(ctx context.Context, batch credit.SettleBatch) error {
	f.settles = append(f.settles, batch)
	for _, fm := range batch.Failed {
		if f.reserved[fm.ID] {
			f.reserved[fm.ID] = false
			f.balance++
		}
	}
	_ = f.msgs.MarkSent(ctx, nil, batch.GatewayBatchID, batch.Sent)
	for _, fm := range batch.Failed {
		_ = f.msgs.MarkFailed(ctx, nil, []string{fm.ID}, fm.Reason)
	}
	return nil
}

func (f *fakeCredits) Topup(ctx context.Context, tenantID, amount int64, requestID string) (bool, error) {
	f.balance += amount
	return true, nil
}

type allowAll struct{}

func (allowAll) Allow(ctx context.Context, tenantID int64) ratelimit.Decision {
	return ratelimit.Decision{Allowed: true}
}

type denyAll struct{ scope string }

func (d denyAll) Allow(ctx context.Context, tenantID int64) ratelimit.Decision {
	return ratelimit.Decision{DeniedScope: d.scope}
}

type fakeGateway struct {
	calls int
	fn    func(msgs []gateway.BulkMessage) (*gateway.BulkResponse, error)
}

func (f *fakeGateway) BulkSend(ctx context.Context, msgs []gateway.BulkMessage) (*gateway.BulkResponse, error) {
	f.calls++
	return f.fn(msgs)
}
func (f *fakeGateway) GetStatus(ctx context.Context, id string) (model.DeliveryState, error) {
	return "", errors.New("not used")
}

// ---- helpers ----

func testMessages(campaignID string, tenantID int64, n int) []model.CampaignMessage {
	out := make([]model.CampaignMessage, n)
	for i := range out {
		out[i] = model.CampaignMessage{
			ID:         fmt.Sprintf("msg-%04d", i),
			CampaignID: campaignID,
			TenantID:   tenantID,
			Phone:      fmt.Sprintf("+1555000%04d", i),
			Text:       "hello",
			Status:     model.StatusQueued,
		}
	}
	return out
}

func testJob(campaignID string, msgs []model.CampaignMessage, attempt int) model.BatchJob {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return model.BatchJob{
		CampaignID:     campaignID,
		MessageIDs:     ids,
		Attempt:        attempt,
		IdempotencyKey: model.BatchKey(campaignID, 0),
	}
}

type env struct {
	jobs     *fakeJobs
	msgs     *fakeMessages
	credits  *fakeCredits
	deadJobs *fakeDeadJobs
	gw       *fakeGateway
	d        *Dispatcher
}

func newEnv(t *testing.T, msgs []model.CampaignMessage, balance int64, gw *fakeGateway) *env {
	t.Helper()
	e := &env{
		jobs:     &fakeJobs{},
		msgs:     newFakeMessages(msgs...),
		deadJobs: &fakeDeadJobs{},
		gw:       gw,
	}
	e.credits = newFakeCredits(balance, e.msgs)
	e.d = &Dispatcher{
		Jobs:        e.jobs,
		Messages:    e.msgs,
		Tenants:     &fakeTenants{tenant: &model.Tenant{ID: 7, Status: "active"}},
		DeadJobs:    e.deadJobs,
		Credits:     e.credits,
		Limiter:     allowAll{},
		Gateway:     e.gw,
		MaxAttempts: 3,
		Sender:      "TEST",
		Log:         zap.NewNop(),
	}
	return e
}

func acceptAll(msgs []gateway.BulkMessage) (*gateway.BulkResponse, error) {
	resp := &gateway.BulkResponse{BatchID: "gw-batch-1"}
	for _, m := range msgs {
		resp.Results = append(resp.Results, gateway.BulkResult{
			TraceID:          m.TraceID,
			GatewayMessageID: "gw-" + m.TraceID,
			Accepted:         true,
		})
	}
	return resp, nil
}

// ---- tests ----

func TestProcessHappyPath(t *testing.T) {
	msgs := testMessages("c1", 7, 10)
	e := newEnv(t, msgs, 100, &fakeGateway{fn: acceptAll})

	e.d.Process(context.Background(), queue.Delivery{Job: testJob("c1", msgs, 0)})

	assert.Equal(t, 1, e.jobs.committed)
	assert.Empty(t, e.jobs.requeued)
	require.Len(t, e.credits.settles, 1)
	assert.Len(t, e.credits.settles[0].Sent, 10)
	assert.Empty(t, e.credits.settles[0].Failed)
	assert.Equal(t, "gw-batch-1", e.credits.settles[0].GatewayBatchID)
	assert.Equal(t, int64(90), e.credits.balance)
	assert.Empty(t, e.msgs.queued, "all messages left queued state")
}

func TestProcessRedeliverySkipsProcessedMessages(t *testing.T) {
	msgs := testMessages("c1", 7, 5)
	e := newEnv(t, msgs, 100, &fakeGateway{fn: acceptAll})
	job := testJob("c1", msgs, 0)

	e.d.Process(context.Background(), queue.Delivery{Job: job})
	require.Equal(t, 1, e.gw.calls)

	// redelivery of the same job: nothing queued remains, so no second
	// send and no second debit
	e.d.Process(context.Background(), queue.Delivery{Job: job})

	assert.Equal(t, 1, e.gw.calls, "gateway must not see the batch twice")
	assert.Equal(t, int64(95), e.credits.balance)
	assert.Equal(t, 2, e.jobs.committed)
}

func TestProcessInsufficientCredits(t *testing.T) {
	msgs := testMessages("c1", 7, 10)
	e := newEnv(t, msgs, 3, &fakeGateway{fn: acceptAll})

	e.d.Process(context.Background(), queue.Delivery{Job: testJob("c1", msgs, 0)})

	assert.Zero(t, e.gw.calls, "no gateway call without credits")
	assert.Equal(t, 1, e.jobs.committed)
	assert.Empty(t, e.jobs.requeued, "insufficient credits is not retryable")
	assert.Len(t, e.msgs.failed, 10)
	for _, reason := range e.msgs.failed {
		assert.Equal(t, ReasonInsufficientCredits, reason)
	}
	assert.Equal(t, int64(3), e.credits.balance, "balance untouched")
}

func TestProcessInactiveTenant(t *testing.T) {
	msgs := testMessages("c1", 7, 4)
	e := newEnv(t, msgs, 100, &fakeGateway{fn: acceptAll})
	e.d.Tenants = &fakeTenants{tenant: &model.Tenant{ID: 7, Status: "suspended"}}

	e.d.Process(context.Background(), queue.Delivery{Job: testJob("c1", msgs, 0)})

	assert.Zero(t, e.gw.calls)
	assert.Equal(t, 1, e.jobs.committed)
	assert.Len(t, e.msgs.failed, 4)
	for _, reason := range e.msgs.failed {
		assert.Equal(t, ReasonInactiveTenant, reason)
	}
	assert.Equal(t, int64(100), e.credits.balance)
}

func TestProcessRateLimitedRequeues(t *testing.T) {
	msgs := testMessages("c1", 7, 5)
	e := newEnv(t, msgs, 100, &fakeGateway{fn: acceptAll})
	e.d.Limiter = denyAll{scope: ratelimit.ScopeTenant}

	e.d.Process(context.Background(), queue.Delivery{Job: testJob("c1", msgs, 0)})

	assert.Zero(t, e.gw.calls)
	assert.Equal(t, int64(100), e.credits.balance, "no debit before admission")
	require.Len(t, e.jobs.requeued, 1)
	assert.Equal(t, 1, e.jobs.committed)
	assert.Len(t, e.msgs.retryBumps, 5)
}

func TestProcessPartialFailureRefundsOnlyRejected(t *testing.T) {
	msgs := testMessages("c1", 7, 10)
	reject := msgs[3].ID
	gw := &fakeGateway{fn: func(bulk []gateway.BulkMessage) (*gateway.BulkResponse, error) {
		resp := &gateway.BulkResponse{BatchID: "gw-batch-2"}
		for _, m := range bulk {
			r := gateway.BulkResult{TraceID: m.TraceID, GatewayMessageID: "gw-" + m.TraceID, Accepted: true}
			if m.TraceID == reject {
				r = gateway.BulkResult{TraceID: m.TraceID, Accepted: false, ErrorCode: "invalid_destination"}
			}
			resp.Results = append(resp.Results, r)
		}
		return resp, nil
	}}
	e := newEnv(t, msgs, 100, gw)

	e.d.Process(context.Background(), queue.Delivery{Job: testJob("c1", msgs, 0)})

	require.Len(t, e.credits.settles, 1)
	s := e.credits.settles[0]
	assert.Len(t, s.Sent, 9)
	require.Len(t, s.Failed, 1)
	assert.Equal(t, reject, s.Failed[0].ID)
	assert.Equal(t, "invalid_destination", s.Failed[0].Reason)
	// 10 debited, exactly 1 refunded
	assert.Equal(t, int64(91), e.credits.balance)
	assert.Equal(t, 1, e.jobs.committed)
}

func TestProcessMissingResultTreatedAsRejected(t *testing.T) {
	msgs := testMessages("c1", 7, 3)
	dropped := msgs[2].ID
	gw := &fakeGateway{fn: func(bulk []gateway.BulkMessage) (*gateway.BulkResponse, error) {
		resp := &gateway.BulkResponse{BatchID: "gw-batch-3"}
		for _, m := range bulk {
			if m.TraceID == dropped {
				continue // gateway silently omits one result
			}
			resp.Results = append(resp.Results, gateway.BulkResult{
				TraceID: m.TraceID, GatewayMessageID: "gw-" + m.TraceID, Accepted: true,
			})
		}
		return resp, nil
	}}
	e := newEnv(t, msgs, 100, gw)

	e.d.Process(context.Background(), queue.Delivery{Job: testJob("c1", msgs, 0)})

	require.Len(t, e.credits.settles, 1)
	s := e.credits.settles[0]
	assert.Len(t, s.Sent, 2)
	require.Len(t, s.Failed, 1)
	assert.Equal(t, dropped, s.Failed[0].ID)
	assert.Equal(t, gateway.CodeRejected, s.Failed[0].Reason)
	assert.Equal(t, int64(98), e.credits.balance)
}

func TestProcessRetryableGatewayErrorKeepsReservation(t *testing.T) {
	msgs := testMessages("c1", 7, 5)
	calls := 0
	gw := &fakeGateway{fn: func(bulk []gateway.BulkMessage) (*gateway.BulkResponse, error) {
		calls++
		if calls == 1 {
			return nil, &gateway.Error{Kind: gateway.KindRetryable, Code: gateway.CodeTransient, Status: 503}
		}
		return acceptAll(bulk)
	}}
	e := newEnv(t, msgs, 100, gw)
	job := testJob("c1", msgs, 0)

	e.d.Process(context.Background(), queue.Delivery{Job: job})

	assert.Equal(t, int64(95), e.credits.balance, "reservation survives the retryable failure")
	require.Len(t, e.jobs.requeued, 1)
	assert.Empty(t, e.credits.settles)

	// redelivery succeeds without a second debit
	redelivered := e.jobs.requeued[0]
	redelivered.NotBefore = time.Time{}
	e.d.Process(context.Background(), queue.Delivery{Job: redelivered})

	assert.Equal(t, int64(95), e.credits.balance, "exactly one debit across both attempts")
	require.Len(t, e.credits.settles, 1)
	assert.Len(t, e.credits.settles[0].Sent, 5)
}

func TestProcessNonRetryableGatewayErrorFailsAndRefunds(t *testing.T) {
	msgs := testMessages("c1", 7, 5)
	gw := &fakeGateway{fn: func(bulk []gateway.BulkMessage) (*gateway.BulkResponse, error) {
		return nil, &gateway.Error{Kind: gateway.KindNonRetryable, Code: gateway.CodeRejected, Status: 400}
	}}
	e := newEnv(t, msgs, 100, gw)

	e.d.Process(context.Background(), queue.Delivery{Job: testJob("c1", msgs, 0)})

	assert.Empty(t, e.jobs.requeued)
	assert.Equal(t, 1, e.jobs.committed)
	require.Len(t, e.credits.settles, 1)
	assert.Len(t, e.credits.settles[0].Failed, 5)
	assert.Equal(t, int64(100), e.credits.balance, "all reserved credits refunded")
}

func TestProcessExhaustedRetriesDeadLetters(t *testing.T) {
	msgs := testMessages("c1", 7, 5)
	gw := &fakeGateway{fn: func(bulk []gateway.BulkMessage) (*gateway.BulkResponse, error) {
		return nil, &gateway.Error{Kind: gateway.KindRetryable, Code: gateway.CodeTransient, Status: 503}
	}}
	e := newEnv(t, msgs, 100, gw)

	// final attempt: attempt+1 == MaxAttempts
	job := testJob("c1", msgs, 2)
	e.d.Process(context.Background(), queue.Delivery{Job: job})

	assert.Empty(t, e.jobs.requeued)
	require.Len(t, e.jobs.dead, 1)
	require.Len(t, e.deadJobs.rows, 1)
	assert.Equal(t, 1, e.jobs.committed)
	require.Len(t, e.credits.settles, 1)
	for _, f := range e.credits.settles[0].Failed {
		assert.Equal(t, ReasonExhaustedRetries, f.Reason)
	}
	assert.Equal(t, int64(100), e.credits.balance, "reserved credits come back on dead-letter")
}

func TestProcessRateLimitedToExhaustionRefundsNothing(t *testing.T) {
	msgs := testMessages("c1", 7, 5)
	e := newEnv(t, msgs, 100, &fakeGateway{fn: acceptAll})
	e.d.Limiter = denyAll{scope: ratelimit.ScopeAccount}

	// final attempt denied admission: messages fail, but nothing was
	// ever reserved, so no refund may be minted
	job := testJob("c1", msgs, 2)
	e.d.Process(context.Background(), queue.Delivery{Job: job})

	require.Len(t, e.jobs.dead, 1)
	assert.Equal(t, int64(100), e.credits.balance)
	require.Len(t, e.credits.settles, 1)
	assert.Len(t, e.credits.settles[0].Failed, 5)
}

func TestProcessEmptyBatchAcks(t *testing.T) {
	e := newEnv(t, nil, 100, &fakeGateway{fn: acceptAll})
	job := model.BatchJob{
		CampaignID:     "c1",
		MessageIDs:     []string{"gone-1", "gone-2"},
		IdempotencyKey: model.BatchKey("c1", 0),
	}

	e.d.Process(context.Background(), queue.Delivery{Job: job})

	assert.Equal(t, 1, e.jobs.committed)
	assert.Zero(t, e.gw.calls)
	assert.Empty(t, e.credits.settles)
}

func TestProcessWaitsForNotBefore(t *testing.T) {
	msgs := testMessages("c1", 7, 1)
	e := newEnv(t, msgs, 100, &fakeGateway{fn: acceptAll})
	job := testJob("c1", msgs, 1)
	job.NotBefore = time.Now().Add(30 * time.Millisecond)

	start := time.Now()
	e.d.Process(context.Background(), queue.Delivery{Job: job})

	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, 1, e.jobs.committed)
}

func TestSplitOutcomes(t *testing.T) {
	msgs := testMessages("c1", 7, 3)
	resp := &gateway.BulkResponse{
		BatchID: "b",
		Results: []gateway.BulkResult{
			{TraceID: msgs[0].ID, GatewayMessageID: "g0", Accepted: true},
			{TraceID: msgs[1].ID, Accepted: false}, // no error code from gateway
		},
	}

	sent, failed := splitOutcomes(msgs, resp)

	require.Len(t, sent, 1)
	assert.Equal(t, "g0", sent[0].GatewayMessageID)
	require.Len(t, failed, 2)
	assert.Equal(t, gateway.CodeRejected, failed[0].Reason)
	assert.Equal(t, gateway.CodeRejected, failed[1].Reason)
}
