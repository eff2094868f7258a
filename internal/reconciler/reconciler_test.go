package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smskit/campaign-dispatch/internal/gateway"
	"github.com/smskit/campaign-dispatch/internal/model"
	"github.com/smskit/campaign-dispatch/internal/repository"
)

// fakeMessages keeps one status per gateway message id and enforces the
// same guard as the SQL: only sent rows can move.
type fakeMessages struct {
	status map[string]model.MessageStatus // gateway message id -> status
	stale  []model.CampaignMessage
}

func newFakeMessages() *fakeMessages {
	return &fakeMessages{status: make(map[string]model.MessageStatus)}
}

func (f *fakeMessages) InsertQueuedBatch(ctx context.Context, tx *sqlx.Tx, msgs []model.CampaignMessage) error {
	return nil
}
func (f *fakeMessages) QueuedIDs(ctx context.Context, campaignID string) ([]string, error) {
	return nil, nil
}
func (f *fakeMessages) StillQueued(ctx context.Context, ids []string) ([]model.CampaignMessage, error) {
	return nil, nil
}
func (f *fakeMessages) MarkSent(ctx context.Context, tx *sqlx.Tx, gatewayBatchID string, sent []repository.SentUpdate) error {
	return nil
}
func (f *fakeMessages) MarkFailed(ctx context.Context, tx *sqlx.Tx, ids []string, reason string) error {
	return nil
}
func (f *fakeMessages) IncrementRetry(ctx context.Context, ids []string) error { return nil }

func (f *fakeMessages) MarkDelivered(ctx context.Context, gatewayMessageID string, at time.Time) (bool, error) {
	if f.status[gatewayMessageID] != model.StatusSent {
		return false, nil
	}
	f.status[gatewayMessageID] = model.StatusDelivered
	return true, nil
}

func (f *fakeMessages) MarkDeliveryFailed(ctx context.Context, gatewayMessageID, reason string, at time.Time) (bool, error) {
	if f.status[gatewayMessageID] != model.StatusSent {
		return false, nil
	}
	f.status[gatewayMessageID] = model.StatusFailed
	return true, nil
}

func (f *fakeMessages) SentOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]model.CampaignMessage, error) {
	return f.stale, nil
}

func newTestReconciler(msgs *fakeMessages) *Reconciler {
	return &Reconciler{Messages: msgs, Log: zap.NewNop()}
}

func TestApplyReportDelivered(t *testing.T) {
	msgs := newFakeMessages()
	msgs.status["gw-1"] = model.StatusSent
	r := newTestReconciler(msgs)

	res, err := r.ApplyReport(context.Background(), model.DeliveryReport{
		GatewayMessageID: "gw-1",
		DeliveryState:    model.DeliveryDelivered,
		Timestamp:        time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, ResultApplied, res)
	assert.Equal(t, model.StatusDelivered, msgs.status["gw-1"])
}

func TestApplyReportFailureStates(t *testing.T) {
	for _, state := range []model.DeliveryState{
		model.DeliveryUndelivered, model.DeliveryExpired, model.DeliveryRejected,
	} {
		msgs := newFakeMessages()
		msgs.status["gw-1"] = model.StatusSent
		r := newTestReconciler(msgs)

		res, err := r.ApplyReport(context.Background(), model.DeliveryReport{
			GatewayMessageID: "gw-1",
			DeliveryState:    state,
		})
		require.NoError(t, err)
		assert.Equal(t, ResultApplied, res, "state %s", state)
		assert.Equal(t, model.StatusFailed, msgs.status["gw-1"])
	}
}

func TestApplyReportIdempotent(t *testing.T) {
	msgs := newFakeMessages()
	msgs.status["gw-1"] = model.StatusSent
	r := newTestReconciler(msgs)

	rep := model.DeliveryReport{GatewayMessageID: "gw-1", DeliveryState: model.DeliveryDelivered}

	res, err := r.ApplyReport(context.Background(), rep)
	require.NoError(t, err)
	assert.Equal(t, ResultApplied, res)

	// redelivered report: no transition, no error
	res, err = r.ApplyReport(context.Background(), rep)
	require.NoError(t, err)
	assert.Equal(t, ResultDuplicate, res)
	assert.Equal(t, model.StatusDelivered, msgs.status["gw-1"])
}

func TestApplyReportConflictingLateReportIgnored(t *testing.T) {
	msgs := newFakeMessages()
	msgs.status["gw-1"] = model.StatusSent
	r := newTestReconciler(msgs)

	_, err := r.ApplyReport(context.Background(), model.DeliveryReport{
		GatewayMessageID: "gw-1", DeliveryState: model.DeliveryDelivered,
	})
	require.NoError(t, err)

	// a late contradictory report must not move a terminal row
	res, err := r.ApplyReport(context.Background(), model.DeliveryReport{
		GatewayMessageID: "gw-1", DeliveryState: model.DeliveryRejected,
	})
	require.NoError(t, err)
	assert.Equal(t, ResultDuplicate, res)
	assert.Equal(t, model.StatusDelivered, msgs.status["gw-1"])
}

func TestApplyReportUnknownState(t *testing.T) {
	msgs := newFakeMessages()
	msgs.status["gw-1"] = model.StatusSent
	r := newTestReconciler(msgs)

	res, err := r.ApplyReport(context.Background(), model.DeliveryReport{
		GatewayMessageID: "gw-1", DeliveryState: "buffered",
	})
	require.NoError(t, err)
	assert.Equal(t, ResultUnknown, res)
	assert.Equal(t, model.StatusSent, msgs.status["gw-1"], "non-final state changes nothing")
}

func TestApplyReportUnknownMessageID(t *testing.T) {
	r := newTestReconciler(newFakeMessages())

	res, err := r.ApplyReport(context.Background(), model.DeliveryReport{
		GatewayMessageID: "never-issued", DeliveryState: model.DeliveryDelivered,
	})
	require.NoError(t, err)
	assert.Equal(t, ResultDuplicate, res)
}

// fakeGateway answers status polls from fixed maps and records the order
// of ids polled.
type fakeGateway struct {
	statuses map[string]model.DeliveryState
	errs     map[string]error
	polled   []string
}

func (f *fakeGateway) BulkSend(ctx context.Context, msgs []gateway.BulkMessage) (*gateway.BulkResponse, error) {
	return nil, nil
}

func (f *fakeGateway) GetStatus(ctx context.Context, gatewayMessageID string) (model.DeliveryState, error) {
	f.polled = append(f.polled, gatewayMessageID)
	if err, ok := f.errs[gatewayMessageID]; ok {
		return "", err
	}
	return f.statuses[gatewayMessageID], nil
}

func gwID(s string) *string { return &s }

func staleSent(gatewayMessageID string) model.CampaignMessage {
	return model.CampaignMessage{
		ID:               "msg-" + gatewayMessageID,
		Status:           model.StatusSent,
		GatewayMessageID: gwID(gatewayMessageID),
	}
}

func TestTickSkipsPermanentlyRejectedID(t *testing.T) {
	msgs := newFakeMessages()
	msgs.status["gw-bad"] = model.StatusSent
	msgs.status["gw-ok"] = model.StatusSent
	// gw-bad is older, so it heads the stale batch on every tick
	msgs.stale = []model.CampaignMessage{staleSent("gw-bad"), staleSent("gw-ok")}

	gw := &fakeGateway{
		statuses: map[string]model.DeliveryState{"gw-ok": model.DeliveryDelivered},
		errs: map[string]error{
			"gw-bad": &gateway.Error{Kind: gateway.KindNonRetryable, Code: gateway.CodeRejected, Status: 404},
		},
	}

	r := &Reconciler{Messages: msgs, Gateway: gw, Log: zap.NewNop()}
	r.tick(context.Background())

	assert.Equal(t, []string{"gw-bad", "gw-ok"}, gw.polled,
		"a rejected id must not stop the batch")
	assert.Equal(t, model.StatusDelivered, msgs.status["gw-ok"])
	assert.Equal(t, model.StatusSent, msgs.status["gw-bad"])
}

func TestTickStopsOnTransientFault(t *testing.T) {
	msgs := newFakeMessages()
	msgs.status["gw-1"] = model.StatusSent
	msgs.status["gw-2"] = model.StatusSent
	msgs.stale = []model.CampaignMessage{staleSent("gw-1"), staleSent("gw-2")}

	gw := &fakeGateway{
		statuses: map[string]model.DeliveryState{"gw-2": model.DeliveryDelivered},
		errs: map[string]error{
			"gw-1": &gateway.Error{Kind: gateway.KindRetryable, Code: gateway.CodeTransient, Status: 503},
		},
	}

	r := &Reconciler{Messages: msgs, Gateway: gw, Log: zap.NewNop()}
	r.tick(context.Background())

	// a transient fault likely hits the whole batch; wait for the next tick
	assert.Equal(t, []string{"gw-1"}, gw.polled)
	assert.Equal(t, model.StatusSent, msgs.status["gw-2"])
}
