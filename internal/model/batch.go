package model

import (
	"fmt"
	"time"
)

// BatchJob is the queue payload for one bounded slice of a campaign.
// It is published once per chunk by the enqueuer and may be redelivered;
// every consumer must tolerate reprocessing.
type BatchJob struct {
	CampaignID     string   `json:"campaignId"`
	MessageIDs     []string `json:"messageIds"`
	Attempt        int      `json:"attempt"`
	IdempotencyKey string   `json:"idempotencyKey"`

	// NotBefore delays redelivered jobs (exponential backoff). Zero for
	// first delivery.
	NotBefore time.Time `json:"notBefore,omitempty"`
}

// BatchKey derives the deterministic idempotency key for the seq-th chunk
// of a campaign. Selection is ordered, so re-running the enqueuer yields
// identical keys.
func BatchKey(campaignID string, seq int) string {
	return fmt.Sprintf("%s:%d", campaignID, seq)
}

// DeadJob is a batch job that exhausted its retry budget, persisted for
// operator inspection.
type DeadJob struct {
	ID             int64     `db:"id"`
	CampaignID     string    `db:"campaign_id"`
	IdempotencyKey string    `db:"idempotency_key"`
	Attempts       int       `db:"attempts"`
	MessageCount   int       `db:"message_count"`
	LastError      string    `db:"last_error"`
	CreatedAt      time.Time `db:"created_at"`
}
