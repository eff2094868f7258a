package model

import "time"

type MessageStatus string

const (
	StatusQueued    MessageStatus = "queued"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusFailed    MessageStatus = "failed"
)

func (s MessageStatus) String() string {
	return string(s)
}

func (s MessageStatus) Valid() bool {
	return s == StatusQueued || s == StatusSent || s == StatusDelivered || s == StatusFailed
}

// Terminal reports whether a batch worker may no longer touch the message.
// Transitions are monotonic: queued -> sent|failed, sent -> delivered|failed.
func (s MessageStatus) Terminal() bool {
	return s == StatusSent || s == StatusDelivered || s == StatusFailed
}

// CampaignMessage is one (campaign, recipient) row in campaign_messages.
type CampaignMessage struct {
	ID               string        `db:"id"` // ULID
	CampaignID       string        `db:"campaign_id"`
	TenantID         int64         `db:"tenant_id"`
	Phone            string        `db:"phone"`
	Text             string        `db:"text"`
	Status           MessageStatus `db:"status"`
	GatewayBatchID   *string       `db:"gateway_batch_id"`
	GatewayMessageID *string       `db:"gateway_message_id"`
	RetryCount       int           `db:"retry_count"`
	LastError        *string       `db:"last_error"`
	SentAt           *time.Time    `db:"sent_at"`
	DeliveredAt      *time.Time    `db:"delivered_at"`
	FailedAt         *time.Time    `db:"failed_at"`
	CreatedAt        time.Time     `db:"created_at"`
	UpdatedAt        time.Time     `db:"updated_at"`
}
