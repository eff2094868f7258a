package model

import "time"

type CampaignStatus string

const (
	CampaignQueued     CampaignStatus = "queued"
	CampaignDispatched CampaignStatus = "dispatched"
	CampaignPaused     CampaignStatus = "paused"
)

func (s CampaignStatus) String() string { return string(s) }

// Campaign is owned by an external layer; the dispatch pipeline only reads
// its status (pause gates new enqueues, never in-flight batches) and its id.
type Campaign struct {
	ID        string         `db:"id"` // ULID
	TenantID  int64          `db:"tenant_id"`
	Name      string         `db:"name"`
	Status    CampaignStatus `db:"status"`
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt time.Time      `db:"updated_at"`
}
