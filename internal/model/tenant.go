package model

import "time"

type Tenant struct {
	ID        int64     `db:"id"`
	Name      string    `db:"name"`
	APIKey    string    `db:"api_key"`
	Status    string    `db:"status"` // active|suspended
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (t *Tenant) Active() bool { return t != nil && t.Status == "active" }
