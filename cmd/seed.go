package cmd

import (
	"fmt"
	"log"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"github.com/smskit/campaign-dispatch/internal/config"
	"github.com/smskit/campaign-dispatch/internal/db"
	"github.com/smskit/campaign-dispatch/internal/model"
	"github.com/smskit/campaign-dispatch/internal/util"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with demo tenants and a queued campaign",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		sqlDB, err := db.NewMySQL(cfg.MySQL)
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer sqlDB.Close()

		log.Println(">> Seeding demo tenants...")
		if err := seedTenants(sqlDB); err != nil {
			return err
		}
		if err := ensureWallets(sqlDB); err != nil {
			return err
		}
		log.Println(">> Seeding demo campaign...")
		if err := seedCampaign(sqlDB); err != nil {
			return err
		}

		log.Println(">> Seed completed")
		return nil
	},
}

// seedTenants inserts deterministic demo tenants (idempotent).
func seedTenants(dbx *sqlx.DB) error {
	tenants := []model.Tenant{
		{Name: "Acme Corp", APIKey: "11111111111111111111111111111111", Status: "active"},
		{Name: "Foobar LLC", APIKey: "22222222222222222222222222222222", Status: "active"},
		{Name: "Beta Testers", APIKey: "33333333333333333333333333333333", Status: "active"},
		{Name: "Suspended Inc", APIKey: "44444444444444444444444444444444", Status: "suspended"},
	}

	// idempotent upsert based on api_key (UNIQUE)
	const q = `
INSERT INTO tenants
    (name, api_key, status, created_at, updated_at)
VALUES
    (?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
    name       = VALUES(name),
    status     = VALUES(status),
    updated_at = VALUES(updated_at)
`
	tx, err := dbx.Beginx()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	for _, t := range tenants {
		if _, err := tx.Exec(q, t.Name, t.APIKey, t.Status, now, now); err != nil {
			return fmt.Errorf("insert tenant %q: %w", t.Name, err)
		}
	}
	return tx.Commit()
}

// ensureWallets creates wallets for tenants who don't have one yet,
// with a starting grant of demo credits.
func ensureWallets(dbx *sqlx.DB) error {
	const q = `
INSERT INTO wallets (tenant_id, balance, updated_at)
SELECT t.id, 100000, NOW()
FROM tenants t
LEFT JOIN wallets w ON w.tenant_id = t.id
WHERE w.tenant_id IS NULL
`
	if _, err := dbx.Exec(q); err != nil {
		return fmt.Errorf("ensure wallets: %w", err)
	}
	return nil
}

// seedCampaign creates one queued demo campaign with a handful of
// queued messages for the first active tenant. Skipped when a demo
// campaign already exists.
func seedCampaign(dbx *sqlx.DB) error {
	var tenantID int64
	if err := dbx.Get(&tenantID, `SELECT id FROM tenants WHERE status = 'active' ORDER BY id LIMIT 1`); err != nil {
		return fmt.Errorf("pick tenant: %w", err)
	}

	var existing int
	if err := dbx.Get(&existing, `SELECT COUNT(*) FROM campaigns WHERE tenant_id = ? AND name = 'demo'`, tenantID); err != nil {
		return fmt.Errorf("check campaign: %w", err)
	}
	if existing > 0 {
		return nil
	}

	tx, err := dbx.Beginx()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	campaignID := util.NewID()
	if _, err := tx.Exec(`
		INSERT INTO campaigns (id, tenant_id, name, status, created_at, updated_at)
		VALUES (?, ?, 'demo', 'queued', ?, ?)
	`, campaignID, tenantID, now, now); err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}

	const mq = `
		INSERT INTO campaign_messages
		    (id, campaign_id, tenant_id, phone, text, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'queued', ?, ?)
	`
	for i := 0; i < 25; i++ {
		// raw operator-style input; rows are stored normalized
		phone := util.NormalizePhone(fmt.Sprintf("00 1 (555) 000-%04d", i))
		if _, err := tx.Exec(mq, util.NewID(), campaignID, tenantID, phone, "demo campaign message", now, now); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	log.Printf(">> demo campaign %s created with 25 queued messages", campaignID)
	return nil
}
