package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bsm/redislock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/smskit/campaign-dispatch/internal/config"
	"github.com/smskit/campaign-dispatch/internal/db"
	"github.com/smskit/campaign-dispatch/internal/gateway"
	"github.com/smskit/campaign-dispatch/internal/logger"
	"github.com/smskit/campaign-dispatch/internal/metrics"
	"github.com/smskit/campaign-dispatch/internal/reconciler"
	"github.com/smskit/campaign-dispatch/internal/repository"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run the delivery status reconciler",
	RunE:  runReconcile,
}

func runReconcile(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(cfg.Log.Level)
	defer func() { _ = log.Sync() }()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	dbx, err := db.NewMySQL(cfg.MySQL)
	if err != nil {
		return fmt.Errorf("mysql connect: %w", err)
	}
	defer dbx.Close()

	rds, err := db.NewRedis(cfg.Redis)
	if err != nil {
		return fmt.Errorf("redis connect: %w", err)
	}
	defer func() { _ = rds.Close() }()

	rec := &reconciler.Reconciler{
		Messages:     repository.NewMessagesRepository(dbx),
		Gateway:      gateway.NewHTTPClient(cfg.Gateway),
		Locker:       redislock.New(rds),
		PollInterval: cfg.Reconciler.PollInterval,
		Grace:        cfg.Reconciler.Grace,
		BatchSize:    cfg.Reconciler.BatchSize,
		LockTTL:      cfg.Reconciler.LockTTL,
		Log:          log,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("reconciler started",
		zap.Duration("poll_interval", rec.PollInterval),
		zap.Duration("grace", rec.Grace),
	)

	return rec.Run(ctx)
}
