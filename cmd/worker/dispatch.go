package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/smskit/campaign-dispatch/internal/config"
	"github.com/smskit/campaign-dispatch/internal/credit"
	"github.com/smskit/campaign-dispatch/internal/db"
	"github.com/smskit/campaign-dispatch/internal/gateway"
	"github.com/smskit/campaign-dispatch/internal/logger"
	"github.com/smskit/campaign-dispatch/internal/metrics"
	"github.com/smskit/campaign-dispatch/internal/queue"
	"github.com/smskit/campaign-dispatch/internal/ratelimit"
	"github.com/smskit/campaign-dispatch/internal/repository"
	"github.com/smskit/campaign-dispatch/internal/worker"
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Run the batch dispatch worker",
	RunE:  runDispatch,
}

func runDispatch(cmd *cobra.Command, args []string) error {
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

	// repositories (MySQL)
	messagesRepo := repository.NewMessagesRepository(dbx)
	tenantsRepo := repository.NewTenantsRepository(dbx)
	deadJobsRepo := repository.NewDeadJobsRepository(dbx)
	walletRepo := repository.NewWalletRepository()
	ledgerRepo := repository.NewLedgerRepository()

	// services
	credits := credit.NewService(dbx, walletRepo, ledgerRepo, messagesRepo, log)
	limiter := ratelimit.NewLimiter(ratelimit.NewRedisStore(rds), cfg.RateLimit, log)
	gw := gateway.NewHTTPClient(cfg.Gateway)

	// queue
	consumer := queue.NewConsumer(cfg.Kafka)
	defer consumer.Close()
	producer := queue.NewProducer(cfg.Kafka)
	defer producer.Close()
	jobs := queue.NewKafkaJobs(
		consumer,
		producer,
		cfg.Kafka.BatchTopic,
		cfg.Kafka.DeadTopic,
		cfg.Dispatch.BackoffBase,
		cfg.Dispatch.BackoffCap,
		log,
	)

	d := &worker.Dispatcher{
		Jobs:        jobs,
		Messages:    messagesRepo,
		Tenants:     tenantsRepo,
		DeadJobs:    deadJobsRepo,
		Credits:     credits,
		Limiter:     limiter,
		Gateway:     gw,
		Workers:     cfg.Dispatch.WorkerCount,
		MaxAttempts: cfg.Dispatch.MaxAttempts,
		Sender:      cfg.Gateway.Sender,
		Log:         log,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("dispatch worker started",
		zap.String("topic", cfg.Kafka.BatchTopic),
		zap.String("group", cfg.Kafka.GroupID),
		zap.Int("workers", d.Workers),
		zap.Int("max_attempts", d.MaxAttempts),
	)

	return d.Run(ctx)
}
