package http

import (
	"context"
	"net/http"

	"github.com/bsm/redislock"
	"github.com/jmoiron/sqlx"
	echo "github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/smskit/campaign-dispatch/internal/config"
	"github.com/smskit/campaign-dispatch/internal/credit"
	"github.com/smskit/campaign-dispatch/internal/enqueue"
	"github.com/smskit/campaign-dispatch/internal/gateway"
	"github.com/smskit/campaign-dispatch/internal/http/middleware"
	"github.com/smskit/campaign-dispatch/internal/metrics"
	"github.com/smskit/campaign-dispatch/internal/reconciler"
	"github.com/smskit/campaign-dispatch/internal/repository"
)

type Server struct {
	e   *echo.Echo
	log *zap.Logger
}

func NewServer(cfg config.Config, mysqlDB, clickhouseDB *sqlx.DB, rds *redis.Client, logger *zap.Logger) *Server {
	// repos (MySQL)
	tenantsRepo := repository.NewTenantsRepository(mysqlDB)
	campaignsRepo := repository.NewCampaignsRepository(mysqlDB)
	messagesRepo := repository.NewMessagesRepository(mysqlDB)
	outboxRepo := repository.NewOutboxRepository(mysqlDB)
	walletRepo := repository.NewWalletRepository()
	ledgerRepo := repository.NewLedgerRepository()

	// repos (ClickHouse)
	chReportsRepo := repository.NewCHReportsRepository(clickhouseDB)

	// services
	enqueueSvc := enqueue.New(
		mysqlDB,
		campaignsRepo,
		messagesRepo,
		outboxRepo,
		cfg.Dispatch.BatchSize,
		cfg.Kafka.BatchTopic,
		logger,
	)
	creditSvc := credit.NewService(mysqlDB, walletRepo, ledgerRepo, messagesRepo, logger)
	rec := &reconciler.Reconciler{
		Messages: messagesRepo,
		Gateway:  gateway.NewHTTPClient(cfg.Gateway),
		Locker:   redislock.New(rds),
		Log:      logger,
	}

	// echo
	e := echo.New()
	e.HideBanner = true
	e.Use(echoMid.Recover(), echoMid.Logger())

	metrics.MustRegister(prometheus.DefaultRegisterer)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	// gateway-facing webhook, authenticated by shared token, not tenant key
	e.POST("/v1/dlr", dlrHandler(rec, cfg.Gateway.WebhookToken))

	// tenant API
	authMW := middleware.APIKeyMiddleware(tenantsRepo)
	v1 := e.Group("/v1", authMW)
	v1.POST("/campaigns/:id/enqueue", enqueueCampaignHandler(enqueueSvc, campaignsRepo))
	v1.POST("/wallet/topup", topupHandler(creditSvc))
	v1.GET("/reports/campaigns/:id", campaignReportHandler(chReportsRepo))

	return &Server{e: e, log: logger}
}

func (s *Server) Start(addr string) error {
	s.log.Info("http listening", zap.String("addr", addr))
	return s.e.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }
