package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/qs3c/chat_billing_server/config"
	"github.com/qs3c/chat_billing_server/internal/api"
	"github.com/qs3c/chat_billing_server/internal/api/handler"
	"github.com/qs3c/chat_billing_server/internal/database"
	"github.com/qs3c/chat_billing_server/internal/pkg/analytics"
	"github.com/qs3c/chat_billing_server/internal/pkg/cron"
	"github.com/qs3c/chat_billing_server/internal/pkg/logging"
	"github.com/qs3c/chat_billing_server/internal/pkg/metrics"
	"github.com/qs3c/chat_billing_server/internal/pkg/pubsub"
	"github.com/qs3c/chat_billing_server/internal/pkg/queue"
	"github.com/qs3c/chat_billing_server/internal/pkg/ws"
	"github.com/qs3c/chat_billing_server/internal/repository"
	"github.com/qs3c/chat_billing_server/internal/service"
)

var configPath = flag.String("config", "config.yaml", "path to config file")

func main() {
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logging.Init(logging.Config{Format: cfg.Log.Format, Level: cfg.Log.Level, Component: "server"})

	// 初始化数据库
	db, err := database.Open(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect database")
	}
	if err := database.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate database")
	}
	log.Info().Str("driver", cfg.Database.Driver).Msg("database connected")

	// 初始化 Redis
	rdb, err := database.NewRedis(&cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()
	log.Info().Msg("redis connected")

	m := metrics.Get()
	publisher := pubsub.NewPublisher(rdb)
	usageQueue := queue.NewQueue(rdb, cfg.Queue.UsageQueue)
	aggregator := analytics.NewAggregator(rdb, time.Duration(cfg.Usage.AnalyticsTTLDays)*24*time.Hour)

	// 初始化 Repository
	accountRepo := repository.NewAccountRepository(db)
	txnRepo := repository.NewTransactionRepository(db)
	subRepo := repository.NewSubscriptionRepository(db)

	// 初始化 Service
	ledgerService := service.NewLedgerService(accountRepo, txnRepo, publisher, m)
	quotaService := service.NewQuotaService(accountRepo, subRepo, m)
	subscriptionService := service.NewSubscriptionService(db, subRepo, ledgerService, cfg, m)
	usageService := service.NewUsageService(ledgerService, subRepo, aggregator, &cfg.Usage, m)

	// WebSocket 推送：订阅余额变动并转发给在线连接
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := ws.NewHub()
	websocketHandler := handler.NewWebSocketHandler(hub, cfg.JWT.Secret, cfg.CORS.AllowedOrigins)
	go func() {
		err := pubsub.NewSubscriber(rdb).Subscribe(ctx, websocketHandler.ForwardBalance)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("balance subscriber stopped")
		}
	}()

	// 定时续期
	scheduler := cron.NewService(subscriptionService, cfg.Cron.RenewalSchedule)
	if err := scheduler.Start(); err != nil {
		log.Fatal().Err(err).Str("schedule", cfg.Cron.RenewalSchedule).Msg("failed to start cron")
	}

	// 初始化 Router
	router := api.NewRouter(
		handler.NewBalanceHandler(ledgerService),
		handler.NewQuotaHandler(quotaService),
		handler.NewUsageHandler(usageService, usageQueue),
		handler.NewSubscriptionHandler(subscriptionService),
		handler.NewInternalHandler(ledgerService, subscriptionService, txnRepo),
		websocketHandler,
		quotaService,
		cfg,
	)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router.Setup(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown failed")
	}
	hub.CloseAll()
	scheduler.Stop()
	log.Info().Msg("server stopped")
}
