package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/qs3c/chat_billing_server/config"
	"github.com/qs3c/chat_billing_server/internal/database"
	"github.com/qs3c/chat_billing_server/internal/pkg/analytics"
	"github.com/qs3c/chat_billing_server/internal/pkg/logging"
	"github.com/qs3c/chat_billing_server/internal/pkg/metrics"
	"github.com/qs3c/chat_billing_server/internal/pkg/pubsub"
	"github.com/qs3c/chat_billing_server/internal/pkg/queue"
	"github.com/qs3c/chat_billing_server/internal/repository"
	"github.com/qs3c/chat_billing_server/internal/service"
	"github.com/qs3c/chat_billing_server/internal/worker"
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
	logging.Init(logging.Config{Format: cfg.Log.Format, Level: cfg.Log.Level, Component: "worker"})

	// 初始化数据库
	db, err := database.Open(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect database")
	}
	log.Info().Msg("database connected")

	// 初始化 Redis
	rdb, err := database.NewRedis(&cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()
	log.Info().Msg("redis connected")

	m := metrics.Get()
	subRepo := repository.NewSubscriptionRepository(db)
	ledgerService := service.NewLedgerService(
		repository.NewAccountRepository(db),
		repository.NewTransactionRepository(db),
		pubsub.NewPublisher(rdb),
		m,
	)
	usageService := service.NewUsageService(
		ledgerService,
		subRepo,
		analytics.NewAggregator(rdb, time.Duration(cfg.Usage.AnalyticsTTLDays)*24*time.Hour),
		&cfg.Usage,
		m,
	)

	processor := worker.NewProcessor(usageService, queue.NewQueue(rdb, cfg.Queue.UsageQueue))
	// processing 列表按主机名区分，重启后只恢复本机遗留的消息
	if host, err := os.Hostname(); err == nil {
		processor.SetConsumerPrefix(host)
	}

	// 监听退出信号
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workers := cfg.Queue.MaxWorkers
	if workers < 1 {
		workers = 1
	}
	log.Info().Int("max_workers", workers).Str("queue", cfg.Queue.UsageQueue).Msg("worker started")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		workerID := i
		g.Go(func() error {
			return processor.Run(gctx, workerID)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("worker exited with error")
		os.Exit(1)
	}
	log.Info().Msg("worker shutdown complete")
}
