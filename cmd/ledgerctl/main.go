package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/qs3c/chat_billing_server/config"
	"github.com/qs3c/chat_billing_server/internal/database"
	"github.com/qs3c/chat_billing_server/internal/pkg/analytics"
	"github.com/qs3c/chat_billing_server/internal/pkg/logging"
	"github.com/qs3c/chat_billing_server/internal/pkg/pubsub"
	"github.com/qs3c/chat_billing_server/internal/repository"
	"github.com/qs3c/chat_billing_server/internal/service"
)

var (
	configPath string
	migrate    bool

	app *appContext
)

// appContext 子命令共用的依赖
type appContext struct {
	cfg           *config.Config
	db            *gorm.DB
	rdb           *redis.Client // 连接失败时为 nil
	ledger        *service.LedgerService
	subscriptions *service.SubscriptionService
	aggregator    *analytics.Aggregator
}

var rootCmd = &cobra.Command{
	Use:   "ledgerctl",
	Short: "Operate the token balance ledger",
	Long:  `Administrative commands for accounts, balances, subscriptions and ledger audits`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		app, err = bootstrap(configPath, migrate)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if app != nil && app.rdb != nil {
			app.rdb.Close()
		}
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")
	rootCmd.PersistentFlags().BoolVar(&migrate, "migrate", false, "run database migrations before the command")

	rootCmd.AddCommand(accountCmd)
	rootCmd.AddCommand(creditCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(transactionsCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(activateCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(renewCmd)
	rootCmd.AddCommand(usageCmd)
	rootCmd.AddCommand(tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func bootstrap(path string, runMigrations bool) (*appContext, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logging.Init(logging.Config{Format: "console", Level: cfg.Log.Level, Component: "ledgerctl"})

	db, err := database.Open(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if runMigrations {
		if err := database.AutoMigrate(db); err != nil {
			return nil, fmt.Errorf("migrate database: %w", err)
		}
	}

	a := &appContext{cfg: cfg, db: db}

	// Redis 只用于余额推送和用量报表，不可用时继续执行
	var notifier service.BalanceNotifier
	if rdb, err := database.NewRedis(&cfg.Redis); err != nil {
		log.Warn().Err(err).Msg("redis unavailable, balance updates will not be published")
	} else {
		a.rdb = rdb
		notifier = pubsub.NewPublisher(rdb)
		a.aggregator = analytics.NewAggregator(rdb, time.Duration(cfg.Usage.AnalyticsTTLDays)*24*time.Hour)
	}

	subRepo := repository.NewSubscriptionRepository(db)
	a.ledger = service.NewLedgerService(
		repository.NewAccountRepository(db),
		repository.NewTransactionRepository(db),
		notifier,
		nil,
	)
	a.subscriptions = service.NewSubscriptionService(db, subRepo, a.ledger, cfg, nil)
	return a, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid account id %q", s)
	}
	return id, nil
}

func parseAmount(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	return n, nil
}
