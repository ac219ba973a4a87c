package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/qs3c/chat_billing_server/config"
	"github.com/qs3c/chat_billing_server/internal/checkout"
	"github.com/qs3c/chat_billing_server/internal/database"
	"github.com/qs3c/chat_billing_server/internal/pkg/logging"
)

var (
	configPath string
	accountID  int64
	email      string
	useRedis   bool
)

var rootCmd = &cobra.Command{
	Use:          "checkout",
	Short:        "Buy or resume a subscription from the terminal",
	SilenceUsage: true,
}

var subscribeCmd = &cobra.Command{
	Use:   "subscribe <plan>",
	Short: "Start a paid subscription checkout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return purchase(cmd.Context(), checkout.ModeSubscription, args[0])
	},
}

var trialCmd = &cobra.Command{
	Use:   "trial <plan>",
	Short: "Start a free trial checkout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return purchase(cmd.Context(), checkout.ModeTrial, args[0])
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Recover a checkout left over from a previous run",
	RunE: func(cmd *cobra.Command, args []string) error {
		return resume(cmd.Context())
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the locally stored payment session",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		store, cleanup, err := sessionStore(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		session, err := store.Load(cmd.Context())
		if err != nil {
			return err
		}
		if session == nil {
			fmt.Println("no payment session")
			return nil
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(session)
	},
}

func init() {
	defaultID, _ := strconv.ParseInt(os.Getenv("CHECKOUT_ACCOUNT_ID"), 10, 64)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")
	rootCmd.PersistentFlags().Int64Var(&accountID, "account-id", defaultID, "account id (env CHECKOUT_ACCOUNT_ID)")
	rootCmd.PersistentFlags().StringVar(&email, "email", os.Getenv("CHECKOUT_EMAIL"), "account email (env CHECKOUT_EMAIL)")
	rootCmd.PersistentFlags().BoolVar(&useRedis, "redis", false, "keep the payment session in redis instead of a local file")

	rootCmd.AddCommand(subscribeCmd, trialCmd, resumeCmd, statusCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// sessionStore 默认写本地文件；--redis 时按账户保存在 Redis
func sessionStore(cfg *config.Config) (checkout.SessionStore, func(), error) {
	if !useRedis {
		return checkout.NewFileStore(cfg.Payment.SessionFile), func() {}, nil
	}
	if accountID <= 0 {
		return nil, nil, errors.New("--account-id is required with --redis")
	}
	rdb, err := database.NewRedis(&cfg.Redis)
	if err != nil {
		return nil, nil, err
	}
	return checkout.NewRedisStore(rdb, accountID), func() { rdb.Close() }, nil
}

func newController(cfg *config.Config, store checkout.SessionStore) *checkout.Controller {
	return checkout.NewController(checkout.Dependencies{
		API:        checkout.NewHTTPPaymentAPI(cfg.Payment.APIBaseURL, cfg.Payment.APIToken, cfg.Payment.RequestTimeout),
		Store:      store,
		Widget:     newTerminalWidget(cfg.Payment.CheckoutURL),
		Accounts:   flagAccount{id: accountID, email: email},
		Notifier:   consoleNotifier{out: os.Stdout, err: os.Stderr},
		Redirector: printRedirector{out: os.Stdout},
	}, checkout.OptionsFromConfig(cfg.Payment))
}

func setup() (*config.Config, checkout.SessionStore, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	logging.Init(logging.Config{Format: "console", Level: cfg.Log.Level, Component: "checkout"})

	store, cleanup, err := sessionStore(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, store, cleanup, nil
}

// watch 打印状态变化，返回的 channel 在终态或组件关闭时收到最后状态
func watch(c *checkout.Controller) <-chan checkout.PurchaseState {
	done := make(chan checkout.PurchaseState, 1)
	var last checkout.State
	c.AddListener(func(s checkout.PurchaseState) {
		if s.State != last {
			last = s.State
			log.Info().Str("state", string(s.State)).Str("plan", s.SelectedPlan).Str("remote_status", s.RemoteStatus).Msg("checkout state")
		}
		if s.State.Terminal() || s.State == checkout.StateWidgetClosed {
			select {
			case done <- s:
			default:
			}
		}
	})
	return done
}

func purchase(ctx context.Context, mode checkout.Mode, plan string) error {
	cfg, store, cleanup, err := setup()
	if err != nil {
		return err
	}
	defer cleanup()

	c := newController(cfg, store)
	done := watch(c)

	if mode == checkout.ModeTrial {
		err = c.StartTrial(ctx, plan)
	} else {
		err = c.Subscribe(ctx, plan)
	}
	if err != nil {
		return err
	}
	return await(ctx, c, done)
}

func resume(ctx context.Context) error {
	cfg, store, cleanup, err := setup()
	if err != nil {
		return err
	}
	defer cleanup()

	c := newController(cfg, store)
	done := watch(c)

	outcome, err := c.Recover(ctx)
	fmt.Printf("recovery: %s\n", outcome)
	if err != nil {
		return err
	}
	if outcome != checkout.RecoveryResumed {
		return nil
	}
	return await(ctx, c, done)
}

func await(ctx context.Context, c *checkout.Controller, done <-chan checkout.PurchaseState) error {
	select {
	case <-ctx.Done():
		c.Wait()
		fmt.Println("interrupted; run 'checkout resume' to continue verification")
		return nil
	case final := <-done:
		c.Wait()
		switch final.State {
		case checkout.StateSucceeded:
			return nil
		case checkout.StateWidgetClosed:
			fmt.Println("payment window closed; run 'checkout resume' later if you completed the payment")
			return nil
		default:
			return fmt.Errorf("checkout %s: %s", final.State, final.Error)
		}
	}
}
