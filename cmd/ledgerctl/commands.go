package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/qs3c/chat_billing_server/internal/model"
	"github.com/qs3c/chat_billing_server/internal/pkg/cron"
	"github.com/qs3c/chat_billing_server/internal/pkg/jwt"
	"github.com/qs3c/chat_billing_server/internal/service"
)

var (
	createEmail   string
	createBalance int64

	creditReason string
	creditRef    string
	creditDesc   string

	resetRef string

	txnPage int
	txnSize int

	activateTrial bool
	activateRef   string

	cancelNow bool

	tokenHours int
)

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Account commands",
}

var accountCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an account",
	Example: `  ledgerctl account create --email alice@example.com
  ledgerctl account create --email bob@example.com --balance 5000`,
	RunE: func(cmd *cobra.Command, args []string) error {
		account, err := app.ledger.CreateAccount(cmd.Context(), createEmail, createBalance)
		if err != nil {
			return err
		}
		return printJSON(account)
	},
}

var accountShowCmd = &cobra.Command{
	Use:   "show <id|email>",
	Short: "Show an account and its current balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			account *model.Account
			err     error
		)
		if strings.Contains(args[0], "@") {
			account, err = app.ledger.AccountByEmail(args[0])
		} else {
			id, perr := parseID(args[0])
			if perr != nil {
				return perr
			}
			account, err = app.ledger.Balance(id)
		}
		if err != nil {
			return err
		}

		out := map[string]interface{}{"account": account}
		if sub, err := app.subscriptions.Current(account.ID); err == nil {
			out["subscription"] = service.NewSubscriptionSummary(sub)
		}
		return printJSON(out)
	},
}

var creditCmd = &cobra.Command{
	Use:   "credit <account-id> <amount>",
	Short: "Add tokens to a balance",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		amount, err := parseAmount(args[1])
		if err != nil {
			return err
		}
		res, err := app.ledger.Credit(cmd.Context(), service.CreditRequest{
			AccountID:   id,
			Amount:      amount,
			Reason:      creditReason,
			ReferenceID: creditRef,
			Description: creditDesc,
		})
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset <account-id> <balance>",
	Short: "Replace a balance with an absolute value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		balance, err := parseAmount(args[1])
		if err != nil {
			return err
		}
		res, err := app.ledger.Reset(cmd.Context(), service.ResetRequest{
			AccountID:   id,
			NewBalance:  balance,
			Reason:      model.ReferenceAdmin,
			ReferenceID: resetRef,
			Description: "manual reset",
		})
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var transactionsCmd = &cobra.Command{
	Use:     "transactions <account-id>",
	Aliases: []string{"txns"},
	Short:   "List ledger transactions, newest first",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		txns, total, err := app.ledger.Transactions(id, txnPage, txnSize)
		if err != nil {
			return err
		}
		return printJSON(map[string]interface{}{
			"total": total,
			"page":  txnPage,
			"items": txns,
		})
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay <account-id>",
	Short: "Replay the ledger from zero and compare with the stored balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		report, err := app.ledger.Replay(id)
		if err != nil {
			return err
		}
		if err := printJSON(report); err != nil {
			return err
		}
		if !report.Consistent {
			return fmt.Errorf("ledger for account %d is inconsistent", id)
		}
		return nil
	},
}

var activateCmd = &cobra.Command{
	Use:   "activate <account-id> <plan>",
	Short: "Activate a plan for an account",
	Example: `  ledgerctl activate 42 pro --payment-ref pi_123
  ledgerctl activate 42 basic --trial`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		res, err := app.subscriptions.Activate(cmd.Context(), service.ActivateRequest{
			AccountID:        id,
			PlanName:         args[1],
			Trial:            activateTrial,
			PaymentReference: activateRef,
		})
		if err != nil {
			return err
		}
		return printJSON(map[string]interface{}{
			"subscription": service.NewSubscriptionSummary(res.Subscription),
			"balance":      res.Balance,
		})
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <account-id>",
	Short: "Cancel the current subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		sub, err := app.subscriptions.Cancel(cmd.Context(), id, !cancelNow)
		if err != nil {
			return err
		}
		return printJSON(service.NewSubscriptionSummary(sub))
	},
}

var renewCmd = &cobra.Command{
	Use:   "renew",
	Short: "Run one subscription renewal pass now",
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := cron.NewService(app.subscriptions, app.cfg.Cron.RenewalSchedule).RunNow(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(report)
	},
}

var usageCmd = &cobra.Command{
	Use:   "usage <account-id>",
	Short: "Show usage analytics for the current billing period",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if app.aggregator == nil {
			return fmt.Errorf("usage analytics require redis")
		}
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		sub, err := app.subscriptions.Current(id)
		if err != nil {
			return err
		}
		summary, err := app.aggregator.Get(cmd.Context(), id, sub.CurrentPeriodStart)
		if err != nil {
			return err
		}
		return printJSON(map[string]interface{}{
			"period_start": sub.CurrentPeriodStart,
			"period_end":   sub.CurrentPeriodEnd,
			"usage":        summary,
		})
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token <account-id>",
	Short: "Issue an API token for an account (development)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		if _, err := app.ledger.Balance(id); err != nil {
			return err
		}
		hours := tokenHours
		if hours <= 0 {
			hours = app.cfg.JWT.ExpireHours
		}
		token, err := jwt.GenerateToken(id, app.cfg.JWT.Secret, hours)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	accountCreateCmd.Flags().StringVar(&createEmail, "email", "", "account email")
	accountCreateCmd.Flags().Int64Var(&createBalance, "balance", 0, "initial balance in tokens")
	_ = accountCreateCmd.MarkFlagRequired("email")
	accountCmd.AddCommand(accountCreateCmd)
	accountCmd.AddCommand(accountShowCmd)

	creditCmd.Flags().StringVar(&creditReason, "reason", model.ReferenceAdmin, "credit reason (admin, promotion, refund)")
	creditCmd.Flags().StringVar(&creditRef, "ref", "", "idempotency reference")
	creditCmd.Flags().StringVar(&creditDesc, "description", "", "transaction description")

	resetCmd.Flags().StringVar(&resetRef, "ref", "", "idempotency reference")

	transactionsCmd.Flags().IntVar(&txnPage, "page", 1, "page number")
	transactionsCmd.Flags().IntVar(&txnSize, "size", 20, "page size (max 100)")

	activateCmd.Flags().BoolVar(&activateTrial, "trial", false, "start the plan's trial instead of a paid period")
	activateCmd.Flags().StringVar(&activateRef, "payment-ref", "", "payment reference for paid activations")

	cancelCmd.Flags().BoolVar(&cancelNow, "now", false, "cancel immediately instead of at period end")

	tokenCmd.Flags().IntVar(&tokenHours, "hours", 0, "token lifetime in hours (defaults to jwt.expire_hours)")
}
