package service

import (
	"context"
	"errors"
	"sync"

	"gorm.io/gorm"

	"github.com/qs3c/chat_billing_server/config"
	"github.com/qs3c/chat_billing_server/internal/pkg/analytics"
	"github.com/qs3c/chat_billing_server/internal/pkg/metrics"
	"github.com/qs3c/chat_billing_server/internal/pkg/pubsub"
	"github.com/qs3c/chat_billing_server/internal/repository"
)

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []*pubsub.BalanceMessage
	err  error
}

func (n *recordingNotifier) PublishBalance(_ context.Context, msg *pubsub.BalanceMessage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
	return n.err
}

func (n *recordingNotifier) last() *pubsub.BalanceMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.msgs) == 0 {
		return nil
	}
	return n.msgs[len(n.msgs)-1]
}

type recordingAggregator struct {
	mu      sync.Mutex
	records []analytics.UsageRecord
	fail    bool
}

func (a *recordingAggregator) Add(_ context.Context, rec analytics.UsageRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail {
		return errors.New("redis unavailable")
	}
	a.records = append(a.records, rec)
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Billing: config.BillingConfig{
			Plans: map[string]config.PlanConfig{
				"basic": {DisplayName: "Basic", Tokens: 1000, PeriodType: "month", PeriodCount: 1, TrialDays: 7, TrialTokens: 200},
				"pro":   {DisplayName: "Pro", Tokens: 5000, PeriodType: "month", PeriodCount: 1},
				"daily": {DisplayName: "Daily", Tokens: 50, PeriodType: "day", PeriodCount: 1},
			},
		},
		Usage: config.UsageConfig{
			DefaultModel: "gpt-4o-mini",
			Models: map[string]config.ModelPricing{
				"gpt-4o-mini": {Multiplier: 1, CostPer1K: 0.5},
				"gpt-4o":      {Multiplier: 2, CostPer1K: 5},
				"claude":      {Multiplier: 1.1},
			},
			ImageTokens:  500,
			SearchTokens: 20,
		},
	}
}

func newLedger(db *gorm.DB) (*LedgerService, *recordingNotifier) {
	notifier := &recordingNotifier{}
	ledger := NewLedgerService(
		repository.NewAccountRepository(db),
		repository.NewTransactionRepository(db),
		notifier,
		metrics.Get(),
	)
	return ledger, notifier
}

func newSubscriptionService(db *gorm.DB, ledger *LedgerService) *SubscriptionService {
	return NewSubscriptionService(db, repository.NewSubscriptionRepository(db), ledger, testConfig(), metrics.Get())
}
