package service

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/qs3c/chat_billing_server/config"
	"github.com/qs3c/chat_billing_server/internal/model"
	"github.com/qs3c/chat_billing_server/internal/pkg/analytics"
	"github.com/qs3c/chat_billing_server/internal/pkg/metrics"
	"github.com/qs3c/chat_billing_server/internal/repository"
)

// 计量来源
const (
	SourceText   = "text"
	SourceImage  = "image"
	SourceSearch = "search"
	SourceTokens = "tokens"
)

var (
	ErrNoActiveSubscription = errors.New("no active subscription, usage cannot be attributed")
	ErrEmptyUsage           = errors.New("usage amounts to zero tokens")
	ErrInvalidUsage         = errors.New("usage amounts must not be negative")
	ErrUnknownSource        = errors.New("unknown usage source")
)

// UsageAggregator 用量报表汇总，失败不影响扣费
type UsageAggregator interface {
	Add(ctx context.Context, rec analytics.UsageRecord) error
}

// UsageEvent 一次已完成的计量工作
type UsageEvent struct {
	AccountID    int64
	Source       string
	Model        string
	InputTokens  int64
	OutputTokens int64
	Count        int64 // image / search 次数
	Tokens       int64 // Source 为 tokens 时直接使用
	ReferenceID  string
	Metadata     map[string]interface{}
}

type UsageResult struct {
	ReferenceID    string                  `json:"reference_id"`
	Tokens         int64                   `json:"tokens"`
	Cost           float64                 `json:"cost"`
	SubscriptionID int64                   `json:"subscription_id"`
	Debit          *repository.DebitResult `json:"debit"`
}

type UsageService struct {
	ledger     *LedgerService
	subs       *repository.SubscriptionRepository
	aggregator UsageAggregator
	cfg        *config.UsageConfig
	metrics    *metrics.BillingMetrics
	now        func() time.Time
}

func NewUsageService(
	ledger *LedgerService,
	subs *repository.SubscriptionRepository,
	aggregator UsageAggregator,
	cfg *config.UsageConfig,
	m *metrics.BillingMetrics,
) *UsageService {
	return &UsageService{
		ledger:     ledger,
		subs:       subs,
		aggregator: aggregator,
		cfg:        cfg,
		metrics:    m,
		now:        time.Now,
	}
}

// Record 将计量工作折算为 token 并扣费
func (s *UsageService) Record(ctx context.Context, e UsageEvent) (*UsageResult, error) {
	if e.Source == "" {
		e.Source = SourceText
	}
	if e.Source == SourceText && e.Model == "" {
		e.Model = s.cfg.DefaultModel
	}

	tokens, err := s.Tokens(e)
	if err != nil {
		return nil, err
	}
	if tokens == 0 {
		return nil, ErrEmptyUsage
	}

	sub, err := s.subs.GetCurrent(e.AccountID, s.now())
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Error().Int64("account_id", e.AccountID).Str("source", e.Source).Int64("tokens", tokens).
				Msg("usage reported for account without active subscription")
			return nil, ErrNoActiveSubscription
		}
		return nil, err
	}

	if e.ReferenceID == "" {
		e.ReferenceID = uuid.NewString()
	}
	cost := s.cost(e.Model, tokens)

	meta := map[string]interface{}{}
	for k, v := range e.Metadata {
		meta[k] = v
	}
	meta["source"] = e.Source
	if e.Model != "" {
		meta["model"] = e.Model
	}
	meta["subscription_id"] = sub.ID
	meta["plan"] = sub.PlanName
	meta["period_start"] = sub.CurrentPeriodStart.Unix()
	if cost > 0 {
		meta["cost"] = cost
	}

	debit, err := s.ledger.Debit(ctx, DebitRequest{
		AccountID:     e.AccountID,
		Amount:        tokens,
		ReferenceType: model.ReferenceUsage,
		ReferenceID:   e.ReferenceID,
		Metadata:      meta,
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordUsageTokens(e.Source, e.Model, tokens)
	}

	if s.aggregator != nil {
		err := s.aggregator.Add(ctx, analytics.UsageRecord{
			AccountID:   e.AccountID,
			PeriodStart: sub.CurrentPeriodStart,
			Source:      e.Source,
			Model:       e.Model,
			Tokens:      tokens,
			Cost:        cost,
		})
		if err != nil {
			log.Warn().Err(err).Int64("account_id", e.AccountID).Str("reference_id", e.ReferenceID).
				Msg("usage analytics update failed")
		}
	}

	return &UsageResult{
		ReferenceID:    e.ReferenceID,
		Tokens:         tokens,
		Cost:           cost,
		SubscriptionID: sub.ID,
		Debit:          debit,
	}, nil
}

// Tokens 按来源折算计费 token
func (s *UsageService) Tokens(e UsageEvent) (int64, error) {
	if e.InputTokens < 0 || e.OutputTokens < 0 || e.Count < 0 || e.Tokens < 0 {
		return 0, ErrInvalidUsage
	}

	switch e.Source {
	case SourceText:
		raw := e.InputTokens + e.OutputTokens
		// 去掉浮点误差后向上取整，1000 × 1.1 计为 1100
		return int64(math.Ceil(float64(raw)*s.multiplier(e.Model) - 1e-9)), nil
	case SourceImage:
		return e.Count * s.cfg.ImageTokens, nil
	case SourceSearch:
		return e.Count * s.cfg.SearchTokens, nil
	case SourceTokens:
		return e.Tokens, nil
	default:
		return 0, ErrUnknownSource
	}
}

func (s *UsageService) multiplier(modelName string) float64 {
	pricing, ok := s.cfg.Models[strings.ToLower(modelName)]
	if !ok || pricing.Multiplier <= 0 {
		return 1
	}
	return pricing.Multiplier
}

// cost 估算成本，未配置单价时为 0
func (s *UsageService) cost(modelName string, tokens int64) float64 {
	pricing, ok := s.cfg.Models[strings.ToLower(modelName)]
	if !ok || pricing.CostPer1K <= 0 {
		return 0
	}
	return float64(tokens) / 1000 * pricing.CostPer1K
}
