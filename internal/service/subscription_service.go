package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/qs3c/chat_billing_server/config"
	"github.com/qs3c/chat_billing_server/internal/model"
	"github.com/qs3c/chat_billing_server/internal/pkg/metrics"
	"github.com/qs3c/chat_billing_server/internal/pkg/period"
	"github.com/qs3c/chat_billing_server/internal/repository"
)

var (
	ErrUnknownPlan             = errors.New("unknown plan")
	ErrTrialNotOffered         = errors.New("plan does not offer a trial")
	ErrTrialAlreadyUsed        = errors.New("trial already used")
	ErrMissingPaymentReference = errors.New("payment reference is required")
	ErrPaymentAlreadyApplied   = errors.New("payment already applied")
	ErrSubscriptionNotFound    = errors.New("subscription not found")
)

// 单次续期任务最多处理的订阅数，剩余的留给下一轮
const renewalBatchSize = 200

// SubscriptionSummary 对外展示的订阅摘要
type SubscriptionSummary struct {
	ID                 int64      `json:"id"`
	PlanName           string     `json:"plan_name"`
	Status             string     `json:"status"`
	CurrentPeriodStart time.Time  `json:"current_period_start"`
	CurrentPeriodEnd   time.Time  `json:"current_period_end"`
	CancelAtPeriodEnd  bool       `json:"cancel_at_period_end"`
	TrialEnd           *time.Time `json:"trial_end,omitempty"`
}

func NewSubscriptionSummary(sub *model.Subscription) *SubscriptionSummary {
	if sub == nil {
		return nil
	}
	return &SubscriptionSummary{
		ID:                 sub.ID,
		PlanName:           sub.PlanName,
		Status:             sub.Status,
		CurrentPeriodStart: sub.CurrentPeriodStart,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		TrialEnd:           sub.TrialEnd,
	}
}

type ActivateRequest struct {
	AccountID        int64
	PlanName         string
	Trial            bool
	PaymentReference string
}

type ActivateResult struct {
	Subscription *model.Subscription
	Balance      *repository.MutationResult
}

// RenewalReport 一轮续期的处理结果
type RenewalReport struct {
	Renewed   int `json:"renewed"`
	Cancelled int `json:"cancelled"`
	PastDue   int `json:"past_due"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

type SubscriptionService struct {
	db      *gorm.DB
	subs    *repository.SubscriptionRepository
	ledger  *LedgerService
	cfg     *config.Config
	metrics *metrics.BillingMetrics
	now     func() time.Time
}

func NewSubscriptionService(
	db *gorm.DB,
	subs *repository.SubscriptionRepository,
	ledger *LedgerService,
	cfg *config.Config,
	m *metrics.BillingMetrics,
) *SubscriptionService {
	return &SubscriptionService{
		db:      db,
		subs:    subs,
		ledger:  ledger,
		cfg:     cfg,
		metrics: m,
		now:     time.Now,
	}
}

// Activate 开通套餐：取消旧订阅、创建新周期并重置余额，三者在同一事务中提交
func (s *SubscriptionService) Activate(ctx context.Context, req ActivateRequest) (*ActivateResult, error) {
	planName := strings.ToLower(strings.TrimSpace(req.PlanName))
	plan, ok := s.cfg.Plan(planName)
	if !ok {
		return nil, ErrUnknownPlan
	}

	now := s.now()
	sub := &model.Subscription{
		AccountID:          req.AccountID,
		PlanName:           planName,
		PeriodType:         plan.PeriodType,
		PeriodCount:        plan.PeriodCount,
		CurrentPeriodStart: now,
		Status:             model.SubscriptionActive,
		PaymentReference:   req.PaymentReference,
	}

	reset := ResetRequest{
		AccountID: req.AccountID,
		PlanName:  planName,
	}

	if req.Trial {
		if plan.TrialDays <= 0 || plan.TrialTokens <= 0 {
			return nil, ErrTrialNotOffered
		}
		used, err := s.subs.HasUsedTrial(req.AccountID)
		if err != nil {
			return nil, err
		}
		if used {
			return nil, ErrTrialAlreadyUsed
		}
		trialEnd := now.AddDate(0, 0, plan.TrialDays)
		sub.PeriodType = period.Day
		sub.PeriodCount = plan.TrialDays
		sub.CurrentPeriodEnd = trialEnd
		sub.TrialEnd = &trialEnd

		reset.NewBalance = plan.TrialTokens
		reset.Reason = model.ReferenceTrial
		reset.ReferenceID = fmt.Sprintf("trial:%d", req.AccountID)
		reset.Description = fmt.Sprintf("%s trial", planName)
	} else {
		if req.PaymentReference == "" {
			return nil, ErrMissingPaymentReference
		}
		end, err := period.End(plan.PeriodType, plan.PeriodCount, now)
		if err != nil {
			return nil, err
		}
		sub.CurrentPeriodEnd = end

		reset.NewBalance = plan.Tokens
		reset.Reason = model.ReferencePayment
		reset.ReferenceID = req.PaymentReference
		reset.Description = fmt.Sprintf("%s plan activated", planName)
	}

	var result *repository.MutationResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		accounts := repository.NewAccountRepository(tx)
		if _, err := accounts.GetByID(req.AccountID); err != nil {
			return err
		}

		if err := repository.NewSubscriptionRepository(tx).Create(ctx, sub); err != nil {
			return err
		}

		reset.SubscriptionID = sub.ID
		res, err := s.ledger.reset(ctx, accounts, reset)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if errors.Is(err, repository.ErrDuplicateReference) {
		if req.Trial {
			err = ErrTrialAlreadyUsed
		} else {
			err = ErrPaymentAlreadyApplied
		}
	}
	s.ledger.afterReset(ctx, reset, result, err)
	if err != nil {
		return nil, err
	}

	log.Info().
		Int64("account_id", req.AccountID).
		Int64("subscription_id", sub.ID).
		Str("plan", planName).
		Bool("trial", req.Trial).
		Time("period_end", sub.CurrentPeriodEnd).
		Msg("subscription activated")

	return &ActivateResult{Subscription: sub, Balance: result}, nil
}

// Current 获取账户当前有效订阅
func (s *SubscriptionService) Current(accountID int64) (*model.Subscription, error) {
	sub, err := s.subs.GetCurrent(accountID, s.now())
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return sub, nil
}

// Cancel 取消当前订阅；atPeriodEnd 为 true 时保留到周期结束，由续期任务关闭
func (s *SubscriptionService) Cancel(ctx context.Context, accountID int64, atPeriodEnd bool) (*model.Subscription, error) {
	sub, err := s.Current(accountID)
	if err != nil {
		return nil, err
	}

	if atPeriodEnd {
		sub.CancelAtPeriodEnd = true
	} else {
		now := s.now()
		sub.Status = model.SubscriptionCancelled
		sub.CancelledAt = &now
	}

	if err := s.subs.Update(sub); err != nil {
		return nil, err
	}

	log.Info().
		Int64("account_id", accountID).
		Int64("subscription_id", sub.ID).
		Bool("at_period_end", atPeriodEnd).
		Msg("subscription cancelled")
	return sub, nil
}

// RenewDue 处理周期已结束的订阅
func (s *SubscriptionService) RenewDue(ctx context.Context) (*RenewalReport, error) {
	now := s.now()
	due, err := s.subs.ListDue(now, renewalBatchSize)
	if err != nil {
		return nil, err
	}

	report := &RenewalReport{}
	for _, sub := range due {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		outcome := s.renewOne(ctx, sub, now)
		switch outcome {
		case "renewed":
			report.Renewed++
		case "cancelled":
			report.Cancelled++
		case "past_due":
			report.PastDue++
		case "skipped":
			report.Skipped++
		default:
			report.Failed++
		}
		if s.metrics != nil {
			s.metrics.RecordRenewal(outcome)
		}
	}

	if len(due) > 0 {
		log.Info().
			Int("renewed", report.Renewed).
			Int("cancelled", report.Cancelled).
			Int("past_due", report.PastDue).
			Int("skipped", report.Skipped).
			Int("failed", report.Failed).
			Msg("renewal run finished")
	}
	return report, nil
}

func (s *SubscriptionService) renewOne(ctx context.Context, sub *model.Subscription, now time.Time) string {
	logger := log.With().Int64("subscription_id", sub.ID).Int64("account_id", sub.AccountID).Logger()

	if sub.CancelAtPeriodEnd {
		sub.Status = model.SubscriptionCancelled
		sub.CancelledAt = &now
		if err := s.subs.Update(sub); err != nil {
			logger.Error().Err(err).Msg("close cancelled subscription failed")
			return "failed"
		}
		return "cancelled"
	}

	plan, ok := s.cfg.Plan(sub.PlanName)
	if sub.IsTrial() || !ok {
		// 试用到期未转正，或套餐已下线
		if !ok {
			logger.Warn().Str("plan", sub.PlanName).Msg("plan no longer configured")
		}
		sub.Status = model.SubscriptionPastDue
		if err := s.subs.Update(sub); err != nil {
			logger.Error().Err(err).Msg("mark subscription past due failed")
			return "failed"
		}
		return "past_due"
	}

	// 停机期间可能错过多个周期，直接推进到包含 now 的周期
	start := sub.CurrentPeriodEnd
	end, err := period.End(sub.PeriodType, sub.PeriodCount, start)
	if err != nil {
		logger.Error().Err(err).Msg("compute period end failed")
		return "failed"
	}
	for !end.After(now) {
		start = end
		if end, err = period.End(sub.PeriodType, sub.PeriodCount, start); err != nil {
			logger.Error().Err(err).Msg("compute period end failed")
			return "failed"
		}
	}

	reset := ResetRequest{
		AccountID:      sub.AccountID,
		NewBalance:     plan.Tokens,
		Reason:         model.ReferenceRenewal,
		ReferenceID:    fmt.Sprintf("%d:%d", sub.ID, start.Unix()),
		PlanName:       sub.PlanName,
		SubscriptionID: sub.ID,
		Description:    fmt.Sprintf("%s plan renewed", sub.PlanName),
	}

	var result *repository.MutationResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res, err := s.ledger.reset(ctx, repository.NewAccountRepository(tx), reset)
		if err != nil {
			return err
		}
		sub.CurrentPeriodStart = start
		sub.CurrentPeriodEnd = end
		if err := repository.NewSubscriptionRepository(tx).Update(sub); err != nil {
			return err
		}
		result = res
		return nil
	})
	if errors.Is(err, repository.ErrDuplicateReference) {
		// 该周期已由其它实例续期
		logger.Debug().Str("reference_id", reset.ReferenceID).Msg("renewal already applied")
		return "skipped"
	}
	s.ledger.afterReset(ctx, reset, result, err)
	if err != nil {
		logger.Error().Err(err).Msg("renew subscription failed")
		return "failed"
	}
	return "renewed"
}
