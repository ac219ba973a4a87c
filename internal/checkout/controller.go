package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/qs3c/chat_billing_server/config"
)

var (
	ErrPurchaseInProgress = errors.New("a purchase is already in progress")
	ErrNotAuthenticated   = errors.New("an authenticated account with an email is required")
	ErrMissingPlan        = errors.New("plan name is required")
)

const (
	reasonTimeout         = "payment verification timed out"
	reasonSessionExpired  = "payment session expired"
	reasonPaymentFailed   = "payment failed"
	reasonTrialUsed       = "trial already used"
	reasonCreateFailed    = "failed to create payment session"
	reasonPersistFailed   = "failed to persist payment session"
	reasonWidgetFailed    = "failed to open payment widget"
	messageActivated      = "subscription activated"
	defaultPollInterval   = 3 * time.Second
	defaultMaxPolls       = 40
	defaultRateLimitDelay = 10 * time.Second
)

// Options 轮询与激活参数
type Options struct {
	PollInterval     time.Duration
	MaxPollAttempts  int
	RateLimitBackoff time.Duration
	SettleDelay      time.Duration
	SuccessRedirect  string
}

func OptionsFromConfig(cfg config.PaymentConfig) Options {
	return Options{
		PollInterval:     cfg.PollInterval,
		MaxPollAttempts:  cfg.MaxPollAttempts,
		RateLimitBackoff: cfg.RateLimitBackoff,
		SettleDelay:      cfg.SettleDelay,
		SuccessRedirect:  cfg.SuccessRedirect,
	}
}

// Dependencies 外部协作者。Notifier、Refresher、Redirector 可为空
type Dependencies struct {
	API        PaymentAPI
	Store      SessionStore
	Widget     Widget
	Accounts   AccountProvider
	Notifier   Notifier
	Refresher  SessionRefresher
	Redirector Redirector
}

// Controller 驱动一次订阅/试用购买直到终态
//
// 每次 Subscribe/StartTrial/Recover 开启一个新的尝试，旧尝试的回调和轮询结果一律丢弃；
// 同一时间最多一个轮询循环，每个尝试只发出一次终态。
type Controller struct {
	deps   Dependencies
	opts   Options
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	state    PurchaseState
	session  *Session
	attempt  uint64
	terminal bool
	busy     bool // start 或 Recover 执行中
	polling  bool

	emitMu    sync.Mutex // 保护 listeners 与待分发队列，回调期间不持有
	listeners []Listener
	pending   []PurchaseState
	emitting  bool

	loops sync.WaitGroup
}

func NewController(deps Dependencies, opts Options) *Controller {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.MaxPollAttempts <= 0 {
		opts.MaxPollAttempts = defaultMaxPolls
	}
	if opts.RateLimitBackoff <= 0 {
		opts.RateLimitBackoff = defaultRateLimitDelay
	}
	return &Controller{
		deps:   deps,
		opts:   opts,
		logger: log.With().Str("component", "checkout").Logger(),
		now:    time.Now,
		state:  PurchaseState{State: StateIdle},
	}
}

// AddListener 注册状态监听
func (c *Controller) AddListener(l Listener) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.listeners = append(c.listeners, l)
}

// State 当前状态快照
func (c *Controller) State() PurchaseState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Wait 等待后台轮询结束
func (c *Controller) Wait() {
	c.loops.Wait()
}

// Reset 放弃当前尝试的界面状态，回到 idle；不影响持久化会话
func (c *Controller) Reset() error {
	c.mu.Lock()
	if c.busy || c.polling {
		c.mu.Unlock()
		return ErrPurchaseInProgress
	}
	c.attempt++
	attempt := c.attempt
	c.terminal = false
	c.session = nil
	c.mu.Unlock()

	c.dispatch(attempt, false, func(s *PurchaseState) {
		*s = PurchaseState{State: StateIdle}
	})
	return nil
}

// Subscribe 购买套餐
func (c *Controller) Subscribe(ctx context.Context, planName string) error {
	return c.start(ctx, ModeSubscription, planName)
}

// StartTrial 开始试用
func (c *Controller) StartTrial(ctx context.Context, planName string) error {
	return c.start(ctx, ModeTrial, planName)
}

func (c *Controller) start(ctx context.Context, mode Mode, planName string) error {
	planName = strings.TrimSpace(planName)
	if planName == "" {
		return ErrMissingPlan
	}

	account, err := c.deps.Accounts.Current(ctx)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	if account == nil || account.Email == "" {
		return ErrNotAuthenticated
	}

	attempt, err := c.begin()
	if err != nil {
		return err
	}
	defer c.end()

	c.dispatch(attempt, false, func(s *PurchaseState) {
		*s = PurchaseState{State: StateStarting, SelectedPlan: planName, LoadingPlan: planName}
	})

	var intent *Intent
	if mode == ModeTrial {
		intent, err = c.deps.API.CreateTrialIntent(ctx, planName)
	} else {
		intent, err = c.deps.API.CreateIntent(ctx, planName)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		reason := reasonCreateFailed
		if errors.Is(err, ErrTrialAlreadyUsed) {
			reason = reasonTrialUsed
		}
		c.logger.Warn().Err(err).Str("plan", planName).Str("mode", string(mode)).Msg("create payment intent failed")
		if c.finish(ctx, attempt, StateFailed, reason, false) {
			c.notifyError(reason)
		}
		return err
	}

	// 打开组件前先落盘，组件打开后进程崩溃也能恢复
	session := &Session{ID: intent.SessionID, ExpiresAt: intent.ExpiresAt.Time, PlanName: planName}
	if err := c.deps.Store.Save(ctx, session); err != nil {
		c.logger.Error().Err(err).Str("session_id", session.ID).Msg("persist payment session failed")
		if c.finish(ctx, attempt, StateFailed, reasonPersistFailed, false) {
			c.notifyError(reasonPersistFailed)
		}
		return err
	}

	c.mu.Lock()
	stored := *session
	c.session = &stored
	c.mu.Unlock()
	c.dispatch(attempt, false, func(s *PurchaseState) {
		s.SessionID = session.ID
	})

	params := PayParams{
		SessionID: session.ID,
		PlanName:  planName,
		AccountID: account.ID,
		Email:     account.Email,
	}
	if err := c.deps.Widget.Pay(mode, params, c.callbacks(ctx, attempt)); err != nil {
		c.logger.Error().Err(err).Str("session_id", session.ID).Msg("open payment widget failed")
		if c.finish(ctx, attempt, StateFailed, reasonWidgetFailed, true) {
			c.notifyError(reasonWidgetFailed)
		}
		return err
	}

	c.checkpoint(ctx, attempt)
	return nil
}

// checkpoint 组件已打开，标记会话为有效尝试
func (c *Controller) checkpoint(ctx context.Context, attempt uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// 回调可能已在 Pay 内同步触发终态并清除会话
	if attempt != c.attempt || c.terminal || c.session == nil {
		return
	}
	c.session.WidgetOpened = true
	opened := *c.session
	if err := c.deps.Store.Save(ctx, &opened); err != nil {
		c.logger.Error().Err(err).Str("session_id", opened.ID).Msg("persist widget checkpoint failed")
	}
}

func (c *Controller) callbacks(ctx context.Context, attempt uint64) Callbacks {
	return Callbacks{
		OnSuccess: func() {
			if ctx.Err() != nil {
				return
			}
			c.beginPolling(ctx, attempt)
		},
		OnFail: func(reason string) {
			if ctx.Err() != nil {
				return
			}
			if reason == "" {
				reason = reasonPaymentFailed
			}
			if c.finish(ctx, attempt, StateFailed, reason, true) {
				c.notifyError(reason)
			}
		},
		OnComplete: func() {
			if ctx.Err() != nil {
				return
			}
			c.widgetClosed(attempt)
		},
	}
}

// widgetClosed 组件关闭但结果未知：重置界面，保留会话等待异步支付结果
func (c *Controller) widgetClosed(attempt uint64) {
	c.mu.Lock()
	if attempt != c.attempt || c.terminal || c.polling {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.dispatch(attempt, false, func(s *PurchaseState) {
		s.State = StateWidgetClosed
		s.LoadingPlan = ""
		s.Error = ""
	})
}

// beginPolling 启动轮询；已有轮询在运行时忽略
func (c *Controller) beginPolling(ctx context.Context, attempt uint64) bool {
	c.mu.Lock()
	if attempt != c.attempt || c.terminal {
		c.mu.Unlock()
		return false
	}
	if c.polling {
		c.mu.Unlock()
		c.logger.Info().Msg("payment status polling already active")
		return false
	}
	if c.session == nil {
		c.mu.Unlock()
		c.logger.Warn().Msg("no payment session to poll")
		return false
	}
	c.polling = true
	session := *c.session
	c.loops.Add(1)
	c.mu.Unlock()

	c.dispatch(attempt, false, func(s *PurchaseState) {
		s.State = StateVerifying
		s.LoadingPlan = ""
		s.SessionID = session.ID
		if s.SelectedPlan == "" {
			s.SelectedPlan = session.PlanName
		}
	})

	go func() {
		defer c.loops.Done()
		defer func() {
			c.mu.Lock()
			c.polling = false
			c.mu.Unlock()
		}()
		c.poll(ctx, attempt, session)
	}()
	return true
}

func (c *Controller) poll(ctx context.Context, attempt uint64, session Session) {
	logger := c.logger.With().Str("session_id", session.ID).Logger()

	polls := 0
	for polls < c.opts.MaxPollAttempts {
		if ctx.Err() != nil {
			return
		}
		if session.Expired(c.now()) {
			if c.finish(ctx, attempt, StateExpired, reasonSessionExpired, true) {
				c.notifyError(reasonSessionExpired)
			}
			return
		}

		status, err := c.deps.API.Status(ctx, session.ID)
		if ctx.Err() != nil {
			// 取消导致的请求中断不算失败
			return
		}
		if errors.Is(err, ErrRateLimited) {
			logger.Warn().Dur("backoff", c.opts.RateLimitBackoff).Msg("payment status rate limited")
			if !c.sleep(ctx, c.opts.RateLimitBackoff) {
				return
			}
			continue
		}

		polls++
		if err != nil {
			logger.Warn().Err(err).Int("attempt", polls).Msg("payment status check failed")
			if !c.sleep(ctx, c.opts.PollInterval) {
				return
			}
			continue
		}

		if !c.dispatch(attempt, false, func(s *PurchaseState) { s.RemoteStatus = status.Status }) {
			return
		}

		switch status.Status {
		case RemoteSucceeded:
			c.activate(ctx, attempt)
			return
		case RemoteFailed:
			reason := status.FailureReason
			if reason == "" {
				reason = reasonPaymentFailed
			}
			if c.finish(ctx, attempt, StateFailed, reason, true) {
				c.notifyError(reason)
			}
			return
		case RemoteExpired:
			if c.finish(ctx, attempt, StateExpired, reasonSessionExpired, true) {
				c.notifyError(reasonSessionExpired)
			}
			return
		}

		if polls >= c.opts.MaxPollAttempts {
			break
		}
		if !c.sleep(ctx, c.opts.PollInterval) {
			return
		}
	}

	// 超时不清除会话，可稍后恢复
	logger.Warn().Int("attempts", polls).Msg("payment verification timed out")
	if c.finish(ctx, attempt, StateFailed, reasonTimeout, false) {
		c.notifyError(reasonTimeout)
	}
}

// activate 等待权益生效后完成购买
func (c *Controller) activate(ctx context.Context, attempt uint64) {
	if !c.dispatch(attempt, false, func(s *PurchaseState) { s.State = StateActivating }) {
		return
	}
	if !c.sleep(ctx, c.opts.SettleDelay) {
		return
	}
	if !c.finish(ctx, attempt, StateSucceeded, "", true) {
		return
	}

	if c.deps.Notifier != nil {
		c.deps.Notifier.Success(messageActivated)
	}
	if c.deps.Refresher != nil {
		if err := c.deps.Refresher.Refresh(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("refresh session after payment failed")
		}
	}
	if c.deps.Redirector != nil && c.opts.SuccessRedirect != "" {
		c.deps.Redirector.Redirect(c.opts.SuccessRedirect)
	}
}

// Recover 启动时处理上次遗留的会话
func (c *Controller) Recover(ctx context.Context) (Recovery, error) {
	attempt, err := c.begin()
	if err != nil {
		return RecoveryNone, err
	}
	defer c.end()

	session, err := c.deps.Store.Load(ctx)
	if err != nil {
		return RecoveryNone, err
	}
	if session == nil {
		return RecoveryNone, nil
	}

	logger := c.logger.With().Str("session_id", session.ID).Logger()

	// 组件从未打开：只是创建了意图，不发起网络请求直接丢弃
	if !session.WidgetOpened {
		logger.Info().Msg("discarding payment session that never opened the widget")
		return RecoveryStale, c.clearStore(ctx)
	}
	if session.Expired(c.now()) {
		logger.Info().Time("expires_at", session.ExpiresAt).Msg("discarding expired payment session")
		return RecoveryExpired, c.clearStore(ctx)
	}

	status, err := c.deps.API.Status(ctx, session.ID)
	if ctx.Err() != nil {
		return RecoveryNone, ctx.Err()
	}
	if err != nil {
		logger.Warn().Err(err).Msg("payment status unavailable, keeping session")
		return RecoveryDeferred, err
	}

	c.mu.Lock()
	c.session = session
	c.mu.Unlock()
	c.dispatch(attempt, false, func(s *PurchaseState) {
		*s = PurchaseState{
			State:        StateIdle,
			SelectedPlan: session.PlanName,
			SessionID:    session.ID,
			RemoteStatus: status.Status,
		}
	})

	switch status.Status {
	case RemoteSucceeded:
		c.activate(ctx, attempt)
		return RecoveryCompleted, nil
	case RemoteFailed:
		reason := status.FailureReason
		if reason == "" {
			reason = reasonPaymentFailed
		}
		if c.finish(ctx, attempt, StateFailed, reason, true) {
			c.notifyError(reason)
		}
		return RecoveryCompleted, nil
	case RemoteExpired:
		if c.finish(ctx, attempt, StateExpired, reasonSessionExpired, true) {
			c.notifyError(reasonSessionExpired)
		}
		return RecoveryCompleted, nil
	}

	if status.HasActivity {
		logger.Info().Str("remote_status", status.Status).Msg("resuming payment verification")
		c.beginPolling(ctx, attempt)
		return RecoveryResumed, nil
	}

	logger.Info().Str("remote_status", status.Status).Msg("discarding abandoned payment session")
	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
	return RecoveryAbandoned, c.clearStore(ctx)
}

// begin 开启新尝试
func (c *Controller) begin() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy || c.polling {
		return 0, ErrPurchaseInProgress
	}
	c.busy = true
	c.attempt++
	c.terminal = false
	c.session = nil
	return c.attempt, nil
}

func (c *Controller) end() {
	c.mu.Lock()
	c.busy = false
	c.mu.Unlock()
}

// dispatch 修改状态并按顺序通知监听者；attempt 已被替换或已到终态时丢弃（final 除外）
//
// 快照在 mu 内入队，保证分发顺序与修改顺序一致。已有 goroutine 在分发时只入队返回，
// 所以监听者里再调用 Reset 等变更方法不会死锁，新的快照在当前快照之后送达。
func (c *Controller) dispatch(attempt uint64, final bool, mutate func(*PurchaseState)) bool {
	c.mu.Lock()
	if attempt != c.attempt || (c.terminal && !final) {
		c.mu.Unlock()
		return false
	}
	mutate(&c.state)
	snapshot := c.state

	c.emitMu.Lock()
	c.pending = append(c.pending, snapshot)
	if c.emitting {
		c.emitMu.Unlock()
		c.mu.Unlock()
		return true
	}
	c.emitting = true
	c.emitMu.Unlock()
	c.mu.Unlock()

	c.drain()
	return true
}

// drain 依次分发待处理快照直到队列为空
func (c *Controller) drain() {
	for {
		c.emitMu.Lock()
		if len(c.pending) == 0 {
			c.emitting = false
			c.emitMu.Unlock()
			return
		}
		snapshot := c.pending[0]
		c.pending = c.pending[1:]
		listeners := c.listeners
		c.emitMu.Unlock()

		for _, l := range listeners {
			l(snapshot)
		}
	}
}

// finish 发出终态，每个尝试只生效一次
func (c *Controller) finish(ctx context.Context, attempt uint64, state State, reason string, clearSession bool) bool {
	c.mu.Lock()
	if attempt != c.attempt || c.terminal {
		c.mu.Unlock()
		return false
	}
	c.terminal = true
	if clearSession {
		c.session = nil
	}
	c.mu.Unlock()

	c.dispatch(attempt, true, func(s *PurchaseState) {
		s.State = state
		s.LoadingPlan = ""
		s.Error = reason
	})

	c.logger.Info().Str("state", string(state)).Str("reason", reason).Bool("session_cleared", clearSession).
		Msg("purchase attempt finished")

	if clearSession {
		if err := c.clearStore(ctx); err != nil {
			c.logger.Error().Err(err).Msg("clear payment session failed")
		}
	}
	return true
}

func (c *Controller) clearStore(ctx context.Context) error {
	return c.deps.Store.Clear(ctx)
}

func (c *Controller) notifyError(message string) {
	if c.deps.Notifier != nil {
		c.deps.Notifier.Error(message)
	}
}

// sleep 可取消的等待，返回 false 表示已取消
func (c *Controller) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
