package cron

import (
	"context"
	"sync"
	"time"

	robfig "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/qs3c/chat_billing_server/internal/service"
)

// 单次续期任务的超时
const renewalTimeout = 2 * time.Minute

// Renewer 周期续期
type Renewer interface {
	RenewDue(ctx context.Context) (*service.RenewalReport, error)
}

type Service struct {
	renewer  Renewer
	schedule string
	cron     *robfig.Cron
	ctx      context.Context
	cancel   context.CancelFunc
	running  sync.Mutex // 同一时刻只跑一轮续期
}

func NewService(renewer Renewer, schedule string) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	logger := cronLogger{logger: log.With().Str("component", "cron").Logger()}
	return &Service{
		renewer:  renewer,
		schedule: schedule,
		// Recover 必须在 SkipIfStillRunning 内层，否则 panic 后运行令牌不归还，之后每次都被跳过
		cron: robfig.New(robfig.WithChain(
			robfig.SkipIfStillRunning(logger),
			robfig.Recover(logger),
		)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start 注册并启动定时任务
func (s *Service) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.runRenewal); err != nil {
		return err
	}
	s.cron.Start()
	log.Info().Str("schedule", s.schedule).Msg("cron service started (subscription renewal)")
	return nil
}

// Stop 停止调度并等待正在执行的任务结束
func (s *Service) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	log.Info().Msg("cron service stopped")
}

func (s *Service) runRenewal() {
	ctx, cancel := context.WithTimeout(s.ctx, renewalTimeout)
	defer cancel()

	if _, err := s.RunNow(ctx); err != nil {
		log.Error().Err(err).Msg("subscription renewal failed")
	}
}

// RunNow 立即执行一轮续期（用于手动触发）
func (s *Service) RunNow(ctx context.Context) (*service.RenewalReport, error) {
	s.running.Lock()
	defer s.running.Unlock()
	return s.renewer.RenewDue(ctx)
}

// cronLogger 将 robfig/cron 的日志接入 zerolog
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
