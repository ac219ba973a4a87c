package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/qs3c/chat_billing_server/internal/pkg/queue"
	"github.com/qs3c/chat_billing_server/internal/repository"
	"github.com/qs3c/chat_billing_server/internal/service"
)

const (
	defaultPopTimeout  = 5 * time.Second
	defaultMaxAttempts = 3
	defaultRetryDelay  = 500 * time.Millisecond
	defaultConsumer    = "worker"
	settleTimeout      = 5 * time.Second
)

// UsageRecorder 用量入账
type UsageRecorder interface {
	Record(ctx context.Context, e service.UsageEvent) (*service.UsageResult, error)
}

// UsageQueue 用量队列，Reserve 取出的消息在 Ack 之前不会丢失
type UsageQueue interface {
	Reserve(ctx context.Context, consumer string, timeout time.Duration) (*queue.UsageMessage, error)
	Ack(ctx context.Context, consumer string, msg *queue.UsageMessage) error
	Requeue(ctx context.Context, consumer string, msg *queue.UsageMessage) error
	Restore(ctx context.Context, consumer string) (int, error)
	DeadLetter(ctx context.Context, msg *queue.UsageMessage, cause error) error
}

// Processor 消费用量队列并调用计量入账
type Processor struct {
	recorder    UsageRecorder
	queue       UsageQueue
	popTimeout  time.Duration
	maxAttempts int
	retryDelay  time.Duration
	consumer    string
}

// NewProcessor 创建用量处理器
func NewProcessor(recorder UsageRecorder, q UsageQueue) *Processor {
	return &Processor{
		recorder:    recorder,
		queue:       q,
		popTimeout:  defaultPopTimeout,
		maxAttempts: defaultMaxAttempts,
		retryDelay:  defaultRetryDelay,
		consumer:    defaultConsumer,
	}
}

// SetConsumerPrefix 设置 processing 列表的 consumer 前缀，多实例部署时应各不相同
func (p *Processor) SetConsumerPrefix(prefix string) {
	if prefix != "" {
		p.consumer = prefix
	}
}

// Process 处理一条用量消息
//
// 重复引用视为已入账；无法入账的消息（无订阅、余额为零、参数非法）直接进入死信队列；
// 其它错误按固定间隔重试，耗尽后进入死信队列。
func (p *Processor) Process(ctx context.Context, msg *queue.UsageMessage) error {
	_, err := p.process(ctx, msg)
	return err
}

// process 返回的 settled 表示消息已有最终结果（入账、重复、进入死信），可以确认
func (p *Processor) process(ctx context.Context, msg *queue.UsageMessage) (bool, error) {
	event := service.UsageEvent{
		AccountID:    msg.AccountID,
		Source:       msg.Source,
		Model:        msg.Model,
		InputTokens:  msg.InputTokens,
		OutputTokens: msg.OutputTokens,
		Count:        msg.Count,
		Tokens:       msg.Tokens,
		ReferenceID:  msg.ReferenceID,
		Metadata:     msg.Metadata,
	}

	logger := log.With().Int64("account_id", msg.AccountID).Str("reference_id", msg.ReferenceID).Logger()

	var err error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		var res *service.UsageResult
		res, err = p.recorder.Record(ctx, event)
		if err == nil {
			logger.Debug().Int64("tokens", res.Tokens).Bool("partial", res.Debit.Partial).Msg("usage recorded")
			return true, nil
		}
		if errors.Is(err, repository.ErrDuplicateReference) {
			logger.Debug().Msg("usage already recorded")
			return true, nil
		}
		if permanent(err) {
			break
		}
		// 关闭中断的消息不能进死信，交给调用方放回队列
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		logger.Warn().Err(err).Int("attempt", attempt).Msg("record usage failed, retrying")
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(p.retryDelay):
		}
	}

	logger.Error().Err(err).Msg("usage moved to dead letter queue")
	if dlErr := p.queue.DeadLetter(context.WithoutCancel(ctx), msg, err); dlErr != nil {
		logger.Error().Err(dlErr).Msg("dead letter push failed")
		return false, dlErr
	}
	return true, err
}

// Run 循环消费直到 ctx 取消
//
// 启动时先把本 consumer 上次遗留在 processing 列表中的消息放回队列；
// 未处理完的消息在退出前放回队列，由下一次 Reserve 重新取到。
func (p *Processor) Run(ctx context.Context, workerID int) error {
	consumer := fmt.Sprintf("%s:%d", p.consumer, workerID)
	logger := log.With().Int("worker_id", workerID).Str("consumer", consumer).Logger()
	logger.Info().Msg("usage worker started")

	if n, err := p.queue.Restore(ctx, consumer); err != nil {
		logger.Warn().Err(err).Msg("restore processing list failed")
	} else if n > 0 {
		logger.Info().Int("restored", n).Msg("requeued unfinished usage messages")
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("usage worker shutting down")
			return nil
		default:
		}

		msg, err := p.queue.Reserve(ctx, consumer, p.popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn().Err(err).Msg("reserve usage message failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.retryDelay):
			}
			continue
		}
		if msg == nil {
			continue // 超时，继续等待
		}

		settled, err := p.process(ctx, msg)
		if err != nil && ctx.Err() == nil {
			logger.Warn().Err(err).Str("reference_id", msg.ReferenceID).Msg("usage message not recorded")
		}

		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
		if settled {
			err = p.queue.Ack(sctx, consumer, msg)
		} else {
			err = p.queue.Requeue(sctx, consumer, msg)
		}
		cancel()
		if err != nil {
			// 留在 processing 列表中，下次启动时 Restore 放回
			logger.Error().Err(err).Bool("settled", settled).Str("reference_id", msg.ReferenceID).Msg("settle usage message failed")
		}
	}
}

func permanent(err error) bool {
	var insufficient *repository.InsufficientBalanceError
	return errors.As(err, &insufficient) ||
		errors.Is(err, service.ErrNoActiveSubscription) ||
		errors.Is(err, service.ErrEmptyUsage) ||
		errors.Is(err, service.ErrInvalidUsage) ||
		errors.Is(err, service.ErrUnknownSource) ||
		errors.Is(err, repository.ErrAccountNotFound) ||
		errors.Is(err, repository.ErrInvalidAmount)
}
