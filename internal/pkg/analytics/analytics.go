package analytics

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	fieldTokens  = "tokens"
	fieldEvents  = "events"
	fieldCost    = "cost"
	prefixSource = "source:"
	prefixModel  = "model:"
)

// UsageRecord 一次用量入账后的统计增量
type UsageRecord struct {
	AccountID   int64
	PeriodStart time.Time
	Source      string
	Model       string
	Tokens      int64
	Cost        float64
}

// Summary 一个计费周期内的用量汇总
type Summary struct {
	Tokens   int64            `json:"tokens"`
	Events   int64            `json:"events"`
	Cost     float64          `json:"cost"`
	BySource map[string]int64 `json:"by_source"`
	ByModel  map[string]int64 `json:"by_model"`
}

// Aggregator 按账户 + 计费周期维护用量汇总（Redis hash），仅用于报表
type Aggregator struct {
	client *redis.Client
	ttl    time.Duration
}

func NewAggregator(client *redis.Client, ttl time.Duration) *Aggregator {
	return &Aggregator{client: client, ttl: ttl}
}

func Key(accountID int64, periodStart time.Time) string {
	return fmt.Sprintf("usage:agg:%d:%d", accountID, periodStart.Unix())
}

// Add 累加一次用量
func (a *Aggregator) Add(ctx context.Context, rec UsageRecord) error {
	key := Key(rec.AccountID, rec.PeriodStart)

	_, err := a.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, key, fieldTokens, rec.Tokens)
		pipe.HIncrBy(ctx, key, fieldEvents, 1)
		if rec.Source != "" {
			pipe.HIncrBy(ctx, key, prefixSource+rec.Source, rec.Tokens)
		}
		if rec.Model != "" {
			pipe.HIncrBy(ctx, key, prefixModel+rec.Model, rec.Tokens)
		}
		if rec.Cost > 0 {
			pipe.HIncrByFloat(ctx, key, fieldCost, rec.Cost)
		}
		if a.ttl > 0 {
			pipe.Expire(ctx, key, a.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("update usage aggregate: %w", err)
	}
	return nil
}

// Get 读取周期汇总，不存在时返回空汇总
func (a *Aggregator) Get(ctx context.Context, accountID int64, periodStart time.Time) (*Summary, error) {
	fields, err := a.client.HGetAll(ctx, Key(accountID, periodStart)).Result()
	if err != nil {
		return nil, fmt.Errorf("read usage aggregate: %w", err)
	}

	summary := &Summary{
		BySource: make(map[string]int64),
		ByModel:  make(map[string]int64),
	}
	for field, raw := range fields {
		switch {
		case field == fieldTokens:
			summary.Tokens, _ = strconv.ParseInt(raw, 10, 64)
		case field == fieldEvents:
			summary.Events, _ = strconv.ParseInt(raw, 10, 64)
		case field == fieldCost:
			summary.Cost, _ = strconv.ParseFloat(raw, 64)
		case strings.HasPrefix(field, prefixSource):
			n, _ := strconv.ParseInt(raw, 10, 64)
			summary.BySource[strings.TrimPrefix(field, prefixSource)] = n
		case strings.HasPrefix(field, prefixModel):
			n, _ := strconv.ParseInt(raw, 10, 64)
			summary.ByModel[strings.TrimPrefix(field, prefixModel)] = n
		}
	}
	return summary, nil
}
