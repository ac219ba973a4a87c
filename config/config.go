package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/qs3c/chat_billing_server/internal/pkg/period"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	Log      LogConfig      `mapstructure:"log"`
	CORS     CORSConfig     `mapstructure:"cors"`
	Billing  BillingConfig  `mapstructure:"billing"`
	Usage    UsageConfig    `mapstructure:"usage"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Cron     CronConfig     `mapstructure:"cron"`
	Payment  PaymentConfig  `mapstructure:"payment"`
	Internal InternalConfig `mapstructure:"internal"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"` // mysql, sqlite
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	Path         string `mapstructure:"path"` // sqlite 文件路径
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type JWTConfig struct {
	Secret      string `mapstructure:"secret"`
	ExpireHours int    `mapstructure:"expire_hours"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, console, auto
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
}

type BillingConfig struct {
	Plans map[string]PlanConfig `mapstructure:"plans"`
}

// PlanConfig 套餐定义，Tokens 为每个计费周期重置后的余额
type PlanConfig struct {
	DisplayName string `mapstructure:"display_name"`
	Tokens      int64  `mapstructure:"tokens"`
	PeriodType  string `mapstructure:"period_type"` // day, week, month, year
	PeriodCount int    `mapstructure:"period_count"`
	TrialDays   int    `mapstructure:"trial_days"`
	TrialTokens int64  `mapstructure:"trial_tokens"`
}

type UsageConfig struct {
	DefaultModel     string                  `mapstructure:"default_model"`
	Models           map[string]ModelPricing `mapstructure:"models"`
	ImageTokens      int64                   `mapstructure:"image_tokens"`
	SearchTokens     int64                   `mapstructure:"search_tokens"`
	AnalyticsTTLDays int                     `mapstructure:"analytics_ttl_days"`
}

type ModelPricing struct {
	Multiplier float64 `mapstructure:"multiplier"`  // 计费 token 倍率
	CostPer1K  float64 `mapstructure:"cost_per_1k"` // 每千 token 成本（美元）
}

type QueueConfig struct {
	UsageQueue string `mapstructure:"usage_queue"`
	MaxWorkers int    `mapstructure:"max_workers"`
}

type CronConfig struct {
	RenewalSchedule string `mapstructure:"renewal_schedule"`
}

// PaymentConfig 客户端支付会话相关配置
type PaymentConfig struct {
	APIBaseURL       string        `mapstructure:"api_base_url"`
	APIToken         string        `mapstructure:"api_token"`
	CheckoutURL      string        `mapstructure:"checkout_url"` // 支付页地址模板，%s 替换为会话 ID
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	MaxPollAttempts  int           `mapstructure:"max_poll_attempts"`
	RateLimitBackoff time.Duration `mapstructure:"rate_limit_backoff"`
	SettleDelay      time.Duration `mapstructure:"settle_delay"`
	SuccessRedirect  string        `mapstructure:"success_redirect"`
	SessionFile      string        `mapstructure:"session_file"`
}

type InternalConfig struct {
	Secret string `mapstructure:"secret"`
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("database.driver", "mysql")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "auto")
	viper.SetDefault("usage.analytics_ttl_days", 90)
	viper.SetDefault("queue.usage_queue", "usage_events")
	viper.SetDefault("queue.max_workers", 4)
	viper.SetDefault("cron.renewal_schedule", "@every 5m")
	viper.SetDefault("payment.request_timeout", "10s")
	viper.SetDefault("payment.poll_interval", "3s")
	viper.SetDefault("payment.max_poll_attempts", 40)
	viper.SetDefault("payment.rate_limit_backoff", "10s")
	viper.SetDefault("payment.settle_delay", "1500ms")
	viper.SetDefault("payment.session_file", ".checkout_session.json")
}

func Load(configPath string) (*Config, error) {
	// .env 仅用于本地开发，不存在时忽略
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	// 优先尝试读取 config.local.yaml（包含真实密钥，不提交到git）
	dir := filepath.Dir(configPath)
	localConfigPath := filepath.Join(dir, "config.local.yaml")

	if _, err := os.Stat(localConfigPath); err == nil {
		configPath = localConfigPath
	}

	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	setDefaults()

	// 环境变量覆盖
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate 校验计费相关配置
func (c *Config) Validate() error {
	var errs []error
	if len(c.Billing.Plans) == 0 {
		errs = append(errs, errors.New("billing.plans: at least one plan is required"))
	}
	for name, plan := range c.Billing.Plans {
		if plan.Tokens <= 0 {
			errs = append(errs, fmt.Errorf("billing.plans.%s.tokens must be positive", name))
		}
		if !period.Valid(plan.PeriodType) {
			errs = append(errs, fmt.Errorf("billing.plans.%s.period_type %q is not one of day/week/month/year", name, plan.PeriodType))
		}
		if plan.TrialTokens < 0 {
			errs = append(errs, fmt.Errorf("billing.plans.%s.trial_tokens must not be negative", name))
		}
	}
	if c.Payment.MaxPollAttempts <= 0 {
		errs = append(errs, errors.New("payment.max_poll_attempts must be positive"))
	}
	return errors.Join(errs...)
}

// Plan 按名称查找套餐
func (c *Config) Plan(name string) (PlanConfig, bool) {
	plan, ok := c.Billing.Plans[strings.ToLower(name)]
	return plan, ok
}
