package checkout

import "context"

// Mode 支付模式
type Mode string

const (
	ModeSubscription Mode = "subscription"
	ModeTrial        Mode = "trial"
)

// PayParams 打开支付组件所需参数
type PayParams struct {
	SessionID string
	PlanName  string
	AccountID int64
	Email     string
}

// Callbacks 支付组件回调，可能在任意 goroutine 上触发
type Callbacks struct {
	OnSuccess  func()
	OnFail     func(reason string)
	OnComplete func() // 组件关闭但没有明确结果
}

// Widget 外部支付组件。Pay 返回即视为组件已打开，结果通过回调通知
type Widget interface {
	Pay(mode Mode, params PayParams, cb Callbacks) error
}

// Notifier 面向用户的提示
type Notifier interface {
	Success(message string)
	Error(message string)
}

// SessionRefresher 支付成功后刷新调用方的登录态/权益
type SessionRefresher interface {
	Refresh(ctx context.Context) error
}

// Redirector 支付成功后跳转
type Redirector interface {
	Redirect(url string)
}

// Account 当前登录账户
type Account struct {
	ID    int64
	Email string
}

// AccountProvider 获取当前登录账户，未登录返回 nil
type AccountProvider interface {
	Current(ctx context.Context) (*Account, error)
}
