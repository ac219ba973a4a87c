package checkout

// State 购买流程状态
type State string

const (
	StateIdle         State = "idle"
	StateStarting     State = "starting"
	StateVerifying    State = "verifying"
	StateActivating   State = "activating"
	StateSucceeded    State = "succeeded"
	StateFailed       State = "failed"
	StateExpired      State = "expired"
	StateWidgetClosed State = "widget_closed"
)

// Terminal 是否为终态
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateExpired
}

// PurchaseState 当前购买尝试的内存状态，不持久化
type PurchaseState struct {
	State        State  `json:"state"`
	SelectedPlan string `json:"selected_plan,omitempty"`
	LoadingPlan  string `json:"loading_plan,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
	RemoteStatus string `json:"remote_status,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Listener 按状态变更顺序接收快照。在分发 goroutine 上同步调用；回调内触发的变更排在当前快照之后送达
type Listener func(PurchaseState)

// Recovery 启动恢复的结果
type Recovery string

const (
	RecoveryNone      Recovery = "none"      // 没有持久化会话
	RecoveryStale     Recovery = "stale"     // 组件从未打开，直接丢弃
	RecoveryExpired   Recovery = "expired"   // 会话已过期
	RecoveryResumed   Recovery = "resumed"   // 远端有支付活动，继续轮询
	RecoveryCompleted Recovery = "completed" // 远端已是终态
	RecoveryAbandoned Recovery = "abandoned" // 远端无活动
	RecoveryDeferred  Recovery = "deferred"  // 查询失败，保留会话下次再试
)
