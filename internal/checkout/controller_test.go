package checkout

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestController_Subscribe_Success(t *testing.T) {
	h := newHarness()
	h.api.replies = []statusReply{status(RemotePending), status(RemoteProcessing), status(RemoteSucceeded)}
	ctx := context.Background()

	require.NoError(t, h.controller.Subscribe(ctx, "pro"))

	// 组件已打开，检查点已落盘
	session := h.storedSession()
	require.NotNil(t, session)
	assert.Equal(t, "cs_test_1", session.ID)
	assert.Equal(t, "pro", session.PlanName)
	assert.True(t, session.WidgetOpened)
	assert.Equal(t, ModeSubscription, h.widget.mode)
	assert.Equal(t, "buyer@example.com", h.widget.params.Email)

	h.widget.callbacks().OnSuccess()
	h.controller.Wait()

	state := h.controller.State()
	assert.Equal(t, StateSucceeded, state.State)
	assert.Equal(t, RemoteSucceeded, state.RemoteStatus)
	assert.Nil(t, h.storedSession())

	assert.Equal(t, []State{StateStarting, StateVerifying, StateActivating, StateSucceeded}, h.recorder.sequence())
	successes, errs := h.notifier.counts()
	assert.Equal(t, 1, successes)
	assert.Equal(t, 0, errs)
	assert.Equal(t, 1, h.refresher.calls)
	assert.Equal(t, []string{"/chat?subscribed=1"}, h.redirector.urls)
}

func TestController_SessionPersistedBeforeWidget(t *testing.T) {
	h := newHarness()

	var seen *Session
	h.widget.onPay = func(PayParams, Callbacks) {
		seen = h.storedSession()
	}

	require.NoError(t, h.controller.StartTrial(context.Background(), "basic"))

	require.NotNil(t, seen)
	assert.Equal(t, "cs_test_1", seen.ID)
	assert.False(t, seen.WidgetOpened)
	assert.Equal(t, ModeTrial, h.widget.mode)
	assert.True(t, h.storedSession().WidgetOpened)
}

func TestController_WidgetFail_ClearsSession(t *testing.T) {
	h := newHarness()

	require.NoError(t, h.controller.Subscribe(context.Background(), "pro"))
	h.widget.callbacks().OnFail("card declined")

	state := h.controller.State()
	assert.Equal(t, StateFailed, state.State)
	assert.Equal(t, "card declined", state.Error)
	assert.Nil(t, h.storedSession())
	assert.Equal(t, 0, h.api.calls())
}

func TestController_WidgetFailDuringPay_NoCheckpointWritten(t *testing.T) {
	h := newHarness()
	h.widget.onPay = func(_ PayParams, cb Callbacks) {
		cb.OnFail("")
	}

	require.NoError(t, h.controller.Subscribe(context.Background(), "pro"))

	assert.Equal(t, StateFailed, h.controller.State().State)
	assert.Equal(t, reasonPaymentFailed, h.controller.State().Error)
	assert.Nil(t, h.storedSession())
}

func TestController_WidgetClosed_PreservesSession(t *testing.T) {
	h := newHarness()

	require.NoError(t, h.controller.Subscribe(context.Background(), "pro"))
	h.widget.callbacks().OnComplete()

	state := h.controller.State()
	assert.Equal(t, StateWidgetClosed, state.State)
	assert.Empty(t, state.LoadingPlan)

	session := h.storedSession()
	require.NotNil(t, session)
	assert.True(t, session.WidgetOpened)

	// 关闭后可以重新发起
	h.api.intent = &Intent{SessionID: "cs_test_2", ExpiresAt: Timestamp{Time: time.Now().Add(time.Hour)}}
	require.NoError(t, h.controller.Subscribe(context.Background(), "basic"))
	assert.Equal(t, "cs_test_2", h.storedSession().ID)
}

func TestController_RemoteTerminalStatuses(t *testing.T) {
	tests := []struct {
		name      string
		reply     statusReply
		wantState State
		wantError string
	}{
		{
			name:      "failed",
			reply:     statusReply{status: &PaymentStatus{Status: RemoteFailed, FailureReason: "insufficient funds"}},
			wantState: StateFailed,
			wantError: "insufficient funds",
		},
		{
			name:      "expired",
			reply:     status(RemoteExpired),
			wantState: StateExpired,
			wantError: reasonSessionExpired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			h.api.replies = []statusReply{status(RemotePending), tt.reply}

			require.NoError(t, h.controller.Subscribe(context.Background(), "pro"))
			h.widget.callbacks().OnSuccess()
			h.controller.Wait()

			state := h.controller.State()
			assert.Equal(t, tt.wantState, state.State)
			assert.Equal(t, tt.wantError, state.Error)
			assert.Nil(t, h.storedSession())

			_, errs := h.notifier.counts()
			assert.Equal(t, 1, errs)
		})
	}
}

func TestController_Timeout_KeepsSession(t *testing.T) {
	h := newHarness(func(o *Options) { o.MaxPollAttempts = 3 })

	require.NoError(t, h.controller.Subscribe(context.Background(), "pro"))
	h.widget.callbacks().OnSuccess()
	h.controller.Wait()

	state := h.controller.State()
	assert.Equal(t, StateFailed, state.State)
	assert.Equal(t, reasonTimeout, state.Error)
	assert.Equal(t, 3, h.api.calls())

	session := h.storedSession()
	require.NotNil(t, session)
	assert.Equal(t, "cs_test_1", session.ID)
}

func TestController_TransientErrorsAndRateLimit(t *testing.T) {
	h := newHarness(func(o *Options) { o.MaxPollAttempts = 2 })
	h.api.replies = []statusReply{
		failure(ErrRateLimited),
		failure(ErrRateLimited),
		failure(errNetwork),
		status(RemoteSucceeded),
	}

	require.NoError(t, h.controller.Subscribe(context.Background(), "pro"))
	h.widget.callbacks().OnSuccess()
	h.controller.Wait()

	// 限流不计入重试次数
	assert.Equal(t, StateSucceeded, h.controller.State().State)
	assert.Equal(t, 4, h.api.calls())
}

func TestController_SessionExpiresWhilePolling(t *testing.T) {
	h := newHarness()
	h.api.intent = &Intent{SessionID: "cs_short", ExpiresAt: Timestamp{Time: time.Now().Add(time.Hour)}}

	require.NoError(t, h.controller.Subscribe(context.Background(), "pro"))
	h.controller.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	h.widget.callbacks().OnSuccess()
	h.controller.Wait()

	assert.Equal(t, StateExpired, h.controller.State().State)
	assert.Nil(t, h.storedSession())
	assert.Equal(t, 0, h.api.calls())
}

func TestController_SinglePollAndSingleTerminal(t *testing.T) {
	h := newHarness()
	h.api.replies = []statusReply{status(RemotePending), status(RemotePending), status(RemoteSucceeded)}

	require.NoError(t, h.controller.Subscribe(context.Background(), "pro"))
	cb := h.widget.callbacks()

	cb.OnSuccess()
	cb.OnSuccess() // 已在轮询，忽略
	h.controller.Wait()

	// 终态之后的回调全部丢弃
	cb.OnFail("late failure")
	cb.OnComplete()
	cb.OnSuccess()
	h.controller.Wait()

	assert.Equal(t, StateSucceeded, h.controller.State().State)
	assert.Equal(t, 3, h.api.calls())
	assert.Equal(t, 1, h.recorder.terminalCount())
	successes, errs := h.notifier.counts()
	assert.Equal(t, 1, successes)
	assert.Equal(t, 0, errs)
}

func TestController_InProgressGuard(t *testing.T) {
	h := newHarness()
	h.api.block = true
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, h.controller.Subscribe(ctx, "pro"))
	h.widget.callbacks().OnSuccess()

	err := h.controller.Subscribe(context.Background(), "basic")
	assert.ErrorIs(t, err, ErrPurchaseInProgress)
	assert.ErrorIs(t, h.controller.Reset(), ErrPurchaseInProgress)

	cancel()
	h.controller.Wait()
}

func TestController_Cancellation_NoSideEffects(t *testing.T) {
	h := newHarness()
	h.api.block = true
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, h.controller.Subscribe(ctx, "pro"))
	h.widget.callbacks().OnSuccess()

	require.Eventually(t, func() bool { return h.api.calls() == 1 }, time.Second, time.Millisecond)
	before := len(h.recorder.sequence())

	cancel()
	h.controller.Wait()

	// 取消的请求不算失败：没有终态、没有清除会话、没有提示
	assert.Equal(t, StateVerifying, h.controller.State().State)
	assert.Len(t, h.recorder.sequence(), before)
	assert.NotNil(t, h.storedSession())
	_, errs := h.notifier.counts()
	assert.Equal(t, 0, errs)

	// 取消后的回调同样无效
	h.widget.callbacks().OnFail("after unmount")
	assert.Equal(t, StateVerifying, h.controller.State().State)
	assert.NotNil(t, h.storedSession())
}

func TestController_StartErrors(t *testing.T) {
	t.Run("not authenticated", func(t *testing.T) {
		h := newHarness()
		h.controller.deps.Accounts = &fakeAccounts{account: &Account{ID: 7}}

		err := h.controller.Subscribe(context.Background(), "pro")
		assert.ErrorIs(t, err, ErrNotAuthenticated)
		assert.Equal(t, StateIdle, h.controller.State().State)
		assert.Equal(t, 0, h.widget.calls)
	})

	t.Run("missing plan", func(t *testing.T) {
		h := newHarness()
		assert.ErrorIs(t, h.controller.Subscribe(context.Background(), "  "), ErrMissingPlan)
	})

	t.Run("trial already used", func(t *testing.T) {
		h := newHarness()
		h.api.intentErr = ErrTrialAlreadyUsed

		err := h.controller.StartTrial(context.Background(), "basic")
		assert.ErrorIs(t, err, ErrTrialAlreadyUsed)

		state := h.controller.State()
		assert.Equal(t, StateFailed, state.State)
		assert.Equal(t, reasonTrialUsed, state.Error)
		assert.Nil(t, h.storedSession())
		assert.Equal(t, 0, h.widget.calls)
	})

	t.Run("widget error clears session", func(t *testing.T) {
		h := newHarness()
		h.widget.err = errNetwork

		err := h.controller.Subscribe(context.Background(), "pro")
		assert.ErrorIs(t, err, errNetwork)
		assert.Equal(t, StateFailed, h.controller.State().State)
		assert.Nil(t, h.storedSession())
	})
}

func TestController_Reset(t *testing.T) {
	h := newHarness()

	require.NoError(t, h.controller.Subscribe(context.Background(), "pro"))
	cb := h.widget.callbacks()
	require.NoError(t, h.controller.Reset())

	assert.Equal(t, PurchaseState{State: StateIdle}, h.controller.State())
	assert.NotNil(t, h.storedSession())

	// 旧尝试的回调不再生效
	cb.OnFail("stale")
	assert.Equal(t, StateIdle, h.controller.State().State)
	assert.NotNil(t, h.storedSession())
}

func TestController_ResetAfterFailure(t *testing.T) {
	h := newHarness()

	require.NoError(t, h.controller.Subscribe(context.Background(), "pro"))
	h.widget.callbacks().OnFail("card declined")
	require.Equal(t, StateFailed, h.controller.State().State)

	require.NoError(t, h.controller.Reset())
	assert.Equal(t, StateIdle, h.controller.State().State)
	assert.Empty(t, h.controller.State().Error)
}

// 监听者在失败终态里直接 Reset，不阻塞且 idle 排在 failed 之后送达
func TestController_ListenerResetsOnFailure(t *testing.T) {
	h := newHarness()
	resetErr := make(chan error, 1)
	h.controller.AddListener(func(s PurchaseState) {
		if s.State == StateFailed {
			resetErr <- h.controller.Reset()
		}
	})

	require.NoError(t, h.controller.Subscribe(context.Background(), "pro"))

	done := make(chan struct{})
	go func() {
		h.widget.callbacks().OnFail("card declined")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch blocked on listener calling Reset")
	}

	require.NoError(t, <-resetErr)
	assert.Equal(t, StateIdle, h.controller.State().State)
	seq := h.recorder.sequence()
	require.GreaterOrEqual(t, len(seq), 2)
	assert.Equal(t, []State{StateFailed, StateIdle}, seq[len(seq)-2:])
}
