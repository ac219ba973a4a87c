package checkout

import (
	"context"
	"errors"
	"sync"
	"time"
)

type statusReply struct {
	status *PaymentStatus
	err    error
}

type fakeAPI struct {
	mu          sync.Mutex
	intent      *Intent
	intentErr   error
	replies     []statusReply
	statusCalls int
	block       bool // Status 阻塞直到 ctx 取消
}

func (f *fakeAPI) CreateIntent(_ context.Context, planName string) (*Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.intentErr != nil {
		return nil, f.intentErr
	}
	return f.intent, nil
}

func (f *fakeAPI) CreateTrialIntent(ctx context.Context, planName string) (*Intent, error) {
	return f.CreateIntent(ctx, planName)
}

func (f *fakeAPI) Status(ctx context.Context, _ string) (*PaymentStatus, error) {
	f.mu.Lock()
	f.statusCalls++
	block := f.block
	var reply statusReply
	if len(f.replies) > 0 {
		reply = f.replies[0]
		if len(f.replies) > 1 {
			f.replies = f.replies[1:]
		}
	} else {
		reply = statusReply{status: &PaymentStatus{Status: RemotePending}}
	}
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return reply.status, reply.err
}

func (f *fakeAPI) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls
}

func status(s string) statusReply {
	return statusReply{status: &PaymentStatus{Status: s}}
}

func failure(err error) statusReply {
	return statusReply{err: err}
}

var errNetwork = errors.New("connection reset")

type fakeWidget struct {
	mu     sync.Mutex
	cb     Callbacks
	params PayParams
	mode   Mode
	calls  int
	err    error
	onPay  func(p PayParams, cb Callbacks) // 在 Pay 内同步执行
}

func (w *fakeWidget) Pay(mode Mode, params PayParams, cb Callbacks) error {
	w.mu.Lock()
	w.calls++
	w.mode = mode
	w.params = params
	w.cb = cb
	onPay := w.onPay
	err := w.err
	w.mu.Unlock()

	if onPay != nil {
		onPay(params, cb)
	}
	return err
}

func (w *fakeWidget) callbacks() Callbacks {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cb
}

type fakeAccounts struct {
	account *Account
}

func (a *fakeAccounts) Current(context.Context) (*Account, error) {
	return a.account, nil
}

type recordingNotifier struct {
	mu        sync.Mutex
	successes []string
	errors    []string
}

func (n *recordingNotifier) Success(message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.successes = append(n.successes, message)
}

func (n *recordingNotifier) Error(message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errors = append(n.errors, message)
}

func (n *recordingNotifier) counts() (int, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.successes), len(n.errors)
}

type recordingRefresher struct {
	mu    sync.Mutex
	calls int
}

func (r *recordingRefresher) Refresh(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return nil
}

type recordingRedirector struct {
	mu   sync.Mutex
	urls []string
}

func (r *recordingRedirector) Redirect(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.urls = append(r.urls, url)
}

type stateRecorder struct {
	mu     sync.Mutex
	states []PurchaseState
}

func (r *stateRecorder) listen(s PurchaseState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

// sequence 去掉连续重复后的状态序列
func (r *stateRecorder) sequence() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []State
	for _, s := range r.states {
		if len(out) == 0 || out[len(out)-1] != s.State {
			out = append(out, s.State)
		}
	}
	return out
}

func (r *stateRecorder) terminalCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for i, s := range r.states {
		if s.State.Terminal() && (i == 0 || !r.states[i-1].State.Terminal()) {
			n++
		}
	}
	return n
}

type harness struct {
	api        *fakeAPI
	store      *MemoryStore
	widget     *fakeWidget
	notifier   *recordingNotifier
	refresher  *recordingRefresher
	redirector *recordingRedirector
	recorder   *stateRecorder
	controller *Controller
}

func newHarness(opts ...func(*Options)) *harness {
	h := &harness{
		api: &fakeAPI{intent: &Intent{
			SessionID: "cs_test_1",
			ExpiresAt: Timestamp{Time: time.Now().Add(30 * time.Minute)},
		}},
		store:      NewMemoryStore(),
		widget:     &fakeWidget{},
		notifier:   &recordingNotifier{},
		refresher:  &recordingRefresher{},
		redirector: &recordingRedirector{},
		recorder:   &stateRecorder{},
	}

	options := Options{
		PollInterval:     time.Millisecond,
		MaxPollAttempts:  20,
		RateLimitBackoff: time.Millisecond,
		SuccessRedirect:  "/chat?subscribed=1",
	}
	for _, opt := range opts {
		opt(&options)
	}

	h.controller = NewController(Dependencies{
		API:        h.api,
		Store:      h.store,
		Widget:     h.widget,
		Accounts:   &fakeAccounts{account: &Account{ID: 7, Email: "buyer@example.com"}},
		Notifier:   h.notifier,
		Refresher:  h.refresher,
		Redirector: h.redirector,
	}, options)
	h.controller.AddListener(h.recorder.listen)
	return h
}

func (h *harness) storedSession() *Session {
	s, _ := h.store.Load(context.Background())
	return s
}
