package cron

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qs3c/chat_billing_server/internal/service"
)

type fakeRenewer struct {
	calls atomic.Int32
	err   error
	panic bool
}

func (f *fakeRenewer) RenewDue(ctx context.Context) (*service.RenewalReport, error) {
	f.calls.Add(1)
	if f.panic {
		panic("boom")
	}
	if f.err != nil {
		return nil, f.err
	}
	return &service.RenewalReport{Renewed: 1}, nil
}

func TestService_RunNow(t *testing.T) {
	renewer := &fakeRenewer{}
	svc := NewService(renewer, "@every 1h")

	report, err := svc.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Renewed)
	assert.Equal(t, int32(1), renewer.calls.Load())

	renewer.err = errors.New("db down")
	_, err = svc.RunNow(context.Background())
	assert.EqualError(t, err, "db down")
}

func TestService_InvalidSchedule(t *testing.T) {
	svc := NewService(&fakeRenewer{}, "not a schedule")
	assert.Error(t, svc.Start())
}

func TestService_ScheduledRun(t *testing.T) {
	renewer := &fakeRenewer{}
	svc := NewService(renewer, "@every 1s")

	require.NoError(t, svc.Start())
	defer svc.Stop()

	require.Eventually(t, func() bool {
		return renewer.calls.Load() >= 1
	}, 3*time.Second, 50*time.Millisecond)
}

func TestService_RecoversFromPanic(t *testing.T) {
	renewer := &fakeRenewer{panic: true}
	svc := NewService(renewer, "@every 1s")

	require.NoError(t, svc.Start())

	// panic 被 Recover 拦截，后续调度不会被 SkipIfStillRunning 跳过
	require.Eventually(t, func() bool {
		return renewer.calls.Load() >= 2
	}, 4*time.Second, 50*time.Millisecond)

	svc.Stop()
}
