package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jsamuelsen/quotesync/internal/domain"
)

// stubRunner counts cycles and can hold them open.
type stubRunner struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	err     error
	lastCtx atomic.Pointer[context.Context]
}

func newStubRunner() *stubRunner {
	return &stubRunner{started: make(chan struct{}, 16)}
}

func (r *stubRunner) RunCycle(ctx context.Context) (*CycleResult, error) {
	r.calls.Add(1)
	r.lastCtx.Store(&ctx)
	select {
	case r.started <- struct{}{}:
	default:
	}

	if r.release != nil {
		<-r.release
	}

	if r.err != nil {
		return nil, r.err
	}

	return &CycleResult{CycleID: "cycle"}, nil
}

func newTestScheduler(t *testing.T, runner CycleRunner, m *Metrics) *Scheduler {
	t.Helper()

	s := NewScheduler(SchedulerConfig{Runner: runner, CycleTimeout: time.Second, Metrics: m, Logger: discardLogger()})
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	return s
}

func TestNewScheduler(t *testing.T) {
	assert.Panics(t, func() { NewScheduler(SchedulerConfig{}) })

	s := NewScheduler(SchedulerConfig{Runner: newStubRunner()})
	assert.Equal(t, DefaultCycleTimeout, s.cycleTimeout)
	assert.Equal(t, StateIdle, s.State())
	assert.Nil(t, s.LastResult())

	auto, interval := s.AutoSync()
	assert.False(t, auto)
	assert.Zero(t, interval)
}

func TestSchedulerState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "running", StateRunning.String())
}

func TestScheduler_TriggerNow(t *testing.T) {
	runner := newStubRunner()
	s := newTestScheduler(t, runner, nil)

	res, err := s.TriggerNow(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "cycle", res.CycleID)
	assert.Same(t, res, s.LastResult())
	assert.Equal(t, StateIdle, s.State())
}

func TestScheduler_TriggerNowDetachesCallerCancellation(t *testing.T) {
	runner := newStubRunner()
	runner.release = make(chan struct{})
	s := newTestScheduler(t, runner, nil)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := s.TriggerNow(ctx)
		done <- err
	}()

	<-runner.started
	cancel()

	cycleCtx := *runner.lastCtx.Load()
	assert.NoError(t, cycleCtx.Err(), "cycle outlives the caller")

	_, hasDeadline := cycleCtx.Deadline()
	assert.True(t, hasDeadline, "cycle is bounded by the cycle timeout")

	close(runner.release)
	require.NoError(t, <-done)
}

func TestScheduler_TriggerWhileBusyIsDropped(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	runner := newStubRunner()
	runner.release = make(chan struct{})
	s := newTestScheduler(t, runner, m)

	done := make(chan error, 1)
	go func() {
		_, err := s.TriggerNow(context.Background())
		done <- err
	}()

	<-runner.started
	assert.Equal(t, StateRunning, s.State())

	res, err := s.TriggerNow(context.Background())
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrCycleInProgress)

	close(runner.release)
	require.NoError(t, <-done)

	assert.Equal(t, int32(1), runner.calls.Load())
	assert.InDelta(t, 1, testutil.ToFloat64(m.skippedTriggers), 0)
}

func TestScheduler_ConcurrentTriggersDoNotDuplicatePush(t *testing.T) {
	h := newHarness(t, []domain.Quote{localQuote("loc-1", "A", "X")})
	h.remote.pushBlock = make(chan struct{})

	started := make(chan struct{})

	var once sync.Once

	h.remote.pushHook = func(domain.Quote) { once.Do(func() { close(started) }) }

	first := make(chan error, 1)
	go func() {
		_, err := h.service.TriggerSyncNow(context.Background())
		first <- err
	}()

	<-started

	for range 3 {
		_, err := h.service.TriggerSyncNow(context.Background())
		assert.ErrorIs(t, err, ErrCycleInProgress)
	}

	close(h.remote.pushBlock)
	require.NoError(t, <-first)

	assert.Equal(t, 1, h.remote.pushCount())
	assert.Equal(t, 1, h.store.Len())
}

func TestScheduler_RunnerError(t *testing.T) {
	runner := newStubRunner()
	runner.err = errors.New("not started")
	s := newTestScheduler(t, runner, nil)

	_, err := s.TriggerNow(context.Background())

	require.Error(t, err)
	assert.Nil(t, s.LastResult())
	assert.Equal(t, StateIdle, s.State(), "guard released")
}

func TestScheduler_StartValidatesInterval(t *testing.T) {
	s := newTestScheduler(t, newStubRunner(), nil)

	for _, d := range []time.Duration{0, -time.Second} {
		err := s.Start(d)
		assert.True(t, domain.IsValidation(err), d.String())
	}

	auto, _ := s.AutoSync()
	assert.False(t, auto)
}

func TestScheduler_TimerFiresCycles(t *testing.T) {
	runner := newStubRunner()
	s := newTestScheduler(t, runner, nil)

	require.NoError(t, s.Start(10*time.Millisecond))

	auto, interval := s.AutoSync()
	assert.True(t, auto)
	assert.Equal(t, 10*time.Millisecond, interval)

	for range 2 {
		select {
		case <-runner.started:
		case <-time.After(2 * time.Second):
			t.Fatal("timer did not fire")
		}
	}

	s.Stop()

	auto, _ = s.AutoSync()
	assert.False(t, auto)

	assert.Eventually(t, func() bool { return s.State() == StateIdle }, time.Second, 5*time.Millisecond)

	calls := runner.calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, runner.calls.Load(), calls+1, "no fires after stop")
}

func TestScheduler_StartReplacesInterval(t *testing.T) {
	s := newTestScheduler(t, newStubRunner(), nil)

	require.NoError(t, s.Start(time.Hour))
	require.NoError(t, s.Start(2*time.Hour))

	_, interval := s.AutoSync()
	assert.Equal(t, 2*time.Hour, interval)

	s.Stop()
	s.Stop()
}

func TestScheduler_ShutdownWaitsForCycle(t *testing.T) {
	runner := newStubRunner()
	runner.release = make(chan struct{})
	s := newTestScheduler(t, runner, nil)

	go func() { _, _ = s.TriggerNow(context.Background()) }()
	<-runner.started

	shutdown := make(chan error, 1)
	go func() { shutdown <- s.Shutdown(context.Background()) }()

	select {
	case <-shutdown:
		t.Fatal("shutdown returned while a cycle was running")
	case <-time.After(30 * time.Millisecond):
	}

	close(runner.release)
	require.NoError(t, <-shutdown)

	_, err := s.TriggerNow(context.Background())
	assert.ErrorIs(t, err, ErrSchedulerStopped)
	assert.ErrorIs(t, s.Start(time.Minute), ErrSchedulerStopped)
}

func TestScheduler_ShutdownDeadline(t *testing.T) {
	runner := newStubRunner()
	runner.release = make(chan struct{})
	s := newTestScheduler(t, runner, nil)

	go func() { _, _ = s.TriggerNow(context.Background()) }()
	<-runner.started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, s.Shutdown(ctx), context.DeadlineExceeded)

	close(runner.release)
}

func TestScheduler_ShutdownIdle(t *testing.T) {
	s := newTestScheduler(t, newStubRunner(), nil)
	require.NoError(t, s.Start(time.Hour))

	require.NoError(t, s.Shutdown(context.Background()))

	auto, _ := s.AutoSync()
	assert.False(t, auto)
}
