package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jsamuelsen/quotesync/internal/domain"
)

// DefaultCycleTimeout bounds a whole cycle when no timeout is configured.
const DefaultCycleTimeout = 2 * time.Minute

var (
	// ErrCycleInProgress is returned by TriggerNow while a cycle is running.
	// The trigger is dropped, not queued.
	ErrCycleInProgress = errors.New("sync cycle already in progress")

	// ErrSchedulerStopped is returned by TriggerNow after Shutdown.
	ErrSchedulerStopped = errors.New("scheduler shut down")
)

// SchedulerState is the busy guard's state.
type SchedulerState int32

const (
	// StateIdle means no cycle is running.
	StateIdle SchedulerState = iota
	// StateRunning means a cycle is in flight.
	StateRunning
)

// String implements fmt.Stringer.
func (s SchedulerState) String() string {
	if s == StateRunning {
		return "running"
	}

	return "idle"
}

// CycleRunner runs one sync cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context) (*CycleResult, error)
}

// SchedulerConfig contains configuration for the scheduler.
type SchedulerConfig struct {
	Runner CycleRunner

	// CycleTimeout bounds every cycle, timer or manual.
	CycleTimeout time.Duration

	Metrics *Metrics
	Logger  *slog.Logger
}

// Scheduler runs sync cycles on a timer and on demand. At most one cycle
// runs at a time; a trigger that finds a cycle running is dropped.
type Scheduler struct {
	runner       CycleRunner
	cycleTimeout time.Duration
	metrics      *Metrics
	logger       *slog.Logger

	state   atomic.Int32
	stopped atomic.Bool
	last    atomic.Pointer[CycleResult]

	mu       sync.Mutex
	stop     chan struct{}
	interval time.Duration
	inflight chan struct{}
}

// NewScheduler creates an idle scheduler with auto sync off.
// Panics if Runner is nil.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Runner == nil {
		panic("Scheduler: Runner is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	timeout := cfg.CycleTimeout
	if timeout <= 0 {
		timeout = DefaultCycleTimeout
	}

	return &Scheduler{
		runner:       cfg.Runner,
		cycleTimeout: timeout,
		metrics:      cfg.Metrics,
		logger:       logger.With(slog.String("component", "app.Scheduler")),
	}
}

// Start fires a cycle every interval. Calling Start while running replaces
// the interval.
func (s *Scheduler) Start(interval time.Duration) error {
	if interval <= 0 {
		return domain.NewValidationErrorWithValue("interval", "must be positive", interval.String())
	}

	if s.stopped.Load() {
		return ErrSchedulerStopped
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()

	stop := make(chan struct{})

	s.stop = stop
	s.interval = interval

	go s.loop(interval, stop)

	s.logger.Info("auto sync started", slog.Duration("interval", interval))

	return nil
}

// Stop cancels future timer fires. A cycle already running is not interrupted.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopLocked() {
		s.logger.Info("auto sync stopped")
	}
}

func (s *Scheduler) stopLocked() bool {
	if s.stop == nil {
		return false
	}

	close(s.stop)
	s.stop = nil
	s.interval = 0

	return true
}

// AutoSync reports whether the timer is running and its interval.
func (s *Scheduler) AutoSync() (bool, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.stop != nil, s.interval
}

// State returns the busy guard's current state.
func (s *Scheduler) State() SchedulerState {
	return SchedulerState(s.state.Load())
}

// LastResult returns the most recent cycle result, or nil.
func (s *Scheduler) LastResult() *CycleResult {
	return s.last.Load()
}

// TriggerNow runs a cycle synchronously and returns its result. If a cycle
// is already running it returns ErrCycleInProgress at once. The cycle is
// detached from ctx's cancellation and bounded by the cycle timeout.
func (s *Scheduler) TriggerNow(ctx context.Context) (*CycleResult, error) {
	if s.stopped.Load() {
		return nil, ErrSchedulerStopped
	}

	return s.run(ctx)
}

func (s *Scheduler) loop(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, err := s.run(context.Background()); errors.Is(err, ErrCycleInProgress) {
				s.logger.Debug("timer fire skipped, cycle in progress")
			}
		}
	}
}

func (s *Scheduler) run(ctx context.Context) (*CycleResult, error) {
	finished := make(chan struct{})

	s.mu.Lock()
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		s.mu.Unlock()
		s.metrics.triggerSkipped()

		return nil, ErrCycleInProgress
	}
	s.inflight = finished
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inflight = nil
		s.mu.Unlock()

		s.state.Store(int32(StateIdle))
		close(finished)
	}()

	cycleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cycleTimeout)
	defer cancel()

	res, err := s.runner.RunCycle(cycleCtx)
	if err != nil {
		s.logger.ErrorContext(ctx, "sync cycle failed", slog.String("error", err.Error()))
		return nil, err
	}

	s.last.Store(res)

	return res, nil
}

// Shutdown stops the timer, rejects new triggers and waits for a running
// cycle to finish or ctx to end.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.stopped.Store(true)

	s.mu.Lock()
	s.stopLocked()
	inflight := s.inflight
	s.mu.Unlock()

	if inflight == nil {
		return nil
	}

	s.logger.InfoContext(ctx, "waiting for in-flight sync cycle")

	select {
	case <-inflight:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
