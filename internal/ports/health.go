package ports

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

// ErrDuplicateChecker is returned when two checkers share a name.
var ErrDuplicateChecker = errors.New("duplicate health checker")

// HealthChecker is implemented by the key-value backend and the remote
// collection adapter. Check returns nil when the component is usable and must
// honour ctx.
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) error
}

// OptionalChecker is implemented by checkers whose failure should degrade
// rather than fail the overall status. The remote collection is one: the
// record store keeps working offline.
type OptionalChecker interface {
	HealthChecker

	// Critical reports whether a failure makes the process unhealthy.
	Critical() bool
}

func isCritical(c HealthChecker) bool {
	if oc, ok := c.(OptionalChecker); ok {
		return oc.Critical()
	}

	return true
}

// HealthRegistry runs every registered check on demand.
type HealthRegistry interface {
	Register(checker HealthChecker) error
	CheckAll(ctx context.Context) *HealthResult
}

// HealthStatus is healthy, degraded (only optional checks failed) or
// unhealthy (a critical check failed).
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

var statusRank = map[HealthStatus]int{
	HealthStatusHealthy:   0,
	HealthStatusDegraded:  1,
	HealthStatusUnhealthy: 2,
}

// worse reports whether s outranks other.
func (s HealthStatus) worse(other HealthStatus) bool {
	return statusRank[s] > statusRank[other]
}

// HealthResult is the outcome of one CheckAll call.
type HealthResult struct {
	Status    HealthStatus            `json:"status"`
	Checks    map[string]*CheckResult `json:"checks"`
	Timestamp time.Time               `json:"timestamp"`
}

// CheckResult is the outcome of a single checker.
type CheckResult struct {
	Status   HealthStatus  `json:"status"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration"`
}

// DefaultHealthRegistry is safe for concurrent use.
type DefaultHealthRegistry struct {
	mu       sync.RWMutex
	checkers []HealthChecker
}

// NewHealthRegistry returns an empty registry.
func NewHealthRegistry() *DefaultHealthRegistry {
	return &DefaultHealthRegistry{}
}

// Register adds checker, rejecting a name already in use.
func (r *DefaultHealthRegistry) Register(checker HealthChecker) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.checkers {
		if c.Name() == checker.Name() {
			return fmt.Errorf("%w: %s", ErrDuplicateChecker, checker.Name())
		}
	}

	r.checkers = append(r.checkers, checker)

	return nil
}

// CheckAll runs the checks concurrently; the overall status is the worst
// individual one.
func (r *DefaultHealthRegistry) CheckAll(ctx context.Context) *HealthResult {
	r.mu.RLock()
	checkers := slices.Clone(r.checkers)
	r.mu.RUnlock()

	results := make([]*CheckResult, len(checkers))

	var wg sync.WaitGroup

	for i, c := range checkers {
		wg.Go(func() { results[i] = runCheck(ctx, c) })
	}

	wg.Wait()

	out := &HealthResult{
		Status:    HealthStatusHealthy,
		Checks:    make(map[string]*CheckResult, len(checkers)),
		Timestamp: time.Now(),
	}

	for i, c := range checkers {
		out.Checks[c.Name()] = results[i]

		if results[i].Status.worse(out.Status) {
			out.Status = results[i].Status
		}
	}

	return out
}

func runCheck(ctx context.Context, c HealthChecker) *CheckResult {
	start := time.Now()
	err := c.Check(ctx)

	res := &CheckResult{Status: HealthStatusHealthy, Duration: time.Since(start)}

	if err != nil {
		res.Status = HealthStatusUnhealthy
		if !isCritical(c) {
			res.Status = HealthStatusDegraded
		}

		res.Message = err.Error()
	}

	return res
}
