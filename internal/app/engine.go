package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jsamuelsen/quotesync/internal/domain"
	"github.com/jsamuelsen/quotesync/internal/platform/logging"
	"github.com/jsamuelsen/quotesync/internal/platform/telemetry"
	"github.com/jsamuelsen/quotesync/internal/ports"
)

// Engine defaults.
const (
	DefaultPullLimit       = 5
	DefaultPushConcurrency = 4
	DefaultCallTimeout     = 15 * time.Second
)

// Reasons a successful push is not adopted.
var (
	errRecordChanged  = errors.New("record changed while push was in flight")
	errRemoteIDTaken  = errors.New("remote id already held by another record")
	errRecordVanished = errors.New("record no longer present")
)

// SyncEngineConfig contains configuration for the sync engine.
type SyncEngineConfig struct {
	Store    *RecordStore
	Resolver *ConflictResolver
	Remote   ports.RemoteCollection

	// Publisher receives cycle events. Optional.
	Publisher ports.EventPublisher

	// Metrics records cycle outcomes. Optional.
	Metrics *Metrics

	Logger *slog.Logger

	// PullLimit is the batch size requested from the remote.
	PullLimit int

	// PushConcurrency bounds the pushes in flight at once.
	PushConcurrency int

	// MaxPushAttempts parks a record after that many consecutive failed
	// pushes. Zero retries forever.
	MaxPushAttempts int

	// CallTimeout bounds every single remote call.
	CallTimeout time.Duration
}

// CycleResult reports what one sync cycle did. Errors in it are per phase;
// a cycle always runs to completion.
type CycleResult struct {
	CycleID     string
	StartedAt   time.Time
	CompletedAt time.Time

	Pushed      int
	PushFailed  int
	PushSkipped int

	Pulled   int
	Inserted int
	Adopted  int

	Conflicts []domain.Conflict

	// PushErrs maps a local id to the error its push ended with.
	PushErrs   map[string]error
	PullErr    error
	PersistErr error
}

// Duration returns how long the cycle ran.
func (r *CycleResult) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

// Degraded reports whether any phase of the cycle failed.
func (r *CycleResult) Degraded() bool {
	return r.PullErr != nil || r.PersistErr != nil || r.PushFailed > 0
}

// SyncEngine runs push, pull, merge and persist as one cycle. It does not
// guard against overlapping cycles; the Scheduler does.
type SyncEngine struct {
	store     *RecordStore
	resolver  *ConflictResolver
	remote    ports.RemoteCollection
	publisher ports.EventPublisher
	metrics   *Metrics
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time

	pullLimit       int
	pushConcurrency int
	maxPushAttempts int
	callTimeout     time.Duration
}

// NewSyncEngine creates a sync engine.
// Panics if Store, Resolver or Remote is nil.
func NewSyncEngine(cfg SyncEngineConfig) *SyncEngine {
	if cfg.Store == nil {
		panic("SyncEngine: Store is required")
	}

	if cfg.Resolver == nil {
		panic("SyncEngine: Resolver is required")
	}

	if cfg.Remote == nil {
		panic("SyncEngine: Remote is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &SyncEngine{
		store:           cfg.Store,
		resolver:        cfg.Resolver,
		remote:          cfg.Remote,
		publisher:       cfg.Publisher,
		metrics:         cfg.Metrics,
		logger:          logger.With(slog.String("component", "app.SyncEngine")),
		tracer:          telemetry.Tracer("sync"),
		now:             cfg.Store.now,
		pullLimit:       cfg.PullLimit,
		pushConcurrency: cfg.PushConcurrency,
		maxPushAttempts: cfg.MaxPushAttempts,
		callTimeout:     cfg.CallTimeout,
	}

	if e.pullLimit <= 0 {
		e.pullLimit = DefaultPullLimit
	}

	if e.pushConcurrency <= 0 {
		e.pushConcurrency = DefaultPushConcurrency
	}

	if e.callTimeout <= 0 {
		e.callTimeout = DefaultCallTimeout
	}

	return e
}

// RunCycle runs one full cycle: push every pending local record, pull one
// batch, merge it, replace the pending conflicts and persist. Each phase
// settles before the next begins. Only a context that is already done
// when the cycle starts returns an error; every later failure is recorded
// in the result.
func (e *SyncEngine) RunCycle(ctx context.Context) (*CycleResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("sync cycle not started: %w", err)
	}

	res := &CycleResult{
		CycleID:   uuid.NewString(),
		StartedAt: e.now().UTC(),
		PushErrs:  make(map[string]error),
	}

	ctx, span := e.tracer.Start(e.cycleContext(ctx, res.CycleID), "sync.cycle",
		trace.WithAttributes(attribute.String("sync.cycle_id", res.CycleID)))
	defer span.End()

	if sc := span.SpanContext(); sc.HasTraceID() {
		ctx = logging.WithTraceID(ctx, sc.TraceID().String())
	}

	e.log(ctx).InfoContext(ctx, "sync cycle started")

	e.pushPhase(ctx, res)

	batch := e.pullPhase(ctx, res)

	res.Conflicts = e.merge(ctx, batch, res)

	e.resolver.replace(res.Conflicts)

	res.CompletedAt = e.now().UTC()
	e.store.SetLastSync(res.CompletedAt)

	if err := e.store.Persist(ctx); err != nil {
		res.PersistErr = err
	}

	e.finish(ctx, span, res)

	return res, nil
}

func (e *SyncEngine) pushPhase(ctx context.Context, res *CycleResult) {
	candidates := e.store.pendingPush(e.maxPushAttempts)
	if len(candidates) == 0 {
		return
	}

	ctx, span := e.tracer.Start(ctx, "sync.push",
		trace.WithAttributes(attribute.Int("sync.push.candidates", len(candidates))))
	defer span.End()

	fns := make([]func(context.Context) (string, error), 0, len(candidates))
	for _, q := range candidates {
		fns = append(fns, func(ctx context.Context) (string, error) {
			callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
			defer cancel()

			return e.remote.Push(callCtx, q)
		})
	}

	results := ParallelPartialLimit(ctx, e.pushConcurrency, fns...)

	now := e.now().UTC()

	e.store.batch(func(set *recordSet) {
		for i, r := range results {
			local := candidates[i]

			if r.Err != nil {
				res.PushFailed++
				res.PushErrs[local.ID] = classifyRemoteError("push", r.Err)
				recordPushFailure(set, local)

				continue
			}

			if err := adoptPush(set, local, r.Value, now); err != nil {
				res.PushSkipped++
				res.PushErrs[local.ID] = err

				continue
			}

			res.Pushed++
		}
	})

	for id, err := range res.PushErrs {
		e.log(ctx).WarnContext(ctx, "push not applied",
			slog.String("quote_id", id),
			slog.String("error", err.Error()))
	}

	span.SetAttributes(
		attribute.Int("sync.push.ok", res.Pushed),
		attribute.Int("sync.push.failed", res.PushFailed),
		attribute.Int("sync.push.skipped", res.PushSkipped))
}

// adoptPush moves local to its remote id as a synced remote record, unless
// the record changed during the push or the id is already taken.
func adoptPush(set *recordSet, local domain.Quote, rawID string, now time.Time) error {
	current, ok := set.get(local.ID)
	if !ok {
		return errRecordVanished
	}

	if !sameRecord(current, local) {
		return errRecordChanged
	}

	remoteID := domain.RemoteID(rawID)
	if remoteID != local.ID {
		if _, taken := set.get(remoteID); taken {
			return fmt.Errorf("%w: %s", errRemoteIDTaken, remoteID)
		}
	}

	set.rename(local.ID, domain.Quote{
		ID:        remoteID,
		Text:      local.Text,
		Category:  local.Category,
		UpdatedAt: now,
		Synced:    true,
		Source:    domain.SourceRemote,
	})

	return nil
}

// recordPushFailure bumps the attempt counter of a record that is still
// waiting to be pushed.
func recordPushFailure(set *recordSet, local domain.Quote) {
	current, ok := set.get(local.ID)
	if !ok || !current.PendingPush() {
		return
	}

	current.PushAttempts++
	set.put(current)
}

func (e *SyncEngine) pullPhase(ctx context.Context, res *CycleResult) []domain.Quote {
	ctx, span := e.tracer.Start(ctx, "sync.pull",
		trace.WithAttributes(attribute.Int("sync.pull.limit", e.pullLimit)))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	batch, err := e.remote.Pull(callCtx, e.pullLimit)
	if err != nil {
		res.PullErr = classifyRemoteError("pull", err)

		span.RecordError(err)
		e.log(ctx).WarnContext(ctx, "pull failed, merging nothing", slog.String("error", err.Error()))

		return nil
	}

	res.Pulled = len(batch)
	span.SetAttributes(attribute.Int("sync.pull.received", len(batch)))

	return batch
}

// merge applies a pulled batch: new ids are inserted, identical content is
// adopted and differing content is replaced by the remote copy and
// reported as a conflict. Records absent from the batch are untouched.
func (e *SyncEngine) merge(ctx context.Context, batch []domain.Quote, res *CycleResult) []domain.Conflict {
	conflicts := make([]domain.Conflict, 0)
	now := e.now().UTC()

	e.store.batch(func(set *recordSet) {
		for _, r := range batch {
			if err := r.Validate(); err != nil {
				e.log(ctx).WarnContext(ctx, "ignoring invalid remote record", slog.String("error", err.Error()))
				continue
			}

			local, exists := set.get(r.ID)

			switch {
			case !exists:
				res.Inserted++
			case local.SameContent(r):
				res.Adopted++
			default:
				conflicts = append(conflicts, domain.Conflict{
					ID:         r.ID,
					Local:      local,
					Remote:     r,
					DetectedAt: now,
				})
			}

			set.put(r)
		}
	})

	return conflicts
}

func (e *SyncEngine) finish(ctx context.Context, span trace.Span, res *CycleResult) {
	span.SetAttributes(
		attribute.Int("sync.pulled", res.Pulled),
		attribute.Int("sync.inserted", res.Inserted),
		attribute.Int("sync.adopted", res.Adopted),
		attribute.Int("sync.conflicts", len(res.Conflicts)))

	if res.PersistErr != nil {
		span.RecordError(res.PersistErr)
		span.SetStatus(codes.Error, "persist failed")
		e.log(ctx).ErrorContext(ctx, "sync cycle not persisted", slog.String("error", res.PersistErr.Error()))
	}

	e.metrics.cycleCompleted(res)

	e.publish(ctx, newCycleCompletedEvent(res))

	if len(res.Conflicts) > 0 {
		e.publish(ctx, newConflictsDetectedEvent(res.CycleID, res.Conflicts))
	}

	e.log(ctx).InfoContext(ctx, "sync cycle completed",
		slog.Duration("duration", res.Duration()),
		slog.Int("pushed", res.Pushed),
		slog.Int("push_failed", res.PushFailed),
		slog.Int("push_skipped", res.PushSkipped),
		slog.Int("pulled", res.Pulled),
		slog.Int("inserted", res.Inserted),
		slog.Int("adopted", res.Adopted),
		slog.Int("conflicts", len(res.Conflicts)),
		slog.Bool("degraded", res.Degraded()))
}

// cycleContext carries a logger tagged with the cycle id, which remote calls
// also forward as their correlation id. A manual trigger keeps its request id.
func (e *SyncEngine) cycleContext(ctx context.Context, cycleID string) context.Context {
	logger := e.logger
	if rid := logging.RequestIDFromContext(ctx); rid != "" {
		logger = logger.With(slog.String("request_id", rid))
	}

	return logging.WithCorrelationID(logging.WithContext(ctx, logger), cycleID)
}

func (e *SyncEngine) log(ctx context.Context) *slog.Logger {
	if logger, ok := logging.Lookup(ctx); ok {
		return logger
	}

	return e.logger
}

func (e *SyncEngine) publish(ctx context.Context, event ports.Event) {
	if e.publisher == nil {
		return
	}

	if err := e.publisher.Publish(ctx, event); err != nil {
		e.log(ctx).WarnContext(ctx, "event not published",
			slog.String("event_type", event.EventType()),
			slog.String("error", err.Error()))
	}
}

// classifyRemoteError classifies remote failures. Parse errors keep their type;
// anything else unclassified becomes a *domain.NetworkError.
func classifyRemoteError(op string, err error) error {
	if domain.IsNetwork(err) || domain.IsParse(err) {
		return err
	}

	return domain.NewNetworkError(op, 0, err)
}
