// Package app contains the sync core and the service that exposes it.
package app

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/jsamuelsen/quotesync/internal/domain"
)

// QuoteService is the single handle given to the UI layer and the control
// API. It reads the record store and the pending conflicts, applies
// resolutions and drives the scheduler.
type QuoteService struct {
	store     *RecordStore
	resolver  *ConflictResolver
	scheduler *Scheduler
	logger    *slog.Logger
}

// QuoteServiceConfig contains configuration for the quote service.
type QuoteServiceConfig struct {
	Store     *RecordStore
	Resolver  *ConflictResolver
	Scheduler *Scheduler
	Logger    *slog.Logger
}

// NewQuoteService creates a new quote service with the provided dependencies.
// Panics if Store, Resolver or Scheduler is nil.
func NewQuoteService(cfg QuoteServiceConfig) *QuoteService {
	if cfg.Store == nil {
		panic("QuoteService: Store is required")
	}

	if cfg.Resolver == nil {
		panic("QuoteService: Resolver is required")
	}

	if cfg.Scheduler == nil {
		panic("QuoteService: Scheduler is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &QuoteService{
		store:     cfg.Store,
		resolver:  cfg.Resolver,
		scheduler: cfg.Scheduler,
		logger:    logger.With(slog.String("component", "app.QuoteService")),
	}
}

// SyncStatus describes the scheduler and the last cycle.
type SyncStatus struct {
	State            SchedulerState
	AutoSync         bool
	Interval         time.Duration
	LastSync         time.Time
	PendingConflicts int
	PendingPush      int
	Records          int
	LastResult       *CycleResult
}

// Records returns a read-only snapshot of the collection. A non-empty
// category keeps only records in that category.
func (s *QuoteService) Records(category string) []domain.Quote {
	all := s.store.Snapshot()
	if category == "" {
		return all
	}

	out := make([]domain.Quote, 0, len(all))
	for _, q := range all {
		if q.Category == category {
			out = append(out, q)
		}
	}

	return out
}

// Record returns one record or a *domain.NotFoundError.
func (s *QuoteService) Record(id string) (domain.Quote, error) {
	q, ok := s.store.Get(id)
	if !ok {
		return domain.Quote{}, domain.NewNotFoundError("quote", id)
	}

	return q, nil
}

// Categories returns the distinct categories in first-seen order.
func (s *QuoteService) Categories() []string {
	return s.store.Categories()
}

// AddQuote adds a local record; it is pushed by the next cycle.
func (s *QuoteService) AddQuote(ctx context.Context, text, category string) (domain.Quote, error) {
	q, err := s.store.Add(ctx, text, category)
	if err != nil {
		if domain.IsValidation(err) {
			s.logger.DebugContext(ctx, "quote rejected", slog.String("error", err.Error()))
			return domain.Quote{}, err
		}

		s.logger.WarnContext(ctx, "quote added but not persisted",
			slog.String("quote_id", q.ID),
			slog.String("error", err.Error()))

		return q, err
	}

	s.logger.InfoContext(ctx, "quote added",
		slog.String("quote_id", q.ID),
		slog.String("category", q.Category))

	return q, nil
}

// CurrentConflicts returns the conflicts of the most recent cycle that are
// still unresolved.
func (s *QuoteService) CurrentConflicts() []domain.Conflict {
	return s.resolver.Pending()
}

// ResolveRestoreLocal restores the local content of a pending conflict.
// Returns false when id is not pending.
func (s *QuoteService) ResolveRestoreLocal(ctx context.Context, id string) (bool, error) {
	return s.resolver.RestoreLocal(ctx, id)
}

// ResolveKeepRemote dismisses a pending conflict, keeping the remote content.
// Returns false when id is not pending.
func (s *QuoteService) ResolveKeepRemote(ctx context.Context, id string) (bool, error) {
	return s.resolver.KeepRemote(ctx, id)
}

// TriggerSyncNow runs a cycle now, or returns ErrCycleInProgress.
func (s *QuoteService) TriggerSyncNow(ctx context.Context) (*CycleResult, error) {
	return s.scheduler.TriggerNow(ctx)
}

// SetAutoSync turns the periodic timer on with the given interval, or off.
func (s *QuoteService) SetAutoSync(enabled bool, interval time.Duration) error {
	if !enabled {
		s.scheduler.Stop()
		return nil
	}

	return s.scheduler.Start(interval)
}

// SyncStatus reports the scheduler state and collection counters.
func (s *QuoteService) SyncStatus() SyncStatus {
	auto, interval := s.scheduler.AutoSync()

	return SyncStatus{
		State:            s.scheduler.State(),
		AutoSync:         auto,
		Interval:         interval,
		LastSync:         s.store.LastSync(),
		PendingConflicts: len(s.resolver.Pending()),
		PendingPush:      len(s.store.pendingPush(0)),
		Records:          s.store.Len(),
		LastResult:       s.scheduler.LastResult(),
	}
}

// Export writes the collection as JSON.
func (s *QuoteService) Export(w io.Writer) error {
	return s.store.Export(w)
}

// Import appends the records in r as new local records. All or nothing:
// any invalid item returns a *domain.ParseError and nothing is added.
func (s *QuoteService) Import(ctx context.Context, r io.Reader) ([]domain.Quote, error) {
	added, err := s.store.Import(ctx, r)
	if err != nil && domain.IsParse(err) {
		s.logger.InfoContext(ctx, "import rejected", slog.String("error", err.Error()))
	}

	return added, err
}
