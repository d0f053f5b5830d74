package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jsamuelsen/quotesync/internal/domain"
)

// ConflictResolver holds the conflicts found by the most recent merge and
// applies the two manual overrides. Resolving an id that is not pending is
// a no-op.
type ConflictResolver struct {
	store   *RecordStore
	logger  *slog.Logger
	now     func() time.Time
	metrics *Metrics

	mu    sync.Mutex
	order []string
	byID  map[string]domain.Conflict
}

// NewConflictResolver creates a resolver with no pending conflicts.
// Panics if store is nil.
func NewConflictResolver(store *RecordStore, logger *slog.Logger, metrics *Metrics) *ConflictResolver {
	if store == nil {
		panic("ConflictResolver: store is required")
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &ConflictResolver{
		store:   store,
		logger:  logger.With(slog.String("component", "app.ConflictResolver")),
		now:     store.now,
		metrics: metrics,
		byID:    make(map[string]domain.Conflict),
	}
}

// Pending returns the unresolved conflicts in detection order.
func (r *ConflictResolver) Pending() []domain.Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.Conflict, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}

	return out
}

// replace discards every pending conflict and installs conflicts.
func (r *ConflictResolver) replace(conflicts []domain.Conflict) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.order = make([]string, 0, len(conflicts))
	r.byID = make(map[string]domain.Conflict, len(conflicts))

	for _, c := range conflicts {
		if _, dup := r.byID[c.ID]; !dup {
			r.order = append(r.order, c.ID)
		}

		r.byID[c.ID] = c
	}

	r.metrics.setPendingConflicts(len(r.order))
}

// take removes and returns the pending conflict for id.
func (r *ConflictResolver) take(id string) (domain.Conflict, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byID[id]
	if !ok {
		return domain.Conflict{}, false
	}

	delete(r.byID, id)

	for i, pendingID := range r.order {
		if pendingID == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	r.metrics.setPendingConflicts(len(r.order))

	return c, true
}

// RestoreLocal puts the local snapshot's content back under id as an
// unsynced local record, so the next push phase sends it again.
// Returns false when id is not pending. A persist failure returns true and
// a *domain.StorageError; the restore stands in memory.
func (r *ConflictResolver) RestoreLocal(ctx context.Context, id string) (bool, error) {
	c, ok := r.take(id)
	if !ok {
		r.logger.DebugContext(ctx, "restore-local ignored, not pending", slog.String("quote_id", id))
		return false, nil
	}

	restored := domain.Quote{
		ID:        c.ID,
		Text:      c.Local.Text,
		Category:  c.Local.Category,
		UpdatedAt: r.now().UTC(),
		Synced:    false,
		Source:    domain.SourceLocal,
	}

	if err := r.store.Upsert(restored); err != nil {
		return true, err
	}

	r.metrics.conflictResolved("restore_local")
	r.logger.InfoContext(ctx, "conflict resolved, local restored", slog.String("quote_id", id))

	return true, r.store.Persist(ctx)
}

// KeepRemote confirms the remote snapshot as the stored record and dismisses
// the conflict. Returns false when id is not pending.
func (r *ConflictResolver) KeepRemote(ctx context.Context, id string) (bool, error) {
	c, ok := r.take(id)
	if !ok {
		r.logger.DebugContext(ctx, "keep-remote ignored, not pending", slog.String("quote_id", id))
		return false, nil
	}

	if err := r.store.Upsert(c.Remote); err != nil {
		return true, err
	}

	r.metrics.conflictResolved("keep_remote")
	r.logger.InfoContext(ctx, "conflict resolved, remote kept", slog.String("quote_id", id))

	return true, r.store.Persist(ctx)
}
