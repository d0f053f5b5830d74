package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jsamuelsen/quotesync/internal/domain"
	"github.com/jsamuelsen/quotesync/internal/ports"
)

// Default persistence keys.
const (
	DefaultRecordsKey  = "quotes"
	DefaultLastSyncKey = "lastSync"
)

// RecordStoreConfig contains configuration for the record store.
type RecordStoreConfig struct {
	// KV is the durable backing store. Required.
	KV ports.KeyValueStore

	// RecordsKey and LastSyncKey name the two persisted values.
	RecordsKey  string
	LastSyncKey string

	Logger *slog.Logger

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// RecordStore owns the quote collection. The in-memory state is the source
// of truth; the backing store is written on every mutation and may lag
// behind it after a failed write.
type RecordStore struct {
	kv          ports.KeyValueStore
	recordsKey  string
	lastSyncKey string
	logger      *slog.Logger
	now         func() time.Time

	mu       sync.RWMutex
	set      recordSet
	lastSync time.Time

	// persistMu keeps snapshot order and write order identical.
	persistMu sync.Mutex
}

// NewRecordStore creates an empty store. Call Load before use.
// Panics if KV is nil.
func NewRecordStore(cfg RecordStoreConfig) *RecordStore {
	if cfg.KV == nil {
		panic("RecordStore: KV is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	recordsKey := cfg.RecordsKey
	if recordsKey == "" {
		recordsKey = DefaultRecordsKey
	}

	lastSyncKey := cfg.LastSyncKey
	if lastSyncKey == "" {
		lastSyncKey = DefaultLastSyncKey
	}

	return &RecordStore{
		kv:          cfg.KV,
		recordsKey:  recordsKey,
		lastSyncKey: lastSyncKey,
		logger:      logger.With(slog.String("component", "app.RecordStore")),
		now:         now,
		set:         newRecordSet(),
	}
}

// persistedQuote is the stored representation of a record.
type persistedQuote struct {
	ID           string        `json:"id"`
	Text         string        `json:"text"`
	Category     string        `json:"category"`
	UpdatedAt    time.Time     `json:"updatedAt"`
	Synced       bool          `json:"synced"`
	Source       domain.Source `json:"source"`
	PushAttempts int           `json:"pushAttempts,omitempty"`
}

func toPersisted(q domain.Quote) persistedQuote {
	return persistedQuote{
		ID:           q.ID,
		Text:         q.Text,
		Category:     q.Category,
		UpdatedAt:    q.UpdatedAt.UTC(),
		Synced:       q.Synced,
		Source:       q.Source,
		PushAttempts: q.PushAttempts,
	}
}

func (p persistedQuote) toDomain() domain.Quote {
	q := domain.Quote{
		ID:           p.ID,
		Text:         p.Text,
		Category:     p.Category,
		UpdatedAt:    p.UpdatedAt,
		Synced:       p.Synced,
		Source:       p.Source,
		PushAttempts: p.PushAttempts,
	}

	// Unsynced content is by definition still local.
	if !q.Synced {
		q.Source = domain.SourceLocal
	}

	return q
}

// Load restores the collection from the backing store.
//
// A missing records key seeds the default set and persists it. Malformed
// state is discarded and leaves the store empty. Entries that fail record
// validation, and repeated ids, are dropped one by one. A failed write of
// the seed set is logged. Only a failed read of the records key is returned
// as an error, and the store is left empty.
func (s *RecordStore) Load(ctx context.Context) error {
	raw, err := s.kv.Get(ctx, s.recordsKey)

	switch {
	case domain.IsNotFound(err):
		seeds := domain.DefaultQuotes(s.now().UTC())

		s.mu.Lock()
		s.set = newRecordSet()
		for _, q := range seeds {
			s.set.put(q)
		}
		s.mu.Unlock()

		s.logger.InfoContext(ctx, "no stored records, seeded defaults", slog.Int("count", len(seeds)))

		if err := s.Persist(ctx); err != nil {
			s.logger.WarnContext(ctx, "seeded records not persisted", slog.String("error", err.Error()))
		}

		return nil
	case err != nil:
		return err
	}

	records := s.decodeRecords(ctx, raw)
	lastSync := s.loadLastSync(ctx)

	s.mu.Lock()
	s.set = newRecordSet()
	for _, q := range records {
		s.set.put(q)
	}
	s.lastSync = lastSync
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "records loaded",
		slog.Int("count", len(records)),
		slog.Time("last_sync", lastSync))

	return nil
}

func (s *RecordStore) decodeRecords(ctx context.Context, raw []byte) []domain.Quote {
	var stored []persistedQuote
	if err := json.Unmarshal(raw, &stored); err != nil {
		s.logger.WarnContext(ctx, "discarding malformed stored records",
			slog.String("key", s.recordsKey),
			slog.String("error", err.Error()))

		return nil
	}

	seen := make(map[string]bool, len(stored))
	records := make([]domain.Quote, 0, len(stored))

	for i, p := range stored {
		q := p.toDomain()

		if err := q.Validate(); err != nil {
			s.logger.WarnContext(ctx, "dropping invalid stored record",
				slog.Int("index", i),
				slog.String("error", err.Error()))

			continue
		}

		if seen[q.ID] {
			s.logger.WarnContext(ctx, "dropping duplicate stored record", slog.String("quote_id", q.ID))
			continue
		}

		seen[q.ID] = true
		records = append(records, q)
	}

	return records
}

func (s *RecordStore) loadLastSync(ctx context.Context) time.Time {
	raw, err := s.kv.Get(ctx, s.lastSyncKey)
	if err != nil {
		if !domain.IsNotFound(err) {
			s.logger.WarnContext(ctx, "cannot read last sync time", slog.String("error", err.Error()))
		}

		return time.Time{}
	}

	var t time.Time
	if err := json.Unmarshal(raw, &t); err != nil {
		s.logger.WarnContext(ctx, "discarding malformed last sync time", slog.String("error", err.Error()))
		return time.Time{}
	}

	return t
}

// Add validates and appends a new local record, then persists.
// Invalid input returns *domain.ValidationError and leaves the store
// unchanged. A failed persist returns the added record together with a
// *domain.StorageError; the record stays in memory.
func (s *RecordStore) Add(ctx context.Context, text, category string) (domain.Quote, error) {
	q, err := domain.NewLocalQuote(text, category, s.now().UTC())
	if err != nil {
		return domain.Quote{}, err
	}

	s.mu.Lock()
	s.set.put(q)
	s.mu.Unlock()

	s.logger.DebugContext(ctx, "record added", slog.String("quote_id", q.ID))

	return q, s.Persist(ctx)
}

// Upsert inserts q or replaces the record with the same id. It does not
// persist.
func (s *RecordStore) Upsert(q domain.Quote) error {
	if err := q.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.set.put(q)

	return nil
}

// Persist writes the whole collection and the last sync time.
// Failure is a *domain.StorageError; memory is never rolled back.
func (s *RecordStore) Persist(ctx context.Context) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.RLock()
	stored := make([]persistedQuote, 0, s.set.len())
	for _, q := range s.set.records {
		stored = append(stored, toPersisted(q))
	}
	lastSync := s.lastSync
	s.mu.RUnlock()

	records, err := json.Marshal(stored)
	if err != nil {
		return domain.NewStorageError("encode", s.recordsKey, err)
	}

	entries := map[string][]byte{s.recordsKey: records}

	if !lastSync.IsZero() {
		ts, err := json.Marshal(lastSync.UTC())
		if err != nil {
			return domain.NewStorageError("encode", s.lastSyncKey, err)
		}

		entries[s.lastSyncKey] = ts
	}

	if err := s.kv.SetAll(ctx, entries); err != nil {
		s.logger.ErrorContext(ctx, "persist failed", slog.String("error", err.Error()))

		if domain.IsStorage(err) {
			return err
		}

		return domain.NewStorageError("write", s.recordsKey, err)
	}

	return nil
}

// SetLastSync records the completion time of a sync cycle. It does not persist.
func (s *RecordStore) SetLastSync(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastSync = t
}

// LastSync returns the completion time of the last sync cycle, or the zero
// time if none ever completed.
func (s *RecordStore) LastSync() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.lastSync
}

// Snapshot returns a copy of every record in insertion order.
func (s *RecordStore) Snapshot() []domain.Quote {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Quote, len(s.set.records))
	copy(out, s.set.records)

	return out
}

// Get returns the record with the given id.
func (s *RecordStore) Get(id string) (domain.Quote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.set.get(id)
}

// Len returns the number of records.
func (s *RecordStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.set.len()
}

// Categories returns the distinct categories in first-seen order.
func (s *RecordStore) Categories() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	out := make([]string, 0)

	for _, q := range s.set.records {
		if !seen[q.Category] {
			seen[q.Category] = true
			out = append(out, q.Category)
		}
	}

	return out
}

// pendingPush returns the records the next push phase should send.
// maxAttempts of zero means unbounded.
func (s *RecordStore) pendingPush(maxAttempts int) []domain.Quote {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Quote

	for _, q := range s.set.records {
		if !q.PendingPush() {
			continue
		}

		if maxAttempts > 0 && q.PushAttempts >= maxAttempts {
			continue
		}

		out = append(out, q)
	}

	return out
}

// batch runs fn with exclusive access to the records.
func (s *RecordStore) batch(fn func(set *recordSet)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn(&s.set)
}

// exportedQuote is the shape written by Export.
type exportedQuote struct {
	ID        string        `json:"id"`
	Text      string        `json:"text"`
	Category  string        `json:"category"`
	UpdatedAt time.Time     `json:"updatedAt"`
	Synced    bool          `json:"synced"`
	Source    domain.Source `json:"source"`
}

// Export writes every record as an indented JSON array.
func (s *RecordStore) Export(w io.Writer) error {
	records := s.Snapshot()

	out := make([]exportedQuote, 0, len(records))
	for _, q := range records {
		out = append(out, exportedQuote{
			ID:        q.ID,
			Text:      q.Text,
			Category:  q.Category,
			UpdatedAt: q.UpdatedAt.UTC(),
			Synced:    q.Synced,
			Source:    q.Source,
		})
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encoding export: %w", err)
	}

	return nil
}

// importedQuote is the shape accepted by Import. Only text and category are
// used; every imported item becomes a new local record.
type importedQuote struct {
	Text     *string `json:"text"`
	Category *string `json:"category"`
}

// Import reads a JSON array of {text, category} objects and appends each
// as a fresh unsynced local record, then persists. Any malformed or invalid
// item rejects the whole input with a *domain.ParseError and the store is
// unchanged. A failed persist returns the added records and a
// *domain.StorageError.
func (s *RecordStore) Import(ctx context.Context, r io.Reader) ([]domain.Quote, error) {
	var items []importedQuote
	if err := json.NewDecoder(r).Decode(&items); err != nil {
		return nil, domain.NewParseError("import", "expected a JSON array of quotes", err)
	}

	now := s.now().UTC()
	added := make([]domain.Quote, 0, len(items))

	for i, item := range items {
		if item.Text == nil || item.Category == nil {
			return nil, domain.NewParseError("import", fmt.Sprintf("item %d: text and category are required", i), nil)
		}

		q, err := domain.NewLocalQuote(*item.Text, *item.Category, now)
		if err != nil {
			return nil, domain.NewParseError("import", fmt.Sprintf("item %d", i), err)
		}

		added = append(added, q)
	}

	s.mu.Lock()
	for _, q := range added {
		s.set.put(q)
	}
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "records imported", slog.Int("count", len(added)))

	return added, s.Persist(ctx)
}

// recordSet is an ordered collection with an id index. Not safe for
// concurrent use; RecordStore guards it.
type recordSet struct {
	records []domain.Quote
	index   map[string]int
}

func newRecordSet() recordSet {
	return recordSet{index: make(map[string]int)}
}

func (r *recordSet) len() int {
	return len(r.records)
}

func (r *recordSet) get(id string) (domain.Quote, bool) {
	i, ok := r.index[id]
	if !ok {
		return domain.Quote{}, false
	}

	return r.records[i], true
}

// put inserts q at the end, or replaces the record with the same id in place.
func (r *recordSet) put(q domain.Quote) {
	if i, ok := r.index[q.ID]; ok {
		r.records[i] = q
		return
	}

	r.index[q.ID] = len(r.records)
	r.records = append(r.records, q)
}

// rename replaces the record stored under oldID with q, keeping its position.
// q.ID must not already be held by another record.
func (r *recordSet) rename(oldID string, q domain.Quote) {
	i, ok := r.index[oldID]
	if !ok {
		r.put(q)
		return
	}

	delete(r.index, oldID)
	r.records[i] = q
	r.index[q.ID] = i
}

// sameRecord reports whether two records are identical, comparing time by instant.
func sameRecord(a, b domain.Quote) bool {
	return a.ID == b.ID &&
		a.Text == b.Text &&
		a.Category == b.Category &&
		a.UpdatedAt.Equal(b.UpdatedAt) &&
		a.Synced == b.Synced &&
		a.Source == b.Source &&
		a.PushAttempts == b.PushAttempts
}
