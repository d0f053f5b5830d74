package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/jsamuelsen/quotesync/internal/domain"
	"github.com/jsamuelsen/quotesync/internal/ports"
)

var testNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

// discardLogger returns a logger that discards all output.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock returns a clock that advances one second per call.
func fakeClock() func() time.Time {
	var mu sync.Mutex

	now := testNow

	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()

		now = now.Add(time.Second)

		return now
	}
}

// memKV is an in-memory ports.KeyValueStore with failure injection.
type memKV struct {
	mu      sync.Mutex
	data    map[string][]byte
	getErr  error
	setErr  error
	writes  int
	setHook func()
}

func newMemKV() *memKV {
	return &memKV{data: make(map[string][]byte)}
}

func (m *memKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.getErr != nil {
		return nil, m.getErr
	}

	v, ok := m.data[key]
	if !ok {
		return nil, domain.NewNotFoundError("key", key)
	}

	return append([]byte(nil), v...), nil
}

func (m *memKV) Set(ctx context.Context, key string, value []byte) error {
	return m.SetAll(ctx, map[string][]byte{key: value})
}

func (m *memKV) SetAll(_ context.Context, entries map[string][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.setHook != nil {
		m.setHook()
	}

	if m.setErr != nil {
		return domain.NewStorageError("write", "quotes", m.setErr)
	}

	for k, v := range entries {
		m.data[k] = append([]byte(nil), v...)
	}

	m.writes++

	return nil
}

func (m *memKV) Close() error { return nil }

func (m *memKV) put(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = []byte(value)
}

func (m *memKV) value(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return string(m.data[key])
}

func (m *memKV) failWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.setErr = err
}

// fakeRemote is a scriptable ports.RemoteCollection.
type fakeRemote struct {
	mu sync.Mutex

	// pullBatch is returned by Pull, truncated to limit.
	pullBatch []domain.Quote
	pullErr   error
	pullCalls int
	lastLimit int

	// pushIDs maps record text to the raw id returned by Push.
	pushIDs map[string]string
	// pushErrs maps record text to the error returned by Push.
	pushErrs  map[string]error
	pushed    []domain.Quote
	pushBlock chan struct{}
	pushHook  func(q domain.Quote)
	nextID    int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		pushIDs:  make(map[string]string),
		pushErrs: make(map[string]error),
		nextID:   100,
	}
}

func (f *fakeRemote) Pull(ctx context.Context, limit int) ([]domain.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pullCalls++
	f.lastLimit = limit

	if err := ctx.Err(); err != nil {
		return nil, domain.NewNetworkError("pull", 0, err)
	}

	if f.pullErr != nil {
		return nil, f.pullErr
	}

	batch := f.pullBatch
	if len(batch) > limit {
		batch = batch[:limit]
	}

	return append([]domain.Quote(nil), batch...), nil
}

func (f *fakeRemote) Push(ctx context.Context, q domain.Quote) (string, error) {
	f.mu.Lock()
	block := f.pushBlock
	hook := f.pushHook
	f.mu.Unlock()

	if hook != nil {
		hook(q)
	}

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", domain.NewNetworkError("push", 0, ctx.Err())
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.pushed = append(f.pushed, q)

	if err, ok := f.pushErrs[q.Text]; ok {
		return "", err
	}

	if id, ok := f.pushIDs[q.Text]; ok {
		return id, nil
	}

	f.nextID++

	return strconv.Itoa(f.nextID), nil
}

func (f *fakeRemote) setPull(batch ...domain.Quote) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pullBatch = batch
}

func (f *fakeRemote) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.pushed)
}

// remoteQuote builds a pulled record the way the remote adapter does.
func remoteQuote(raw, text string) domain.Quote {
	return domain.Quote{
		ID:        domain.RemoteID(raw),
		Text:      text,
		Category:  domain.RemoteCategory,
		UpdatedAt: testNow,
		Synced:    true,
		Source:    domain.SourceRemote,
	}
}

// mockPublisher is a testify mock of ports.EventPublisher.
type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, event ports.Event) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

// harness wires the sync core over in-memory fakes.
type harness struct {
	kv        *memKV
	remote    *fakeRemote
	store     *RecordStore
	resolver  *ConflictResolver
	engine    *SyncEngine
	scheduler *Scheduler
	service   *QuoteService
}

type harnessOption func(*SyncEngineConfig)

func withMaxPushAttempts(n int) harnessOption {
	return func(c *SyncEngineConfig) { c.MaxPushAttempts = n }
}

func withPublisher(p ports.EventPublisher) harnessOption {
	return func(c *SyncEngineConfig) { c.Publisher = p }
}

func withMetrics(m *Metrics) harnessOption {
	return func(c *SyncEngineConfig) { c.Metrics = m }
}

func withCallTimeout(d time.Duration) harnessOption {
	return func(c *SyncEngineConfig) { c.CallTimeout = d }
}

// newHarness builds an empty, loaded store with the given records.
func newHarness(t *testing.T, records []domain.Quote, opts ...harnessOption) *harness {
	t.Helper()

	h := &harness{kv: newMemKV(), remote: newFakeRemote()}

	if records != nil {
		h.kv.put(DefaultRecordsKey, string(encodeRecords(t, records)))
	}

	h.store = NewRecordStore(RecordStoreConfig{KV: h.kv, Logger: discardLogger(), Now: fakeClock()})
	require.NoError(t, h.store.Load(context.Background()))

	h.resolver = NewConflictResolver(h.store, discardLogger(), nil)

	cfg := SyncEngineConfig{
		Store:           h.store,
		Resolver:        h.resolver,
		Remote:          h.remote,
		Logger:          discardLogger(),
		PullLimit:       5,
		PushConcurrency: 4,
		CallTimeout:     time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	h.engine = NewSyncEngine(cfg)
	h.scheduler = NewScheduler(SchedulerConfig{Runner: h.engine, CycleTimeout: 5 * time.Second, Logger: discardLogger()})
	h.service = NewQuoteService(QuoteServiceConfig{
		Store:     h.store,
		Resolver:  h.resolver,
		Scheduler: h.scheduler,
		Logger:    discardLogger(),
	})

	t.Cleanup(func() { _ = h.scheduler.Shutdown(context.Background()) })

	return h
}

func encodeRecords(t *testing.T, records []domain.Quote) []byte {
	t.Helper()

	kv := newMemKV()
	s := NewRecordStore(RecordStoreConfig{KV: kv, Logger: discardLogger()})
	for _, q := range records {
		require.NoError(t, s.Upsert(q))
	}
	require.NoError(t, s.Persist(context.Background()))

	return []byte(kv.value(DefaultRecordsKey))
}

func localQuote(id, text, category string) domain.Quote {
	return domain.Quote{
		ID:        id,
		Text:      text,
		Category:  category,
		UpdatedAt: testNow,
		Synced:    false,
		Source:    domain.SourceLocal,
	}
}

var errBoom = errors.New("boom")
