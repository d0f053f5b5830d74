package app

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"slices"
	"testing"
	"time"

	"github.com/cucumber/godog"

	"github.com/jsamuelsen/quotesync/internal/domain"
)

// syncWorld holds the components a scenario drives.
type syncWorld struct {
	kv       *memKV
	remote   *fakeRemote
	store    *RecordStore
	resolver *ConflictResolver
	engine   *SyncEngine

	imported *RecordStore
}

func (w *syncWorld) reset() error {
	w.kv = newMemKV()
	w.kv.put(DefaultRecordsKey, `[]`)
	w.remote = newFakeRemote()
	w.store = NewRecordStore(RecordStoreConfig{KV: w.kv, Logger: discardLogger(), Now: fakeClock()})
	w.imported = nil

	if err := w.store.Load(context.Background()); err != nil {
		return err
	}

	w.resolver = NewConflictResolver(w.store, discardLogger(), nil)
	w.engine = NewSyncEngine(SyncEngineConfig{
		Store:       w.store,
		Resolver:    w.resolver,
		Remote:      w.remote,
		Logger:      discardLogger(),
		CallTimeout: time.Second,
	})

	return nil
}

func (w *syncWorld) storeHoldsLocalQuote(id, text, category string) error {
	return w.store.Upsert(localQuote(id, text, category))
}

func (w *syncWorld) storeHoldsSyncedQuote(raw, text, category string) error {
	q := remoteQuote(raw, text)
	q.Category = category

	return w.store.Upsert(q)
}

func (w *syncWorld) remoteHoldsQuote(raw, text string) error {
	w.remote.mu.Lock()
	defer w.remote.mu.Unlock()

	w.remote.pullBatch = append(w.remote.pullBatch, remoteQuote(raw, text))

	return nil
}

func (w *syncWorld) remoteRejectsPushes() error {
	w.remote.mu.Lock()
	defer w.remote.mu.Unlock()

	for _, q := range w.store.Snapshot() {
		w.remote.pushErrs[q.Text] = domain.NewNetworkError("push", 503, errBoom)
	}

	return nil
}

func (w *syncWorld) remoteAcceptsPushes() error {
	w.remote.mu.Lock()
	defer w.remote.mu.Unlock()

	w.remote.pushErrs = make(map[string]error)

	return nil
}

func (w *syncWorld) syncCycleRuns() error {
	_, err := w.engine.RunCycle(context.Background())
	return err
}

func (w *syncWorld) storeHasNoRecord(id string) error {
	if _, ok := w.store.Get(id); ok {
		return fmt.Errorf("record %q still present", id)
	}

	return nil
}

func (w *syncWorld) syncedRemoteRecordHolds(text, category string) error {
	for _, q := range w.store.Snapshot() {
		if q.Text != text || q.Category != category {
			continue
		}

		if !q.Synced || q.Source != domain.SourceRemote || !domain.IsRemoteID(q.ID) {
			return fmt.Errorf("record %q is not a synced remote record: %+v", q.ID, q)
		}

		return nil
	}

	return fmt.Errorf("no record with text %q in category %q", text, category)
}

func (w *syncWorld) storeHoldsRecord(id, text string) error {
	q, ok := w.store.Get(id)
	if !ok {
		return fmt.Errorf("record %q not found", id)
	}

	if q.Text != text {
		return fmt.Errorf("record %q has text %q, want %q", id, q.Text, text)
	}

	return nil
}

func (w *syncWorld) pendingConflicts(n int) error {
	if got := len(w.resolver.Pending()); got != n {
		return fmt.Errorf("got %d pending conflicts, want %d", got, n)
	}

	return nil
}

func (w *syncWorld) conflictHasTexts(id, local, remote string) error {
	for _, c := range w.resolver.Pending() {
		if c.ID != id {
			continue
		}

		if c.Local.Text != local || c.Remote.Text != remote {
			return fmt.Errorf("conflict %q has local %q and remote %q", id, c.Local.Text, c.Remote.Text)
		}

		return nil
	}

	return fmt.Errorf("no pending conflict for %q", id)
}

func (w *syncWorld) localContentRestored(id string) error {
	ok, err := w.resolver.RestoreLocal(context.Background(), id)
	if err != nil {
		return err
	}

	if !ok {
		return fmt.Errorf("%q was not pending", id)
	}

	return nil
}

func (w *syncWorld) remoteContentKept(id string) error {
	ok, err := w.resolver.KeepRemote(context.Background(), id)
	if err != nil {
		return err
	}

	if !ok {
		return fmt.Errorf("%q was not pending", id)
	}

	return nil
}

func (w *syncWorld) recordWaitingToBePushed(id string) error {
	q, ok := w.store.Get(id)
	if !ok {
		return fmt.Errorf("record %q not found", id)
	}

	if !q.PendingPush() {
		return fmt.Errorf("record %q is not waiting to be pushed: %+v", id, q)
	}

	return nil
}

func (w *syncWorld) exportAndImport() error {
	var buf bytes.Buffer
	if err := w.store.Export(&buf); err != nil {
		return err
	}

	w.imported = NewRecordStore(RecordStoreConfig{KV: newMemKV(), Logger: discardLogger()})

	_, err := w.imported.Import(context.Background(), &buf)

	return err
}

func (w *syncWorld) importedStoreMatches() error {
	pairs := func(qs []domain.Quote) []string {
		out := make([]string, 0, len(qs))
		for _, q := range qs {
			out = append(out, q.Category+"|"+q.Text)
		}

		slices.Sort(out)

		return out
	}

	want, got := pairs(w.store.Snapshot()), pairs(w.imported.Snapshot())
	if !slices.Equal(want, got) {
		return fmt.Errorf("imported %v, want %v", got, want)
	}

	return nil
}

// initializeSyncScenario registers step definitions for each scenario.
func initializeSyncScenario(ctx *godog.ScenarioContext) {
	w := &syncWorld{}

	ctx.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
		return ctx, w.reset()
	})

	ctx.Step(`^the store holds a local quote "([^"]*)" with text "([^"]*)" in category "([^"]*)"$`, w.storeHoldsLocalQuote)
	ctx.Step(`^the store holds a synced quote "([^"]*)" with text "([^"]*)" in category "([^"]*)"$`, w.storeHoldsSyncedQuote)
	ctx.Step(`^the remote collection holds quote "([^"]*)" with text "([^"]*)"$`, w.remoteHoldsQuote)
	ctx.Step(`^the remote collection rejects pushes$`, w.remoteRejectsPushes)
	ctx.Step(`^the remote collection accepts pushes$`, w.remoteAcceptsPushes)
	ctx.Step(`^a sync cycle runs$`, w.syncCycleRuns)
	ctx.Step(`^the store has no record "([^"]*)"$`, w.storeHasNoRecord)
	ctx.Step(`^a synced remote record holds text "([^"]*)" in category "([^"]*)"$`, w.syncedRemoteRecordHolds)
	ctx.Step(`^the store holds record "([^"]*)" with text "([^"]*)"$`, w.storeHoldsRecord)
	ctx.Step(`^there are (\d+) pending conflicts$`, w.pendingConflicts)
	ctx.Step(`^the conflict for "([^"]*)" has local text "([^"]*)" and remote text "([^"]*)"$`, w.conflictHasTexts)
	ctx.Step(`^the local content of "([^"]*)" is restored$`, w.localContentRestored)
	ctx.Step(`^the remote content of "([^"]*)" is kept$`, w.remoteContentKept)
	ctx.Step(`^record "([^"]*)" is waiting to be pushed$`, w.recordWaitingToBePushed)
	ctx.Step(`^the collection is exported and imported into an empty store$`, w.exportAndImport)
	ctx.Step(`^the imported store holds the same text and category pairs$`, w.importedStoreMatches)
}

// TestFeatures runs the GoDog scenarios for the sync core.
func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: initializeSyncScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"testdata/features"},
			TestingT: t,
			Tags:     os.Getenv("GODOG_TAGS"),
			Strict:   true,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
