package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"github.com/rcliao/memory-cloud/internal/cloud"
	"github.com/rcliao/memory-cloud/internal/cloud/mocks"
	"github.com/rcliao/memory-cloud/internal/model"
	"github.com/rcliao/memory-cloud/internal/retry"
	"github.com/rcliao/memory-cloud/internal/store"
)

const device = "laptop"

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "local.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestMirror(t *testing.T) *cloud.SQLiteMirror {
	t.Helper()
	m, err := cloud.NewSQLiteMirror(filepath.Join(t.TempDir(), "mirror.db"), 4)
	if err != nil {
		t.Fatalf("failed to create mirror: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func newTestEngine(local LocalStore, mirror cloud.Mirror) *Engine {
	return New(local, mirror, Options{
		DeviceName: device,
		BatchSize:  50,
		RunTimeout: 10 * time.Second,
		Retry:      retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, CallTimeout: 5 * time.Second},
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func put(t *testing.T, s *store.SQLiteStore, content string, tags ...string) model.MemoryRecord {
	t.Helper()
	res, err := s.Ingest(context.Background(), store.IngestParams{
		Content:      content,
		Tags:         tags,
		MemoryType:   model.TypeDecision,
		SourceDevice: device,
	})
	if err != nil {
		t.Fatalf("ingest %q: %v", content, err)
	}
	return res.Record
}

func TestSyncOnceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, m := newTestStore(t), newTestMirror(t)
	e := newTestEngine(s, m)
	put(t, s, "Use PostgreSQL for the orders service", "db")
	put(t, s, "Deploy on Tuesdays only", "ops")

	rep, err := e.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
	if rep.Inserted != 2 || rep.Status != model.StatusIdle {
		t.Errorf("expected 2 inserted, got %+v", rep)
	}
	hw, _ := s.HighWater(ctx)
	cur, _ := m.Cursor(ctx, device)
	if !cur.LastSyncUpdatedAt.Equal(hw) || cur.RecordsSynced != 2 || cur.Status != model.StatusIdle {
		t.Errorf("expected cursor at %v, got %+v", hw, cur)
	}

	rep, err = e.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	if rep.Upserted() != 0 {
		t.Errorf("expected nothing to push, got %+v", rep)
	}

	// Re-delivering the same window changes nothing.
	if err := m.SaveCursor(ctx, model.SyncCursor{DeviceName: device, Status: model.StatusIdle}); err != nil {
		t.Fatal(err)
	}
	before, _ := m.Records(ctx, cloud.RecordFilter{IncludeDeleted: true})
	rep, err = e.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("replayed sync failed: %v", err)
	}
	if rep.Unchanged != 2 || rep.Inserted != 0 || rep.Merged != 0 {
		t.Errorf("expected 2 unchanged on replay, got %+v", rep)
	}
	after, _ := m.Records(ctx, cloud.RecordFilter{IncludeDeleted: true})
	if len(after) != 2 {
		t.Fatalf("expected 2 cloud rows, got %d", len(after))
	}
	for i := range after {
		if !model.SameTags(before[i].Tags, after[i].Tags) || !before[i].UpdatedAt.Equal(after[i].UpdatedAt) {
			t.Errorf("expected row %s unchanged, got %+v", after[i].ContentHash, after[i])
		}
	}
}

func TestSyncPushesLocalMutations(t *testing.T) {
	ctx := context.Background()
	s, m := newTestStore(t), newTestMirror(t)
	e := newTestEngine(s, m)
	r := put(t, s, "Pin the Go toolchain in CI", "ci")
	if _, err := e.SyncOnce(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := s.AddTags(ctx, r.ContentHash, []string{"go"}); err != nil {
		t.Fatal(err)
	}
	rep, err := e.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if rep.Merged != 1 {
		t.Errorf("expected 1 merged, got %+v", rep)
	}
	got, _ := m.Records(ctx, cloud.RecordFilter{Hashes: []string{r.ContentHash}})
	if len(got) != 1 || !model.SameTags(got[0].Tags, []string{"ci", "go"}) {
		t.Errorf("expected cloud tags [ci go], got %+v", got)
	}
}

func TestSyncBatches(t *testing.T) {
	ctx := context.Background()
	s, m := newTestStore(t), newTestMirror(t)
	e := newTestEngine(s, m)
	e.opts.BatchSize = 2
	for i := 0; i < 5; i++ {
		put(t, s, fmt.Sprintf("batched memory number %d", i))
	}

	rep, err := e.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if rep.Inserted != 5 {
		t.Errorf("expected 5 inserted, got %+v", rep)
	}
	// cursor load, running mark, three batches, cursor save
	if rep.Attempts != 6 {
		t.Errorf("expected 6 cloud calls, got %d", rep.Attempts)
	}
}

func TestSyncDeletionWritesLedgerBeforeTombstone(t *testing.T) {
	ctx := context.Background()
	s, m := newTestStore(t), newTestMirror(t)
	e := newTestEngine(s, m)
	r := put(t, s, "The billing cron runs at 02:00 UTC", "billing")
	if _, err := e.SyncOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Delete(ctx, store.DeleteParams{Hash: r.ContentHash, DeviceName: device, Reason: "obsolete"}); err != nil {
		t.Fatal(err)
	}

	rep, err := e.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if rep.LedgerAppended != 1 || rep.Tombstoned != 1 {
		t.Errorf("expected ledger append and tombstone, got %+v", rep)
	}

	deleted, _ := m.Records(ctx, cloud.RecordFilter{DeletedOnly: true})
	if len(deleted) != 1 || deleted[0].Content != r.Content {
		t.Fatalf("expected tombstoned row kept, got %+v", deleted)
	}
	ledger, _ := m.Ledger(ctx, r.ContentHash)
	if len(ledger) != 1 || ledger[0].Content != r.Content || ledger[0].Reason != "obsolete" {
		t.Errorf("expected full-payload ledger entry, got %+v", ledger)
	}
	pending, _ := s.PendingDeletions(ctx)
	if len(pending) != 0 {
		t.Errorf("expected no pending deletions, got %d", len(pending))
	}
}

func TestSyncDeletionOfNeverSyncedRecord(t *testing.T) {
	ctx := context.Background()
	s, m := newTestStore(t), newTestMirror(t)
	e := newTestEngine(s, m)
	r := put(t, s, "Short-lived note about the VPN")
	if _, err := s.Delete(ctx, store.DeleteParams{Hash: r.ContentHash, DeviceName: device}); err != nil {
		t.Fatal(err)
	}

	if _, err := e.SyncOnce(ctx); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	deleted, _ := m.Records(ctx, cloud.RecordFilter{DeletedOnly: true})
	if len(deleted) != 1 || deleted[0].Content != r.Content {
		t.Errorf("expected row materialised from the ledger, got %+v", deleted)
	}
}

// crashingMirror fails the next n tombstones the way a killed process would.
type crashingMirror struct {
	cloud.Mirror
	failTombstones int
}

func (c *crashingMirror) Tombstone(ctx context.Context, hash string) error {
	if c.failTombstones > 0 {
		c.failTombstones--
		return errors.New("process killed")
	}
	return c.Mirror.Tombstone(ctx, hash)
}

func TestSyncCompletesInterruptedDeletion(t *testing.T) {
	ctx := context.Background()
	s, m := newTestStore(t), newTestMirror(t)
	crashing := &crashingMirror{Mirror: m}
	e := newTestEngine(s, crashing)

	r := put(t, s, "Feature flags live in LaunchDarkly")
	if _, err := e.SyncOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Delete(ctx, store.DeleteParams{Hash: r.ContentHash, DeviceName: device}); err != nil {
		t.Fatal(err)
	}

	crashing.failTombstones = 1
	rep, err := e.SyncOnce(ctx)
	if err == nil || errors.Is(err, ErrDegraded) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if rep.LedgerAppended != 1 || rep.Tombstoned != 0 {
		t.Errorf("expected ledger written without tombstone, got %+v", rep)
	}
	live, _ := m.Records(ctx, cloud.RecordFilter{})
	if len(live) != 1 {
		t.Fatalf("expected row still live after the crash, got %d", len(live))
	}

	rep, err = e.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("recovery sync failed: %v", err)
	}
	if rep.OrphansCompleted != 1 || rep.LedgerAppended != 0 || rep.Tombstoned != 1 {
		t.Errorf("expected orphan completed without a second ledger entry, got %+v", rep)
	}
	ledger, _ := m.Ledger(ctx, r.ContentHash)
	if len(ledger) != 1 {
		t.Errorf("expected exactly 1 ledger entry, got %d", len(ledger))
	}
	deleted, _ := m.Records(ctx, cloud.RecordFilter{DeletedOnly: true})
	if len(deleted) != 1 {
		t.Errorf("expected tombstone completed, got %d", len(deleted))
	}
}

func TestSyncEdges(t *testing.T) {
	ctx := context.Background()
	s, m := newTestStore(t), newTestMirror(t)
	e := newTestEngine(s, m)
	a := put(t, s, "Service A calls service B")
	b := put(t, s, "Service B owns the users table")
	if _, err := s.UpsertEdge(ctx, model.GraphEdge{SourceHash: a.ContentHash, TargetHash: b.ContentHash, RelationshipType: store.RelDependsOn}); err != nil {
		t.Fatal(err)
	}

	rep, err := e.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if rep.Edges != 1 {
		t.Errorf("expected 1 edge pushed, got %d", rep.Edges)
	}
	rep, _ = e.SyncOnce(ctx)
	if rep.Edges != 0 {
		t.Errorf("expected no edges on the second run, got %d", rep.Edges)
	}
	st, _ := m.Stats(ctx)
	if st.Edges != 1 {
		t.Errorf("expected 1 cloud edge, got %d", st.Edges)
	}
}

func TestSyncDegradedAfterRetries(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	s := newTestStore(t)
	put(t, s, "Retry me until the network returns")

	mirror := mocks.NewMockMirror(ctrl)
	mirror.EXPECT().Cursor(gomock.Any(), device).
		Return(model.SyncCursor{DeviceName: device, Status: model.StatusIdle, RecordsSynced: 4}, nil)
	mirror.EXPECT().UpsertRecords(gomock.Any(), device, gomock.Any()).
		Return(cloud.UpsertResult{}, io.ErrUnexpectedEOF).Times(3)
	var saved []model.SyncCursor
	mirror.EXPECT().SaveCursor(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, c model.SyncCursor) error {
			saved = append(saved, c)
			return nil
		}).Times(2)

	e := newTestEngine(s, mirror)
	rep, err := e.SyncOnce(ctx)
	if !errors.Is(err, ErrDegraded) {
		t.Fatalf("expected ErrDegraded, got %v", err)
	}
	if rep.Status != model.StatusDegraded || rep.Attempts != 5 {
		t.Errorf("unexpected report %+v", rep)
	}
	if saved[0].Status != model.StatusSyncing {
		t.Errorf("expected the run to be marked syncing first, got %+v", saved[0])
	}
	if last := saved[1]; last.Status != model.StatusDegraded || !last.LastSyncUpdatedAt.IsZero() || last.RecordsSynced != 4 {
		t.Errorf("expected degraded status with unchanged cursor, got %+v", last)
	}
}

func TestSyncRecoversFromTransientFailure(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	s := newTestStore(t)
	put(t, s, "A flaky link should not lose data")

	mirror := mocks.NewMockMirror(ctrl)
	mirror.EXPECT().Cursor(gomock.Any(), device).
		Return(model.SyncCursor{DeviceName: device, Status: model.StatusNeverSynced}, nil)
	gomock.InOrder(
		mirror.EXPECT().UpsertRecords(gomock.Any(), device, gomock.Any()).
			Return(cloud.UpsertResult{}, context.DeadlineExceeded),
		mirror.EXPECT().UpsertRecords(gomock.Any(), device, gomock.Any()).
			Return(cloud.UpsertResult{Inserted: 1}, nil),
	)
	var saved []model.SyncCursor
	mirror.EXPECT().SaveCursor(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, c model.SyncCursor) error {
			saved = append(saved, c)
			return nil
		}).Times(2)

	e := newTestEngine(s, mirror)
	rep, err := e.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	hw, _ := s.HighWater(ctx)
	last := saved[len(saved)-1]
	if rep.Inserted != 1 || last.Status != model.StatusIdle || !last.LastSyncUpdatedAt.Equal(hw) {
		t.Errorf("expected cursor advanced to %v, got report %+v cursor %+v", hw, rep, last)
	}
}

func TestSyncIntegrityErrorIsFatal(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	s := newTestStore(t)
	put(t, s, "Colliding content")

	mirror := mocks.NewMockMirror(ctrl)
	mirror.EXPECT().Cursor(gomock.Any(), device).
		Return(model.SyncCursor{DeviceName: device, Status: model.StatusIdle}, nil)
	mirror.EXPECT().UpsertRecords(gomock.Any(), device, gomock.Any()).
		Return(cloud.UpsertResult{}, fmt.Errorf("%w: abc", model.ErrHashCollision))
	var saved []model.SyncCursor
	mirror.EXPECT().SaveCursor(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, c model.SyncCursor) error {
			saved = append(saved, c)
			return nil
		}).Times(2)

	e := newTestEngine(s, mirror)
	rep, err := e.SyncOnce(ctx)
	if !errors.Is(err, model.ErrHashCollision) || errors.Is(err, ErrDegraded) {
		t.Fatalf("expected collision error, got %v", err)
	}
	if rep.Status != model.StatusError || rep.Attempts != 3 {
		t.Errorf("expected no retries and error status, got %+v", rep)
	}
	if last := saved[1]; last.Status != model.StatusError || !last.LastSyncUpdatedAt.IsZero() {
		t.Errorf("expected error status with unchanged cursor, got %+v", last)
	}
}

func TestSyncCanceledLeavesCursor(t *testing.T) {
	s, m := newTestStore(t), newTestMirror(t)
	e := newTestEngine(s, m)
	put(t, s, "Cancel before anything is pushed")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep, err := e.SyncOnce(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if rep.Upserted() != 0 {
		t.Errorf("expected nothing pushed, got %+v", rep)
	}
	cur, _ := m.Cursor(context.Background(), device)
	if cur.Status != model.StatusNeverSynced || !cur.LastSyncUpdatedAt.IsZero() {
		t.Errorf("expected cursor untouched, got %+v", cur)
	}
}

func TestSyncOnceRejectsOverlap(t *testing.T) {
	s, m := newTestStore(t), newTestMirror(t)
	e := newTestEngine(s, m)

	e.mu.Lock()
	_, err := e.SyncOnce(context.Background())
	e.mu.Unlock()
	if !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("expected ErrSyncInProgress, got %v", err)
	}
}

func TestRunSyncsUntilCanceled(t *testing.T) {
	s, m := newTestStore(t), newTestMirror(t)
	e := newTestEngine(s, m)
	put(t, s, "Background sync picks this up")

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := e.Run(ctx, 50*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected loop to stop with the context, got %v", err)
	}

	st, err := m.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalRecords != 1 {
		t.Errorf("expected 1 synced record, got %d", st.TotalRecords)
	}
	if err := e.Run(context.Background(), 0); !errors.Is(err, model.ErrValidation) {
		t.Errorf("expected validation error for zero interval, got %v", err)
	}
}

// lateWriter commits one extra memory the first time the engine reads a
// batch, after the pass has already fixed its upper bound.
type lateWriter struct {
	*store.SQLiteStore
	once sync.Once
	late model.MemoryRecord
	err  error
}

func (w *lateWriter) ChangedSince(ctx context.Context, since time.Time, limit int) ([]model.MemoryRecord, error) {
	w.once.Do(func() {
		done := make(chan struct{})
		go func() {
			defer close(done)
			res, err := w.SQLiteStore.Ingest(context.Background(), store.IngestParams{
				Content:      "Written while a sync pass was running",
				MemoryType:   model.TypeLearning,
				SourceDevice: device,
			})
			if err != nil {
				w.err = err
				return
			}
			w.late = res.Record
		}()
		<-done
	})
	return w.SQLiteStore.ChangedSince(ctx, since, limit)
}

func TestSyncWriteDuringPassLandsInNextWindow(t *testing.T) {
	ctx := context.Background()
	s, m := newTestStore(t), newTestMirror(t)
	put(t, s, "Present before the pass starts")
	w := &lateWriter{SQLiteStore: s}
	e := newTestEngine(w, m)

	rep, err := e.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
	if w.err != nil {
		t.Fatalf("concurrent write failed: %v", w.err)
	}
	if rep.Inserted != 1 {
		t.Errorf("expected only the pre-existing record in the first window, got %+v", rep)
	}
	if !rep.CursorAfter.Before(w.late.UpdatedAt) {
		t.Errorf("cursor %v must stay behind the late write at %v", rep.CursorAfter, w.late.UpdatedAt)
	}
	got, _ := m.Records(ctx, cloud.RecordFilter{Hashes: []string{w.late.ContentHash}})
	if len(got) != 0 {
		t.Errorf("late write must not be pushed past the bound, got %+v", got)
	}

	rep, err = e.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	if rep.Inserted != 1 {
		t.Errorf("expected the late write in the next window, got %+v", rep)
	}
	got, _ = m.Records(ctx, cloud.RecordFilter{Hashes: []string{w.late.ContentHash}})
	if len(got) != 1 {
		t.Errorf("expected the late write in the mirror, got %+v", got)
	}
}

func TestSyncConvergesUnderConcurrentWrites(t *testing.T) {
	ctx := context.Background()
	s, m := newTestStore(t), newTestMirror(t)
	e := newTestEngine(s, m)

	const writers = 10
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Ingest(ctx, store.IngestParams{
				Content:      fmt.Sprintf("concurrent memory %d", i),
				MemoryType:   model.TypeDecision,
				SourceDevice: device,
			})
			errs <- err
		}(i)
	}
	for i := 0; i < 3; i++ {
		if _, err := e.SyncOnce(ctx); err != nil {
			t.Fatalf("sync during writes failed: %v", err)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}

	if _, err := e.SyncOnce(ctx); err != nil {
		t.Fatalf("final sync failed: %v", err)
	}
	st, err := m.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalRecords != writers {
		t.Errorf("expected %d records in the mirror, got %d", writers, st.TotalRecords)
	}
}

// cursorWatcher records the device cursor the mirror holds while records
// are being pushed.
type cursorWatcher struct {
	*cloud.SQLiteMirror
	seen []model.SyncCursor
}

func (w *cursorWatcher) UpsertRecords(ctx context.Context, dev string, recs []model.MemoryRecord) (cloud.UpsertResult, error) {
	if c, err := w.SQLiteMirror.Cursor(ctx, dev); err == nil {
		w.seen = append(w.seen, c)
	}
	return w.SQLiteMirror.UpsertRecords(ctx, dev, recs)
}

func TestSyncMarksCursorRunning(t *testing.T) {
	ctx := context.Background()
	s, m := newTestStore(t), newTestMirror(t)
	w := &cursorWatcher{SQLiteMirror: m}
	e := newTestEngine(s, w)
	put(t, s, "Status shows a pass in flight")

	if _, err := e.SyncOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if len(w.seen) != 1 || w.seen[0].Status != model.StatusSyncing {
		t.Fatalf("expected syncing status during the push, got %+v", w.seen)
	}
	if !w.seen[0].LastSyncUpdatedAt.IsZero() {
		t.Errorf("running mark must not move the cursor, got %v", w.seen[0].LastSyncUpdatedAt)
	}
	cur, _ := m.Cursor(ctx, device)
	if cur.Status != model.StatusIdle {
		t.Errorf("expected idle after the pass, got %q", cur.Status)
	}
}

// cancelingStore cancels the run as soon as the pass reaches the local store.
type cancelingStore struct {
	*store.SQLiteStore
	cancel context.CancelFunc
}

func (c *cancelingStore) PendingDeletions(ctx context.Context) ([]model.DeletionLedgerEntry, error) {
	c.cancel()
	return nil, ctx.Err()
}

func TestSyncCanceledMidPassClearsRunningMark(t *testing.T) {
	s, m := newTestStore(t), newTestMirror(t)
	put(t, s, "Canceled after the running mark")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := newTestEngine(&cancelingStore{SQLiteStore: s, cancel: cancel}, m)

	rep, err := e.SyncOnce(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if rep.Status != "canceled" || rep.Upserted() != 0 {
		t.Errorf("expected canceled report with nothing pushed, got %+v", rep)
	}
	cur, _ := m.Cursor(context.Background(), device)
	if cur.Status != model.StatusNeverSynced || !cur.LastSyncUpdatedAt.IsZero() {
		t.Errorf("expected prior status restored and cursor unmoved, got %+v", cur)
	}
}
