package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/rcliao/memory-cloud/internal/contenthash"
	"github.com/rcliao/memory-cloud/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewSQLiteStore(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func ingest(t *testing.T, s *SQLiteStore, content string, tags ...string) *IngestResult {
	t.Helper()
	res, err := s.Ingest(context.Background(), IngestParams{
		Content: content, Tags: tags, MemoryType: model.TypeDecision, SourceDevice: "laptop",
	})
	if err != nil {
		t.Fatalf("ingest %q: %v", content, err)
	}
	return res
}

func TestIngestAndGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	res := ingest(t, s, "Let's go with PostgreSQL for the database", "db")
	if res.Status != StatusCreated {
		t.Fatalf("expected created, got %s", res.Status)
	}
	want, _ := contenthash.Hash("Let's go with PostgreSQL for the database")
	if res.Record.ContentHash != want {
		t.Errorf("expected hash %s, got %s", want, res.Record.ContentHash)
	}

	got, err := s.Get(ctx, want)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Content != "Let's go with PostgreSQL for the database" {
		t.Errorf("unexpected content %q", got.Content)
	}
	if got.SourceDevice != "laptop" || got.MemoryType != model.TypeDecision {
		t.Errorf("unexpected record %+v", got)
	}

	byPrefix, err := s.Get(ctx, want[:10])
	if err != nil {
		t.Fatalf("get by prefix: %v", err)
	}
	if byPrefix.ContentHash != want {
		t.Errorf("expected prefix lookup to resolve %s", want)
	}

	if _, err := s.Get(ctx, "ffffffffff"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestIngestValidation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	tests := []struct {
		name string
		p    IngestParams
	}{
		{"empty content", IngestParams{Content: "  ", MemoryType: model.TypeDecision, SourceDevice: "d"}},
		{"bad type", IngestParams{Content: "x", MemoryType: "bogus", SourceDevice: "d"}},
		{"no device", IngestParams{Content: "x", MemoryType: model.TypeDecision}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Ingest(ctx, tt.p); !errors.Is(err, model.ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}

	st, _ := s.Stats(ctx)
	if st.TotalMemories != 0 {
		t.Errorf("expected nothing stored, got %d", st.TotalMemories)
	}
}

func TestIngestExactDuplicateMergesTags(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first := ingest(t, s, "Use   PostgreSQL for storage", "db")
	second := ingest(t, s, "use postgresql for storage", "infra", "DB")

	if second.Status != StatusMerged || second.ExistingHash != first.Record.ContentHash {
		t.Fatalf("expected merge into %s, got %+v", first.Record.ContentHash, second)
	}
	if !second.Record.UpdatedAt.After(first.Record.UpdatedAt) {
		t.Error("expected updated_at to advance on merge")
	}

	all, _ := s.List(ctx, ListParams{})
	if len(all) != 1 {
		t.Fatalf("expected exactly one record, got %d", len(all))
	}
	if !reflect.DeepEqual(all[0].Tags, []string{"db", "infra"}) {
		t.Errorf("expected tag union, got %v", all[0].Tags)
	}
	if all[0].Content != "Use   PostgreSQL for storage" {
		t.Errorf("expected original content kept, got %q", all[0].Content)
	}
}

func TestIngestNearDuplicate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	base, err := s.Ingest(ctx, IngestParams{
		Content: "deploys go out on tuesdays", MemoryType: model.TypePattern, SourceDevice: "d",
		Embedding: []float32{1, 0, 0}, Tags: []string{"deploy"},
	})
	if err != nil {
		t.Fatal(err)
	}

	near, err := s.Ingest(ctx, IngestParams{
		Content: "we deploy every tuesday", MemoryType: model.TypePattern, SourceDevice: "d",
		Embedding: []float32{0.99, 0.05, 0}, Tags: []string{"release"}, NearDupThreshold: 0.92,
	})
	if err != nil {
		t.Fatal(err)
	}
	if near.Status != StatusMerged || !near.NearDuplicate || near.ExistingHash != base.Record.ContentHash {
		t.Fatalf("expected near-duplicate merge, got %+v", near)
	}
	if !reflect.DeepEqual(near.Record.Tags, []string{"deploy", "release"}) {
		t.Errorf("expected tag union, got %v", near.Record.Tags)
	}

	// Same vector, different type: no merge.
	other, err := s.Ingest(ctx, IngestParams{
		Content: "deploy tuesday is a decision", MemoryType: model.TypeDecision, SourceDevice: "d",
		Embedding: []float32{1, 0, 0}, NearDupThreshold: 0.92,
	})
	if err != nil {
		t.Fatal(err)
	}
	if other.Status != StatusCreated {
		t.Errorf("expected a new record for a different type, got %s", other.Status)
	}

	// Dissimilar vector: no merge.
	far, err := s.Ingest(ctx, IngestParams{
		Content: "fridays are frozen", MemoryType: model.TypePattern, SourceDevice: "d",
		Embedding: []float32{0, 1, 0}, NearDupThreshold: 0.92,
	})
	if err != nil {
		t.Fatal(err)
	}
	if far.Status != StatusCreated {
		t.Errorf("expected a new record, got %s", far.Status)
	}
}

func TestIngestHashCollision(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	res := ingest(t, s, "the cache key includes the tenant")
	if _, err := s.db.Exec(`UPDATE memories SET content = ? WHERE content_hash = ?`, "tampered", res.Record.ContentHash); err != nil {
		t.Fatal(err)
	}

	_, err := s.Ingest(ctx, IngestParams{Content: "the cache key includes the tenant", MemoryType: model.TypeDecision, SourceDevice: "d"})
	if !errors.Is(err, model.ErrHashCollision) {
		t.Fatalf("expected ErrHashCollision, got %v", err)
	}
	got, _ := s.Get(ctx, res.Record.ContentHash)
	if got.Content != "tampered" {
		t.Error("expected existing row untouched on collision")
	}
}

func TestDeleteWritesLedgerAtomically(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	res := ingest(t, s, "Remember  the VPN  rotates monthly", "ops")
	entry, err := s.Delete(ctx, DeleteParams{Hash: res.Record.ContentHash, Reason: "obsolete", DeviceName: "laptop"})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if entry.ID == "" || entry.Content != "Remember  the VPN  rotates monthly" {
		t.Errorf("expected full payload in ledger, got %+v", entry)
	}
	if !entry.CreatedAt.Equal(res.Record.CreatedAt) {
		t.Errorf("expected created_at preserved, got %v", entry.CreatedAt)
	}

	if _, err := s.Get(ctx, res.Record.ContentHash); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected record removed, got %v", err)
	}

	pending, err := s.PendingDeletions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != entry.ID || pending[0].Reason != "obsolete" {
		t.Fatalf("unexpected pending deletions %+v", pending)
	}
	if !reflect.DeepEqual(pending[0].Tags, []string{"ops"}) {
		t.Errorf("expected tags in ledger, got %v", pending[0].Tags)
	}

	if err := s.MarkDeletionPushed(ctx, entry.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkDeletionPushed(ctx, entry.ID); err != nil {
		t.Errorf("expected second mark to be a no-op, got %v", err)
	}
	if err := s.MarkDeletionPushed(ctx, "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	pending, _ = s.PendingDeletions(ctx)
	if len(pending) != 0 {
		t.Errorf("expected no pending deletions, got %d", len(pending))
	}

	all, _ := s.LedgerEntries(ctx, "")
	if len(all) != 1 {
		t.Errorf("expected ledger retained after push, got %d", len(all))
	}
}

func TestLedgerIsAppendOnly(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	res := ingest(t, s, "ledger rows are permanent")
	entry, err := s.Delete(ctx, DeleteParams{Hash: res.Record.ContentHash, DeviceName: "d"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.db.Exec(`DELETE FROM deletion_ledger WHERE id = ?`, entry.ID); err == nil {
		t.Error("expected ledger delete to be rejected")
	}
	if _, err := s.db.Exec(`UPDATE deletion_ledger SET content = 'x' WHERE id = ?`, entry.ID); err == nil {
		t.Error("expected ledger payload update to be rejected")
	}
}

func TestDeleteMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Delete(context.Background(), DeleteParams{Hash: "0123456789abcdef", DeviceName: "d"})
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestChangedSinceIsMonotonic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	a := ingest(t, s, "first fact")
	b := ingest(t, s, "second fact")
	c := ingest(t, s, "third fact")
	if !b.Record.UpdatedAt.After(a.Record.UpdatedAt) || !c.Record.UpdatedAt.After(b.Record.UpdatedAt) {
		t.Fatal("expected strictly increasing stamps with a frozen clock")
	}

	page, err := s.ChangedSince(ctx, time.Time{}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].ContentHash != a.Record.ContentHash {
		t.Fatalf("unexpected first page %+v", page)
	}
	rest, _ := s.ChangedSince(ctx, page[1].UpdatedAt, 10)
	if len(rest) != 1 || rest[0].ContentHash != c.Record.ContentHash {
		t.Fatalf("unexpected second page %+v", rest)
	}

	// A merge moves the record past the high-water mark.
	ingest(t, s, "FIRST fact", "again")
	after, _ := s.ChangedSince(ctx, c.Record.UpdatedAt, 10)
	if len(after) != 1 || after[0].ContentHash != a.Record.ContentHash {
		t.Errorf("expected merged record to be re-selected, got %+v", after)
	}
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	hash, _ := contenthash.Hash("Restored  Content")
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rec := model.MemoryRecord{
		ContentHash: hash, Content: "Restored  Content", Tags: []string{"x"},
		MemoryType: model.TypeLearning, CreatedAt: created, SourceDevice: "desktop",
	}
	ok, err := s.Restore(ctx, rec)
	if err != nil || !ok {
		t.Fatalf("expected restore, got %v, %v", ok, err)
	}
	got, _ := s.Get(ctx, hash)
	if got.Content != "Restored  Content" || !got.CreatedAt.Equal(created) || got.SourceDevice != "desktop" {
		t.Errorf("unexpected restored record %+v", got)
	}

	ok, err = s.Restore(ctx, rec)
	if err != nil || ok {
		t.Errorf("expected idempotent skip, got %v, %v", ok, err)
	}

	bad := rec
	bad.Content = "different"
	if _, err := s.Restore(ctx, bad); !errors.Is(err, model.ErrHashMismatch) {
		t.Errorf("expected ErrHashMismatch, got %v", err)
	}
}

func TestMutations(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	res := ingest(t, s, "staging uses a self-signed cert", "tls")
	h := res.Record.ContentHash

	r, err := s.AddTags(ctx, h, []string{"staging"})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(r.Tags, []string{"staging", "tls"}) {
		t.Errorf("unexpected tags %v", r.Tags)
	}

	r, err = s.Rate(ctx, h, 4)
	if err != nil {
		t.Fatal(err)
	}
	if r.Metadata["quality_rating"] != 4 {
		t.Errorf("expected rating 4, got %v", r.Metadata["quality_rating"])
	}
	if _, err := s.Rate(ctx, h, 9); !errors.Is(err, model.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}

	r, err = s.Reclassify(ctx, h, model.TypeGotcha)
	if err != nil {
		t.Fatal(err)
	}
	if r.MemoryType != model.TypeGotcha {
		t.Errorf("expected gotcha, got %s", r.MemoryType)
	}

	missing, _ := s.MissingEmbeddings(ctx, 10)
	if len(missing) != 1 {
		t.Fatalf("expected 1 record without embedding, got %d", len(missing))
	}
	if _, err := s.SetEmbedding(ctx, h, []float32{0.1, 0.2}); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Get(ctx, h)
	if len(got.Embedding) != 2 || got.Embedding[1] != 0.2 {
		t.Errorf("unexpected embedding %v", got.Embedding)
	}
	if got.Content != "staging uses a self-signed cert" {
		t.Error("expected content unchanged by mutations")
	}
	missing, _ = s.MissingEmbeddings(ctx, 10)
	if len(missing) != 0 {
		t.Errorf("expected no missing embeddings, got %d", len(missing))
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ingest(t, s, "one")
	r := ingest(t, s, "two")
	s.Delete(ctx, DeleteParams{Hash: r.Record.ContentHash, DeviceName: "d"})

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalMemories != 1 || st.LedgerEntries != 1 || st.PendingDeletions != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
	if len(st.Types) != 1 || st.Types[0].MemoryType != "decision" {
		t.Errorf("unexpected type stats %+v", st.Types)
	}
}

func TestExportImport(t *testing.T) {
	ctx := context.Background()
	src := newTestStore(t)

	a := ingest(t, src, "Use pgx for the cloud mirror", "db")
	b := ingest(t, src, "Tombstones are never physically removed", "sync")
	if _, err := src.UpsertEdge(ctx, model.GraphEdge{
		SourceHash: a.Record.ContentHash, TargetHash: b.Record.ContentHash,
		Similarity: 0.5, RelationshipType: RelRelatesTo,
	}); err != nil {
		t.Fatalf("upsert edge: %v", err)
	}

	exp, err := src.ExportAll(ctx)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(exp.Memories) != 2 || len(exp.Edges) != 1 {
		t.Fatalf("expected 2 memories and 1 edge, got %d and %d", len(exp.Memories), len(exp.Edges))
	}

	dst := newTestStore(t)
	res, err := dst.Import(ctx, exp)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if res.Created != 2 || res.Merged != 0 || res.Edges != 1 {
		t.Errorf("unexpected import result %+v", res)
	}
	got, err := dst.Get(ctx, a.Record.ContentHash)
	if err != nil {
		t.Fatalf("get imported: %v", err)
	}
	if got.SourceDevice != "laptop" {
		t.Errorf("expected original device kept, got %q", got.SourceDevice)
	}

	again, err := dst.Import(ctx, exp)
	if err != nil {
		t.Fatalf("second import: %v", err)
	}
	if again.Created != 0 || again.Merged != 2 {
		t.Errorf("expected re-import to merge, got %+v", again)
	}
}

func TestConcurrentIngestSameContentKeepsEveryTag(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	const writers = 20
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Ingest(ctx, IngestParams{
				Content:      "Run migrations before deploying the API",
				Tags:         []string{fmt.Sprintf("tag-%02d", i)},
				MemoryType:   model.TypeDecision,
				SourceDevice: "laptop",
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent ingest: %v", err)
		}
	}

	all, err := s.List(ctx, ListParams{Limit: 100})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("expected one record for one content, got %d", len(all))
	}
	if len(all[0].Tags) != writers {
		t.Errorf("expected %d tags after concurrent merges, got %v", writers, all[0].Tags)
	}
}

func TestMetadataEncodingErrors(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Ingest(ctx, IngestParams{
		Content:      "Metadata must survive the round trip",
		MemoryType:   model.TypeLearning,
		Metadata:     map[string]any{"score": math.NaN()},
		SourceDevice: "laptop",
	})
	if !errors.Is(err, model.ErrValidation) {
		t.Fatalf("expected validation error for unencodable metadata, got %v", err)
	}
	if all, _ := s.List(ctx, ListParams{}); len(all) != 0 {
		t.Errorf("expected nothing stored, got %d records", len(all))
	}

	r := ingest(t, s, "Stored rows are decoded strictly")
	if _, err := s.db.ExecContext(ctx, `UPDATE memories SET metadata = '{broken' WHERE content_hash = ?`, r.Record.ContentHash); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, r.Record.ContentHash); err == nil {
		t.Error("expected corrupt metadata to surface as an error")
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE memories SET metadata = NULL, summarized_from = '[oops' WHERE content_hash = ?`, r.Record.ContentHash); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, r.Record.ContentHash); err == nil {
		t.Error("expected corrupt summarized_from to surface as an error")
	}
}
