package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/rcliao/memory-cloud/internal/contenthash"
	"github.com/rcliao/memory-cloud/internal/embedding"
	"github.com/rcliao/memory-cloud/internal/model"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
	now  func() time.Time

	mu      sync.Mutex // guards entropy
	entropy *rand.Rand
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &SQLiteStore{
		db:      db,
		path:    dbPath,
		now:     time.Now,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) newID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(s.now()), s.entropy).String()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS memories (
		content_hash    TEXT PRIMARY KEY,
		content         TEXT NOT NULL,
		tags            TEXT NOT NULL DEFAULT '[]',
		memory_type     TEXT NOT NULL,
		metadata        TEXT,
		created_at      INTEGER NOT NULL,
		updated_at      INTEGER NOT NULL,
		embedding       BLOB,
		source_device   TEXT NOT NULL,
		is_summary      INTEGER NOT NULL DEFAULT 0,
		summarized_from TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_memories_updated ON memories(updated_at);
	CREATE INDEX IF NOT EXISTS idx_memories_type ON memories(memory_type);

	CREATE TABLE IF NOT EXISTS deletion_ledger (
		id           TEXT PRIMARY KEY,
		content_hash TEXT NOT NULL,
		content      TEXT NOT NULL,
		tags         TEXT NOT NULL DEFAULT '[]',
		memory_type  TEXT NOT NULL,
		metadata     TEXT,
		created_at   INTEGER NOT NULL,
		reason       TEXT NOT NULL,
		device_name  TEXT NOT NULL,
		deleted_at   INTEGER NOT NULL,
		pushed_at    INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_ledger_hash ON deletion_ledger(content_hash);
	CREATE INDEX IF NOT EXISTS idx_ledger_pending ON deletion_ledger(pushed_at);

	CREATE TABLE IF NOT EXISTS memory_graph (
		source_hash       TEXT NOT NULL,
		target_hash       TEXT NOT NULL,
		similarity        REAL NOT NULL DEFAULT 0,
		relationship_type TEXT NOT NULL,
		metadata          TEXT,
		updated_at        INTEGER NOT NULL,
		PRIMARY KEY (source_hash, target_hash)
	);
	CREATE INDEX IF NOT EXISTS idx_graph_target ON memory_graph(target_hash);

	CREATE TABLE IF NOT EXISTS store_clock (
		id         INTEGER PRIMARY KEY CHECK (id = 1),
		last_stamp INTEGER NOT NULL
	);
	INSERT OR IGNORE INTO store_clock (id, last_stamp) VALUES (1, 0);

	CREATE TRIGGER IF NOT EXISTS deletion_ledger_no_delete BEFORE DELETE ON deletion_ledger BEGIN
		SELECT RAISE(ABORT, 'deletion ledger is append-only');
	END;
	CREATE TRIGGER IF NOT EXISTS deletion_ledger_immutable
	BEFORE UPDATE OF content_hash, content, tags, memory_type, metadata, created_at, reason, device_name, deleted_at
	ON deletion_ledger BEGIN
		SELECT RAISE(ABORT, 'deletion ledger entries are immutable');
	END;
	`
	_, err := s.db.Exec(schema)
	return err
}

// stamp returns the next updated_at value. It must run inside a write
// transaction: stamps are strictly increasing in commit order, so a reader
// that has seen stamp N will never later observe a commit stamped <= N.
func (s *SQLiteStore) stamp(ctx context.Context, tx *sql.Tx) (time.Time, error) {
	var last int64
	if err := tx.QueryRowContext(ctx, `SELECT last_stamp FROM store_clock WHERE id = 1`).Scan(&last); err != nil {
		return time.Time{}, fmt.Errorf("read clock: %w", err)
	}
	next := s.now().UnixNano()
	if next <= last {
		next = last + 1
	}
	if _, err := tx.ExecContext(ctx, `UPDATE store_clock SET last_stamp = ? WHERE id = 1`, next); err != nil {
		return time.Time{}, fmt.Errorf("advance clock: %w", err)
	}
	return fromNanos(next), nil
}

func (s *SQLiteStore) Ingest(ctx context.Context, p IngestParams) (*IngestResult, error) {
	hash, err := contenthash.Hash(p.Content)
	if err != nil {
		return nil, err
	}
	if !model.ValidTypes[p.MemoryType] {
		return nil, model.Invalid("memory_type", "unknown type %q", p.MemoryType)
	}
	if p.SourceDevice == "" {
		return nil, model.Invalid("source_device", "required")
	}
	tags := model.NormalizeTags(p.Tags)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	existing, err := getRecord(ctx, tx, hash)
	switch {
	case err == nil:
		if !contenthash.Equivalent(existing.Content, p.Content) {
			return nil, fmt.Errorf("%w: %s", model.ErrHashCollision, hash)
		}
		rec, err := s.mergeInto(ctx, tx, existing, tags, p.Metadata, p.Embedding)
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return &IngestResult{Status: StatusMerged, Record: *rec, ExistingHash: hash, Similarity: 1}, nil
	case !errors.Is(err, model.ErrNotFound):
		return nil, err
	}

	if p.NearDupThreshold > 0 && len(p.Embedding) > 0 {
		best, sim, err := nearestOfType(ctx, tx, p.MemoryType, p.Embedding)
		if err != nil {
			return nil, err
		}
		if best != nil && sim > p.NearDupThreshold {
			rec, err := s.mergeInto(ctx, tx, best, tags, p.Metadata, nil)
			if err != nil {
				return nil, err
			}
			if err := tx.Commit(); err != nil {
				return nil, err
			}
			return &IngestResult{
				Status:        StatusMerged,
				Record:        *rec,
				ExistingHash:  best.ContentHash,
				NearDuplicate: true,
				Similarity:    sim,
			}, nil
		}
	}

	ts, err := s.stamp(ctx, tx)
	if err != nil {
		return nil, err
	}
	rec := model.MemoryRecord{
		ContentHash:    hash,
		Content:        p.Content,
		Tags:           tags,
		MemoryType:     p.MemoryType,
		Metadata:       model.CloneMetadata(p.Metadata),
		CreatedAt:      ts,
		UpdatedAt:      ts,
		Embedding:      p.Embedding,
		SourceDevice:   p.SourceDevice,
		IsSummary:      p.IsSummary,
		SummarizedFrom: p.SummarizedFrom,
	}
	if err := insertRecord(ctx, tx, rec); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &IngestResult{Status: StatusCreated, Record: rec}, nil
}

// mergeInto unions tags, adds missing metadata keys, fills a missing
// embedding and bumps updated_at. Content is never touched.
func (s *SQLiteStore) mergeInto(ctx context.Context, tx *sql.Tx, rec *model.MemoryRecord, tags []string, meta map[string]any, emb []float32) (*model.MemoryRecord, error) {
	rec.Tags = model.MergeTags(rec.Tags, tags)
	for k, v := range meta {
		if rec.Metadata == nil {
			rec.Metadata = map[string]any{}
		}
		if _, ok := rec.Metadata[k]; !ok {
			rec.Metadata[k] = v
		}
	}
	if len(rec.Embedding) == 0 && len(emb) > 0 {
		rec.Embedding = emb
	}
	ts, err := s.stamp(ctx, tx)
	if err != nil {
		return nil, err
	}
	rec.UpdatedAt = ts
	if err := updateRecord(ctx, tx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *SQLiteStore) Get(ctx context.Context, hash string) (*model.MemoryRecord, error) {
	hash = strings.ToLower(strings.TrimSpace(hash))
	if len(hash) == 64 {
		return getRecord(ctx, s.db, hash)
	}
	if len(hash) < 6 {
		return nil, model.Invalid("hash", "prefix must be at least 6 characters")
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM memories WHERE content_hash LIKE ? LIMIT 2`, hash+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	recs, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	switch len(recs) {
	case 0:
		return nil, fmt.Errorf("%w: memory %s", model.ErrNotFound, hash)
	case 1:
		return &recs[0], nil
	default:
		return nil, model.Invalid("hash", "prefix %s is ambiguous", hash)
	}
}

func (s *SQLiteStore) List(ctx context.Context, p ListParams) ([]model.MemoryRecord, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}

	where := []string{"1 = 1"}
	var args []any
	if p.MemoryType != "" {
		where = append(where, "memory_type = ?")
		args = append(args, string(p.MemoryType))
	}
	for _, tag := range model.NormalizeTags(p.Tags) {
		where = append(where, "tags LIKE ?")
		args = append(args, "%\""+tag+"\"%")
	}
	if p.SummariesOnly {
		where = append(where, "is_summary = 1")
	} else if p.ExcludeSummaries {
		where = append(where, "is_summary = 0")
	}

	query := fmt.Sprintf(`SELECT %s FROM memories WHERE %s ORDER BY updated_at DESC LIMIT ?`,
		recordColumns, strings.Join(where, " AND "))
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Hashes returns every content hash in the store.
func (s *SQLiteStore) Hashes(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT content_hash FROM memories`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		out[h] = true
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, p DeleteParams) (*model.DeletionLedgerEntry, error) {
	if p.DeviceName == "" {
		return nil, model.Invalid("device_name", "required")
	}
	reason := strings.TrimSpace(p.Reason)
	if reason == "" {
		reason = "manual"
	}

	rec, err := s.Get(ctx, p.Hash)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Re-read under the write lock so the ledger carries the latest payload.
	rec, err = getRecord(ctx, tx, rec.ContentHash)
	if err != nil {
		return nil, err
	}
	ts, err := s.stamp(ctx, tx)
	if err != nil {
		return nil, err
	}
	entry := model.DeletionLedgerEntry{
		ID:          s.newID(),
		ContentHash: rec.ContentHash,
		Content:     rec.Content,
		Tags:        rec.Tags,
		MemoryType:  rec.MemoryType,
		Metadata:    rec.Metadata,
		CreatedAt:   rec.CreatedAt,
		Reason:      reason,
		DeviceName:  p.DeviceName,
		DeletedAt:   ts,
	}
	meta, err := marshalJSON(entry.Metadata)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO deletion_ledger (id, content_hash, content, tags, memory_type, metadata, created_at, reason, device_name, deleted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.ContentHash, entry.Content, marshalTags(entry.Tags), string(entry.MemoryType),
		meta, toNanos(entry.CreatedAt), entry.Reason, entry.DeviceName, toNanos(entry.DeletedAt))
	if err != nil {
		return nil, fmt.Errorf("append ledger: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE content_hash = ?`, rec.ContentHash); err != nil {
		return nil, fmt.Errorf("remove memory: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *SQLiteStore) Restore(ctx context.Context, rec model.MemoryRecord) (bool, error) {
	if err := contenthash.Verify(rec.ContentHash, rec.Content); err != nil {
		return false, fmt.Errorf("restore %s: %w", rec.ContentHash, err)
	}
	if !model.ValidTypes[rec.MemoryType] {
		rec.MemoryType = model.TypeReference
	}
	if rec.SourceDevice == "" {
		rec.SourceDevice = "unknown"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	existing, err := getRecord(ctx, tx, rec.ContentHash)
	if err == nil {
		if !contenthash.Equivalent(existing.Content, rec.Content) {
			return false, fmt.Errorf("%w: %s", model.ErrHashCollision, rec.ContentHash)
		}
		return false, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return false, err
	}

	ts, err := s.stamp(ctx, tx)
	if err != nil {
		return false, err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = ts
	}
	rec.UpdatedAt = ts
	rec.Tags = model.NormalizeTags(rec.Tags)
	if err := insertRecord(ctx, tx, rec); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- row helpers ---

const recordColumns = `content_hash, content, tags, memory_type, metadata, created_at, updated_at,
	embedding, source_device, is_summary, summarized_from`

type scanner interface {
	Scan(dest ...any) error
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func getRecord(ctx context.Context, q querier, hash string) (*model.MemoryRecord, error) {
	row := q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM memories WHERE content_hash = ?`, hash)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: memory %s", model.ErrNotFound, hash)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func insertRecord(ctx context.Context, tx *sql.Tx, r model.MemoryRecord) error {
	meta, err := marshalJSON(r.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO memories (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ContentHash, r.Content, marshalTags(r.Tags), string(r.MemoryType), meta,
		toNanos(r.CreatedAt), toNanos(r.UpdatedAt), encodeEmbedding(r.Embedding), r.SourceDevice,
		boolInt(r.IsSummary), marshalHashes(r.SummarizedFrom))
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

func updateRecord(ctx context.Context, tx *sql.Tx, r *model.MemoryRecord) error {
	meta, err := marshalJSON(r.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE memories SET tags = ?, memory_type = ?, metadata = ?, updated_at = ?, embedding = ?
		 WHERE content_hash = ?`,
		marshalTags(r.Tags), string(r.MemoryType), meta, toNanos(r.UpdatedAt),
		encodeEmbedding(r.Embedding), r.ContentHash)
	if err != nil {
		return fmt.Errorf("update memory: %w", err)
	}
	return nil
}

func scanRecord(row scanner) (model.MemoryRecord, error) {
	var r model.MemoryRecord
	var tagsJSON, memType string
	var meta, summarizedFrom sql.NullString
	var createdAt, updatedAt, isSummary int64
	var emb []byte

	err := row.Scan(&r.ContentHash, &r.Content, &tagsJSON, &memType, &meta, &createdAt, &updatedAt,
		&emb, &r.SourceDevice, &isSummary, &summarizedFrom)
	if err != nil {
		return r, err
	}

	r.MemoryType = model.MemoryType(memType)
	r.CreatedAt = fromNanos(createdAt)
	r.UpdatedAt = fromNanos(updatedAt)
	r.IsSummary = isSummary != 0
	if err := json.Unmarshal([]byte(tagsJSON), &r.Tags); err != nil {
		return r, fmt.Errorf("decode tags for %s: %w", r.ContentHash, err)
	}
	if r.Tags == nil {
		r.Tags = []string{}
	}
	if r.Metadata, err = unmarshalJSON(meta); err != nil {
		return r, fmt.Errorf("decode metadata for %s: %w", r.ContentHash, err)
	}
	if summarizedFrom.Valid && summarizedFrom.String != "" {
		if err := json.Unmarshal([]byte(summarizedFrom.String), &r.SummarizedFrom); err != nil {
			return r, fmt.Errorf("decode summarized_from for %s: %w", r.ContentHash, err)
		}
	}
	if r.Embedding, err = embedding.Decode(emb); err != nil {
		return r, fmt.Errorf("decode embedding for %s: %w", r.ContentHash, err)
	}
	return r, nil
}

func scanRecords(rows *sql.Rows) ([]model.MemoryRecord, error) {
	var out []model.MemoryRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func marshalTags(tags []string) string {
	if tags == nil {
		tags = []string{}
	}
	b, _ := json.Marshal(tags)
	return string(b)
}

func marshalHashes(hashes []string) *string {
	if len(hashes) == 0 {
		return nil
	}
	b, _ := json.Marshal(hashes)
	s := string(b)
	return &s
}

// marshalJSON encodes metadata; a value JSON cannot carry is rejected
// rather than stored as NULL.
func marshalJSON(m map[string]any) (*string, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, model.Invalid("metadata", "not JSON-encodable: %v", err)
	}
	s := string(b)
	return &s, nil
}

func unmarshalJSON(ns sql.NullString) (map[string]any, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// encodeEmbedding returns nil for an absent vector so the column stays NULL.
func encodeEmbedding(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	return embedding.Encode(v)
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
