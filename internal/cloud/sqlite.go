package cloud

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rcliao/memory-cloud/internal/embedding"
	"github.com/rcliao/memory-cloud/internal/model"
)

// SQLiteMirror is a Mirror backed by an SQLite file, for a NAS share or a
// second disk. Every write runs in an immediate transaction, which
// serialises writers and so every write to a given hash.
type SQLiteMirror struct {
	db   *sql.DB
	path string
	dims int
	now  func() time.Time
}

// NewSQLiteMirror opens or creates an SQLite mirror at path.
func NewSQLiteMirror(path string, dims int) (*SQLiteMirror, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create mirror dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open mirror: %w", err)
	}
	m := &SQLiteMirror{db: db, path: path, dims: dims, now: time.Now}
	if err := m.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate mirror: %w", err)
	}
	return m, nil
}

func (m *SQLiteMirror) migrate() error {
	_, err := m.db.Exec(`
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
		synced_by       TEXT,
		synced_at       INTEGER NOT NULL,
		local_deleted   INTEGER NOT NULL DEFAULT 0,
		tombstoned_at   INTEGER,
		is_summary      INTEGER NOT NULL DEFAULT 0,
		summarized_from TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_mirror_deleted ON memories(local_deleted);

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
		recorded_at  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_mirror_ledger_hash ON deletion_ledger(content_hash);

	CREATE TABLE IF NOT EXISTS memory_graph (
		source_hash       TEXT NOT NULL,
		target_hash       TEXT NOT NULL,
		similarity        REAL NOT NULL DEFAULT 0,
		relationship_type TEXT NOT NULL,
		metadata          TEXT,
		updated_at        INTEGER NOT NULL,
		PRIMARY KEY (source_hash, target_hash)
	);

	CREATE TABLE IF NOT EXISTS sync_state (
		device_name          TEXT PRIMARY KEY,
		last_sync_at         INTEGER,
		last_sync_updated_at INTEGER NOT NULL DEFAULT 0,
		records_synced       INTEGER NOT NULL DEFAULT 0,
		status               TEXT NOT NULL
	);

	CREATE TRIGGER IF NOT EXISTS mirror_memories_no_delete BEFORE DELETE ON memories BEGIN
		SELECT RAISE(ABORT, 'cloud mirror never deletes records');
	END;
	CREATE TRIGGER IF NOT EXISTS mirror_ledger_no_delete BEFORE DELETE ON deletion_ledger BEGIN
		SELECT RAISE(ABORT, 'deletion ledger is append-only');
	END;
	CREATE TRIGGER IF NOT EXISTS mirror_ledger_immutable BEFORE UPDATE ON deletion_ledger BEGIN
		SELECT RAISE(ABORT, 'deletion ledger entries are immutable');
	END;
	`)
	return err
}

const mirrorColumns = `content_hash, content, tags, memory_type, metadata, created_at, updated_at,
	embedding, source_device, synced_at, local_deleted, is_summary, summarized_from`

func (m *SQLiteMirror) UpsertRecords(ctx context.Context, device string, recs []model.MemoryRecord) (UpsertResult, error) {
	var res UpsertResult
	for _, r := range recs {
		outcome, err := m.upsertOne(ctx, device, r)
		if err != nil {
			return res, err
		}
		switch outcome {
		case outcomeInserted:
			res.Inserted++
		case outcomeMerged:
			res.Merged++
		default:
			res.Unchanged++
		}
	}
	return res, nil
}

type upsertOutcome int

const (
	outcomeUnchanged upsertOutcome = iota
	outcomeInserted
	outcomeMerged
)

func (m *SQLiteMirror) upsertOne(ctx context.Context, device string, r model.MemoryRecord) (upsertOutcome, error) {
	if r.SourceDevice == "" {
		r.SourceDevice = device
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	meta, err := jsonMeta(r.Metadata)
	if err != nil {
		return 0, err
	}
	now := m.now().UnixNano()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO memories (`+mirrorColumns+`, synced_by)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
		 ON CONFLICT (content_hash) DO NOTHING`,
		r.ContentHash, r.Content, jsonTags(r.Tags), string(r.MemoryType), meta,
		r.CreatedAt.UnixNano(), r.UpdatedAt.UnixNano(), blob(r.Embedding), r.SourceDevice, now,
		r.IsSummary, jsonHashes(r.SummarizedFrom), device)
	if err != nil {
		return 0, fmt.Errorf("insert %s: %w", r.ContentHash, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return outcomeInserted, tx.Commit()
	}

	existing, err := scanMirrorRecord(tx.QueryRowContext(ctx,
		`SELECT `+mirrorColumns+` FROM memories WHERE content_hash = ?`, r.ContentHash))
	if err != nil {
		return 0, err
	}
	merged, changed, err := merge(existing, r)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", err, r.ContentHash)
	}
	if !changed {
		return outcomeUnchanged, nil
	}
	if meta, err = jsonMeta(merged.Metadata); err != nil {
		return 0, err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE memories SET tags = ?, memory_type = ?, metadata = ?, updated_at = ?, embedding = ?,
			synced_by = ?, synced_at = ?, local_deleted = 0, tombstoned_at = NULL,
			is_summary = ?, summarized_from = ?
		 WHERE content_hash = ?`,
		jsonTags(merged.Tags), string(merged.MemoryType), meta, merged.UpdatedAt.UnixNano(),
		blob(merged.Embedding), device, now, merged.IsSummary, jsonHashes(merged.SummarizedFrom), r.ContentHash)
	if err != nil {
		return 0, fmt.Errorf("merge %s: %w", r.ContentHash, err)
	}
	return outcomeMerged, tx.Commit()
}

func (m *SQLiteMirror) AppendLedger(ctx context.Context, e model.DeletionLedgerEntry) (bool, error) {
	if e.ID == "" || e.ContentHash == "" {
		return false, model.Invalid("ledger", "entry id and content hash are required")
	}
	meta, err := jsonMeta(e.Metadata)
	if err != nil {
		return false, err
	}
	res, err := m.db.ExecContext(ctx,
		`INSERT INTO deletion_ledger (id, content_hash, content, tags, memory_type, metadata, created_at, reason, device_name, deleted_at, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		e.ID, e.ContentHash, e.Content, jsonTags(e.Tags), string(e.MemoryType), meta,
		e.CreatedAt.UnixNano(), e.Reason, e.DeviceName, e.DeletedAt.UnixNano(), m.now().UnixNano())
	if err != nil {
		return false, fmt.Errorf("append ledger %s: %w", e.ID, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (m *SQLiteMirror) HasLedgerEntry(ctx context.Context, id string) (bool, error) {
	var one int
	err := m.db.QueryRowContext(ctx, `SELECT 1 FROM deletion_ledger WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (m *SQLiteMirror) Tombstone(ctx context.Context, hash string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+ledgerSelect+` FROM deletion_ledger WHERE content_hash = ? ORDER BY deleted_at DESC, id DESC LIMIT 1`, hash)
	if err != nil {
		return err
	}
	entries, err := scanMirrorLedger(rows)
	rows.Close()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("%w: %s", model.ErrTombstoneWithoutLedger, hash)
	}
	latest := entries[0]

	now := m.now().UnixNano()
	res, err := tx.ExecContext(ctx,
		`UPDATE memories SET local_deleted = 1, tombstoned_at = COALESCE(tombstoned_at, ?) WHERE content_hash = ?`, now, hash)
	if err != nil {
		return fmt.Errorf("tombstone %s: %w", hash, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		r := latest.Record()
		meta, err := jsonMeta(r.Metadata)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO memories (`+mirrorColumns+`, synced_by, tombstoned_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, 1, 0, NULL, ?, ?)`,
			r.ContentHash, r.Content, jsonTags(r.Tags), string(r.MemoryType), meta,
			r.CreatedAt.UnixNano(), r.UpdatedAt.UnixNano(), r.SourceDevice, now, latest.DeviceName, now)
		if err != nil {
			return fmt.Errorf("materialise tombstone %s: %w", hash, err)
		}
	}
	return tx.Commit()
}

func (m *SQLiteMirror) ClearTombstone(ctx context.Context, hash string) error {
	_, err := m.db.ExecContext(ctx,
		`UPDATE memories SET local_deleted = 0, tombstoned_at = NULL WHERE content_hash = ?`, hash)
	return err
}

func (m *SQLiteMirror) UpsertEdges(ctx context.Context, edges []model.GraphEdge) error {
	if len(edges) == 0 {
		return nil
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, e := range edges {
		meta, err := jsonMeta(e.Metadata)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO memory_graph (source_hash, target_hash, similarity, relationship_type, metadata, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (source_hash, target_hash) DO UPDATE SET
				similarity = excluded.similarity,
				relationship_type = excluded.relationship_type,
				metadata = excluded.metadata,
				updated_at = excluded.updated_at`,
			e.SourceHash, e.TargetHash, e.Similarity, e.RelationshipType, meta, e.UpdatedAt.UnixNano())
		if err != nil {
			return fmt.Errorf("upsert edge %s -> %s: %w", e.SourceHash, e.TargetHash, err)
		}
	}
	return tx.Commit()
}

func (m *SQLiteMirror) Records(ctx context.Context, f RecordFilter) ([]model.MemoryRecord, error) {
	where := []string{"1 = 1"}
	var args []any
	switch {
	case f.DeletedOnly:
		where = append(where, "local_deleted = 1")
	case !f.IncludeDeleted:
		where = append(where, "local_deleted = 0")
	}
	if f.MemoryType != "" {
		where = append(where, "memory_type = ?")
		args = append(args, string(f.MemoryType))
	}
	if len(f.Hashes) > 0 {
		where = append(where, "content_hash IN (?"+strings.Repeat(", ?", len(f.Hashes)-1)+")")
		for _, h := range f.Hashes {
			args = append(args, h)
		}
	}
	rows, err := m.db.QueryContext(ctx,
		`SELECT `+mirrorColumns+` FROM memories WHERE `+strings.Join(where, " AND ")+` ORDER BY created_at, content_hash`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMirrorRecords(rows)
}

const ledgerSelect = `id, content_hash, content, tags, memory_type, metadata, created_at, reason, device_name, deleted_at`

func (m *SQLiteMirror) Ledger(ctx context.Context, hash string) ([]model.DeletionLedgerEntry, error) {
	query := `SELECT ` + ledgerSelect + ` FROM deletion_ledger`
	var args []any
	if hash != "" {
		query += ` WHERE content_hash = ?`
		args = append(args, hash)
	}
	rows, err := m.db.QueryContext(ctx, query+` ORDER BY deleted_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMirrorLedger(rows)
}

func (m *SQLiteMirror) SearchText(ctx context.Context, query string, includeDeleted bool, limit int) ([]model.MemoryRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	q := "%" + strings.TrimSpace(query) + "%"
	sqlQuery := `SELECT ` + mirrorColumns + ` FROM memories WHERE (content LIKE ? OR tags LIKE ?)`
	if !includeDeleted {
		sqlQuery += ` AND local_deleted = 0`
	}
	rows, err := m.db.QueryContext(ctx, sqlQuery+` ORDER BY updated_at DESC LIMIT ?`, q, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMirrorRecords(rows)
}

func (m *SQLiteMirror) SearchVector(ctx context.Context, vec []float32, includeDeleted bool, limit int) ([]Match, error) {
	if limit <= 0 {
		limit = 20
	}
	recs, err := m.Records(ctx, RecordFilter{IncludeDeleted: includeDeleted})
	if err != nil {
		return nil, err
	}
	var out []Match
	for _, r := range recs {
		if len(r.Embedding) == 0 {
			continue
		}
		out = append(out, Match{Record: r, Similarity: embedding.CosineSimilarity(vec, r.Embedding)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *SQLiteMirror) Cursor(ctx context.Context, device string) (model.SyncCursor, error) {
	c := neverSynced(device)
	var lastSyncAt sql.NullInt64
	var hw int64
	err := m.db.QueryRowContext(ctx,
		`SELECT last_sync_at, last_sync_updated_at, records_synced, status FROM sync_state WHERE device_name = ?`, device).
		Scan(&lastSyncAt, &hw, &c.RecordsSynced, &c.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return neverSynced(device), nil
	}
	if err != nil {
		return c, err
	}
	if lastSyncAt.Valid {
		t := time.Unix(0, lastSyncAt.Int64).UTC()
		c.LastSyncAt = &t
	}
	if hw != 0 {
		c.LastSyncUpdatedAt = time.Unix(0, hw).UTC()
	}
	return c, nil
}

func (m *SQLiteMirror) SaveCursor(ctx context.Context, c model.SyncCursor) error {
	var lastSyncAt any
	if c.LastSyncAt != nil {
		lastSyncAt = c.LastSyncAt.UnixNano()
	}
	var hw int64
	if !c.LastSyncUpdatedAt.IsZero() {
		hw = c.LastSyncUpdatedAt.UnixNano()
	}
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO sync_state (device_name, last_sync_at, last_sync_updated_at, records_synced, status)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (device_name) DO UPDATE SET
			last_sync_at = excluded.last_sync_at,
			last_sync_updated_at = excluded.last_sync_updated_at,
			records_synced = excluded.records_synced,
			status = excluded.status`,
		c.DeviceName, lastSyncAt, hw, c.RecordsSynced, c.Status)
	return err
}

func (m *SQLiteMirror) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{Backend: "sqlite"}
	counts := []struct {
		dst   *int
		query string
	}{
		{&st.TotalRecords, `SELECT COUNT(*) FROM memories`},
		{&st.LiveRecords, `SELECT COUNT(*) FROM memories WHERE local_deleted = 0`},
		{&st.Tombstoned, `SELECT COUNT(*) FROM memories WHERE local_deleted = 1`},
		{&st.Embedded, `SELECT COUNT(*) FROM memories WHERE embedding IS NOT NULL`},
		{&st.LedgerEntries, `SELECT COUNT(*) FROM deletion_ledger`},
		{&st.Edges, `SELECT COUNT(*) FROM memory_graph`},
	}
	for _, c := range counts {
		if err := m.db.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
			return st, err
		}
	}
	rows, err := m.db.QueryContext(ctx, `SELECT device_name FROM sync_state ORDER BY device_name`)
	if err != nil {
		return st, err
	}
	var devices []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			rows.Close()
			return st, err
		}
		devices = append(devices, d)
	}
	rows.Close()
	for _, d := range devices {
		c, err := m.Cursor(ctx, d)
		if err != nil {
			return st, err
		}
		st.Devices = append(st.Devices, c)
	}
	return st, nil
}

func (m *SQLiteMirror) Close() error {
	return m.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMirrorRecord(row rowScanner) (model.MemoryRecord, error) {
	var r model.MemoryRecord
	var tagsJSON, memType string
	var meta, summarizedFrom sql.NullString
	var createdAt, updatedAt, syncedAt int64
	var deleted, isSummary int64
	var emb []byte
	err := row.Scan(&r.ContentHash, &r.Content, &tagsJSON, &memType, &meta, &createdAt, &updatedAt,
		&emb, &r.SourceDevice, &syncedAt, &deleted, &isSummary, &summarizedFrom)
	if err != nil {
		return r, err
	}
	r.MemoryType = model.MemoryType(memType)
	r.CreatedAt = time.Unix(0, createdAt).UTC()
	r.UpdatedAt = time.Unix(0, updatedAt).UTC()
	synced := time.Unix(0, syncedAt).UTC()
	r.SyncedAt = &synced
	r.LocalDeleted = deleted != 0
	r.IsSummary = isSummary != 0
	if err := json.Unmarshal([]byte(tagsJSON), &r.Tags); err != nil {
		return r, fmt.Errorf("decode tags for %s: %w", r.ContentHash, err)
	}
	if r.Tags == nil {
		r.Tags = []string{}
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &r.Metadata); err != nil {
			return r, fmt.Errorf("decode metadata for %s: %w", r.ContentHash, err)
		}
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

func scanMirrorRecords(rows *sql.Rows) ([]model.MemoryRecord, error) {
	var out []model.MemoryRecord
	for rows.Next() {
		r, err := scanMirrorRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanMirrorLedger(rows *sql.Rows) ([]model.DeletionLedgerEntry, error) {
	var out []model.DeletionLedgerEntry
	for rows.Next() {
		var e model.DeletionLedgerEntry
		var tagsJSON, memType string
		var meta sql.NullString
		var createdAt, deletedAt int64
		if err := rows.Scan(&e.ID, &e.ContentHash, &e.Content, &tagsJSON, &memType, &meta,
			&createdAt, &e.Reason, &e.DeviceName, &deletedAt); err != nil {
			return nil, err
		}
		e.MemoryType = model.MemoryType(memType)
		e.CreatedAt = time.Unix(0, createdAt).UTC()
		e.DeletedAt = time.Unix(0, deletedAt).UTC()
		if err := json.Unmarshal([]byte(tagsJSON), &e.Tags); err != nil {
			return nil, fmt.Errorf("decode ledger tags for %s: %w", e.ID, err)
		}
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode ledger metadata for %s: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func jsonTags(tags []string) string {
	if tags == nil {
		tags = []string{}
	}
	b, _ := json.Marshal(tags)
	return string(b)
}

func jsonHashes(h []string) any {
	if len(h) == 0 {
		return nil
	}
	b, _ := json.Marshal(h)
	return string(b)
}

func jsonMeta(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, model.Invalid("metadata", "not JSON-encodable: %v", err)
	}
	return string(b), nil
}

func blob(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	return embedding.Encode(v)
}
