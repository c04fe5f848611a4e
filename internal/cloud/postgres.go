package cloud

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/rcliao/memory-cloud/internal/model"
)

// PostgresMirror is a Mirror backed by Postgres with pgvector.
type PostgresMirror struct {
	pool *pgxpool.Pool
	dims int
}

// NewPostgresMirror connects and ensures the schema exists.
func NewPostgresMirror(ctx context.Context, databaseURL string, dims int) (*PostgresMirror, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse cloud url: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect cloud: %w", err)
	}
	m := &PostgresMirror{pool: pool, dims: dims}
	if err := m.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return m, nil
}

// EnsureSchema creates the mirror tables. Triggers reject DELETE on records
// and any change to ledger entries.
func (m *PostgresMirror) EnsureSchema(ctx context.Context) error {
	if _, err := m.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}
	if _, err := m.pool.Exec(ctx, pgSchema(m.dims)); err != nil {
		return fmt.Errorf("ensure cloud schema: %w", err)
	}
	return nil
}

// pgSchema returns the mirror DDL for embeddings of the given width.
func pgSchema(dims int) string {
	return strings.Replace(pgSchemaTemplate, "__DIMS__", strconv.Itoa(dims), 1)
}

const pgSchemaTemplate = `
CREATE TABLE IF NOT EXISTS memories (
  content_hash TEXT PRIMARY KEY,
  content TEXT NOT NULL,
  tags TEXT[] NOT NULL DEFAULT '{}',
  memory_type TEXT NOT NULL,
  metadata JSONB NOT NULL DEFAULT '{}',
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  embedding VECTOR(__DIMS__),
  source_device TEXT NOT NULL,
  synced_by TEXT,
  synced_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  local_deleted BOOLEAN NOT NULL DEFAULT false,
  tombstoned_at TIMESTAMPTZ,
  is_summary BOOLEAN NOT NULL DEFAULT false,
  summarized_from TEXT[] NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_memories_local_deleted ON memories(local_deleted);
CREATE INDEX IF NOT EXISTS idx_memories_tags ON memories USING GIN(tags);

CREATE TABLE IF NOT EXISTS deletion_ledger (
  id TEXT PRIMARY KEY,
  content_hash TEXT NOT NULL,
  content TEXT NOT NULL,
  tags TEXT[] NOT NULL DEFAULT '{}',
  memory_type TEXT NOT NULL,
  metadata JSONB NOT NULL DEFAULT '{}',
  created_at TIMESTAMPTZ NOT NULL,
  reason TEXT NOT NULL,
  device_name TEXT NOT NULL,
  deleted_at TIMESTAMPTZ NOT NULL,
  recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_deletion_ledger_hash ON deletion_ledger(content_hash);

CREATE TABLE IF NOT EXISTS memory_graph (
  source_hash TEXT NOT NULL,
  target_hash TEXT NOT NULL,
  similarity DOUBLE PRECISION NOT NULL DEFAULT 0,
  relationship_type TEXT NOT NULL,
  metadata JSONB NOT NULL DEFAULT '{}',
  updated_at TIMESTAMPTZ NOT NULL,
  PRIMARY KEY (source_hash, target_hash)
);

CREATE TABLE IF NOT EXISTS sync_state (
  device_name TEXT PRIMARY KEY,
  last_sync_at TIMESTAMPTZ,
  last_sync_updated_at_ns BIGINT NOT NULL DEFAULT 0,
  records_synced BIGINT NOT NULL DEFAULT 0,
  status TEXT NOT NULL
);

CREATE OR REPLACE FUNCTION memory_cloud_append_only() RETURNS trigger AS $$
BEGIN
  RAISE EXCEPTION '% on % is not allowed', TG_OP, TG_TABLE_NAME;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS memories_no_delete ON memories;
CREATE TRIGGER memories_no_delete BEFORE DELETE ON memories
  FOR EACH ROW EXECUTE FUNCTION memory_cloud_append_only();
DROP TRIGGER IF EXISTS deletion_ledger_no_change ON deletion_ledger;
CREATE TRIGGER deletion_ledger_no_change BEFORE UPDATE OR DELETE ON deletion_ledger
  FOR EACH ROW EXECUTE FUNCTION memory_cloud_append_only();
`

const pgRecordColumns = `content_hash, content, tags, memory_type, metadata, created_at, updated_at,
  embedding, source_device, synced_at, local_deleted, is_summary, summarized_from`

func (m *PostgresMirror) UpsertRecords(ctx context.Context, device string, recs []model.MemoryRecord) (UpsertResult, error) {
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

func (m *PostgresMirror) upsertOne(ctx context.Context, device string, r model.MemoryRecord) (upsertOutcome, error) {
	if r.SourceDevice == "" {
		r.SourceDevice = device
	}
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
INSERT INTO memories (content_hash, content, tags, memory_type, metadata, created_at, updated_at,
  embedding, source_device, synced_by, synced_at, is_summary, summarized_from)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), $11, $12)
ON CONFLICT (content_hash) DO NOTHING`,
		r.ContentHash, r.Content, nonNilTags(r.Tags), string(r.MemoryType), nonNilMeta(r.Metadata),
		r.CreatedAt, r.UpdatedAt, pgVector(r.Embedding), r.SourceDevice, device,
		r.IsSummary, nonNilTags(r.SummarizedFrom))
	if err != nil {
		return 0, fmt.Errorf("insert %s: %w", r.ContentHash, err)
	}
	if tag.RowsAffected() == 1 {
		return outcomeInserted, tx.Commit(ctx)
	}

	existing, err := scanPgRecord(tx.QueryRow(ctx,
		`SELECT `+pgRecordColumns+` FROM memories WHERE content_hash = $1 FOR UPDATE`, r.ContentHash))
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
	_, err = tx.Exec(ctx, `
UPDATE memories SET tags = $2, memory_type = $3, metadata = $4, updated_at = $5, embedding = $6,
  synced_by = $7, synced_at = NOW(), local_deleted = false, tombstoned_at = NULL,
  is_summary = $8, summarized_from = $9
WHERE content_hash = $1`,
		r.ContentHash, nonNilTags(merged.Tags), string(merged.MemoryType), nonNilMeta(merged.Metadata),
		merged.UpdatedAt, pgVector(merged.Embedding), device, merged.IsSummary, nonNilTags(merged.SummarizedFrom))
	if err != nil {
		return 0, fmt.Errorf("merge %s: %w", r.ContentHash, err)
	}
	return outcomeMerged, tx.Commit(ctx)
}

func (m *PostgresMirror) AppendLedger(ctx context.Context, e model.DeletionLedgerEntry) (bool, error) {
	if e.ID == "" || e.ContentHash == "" {
		return false, model.Invalid("ledger", "entry id and content hash are required")
	}
	tag, err := m.pool.Exec(ctx, `
INSERT INTO deletion_ledger (id, content_hash, content, tags, memory_type, metadata, created_at, reason, device_name, deleted_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO NOTHING`,
		e.ID, e.ContentHash, e.Content, nonNilTags(e.Tags), string(e.MemoryType), nonNilMeta(e.Metadata),
		e.CreatedAt, e.Reason, e.DeviceName, e.DeletedAt)
	if err != nil {
		return false, fmt.Errorf("append ledger %s: %w", e.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (m *PostgresMirror) HasLedgerEntry(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := m.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM deletion_ledger WHERE id = $1)`, id).Scan(&exists)
	return exists, err
}

func (m *PostgresMirror) Tombstone(ctx context.Context, hash string) error {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `SELECT `+pgLedgerColumns+` FROM deletion_ledger
WHERE content_hash = $1 ORDER BY deleted_at DESC, id DESC LIMIT 1`, hash)
	if err != nil {
		return err
	}
	entries, err := scanPgLedger(rows)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("%w: %s", model.ErrTombstoneWithoutLedger, hash)
	}
	latest := entries[0]

	tag, err := tx.Exec(ctx, `UPDATE memories SET local_deleted = true, tombstoned_at = COALESCE(tombstoned_at, NOW())
WHERE content_hash = $1`, hash)
	if err != nil {
		return fmt.Errorf("tombstone %s: %w", hash, err)
	}
	if tag.RowsAffected() == 0 {
		r := latest.Record()
		_, err = tx.Exec(ctx, `
INSERT INTO memories (content_hash, content, tags, memory_type, metadata, created_at, updated_at,
  source_device, synced_by, local_deleted, tombstoned_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, true, NOW())
ON CONFLICT (content_hash) DO UPDATE SET local_deleted = true, tombstoned_at = NOW()`,
			r.ContentHash, r.Content, nonNilTags(r.Tags), string(r.MemoryType), nonNilMeta(r.Metadata),
			r.CreatedAt, r.UpdatedAt, r.SourceDevice, latest.DeviceName)
		if err != nil {
			return fmt.Errorf("materialise tombstone %s: %w", hash, err)
		}
	}
	return tx.Commit(ctx)
}

func (m *PostgresMirror) ClearTombstone(ctx context.Context, hash string) error {
	_, err := m.pool.Exec(ctx,
		`UPDATE memories SET local_deleted = false, tombstoned_at = NULL WHERE content_hash = $1`, hash)
	return err
}

func (m *PostgresMirror) UpsertEdges(ctx context.Context, edges []model.GraphEdge) error {
	if len(edges) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range edges {
		batch.Queue(`
INSERT INTO memory_graph (source_hash, target_hash, similarity, relationship_type, metadata, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (source_hash, target_hash) DO UPDATE SET
  similarity = EXCLUDED.similarity,
  relationship_type = EXCLUDED.relationship_type,
  metadata = EXCLUDED.metadata,
  updated_at = EXCLUDED.updated_at`,
			e.SourceHash, e.TargetHash, e.Similarity, e.RelationshipType, nonNilMeta(e.Metadata), e.UpdatedAt)
	}
	if err := m.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert edges: %w", err)
	}
	return nil
}

func (m *PostgresMirror) Records(ctx context.Context, f RecordFilter) ([]model.MemoryRecord, error) {
	query := `SELECT ` + pgRecordColumns + ` FROM memories WHERE TRUE`
	var args []any
	switch {
	case f.DeletedOnly:
		query += ` AND local_deleted`
	case !f.IncludeDeleted:
		query += ` AND NOT local_deleted`
	}
	if f.MemoryType != "" {
		args = append(args, string(f.MemoryType))
		query += fmt.Sprintf(` AND memory_type = $%d`, len(args))
	}
	if len(f.Hashes) > 0 {
		args = append(args, f.Hashes)
		query += fmt.Sprintf(` AND content_hash = ANY($%d)`, len(args))
	}
	rows, err := m.pool.Query(ctx, query+` ORDER BY created_at, content_hash`, args...)
	if err != nil {
		return nil, err
	}
	return scanPgRecords(rows)
}

const pgLedgerColumns = `id, content_hash, content, tags, memory_type, metadata, created_at, reason, device_name, deleted_at`

func (m *PostgresMirror) Ledger(ctx context.Context, hash string) ([]model.DeletionLedgerEntry, error) {
	query := `SELECT ` + pgLedgerColumns + ` FROM deletion_ledger`
	var args []any
	if hash != "" {
		query += ` WHERE content_hash = $1`
		args = append(args, hash)
	}
	rows, err := m.pool.Query(ctx, query+` ORDER BY deleted_at, id`, args...)
	if err != nil {
		return nil, err
	}
	return scanPgLedger(rows)
}

func (m *PostgresMirror) SearchText(ctx context.Context, query string, includeDeleted bool, limit int) ([]model.MemoryRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	sqlQuery := `SELECT ` + pgRecordColumns + ` FROM memories
WHERE (content ILIKE '%' || $1 || '%' OR $1 = ANY(tags))`
	if !includeDeleted {
		sqlQuery += ` AND NOT local_deleted`
	}
	rows, err := m.pool.Query(ctx, sqlQuery+` ORDER BY updated_at DESC LIMIT $2`, query, limit)
	if err != nil {
		return nil, err
	}
	return scanPgRecords(rows)
}

func (m *PostgresMirror) SearchVector(ctx context.Context, vec []float32, includeDeleted bool, limit int) ([]Match, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + pgRecordColumns + `, 1 - (embedding <=> $1) AS similarity FROM memories
WHERE embedding IS NOT NULL`
	if !includeDeleted {
		query += ` AND NOT local_deleted`
	}
	rows, err := m.pool.Query(ctx, query+` ORDER BY embedding <=> $1 LIMIT $2`, pgvector.NewVector(vec), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Match
	for rows.Next() {
		var sim float64
		r, err := scanPgRecordWith(rows, &sim)
		if err != nil {
			return nil, err
		}
		out = append(out, Match{Record: r, Similarity: sim})
	}
	return out, rows.Err()
}

func (m *PostgresMirror) Cursor(ctx context.Context, device string) (model.SyncCursor, error) {
	c := neverSynced(device)
	var lastSyncAt *time.Time
	var hw int64
	err := m.pool.QueryRow(ctx, `
SELECT last_sync_at, last_sync_updated_at_ns, records_synced, status FROM sync_state WHERE device_name = $1`, device).
		Scan(&lastSyncAt, &hw, &c.RecordsSynced, &c.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return neverSynced(device), nil
	}
	if err != nil {
		return c, err
	}
	if lastSyncAt != nil {
		t := lastSyncAt.UTC()
		c.LastSyncAt = &t
	}
	if hw != 0 {
		c.LastSyncUpdatedAt = time.Unix(0, hw).UTC()
	}
	return c, nil
}

func (m *PostgresMirror) SaveCursor(ctx context.Context, c model.SyncCursor) error {
	var hw int64
	if !c.LastSyncUpdatedAt.IsZero() {
		hw = c.LastSyncUpdatedAt.UnixNano()
	}
	_, err := m.pool.Exec(ctx, `
INSERT INTO sync_state (device_name, last_sync_at, last_sync_updated_at_ns, records_synced, status)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (device_name) DO UPDATE SET
  last_sync_at = EXCLUDED.last_sync_at,
  last_sync_updated_at_ns = EXCLUDED.last_sync_updated_at_ns,
  records_synced = EXCLUDED.records_synced,
  status = EXCLUDED.status`,
		c.DeviceName, c.LastSyncAt, hw, c.RecordsSynced, c.Status)
	return err
}

func (m *PostgresMirror) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{Backend: "postgres"}
	err := m.pool.QueryRow(ctx, `
SELECT COUNT(*),
       COUNT(*) FILTER (WHERE NOT local_deleted),
       COUNT(*) FILTER (WHERE local_deleted),
       COUNT(*) FILTER (WHERE embedding IS NOT NULL),
       (SELECT COUNT(*) FROM deletion_ledger),
       (SELECT COUNT(*) FROM memory_graph)
FROM memories`).Scan(&st.TotalRecords, &st.LiveRecords, &st.Tombstoned, &st.Embedded, &st.LedgerEntries, &st.Edges)
	if err != nil {
		return st, err
	}

	rows, err := m.pool.Query(ctx, `SELECT device_name FROM sync_state ORDER BY device_name`)
	if err != nil {
		return st, err
	}
	devices, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return st, err
	}
	for _, d := range devices {
		c, err := m.Cursor(ctx, d)
		if err != nil {
			return st, err
		}
		st.Devices = append(st.Devices, c)
	}
	return st, nil
}

func (m *PostgresMirror) Close() error {
	m.pool.Close()
	return nil
}

func scanPgRecord(row pgx.Row) (model.MemoryRecord, error) {
	return scanPgRecordWith(row)
}

func scanPgRecordWith(row pgx.Row, extra ...any) (model.MemoryRecord, error) {
	var r model.MemoryRecord
	var memType string
	var vec *pgvector.Vector
	var syncedAt time.Time
	dest := []any{&r.ContentHash, &r.Content, &r.Tags, &memType, &r.Metadata, &r.CreatedAt, &r.UpdatedAt,
		&vec, &r.SourceDevice, &syncedAt, &r.LocalDeleted, &r.IsSummary, &r.SummarizedFrom}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return r, err
	}
	r.MemoryType = model.MemoryType(memType)
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	syncedAt = syncedAt.UTC()
	r.SyncedAt = &syncedAt
	if vec != nil {
		r.Embedding = vec.Slice()
	}
	if r.Tags == nil {
		r.Tags = []string{}
	}
	if len(r.Metadata) == 0 {
		r.Metadata = nil
	}
	if len(r.SummarizedFrom) == 0 {
		r.SummarizedFrom = nil
	}
	return r, nil
}

func scanPgRecords(rows pgx.Rows) ([]model.MemoryRecord, error) {
	defer rows.Close()
	var out []model.MemoryRecord
	for rows.Next() {
		r, err := scanPgRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanPgLedger(rows pgx.Rows) ([]model.DeletionLedgerEntry, error) {
	defer rows.Close()
	var out []model.DeletionLedgerEntry
	for rows.Next() {
		var e model.DeletionLedgerEntry
		var memType string
		if err := rows.Scan(&e.ID, &e.ContentHash, &e.Content, &e.Tags, &memType, &e.Metadata,
			&e.CreatedAt, &e.Reason, &e.DeviceName, &e.DeletedAt); err != nil {
			return nil, err
		}
		e.MemoryType = model.MemoryType(memType)
		e.CreatedAt = e.CreatedAt.UTC()
		e.DeletedAt = e.DeletedAt.UTC()
		if len(e.Metadata) == 0 {
			e.Metadata = nil
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func pgVector(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	return pgvector.NewVector(v)
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func nonNilMeta(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
