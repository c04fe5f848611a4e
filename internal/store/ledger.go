package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rcliao/memory-cloud/internal/model"
)

const ledgerColumns = `id, content_hash, content, tags, memory_type, metadata, created_at, reason, device_name, deleted_at`

// PendingDeletions returns ledger entries not yet pushed to the cloud, in
// deletion order.
func (s *SQLiteStore) PendingDeletions(ctx context.Context) ([]model.DeletionLedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ledgerColumns+` FROM deletion_ledger WHERE pushed_at IS NULL ORDER BY deleted_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLedgerEntries(rows)
}

// MarkDeletionPushed records that the entry and its tombstone reached the
// cloud. Marking twice is a no-op.
func (s *SQLiteStore) MarkDeletionPushed(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE deletion_ledger SET pushed_at = ? WHERE id = ? AND pushed_at IS NULL`,
		s.now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("mark pushed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM deletion_ledger WHERE id = ?`, id).Scan(&exists)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: ledger entry %s", model.ErrNotFound, id)
		}
		return err
	}
	return nil
}

// LedgerEntries returns every local ledger entry, optionally restricted to
// one content hash, oldest first.
func (s *SQLiteStore) LedgerEntries(ctx context.Context, hash string) ([]model.DeletionLedgerEntry, error) {
	query := `SELECT ` + ledgerColumns + ` FROM deletion_ledger`
	var args []any
	if hash != "" {
		query += ` WHERE content_hash = ?`
		args = append(args, hash)
	}
	query += ` ORDER BY deleted_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLedgerEntries(rows)
}

func scanLedgerEntries(rows *sql.Rows) ([]model.DeletionLedgerEntry, error) {
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
		var err error
		if e.Metadata, err = unmarshalJSON(meta); err != nil {
			return nil, fmt.Errorf("decode ledger metadata for %s: %w", e.ID, err)
		}
		e.CreatedAt = fromNanos(createdAt)
		e.DeletedAt = fromNanos(deletedAt)
		if err := json.Unmarshal([]byte(tagsJSON), &e.Tags); err != nil {
			return nil, fmt.Errorf("decode ledger tags for %s: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
