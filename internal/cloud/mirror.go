// Package cloud implements the cloud mirror: a durable replica that never
// deletes. Records removed locally are kept here with a tombstone flag, next
// to an append-only deletion ledger carrying their full payload.
package cloud

//go:generate mockgen -source=mirror.go -destination=mocks/mock_mirror.go -package=mocks

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rcliao/memory-cloud/internal/model"
)

// ErrNotConfigured is returned by Open when no mirror URL is set.
var ErrNotConfigured = errors.New("cloud mirror not configured (set MEMORY_CLOUD_URL)")

// RecordFilter selects mirror rows.
type RecordFilter struct {
	// IncludeDeleted includes tombstoned rows.
	IncludeDeleted bool
	// DeletedOnly returns tombstoned rows only.
	DeletedOnly bool
	// Hashes restricts the result to these content hashes.
	Hashes     []string
	MemoryType model.MemoryType
}

// Match is a vector search hit.
type Match struct {
	Record     model.MemoryRecord `json:"record"`
	Similarity float64            `json:"similarity"`
}

// UpsertResult counts what UpsertRecords did.
type UpsertResult struct {
	Inserted  int `json:"inserted"`
	Merged    int `json:"merged"`
	Unchanged int `json:"unchanged"`
}

// Total returns the number of records confirmed persisted.
func (r UpsertResult) Total() int { return r.Inserted + r.Merged + r.Unchanged }

// Stats summarises the mirror.
type Stats struct {
	Backend       string             `json:"backend"`
	TotalRecords  int                `json:"total_records"`
	LiveRecords   int                `json:"live_records"`
	Tombstoned    int                `json:"tombstoned"`
	Embedded      int                `json:"embedded"`
	LedgerEntries int                `json:"ledger_entries"`
	Edges         int                `json:"edges"`
	Devices       []model.SyncCursor `json:"devices"`
}

// Mirror is the cloud tier. Implementations never physically delete
// records or ledger entries.
type Mirror interface {
	// UpsertRecords inserts or enriches records keyed by content hash. Tags
	// are unioned, metadata keys added, a missing embedding filled, and the
	// tombstone cleared. Content is never overwritten: a hash that maps to
	// different content fails with model.ErrHashCollision.
	UpsertRecords(ctx context.Context, device string, recs []model.MemoryRecord) (UpsertResult, error)

	// AppendLedger writes a deletion ledger entry. It is idempotent by entry
	// ID and reports whether the entry was newly written.
	AppendLedger(ctx context.Context, e model.DeletionLedgerEntry) (bool, error)

	// HasLedgerEntry reports whether the entry with this ID exists.
	HasLedgerEntry(ctx context.Context, id string) (bool, error)

	// Tombstone marks a record deleted. It fails with
	// model.ErrTombstoneWithoutLedger unless a ledger entry for the hash
	// exists, and materialises the row from the newest ledger payload when
	// the record was never synced.
	Tombstone(ctx context.Context, hash string) error

	// ClearTombstone marks a record live again.
	ClearTombstone(ctx context.Context, hash string) error

	// UpsertEdges writes graph edges.
	UpsertEdges(ctx context.Context, edges []model.GraphEdge) error

	// Records returns rows matching f, oldest first.
	Records(ctx context.Context, f RecordFilter) ([]model.MemoryRecord, error)

	// Ledger returns ledger entries for hash, or all when hash is empty,
	// oldest first.
	Ledger(ctx context.Context, hash string) ([]model.DeletionLedgerEntry, error)

	// SearchText finds rows whose content or tags contain query.
	SearchText(ctx context.Context, query string, includeDeleted bool, limit int) ([]model.MemoryRecord, error)

	// SearchVector ranks embedded rows by cosine similarity to vec.
	SearchVector(ctx context.Context, vec []float32, includeDeleted bool, limit int) ([]Match, error)

	// Cursor returns the device's sync cursor, or a never_synced cursor.
	Cursor(ctx context.Context, device string) (model.SyncCursor, error)

	// SaveCursor stores the device's sync cursor.
	SaveCursor(ctx context.Context, c model.SyncCursor) error

	// Stats summarises the mirror.
	Stats(ctx context.Context) (*Stats, error)

	// Close releases the connection.
	Close() error
}

// Open connects to the mirror named by url: a postgres:// URL selects the
// Postgres mirror, anything else is an SQLite mirror file path.
func Open(ctx context.Context, url string, dims int) (Mirror, error) {
	switch {
	case url == "":
		return nil, ErrNotConfigured
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return NewPostgresMirror(ctx, url, dims)
	default:
		return NewSQLiteMirror(strings.TrimPrefix(url, "sqlite://"), dims)
	}
}

func neverSynced(device string) model.SyncCursor {
	return model.SyncCursor{DeviceName: device, Status: model.StatusNeverSynced}
}

// micros truncates t to the precision every backend can store.
func micros(t time.Time) time.Time {
	return t.Truncate(time.Microsecond)
}
