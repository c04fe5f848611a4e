package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rcliao/memory-cloud/internal/embedding"
	"github.com/rcliao/memory-cloud/internal/model"
)

// SearchParams holds parameters for searching memories.
type SearchParams struct {
	Query      string
	MemoryType model.MemoryType
	Limit      int
}

// ScoredRecord is a search hit with its similarity to the query vector.
type ScoredRecord struct {
	model.MemoryRecord
	Similarity float64 `json:"similarity"`
}

// Search finds memories whose content or tags contain the query substring.
func (s *SQLiteStore) Search(ctx context.Context, p SearchParams) ([]model.MemoryRecord, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}
	q := "%" + strings.TrimSpace(p.Query) + "%"

	where := []string{"(content LIKE ? OR tags LIKE ?)"}
	args := []any{q, q}
	if p.MemoryType != "" {
		where = append(where, "memory_type = ?")
		args = append(args, string(p.MemoryType))
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

// SearchVector ranks embedded memories by cosine similarity to vec.
func (s *SQLiteStore) SearchVector(ctx context.Context, vec []float32, memType model.MemoryType, limit int) ([]ScoredRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	recs, err := embeddedRecords(ctx, s.db, memType)
	if err != nil {
		return nil, err
	}

	out := make([]ScoredRecord, 0, len(recs))
	for _, r := range recs {
		out = append(out, ScoredRecord{MemoryRecord: r, Similarity: embedding.CosineSimilarity(vec, r.Embedding)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ChangedSince returns up to limit records with updated_at strictly after
// since, ordered by updated_at. Stamps are unique, so the last record's
// updated_at is a safe resume point.
func (s *SQLiteStore) ChangedSince(ctx context.Context, since time.Time, limit int) ([]model.MemoryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM memories WHERE updated_at > ? ORDER BY updated_at, content_hash LIMIT ?`,
		toNanos(since), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// HighWater returns the newest committed stamp. Every record or edge
// stamped at or before it is already visible to readers, so it bounds a
// consistent sync window.
func (s *SQLiteStore) HighWater(ctx context.Context) (time.Time, error) {
	var last int64
	if err := s.db.QueryRowContext(ctx, `SELECT last_stamp FROM store_clock WHERE id = 1`).Scan(&last); err != nil {
		return time.Time{}, fmt.Errorf("read clock: %w", err)
	}
	return fromNanos(last), nil
}

// Embedded returns every record carrying an embedding, optionally of one type.
func (s *SQLiteStore) Embedded(ctx context.Context, memType model.MemoryType) ([]model.MemoryRecord, error) {
	return embeddedRecords(ctx, s.db, memType)
}

func embeddedRecords(ctx context.Context, q querier, memType model.MemoryType) ([]model.MemoryRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM memories WHERE embedding IS NOT NULL`
	var args []any
	if memType != "" {
		query += ` AND memory_type = ?`
		args = append(args, string(memType))
	}
	query += ` ORDER BY created_at, content_hash`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// nearestOfType finds the most similar embedded record of memType.
func nearestOfType(ctx context.Context, q querier, memType model.MemoryType, vec []float32) (*model.MemoryRecord, float64, error) {
	recs, err := embeddedRecords(ctx, q, memType)
	if err != nil {
		return nil, 0, err
	}
	var best *model.MemoryRecord
	bestSim := -1.0
	for i := range recs {
		if recs[i].IsSummary {
			continue
		}
		sim := embedding.CosineSimilarity(vec, recs[i].Embedding)
		if sim > bestSim {
			best, bestSim = &recs[i], sim
		}
	}
	if best == nil {
		return nil, 0, nil
	}
	return best, bestSim, nil
}
