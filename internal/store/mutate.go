package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rcliao/memory-cloud/internal/model"
)

// update loads a record under the write lock, applies fn and stamps the
// result. fn returning false leaves the record untouched.
func (s *SQLiteStore) update(ctx context.Context, hash string, fn func(r *model.MemoryRecord) (bool, error)) (*model.MemoryRecord, error) {
	cur, err := s.Get(ctx, hash)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rec, err := getRecord(ctx, tx, cur.ContentHash)
	if err != nil {
		return nil, err
	}
	changed, err := fn(rec)
	if err != nil {
		return nil, err
	}
	if !changed {
		return rec, nil
	}
	ts, err := s.stamp(ctx, tx)
	if err != nil {
		return nil, err
	}
	rec.UpdatedAt = ts
	if err := updateRecord(ctx, tx, rec); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rec, nil
}

// AddTags unions tags into a record.
func (s *SQLiteStore) AddTags(ctx context.Context, hash string, tags []string) (*model.MemoryRecord, error) {
	return s.update(ctx, hash, func(r *model.MemoryRecord) (bool, error) {
		merged := model.MergeTags(r.Tags, tags)
		if model.SameTags(merged, r.Tags) {
			return false, nil
		}
		r.Tags = merged
		return true, nil
	})
}

// Rate records quality feedback (1-5) in the record's metadata.
func (s *SQLiteStore) Rate(ctx context.Context, hash string, rating int) (*model.MemoryRecord, error) {
	if rating < 1 || rating > 5 {
		return nil, model.Invalid("rating", "must be between 1 and 5, got %d", rating)
	}
	return s.update(ctx, hash, func(r *model.MemoryRecord) (bool, error) {
		if r.Metadata == nil {
			r.Metadata = map[string]any{}
		}
		count := 0
		if c, ok := r.Metadata["quality_ratings"].(float64); ok {
			count = int(c)
		}
		r.Metadata["quality_rating"] = rating
		r.Metadata["quality_ratings"] = count + 1
		r.Metadata["rated_at"] = s.now().UTC().Format(time.RFC3339)
		return true, nil
	})
}

// Reclassify changes a record's memory type.
func (s *SQLiteStore) Reclassify(ctx context.Context, hash string, t model.MemoryType) (*model.MemoryRecord, error) {
	if !model.ValidTypes[t] {
		return nil, model.Invalid("memory_type", "unknown type %q", t)
	}
	return s.update(ctx, hash, func(r *model.MemoryRecord) (bool, error) {
		if r.MemoryType == t {
			return false, nil
		}
		r.MemoryType = t
		return true, nil
	})
}

// SetEmbedding stores an embedding for a record that has none.
func (s *SQLiteStore) SetEmbedding(ctx context.Context, hash string, vec []float32) (*model.MemoryRecord, error) {
	if len(vec) == 0 {
		return nil, model.Invalid("embedding", "must not be empty")
	}
	return s.update(ctx, hash, func(r *model.MemoryRecord) (bool, error) {
		if len(r.Embedding) > 0 {
			return false, nil
		}
		r.Embedding = vec
		return true, nil
	})
}

// MissingEmbeddings returns records without an embedding, oldest first.
func (s *SQLiteStore) MissingEmbeddings(ctx context.Context, limit int) ([]model.MemoryRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM memories WHERE embedding IS NULL ORDER BY created_at LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query missing embeddings: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}
