package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rcliao/memory-cloud/internal/model"
)

// Relationship types for graph edges.
const (
	RelSemantic    = "semantic"
	RelRelatesTo   = "relates_to"
	RelContradicts = "contradicts"
	RelDependsOn   = "depends_on"
	RelRefines     = "refines"
	RelSummarizes  = "summarizes"
)

var validRels = map[string]bool{
	RelSemantic:    true,
	RelRelatesTo:   true,
	RelContradicts: true,
	RelDependsOn:   true,
	RelRefines:     true,
	RelSummarizes:  true,
}

// UpsertEdge creates or replaces the edge between two memories. Edges are
// derived data and may outlive either endpoint.
func (s *SQLiteStore) UpsertEdge(ctx context.Context, e model.GraphEdge) (*model.GraphEdge, error) {
	if !validRels[e.RelationshipType] {
		return nil, model.Invalid("relationship_type", "invalid relation %q (valid: semantic, relates_to, contradicts, depends_on, refines, summarizes)", e.RelationshipType)
	}
	if e.SourceHash == "" || e.TargetHash == "" {
		return nil, model.Invalid("hash", "source and target are required")
	}
	if e.SourceHash == e.TargetHash {
		return nil, model.Invalid("hash", "an edge needs two different memories")
	}
	meta, err := marshalJSON(e.Metadata)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	ts, err := s.stamp(ctx, tx)
	if err != nil {
		return nil, err
	}
	e.UpdatedAt = ts
	_, err = tx.ExecContext(ctx,
		`INSERT INTO memory_graph (source_hash, target_hash, similarity, relationship_type, metadata, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (source_hash, target_hash) DO UPDATE SET
			similarity = excluded.similarity,
			relationship_type = excluded.relationship_type,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		e.SourceHash, e.TargetHash, e.Similarity, e.RelationshipType, meta, toNanos(e.UpdatedAt))
	if err != nil {
		return nil, fmt.Errorf("upsert edge: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &e, nil
}

// Edges returns the edges touching hash, or every edge when hash is empty.
func (s *SQLiteStore) Edges(ctx context.Context, hash string) ([]model.GraphEdge, error) {
	query := `SELECT source_hash, target_hash, similarity, relationship_type, metadata, updated_at FROM memory_graph`
	var args []any
	if hash != "" {
		query += ` WHERE source_hash = ? OR target_hash = ?`
		args = append(args, hash, hash)
	}
	query += ` ORDER BY source_hash, target_hash`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEdges(rows)
}

// EdgesChangedSince returns edges stamped in (since, until].
func (s *SQLiteStore) EdgesChangedSince(ctx context.Context, since, until time.Time) ([]model.GraphEdge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_hash, target_hash, similarity, relationship_type, metadata, updated_at FROM memory_graph
		 WHERE updated_at > ? AND updated_at <= ? ORDER BY updated_at`,
		toNanos(since), toNanos(until))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEdges(rows)
}

func scanEdges(rows *sql.Rows) ([]model.GraphEdge, error) {
	var edges []model.GraphEdge
	for rows.Next() {
		var e model.GraphEdge
		var meta sql.NullString
		var updatedAt int64
		if err := rows.Scan(&e.SourceHash, &e.TargetHash, &e.Similarity, &e.RelationshipType, &meta, &updatedAt); err != nil {
			return nil, err
		}
		var err error
		if e.Metadata, err = unmarshalJSON(meta); err != nil {
			return nil, fmt.Errorf("decode edge metadata %s -> %s: %w", e.SourceHash, e.TargetHash, err)
		}
		e.UpdatedAt = fromNanos(updatedAt)
		edges = append(edges, e)
	}
	return edges, rows.Err()
}
