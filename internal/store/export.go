package store

import (
	"context"
	"fmt"

	"github.com/rcliao/memory-cloud/internal/model"
)

// Export is the JSON dump written by ExportAll.
type Export struct {
	Memories []model.MemoryRecord        `json:"memories"`
	Ledger   []model.DeletionLedgerEntry `json:"ledger"`
	Edges    []model.GraphEdge           `json:"edges"`
}

// ExportAll returns every memory, ledger entry and edge.
func (s *SQLiteStore) ExportAll(ctx context.Context) (*Export, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM memories ORDER BY created_at, content_hash`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := &Export{}
	if out.Memories, err = scanRecords(rows); err != nil {
		return nil, err
	}
	if out.Ledger, err = s.LedgerEntries(ctx, ""); err != nil {
		return nil, err
	}
	if out.Edges, err = s.Edges(ctx, ""); err != nil {
		return nil, err
	}
	return out, nil
}

// ImportResult counts what Import did.
type ImportResult struct {
	Created int `json:"created"`
	Merged  int `json:"merged"`
	Edges   int `json:"edges"`
}

// Import stores memories from an export through the manual path: exact
// duplicates merge, nothing is gated. Records keep their original device.
func (s *SQLiteStore) Import(ctx context.Context, exp *Export) (*ImportResult, error) {
	res := &ImportResult{}
	for _, m := range exp.Memories {
		r, err := s.Ingest(ctx, IngestParams{
			Content:        m.Content,
			Tags:           m.Tags,
			MemoryType:     m.MemoryType,
			Metadata:       m.Metadata,
			Embedding:      m.Embedding,
			SourceDevice:   m.SourceDevice,
			IsSummary:      m.IsSummary,
			SummarizedFrom: m.SummarizedFrom,
		})
		if err != nil {
			return res, fmt.Errorf("import %s: %w", m.ContentHash, err)
		}
		if r.Status == StatusCreated {
			res.Created++
		} else {
			res.Merged++
		}
	}
	for _, e := range exp.Edges {
		if _, err := s.UpsertEdge(ctx, e); err != nil {
			return res, fmt.Errorf("import edge %s -> %s: %w", e.SourceHash, e.TargetHash, err)
		}
		res.Edges++
	}
	return res, nil
}
