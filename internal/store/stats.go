package store

import (
	"context"
	"os"
)

// Stats holds database statistics.
type Stats struct {
	DBPath           string      `json:"db_path"`
	DBSizeBytes      int64       `json:"db_size_bytes"`
	TotalMemories    int         `json:"total_memories"`
	Embedded         int         `json:"embedded"`
	Summaries        int         `json:"summaries"`
	LedgerEntries    int         `json:"ledger_entries"`
	PendingDeletions int         `json:"pending_deletions"`
	Edges            int         `json:"edges"`
	Types            []TypeStats `json:"types"`
}

// TypeStats holds per-type counts.
type TypeStats struct {
	MemoryType string `json:"memory_type"`
	Count      int    `json:"count"`
}

// Stats returns database statistics.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{DBPath: s.path}

	if info, err := os.Stat(s.path); err == nil {
		st.DBSizeBytes = info.Size()
	}

	counts := []struct {
		dst   *int
		query string
	}{
		{&st.TotalMemories, `SELECT COUNT(*) FROM memories`},
		{&st.Embedded, `SELECT COUNT(*) FROM memories WHERE embedding IS NOT NULL`},
		{&st.Summaries, `SELECT COUNT(*) FROM memories WHERE is_summary = 1`},
		{&st.LedgerEntries, `SELECT COUNT(*) FROM deletion_ledger`},
		{&st.PendingDeletions, `SELECT COUNT(*) FROM deletion_ledger WHERE pushed_at IS NULL`},
		{&st.Edges, `SELECT COUNT(*) FROM memory_graph`},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
			return st, err
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT memory_type, COUNT(*) AS cnt FROM memories
		GROUP BY memory_type ORDER BY cnt DESC, memory_type`)
	if err != nil {
		return st, err
	}
	defer rows.Close()

	for rows.Next() {
		var ts TypeStats
		if err := rows.Scan(&ts.MemoryType, &ts.Count); err != nil {
			return st, err
		}
		st.Types = append(st.Types, ts)
	}
	return st, rows.Err()
}
