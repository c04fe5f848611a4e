package store

import (
	"context"
	"testing"

	"github.com/rcliao/memory-cloud/internal/model"
)

func TestSearch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ingest(t, s, "Use pgvector for nearest neighbour search", "postgres")
	ingest(t, s, "Redis is only a cache", "cache")
	s.Ingest(ctx, IngestParams{Content: "pgvector needs the extension enabled", MemoryType: model.TypeGotcha, SourceDevice: "d"})

	tests := []struct {
		name     string
		params   SearchParams
		expected int
	}{
		{"content match", SearchParams{Query: "pgvector"}, 2},
		{"case insensitive", SearchParams{Query: "REDIS"}, 1},
		{"tag match", SearchParams{Query: "postgres"}, 1},
		{"type filter", SearchParams{Query: "pgvector", MemoryType: model.TypeGotcha}, 1},
		{"no match", SearchParams{Query: "kafka"}, 0},
		{"limit", SearchParams{Query: "e", Limit: 2}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Search(ctx, tt.params)
			if err != nil {
				t.Fatalf("search: %v", err)
			}
			if len(got) != tt.expected {
				t.Errorf("expected %d results, got %d", tt.expected, len(got))
			}
		})
	}
}

func TestSearchVector(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, p := range []IngestParams{
		{Content: "north", Embedding: []float32{0, 1}},
		{Content: "east", Embedding: []float32{1, 0}},
		{Content: "northeast", Embedding: []float32{0.7, 0.7}},
		{Content: "no vector"},
	} {
		p.MemoryType = model.TypeReference
		p.SourceDevice = "d"
		if _, err := s.Ingest(ctx, p); err != nil {
			t.Fatal(err)
		}
	}

	hits, err := s.SearchVector(ctx, []float32{1, 0.1}, "", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].Content != "east" || hits[1].Content != "northeast" {
		t.Errorf("unexpected ranking %s, %s", hits[0].Content, hits[1].Content)
	}
	if hits[0].Similarity < hits[1].Similarity {
		t.Error("expected descending similarity")
	}
}
