// Package summarize condenses clusters of related memories into summary
// records. Originals are only read: summarization never mutates, hides or
// tombstones them.
package summarize

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/rcliao/memory-cloud/internal/cloud"
	"github.com/rcliao/memory-cloud/internal/contenthash"
	"github.com/rcliao/memory-cloud/internal/embedding"
	"github.com/rcliao/memory-cloud/internal/model"
	"github.com/rcliao/memory-cloud/internal/store"
)

const (
	DefaultThreshold  = 0.75
	DefaultMinCluster = 3
	// SummaryTag marks generated summaries.
	SummaryTag        = "auto-summary"

	excerptLen = 200
)

// Source selects where clusters are drawn from.
type Source string

const (
	SourceLocal Source = "local"
	SourceCloud Source = "cloud"
)

// Scope selects the records to cluster.
type Scope struct {
	Source     Source
	MemoryType model.MemoryType
}

// Options tunes clustering.
type Options struct {
	Threshold  float64
	MinCluster int
	DryRun     bool
}

// Summary is one generated (or, in a dry run, would-be) summary.
type Summary struct {
	Hash           string           `json:"hash"`
	Status         string           `json:"status"`
	Content        string           `json:"content"`
	Tags           []string         `json:"tags"`
	MemoryType     model.MemoryType `json:"memory_type"`
	SummarizedFrom []string         `json:"summarized_from"`
	MeanSimilarity float64          `json:"mean_similarity"`
}

// Report describes a summarize run.
type Report struct {
	DryRun     bool      `json:"dry_run"`
	Source     Source    `json:"source"`
	Considered int       `json:"considered"`
	Clusters   int       `json:"clusters"`
	Created    int       `json:"created"`
	Edges      int       `json:"edges"`
	Summaries  []Summary `json:"summaries"`
}

// LocalStore is the part of the local store the summarizer uses.
type LocalStore interface {
	Embedded(ctx context.Context, memType model.MemoryType) ([]model.MemoryRecord, error)
	Ingest(ctx context.Context, p store.IngestParams) (*store.IngestResult, error)
	UpsertEdge(ctx context.Context, e model.GraphEdge) (*model.GraphEdge, error)
}

// Summarizer builds summaries. The mirror is only needed for SourceCloud.
type Summarizer struct {
	local  LocalStore
	mirror cloud.Mirror
	device string
	logger *slog.Logger
}

// New creates a Summarizer.
func New(local LocalStore, mirror cloud.Mirror, device string, logger *slog.Logger) *Summarizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Summarizer{local: local, mirror: mirror, device: device, logger: logger}
}

// Summarize clusters the records in scope and writes one summary per
// cluster. With DryRun set nothing is written anywhere.
func (s *Summarizer) Summarize(ctx context.Context, scope Scope, opts Options) (*Report, error) {
	if opts.Threshold == 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Threshold < 0 || opts.Threshold > 1 {
		return nil, model.Invalid("threshold", "must be between 0 and 1, got %v", opts.Threshold)
	}
	if opts.MinCluster == 0 {
		opts.MinCluster = DefaultMinCluster
	}
	if opts.MinCluster < 2 {
		return nil, model.Invalid("min_cluster", "must be at least 2, got %d", opts.MinCluster)
	}
	if scope.Source == "" {
		scope.Source = SourceLocal
	}
	if scope.MemoryType != "" && !model.ValidTypes[scope.MemoryType] {
		return nil, model.Invalid("type", "unknown memory type %q", scope.MemoryType)
	}

	recs, err := s.candidates(ctx, scope)
	if err != nil {
		return nil, err
	}
	rep := &Report{DryRun: opts.DryRun, Source: scope.Source, Considered: len(recs), Summaries: []Summary{}}

	for _, c := range clusterRecords(recs, opts.Threshold, opts.MinCluster) {
		rep.Clusters++
		sum, err := build(c, scope.Source, opts.Threshold)
		if err != nil {
			return rep, err
		}
		if opts.DryRun {
			sum.Status = "would_create"
			rep.Summaries = append(rep.Summaries, sum.Summary)
			continue
		}
		if err := s.write(ctx, rep, c, sum); err != nil {
			return rep, err
		}
	}
	s.logger.Info("summarize complete", "source", scope.Source, "dry_run", opts.DryRun,
		"considered", rep.Considered, "clusters", rep.Clusters, "created", rep.Created)
	return rep, nil
}

func (s *Summarizer) candidates(ctx context.Context, scope Scope) ([]model.MemoryRecord, error) {
	var recs []model.MemoryRecord
	switch scope.Source {
	case SourceLocal:
		r, err := s.local.Embedded(ctx, scope.MemoryType)
		if err != nil {
			return nil, fmt.Errorf("read local records: %w", err)
		}
		recs = r
	case SourceCloud:
		if s.mirror == nil {
			return nil, cloud.ErrNotConfigured
		}
		r, err := s.mirror.Records(ctx, cloud.RecordFilter{MemoryType: scope.MemoryType})
		if err != nil {
			return nil, fmt.Errorf("read cloud records: %w", err)
		}
		recs = r
	default:
		return nil, model.Invalid("source", "must be local or cloud, got %q", scope.Source)
	}

	out := recs[:0]
	for _, r := range recs {
		if r.IsSummary || len(r.Embedding) == 0 {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ContentHash < out[j].ContentHash
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// cluster is a seed and the members similar to it. members[0] is the seed.
type cluster struct {
	members []model.MemoryRecord
	sims    []float64
}

// clusterRecords groups records greedily: each unassigned record in order
// seeds a cluster of the unassigned records at least threshold-similar to
// it. Clusters smaller than minSize are dropped and their records stay
// available to later seeds.
func clusterRecords(recs []model.MemoryRecord, threshold float64, minSize int) []cluster {
	used := make([]bool, len(recs))
	var out []cluster
	for i := range recs {
		if used[i] {
			continue
		}
		c := cluster{members: []model.MemoryRecord{recs[i]}, sims: []float64{1}}
		idx := []int{i}
		for j := i + 1; j < len(recs); j++ {
			if used[j] || len(recs[j].Embedding) != len(recs[i].Embedding) {
				continue
			}
			sim := embedding.CosineSimilarity(recs[i].Embedding, recs[j].Embedding)
			if sim >= threshold {
				c.members = append(c.members, recs[j])
				c.sims = append(c.sims, sim)
				idx = append(idx, j)
			}
		}
		if len(c.members) < minSize {
			continue
		}
		for _, k := range idx {
			used[k] = true
		}
		out = append(out, c)
	}
	return out
}

type built struct {
	Summary
	metadata  map[string]any
	embedding []float32
}

func build(c cluster, source Source, threshold float64) (built, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "[SUMMARY of %d related memories]\n", len(c.members))

	typeSet := map[model.MemoryType]bool{}
	var types []string
	var tags, hashes []string
	for _, m := range c.members {
		if !typeSet[m.MemoryType] {
			typeSet[m.MemoryType] = true
			types = append(types, string(m.MemoryType))
		}
		tags = append(tags, m.Tags...)
		hashes = append(hashes, m.ContentHash)
	}
	sort.Strings(types)
	tags = model.NormalizeTags(tags)
	fmt.Fprintf(&b, "Types: %s\n", strings.Join(types, ", "))
	if len(tags) > 0 {
		fmt.Fprintf(&b, "Tags: %s\n", strings.Join(tags, ", "))
	}
	b.WriteString("Key points:\n")
	for i, m := range c.members {
		fmt.Fprintf(&b, "%d. %s\n", i+1, excerpt(m.Content))
	}
	content := strings.TrimRight(b.String(), "\n")

	hash, err := contenthash.Hash(content)
	if err != nil {
		return built{}, err
	}
	var total float64
	for _, s := range c.sims[1:] {
		total += s
	}
	mean := 1.0
	if len(c.sims) > 1 {
		mean = total / float64(len(c.sims)-1)
	}

	return built{
		Summary: Summary{
			Hash:           hash,
			Content:        content,
			Tags:           model.MergeTags(tags, []string{SummaryTag}),
			MemoryType:     model.TypePattern,
			SummarizedFrom: hashes,
			MeanSimilarity: mean,
		},
		metadata: map[string]any{
			"cluster_size": len(c.members),
			"source":       string(source),
			"threshold":    threshold,
		},
		embedding: centroid(c.members),
	}, nil
}

func (s *Summarizer) write(ctx context.Context, rep *Report, c cluster, sum built) error {
	res, err := s.local.Ingest(ctx, store.IngestParams{
		Content:        sum.Content,
		Tags:           sum.Tags,
		MemoryType:     sum.MemoryType,
		Metadata:       sum.metadata,
		Embedding:      sum.embedding,
		SourceDevice:   s.device,
		IsSummary:      true,
		SummarizedFrom: sum.SummarizedFrom,
	})
	if err != nil {
		return fmt.Errorf("store summary: %w", err)
	}
	sum.Status = string(res.Status)
	sum.Hash = res.Record.ContentHash
	if res.Status == store.StatusCreated {
		rep.Created++
	}

	seed := c.members[0].ContentHash
	for i, m := range c.members[1:] {
		_, err := s.local.UpsertEdge(ctx, model.GraphEdge{
			SourceHash:       seed,
			TargetHash:       m.ContentHash,
			Similarity:       c.sims[i+1],
			RelationshipType: store.RelSemantic,
			Metadata:         map[string]any{"summary": sum.Hash},
		})
		if err != nil {
			return fmt.Errorf("link %s -> %s: %w", seed, m.ContentHash, err)
		}
		rep.Edges++
	}
	rep.Summaries = append(rep.Summaries, sum.Summary)
	return nil
}

// excerpt collapses whitespace and cuts s to excerptLen runes.
func excerpt(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= excerptLen {
		return s
	}
	return strings.TrimSpace(string(r[:excerptLen])) + "..."
}

// centroid returns the normalized mean of the members' embeddings.
func centroid(members []model.MemoryRecord) []float32 {
	dims := len(members[0].Embedding)
	sum := make([]float64, dims)
	for _, m := range members {
		if len(m.Embedding) != dims {
			continue
		}
		for i, v := range m.Embedding {
			sum[i] += float64(v)
		}
	}
	var norm float64
	for _, v := range sum {
		norm += v * v
	}
	if norm == 0 {
		return nil
	}
	norm = math.Sqrt(norm)
	out := make([]float32, dims)
	for i, v := range sum {
		out[i] = float32(v / norm)
	}
	return out
}
