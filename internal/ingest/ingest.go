// Package ingest admits candidate observations into the local store: it
// validates, scores with the confidence gate, embeds, and writes through the
// store's two-tier dedup.
package ingest

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/rcliao/memory-cloud/internal/embedding"
	"github.com/rcliao/memory-cloud/internal/gate"
	"github.com/rcliao/memory-cloud/internal/model"
	"github.com/rcliao/memory-cloud/internal/store"
)

// Mode selects the admission path.
type Mode int

const (
	// ModeAuto admits only candidates the gate scores at or above threshold.
	ModeAuto Mode = iota
	// ModeManual always admits. The candidate is still scored for reporting.
	ModeManual
)

func (m Mode) String() string {
	if m == ModeManual {
		return "manual"
	}
	return "auto"
}

// Status is the outcome of Capture.
type Status string

const (
	StatusCreated  Status = "created"
	StatusMerged   Status = "merged"
	StatusRejected Status = "rejected"
)

// Result reports what Capture did.
type Result struct {
	Status        Status              `json:"status"`
	Mode          string              `json:"mode"`
	Score         int                 `json:"score"`
	Threshold     int                 `json:"threshold"`
	Matched       []string            `json:"matched"`
	Hash          string              `json:"hash,omitempty"`
	ExistingHash  string              `json:"existing_hash,omitempty"`
	NearDuplicate bool                `json:"near_duplicate,omitempty"`
	Similarity    float64             `json:"similarity,omitempty"`
	Embedded      bool                `json:"embedded"`
	Record        *model.MemoryRecord `json:"record,omitempty"`
}

// Writer is the part of the local store ingestion needs.
type Writer interface {
	Ingest(ctx context.Context, p store.IngestParams) (*store.IngestResult, error)
}

// Options configures an Ingestor.
type Options struct {
	DeviceName       string
	NearDupThreshold float64
	EmbedTimeout     time.Duration
	Logger           *slog.Logger
}

// Ingestor runs the ingestion path. A nil embedder stores records without
// embeddings.
type Ingestor struct {
	gate     *gate.Gate
	embedder embedding.Embedder
	store    Writer
	opts     Options
	logger   *slog.Logger
}

// New creates an Ingestor.
func New(g *gate.Gate, e embedding.Embedder, w Writer, opts Options) *Ingestor {
	if opts.EmbedTimeout <= 0 {
		opts.EmbedTimeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{gate: g, embedder: e, store: w, opts: opts, logger: logger}
}

// Capture evaluates c and, if admitted, stores it.
func (in *Ingestor) Capture(ctx context.Context, c model.CandidateObservation, mode Mode) (*Result, error) {
	c.Text = strings.TrimSpace(c.Text)
	if c.Text == "" {
		return nil, model.Invalid("text", "must not be empty")
	}
	if c.SuggestedType != "" && !model.ValidTypes[c.SuggestedType] {
		return nil, model.Invalid("type", "unknown memory type %q", c.SuggestedType)
	}

	d := in.gate.Evaluate(c)
	res := &Result{
		Mode:      mode.String(),
		Score:     d.Score,
		Threshold: d.Threshold,
		Matched:   d.Matched,
	}
	if mode == ModeAuto && !d.Admit {
		res.Status = StatusRejected
		in.logger.Debug("candidate rejected", "score", d.Score, "threshold", d.Threshold, "matched", d.Matched)
		return res, nil
	}

	memType := c.SuggestedType
	if memType == "" {
		memType = d.MemoryType
	}
	if memType == "" {
		memType = model.TypeReference
	}

	vec := in.embed(ctx, c.Text)
	meta := model.CloneMetadata(c.Metadata)
	if meta == nil {
		meta = map[string]any{}
	}
	meta["capture_score"] = d.Score
	meta["capture_mode"] = mode.String()

	out, err := in.store.Ingest(ctx, store.IngestParams{
		Content:          c.Text,
		Tags:             c.SuggestedTags,
		MemoryType:       memType,
		Metadata:         meta,
		Embedding:        vec,
		SourceDevice:     in.opts.DeviceName,
		NearDupThreshold: in.opts.NearDupThreshold,
	})
	if err != nil {
		return nil, err
	}

	res.Hash = out.Record.ContentHash
	res.Record = &out.Record
	res.Embedded = len(vec) > 0
	switch out.Status {
	case store.StatusMerged:
		res.Status = StatusMerged
		res.ExistingHash = out.ExistingHash
		res.NearDuplicate = out.NearDuplicate
		res.Similarity = out.Similarity
	default:
		res.Status = StatusCreated
	}
	in.logger.Info("memory captured", "status", res.Status, "hash", res.Hash, "type", memType, "score", d.Score, "mode", res.Mode)
	return res, nil
}

// Score evaluates c without storing anything.
func (in *Ingestor) Score(c model.CandidateObservation) gate.Decision {
	return in.gate.Evaluate(c)
}

// embed returns the embedding for text, or nil when the embedder is missing,
// fails, times out, or returns the wrong dimension.
func (in *Ingestor) embed(ctx context.Context, text string) []float32 {
	if in.embedder == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, in.opts.EmbedTimeout)
	defer cancel()
	vec, err := in.embedder.Embed(ctx, text)
	if err != nil {
		in.logger.Warn("embedding failed, storing without embedding", "error", err)
		return nil
	}
	if len(vec) != in.embedder.Dims() {
		in.logger.Warn("embedding has wrong dimension, storing without embedding", "got", len(vec), "want", in.embedder.Dims())
		return nil
	}
	return vec
}
