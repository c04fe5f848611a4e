// Package store provides the local memory store: an SQLite database that is
// the system of record for what exists now.
package store

import (
	"context"
	"time"

	"github.com/rcliao/memory-cloud/internal/model"
)

// IngestParams holds parameters for storing a memory.
type IngestParams struct {
	Content        string
	Tags           []string
	MemoryType     model.MemoryType
	Metadata       map[string]any
	Embedding      []float32
	SourceDevice   string
	IsSummary      bool
	SummarizedFrom []string
	// NearDupThreshold enables the semantic duplicate check when positive.
	// A record whose embedding similarity to an existing record of the same
	// type exceeds it is merged into that record.
	NearDupThreshold float64
}

// IngestStatus is the outcome of Ingest.
type IngestStatus string

const (
	StatusCreated IngestStatus = "created"
	StatusMerged  IngestStatus = "merged"
)

// IngestResult reports what Ingest did.
type IngestResult struct {
	Status IngestStatus       `json:"status"`
	Record model.MemoryRecord `json:"record"`
	// ExistingHash is the record a merge landed on.
	ExistingHash  string  `json:"existing_hash,omitempty"`
	NearDuplicate bool    `json:"near_duplicate,omitempty"`
	Similarity    float64 `json:"similarity,omitempty"`
}

// ListParams holds parameters for listing memories.
type ListParams struct {
	MemoryType model.MemoryType
	Tags       []string
	Limit      int
	// SummariesOnly and ExcludeSummaries are mutually exclusive filters.
	SummariesOnly    bool
	ExcludeSummaries bool
}

// DeleteParams holds parameters for removing a memory.
type DeleteParams struct {
	Hash       string
	Reason     string
	DeviceName string
}

// Store defines the local memory storage interface.
type Store interface {
	// Ingest stores a memory, merging exact and near duplicates.
	Ingest(ctx context.Context, p IngestParams) (*IngestResult, error)

	// Get retrieves a memory by hash or unique hash prefix.
	Get(ctx context.Context, hash string) (*model.MemoryRecord, error)

	// List lists memories matching the given filters, newest first.
	List(ctx context.Context, p ListParams) ([]model.MemoryRecord, error)

	// ChangedSince returns up to limit records with updated_at after since,
	// oldest first.
	ChangedSince(ctx context.Context, since time.Time, limit int) ([]model.MemoryRecord, error)

	// Delete removes a memory after queueing its ledger entry, atomically.
	Delete(ctx context.Context, p DeleteParams) (*model.DeletionLedgerEntry, error)

	// Restore writes a record recovered from the cloud or a ledger.
	// It reports false when the hash is already present.
	Restore(ctx context.Context, rec model.MemoryRecord) (bool, error)

	// PendingDeletions returns ledger entries not yet pushed to the cloud.
	PendingDeletions(ctx context.Context) ([]model.DeletionLedgerEntry, error)

	// MarkDeletionPushed records that a ledger entry reached the cloud.
	MarkDeletionPushed(ctx context.Context, id string) error

	// Close closes the store.
	Close() error
}

var _ Store = (*SQLiteStore)(nil)
