// Package model defines the core memory data types.
package model

import (
	"sort"
	"strings"
	"time"
)

// MemoryType classifies a memory record.
type MemoryType string

const (
	TypeDecision   MemoryType = "decision"
	TypePattern    MemoryType = "pattern"
	TypeLearning   MemoryType = "learning"
	TypePreference MemoryType = "preference"
	TypeClient     MemoryType = "client"
	TypeGotcha     MemoryType = "gotcha"
	TypeReference  MemoryType = "reference"
)

// ValidTypes are the allowed memory types.
var ValidTypes = map[MemoryType]bool{
	TypeDecision:   true,
	TypePattern:    true,
	TypeLearning:   true,
	TypePreference: true,
	TypeClient:     true,
	TypeGotcha:     true,
	TypeReference:  true,
}

// MemoryRecord is a stored memory. The cloud-only fields (SyncedAt,
// LocalDeleted) are zero for records read from the local store.
type MemoryRecord struct {
	ContentHash    string         `json:"content_hash"`
	Content        string         `json:"content"`
	Tags           []string       `json:"tags"`
	MemoryType     MemoryType     `json:"memory_type"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	Embedding      []float32      `json:"embedding,omitempty"`
	SourceDevice   string         `json:"source_device"`
	IsSummary      bool           `json:"is_summary,omitempty"`
	SummarizedFrom []string       `json:"summarized_from,omitempty"`
	SyncedAt       *time.Time     `json:"synced_at,omitempty"`
	LocalDeleted   bool           `json:"local_deleted,omitempty"`
}

// CandidateObservation is a free-text fact offered for ingestion.
type CandidateObservation struct {
	Text          string         `json:"text"`
	SuggestedType MemoryType     `json:"suggested_type,omitempty"`
	SuggestedTags []string       `json:"suggested_tags,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// DeletionLedgerEntry preserves the full payload of a record removed from
// the local store. Entries are never updated or pruned.
type DeletionLedgerEntry struct {
	ID          string         `json:"id"`
	ContentHash string         `json:"content_hash"`
	Content     string         `json:"content"`
	Tags        []string       `json:"tags"`
	MemoryType  MemoryType     `json:"memory_type"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	Reason      string         `json:"reason"`
	DeviceName  string         `json:"device_name"`
	DeletedAt   time.Time      `json:"deleted_at"`
}

// Record rebuilds the memory record captured by the entry.
func (e DeletionLedgerEntry) Record() MemoryRecord {
	return MemoryRecord{
		ContentHash:  e.ContentHash,
		Content:      e.Content,
		Tags:         append([]string(nil), e.Tags...),
		MemoryType:   e.MemoryType,
		Metadata:     CloneMetadata(e.Metadata),
		CreatedAt:    e.CreatedAt,
		UpdatedAt:    e.DeletedAt,
		SourceDevice: e.DeviceName,
	}
}

// Sync cursor statuses.
const (
	StatusNeverSynced = "never_synced"
	StatusIdle        = "idle"
	StatusSyncing     = "syncing"
	StatusDegraded    = "degraded"
	StatusError       = "error"
)

// SyncCursor is the per-device incremental sync state.
type SyncCursor struct {
	DeviceName        string     `json:"device_name"`
	LastSyncAt        *time.Time `json:"last_sync_at,omitempty"`
	LastSyncUpdatedAt time.Time  `json:"last_sync_updated_at"`
	RecordsSynced     int64      `json:"records_synced"`
	Status            string     `json:"status"`
}

// GraphEdge is a derived association between two records.
type GraphEdge struct {
	SourceHash       string         `json:"source_hash"`
	TargetHash       string         `json:"target_hash"`
	Similarity       float64        `json:"similarity"`
	RelationshipType string         `json:"relationship_type"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// NormalizeTags trims, lower-cases, dedups and sorts tags.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// MergeTags returns the normalized union of a and b.
func MergeTags(a, b []string) []string {
	all := make([]string, 0, len(a)+len(b))
	all = append(all, a...)
	all = append(all, b...)
	return NormalizeTags(all)
}

// SameTags reports whether a and b hold the same tag set.
func SameTags(a, b []string) bool {
	na, nb := NormalizeTags(a), NormalizeTags(b)
	if len(na) != len(nb) {
		return false
	}
	for i := range na {
		if na[i] != nb[i] {
			return false
		}
	}
	return true
}

// CloneMetadata returns a shallow copy of m, or nil.
func CloneMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// SplitTags parses a comma-separated tag list.
func SplitTags(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return NormalizeTags(strings.Split(s, ","))
}
