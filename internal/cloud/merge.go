package cloud

import (
	"reflect"

	"github.com/rcliao/memory-cloud/internal/contenthash"
	"github.com/rcliao/memory-cloud/internal/model"
)

// merge folds incoming into existing and reports whether anything changed.
// Content, created_at and source_device are never touched. Tags and
// summarized_from only grow. Metadata keys are only added; when incoming is
// newer its values win for shared keys, as does its memory type, because
// those change only through explicit mutations.
func merge(existing, incoming model.MemoryRecord) (model.MemoryRecord, bool, error) {
	if !contenthash.Equivalent(existing.Content, incoming.Content) {
		return existing, false, model.ErrHashCollision
	}

	out := existing
	newer := micros(incoming.UpdatedAt).After(micros(existing.UpdatedAt))

	out.Tags = model.MergeTags(existing.Tags, incoming.Tags)
	out.SummarizedFrom = unionHashes(existing.SummarizedFrom, incoming.SummarizedFrom)
	out.IsSummary = existing.IsSummary || incoming.IsSummary

	if len(incoming.Metadata) > 0 {
		out.Metadata = model.CloneMetadata(existing.Metadata)
		if out.Metadata == nil {
			out.Metadata = map[string]any{}
		}
		for k, v := range incoming.Metadata {
			if _, ok := out.Metadata[k]; !ok || newer {
				out.Metadata[k] = v
			}
		}
	}
	if len(out.Embedding) == 0 && len(incoming.Embedding) > 0 {
		out.Embedding = incoming.Embedding
	}
	if newer {
		out.UpdatedAt = incoming.UpdatedAt
		if model.ValidTypes[incoming.MemoryType] {
			out.MemoryType = incoming.MemoryType
		}
	}
	out.LocalDeleted = false

	changed := !model.SameTags(out.Tags, existing.Tags) ||
		len(out.SummarizedFrom) != len(existing.SummarizedFrom) ||
		out.IsSummary != existing.IsSummary ||
		!sameMetadata(out.Metadata, existing.Metadata) ||
		len(out.Embedding) != len(existing.Embedding) ||
		out.MemoryType != existing.MemoryType ||
		newer ||
		existing.LocalDeleted
	return out, changed, nil
}

func sameMetadata(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func unionHashes(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, h := range append(append([]string(nil), a...), b...) {
		if !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}
	return out
}
