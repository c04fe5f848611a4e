// Package restore rebuilds local records from the cloud mirror and the
// deletion ledgers.
package restore

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/rcliao/memory-cloud/internal/cloud"
	"github.com/rcliao/memory-cloud/internal/model"
	"github.com/rcliao/memory-cloud/internal/retry"
)

// Mode selects what Restore brings back.
type Mode int

const (
	// ModeAll restores every live cloud record missing locally.
	ModeAll Mode = iota
	// ModeDeleted restores every deleted record from its ledger payload.
	ModeDeleted
)

func (m Mode) String() string {
	if m == ModeDeleted {
		return "deleted"
	}
	return "all"
}

// Item actions.
const (
	ActionRestored = "restored"
	ActionSkipped  = "skipped"
	ActionFailed   = "failed"
	ActionNotFound = "not_found"
)

// Item reports what happened to one hash.
type Item struct {
	Hash   string `json:"hash"`
	Action string `json:"action"`
	Source string `json:"source,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Report summarises a restore.
type Report struct {
	Mode     string `json:"mode"`
	Total    int    `json:"total"`
	Restored int    `json:"restored"`
	Skipped  int    `json:"skipped"`
	Failed   int    `json:"failed"`
	NotFound int    `json:"not_found"`
	Items    []Item `json:"items"`
}

func (r *Report) add(it Item) {
	r.Total++
	switch it.Action {
	case ActionRestored:
		r.Restored++
	case ActionSkipped:
		r.Skipped++
	case ActionFailed:
		r.Failed++
	case ActionNotFound:
		r.NotFound++
	}
	r.Items = append(r.Items, it)
}

// LocalStore is the part of the local store restore writes to.
type LocalStore interface {
	Restore(ctx context.Context, rec model.MemoryRecord) (bool, error)
	Hashes(ctx context.Context) (map[string]bool, error)
	LedgerEntries(ctx context.Context, hash string) ([]model.DeletionLedgerEntry, error)
}

// Engine restores records. A nil mirror limits it to the local ledger.
type Engine struct {
	local  LocalStore
	mirror cloud.Mirror
	policy retry.Policy
	logger *slog.Logger
}

// New creates an Engine.
func New(local LocalStore, mirror cloud.Mirror, policy retry.Policy, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{local: local, mirror: mirror, policy: policy, logger: logger}
}

// candidate is everything known about one hash.
type candidate struct {
	row   *model.MemoryRecord
	entry *model.DeletionLedgerEntry
}

// Restore runs mode. Running it twice restores nothing the second time.
func (e *Engine) Restore(ctx context.Context, mode Mode) (*Report, error) {
	cands := map[string]*candidate{}
	switch mode {
	case ModeAll:
		if e.mirror == nil {
			return nil, cloud.ErrNotConfigured
		}
		rows, err := e.records(ctx, cloud.RecordFilter{})
		if err != nil {
			return nil, err
		}
		for i := range rows {
			cands[rows[i].ContentHash] = &candidate{row: &rows[i]}
		}
	case ModeDeleted:
		if err := e.collectDeleted(ctx, cands, ""); err != nil {
			return nil, err
		}
	default:
		return nil, model.Invalid("mode", "unknown restore mode %d", mode)
	}
	return e.apply(ctx, mode.String(), cands, nil)
}

// RestoreHashes restores specific records, from the cloud row when it is
// live and from the newest ledger payload otherwise.
func (e *Engine) RestoreHashes(ctx context.Context, hashes []string) (*Report, error) {
	cands := map[string]*candidate{}
	var order []string
	for _, h := range hashes {
		if _, seen := cands[h]; seen || h == "" {
			continue
		}
		cands[h] = &candidate{}
		order = append(order, h)
	}
	if len(order) == 0 {
		return nil, model.Invalid("hash", "at least one hash is required")
	}

	if e.mirror != nil {
		rows, err := e.records(ctx, cloud.RecordFilter{IncludeDeleted: true, Hashes: order})
		if err != nil {
			return nil, err
		}
		for i := range rows {
			if c, ok := cands[rows[i].ContentHash]; ok {
				c.row = &rows[i]
			}
		}
	}
	for _, h := range order {
		if err := e.collectDeleted(ctx, cands, h); err != nil {
			return nil, err
		}
	}
	return e.apply(ctx, "hash", cands, order)
}

// RestoreSearch restores the cloud records, live or tombstoned, whose
// content or tags match query.
func (e *Engine) RestoreSearch(ctx context.Context, query string, limit int) (*Report, error) {
	if e.mirror == nil {
		return nil, cloud.ErrNotConfigured
	}
	var rows []model.MemoryRecord
	if err := e.call(ctx, func(ctx context.Context) error {
		r, err := e.mirror.SearchText(ctx, query, true, limit)
		rows = r
		return err
	}); err != nil {
		return nil, fmt.Errorf("search cloud: %w", err)
	}
	if len(rows) == 0 {
		return &Report{Mode: "search", Items: []Item{}}, nil
	}
	hashes := make([]string, len(rows))
	for i, r := range rows {
		hashes[i] = r.ContentHash
	}
	rep, err := e.RestoreHashes(ctx, hashes)
	if rep != nil {
		rep.Mode = "search"
	}
	return rep, err
}

// collectDeleted adds the newest ledger entry per hash from both ledgers,
// and every tombstoned cloud row. An empty hash collects everything.
func (e *Engine) collectDeleted(ctx context.Context, cands map[string]*candidate, hash string) error {
	localEntries, err := e.local.LedgerEntries(ctx, hash)
	if err != nil {
		return fmt.Errorf("read local ledger: %w", err)
	}
	entries := localEntries
	if e.mirror != nil {
		var cloudEntries []model.DeletionLedgerEntry
		if err := e.call(ctx, func(ctx context.Context) error {
			l, err := e.mirror.Ledger(ctx, hash)
			cloudEntries = l
			return err
		}); err != nil {
			return fmt.Errorf("read cloud ledger: %w", err)
		}
		entries = append(entries, cloudEntries...)
	}
	for i := range entries {
		en := &entries[i]
		c := cands[en.ContentHash]
		if c == nil {
			c = &candidate{}
			cands[en.ContentHash] = c
		}
		if c.entry == nil || en.DeletedAt.After(c.entry.DeletedAt) {
			c.entry = en
		}
	}

	if e.mirror != nil && hash == "" {
		rows, err := e.records(ctx, cloud.RecordFilter{DeletedOnly: true})
		if err != nil {
			return err
		}
		for i := range rows {
			c := cands[rows[i].ContentHash]
			if c == nil {
				c = &candidate{}
				cands[rows[i].ContentHash] = c
			}
			c.row = &rows[i]
		}
	}
	return nil
}

func (e *Engine) apply(ctx context.Context, mode string, cands map[string]*candidate, order []string) (*Report, error) {
	if order == nil {
		for h := range cands {
			order = append(order, h)
		}
		sort.Strings(order)
	}
	local, err := e.local.Hashes(ctx)
	if err != nil {
		return nil, fmt.Errorf("read local hashes: %w", err)
	}

	rep := &Report{Mode: mode, Items: []Item{}}
	var integrity error
	for _, h := range order {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		c := cands[h]
		if local[h] {
			if c.row != nil && c.row.LocalDeleted {
				if err := e.clearTombstone(ctx, h); err != nil {
					return rep, err
				}
			}
			rep.add(Item{Hash: h, Action: ActionSkipped})
			continue
		}

		rec, source, ok := c.record()
		if !ok {
			rep.add(Item{Hash: h, Action: ActionNotFound})
			continue
		}
		if _, err := e.local.Restore(ctx, rec); err != nil {
			if !model.IsIntegrity(err) {
				return rep, fmt.Errorf("restore %s: %w", h, err)
			}
			e.logger.Error("record failed integrity check, not restored", "hash", h, "source", source, "error", err)
			rep.add(Item{Hash: h, Action: ActionFailed, Source: source, Error: err.Error()})
			if integrity == nil {
				integrity = err
			}
			continue
		}
		local[h] = true
		if c.row != nil && c.row.LocalDeleted {
			if err := e.clearTombstone(ctx, h); err != nil {
				return rep, err
			}
		}
		rep.add(Item{Hash: h, Action: ActionRestored, Source: source})
	}

	e.logger.Info("restore complete", "mode", mode, "restored", rep.Restored, "skipped", rep.Skipped,
		"failed", rep.Failed, "not_found", rep.NotFound)
	if integrity != nil {
		return rep, fmt.Errorf("%d record(s) failed integrity checks, first: %w", rep.Failed, integrity)
	}
	return rep, nil
}

// record picks the payload to restore. A deleted record comes from the
// ledger, which holds the content exactly as captured; the cloud row only
// contributes its embedding.
func (c *candidate) record() (model.MemoryRecord, string, bool) {
	switch {
	case c.entry != nil && (c.row == nil || c.row.LocalDeleted):
		rec := c.entry.Record()
		if c.row != nil && len(c.row.Embedding) > 0 {
			rec.Embedding = c.row.Embedding
		}
		return rec, "ledger", true
	case c.row != nil:
		rec := *c.row
		rec.SyncedAt = nil
		rec.LocalDeleted = false
		return rec, "cloud", true
	}
	return model.MemoryRecord{}, "", false
}

func (e *Engine) clearTombstone(ctx context.Context, hash string) error {
	if e.mirror == nil {
		return nil
	}
	if err := e.call(ctx, func(ctx context.Context) error {
		return e.mirror.ClearTombstone(ctx, hash)
	}); err != nil {
		return fmt.Errorf("clear tombstone %s: %w", hash, err)
	}
	return nil
}

func (e *Engine) records(ctx context.Context, f cloud.RecordFilter) ([]model.MemoryRecord, error) {
	var rows []model.MemoryRecord
	err := e.call(ctx, func(ctx context.Context) error {
		r, err := e.mirror.Records(ctx, f)
		rows = r
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read cloud records: %w", err)
	}
	return rows, nil
}

func (e *Engine) call(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := retry.Do(ctx, e.policy, cloud.IsTransient, fn)
	return err
}
