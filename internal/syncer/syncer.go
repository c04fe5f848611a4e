// Package syncer pushes the local store to the cloud mirror: pending
// deletions first (ledger entry, then tombstone), then every record changed
// since the device cursor, then graph edges. The cursor advances only after
// everything in the window is confirmed persisted.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rcliao/memory-cloud/internal/cloud"
	"github.com/rcliao/memory-cloud/internal/model"
	"github.com/rcliao/memory-cloud/internal/retry"
)

var (
	// ErrDegraded means the cloud stayed unreachable after every retry. The
	// cursor is unchanged and the next run retries the same window.
	ErrDegraded = errors.New("sync degraded: cloud mirror unreachable, will retry on the next run")
	// ErrSyncInProgress means another run holds the engine.
	ErrSyncInProgress = errors.New("sync already in progress")
)

// LocalStore is the part of the local store the engine reads.
type LocalStore interface {
	HighWater(ctx context.Context) (time.Time, error)
	ChangedSince(ctx context.Context, since time.Time, limit int) ([]model.MemoryRecord, error)
	EdgesChangedSince(ctx context.Context, since, until time.Time) ([]model.GraphEdge, error)
	PendingDeletions(ctx context.Context) ([]model.DeletionLedgerEntry, error)
	MarkDeletionPushed(ctx context.Context, id string) error
}

// Options configures an Engine.
type Options struct {
	DeviceName string
	BatchSize  int
	// RunTimeout bounds one whole run.
	RunTimeout time.Duration
	Retry      retry.Policy
	Logger     *slog.Logger
}

// Engine runs sync passes for one device. Runs never overlap.
type Engine struct {
	local  LocalStore
	mirror cloud.Mirror
	opts   Options
	logger *slog.Logger
	now    func() time.Time
	mu     sync.Mutex
}

// New creates an Engine.
func New(local LocalStore, mirror cloud.Mirror, opts Options) *Engine {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 2 * time.Minute
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = retry.DefaultPolicy()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		local:  local,
		mirror: mirror,
		opts:   opts,
		logger: logger.With("device", opts.DeviceName),
		now:    time.Now,
	}
}

// Report describes one run.
type Report struct {
	Device           string        `json:"device"`
	Status           string        `json:"status"`
	Inserted         int           `json:"inserted"`
	Merged           int           `json:"merged"`
	Unchanged        int           `json:"unchanged"`
	LedgerAppended   int           `json:"ledger_appended"`
	OrphansCompleted int           `json:"orphans_completed"`
	Tombstoned       int           `json:"tombstoned"`
	Edges            int           `json:"edges"`
	Attempts         int           `json:"attempts"`
	CursorBefore     time.Time     `json:"cursor_before"`
	CursorAfter      time.Time     `json:"cursor_after"`
	Duration         time.Duration `json:"duration_ns"`
	Error            string        `json:"error,omitempty"`
}

// Upserted is the number of records confirmed persisted.
func (r *Report) Upserted() int { return r.Inserted + r.Merged + r.Unchanged }

// Cursor returns the device's cursor from the mirror.
func (e *Engine) Cursor(ctx context.Context) (model.SyncCursor, error) {
	var cur model.SyncCursor
	_, err := retry.Do(ctx, e.opts.Retry, cloud.IsTransient, func(ctx context.Context) error {
		c, err := e.mirror.Cursor(ctx, e.opts.DeviceName)
		cur = c
		return err
	})
	return cur, err
}

// SyncOnce runs one pass. It returns ErrSyncInProgress if a pass is already
// running, an error wrapping ErrDegraded when transient failures outlast the
// retry policy, and integrity errors unchanged. The report is non-nil
// whenever a pass started.
func (e *Engine) SyncOnce(ctx context.Context) (*Report, error) {
	if !e.mu.TryLock() {
		return nil, ErrSyncInProgress
	}
	defer e.mu.Unlock()

	start := e.now()
	rep := &Report{Device: e.opts.DeviceName}
	ctx, cancel := context.WithTimeout(ctx, e.opts.RunTimeout)
	defer cancel()

	cur, err := e.pass(ctx, rep)
	rep.Duration = e.now().Sub(start)
	if err != nil {
		return rep, e.fail(ctx, rep, cur, err)
	}
	rep.Status = model.StatusIdle
	e.logger.Info("sync complete",
		"inserted", rep.Inserted, "merged", rep.Merged, "unchanged", rep.Unchanged,
		"tombstoned", rep.Tombstoned, "orphans", rep.OrphansCompleted, "edges", rep.Edges,
		"attempts", rep.Attempts, "duration", rep.Duration)
	return rep, nil
}

// pass does the work of one run. It returns the cursor loaded at the start,
// or nil if loading failed.
func (e *Engine) pass(ctx context.Context, rep *Report) (*model.SyncCursor, error) {
	var cur model.SyncCursor
	err := e.call(ctx, rep, func(ctx context.Context) error {
		c, err := e.mirror.Cursor(ctx, e.opts.DeviceName)
		cur = c
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load cursor: %w", err)
	}
	rep.CursorBefore = cur.LastSyncUpdatedAt
	rep.CursorAfter = cur.LastSyncUpdatedAt

	running := cur
	running.DeviceName = e.opts.DeviceName
	running.Status = model.StatusSyncing
	if err := e.call(ctx, rep, func(ctx context.Context) error {
		return e.mirror.SaveCursor(ctx, running)
	}); err != nil {
		return &cur, fmt.Errorf("mark sync running: %w", err)
	}

	if err := e.pushDeletions(ctx, rep); err != nil {
		return &cur, err
	}

	// Everything stamped at or before bound is committed; later writes land
	// in the next window.
	bound, err := e.local.HighWater(ctx)
	if err != nil {
		return &cur, fmt.Errorf("read local high water: %w", err)
	}
	if bound.Before(cur.LastSyncUpdatedAt) {
		bound = cur.LastSyncUpdatedAt
	}

	if err := e.pushRecords(ctx, rep, cur.LastSyncUpdatedAt, bound); err != nil {
		return &cur, err
	}
	if err := e.pushEdges(ctx, rep, cur.LastSyncUpdatedAt, bound); err != nil {
		return &cur, err
	}

	if err := ctx.Err(); err != nil {
		return &cur, err
	}
	now := e.now().UTC()
	next := model.SyncCursor{
		DeviceName:        e.opts.DeviceName,
		LastSyncAt:        &now,
		LastSyncUpdatedAt: bound,
		RecordsSynced:     cur.RecordsSynced + int64(rep.Upserted()+rep.Tombstoned),
		Status:            model.StatusIdle,
	}
	if err := e.call(ctx, rep, func(ctx context.Context) error {
		return e.mirror.SaveCursor(ctx, next)
	}); err != nil {
		return &cur, fmt.Errorf("save cursor: %w", err)
	}
	rep.CursorAfter = bound
	return &cur, nil
}

// pushDeletions appends each pending ledger entry and then tombstones its
// record. An entry already in the cloud ledger is an orphan left by an
// interrupted run: its tombstone is completed without a second append.
func (e *Engine) pushDeletions(ctx context.Context, rep *Report) error {
	pending, err := e.local.PendingDeletions(ctx)
	if err != nil {
		return fmt.Errorf("read pending deletions: %w", err)
	}
	for _, entry := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		var exists bool
		if err := e.call(ctx, rep, func(ctx context.Context) error {
			ok, err := e.mirror.HasLedgerEntry(ctx, entry.ID)
			exists = ok
			return err
		}); err != nil {
			return fmt.Errorf("check ledger %s: %w", entry.ID, err)
		}

		if exists {
			rep.OrphansCompleted++
			e.logger.Warn("completing interrupted deletion", "ledger_id", entry.ID, "hash", entry.ContentHash)
		} else {
			if err := e.call(ctx, rep, func(ctx context.Context) error {
				_, err := e.mirror.AppendLedger(ctx, entry)
				return err
			}); err != nil {
				return fmt.Errorf("append ledger %s: %w", entry.ID, err)
			}
			rep.LedgerAppended++
		}

		if err := e.call(ctx, rep, func(ctx context.Context) error {
			return e.mirror.Tombstone(ctx, entry.ContentHash)
		}); err != nil {
			return fmt.Errorf("tombstone %s: %w", entry.ContentHash, err)
		}
		rep.Tombstoned++

		if err := e.local.MarkDeletionPushed(ctx, entry.ID); err != nil {
			return fmt.Errorf("mark %s pushed: %w", entry.ID, err)
		}
	}
	return nil
}

func (e *Engine) pushRecords(ctx context.Context, rep *Report, since, bound time.Time) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := e.local.ChangedSince(ctx, since, e.opts.BatchSize)
		if err != nil {
			return fmt.Errorf("read changed records: %w", err)
		}
		full := len(batch) == e.opts.BatchSize
		for i, r := range batch {
			if r.UpdatedAt.After(bound) {
				batch, full = batch[:i], false
				break
			}
		}
		if len(batch) == 0 {
			return nil
		}

		var res cloud.UpsertResult
		if err := e.call(ctx, rep, func(ctx context.Context) error {
			r, err := e.mirror.UpsertRecords(ctx, e.opts.DeviceName, batch)
			res = r
			return err
		}); err != nil {
			return fmt.Errorf("upsert batch of %d: %w", len(batch), err)
		}
		rep.Inserted += res.Inserted
		rep.Merged += res.Merged
		rep.Unchanged += res.Unchanged
		e.logger.Debug("batch upserted", "size", len(batch), "inserted", res.Inserted, "merged", res.Merged)

		since = batch[len(batch)-1].UpdatedAt
		if !full {
			return nil
		}
	}
}

func (e *Engine) pushEdges(ctx context.Context, rep *Report, since, bound time.Time) error {
	edges, err := e.local.EdgesChangedSince(ctx, since, bound)
	if err != nil {
		return fmt.Errorf("read changed edges: %w", err)
	}
	if len(edges) == 0 {
		return nil
	}
	if err := e.call(ctx, rep, func(ctx context.Context) error {
		return e.mirror.UpsertEdges(ctx, edges)
	}); err != nil {
		return fmt.Errorf("upsert edges: %w", err)
	}
	rep.Edges = len(edges)
	return nil
}

func (e *Engine) call(ctx context.Context, rep *Report, fn func(ctx context.Context) error) error {
	res, err := retry.Do(ctx, e.opts.Retry, cloud.IsTransient, fn)
	rep.Attempts += res.Attempts
	if res.Attempts > 1 && err == nil {
		e.logger.Warn("cloud call recovered after retry", "attempts", res.Attempts)
	}
	return err
}

// fail classifies err, records the status on the mirror when the cursor was
// loaded, and returns the error to surface. The cursor high-water mark is
// never moved here. A canceled run puts back the status it found.
func (e *Engine) fail(ctx context.Context, rep *Report, cur *model.SyncCursor, err error) error {
	rep.Error = err.Error()
	status := ""
	switch {
	case errors.Is(err, context.Canceled):
		rep.Status = "canceled"
		e.logger.Warn("sync canceled, cursor unchanged")
		if cur != nil {
			status = cur.Status
		}
	case cloud.IsTransient(err):
		rep.Status = model.StatusDegraded
		status = rep.Status
		err = fmt.Errorf("%w: %v", ErrDegraded, err)
		e.logger.Warn("sync degraded, cursor unchanged", "error", rep.Error, "attempts", rep.Attempts)
	default:
		rep.Status = model.StatusError
		status = rep.Status
		e.logger.Error("sync failed, operator action required", "error", rep.Error)
	}

	if cur != nil {
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.Retry.CallTimeout+time.Second)
		defer cancel()
		marked := *cur
		marked.DeviceName = e.opts.DeviceName
		marked.Status = status
		if serr := e.mirror.SaveCursor(saveCtx, marked); serr != nil {
			e.logger.Debug("could not record sync status", "error", serr)
		}
	}
	return err
}

// Run syncs immediately and then every interval until ctx is done. A pass
// that fails is logged and retried on the next tick.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return model.Invalid("interval", "must be positive")
	}
	e.logger.Info("sync loop started", "interval", interval)
	e.runLogged(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("sync loop stopped")
			return ctx.Err()
		case <-ticker.C:
			e.runLogged(ctx)
		}
	}
}

func (e *Engine) runLogged(ctx context.Context) {
	_, err := e.SyncOnce(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrSyncInProgress):
		e.logger.Debug("previous sync still running, skipping tick")
	case errors.Is(err, ErrDegraded), errors.Is(err, context.Canceled):
		// already logged by fail
	default:
		e.logger.Error("sync pass failed", "error", err)
	}
}
