// Copyright 2026 The Caravel Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/caravel-vm/caravel/internal/adapter"
	"github.com/caravel-vm/caravel/internal/types"
)

const (
	defaultPollTimeout = 60 * time.Second
	pollInterval       = 2 * time.Second

	stepRun      = "Run"
	stepSnapshot = "Snapshot"

	outcomeCompleted = "completed"
	outcomeAborted   = "aborted"
	outcomeCanceled  = "canceled"
)

// ---------------------------------------------------- INTERFACE --------------------------------------------------- //

// Runner owns the migration run lifecycle. At most one run executes at a
// time; a run works through a candidate set frozen at start, snapshotting
// the backing volumes first and then converting items one by one.
type Runner interface {
	// Start begins a run in the background and reports whether it was
	// started; false means a run is already in flight. The run's lifetime
	// is detached from ctx, Stop is the only way to cancel it.
	Start(ctx context.Context) bool
	// Stop cancels the in-flight run, if any. The item being processed is
	// reverted to Queued.
	Stop()
	// Running reports whether a run is in flight.
	Running() bool
}

// --------------------------------------------------- CONSTRUCTORS ------------------------------------------------- //

// NewRunner returns a new Runner. pollTimeout bounds the wait for queue
// items when a run starts against an empty queue; zero selects the default.
func NewRunner(
	store adapter.Store,
	snapshots SnapshotCoordinator,
	executor Executor,
	metrics *Collector,
	pollTimeout time.Duration,
) Runner {
	if pollTimeout <= 0 {
		pollTimeout = defaultPollTimeout
	}

	if metrics == nil {
		metrics = NewMetricsCollector()
	}

	return &runner{
		store:       store,
		snapshots:   snapshots,
		executor:    executor,
		metrics:     metrics,
		pollTimeout: pollTimeout,
	}
}

// ----------------------------------------------------- RUNNER ----------------------------------------------------- //

type runner struct {
	store       adapter.Store
	snapshots   SnapshotCoordinator
	executor    Executor
	metrics     *Collector
	pollTimeout time.Duration

	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (r *runner) Start(ctx context.Context) bool {
	if !r.running.CompareAndSwap(false, true) {
		return false
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	runID := shortRunID()

	slog.InfoContext(ctx, "run_started", "run", runID)
	r.metrics.RunStarted()

	go func() {
		defer func() {
			cancel()

			r.mu.Lock()
			r.cancel = nil
			r.mu.Unlock()

			r.running.Store(false)
		}()

		started := time.Now()
		outcome := r.run(runCtx, runID)
		elapsed := time.Since(started)

		r.metrics.RunFinished(outcome, elapsed.Seconds())
		slog.Info("run_finished",
			"run", runID,
			"outcome", outcome,
			"duration", elapsed.Round(time.Millisecond).String(),
		)
	}()

	return true
}

func (r *runner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (r *runner) Running() bool {
	return r.running.Load()
}

// ----------------------------------------------------- PHASES ----------------------------------------------------- //

func (r *runner) run(ctx context.Context, runID string) string {
	sel, err := r.store.SelectionRow(ctx)
	if err != nil {
		r.logRun(ctx, runID, types.LevelError, "no migration target selected: "+err.Error())

		return outcomeAborted
	}

	selected, err := r.store.SelectedMappings(ctx)
	if err != nil {
		r.logRun(ctx, runID, types.LevelError, "loading selected volumes: "+err.Error())

		return outcomeAborted
	}

	items, err := r.store.QueuedItems(ctx)
	if err != nil {
		r.logRun(ctx, runID, types.LevelError, "loading queue: "+err.Error())

		return outcomeAborted
	}

	if len(selected) == 0 && len(items) == 0 {
		if items, err = r.waitForItems(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				r.logRun(ctx, runID, types.LevelWarning, "run canceled while waiting for queue items")

				return outcomeCanceled
			}

			r.logRun(ctx, runID, types.LevelError, "polling queue: "+err.Error())

			return outcomeAborted
		}

		if len(items) == 0 {
			r.logRun(ctx, runID, types.LevelWarning, "nothing to snapshot and queue stayed empty, nothing to do")

			return outcomeCompleted
		}
	}

	// The candidate set is frozen here. Items enqueued from now on belong
	// to the next run.
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}

	if err := r.snapshotPhase(ctx, runID, sel, selected, items); err != nil {
		if errors.Is(err, context.Canceled) {
			r.logRun(ctx, runID, types.LevelWarning, "run canceled during snapshot phase")

			return outcomeCanceled
		}

		for _, item := range items {
			r.logItem(ctx, runID, item.ID, stepSnapshot, types.LevelError,
				"snapshot phase failed: "+err.Error())
		}

		if len(items) == 0 {
			r.logRun(ctx, runID, types.LevelError, "snapshot phase failed: "+err.Error())
		}

		return outcomeAborted
	}

	return r.processItems(ctx, runID, ids)
}

// waitForItems polls the queue until an item shows up or the window closes.
// A nil error with an empty result means the window closed.
func (r *runner) waitForItems(ctx context.Context) ([]types.QueueItem, error) {
	deadline := time.NewTimer(r.pollTimeout)
	defer deadline.Stop()

	tick := time.NewTicker(pollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-tick.C:
			items, err := r.store.QueuedItems(ctx)
			if err != nil {
				return nil, err
			}

			if len(items) > 0 {
				return items, nil
			}
		}
	}
}

// snapshotPhase protects the run's source data before anything is written.
// Explicitly selected volumes win; otherwise the storages named by the
// frozen items' disks are snapshotted, falling back to the selection-wide
// target storage.
func (r *runner) snapshotPhase(
	ctx context.Context,
	runID string,
	sel types.Selection,
	selected []types.VolumeMapping,
	items []types.QueueItem,
) error {
	if len(selected) > 0 {
		ids := make([]int64, 0, len(selected))
		for _, m := range selected {
			ids = append(ids, m.ID)
		}

		slog.InfoContext(ctx, "run_snapshot_selected_volumes", "run", runID, "mappings", len(ids))

		return r.snapshots.EnsureBySelectedVolumes(ctx, runID, ids)
	}

	names := r.candidateStorages(ctx, runID, items)
	if len(names) == 0 && sel.TargetStorage != "" {
		names = []string{sel.TargetStorage}
	}

	if len(names) == 0 {
		r.logRun(ctx, runID, types.LevelWarning, "no storages to snapshot, skipping snapshot phase")

		return nil
	}

	slog.InfoContext(ctx, "run_snapshot_storages", "run", runID, "storages", names)

	return r.snapshots.EnsureByStorages(ctx, runID, names)
}

// candidateStorages unions the storage names referenced by the items' disk
// lists. An undecodable list only costs that item its contribution; the
// executor fails the item itself later.
func (r *runner) candidateStorages(
	ctx context.Context,
	runID string,
	items []types.QueueItem,
) []string {
	var names []string

	seen := map[string]struct{}{}

	for _, item := range items {
		fromItem, err := types.StorageNamesFromDisks(item.Disks)
		if err != nil {
			r.logItem(ctx, runID, item.ID, stepSnapshot, types.LevelWarning,
				"disk list unreadable, item contributes no snapshot storages: "+err.Error())

			continue
		}

		for _, name := range fromItem {
			key := strings.ToLower(name)
			if _, dup := seen[key]; dup {
				continue
			}

			seen[key] = struct{}{}
			names = append(names, name)
		}
	}

	return names
}

func (r *runner) processItems(ctx context.Context, runID string, ids []int64) string {
	for {
		if err := ctx.Err(); err != nil {
			r.logRun(ctx, runID, types.LevelWarning, "run canceled")

			return outcomeCanceled
		}

		item, err := r.store.NextQueued(ctx, ids)
		if errors.Is(err, adapter.ErrItemNotFound) {
			return outcomeCompleted
		}

		if err != nil {
			r.logRun(ctx, runID, types.LevelError, "loading next queued item: "+err.Error())

			return outcomeAborted
		}

		ok, err := r.store.SetItemStatus(ctx, item.ID, types.StatusQueued, types.StatusProcessing)
		if err != nil {
			r.logRun(ctx, runID, types.LevelError,
				fmt.Sprintf("claiming item %d: %v", item.ID, err))

			return outcomeAborted
		}

		if !ok {
			// The row left Queued under us; whoever moved it owns it now.
			continue
		}

		slog.InfoContext(ctx, "run_item_started", "run", runID, "item", item.ID, "name", item.Name)

		switch err := r.executor.Execute(ctx, runID, item); {
		case err == nil:
			r.finishItem(ctx, runID, item.ID, types.StatusDone)
		case errors.Is(err, context.Canceled):
			r.revertItem(ctx, runID, item.ID)

			return outcomeCanceled
		default:
			r.finishItem(ctx, runID, item.ID, types.StatusFailed)
		}
	}
}

// -------------------------------------------------- TRANSITIONS --------------------------------------------------- //

func (r *runner) finishItem(ctx context.Context, runID string, id int64, status types.ItemStatus) {
	if _, err := r.store.SetItemStatus(context.WithoutCancel(ctx), id, types.StatusProcessing, status); err != nil {
		slog.ErrorContext(ctx, "run_item_status_failed",
			"run", runID,
			"item", id,
			"status", status,
			"error", err,
		)
	}

	r.metrics.ItemFinished(string(status))
}

// revertItem hands a half-processed item back to the queue after
// cancellation. The revert runs on a detached context so it lands even
// though the run context is already canceled.
func (r *runner) revertItem(ctx context.Context, runID string, id int64) {
	detached := context.WithoutCancel(ctx)

	if _, err := r.store.SetItemStatus(detached, id, types.StatusProcessing, types.StatusQueued); err != nil {
		slog.ErrorContext(ctx, "run_item_revert_failed",
			"run", runID,
			"item", id,
			"error", err,
		)
	}

	r.logItem(ctx, runID, id, stepRun, types.LevelWarning,
		"run canceled, item reverted to queued")
	r.metrics.ItemFinished(outcomeCanceled)
}

// ----------------------------------------------------- LOGGING ---------------------------------------------------- //

// logRun persists a batch-wide run log row, one not tied to any item.
func (r *runner) logRun(ctx context.Context, runID string, level types.LogLevel, msg string) {
	r.logItem(ctx, runID, 0, stepRun, level, msg)
}

func (r *runner) logItem(
	ctx context.Context,
	runID string,
	itemID int64,
	step string,
	level types.LogLevel,
	msg string,
) {
	entry := &types.RunLogEntry{
		RunID:   runID,
		ItemID:  itemID,
		Step:    step,
		Level:   level,
		Message: msg,
	}

	if err := r.store.AppendLog(context.WithoutCancel(ctx), entry); err != nil {
		slog.ErrorContext(ctx, "run_log_append_failed",
			"run", runID,
			"item", itemID,
			"error", err,
		)
	}
}

func shortRunID() string {
	return strings.SplitN(uuid.NewString(), "-", 2)[0]
}
