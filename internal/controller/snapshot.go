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
	"time"

	"github.com/caravel-vm/caravel/internal/adapter"
	"github.com/caravel-vm/caravel/internal/types"
)

var (
	ErrEnsureSnapshots = errors.New("ensuring snapshots")

	errNoMappingForStorage = errors.New("no volume mapping for storage")
	errMappingDisabled     = errors.New("volume mapping is disabled")
)

const defaultSnapshotPrefix = "caravel"

// ---------------------------------------------------- INTERFACE --------------------------------------------------- //

// SnapshotCoordinator resolves which volumes back a set of storages and
// orders snapshot creation on their controllers. Both entry points are
// fail-fast: the first failure aborts and must be treated as fatal to the
// run.
type SnapshotCoordinator interface {
	// EnsureByStorages snapshots the volume behind each distinct storage
	// name. An unmapped storage is an error; so is a mapping that is
	// disabled.
	EnsureByStorages(ctx context.Context, runID string, names []string) error
	// EnsureBySelectedVolumes snapshots explicitly selected volume
	// mappings. Ids resolving to nothing are skipped after a single batch
	// warning; a disabled mapping is still fatal.
	EnsureBySelectedVolumes(ctx context.Context, runID string, ids []int64) error
}

// --------------------------------------------------- CONSTRUCTORS ------------------------------------------------- //

// NewSnapshotCoordinator returns a new SnapshotCoordinator.
func NewSnapshotCoordinator(store adapter.Store, api adapter.SnapshotAPI) SnapshotCoordinator {
	return &snapshotCoordinator{
		store: store,
		api:   api,
		now:   time.Now,
	}
}

// ------------------------------------------------- COORDINATOR ---------------------------------------------------- //

type snapshotCoordinator struct {
	store adapter.Store
	api   adapter.SnapshotAPI
	now   func() time.Time
}

func (c *snapshotCoordinator) EnsureByStorages(
	ctx context.Context,
	runID string,
	names []string,
) error {
	targets := make([]types.SnapshotTarget, 0, len(names))
	seen := map[string]struct{}{}

	for _, name := range names {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" {
			continue
		}

		if _, dup := seen[key]; dup {
			continue
		}

		seen[key] = struct{}{}

		target, err := c.resolveByName(ctx, name)
		if err != nil {
			return errors.Join(err, ErrEnsureSnapshots)
		}

		targets = append(targets, target)
	}

	return c.createAll(ctx, runID, targets)
}

func (c *snapshotCoordinator) EnsureBySelectedVolumes(
	ctx context.Context,
	runID string,
	ids []int64,
) error {
	mappings, err := c.store.MappingsByIDs(ctx, ids)
	if err != nil {
		return errors.Join(err, ErrEnsureSnapshots)
	}

	if missing := missingIDs(ids, mappings); len(missing) > 0 {
		slog.WarnContext(ctx, "snapshot_selection_unresolved",
			"run", runID,
			"missing_ids", missing,
		)
	}

	targets := make([]types.SnapshotTarget, 0, len(mappings))

	for _, m := range mappings {
		if m.Disabled {
			return errors.Join(
				fmt.Errorf("mapping %d storage %q", m.ID, m.Storage),
				errMappingDisabled,
				ErrEnsureSnapshots,
			)
		}

		targets = append(targets, targetFromMapping(m))
	}

	return c.createAll(ctx, runID, targets)
}

// resolveByName picks the mapping backing a storage name. With several
// mappings the one whose controller is primary wins, else the first; the
// ambiguity is logged so a wrong pick in a replicated setup can be traced.
func (c *snapshotCoordinator) resolveByName(
	ctx context.Context,
	name string,
) (types.SnapshotTarget, error) {
	mappings, err := c.store.MappingsByStorage(ctx, name)
	if err != nil {
		return types.SnapshotTarget{}, err
	}

	if len(mappings) == 0 {
		return types.SnapshotTarget{}, errors.Join(
			fmt.Errorf("storage %q", name),
			errNoMappingForStorage,
		)
	}

	chosen := mappings[0]

	if len(mappings) > 1 {
		for _, m := range mappings {
			ctrl, err := c.store.ControllerByName(ctx, m.ControllerName)
			if err != nil {
				return types.SnapshotTarget{}, err
			}

			if ctrl.Primary {
				chosen = m

				break
			}
		}

		slog.WarnContext(ctx, "snapshot_mapping_ambiguous",
			"storage", name,
			"mappings", len(mappings),
			"chosen_controller", chosen.ControllerName,
		)
	}

	if chosen.Disabled {
		return types.SnapshotTarget{}, errors.Join(
			fmt.Errorf("mapping %d storage %q", chosen.ID, chosen.Storage),
			errMappingDisabled,
		)
	}

	return targetFromMapping(chosen), nil
}

func (c *snapshotCoordinator) createAll(
	ctx context.Context,
	runID string,
	targets []types.SnapshotTarget,
) error {
	if len(targets) == 0 {
		return nil
	}

	sel, err := c.store.SelectionRow(ctx)
	if err != nil {
		return errors.Join(err, ErrEnsureSnapshots)
	}

	label := snapshotLabel(sel.SnapshotLabel, c.now())

	for _, target := range targets {
		ctrl, err := c.store.ControllerByName(ctx, target.Controller)
		if err != nil {
			return errors.Join(err, ErrEnsureSnapshots)
		}

		if target.VolumeUUID == "" {
			slog.WarnContext(ctx, "snapshot_addressed_by_name",
				"storage", target.Storage,
				"svm", target.SVM,
				"controller", ctrl.Name,
			)
		}

		info, err := c.api.CreateSnapshot(ctx, ctrl, target, label, sel.LockDays)
		if err != nil {
			return errors.Join(err, ErrEnsureSnapshots)
		}

		slog.InfoContext(ctx, "snapshot_created",
			"run", runID,
			"controller", ctrl.Name,
			"volume", info.VolumeUUID,
			"snapshot", info.Name,
			"lock_days", sel.LockDays,
		)
	}

	return nil
}

func targetFromMapping(m types.VolumeMapping) types.SnapshotTarget {
	return types.SnapshotTarget{
		Storage:    m.Storage,
		Controller: m.ControllerName,
		VolumeUUID: m.VolumeUUID,
		SVM:        m.SVM,
		Disabled:   m.Disabled,
	}
}

func missingIDs(ids []int64, mappings []types.VolumeMapping) []int64 {
	found := make(map[int64]struct{}, len(mappings))
	for _, m := range mappings {
		found[m.ID] = struct{}{}
	}

	var missing []int64

	for _, id := range ids {
		if _, ok := found[id]; !ok {
			missing = append(missing, id)
		}
	}

	return missing
}

func snapshotLabel(prefix string, now time.Time) string {
	if prefix == "" {
		prefix = defaultSnapshotPrefix
	}

	return prefix + "-" + now.UTC().Format("20060102-150405")
}
