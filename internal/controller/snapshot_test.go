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

//go:build unit

package controller_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caravel-vm/caravel/internal/adapter"
	"github.com/caravel-vm/caravel/internal/controller"
	"github.com/caravel-vm/caravel/internal/types"
)

func seedController(t *testing.T, store adapter.Store, ctrl types.Controller) {
	t.Helper()

	require.NoError(t, store.SaveController(context.Background(), &ctrl))
}

func seedMapping(t *testing.T, store adapter.Store, m types.VolumeMapping) types.VolumeMapping {
	t.Helper()

	require.NoError(t, store.SaveMapping(context.Background(), &m))

	return m
}

func TestSnapshotCoordinatorByStorages(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("SnapshotsEachStorageOnce", func(t *testing.T) {
		t.Parallel()

		store := newStore(t)
		seedSelection(t, store, types.Selection{SnapshotLabel: "nightly", LockDays: 7})
		seedController(t, store, types.Controller{Name: "filer1", BaseURL: "https://filer1"})
		seedMapping(t, store, types.VolumeMapping{Storage: "ds1", ControllerName: "filer1", VolumeUUID: "uuid-1"})
		seedMapping(t, store, types.VolumeMapping{Storage: "ds2", ControllerName: "filer1", VolumeUUID: "uuid-2"})

		api := &recordingSnapshotAPI{}
		coord := controller.NewSnapshotCoordinator(store, api)

		require.NoError(t, coord.EnsureByStorages(ctx, "run1", []string{"ds1", "DS1", "ds2"}))

		calls := api.recorded()
		require.Len(t, calls, 2)
		assert.Equal(t, "uuid-1", calls[0].target.VolumeUUID)
		assert.Equal(t, "uuid-2", calls[1].target.VolumeUUID)
		assert.Regexp(t, `^nightly-\d{8}-\d{6}$`, calls[0].label)
		assert.Equal(t, calls[0].label, calls[1].label)
		assert.Equal(t, 7, calls[0].lockDays)
	})

	t.Run("DefaultLabelPrefix", func(t *testing.T) {
		t.Parallel()

		store := newStore(t)
		seedSelection(t, store, types.Selection{})
		seedController(t, store, types.Controller{Name: "filer1"})
		seedMapping(t, store, types.VolumeMapping{Storage: "ds1", ControllerName: "filer1", VolumeUUID: "uuid-1"})

		api := &recordingSnapshotAPI{}
		coord := controller.NewSnapshotCoordinator(store, api)

		require.NoError(t, coord.EnsureByStorages(ctx, "run1", []string{"ds1"}))

		calls := api.recorded()
		require.Len(t, calls, 1)
		assert.Regexp(t, `^caravel-\d{8}-\d{6}$`, calls[0].label)
		assert.Zero(t, calls[0].lockDays)
	})

	t.Run("UnmappedStorageIsFatal", func(t *testing.T) {
		t.Parallel()

		store := newStore(t)
		seedSelection(t, store, types.Selection{})

		api := &recordingSnapshotAPI{}
		coord := controller.NewSnapshotCoordinator(store, api)

		err := coord.EnsureByStorages(ctx, "run1", []string{"ghost"})
		require.ErrorIs(t, err, controller.ErrEnsureSnapshots)
		assert.Contains(t, err.Error(), `"ghost"`)
		assert.Empty(t, api.recorded())
	})

	t.Run("DisabledMappingIsFatal", func(t *testing.T) {
		t.Parallel()

		store := newStore(t)
		seedSelection(t, store, types.Selection{})
		seedController(t, store, types.Controller{Name: "filer1"})
		seedMapping(t, store, types.VolumeMapping{Storage: "ds1", ControllerName: "filer1", Disabled: true})

		api := &recordingSnapshotAPI{}
		coord := controller.NewSnapshotCoordinator(store, api)

		err := coord.EnsureByStorages(ctx, "run1", []string{"ds1"})
		require.ErrorIs(t, err, controller.ErrEnsureSnapshots)
		assert.Empty(t, api.recorded())
	})

	t.Run("PrefersPrimaryController", func(t *testing.T) {
		t.Parallel()

		store := newStore(t)
		seedSelection(t, store, types.Selection{})
		seedController(t, store, types.Controller{Name: "replica"})
		seedController(t, store, types.Controller{Name: "primary", Primary: true})
		seedMapping(t, store, types.VolumeMapping{Storage: "ds1", ControllerName: "replica", VolumeUUID: "uuid-r"})
		seedMapping(t, store, types.VolumeMapping{Storage: "ds1", ControllerName: "primary", VolumeUUID: "uuid-p"})

		api := &recordingSnapshotAPI{}
		coord := controller.NewSnapshotCoordinator(store, api)

		require.NoError(t, coord.EnsureByStorages(ctx, "run1", []string{"ds1"}))

		calls := api.recorded()
		require.Len(t, calls, 1)
		assert.Equal(t, "primary", calls[0].controller)
		assert.Equal(t, "uuid-p", calls[0].target.VolumeUUID)
	})

	t.Run("FailFastStopsAtFirstError", func(t *testing.T) {
		t.Parallel()

		store := newStore(t)
		seedSelection(t, store, types.Selection{})
		seedController(t, store, types.Controller{Name: "filer1"})
		seedMapping(t, store, types.VolumeMapping{Storage: "ds1", ControllerName: "filer1", VolumeUUID: "uuid-1"})
		seedMapping(t, store, types.VolumeMapping{Storage: "ds2", ControllerName: "filer1", VolumeUUID: "uuid-2"})

		api := &recordingSnapshotAPI{failErr: errors.New("volume is offline")}
		coord := controller.NewSnapshotCoordinator(store, api)

		err := coord.EnsureByStorages(ctx, "run1", []string{"ds1", "ds2"})
		require.ErrorIs(t, err, controller.ErrEnsureSnapshots)
		assert.Len(t, api.recorded(), 1)
	})
}

func TestSnapshotCoordinatorBySelectedVolumes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("SnapshotsSelectedMappings", func(t *testing.T) {
		t.Parallel()

		store := newStore(t)
		seedSelection(t, store, types.Selection{SnapshotLabel: "pre-move"})
		seedController(t, store, types.Controller{Name: "filer1"})
		m1 := seedMapping(t, store, types.VolumeMapping{Storage: "ds1", ControllerName: "filer1", VolumeUUID: "uuid-1", Selected: true})
		m2 := seedMapping(t, store, types.VolumeMapping{Storage: "ds2", ControllerName: "filer1", VolumeUUID: "uuid-2", Selected: true})

		api := &recordingSnapshotAPI{}
		coord := controller.NewSnapshotCoordinator(store, api)

		require.NoError(t, coord.EnsureBySelectedVolumes(ctx, "run1", []int64{m1.ID, m2.ID}))
		assert.Len(t, api.recorded(), 2)
	})

	t.Run("UnknownIdsAreSkipped", func(t *testing.T) {
		t.Parallel()

		store := newStore(t)
		seedSelection(t, store, types.Selection{})
		seedController(t, store, types.Controller{Name: "filer1"})
		m := seedMapping(t, store, types.VolumeMapping{Storage: "ds1", ControllerName: "filer1", VolumeUUID: "uuid-1", Selected: true})

		api := &recordingSnapshotAPI{}
		coord := controller.NewSnapshotCoordinator(store, api)

		require.NoError(t, coord.EnsureBySelectedVolumes(ctx, "run1", []int64{m.ID, 9999}))

		calls := api.recorded()
		require.Len(t, calls, 1)
		assert.Equal(t, "uuid-1", calls[0].target.VolumeUUID)
	})

	t.Run("DisabledSelectionIsFatal", func(t *testing.T) {
		t.Parallel()

		store := newStore(t)
		seedSelection(t, store, types.Selection{})
		seedController(t, store, types.Controller{Name: "filer1"})
		m := seedMapping(t, store, types.VolumeMapping{Storage: "ds1", ControllerName: "filer1", Disabled: true, Selected: true})

		api := &recordingSnapshotAPI{}
		coord := controller.NewSnapshotCoordinator(store, api)

		err := coord.EnsureBySelectedVolumes(ctx, "run1", []int64{m.ID})
		require.ErrorIs(t, err, controller.ErrEnsureSnapshots)
		assert.Empty(t, api.recorded())
	})

	t.Run("EmptySelectionIsNoop", func(t *testing.T) {
		t.Parallel()

		store := newStore(t)

		api := &recordingSnapshotAPI{}
		coord := controller.NewSnapshotCoordinator(store, api)

		require.NoError(t, coord.EnsureBySelectedVolumes(ctx, "run1", nil))
		assert.Empty(t, api.recorded())
	})
}
