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
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/caravel-vm/caravel/internal/adapter"
	"github.com/caravel-vm/caravel/internal/types"
)

func newStore(t *testing.T) adapter.Store {
	t.Helper()

	store, err := adapter.NewStore(":memory:")
	require.NoError(t, err)

	t.Cleanup(func() { require.NoError(t, store.Close()) })

	return store
}

func seedCluster(t *testing.T, store adapter.Store) types.Cluster {
	t.Helper()

	cluster := types.Cluster{ID: 1, Name: "lab", Host: "pve1.lab.example", Port: 22, User: "root"}
	require.NoError(t, store.SaveCluster(context.Background(), &cluster))

	return cluster
}

func seedSelection(t *testing.T, store adapter.Store, sel types.Selection) types.Selection {
	t.Helper()

	if sel.ClusterID == 0 {
		sel.ClusterID = 1
	}

	if sel.Node == "" {
		sel.Node = "pve1"
	}

	require.NoError(t, store.SaveSelection(context.Background(), &sel))

	return sel
}

func enqueue(t *testing.T, store adapter.Store, item types.QueueItem) types.QueueItem {
	t.Helper()

	require.NoError(t, store.CreateItem(context.Background(), &item))

	return item
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()

	raw, err := json.Marshal(v)
	require.NoError(t, err)

	return string(raw)
}

func intPtr(v int) *int { return &v }

// queuedItem builds a minimal single-disk queue item.
func queuedItem(t *testing.T, name string, vmid int, storage, source string) types.QueueItem {
	t.Helper()

	return types.QueueItem{
		VMID: intPtr(vmid),
		Name: name,
		Disks: mustJSON(t, []types.DiskRef{{
			Source:        source,
			TargetStorage: storage,
			Bus:           types.BusSCSI,
			Index:         0,
		}}),
	}
}

// snapshotCall records one CreateSnapshot invocation.
type snapshotCall struct {
	controller string
	target     types.SnapshotTarget
	label      string
	lockDays   int
}

// recordingSnapshotAPI is an adapter.SnapshotAPI capturing every call.
// When failStorage is set, the call targeting that storage fails with
// failErr; an empty failStorage with a non-nil failErr fails every call.
type recordingSnapshotAPI struct {
	mu          sync.Mutex
	calls       []snapshotCall
	failStorage string
	failErr     error
}

func (r *recordingSnapshotAPI) CreateSnapshot(
	_ context.Context,
	ctrl types.Controller,
	target types.SnapshotTarget,
	label string,
	lockDays int,
) (adapter.SnapshotInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = append(r.calls, snapshotCall{
		controller: ctrl.Name,
		target:     target,
		label:      label,
		lockDays:   lockDays,
	})

	if r.failErr != nil && (r.failStorage == "" || r.failStorage == target.Storage) {
		return adapter.SnapshotInfo{}, r.failErr
	}

	return adapter.SnapshotInfo{Name: label, VolumeUUID: target.VolumeUUID}, nil
}

func (r *recordingSnapshotAPI) recorded() []snapshotCall {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]snapshotCall, len(r.calls))
	copy(out, r.calls)

	return out
}
