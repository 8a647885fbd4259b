//go:build integration

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

package main_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caravel-vm/caravel/internal/adapter"
	"github.com/caravel-vm/caravel/internal/controller"
	"github.com/caravel-vm/caravel/internal/driver/server"
	"github.com/caravel-vm/caravel/internal/types"
	"github.com/caravel-vm/caravel/internal/util/fakes/nodefake"
	"github.com/caravel-vm/caravel/internal/util/testutil"
)

const (
	runTimeout    = 15 * time.Second
	sectorsPerGiB = 1 << 21
)

// TestCaraveldFullLifecycle drives the whole migration flow through the
// HTTP API, wired exactly as the daemon wires it: seed the topology, scan
// the source mount, enqueue the discovered guest, start a run and watch it
// snapshot the backing volume and land the guest on the target node.
func TestCaraveldFullLifecycle(t *testing.T) {
	store, err := adapter.NewStore(filepath.Join(t.TempDir(), "caravel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	node := nodefake.New(t, "pve1").
		WithFile("/mnt/pve/src1/web01/web01.vmx", testutil.NewLinuxVMX("web01")).
		WithFile("/mnt/pve/src1/web01/web01.vmdk", testutil.NewFlatVMDK("web01", 20*sectorsPerGiB))

	var snapshotPosts atomic.Int32

	filer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		snapshotPosts.Add(1)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("{}"))
	}))
	defer filer.Close()

	scanner := controller.NewScanner(store, nodefake.NewConnector(node), "")
	executor := controller.NewExecutor(store, nodefake.NewConnector(node), "")
	coordinator := controller.NewSnapshotCoordinator(store, adapter.NewSnapshotAPI())
	runner := controller.NewRunner(store, coordinator, executor, controller.NewMetricsCollector(), time.Second)

	api := httptest.NewServer(server.New(runner, scanner, store))
	defer api.Close()

	client := api.Client()

	t.Log("seeding cluster, controller, mapping and selection")

	status := doJSON(t, client, http.MethodPut, api.URL+"/api/v1/clusters", map[string]any{
		"id": 1, "name": "lab", "host": "pve1.lab.example", "port": 22,
		"user": "root", "password": "pw",
	}, nil)
	require.Equal(t, http.StatusOK, status)

	status = doJSON(t, client, http.MethodPut, api.URL+"/api/v1/controllers", map[string]any{
		"name": "filer1", "baseUrl": filer.URL, "username": "admin",
		"password": "secret", "primary": true,
	}, nil)
	require.Equal(t, http.StatusOK, status)

	status = doJSON(t, client, http.MethodPut, api.URL+"/api/v1/mappings", map[string]any{
		"storage": "ds1", "controller": "filer1", "volumeUuid": "uuid-ds1",
	}, nil)
	require.Equal(t, http.StatusOK, status)

	status = doJSON(t, client, http.MethodPut, api.URL+"/api/v1/selection", map[string]any{
		"cluster": 1, "node": "pve1", "targetStorage": "ds1", "snapshotLabel": "migrate",
	}, nil)
	require.Equal(t, http.StatusOK, status)

	t.Log("scanning the source mount")

	var results []types.ScanResult

	status = doJSON(t, client, http.MethodPost, api.URL+"/api/v1/scan",
		map[string]any{"storage": "src1"}, &results)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, results, 1)
	require.Equal(t, "web01", results[0].Name)

	t.Log("enqueueing the discovered guest")

	var item types.QueueItem

	status = doJSON(t, client, http.MethodPost, api.URL+"/api/v1/queue", map[string]any{
		"vmid": 501, "targetStorage": "ds1", "scan": results[0],
	}, &item)
	require.Equal(t, http.StatusCreated, status)
	require.Positive(t, item.ID)
	require.Equal(t, types.StatusQueued, item.Status)

	t.Log("starting the run")

	var accepted struct {
		Accepted bool `json:"accepted"`
	}

	status = doJSON(t, client, http.MethodPost, api.URL+"/api/v1/run", nil, &accepted)
	require.Equal(t, http.StatusAccepted, status)
	require.True(t, accepted.Accepted)

	require.Eventually(t, func() bool {
		resp, err := client.Get(api.URL + "/api/v1/run")
		if err != nil {
			return false
		}

		defer func() { _ = resp.Body.Close() }()

		var run struct {
			Running bool `json:"running"`
		}

		if json.NewDecoder(resp.Body).Decode(&run) != nil {
			return false
		}

		return !run.Running
	}, runTimeout, 100*time.Millisecond, "run did not finish")

	t.Log("verifying the migrated guest")

	var queue []types.QueueItem

	status = doJSON(t, client, http.MethodGet, api.URL+"/api/v1/queue", nil, &queue)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, queue, 1)
	assert.Equal(t, types.StatusDone, queue[0].Status)
	require.NotNil(t, queue[0].VMID)
	assert.Equal(t, 501, *queue[0].VMID)

	assert.Equal(t, int32(1), snapshotPosts.Load())

	conf, ok := node.FileContent("/etc/pve/nodes/pve1/qemu-server/501.conf")
	require.True(t, ok, "guest configuration was not written")
	assert.Contains(t, conf, "web01")

	descriptor, ok := node.FileContent("/mnt/pve/ds1/images/501/web01.vmdk")
	require.True(t, ok, "rewritten descriptor was not placed")
	assert.Contains(t, descriptor, `"/mnt/pve/ds1/images/501/web01-flat.vmdk"`)

	var logs []types.RunLogEntry

	status = doJSON(t, client, http.MethodGet, api.URL+"/api/v1/logs?limit=100", nil, &logs)
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, logs)

	for _, entry := range logs {
		assert.NotEqual(t, types.LevelError, entry.Level, "unexpected error entry: %s", entry.Message)
	}
}

// doJSON sends one request and decodes the response into out when given.
func doJSON(t *testing.T, client *http.Client, method, url string, body, out any) int {
	t.Helper()

	var reader io.Reader

	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}

	return resp.StatusCode
}
