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
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caravel-vm/caravel/internal/adapter"
	"github.com/caravel-vm/caravel/internal/controller"
	"github.com/caravel-vm/caravel/internal/types"
	"github.com/caravel-vm/caravel/internal/util/fakes/nodefake"
	"github.com/caravel-vm/caravel/internal/util/testutil"
)

func stepMessages(logs []types.RunLogEntry, step string) []string {
	var out []string

	for _, entry := range logs {
		if entry.Step == step {
			out = append(out, entry.Message)
		}
	}

	return out
}

func webItem(t *testing.T) types.QueueItem {
	t.Helper()

	return types.QueueItem{
		VMID:           intPtr(101),
		Name:           "web01",
		UEFI:           true,
		AddDriverDisk:  true,
		MountDriverISO: true,
		MemoryMB:       4096,
		VCPUs:          2,
		FirmwareUUID:   "564d3216-f14e-5252-dd66-0f71f4731622",
		Disks: mustJSON(t, []types.DiskRef{{
			Source:        "/mnt/pve/src1/web01/web01.vmdk",
			TargetStorage: "ds1",
			Bus:           types.BusSCSI,
			Index:         0,
		}}),
		Nics: mustJSON(t, []types.NicSpec{{
			Model:  "vmxnet3",
			MAC:    "00:50:56:9a:bc:de",
			Bridge: "vmbr0 (LAN)",
			VLAN:   intPtr(140),
		}}),
	}
}

func TestExecutorConvertsItem(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t)
	seedCluster(t, store)
	seedSelection(t, store, types.Selection{
		DriverISO:      "local:iso/virtio-win.iso",
		StagingStorage: "ds1",
	})

	node := nodefake.New(t, "pve1").
		WithFile("/mnt/pve/src1/web01/web01.vmdk", testutil.NewFlatVMDK("web01", 20*sectorsPerGiB))

	exec := controller.NewExecutor(store, nodefake.NewConnector(node), "")
	item := enqueue(t, store, webItem(t))

	require.NoError(t, exec.Execute(ctx, "run1", item))

	descriptor, ok := node.FileContent("/mnt/pve/ds1/images/101/web01.vmdk")
	require.True(t, ok)
	assert.Contains(t, descriptor, `createType="vmfs"`)
	assert.Contains(t, descriptor, `RW 41943040 VMFS "/mnt/pve/ds1/images/101/web01-flat.vmdk"`)

	conf, ok := node.FileContent("/etc/pve/nodes/pve1/qemu-server/101.conf")
	require.True(t, ok)
	assert.Contains(t, conf, "name: web01\n")
	assert.Contains(t, conf, "bios: ovmf\n")
	assert.Contains(t, conf, "smbios1: uuid=564d3216-f14e-5252-dd66-0f71f4731622\n")
	assert.Contains(t, conf, "memory: 4096\n")
	assert.Contains(t, conf, "sockets: 1\n")
	assert.Contains(t, conf, "cores: 2\n")
	assert.Contains(t, conf, "scsihw: virtio-scsi-single\n")
	assert.Contains(t, conf, "scsi0: ds1:101/web01.vmdk,discard=on,iothread=1,ssd=1\n")
	assert.Contains(t, conf, "boot: order=scsi0\n")
	assert.Contains(t, conf, "net0: vmxnet3=00:50:56:9A:BC:DE,bridge=vmbr0,firewall=1,tag=140\n")
	assert.Contains(t, conf, "ide2: local:iso/virtio-win.iso,media=cdrom\n")
	assert.Contains(t, conf, "scsi1: ds1:1\n")
	assert.Contains(t, conf, "efidisk0: ds1:1,efitype=4m\n")

	assert.Equal(t, []string{
		"attach 101 scsi1 ds1:1",
		"cdrom 101 local:iso/virtio-win.iso",
		"efivars 101 ds1",
	}, node.Commands())

	logs, err := store.LogsByRun(ctx, "run1")
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, "Validate", logs[0].Step)
	assert.Equal(t, "START", logs[0].Message)
	assert.Equal(t, "Finalize", logs[len(logs)-1].Step)
	assert.Equal(t, "OK", logs[len(logs)-1].Message)
	assert.Contains(t, stepMessages(logs, "PlaceDescriptor"), "OK web01.vmdk")

	assert.Equal(t, 1, node.Closes())
}

func TestExecutorValidation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("MissingVMID", func(t *testing.T) {
		t.Parallel()

		store := newStore(t)
		seedCluster(t, store)
		seedSelection(t, store, types.Selection{})

		connector := nodefake.NewConnector(nodefake.New(t, "pve1"))
		exec := controller.NewExecutor(store, connector, "")

		item := webItem(t)
		item.VMID = nil

		err := exec.Execute(ctx, "run1", item)
		require.ErrorIs(t, err, controller.ErrExecute)
		assert.Contains(t, err.Error(), "no vmid")
		assert.Zero(t, connector.Connects())
	})

	t.Run("MissingName", func(t *testing.T) {
		t.Parallel()

		store := newStore(t)
		seedCluster(t, store)
		seedSelection(t, store, types.Selection{})

		exec := controller.NewExecutor(store, nodefake.NewConnector(nodefake.New(t, "pve1")), "")

		item := webItem(t)
		item.Name = ""

		err := exec.Execute(ctx, "run1", item)
		require.ErrorIs(t, err, controller.ErrExecute)
		assert.Contains(t, err.Error(), "no name")
	})

	t.Run("ItemWithoutDisksStillConverts", func(t *testing.T) {
		t.Parallel()

		store := newStore(t)
		seedCluster(t, store)
		seedSelection(t, store, types.Selection{})

		node := nodefake.New(t, "pve1")
		exec := controller.NewExecutor(store, nodefake.NewConnector(node), "")

		item := types.QueueItem{VMID: intPtr(102), Name: "diskless"}
		item = enqueue(t, store, item)

		require.NoError(t, exec.Execute(ctx, "run1", item))

		conf, ok := node.FileContent("/etc/pve/nodes/pve1/qemu-server/102.conf")
		require.True(t, ok)
		assert.Contains(t, conf, "name: diskless\n")
		assert.Contains(t, conf, "ide2: none,media=cdrom\n")
		assert.NotContains(t, conf, "scsi0:")

		logs, err := store.LogsByRun(ctx, "run1")
		require.NoError(t, err)
		assert.Contains(t, stepMessages(logs, "Validate"), "item has no disks")
	})
}

func TestExecutorVMIDCollision(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t)
	seedCluster(t, store)
	seedSelection(t, store, types.Selection{})

	// The colliding guest lives on another node; the configuration
	// filesystem is cluster-wide so it still counts.
	node := nodefake.New(t, "pve1").
		WithFile("/mnt/pve/src1/web01/web01.vmdk", testutil.NewFlatVMDK("web01", sectorsPerGiB)).
		WithFile("/etc/pve/nodes/pve9/qemu-server/101.conf", "name: squatter\n")

	exec := controller.NewExecutor(store, nodefake.NewConnector(node), "")
	item := enqueue(t, store, webItem(t))

	err := exec.Execute(ctx, "run1", item)
	require.ErrorIs(t, err, controller.ErrExecute)
	assert.Contains(t, err.Error(), "already in use")

	_, written := node.FileContent("/mnt/pve/ds1/images/101/web01.vmdk")
	assert.False(t, written)

	logs, lerr := store.LogsByRun(ctx, "run1")
	require.NoError(t, lerr)
	messages := stepMessages(logs, "CheckVmid")
	require.Len(t, messages, 2)
	assert.Contains(t, messages[1], "ERROR")
}

func TestExecutorDescriptorWriteFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t)
	seedCluster(t, store)
	seedSelection(t, store, types.Selection{})

	node := nodefake.New(t, "pve1").
		WithFile("/mnt/pve/src1/web01/web01.vmdk", testutil.NewFlatVMDK("web01", sectorsPerGiB)).
		WithWriteError("/mnt/pve/ds1/images/101/web01.vmdk", errors.New("read-only file system"))

	exec := controller.NewExecutor(store, nodefake.NewConnector(node), "")
	item := enqueue(t, store, webItem(t))

	err := exec.Execute(ctx, "run1", item)
	require.ErrorIs(t, err, controller.ErrExecute)
	assert.Contains(t, err.Error(), "read-only file system")

	logs, lerr := store.LogsByRun(ctx, "run1")
	require.NoError(t, lerr)

	messages := stepMessages(logs, "PlaceDescriptor")
	require.Len(t, messages, 2)
	assert.Equal(t, "START web01.vmdk", messages[0])
	assert.Contains(t, messages[1], "ERROR web01.vmdk")

	// The config is never written once a disk fails.
	_, ok := node.FileContent("/etc/pve/nodes/pve1/qemu-server/101.conf")
	assert.False(t, ok)
}

func TestExecutorSkipsISOWithoutConfiguredMedia(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t)
	seedCluster(t, store)
	seedSelection(t, store, types.Selection{StagingStorage: "ds1"})

	node := nodefake.New(t, "pve1").
		WithFile("/mnt/pve/src1/web01/web01.vmdk", testutil.NewFlatVMDK("web01", sectorsPerGiB))

	exec := controller.NewExecutor(store, nodefake.NewConnector(node), "")
	item := enqueue(t, store, webItem(t))

	require.NoError(t, exec.Execute(ctx, "run1", item))

	for _, cmd := range node.Commands() {
		assert.NotContains(t, cmd, "cdrom")
	}

	logs, err := store.LogsByRun(ctx, "run1")
	require.NoError(t, err)
	assert.Contains(t, stepMessages(logs, "MountISO"), "no driver media configured, skipping")

	conf, ok := node.FileContent("/etc/pve/nodes/pve1/qemu-server/101.conf")
	require.True(t, ok)
	assert.Contains(t, conf, "ide2: none,media=cdrom\n")
}

func TestExecutorCanceledMidDescriptorWrite(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	seedCluster(t, store)
	seedSelection(t, store, types.Selection{})

	node := nodefake.New(t, "pve1").
		WithFile("/mnt/pve/src1/web01/web01.vmdk", testutil.NewFlatVMDK("web01", sectorsPerGiB))

	entered, release := node.GateWrites()
	defer release()

	exec := controller.NewExecutor(store, nodefake.NewConnector(node), "")
	item := enqueue(t, store, webItem(t))

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- exec.Execute(ctx, "run1", item) }()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("executor never reached the descriptor write")
	}

	cancel()

	var err error
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("executor did not return after cancellation")
	}

	require.ErrorIs(t, err, context.Canceled)

	logs, lerr := store.LogsByRun(context.Background(), "run1")
	require.NoError(t, lerr)
	assert.Contains(t, stepMessages(logs, "PlaceDescriptor"), "CANCELED web01.vmdk")
}
