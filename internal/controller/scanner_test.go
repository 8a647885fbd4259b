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

	"github.com/caravel-vm/caravel/internal/controller"
	"github.com/caravel-vm/caravel/internal/types"
	"github.com/caravel-vm/caravel/internal/util/fakes/nodefake"
	"github.com/caravel-vm/caravel/internal/util/testutil"
)

const sectorsPerGiB = int64(1) << 21

func TestScannerInventoriesGuests(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t)
	seedCluster(t, store)

	node := nodefake.New(t, "pve1").
		WithFile("/mnt/pve/ds1/web01/web01.vmx", testutil.NewLinuxVMX("web01")).
		WithFile("/mnt/pve/ds1/web01/web01.vmdk", testutil.NewFlatVMDK("web01", 40*sectorsPerGiB)).
		WithFile("/mnt/pve/ds1/web01/web01_1.vmdk", testutil.NewFlatVMDK("web01_1", 8*sectorsPerGiB))

	scanner := controller.NewScanner(store, nodefake.NewConnector(node), "")

	results, err := scanner.Scan(ctx, 1, "pve1", "ds1")
	require.NoError(t, err)
	require.Len(t, results, 1)

	got := results[0]
	assert.Equal(t, "web01", got.Name)
	assert.Equal(t, "/mnt/pve/ds1/web01/web01.vmx", got.Path)
	assert.Equal(t, "ubuntu-64", got.GuestOS)
	assert.Equal(t, 2, got.CPUs)
	assert.Equal(t, 4096, got.MemoryMB)
	assert.False(t, got.Firmware.UEFI)

	require.Len(t, got.Disks, 2)
	assert.Equal(t, "scsi0:0", got.Disks[0].Key)
	assert.Equal(t, types.BusSCSI, got.Disks[0].Bus)
	assert.Equal(t, 0, got.Disks[0].Index)
	assert.Equal(t, "/mnt/pve/ds1/web01/web01.vmdk", got.Disks[0].Path)
	assert.Equal(t, int64(40), got.Disks[0].SizeGiB)
	assert.Equal(t, 1, got.Disks[1].Index)
	assert.Equal(t, int64(8), got.Disks[1].SizeGiB)

	require.Len(t, got.Nics, 1)
	assert.Equal(t, "e1000", got.Nics[0].Model)
	assert.Equal(t, "00:0c:29:11:22:33", got.Nics[0].MAC)

	require.Len(t, got.Controllers, 1)
	assert.Equal(t, "pvscsi", got.Controllers[0].Model)
}

func TestScannerReadsFirmwareAndTopology(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t)
	seedCluster(t, store)

	node := nodefake.New(t, "pve1").
		WithFile("/mnt/pve/ds1/sql01/sql01.vmx", testutil.NewWindowsUEFIVMX("sql01")).
		WithFile("/mnt/pve/ds1/sql01/sql01.vmdk", testutil.NewFlatVMDK("sql01", 100*sectorsPerGiB)).
		WithFile("/mnt/pve/ds1/sql01/sql01_1.vmdk", testutil.NewFlatVMDK("sql01_1", 500*sectorsPerGiB))

	scanner := controller.NewScanner(store, nodefake.NewConnector(node), "")

	results, err := scanner.Scan(ctx, 1, "pve1", "ds1")
	require.NoError(t, err)
	require.Len(t, results, 1)

	got := results[0]
	assert.True(t, got.Firmware.UEFI)
	assert.True(t, got.Firmware.SecureBoot)
	assert.True(t, got.Firmware.TPM)
	assert.True(t, got.Firmware.DiskUUIDEnabled)
	assert.Equal(t, "sql01.nvram", got.Firmware.NVRAMPath)

	assert.Equal(t, 4, got.CPUs)
	assert.Equal(t, 2, got.CoresPerSocket)
	assert.Equal(t, 8192, got.MemoryMB)

	require.Len(t, got.Disks, 2)
	assert.Equal(t, types.BusSCSI, got.Disks[0].Bus)
	assert.Equal(t, types.BusSATA, got.Disks[1].Bus)
	assert.Equal(t, 0, got.Disks[1].Index)

	require.Len(t, got.Nics, 1)
	assert.Equal(t, "vmxnet3", got.Nics[0].Model)
	assert.Equal(t, "00:50:56:9a:bc:de", got.Nics[0].MAC)

	require.Len(t, got.Controllers, 2)
	assert.Equal(t, "sata", got.Controllers[0].Type)
	assert.Equal(t, "scsi", got.Controllers[1].Type)
	assert.Equal(t, "lsisas1068", got.Controllers[1].Model)
}

func TestScannerDeviceSelection(t *testing.T) {
	t.Parallel()

	// No displayName, a CD-ROM on ide, an explicitly absent disk, a
	// placeholder backing and a NIC without a present flag. Only scsi0:1,
	// nvme0:0 and ethernet1 survive.
	const mixedVMX = `.encoding = "UTF-8"
guestOS = "rhel8-64"
scsi0.present = "TRUE"
scsi0:1.present = "TRUE"
scsi0:1.deviceType = "scsi-hardDisk"
scsi0:1.fileName = "data1.vmdk"
scsi0:2.present = "FALSE"
scsi0:2.fileName = "gone.vmdk"
ide0:0.present = "TRUE"
ide0:0.deviceType = "cdrom-image"
ide0:0.fileName = "installer.iso"
sata0:0.present = "TRUE"
sata0:0.fileName = "emptyBackingString"
nvme0:0.fileName = "scratch.vmdk"
ethernet0.virtualDev = "vmxnet3"
ethernet1.present = "TRUE"
ethernet1.virtualDev = "vmxnet3"
ethernet1.generatedAddress = "00:0c:29:aa:bb:cc"
`

	ctx := context.Background()
	store := newStore(t)
	seedCluster(t, store)

	node := nodefake.New(t, "pve1").
		WithFile("/mnt/pve/ds1/box01/box01.vmx", mixedVMX).
		WithFile("/mnt/pve/ds1/box01/data1.vmdk", testutil.NewFlatVMDK("data1", 2*sectorsPerGiB)).
		WithFile("/mnt/pve/ds1/box01/scratch.vmdk", testutil.NewFlatVMDK("scratch", sectorsPerGiB))

	scanner := controller.NewScanner(store, nodefake.NewConnector(node), "")

	results, err := scanner.Scan(ctx, 1, "pve1", "ds1")
	require.NoError(t, err)
	require.Len(t, results, 1)

	got := results[0]
	assert.Equal(t, "box01", got.Name)

	require.Len(t, got.Disks, 2)
	assert.Equal(t, "scsi0:1", got.Disks[0].Key)
	assert.Equal(t, 0, got.Disks[0].Index)
	assert.Equal(t, types.BusNVMe, got.Disks[1].Bus)
	assert.Equal(t, 0, got.Disks[1].Index)

	require.Len(t, got.Nics, 1)
	assert.Equal(t, 1, got.Nics[0].Index)
	assert.Equal(t, "00:0c:29:aa:bb:cc", got.Nics[0].MAC)
}

func TestScannerSkipsSnapshotDirectories(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t)
	seedCluster(t, store)

	node := nodefake.New(t, "pve1").
		WithFile("/mnt/pve/ds1/web01/web01.vmx", testutil.NewLinuxVMX("web01")).
		WithFile("/mnt/pve/ds1/web01/web01.vmdk", testutil.NewFlatVMDK("web01", sectorsPerGiB)).
		WithFile("/mnt/pve/ds1/web01/web01_1.vmdk", testutil.NewFlatVMDK("web01_1", sectorsPerGiB)).
		WithFile("/mnt/pve/ds1/.snapshot/hourly.0/web01/web01.vmx", testutil.NewLinuxVMX("web01"))

	scanner := controller.NewScanner(store, nodefake.NewConnector(node), "")

	results, err := scanner.Scan(ctx, 1, "pve1", "ds1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "/mnt/pve/ds1/web01/web01.vmx", results[0].Path)
}

func TestScannerMissingMountYieldsEmpty(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t)
	seedCluster(t, store)

	node := nodefake.New(t, "pve1")
	scanner := controller.NewScanner(store, nodefake.NewConnector(node), "")

	results, err := scanner.Scan(ctx, 1, "pve1", "ds9")
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestScannerSkipsUnreadableDescriptor(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t)
	seedCluster(t, store)

	node := nodefake.New(t, "pve1").
		WithFile("/mnt/pve/ds1/ok/ok.vmx", testutil.NewLinuxVMX("ok")).
		WithFile("/mnt/pve/ds1/ok/ok.vmdk", testutil.NewFlatVMDK("ok", sectorsPerGiB)).
		WithFile("/mnt/pve/ds1/ok/ok_1.vmdk", testutil.NewFlatVMDK("ok_1", sectorsPerGiB)).
		WithFile("/mnt/pve/ds1/bad/bad.vmx", "").
		WithReadError("/mnt/pve/ds1/bad/bad.vmx", errors.New("permission denied"))

	scanner := controller.NewScanner(store, nodefake.NewConnector(node), "")

	results, err := scanner.Scan(ctx, 1, "pve1", "ds1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "ok", results[0].Name)
}

func TestScannerDiskSizeLadder(t *testing.T) {
	t.Parallel()

	// One guest per rung so each size source is observed in isolation.
	const oneDiskVMX = `displayName = "vm"
scsi0:0.present = "TRUE"
scsi0:0.fileName = "disk.vmdk"
`

	t.Run("FlatFileSizeWhenNoExtents", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		store := newStore(t)
		seedCluster(t, store)

		node := nodefake.New(t, "pve1").
			WithFile("/mnt/pve/ds1/vm/vm.vmx", oneDiskVMX).
			WithFile("/mnt/pve/ds1/vm/disk.vmdk", "# Disk DescriptorFile\nversion=1\n").
			WithFileSize("/mnt/pve/ds1/vm/disk-flat.vmdk", 5<<30)

		scanner := controller.NewScanner(store, nodefake.NewConnector(node), "")

		results, err := scanner.Scan(ctx, 1, "pve1", "ds1")
		require.NoError(t, err)
		require.Len(t, results, 1)
		require.Len(t, results[0].Disks, 1)
		assert.Equal(t, int64(5), results[0].Disks[0].SizeGiB)
	})

	t.Run("DescriptorSizeForMonolithicFile", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		store := newStore(t)
		seedCluster(t, store)

		// The "descriptor" is a 3 GiB data file: far over the text read
		// guard, so its own size is the answer and it is never read.
		node := nodefake.New(t, "pve1").
			WithFile("/mnt/pve/ds1/vm/vm.vmx", oneDiskVMX).
			WithFileSize("/mnt/pve/ds1/vm/disk.vmdk", 3<<30)

		scanner := controller.NewScanner(store, nodefake.NewConnector(node), "")

		results, err := scanner.Scan(ctx, 1, "pve1", "ds1")
		require.NoError(t, err)
		require.Len(t, results, 1)
		require.Len(t, results[0].Disks, 1)
		assert.Equal(t, int64(3), results[0].Disks[0].SizeGiB)
	})

	t.Run("ExtentSectorsWinOverFlatFile", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		store := newStore(t)
		seedCluster(t, store)

		node := nodefake.New(t, "pve1").
			WithFile("/mnt/pve/ds1/vm/vm.vmx", oneDiskVMX).
			WithFile("/mnt/pve/ds1/vm/disk.vmdk", testutil.NewFlatVMDK("disk", 10*sectorsPerGiB)).
			WithFileSize("/mnt/pve/ds1/vm/disk-flat.vmdk", 1<<30)

		scanner := controller.NewScanner(store, nodefake.NewConnector(node), "")

		results, err := scanner.Scan(ctx, 1, "pve1", "ds1")
		require.NoError(t, err)
		require.Len(t, results, 1)
		require.Len(t, results[0].Disks, 1)
		assert.Equal(t, int64(10), results[0].Disks[0].SizeGiB)
	})
}

func TestScannerCanceledContext(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	seedCluster(t, store)

	node := nodefake.New(t, "pve1").
		WithFile("/mnt/pve/ds1/web01/web01.vmx", testutil.NewLinuxVMX("web01"))

	scanner := controller.NewScanner(store, nodefake.NewConnector(node), "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := scanner.Scan(ctx, 1, "pve1", "ds1")
	require.ErrorIs(t, err, context.Canceled)
}
