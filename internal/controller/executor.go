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
	"path"
	"strconv"

	"github.com/caravel-vm/caravel/internal/adapter"
	"github.com/caravel-vm/caravel/internal/types"
	"github.com/caravel-vm/caravel/pkg/pveconf"
	"github.com/caravel-vm/caravel/pkg/vmdk"
)

var (
	ErrExecute = errors.New("executing migration")

	errVMIDMissing      = errors.New("item has no vmid")
	errNameMissing      = errors.New("item has no name")
	errVMIDInUse        = errors.New("vmid already in use")
	errDiskSource       = errors.New("disk has no source path")
	errDiskStorage      = errors.New("disk has no target storage")
	errConfVerify       = errors.New("config verification failed")
	errMediaVerify      = errors.New("removable media missing after mount")
	errEFIVarsVerify    = errors.New("firmware vars disk missing after add")
	errNoStagingStorage = errors.New("no storage available for staging disk")
	errNoEFIStorage     = errors.New("no storage available for firmware vars disk")
)

const (
	stepValidate        = "Validate"
	stepConnect         = "Connect"
	stepCheckVmid       = "CheckVmid"
	stepPlaceDescriptor = "PlaceDescriptor"
	stepWriteConf       = "WriteConf"
	stepAddDummyDisk    = "AddDummyDisk"
	stepMountISO        = "MountISO"
	stepAddEfiDisk      = "AddEfiDisk"
	stepFinalize        = "Finalize"

	stagingBus     = types.BusSCSI
	stagingDiskGiB = int64(1)
)

// ---------------------------------------------------- INTERFACE --------------------------------------------------- //

// Executor converts one queue item into a guest on the target cluster:
// rewritten disk descriptors plus a synthesized configuration. Every step
// leaves START and OK/ERROR/CANCELED rows in the run log.
type Executor interface {
	Execute(ctx context.Context, runID string, item types.QueueItem) error
}

// --------------------------------------------------- CONSTRUCTORS ------------------------------------------------- //

// NewExecutor returns a new Executor. An empty mountBase selects the
// standard storage mount root.
func NewExecutor(store adapter.Store, connector adapter.Connector, mountBase string) Executor {
	if mountBase == "" {
		mountBase = defaultMountBase
	}

	return &executor{
		store:     store,
		connector: connector,
		mountBase: mountBase,
	}
}

// ---------------------------------------------------- EXECUTOR ---------------------------------------------------- //

type executor struct {
	store     adapter.Store
	connector adapter.Connector
	mountBase string
}

func (e *executor) Execute(ctx context.Context, runID string, item types.QueueItem) error {
	var (
		vmid  int
		disks []types.DiskRef
		nics  []types.NicSpec
	)

	if err := e.step(ctx, runID, item.ID, stepValidate, "", func() error {
		if item.VMID == nil || *item.VMID <= 0 {
			return errVMIDMissing
		}

		if item.Name == "" {
			return errNameMissing
		}

		vmid = *item.VMID

		var err error
		if disks, err = item.DiskRefs(); err != nil {
			return err
		}

		if nics, err = item.NicSpecs(); err != nil {
			return err
		}

		if len(disks) == 0 {
			e.logItem(ctx, runID, item.ID, stepValidate, types.LevelWarning,
				"item has no disks")
		}

		if item.FirmwareUUID != "" {
			if _, ok := pveconf.NormalizeUUID(item.FirmwareUUID); !ok {
				e.logItem(ctx, runID, item.ID, stepValidate, types.LevelWarning,
					fmt.Sprintf("firmware uuid %q is not parseable, smbios line will be omitted", item.FirmwareUUID))
			}
		}

		return nil
	}); err != nil {
		return errors.Join(err, ErrExecute)
	}

	sel, err := e.store.SelectionRow(ctx)
	if err != nil {
		return errors.Join(err, ErrExecute)
	}

	cluster, err := e.store.ClusterByID(ctx, sel.ClusterID)
	if err != nil {
		return errors.Join(err, ErrExecute)
	}

	var node adapter.Node

	if err := e.step(ctx, runID, item.ID, stepConnect, sel.Node, func() error {
		var err error
		node, err = e.connector.Connect(ctx, cluster, sel.Node)

		return err
	}); err != nil {
		return errors.Join(err, ErrExecute)
	}

	defer func() { _ = node.Close() }()

	if err := e.step(ctx, runID, item.ID, stepCheckVmid, strconv.Itoa(vmid), func() error {
		inUse, err := node.VMIDInUse(ctx, vmid)
		if err != nil {
			return err
		}

		if inUse {
			return fmt.Errorf("vmid %d: %w", vmid, errVMIDInUse)
		}

		return nil
	}); err != nil {
		return errors.Join(err, ErrExecute)
	}

	for _, disk := range disks {
		d := disk

		if err := e.step(ctx, runID, item.ID, stepPlaceDescriptor, path.Base(d.Source), func() error {
			return e.placeDescriptor(ctx, node, vmid, d)
		}); err != nil {
			return errors.Join(err, ErrExecute)
		}
	}

	confPath := node.ConfigPath(vmid)

	if err := e.step(ctx, runID, item.ID, stepWriteConf, "", func() error {
		return e.writeConf(ctx, node, confPath, item, vmid, disks, nics)
	}); err != nil {
		return errors.Join(err, ErrExecute)
	}

	if item.AddDriverDisk {
		if err := e.step(ctx, runID, item.ID, stepAddDummyDisk, "", func() error {
			return e.addStagingDisk(ctx, node, sel, vmid, disks)
		}); err != nil {
			return errors.Join(err, ErrExecute)
		}
	}

	if item.MountDriverISO {
		if sel.DriverISO == "" {
			e.logItem(ctx, runID, item.ID, stepMountISO, types.LevelWarning,
				"no driver media configured, skipping")
		} else if err := e.step(ctx, runID, item.ID, stepMountISO, sel.DriverISO, func() error {
			return e.mountISO(ctx, node, confPath, vmid, sel.DriverISO)
		}); err != nil {
			return errors.Join(err, ErrExecute)
		}
	}

	if item.UEFI {
		if err := e.step(ctx, runID, item.ID, stepAddEfiDisk, "", func() error {
			return e.addEFIVars(ctx, runID, item.ID, node, sel, confPath, vmid, disks)
		}); err != nil {
			return errors.Join(err, ErrExecute)
		}
	}

	return e.step(ctx, runID, item.ID, stepFinalize, "", func() error {
		e.logItem(ctx, runID, item.ID, stepFinalize, types.LevelInfo,
			fmt.Sprintf("vm %d (%s) prepared on node %s", vmid, item.Name, sel.Node))

		return nil
	})
}

// ------------------------------------------------------ STEPS ----------------------------------------------------- //

// placeDescriptor rewrites one disk descriptor onto the target storage and
// verifies the write by reading it back.
func (e *executor) placeDescriptor(
	ctx context.Context,
	node adapter.Node,
	vmid int,
	d types.DiskRef,
) error {
	if d.Source == "" {
		return errDiskSource
	}

	if d.TargetStorage == "" {
		return fmt.Errorf("disk %s: %w", path.Base(d.Source), errDiskStorage)
	}

	dir := e.imageDir(d.TargetStorage, vmid)
	if err := node.EnsureDirectory(ctx, dir); err != nil {
		return err
	}

	dest := path.Join(dir, path.Base(d.Source))
	flat := vmdk.FlatPath(dest)

	text, err := node.ReadTextFile(ctx, d.Source)
	if err != nil {
		return err
	}

	rewritten, err := vmdk.Rewrite(text, flat)
	if err != nil {
		return err
	}

	if err := node.WriteTextFile(ctx, dest, rewritten); err != nil {
		return err
	}

	verify, err := node.ReadTextFile(ctx, dest)
	if err != nil {
		return err
	}

	return vmdk.Verify(verify, flat)
}

func (e *executor) writeConf(
	ctx context.Context,
	node adapter.Node,
	confPath string,
	item types.QueueItem,
	vmid int,
	disks []types.DiskRef,
	nics []types.NicSpec,
) error {
	conf := pveconf.Config{
		Name:          item.Name,
		VMID:          vmid,
		UEFI:          item.UEFI,
		UUID:          item.FirmwareUUID,
		CPUType:       item.CPUType,
		MemoryMB:      item.MemoryMB,
		Sockets:       item.Sockets,
		Cores:         item.Cores,
		VCPUs:         item.VCPUs,
		SCSIHW:        item.SCSIController,
		DriverStaging: item.AddDriverDisk,
	}

	for _, d := range disks {
		conf.Disks = append(conf.Disks, pveconf.Disk{
			Bus:      string(d.Bus),
			Index:    d.Index,
			Storage:  d.TargetStorage,
			Filename: path.Base(d.Source),
		})
	}

	for _, n := range nics {
		conf.Nics = append(conf.Nics, pveconf.Nic{
			Model:  n.Model,
			MAC:    n.MAC,
			Bridge: n.Bridge,
			VLAN:   n.VLAN,
		})
	}

	if err := node.WriteTextFile(ctx, confPath, conf.Render()); err != nil {
		return err
	}

	text, err := node.ReadTextFile(ctx, confPath)
	if err != nil {
		return err
	}

	if name, ok := pveconf.Value(text, "name"); !ok || name == "" {
		return errors.Join(fmt.Errorf("name line missing in %s", confPath), errConfVerify)
	}

	if _, ok := pveconf.CDROMMedia(text); !ok {
		return errors.Join(fmt.Errorf("removable media stub missing in %s", confPath), errConfVerify)
	}

	return nil
}

// addStagingDisk attaches a small scratch disk guests use to stage drivers
// before go-live.
func (e *executor) addStagingDisk(
	ctx context.Context,
	node adapter.Node,
	sel types.Selection,
	vmid int,
	disks []types.DiskRef,
) error {
	storage := sel.StagingStorage
	if storage == "" && len(disks) > 0 {
		storage = disks[0].TargetStorage
	}

	if storage == "" {
		return errNoStagingStorage
	}

	slot, err := node.FirstFreeDiskSlot(ctx, vmid, stagingBus)
	if err != nil {
		return err
	}

	return node.AttachDisk(ctx, vmid, stagingBus, slot, storage, stagingDiskGiB)
}

func (e *executor) mountISO(
	ctx context.Context,
	node adapter.Node,
	confPath string,
	vmid int,
	volid string,
) error {
	if err := node.SetCDROM(ctx, vmid, volid); err != nil {
		return err
	}

	text, err := node.ReadTextFile(ctx, confPath)
	if err != nil {
		return err
	}

	media, ok := pveconf.CDROMMedia(text)
	if !ok || media == "" || media == "none" {
		return errors.Join(fmt.Errorf("media %q after mount", media), errMediaVerify)
	}

	return nil
}

// addEFIVars is idempotent: a config already carrying a firmware vars disk
// is left alone.
func (e *executor) addEFIVars(
	ctx context.Context,
	runID string,
	itemID int64,
	node adapter.Node,
	sel types.Selection,
	confPath string,
	vmid int,
	disks []types.DiskRef,
) error {
	text, err := node.ReadTextFile(ctx, confPath)
	if err != nil {
		return err
	}

	if _, ok := pveconf.Value(text, "efidisk0"); ok {
		e.logItem(ctx, runID, itemID, stepAddEfiDisk, types.LevelInfo,
			"firmware vars disk already present")

		return nil
	}

	storage := efiStorage(sel, disks)
	if storage == "" {
		return errNoEFIStorage
	}

	if err := node.AddEFIVars(ctx, vmid, storage); err != nil {
		return err
	}

	text, err = node.ReadTextFile(ctx, confPath)
	if err != nil {
		return err
	}

	if _, ok := pveconf.Value(text, "efidisk0"); !ok {
		return errEFIVarsVerify
	}

	return nil
}

func efiStorage(sel types.Selection, disks []types.DiskRef) string {
	switch {
	case len(disks) > 0:
		return disks[0].TargetStorage
	case sel.StagingStorage != "":
		return sel.StagingStorage
	default:
		return sel.TargetStorage
	}
}

func (e *executor) imageDir(storage string, vmid int) string {
	return fmt.Sprintf("%s/%s/images/%d", e.mountBase, storage, vmid)
}

// ----------------------------------------------------- LOGGING ---------------------------------------------------- //

// step runs fn bracketed by START and OK/ERROR/CANCELED run log rows,
// returning fn's error untouched.
func (e *executor) step(
	ctx context.Context,
	runID string,
	itemID int64,
	name, detail string,
	fn func() error,
) error {
	e.logItem(ctx, runID, itemID, name, types.LevelInfo, stepMsg("START", detail))

	if err := fn(); err != nil {
		if errors.Is(err, context.Canceled) {
			e.logItem(ctx, runID, itemID, name, types.LevelWarning, stepMsg("CANCELED", detail))
		} else {
			e.logItem(ctx, runID, itemID, name, types.LevelError,
				stepMsg("ERROR", detail)+": "+err.Error())
		}

		return err
	}

	e.logItem(ctx, runID, itemID, name, types.LevelInfo, stepMsg("OK", detail))

	return nil
}

func stepMsg(outcome, detail string) string {
	if detail == "" {
		return outcome
	}

	return outcome + " " + detail
}

// logItem persists one run log row. Appending survives cancellation so the
// CANCELED trail of an aborted item is never lost.
func (e *executor) logItem(
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

	if err := e.store.AppendLog(context.WithoutCancel(ctx), entry); err != nil {
		slog.ErrorContext(ctx, "run_log_append_failed",
			"run", runID,
			"item", itemID,
			"error", err,
		)
	}
}
