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
	"log/slog"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/caravel-vm/caravel/internal/adapter"
	"github.com/caravel-vm/caravel/internal/types"
	"github.com/caravel-vm/caravel/pkg/guestos"
	"github.com/caravel-vm/caravel/pkg/vmdk"
	"github.com/caravel-vm/caravel/pkg/vmx"
)

var ErrScan = errors.New("scanning storage")

const (
	defaultMountBase   = "/mnt/pve"
	vmxGlob            = "*.vmx"
	snapshotDirSegment = ".snapshot"

	// Virtual disk text descriptors are a few hundred bytes; anything
	// bigger is the disk data itself and must not be pulled over the
	// channel.
	maxDescriptorBytes = 64 * 1024

	defaultNicModel = "e1000"
)

var (
	diskKeyPattern = regexp.MustCompile(`^(scsi|sata|ide|nvme)(\d+):(\d+)$`)
	nicKeyPattern  = regexp.MustCompile(`^ethernet(\d+)$`)
	scsiKeyPattern = regexp.MustCompile(`^scsi(\d+)$`)
)

// busRank orders disks the way the guest boots them.
var busRank = map[types.Bus]int{
	types.BusSCSI: 0,
	types.BusSATA: 1,
	types.BusNVMe: 2,
	types.BusIDE:  3,
}

// ---------------------------------------------------- INTERFACE --------------------------------------------------- //

// Scanner inventories the VMware guests living on a storage mount.
type Scanner interface {
	// Scan walks one storage mount of a node and returns the inventory of
	// every readable guest descriptor. A missing mount yields an empty
	// result, not an error; an unreadable descriptor is skipped.
	Scan(ctx context.Context, clusterID int64, node, storage string) ([]types.ScanResult, error)
}

// --------------------------------------------------- CONSTRUCTORS ------------------------------------------------- //

// NewScanner returns a new Scanner. An empty mountBase selects the standard
// storage mount root.
func NewScanner(store adapter.Store, connector adapter.Connector, mountBase string) Scanner {
	if mountBase == "" {
		mountBase = defaultMountBase
	}

	return &scanner{
		store:     store,
		connector: connector,
		mountBase: mountBase,
	}
}

// ---------------------------------------------------- SCANNER ----------------------------------------------------- //

type scanner struct {
	store     adapter.Store
	connector adapter.Connector
	mountBase string
}

func (s *scanner) Scan(
	ctx context.Context,
	clusterID int64,
	nodeName, storage string,
) ([]types.ScanResult, error) {
	cluster, err := s.store.ClusterByID(ctx, clusterID)
	if err != nil {
		return nil, errors.Join(err, ErrScan)
	}

	node, err := s.connector.Connect(ctx, cluster, nodeName)
	if err != nil {
		return nil, errors.Join(err, ErrScan)
	}

	defer func() { _ = node.Close() }()

	mount := path.Join(s.mountBase, storage)

	exists, err := node.DirectoryExists(ctx, mount)
	if err != nil {
		return nil, errors.Join(err, ErrScan)
	}

	if !exists {
		slog.InfoContext(ctx, "scan_mount_missing", "storage", storage, "mount", mount)

		return nil, nil
	}

	paths, err := node.Glob(ctx, mount, vmxGlob)
	if err != nil {
		return nil, errors.Join(err, ErrScan)
	}

	results := make([]types.ScanResult, 0, len(paths))

	for _, p := range paths {
		if underSnapshotDir(p) {
			continue
		}

		result, err := s.scanOne(ctx, node, p)
		if err != nil {
			if ctx.Err() != nil {
				return nil, errors.Join(ctx.Err(), ErrScan)
			}

			slog.WarnContext(ctx, "scan_descriptor_skipped", "path", p, "error", err)

			continue
		}

		results = append(results, result)
	}

	slog.InfoContext(ctx, "scan_finished",
		"storage", storage,
		"node", nodeName,
		"descriptors", len(paths),
		"results", len(results),
	)

	return results, nil
}

// underSnapshotDir reports whether any path segment is the storage
// controller's snapshot reservation directory. The remote find already
// prunes these; a path slipping through via a symlink is dropped here.
func underSnapshotDir(p string) bool {
	for _, segment := range strings.Split(p, "/") {
		if segment == snapshotDirSegment {
			return true
		}
	}

	return false
}

func (s *scanner) scanOne(
	ctx context.Context,
	node adapter.Node,
	vmxPath string,
) (types.ScanResult, error) {
	text, err := node.ReadTextFile(ctx, vmxPath)
	if err != nil {
		return types.ScanResult{}, err
	}

	desc := vmx.Parse(text)

	result := types.ScanResult{
		Path:         vmxPath,
		Name:         displayName(desc, vmxPath),
		GuestOS:      desc.Get("guestos"),
		GuestOSLabel: guestos.Label(desc.Get("guestos")),
		Firmware:     scanFirmware(desc),
		Nics:         scanNics(desc),
		Controllers:  scanControllers(desc),
	}

	if v, ok := desc.Int("numvcpus"); ok {
		result.CPUs = v
	}

	if v, ok := desc.Int("cpuid.corespersocket"); ok {
		result.CoresPerSocket = v
	}

	if v, ok := desc.Int("memsize"); ok {
		result.MemoryMB = v
	}

	result.Disks, err = s.scanDisks(ctx, node, desc, path.Dir(vmxPath))
	if err != nil {
		return types.ScanResult{}, err
	}

	return result, nil
}

func displayName(desc vmx.Descriptor, vmxPath string) string {
	if name := desc.Get("displayname"); name != "" {
		return name
	}

	base := path.Base(vmxPath)

	return strings.TrimSuffix(base, path.Ext(base))
}

// --------------------------------------------------- EXTRACTION --------------------------------------------------- //

type diskCandidate struct {
	key  string
	bus  types.Bus
	ctrl int
	unit int
	file string
}

func (s *scanner) scanDisks(
	ctx context.Context,
	node adapter.Node,
	desc vmx.Descriptor,
	dir string,
) ([]types.ScannedDisk, error) {
	var candidates []diskCandidate

	for _, key := range desc.Keys() {
		device, attr, ok := strings.Cut(key, ".")
		if !ok || attr != "filename" {
			continue
		}

		m := diskKeyPattern.FindStringSubmatch(device)
		if m == nil {
			continue
		}

		// A device is present unless the flag says otherwise.
		if v, ok := desc.Lookup(device + ".present"); ok && strings.EqualFold(v, "false") {
			continue
		}

		// CD-ROMs and passthrough devices share the same key scheme.
		if v, ok := desc.Lookup(device + ".devicetype"); ok &&
			!strings.Contains(strings.ToLower(v), "disk") {
			continue
		}

		file := desc.Get(key)
		if file == "" || isPlaceholderBacking(file) ||
			!strings.HasSuffix(strings.ToLower(file), ".vmdk") {
			continue
		}

		ctrl, _ := strconv.Atoi(m[2])
		unit, _ := strconv.Atoi(m[3])
		candidates = append(candidates, diskCandidate{
			key:  device,
			bus:  types.Bus(m[1]),
			ctrl: ctrl,
			unit: unit,
			file: file,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.bus != b.bus {
			return busRank[a.bus] < busRank[b.bus]
		}
		if a.ctrl != b.ctrl {
			return a.ctrl < b.ctrl
		}

		return a.unit < b.unit
	})

	disks := make([]types.ScannedDisk, 0, len(candidates))
	perBus := map[types.Bus]int{}

	for _, c := range candidates {
		abs := c.file
		if !path.IsAbs(abs) {
			abs = path.Join(dir, abs)
		}

		size, err := s.diskSize(ctx, node, abs)
		if err != nil {
			return nil, err
		}

		index := perBus[c.bus]
		perBus[c.bus]++

		disks = append(disks, types.ScannedDisk{
			Key:     c.key,
			Bus:     c.bus,
			Index:   index,
			Path:    abs,
			SizeGiB: size,
		})
	}

	return disks, nil
}

// diskSize walks the size ladder: extent sectors from the disk's own text
// descriptor, then the companion flat file's size, then the descriptor
// file's size.
func (s *scanner) diskSize(
	ctx context.Context,
	node adapter.Node,
	descriptorPath string,
) (int64, error) {
	descSize, err := node.FileSize(ctx, descriptorPath)
	if err != nil {
		return 0, err
	}

	if descSize <= maxDescriptorBytes {
		text, err := node.ReadTextFile(ctx, descriptorPath)
		if err != nil {
			return 0, err
		}

		if size, ok := vmdk.SizeGiBFromExtents(text); ok {
			return size, nil
		}
	}

	if flatSize, err := node.FileSize(ctx, vmdk.FlatPath(descriptorPath)); err == nil {
		return vmdk.CeilGiB(flatSize), nil
	}

	return vmdk.CeilGiB(descSize), nil
}

func isPlaceholderBacking(file string) bool {
	switch strings.ToLower(file) {
	case "auto detect", "emptybackingstring":
		return true
	}

	return false
}

func scanNics(desc vmx.Descriptor) []types.ScannedNic {
	var nics []types.ScannedNic

	for _, key := range desc.Keys() {
		device, attr, ok := strings.Cut(key, ".")
		if !ok || attr != "present" {
			continue
		}

		m := nicKeyPattern.FindStringSubmatch(device)
		if m == nil || !desc.Bool(key) {
			continue
		}

		index, _ := strconv.Atoi(m[1])

		model := desc.Get(device + ".virtualdev")
		if model == "" {
			model = defaultNicModel
		}

		mac := desc.Get(device + ".address")
		if mac == "" {
			mac = desc.Get(device + ".generatedaddress")
		}

		nics = append(nics, types.ScannedNic{Index: index, Model: model, MAC: mac})
	}

	sort.Slice(nics, func(i, j int) bool { return nics[i].Index < nics[j].Index })

	return nics
}

func scanFirmware(desc vmx.Descriptor) types.ScannedFirmware {
	return types.ScannedFirmware{
		UEFI:            strings.EqualFold(desc.Get("firmware"), "efi"),
		SecureBoot:      desc.Bool("uefi.secureboot.enabled"),
		TPM:             desc.Bool("vtpm.present") || desc.Bool("tpm.present"),
		NVRAMPath:       desc.Get("nvram"),
		DiskUUIDEnabled: desc.Bool("disk.enableuuid"),
	}
}

func scanControllers(desc vmx.Descriptor) []types.ScannedController {
	var out []types.ScannedController

	for _, key := range desc.Keys() {
		device, attr, ok := strings.Cut(key, ".")
		if !ok || attr != "present" {
			continue
		}

		m := scsiKeyPattern.FindStringSubmatch(device)
		if m == nil || !desc.Bool(key) {
			continue
		}

		index, _ := strconv.Atoi(m[1])
		out = append(out, types.ScannedController{
			Type:  "scsi",
			Index: index,
			Model: desc.Get(device + ".virtualdev"),
		})
	}

	if desc.Bool("sata0.present") {
		out = append(out, types.ScannedController{Type: "sata", Index: 0})
	}

	if desc.Bool("nvme0.present") {
		out = append(out, types.ScannedController{Type: "nvme", Index: 0})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}

		return out[i].Index < out[j].Index
	})

	return out
}
