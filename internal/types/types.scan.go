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

package types

// --------------------------------------------------- SCAN RESULT -------------------------------------------------- //

// ScanResult is the inventory extracted from one discovered VM descriptor.
// It is produced for display and enqueueing and is not persisted.
type ScanResult struct {
	// Name is the display name, falling back to the descriptor file name.
	Name string `json:"name"`
	// Path is the absolute descriptor path on the storage mount.
	Path string `json:"path"`

	// GuestOS is the raw guest identifier from the descriptor.
	GuestOS string `json:"guestOs"`
	// GuestOSLabel is the human-readable guest label.
	GuestOSLabel string `json:"guestOsLabel"`

	// CPUs is the configured vCPU count; 0 when absent or unparseable.
	CPUs int `json:"cpus,omitempty"`
	// CoresPerSocket refines CPUs into a socket topology when configured.
	CoresPerSocket int `json:"coresPerSocket,omitempty"`
	// MemoryMB is the configured memory size; 0 when absent.
	MemoryMB int `json:"memoryMb,omitempty"`

	Disks       []ScannedDisk       `json:"disks"`
	Nics        []ScannedNic        `json:"nics"`
	Firmware    ScannedFirmware     `json:"firmware"`
	Controllers []ScannedController `json:"controllers"`
}

// ScannedDisk is one hard disk found in a descriptor.
type ScannedDisk struct {
	// Key is the device key, e.g. "scsi0:1".
	Key string `json:"key"`
	// Bus and Index identify the device slot.
	Bus   Bus `json:"bus"`
	Index int `json:"index"`
	// Path is the absolute disk descriptor path.
	Path string `json:"path"`
	// SizeGiB is the computed virtual size, rounded up to whole GiB.
	SizeGiB int64 `json:"sizeGib"`
}

// ScannedNic is one network interface found in a descriptor.
type ScannedNic struct {
	Index int    `json:"index"`
	Model string `json:"model"`
	MAC   string `json:"mac,omitempty"`
}

// ScannedFirmware is the firmware-related metadata of a descriptor.
type ScannedFirmware struct {
	UEFI       bool `json:"uefi"`
	SecureBoot bool `json:"secureBoot"`
	TPM        bool `json:"tpm"`
	// NVRAMPath is the firmware variable store file, when configured.
	NVRAMPath string `json:"nvramPath,omitempty"`
	// DiskUUIDEnabled reports whether the guest sees stable disk UUIDs.
	DiskUUIDEnabled bool `json:"diskUuidEnabled"`
}

// ScannedController is one storage controller found in a descriptor.
type ScannedController struct {
	// Type is "scsi", "sata" or "nvme".
	Type string `json:"type"`
	Index int   `json:"index"`
	// Model is the controller driver, when the descriptor names one
	// (lsilogic, pvscsi, ...).
	Model string `json:"model,omitempty"`
}
