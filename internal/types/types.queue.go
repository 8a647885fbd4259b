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

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// --------------------------------------------------- QUEUE ITEM --------------------------------------------------- //

// ItemStatus is the lifecycle state of a queue item.
type ItemStatus string

const (
	// StatusQueued marks an item waiting to be picked up by a run.
	StatusQueued ItemStatus = "queued"
	// StatusProcessing marks the single item currently being migrated.
	StatusProcessing ItemStatus = "processing"
	// StatusDone marks an item that was migrated successfully.
	StatusDone ItemStatus = "done"
	// StatusFailed marks an item whose migration failed; it stays visible
	// for operators and is not retried within the same run.
	StatusFailed ItemStatus = "failed"
)

// QueueItem is one VM waiting to be converted onto the target cluster.
//
// Disks and Nics are stored serialized so the queue survives schema drift in
// the scan output; use DiskRefs and NicSpecs to decode them.
type QueueItem struct {
	ID   int64  `json:"id"             gorm:"column:id;primaryKey;autoIncrement"`
	VMID *int   `json:"vmid,omitempty" gorm:"column:vmid"`
	Name string `json:"name"           gorm:"column:name"`

	Disks string `json:"disks" gorm:"column:disks"`
	Nics  string `json:"nics"  gorm:"column:nics"`

	AddDriverDisk  bool `json:"addDriverDisk"  gorm:"column:add_driver_disk"`
	MountDriverISO bool `json:"mountDriverIso" gorm:"column:mount_driver_iso"`
	UEFI           bool `json:"uefi"           gorm:"column:uefi"`

	// MemoryMB and the CPU topology trio mirror the scanned source
	// configuration; zero values mean "not known".
	MemoryMB int `json:"memoryMb,omitempty" gorm:"column:memory_mb"`
	VCPUs    int `json:"vcpus,omitempty"    gorm:"column:vcpus"`
	Sockets  int `json:"sockets,omitempty"  gorm:"column:sockets"`
	Cores    int `json:"cores,omitempty"    gorm:"column:cores"`

	FirmwareUUID   string `json:"firmwareUuid,omitempty"   gorm:"column:firmware_uuid"`
	CPUType        string `json:"cpuType,omitempty"        gorm:"column:cpu_type"`
	SCSIController string `json:"scsiController,omitempty" gorm:"column:scsi_controller"`

	Status    ItemStatus `json:"status"    gorm:"column:status;index"`
	CreatedAt time.Time  `json:"createdAt" gorm:"column:created_at"`
}

// TableName implements gorm's table naming.
func (QueueItem) TableName() string { return "queue_items" }

// DiskRefs decodes the serialized disk list.
func (q QueueItem) DiskRefs() ([]DiskRef, error) {
	if strings.TrimSpace(q.Disks) == "" {
		return nil, nil
	}

	var refs []DiskRef
	if err := json.Unmarshal([]byte(q.Disks), &refs); err != nil {
		return nil, fmt.Errorf("decoding disk list of item %d: %w", q.ID, err)
	}

	return refs, nil
}

// NicSpecs decodes the serialized NIC list.
func (q QueueItem) NicSpecs() ([]NicSpec, error) {
	if strings.TrimSpace(q.Nics) == "" {
		return nil, nil
	}

	var nics []NicSpec
	if err := json.Unmarshal([]byte(q.Nics), &nics); err != nil {
		return nil, fmt.Errorf("decoding nic list of item %d: %w", q.ID, err)
	}

	return nics, nil
}

// ---------------------------------------------------- DISK REF ---------------------------------------------------- //

// Bus is a virtual disk bus type.
type Bus string

const (
	BusSCSI Bus = "scsi"
	BusSATA Bus = "sata"
	BusIDE  Bus = "ide"
	BusNVMe Bus = "nvme"
)

// DiskRef is one disk attached to a queue item.
type DiskRef struct {
	// Source is the absolute path of the disk descriptor on the storage
	// mount of the source environment.
	Source string `json:"source"`
	// TargetStorage is the storage the rewritten disk lands on.
	TargetStorage string `json:"targetStorage"`
	// Bus is the bus the disk attaches to on the target VM.
	Bus Bus `json:"bus"`
	// Index is the device index on that bus.
	Index int `json:"index"`
}

// storageKeySynonyms are the serialized-disk keys, in priority order, that
// may carry the target storage name. Older enqueue clients used "storage"
// or "datastore" before the field was renamed.
var storageKeySynonyms = []string{"targetStorage", "storage", "datastore"}

// StorageNamesFromDisks extracts the distinct target storage names from a
// serialized disk list, probing the known key synonyms in priority order
// per disk. Names are de-duplicated case-insensitively, preserving the
// spelling first seen. A malformed list yields an error; an empty list
// yields nil.
func StorageNamesFromDisks(serialized string) ([]string, error) {
	if strings.TrimSpace(serialized) == "" {
		return nil, nil
	}

	var raw []map[string]any
	if err := json.Unmarshal([]byte(serialized), &raw); err != nil {
		return nil, fmt.Errorf("decoding disk list: %w", err)
	}

	var names []string
	seen := map[string]struct{}{}

	for _, disk := range raw {
		for _, key := range storageKeySynonyms {
			v, ok := disk[key]
			if !ok {
				continue
			}
			s, ok := v.(string)
			if !ok || s == "" {
				continue
			}
			if _, dup := seen[strings.ToLower(s)]; !dup {
				seen[strings.ToLower(s)] = struct{}{}
				names = append(names, s)
			}
			break
		}
	}

	return names, nil
}

// ---------------------------------------------------- NIC SPEC ---------------------------------------------------- //

// NicSpec is one virtual NIC attached to a queue item.
type NicSpec struct {
	// Model is the virtual NIC model (e1000, vmxnet3, virtio, ...).
	Model string `json:"model"`
	// MAC is the hardware address; empty means the target generates one.
	MAC string `json:"mac,omitempty"`
	// Bridge is the target bridge name, possibly carrying a trailing
	// parenthesized annotation from the UI ("vmbr0 (LAN)").
	Bridge string `json:"bridge"`
	// VLAN is the optional VLAN tag.
	VLAN *int `json:"vlan,omitempty"`
}
