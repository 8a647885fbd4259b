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

// -------------------------------------------------- CONTROLLER ---------------------------------------------------- //

// Controller is one storage controller (filer) snapshots are created on.
// Credentials are stored as configured; encrypting them is the job of
// whatever provisions the store, not of this service.
type Controller struct {
	Name     string `json:"name"     gorm:"column:name;primaryKey"`
	BaseURL  string `json:"baseUrl"  gorm:"column:base_url"`
	Username string `json:"username" gorm:"column:username"`
	Password string `json:"-"        gorm:"column:password"`

	// Primary marks the authoritative controller when a storage name maps
	// to more than one.
	Primary bool `json:"primary" gorm:"column:is_primary"`

	// Insecure disables TLS verification; CAPath trusts a private CA.
	Insecure bool   `json:"insecure"         gorm:"column:insecure"`
	CAPath   string `json:"caPath,omitempty" gorm:"column:ca_path"`
}

// TableName implements gorm's table naming.
func (Controller) TableName() string { return "controllers" }

// ------------------------------------------------ VOLUME MAPPING -------------------------------------------------- //

// VolumeMapping ties a storage (datastore mount) name to a volume on a
// controller. One storage name may be mapped on several controllers, e.g.
// on a replication destination.
type VolumeMapping struct {
	ID             int64  `json:"id"                   gorm:"column:id;primaryKey;autoIncrement"`
	Storage        string `json:"storage"              gorm:"column:storage;index"`
	ControllerName string `json:"controller"           gorm:"column:controller_name"`
	VolumeUUID     string `json:"volumeUuid,omitempty" gorm:"column:volume_uuid"`
	SVM            string `json:"svm,omitempty"        gorm:"column:svm"`

	// Disabled excludes the volume from snapshotting; selecting or
	// resolving to a disabled volume is an error, not a skip.
	Disabled bool `json:"disabled" gorm:"column:disabled"`

	// Selected marks the volume as an explicit snapshot selection; when
	// any mapping is selected, a run snapshots exactly the selected set.
	Selected bool `json:"selected" gorm:"column:selected"`
}

// TableName implements gorm's table naming.
func (VolumeMapping) TableName() string { return "volume_mappings" }

// SnapshotTarget is a resolved snapshot destination, computed per run.
type SnapshotTarget struct {
	Storage    string
	Controller string
	VolumeUUID string
	SVM        string
	Disabled   bool
}

// --------------------------------------------------- CLUSTER ------------------------------------------------------ //

// Cluster is one target hypervisor cluster and the SSH credentials used to
// reach its nodes.
type Cluster struct {
	ID       int64  `json:"id"                gorm:"column:id;primaryKey;autoIncrement"`
	Name     string `json:"name"              gorm:"column:name"`
	Host     string `json:"host"              gorm:"column:host"`
	Port     int    `json:"port"              gorm:"column:port"`
	User     string `json:"user"              gorm:"column:user"`
	Password string `json:"-"                 gorm:"column:password"`
	KeyPath  string `json:"keyPath,omitempty" gorm:"column:key_path"`
}

// TableName implements gorm's table naming.
func (Cluster) TableName() string { return "clusters" }

// --------------------------------------------------- SELECTION ---------------------------------------------------- //

// SelectionID is the primary key of the singleton selection row.
const SelectionID int64 = 1

// Selection is the migration target context a run operates under. Exactly
// one row exists; a run without it is a misconfiguration and aborts.
type Selection struct {
	ID        int64  `json:"id"      gorm:"column:id;primaryKey"`
	ClusterID int64  `json:"cluster" gorm:"column:cluster_id"`
	Node      string `json:"node"    gorm:"column:node"`

	// TargetStorage is the fallback storage identifier snapshotted when
	// neither explicit selections nor item disk lists name any storage.
	TargetStorage string `json:"targetStorage,omitempty" gorm:"column:target_storage"`

	// DriverISO is the removable-media volume mounted for items flagged
	// MountDriverISO, e.g. "local:iso/virtio-win.iso".
	DriverISO string `json:"driverIso,omitempty" gorm:"column:driver_iso"`

	// StagingStorage holds the small staging disk attached for items
	// flagged AddDriverDisk; empty means the item's first disk storage.
	StagingStorage string `json:"stagingStorage,omitempty" gorm:"column:staging_storage"`

	// SnapshotLabel prefixes snapshot names; LockDays sets the SnapLock
	// retention handed through to snapshot creation (0 = unlocked).
	SnapshotLabel string `json:"snapshotLabel,omitempty" gorm:"column:snapshot_label"`
	LockDays      int    `json:"lockDays,omitempty"      gorm:"column:lock_days"`
}

// TableName implements gorm's table naming.
func (Selection) TableName() string { return "selection" }
