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

package adapter

import (
	"context"
	"errors"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/caravel-vm/caravel/internal/types"
)

var (
	ErrItemNotFound       = errors.New("queue item not found")
	ErrSelectionNotFound  = errors.New("selection not found")
	ErrClusterNotFound    = errors.New("cluster not found")
	ErrControllerNotFound = errors.New("controller not found")

	errStoreOpen    = errors.New("opening store")
	errStoreMigrate = errors.New("migrating store schema")

	errItemCreate = errors.New("creating queue item")
	errItemList   = errors.New("listing queue items")
	errItemGet    = errors.New("getting queue item")
	errItemUpdate = errors.New("updating queue item")

	errLogAppend = errors.New("appending run log entry")
	errLogList   = errors.New("listing run log entries")

	errSelectionGet  = errors.New("getting selection")
	errSelectionSave = errors.New("saving selection")

	errClusterGet  = errors.New("getting cluster")
	errClusterSave = errors.New("saving cluster")

	errControllerGet  = errors.New("getting controller")
	errControllerSave = errors.New("saving controller")

	errMappingList = errors.New("listing volume mappings")
	errMappingSave = errors.New("saving volume mapping")
)

// --------------------------------------------------- INTERFACES --------------------------------------------------- //

// Store is the persistence boundary shared by the controllers and drivers.
// All reads and writes are row-at-a-time; the only compound guarantee is
// SetItemStatus, which is a single conditional UPDATE.
type Store interface {
	// CreateItem persists a new queue item. An empty status defaults to
	// Queued.
	CreateItem(ctx context.Context, item *types.QueueItem) error
	// Items lists every queue item ordered by (CreatedAt, ID).
	Items(ctx context.Context) ([]types.QueueItem, error)
	// QueuedItems lists items in status Queued ordered by (CreatedAt, ID).
	QueuedItems(ctx context.Context) ([]types.QueueItem, error)
	// NextQueued returns the oldest Queued item whose id is in ids.
	// Returns ErrItemNotFound when none remains.
	NextQueued(ctx context.Context, ids []int64) (types.QueueItem, error)
	// ItemByID returns one item or ErrItemNotFound.
	ItemByID(ctx context.Context, id int64) (types.QueueItem, error)
	// SetItemStatus moves an item from one status to another. The update
	// only applies while the row still holds the expected status; the
	// returned bool reports whether the transition happened.
	SetItemStatus(ctx context.Context, id int64, from, to types.ItemStatus) (bool, error)
	// SetItemVMID records the vmid picked for an item.
	SetItemVMID(ctx context.Context, id int64, vmid int) error

	// AppendLog persists one run log entry.
	AppendLog(ctx context.Context, entry *types.RunLogEntry) error
	// LogsByRun lists a run's entries oldest first.
	LogsByRun(ctx context.Context, runID string) ([]types.RunLogEntry, error)
	// RecentLogs lists the newest entries across all runs, newest first.
	RecentLogs(ctx context.Context, limit int) ([]types.RunLogEntry, error)

	// SelectionRow returns the singleton selection, or ErrSelectionNotFound.
	SelectionRow(ctx context.Context) (types.Selection, error)
	// SaveSelection upserts the singleton selection row.
	SaveSelection(ctx context.Context, sel *types.Selection) error
	// ClusterByID returns one cluster or ErrClusterNotFound.
	ClusterByID(ctx context.Context, id int64) (types.Cluster, error)
	// SaveCluster upserts a cluster row by id.
	SaveCluster(ctx context.Context, cluster *types.Cluster) error
	// ControllerByName returns one controller or ErrControllerNotFound.
	ControllerByName(ctx context.Context, name string) (types.Controller, error)
	// SaveController upserts a controller row by name.
	SaveController(ctx context.Context, ctrl *types.Controller) error
	// MappingsByStorage lists the mappings whose storage name matches
	// case-insensitively.
	MappingsByStorage(ctx context.Context, storage string) ([]types.VolumeMapping, error)
	// MappingsByIDs lists the mappings with the given ids; unknown ids are
	// simply absent from the result.
	MappingsByIDs(ctx context.Context, ids []int64) ([]types.VolumeMapping, error)
	// SelectedMappings lists the mappings marked as explicit snapshot
	// selections.
	SelectedMappings(ctx context.Context) ([]types.VolumeMapping, error)
	// SaveMapping upserts a volume mapping row by id.
	SaveMapping(ctx context.Context, mapping *types.VolumeMapping) error

	Close() error
}

// --------------------------------------------------- CONSTRUCTORS ------------------------------------------------- //

// NewStore opens (or creates) the sqlite database at dsn and migrates the
// schema. The dsn ":memory:" yields a private in-memory database.
func NewStore(dsn string) (Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Join(err, errStoreOpen)
	}

	// sqlite allows a single writer; one pooled connection serializes
	// access and keeps a :memory: database alive across sessions.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Join(err, errStoreOpen)
	}

	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&types.QueueItem{},
		&types.RunLogEntry{},
		&types.Controller{},
		&types.VolumeMapping{},
		&types.Cluster{},
		&types.Selection{},
	); err != nil {
		return nil, errors.Join(err, errStoreMigrate)
	}

	return &sqliteStore{db: db}, nil
}

// --------------------------------------------- CONCRETE IMPLEMENTATION -------------------------------------------- //

type sqliteStore struct {
	db *gorm.DB
}

// --------------------------------------------- Queue --------------------------------------------------------------- //

func (s *sqliteStore) CreateItem(ctx context.Context, item *types.QueueItem) error {
	if item.Status == "" {
		item.Status = types.StatusQueued
	}

	if err := s.db.WithContext(ctx).Create(item).Error; err != nil {
		return errors.Join(err, errItemCreate)
	}

	return nil
}

func (s *sqliteStore) Items(ctx context.Context) ([]types.QueueItem, error) {
	var items []types.QueueItem
	if err := s.db.WithContext(ctx).
		Order("created_at, id").
		Find(&items).Error; err != nil {
		return nil, errors.Join(err, errItemList)
	}

	return items, nil
}

func (s *sqliteStore) QueuedItems(ctx context.Context) ([]types.QueueItem, error) {
	var items []types.QueueItem
	if err := s.db.WithContext(ctx).
		Where("status = ?", types.StatusQueued).
		Order("created_at, id").
		Find(&items).Error; err != nil {
		return nil, errors.Join(err, errItemList)
	}

	return items, nil
}

func (s *sqliteStore) NextQueued(ctx context.Context, ids []int64) (types.QueueItem, error) {
	var item types.QueueItem

	err := s.db.WithContext(ctx).
		Where("status = ? AND id IN ?", types.StatusQueued, ids).
		Order("created_at, id").
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.QueueItem{}, errors.Join(err, ErrItemNotFound, errItemGet)
	} else if err != nil {
		return types.QueueItem{}, errors.Join(err, errItemGet)
	}

	return item, nil
}

func (s *sqliteStore) ItemByID(ctx context.Context, id int64) (types.QueueItem, error) {
	var item types.QueueItem

	err := s.db.WithContext(ctx).Where("id = ?", id).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.QueueItem{}, errors.Join(err, ErrItemNotFound, errItemGet)
	} else if err != nil {
		return types.QueueItem{}, errors.Join(err, errItemGet)
	}

	return item, nil
}

func (s *sqliteStore) SetItemStatus(
	ctx context.Context,
	id int64,
	from, to types.ItemStatus,
) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&types.QueueItem{}).
		Where("id = ? AND status = ?", id, from).
		Update("status", to)
	if res.Error != nil {
		return false, errors.Join(res.Error, errItemUpdate)
	}

	return res.RowsAffected == 1, nil
}

func (s *sqliteStore) SetItemVMID(ctx context.Context, id int64, vmid int) error {
	res := s.db.WithContext(ctx).
		Model(&types.QueueItem{}).
		Where("id = ?", id).
		Update("vmid", vmid)
	if res.Error != nil {
		return errors.Join(res.Error, errItemUpdate)
	}

	if res.RowsAffected == 0 {
		return errors.Join(ErrItemNotFound, errItemUpdate)
	}

	return nil
}

// --------------------------------------------- Run log ------------------------------------------------------------- //

func (s *sqliteStore) AppendLog(ctx context.Context, entry *types.RunLogEntry) error {
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return errors.Join(err, errLogAppend)
	}

	return nil
}

func (s *sqliteStore) LogsByRun(ctx context.Context, runID string) ([]types.RunLogEntry, error) {
	var entries []types.RunLogEntry
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("id").
		Find(&entries).Error; err != nil {
		return nil, errors.Join(err, errLogList)
	}

	return entries, nil
}

func (s *sqliteStore) RecentLogs(ctx context.Context, limit int) ([]types.RunLogEntry, error) {
	var entries []types.RunLogEntry
	if err := s.db.WithContext(ctx).
		Order("id DESC").
		Limit(limit).
		Find(&entries).Error; err != nil {
		return nil, errors.Join(err, errLogList)
	}

	return entries, nil
}

// --------------------------------------------- Topology ------------------------------------------------------------ //

func (s *sqliteStore) SelectionRow(ctx context.Context) (types.Selection, error) {
	var sel types.Selection

	err := s.db.WithContext(ctx).Where("id = ?", types.SelectionID).First(&sel).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.Selection{}, errors.Join(err, ErrSelectionNotFound, errSelectionGet)
	} else if err != nil {
		return types.Selection{}, errors.Join(err, errSelectionGet)
	}

	return sel, nil
}

func (s *sqliteStore) SaveSelection(ctx context.Context, sel *types.Selection) error {
	sel.ID = types.SelectionID

	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(sel).Error; err != nil {
		return errors.Join(err, errSelectionSave)
	}

	return nil
}

func (s *sqliteStore) ClusterByID(ctx context.Context, id int64) (types.Cluster, error) {
	var cluster types.Cluster

	err := s.db.WithContext(ctx).Where("id = ?", id).First(&cluster).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.Cluster{}, errors.Join(err, ErrClusterNotFound, errClusterGet)
	} else if err != nil {
		return types.Cluster{}, errors.Join(err, errClusterGet)
	}

	return cluster, nil
}

func (s *sqliteStore) SaveCluster(ctx context.Context, cluster *types.Cluster) error {
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(cluster).Error; err != nil {
		return errors.Join(err, errClusterSave)
	}

	return nil
}

func (s *sqliteStore) ControllerByName(ctx context.Context, name string) (types.Controller, error) {
	var ctrl types.Controller

	err := s.db.WithContext(ctx).Where("name = ?", name).First(&ctrl).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.Controller{}, errors.Join(err, ErrControllerNotFound, errControllerGet)
	} else if err != nil {
		return types.Controller{}, errors.Join(err, errControllerGet)
	}

	return ctrl, nil
}

func (s *sqliteStore) SaveController(ctx context.Context, ctrl *types.Controller) error {
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(ctrl).Error; err != nil {
		return errors.Join(err, errControllerSave)
	}

	return nil
}

func (s *sqliteStore) MappingsByStorage(
	ctx context.Context,
	storage string,
) ([]types.VolumeMapping, error) {
	var mappings []types.VolumeMapping
	if err := s.db.WithContext(ctx).
		Where("LOWER(storage) = LOWER(?)", storage).
		Order("id").
		Find(&mappings).Error; err != nil {
		return nil, errors.Join(err, errMappingList)
	}

	return mappings, nil
}

func (s *sqliteStore) MappingsByIDs(
	ctx context.Context,
	ids []int64,
) ([]types.VolumeMapping, error) {
	var mappings []types.VolumeMapping
	if err := s.db.WithContext(ctx).
		Where("id IN ?", ids).
		Order("id").
		Find(&mappings).Error; err != nil {
		return nil, errors.Join(err, errMappingList)
	}

	return mappings, nil
}

func (s *sqliteStore) SelectedMappings(ctx context.Context) ([]types.VolumeMapping, error) {
	var mappings []types.VolumeMapping
	if err := s.db.WithContext(ctx).
		Where("selected = ?", true).
		Order("id").
		Find(&mappings).Error; err != nil {
		return nil, errors.Join(err, errMappingList)
	}

	return mappings, nil
}

func (s *sqliteStore) SaveMapping(ctx context.Context, mapping *types.VolumeMapping) error {
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(mapping).Error; err != nil {
		return errors.Join(err, errMappingSave)
	}

	return nil
}

// --------------------------------------------- Close ---------------------------------------------------------------- //

func (s *sqliteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Join(err, errStoreOpen)
	}

	return sqlDB.Close()
}
