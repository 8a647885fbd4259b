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

import "time"

// --------------------------------------------------- RUN LOG ------------------------------------------------------ //

// LogLevel classifies run log entries.
type LogLevel string

const (
	LevelInfo    LogLevel = "info"
	LevelWarning LogLevel = "warning"
	LevelError   LogLevel = "error"
)

// RunLogEntry is one persisted line of a migration run's log. Entries with
// ItemID == 0 are batch-wide (planning, snapshotting); the rest belong to
// a single queue item.
type RunLogEntry struct {
	ID     int64  `json:"id"    gorm:"column:id;primaryKey;autoIncrement"`
	RunID  string `json:"runId" gorm:"column:run_id;index"`
	ItemID int64  `json:"itemId,omitempty" gorm:"column:item_id;index"`

	Step    string   `json:"step,omitempty" gorm:"column:step"`
	Level   LogLevel `json:"level"          gorm:"column:level"`
	Message string   `json:"message"        gorm:"column:message"`

	CreatedAt time.Time `json:"createdAt" gorm:"column:created_at;autoCreateTime"`
}

// TableName implements gorm's table naming.
func (RunLogEntry) TableName() string { return "run_log_entries" }
