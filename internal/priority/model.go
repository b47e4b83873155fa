package priority

import (
	"time"

	"gorm.io/gorm"
)

// RegionPriority is the per-region scheduling state. All timestamps are epoch milliseconds.
type RegionPriority struct {
	RegionCode    string         `gorm:"column:region_code;primaryKey;size:64"`
	Priority      int            `gorm:"column:priority;not null;index"`
	Active        bool           `gorm:"column:active;not null"`
	LastHitMs     *int64         `gorm:"column:last_hit_ms"`
	NextDueMs     *int64         `gorm:"column:next_due_ms;index"`
	LastFailureMs *int64         `gorm:"column:last_failure_ms"`
	CreatedAt     int64          `gorm:"column:created_at;autoCreateTime:milli"`
	UpdatedAt     int64          `gorm:"column:updated_at;autoUpdateTime:milli"`
	DeletedAt     gorm.DeletedAt `gorm:"column:deleted_at;index"`
}

// TableName pins the gorm table name.
func (RegionPriority) TableName() string {
	return "region_priorities"
}

// LastHit returns the last successful fetch time, if any.
func (p RegionPriority) LastHit() (time.Time, bool) {
	return msTime(p.LastHitMs)
}

// NextDue returns the earliest time the region may be selected again, if set.
func (p RegionPriority) NextDue() (time.Time, bool) {
	return msTime(p.NextDueMs)
}

// Region is the catalog of geographic cells. Read-only for the scheduler.
type Region struct {
	RegionCode string         `gorm:"column:region_code;primaryKey;size:64"`
	Name       string         `gorm:"column:name;size:255"`
	Latitude   *float64       `gorm:"column:latitude"`
	Longitude  *float64       `gorm:"column:longitude"`
	Active     bool           `gorm:"column:active;not null"`
	DeletedAt  gorm.DeletedAt `gorm:"column:deleted_at;index"`
}

// TableName pins the gorm table name.
func (Region) TableName() string {
	return "regions"
}

// SeedRow is one seeder upsert: an elevated priority and, when an anchor
// remains today, the time the region is next due.
type SeedRow struct {
	RegionCode string
	Priority   int
	NextDue    *time.Time
}

// msTime converts a nullable epoch-millisecond column.
func msTime(ms *int64) (time.Time, bool) {
	if ms == nil {
		return time.Time{}, false
	}
	return time.UnixMilli(*ms).UTC(), true
}
