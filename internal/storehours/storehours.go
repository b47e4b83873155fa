// Package storehours reads the store operating-hours table that ties stores
// to forecast regions. The table is owned elsewhere; this package only reads it.
package storehours

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"forecast-refresh/internal/schedule"
)

// StoreHours is one row of the operating-hours table.
type StoreHours struct {
	StoreCode  string         `gorm:"column:store_code;primaryKey;size:64"`
	RegionCode string         `gorm:"column:region_code;size:64;index;not null"`
	Timezone   string         `gorm:"column:timezone;size:64"`
	OpenTime   string         `gorm:"column:open_time;size:8;not null"`
	CloseTime  string         `gorm:"column:close_time;size:8;not null"`
	Active     bool           `gorm:"column:active;not null"`
	DeletedAt  gorm.DeletedAt `gorm:"column:deleted_at;index"`
}

// TableName pins the gorm table name.
func (StoreHours) TableName() string {
	return "store_operating_hours"
}

// Shift projects the row onto the schedule calculator's input.
func (h StoreHours) Shift() schedule.Shift {
	return schedule.Shift{
		StoreCode: h.StoreCode,
		Timezone:  h.Timezone,
		Open:      h.OpenTime,
		Close:     h.CloseTime,
	}
}

// Repository serves read-only schedule lookups.
type Repository struct {
	db *gorm.DB
}

// NewRepository returns a read-only repository on db.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// ForRegion returns the shifts of active stores mapped to region.
func (r *Repository) ForRegion(ctx context.Context, region string) ([]schedule.Shift, error) {
	var rows []StoreHours
	err := r.db.WithContext(ctx).
		Where("region_code = ? AND active = ?", region, true).
		Order("store_code ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load store hours region=%s: %w", region, err)
	}
	return toShifts(rows), nil
}

// ActiveByRegion joins active store hours against the active region catalog
// and groups the resulting shifts by region code.
func (r *Repository) ActiveByRegion(ctx context.Context) (map[string][]schedule.Shift, error) {
	var rows []StoreHours
	err := r.db.WithContext(ctx).
		Joins("JOIN regions ON regions.region_code = store_operating_hours.region_code AND regions.active = ? AND regions.deleted_at IS NULL", true).
		Where("store_operating_hours.active = ?", true).
		Order("store_operating_hours.region_code ASC, store_operating_hours.store_code ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load store hours: %w", err)
	}

	out := make(map[string][]schedule.Shift)
	for _, row := range rows {
		out[row.RegionCode] = append(out[row.RegionCode], row.Shift())
	}
	return out, nil
}

// toShifts projects rows onto schedule shifts.
func toShifts(rows []StoreHours) []schedule.Shift {
	shifts := make([]schedule.Shift, 0, len(rows))
	for _, row := range rows {
		shifts = append(shifts, row.Shift())
	}
	return shifts
}
