// Package priority owns the region_priorities table: the durable scheduling
// state shared by the scheduler loop and every worker. All mutations are
// single-statement updates keyed by region code.
package priority

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrRegionNotFound is returned when a write targets a region with no priority row.
var ErrRegionNotFound = errors.New("region priority not found")

// Store owns every read and write of the region priority table.
type Store struct {
	db *gorm.DB
}

// NewStore returns a Store backed by db.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// SelectNextDue returns the most urgent active region that is due and outside
// its dedup window. Ties on priority go to the region served longest ago,
// never-served regions first.
func (s *Store) SelectNextDue(ctx context.Context, now time.Time, window time.Duration) (string, bool, error) {
	nowMs := now.UnixMilli()
	floor := now.Add(-window).UnixMilli()

	var codes []string
	err := s.db.WithContext(ctx).
		Model(&RegionPriority{}).
		Where("active = ?", true).
		Where("next_due_ms IS NULL OR next_due_ms <= ?", nowMs).
		Where("last_hit_ms IS NULL OR last_hit_ms <= ?", floor).
		Order("priority ASC").
		Order("CASE WHEN last_hit_ms IS NULL THEN 0 ELSE 1 END ASC").
		Order("last_hit_ms ASC").
		Order("region_code ASC").
		Limit(1).
		Pluck("region_code", &codes).Error
	if err != nil {
		return "", false, fmt.Errorf("select next due region: %w", err)
	}
	if len(codes) == 0 {
		return "", false, nil
	}
	return codes[0], true, nil
}

// SelectNeverFetchedFallback picks an active catalog region with no run
// stored inside the window. Regions whose priority row is inactive, deleted,
// quarantined or inside its dedup window are left to SelectNextDue.
func (s *Store) SelectNeverFetchedFallback(ctx context.Context, now time.Time, window time.Duration) (string, bool, error) {
	nowMs := now.UnixMilli()
	floor := now.Add(-window).UnixMilli()

	var codes []string
	err := s.db.WithContext(ctx).
		Model(&Region{}).
		Where("regions.active = ?", true).
		Where("NOT EXISTS (SELECT 1 FROM forecast_runs fr WHERE fr.region_code = regions.region_code AND fr.fetched_ms >= ?)", floor).
		Where(`NOT EXISTS (SELECT 1 FROM region_priorities rp WHERE rp.region_code = regions.region_code
			AND (rp.deleted_at IS NOT NULL OR rp.active = ? OR rp.next_due_ms > ? OR rp.last_hit_ms > ?))`, false, nowMs, floor).
		Order("regions.region_code ASC").
		Limit(1).
		Pluck("regions.region_code", &codes).Error
	if err != nil {
		return "", false, fmt.Errorf("select fallback region: %w", err)
	}
	if len(codes) == 0 {
		return "", false, nil
	}
	return codes[0], true, nil
}

// EnsureRegion inserts an active priority row unless one already exists.
func (s *Store) EnsureRegion(ctx context.Context, region string, priority int, now time.Time) error {
	nowMs := now.UnixMilli()
	row := RegionPriority{
		RegionCode: region,
		Priority:   priority,
		Active:     true,
		CreatedAt:  nowMs,
		UpdatedAt:  nowMs,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("ensure region priority region=%s: %w", region, err)
	}
	return nil
}

// RecordSuccess marks region as served at now and due again at nextDue.
// The update only applies when the previous success lies outside window, so a
// second success inside the same window returns false and changes nothing.
func (s *Store) RecordSuccess(ctx context.Context, region string, now, nextDue time.Time, window time.Duration) (bool, error) {
	nowMs := now.UnixMilli()
	floor := now.Add(-window).UnixMilli()

	res := s.db.WithContext(ctx).
		Model(&RegionPriority{}).
		Where("region_code = ?", region).
		Where("last_hit_ms IS NULL OR last_hit_ms <= ?", floor).
		Updates(map[string]any{
			"last_hit_ms": nowMs,
			"next_due_ms": nextDue.UnixMilli(),
			"updated_at":  nowMs,
		})
	if res.Error != nil {
		return false, fmt.Errorf("record success region=%s: %w", region, res.Error)
	}
	if res.RowsAffected > 0 {
		return true, nil
	}

	if _, found, err := s.Get(ctx, region); err != nil {
		return false, err
	} else if !found {
		return false, fmt.Errorf("record success region=%s: %w", region, ErrRegionNotFound)
	}
	return false, nil
}

// RecordFailure quarantines region until now+delay. last_hit_ms is left as is:
// a failed fetch does not count as a served region.
func (s *Store) RecordFailure(ctx context.Context, region string, now time.Time, delay time.Duration) error {
	nowMs := now.UnixMilli()
	res := s.db.WithContext(ctx).
		Model(&RegionPriority{}).
		Where("region_code = ?", region).
		Updates(map[string]any{
			"next_due_ms":     now.Add(delay).UnixMilli(),
			"last_failure_ms": nowMs,
			"updated_at":      nowMs,
		})
	if res.Error != nil {
		return fmt.Errorf("record failure region=%s: %w", region, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("record failure region=%s: %w", region, ErrRegionNotFound)
	}
	return nil
}

// CountActive counts selectable priority rows.
func (s *Store) CountActive(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&RegionPriority{}).
		Where("active = ?", true).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count active regions: %w", err)
	}
	return n, nil
}

// UpsertSeeded applies one seeder pass in a single transaction. Each row is
// created if missing, then elevated and activated. next_due_ms moves to the
// seeded anchor unless the region is still serving a failure quarantine.
func (s *Store) UpsertSeeded(ctx context.Context, rows []SeedRow, now time.Time) error {
	if len(rows) == 0 {
		return nil
	}
	nowMs := now.UnixMilli()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, row := range rows {
			seed := RegionPriority{
				RegionCode: row.RegionCode,
				Priority:   row.Priority,
				Active:     true,
				CreatedAt:  nowMs,
				UpdatedAt:  nowMs,
			}
			if row.NextDue != nil {
				ms := row.NextDue.UnixMilli()
				seed.NextDueMs = &ms
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
				return fmt.Errorf("seed region=%s: %w", row.RegionCode, err)
			}

			updates := map[string]any{
				"priority":   row.Priority,
				"active":     true,
				"updated_at": nowMs,
			}
			if row.NextDue != nil {
				updates["next_due_ms"] = gorm.Expr(
					"CASE WHEN last_failure_ms IS NOT NULL AND last_failure_ms > COALESCE(last_hit_ms, 0) AND next_due_ms > ? THEN next_due_ms ELSE ? END",
					nowMs, row.NextDue.UnixMilli(),
				)
			}
			err := tx.Model(&RegionPriority{}).
				Where("region_code = ?", row.RegionCode).
				Updates(updates).Error
			if err != nil {
				return fmt.Errorf("seed region=%s: %w", row.RegionCode, err)
			}
		}
		return nil
	})
}

// Get loads one priority row.
func (s *Store) Get(ctx context.Context, region string) (RegionPriority, bool, error) {
	var rows []RegionPriority
	err := s.db.WithContext(ctx).
		Where("region_code = ?", region).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return RegionPriority{}, false, fmt.Errorf("load region priority region=%s: %w", region, err)
	}
	if len(rows) == 0 {
		return RegionPriority{}, false, nil
	}
	return rows[0], true, nil
}

// Region loads one catalog entry.
func (s *Store) Region(ctx context.Context, code string) (Region, bool, error) {
	var rows []Region
	err := s.db.WithContext(ctx).
		Where("region_code = ?", code).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return Region{}, false, fmt.Errorf("load region region=%s: %w", code, err)
	}
	if len(rows) == 0 {
		return Region{}, false, nil
	}
	return rows[0], true, nil
}
