package refresh

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/samber/lo"

	"forecast-refresh/internal/priority"
	"forecast-refresh/internal/schedule"
)

// Seeder elevates every region linked to an active store and points its due
// time at the nearest remaining business anchor of the day.
type Seeder struct {
	deps     Deps
	settings Settings
}

// NewSeeder returns a seeder that elevates store-linked regions.
func NewSeeder(deps Deps, settings Settings) *Seeder {
	return &Seeder{deps: deps.withDefaults(), settings: settings}
}

// Seed runs one pass and returns the number of regions upserted.
func (s *Seeder) Seed(ctx context.Context) (int, error) {
	now := s.deps.Now()
	byRegion, err := s.deps.Hours.ActiveByRegion(ctx)
	if err != nil {
		return 0, err
	}

	regions := lo.Keys(byRegion)
	slices.Sort(regions)

	rows := make([]priority.SeedRow, 0, len(regions))
	for _, code := range regions {
		anchors, err := schedule.AnchorsForDay(byRegion[code], now, s.settings.AnchorLead)
		if err != nil {
			s.deps.Log.Warnw("skipping malformed store hours", "region", code, "err", err)
		}
		row := priority.SeedRow{RegionCode: code, Priority: s.settings.SeedPriority}
		if at, ok := schedule.NextAnchor(anchors, now); ok {
			row.NextDue = &at
		}
		rows = append(rows, row)
	}

	if err := s.deps.Priorities.UpsertSeeded(ctx, rows, now); err != nil {
		return 0, err
	}
	s.deps.Log.Infow("priority seed complete",
		"regions", len(rows),
		"anchored", lo.CountBy(rows, func(r priority.SeedRow) bool { return r.NextDue != nil }),
	)
	return len(rows), nil
}

// Schedule re-runs Seed on the cron spec (UTC) until ctx is cancelled. An
// empty spec disables re-seeding.
func (s *Seeder) Schedule(ctx context.Context, spec string) error {
	if spec == "" {
		<-ctx.Done()
		return nil
	}

	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(spec, func() { s.runOnce(ctx) }); err != nil {
		return fmt.Errorf("invalid SEED_SCHEDULE %q: %w", spec, err)
	}
	c.Start()
	s.deps.Log.Infow("priority seeder scheduled", "spec", spec)

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// runOnce is one cron-triggered seed pass.
func (s *Seeder) runOnce(ctx context.Context) {
	if _, err := s.Seed(ctx); err != nil && ctx.Err() == nil {
		s.deps.Log.Warnw("priority seed failed; will retry on next schedule", "err", err)
	}
}
