package refresh

import (
	"context"
	"fmt"
	"time"

	"forecast-refresh/internal/queue"
	"forecast-refresh/internal/status"
)

// Dispatch is what one scheduler tick did.
type Dispatch string

// Results of one tick.
const (
	DispatchIdle     Dispatch = "idle"
	DispatchSkipped  Dispatch = "skipped"
	DispatchEnqueued Dispatch = "enqueued"
	DispatchInline   Dispatch = "inline"
	DispatchError    Dispatch = "error"
)

// Scheduler is the single periodic driver. Each tick selects at most one
// region and hands it to the queue, or refreshes it inline when the queue
// backend is unreachable.
type Scheduler struct {
	deps      Deps
	settings  Settings
	refresher *Refresher
}

// NewScheduler builds the tick loop around refresher for inline fallbacks.
func NewScheduler(deps Deps, settings Settings, refresher *Refresher) *Scheduler {
	return &Scheduler{deps: deps.withDefaults(), settings: settings, refresher: refresher}
}

// Run ticks every TickInterval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.settings.TickInterval
	if interval <= 0 {
		return fmt.Errorf("invalid tick interval %s", interval)
	}

	s.deps.Log.Infow("scheduler started", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.deps.Log.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one Dispatching step.
func (s *Scheduler) Tick(ctx context.Context) Dispatch {
	d := s.tick(ctx)
	s.deps.Metrics.RecordTick(string(d))
	return d
}

// tick selects, locks and dispatches at most one region.
func (s *Scheduler) tick(ctx context.Context) Dispatch {
	now := s.deps.Now()

	region, origin, found, err := s.selectRegion(ctx, now)
	if err != nil {
		s.deps.Log.Warnw("region selection failed; retrying next tick", "err", err)
		return DispatchError
	}
	if !found {
		return DispatchIdle
	}
	s.deps.Metrics.RecordSelection(string(origin))

	job := queue.NewFetchJob(region, origin, now)
	log := s.deps.Log.With("region", region, "job_id", job.JobID, "origin", origin)

	acquired, err := s.deps.Lock.TryAcquire(ctx, region, job.JobID, s.settings.LockTTL)
	if err != nil {
		log.Warnw("queue backend unreachable; refreshing inline", "err", err)
		outcome := s.refresher.Execute(ctx, job)
		log.Infow("inline refresh finished", "outcome", outcome)
		return DispatchInline
	}
	if !acquired {
		log.Debug("region already in flight; skipping")
		return DispatchSkipped
	}

	if err := s.deps.Queue.Push(ctx, job); err != nil {
		log.Warnw("enqueue failed; refreshing inline", "err", err)
		outcome := s.refresher.Execute(ctx, job)
		log.Infow("inline refresh finished", "outcome", outcome)
		return DispatchInline
	}

	if s.deps.Statuses != nil {
		err := s.deps.Statuses.Upsert(ctx, status.Record{
			RegionCode: region,
			State:      status.StateQueued,
			JobID:      job.JobID,
			Origin:     string(origin),
			Message:    "fetch job queued",
			UpdatedAt:  now,
		})
		if err != nil {
			log.Debugw("region status write failed", "err", err)
		}
	}
	log.Debug("fetch job enqueued")
	return DispatchEnqueued
}

// selectRegion asks for the next due region and falls back to a region that
// has never been fetched, creating its priority row on the way.
func (s *Scheduler) selectRegion(ctx context.Context, now time.Time) (string, queue.Origin, bool, error) {
	region, found, err := s.deps.Priorities.SelectNextDue(ctx, now, s.settings.DedupWindow)
	if err != nil {
		return "", "", false, fmt.Errorf("%w: %v", ErrTransientInfra, err)
	}
	if found {
		return region, queue.OriginScheduler, true, nil
	}

	region, found, err = s.deps.Priorities.SelectNeverFetchedFallback(ctx, now, s.settings.DedupWindow)
	if err != nil {
		return "", "", false, fmt.Errorf("%w: %v", ErrTransientInfra, err)
	}
	if !found {
		return "", "", false, nil
	}
	if err := s.deps.Priorities.EnsureRegion(ctx, region, s.settings.DefaultPriority, now); err != nil {
		return "", "", false, fmt.Errorf("%w: %v", ErrTransientInfra, err)
	}
	return region, queue.OriginFallback, true, nil
}
