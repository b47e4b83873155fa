package refresh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"forecast-refresh/internal/events"
	"forecast-refresh/internal/forecast"
	"forecast-refresh/internal/queue"
	"forecast-refresh/internal/schedule"
	"forecast-refresh/internal/status"
)

// Outcome is the result of one refresh execution.
type Outcome string

// Outcomes of Execute.
const (
	OutcomeSucceeded   Outcome = "succeeded"
	OutcomeQuarantined Outcome = "quarantined"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeTransient   Outcome = "transient"
)

// Refresher runs the fetch, persist and update sequence for one region. The
// worker pool and the scheduler's inline fallback both call Execute.
type Refresher struct {
	deps     Deps
	settings Settings
}

// NewRefresher returns a Refresher; missing optional deps get no-op defaults.
func NewRefresher(deps Deps, settings Settings) *Refresher {
	return &Refresher{deps: deps.withDefaults(), settings: settings}
}

// Execute refreshes job's region and always releases its inflight lock.
func (r *Refresher) Execute(ctx context.Context, job queue.FetchJob) Outcome {
	start := r.deps.Now()
	r.deps.Metrics.RecordJobStart()

	outcome, err := r.execute(ctx, job)

	r.deps.Metrics.RecordJobEnd(string(outcome), r.deps.Now().Sub(start))
	if outcome == OutcomeTransient {
		r.logger(job).Warnw("refresh interrupted; region stays eligible", "err", err)
	}
	return outcome
}

// execute runs one refresh and reports why it ended.
func (r *Refresher) execute(ctx context.Context, job queue.FetchJob) (Outcome, error) {
	defer r.release(job)
	log := r.logger(job)

	r.writeStatus(ctx, job, status.StateRunning, "fetching forecast", nil)

	req := forecast.Request{RegionCode: job.RegionCode}
	region, found, err := r.deps.Priorities.Region(ctx, job.RegionCode)
	switch {
	case err != nil:
		log.Debugw("region lookup failed; fetching without coordinates", "err", err)
	case found:
		req.Latitude, req.Longitude = region.Latitude, region.Longitude
	}

	fetchCtx, cancel := context.WithTimeout(ctx, r.settings.FetchTimeout)
	fc, err := r.deps.Fetcher.Fetch(fetchCtx, req)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return OutcomeTransient, fmt.Errorf("%w: fetch abandoned: %v", ErrTransientInfra, ctx.Err())
		}
		return r.fail(ctx, job, err, log)
	}
	return r.persist(ctx, job, fc, log)
}

// fail quarantines the region for the fixed retry delay.
func (r *Refresher) fail(ctx context.Context, job queue.FetchJob, fetchErr error, log *zap.SugaredLogger) (Outcome, error) {
	pctx, cancel := r.persistContext(ctx)
	defer cancel()

	now := r.deps.Now()
	if err := r.deps.Priorities.RecordFailure(pctx, job.RegionCode, now, r.settings.RetryQuarantine); err != nil {
		r.writeStatus(pctx, job, status.StateError, "failure could not be recorded", err)
		return OutcomeTransient, fmt.Errorf("%w: record failure: %v (fetch: %v)", ErrTransientInfra, err, fetchErr)
	}

	log.Warnw("forecast fetch failed; region quarantined",
		"delay", r.settings.RetryQuarantine,
		"next_due", now.Add(r.settings.RetryQuarantine),
		"err", fetchErr,
	)
	r.writeStatus(pctx, job, status.StateQuarantined, "fetch failed; retry after quarantine", fetchErr)
	return OutcomeQuarantined, fetchErr
}

// persist stores the run and records, then moves the region's due time.
func (r *Refresher) persist(ctx context.Context, job queue.FetchJob, fc forecast.Forecast, log *zap.SugaredLogger) (Outcome, error) {
	pctx, cancel := r.persistContext(ctx)
	defer cancel()

	fetchedAt := r.deps.Now()
	newRun, err := r.deps.Forecasts.SaveRun(pctx, fc, fetchedAt)
	if err != nil {
		return r.transient(pctx, job, err)
	}
	inserted, err := r.deps.Forecasts.SaveRecords(pctx, fc)
	if err != nil {
		return r.transient(pctx, job, err)
	}
	r.deps.Metrics.RecordRecordsPersisted(inserted)

	if r.deps.Archive != nil {
		if _, err := r.deps.Archive.Archive(pctx, fc, fetchedAt); err != nil {
			log.Warnw("raw payload archive failed", "err", err)
		}
	}

	nextDue, basis := r.nextDue(pctx, job.RegionCode, fetchedAt, log)
	recorded, err := r.deps.Priorities.RecordSuccess(pctx, job.RegionCode, fetchedAt, nextDue, r.settings.DedupWindow)
	if err != nil {
		return r.transient(pctx, job, err)
	}
	if !recorded {
		log.Debugw("success inside dedup window ignored", "analysis", fc.AnalysisAt)
		return OutcomeDuplicate, nil
	}

	log.Infow("forecast refreshed",
		"analysis", fc.AnalysisAt,
		"slots", len(fc.Predictions),
		"records_inserted", inserted,
		"new_run", newRun,
		"next_due", nextDue,
		"basis", basis,
	)

	if r.deps.Events != nil {
		err := r.deps.Events.PublishRefreshed(pctx, events.ForecastRefreshed{
			JobID:      job.JobID,
			RegionCode: job.RegionCode,
			Origin:     string(job.Origin),
			AnalysisMs: fc.AnalysisAt.UnixMilli(),
			Records:    len(fc.Predictions),
			NextDueMs:  nextDue.UnixMilli(),
			FetchedAt:  fetchedAt.UTC().Format(time.RFC3339),
		})
		if err != nil {
			log.Warnw("refreshed event publish failed", "err", err)
		}
	}
	r.writeStatus(pctx, job, status.StateSucceeded, fmt.Sprintf("refreshed; next due %s", nextDue.UTC().Format(time.RFC3339)), nil)
	return OutcomeSucceeded, nil
}

// nextDue prefers the region's store anchors and falls back to the sweep
// cycle: one tick per active region.
func (r *Refresher) nextDue(ctx context.Context, region string, now time.Time, log *zap.SugaredLogger) (time.Time, schedule.Basis) {
	var anchors []time.Time
	if r.deps.Hours != nil {
		shifts, err := r.deps.Hours.ForRegion(ctx, region)
		if err != nil {
			log.Warnw("store hours lookup failed; using sweep cycle", "err", err)
		}
		anchors, err = schedule.AnchorsForDay(shifts, now, r.settings.AnchorLead)
		if err != nil {
			log.Warnw("skipping malformed store hours", "err", err)
		}
	}

	active, err := r.deps.Priorities.CountActive(ctx)
	if err != nil {
		log.Debugw("active region count failed; assuming one", "err", err)
	}
	if active < 1 {
		active = 1
	}
	return schedule.NextDue(anchors, now, r.settings.TickInterval*time.Duration(active))
}

// transient reports a persistence failure without quarantining the region.
func (r *Refresher) transient(ctx context.Context, job queue.FetchJob, err error) (Outcome, error) {
	r.writeStatus(ctx, job, status.StateError, "persistence failed; will retry", err)
	return OutcomeTransient, fmt.Errorf("%w: %v", ErrTransientInfra, err)
}

// persistContext detaches persistence from shutdown so a fetched forecast is
// still stored, bounded by its own timeout.
func (r *Refresher) persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.settings.PersistTimeout)
}

// release clears the inflight marker if job still holds it.
func (r *Refresher) release(job queue.FetchJob) {
	ctx, cancel := context.WithTimeout(context.Background(), r.settings.PersistTimeout)
	defer cancel()
	if err := r.deps.Lock.Release(ctx, job.RegionCode, job.JobID); err != nil {
		r.deps.Log.Debugw("inflight lock release failed; TTL will expire it", "region", job.RegionCode, "err", err)
	}
}

// writeStatus updates the region status hash; failures are only logged.
func (r *Refresher) writeStatus(ctx context.Context, job queue.FetchJob, state, message string, cause error) {
	if r.deps.Statuses == nil {
		return
	}
	rec := status.Record{
		RegionCode: job.RegionCode,
		State:      state,
		JobID:      job.JobID,
		Origin:     string(job.Origin),
		Message:    message,
		UpdatedAt:  r.deps.Now(),
	}
	if cause != nil {
		rec.ErrorCode = errorCode(cause)
		rec.ErrorMessage = cause.Error()
	}
	if err := r.deps.Statuses.Upsert(ctx, rec); err != nil {
		r.deps.Log.Debugw("region status write failed", "region", job.RegionCode, "state", state, "err", err)
	}
}

// logger scopes log lines to job.
func (r *Refresher) logger(job queue.FetchJob) *zap.SugaredLogger {
	return r.deps.Log.With("region", job.RegionCode, "job_id", job.JobID, "origin", job.Origin)
}

// errorCode classifies err for the status hash.
func errorCode(err error) string {
	switch {
	case errors.Is(err, forecast.ErrUpstream):
		return "upstream"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "infra"
	}
}
