// Package refresh drives forecast refreshes: a single scheduler loop picks
// the next due region, a pool of workers executes queued jobs, and a seeder
// keeps store-linked regions anchored to business hours. Scheduler and workers
// share no in-process state; they meet only in the priority table and Redis.
package refresh

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"forecast-refresh/internal/events"
	"forecast-refresh/internal/forecast"
	"forecast-refresh/internal/priority"
	"forecast-refresh/internal/queue"
	"forecast-refresh/internal/schedule"
	"forecast-refresh/internal/status"
)

// ErrTransientInfra classifies queue or database failures that are retried
// on the next tick or pop and never quarantine a region.
var ErrTransientInfra = errors.New("transient infrastructure error")

// PriorityStore is the per-region scheduling state.
type PriorityStore interface {
	SelectNextDue(ctx context.Context, now time.Time, window time.Duration) (string, bool, error)
	SelectNeverFetchedFallback(ctx context.Context, now time.Time, window time.Duration) (string, bool, error)
	EnsureRegion(ctx context.Context, region string, priority int, now time.Time) error
	RecordSuccess(ctx context.Context, region string, now, nextDue time.Time, window time.Duration) (bool, error)
	RecordFailure(ctx context.Context, region string, now time.Time, delay time.Duration) error
	CountActive(ctx context.Context) (int64, error)
	UpsertSeeded(ctx context.Context, rows []priority.SeedRow, now time.Time) error
	Region(ctx context.Context, code string) (priority.Region, bool, error)
}

// JobQueue hands fetch jobs from the scheduler to the workers.
type JobQueue interface {
	Push(ctx context.Context, job queue.FetchJob) error
	BlockingPop(ctx context.Context) (queue.FetchJob, error)
}

// InflightLock marks a region as being fetched. The job id is the holder token.
type InflightLock interface {
	TryAcquire(ctx context.Context, region, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, region, token string) error
}

// ForecastStore persists fetched runs and their records.
type ForecastStore interface {
	SaveRun(ctx context.Context, f forecast.Forecast, fetchedAt time.Time) (bool, error)
	SaveRecords(ctx context.Context, f forecast.Forecast) (int64, error)
}

// Archiver keeps raw upstream payloads.
type Archiver interface {
	Archive(ctx context.Context, f forecast.Forecast, fetchedAt time.Time) (bool, error)
}

// EventPublisher announces refreshed regions.
type EventPublisher interface {
	PublishRefreshed(ctx context.Context, ev events.ForecastRefreshed) error
}

// StatusWriter records region status transitions.
type StatusWriter interface {
	Upsert(ctx context.Context, rec status.Record) error
}

// StoreHours looks up the operating hours of stores mapped to regions.
type StoreHours interface {
	ForRegion(ctx context.Context, region string) ([]schedule.Shift, error)
	ActiveByRegion(ctx context.Context) (map[string][]schedule.Shift, error)
}

// Metrics receives scheduler and worker observations.
type Metrics interface {
	RecordTick(result string)
	RecordSelection(origin string)
	RecordJobStart()
	RecordJobEnd(outcome string, d time.Duration)
	RecordRecordsPersisted(n int64)
	RecordPopError()
	RecordDroppedJob()
}

// Deps bundles the collaborators shared by the scheduler, the workers and the
// seeder. Archive, Events, Statuses and Metrics are optional.
type Deps struct {
	Priorities PriorityStore
	Queue      JobQueue
	Lock       InflightLock
	Fetcher    forecast.Fetcher
	Forecasts  ForecastStore
	Hours      StoreHours
	Archive    Archiver
	Events     EventPublisher
	Statuses   StatusWriter
	Metrics    Metrics
	Log        *zap.SugaredLogger
	Now        func() time.Time
}

// Settings are the tunables of one process.
type Settings struct {
	DedupWindow     time.Duration
	RetryQuarantine time.Duration
	LockTTL         time.Duration
	FetchTimeout    time.Duration
	PersistTimeout  time.Duration
	TickInterval    time.Duration
	AnchorLead      time.Duration
	DefaultPriority int
	SeedPriority    int
	Workers         int
	ReconnectPause  time.Duration
}

// withDefaults fills the optional collaborators that must never be nil.
func (d Deps) withDefaults() Deps {
	if d.Metrics == nil {
		d.Metrics = nopMetrics{}
	}
	if d.Log == nil {
		d.Log = zap.NewNop().Sugar()
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	return d
}

// nopMetrics discards every observation.
type nopMetrics struct{}

func (nopMetrics) RecordTick(string)                  {}
func (nopMetrics) RecordSelection(string)             {}
func (nopMetrics) RecordJobStart()                    {}
func (nopMetrics) RecordJobEnd(string, time.Duration) {}
func (nopMetrics) RecordRecordsPersisted(int64)       {}
func (nopMetrics) RecordPopError()                    {}
func (nopMetrics) RecordDroppedJob()                  {}
