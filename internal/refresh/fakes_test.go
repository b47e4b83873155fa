package refresh

import (
	"context"
	"errors"
	"sync"
	"time"

	"forecast-refresh/internal/events"
	"forecast-refresh/internal/forecast"
	"forecast-refresh/internal/priority"
	"forecast-refresh/internal/queue"
	"forecast-refresh/internal/schedule"
	"forecast-refresh/internal/status"
)

var (
	testNow    = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	errBackend = errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")
)

// testSettings are small, fast settings shared by the package tests.
func testSettings() Settings {
	return Settings{
		DedupWindow:     time.Hour,
		RetryQuarantine: 24 * time.Hour,
		LockTTL:         10 * time.Minute,
		FetchTimeout:    time.Second,
		PersistTimeout:  time.Second,
		TickInterval:    6 * time.Second,
		AnchorLead:      30 * time.Minute,
		DefaultPriority: 100,
		SeedPriority:    1,
		Workers:         2,
		ReconnectPause:  time.Millisecond,
	}
}

type successCall struct {
	region  string
	now     time.Time
	nextDue time.Time
}

type failureCall struct {
	region string
	now    time.Time
	delay  time.Duration
}

// fakePriorities is a scripted PriorityStore that records writes.
type fakePriorities struct {
	mu sync.Mutex

	nextDue      string
	fallback     string
	selectErr    error
	successErr   error
	duplicate    bool
	active       int64
	regions      map[string]priority.Region
	ensured      map[string]int
	successes    []successCall
	failures     []failureCall
	seeded       []priority.SeedRow
	seededAt     time.Time
	failureError error
}

func (f *fakePriorities) SelectNextDue(context.Context, time.Time, time.Duration) (string, bool, error) {
	if f.selectErr != nil {
		return "", false, f.selectErr
	}
	return f.nextDue, f.nextDue != "", nil
}

func (f *fakePriorities) SelectNeverFetchedFallback(context.Context, time.Time, time.Duration) (string, bool, error) {
	return f.fallback, f.fallback != "", nil
}

func (f *fakePriorities) EnsureRegion(_ context.Context, region string, prio int, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ensured == nil {
		f.ensured = map[string]int{}
	}
	f.ensured[region] = prio
	return nil
}

func (f *fakePriorities) RecordSuccess(_ context.Context, region string, now, nextDue time.Time, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.successErr != nil {
		return false, f.successErr
	}
	if f.duplicate {
		return false, nil
	}
	f.successes = append(f.successes, successCall{region: region, now: now, nextDue: nextDue})
	return true, nil
}

func (f *fakePriorities) RecordFailure(_ context.Context, region string, now time.Time, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failureError != nil {
		return f.failureError
	}
	f.failures = append(f.failures, failureCall{region: region, now: now, delay: delay})
	return nil
}

func (f *fakePriorities) CountActive(context.Context) (int64, error) {
	return f.active, nil
}

func (f *fakePriorities) UpsertSeeded(_ context.Context, rows []priority.SeedRow, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seeded = append([]priority.SeedRow(nil), rows...)
	f.seededAt = now
	return nil
}

func (f *fakePriorities) Region(_ context.Context, code string) (priority.Region, bool, error) {
	r, ok := f.regions[code]
	return r, ok, nil
}

func (f *fakePriorities) snapshot() ([]successCall, []failureCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]successCall(nil), f.successes...), append([]failureCall(nil), f.failures...)
}

// fakeQueue records pushes and serves pops from a channel.
type fakeQueue struct {
	mu      sync.Mutex
	pushErr error
	pushed  []queue.FetchJob
	pops    chan popResult
}

type popResult struct {
	job queue.FetchJob
	err error
}

func (q *fakeQueue) Push(_ context.Context, job queue.FetchJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pushErr != nil {
		return q.pushErr
	}
	q.pushed = append(q.pushed, job)
	return nil
}

func (q *fakeQueue) BlockingPop(ctx context.Context) (queue.FetchJob, error) {
	select {
	case <-ctx.Done():
		return queue.FetchJob{}, ctx.Err()
	case r := <-q.pops:
		return r.job, r.err
	}
}

// fakeLock is an in-memory InflightLock that remembers every release.
type fakeLock struct {
	mu         sync.Mutex
	held       map[string]bool
	tokens     map[string]string
	acquireErr error
	released   []string
}

func (l *fakeLock) TryAcquire(_ context.Context, region, token string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.acquireErr != nil {
		return false, l.acquireErr
	}
	if l.held == nil {
		l.held = map[string]bool{}
	}
	if l.held[region] {
		return false, nil
	}
	if l.tokens == nil {
		l.tokens = map[string]string{}
	}
	l.held[region] = true
	l.tokens[region] = token
	return true, nil
}

func (l *fakeLock) Release(_ context.Context, region, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if owner, ok := l.tokens[region]; !ok || owner == token {
		delete(l.held, region)
		delete(l.tokens, region)
	}
	l.released = append(l.released, region)
	return nil
}

func (l *fakeLock) releasedRegions() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.released...)
}

// fakeFetcher fails, blocks until cancellation or returns a two-slot run.
type fakeFetcher struct {
	mu    sync.Mutex
	err   error
	block bool
	reqs  []forecast.Request
}

func (f *fakeFetcher) Fetch(ctx context.Context, req forecast.Request) (forecast.Forecast, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		return forecast.Forecast{}, ctx.Err()
	}
	if f.err != nil {
		return forecast.Forecast{}, f.err
	}
	return forecast.Forecast{
		RegionCode: req.RegionCode,
		AnalysisAt: testNow.Truncate(time.Hour),
		Predictions: []forecast.Prediction{
			{ValidAt: testNow.Add(time.Hour), TemperatureC: 30},
			{ValidAt: testNow.Add(2 * time.Hour), TemperatureC: 31},
		},
		Raw:    []byte(`{"analysis_time":"2026-03-02T12:00:00Z"}`),
		Source: "fake",
	}, nil
}

// fakeForecasts counts stored runs and records.
type fakeForecasts struct {
	mu      sync.Mutex
	runErr  error
	runs    []forecast.Forecast
	records int64
}

func (f *fakeForecasts) SaveRun(_ context.Context, fc forecast.Forecast, _ time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runErr != nil {
		return false, f.runErr
	}
	f.runs = append(f.runs, fc)
	return true, nil
}

func (f *fakeForecasts) SaveRecords(_ context.Context, fc forecast.Forecast) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records += int64(len(fc.Predictions))
	return int64(len(fc.Predictions)), nil
}

// fakeHours serves fixed shifts per region.
type fakeHours struct {
	byRegion map[string][]schedule.Shift
	err      error
}

func (h fakeHours) ForRegion(_ context.Context, region string) ([]schedule.Shift, error) {
	return h.byRegion[region], h.err
}

func (h fakeHours) ActiveByRegion(context.Context) (map[string][]schedule.Shift, error) {
	return h.byRegion, h.err
}

// fakeStatuses records status transitions.
type fakeStatuses struct {
	mu      sync.Mutex
	records []status.Record
}

func (s *fakeStatuses) Upsert(_ context.Context, rec status.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *fakeStatuses) states() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.State)
	}
	return out
}

// fakeEvents records published events.
type fakeEvents struct {
	mu     sync.Mutex
	events []events.ForecastRefreshed
	err    error
}

func (e *fakeEvents) PublishRefreshed(_ context.Context, ev events.ForecastRefreshed) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.events = append(e.events, ev)
	return nil
}

// fixture bundles one set of fakes.
type fixture struct {
	priorities *fakePriorities
	queue      *fakeQueue
	lock       *fakeLock
	fetcher    *fakeFetcher
	forecasts  *fakeForecasts
	statuses   *fakeStatuses
	events     *fakeEvents
	hours      fakeHours
}

// newFixture returns fakes with ten active regions.
func newFixture() *fixture {
	return &fixture{
		priorities: &fakePriorities{active: 10},
		queue:      &fakeQueue{pops: make(chan popResult, 8)},
		lock:       &fakeLock{},
		fetcher:    &fakeFetcher{},
		forecasts:  &fakeForecasts{},
		statuses:   &fakeStatuses{},
		events:     &fakeEvents{},
	}
}

// deps wires the fixture into Deps.
func (f *fixture) deps() Deps {
	return Deps{
		Priorities: f.priorities,
		Queue:      f.queue,
		Lock:       f.lock,
		Fetcher:    f.fetcher,
		Forecasts:  f.forecasts,
		Hours:      f.hours,
		Statuses:   f.statuses,
		Events:     f.events,
		Now:        func() time.Time { return testNow },
	}
}
