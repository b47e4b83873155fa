// Package metrics exposes scheduler and worker counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Recorder owns a private registry so tests and multiple instances never collide.
type Recorder struct {
	registry *prometheus.Registry

	ticks            *prometheus.CounterVec
	selections       *prometheus.CounterVec
	jobs             *prometheus.CounterVec
	jobDuration      prometheus.Histogram
	recordsPersisted prometheus.Counter
	jobsInFlight     prometheus.Gauge
	popErrors        prometheus.Counter
	droppedJobs      prometheus.Counter
}

// New registers every collector on a private registry.
func New() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Recorder{
		registry: registry,
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forecast_scheduler_ticks_total",
			Help: "Scheduler ticks by dispatch result.",
		}, []string{"result"}),
		selections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forecast_scheduler_selections_total",
			Help: "Regions selected for refresh by selection origin.",
		}, []string{"origin"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forecast_refresh_jobs_total",
			Help: "Refresh executions by outcome.",
		}, []string{"outcome"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "forecast_refresh_duration_seconds",
			Help:    "Duration of refresh executions including persistence.",
			Buckets: prometheus.DefBuckets,
		}),
		recordsPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forecast_records_persisted_total",
			Help: "Forecast records newly inserted.",
		}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "forecast_refresh_jobs_in_flight",
			Help: "Refresh executions currently running in this process.",
		}),
		popErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forecast_queue_pop_errors_total",
			Help: "Queue pop failures that forced a worker reconnect pause.",
		}),
		droppedJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forecast_queue_dropped_jobs_total",
			Help: "Malformed queue payloads dropped by workers.",
		}),
	}
	registry.MustRegister(
		r.ticks, r.selections, r.jobs, r.jobDuration,
		r.recordsPersisted, r.jobsInFlight, r.popErrors, r.droppedJobs,
	)
	return r
}

// RecordTick counts one scheduler tick by result.
func (r *Recorder) RecordTick(result string) {
	r.ticks.WithLabelValues(result).Inc()
}

// RecordSelection counts a selected region by origin.
func (r *Recorder) RecordSelection(origin string) {
	r.selections.WithLabelValues(origin).Inc()
}

// RecordJobStart marks one execution as running.
func (r *Recorder) RecordJobStart() {
	r.jobsInFlight.Inc()
}

// RecordJobEnd records the outcome and duration of an execution started with RecordJobStart.
func (r *Recorder) RecordJobEnd(outcome string, d time.Duration) {
	r.jobsInFlight.Dec()
	r.jobs.WithLabelValues(outcome).Inc()
	r.jobDuration.Observe(d.Seconds())
}

// RecordRecordsPersisted adds newly inserted forecast records.
func (r *Recorder) RecordRecordsPersisted(n int64) {
	if n > 0 {
		r.recordsPersisted.Add(float64(n))
	}
}

// RecordPopError counts a failed queue pop.
func (r *Recorder) RecordPopError() {
	r.popErrors.Inc()
}

// RecordDroppedJob counts a malformed job that was discarded.
func (r *Recorder) RecordDroppedJob() {
	r.droppedJobs.Inc()
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Serve runs the metrics listener on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, r *Recorder, log *zap.SugaredLogger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infow("metrics listener starting", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warnw("metrics listener shutdown failed", "err", err)
		}
		return nil
	}
}
