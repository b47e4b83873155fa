package refresh

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"forecast-refresh/internal/queue"
)

// Pool runs a fixed number of workers, each popping and executing one job at
// a time. Workers survive any backend failure and only exit on shutdown.
type Pool struct {
	deps      Deps
	settings  Settings
	refresher *Refresher
}

// NewPool returns a pool that runs refresher on popped jobs.
func NewPool(deps Deps, settings Settings, refresher *Refresher) *Pool {
	return &Pool{deps: deps.withDefaults(), settings: settings, refresher: refresher}
}

// Run blocks until ctx is cancelled and every worker has returned.
func (p *Pool) Run(ctx context.Context) error {
	workers := p.settings.Workers
	if workers < 1 {
		workers = 1
	}

	p.deps.Log.Infow("worker pool started", "workers", workers)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		id := i
		g.Go(func() error {
			p.runWorker(gctx, id)
			return nil
		})
	}
	err := g.Wait()
	p.deps.Log.Info("worker pool stopped")
	return err
}

// runWorker pops and executes jobs until ctx is cancelled.
func (p *Pool) runWorker(ctx context.Context, id int) {
	log := p.deps.Log.With("worker", id)
	for {
		job, err := p.pop(ctx, log)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, queue.ErrMalformedJob) {
				p.deps.Metrics.RecordDroppedJob()
				log.Warnw("dropping malformed fetch job", "err", err)
			}
			continue
		}
		p.refresher.Execute(ctx, job)
	}
}

// pop waits for a job, pausing ReconnectPause between backend failures.
func (p *Pool) pop(ctx context.Context, log *zap.SugaredLogger) (queue.FetchJob, error) {
	b := backoff.WithContext(backoff.NewConstantBackOff(p.settings.ReconnectPause), ctx)
	return backoff.RetryNotifyWithData(func() (queue.FetchJob, error) {
		job, err := p.deps.Queue.BlockingPop(ctx)
		switch {
		case err == nil:
			return job, nil
		case ctx.Err() != nil:
			return queue.FetchJob{}, backoff.Permanent(ctx.Err())
		case errors.Is(err, queue.ErrMalformedJob):
			return queue.FetchJob{}, backoff.Permanent(err)
		default:
			return queue.FetchJob{}, err
		}
	}, b, func(err error, wait time.Duration) {
		p.deps.Metrics.RecordPopError()
		log.Warnw("queue pop failed; pausing", "err", err, "after", wait)
	})
}
