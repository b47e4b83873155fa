// Command forecast-refresh runs the scheduler loop, the worker pool, the
// priority seeder and the optional status responder in one process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"forecast-refresh/internal/config"
	"forecast-refresh/internal/database"
	"forecast-refresh/internal/events"
	"forecast-refresh/internal/forecast"
	"forecast-refresh/internal/logging"
	"forecast-refresh/internal/metrics"
	"forecast-refresh/internal/priority"
	"forecast-refresh/internal/queue"
	"forecast-refresh/internal/refresh"
	"forecast-refresh/internal/status"
	"forecast-refresh/internal/storehours"
)

// main loads config, wires the app and runs it until SIGINT or SIGTERM.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	a, err := newApp(cfg, log)
	if err != nil {
		log.Fatalw("forecast refresh init failed", "err", err)
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.run(ctx); err != nil {
		log.Errorw("forecast refresh runtime failed", "err", err)
		a.close()
		os.Exit(1)
	}
	log.Info("forecast refresh stopped cleanly")
}

// app owns every backend handle and the long-running loops.
type app struct {
	cfg config.Config
	log *zap.SugaredLogger

	db          *gorm.DB
	redisClient *redis.Client
	mongoClient *mongo.Client
	publisher   *events.Publisher
	responder   *status.Responder
	metrics     *metrics.Recorder

	scheduler *refresh.Scheduler
	pool      *refresh.Pool
	seeder    *refresh.Seeder
	closed    bool
}

// newApp opens every backend and wires the scheduler, pool and seeder.
func newApp(cfg config.Config, log *zap.SugaredLogger) (*app, error) {
	a := &app{cfg: cfg, log: log, metrics: metrics.New()}

	db, err := database.Open(cfg.DB, log)
	if err != nil {
		return nil, err
	}
	a.db = db
	if cfg.DB.AutoMigrate {
		if err := database.Migrate(db); err != nil {
			a.close()
			return nil, err
		}
	}

	a.redisClient = redis.NewClient(&redis.Options{
		Addr:        cfg.Redis.Addr,
		Username:    cfg.Redis.Username,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		DialTimeout: cfg.Redis.DialTimeout,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), cfg.Redis.DialTimeout)
	defer cancel()
	if err := a.redisClient.Ping(pingCtx).Err(); err != nil {
		// Ticks fall back to inline refreshes until Redis comes back.
		log.Warnw("redis ping failed; continuing in degraded mode", "addr", cfg.Redis.Addr, "err", err)
	}

	fetcher, err := newFetcher(cfg, log)
	if err != nil {
		a.close()
		return nil, err
	}

	priorities := priority.NewStore(db)
	jobs := queue.New(a.redisClient, cfg.Queue.Key, cfg.Queue.PopTimeout)
	locks := queue.NewLock(a.redisClient, cfg.Queue.LockPrefix)
	statuses := status.NewRedisStore(a.redisClient, cfg.StatusTTL, log)

	deps := refresh.Deps{
		Priorities: priorities,
		Queue:      jobs,
		Lock:       locks,
		Fetcher:    fetcher,
		Forecasts:  forecast.NewStore(db),
		Hours:      storehours.NewRepository(db),
		Statuses:   statuses,
		Metrics:    a.metrics,
		Log:        log,
	}

	if cfg.Mongo.URI != "" {
		archive, err := a.connectArchive()
		if err != nil {
			a.close()
			return nil, err
		}
		deps.Archive = archive
	}
	if len(cfg.Kafka.Brokers) > 0 {
		a.publisher = events.NewKafkaPublisher(cfg.Kafka)
		deps.Events = a.publisher
	}
	if cfg.Rabbit.URL != "" {
		a.responder = status.NewResponder(cfg.Rabbit, statuses, priorities, locks, log)
	}

	settings := refresh.Settings{
		DedupWindow:     cfg.DedupWindow,
		RetryQuarantine: cfg.RetryQuarantine,
		LockTTL:         cfg.InflightLockTTL,
		FetchTimeout:    cfg.FetchTimeout,
		PersistTimeout:  cfg.PersistTimeout,
		TickInterval:    cfg.TickInterval(),
		AnchorLead:      cfg.AnchorLead,
		DefaultPriority: cfg.DefaultPriority,
		SeedPriority:    cfg.SeedPriority,
		Workers:         cfg.WorkerConcurrency,
		ReconnectPause:  cfg.Queue.ReconnectPause,
	}
	refresher := refresh.NewRefresher(deps, settings)
	a.scheduler = refresh.NewScheduler(deps, settings, refresher)
	a.pool = refresh.NewPool(deps, settings, refresher)
	a.seeder = refresh.NewSeeder(deps, settings)

	log.Infow("forecast refresh initialized",
		"tick_interval", settings.TickInterval,
		"workers", settings.Workers,
		"db_driver", cfg.DB.Driver,
		"provider", cfg.Forecast.Provider,
		"archive", deps.Archive != nil,
		"events", deps.Events != nil,
		"status_responder", a.responder != nil,
	)
	return a, nil
}

// newFetcher picks the forecast client for FORECAST_PROVIDER.
func newFetcher(cfg config.Config, log *zap.SugaredLogger) (forecast.Fetcher, error) {
	switch cfg.Forecast.Provider {
	case "mock":
		log.Warn("using mock forecast provider")
		return &forecast.MockFetcher{}, nil
	case "http":
		if cfg.Forecast.URL == "" {
			return nil, fmt.Errorf("FORECAST_URL is required for provider http")
		}
		return forecast.NewHTTPClient(cfg.Forecast.URL, cfg.Forecast.APIKey, cfg.FetchTimeout), nil
	default:
		return nil, fmt.Errorf("unsupported FORECAST_PROVIDER value: %s", cfg.Forecast.Provider)
	}
}

// connectArchive connects to MongoDB within MONGO_CONNECT_TIMEOUT and ensures the archive index.
func (a *app) connectArchive() (*forecast.MongoArchive, error) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Mongo.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(a.cfg.Mongo.URI))
	if err != nil {
		return nil, fmt.Errorf("mongo connect failed: %w", err)
	}
	a.mongoClient = client
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongo ping failed: %w", err)
	}

	collection := client.Database(a.cfg.Mongo.Database).Collection(a.cfg.Mongo.Collection)
	archive := forecast.NewMongoArchive(collection, a.log)
	if err := archive.EnsureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("mongo index ensure failed: %w", err)
	}
	return archive, nil
}

// run seeds once, then runs every loop until ctx is cancelled or one fails.
func (a *app) run(ctx context.Context) error {
	if _, err := a.seeder.Seed(ctx); err != nil {
		a.log.Warnw("initial priority seed failed; scheduler continues with existing rows", "err", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.scheduler.Run(gctx) })
	g.Go(func() error { return a.pool.Run(gctx) })
	g.Go(func() error { return a.seeder.Schedule(gctx, a.cfg.SeedSchedule) })
	if a.responder != nil {
		g.Go(func() error { return a.responder.Run(gctx) })
	}
	if a.cfg.MetricsAddr != "" {
		g.Go(func() error { return metrics.Serve(gctx, a.cfg.MetricsAddr, a.metrics, a.log) })
	}
	return g.Wait()
}

// close releases every backend opened by newApp. It is safe to call twice.
func (a *app) close() {
	if a.closed {
		return
	}
	a.closed = true
	a.log.Info("closing forecast refresh dependencies")

	if a.responder != nil {
		a.responder.Close()
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.log.Warnw("kafka writer close failed", "err", err)
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.log.Warnw("redis close failed", "err", err)
		}
	}
	if a.mongoClient != nil {
		if err := a.mongoClient.Disconnect(context.Background()); err != nil {
			a.log.Warnw("mongo disconnect failed", "err", err)
		}
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				a.log.Warnw("database close failed", "err", err)
			}
		}
	}
}
