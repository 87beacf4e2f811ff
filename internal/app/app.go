// -----------------------------------------------------------------------
// App - component construction, wiring and teardown
// -----------------------------------------------------------------------

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/colligohq/colligo/internal/common"
	"github.com/colligohq/colligo/internal/crawler"
	"github.com/colligohq/colligo/internal/gateway"
	"github.com/colligohq/colligo/internal/interfaces"
	"github.com/colligohq/colligo/internal/locks"
	"github.com/colligohq/colligo/internal/models"
	"github.com/colligohq/colligo/internal/services/scheduler"
	badgerstore "github.com/colligohq/colligo/internal/storage/badger"
	mongostore "github.com/colligohq/colligo/internal/storage/mongo"
	redisstore "github.com/colligohq/colligo/internal/storage/redis"
	"github.com/colligohq/colligo/internal/supervisor"
	"github.com/colligohq/colligo/internal/workers"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	// Storage
	LockStore    *redisstore.LockStore
	LockManager  *locks.Manager
	ResultsStore interfaces.ResultsStore
	SpoolDB      *badgerstore.DB
	Spool        interfaces.Spool

	// Crawl capability shared by every CrawlWorker instance
	Crawler interfaces.Crawler

	// Orchestration
	Supervisor       *supervisor.Supervisor
	SchedulerService interfaces.SchedulerService
}

// New initializes the application with all dependencies and starts the
// supervisor and the maintenance scheduler. The crawl driver is the one
// external capability: pass nil to boot with the disabled stub. On error
// the process is expected to exit; partially opened connections are
// reclaimed by the OS.
func New(cfg *common.Config, logger arbor.ILogger, crawl interfaces.Crawler) (*App, error) {
	app := &App{
		Config:  cfg,
		Logger:  logger,
		Crawler: crawl,
	}

	if err := app.initStorage(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	app.initCrawler()

	if err := app.initSupervisor(); err != nil {
		return nil, fmt.Errorf("failed to initialize supervisor: %w", err)
	}

	if err := app.initScheduler(); err != nil {
		return nil, fmt.Errorf("failed to initialize scheduler: %w", err)
	}

	return app, nil
}

// initStorage connects the lock store, the results store and the
// outbound spool, in that order.
func (a *App) initStorage() error {
	connectTimeout := common.ParseDurationOr(a.Config.Database.ConnectTimeout, 10*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	lockStore, err := redisstore.NewLockStore(ctx, a.Logger, &a.Config.Redis)
	if err != nil {
		return fmt.Errorf("failed to connect lock store: %w", err)
	}
	a.LockStore = lockStore
	a.LockManager = locks.NewManager(lockStore, a.Logger,
		common.ParseDurationOr(a.Config.Locks.TTL, locks.DefaultTTL))

	resultsStore, err := mongostore.NewResultsStore(ctx, a.Logger, &a.Config.Database)
	if err != nil {
		return fmt.Errorf("failed to connect results store: %w", err)
	}
	a.ResultsStore = resultsStore

	spoolDB, err := badgerstore.NewDB(a.Logger, &a.Config.Spool)
	if err != nil {
		return fmt.Errorf("failed to open spool database: %w", err)
	}
	a.SpoolDB = spoolDB

	spool, err := badgerstore.NewSpool(spoolDB.Badger(), a.Logger,
		common.ParseDurationOr(a.Config.Spool.VisibilityTimeout, 5*time.Minute),
		a.Config.Spool.MaxReceive)
	if err != nil {
		return fmt.Errorf("failed to create spool: %w", err)
	}
	a.Spool = spool

	a.Logger.Debug().
		Str("lock_ttl", a.LockManager.TTL().String()).
		Str("spool_path", a.Config.Spool.Path).
		Msg("Storage layer initialized")
	return nil
}

// initCrawler wraps the injected crawl driver with the shared throttle.
// Without a driver the disabled stub boots anyway and jobs fail per
// sub-range instead of crashing the workers.
func (a *App) initCrawler() {
	inner := a.Crawler
	if inner == nil {
		inner = crawler.Disabled()
		a.Logger.Warn().Msg("No crawl driver configured, jobs will fail with CRAWL_FAILED")
	}
	a.Crawler = crawler.Throttled(inner, a.Config.Crawl.RequestsPerSecond, a.Config.Crawl.Burst)
}

// initSupervisor registers the worker classes and boots the configured
// instance counts.
func (a *App) initSupervisor() error {
	sup := supervisor.New(a.Config, a.Logger)

	crawlTimeout := common.ParseDurationOr(a.Config.Crawl.Timeout, 10*time.Minute)
	sup.Register(models.WorkerClassCrawl,
		workers.NewCrawlWorkerFactory(a.LockManager, a.Crawler, crawlTimeout, a.Logger))
	sup.Register(models.WorkerClassDB,
		workers.NewDBWorkerFactory(a.ResultsStore, a.Logger))
	sup.Register(models.WorkerClassGateway,
		gateway.NewGatewayFactory(gateway.NewAMQPDialer(a.Config.Broker, a.Logger),
			a.Spool, a.Config.Broker, a.Logger))

	if err := sup.Start(); err != nil {
		return err
	}
	a.Supervisor = sup

	a.Logger.Info().
		Int("classes", len(a.Config.Workers)).
		Msg("Supervisor started")
	return nil
}

// initScheduler registers the standing maintenance jobs. Disabled
// schedulers leave sweeping to operators.
func (a *App) initScheduler() error {
	if !a.Config.Scheduler.Enabled {
		a.Logger.Info().Msg("Maintenance scheduler disabled by configuration")
		return nil
	}

	svc := scheduler.NewService(a.Logger)

	err := svc.RegisterJob("pending-sweep", a.Config.Scheduler.PendingSweepCron,
		"expire unacknowledged envelopes past their TTL", func() error {
			if expired := a.Supervisor.SweepPending(); expired > 0 {
				a.Logger.Info().Int("expired", expired).Msg("Pending sweep removed stale entries")
			}
			return nil
		})
	if err != nil {
		return fmt.Errorf("failed to register pending-sweep: %w", err)
	}

	err = svc.RegisterJob("worker-health", a.Config.Scheduler.HealthCheckCron,
		"flag worker instances with stale heartbeats", func() error {
			a.Supervisor.CheckWorkerHealth()
			return nil
		})
	if err != nil {
		return fmt.Errorf("failed to register worker-health: %w", err)
	}

	err = svc.RegisterJob("spool-drain", a.Config.Scheduler.SpoolDrainCron,
		"kick the gateway to republish spooled notices", a.kickSpoolDrain)
	if err != nil {
		return fmt.Errorf("failed to register spool-drain: %w", err)
	}

	if err := svc.Start(); err != nil {
		return err
	}
	a.SchedulerService = svc
	return nil
}

// kickSpoolDrain routes a drain_spool envelope to the gateway. Spooled
// notices also drain on every reconnect; the standing job covers the
// case where the session stayed up but individual publishes failed.
func (a *App) kickSpoolDrain() error {
	env, err := models.NewEnvelope(models.StatusPending,
		[]string{models.Path(models.WorkerClassGateway, models.MethodDrainSpool, "")}, nil)
	if err != nil {
		return err
	}
	if !a.Supervisor.Emit(env) {
		return fmt.Errorf("supervisor not accepting envelopes")
	}
	return nil
}

// Close drains the supervisor and releases every connection, in reverse
// construction order. Safe on a partially constructed App.
func (a *App) Close() error {
	// Maintenance first, so nothing kicks new work mid-teardown.
	if a.SchedulerService != nil {
		if err := a.SchedulerService.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop scheduler service")
		}
	}

	// Broker intake stops, in-flight jobs get the drain window.
	if a.Supervisor != nil {
		drain := common.ParseDurationOr(a.Config.Supervisor.DrainTimeout, 30*time.Second)
		ctx, cancel := context.WithTimeout(context.Background(), drain)
		if err := a.Supervisor.Stop(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("Supervisor drain incomplete")
		}
		cancel()
	}

	if a.SpoolDB != nil {
		if err := a.SpoolDB.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close spool database")
		}
	}

	if a.ResultsStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.ResultsStore.Close(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close results store")
		}
		cancel()
	}

	if a.LockStore != nil {
		if err := a.LockStore.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close lock store")
		}
	}

	a.Logger.Info().Msg("Application closed")
	return nil
}
