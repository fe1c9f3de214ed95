package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"calldispatch/internal/assignments"
	"calldispatch/internal/auth"
	"calldispatch/internal/config"
	"calldispatch/internal/dispatch"
	"calldispatch/internal/history"
	"calldispatch/internal/providers"
	"calldispatch/internal/queue"
	"calldispatch/internal/reporting"
	"calldispatch/internal/retry"
	"calldispatch/internal/telemetry"
	"calldispatch/internal/telephony"
	"calldispatch/internal/templates"
	"calldispatch/internal/usage"
	"calldispatch/migrations"
	"calldispatch/pkg/utils"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
)

// App holds every long-lived component of the service. Both binaries build
// one and use the parts they need.
type App struct {
	Config config.Config
	Log    *slog.Logger

	Auth       *auth.Manager
	Calls      *queue.Service
	Accountant usage.Accountant
	Registry   providers.Registry
	Tracker    *assignments.Tracker
	Scheduler  *dispatch.Scheduler
	History    *history.Service
	Reports    *reporting.Service
	Directory  *telephony.Directory
	Health     *providers.HealthChecker

	DispatchLoop  *dispatch.Runner
	ReconcileLoop *dispatch.Runner

	db        *sql.DB
	pool      *pgxpool.Pool
	redis     *redis.Client
	telemetry *telemetry.TracerProvider

	healthCancel context.CancelFunc
	healthDone   sync.WaitGroup
}

// stores is the backend-specific persistence set.
type stores struct {
	queue       queue.Store
	templates   templates.Repository
	accountant  usage.Accountant
	registry    providers.Registry
	assignments assignments.Repository
	retries     retry.Store
	history     history.Repository
}

func New(ctx context.Context, cfg config.Config, log *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}

	catalog, err := providers.LoadCatalog(cfg.Store.ProvidersFile)
	if err != nil {
		return nil, fmt.Errorf("load provider catalog: %w", err)
	}

	if a.telemetry, err = telemetry.Setup(cfg.Telemetry); err != nil {
		return nil, err
	}

	if a.Auth, err = auth.NewManager(cfg.Auth); err != nil {
		a.Close()
		return nil, fmt.Errorf("auth init: %w", err)
	}

	var st stores
	switch cfg.Store.Backend {
	case config.BackendPostgres:
		st, err = a.initPostgres(ctx, catalog)
	default:
		st, err = a.initMemory(catalog)
	}
	if err != nil {
		a.Close()
		return nil, err
	}

	statusURL := ""
	if cfg.App.PublicBaseURL != "" {
		statusURL = cfg.App.PublicBaseURL + "/webhooks/twilio/status"
	}
	a.Directory, err = telephony.BuildDirectory(catalog, telephony.NewHTTPClient(), telephony.Options{StatusCallbackURL: statusURL})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.initServices(st)
	return a, nil
}

func (a *App) initMemory(catalog []providers.Provider) (stores, error) {
	tmpl := templates.NewMemoryRepo()
	acct := usage.NewMemoryAccountant()
	if a.Config.Store.SeedFile != "" {
		if err := LoadSeed(a.Config.Store.SeedFile, tmpl, acct); err != nil {
			return stores{}, err
		}
	}
	a.Log.Info("using memory backend", "providers", len(catalog))
	return stores{
		queue:       queue.NewMemoryStore(),
		templates:   tmpl,
		accountant:  acct,
		registry:    providers.NewMemoryRegistry(catalog...),
		assignments: assignments.NewMemoryRepo(),
		retries:     retry.NewMemoryStore(),
		history:     history.NewMemoryRepo(),
	}, nil
}

func (a *App) initPostgres(ctx context.Context, catalog []providers.Provider) (stores, error) {
	cfg := a.Config
	poolCfg := utils.PostgresPoolConfig{
		MaxConns:        cfg.DB.MaxConns,
		ApplicationName: cfg.Telemetry.ServiceName,
	}
	db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), poolCfg)
	if err != nil {
		return stores{}, fmt.Errorf("postgres init: %w", err)
	}
	a.db = db
	if err := migrations.Apply(ctx, db); err != nil {
		return stores{}, fmt.Errorf("postgres migrate: %w", err)
	}

	pool, err := utils.OpenPgxPool(ctx, cfg.PostgresDSN(), poolCfg)
	if err != nil {
		return stores{}, fmt.Errorf("pgx pool init: %w", err)
	}
	a.pool = pool

	rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{
		Addr:       cfg.RedisAddr(),
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		ClientName: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return stores{}, fmt.Errorf("redis init: %w", err)
	}
	a.redis = rdb

	reg := providers.NewRedisRegistry(rdb, catalog...)
	if cfg.Redis.KeyPrefix != "" {
		reg = reg.WithPrefix(cfg.Redis.KeyPrefix)
	}
	a.Log.Info("using postgres backend", "providers", len(catalog))
	return stores{
		queue:       queue.NewPostgresStore(db),
		templates:   templates.NewPostgresRepo(db),
		accountant:  usage.NewService(db),
		registry:    reg,
		assignments: assignments.NewPgxRepo(pool, a.Log),
		retries:     retry.NewPostgresStore(db),
		history:     history.NewPostgresRepo(db),
	}, nil
}

func (a *App) initServices(st stores) {
	cfg := a.Config
	a.Accountant = st.accountant
	a.Registry = st.registry
	a.History = history.NewService(st.history, a.Log)
	a.Reports = reporting.NewService(a.History)
	a.Calls = queue.NewService(st.queue, st.templates, st.accountant, a.History, a.Log)
	a.Tracker = assignments.NewTracker(st.assignments, st.registry, a.Log)
	a.Scheduler = dispatch.New(dispatch.Deps{
		Queue:     st.queue,
		Registry:  st.registry,
		Tracker:   a.Tracker,
		Retries:   st.retries,
		Adapters:  a.Directory,
		Templates: st.templates,
		History:   a.History,
		Logger:    a.Log,
	}, dispatch.Config{
		BatchSize:       cfg.Dispatch.BatchSize,
		HandoffTimeout:  cfg.Dispatch.HandoffTimeout,
		MaxCallDuration: cfg.Dispatch.MaxCallDuration,
		Policy: retry.Policy{
			Base:        cfg.Dispatch.RetryBase,
			Cap:         cfg.Dispatch.RetryCap,
			MaxAttempts: cfg.Dispatch.RetryMaxAttempts,
		},
	})
	a.Health = providers.NewHealthChecker(st.registry, a.Directory, cfg.Dispatch.HealthInterval, cfg.Dispatch.HealthTimeout, a.Log)

	a.DispatchLoop = dispatch.NewRunner("dispatch-loop", cfg.Dispatch.Interval, func(ctx context.Context) error {
		_, err := a.Scheduler.RunCycle(ctx)
		return err
	}, a.Log)
	a.ReconcileLoop = dispatch.NewRunner("reconcile-loop", cfg.Dispatch.ReconcileInterval, func(ctx context.Context) error {
		_, err := a.Scheduler.Reconcile(ctx)
		return err
	}, a.Log)
	a.Calls.OnAdmit(a.DispatchLoop.Trigger)
}

// StartBackground runs reconciliation once, then starts the health checker and
// both loops.
func (a *App) StartBackground(ctx context.Context) {
	if _, err := a.Scheduler.Reconcile(ctx); err != nil {
		a.Log.Warn("startup reconcile failed", "err", err)
	}

	hctx, cancel := context.WithCancel(ctx)
	a.healthCancel = cancel
	a.healthDone.Add(1)
	go func() {
		defer a.healthDone.Done()
		a.Health.Run(hctx)
	}()

	a.ReconcileLoop.Start(ctx)
	a.DispatchLoop.Start(ctx)
	a.Log.Info("background workers started",
		"dispatch_interval", a.Config.Dispatch.Interval,
		"reconcile_interval", a.Config.Dispatch.ReconcileInterval,
	)
}

// StopBackground waits for in-flight cycles to finish.
func (a *App) StopBackground() {
	a.DispatchLoop.Stop()
	a.ReconcileLoop.Stop()
	if a.healthCancel != nil {
		a.healthCancel()
		a.healthDone.Wait()
	}
}

// Ready reports whether the backing stores answer. The memory backend is
// always ready.
func (a *App) Ready(ctx context.Context) error {
	if a.db != nil {
		if err := utils.HealthCheck(ctx, a.db, 2*time.Second); err != nil {
			return err
		}
	}
	if a.redis != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := a.redis.Ping(pingCtx).Err(); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
	}
	_, err := a.Registry.Availability(ctx)
	return err
}

// Close releases connections and flushes traces. It is safe after a failed New.
func (a *App) Close() {
	var errs []error
	if a.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, a.telemetry.Shutdown(ctx))
		cancel()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.Log.Warn("close failed", "err", err)
	}
}
