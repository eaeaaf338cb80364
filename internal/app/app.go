package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/shaiso/Fanout/internal/api"
	"github.com/shaiso/Fanout/internal/claim"
	"github.com/shaiso/Fanout/internal/completion"
	"github.com/shaiso/Fanout/internal/config"
	"github.com/shaiso/Fanout/internal/inspect"
	"github.com/shaiso/Fanout/internal/mq"
	"github.com/shaiso/Fanout/internal/pool"
	"github.com/shaiso/Fanout/internal/proxyhealth"
	"github.com/shaiso/Fanout/internal/repo"
	"github.com/shaiso/Fanout/internal/scheduler"
)

// Core — общее ядро процесса.
type Core struct {
	Config   *config.Config
	Location *time.Location
	Logger   *slog.Logger

	DB    *pgxpool.Pool
	Redis *redis.Client

	Accounts     *repo.AccountRepo
	Tasks        *repo.TaskRepo
	Subjects     *repo.SubjectRepo
	Unsubscribes *repo.UnsubscribeRepo

	Policies  *config.PolicyRegistry
	Pool      *pool.Pool
	Scheduler *scheduler.Scheduler

	// Inspect — разбор ссылок через inspect-аккаунты; nil без inspector.url.
	Inspect *inspect.Service
}

// Options — необязательные зависимости ядра.
type Options struct {
	// Notifier публикует tasks.ready после создания задачи.
	Notifier scheduler.Notifier

	// Migrate применяет схему при старте.
	Migrate bool
}

// Open подключается к PostgreSQL и Redis и собирает планировщик.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*Core, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	policies, err := config.NewPolicyRegistry(cfg.PolicyTable())
	if err != nil {
		return nil, err
	}
	if cfg.PolicyFile != "" {
		t, err := config.LoadPolicyFile(cfg.PolicyFile, cfg.PolicyTable())
		if err != nil {
			return nil, err
		}
		if err := policies.Replace(t); err != nil {
			return nil, err
		}
	}

	db, err := repo.NewPool(ctx, cfg.Database.DSN, cfg.Database.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if opts.Migrate {
		if err := repo.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		db.Close()
		rdb.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	c := &Core{
		Config:       cfg,
		Location:     loc,
		Logger:       logger,
		DB:           db,
		Redis:        rdb,
		Accounts:     repo.NewAccountRepo(db),
		Tasks:        repo.NewTaskRepo(db),
		Subjects:     repo.NewSubjectRepo(db),
		Unsubscribes: repo.NewUnsubscribeRepo(db),
		Policies:     policies,
	}

	pc := cfg.Pool
	c.Pool = pool.New(pool.Config{
		Source: c.Accounts,
		Health: proxyhealth.NewRedisTracker(rdb, proxyhealth.Config{
			GapMin:   cfg.Proxy.GapMin,
			GapMax:   cfg.Proxy.GapMax,
			StatsTTL: cfg.Proxy.StatsTTL,
		}),
		Locker:        pool.NewRedisLocker(rdb),
		Penalties:     pool.NewPenaltyCache(pc.PenaltyMin, pc.PenaltyMax, time.Now),
		BatchSize:     pc.BatchSize,
		TopK:          pc.TopK,
		MaxTries:      pc.MaxTries,
		Deadline:      pc.Deadline,
		ExecLockTTL:   pc.ExecLockTTL,
		ExecLockWait:  pc.ExecLockWait,
		ProxyCooldown: pc.ProxyCooldown,
		FloodJitter:   pc.FloodJitter,
		Logger:        logger.With("component", "pool"),
	})

	var posts scheduler.PostLister
	if ic := cfg.Inspector; ic.URL != "" {
		c.Inspect = inspect.NewService(c.Pool, &inspect.HTTPInspector{
			URL:     ic.URL,
			Token:   ic.Token,
			Timeout: ic.Timeout,
		}, logger.With("component", "inspect"))
		posts = c.Inspect
	}

	sc := cfg.Scheduler
	c.Scheduler = scheduler.New(scheduler.Config{
		Subjects:     c.Subjects,
		Unsubscribes: c.Unsubscribes,
		Tasks:        c.Tasks,
		Cursors:      repo.NewCursorRepo(db),
		Claim: claim.New(claim.Config{
			Store:    claim.NewRedisStore(rdb),
			Policies: policies,
			LockTTL:  cfg.Claim.LockTTL,
			Location: loc,
			Logger:   logger.With("component", "claim"),
		}),
		Pool: c.Pool,
		Completion: completion.New(completion.Config{
			MinRetryDelay:     cfg.Completion.MinRetryDelay,
			MaxRetryDelay:     cfg.Completion.MaxRetryDelay,
			NoCapacityBackoff: cfg.Completion.NoCapacityBackoff,
		}),
		Policies:               policies,
		Posts:                  posts,
		Notifier:               opts.Notifier,
		Location:               loc,
		LeaseTTL:               cfg.Lease.TTL,
		PendingTTL:             cfg.Lease.PendingTTL,
		MaxAttempts:            cfg.Lease.MaxAttempts,
		StaleGrace:             cfg.Lease.StaleGrace,
		SubjectBatch:           sc.SubjectBatch,
		MaxTasksPerTick:        sc.MaxTasksPerTick,
		MaxAccountTries:        sc.MaxAccountTries,
		SnapshotMaxAge:         sc.SnapshotMaxAge,
		UnsubscribeMaxAttempts: sc.UnsubscribeMaxAttempts,
		Logger:                 logger.With("component", "scheduler"),
	})

	return c, nil
}

// WatchPolicies перечитывает файл политик до отмены ctx. Без policy_file ничего не делает.
func (c *Core) WatchPolicies(ctx context.Context) {
	if c.Config.PolicyFile == "" {
		return
	}
	err := config.WatchPolicies(ctx, c.Config.PolicyFile, c.Config.PolicyTable(), c.Policies, c.Logger)
	if err != nil && !errors.Is(err, context.Canceled) {
		c.Logger.Error("policy watcher stopped", "error", err)
	}
}

// Links возвращает разборщик ссылок для API; nil без inspector.url.
func (c *Core) Links() api.LinkInspector {
	if c.Inspect == nil {
		return nil
	}
	return c.Inspect
}

// HealthChecks возвращает проверки зависимостей для /healthz.
func (c *Core) HealthChecks(conn *mq.Connection) map[string]api.HealthCheck {
	checks := map[string]api.HealthCheck{
		"postgres": func(ctx context.Context) error { return c.DB.Ping(ctx) },
		"redis":    func(ctx context.Context) error { return c.Redis.Ping(ctx).Err() },
	}
	if conn != nil {
		checks["rabbitmq"] = func(context.Context) error {
			if !conn.IsConnected() {
				return mq.ErrNoChannel
			}
			return nil
		}
	}
	return checks
}

// Close закрывает соединения.
func (c *Core) Close() {
	c.Redis.Close()
	c.DB.Close()
}

// OpsMux возвращает mux с /healthz и /metrics для scheduler и worker.
func OpsMux(checks map[string]api.HealthCheck, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	h := api.NewHandler(api.Config{Checks: checks, Logger: logger})
	mux.HandleFunc("GET /healthz", h.Health)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Serve обслуживает addr до отмены ctx.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
