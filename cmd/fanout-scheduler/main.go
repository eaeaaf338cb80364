// Fanout Scheduler — генерирует задачи и применяет их результаты.
//
// Scheduler:
//   - Каждый тик создаёт задачи для заказов, отписок и квот (во всех процессах)
//   - Применяет результаты из очереди tasks.reported
//   - Лидер (pg_try_advisory_lock) завершает просроченные pending-задачи
//     и продлевает окна квот
//
// Процессов может быть несколько: двойную генерацию отсекает условная запись.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shaiso/Fanout/internal/app"
	"github.com/shaiso/Fanout/internal/mq"
	"github.com/shaiso/Fanout/internal/scheduler"
	"github.com/shaiso/Fanout/internal/telemetry"
)

func main() {
	logger := telemetry.SetupLogger("fanout-scheduler")
	logger.Info("starting fanout-scheduler")

	cfg, err := app.LoadConfig()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// RabbitMQ необязателен: без него воркеры работают только опросом.
	var notifier scheduler.Notifier
	mqConn, err := mq.NewConnection(cfg.RabbitMQ.URL, logger)
	if err != nil {
		logger.Warn("RabbitMQ not available, task.ready events disabled", "error", err)
	} else {
		defer mqConn.Close()
		if err := mq.SetupTopology(ctx, mqConn); err != nil {
			logger.Warn("failed to setup topology", "error", err)
		}
		notifier = mq.NewPublisher(mqConn, logger)
	}

	core, err := app.Open(ctx, cfg, logger, app.Options{Notifier: notifier, Migrate: true})
	if err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}
	defer core.Close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		core.WatchPolicies(gctx)
		return nil
	})

	g.Go(func() error {
		tickLoop(gctx, core)
		return nil
	})

	g.Go(func() error {
		maintainLoop(gctx, core)
		return nil
	})

	if mqConn != nil {
		consumer := mq.NewConsumer(mqConn, logger, mq.ConsumerConfig{
			Queue:    mq.QueueTasksReported,
			Handler:  core.Scheduler.HandleTaskReported,
			Prefetch: 10,
		})
		g.Go(func() error { return consumer.Run(gctx) })
	}

	g.Go(func() error {
		return app.Serve(gctx, cfg.HTTP.MetricsAddr, app.OpsMux(core.HealthChecks(mqConn), logger), logger)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Error("scheduler stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("fanout-scheduler stopped")
}

func tickLoop(ctx context.Context, core *app.Core) {
	tk := time.NewTicker(core.Config.Scheduler.TickInterval)
	defer tk.Stop()

	for {
		select {
		case <-tk.C:
			if err := core.Scheduler.Tick(ctx); err != nil && ctx.Err() == nil {
				core.Logger.Error("tick failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func maintainLoop(ctx context.Context, core *app.Core) {
	leader := app.NewLeader(core.DB, core.Config.Scheduler.LeaderLockKey, core.Logger)
	defer leader.Release()

	tk := time.NewTicker(core.Config.Scheduler.MaintainInterval)
	defer tk.Stop()

	for {
		select {
		case <-tk.C:
			if !leader.Acquire(ctx) {
				continue
			}
			if err := core.Scheduler.Maintain(ctx); err != nil && ctx.Err() == nil {
				core.Logger.Error("maintenance failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
