// Fanout Worker — исполняет задачи от имени зарезервированных аккаунтов.
//
// Worker:
//   - Берёт задачи в аренду у планировщика (общая БД)
//   - Просыпается по событиям tasks.ready, иначе опрашивает по таймеру
//   - Вызывает HTTP-клиент автоматизации и сообщает результат
//
// Воркеры масштабируются горизонтально.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/shaiso/Fanout/internal/app"
	"github.com/shaiso/Fanout/internal/mq"
	"github.com/shaiso/Fanout/internal/telemetry"
	"github.com/shaiso/Fanout/internal/worker"
)

func main() {
	logger := telemetry.SetupLogger("fanout-worker")
	logger.Info("starting fanout-worker")

	cfg, err := app.LoadConfig()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mqConn, err := mq.NewConnection(cfg.RabbitMQ.URL, logger)
	if err != nil {
		logger.Warn("RabbitMQ not available, running in polling-only mode", "error", err)
	} else {
		defer mqConn.Close()
		if err := mq.SetupTopology(ctx, mqConn); err != nil {
			logger.Warn("failed to setup topology", "error", err)
		}
	}

	core, err := app.Open(ctx, cfg, logger, app.Options{})
	if err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}
	defer core.Close()

	go core.WatchPolicies(ctx)

	registry := worker.NewRegistry(cfg.Worker.DefaultExecutor)
	for kind, ex := range cfg.Worker.Executors {
		registry.Register(kind, &worker.HTTPExecutor{URL: ex.URL, Token: ex.Token, Timeout: ex.Timeout})
	}

	w := worker.New(worker.Config{
		Tasks:        core.Scheduler,
		Accounts:     core.Accounts,
		Pool:         core.Pool,
		Registry:     registry,
		Conn:         mqConn,
		Concurrency:  cfg.Worker.Concurrency,
		PollInterval: cfg.Worker.PollInterval,
		Location:     core.Location,
		Logger:       logger.With("component", "worker"),
	})
	if err := w.Start(ctx); err != nil {
		logger.Error("failed to start worker", "error", err)
		os.Exit(1)
	}

	go func() {
		if err := app.Serve(ctx, cfg.HTTP.MetricsAddr, app.OpsMux(core.HealthChecks(mqConn), logger), logger); err != nil {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	// Stop дожидается уже начатых задач.
	w.Stop()
	logger.Info("fanout-worker stopped")
}
