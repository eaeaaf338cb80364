// Fanout API — HTTP-интерфейс: отчёты исполнителей, чтение задач и субъектов.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Fanout/internal/api"
	"github.com/shaiso/Fanout/internal/app"
	"github.com/shaiso/Fanout/internal/telemetry"
)

func main() {
	logger := telemetry.SetupLogger("fanout-api")
	logger.Info("starting fanout-api")

	cfg, err := app.LoadConfig()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	core, err := app.Open(ctx, cfg, logger, app.Options{})
	if err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}
	defer core.Close()

	go core.WatchPolicies(ctx)

	handler := api.NewHandler(api.Config{
		Tasks:        core.Tasks,
		Unsubscribes: core.Unsubscribes,
		Subjects:     core.Subjects,
		Reporter:     core.Scheduler,
		Links:        core.Links(),
		Checks:       core.HealthChecks(nil),
		Logger:       logger,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	handler.RegisterRoutes(mux)

	if err := app.Serve(ctx, cfg.HTTP.Addr, mux, logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("stopped")
}
