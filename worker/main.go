package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"

	"virtualfit/pkg/app"
	"virtualfit/pkg/config"
	"virtualfit/pkg/logging"
	"virtualfit/pkg/metrics"
	"virtualfit/pkg/queue"
	"virtualfit/pkg/worker"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	metricsAddr := flag.String("metrics-addr", ":9100", "address serving /metrics; empty disables it")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Fatal(slog.Default(), "failed to load config", err)
	}
	logger := logging.New(cfg.Log, os.Stderr).With("role", "worker")
	slog.SetDefault(logger)

	if err := cfg.Validate(config.RoleWorker); err != nil {
		logging.Fatal(logger, "invalid config", err)
	}

	st, closeStore, err := app.OpenStore(cfg, logger)
	if err != nil {
		logging.Fatal(logger, "failed to open job store", err)
	}
	defer closeStore()

	m := metrics.New()
	proc, closeProc, err := app.NewProcessor(cfg, afero.NewOsFs(), st, m, logger)
	if err != nil {
		logging.Fatal(logger, "failed to set up processor", err)
	}
	defer closeProc()

	mq, err := queue.NewRabbitMQ(cfg.Queue.RabbitMQURL)
	if err != nil {
		logging.Fatal(logger, "failed to connect to RabbitMQ", err)
	}
	defer mq.Close()

	qw := worker.NewQueueWorker(mq, cfg.Queue.Name, cfg.Worker.Concurrency, proc.Process, logger)
	if err := qw.Start(); err != nil {
		logging.Fatal(logger, "failed to start queue worker", err)
	}

	var metricsServer *http.Server
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		metricsServer = &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", logging.Err(err))
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Info("received termination signal, shutting down")
	case amqpErr := <-mq.NotifyClose():
		logger.Error("RabbitMQ connection closed", "error", amqpErr)
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}
}
