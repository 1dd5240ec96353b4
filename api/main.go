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
	"virtualfit/pkg/catalog"
	"virtualfit/pkg/config"
	"virtualfit/pkg/logging"
	"virtualfit/pkg/metrics"
	"virtualfit/pkg/queue"
	"virtualfit/pkg/server"
	"virtualfit/pkg/worker"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Fatal(slog.Default(), "failed to load config", err)
	}
	logger := logging.New(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	if err := cfg.Validate(config.RoleAPI); err != nil {
		logging.Fatal(logger, "invalid config", err)
	}

	st, closeStore, err := app.OpenStore(cfg, logger)
	if err != nil {
		logging.Fatal(logger, "failed to open job store", err, "backend", cfg.Store.Backend)
	}
	defer closeStore()

	m := metrics.New()

	var dispatcher worker.Dispatcher
	var pool *worker.Pool
	switch cfg.Queue.Backend {
	case "rabbitmq":
		mq, err := queue.NewRabbitMQ(cfg.Queue.RabbitMQURL)
		if err != nil {
			logging.Fatal(logger, "failed to connect to RabbitMQ", err)
		}
		defer mq.Close()
		if err := mq.DeclareQueue(cfg.Queue.Name); err != nil {
			logging.Fatal(logger, "failed to declare job queue", err, "queue", cfg.Queue.Name)
		}
		dispatcher = queue.NewDispatcher(mq, cfg.Queue.Name)
		logger.Info("dispatching jobs to RabbitMQ", "queue", cfg.Queue.Name)
	default:
		proc, closeProc, err := app.NewProcessor(cfg, afero.NewOsFs(), st, m, logger)
		if err != nil {
			logging.Fatal(logger, "failed to set up processor", err)
		}
		defer closeProc()
		pool = worker.NewPool(cfg.Worker.Concurrency, cfg.Worker.QueueSize, proc.Process, logger)
		pool.Start()
		dispatcher = pool
	}

	products := catalog.NewFileSource(afero.NewOsFs(), cfg.Catalog.Path)
	srv := server.New(st, dispatcher, products,
		server.WithLogger(logger),
		server.WithMetrics(m),
	)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("api server listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal(logger, "http server failed", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", logging.Err(err))
	}
	if pool != nil {
		pool.Stop()
	}
}
