package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/askarbek/duraq"
	"github.com/askarbek/duraq/config"
	"github.com/askarbek/duraq/internal/domain"
	"github.com/askarbek/duraq/internal/engine"
	"github.com/askarbek/duraq/internal/health"
	ctxlog "github.com/askarbek/duraq/internal/log"
	"github.com/askarbek/duraq/internal/metrics"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := newLogger(cfg.Env, cfg.SlogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Register()

	client, err := duraq.Open(ctx, duraq.Options{
		DSN:               cfg.DatabaseDSN,
		PartitionKey:      cfg.PartitionKey,
		TablePrefix:       cfg.TablePrefix,
		MaxPayloadKiB:     cfg.MaxPayloadKiB,
		RescuerInterval:   time.Duration(cfg.RescuerIntervalMin) * time.Minute,
		RescueAfter:       time.Duration(cfg.StaleHorizonMin) * time.Minute,
		RescuerBatchSize:  cfg.RescuerBatchSize,
		RescuerRunOnStart: cfg.RescuerRunOnStart,
		RescuerDisabled:   cfg.RescuerDisabled,
		LeaderHeartbeat:   time.Duration(cfg.LeaderHeartbeatSec) * time.Second,
		LeaderLease:       time.Duration(cfg.LeaderLeaseSec) * time.Second,
		Logger:            logger,
	})
	if err != nil {
		log.Fatalf("open: %v", err)
	}

	logger.Info("db connected", "partition", cfg.PartitionKey)

	checker := health.NewChecker(client.DB(), logger, prometheus.DefaultRegisterer)

	if _, err := client.CreateQueue(ctx, "demo", duraq.QueueOptions{}); err != nil {
		log.Fatalf("create queue: %v", err)
	}
	if _, err := client.CreateQueue(ctx, "demo-sequential", duraq.QueueOptions{Sequential: true}); err != nil {
		log.Fatalf("create queue: %v", err)
	}
	for _, queue := range []string{"demo", "demo-sequential"} {
		if _, err := client.Work(ctx, queue, demoHandler(logger), duraq.WorkOptions{
			PollingBatchSize: 10,
		}); err != nil {
			log.Fatalf("work %s: %v", queue, err)
		}
	}

	metricsSrv := metrics.NewServer(":"+cfg.MetricsPort, checker)
	go func() {
		logger.Info("metrics server started", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()

	<-ctx.Done()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", "error", err)
	}
	if err := client.Close(shutdownCtx); err != nil {
		logger.Error("client close", "error", err)
	}

	logger.Info("worker shut down")
}

func newLogger(env string, level slog.Level) *slog.Logger {
	var handler slog.Handler
	if env == "local" {
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(ctxlog.NewContextHandler(handler))
}

func demoHandler(logger *slog.Logger) duraq.Handler {
	return func(ctx context.Context, jobs []*domain.Job, _ *engine.JobContext) error {
		for _, j := range jobs {
			logger.InfoContext(ctxlog.WithJobID(ctx, j.ID), "demo job handled",
				"name", j.Name, "payload_bytes", len(j.Payload), "attempt", j.Attempts+1)
		}
		return nil
	}
}
