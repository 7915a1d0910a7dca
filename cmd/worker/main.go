// Command worker runs the posting workers: it reserves queued
// transactions and drives each one through the idempotent posting
// protocol against the downstream service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/txn-gateway/internal/adapter/posting"
	"github.com/fairyhunter13/txn-gateway/internal/adapter/queue/redisqueue"
	"github.com/fairyhunter13/txn-gateway/internal/adapter/store/redisstore"
	"github.com/fairyhunter13/txn-gateway/internal/app"
	"github.com/fairyhunter13/txn-gateway/internal/config"
	"github.com/fairyhunter13/txn-gateway/internal/observability"
	"github.com/fairyhunter13/txn-gateway/internal/worker"
)

func main() {
	if err := run(); err != nil {
		slog.Error("worker exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.SetDefault(observability.SetupLogger(cfg))
	observability.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(cfg)
	if err != nil {
		return fmt.Errorf("op=worker.tracing: %w", err)
	}
	if shutdownTracing != nil {
		defer func() { _ = shutdownTracing(context.Background()) }()
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
	})
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("op=worker.redis: %w", err)
	}

	store := redisstore.New(rdb, cfg.StateTTL)
	queue := redisqueue.New(rdb, cfg.QueueName, redisqueue.Options{
		MaxAttempts:          cfg.MaxRetries,
		LeaseTimeout:         cfg.LeaseTimeout,
		BaseDelay:            cfg.RetryBaseDelay,
		CompletedRetention:   cfg.CompletedRetention,
		CompletedRetainCount: cfg.CompletedRetainCount,
		FailedRetention:      cfg.FailedRetention,
	})

	var postingOpts []posting.Option
	if cfg.PostingAuthHeader != "" {
		postingOpts = append(postingOpts, posting.WithAuthHeader(cfg.PostingAuthHeader))
	}
	client := posting.New(cfg.PostingURL, cfg.PostingTimeout, postingOpts...)

	proc := worker.NewProcessor(store, client, cfg.RetryBaseDelay, cfg.MaxRetries)
	pool := worker.NewPool(queue, proc, cfg.WorkerConcurrency, cfg.PollInterval)

	go app.NewMaintenance(queue, cfg.MaintenanceInterval).Run(ctx)

	// Metrics and probe listener for the worker process.
	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler: metricsMux(rdb),
	}
	go func() {
		slog.Info("metrics listening", slog.String("addr", metricsSrv.Addr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics listener failed", slog.Any("error", err))
		}
	}()
	defer func() { _ = metricsSrv.Shutdown(context.Background()) }()

	pool.Run(ctx)
	return nil
}

func metricsMux(rdb redis.UniversalClient) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := rdb.Ping(r.Context()).Err(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}
