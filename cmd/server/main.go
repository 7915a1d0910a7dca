// Command server runs the transaction gateway API: it accepts
// submissions, records their state, and enqueues posting work.
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

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/txn-gateway/internal/adapter/httpserver"
	"github.com/fairyhunter13/txn-gateway/internal/adapter/queue/redisqueue"
	"github.com/fairyhunter13/txn-gateway/internal/adapter/store/redisstore"
	"github.com/fairyhunter13/txn-gateway/internal/app"
	"github.com/fairyhunter13/txn-gateway/internal/config"
	"github.com/fairyhunter13/txn-gateway/internal/observability"
	"github.com/fairyhunter13/txn-gateway/internal/usecase"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", slog.Any("error", err))
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
		return fmt.Errorf("op=server.tracing: %w", err)
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
		return fmt.Errorf("op=server.redis: %w", err)
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

	srv := httpserver.NewServer(
		usecase.NewSubmitService(store, store, queue),
		usecase.NewStatusService(store),
		usecase.NewHealthService(store, queue),
	)
	router := app.NewRouter(cfg, srv, store, queue)

	sweeper := app.NewSweeper(store, store, queue, cfg.SweepPendingAge, cfg.SweepInterval)
	go sweeper.Run(ctx)

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", slog.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("op=server.listen: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down", slog.Duration("timeout", cfg.ServerShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("op=server.shutdown: %w", err)
	}
	return nil
}
