// Command apiserver serves the read-only (topic -> users) query API.
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

	"github.com/fairyhunter13/user-topic-pipeline/internal/adapter/broker/redisbroker"
	httpserver "github.com/fairyhunter13/user-topic-pipeline/internal/adapter/httpserver"
	"github.com/fairyhunter13/user-topic-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/user-topic-pipeline/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/user-topic-pipeline/internal/app"
	"github.com/fairyhunter13/user-topic-pipeline/internal/config"
	"github.com/fairyhunter13/user-topic-pipeline/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	store := postgres.NewStore(pool)

	broker := redisbroker.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer func() { _ = broker.Close() }()
	if err := broker.Ping(ctx); err != nil {
		slog.Error("broker connect failed", slog.Any("error", err))
		os.Exit(1)
	}

	srv := httpserver.NewServer(
		usecase.NewTopicService(store),
		usecase.NewOpsService(broker),
		store,
		broker,
	)

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      app.BuildRouter(cfg, srv),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("api server listening", slog.Int("port", cfg.Port))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown failed", slog.Any("error", err))
			os.Exit(1)
		}
		slog.Info("api server stopped")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", slog.Any("error", err))
			os.Exit(1)
		}
	}
}
