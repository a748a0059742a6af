// Command migrate applies the relational schema migrations and exits.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/fairyhunter13/user-topic-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/user-topic-pipeline/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/user-topic-pipeline/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	if err := postgres.Migrate(ctx, pool); err != nil {
		slog.Error("migration failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("migrations applied")
}
