// Package main applies the SQL migrations in db/migrations.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/archon-research/liquidator/db/migrator"
	"github.com/archon-research/liquidator/internal/adapters/outbound/postgres"
	"github.com/archon-research/liquidator/internal/pkg/env"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	_ = godotenv.Load(".env.local")
	_ = godotenv.Load(".env")

	if err := run(ctx, os.Args[1:]); err != nil {
		slog.Error("migration failed", "error", err)
		os.Exit(1)
	}
}

type cliConfig struct {
	dbURL string
	dir   string
	list  bool
}

func parseConfig(args []string) (cliConfig, error) {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	dbURL := fs.String("db", "", "PostgreSQL connection URL")
	dir := fs.String("dir", "./db/migrations", "Directory holding the .sql files")
	list := fs.Bool("list", false, "List applied migrations after applying")
	if err := fs.Parse(args); err != nil {
		return cliConfig{}, err
	}

	cfg := cliConfig{dbURL: *dbURL, dir: *dir, list: *list}
	if cfg.dbURL == "" {
		cfg.dbURL = env.Get("DATABASE_URL", "")
	}
	if cfg.dbURL == "" {
		return cliConfig{}, fmt.Errorf("database URL not provided (use -db flag or DATABASE_URL env var)")
	}
	return cfg, nil
}

func run(ctx context.Context, args []string) error {
	cfg, err := parseConfig(args)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: env.ParseLogLevel(slog.LevelInfo),
	}))
	slog.SetDefault(logger)

	dbConfig := postgres.DefaultDBConfig(cfg.dbURL)
	dbConfig.MinConns = 1
	pool, err := postgres.OpenPool(ctx, dbConfig)
	if err != nil {
		return err
	}
	defer pool.Close()

	m := migrator.New(pool, cfg.dir, logger)
	if err := m.ApplyAll(ctx); err != nil {
		return err
	}

	if cfg.list {
		applied, err := m.ListApplied(ctx)
		if err != nil {
			return fmt.Errorf("listing applied migrations: %w", err)
		}
		for _, name := range applied {
			logger.Info("applied", "file", name)
		}
	}

	logger.Info("all migrations up to date")
	return nil
}
