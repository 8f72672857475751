package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/sqlapi/sqlapi/internal/config"
	"github.com/sqlapi/sqlapi/internal/migrations"
	"github.com/sqlapi/sqlapi/internal/query/postgres"
)

const migrateTimeout = 30 * time.Second

func main() {
	action := flag.String("direction", "up", "one of up, down or status")
	steps := flag.Int("steps", 0, "migrations to apply or roll back (up: 0 applies all, down: 0 rolls back one)")
	flag.Parse()

	cfg, err := config.LoadFromEnv("sqlapi-migrate")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	if err := run(cfg, *action, *steps, os.Stdout); err != nil {
		slog.Error("migration failed", slog.String("direction", *action), slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg config.Config, action string, steps int, out io.Writer) error {
	if cfg.Batch.JobStoreDSN == "" {
		return errors.New("SQLAPI_JOBSTORE_DSN is required")
	}
	if action != "up" && action != "down" && action != "status" {
		return fmt.Errorf("unknown direction %q", action)
	}

	ctx, cancel := context.WithTimeout(context.Background(), migrateTimeout)
	defer cancel()

	db, err := postgres.Open(ctx, postgres.DBConfig{DSN: cfg.Batch.JobStoreDSN, ApplicationName: "sqlapi-migrate"})
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer func() { _ = db.Close() }()

	runner := migrations.NewRunner()
	switch action {
	case "up":
		n, err := runner.Up(ctx, db, steps)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "applied %d migration(s)\n", n)
		return err
	case "down":
		n, err := runner.Down(ctx, db, steps)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "rolled back %d migration(s)\n", n)
		return err
	default:
		status, err := runner.Status(ctx, db)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "applied: %v\npending: %v\n", status.Applied, status.Pending)
		return err
	}
}
