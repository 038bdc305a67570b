// Command migrate manages the relayer's Postgres schema (commitment records,
// payout checkpoint and dispatch intents) with goose.
//
// Usage:
//
//	migrate up                 apply all pending migrations
//	migrate down               roll back the last migration
//	migrate status             list applied and pending migrations
//	migrate version            print the current schema version
//	migrate redo               roll back and re-apply the last migration
//	migrate up-to <version>
//	migrate down-to <version>
//
// DATABASE_URL is read from the environment or a .env file. Migrations are
// embedded in the binary.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/zkmarket/relayer/internal/logging"
	"github.com/zkmarket/relayer/migrations"
)

func main() {
	_ = godotenv.Load()
	logger := logging.New(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: migrate <up|down|status|version|redo|up-to N|down-to N>")
		os.Exit(2)
	}
	command, args := os.Args[1], os.Args[2:]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, command, args); err != nil {
		logger.Error("migration failed", "command", command, "error", err)
		stop()
		os.Exit(1)
	}
	logger.Info("migration finished", "command", command)
}

func run(ctx context.Context, command string, args []string) error {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return errors.New("DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	if err := migrations.Setup(); err != nil {
		return fmt.Errorf("configure goose: %w", err)
	}
	return goose.RunContext(ctx, command, db, migrations.Dir, args...)
}
