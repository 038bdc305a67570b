// Package migrations embeds the goose SQL migrations so the relayer binary,
// cmd/migrate and integration tests all apply the same schema.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"
)

// FS holds every *.sql migration in this directory.
//
//go:embed *.sql
var FS embed.FS

// Dir is the migrations directory inside FS.
const Dir = "."

var setupOnce sync.Once

// Setup points goose at the embedded migrations. goose keeps this as
// package state, so it is done once per process.
func Setup() error {
	var err error
	setupOnce.Do(func() {
		goose.SetBaseFS(FS)
		err = goose.SetDialect("postgres")
	})
	return err
}

// Up applies every pending migration.
func Up(ctx context.Context, db *sql.DB) error {
	if err := Setup(); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	if err := goose.UpContext(ctx, db, Dir); err != nil {
		return fmt.Errorf("migrations: up: %w", err)
	}
	return nil
}
