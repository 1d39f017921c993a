// Package migrations embeds the goose migrations of the local session
// database.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed *.sql
var Migrations embed.FS

// Up applies every pending migration to db, a modernc.org/sqlite handle.
func Up(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(Migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
