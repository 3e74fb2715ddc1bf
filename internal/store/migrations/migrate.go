// Package migrations embeds and applies the store's goose-managed SQL
// schema migrations.
package migrations

import (
	"database/sql"
	"embed"

	"github.com/pressly/goose/v3"

	"github.com/quantlayer/position-loader/internal/errors"
)

//go:embed *.sql
var files embed.FS

// Up applies every pending migration to db.
func Up(db *sql.DB) error {
	goose.SetBaseFS(files)
	if err := goose.SetDialect("postgres"); err != nil {
		return errors.FailedToWithDetails("set migration dialect", "migrations", "postgres", err)
	}
	if err := goose.Up(db, "."); err != nil {
		return errors.DatabaseError("apply migrations", err)
	}
	return nil
}
