package store

import (
	"database/sql"

	"github.com/pressly/goose/v3"

	assets "github.com/haatos/runflow"
	"github.com/haatos/runflow/internal"
)

func RunMigrations(db *sql.DB) error {
	goose.SetBaseFS(assets.MigrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite"); err != nil {
		return err
	}
	return goose.Up(db, internal.MigrationsDir)
}
