// Package migrate applies the embedded SQL migrations of the postgres session backend.
package migrate

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"

	"github.com/and161185/shepherd/migrations"
)

// VersionTable records applied migrations. It is separate from goose's default
// table because the session tables may live in a database owned by another app.
const VersionTable = "shepherd_schema_version"

// Up applies every pending migration.
func Up(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	p, err := newProvider(db)
	if err != nil {
		_ = db.Close()
		return err
	}
	defer p.Close()

	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

func newProvider(db *sql.DB) (*goose.Provider, error) {
	store, err := database.NewStore(database.DialectPostgres, VersionTable)
	if err != nil {
		return nil, err
	}
	return goose.NewProvider("", db, migrations.FS, goose.WithStore(store))
}
