package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	// Import the PostgreSQL driver.
	_ "github.com/lib/pq"

	"github.com/guildseer/guildseer/internal/profile"
	"github.com/guildseer/guildseer/store"
)

//go:embed schema.sql
var schema string

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens a PostgreSQL database from the profile DSN.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile.DSN == "" {
		return nil, fmt.Errorf("dsn required")
	}

	pgDB, err := sql.Open("postgres", profile.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	pgDB.SetMaxOpenConns(10)
	pgDB.SetMaxIdleConns(5)
	pgDB.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := pgDB.PingContext(ctx); err != nil {
		_ = pgDB.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	driver := DB{db: pgDB, profile: profile}

	return &driver, nil
}

func (d *DB) GetDB() *sql.DB {
	return d.db
}

// Migrate applies the embedded schema. Statements are IF NOT EXISTS, so the
// call is idempotent.
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (d *DB) Close() error {
	return d.db.Close()
}
