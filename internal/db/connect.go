// Package db owns maxrelay's embedded SQLite handle and schema migrations.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"maxrelay/internal/config"
	"maxrelay/internal/logging"

	"github.com/pressly/goose/v3"
)

const (
	DBPingTimeout      = 10 * time.Second
	DBPragmaTimeout    = 10 * time.Second
	DBMigrationTimeout = 5 * time.Minute
)

// Connect opens (creating if necessary) the SQLite database in the
// configured data directory and brings its schema up to date.
func Connect(ctx context.Context) (*sql.DB, error) {
	dataDir := config.Get().DataDir
	if dataDir == "" {
		return nil, fmt.Errorf("data dir is not set")
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "maxrelay.db")

	conn, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, DBPingTimeout)
	defer cancel()
	if err = conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// A single-file database serving a concurrent request handler needs one
	// writer at a time; the pool is capped at one connection, so reads and
	// writes alike are serialized through it.
	conn.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA synchronous = NORMAL;",
	}
	for _, pragma := range pragmas {
		pragmaCtx, cancel := context.WithTimeout(ctx, DBPragmaTimeout)
		if _, err = conn.ExecContext(pragmaCtx, pragma); err != nil {
			logging.Error("failed to set pragma", "pragma", pragma, "error", err)
		}
		cancel()
	}

	if err := migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}

	return conn, nil
}

func migrate(ctx context.Context, conn *sql.DB) error {
	goose.SetBaseFS(FS)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set dialect: %w", err)
	}

	migrationCtx, cancel := context.WithTimeout(ctx, DBMigrationTimeout)
	defer cancel()
	if err := goose.UpContext(migrationCtx, conn, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// SetupTestDatabase applies migrations to an already-open connection, for
// tests that open an in-memory database directly.
func SetupTestDatabase(ctx context.Context, conn *sql.DB) error {
	return migrate(ctx, conn)
}
