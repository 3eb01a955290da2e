// Package sqlite provides a SQLite-backed storage driver.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"

	"github.com/papercomputeco/chatproxy/pkg/storage/sqldriver"
)

const schema = `CREATE TABLE IF NOT EXISTS chats (
	id       TEXT PRIMARY KEY,
	model    TEXT NOT NULL,
	document TEXT NOT NULL
)`

// Dialect is the SQLite flavour of the shared SQL driver.
var Dialect = sqldriver.Dialect{
	Name:        "sqlite",
	Schema:      schema,
	Placeholder: func(int) string { return "?" },
}

// SQLiteDriver implements storage.Driver using SQLite via the shared SQL driver.
type SQLiteDriver struct {
	*sqldriver.Driver
}

// NewSQLiteDriver creates a new SQLite-backed driver.
// The dbPath can be a file path or ":memory:" for an in-memory database.
func NewSQLiteDriver(ctx context.Context, dbPath string, log *slog.Logger) (*SQLiteDriver, error) {
	// Open the database using the github.com/mattn/go-sqlite3 driver (registered as "sqlite3")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writers anyway, and every connection to ":memory:"
	// would otherwise get its own empty database.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	drv, err := sqldriver.New(ctx, db, Dialect, log)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteDriver{Driver: drv}, nil
}
