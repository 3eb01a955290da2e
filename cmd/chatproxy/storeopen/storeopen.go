// Package storeopen builds the configured storage.Driver for commands that
// need one.
package storeopen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/papercomputeco/chatproxy/pkg/config"
	"github.com/papercomputeco/chatproxy/pkg/dotdir"
	"github.com/papercomputeco/chatproxy/pkg/storage"
	"github.com/papercomputeco/chatproxy/pkg/storage/filestore"
	"github.com/papercomputeco/chatproxy/pkg/storage/inmemory"
	"github.com/papercomputeco/chatproxy/pkg/storage/postgres"
	"github.com/papercomputeco/chatproxy/pkg/storage/sqlite"
)

const sqliteFile = "chatproxy.db"

// Open returns the driver selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StorageConfig, log *slog.Logger) (storage.Driver, error) {
	switch cfg.Driver {
	case config.StorageFile, "":
		driver, err := filestore.NewDriver(cfg.ChatsDir, log)
		if err != nil {
			return nil, fmt.Errorf("failed to open chats directory: %w", err)
		}
		log.Info("using file storage", "dir", driver.Dir())
		return driver, nil

	case config.StorageMemory:
		log.Info("using in-memory storage")
		return inmemory.NewDriver(), nil

	case config.StorageSQLite:
		path, err := ResolveSQLitePath(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		driver, err := sqlite.NewSQLiteDriver(ctx, path, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create SQLite driver: %w", err)
		}
		log.Info("using SQLite storage", "path", path)
		return driver, nil

	case config.StoragePostgres:
		if cfg.PostgresDSN == "" {
			return nil, errors.New("storage.postgres_dsn is required for the postgres driver")
		}
		driver, err := postgres.NewDriver(ctx, cfg.PostgresDSN, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create PostgreSQL driver: %w", err)
		}
		log.Info("using PostgreSQL storage")
		return driver, nil

	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// ResolveSQLitePath picks the database file: the override, then the first
// existing candidate, then chatproxy.db in the home .chatproxy/ directory.
func ResolveSQLitePath(override string) (string, error) {
	if override = strings.TrimSpace(override); override != "" {
		return override, nil
	}

	candidates := sqliteCandidates()
	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not locate a SQLite database; pass --sqlite: %w", err)
	}
	return filepath.Join(home, dotdir.DirName, sqliteFile), nil
}

func sqliteCandidates() []string {
	candidates := []string{
		sqliteFile,
		filepath.Join(dotdir.DirName, sqliteFile),
	}

	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, dotdir.DirName, sqliteFile))
	}

	if xdgHome := strings.TrimSpace(os.Getenv("XDG_DATA_HOME")); xdgHome != "" {
		candidates = append([]string{filepath.Join(xdgHome, "chatproxy", sqliteFile)}, candidates...)
	}

	return candidates
}
