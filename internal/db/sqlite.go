package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/fx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// OpenSQLite opens (or creates) the embedded SQLite database at path.
// ":memory:" is accepted and never touches the filesystem.
func OpenSQLite(path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("[DATABASE] failed to create sqlite directory: %w", err)
		}
	}

	// WAL allows concurrent readers alongside one writer; busy_timeout retries
	// for up to 5 s on lock contention.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("[DATABASE] failed to open sqlite %q: %w", path, err)
	}
	// One connection: serialises writes and keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)

	return db, nil
}

// NewSQLite opens the SQLite database and ties its lifetime to the fx lifecycle
func NewSQLite(lc fx.Lifecycle, logger *zap.Logger, path string) (*sql.DB, error) {
	logger.Info("opening sqlite database", zap.String("path", path))

	db, err := OpenSQLite(path)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := db.PingContext(ctx); err != nil {
				return fmt.Errorf("[DATABASE CONNECTION FAILED] cannot open sqlite database %q: %w", path, err)
			}
			logger.Info("sqlite database ready")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := db.Close(); err != nil {
				logger.Error("failed to close sqlite database", zap.Error(err))
				return err
			}
			logger.Info("sqlite database closed")
			return nil
		},
	})

	return db, nil
}
