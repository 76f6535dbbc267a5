package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// migration is one schema step; the database's PRAGMA user_version holds the
// last applied step.
type migration struct {
	version int
	name    string
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "uploads keyed by content hash and backend",
		stmts: []string{`
			CREATE TABLE IF NOT EXISTS uploads (
				hash       TEXT NOT NULL,
				backend    TEXT NOT NULL,
				url        TEXT NOT NULL,
				mime_type  TEXT NOT NULL DEFAULT '',
				size       INTEGER NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				PRIMARY KEY (hash, backend)
			)`,
		},
	},
	{
		version: 2,
		name:    "upload time index",
		stmts:   []string{`CREATE INDEX IF NOT EXISTS idx_uploads_time ON uploads(created_at)`},
	},
}

// migrate brings the schema up to the latest version. Each step runs in its
// own transaction together with the user_version bump.
func migrate(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	var current int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	latest := migrations[len(migrations)-1].version
	if current > latest {
		return fmt.Errorf("ledger schema v%d is newer than this build (v%d)", current, latest)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		logger.Info("migrating archive ledger", "version", m.version, "step", m.name)
		if err := apply(ctx, db, m); err != nil {
			return fmt.Errorf("migration v%d (%s): %w", m.version, m.name, err)
		}
	}
	return nil
}

func apply(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range m.stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	// PRAGMA does not accept bound parameters.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
		return err
	}
	return tx.Commit()
}
