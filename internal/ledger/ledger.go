// Package ledger records which media has already been archived, keyed by
// content hash, so the same photo forwarded twice is uploaded once.
package ledger

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one archived upload.
type Entry struct {
	Hash      string
	Backend   string
	URL       string
	MimeType  string
	Size      int64
	CreatedAt time.Time
}

// Ledger is a SQLite-backed upload log.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the ledger database at path.
func Open(path string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create ledger directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open ledger: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := migrate(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger migration failed: %w", err)
	}
	return &Ledger{db: db, logger: logger}, nil
}

// Hash returns the hex sha256 of data, the key used by Lookup and Record.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Lookup returns the entry for hash on backend, or nil when it was never
// uploaded there.
func (l *Ledger) Lookup(ctx context.Context, hash, backend string) (*Entry, error) {
	var e Entry
	err := l.db.QueryRowContext(ctx,
		`SELECT hash, backend, url, mime_type, size, created_at FROM uploads WHERE hash = ? AND backend = ?`,
		hash, backend,
	).Scan(&e.Hash, &e.Backend, &e.URL, &e.MimeType, &e.Size, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", hash, err)
	}
	return &e, nil
}

// Record stores e, replacing any earlier upload of the same content.
func (l *Ledger) Record(ctx context.Context, e Entry) error {
	if e.Hash == "" || e.Backend == "" || e.URL == "" {
		return errors.New("ledger entry needs hash, backend and url")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO uploads (hash, backend, url, mime_type, size, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.Hash, e.Backend, e.URL, e.MimeType, e.Size, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record %s: %w", e.Hash, err)
	}
	l.logger.Debug("upload recorded", "backend", e.Backend, "hash", e.Hash[:min(12, len(e.Hash))])
	return nil
}

// Recent returns the newest uploads first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT hash, backend, url, mime_type, size, created_at FROM uploads ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Hash, &e.Backend, &e.URL, &e.MimeType, &e.Size, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the number of recorded uploads.
func (l *Ledger) Count(ctx context.Context) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM uploads`).Scan(&n)
	return n, err
}

// Ping checks the database is usable.
func (l *Ledger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// Snapshot writes a consistent copy of the database to dest, which must not
// exist yet. Safe while the ledger is in use.
func (l *Ledger) Snapshot(ctx context.Context, dest string) error {
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("snapshot target %s already exists", dest)
	}
	if _, err := l.db.ExecContext(ctx, `VACUUM INTO ?`, dest); err != nil {
		return fmt.Errorf("snapshot ledger: %w", err)
	}
	return nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}
