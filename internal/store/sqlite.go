package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"go.uber.org/zap"

	"github.com/contree/broker/internal/errs"
)

// SQLite is a Store backed by an embedded SQLite database in WAL mode.
// WAL lets readers proceed while a writer holds the lock, so cache
// lookups never wait on unrelated writes.
type SQLite struct {
	conn   *sql.DB
	path   string
	logger *zap.Logger
}

// OpenSQLite creates a new database connection at the specified path.
//
// If the database doesn't exist, it is created. The schema is not
// created until InitSchema is called; Open does both.
//
// The caller MUST call Close() when done to ensure proper cleanup.
//
// Example:
//
//	db, err := store.OpenSQLite("~/.cache/contree-broker/cache.db", logger)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func OpenSQLite(path string, logger *zap.Logger) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &SQLite{
		conn:   conn,
		path:   path,
		logger: logger,
	}

	// Enable WAL mode for concurrent reads
	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Set busy timeout to 5 seconds
	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := db.conn.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}

	return db, nil
}

// Path returns the database file path.
func (db *SQLite) Path() string {
	return db.path
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *SQLite) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		db.logger.Warn("failed to checkpoint WAL", zap.String("path", db.path), zap.Error(err))
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the entries table if it doesn't exist.
// This is idempotent - safe to call multiple times.
func (db *SQLite) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (db *SQLite) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS entries (
		bucket TEXT NOT NULL,
		key TEXT NOT NULL,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL, -- unix nanoseconds
		PRIMARY KEY (bucket, key)
	) WITHOUT ROWID;

	-- Pruning scans by age within a bucket
	CREATE INDEX IF NOT EXISTS idx_entries_age ON entries(bucket, updated_at);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// Get returns the record stored under bucket/key.
func (db *SQLite) Get(ctx context.Context, bucket, key string) (Record, error) {
	var rec Record
	var updatedAt int64

	row := db.conn.QueryRowContext(ctx,
		`SELECT key, value, updated_at FROM entries WHERE bucket = ? AND key = ?`, bucket, key)
	if err := row.Scan(&rec.Key, &rec.Value, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, errs.NotFound("%s/%s", bucket, key)
		}
		return Record{}, fmt.Errorf("failed to get %s/%s: %w", bucket, key, err)
	}
	rec.UpdatedAt = time.Unix(0, updatedAt)
	return rec, nil
}

// Put upserts a record.
func (db *SQLite) Put(ctx context.Context, bucket string, rec Record) error {
	rec = stamp(rec)
	query := `
	INSERT INTO entries (bucket, key, value, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(bucket, key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at
	`
	if _, err := db.conn.ExecContext(ctx, query, bucket, rec.Key, rec.Value, rec.UpdatedAt.UnixNano()); err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", bucket, rec.Key, err)
	}
	return nil
}

// PutIfAbsent inserts a record unless the key already exists.
func (db *SQLite) PutIfAbsent(ctx context.Context, bucket string, rec Record) (bool, error) {
	rec = stamp(rec)
	query := `
	INSERT INTO entries (bucket, key, value, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(bucket, key) DO NOTHING
	`
	res, err := db.conn.ExecContext(ctx, query, bucket, rec.Key, rec.Value, rec.UpdatedAt.UnixNano())
	if err != nil {
		return false, fmt.Errorf("failed to insert %s/%s: %w", bucket, rec.Key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// Delete removes a record. Returns nil if the record doesn't exist.
func (db *SQLite) Delete(ctx context.Context, bucket, key string) error {
	if _, err := db.conn.ExecContext(ctx,
		`DELETE FROM entries WHERE bucket = ? AND key = ?`, bucket, key); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", bucket, key, err)
	}
	return nil
}

// DeleteOlderThan removes records written before cutoff.
func (db *SQLite) DeleteOlderThan(ctx context.Context, bucket string, cutoff time.Time) (int, error) {
	res, err := db.conn.ExecContext(ctx,
		`DELETE FROM entries WHERE bucket = ? AND updated_at < ?`, bucket, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune %s: %w", bucket, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(n), nil
}

// Count returns the number of records in bucket.
func (db *SQLite) Count(ctx context.Context, bucket string) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries WHERE bucket = ?`, bucket).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", bucket, err)
	}
	return count, nil
}
