// Package store provides the durable key/value storage shared by the
// broker's local caches.
//
// Every cache owns a bucket. Records carry the time they were last
// written so that caches can expire and prune them by age:
//
//	files    (path, mtime, size) -> content hash     LocalFileCache
//	content  hash -> confirmed-on-server marker      ContentAddressStore
//	results  operation id -> terminal operation      ResultCache
//	lineage  image -> parent image                   image lineage
//
// Three implementations exist: SQLite (the default, one WAL-mode file),
// Badger (an LSM directory, for large caches) and Memory (tests and
// throwaway sessions). Open selects one from a Config.
//
// Lifecycle: a store is opened once at process start, its schema is
// created on first open, caches prune it explicitly, and it is closed on
// shutdown. Nothing in this package runs in the background except the
// Badger value-log GC.
package store

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Record is a stored value and the time it was written.
type Record struct {
	Key       string
	Value     []byte
	UpdatedAt time.Time
}

// Store is a bucketed key/value store with write timestamps.
//
// Implementations are safe for concurrent use. Get returns an error
// wrapping errs.ErrNotFound for a missing key.
type Store interface {
	// Get returns the record stored under bucket/key.
	Get(ctx context.Context, bucket, key string) (Record, error)

	// Put upserts a record. A zero UpdatedAt is replaced by the current
	// time.
	Put(ctx context.Context, bucket string, rec Record) error

	// PutIfAbsent writes rec only when no record exists for its key and
	// reports whether it wrote.
	PutIfAbsent(ctx context.Context, bucket string, rec Record) (bool, error)

	// Delete removes a record. Deleting a missing key is not an error.
	Delete(ctx context.Context, bucket, key string) error

	// DeleteOlderThan removes every record in bucket written before
	// cutoff and returns how many were removed.
	DeleteOlderThan(ctx context.Context, bucket string, cutoff time.Time) (int, error)

	// Count returns the number of records in bucket.
	Count(ctx context.Context, bucket string) (int, error)

	// Close releases the underlying resources.
	Close() error
}

// Driver names a store implementation.
type Driver string

const (
	DriverSQLite Driver = "sqlite"
	DriverBadger Driver = "badger"
	DriverMemory Driver = "memory"
)

// Config selects and configures a store.
type Config struct {
	// Driver is the implementation to use. Default: sqlite.
	Driver Driver

	// Path is the SQLite database file or the Badger directory.
	// Ignored by the memory driver.
	Path string

	// Logger receives warnings. Default: no-op.
	Logger *zap.Logger
}

// Open opens the configured store and initializes its schema.
func Open(ctx context.Context, cfg Config) (Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	switch cfg.Driver {
	case "", DriverSQLite:
		db, err := OpenSQLite(cfg.Path, cfg.Logger)
		if err != nil {
			return nil, err
		}
		if err := db.InitSchemaContext(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		return db, nil
	case DriverBadger:
		bcfg := DefaultBadgerConfig()
		bcfg.Path = cfg.Path
		bcfg.Logger = cfg.Logger
		return OpenBadger(bcfg)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func stamp(rec Record) Record {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	return rec
}
