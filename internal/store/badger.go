package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/contree/broker/internal/errs"
)

// BadgerConfig configures the Badger store.
type BadgerConfig struct {
	// Path is the database directory. Required unless InMemory.
	Path string

	// InMemory keeps everything in memory. Useful for tests.
	InMemory bool

	// SyncWrites fsyncs every commit. Cache contents can always be
	// recomputed, so the default is false.
	SyncWrites bool

	// Logger receives Badger's internal log output. Default: discarded.
	Logger *zap.Logger

	// GCInterval is how often value-log GC runs. 0 disables it.
	GCInterval time.Duration

	// GCDiscardRatio is passed to RunValueLogGC.
	GCDiscardRatio float64
}

// DefaultBadgerConfig returns defaults for an on-disk cache.
func DefaultBadgerConfig() BadgerConfig {
	return BadgerConfig{
		GCInterval:     10 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// badgerLogger adapts zap to Badger's Logger interface.
type badgerLogger struct {
	logger *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf(format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warnf(format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}

// Badger is a Store backed by a Badger LSM database. Keys are
// "bucket\x00key"; values are an 8-byte big-endian write time followed by
// the payload.
type Badger struct {
	db     *badger.DB
	logger *zap.Logger
	stopGC chan struct{}
	gcDone chan struct{}
}

// OpenBadger opens (or creates) a Badger store.
func OpenBadger(cfg BadgerConfig) (*Badger, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: cfg.Logger.Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	b := &Badger{db: db, logger: cfg.Logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		b.stopGC = make(chan struct{})
		b.gcDone = make(chan struct{})
		go b.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return b, nil
}

func (b *Badger) runGC(interval time.Duration, ratio float64) {
	defer close(b.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopGC:
			return
		case <-ticker.C:
			if err := b.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				b.logger.Warn("badger value log GC failed", zap.Error(err))
			}
		}
	}
}

// Close stops GC and closes the database.
func (b *Badger) Close() error {
	if b.stopGC != nil {
		close(b.stopGC)
		<-b.gcDone
		b.stopGC = nil
	}
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func badgerKey(bucket, key string) []byte {
	k := make([]byte, 0, len(bucket)+1+len(key))
	k = append(k, bucket...)
	k = append(k, 0)
	return append(k, key...)
}

func badgerPrefix(bucket string) []byte {
	return append([]byte(bucket), 0)
}

func encodeValue(rec Record) []byte {
	v := make([]byte, 8+len(rec.Value))
	binary.BigEndian.PutUint64(v, uint64(rec.UpdatedAt.UnixNano()))
	copy(v[8:], rec.Value)
	return v
}

func decodeValue(key string, v []byte) (Record, error) {
	if len(v) < 8 {
		return Record{}, fmt.Errorf("corrupt record %q: %d bytes", key, len(v))
	}
	return Record{
		Key:       key,
		UpdatedAt: time.Unix(0, int64(binary.BigEndian.Uint64(v))),
		Value:     append([]byte(nil), v[8:]...),
	}, nil
}

// Get returns the record stored under bucket/key.
func (b *Badger) Get(ctx context.Context, bucket, key string) (Record, error) {
	var rec Record
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(bucket, key))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			rec, err = decodeValue(key, v)
			return err
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Record{}, errs.NotFound("%s/%s", bucket, key)
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to get %s/%s: %w", bucket, key, err)
	}
	return rec, nil
}

// Put upserts a record.
func (b *Badger) Put(ctx context.Context, bucket string, rec Record) error {
	rec = stamp(rec)
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(bucket, rec.Key), encodeValue(rec))
	})
	if err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", bucket, rec.Key, err)
	}
	return nil
}

// PutIfAbsent writes rec unless its key exists. Transaction conflicts
// with a concurrent writer are retried, after which the key exists.
func (b *Badger) PutIfAbsent(ctx context.Context, bucket string, rec Record) (bool, error) {
	rec = stamp(rec)
	key := badgerKey(bucket, rec.Key)

	for attempt := 0; attempt < 3; attempt++ {
		wrote := false
		err := b.db.Update(func(txn *badger.Txn) error {
			_, err := txn.Get(key)
			if err == nil {
				return nil
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			wrote = true
			return txn.Set(key, encodeValue(rec))
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("failed to insert %s/%s: %w", bucket, rec.Key, err)
		}
		return wrote, nil
	}
	return false, nil
}

// Delete removes a record. Returns nil if the record doesn't exist.
func (b *Badger) Delete(ctx context.Context, bucket, key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(badgerKey(bucket, key))
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", bucket, key, err)
	}
	return nil
}

// DeleteOlderThan removes records written before cutoff. Candidates are
// collected in a read transaction and removed with a write batch so a
// large prune never exceeds Badger's transaction size limit.
func (b *Badger) DeleteOlderThan(ctx context.Context, bucket string, cutoff time.Time) (int, error) {
	var stale [][]byte
	limit := uint64(cutoff.UnixNano())

	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: badgerPrefix(bucket)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			err := item.Value(func(v []byte) error {
				if len(v) < 8 || binary.BigEndian.Uint64(v) < limit {
					stale = append(stale, item.KeyCopy(nil))
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan %s: %w", bucket, err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range stale {
		if err := wb.Delete(k); err != nil {
			return 0, fmt.Errorf("failed to prune %s: %w", bucket, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("failed to prune %s: %w", bucket, err)
	}
	return len(stale), nil
}

// Count returns the number of records in bucket.
func (b *Badger) Count(ctx context.Context, bucket string) (int, error) {
	count := 0
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = badgerPrefix(bucket)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", bucket, err)
	}
	return count, nil
}
