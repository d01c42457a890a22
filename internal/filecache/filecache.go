// Package filecache memoizes content hashes of local files keyed by
// (path, mtime, size), so unchanged files are never read twice.
//
// The cache is never a source of truth. An entry is used only when the
// file's mtime (to the nanosecond) and size both match what was recorded;
// any mismatch, decode failure or store error is reported as a miss and
// the caller recomputes the hash.
package filecache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/contree/broker/internal/errs"
	"github.com/contree/broker/internal/metrics"
	"github.com/contree/broker/internal/schema"
	"github.com/contree/broker/internal/store"
)

// Bucket is the store bucket holding file cache entries.
const Bucket = "files"

// TouchInterval is how stale an entry's write time may get before a hit
// rewrites it. Retention counts from the last hit, not the last hash.
const TouchInterval = 24 * time.Hour

// entry is the stored value for one path.
type entry struct {
	MTimeNS int64  `json:"mtime_ns"`
	Size    int64  `json:"size"`
	Hash    string `json:"sha256"`
}

// Cache is the local (path, mtime, size) -> hash memo.
type Cache struct {
	store  store.Store
	locks  *store.KeyLock
	logger *zap.Logger
}

// New returns a Cache over s. A nil logger discards logs.
func New(s store.Store, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		store:  s,
		locks:  store.NewKeyLock(64),
		logger: logger,
	}
}

// Lookup returns the recorded hash for path if the recorded mtime and
// size match exactly.
func (c *Cache) Lookup(ctx context.Context, path string, mtime time.Time, size int64) (string, bool) {
	rec, err := c.store.Get(ctx, Bucket, path)
	if err != nil {
		if !errors.Is(err, errs.ErrNotFound) {
			c.logger.Warn("file cache read failed, treating as miss", zap.String("path", path), zap.Error(err))
		}
		metrics.RecordFileCacheLookup(false)
		return "", false
	}

	var e entry
	if err := json.Unmarshal(rec.Value, &e); err != nil || !schema.IsValidHash(e.Hash) {
		c.logger.Warn("corrupt file cache entry, treating as miss", zap.String("path", path))
		metrics.RecordFileCacheLookup(false)
		return "", false
	}

	if e.MTimeNS != mtime.UnixNano() || e.Size != size {
		metrics.RecordFileCacheLookup(false)
		return "", false
	}

	metrics.RecordFileCacheLookup(true)
	if time.Since(rec.UpdatedAt) > TouchInterval {
		c.touch(ctx, path, rec.Value)
	}
	return e.Hash, true
}

// touch rewrites an entry with a fresh write time, unless it changed since
// it was read.
func (c *Cache) touch(ctx context.Context, path string, value []byte) {
	defer c.locks.Lock(path)()
	cur, err := c.store.Get(ctx, Bucket, path)
	if err != nil || !bytes.Equal(cur.Value, value) {
		return
	}
	if err := c.store.Put(ctx, Bucket, store.Record{Key: path, Value: cur.Value}); err != nil {
		c.logger.Debug("failed to refresh file cache entry", zap.String("path", path), zap.Error(err))
	}
}

// Record upserts the hash for path. Writers to the same path are
// serialized; a failed write is logged and otherwise ignored, since the
// only cost is recomputing the hash next time.
func (c *Cache) Record(ctx context.Context, path string, mtime time.Time, size int64, hash string) {
	value, err := json.Marshal(entry{MTimeNS: mtime.UnixNano(), Size: size, Hash: hash})
	if err != nil {
		return
	}

	defer c.locks.Lock(path)()
	if err := c.store.Put(ctx, Bucket, store.Record{Key: path, Value: value}); err != nil {
		c.logger.Warn("failed to record file hash", zap.String("path", path), zap.Error(err))
	}
}

// Prune removes entries neither written nor hit since olderThan.
func (c *Cache) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	n, err := c.store.DeleteOlderThan(ctx, Bucket, olderThan)
	if err != nil {
		return 0, err
	}
	metrics.RecordPrune(Bucket, n)
	return n, nil
}

// Len returns the number of cached entries.
func (c *Cache) Len(ctx context.Context) (int, error) {
	return c.store.Count(ctx, Bucket)
}
