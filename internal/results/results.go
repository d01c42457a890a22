// Package results stores terminal operation snapshots durably so that a
// finished operation can be answered without asking the backend again.
//
// Entries are written once. Old entries are pruned after a retention
// window; pruning piggybacks on writes instead of running on a timer.
package results

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/contree/broker/internal/errs"
	"github.com/contree/broker/internal/metrics"
	"github.com/contree/broker/internal/schema"
	"github.com/contree/broker/internal/store"
)

// Bucket is the store bucket holding results.
const Bucket = "results"

// Config configures a Cache.
type Config struct {
	// Retention is how long results are kept. Default: 30 days.
	Retention time.Duration

	// PruneInterval is the minimum time between opportunistic prunes.
	// Default: 1h.
	PruneInterval time.Duration

	// Now returns the current time. Default: time.Now.
	Now func() time.Time

	// Logger for cache warnings. Default: no-op.
	Logger *zap.Logger
}

// DefaultConfig returns the default retention settings.
func DefaultConfig() Config {
	return Config{
		Retention:     30 * 24 * time.Hour,
		PruneInterval: time.Hour,
	}
}

// Cache is the durable operation id -> terminal snapshot store.
type Cache struct {
	store         store.Store
	retention     time.Duration
	pruneInterval time.Duration
	now           func() time.Time
	logger        *zap.Logger

	mu        sync.Mutex
	lastPrune time.Time
}

// New returns a Cache over s.
func New(s store.Store, cfg Config) *Cache {
	def := DefaultConfig()
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = def.PruneInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Cache{
		store:         s,
		retention:     cfg.Retention,
		pruneInterval: cfg.PruneInterval,
		now:           cfg.Now,
		logger:        cfg.Logger,
	}
}

// Put stores a terminal operation under its id. A second Put for the same
// id is a no-op and reports false. Registry credentials are stripped from
// the stored request.
func (c *Cache) Put(ctx context.Context, op schema.Operation) (bool, error) {
	if !op.State.IsTerminal() {
		return false, fmt.Errorf("operation %s is %s, only terminal operations are cached", op.ID, op.State)
	}
	if op.Request != nil {
		red := op.Request.Redacted()
		op.Request = &red
	}
	value, err := op.MarshalBinary()
	if err != nil {
		return false, fmt.Errorf("failed to encode operation %s: %w", op.ID, err)
	}

	wrote, err := c.store.PutIfAbsent(ctx, Bucket, store.Record{Key: op.ID, Value: value, UpdatedAt: c.now()})
	if err != nil {
		return false, fmt.Errorf("failed to store result for %s: %w", op.ID, err)
	}

	c.maybePrune(ctx)
	return wrote, nil
}

// Get returns the stored snapshot for id. It never contacts the backend.
// A corrupt entry is reported as a miss.
func (c *Cache) Get(ctx context.Context, id string) (schema.Operation, bool) {
	rec, err := c.store.Get(ctx, Bucket, id)
	if err != nil {
		if !errors.Is(err, errs.ErrNotFound) {
			c.logger.Warn("result cache read failed, treating as miss", zap.String("operation", id), zap.Error(err))
		}
		metrics.RecordResultCacheLookup(false)
		return schema.Operation{}, false
	}

	var op schema.Operation
	if err := op.UnmarshalBinary(rec.Value); err != nil || op.ID != id || !op.State.IsTerminal() {
		c.logger.Warn("corrupt result cache entry, treating as miss", zap.String("operation", id))
		metrics.RecordResultCacheLookup(false)
		return schema.Operation{}, false
	}

	metrics.RecordResultCacheLookup(true)
	return op, true
}

// Prune deletes results stored before olderThan.
func (c *Cache) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	n, err := c.store.DeleteOlderThan(ctx, Bucket, olderThan)
	if err != nil {
		return 0, err
	}
	metrics.RecordPrune(Bucket, n)
	if n > 0 {
		c.logger.Info("pruned result cache", zap.Int("removed", n))
	}
	return n, nil
}

// maybePrune prunes past the retention window if PruneInterval has
// elapsed since the last prune.
func (c *Cache) maybePrune(ctx context.Context) {
	now := c.now()

	c.mu.Lock()
	if !c.lastPrune.IsZero() && now.Sub(c.lastPrune) < c.pruneInterval {
		c.mu.Unlock()
		return
	}
	c.lastPrune = now
	c.mu.Unlock()

	if _, err := c.Prune(ctx, now.Add(-c.retention)); err != nil {
		c.logger.Warn("result cache prune failed", zap.Error(err))
	}
}

// Len returns the number of stored results.
func (c *Cache) Len(ctx context.Context) (int, error) {
	return c.store.Count(ctx, Bucket)
}
