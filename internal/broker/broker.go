// Package broker assembles the store, caches, backend, sync planner and
// operation tracker from a Config. It is what the CLI opens once per
// process.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/contree/broker/internal/backend"
	_ "github.com/contree/broker/internal/backend/httpapi" // registers "http"
	_ "github.com/contree/broker/internal/backend/memory"  // registers "memory"
	"github.com/contree/broker/internal/cas"
	"github.com/contree/broker/internal/config"
	"github.com/contree/broker/internal/filecache"
	"github.com/contree/broker/internal/lineage"
	"github.com/contree/broker/internal/operation"
	"github.com/contree/broker/internal/results"
	"github.com/contree/broker/internal/retry"
	"github.com/contree/broker/internal/schema"
	"github.com/contree/broker/internal/store"
	"github.com/contree/broker/internal/syncer"
)

// Broker owns every long-lived component of a session.
type Broker struct {
	Config   config.Config
	Store    store.Store
	Backend  backend.Backend
	Files    *filecache.Cache
	Content  *cas.Store
	Results  *results.Cache
	Lineage  *lineage.Store
	Planner  syncer.Planner
	Tracker  *operation.Tracker
	Degraded bool       // the configured store could not be opened
	Pruned   PruneStats // entries dropped by the retention prune at open

	logger    *zap.Logger
	observers *fanout
	closeOnce sync.Once
}

// Open builds a Broker from cfg.
//
// When the configured store cannot be opened the broker falls back to an
// in-memory store and sets Degraded: syncs still work, but nothing is
// cached across processes. The backend is wrapped in backend.Retrying.
func Open(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Broker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	raw, err := backend.Open(backend.Kind(cfg.Backend.Kind), backend.Options{
		URL:               cfg.Backend.URL,
		Token:             cfg.Backend.Token,
		Timeout:           cfg.Backend.Timeout,
		RequestsPerSecond: cfg.Backend.RequestsPerSecond,
		Burst:             cfg.Backend.Burst,
		Logger:            logger.Named("backend"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open backend: %w", err)
	}
	return New(ctx, cfg, raw, logger), nil
}

// New builds a Broker around an already constructed backend.
func New(ctx context.Context, cfg config.Config, raw backend.Backend, logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &Broker{Config: cfg, logger: logger, observers: &fanout{}}

	db, err := store.Open(ctx, store.Config{
		Driver: store.Driver(cfg.Store.Driver),
		Path:   cfg.Store.Path,
		Logger: logger.Named("store"),
	})
	if err != nil {
		logger.Warn("cache store unavailable, continuing without a durable cache",
			zap.String("driver", cfg.Store.Driver),
			zap.String("path", cfg.Store.Path),
			zap.Error(err))
		db = store.NewMemory()
		b.Degraded = true
	}
	b.Store = db

	b.Backend = backend.NewRetrying(raw, retryConfig(cfg.Backend.RetryAttempts, retry.DefaultConfig()),
		retryConfig(cfg.Backend.SideEffectAttempts, retry.SideEffectConfig()), logger.Named("retry"))

	b.Files = filecache.New(db, logger.Named("filecache"))
	b.Content = cas.New(db, b.Backend, cas.Config{
		TTL:    cfg.Cache.ContentTTL,
		Logger: logger.Named("cas"),
	})
	b.Results = results.New(db, results.Config{
		Retention:     cfg.Cache.ResultRetention,
		PruneInterval: cfg.Cache.ResultPruneInterval,
		Logger:        logger.Named("results"),
	})
	b.Lineage = lineage.New(db, logger.Named("lineage"))

	b.Planner = syncer.New(b.Files, b.Content, b.Backend, syncer.Config{
		HashConcurrency:   cfg.Sync.HashConcurrency,
		UploadConcurrency: cfg.Sync.UploadConcurrency,
		Logger:            logger.Named("sync"),
		Observer:          b.observers,
	})
	b.Tracker = operation.New(b.Backend, operation.Config{
		Poll: retry.Config{
			InitialWait: cfg.Wait.PollInitial,
			MaxWait:     cfg.Wait.PollMax,
			Multiplier:  cfg.Wait.PollMultiplier,
			Jitter:      cfg.Wait.PollJitter,
		},
		Results:  b.Results,
		Lineage:  b.Lineage,
		Observer: b.observers,
		Logger:   logger.Named("operation"),
	})

	b.Pruned = b.Prune(ctx)
	return b
}

func retryConfig(attempts int, base retry.Config) retry.Config {
	if attempts > 0 {
		base.MaxAttempts = attempts
	}
	return base
}

// Observer receives both sync and operation events.
type Observer interface {
	syncer.Observer
	operation.Observer
}

// Observe registers o for every later sync and operation event.
func (b *Broker) Observe(o Observer) {
	b.observers.add(o)
}

// PruneStats reports how many entries each cache dropped.
type PruneStats struct {
	Files   int `json:"files"`
	Content int `json:"content"`
	Results int `json:"results"`
}

// Prune applies the configured retention windows. Failures are logged
// and do not stop the remaining caches from being pruned.
func (b *Broker) Prune(ctx context.Context) PruneStats {
	now := time.Now()
	var st PruneStats
	var err error
	if b.Config.Cache.FileRetention > 0 {
		if st.Files, err = b.Files.Prune(ctx, now.Add(-b.Config.Cache.FileRetention)); err != nil {
			b.logger.Warn("file cache prune failed", zap.Error(err))
		}
	}
	if b.Config.Cache.ContentRetention > 0 {
		if st.Content, err = b.Content.Prune(ctx, b.Config.Cache.ContentRetention); err != nil {
			b.logger.Warn("content store prune failed", zap.Error(err))
		}
	}
	if b.Config.Cache.ResultRetention > 0 {
		if st.Results, err = b.Results.Prune(ctx, now.Add(-b.Config.Cache.ResultRetention)); err != nil {
			b.logger.Warn("result cache prune failed", zap.Error(err))
		}
	}
	return st
}

// PruneBefore drops every cache entry written before cutoff, regardless of
// the configured retention.
func (b *Broker) PruneBefore(ctx context.Context, cutoff time.Time) (PruneStats, error) {
	var st PruneStats
	var err, e error
	if st.Files, e = b.Files.Prune(ctx, cutoff); e != nil {
		err = errors.Join(err, fmt.Errorf("failed to prune file cache: %w", e))
	}
	if st.Content, e = b.Content.Prune(ctx, time.Since(cutoff)); e != nil {
		err = errors.Join(err, fmt.Errorf("failed to prune content store: %w", e))
	}
	if st.Results, e = b.Results.Prune(ctx, cutoff); e != nil {
		err = errors.Join(err, fmt.Errorf("failed to prune result cache: %w", e))
	}
	return st, err
}

// CacheStatus counts the entries in each cache.
type CacheStatus struct {
	Driver   string `json:"driver"`
	Path     string `json:"path,omitempty"`
	Degraded bool   `json:"degraded,omitempty"`
	Files    int    `json:"files"`
	Content  int    `json:"content"`
	Results  int    `json:"results"`
	Lineage  int    `json:"lineage"`
}

// Status reports cache sizes.
func (b *Broker) Status(ctx context.Context) (CacheStatus, error) {
	st := CacheStatus{
		Driver:   b.Config.Store.Driver,
		Path:     b.Config.Store.Path,
		Degraded: b.Degraded,
	}
	var err error
	if st.Files, err = b.Files.Len(ctx); err != nil {
		return st, fmt.Errorf("failed to count file cache: %w", err)
	}
	if st.Content, err = b.Content.Len(ctx); err != nil {
		return st, fmt.Errorf("failed to count content store: %w", err)
	}
	if st.Results, err = b.Results.Len(ctx); err != nil {
		return st, fmt.Errorf("failed to count result cache: %w", err)
	}
	if st.Lineage, err = b.Lineage.Len(ctx); err != nil {
		return st, fmt.Errorf("failed to count lineage: %w", err)
	}
	return st, nil
}

// Close stops polling and closes the store. When cancelIncomplete is set,
// every tracked operation that is not terminal is cancelled first.
func (b *Broker) Close(ctx context.Context, cancelIncomplete bool) error {
	var err error
	b.closeOnce.Do(func() {
		if cancelIncomplete {
			n, cerr := b.Tracker.CancelIncomplete(ctx)
			if n > 0 {
				b.logger.Info("cancelled incomplete operations", zap.Int("count", n))
			}
			err = errors.Join(err, cerr)
		}
		b.Tracker.Close()
		err = errors.Join(err, b.Store.Close())
	})
	return err
}

// fanout forwards events to a changing set of observers.
type fanout struct {
	mu  sync.RWMutex
	obs []Observer
}

func (f *fanout) add(o Observer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.obs = append(f.obs, o)
}

func (f *fanout) snapshot() []Observer {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.obs
}

func (f *fanout) SyncCompleted(root string, res syncer.Result) {
	for _, o := range f.snapshot() {
		o.SyncCompleted(root, res)
	}
}

func (f *fanout) OperationUpdated(op schema.Operation) {
	for _, o := range f.snapshot() {
		o.OperationUpdated(op)
	}
}
