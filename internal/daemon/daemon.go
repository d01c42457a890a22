// Package daemon keeps a directory state current while a tree is edited.
//
// The daemon:
//  1. Syncs the tree once on start
//  2. Watches every non-excluded directory with fsnotify
//  3. Debounces bursts of changes into a single re-sync
//  4. Publishes each new directory state through OnSync
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/contree/broker/internal/scan"
	"github.com/contree/broker/internal/syncer"
)

// Config holds configuration for the daemon.
type Config struct {
	// Excludes are skipped by syncs and never watched.
	Excludes []string

	// DebounceInterval is how long the tree must be quiet before a
	// re-sync starts. Default: 500ms.
	DebounceInterval time.Duration

	// OnSync receives every successful sync, including the initial one.
	OnSync func(syncer.Result)

	// OnError receives sync failures. The daemon keeps watching.
	OnError func(error)

	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 500 * time.Millisecond,
	}
}

// Daemon watches one tree and re-syncs it on change.
type Daemon struct {
	planner syncer.Planner
	root    string
	matcher *scan.Matcher
	config  *Config
	logger  *zap.Logger

	watcher *fsnotify.Watcher

	mu        sync.Mutex
	dirtyAt   time.Time // zero when nothing is pending
	latest    syncer.Result
	hasLatest bool
	syncs     int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon for root. Use Start to begin watching.
func New(planner syncer.Planner, root string, config *Config) (*Daemon, error) {
	if planner == nil {
		return nil, fmt.Errorf("planner cannot be nil")
	}
	if root == "" {
		return nil, fmt.Errorf("root cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = DefaultConfig().DebounceInterval
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", root, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}

	matcher, err := scan.NewMatcher(config.Excludes)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		planner: planner,
		root:    abs,
		matcher: matcher,
		config:  config,
		logger:  logger.With(zap.String("root", abs)),
		watcher: watcher,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start syncs the tree, starts watching it and blocks until ctx is
// cancelled or Stop is called. A failing initial sync is returned.
func (d *Daemon) Start(ctx context.Context) error {
	d.logger.Info("starting watch")

	if _, err := d.SyncNow(ctx); err != nil {
		d.Stop()
		return fmt.Errorf("initial sync failed: %w", err)
	}

	if err := d.addTree(d.root); err != nil {
		d.Stop()
		return fmt.Errorf("failed to watch %s: %w", d.root, err)
	}

	d.wg.Add(2)
	go d.watchFileEvents()
	go d.processChanges()

	select {
	case <-ctx.Done():
		d.logger.Info("shutdown signal received")
		d.Stop()
		return nil
	case <-d.ctx.Done():
		return nil
	}
}

// Stop shuts the daemon down and waits for in-flight work.
func (d *Daemon) Stop() {
	d.cancel()
	if err := d.watcher.Close(); err != nil {
		d.logger.Warn("failed to close watcher", zap.Error(err))
	}
	d.wg.Wait()
}

// SyncNow syncs the tree immediately and publishes the result.
func (d *Daemon) SyncNow(ctx context.Context) (syncer.Result, error) {
	res, err := d.planner.Sync(ctx, d.root, d.config.Excludes)
	if err != nil {
		d.logger.Warn("sync failed", zap.Error(err))
		if d.config.OnError != nil {
			d.config.OnError(err)
		}
		return syncer.Result{}, err
	}

	d.mu.Lock()
	changed := !d.hasLatest || d.latest.State.ID != res.State.ID
	d.latest = res
	d.hasLatest = true
	d.syncs++
	d.mu.Unlock()

	if changed {
		d.logger.Info("directory state updated",
			zap.String("directory_state", res.State.ID),
			zap.Int("files", res.Stats.Files))
	}
	if d.config.OnSync != nil {
		d.config.OnSync(res)
	}
	return res, nil
}

// Latest returns the most recent successful sync.
func (d *Daemon) Latest() (syncer.Result, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.latest, d.hasLatest
}

// Syncs returns how many syncs have succeeded.
func (d *Daemon) Syncs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.syncs
}

// addTree watches dir and every non-excluded directory below it.
func (d *Daemon) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			// A directory that vanished or cannot be read is picked up by
			// the next sync's error handling.
			d.logger.Debug("skipping unwatchable path", zap.String("path", path), zap.Error(err))
			return nil
		}
		if !entry.IsDir() {
			return nil
		}
		if rel, ok := d.rel(path); ok && rel != "" && d.matcher.MatchPath(rel) {
			return filepath.SkipDir
		}
		if err := d.watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

// rel returns the slash-separated path of p below the root.
func (d *Daemon) rel(p string) (string, bool) {
	r, err := filepath.Rel(d.root, p)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", false
	}
	if r == "." {
		return "", true
	}
	return filepath.ToSlash(r), true
}

// watchFileEvents monitors filesystem events and marks the tree dirty.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			rel, ok := d.rel(event.Name)
			if !ok || (rel != "" && d.matcher.MatchPath(rel)) {
				continue
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := d.addTree(event.Name); err != nil {
						d.logger.Warn("failed to watch new directory", zap.String("path", rel), zap.Error(err))
					}
				}
			}
			d.logger.Debug("file event", zap.String("op", event.Op.String()), zap.String("path", rel))
			d.markDirty()

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				d.markDirty()
			}
			d.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (d *Daemon) markDirty() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dirtyAt = time.Now()
}

// processChanges re-syncs once the tree has been quiet for the debounce
// interval.
func (d *Daemon) processChanges() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.mu.Lock()
			ready := !d.dirtyAt.IsZero() && time.Since(d.dirtyAt) >= d.config.DebounceInterval
			if ready {
				d.dirtyAt = time.Time{}
			}
			d.mu.Unlock()

			if ready {
				_, _ = d.SyncNow(d.ctx)
			}
		}
	}
}
