// Package loadtest provides load testing utilities for the sync and
// operation layers.
//
// It simulates many clients syncing the same working tree and waiting on
// batches of operations against the in-process memory backend, and reports
// latency percentiles for both paths.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/contree/broker/internal/backend/memory"
	"github.com/contree/broker/internal/cas"
	"github.com/contree/broker/internal/filecache"
	"github.com/contree/broker/internal/operation"
	"github.com/contree/broker/internal/results"
	"github.com/contree/broker/internal/retry"
	"github.com/contree/broker/internal/schema"
	"github.com/contree/broker/internal/store"
	"github.com/contree/broker/internal/syncer"
)

// Config describes a load run.
type Config struct {
	Clients        int           // concurrent clients
	Files          int           // files in the generated tree
	FileSize       int           // bytes per file
	SyncsPerClient int           // syncs each client performs
	OpsPerClient   int           // operations each client submits and waits on
	Latency        time.Duration // added to every backend call
	WaitTimeout    time.Duration // per-wait deadline
	Logger         *zap.Logger
}

// DefaultConfig returns a small run that finishes in about a second.
func DefaultConfig() Config {
	return Config{
		Clients:        16,
		Files:          200,
		FileSize:       4 << 10,
		SyncsPerClient: 3,
		OpsPerClient:   4,
		Latency:        time.Millisecond,
		WaitTimeout:    30 * time.Second,
	}
}

// TestTree is a generated working tree.
type TestTree struct {
	Root  string
	Paths []string
	Bytes int64
}

// LatencyStats captures performance metrics from load tests.
type LatencyStats struct {
	Min       time.Duration
	Max       time.Duration
	Mean      time.Duration
	P50       time.Duration // Median
	P95       time.Duration
	P99       time.Duration
	Count     int
	Errors    int
	Durations []time.Duration `json:"-"`
}

// Report is the outcome of Run.
type Report struct {
	Sync         *LatencyStats
	Wait         *LatencyStats
	States       int // distinct directory states registered
	Uploads      int // upload calls that reached the backend
	BackendCalls int
	Elapsed      time.Duration
}

// CreateTestTree writes numFiles files of size bytes under dir, spread over
// a few nested directories. Contents are deterministic.
func CreateTestTree(dir string, numFiles, size int) (*TestTree, error) {
	rng := rand.New(rand.NewPCG(42, uint64(size)))
	tree := &TestTree{Root: dir, Paths: make([]string, 0, numFiles)}

	for i := range numFiles {
		rel := filepath.Join(fmt.Sprintf("pkg%02d", i%8), fmt.Sprintf("sub%d", i%3), fmt.Sprintf("file-%05d.dat", i))
		abs := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory for %s: %w", rel, err)
		}

		data := make([]byte, size)
		for j := range data {
			data[j] = byte(rng.IntN(256))
		}
		// Every file carries its index so that no two share content.
		copy(data, fmt.Sprintf("%08d", i))

		if err := os.WriteFile(abs, data, 0o644); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", rel, err)
		}
		tree.Paths = append(tree.Paths, filepath.ToSlash(rel))
		tree.Bytes += int64(size)
	}
	return tree, nil
}

// Harness wires a planner and a tracker over an in-memory store and the
// memory backend.
type Harness struct {
	Backend *memory.Backend
	Store   store.Store
	Planner syncer.Planner
	Tracker *operation.Tracker
}

// NewHarness returns a fresh harness. The backend's latency is set from
// latency.
func NewHarness(latency time.Duration, logger *zap.Logger) *Harness {
	if logger == nil {
		logger = zap.NewNop()
	}
	be := memory.New()
	be.Latency = latency

	db := store.NewMemory()
	files := filecache.New(db, logger)
	content := cas.New(db, be, cas.Config{Logger: logger})
	planner := syncer.New(files, content, be, syncer.Config{Logger: logger})
	tracker := operation.New(be, operation.Config{
		Poll: retry.Config{
			InitialWait: time.Millisecond,
			MaxWait:     10 * time.Millisecond,
			Multiplier:  1.5,
		},
		Results: results.New(db, results.Config{Logger: logger}),
		Logger:  logger,
	})
	return &Harness{Backend: be, Store: db, Planner: planner, Tracker: tracker}
}

// Close stops the tracker and releases the store.
func (h *Harness) Close() error {
	h.Tracker.Close()
	return h.Store.Close()
}

// Run executes a load run in a scratch directory under dir.
func Run(ctx context.Context, dir string, cfg Config) (*Report, error) {
	def := DefaultConfig()
	if cfg.Clients <= 0 {
		cfg.Clients = def.Clients
	}
	if cfg.Files <= 0 {
		cfg.Files = def.Files
	}
	if cfg.FileSize <= 0 {
		cfg.FileSize = def.FileSize
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = def.WaitTimeout
	}

	tree, err := CreateTestTree(filepath.Join(dir, "tree"), cfg.Files, cfg.FileSize)
	if err != nil {
		return nil, err
	}

	h := NewHarness(cfg.Latency, cfg.Logger)
	defer h.Close()

	var (
		mu        sync.Mutex
		syncTimes []time.Duration
		waitTimes []time.Duration
		syncErrs  int
		waitErrs  int
		stateIDs  = make(map[string]struct{})
	)

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for client := range cfg.Clients {
		g.Go(func() error {
			var stateID string
			for range cfg.SyncsPerClient {
				began := time.Now()
				res, err := h.Planner.Sync(gctx, tree.Root, nil)
				elapsed := time.Since(began)

				mu.Lock()
				syncTimes = append(syncTimes, elapsed)
				if err != nil {
					syncErrs++
				} else {
					stateIDs[res.State.ID] = struct{}{}
				}
				mu.Unlock()

				if err != nil {
					return fmt.Errorf("client %d sync failed: %w", client, err)
				}
				stateID = res.State.ID
			}

			if cfg.OpsPerClient == 0 {
				return nil
			}
			ids := make([]string, 0, cfg.OpsPerClient)
			for j := range cfg.OpsPerClient {
				id, err := h.Tracker.Submit(gctx, schema.NewCommandRequest(schema.CommandSpec{
					Command:          fmt.Sprintf("make test-%d-%d", client, j),
					Image:            "base",
					Disposable:       true,
					DirectoryStateID: stateID,
				}))
				if err != nil {
					return fmt.Errorf("client %d submit %d failed: %w", client, j, err)
				}
				ids = append(ids, id)
			}

			began := time.Now()
			wr, err := h.Tracker.Wait(gctx, ids, operation.WaitAll, cfg.WaitTimeout)
			elapsed := time.Since(began)
			if err == nil {
				err = wr.Err()
			}

			mu.Lock()
			waitTimes = append(waitTimes, elapsed)
			if err != nil {
				waitErrs++
			}
			mu.Unlock()

			if err != nil {
				return fmt.Errorf("client %d wait failed: %w", client, err)
			}
			return nil
		})
	}
	runErr := g.Wait()

	report := &Report{
		Sync:         computeLatencyStats(syncTimes),
		Wait:         computeLatencyStats(waitTimes),
		States:       len(stateIDs),
		Uploads:      h.Backend.Calls(memory.CallUpload),
		BackendCalls: h.Backend.TotalCalls(),
		Elapsed:      time.Since(start),
	}
	report.Sync.Errors = syncErrs
	report.Wait.Errors = waitErrs
	return report, runErr
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := slices.Clone(durations)
	slices.Sort(sorted)

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:       sorted[0],
		Max:       sorted[len(sorted)-1],
		Mean:      sum / time.Duration(len(durations)),
		P50:       sorted[len(sorted)*50/100],
		P95:       sorted[len(sorted)*95/100],
		P99:       sorted[len(sorted)*99/100],
		Count:     len(durations),
		Durations: sorted,
	}
}

// Print formats latency statistics under a heading.
func (s *LatencyStats) Print(w io.Writer, heading string) {
	fmt.Fprintf(w, "%s:\n", heading)
	fmt.Fprintf(w, "  Count:         %d\n", s.Count)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}

// Print writes the whole report.
func (r *Report) Print(w io.Writer) {
	r.Sync.Print(w, "Sync latency")
	r.Wait.Print(w, "Wait latency")
	fmt.Fprintf(w, "Directory states: %d\n", r.States)
	fmt.Fprintf(w, "Blob uploads:     %d\n", r.Uploads)
	fmt.Fprintf(w, "Backend calls:    %d\n", r.BackendCalls)
	fmt.Fprintf(w, "Elapsed:          %v\n", r.Elapsed)
}

// VerifyConsistentSyncs runs numClients concurrent syncs of the same tree
// for duration and checks that every sync registers the same manifest.
func (h *Harness) VerifyConsistentSyncs(ctx context.Context, root string, numClients int, duration time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	var (
		mu     sync.Mutex
		digest string
	)
	g, gctx := errgroup.WithContext(ctx)
	for client := range numClients {
		g.Go(func() error {
			for gctx.Err() == nil {
				res, err := h.Planner.Sync(gctx, root, nil)
				if err != nil {
					if gctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("client %d sync failed: %w", client, err)
				}
				d := res.State.Manifest.Digest()

				mu.Lock()
				if digest == "" {
					digest = d
				}
				same := digest == d
				mu.Unlock()

				if !same {
					return fmt.Errorf("client %d registered manifest %s, want %s", client, d, digest)
				}
				time.Sleep(time.Millisecond)
			}
			return nil
		})
	}
	return g.Wait()
}
