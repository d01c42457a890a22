package syncer

import (
	"context"
	"fmt"
	"iter"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/contree/broker/internal/cas"
	"github.com/contree/broker/internal/errs"
	"github.com/contree/broker/internal/filecache"
	"github.com/contree/broker/internal/metrics"
	"github.com/contree/broker/internal/scan"
	"github.com/contree/broker/internal/schema"
)

// DefaultUploadConcurrency bounds parallel blob uploads per sync.
const DefaultUploadConcurrency = 10

// DefaultUploadTimeout bounds a single blob upload.
const DefaultUploadTimeout = 10 * time.Minute

var tracer = otel.Tracer("github.com/contree/broker/internal/syncer")

// Remote is the part of the backend a planner writes to.
type Remote interface {
	UploadBlobIfMissing(ctx context.Context, hash string, data []byte) error
	RegisterDirectoryState(ctx context.Context, manifest schema.Manifest) (schema.DirectoryState, error)
}

// Config tunes a planner. Zero values select defaults.
type Config struct {
	// HashConcurrency bounds parallel file hashing. Default GOMAXPROCS.
	HashConcurrency int
	// UploadConcurrency bounds parallel uploads. Default 10.
	UploadConcurrency int
	// UploadTimeout bounds one blob upload, retries included. Default 10m.
	UploadTimeout time.Duration
	Logger        *zap.Logger
	Observer      Observer
}

type planner struct {
	files   *filecache.Cache
	content *cas.Store
	remote  Remote

	hashLimit     int
	uploadLimit   int
	uploadTimeout time.Duration
	logger        *zap.Logger
	observer      Observer

	uploads singleflight.Group

	mu       sync.Mutex
	byDigest map[string]schema.DirectoryState
	digestOf map[string]string // directory state id -> manifest digest
}

// New returns a Planner that hashes through files, confirms through
// content and writes to remote.
func New(files *filecache.Cache, content *cas.Store, remote Remote, cfg Config) Planner {
	if cfg.HashConcurrency <= 0 {
		cfg.HashConcurrency = runtime.GOMAXPROCS(0)
	}
	if cfg.UploadConcurrency <= 0 {
		cfg.UploadConcurrency = DefaultUploadConcurrency
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = DefaultUploadTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &planner{
		files:         files,
		content:       content,
		remote:        remote,
		hashLimit:     cfg.HashConcurrency,
		uploadLimit:   cfg.UploadConcurrency,
		uploadTimeout: cfg.UploadTimeout,
		logger:        cfg.Logger,
		observer:      cfg.Observer,
		byDigest:      make(map[string]schema.DirectoryState),
		digestOf:      make(map[string]string),
	}
}

func (p *planner) Sync(ctx context.Context, root string, excludes []string) (Result, error) {
	seq, err := scan.Walk(root, excludes)
	if err != nil {
		metrics.RecordSync(0, false)
		return Result{}, err
	}
	// The walker already pruned excluded paths.
	return p.run(ctx, root, seq, nil)
}

func (p *planner) Plan(ctx context.Context, files iter.Seq2[scan.FileDescriptor, error], excludes []string) (Result, error) {
	m, err := scan.NewMatcher(excludes)
	if err != nil {
		return Result{}, err
	}
	return p.run(ctx, "", files, m)
}

func (p *planner) Resolve(id string) (schema.DirectoryState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if digest, ok := p.digestOf[id]; ok {
		return p.byDigest[digest], nil
	}
	return schema.DirectoryState{}, errs.NotFound("directory state %s", id)
}

func (p *planner) Invalidate(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if digest, ok := p.digestOf[id]; ok {
		delete(p.byDigest, digest)
		delete(p.digestOf, id)
	}
}

// source is where the bytes for a hash can be read from.
type source struct {
	abs string
	rel string
}

func (p *planner) run(ctx context.Context, root string, files iter.Seq2[scan.FileDescriptor, error], m *scan.Matcher) (res Result, err error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "syncer.Sync", trace.WithAttributes(attribute.String("sync.root", root)))
	defer func() {
		elapsed := time.Since(start)
		metrics.RecordSync(elapsed, err == nil)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			res.Stats.Duration = elapsed
			span.SetAttributes(
				attribute.String("sync.directory_state", res.State.ID),
				attribute.Int("sync.files", res.Stats.Files),
				attribute.Int("sync.uploaded", res.Stats.Uploaded),
			)
		}
		span.End()
	}()

	var stats Stats
	fds, err := collect(ctx, files, m, &stats)
	if err != nil {
		return Result{}, err
	}

	manifest, sources, err := p.hashAll(ctx, fds, &stats)
	if err != nil {
		return Result{}, err
	}
	stats.Files = len(manifest)

	digest := manifest.Digest()
	p.mu.Lock()
	ds, ok := p.byDigest[digest]
	p.mu.Unlock()
	if ok {
		stats.Reused = true
		res = Result{State: ds, Stats: stats}
		p.completed(root, res, time.Since(start))
		return res, nil
	}

	ds, err = p.register(ctx, manifest, sources, &stats)
	if err != nil {
		return Result{}, err
	}

	p.mu.Lock()
	p.byDigest[digest] = ds
	p.digestOf[ds.ID] = digest
	p.mu.Unlock()

	res = Result{State: ds, Stats: stats}
	p.completed(root, res, time.Since(start))
	return res, nil
}

func (p *planner) completed(root string, res Result, elapsed time.Duration) {
	p.logger.Info("synced directory",
		zap.String("root", root),
		zap.String("directory_state", res.State.ID),
		zap.Int("files", res.Stats.Files),
		zap.Int("hashed", res.Stats.Hashed),
		zap.Int("uploaded", res.Stats.Uploaded),
		zap.Bool("reused", res.Stats.Reused),
		zap.Duration("elapsed", elapsed))
	if p.observer != nil {
		res.Stats.Duration = elapsed
		p.observer.SyncCompleted(root, res)
	}
}

// collect drains the descriptor sequence, dropping excluded paths. The
// first error from the sequence aborts the sync.
func collect(ctx context.Context, files iter.Seq2[scan.FileDescriptor, error], m *scan.Matcher, stats *Stats) ([]scan.FileDescriptor, error) {
	var out []scan.FileDescriptor
	seen := make(map[string]struct{})
	for fd, err := range files {
		if err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if m.MatchPath(fd.RelPath) {
			stats.Excluded++
			continue
		}
		if _, dup := seen[fd.RelPath]; dup {
			return nil, fmt.Errorf("duplicate path %q in file sequence", fd.RelPath)
		}
		seen[fd.RelPath] = struct{}{}
		out = append(out, fd)
	}
	return out, nil
}

// hashAll resolves a hash for every descriptor and returns the sorted
// manifest together with a readable source for each distinct hash.
func (p *planner) hashAll(ctx context.Context, fds []scan.FileDescriptor, stats *Stats) (schema.Manifest, map[string]source, error) {
	hashes := make([]string, len(fds))
	var hits, hashed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.hashLimit)
	for i, fd := range fds {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			h, hit, err := p.resolveHash(gctx, fd)
			if err != nil {
				return err
			}
			if hit {
				hits.Add(1)
			} else if fd.Hash == "" {
				hashed.Add(1)
			}
			hashes[i] = h
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	stats.CacheHits = int(hits.Load())
	stats.Hashed = int(hashed.Load())

	manifest := make(schema.Manifest, len(fds))
	for i, fd := range fds {
		manifest[i] = schema.ManifestEntry{
			Path: fd.RelPath,
			Hash: hashes[i],
			Mode: uint32(fd.Mode.Perm()),
		}
	}
	manifest.Sort()

	sources := make(map[string]source, len(fds))
	for i, fd := range fds {
		if prev, ok := sources[hashes[i]]; ok && prev.rel < fd.RelPath {
			continue
		}
		sources[hashes[i]] = source{abs: fd.AbsPath, rel: fd.RelPath}
	}
	return manifest, sources, nil
}

// resolveHash returns the descriptor's hash, from the descriptor itself,
// from the file cache, or by reading the file. hit reports a cache hit.
func (p *planner) resolveHash(ctx context.Context, fd scan.FileDescriptor) (hash string, hit bool, err error) {
	if fd.Hash != "" {
		if !schema.IsValidHash(fd.Hash) {
			return "", false, fmt.Errorf("descriptor %s: invalid sha256 %q", fd.RelPath, fd.Hash)
		}
		return fd.Hash, false, nil
	}
	if h, ok := p.files.Lookup(ctx, fd.AbsPath, fd.ModTime, fd.Size); ok {
		return h, true, nil
	}
	h, err := hashFile(fd)
	if err != nil {
		return "", false, err
	}
	metrics.RecordFileHashed()
	p.files.Record(ctx, fd.AbsPath, fd.ModTime, fd.Size, h)
	return h, false, nil
}

// register confirms, uploads and registers the manifest. A conflict from
// the backend means a blob confirmed earlier has been evicted: the hashes
// are forgotten and the upload and registration retried once.
func (p *planner) register(ctx context.Context, manifest schema.Manifest, sources map[string]source, stats *Stats) (schema.DirectoryState, error) {
	hashes := manifest.Hashes()
	for attempt := 0; ; attempt++ {
		known, err := p.content.Confirm(ctx, hashes)
		if err != nil {
			return schema.DirectoryState{}, fmt.Errorf("failed to confirm content: %w", err)
		}
		var missing []string
		for _, h := range hashes {
			if !known[h] {
				missing = append(missing, h)
			}
		}
		if attempt == 0 {
			stats.Confirmed = len(hashes) - len(missing)
		}

		if err := p.uploadAll(ctx, missing, sources, stats); err != nil {
			return schema.DirectoryState{}, err
		}

		ds, err := p.remote.RegisterDirectoryState(ctx, manifest)
		if err == nil {
			p.content.MarkKnown(ctx, hashes...)
			return ds, nil
		}
		if attempt > 0 || !errs.IsResyncRequired(err) {
			return schema.DirectoryState{}, fmt.Errorf("failed to register directory state: %w", err)
		}
		p.logger.Warn("backend rejected manifest, re-confirming content",
			zap.Int("hashes", len(hashes)), zap.Error(err))
		p.content.Forget(ctx, hashes...)
	}
}

func (p *planner) uploadAll(ctx context.Context, missing []string, sources map[string]source, stats *Stats) error {
	if len(missing) == 0 {
		return nil
	}
	var uploaded, bytes atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.uploadLimit)
	for _, h := range missing {
		src := sources[h]
		g.Go(func() error {
			n, owned, err := p.upload(gctx, h, src)
			if err != nil {
				return err
			}
			// A blob shared with another sync is counted by the sync
			// that sent it.
			if owned {
				uploaded.Add(1)
				bytes.Add(n)
			}
			return nil
		})
	}
	err := g.Wait()
	stats.Uploaded += int(uploaded.Load())
	stats.UploadedBytes += bytes.Load()
	return err
}

// upload sends one blob and reports whether this call performed the
// upload. Concurrent uploads of the same hash share a single backend call.
// The shared call is detached from any one caller's context; each caller
// stops waiting when its own ctx is done.
func (p *planner) upload(ctx context.Context, hash string, src source) (int64, bool, error) {
	var owned bool
	ch := p.uploads.DoChan(hash, func() (any, error) {
		owned = true
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.uploadTimeout)
		defer cancel()

		data, err := readBlob(src.abs, src.rel, hash)
		if err != nil {
			return int64(0), err
		}
		if err := p.remote.UploadBlobIfMissing(uctx, hash, data); err != nil {
			metrics.RecordBlobUpload(int64(len(data)), false)
			return int64(0), fmt.Errorf("failed to upload %s: %w", src.rel, err)
		}
		metrics.RecordBlobUpload(int64(len(data)), true)
		p.content.MarkKnown(uctx, hash)
		p.logger.Debug("uploaded blob", zap.String("path", src.rel), zap.String("sha256", hash), zap.Int("bytes", len(data)))
		return int64(len(data)), nil
	})

	select {
	case <-ctx.Done():
		return 0, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return 0, false, res.Err
		}
		return res.Val.(int64), owned, nil
	}
}
