// Package cas remembers which content hashes the backend is known to
// hold, so that unchanged content is neither re-confirmed nor re-uploaded
// across sessions.
//
// A record is trusted for a TTL after it was last confirmed. Expiry turns
// a known hash back into an unknown one, which forces one batched
// re-confirmation; this models blob eviction on the server.
package cas

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/contree/broker/internal/errs"
	"github.com/contree/broker/internal/metrics"
	"github.com/contree/broker/internal/store"
)

// Bucket is the store bucket holding content records.
const Bucket = "content"

// DefaultTTL is how long a confirmation is trusted.
const DefaultTTL = 24 * time.Hour

// Confirmer is the backend's dedup endpoint.
type Confirmer interface {
	BatchConfirm(ctx context.Context, hashes []string) ([]string, error)
}

// ConfirmerFunc adapts a function to Confirmer.
type ConfirmerFunc func(ctx context.Context, hashes []string) ([]string, error)

func (f ConfirmerFunc) BatchConfirm(ctx context.Context, hashes []string) ([]string, error) {
	return f(ctx, hashes)
}

// Config configures a Store.
type Config struct {
	// TTL bounds how long a local confirmation is trusted. Default: 24h.
	TTL time.Duration

	// Now returns the current time. Default: time.Now.
	Now func() time.Time

	// Logger for cache warnings. Default: no-op.
	Logger *zap.Logger
}

// Store is the local hash -> known-on-server record.
type Store struct {
	store     store.Store
	confirmer Confirmer
	locks     *store.KeyLock
	ttl       time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

// New returns a Store over s that confirms unknown hashes with c.
func New(s store.Store, c Confirmer, cfg Config) *Store {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Store{
		store:     s,
		confirmer: c,
		locks:     store.NewKeyLock(64),
		ttl:       cfg.TTL,
		now:       cfg.Now,
		logger:    cfg.Logger,
	}
}

// TTL returns the configured trust window.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// knownLocally reports whether hash has a record younger than the TTL.
func (s *Store) knownLocally(ctx context.Context, hash string, now time.Time) bool {
	rec, err := s.store.Get(ctx, Bucket, hash)
	if err != nil {
		if !errors.Is(err, errs.ErrNotFound) {
			s.logger.Warn("content record read failed, treating as unknown", zap.String("hash", hash), zap.Error(err))
		}
		return false
	}
	return now.Sub(rec.UpdatedAt) < s.ttl
}

// Confirm returns the subset of hashes that are known to be on the
// server. Hashes confirmed locally within the TTL are returned without a
// backend call; the remainder are checked in one BatchConfirm call and
// the positives are recorded with a fresh timestamp.
func (s *Store) Confirm(ctx context.Context, hashes []string) (map[string]bool, error) {
	now := s.now()
	known := make(map[string]bool, len(hashes))
	seen := make(map[string]bool, len(hashes))
	var unknown []string

	for _, h := range hashes {
		if seen[h] {
			continue
		}
		seen[h] = true
		if s.knownLocally(ctx, h, now) {
			known[h] = true
		} else {
			unknown = append(unknown, h)
		}
	}
	local := len(known)

	if len(unknown) == 0 {
		metrics.RecordContentConfirm(local, 0, 0)
		return known, nil
	}

	remote, err := s.confirmer.BatchConfirm(ctx, unknown)
	if err != nil {
		return nil, err
	}

	asked := make(map[string]bool, len(unknown))
	for _, h := range unknown {
		asked[h] = true
	}
	var confirmed []string
	for _, h := range remote {
		// Ignore anything the backend volunteers that we did not ask about.
		if asked[h] && !known[h] {
			known[h] = true
			confirmed = append(confirmed, h)
		}
	}
	s.mark(ctx, confirmed, now)

	metrics.RecordContentConfirm(local, len(unknown), len(confirmed))
	s.logger.Debug("confirmed content",
		zap.Int("local", local),
		zap.Int("asked", len(unknown)),
		zap.Int("remote_known", len(confirmed)))
	return known, nil
}

// MarkKnown records hashes as present on the server as of now.
func (s *Store) MarkKnown(ctx context.Context, hashes ...string) {
	s.mark(ctx, hashes, s.now())
}

func (s *Store) mark(ctx context.Context, hashes []string, at time.Time) {
	for _, h := range hashes {
		unlock := s.locks.Lock(h)
		err := s.store.Put(ctx, Bucket, store.Record{Key: h, Value: []byte{1}, UpdatedAt: at})
		unlock()
		if err != nil {
			s.logger.Warn("failed to record content", zap.String("hash", h), zap.Error(err))
		}
	}
}

// Forget drops records, for hashes the backend turned out not to have.
func (s *Store) Forget(ctx context.Context, hashes ...string) {
	for _, h := range hashes {
		unlock := s.locks.Lock(h)
		err := s.store.Delete(ctx, Bucket, h)
		unlock()
		if err != nil {
			s.logger.Warn("failed to forget content", zap.String("hash", h), zap.Error(err))
		}
	}
}

// Prune removes records older than maxAge.
func (s *Store) Prune(ctx context.Context, maxAge time.Duration) (int, error) {
	n, err := s.store.DeleteOlderThan(ctx, Bucket, s.now().Add(-maxAge))
	if err != nil {
		return 0, err
	}
	metrics.RecordPrune(Bucket, n)
	return n, nil
}

// Len returns the number of records, expired or not.
func (s *Store) Len(ctx context.Context) (int, error) {
	return s.store.Count(ctx, Bucket)
}
