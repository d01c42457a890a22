// Package lineage records which image a successful command produced from
// which input image, and walks the resulting ancestry.
package lineage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/contree/broker/internal/errs"
	"github.com/contree/broker/internal/schema"
	"github.com/contree/broker/internal/store"
)

// Bucket is the store bucket holding lineage edges, keyed by child image.
const Bucket = "lineage"

// MaxDepth bounds Ancestors walks.
const MaxDepth = 256

// Edge links an image to the image it was produced from.
type Edge struct {
	Child       string    `json:"child"`
	Parent      string    `json:"parent"`
	OperationID string    `json:"operation_id"`
	Command     string    `json:"command,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store persists lineage edges.
type Store struct {
	db     store.Store
	logger *zap.Logger
}

// New returns a lineage store over db.
func New(db store.Store, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}
}

// EdgeFor returns the edge a finished operation implies, if any. Only a
// successful command whose result image differs from its input image
// produces an edge.
func EdgeFor(op schema.Operation) (Edge, bool) {
	if op.Kind != schema.KindCommand || op.State != schema.StateSuccess || op.Result == nil {
		return Edge{}, false
	}
	parent := op.Request.InputImage()
	child := op.Result.ResultImage
	if parent == "" || child == "" || parent == child {
		return Edge{}, false
	}
	return Edge{
		Child:       child,
		Parent:      parent,
		OperationID: op.ID,
		Command:     op.Request.Command.Command,
		CreatedAt:   op.UpdatedAt,
	}, true
}

// Record stores the edge implied by op. An image has exactly one parent:
// a second edge for the same child is ignored. Record reports whether an
// edge was written.
func (s *Store) Record(ctx context.Context, op schema.Operation) (bool, error) {
	edge, ok := EdgeFor(op)
	if !ok {
		return false, nil
	}
	if edge.CreatedAt.IsZero() {
		edge.CreatedAt = time.Now()
	}
	value, err := json.Marshal(edge)
	if err != nil {
		return false, fmt.Errorf("failed to encode lineage edge: %w", err)
	}
	wrote, err := s.db.PutIfAbsent(ctx, Bucket, store.Record{Key: edge.Child, Value: value, UpdatedAt: edge.CreatedAt})
	if err != nil {
		return false, fmt.Errorf("failed to record lineage of %s: %w", edge.Child, err)
	}
	if wrote {
		s.logger.Debug("recorded image lineage",
			zap.String("child", edge.Child),
			zap.String("parent", edge.Parent),
			zap.String("operation", edge.OperationID))
	}
	return wrote, nil
}

// Parent returns the edge recording where image came from. The bool is
// false for a root image.
func (s *Store) Parent(ctx context.Context, image string) (Edge, bool, error) {
	rec, err := s.db.Get(ctx, Bucket, image)
	if errors.Is(err, errs.ErrNotFound) {
		return Edge{}, false, nil
	}
	if err != nil {
		return Edge{}, false, fmt.Errorf("failed to read lineage of %s: %w", image, err)
	}
	var edge Edge
	if err := json.Unmarshal(rec.Value, &edge); err != nil {
		s.logger.Warn("dropping corrupt lineage edge", zap.String("image", image), zap.Error(err))
		return Edge{}, false, nil
	}
	return edge, true, nil
}

// Ancestors returns the chain of edges from image up to its root, nearest
// first. The walk stops at a cycle or after MaxDepth edges.
func (s *Store) Ancestors(ctx context.Context, image string) ([]Edge, error) {
	var chain []Edge
	seen := map[string]bool{image: true}
	for len(chain) < MaxDepth {
		edge, ok, err := s.Parent(ctx, image)
		if err != nil {
			return chain, err
		}
		if !ok {
			break
		}
		chain = append(chain, edge)
		if seen[edge.Parent] {
			s.logger.Warn("lineage cycle", zap.String("image", edge.Parent))
			break
		}
		seen[edge.Parent] = true
		image = edge.Parent
	}
	return chain, nil
}

// Len returns the number of recorded edges.
func (s *Store) Len(ctx context.Context) (int, error) {
	return s.db.Count(ctx, Bucket)
}
