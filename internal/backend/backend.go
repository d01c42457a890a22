// Package backend defines the remote execution service the broker talks
// to, a registry of implementations, and a retrying decorator.
//
// Implementations:
//   - httpapi: the REST client for a real service ("http")
//   - memory:  a scriptable in-process fake ("memory")
//
// Implementations register themselves from init():
//
//	func init() {
//	    backend.Register(backend.KindHTTP, New)
//	}
package backend

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/contree/broker/internal/schema"
)

// Backend is the remote execution service.
//
// Error contract: an unknown operation or blob returns an error wrapping
// errs.ErrNotFound; a directory state or blob the service no longer
// recognizes returns errs.ErrConflict; transport failures, throttling and
// 5xx responses return errs.ErrNetwork.
type Backend interface {
	// UploadBlobIfMissing stores data under its content hash. Uploading a
	// hash that is already present is a no-op.
	UploadBlobIfMissing(ctx context.Context, hash string, data []byte) error

	// BatchConfirm returns the subset of hashes the service already has.
	BatchConfirm(ctx context.Context, hashes []string) ([]string, error)

	// RegisterDirectoryState materializes a manifest and returns its state.
	RegisterDirectoryState(ctx context.Context, manifest schema.Manifest) (schema.DirectoryState, error)

	// SubmitOperation starts an operation and returns its id and initial
	// state without waiting for it.
	SubmitOperation(ctx context.Context, req schema.Request) (string, schema.State, error)

	// GetOperation returns the current state of an operation and, once
	// terminal, its result.
	GetOperation(ctx context.Context, id string) (schema.State, *schema.Result, error)

	// CancelOperation requests cancellation. It returns once the request
	// is acknowledged, not once the operation has stopped.
	CancelOperation(ctx context.Context, id string) error
}

// Kind names a backend implementation.
type Kind string

const (
	KindHTTP   Kind = "http"
	KindMemory Kind = "memory"
)

// Options configures a backend constructor.
type Options struct {
	// URL is the service base URL (http only).
	URL string

	// Token is sent as a bearer token (http only).
	Token string

	// Timeout bounds a single request. Default: 30s.
	Timeout time.Duration

	// RequestsPerSecond limits request rate. 0 disables limiting.
	RequestsPerSecond float64

	// Burst is the rate limiter burst size.
	Burst int

	// Logger for request-level logging. Default: no-op.
	Logger *zap.Logger
}

type idempotencyKey struct{}

// WithIdempotencyKey attaches a key that implementations send with
// SubmitOperation so that a retried submit is not executed twice.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKey{}, key)
}

// IdempotencyKey returns the key set by WithIdempotencyKey, or "".
func IdempotencyKey(ctx context.Context) string {
	key, _ := ctx.Value(idempotencyKey{}).(string)
	return key
}
