package backend

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/contree/broker/internal/retry"
	"github.com/contree/broker/internal/schema"
)

// Retrying wraps a Backend and retries transient failures.
//
// Idempotent calls (upload, confirm, register, get) use the Idempotent
// policy. Calls with remote side effects (submit, cancel) use the much
// smaller SideEffect policy, and every attempt of one submit carries the
// same idempotency key.
type Retrying struct {
	next       Backend
	idempotent retry.Config
	sideEffect retry.Config
	logger     *zap.Logger
}

// NewRetrying wraps next. A nil logger discards logs.
func NewRetrying(next Backend, idempotent, sideEffect retry.Config, logger *zap.Logger) *Retrying {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrying{next: next, idempotent: idempotent, sideEffect: sideEffect, logger: logger}
}

// Unwrap returns the wrapped backend.
func (r *Retrying) Unwrap() Backend {
	return r.next
}

func (r *Retrying) attempt(call string) func() {
	n := 0
	return func() {
		n++
		if n > 1 {
			r.logger.Debug("retrying backend call", zap.String("call", call), zap.Int("attempt", n))
		}
	}
}

func (r *Retrying) UploadBlobIfMissing(ctx context.Context, hash string, data []byte) error {
	note := r.attempt("upload")
	return retry.Do(ctx, r.idempotent, func() error {
		note()
		return r.next.UploadBlobIfMissing(ctx, hash, data)
	})
}

func (r *Retrying) BatchConfirm(ctx context.Context, hashes []string) ([]string, error) {
	note := r.attempt("confirm")
	return retry.DoWithResult(ctx, r.idempotent, func() ([]string, error) {
		note()
		return r.next.BatchConfirm(ctx, hashes)
	})
}

func (r *Retrying) RegisterDirectoryState(ctx context.Context, manifest schema.Manifest) (schema.DirectoryState, error) {
	note := r.attempt("register")
	return retry.DoWithResult(ctx, r.idempotent, func() (schema.DirectoryState, error) {
		note()
		return r.next.RegisterDirectoryState(ctx, manifest)
	})
}

type submitted struct {
	id    string
	state schema.State
}

func (r *Retrying) SubmitOperation(ctx context.Context, req schema.Request) (string, schema.State, error) {
	if IdempotencyKey(ctx) == "" {
		ctx = WithIdempotencyKey(ctx, uuid.NewString())
	}
	note := r.attempt("submit")
	res, err := retry.DoWithResult(ctx, r.sideEffect, func() (submitted, error) {
		note()
		id, state, err := r.next.SubmitOperation(ctx, req)
		return submitted{id: id, state: state}, err
	})
	return res.id, res.state, err
}

type polled struct {
	state  schema.State
	result *schema.Result
}

func (r *Retrying) GetOperation(ctx context.Context, id string) (schema.State, *schema.Result, error) {
	note := r.attempt("get")
	res, err := retry.DoWithResult(ctx, r.idempotent, func() (polled, error) {
		note()
		state, result, err := r.next.GetOperation(ctx, id)
		return polled{state: state, result: result}, err
	})
	return res.state, res.result, err
}

func (r *Retrying) CancelOperation(ctx context.Context, id string) error {
	note := r.attempt("cancel")
	return retry.Do(ctx, r.sideEffect, func() error {
		note()
		return r.next.CancelOperation(ctx, id)
	})
}
