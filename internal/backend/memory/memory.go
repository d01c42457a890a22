// Package memory is an in-process Backend for tests, benchmarks and
// offline use. Operations follow scripts: each GetOperation call advances
// an operation one step through its script, and the last step repeats.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/contree/broker/internal/backend"
	"github.com/contree/broker/internal/errs"
	"github.com/contree/broker/internal/schema"
)

func init() {
	backend.Register(backend.KindMemory, func(backend.Options) (backend.Backend, error) {
		return New(), nil
	})
}

// Call names used by Calls.
const (
	CallUpload   = "upload"
	CallConfirm  = "confirm"
	CallRegister = "register"
	CallSubmit   = "submit"
	CallGet      = "get"
	CallCancel   = "cancel"
)

// Step is one stage of an operation script.
type Step struct {
	State  schema.State
	Result *schema.Result
}

// Pending returns a step that stays PENDING.
func Pending() Step { return Step{State: schema.StatePending} }

// Executing returns a step that reports EXECUTING.
func Executing() Step { return Step{State: schema.StateExecuting} }

// Succeed returns a terminal SUCCESS step with res attached.
func Succeed(res schema.Result) Step {
	return Step{State: schema.StateSuccess, Result: &res}
}

// Fail returns a terminal FAILED step with res attached.
func Fail(res schema.Result) Step {
	return Step{State: schema.StateFailed, Result: &res}
}

type operation struct {
	req             schema.Request
	script          []Step
	pos             int
	state           schema.State
	result          *schema.Result
	cancelRequested bool
	cancelPolls     int
}

// Backend is a scriptable fake of the remote execution service.
type Backend struct {
	mu       sync.Mutex
	blobs    map[string][]byte
	states   map[string]schema.DirectoryState
	ops      map[string]*operation
	calls    map[string]int
	failures map[string][]error
	queued   [][]Step
	idem     map[string]string

	// Latency is added to every call.
	Latency time.Duration

	// DefaultScript is used for operations without a queued script.
	// Default: EXECUTING, then SUCCESS with exit code 0.
	DefaultScript []Step

	// CancelDelay is the number of polls after a cancel request before the
	// operation reports CANCELLED.
	CancelDelay int
}

// New returns an empty backend.
func New() *Backend {
	return &Backend{
		blobs:    make(map[string][]byte),
		states:   make(map[string]schema.DirectoryState),
		ops:      make(map[string]*operation),
		calls:    make(map[string]int),
		failures: make(map[string][]error),
		idem:     make(map[string]string),
		DefaultScript: []Step{
			Executing(),
			Succeed(schema.Result{ExitCode: 0}),
		},
	}
}

// enter records a call, applies latency and returns an injected failure.
func (b *Backend) enter(ctx context.Context, call string) error {
	b.mu.Lock()
	b.calls[call]++
	var injected error
	if q := b.failures[call]; len(q) > 0 {
		injected = q[0]
		b.failures[call] = q[1:]
	}
	latency := b.Latency
	b.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return errs.Network(ctx.Err(), "%s", call)
		case <-timer.C:
		}
	}
	return injected
}

// Calls returns how many times a call was made.
func (b *Backend) Calls(call string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[call]
}

// TotalCalls returns the number of calls of any kind.
func (b *Backend) TotalCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		n += c
	}
	return n
}

// ResetCalls zeroes the call counters.
func (b *Backend) ResetCalls() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = make(map[string]int)
}

// FailNext makes the next len(errors) calls of the given kind fail.
func (b *Backend) FailNext(call string, errors ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[call] = append(b.failures[call], errors...)
}

// QueueScript sets the script of the next submitted operation. Scripts
// queue in submission order.
func (b *Backend) QueueScript(steps ...Step) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queued = append(b.queued, steps)
}

// SetScript replaces the remaining script of an existing operation.
func (b *Backend) SetScript(id string, steps ...Step) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if op, ok := b.ops[id]; ok {
		op.script = steps
		op.pos = 0
	}
}

// HasBlob reports whether a blob is stored.
func (b *Backend) HasBlob(hash string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.blobs[hash]
	return ok
}

// BlobCount returns the number of stored blobs.
func (b *Backend) BlobCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.blobs)
}

// EvictBlob removes a blob, as the service does when it expires content.
func (b *Backend) EvictBlob(hash string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.blobs, hash)
}

// ExpireDirectoryState forgets a directory state.
func (b *Backend) ExpireDirectoryState(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.states, id)
}

// Request returns the request an operation was submitted with.
func (b *Backend) Request(id string) (schema.Request, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	op, ok := b.ops[id]
	if !ok {
		return schema.Request{}, false
	}
	return op.req, true
}

func (b *Backend) UploadBlobIfMissing(ctx context.Context, hash string, data []byte) error {
	if err := b.enter(ctx, CallUpload); err != nil {
		return err
	}
	if schema.HashBytes(data) != hash {
		return errs.Conflict("content does not match hash %s", hash)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.blobs[hash]; !ok {
		b.blobs[hash] = append([]byte(nil), data...)
	}
	return nil
}

func (b *Backend) BatchConfirm(ctx context.Context, hashes []string) ([]string, error) {
	if err := b.enter(ctx, CallConfirm); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	known := make([]string, 0, len(hashes))
	for _, h := range hashes {
		if _, ok := b.blobs[h]; ok {
			known = append(known, h)
		}
	}
	return known, nil
}

func (b *Backend) RegisterDirectoryState(ctx context.Context, manifest schema.Manifest) (schema.DirectoryState, error) {
	if err := b.enter(ctx, CallRegister); err != nil {
		return schema.DirectoryState{}, err
	}
	if err := manifest.Validate(); err != nil {
		return schema.DirectoryState{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range manifest {
		if _, ok := b.blobs[e.Hash]; !ok {
			return schema.DirectoryState{}, errs.Conflict("blob %s for %s is not present", e.Hash, e.Path)
		}
	}
	ds := schema.DirectoryState{
		ID:        uuid.NewString(),
		Manifest:  append(schema.Manifest(nil), manifest...),
		CreatedAt: time.Now(),
	}
	b.states[ds.ID] = ds
	return ds, nil
}

func (b *Backend) SubmitOperation(ctx context.Context, req schema.Request) (string, schema.State, error) {
	if err := b.enter(ctx, CallSubmit); err != nil {
		return "", "", err
	}
	if err := req.Validate(); err != nil {
		return "", "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	key := backend.IdempotencyKey(ctx)
	if id, ok := b.idem[key]; ok && key != "" {
		return id, b.ops[id].state, nil
	}

	if req.Command != nil && req.Command.DirectoryStateID != "" {
		if _, ok := b.states[req.Command.DirectoryStateID]; !ok {
			return "", "", errs.Conflict("directory state %s is not known", req.Command.DirectoryStateID)
		}
	}

	script := b.DefaultScript
	if len(b.queued) > 0 {
		script = b.queued[0]
		b.queued = b.queued[1:]
	}

	id := uuid.NewString()
	b.ops[id] = &operation{req: req, script: script, state: schema.StatePending}
	if key != "" {
		b.idem[key] = id
	}
	return id, schema.StatePending, nil
}

func (b *Backend) GetOperation(ctx context.Context, id string) (schema.State, *schema.Result, error) {
	if err := b.enter(ctx, CallGet); err != nil {
		return "", nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	op, ok := b.ops[id]
	if !ok {
		return "", nil, errs.NotFound("operation %s", id)
	}
	b.advance(op)
	if op.result == nil {
		return op.state, nil, nil
	}
	res := *op.result
	return op.state, &res, nil
}

func (b *Backend) advance(op *operation) {
	if op.state.IsTerminal() {
		return
	}
	if op.cancelRequested {
		if op.cancelPolls >= b.CancelDelay {
			op.state = schema.StateCancelled
			op.result = &schema.Result{ExitCode: -1, Error: "cancelled"}
			return
		}
		op.cancelPolls++
	}
	if len(op.script) == 0 {
		return
	}
	step := op.script[op.pos]
	if op.pos < len(op.script)-1 {
		op.pos++
	}
	op.state = step.State
	if step.State.IsTerminal() {
		op.result = finish(op.req, step)
	}
}

// finish fills in a result image for successful non-disposable commands
// and imports that do not script one.
func finish(req schema.Request, step Step) *schema.Result {
	out := schema.Result{}
	if step.Result != nil {
		out = *step.Result
	}
	if step.State != schema.StateSuccess {
		return &out
	}
	if out.ResultImage == "" && req.Command != nil && !req.Command.Disposable {
		out.ResultImage = uuid.NewString()
	}
	if out.ResultImage == "" && req.Import != nil {
		out.ResultImage = uuid.NewString()
		out.ResultTag = req.Import.Tag
	}
	return &out
}

func (b *Backend) CancelOperation(ctx context.Context, id string) error {
	if err := b.enter(ctx, CallCancel); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	op, ok := b.ops[id]
	if !ok {
		return errs.NotFound("operation %s", id)
	}
	if !op.state.IsTerminal() {
		op.cancelRequested = true
	}
	return nil
}
