package operation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/contree/broker/internal/lineage"
	"github.com/contree/broker/internal/metrics"
	"github.com/contree/broker/internal/results"
	"github.com/contree/broker/internal/retry"
	"github.com/contree/broker/internal/schema"
)

var tracer = otel.Tracer("github.com/contree/broker/internal/operation")

// Backend is the part of the backend the tracker drives.
type Backend interface {
	SubmitOperation(ctx context.Context, req schema.Request) (string, schema.State, error)
	GetOperation(ctx context.Context, id string) (schema.State, *schema.Result, error)
	CancelOperation(ctx context.Context, id string) error
}

// Observer is told about every state change the tracker observes.
type Observer interface {
	OperationUpdated(op schema.Operation)
}

// DefaultPollConfig is the cadence of shared pollers: 250ms growing by
// 1.5x to 3s, with 10% jitter.
func DefaultPollConfig() retry.Config {
	return retry.Config{
		InitialWait: 250 * time.Millisecond,
		MaxWait:     3 * time.Second,
		Multiplier:  1.5,
		Jitter:      0.1,
	}
}

// Config configures a Tracker.
type Config struct {
	// Poll sets the polling cadence. MaxAttempts is ignored.
	Poll retry.Config

	// Results receives terminal snapshots. Required.
	Results *results.Cache

	// Lineage records image ancestry for successful commands. Optional.
	Lineage *lineage.Store

	Observer Observer
	Logger   *zap.Logger
}

// Tracker submits, polls, waits for and cancels operations.
type Tracker struct {
	backend  Backend
	results  *results.Cache
	lineage  *lineage.Store
	poll     retry.Config
	observer Observer
	logger   *zap.Logger

	base     context.Context
	shutdown context.CancelFunc

	mu  sync.Mutex
	ops map[string]*entry
}

// entry is the tracker's view of one operation. Fields are guarded by
// Tracker.mu.
type entry struct {
	op       schema.Operation
	done     chan struct{} // closed once terminal or failed
	closed   bool
	err      error
	watchers int
	stop     context.CancelFunc // set while a poller runs
	gen      int
}

// New returns a Tracker driving b.
func New(b Backend, cfg Config) *Tracker {
	if cfg.Results == nil {
		panic("operation: Config.Results is required")
	}
	def := DefaultPollConfig()
	if cfg.Poll.InitialWait <= 0 {
		cfg.Poll.InitialWait = def.InitialWait
	}
	if cfg.Poll.MaxWait <= 0 {
		cfg.Poll.MaxWait = def.MaxWait
	}
	if cfg.Poll.Multiplier < 1 {
		cfg.Poll.Multiplier = def.Multiplier
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Tracker{
		backend:  b,
		results:  cfg.Results,
		lineage:  cfg.Lineage,
		poll:     cfg.Poll,
		observer: cfg.Observer,
		logger:   cfg.Logger,
		base:     base,
		shutdown: cancel,
		ops:      make(map[string]*entry),
	}
}

// Close stops every poller. Remote operations are left running.
func (t *Tracker) Close() {
	t.shutdown()
}

// Submit validates req, submits it once and starts tracking it. It does
// not wait for the operation to make progress.
func (t *Tracker) Submit(ctx context.Context, req schema.Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", fmt.Errorf("invalid %s request: %w", req.Kind, err)
	}
	id, state, err := t.backend.SubmitOperation(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to submit %s operation: %w", req.Kind, err)
	}
	metrics.RecordSubmit(string(req.Kind))

	now := time.Now()
	red := req.Redacted()
	op := schema.Operation{
		ID:        id,
		Kind:      req.Kind,
		State:     schema.StatePending,
		CreatedAt: now,
		UpdatedAt: now,
		Request:   &red,
	}

	t.mu.Lock()
	if _, ok := t.ops[id]; !ok {
		t.ops[id] = &entry{op: op, done: make(chan struct{})}
	}
	t.updateGaugeLocked()
	t.mu.Unlock()

	t.logger.Info("submitted operation",
		zap.String("operation", id),
		zap.String("kind", string(req.Kind)),
		zap.String("image", req.InputImage()))
	t.notify(op)

	if state.IsValid() && state != schema.StatePending {
		t.apply(ctx, id, state, nil)
	}
	return id, nil
}

// Poll returns the current snapshot of an operation. A cached terminal
// result is returned without contacting the backend; otherwise the
// backend is read once. Operations submitted elsewhere are adopted by id.
func (t *Tracker) Poll(ctx context.Context, id string) (schema.Operation, error) {
	if op, ok := t.terminal(ctx, id); ok {
		return op, nil
	}
	return t.refresh(ctx, id)
}

// Cancel asks the backend to cancel an operation and returns the state
// the backend reports afterwards. A terminal operation is returned as is
// without contacting the backend. The returned state is CANCELLED only
// when the backend says so.
func (t *Tracker) Cancel(ctx context.Context, id string) (schema.Operation, error) {
	if op, ok := t.terminal(ctx, id); ok {
		return op, nil
	}
	if err := t.backend.CancelOperation(ctx, id); err != nil {
		return schema.Operation{}, fmt.Errorf("failed to cancel operation %s: %w", id, err)
	}
	op, err := t.refresh(ctx, id)
	if err != nil {
		return schema.Operation{}, err
	}
	t.logger.Info("requested cancellation",
		zap.String("operation", id),
		zap.String("state", string(op.State)))
	return op, nil
}

// CancelIncomplete cancels every tracked operation that is not terminal
// and returns how many cancellations were requested.
func (t *Tracker) CancelIncomplete(ctx context.Context) (int, error) {
	var ids []string
	t.mu.Lock()
	for id, e := range t.ops {
		if !e.op.State.IsTerminal() {
			ids = append(ids, id)
		}
	}
	t.mu.Unlock()

	var errList []error
	n := 0
	for _, id := range ids {
		if _, err := t.Cancel(ctx, id); err != nil {
			errList = append(errList, err)
			continue
		}
		n++
	}
	return n, errors.Join(errList...)
}

// Tracked returns snapshots of every operation seen by this tracker.
func (t *Tracker) Tracked() []schema.Operation {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]schema.Operation, 0, len(t.ops))
	for _, e := range t.ops {
		out = append(out, e.op.Clone())
	}
	return out
}

// terminal returns a terminal snapshot without touching the network.
func (t *Tracker) terminal(ctx context.Context, id string) (schema.Operation, bool) {
	t.mu.Lock()
	if e, ok := t.ops[id]; ok && e.op.State.IsTerminal() {
		op := e.op.Clone()
		t.mu.Unlock()
		return op, true
	}
	t.mu.Unlock()

	op, ok := t.results.Get(ctx, id)
	if !ok {
		return schema.Operation{}, false
	}
	t.mu.Lock()
	if _, tracked := t.ops[id]; !tracked {
		e := &entry{op: op, done: make(chan struct{})}
		e.close(nil)
		t.ops[id] = e
	}
	t.mu.Unlock()
	return op, true
}

// refresh reads an operation from the backend once and applies it.
func (t *Tracker) refresh(ctx context.Context, id string) (schema.Operation, error) {
	state, result, err := t.backend.GetOperation(ctx, id)
	if err != nil {
		return schema.Operation{}, fmt.Errorf("failed to poll operation %s: %w", id, err)
	}
	metrics.RecordPoll(string(state))
	if !state.IsValid() {
		return schema.Operation{}, fmt.Errorf("operation %s: backend reported invalid state %q", id, state)
	}
	return t.apply(ctx, id, state, result), nil
}

// apply folds an observed state into the tracked operation and returns
// the resulting snapshot. Regressions are ignored.
func (t *Tracker) apply(ctx context.Context, id string, state schema.State, result *schema.Result) schema.Operation {
	t.mu.Lock()
	e, ok := t.ops[id]
	if !ok {
		now := time.Now()
		e = &entry{
			op:   schema.Operation{ID: id, State: schema.StatePending, CreatedAt: now, UpdatedAt: now},
			done: make(chan struct{}),
		}
		t.ops[id] = e
	}
	changed := e.op.Advance(state, result)
	if !changed && state != e.op.State {
		t.logger.Debug("ignoring stale state",
			zap.String("operation", id),
			zap.String("current", string(e.op.State)),
			zap.String("reported", string(state)))
	}
	finished := changed && e.op.State.IsTerminal()
	snapshot := e.op.Clone()
	t.updateGaugeLocked()
	t.mu.Unlock()

	if changed {
		t.notify(snapshot)
	}
	if finished {
		// Waiters are released only once the result is durable.
		t.finish(context.WithoutCancel(ctx), snapshot)
		t.mu.Lock()
		e.close(nil)
		t.mu.Unlock()
	}
	return snapshot
}

// finish stores a terminal snapshot. Failures are logged: the snapshot is
// still returned to the caller and can be fetched again from the backend.
func (t *Tracker) finish(ctx context.Context, op schema.Operation) {
	metrics.RecordTerminal(string(op.State))
	if _, err := t.results.Put(ctx, op); err != nil {
		t.logger.Warn("failed to cache result", zap.String("operation", op.ID), zap.Error(err))
	}
	if t.lineage != nil {
		if _, err := t.lineage.Record(ctx, op); err != nil {
			t.logger.Warn("failed to record lineage", zap.String("operation", op.ID), zap.Error(err))
		}
	}
	fields := []zap.Field{
		zap.String("operation", op.ID),
		zap.String("state", string(op.State)),
	}
	if op.Result != nil {
		fields = append(fields, zap.Int("exit_code", op.Result.ExitCode))
		if op.Result.ResultImage != "" {
			fields = append(fields, zap.String("result_image", op.Result.ResultImage))
		}
	}
	t.logger.Info("operation finished", fields...)
}

// fail ends tracking of an operation the backend can no longer report on.
func (t *Tracker) fail(e *entry, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.close(err)
	if cur, ok := t.ops[e.op.ID]; ok && cur == e {
		delete(t.ops, e.op.ID)
	}
	t.updateGaugeLocked()
}

func (t *Tracker) notify(op schema.Operation) {
	if t.observer != nil {
		t.observer.OperationUpdated(op)
	}
}

func (t *Tracker) updateGaugeLocked() {
	n := 0
	for _, e := range t.ops {
		if !e.op.State.IsTerminal() {
			n++
		}
	}
	metrics.SetTrackedOperations(n)
}

func (e *entry) close(err error) {
	if e.closed {
		return
	}
	e.closed = true
	e.err = err
	close(e.done)
}
