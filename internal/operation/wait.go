package operation

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/contree/broker/internal/errs"
	"github.com/contree/broker/internal/metrics"
	"github.com/contree/broker/internal/retry"
	"github.com/contree/broker/internal/schema"
)

// Mode selects when Wait returns.
type Mode string

const (
	// WaitAll returns once every operation is terminal.
	WaitAll Mode = "all"
	// WaitAny returns once at least one operation is terminal.
	WaitAny Mode = "any"
)

// ParseMode parses "all" or "any".
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case WaitAll, WaitAny:
		return Mode(s), nil
	}
	return "", fmt.Errorf("invalid wait mode %q (want all or any)", s)
}

// WaitResult partitions the waited-for operations.
type WaitResult struct {
	Completed []schema.Operation `json:"completed"`
	// Pending holds the operations that were not terminal when Wait
	// returned. When TimedOut is set these are the timed-out operations.
	Pending  []schema.Operation `json:"pending"`
	TimedOut bool               `json:"timed_out"`
}

// Err returns a *errs.TimeoutError naming the pending operations if the
// wait timed out, and nil otherwise.
func (r WaitResult) Err() error {
	if !r.TimedOut {
		return nil
	}
	ids := make([]string, len(r.Pending))
	for i, op := range r.Pending {
		ids[i] = op.ID
	}
	return &errs.TimeoutError{Pending: ids}
}

// Wait blocks until the operations satisfy mode or timeout passes. A
// timeout of zero waits until ctx is done. Reaching the timeout is not an
// error: it is reported through WaitResult.TimedOut and the operations
// keep running remotely.
//
// Wait returns an error for an id the backend does not know, when an
// operation stops being observable while waiting, and when ctx ends.
func (t *Tracker) Wait(ctx context.Context, ids []string, mode Mode, timeout time.Duration) (res WaitResult, err error) {
	if mode == "" {
		mode = WaitAll
	}
	start := time.Now()
	ctx, span := tracer.Start(ctx, "operation.Wait", trace.WithAttributes(
		attribute.String("wait.mode", string(mode)),
		attribute.Int("wait.operations", len(ids)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			metrics.RecordWait(string(mode), res.TimedOut, time.Since(start))
			span.SetAttributes(attribute.Bool("wait.timed_out", res.TimedOut))
		}
		span.End()
	}()

	ids = dedupe(ids)
	if len(ids) == 0 {
		return WaitResult{}, nil
	}

	entries := make([]*entry, len(ids))
	for i, id := range ids {
		e, err := t.track(ctx, id)
		if err != nil {
			return WaitResult{}, err
		}
		entries[i] = e
	}

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	for _, e := range entries {
		if t.watch(e) {
			defer t.unwatch(e)
		}
	}

	quit := make(chan struct{})
	defer close(quit)
	finished := make(chan *entry, len(entries))
	for _, e := range entries {
		go func() {
			select {
			case <-e.done:
				finished <- e
			case <-quit:
			}
		}()
	}

	completed := 0
	for completed < len(entries) && (mode == WaitAll || completed == 0) {
		select {
		case e := <-finished:
			t.mu.Lock()
			ferr := e.err
			t.mu.Unlock()
			if ferr != nil {
				return WaitResult{}, fmt.Errorf("failed to wait for operation %s: %w", e.op.ID, ferr)
			}
			completed++
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return WaitResult{}, ctx.Err()
			}
			res = t.partition(entries)
			res.TimedOut = len(res.Pending) > 0 && (mode == WaitAll || len(res.Completed) == 0)
			t.logger.Info("wait timed out",
				zap.Int("completed", len(res.Completed)),
				zap.Int("pending", len(res.Pending)),
				zap.Duration("timeout", timeout))
			return res, nil
		}
	}
	return t.partition(entries), nil
}

func (t *Tracker) partition(entries []*entry) WaitResult {
	var res WaitResult
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range entries {
		if e.op.State.IsTerminal() {
			res.Completed = append(res.Completed, e.op.Clone())
		} else {
			res.Pending = append(res.Pending, e.op.Clone())
		}
	}
	return res
}

// track returns the entry for id, loading it from the result cache or
// adopting it from the backend if it is not tracked yet.
func (t *Tracker) track(ctx context.Context, id string) (*entry, error) {
	t.mu.Lock()
	e, ok := t.ops[id]
	t.mu.Unlock()
	if ok {
		return e, nil
	}
	if _, err := t.Poll(ctx, id); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.ops[id]; ok {
		return e, nil
	}
	return nil, errs.NotFound("operation %s", id)
}

// watch registers interest in e and starts its poller if none runs. It
// reports false for an entry that is already terminal or done.
func (t *Tracker) watch(e *entry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e.closed || e.op.State.IsTerminal() {
		return false
	}
	e.watchers++
	if e.stop != nil {
		return true
	}
	ctx, cancel := context.WithCancel(t.base)
	e.stop = cancel
	e.gen++
	go t.pollLoop(ctx, e, e.gen)
	return true
}

// unwatch drops interest in e and stops its poller once unwatched.
func (t *Tracker) unwatch(e *entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e.watchers > 0 {
		e.watchers--
	}
	if e.watchers == 0 && e.stop != nil {
		e.stop()
		e.stop = nil
	}
}

// pollLoop is the single poller for e. It exits when the operation is
// terminal, when it can no longer be observed, or when stopped.
func (t *Tracker) pollLoop(ctx context.Context, e *entry, gen int) {
	id := e.op.ID
	defer func() {
		t.mu.Lock()
		if e.gen == gen && e.stop != nil {
			e.stop()
			e.stop = nil
		}
		t.mu.Unlock()
	}()

	for attempt := 1; ; attempt++ {
		if err := retry.Sleep(ctx, t.poll.Delay(attempt)); err != nil {
			return
		}
		op, err := t.refresh(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errs.IsRetryable(err) {
				t.logger.Debug("poll failed, retrying", zap.String("operation", id), zap.Error(err))
				continue
			}
			t.logger.Warn("stopped polling operation", zap.String("operation", id), zap.Error(err))
			t.fail(e, err)
			return
		}
		if op.State.IsTerminal() {
			return
		}
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
