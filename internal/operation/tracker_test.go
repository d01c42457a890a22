package operation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contree/broker/internal/backend/memory"
	"github.com/contree/broker/internal/errs"
	"github.com/contree/broker/internal/lineage"
	"github.com/contree/broker/internal/results"
	"github.com/contree/broker/internal/retry"
	"github.com/contree/broker/internal/schema"
	"github.com/contree/broker/internal/store"
)

var fastPoll = retry.Config{InitialWait: time.Millisecond, MaxWait: 5 * time.Millisecond, Multiplier: 2}

func command(image string) schema.Request {
	return schema.NewCommandRequest(schema.CommandSpec{Command: "make test", Image: image})
}

func newTracker(t *testing.T, b Backend, db store.Store) *Tracker {
	t.Helper()
	if db == nil {
		db = store.NewMemory()
	}
	tr := New(b, Config{Poll: fastPoll, Results: results.New(db, results.Config{})})
	t.Cleanup(tr.Close)
	return tr
}

// TestSubmit_ReturnsWithoutWaiting verifies submit makes exactly one
// backend call and leaves the operation pending.
func TestSubmit_ReturnsWithoutWaiting(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	tr := newTracker(t, mem, nil)

	id, err := tr.Submit(ctx, command("ubuntu:24.04"))
	require.NoError(t, err)
	require.NotEmpty(t, id)
	assert.Equal(t, 1, mem.Calls(memory.CallSubmit))
	assert.Zero(t, mem.Calls(memory.CallGet))

	tracked := tr.Tracked()
	require.Len(t, tracked, 1)
	assert.Equal(t, schema.StatePending, tracked[0].State)
	assert.Equal(t, schema.KindCommand, tracked[0].Kind)
}

// TestSubmit_InvalidRequestNeverReachesBackend verifies validation runs
// before submission.
func TestSubmit_InvalidRequestNeverReachesBackend(t *testing.T) {
	mem := memory.New()
	tr := newTracker(t, mem, nil)

	_, err := tr.Submit(context.Background(), schema.NewCommandRequest(schema.CommandSpec{Command: "ls"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "image is required")
	assert.Zero(t, mem.TotalCalls())
}

// TestWait_All verifies Wait returns once every operation is terminal.
func TestWait_All(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	tr := newTracker(t, mem, nil)

	a, err := tr.Submit(ctx, command("img"))
	require.NoError(t, err)
	b, err := tr.Submit(ctx, command("img"))
	require.NoError(t, err)

	res, err := tr.Wait(ctx, []string{a, b, a}, WaitAll, 5*time.Second)
	require.NoError(t, err)
	assert.False(t, res.TimedOut)
	assert.Empty(t, res.Pending)
	require.Len(t, res.Completed, 2)
	for _, op := range res.Completed {
		assert.Equal(t, schema.StateSuccess, op.State)
		require.NotNil(t, op.Result)
	}
	assert.NoError(t, res.Err())
}

// TestWait_AllTimesOutWithPartialResult verifies a deadline reports the
// finished and unfinished operations separately.
func TestWait_AllTimesOutWithPartialResult(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	tr := newTracker(t, mem, nil)

	mem.QueueScript(memory.Pending(), memory.Pending(), memory.Succeed(schema.Result{ExitCode: 0}))
	a, err := tr.Submit(ctx, command("img"))
	require.NoError(t, err)
	mem.QueueScript(memory.Pending())
	b, err := tr.Submit(ctx, command("img"))
	require.NoError(t, err)

	res, err := tr.Wait(ctx, []string{a, b}, WaitAll, 300*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	require.Len(t, res.Completed, 1)
	assert.Equal(t, a, res.Completed[0].ID)
	assert.Equal(t, schema.StateSuccess, res.Completed[0].State)
	require.Len(t, res.Pending, 1)
	assert.Equal(t, b, res.Pending[0].ID)

	var te *errs.TimeoutError
	require.ErrorAs(t, res.Err(), &te)
	assert.Equal(t, []string{b}, te.Pending)
	assert.ErrorIs(t, res.Err(), errs.ErrTimeout)

	// The deadline did not cancel anything remotely.
	assert.Zero(t, mem.Calls(memory.CallCancel))
}

// TestWait_Any verifies Wait returns as soon as one operation finishes.
func TestWait_Any(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	tr := newTracker(t, mem, nil)

	mem.QueueScript(memory.Executing(), memory.Fail(schema.Result{ExitCode: 2}))
	a, err := tr.Submit(ctx, command("img"))
	require.NoError(t, err)
	mem.QueueScript(memory.Executing())
	b, err := tr.Submit(ctx, command("img"))
	require.NoError(t, err)

	start := time.Now()
	res, err := tr.Wait(ctx, []string{a, b}, WaitAny, 10*time.Second)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, res.TimedOut)
	require.Len(t, res.Completed, 1)
	assert.Equal(t, schema.StateFailed, res.Completed[0].State)
	assert.Equal(t, 2, res.Completed[0].Result.ExitCode)
	require.Len(t, res.Pending, 1)
	assert.Equal(t, b, res.Pending[0].ID)
}

// TestWait_AnyTimesOut verifies ANY times out only when nothing finished.
func TestWait_AnyTimesOut(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	mem.DefaultScript = []memory.Step{memory.Executing()}
	tr := newTracker(t, mem, nil)

	a, err := tr.Submit(ctx, command("img"))
	require.NoError(t, err)

	res, err := tr.Wait(ctx, []string{a}, WaitAny, 50*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Empty(t, res.Completed)
}

// TestWait_UnknownID verifies waiting on an id nobody knows is NotFound.
func TestWait_UnknownID(t *testing.T) {
	tr := newTracker(t, memory.New(), nil)
	_, err := tr.Wait(context.Background(), []string{"nope"}, WaitAll, time.Second)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

// TestWait_ContextCancelled verifies cancelling the caller's context is an
// error rather than a timeout.
func TestWait_ContextCancelled(t *testing.T) {
	mem := memory.New()
	mem.DefaultScript = []memory.Step{memory.Executing()}
	tr := newTracker(t, mem, nil)

	id, err := tr.Submit(context.Background(), command("img"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err = tr.Wait(ctx, []string{id}, WaitAll, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

// TestWait_SharesOnePollerPerOperation verifies concurrent waiters on the
// same operation do not multiply backend reads.
func TestWait_SharesOnePollerPerOperation(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	tr := newTracker(t, mem, nil)

	mem.QueueScript(
		memory.Pending(), memory.Pending(), memory.Executing(),
		memory.Executing(), memory.Executing(), memory.Succeed(schema.Result{}),
	)
	id, err := tr.Submit(ctx, command("img"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := tr.Wait(ctx, []string{id}, WaitAll, 5*time.Second)
			assert.NoError(t, err)
			assert.Len(t, res.Completed, 1)
		}()
	}
	wg.Wait()

	assert.Equal(t, 6, mem.Calls(memory.CallGet))
}

// TestPoll_CachedResultSkipsNetwork verifies a terminal result is served
// from the result cache, even by a new tracker.
func TestPoll_CachedResultSkipsNetwork(t *testing.T) {
	ctx := context.Background()
	db := store.NewMemory()
	mem := memory.New()
	tr := newTracker(t, mem, db)

	id, err := tr.Submit(ctx, command("img"))
	require.NoError(t, err)
	_, err = tr.Wait(ctx, []string{id}, WaitAll, 5*time.Second)
	require.NoError(t, err)

	mem.ResetCalls()
	op, err := tr.Poll(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.StateSuccess, op.State)

	fresh := newTracker(t, mem, db)
	op, err = fresh.Poll(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.StateSuccess, op.State)
	require.NotNil(t, op.Request)
	assert.Equal(t, "make test", op.Request.Command.Command)

	assert.Zero(t, mem.TotalCalls())
}

// TestPoll_AdoptsUnknownOperation verifies operations submitted by another
// process can be polled by id.
func TestPoll_AdoptsUnknownOperation(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	id, _, err := mem.SubmitOperation(ctx, command("img"))
	require.NoError(t, err)

	tr := newTracker(t, mem, nil)
	op, err := tr.Poll(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.StateExecuting, op.State)
	assert.Nil(t, op.Request)

	_, err = tr.Poll(ctx, "missing")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

type scriptedBackend struct {
	mu     sync.Mutex
	states []schema.State
	gets   int
}

func (s *scriptedBackend) SubmitOperation(context.Context, schema.Request) (string, schema.State, error) {
	return "op-1", schema.StatePending, nil
}

func (s *scriptedBackend) GetOperation(context.Context, string) (schema.State, *schema.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[min(s.gets, len(s.states)-1)]
	s.gets++
	var res *schema.Result
	if st.IsTerminal() {
		res = &schema.Result{ExitCode: s.gets}
	}
	return st, res, nil
}

func (s *scriptedBackend) CancelOperation(context.Context, string) error { return nil }

// TestPoll_StateIsMonotonic verifies regressions and second terminal
// states reported by the backend are ignored.
func TestPoll_StateIsMonotonic(t *testing.T) {
	ctx := context.Background()
	b := &scriptedBackend{states: []schema.State{
		schema.StateExecuting, schema.StatePending, schema.StateSuccess, schema.StateFailed,
	}}
	tr := newTracker(t, b, nil)

	id, err := tr.Submit(ctx, command("img"))
	require.NoError(t, err)

	var seen []schema.State
	for range 4 {
		op, err := tr.Poll(ctx, id)
		require.NoError(t, err)
		seen = append(seen, op.State)
	}
	assert.Equal(t, []schema.State{
		schema.StateExecuting, schema.StateExecuting, schema.StateSuccess, schema.StateSuccess,
	}, seen)
	assert.Equal(t, 3, b.gets, "terminal operations are not polled again")

	op, err := tr.Poll(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, op.Result.ExitCode)
}

// TestCancel_NotOptimistic verifies the reported state comes from the
// backend, not from the cancel request.
func TestCancel_NotOptimistic(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	mem.DefaultScript = []memory.Step{memory.Executing()}
	mem.CancelDelay = 2
	tr := newTracker(t, mem, nil)

	id, err := tr.Submit(ctx, command("img"))
	require.NoError(t, err)

	op, err := tr.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.StateExecuting, op.State)
	assert.Equal(t, 1, mem.Calls(memory.CallCancel))

	res, err := tr.Wait(ctx, []string{id}, WaitAll, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, res.Completed, 1)
	assert.Equal(t, schema.StateCancelled, res.Completed[0].State)
}

// TestCancel_TerminalIsNoop verifies cancelling a finished operation
// returns it unchanged without a backend call.
func TestCancel_TerminalIsNoop(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	tr := newTracker(t, mem, nil)

	id, err := tr.Submit(ctx, command("img"))
	require.NoError(t, err)
	_, err = tr.Wait(ctx, []string{id}, WaitAll, 5*time.Second)
	require.NoError(t, err)
	mem.ResetCalls()

	op, err := tr.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.StateSuccess, op.State)
	assert.Zero(t, mem.TotalCalls())
}

// TestCancel_BackendErrorSurfaces verifies a failed cancel request is an
// error and leaves the operation untouched.
func TestCancel_BackendErrorSurfaces(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	tr := newTracker(t, mem, nil)

	id, err := tr.Submit(ctx, command("img"))
	require.NoError(t, err)
	mem.FailNext(memory.CallCancel, errs.Network(errors.New("reset"), "cancel"))

	_, err = tr.Cancel(ctx, id)
	assert.ErrorIs(t, err, errs.ErrNetwork)
	assert.Zero(t, mem.Calls(memory.CallGet))
}

// TestCancelIncomplete verifies every unfinished operation is cancelled.
func TestCancelIncomplete(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	mem.DefaultScript = []memory.Step{memory.Executing()}
	tr := newTracker(t, mem, nil)

	a, err := tr.Submit(ctx, command("img"))
	require.NoError(t, err)
	b, err := tr.Submit(ctx, command("img"))
	require.NoError(t, err)

	n, err := tr.CancelIncomplete(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{a, b} {
		op, err := tr.Poll(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, schema.StateCancelled, op.State)
	}
}

// TestFinish_RecordsLineage verifies a successful command records where
// its result image came from.
func TestFinish_RecordsLineage(t *testing.T) {
	ctx := context.Background()
	db := store.NewMemory()
	mem := memory.New()
	lin := lineage.New(db, nil)
	tr := New(mem, Config{Poll: fastPoll, Results: results.New(db, results.Config{}), Lineage: lin})
	t.Cleanup(tr.Close)

	id, err := tr.Submit(ctx, command("python:3.12"))
	require.NoError(t, err)
	res, err := tr.Wait(ctx, []string{id}, WaitAll, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, res.Completed, 1)
	child := res.Completed[0].Result.ResultImage
	require.NotEmpty(t, child)

	chain, err := lin.Ancestors(ctx, child)
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, "python:3.12", chain[0].Parent)
	assert.Equal(t, id, chain[0].OperationID)
}

// TestSubmit_CredentialsNeverCached verifies registry passwords do not
// reach the result cache.
func TestSubmit_CredentialsNeverCached(t *testing.T) {
	ctx := context.Background()
	db := store.NewMemory()
	mem := memory.New()
	tr := newTracker(t, mem, db)

	id, err := tr.Submit(ctx, schema.NewImportRequest(schema.ImportSpec{
		RegistryURL: "registry.example.com/team/app",
		Tag:         "v1",
		Username:    "bot",
		Password:    "hunter2",
	}))
	require.NoError(t, err)
	_, err = tr.Wait(ctx, []string{id}, WaitAll, 5*time.Second)
	require.NoError(t, err)

	rec, err := db.Get(ctx, results.Bucket, id)
	require.NoError(t, err)
	assert.NotContains(t, string(rec.Value), "hunter2")
}

type recorder struct {
	mu     sync.Mutex
	states []schema.State
}

func (r *recorder) OperationUpdated(op schema.Operation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, op.State)
}

// TestObserver_SeesEveryTransition verifies observers are told about each
// state change in order.
func TestObserver_SeesEveryTransition(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	rec := &recorder{}
	tr := New(mem, Config{Poll: fastPoll, Results: results.New(store.NewMemory(), results.Config{}), Observer: rec})
	t.Cleanup(tr.Close)

	id, err := tr.Submit(ctx, command("img"))
	require.NoError(t, err)
	_, err = tr.Wait(ctx, []string{id}, WaitAll, 5*time.Second)
	require.NoError(t, err)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []schema.State{schema.StatePending, schema.StateExecuting, schema.StateSuccess}, rec.states)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("any")
	require.NoError(t, err)
	assert.Equal(t, WaitAny, m)
	_, err = ParseMode("some")
	assert.Error(t, err)
}
