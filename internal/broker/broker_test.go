package broker

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contree/broker/internal/backend/memory"
	"github.com/contree/broker/internal/config"
	"github.com/contree/broker/internal/operation"
	"github.com/contree/broker/internal/schema"
	"github.com/contree/broker/internal/syncer"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Backend.Kind = "memory"
	cfg.Store.Driver = "sqlite"
	cfg.Store.Path = filepath.Join(t.TempDir(), "cache.db")
	cfg.Wait.PollInitial = time.Millisecond
	cfg.Wait.PollMax = 5 * time.Millisecond
	return cfg
}

func writeTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("package main\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "lib"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "lib", "lib.go"), []byte("package lib\n"), 0o644))
	return root
}

type recorder struct {
	mu    sync.Mutex
	syncs []string
	ops   []schema.State
}

func (r *recorder) SyncCompleted(root string, _ syncer.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.syncs = append(r.syncs, root)
}

func (r *recorder) OperationUpdated(op schema.Operation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op.State)
}

// TestBrokerEndToEnd verifies a sync, a submit and a wait through the
// assembled components, and that the durable caches are populated.
func TestBrokerEndToEnd(t *testing.T) {
	ctx := context.Background()
	b, err := Open(ctx, testConfig(t), nil)
	require.NoError(t, err)
	defer b.Close(ctx, false)
	assert.False(t, b.Degraded)

	rec := &recorder{}
	b.Observe(rec)

	root := writeTree(t)
	res, err := b.Planner.Sync(ctx, root, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Stats.Files)
	assert.Equal(t, 2, res.Stats.Uploaded)

	id, err := b.Tracker.Submit(ctx, schema.NewCommandRequest(schema.CommandSpec{
		Command:          "go build ./...",
		Image:            "golang",
		DirectoryStateID: res.State.ID,
	}))
	require.NoError(t, err)

	wr, err := b.Tracker.Wait(ctx, []string{id}, operation.WaitAll, 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, wr.Err())
	require.Len(t, wr.Completed, 1)
	assert.Equal(t, schema.StateSuccess, wr.Completed[0].State)

	st, err := b.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Files)
	assert.Equal(t, 2, st.Content)
	assert.Equal(t, 1, st.Results)
	assert.Equal(t, 1, st.Lineage, "non-disposable success records lineage")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{root}, rec.syncs)
	assert.Contains(t, rec.ops, schema.StateSuccess)
}

// TestBrokerPersistsAcrossSessions verifies that a second broker over the
// same store answers a finished operation without the backend.
func TestBrokerPersistsAcrossSessions(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	be := memory.New()
	first := New(ctx, cfg, be, nil)
	id, err := first.Tracker.Submit(ctx, schema.NewCommandRequest(schema.CommandSpec{Command: "true", Image: "alpine", Disposable: true}))
	require.NoError(t, err)
	_, err = first.Tracker.Wait(ctx, []string{id}, operation.WaitAll, 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, first.Close(ctx, false))

	be.ResetCalls()
	second := New(ctx, cfg, be, nil)
	defer second.Close(ctx, false)

	op, err := second.Tracker.Poll(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.StateSuccess, op.State)
	assert.Zero(t, be.TotalCalls())
}

// TestBrokerDegradedStore verifies the in-memory fallback when the store
// cannot be opened.
func TestBrokerDegradedStore(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	cfg.Store.Path = filepath.Join(blocker, "cache.db")

	b := New(ctx, cfg, memory.New(), nil)
	defer b.Close(ctx, false)
	assert.True(t, b.Degraded)

	_, err := b.Planner.Sync(ctx, writeTree(t), nil)
	require.NoError(t, err)

	st, err := b.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Degraded)
	assert.Equal(t, 2, st.Files)
}

func TestOpenUnknownBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backend.Kind = "carrier-pigeon"
	_, err := Open(context.Background(), cfg, nil)
	assert.Error(t, err)
}

// TestCloseCancelsIncomplete verifies that Close cancels pending
// operations only when asked to.
func TestCloseCancelsIncomplete(t *testing.T) {
	ctx := context.Background()
	req := schema.NewCommandRequest(schema.CommandSpec{Command: "sleep 600", Image: "alpine"})

	t.Run("keep running", func(t *testing.T) {
		be := memory.New()
		be.QueueScript(memory.Pending())
		b := New(ctx, testConfig(t), be, nil)
		_, err := b.Tracker.Submit(ctx, req)
		require.NoError(t, err)
		require.NoError(t, b.Close(ctx, false))
		assert.Zero(t, be.Calls(memory.CallCancel))
	})

	t.Run("cancel", func(t *testing.T) {
		be := memory.New()
		be.QueueScript(memory.Pending())
		b := New(ctx, testConfig(t), be, nil)
		_, err := b.Tracker.Submit(ctx, req)
		require.NoError(t, err)
		require.NoError(t, b.Close(ctx, true))
		assert.Equal(t, 1, be.Calls(memory.CallCancel))
	})
}

func TestPruneBefore(t *testing.T) {
	ctx := context.Background()
	b := New(ctx, testConfig(t), memory.New(), nil)
	defer b.Close(ctx, false)

	_, err := b.Planner.Sync(ctx, writeTree(t), nil)
	require.NoError(t, err)

	st, err := b.PruneBefore(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, st.Files)
	assert.Equal(t, 2, st.Content)

	status, err := b.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, status.Files)
	assert.Zero(t, status.Content)
}
