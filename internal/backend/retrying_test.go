package backend_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contree/broker/internal/backend"
	"github.com/contree/broker/internal/backend/memory"
	"github.com/contree/broker/internal/errs"
	"github.com/contree/broker/internal/retry"
	"github.com/contree/broker/internal/schema"
)

func fast(attempts int) retry.Config {
	return retry.Config{MaxAttempts: attempts, InitialWait: time.Millisecond, MaxWait: time.Millisecond, Multiplier: 1}
}

func TestRetrying_IdempotentCallsRetry(t *testing.T) {
	fake := memory.New()
	r := backend.NewRetrying(fake, fast(5), fast(2), nil)
	fake.FailNext(memory.CallConfirm, errs.Network(nil, "503"), errs.Network(nil, "503"))

	_, err := r.BatchConfirm(context.Background(), []string{schema.HashBytes(nil)})
	require.NoError(t, err)
	assert.Equal(t, 3, fake.Calls(memory.CallConfirm))
}

// TestRetrying_SideEffectCallsAreBounded verifies submit is attempted at
// most the side-effect limit.
func TestRetrying_SideEffectCallsAreBounded(t *testing.T) {
	fake := memory.New()
	r := backend.NewRetrying(fake, fast(5), fast(2), nil)
	for i := 0; i < 5; i++ {
		fake.FailNext(memory.CallSubmit, errs.Network(nil, "reset"))
	}

	req := schema.NewCommandRequest(schema.CommandSpec{Command: "true", Image: "img"})
	_, _, err := r.SubmitOperation(context.Background(), req)
	assert.ErrorIs(t, err, errs.ErrNetwork)
	assert.Equal(t, 2, fake.Calls(memory.CallSubmit))
}

func TestRetrying_PermanentErrorsAreNotRetried(t *testing.T) {
	fake := memory.New()
	r := backend.NewRetrying(fake, fast(5), fast(2), nil)

	_, _, err := r.GetOperation(context.Background(), "missing")
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.Equal(t, 1, fake.Calls(memory.CallGet))
}

func TestRegistry_UnknownKind(t *testing.T) {
	_, err := backend.Open("grpc", backend.Options{})
	assert.ErrorContains(t, err, "unknown backend")
}

func TestIdempotencyKeyRoundTrip(t *testing.T) {
	ctx := backend.WithIdempotencyKey(context.Background(), "abc")
	assert.Equal(t, "abc", backend.IdempotencyKey(ctx))
	assert.Empty(t, backend.IdempotencyKey(context.Background()))
}
