package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contree/broker/internal/backend"
	"github.com/contree/broker/internal/errs"
	"github.com/contree/broker/internal/schema"
)

func newClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(backend.Options{URL: srv.URL, Token: "tok", Timeout: 5 * time.Second})
	require.NoError(t, err)
	return c
}

func TestUploadSendsHashAndAuth(t *testing.T) {
	data := []byte("blob")
	hash := schema.HashBytes(data)

	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/files", r.URL.Path)
		assert.Equal(t, hash, r.Header.Get("X-Content-Sha256"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, data, body)
		w.WriteHeader(http.StatusCreated)
	}))

	require.NoError(t, c.UploadBlobIfMissing(context.Background(), hash, data))
}

func TestBatchConfirm(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req confirmRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Len(t, req.Hashes, 2)
		_ = json.NewEncoder(w).Encode(confirmResponse{Known: req.Hashes[:1]})
	}))

	known, err := c.BatchConfirm(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, known)
}

func TestRegisterDirectoryState(t *testing.T) {
	manifest := schema.Manifest{{Path: "a", Hash: schema.HashBytes([]byte("a"))}}
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/directory-states", r.URL.Path)
		var req registerRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, manifest, req.Entries)
		_, _ = io.WriteString(w, `{"id":"ds-1","created_at":"2026-01-02T03:04:05Z"}`)
	}))

	ds, err := c.RegisterDirectoryState(context.Background(), manifest)
	require.NoError(t, err)
	assert.Equal(t, "ds-1", ds.ID)
	assert.Equal(t, manifest, ds.Manifest)
	assert.Equal(t, 2026, ds.CreatedAt.Year())
}

func TestSubmitCommandAndImport(t *testing.T) {
	var paths []string
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		assert.Equal(t, "key-1", r.Header.Get("Idempotency-Key"))
		if r.URL.Path == "/v1/instances" {
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.EqualValues(t, 90, body["timeout"])
			assert.Equal(t, "make", body["command"])
		}
		_, _ = io.WriteString(w, `{"id":"op-1","state":"queued"}`)
	}))
	ctx := backend.WithIdempotencyKey(context.Background(), "key-1")

	id, state, err := c.SubmitOperation(ctx, schema.NewCommandRequest(schema.CommandSpec{
		Command: "make", Image: "img", Timeout: 90 * time.Second,
	}))
	require.NoError(t, err)
	assert.Equal(t, "op-1", id)
	assert.Equal(t, schema.StatePending, state)

	_, _, err = c.SubmitOperation(ctx, schema.NewImportRequest(schema.ImportSpec{RegistryURL: "docker://alpine"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"/v1/instances", "/v1/imports"}, paths)
}

func TestGetOperationOnlyReturnsResultWhenTerminal(t *testing.T) {
	state := "RUNNING"
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/operations/op-1", r.URL.Path)
		_ = json.NewEncoder(w).Encode(operationResponse{ID: "op-1", State: state, Result: &schema.Result{ExitCode: 3}})
	}))

	got, res, err := c.GetOperation(context.Background(), "op-1")
	require.NoError(t, err)
	assert.Equal(t, schema.StateExecuting, got)
	assert.Nil(t, res)

	state = "FAILED"
	got, res, err = c.GetOperation(context.Background(), "op-1")
	require.NoError(t, err)
	assert.Equal(t, schema.StateFailed, got)
	require.NotNil(t, res)
	assert.Equal(t, 3, res.ExitCode)
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, errs.ErrNotFound},
		{http.StatusConflict, errs.ErrConflict},
		{http.StatusGone, errs.ErrConflict},
		{http.StatusTooManyRequests, errs.ErrNetwork},
		{http.StatusBadGateway, errs.ErrNetwork},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, `{"message":"nope"}`)
			}))
			_, _, err := c.GetOperation(context.Background(), "x")
			assert.ErrorIs(t, err, tt.want)
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestBadRequestIsNotRetryable(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad manifest", http.StatusBadRequest)
	}))
	_, err := c.BatchConfirm(context.Background(), nil)
	require.Error(t, err)
	assert.False(t, errs.IsRetryable(err))
}

func TestCancelConflictMeansAlreadyDone(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusConflict)
	}))
	require.NoError(t, c.CancelOperation(context.Background(), "op-1"))
	assert.EqualValues(t, 1, calls.Load())
}

func TestTransportErrorIsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(backend.Options{URL: url, Timeout: time.Second})
	require.NoError(t, err)
	_, err = c.BatchConfirm(context.Background(), []string{"a"})
	assert.ErrorIs(t, err, errs.ErrNetwork)
}

func TestNewValidatesURL(t *testing.T) {
	_, err := New(backend.Options{})
	assert.Error(t, err)
	_, err = New(backend.Options{URL: "not a url"})
	assert.Error(t, err)
}

func TestRateLimit(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"known":[]}`)
	}))
	c2, err := New(backend.Options{URL: c.baseURL, RequestsPerSecond: 20, Burst: 1})
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := c2.BatchConfirm(context.Background(), nil)
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}
