// Package httpapi is the REST client for the remote execution service.
//
// Routes:
//
//	POST   /v1/files                 upload a blob (raw body, X-Content-Sha256)
//	POST   /v1/files/confirm         {"sha256": [...]} -> {"known": [...]}
//	POST   /v1/directory-states      {"entries": [...]} -> {"id", "created_at"}
//	POST   /v1/instances             run a command -> {"id", "state"}
//	POST   /v1/imports               import an image -> {"id", "state"}
//	GET    /v1/operations/{id}       -> {"id", "state", "result"}
//	DELETE /v1/operations/{id}       request cancellation
//
// Status mapping: 404 is errs.ErrNotFound; 409 and 410 are
// errs.ErrConflict; 408, 429, 5xx and transport failures are
// errs.ErrNetwork. The client does not retry; wrap it in
// backend.Retrying.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/contree/broker/internal/backend"
	"github.com/contree/broker/internal/errs"
	"github.com/contree/broker/internal/metrics"
	"github.com/contree/broker/internal/schema"
)

func init() {
	backend.Register(backend.KindHTTP, func(opts backend.Options) (backend.Backend, error) {
		return New(opts)
	})
}

// maxErrorBody bounds how much of an error response is read into the
// error message.
const maxErrorBody = 4 << 10

// Client talks to the service over HTTP.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// New creates a client. URL is required.
func New(opts backend.Options) (*Client, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("backend URL is required")
	}
	u, err := url.Parse(opts.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid backend URL %q", opts.URL)
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	return &Client{
		baseURL: strings.TrimRight(opts.URL, "/"),
		token:   opts.Token,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		limiter: limiter,
		logger:  opts.Logger,
	}, nil
}

// do sends a request and decodes a JSON response into out (if non-nil).
// route is the templated path used for metrics and errors.
func (c *Client) do(ctx context.Context, method, route, path string, body io.Reader, contentType string, header http.Header, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errs.Network(err, "%s %s", method, route)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordBackendRequest(method+" "+route, 0, time.Since(start))
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errs.Network(err, "%s %s", method, route)
	}
	defer resp.Body.Close()
	metrics.RecordBackendRequest(method+" "+route, resp.StatusCode, time.Since(start))

	c.logger.Debug("backend request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(method, route, resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.Network(err, "%s %s: malformed response", method, route)
	}
	return nil
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func statusError(method, route string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(raw))
	var eb errorBody
	if json.Unmarshal(raw, &eb) == nil {
		if eb.Message != "" {
			msg = eb.Message
		} else if eb.Error != "" {
			msg = eb.Error
		}
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errs.NotFound("%s %s: %s", method, route, msg)
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusGone:
		return errs.Conflict("%s %s: %s", method, route, msg)
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return errs.Network(nil, "%s %s: %d %s", method, route, resp.StatusCode, msg)
	default:
		return fmt.Errorf("%s %s: backend returned %d: %s", method, route, resp.StatusCode, msg)
	}
}

func jsonBody(v any) (io.Reader, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	return bytes.NewReader(data), nil
}

// UploadBlobIfMissing uploads a blob. The service answers 200 for an
// existing blob, so repeated uploads are harmless.
func (c *Client) UploadBlobIfMissing(ctx context.Context, hash string, data []byte) error {
	header := http.Header{"X-Content-Sha256": []string{hash}}
	return c.do(ctx, http.MethodPost, "/v1/files", "/v1/files",
		bytes.NewReader(data), "application/octet-stream", header, nil)
}

type confirmRequest struct {
	Hashes []string `json:"sha256"`
}

type confirmResponse struct {
	Known []string `json:"known"`
}

// BatchConfirm asks which hashes the service already has.
func (c *Client) BatchConfirm(ctx context.Context, hashes []string) ([]string, error) {
	body, err := jsonBody(confirmRequest{Hashes: hashes})
	if err != nil {
		return nil, err
	}
	var resp confirmResponse
	if err := c.do(ctx, http.MethodPost, "/v1/files/confirm", "/v1/files/confirm",
		body, "application/json", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Known, nil
}

type registerRequest struct {
	Entries schema.Manifest `json:"entries"`
}

type registerResponse struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// RegisterDirectoryState registers a manifest.
func (c *Client) RegisterDirectoryState(ctx context.Context, manifest schema.Manifest) (schema.DirectoryState, error) {
	body, err := jsonBody(registerRequest{Entries: manifest})
	if err != nil {
		return schema.DirectoryState{}, err
	}
	var resp registerResponse
	if err := c.do(ctx, http.MethodPost, "/v1/directory-states", "/v1/directory-states",
		body, "application/json", nil, &resp); err != nil {
		return schema.DirectoryState{}, err
	}
	if resp.ID == "" {
		return schema.DirectoryState{}, errs.Network(nil, "register returned no id")
	}
	if resp.CreatedAt.IsZero() {
		resp.CreatedAt = time.Now()
	}
	return schema.DirectoryState{ID: resp.ID, Manifest: manifest, CreatedAt: resp.CreatedAt}, nil
}

type operationResponse struct {
	ID     string         `json:"id"`
	State  string         `json:"state"`
	Result *schema.Result `json:"result,omitempty"`
}

// commandBody is the wire form of a command request. Timeout travels as
// whole seconds.
type commandBody struct {
	schema.CommandSpec
	Timeout int64 `json:"timeout,omitempty"`
}

// SubmitOperation starts a command or import.
func (c *Client) SubmitOperation(ctx context.Context, req schema.Request) (string, schema.State, error) {
	if err := req.Validate(); err != nil {
		return "", "", fmt.Errorf("invalid request: %w", err)
	}

	var route string
	var payload any
	switch req.Kind {
	case schema.KindCommand:
		route = "/v1/instances"
		payload = commandBody{CommandSpec: *req.Command, Timeout: int64(req.Command.Timeout / time.Second)}
	case schema.KindImport:
		route = "/v1/imports"
		payload = req.Import
	}

	body, err := jsonBody(payload)
	if err != nil {
		return "", "", err
	}
	var header http.Header
	if key := backend.IdempotencyKey(ctx); key != "" {
		header = http.Header{"Idempotency-Key": []string{key}}
	}

	var resp operationResponse
	if err := c.do(ctx, http.MethodPost, route, route, body, "application/json", header, &resp); err != nil {
		return "", "", err
	}
	if resp.ID == "" {
		return "", "", errs.Network(nil, "POST %s returned no operation id", route)
	}
	state := schema.StatePending
	if resp.State != "" {
		if state, err = schema.ParseState(resp.State); err != nil {
			return "", "", errs.Network(err, "POST %s", route)
		}
	}
	return resp.ID, state, nil
}

// GetOperation fetches an operation's state.
func (c *Client) GetOperation(ctx context.Context, id string) (schema.State, *schema.Result, error) {
	var resp operationResponse
	path := "/v1/operations/" + url.PathEscape(id)
	if err := c.do(ctx, http.MethodGet, "/v1/operations/{id}", path, nil, "", nil, &resp); err != nil {
		return "", nil, err
	}
	state, err := schema.ParseState(resp.State)
	if err != nil {
		return "", nil, errs.Network(err, "GET /v1/operations/%s", id)
	}
	if !state.IsTerminal() {
		return state, nil, nil
	}
	return state, resp.Result, nil
}

// CancelOperation requests cancellation. A 409 means the operation has
// already finished, which is not an error for the caller.
func (c *Client) CancelOperation(ctx context.Context, id string) error {
	path := "/v1/operations/" + url.PathEscape(id)
	err := c.do(ctx, http.MethodDelete, "/v1/operations/{id}", path, nil, "", nil, nil)
	if errors.Is(err, errs.ErrConflict) {
		return nil
	}
	return err
}
