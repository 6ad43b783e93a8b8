package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pmquery/internal/engine"
	"pmquery/internal/middleware"
	"pmquery/internal/queryerr"
	"pmquery/internal/schema"
	"pmquery/internal/store/memstore"
)

func newTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	reg := schema.Default()
	e := engine.New(reg, memstore.New(reg))
	for _, req := range []engine.Request{
		{Model: schema.User, Operation: "create", Args: map[string]any{"data": map[string]any{"id": "u1", "email": "ada@example.com", "passwordHash": "x", "name": "Ada"}}},
		{Model: schema.Workspace, Operation: "create", Args: map[string]any{"data": map[string]any{"id": "w1", "name": "Acme", "slug": "acme", "ownerId": "u1"}}},
		{Model: schema.Project, Operation: "create", Args: map[string]any{"data": map[string]any{"id": "p1", "name": "Apollo", "workspaceId": "w1", "teamLeadId": "u1", "status": "ACTIVE"}}},
	} {
		_, err := e.Execute(context.Background(), req)
		require.NoError(t, err)
	}
	return New(e, opts)
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(rr, req)
	return rr
}

func decodeData(t *testing.T, rr *httptest.ResponseRecorder) any {
	t.Helper()
	var out struct {
		Data any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out.Data
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) middleware.ErrorDetail {
	t.Helper()
	var out middleware.ErrorBody
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out.Error
}

func TestOperationRoute(t *testing.T) {
	srv := newTestServer(t, Options{})

	rr := post(t, srv, "/v1/Task/create", `{"data":{"id":"t1","title":"Ship","projectId":"p1","reporterId":"u1"}}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	created := decodeData(t, rr).(map[string]any)
	assert.Equal(t, "TODO", created["status"])

	rr = post(t, srv, "/v1/Task/findUnique", `{"where":{"id":"t1"},"include":{"assignee":true,"reporter":true}}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	found := decodeData(t, rr).(map[string]any)
	assert.Nil(t, found["assignee"])
	assert.Contains(t, found, "assignee")
	assert.Equal(t, "Ada", found["reporter"].(map[string]any)["name"])
}

func TestOperationRoute_EmptyBody(t *testing.T) {
	srv := newTestServer(t, Options{})

	rr := post(t, srv, "/v1/Project/count", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, float64(1), decodeData(t, rr))
}

func TestQueryRoute(t *testing.T) {
	srv := newTestServer(t, Options{})

	rr := post(t, srv, "/v1/query", `{"model":"Project","operation":"findMany","args":{"where":{"status":{"in":["ACTIVE","ON_HOLD"]}}}}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	rows := decodeData(t, rr).([]any)
	require.Len(t, rows, 1)
	assert.Equal(t, "Apollo", rows[0].(map[string]any)["name"])

	rr = post(t, srv, "/v1/query", `{"model":"Project","operation":"findUnique","args":{"where":{"id":"missing"}}}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Nil(t, decodeData(t, rr))
}

func TestQueryRoute_RejectsMalformedEnvelope(t *testing.T) {
	srv := newTestServer(t, Options{})

	for name, body := range map[string]string{
		"not json":        `{`,
		"unknown field":   `{"model":"Project","operation":"count","extra":1}`,
		"missing model":   `{"operation":"count"}`,
		"args not object": `{"model":"Project","operation":"count","args":[1]}`,
	} {
		t.Run(name, func(t *testing.T) {
			rr := post(t, srv, "/v1/query", body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Equal(t, "ValidationError", decodeError(t, rr).Kind)
		})
	}
}

func TestErrorMapping(t *testing.T) {
	srv := newTestServer(t, Options{})

	tests := []struct {
		name   string
		path   string
		body   string
		status int
		kind   string
	}{
		{"validation", "/v1/Project/findMany", `{"take":"many"}`, http.StatusBadRequest, "ValidationError"},
		{"unknown field", "/v1/Project/findMany", `{"where":{"color":"red"}}`, http.StatusBadRequest, "UnknownField"},
		{"type mismatch", "/v1/Project/findMany", `{"where":{"status":"ARCHIVED"}}`, http.StatusBadRequest, "TypeMismatch"},
		{"unknown model", "/v1/Widget/findMany", `{}`, http.StatusNotFound, "UnknownEntity"},
		{"unknown operation", "/v1/Project/explode", `{}`, http.StatusBadRequest, "ValidationError"},
		{"not found", "/v1/Project/findUniqueOrThrow", `{"where":{"id":"nope"}}`, http.StatusNotFound, "RecordNotFound"},
		{"cursor not found", "/v1/Project/findMany", `{"cursor":{"id":"nope"}}`, http.StatusNotFound, "CursorNotFound"},
		{"unique violation", "/v1/User/create", `{"data":{"email":"ada@example.com","passwordHash":"x","name":"Ada 2"}}`, http.StatusConflict, "UniqueConstraintViolation"},
		{"foreign key violation", "/v1/Task/create", `{"data":{"title":"Orphan","projectId":"nope","reporterId":"u1"}}`, http.StatusConflict, "ForeignKeyViolation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := post(t, srv, tt.path, tt.body)
			assert.Equal(t, tt.status, rr.Code, rr.Body.String())
			assert.Equal(t, tt.kind, decodeError(t, rr).Kind)
		})
	}
}

type failingExecutor struct{ err error }

func (f failingExecutor) Execute(context.Context, engine.Request) (any, error) { return nil, f.err }

func TestInternalErrorsAreNotEchoed(t *testing.T) {
	srv := New(failingExecutor{err: fmt.Errorf("dial tcp 10.0.0.5:3306: connection refused")}, Options{})

	rr := post(t, srv, "/v1/Project/count", `{}`)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	detail := decodeError(t, rr)
	assert.Equal(t, "InternalError", detail.Kind)
	assert.NotContains(t, detail.Message, "10.0.0.5")
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, StatusFor(fmt.Errorf("wrapped: %w", queryerr.UniqueViolation("User", []string{"email"}, queryerr.OriginStorage))))
	assert.Equal(t, http.StatusGatewayTimeout, StatusFor(context.DeadlineExceeded))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(errors.New("boom")))
}

type pinger struct{ err error }

func (p pinger) PingContext(context.Context) error { return p.err }

func TestHealth(t *testing.T) {
	rr := httptest.NewRecorder()
	New(failingExecutor{}, Options{Health: pinger{}}).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rr.Body.String())

	rr = httptest.NewRecorder()
	New(failingExecutor{}, Options{Health: pinger{err: errors.New("down")}}).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.NotContains(t, rr.Body.String(), "down")
}

func TestMetricsRouteOnlyWhenConfigured(t *testing.T) {
	rr := httptest.NewRecorder()
	New(failingExecutor{}, Options{}).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("# HELP up\n"))
	})
	rr = httptest.NewRecorder()
	New(failingExecutor{}, Options{Metrics: metrics}).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "# HELP")
}

func TestMethodMismatch(t *testing.T) {
	srv := newTestServer(t, Options{})
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/Project/findMany", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}
