package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlapi/sqlapi/internal/query"
	"github.com/sqlapi/sqlapi/internal/requestlog"
)

type fakeEngine struct {
	mu       sync.Mutex
	failures map[string]*query.Error
	requests []query.Request
}

func (e *fakeEngine) Execute(ctx context.Context, request query.Request) (query.Result, error) {
	e.mu.Lock()
	e.requests = append(e.requests, request)
	failure := e.failures[request.SQL]
	e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return query.Result{}, query.Classify(ctx, err)
	}
	if failure != nil {
		return query.Result{}, failure
	}
	return query.Result{
		Columns:  []query.Column{{Name: "foo", Type: "number"}},
		Rows:     [][]any{{int64(14)}},
		RowCount: 1,
		Duration: 3 * time.Millisecond,
	}, nil
}

func (e *fakeEngine) lastRequest() query.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.requests[len(e.requests)-1]
}

func newQueryHandler(t *testing.T, engine query.Engine, logging bool) http.Handler {
	t.Helper()
	return NewHandler(loadConfig(t, nil), Dependencies{
		QueryEngine:      engine,
		RequestLog:       requestlog.NewReporter(logging),
		StatementTimeout: time.Minute,
	})
}

func TestQueryReturnsRowsAndLogHeader(t *testing.T) {
	engine := &fakeEngine{}
	h := newQueryHandler(t, engine, true)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/sql?q="+url.QueryEscape("SELECT 14 as foo"), nil))

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.JSONEq(t, `{"request":{"sql":{"type":"QUERY","sql":"SELECT 14 as foo"}}}`, rr.Header().Get(requestlog.HeaderName))

	body := decodeBody(t, rr)
	assert.Equal(t, []any{map[string]any{"foo": float64(14)}}, body["rows"])
	assert.Equal(t, map[string]any{"foo": map[string]any{"type": "number"}}, body["fields"])
	assert.Equal(t, float64(1), body["total_rows"])
	assert.Equal(t, float64(3), body["time"])
	assert.False(t, engine.lastRequest().Deadline.IsZero())
}

func TestQueryWithoutSQLLogsNull(t *testing.T) {
	engine := &fakeEngine{}
	h := newQueryHandler(t, engine, true)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/sql", nil))

	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, `{"request":{"sql":null}}`, rr.Header().Get(requestlog.HeaderName))
	assert.Equal(t, "SQL_REQUIRED", decodeBody(t, rr)["error_code"])
	assert.Empty(t, engine.requests)
}

func TestQueryOmitsHeaderWhenLoggingDisabled(t *testing.T) {
	h := newQueryHandler(t, &fakeEngine{}, false)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/sql?q=SELECT+1", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	_, present := rr.Header()[http.CanonicalHeaderKey(requestlog.HeaderName)]
	assert.False(t, present)
}

func TestQueryAcceptsPostBodies(t *testing.T) {
	tests := map[string]func() *http.Request{
		"form": func() *http.Request {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/sql", strings.NewReader("q=SELECT+14+as+foo"))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			return req
		},
		"json": func() *http.Request {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/sql", strings.NewReader(`{"q":"SELECT 14 as foo"}`))
			req.Header.Set("Content-Type", "application/json; charset=utf-8")
			return req
		},
	}
	for name, build := range tests {
		t.Run(name, func(t *testing.T) {
			engine := &fakeEngine{}
			rr := httptest.NewRecorder()
			newQueryHandler(t, engine, true).ServeHTTP(rr, build())

			require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
			assert.Equal(t, "SELECT 14 as foo", engine.lastRequest().SQL)
		})
	}
}

func TestQueryRejectsInvalidJSONBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sql", strings.NewReader(`{"q":`))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	newQueryHandler(t, &fakeEngine{}, true).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, `{"request":{"sql":null}}`, rr.Header().Get(requestlog.HeaderName))
}

func TestQueryMapsEngineErrors(t *testing.T) {
	engine := &fakeEngine{failures: map[string]*query.Error{
		"SELECT broken": {Kind: query.ErrorKindExecution, Message: `syntax error at or near "broken"`},
		"SELECT slow":   {Kind: query.ErrorKindTimeout, Message: "statement timeout"},
	}}
	h := newQueryHandler(t, engine, true)

	tests := []struct {
		sql    string
		status int
		code   string
	}{
		{sql: "SELECT broken", status: http.StatusBadRequest, code: "QUERY_EXECUTION_FAILED"},
		{sql: "SELECT slow", status: http.StatusGatewayTimeout, code: "QUERY_TIMEOUT"},
	}
	for _, tt := range tests {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/sql?q="+url.QueryEscape(tt.sql), nil))

		assert.Equal(t, tt.status, rr.Code, tt.sql)
		assert.Equal(t, tt.code, decodeBody(t, rr)["error_code"], tt.sql)
		assert.Contains(t, rr.Header().Get(requestlog.HeaderName), tt.sql)
	}
}

func TestQueryNotConfigured(t *testing.T) {
	rr := httptest.NewRecorder()
	NewHandler(loadConfig(t, nil), Dependencies{}).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/sql?q=SELECT+1", nil))
	assert.Equal(t, http.StatusNotImplemented, rr.Code)
}
