package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sqlapi/sqlapi/internal/auth"
	"github.com/sqlapi/sqlapi/internal/config"
)

func TestHealthEndpointNamesService(t *testing.T) {
	h := NewHandler(loadConfig(t, nil), Dependencies{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if service := decodeBody(t, rr)["service"]; service != "sqlapi-server" {
		t.Fatalf("service = %v", service)
	}
}

func TestReadyEndpoint(t *testing.T) {
	drained := newTestScheduler(t, &fakeEngine{})
	if err := drained.Drain(context.Background()); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}

	tests := map[string]struct {
		deps     Dependencies
		status   int
		wantCode string
	}{
		"no checks": {status: http.StatusOK},
		"dependency down": {
			deps:     Dependencies{Readiness: func(context.Context) error { return errors.New("dependency down") }},
			status:   http.StatusServiceUnavailable,
			wantCode: "NOT_READY",
		},
		"check honours timeout": {
			deps: Dependencies{
				DependencyTimeout: 10 * time.Millisecond,
				Readiness: func(ctx context.Context) error {
					<-ctx.Done()
					return ctx.Err()
				},
			},
			status:   http.StatusServiceUnavailable,
			wantCode: "NOT_READY",
		},
		"draining scheduler": {
			deps:     Dependencies{Jobs: drained},
			status:   http.StatusServiceUnavailable,
			wantCode: "SCHEDULER_DRAINING",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			NewHandler(loadConfig(t, nil), tc.deps).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/ready", nil))
			if rr.Code != tc.status {
				t.Fatalf("status = %d, want %d", rr.Code, tc.status)
			}
			if tc.wantCode != "" {
				if code := decodeBody(t, rr)["error_code"]; code != tc.wantCode {
					t.Fatalf("error_code = %v, want %s", code, tc.wantCode)
				}
			}
		})
	}
}

func TestAPIRoutesRequireKeyWhenAuthRequired(t *testing.T) {
	cfg := loadConfig(t, map[string]string{"SQLAPI_AUTH_REQUIRED": "true"})
	validator, err := auth.NewStaticAPIKeyValidator("k1:alice:sql_query")
	if err != nil {
		t.Fatalf("validator setup failed: %v", err)
	}
	h := NewHandler(cfg, Dependencies{
		AuthMiddleware: auth.Middleware(nil, validator),
		QueryEngine:    &fakeEngine{},
	})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/sql?q=SELECT+1", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("without key: status = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/sql?q=SELECT+1&api_key=k1", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("with key: status = %d, body = %s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("health must stay public: status = %d", rr.Code)
	}
}

func TestAPIRoutesFailClosedWithoutAuthMiddleware(t *testing.T) {
	cfg := loadConfig(t, map[string]string{"SQLAPI_AUTH_REQUIRED": "true"})
	h := NewHandler(cfg, Dependencies{QueryEngine: &fakeEngine{}})

	for _, route := range apiRoutes {
		method, path, _ := strings.Cut(route.pattern, " ")
		path = strings.Replace(path, "{id}", "job-1", 1)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(method, path, nil))
		if rr.Code != http.StatusInternalServerError {
			t.Fatalf("%s: status = %d", route.pattern, rr.Code)
		}
		if code := decodeBody(t, rr)["error_code"]; code != "AUTH_MIDDLEWARE_MISSING" {
			t.Fatalf("%s: error_code = %v", route.pattern, code)
		}
	}
}

func TestCombineReadinessChecksStopsOnFirstFailure(t *testing.T) {
	order := make([]int, 0, 3)
	combined := CombineReadinessChecks(
		func(context.Context) error {
			order = append(order, 1)
			return nil
		},
		func(context.Context) error {
			order = append(order, 2)
			return errors.New("boom")
		},
		func(context.Context) error {
			order = append(order, 3)
			return nil
		},
	)

	if err := combined(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("execution order = %#v", order)
	}
}

func TestCheckDatabaseRequiresPing(t *testing.T) {
	if err := CheckDatabase(nil)(context.Background()); err == nil {
		t.Fatal("expected error without ping")
	}
	if err := CheckDatabase(func(context.Context) error { return nil })(context.Background()); err != nil {
		t.Fatalf("CheckDatabase() error = %v", err)
	}
}

func loadConfig(t *testing.T, env map[string]string) config.Config {
	t.Helper()
	if env == nil {
		env = map[string]string{}
	}
	cfg, err := config.Load("sqlapi-server", mapLookup(env))
	if err != nil {
		t.Fatalf("config load failed: %v", err)
	}
	return cfg
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("json decode failed: %v, body = %s", err, rr.Body.String())
	}
	return body
}

func mapLookup(values map[string]string) config.LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}
