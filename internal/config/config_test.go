package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoadDefaultsForDevProfile(t *testing.T) {
	cfg, err := Load("sqlapi-server", mapLookup(map[string]string{}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Profile != ProfileDev {
		t.Fatalf("Profile = %q, want %q", cfg.Profile, ProfileDev)
	}
	if cfg.HTTP.Address != ":8080" {
		t.Fatalf("HTTP.Address = %q", cfg.HTTP.Address)
	}
	if cfg.Observability.LogLevel != slog.LevelDebug {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if cfg.Observability.LogQueries {
		t.Fatal("LogQueries should default to false")
	}
	if cfg.Auth.Required {
		t.Fatal("Auth.Required should default to false in dev")
	}
	if cfg.Backend.Driver != BackendDuckDB {
		t.Fatalf("Backend.Driver = %q", cfg.Backend.Driver)
	}
	if cfg.Backend.StatementTimeout != 30*time.Second {
		t.Fatalf("Backend.StatementTimeout = %s", cfg.Backend.StatementTimeout)
	}
	if cfg.Backend.RowLimit != 10000 {
		t.Fatalf("Backend.RowLimit = %d", cfg.Backend.RowLimit)
	}
	if cfg.Batch.MaxConcurrentJobs != 4 || cfg.Batch.MaxConcurrentLeaves != 4 {
		t.Fatalf("Batch limits = %d/%d", cfg.Batch.MaxConcurrentJobs, cfg.Batch.MaxConcurrentLeaves)
	}
	if cfg.Batch.JobStore != JobStoreMemory {
		t.Fatalf("Batch.JobStore = %q", cfg.Batch.JobStore)
	}
	if cfg.Batch.RetentionTTL != 24*time.Hour {
		t.Fatalf("Batch.RetentionTTL = %s", cfg.Batch.RetentionTTL)
	}
	if cfg.RateLimit.RequestsPerSecond != 0 {
		t.Fatalf("RateLimit.RequestsPerSecond = %f", cfg.RateLimit.RequestsPerSecond)
	}
}

func TestLoadProdProfileDefaults(t *testing.T) {
	cfg, err := Load("sqlapi-server", mapLookup(map[string]string{"SQLAPI_PROFILE": "prod"}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Profile != ProfileProd {
		t.Fatalf("Profile = %q, want %q", cfg.Profile, ProfileProd)
	}
	if !cfg.Auth.Required {
		t.Fatal("Auth.Required should default to true in prod")
	}
	if cfg.Observability.LogLevel != slog.LevelInfo {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if !cfg.ObjectStore.UseSSL {
		t.Fatal("ObjectStore.UseSSL should default to true in prod")
	}
	if cfg.RateLimit.RequestsPerSecond != 50 {
		t.Fatalf("RateLimit.RequestsPerSecond = %f", cfg.RateLimit.RequestsPerSecond)
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	lookup := mapLookup(map[string]string{
		"SQLAPI_PROFILE":                     "test",
		"SQLAPI_SERVICE_NAME":                "sqlapi-custom",
		"SQLAPI_HTTP_ADDR":                   ":9999",
		"SQLAPI_HTTP_READ_TIMEOUT":           "2s",
		"SQLAPI_HTTP_WRITE_TIMEOUT":          "3s",
		"SQLAPI_LOG_LEVEL":                   "error",
		"SQLAPI_LOG_QUERIES":                 "true",
		"SQLAPI_OTLP_ENDPOINT":               "otel:4317",
		"SQLAPI_AUTH_REQUIRED":               "true",
		"SQLAPI_AUTH_STATIC_KEYS":            "k1:t1:query_reader",
		"SQLAPI_BACKEND_DRIVER":              "postgres",
		"SQLAPI_BACKEND_DSN":                 "postgres://example",
		"SQLAPI_BACKEND_MAX_OPEN_CONNS":      "42",
		"SQLAPI_BACKEND_MAX_IDLE_CONNS":      "17",
		"SQLAPI_STATEMENT_TIMEOUT":           "90s",
		"SQLAPI_ROW_LIMIT":                   "250",
		"SQLAPI_BATCH_MAX_CONCURRENT_JOBS":   "8",
		"SQLAPI_BATCH_MAX_CONCURRENT_LEAVES": "2",
		"SQLAPI_BATCH_DRAIN_TIMEOUT":         "45s",
		"SQLAPI_JOBSTORE":                    "postgres",
		"SQLAPI_JOBSTORE_DSN":                "postgres://jobs",
		"SQLAPI_RETENTION_SCHEDULE":          "@hourly",
		"SQLAPI_RETENTION_TTL":               "72h",
		"SQLAPI_OBJECTSTORE_ENDPOINT":        "s3.example.com",
		"SQLAPI_OBJECTSTORE_BUCKET":          "sqlapi-prod",
		"SQLAPI_OBJECTSTORE_USE_SSL":         "true",
		"SQLAPI_OBJECTSTORE_PREFIX":          "jobs-root",
		"SQLAPI_RATE_LIMIT_RPS":              "12.5",
		"SQLAPI_RATE_LIMIT_BURST":            "30",
	})
	cfg, err := Load("sqlapi-server", lookup)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Service.Name != "sqlapi-custom" {
		t.Fatalf("Service.Name = %q", cfg.Service.Name)
	}
	if cfg.HTTP.Address != ":9999" {
		t.Fatalf("HTTP.Address = %q", cfg.HTTP.Address)
	}
	if cfg.HTTP.ReadTimeout != 2*time.Second || cfg.HTTP.WriteTimeout != 3*time.Second {
		t.Fatalf("HTTP timeouts = %s/%s", cfg.HTTP.ReadTimeout, cfg.HTTP.WriteTimeout)
	}
	if cfg.Observability.LogLevel != slog.LevelError {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if !cfg.Observability.LogQueries {
		t.Fatal("LogQueries = false, want true")
	}
	if cfg.Observability.OTLPEndpoint != "otel:4317" {
		t.Fatalf("OTLPEndpoint = %q", cfg.Observability.OTLPEndpoint)
	}
	if !cfg.Auth.Required || cfg.Auth.StaticKeys != "k1:t1:query_reader" {
		t.Fatalf("Auth = %+v", cfg.Auth)
	}
	if cfg.Backend.Driver != BackendPostgres || cfg.Backend.DSN != "postgres://example" {
		t.Fatalf("Backend = %+v", cfg.Backend)
	}
	if cfg.Backend.MaxOpenConns != 42 || cfg.Backend.MaxIdleConns != 17 {
		t.Fatalf("Backend pool = %d/%d", cfg.Backend.MaxOpenConns, cfg.Backend.MaxIdleConns)
	}
	if cfg.Backend.StatementTimeout != 90*time.Second {
		t.Fatalf("Backend.StatementTimeout = %s", cfg.Backend.StatementTimeout)
	}
	if cfg.Backend.RowLimit != 250 {
		t.Fatalf("Backend.RowLimit = %d", cfg.Backend.RowLimit)
	}
	if cfg.Batch.MaxConcurrentJobs != 8 || cfg.Batch.MaxConcurrentLeaves != 2 {
		t.Fatalf("Batch limits = %d/%d", cfg.Batch.MaxConcurrentJobs, cfg.Batch.MaxConcurrentLeaves)
	}
	if cfg.Batch.DrainTimeout != 45*time.Second {
		t.Fatalf("Batch.DrainTimeout = %s", cfg.Batch.DrainTimeout)
	}
	if cfg.Batch.JobStore != JobStorePostgres || cfg.Batch.JobStoreDSN != "postgres://jobs" {
		t.Fatalf("Batch job store = %q %q", cfg.Batch.JobStore, cfg.Batch.JobStoreDSN)
	}
	if cfg.Batch.RetentionSchedule != "@hourly" || cfg.Batch.RetentionTTL != 72*time.Hour {
		t.Fatalf("Batch retention = %q %s", cfg.Batch.RetentionSchedule, cfg.Batch.RetentionTTL)
	}
	if cfg.ObjectStore.Endpoint != "s3.example.com" || cfg.ObjectStore.Bucket != "sqlapi-prod" {
		t.Fatalf("ObjectStore = %+v", cfg.ObjectStore)
	}
	if !cfg.ObjectStore.UseSSL || cfg.ObjectStore.Prefix != "jobs-root" {
		t.Fatalf("ObjectStore = %+v", cfg.ObjectStore)
	}
	if cfg.RateLimit.RequestsPerSecond != 12.5 || cfg.RateLimit.Burst != 30 {
		t.Fatalf("RateLimit = %+v", cfg.RateLimit)
	}
}

func TestLoadErrorsOnInvalidValues(t *testing.T) {
	tests := []map[string]string{
		{"SQLAPI_PROFILE": "oops"},
		{"SQLAPI_HTTP_READ_TIMEOUT": "NaN"},
		{"SQLAPI_BACKEND_MAX_OPEN_CONNS": "oops"},
		{"SQLAPI_BACKEND_DRIVER": "oracle"},
		{"SQLAPI_BACKEND_DRIVER": "postgres"},
		{"SQLAPI_STATEMENT_TIMEOUT": "0s"},
		{"SQLAPI_ROW_LIMIT": "-1"},
		{"SQLAPI_BATCH_MAX_CONCURRENT_JOBS": "0"},
		{"SQLAPI_BATCH_MAX_CONCURRENT_LEAVES": "oops"},
		{"SQLAPI_JOBSTORE": "redis"},
		{"SQLAPI_JOBSTORE": "postgres"},
		{"SQLAPI_RATE_LIMIT_RPS": "bad"},
		{"SQLAPI_AUTH_REQUIRED": "not-bool"},
		{"SQLAPI_LOG_LEVEL": "verbose"},
	}
	for _, env := range tests {
		_, err := Load("sqlapi-server", mapLookup(env))
		if err == nil {
			t.Fatalf("Load() expected error for env %#v", env)
		}
	}
}

func mapLookup(values map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}
