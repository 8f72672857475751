package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type LookupFunc func(string) (string, bool)

type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileTest Profile = "test"
	ProfileProd Profile = "prod"
)

const (
	BackendPostgres = "postgres"
	BackendDuckDB   = "duckdb"

	JobStoreMemory   = "memory"
	JobStorePostgres = "postgres"
	JobStoreSQLite   = "sqlite"
	JobStoreS3       = "s3"
)

type Config struct {
	Profile       Profile
	Service       ServiceConfig
	HTTP          HTTPConfig
	Backend       BackendConfig
	Batch         BatchConfig
	ObjectStore   ObjectStoreConfig
	Observability ObservabilityConfig
	Auth          AuthConfig
	RateLimit     RateLimitConfig
}

type ServiceConfig struct {
	Name string
}

type HTTPConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// BackendConfig selects the database every statement runs against.
type BackendConfig struct {
	Driver           string
	DSN              string
	DuckDBPath       string
	DuckDBThreads    int
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxIdleTime  time.Duration
	ConnMaxLifetime  time.Duration
	StatementTimeout time.Duration
	RowLimit         int
}

type BatchConfig struct {
	MaxConcurrentJobs   int
	MaxConcurrentLeaves int
	DrainTimeout        time.Duration
	JobStore            string
	JobStoreDSN         string
	SQLitePath          string
	RetentionSchedule   string
	RetentionTTL        time.Duration
}

type ObjectStoreConfig struct {
	Endpoint         string
	Region           string
	Bucket           string
	AccessKeyID      string
	SecretAccessKey  string
	UseSSL           bool
	Prefix           string
	AutoCreateBucket bool
}

type ObservabilityConfig struct {
	LogLevel     slog.Level
	LogJSON      bool
	LogQueries   bool
	OTLPEndpoint string
}

type AuthConfig struct {
	Required   bool
	StaticKeys string
}

type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

func LoadFromEnv(serviceName string) (Config, error) {
	return Load(serviceName, os.LookupEnv)
}

func Load(serviceName string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	profile := ProfileDev
	if raw, ok := lookup("SQLAPI_PROFILE"); ok {
		profile = Profile(strings.ToLower(strings.TrimSpace(raw)))
	}
	if !isValidProfile(profile) {
		return Config{}, fmt.Errorf("invalid SQLAPI_PROFILE: %q", profile)
	}

	cfg := defaultsForProfile(profile)
	if serviceName != "" {
		cfg.Service.Name = serviceName
	}

	env := envReader{lookup: lookup}
	readEnv(&env, "SQLAPI_SERVICE_NAME", &cfg.Service.Name, asString)
	readEnv(&env, "SQLAPI_HTTP_ADDR", &cfg.HTTP.Address, asString)
	readEnv(&env, "SQLAPI_HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout, time.ParseDuration)
	readEnv(&env, "SQLAPI_HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout, time.ParseDuration)
	readEnv(&env, "SQLAPI_HTTP_IDLE_TIMEOUT", &cfg.HTTP.IdleTimeout, time.ParseDuration)

	readEnv(&env, "SQLAPI_BACKEND_DRIVER", &cfg.Backend.Driver, asString)
	readEnv(&env, "SQLAPI_BACKEND_DSN", &cfg.Backend.DSN, asString)
	readEnv(&env, "SQLAPI_DUCKDB_PATH", &cfg.Backend.DuckDBPath, asString)
	readEnv(&env, "SQLAPI_DUCKDB_THREADS", &cfg.Backend.DuckDBThreads, strconv.Atoi)
	readEnv(&env, "SQLAPI_BACKEND_MAX_OPEN_CONNS", &cfg.Backend.MaxOpenConns, strconv.Atoi)
	readEnv(&env, "SQLAPI_BACKEND_MAX_IDLE_CONNS", &cfg.Backend.MaxIdleConns, strconv.Atoi)
	readEnv(&env, "SQLAPI_BACKEND_CONN_MAX_IDLE_TIME", &cfg.Backend.ConnMaxIdleTime, time.ParseDuration)
	readEnv(&env, "SQLAPI_BACKEND_CONN_MAX_LIFETIME", &cfg.Backend.ConnMaxLifetime, time.ParseDuration)
	readEnv(&env, "SQLAPI_STATEMENT_TIMEOUT", &cfg.Backend.StatementTimeout, time.ParseDuration)
	readEnv(&env, "SQLAPI_ROW_LIMIT", &cfg.Backend.RowLimit, strconv.Atoi)

	readEnv(&env, "SQLAPI_BATCH_MAX_CONCURRENT_JOBS", &cfg.Batch.MaxConcurrentJobs, strconv.Atoi)
	readEnv(&env, "SQLAPI_BATCH_MAX_CONCURRENT_LEAVES", &cfg.Batch.MaxConcurrentLeaves, strconv.Atoi)
	readEnv(&env, "SQLAPI_BATCH_DRAIN_TIMEOUT", &cfg.Batch.DrainTimeout, time.ParseDuration)
	readEnv(&env, "SQLAPI_JOBSTORE", &cfg.Batch.JobStore, asString)
	readEnv(&env, "SQLAPI_JOBSTORE_DSN", &cfg.Batch.JobStoreDSN, asString)
	readEnv(&env, "SQLAPI_JOBSTORE_SQLITE_PATH", &cfg.Batch.SQLitePath, asString)
	readEnv(&env, "SQLAPI_RETENTION_SCHEDULE", &cfg.Batch.RetentionSchedule, asString)
	readEnv(&env, "SQLAPI_RETENTION_TTL", &cfg.Batch.RetentionTTL, time.ParseDuration)

	readEnv(&env, "SQLAPI_OBJECTSTORE_ENDPOINT", &cfg.ObjectStore.Endpoint, asString)
	readEnv(&env, "SQLAPI_OBJECTSTORE_REGION", &cfg.ObjectStore.Region, asString)
	readEnv(&env, "SQLAPI_OBJECTSTORE_BUCKET", &cfg.ObjectStore.Bucket, asString)
	readEnv(&env, "SQLAPI_OBJECTSTORE_ACCESS_KEY", &cfg.ObjectStore.AccessKeyID, asString)
	readEnv(&env, "SQLAPI_OBJECTSTORE_SECRET_KEY", &cfg.ObjectStore.SecretAccessKey, asString)
	readEnv(&env, "SQLAPI_OBJECTSTORE_USE_SSL", &cfg.ObjectStore.UseSSL, strconv.ParseBool)
	readEnv(&env, "SQLAPI_OBJECTSTORE_PREFIX", &cfg.ObjectStore.Prefix, asString)
	readEnv(&env, "SQLAPI_OBJECTSTORE_AUTO_CREATE_BUCKET", &cfg.ObjectStore.AutoCreateBucket, strconv.ParseBool)

	readEnv(&env, "SQLAPI_LOG_JSON", &cfg.Observability.LogJSON, strconv.ParseBool)
	readEnv(&env, "SQLAPI_LOG_LEVEL", &cfg.Observability.LogLevel, parseLogLevel)
	readEnv(&env, "SQLAPI_LOG_QUERIES", &cfg.Observability.LogQueries, strconv.ParseBool)
	readEnv(&env, "SQLAPI_OTLP_ENDPOINT", &cfg.Observability.OTLPEndpoint, asString)

	readEnv(&env, "SQLAPI_AUTH_REQUIRED", &cfg.Auth.Required, strconv.ParseBool)
	readEnv(&env, "SQLAPI_AUTH_STATIC_KEYS", &cfg.Auth.StaticKeys, asString)

	readEnv(&env, "SQLAPI_RATE_LIMIT_RPS", &cfg.RateLimit.RequestsPerSecond, parseFloat)
	readEnv(&env, "SQLAPI_RATE_LIMIT_BURST", &cfg.RateLimit.Burst, strconv.Atoi)
	if env.err != nil {
		return Config{}, env.err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("service name is required")
	}
	if c.HTTP.Address == "" {
		return fmt.Errorf("http address is required")
	}
	switch c.Backend.Driver {
	case BackendPostgres:
		if c.Backend.DSN == "" {
			return fmt.Errorf("SQLAPI_BACKEND_DSN is required for the postgres backend")
		}
	case BackendDuckDB:
	default:
		return fmt.Errorf("invalid SQLAPI_BACKEND_DRIVER: %q", c.Backend.Driver)
	}
	if c.Backend.StatementTimeout <= 0 {
		return fmt.Errorf("SQLAPI_STATEMENT_TIMEOUT must be positive")
	}
	if c.Backend.RowLimit < 0 {
		return fmt.Errorf("SQLAPI_ROW_LIMIT must not be negative")
	}
	if c.Batch.MaxConcurrentJobs <= 0 || c.Batch.MaxConcurrentLeaves <= 0 {
		return fmt.Errorf("batch concurrency limits must be positive")
	}
	switch c.Batch.JobStore {
	case JobStoreMemory, JobStoreSQLite, JobStoreS3:
	case JobStorePostgres:
		if c.Batch.JobStoreDSN == "" {
			return fmt.Errorf("SQLAPI_JOBSTORE_DSN is required for the postgres job store")
		}
	default:
		return fmt.Errorf("invalid SQLAPI_JOBSTORE: %q", c.Batch.JobStore)
	}
	if c.RateLimit.RequestsPerSecond < 0 {
		return fmt.Errorf("SQLAPI_RATE_LIMIT_RPS must not be negative")
	}
	return nil
}

func defaultsForProfile(profile Profile) Config {
	cfg := Config{
		Profile: profile,
		Service: ServiceConfig{Name: "sqlapi-server"},
		HTTP: HTTPConfig{
			Address:      ":8080",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Backend: BackendConfig{
			Driver:           BackendDuckDB,
			DSN:              "",
			DuckDBPath:       "",
			DuckDBThreads:    0,
			MaxOpenConns:     20,
			MaxIdleConns:     20,
			ConnMaxIdleTime:  5 * time.Minute,
			ConnMaxLifetime:  30 * time.Minute,
			StatementTimeout: 30 * time.Second,
			RowLimit:         10000,
		},
		Batch: BatchConfig{
			MaxConcurrentJobs:   4,
			MaxConcurrentLeaves: 4,
			DrainTimeout:        30 * time.Second,
			JobStore:            JobStoreMemory,
			SQLitePath:          "sqlapi-jobs.db",
			RetentionSchedule:   "@every 10m",
			RetentionTTL:        24 * time.Hour,
		},
		ObjectStore: ObjectStoreConfig{
			Endpoint:         "localhost:9000",
			Region:           "us-east-1",
			Bucket:           "sqlapi",
			AccessKeyID:      "minio",
			SecretAccessKey:  "miniostorage",
			UseSSL:           false,
			Prefix:           "",
			AutoCreateBucket: true,
		},
		Observability: ObservabilityConfig{
			LogLevel: slog.LevelDebug,
			LogJSON:  true,
		},
		Auth: AuthConfig{
			Required:   false,
			StaticKeys: "",
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 0,
			Burst:             20,
		},
	}

	switch profile {
	case ProfileTest:
		cfg.HTTP.Address = ":18080"
		cfg.Observability.LogLevel = slog.LevelWarn
		cfg.Auth.Required = false
	case ProfileProd:
		cfg.Observability.LogLevel = slog.LevelInfo
		cfg.Auth.Required = true
		cfg.ObjectStore.UseSSL = true
		cfg.ObjectStore.AutoCreateBucket = false
		cfg.RateLimit.RequestsPerSecond = 50
	}

	return cfg
}

func isValidProfile(profile Profile) bool {
	switch profile {
	case ProfileDev, ProfileTest, ProfileProd:
		return true
	default:
		return false
	}
}

// envReader applies environment overrides and keeps the first parse error.
type envReader struct {
	lookup LookupFunc
	err    error
}

func readEnv[T any](env *envReader, key string, dst *T, parse func(string) (T, error)) {
	if env.err != nil {
		return
	}
	raw, ok := env.lookup(key)
	if !ok {
		return
	}
	value, err := parse(strings.TrimSpace(raw))
	if err != nil {
		env.err = fmt.Errorf("invalid %s: %w", key, err)
		return
	}
	*dst = value
}

func asString(raw string) (string, error) { return raw, nil }

func parseFloat(raw string) (float64, error) { return strconv.ParseFloat(raw, 64) }

func parseLogLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if strings.EqualFold(raw, "warning") {
		raw = "warn"
	}
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return 0, err
	}
	return level, nil
}
