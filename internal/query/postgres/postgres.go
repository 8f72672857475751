// Package postgres connects the query engine and the job store to Postgres
// through pgx.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/sqlapi/sqlapi/internal/query/sqldb"
)

const (
	defaultApplicationName = "sqlapi"
	defaultPingTimeout     = 5 * time.Second
)

// DBConfig sizes the database/sql pool. Zero values keep the pool defaults.
type DBConfig struct {
	DSN             string
	ApplicationName string
	PingTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

// Open parses the DSN with pgx, tags sessions with an application_name so
// they are recognisable in pg_stat_activity, and pings before returning.
func Open(ctx context.Context, cfg DBConfig) (*sql.DB, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres dsn is required")
	}
	connConfig, err := pgx.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if _, set := connConfig.RuntimeParams["application_name"]; !set {
		name := cfg.ApplicationName
		if name == "" {
			name = defaultApplicationName
		}
		connConfig.RuntimeParams["application_name"] = name
	}

	db := stdlib.OpenDB(*connConfig)
	cfg.applyPool(db)

	timeout := cfg.PingTimeout
	if timeout <= 0 {
		timeout = defaultPingTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func (cfg DBConfig) applyPool(db *sql.DB) {
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
}

// NewEngine runs user statements on db. pgx aborts the server-side statement
// when the statement context is cancelled.
func NewEngine(db *sql.DB, rowLimit int) *sqldb.Engine {
	return sqldb.NewEngine(db, rowLimit)
}
