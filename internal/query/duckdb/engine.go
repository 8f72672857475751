package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/sqlapi/sqlapi/internal/query/sqldb"
)

type Config struct {
	// Path is the database file. Empty opens an in-memory database.
	Path    string
	Threads int
	// InitSQL runs once after open, e.g. to ATTACH or INSTALL extensions.
	InitSQL []string
}

func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	dsn := strings.TrimSpace(cfg.Path)
	if cfg.Threads > 0 {
		dsn = fmt.Sprintf("%s?threads=%d", dsn, cfg.Threads)
	}

	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}

	for _, statement := range cfg.InitSQL {
		if strings.TrimSpace(statement) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, statement); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("duckdb init %q: %w", statement, err)
		}
	}

	return db, nil
}

func NewEngine(db *sql.DB, rowLimit int) *sqldb.Engine {
	return sqldb.NewEngine(db, rowLimit)
}
