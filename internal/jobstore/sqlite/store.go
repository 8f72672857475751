// Package sqlite keeps finished jobs in a local SQLite file for single-node
// deployments.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sqlapi/sqlapi/internal/batch"
	"github.com/sqlapi/sqlapi/internal/jobstore"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db *sql.DB
}

// Open creates the database file if needed and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

func (s *Store) Save(ctx context.Context, snapshot batch.Snapshot) error {
	document, err := jobstore.Encode(snapshot)
	if err != nil {
		return err
	}
	var finishedAt any
	if snapshot.FinishedAt != nil {
		finishedAt = snapshot.FinishedAt.UnixMilli()
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO batch_job (job_id, owner, state, created_at_ms, finished_at_ms, document)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (job_id)
DO UPDATE SET state = excluded.state, finished_at_ms = excluded.finished_at_ms, document = excluded.document`,
		snapshot.ID,
		snapshot.Owner,
		string(snapshot.State),
		snapshot.CreatedAt.UnixMilli(),
		finishedAt,
		string(document),
	)
	if err != nil {
		return fmt.Errorf("save job %s: %w", snapshot.ID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (batch.Snapshot, error) {
	var document string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM batch_job WHERE job_id = ?`, id).Scan(&document)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return batch.Snapshot{}, batch.ErrJobNotFound
		}
		return batch.Snapshot{}, fmt.Errorf("get job: %w", err)
	}
	return jobstore.Decode([]byte(document))
}

func (s *Store) List(ctx context.Context, owner string, limit int) ([]batch.Snapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT document
FROM batch_job
WHERE (? = '' OR owner = ?)
ORDER BY created_at_ms DESC, job_id ASC
LIMIT ?`, owner, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	jobs := make([]batch.Snapshot, 0)
	for rows.Next() {
		var document string
		if err := rows.Scan(&document); err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		snapshot, err := jobstore.Decode([]byte(document))
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, snapshot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job rows: %w", err)
	}
	return jobs, nil
}

func (s *Store) PurgeFinishedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM batch_job WHERE finished_at_ms IS NOT NULL AND finished_at_ms < ?`,
		cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("purge jobs: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge jobs rows affected: %w", err)
	}
	return int(affected), nil
}
