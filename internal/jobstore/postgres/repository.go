package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sqlapi/sqlapi/internal/batch"
	"github.com/sqlapi/sqlapi/internal/jobstore"
)

// Repository stores finished jobs in the batch_job table created by the
// migrations package.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping job store db: %w", err)
	}
	return nil
}

func (r *Repository) Save(ctx context.Context, snapshot batch.Snapshot) error {
	document, err := jobstore.Encode(snapshot)
	if err != nil {
		return err
	}
	var finishedAt any
	if snapshot.FinishedAt != nil {
		finishedAt = *snapshot.FinishedAt
	}

	query := `
INSERT INTO batch_job (job_id, owner, state, created_at, finished_at, document)
VALUES ($1, $2, $3, $4, $5, $6::jsonb)
ON CONFLICT (job_id)
DO UPDATE SET state = EXCLUDED.state, finished_at = EXCLUDED.finished_at, document = EXCLUDED.document`
	if _, err := r.db.ExecContext(ctx, query,
		snapshot.ID,
		snapshot.Owner,
		string(snapshot.State),
		snapshot.CreatedAt,
		finishedAt,
		string(document),
	); err != nil {
		return fmt.Errorf("save job %s: %w", snapshot.ID, err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (batch.Snapshot, error) {
	query := `
SELECT document
FROM batch_job
WHERE job_id = $1`

	var document []byte
	if err := r.db.QueryRowContext(ctx, query, id).Scan(&document); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return batch.Snapshot{}, batch.ErrJobNotFound
		}
		return batch.Snapshot{}, fmt.Errorf("get job: %w", err)
	}
	return jobstore.Decode(document)
}

func (r *Repository) List(ctx context.Context, owner string, limit int) ([]batch.Snapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT document
FROM batch_job
WHERE ($1 = '' OR owner = $1)
ORDER BY created_at DESC, job_id ASC
LIMIT $2`, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	jobs := make([]batch.Snapshot, 0)
	for rows.Next() {
		var document []byte
		if err := rows.Scan(&document); err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		snapshot, err := jobstore.Decode(document)
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

func (r *Repository) PurgeFinishedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := r.db.ExecContext(ctx, `
DELETE FROM batch_job
WHERE finished_at IS NOT NULL AND finished_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge jobs: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge jobs rows affected: %w", err)
	}
	return int(affected), nil
}
