// Package migrations manages the Postgres schema of the batch job store.
package migrations

import (
	"cmp"
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var embeddedFS embed.FS

const (
	migrationTable = "sqlapi_schema_migrations"
	// advisoryLockKey serialises runners across server replicas that all
	// migrate on startup.
	advisoryLockKey int64 = 0x5a1a_0001
)

var migrationNamePattern = regexp.MustCompile(`^([0-9]+)_.+\.(up|down)\.sql$`)

type direction string

const (
	directionUp   direction = "up"
	directionDown direction = "down"
)

type migration struct {
	Version int64
	UpSQL   string
	DownSQL string
}

func (m migration) script(dir direction) string {
	if dir == directionUp {
		return m.UpSQL
	}
	return m.DownSQL
}

type Status struct {
	Applied []int64
	Pending []int64
}

// Runner applies the embedded job store schema. Each migration runs in its
// own transaction together with its bookkeeping row.
type Runner struct {
	fsys fs.FS
}

func NewRunner() *Runner {
	return &Runner{fsys: embeddedFS}
}

func newRunnerFS(fsys fs.FS) *Runner {
	return &Runner{fsys: fsys}
}

// Up applies up to steps pending migrations in version order; steps <= 0
// applies all of them.
func (r *Runner) Up(ctx context.Context, db *sql.DB, steps int) (int, error) {
	return r.migrate(ctx, db, directionUp, steps)
}

// Down rolls back the latest steps applied migrations; steps <= 0 means one.
func (r *Runner) Down(ctx context.Context, db *sql.DB, steps int) (int, error) {
	if steps <= 0 {
		steps = 1
	}
	return r.migrate(ctx, db, directionDown, steps)
}

func (r *Runner) Status(ctx context.Context, db *sql.DB) (Status, error) {
	known, err := loadMigrations(r.fsys)
	if err != nil {
		return Status{}, err
	}
	if err := ensureMigrationTable(ctx, db); err != nil {
		return Status{}, err
	}
	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return Status{}, err
	}

	status := Status{Applied: applied}
	for _, item := range known {
		if !slices.Contains(applied, item.Version) {
			status.Pending = append(status.Pending, item.Version)
		}
	}
	return status, nil
}

func (r *Runner) migrate(ctx context.Context, db *sql.DB, dir direction, steps int) (int, error) {
	known, err := loadMigrations(r.fsys)
	if err != nil {
		return 0, err
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire migration connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, advisoryLockKey); err != nil {
		return 0, fmt.Errorf("lock migrations: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, advisoryLockKey)
	}()

	if err := ensureMigrationTable(ctx, conn); err != nil {
		return 0, err
	}
	applied, err := appliedVersions(ctx, conn)
	if err != nil {
		return 0, err
	}

	todo, err := plan(known, applied, dir, steps)
	if err != nil {
		return 0, err
	}
	for i, item := range todo {
		if err := step(ctx, conn, item, dir); err != nil {
			return i, err
		}
	}
	return len(todo), nil
}

// plan picks the migrations to run: pending ones ascending for up, applied
// ones descending for down.
func plan(known []migration, applied []int64, dir direction, steps int) ([]migration, error) {
	var todo []migration
	if dir == directionUp {
		for _, item := range known {
			if !slices.Contains(applied, item.Version) {
				todo = append(todo, item)
			}
		}
	} else {
		byVersion := make(map[int64]migration, len(known))
		for _, item := range known {
			byVersion[item.Version] = item
		}
		for _, version := range slices.Backward(applied) {
			item, ok := byVersion[version]
			if !ok {
				return nil, fmt.Errorf("applied migration %d is missing from source", version)
			}
			todo = append(todo, item)
		}
	}
	if steps > 0 && len(todo) > steps {
		todo = todo[:steps]
	}
	return todo, nil
}

func step(ctx context.Context, conn *sql.Conn, item migration, dir direction) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %d %s: %w", item.Version, dir, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, item.script(dir)); err != nil {
		return fmt.Errorf("migration %d %s: %w", item.Version, dir, err)
	}
	bookkeeping := `INSERT INTO ` + migrationTable + ` (version) VALUES ($1)`
	if dir == directionDown {
		bookkeeping = `DELETE FROM ` + migrationTable + ` WHERE version = $1`
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, item.Version); err != nil {
		return fmt.Errorf("record migration %d %s: %w", item.Version, dir, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d %s: %w", item.Version, dir, err)
	}
	return nil
}

type execQueryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func ensureMigrationTable(ctx context.Context, db execQueryer) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+migrationTable+` (
	version BIGINT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`)
	if err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	return nil
}

// appliedVersions returns applied versions in ascending order.
func appliedVersions(ctx context.Context, db execQueryer) ([]int64, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM `+migrationTable+` ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("query applied versions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var versions []int64
	for rows.Next() {
		var version int64
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan applied version: %w", err)
		}
		versions = append(versions, version)
	}
	return versions, rows.Err()
}

func loadMigrations(fsys fs.FS) ([]migration, error) {
	names, err := fs.Glob(fsys, "sql/*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	byVersion := map[int64]*migration{}
	for _, name := range names {
		matches := migrationNamePattern.FindStringSubmatch(path.Base(name))
		if matches == nil {
			continue
		}
		version, err := strconv.ParseInt(matches[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse migration version of %q: %w", name, err)
		}
		body, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read migration %q: %w", name, err)
		}

		item, ok := byVersion[version]
		if !ok {
			item = &migration{Version: version}
			byVersion[version] = item
		}
		if direction(matches[2]) == directionUp {
			item.UpSQL = string(body)
		} else {
			item.DownSQL = string(body)
		}
	}

	out := make([]migration, 0, len(byVersion))
	for _, item := range byVersion {
		if strings.TrimSpace(item.UpSQL) == "" {
			return nil, fmt.Errorf("migration %d missing up SQL", item.Version)
		}
		if strings.TrimSpace(item.DownSQL) == "" {
			return nil, fmt.Errorf("migration %d missing down SQL", item.Version)
		}
		out = append(out, *item)
	}
	slices.SortFunc(out, func(a, b migration) int { return cmp.Compare(a.Version, b.Version) })
	return out, nil
}
