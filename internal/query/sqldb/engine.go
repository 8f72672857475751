package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/sqlapi/sqlapi/internal/query"
)

// Engine runs statements on any database/sql pool. Cancelling ctx aborts the
// statement in the driver.
type Engine struct {
	DB       *sql.DB
	RowLimit int
}

func NewEngine(db *sql.DB, rowLimit int) *Engine {
	return &Engine{DB: db, RowLimit: rowLimit}
}

func (e *Engine) Execute(ctx context.Context, request query.Request) (query.Result, error) {
	sqlText := stripTrailingSemicolons(request.SQL)
	if sqlText == "" {
		return query.Result{}, &query.Error{Kind: query.ErrorKindExecution, Message: "sql is required"}
	}
	if e.DB == nil {
		return query.Result{}, fmt.Errorf("database is required")
	}

	if !request.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, request.Deadline)
		defer cancel()
	}

	limit := request.RowLimit
	if limit <= 0 {
		limit = e.RowLimit
	}

	start := time.Now()
	rows, err := e.DB.QueryContext(ctx, sqlText)
	if err != nil {
		return query.Result{}, query.Classify(ctx, err)
	}
	defer func() { _ = rows.Close() }()

	names, err := rows.Columns()
	if err != nil {
		return query.Result{}, query.Classify(ctx, fmt.Errorf("query columns: %w", err))
	}

	resultRows := make([][]any, 0)
	total := 0
	for rows.Next() {
		total++
		if limit > 0 && len(resultRows) >= limit {
			continue
		}
		values := make([]any, len(names))
		scanTargets := make([]any, len(names))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return query.Result{}, query.Classify(ctx, fmt.Errorf("scan row: %w", err))
		}
		resultRows = append(resultRows, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return query.Result{}, query.Classify(ctx, err)
	}

	return query.Result{
		Columns:   describeColumns(names, resultRows),
		Rows:      resultRows,
		RowCount:  total,
		Truncated: total > len(resultRows),
		Duration:  time.Since(start),
	}, nil
}

func normalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		default:
			normalized[i] = typed
		}
	}
	return normalized
}

// describeColumns names each column's type from the first non-null value seen.
func describeColumns(names []string, rows [][]any) []query.Column {
	columns := make([]query.Column, len(names))
	for i, name := range names {
		columns[i] = query.Column{Name: name, Type: "unknown"}
		for _, row := range rows {
			if row[i] == nil {
				continue
			}
			columns[i].Type = valueType(row[i])
			break
		}
	}
	return columns
}

func valueType(value any) string {
	switch value.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return "number"
	case bool:
		return "boolean"
	case string:
		return "string"
	case time.Time:
		return "date"
	default:
		return "unknown"
	}
}

func stripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}
