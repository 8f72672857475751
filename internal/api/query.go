package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/sqlapi/sqlapi/internal/auth"
	"github.com/sqlapi/sqlapi/internal/observability"
	"github.com/sqlapi/sqlapi/internal/query"
	"github.com/sqlapi/sqlapi/internal/requestlog"
)

const maxBodyBytes = 1 << 20

type fieldInfo struct {
	Type string `json:"type"`
}

type queryResponse struct {
	Rows      []map[string]any     `json:"rows"`
	Fields    map[string]fieldInfo `json:"fields"`
	Columns   []string             `json:"columns"`
	Time      int64                `json:"time"`
	TotalRows int                  `json:"total_rows"`
	Truncated bool                 `json:"truncated,omitempty"`
}

// handleQuery runs q immediately and answers with its rows. The request log
// entry is attached before execution so it reflects what was submitted.
func handleQuery(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	sqlText, err := sqlFromRequest(r)
	if err != nil {
		deps.RequestLog.Attach(w, requestlog.ForQuery(""))
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "invalid query request body", false, map[string]any{"details": err.Error()})
		return
	}
	deps.RequestLog.Attach(w, requestlog.ForQuery(sqlText))

	if strings.TrimSpace(sqlText) == "" {
		observability.ObserveDirectQuery("rejected", 0)
		writeError(r.Context(), w, http.StatusBadRequest, "SQL_REQUIRED", "q is required", false, nil)
		return
	}
	if err := requireRole(r, auth.RoleQuery); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}
	if deps.QueryEngine == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "QUERY_NOT_CONFIGURED", "query engine is not configured", false, nil)
		return
	}

	request := query.Request{SQL: sqlText}
	if deps.StatementTimeout > 0 {
		request.Deadline = time.Now().Add(deps.StatementTimeout)
	}

	start := time.Now()
	result, err := deps.QueryEngine.Execute(r.Context(), request)
	elapsed := time.Since(start)
	if err != nil {
		writeQueryError(w, r, err, elapsed)
		return
	}
	observability.ObserveDirectQuery("success", elapsed)
	writeJSON(w, http.StatusOK, newQueryResponse(result))
}

func writeQueryError(w http.ResponseWriter, r *http.Request, err error, elapsed time.Duration) {
	var queryErr *query.Error
	if !errors.As(err, &queryErr) {
		observability.ObserveDirectQuery("error", elapsed)
		writeError(r.Context(), w, http.StatusInternalServerError, "QUERY_ENGINE_ERROR", "query engine failed", true, map[string]any{"details": err.Error()})
		return
	}
	observability.ObserveDirectQuery(string(queryErr.Kind), elapsed)
	details := map[string]any{"kind": queryErr.Kind, "details": queryErr.Message}
	switch queryErr.Kind {
	case query.ErrorKindTimeout:
		writeError(r.Context(), w, http.StatusGatewayTimeout, "QUERY_TIMEOUT", "query exceeded its statement timeout", true, details)
	case query.ErrorKindCancelled:
		writeError(r.Context(), w, http.StatusRequestTimeout, "QUERY_CANCELLED", "query was cancelled", true, details)
	default:
		writeError(r.Context(), w, http.StatusBadRequest, "QUERY_EXECUTION_FAILED", "query execution failed", false, details)
	}
}

func newQueryResponse(result query.Result) queryResponse {
	response := queryResponse{
		Rows:      make([]map[string]any, 0, len(result.Rows)),
		Fields:    make(map[string]fieldInfo, len(result.Columns)),
		Columns:   make([]string, 0, len(result.Columns)),
		Time:      result.Duration.Milliseconds(),
		TotalRows: result.RowCount,
		Truncated: result.Truncated,
	}
	for _, column := range result.Columns {
		response.Fields[column.Name] = fieldInfo{Type: column.Type}
		response.Columns = append(response.Columns, column.Name)
	}
	for _, row := range result.Rows {
		record := make(map[string]any, len(row))
		for i, value := range row {
			if i < len(result.Columns) {
				record[result.Columns[i].Name] = value
			}
		}
		response.Rows = append(response.Rows, record)
	}
	return response
}

// sqlFromRequest reads q from the query string, a form body or a JSON body,
// in that order.
func sqlFromRequest(r *http.Request) (string, error) {
	if q := r.URL.Query().Get("q"); q != "" {
		return q, nil
	}
	if r.Method != http.MethodPost || r.Body == nil {
		return "", nil
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		return r.PostFormValue("q"), nil
	case "application/json":
		var body struct {
			Q string `json:"q"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil {
			if errors.Is(err, io.EOF) {
				return "", nil
			}
			return "", err
		}
		return body.Q, nil
	default:
		return "", nil
	}
}

func ownerFromRequest(r *http.Request) string {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		return identity.Owner
	}
	return strings.TrimSpace(r.Header.Get("X-Sqlapi-User"))
}

// requireRole passes requests without an identity, which only happens when
// auth is disabled.
func requireRole(r *http.Request, role string) error {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || identity.HasRole(role) {
		return nil
	}
	return errors.New("missing required role " + role)
}
