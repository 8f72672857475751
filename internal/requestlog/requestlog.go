// Package requestlog describes what a request asked the server to run. The
// description is attached to responses as a single JSON header.
package requestlog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const HeaderName = "X-Sqlapi-Log"

type EntryType string

const (
	TypeQuery EntryType = "QUERY"
	TypeJob   EntryType = "JOB"
)

// SQL holds the submitted statement or job payload verbatim.
type SQL struct {
	Type EntryType       `json:"type"`
	SQL  json.RawMessage `json:"sql"`
}

type Request struct {
	SQL *SQL `json:"sql"`
}

type Entry struct {
	Request Request `json:"request"`
}

// ForQuery describes a direct query. A blank statement yields a null sql.
func ForQuery(sqlText string) Entry {
	if strings.TrimSpace(sqlText) == "" {
		return Entry{}
	}
	encoded, err := json.Marshal(sqlText)
	if err != nil {
		return Entry{}
	}
	return Entry{Request: Request{SQL: &SQL{Type: TypeQuery, SQL: encoded}}}
}

// ForJob describes a job submission. The payload is kept as submitted, so a
// sequence or fallback object is logged unflattened.
func ForJob(payload json.RawMessage) Entry {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || !json.Valid(trimmed) {
		return Entry{}
	}
	return Entry{Request: Request{SQL: &SQL{Type: TypeJob, SQL: append(json.RawMessage(nil), trimmed...)}}}
}

// Encode renders the entry as compact single-line JSON.
func (e Entry) Encode() ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(e); err != nil {
		return nil, fmt.Errorf("encode request log: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Reporter attaches entries to responses when request logging is enabled.
type Reporter struct {
	enabled bool
}

func NewReporter(enabled bool) *Reporter {
	return &Reporter{enabled: enabled}
}

func (r *Reporter) Enabled() bool {
	return r != nil && r.enabled
}

// Attach sets the log header. It must run before the response header is
// written.
func (r *Reporter) Attach(w http.ResponseWriter, entry Entry) {
	if !r.Enabled() {
		return
	}
	encoded, err := entry.Encode()
	if err != nil {
		return
	}
	w.Header().Set(HeaderName, string(encoded))
}
