package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/sqlapi/sqlapi/internal/auth"
	"github.com/sqlapi/sqlapi/internal/batch"
	"github.com/sqlapi/sqlapi/internal/requestlog"
)

const (
	defaultJobListLimit = 100
	maxJobListLimit     = 1000
)

type createJobResponse struct {
	JobID     string         `json:"job_id"`
	Status    batch.JobState `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
}

type jobResponse struct {
	JobID        string                      `json:"job_id"`
	User         string                      `json:"user"`
	Status       batch.JobState              `json:"status"`
	Query        json.RawMessage             `json:"query"`
	CreatedAt    time.Time                   `json:"created_at"`
	UpdatedAt    time.Time                   `json:"updated_at"`
	StartedAt    *time.Time                  `json:"started_at,omitempty"`
	FinishedAt   *time.Time                  `json:"finished_at,omitempty"`
	Results      map[string]batch.NodeResult `json:"results"`
	Running      []string                    `json:"running,omitempty"`
	FailedReason string                      `json:"failed_reason,omitempty"`
	LastError    *batch.ErrorInfo            `json:"last_error,omitempty"`
}

type jobListResponse struct {
	Jobs []jobResponse `json:"jobs"`
}

func handleCreateJob(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	payload, err := jobPayloadFromRequest(r)
	if err != nil {
		deps.RequestLog.Attach(w, requestlog.ForJob(nil))
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid job request body", false, map[string]any{"details": err.Error()})
		return
	}
	deps.RequestLog.Attach(w, requestlog.ForJob(payload))

	if err := requireRole(r, auth.RoleJobs); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}
	if deps.Jobs == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "JOBS_NOT_CONFIGURED", "batch jobs are not configured", false, nil)
		return
	}

	handle, err := deps.Jobs.CreateJob(r.Context(), batch.Submission{
		Owner:   ownerFromRequest(r),
		Payload: payload,
	})
	if err != nil {
		writeJobError(w, r, err)
		return
	}

	w.Header().Set("Location", "/api/v1/sql/job/"+handle.ID)
	writeJSON(w, http.StatusCreated, createJobResponse{
		JobID:     handle.ID,
		Status:    batch.JobStatePending,
		CreatedAt: handle.CreatedAt,
	})
}

func handleGetJob(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Jobs == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "JOBS_NOT_CONFIGURED", "batch jobs are not configured", false, nil)
		return
	}
	snapshot, err := deps.Jobs.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		writeJobError(w, r, err)
		return
	}
	if !visibleTo(snapshot, ownerFromRequest(r)) {
		writeJobError(w, r, batch.ErrJobNotFound)
		return
	}
	writeJSON(w, http.StatusOK, newJobResponse(snapshot))
}

// handleCancelJob checks ownership before cancelling so a caller cannot stop
// another owner's job.
func handleCancelJob(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Jobs == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "JOBS_NOT_CONFIGURED", "batch jobs are not configured", false, nil)
		return
	}
	if err := requireRole(r, auth.RoleJobs); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}
	id := r.PathValue("id")
	current, err := deps.Jobs.GetJob(r.Context(), id)
	if err != nil {
		writeJobError(w, r, err)
		return
	}
	if !visibleTo(current, ownerFromRequest(r)) {
		writeJobError(w, r, batch.ErrJobNotFound)
		return
	}
	snapshot, err := deps.Jobs.Cancel(r.Context(), id)
	if err != nil {
		writeJobError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobResponse(snapshot))
}

func handleListJobs(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Jobs == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "JOBS_NOT_CONFIGURED", "batch jobs are not configured", false, nil)
		return
	}
	limit := defaultJobListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > maxJobListLimit {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be between 1 and 1000", false, map[string]any{"limit": raw})
			return
		}
		limit = parsed
	}

	snapshots, err := deps.Jobs.List(r.Context(), ownerFromRequest(r), limit)
	if err != nil {
		writeJobError(w, r, err)
		return
	}
	response := jobListResponse{Jobs: make([]jobResponse, 0, len(snapshots))}
	for _, snapshot := range snapshots {
		response.Jobs = append(response.Jobs, newJobResponse(snapshot))
	}
	writeJSON(w, http.StatusOK, response)
}

func writeJobError(w http.ResponseWriter, r *http.Request, err error) {
	var malformed *batch.MalformedJobSpecError
	switch {
	case errors.As(err, &malformed):
		writeError(r.Context(), w, http.StatusBadRequest, "MALFORMED_JOB_SPEC", malformed.Error(), false, map[string]any{
			"path":   malformed.Path,
			"reason": malformed.Reason,
		})
	case errors.Is(err, batch.ErrMalformedJobSpec):
		writeError(r.Context(), w, http.StatusBadRequest, "MALFORMED_JOB_SPEC", err.Error(), false, nil)
	case errors.Is(err, batch.ErrSchedulerDraining):
		writeError(r.Context(), w, http.StatusServiceUnavailable, "SCHEDULER_DRAINING", err.Error(), true, nil)
	case errors.Is(err, batch.ErrJobNotFound):
		writeError(r.Context(), w, http.StatusNotFound, "JOB_NOT_FOUND", "job was not found", false, map[string]any{"job_id": r.PathValue("id")})
	default:
		writeError(r.Context(), w, http.StatusInternalServerError, "JOB_STORE_ERROR", "failed to load jobs", true, map[string]any{"details": err.Error()})
	}
}

// visibleTo hides jobs owned by someone else. An anonymous caller, which only
// exists with auth disabled, sees every job.
func visibleTo(snapshot batch.Snapshot, owner string) bool {
	return owner == "" || snapshot.Owner == owner
}

func newJobResponse(snapshot batch.Snapshot) jobResponse {
	updated := snapshot.CreatedAt
	switch {
	case snapshot.FinishedAt != nil:
		updated = *snapshot.FinishedAt
	case snapshot.StartedAt != nil:
		updated = *snapshot.StartedAt
	}
	response := jobResponse{
		JobID:      snapshot.ID,
		User:       snapshot.Owner,
		Status:     snapshot.State,
		Query:      snapshot.Query,
		CreatedAt:  snapshot.CreatedAt,
		UpdatedAt:  updated,
		StartedAt:  snapshot.StartedAt,
		FinishedAt: snapshot.FinishedAt,
		Results:    snapshot.Results,
		Running:    snapshot.Running,
		LastError:  snapshot.LastError,
	}
	if response.Results == nil {
		response.Results = map[string]batch.NodeResult{}
	}
	if snapshot.State == batch.JobStateFailed && snapshot.LastError != nil {
		response.FailedReason = snapshot.LastError.Message
	}
	return response
}

// statementPayload encodes a bare form statement as a JSON string. HTML
// characters are left unescaped so the request log shows the statement as
// typed.
func statementPayload(statement string) (json.RawMessage, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(statement); err != nil {
		return nil, err
	}
	return json.RawMessage(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// jobPayloadFromRequest returns the raw query field. A form body carries the
// same JSON text in its query field.
func jobPayloadFromRequest(r *http.Request) (json.RawMessage, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/x-www-form-urlencoded" || mediaType == "multipart/form-data" {
		raw := r.PostFormValue("query")
		if raw == "" {
			return nil, nil
		}
		if !json.Valid([]byte(raw)) {
			return statementPayload(raw)
		}
		return json.RawMessage(raw), nil
	}

	var body struct {
		Query json.RawMessage `json:"query"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}
	return body.Query, nil
}
