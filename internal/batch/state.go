package batch

import (
	"slices"

	"github.com/sqlapi/sqlapi/internal/query"
)

type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
)

func (s JobState) Terminal() bool {
	switch s {
	case JobStateSucceeded, JobStateFailed, JobStateCancelled:
		return true
	default:
		return false
	}
}

func canTransition(from, to JobState) bool {
	switch from {
	case JobStatePending:
		return to == JobStateRunning || to == JobStateCancelled
	case JobStateRunning:
		return to.Terminal()
	default:
		return false
	}
}

type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusSucceeded NodeStatus = "succeeded"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusSkipped   NodeStatus = "skipped"
)

func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeStatusSucceeded, NodeStatusFailed, NodeStatusSkipped:
		return true
	default:
		return false
	}
}

type ErrorInfo struct {
	Kind    query.ErrorKind `json:"kind"`
	Message string          `json:"message"`
}

// NodeResult is recorded once per leaf, keyed by the leaf's path. Skipped
// leaves carry neither Error nor Output.
type NodeResult struct {
	Status NodeStatus    `json:"status"`
	Error  *ErrorInfo    `json:"error,omitempty"`
	Output *query.Result `json:"output,omitempty"`
}

func (e *ErrorInfo) clone() *ErrorInfo {
	if e == nil {
		return nil
	}
	cp := *e
	return &cp
}

// clone copies the result down to the individual rows so callers can never
// reach a live job's state through a snapshot.
func (r NodeResult) clone() NodeResult {
	r.Error = r.Error.clone()
	if r.Output != nil {
		output := *r.Output
		output.Columns = slices.Clone(output.Columns)
		if output.Rows != nil {
			output.Rows = make([][]any, len(r.Output.Rows))
			for i, row := range r.Output.Rows {
				output.Rows[i] = slices.Clone(row)
			}
		}
		r.Output = &output
	}
	return r
}
