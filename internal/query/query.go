package query

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type ErrorKind string

const (
	ErrorKindExecution ErrorKind = "execution"
	ErrorKindTimeout   ErrorKind = "timeout"
	ErrorKindCancelled ErrorKind = "cancelled"
)

// Error is the only error shape an Engine reports for a statement that reached the backend.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Classify turns err into an *Error, using ctx to tell deadline expiry and
// cancellation apart from backend failures.
func Classify(ctx context.Context, err error) *Error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: ErrorKindTimeout, Message: "statement timeout", Err: err}
	case errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled):
		return &Error{Kind: ErrorKindCancelled, Message: "statement cancelled", Err: err}
	}
	var queryErr *Error
	if errors.As(err, &queryErr) {
		return queryErr
	}
	return &Error{Kind: ErrorKindExecution, Message: err.Error(), Err: err}
}

type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type Request struct {
	SQL      string
	RowLimit int
	// Deadline is zero when the statement may run until ctx is done.
	Deadline time.Time
}

type Result struct {
	Columns   []Column      `json:"columns"`
	Rows      [][]any       `json:"rows"`
	RowCount  int           `json:"total_rows"`
	Truncated bool          `json:"truncated,omitempty"`
	Duration  time.Duration `json:"duration"`
}

type Engine interface {
	Execute(ctx context.Context, request Request) (Result, error)
}
