// Package storage is the object store seam behind the job archive. Objects
// are small whole documents, so the interface moves byte slices rather than
// streams.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrObjectTooLarge = errors.New("object exceeds size limit")
)

type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ObjectStore keys are relative to the store; any deployment prefix is
// applied and stripped by the implementation.
type ObjectStore interface {
	PutObject(ctx context.Context, key string, data []byte, contentType string) error
	GetObject(ctx context.Context, key string) ([]byte, error)
	// DeleteObject succeeds when the object is already gone.
	DeleteObject(ctx context.Context, key string) error
	ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Ping(ctx context.Context) error
}
