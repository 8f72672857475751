// Package objectstore archives finished jobs as JSON objects, one per job,
// under the jobs/ prefix of an object store.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sqlapi/sqlapi/internal/batch"
	"github.com/sqlapi/sqlapi/internal/jobstore"
	"github.com/sqlapi/sqlapi/internal/storage"
)

type Archive struct {
	objects storage.ObjectStore
}

func NewArchive(objects storage.ObjectStore) (*Archive, error) {
	if objects == nil {
		return nil, fmt.Errorf("object store is required")
	}
	return &Archive{objects: objects}, nil
}

func (a *Archive) HealthCheck(ctx context.Context) error {
	return a.objects.Ping(ctx)
}

func (a *Archive) Save(ctx context.Context, snapshot batch.Snapshot) error {
	key, err := storage.BuildJobArchivePath(snapshot.ID)
	if err != nil {
		return err
	}
	document, err := jobstore.Encode(snapshot)
	if err != nil {
		return err
	}
	if err := a.objects.PutObject(ctx, key, document, "application/json"); err != nil {
		return fmt.Errorf("archive job %s: %w", snapshot.ID, err)
	}
	return nil
}

func (a *Archive) Get(ctx context.Context, id string) (batch.Snapshot, error) {
	key, err := storage.BuildJobArchivePath(id)
	if err != nil {
		return batch.Snapshot{}, batch.ErrJobNotFound
	}
	return a.read(ctx, key)
}

func (a *Archive) List(ctx context.Context, owner string, limit int) ([]batch.Snapshot, error) {
	objects, err := a.archived(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]batch.Snapshot, 0, len(objects))
	for _, object := range objects {
		snapshot, err := a.read(ctx, object.Key)
		if errors.Is(err, batch.ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if owner == "" || snapshot.Owner == owner {
			out = append(out, snapshot)
		}
	}
	return jobstore.SortNewestFirst(out, limit), nil
}

// PurgeFinishedBefore deletes archived jobs that finished before cutoff. A job
// is written after it finishes, so an object last modified before cutoff is
// deleted without being read.
func (a *Archive) PurgeFinishedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	objects, err := a.archived(ctx)
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, object := range objects {
		if object.LastModified.IsZero() || !object.LastModified.Before(cutoff) {
			snapshot, err := a.read(ctx, object.Key)
			if errors.Is(err, batch.ErrJobNotFound) {
				continue
			}
			if err != nil {
				return purged, err
			}
			if snapshot.FinishedAt == nil || !snapshot.FinishedAt.Before(cutoff) {
				continue
			}
		}
		if err := a.objects.DeleteObject(ctx, object.Key); err != nil {
			return purged, fmt.Errorf("delete archived job %q: %w", object.Key, err)
		}
		purged++
	}
	return purged, nil
}

// archived lists the objects that look like job documents.
func (a *Archive) archived(ctx context.Context) ([]storage.ObjectInfo, error) {
	objects, err := a.objects.ListObjects(ctx, storage.JobArchivePrefix)
	if err != nil {
		return nil, fmt.Errorf("list archived jobs: %w", err)
	}
	out := objects[:0]
	for _, object := range objects {
		if _, ok := storage.JobIDFromArchivePath(object.Key); ok {
			out = append(out, object)
		}
	}
	return out, nil
}

func (a *Archive) read(ctx context.Context, key string) (batch.Snapshot, error) {
	document, err := a.objects.GetObject(ctx, key)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return batch.Snapshot{}, batch.ErrJobNotFound
	}
	if err != nil {
		return batch.Snapshot{}, fmt.Errorf("read archived job %q: %w", key, err)
	}
	return jobstore.Decode(document)
}
