// Package jobstore keeps finished batch jobs after the scheduler releases
// them. Every backend stores the JSON form of batch.Snapshot.
package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/sqlapi/sqlapi/internal/batch"
)

type Store interface {
	batch.JobStore
	batch.JobLister
	PurgeFinishedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

func Encode(snapshot batch.Snapshot) ([]byte, error) {
	if snapshot.ID == "" {
		return nil, fmt.Errorf("job id is required")
	}
	encoded, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("encode job %s: %w", snapshot.ID, err)
	}
	return encoded, nil
}

func Decode(data []byte) (batch.Snapshot, error) {
	var snapshot batch.Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return batch.Snapshot{}, fmt.Errorf("decode job: %w", err)
	}
	if snapshot.Results == nil {
		snapshot.Results = map[string]batch.NodeResult{}
	}
	return snapshot, nil
}

// SortNewestFirst orders snapshots by creation time, newest first, and trims
// the result to limit when limit is positive.
func SortNewestFirst(snapshots []batch.Snapshot, limit int) []batch.Snapshot {
	sort.Slice(snapshots, func(i, k int) bool {
		if snapshots[i].CreatedAt.Equal(snapshots[k].CreatedAt) {
			return snapshots[i].ID < snapshots[k].ID
		}
		return snapshots[i].CreatedAt.After(snapshots[k].CreatedAt)
	})
	if limit > 0 && len(snapshots) > limit {
		snapshots = snapshots[:limit]
	}
	return snapshots
}

func finishedBefore(snapshot batch.Snapshot, cutoff time.Time) bool {
	return snapshot.FinishedAt != nil && snapshot.FinishedAt.Before(cutoff)
}
