package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlapi/sqlapi/internal/batch"
	"github.com/sqlapi/sqlapi/internal/query"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func job(id, owner string, created time.Time) batch.Snapshot {
	finished := created.Add(500 * time.Millisecond)
	return batch.Snapshot{
		ID:         id,
		Owner:      owner,
		State:      batch.JobStateSucceeded,
		Query:      json.RawMessage(`["SELECT 14 as foo","SELECT 15 as bar"]`),
		CreatedAt:  created,
		StartedAt:  &created,
		FinishedAt: &finished,
		Results: map[string]batch.NodeResult{
			"query[0]": {Status: batch.NodeStatusSucceeded, Output: &query.Result{
				Columns:  []query.Column{{Name: "foo", Type: "number"}},
				Rows:     [][]any{{float64(14)}},
				RowCount: 1,
			}},
			"query[1]": {Status: batch.NodeStatusSucceeded},
		},
	}
}

func TestStoreRoundTrip(t *testing.T) {
	store := openTestStore(t)
	want := job("job-1", "tenant-a", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	require.NoError(t, store.Save(context.Background(), want))
	got, err := store.Get(context.Background(), "job-1")
	require.NoError(t, err)

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Get() mismatch (-want +got):\n%s", diff)
	}
}

func TestStoreSaveOverwrites(t *testing.T) {
	store := openTestStore(t)
	snapshot := job("job-1", "tenant-a", time.Now().UTC())
	require.NoError(t, store.Save(context.Background(), snapshot))

	snapshot.State = batch.JobStateCancelled
	require.NoError(t, store.Save(context.Background(), snapshot))

	got, err := store.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, batch.JobStateCancelled, got.State)
}

func TestStoreGetMissing(t *testing.T) {
	_, err := openTestStore(t).Get(context.Background(), "missing")
	assert.ErrorIs(t, err, batch.ErrJobNotFound)
}

func TestStoreListAndPurge(t *testing.T) {
	store := openTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Save(context.Background(), job("job-1", "tenant-a", base)))
	require.NoError(t, store.Save(context.Background(), job("job-2", "tenant-a", base.Add(time.Hour))))
	require.NoError(t, store.Save(context.Background(), job("job-3", "tenant-b", base.Add(2*time.Hour))))

	owned, err := store.List(context.Background(), "tenant-a", 10)
	require.NoError(t, err)
	require.Len(t, owned, 2)
	assert.Equal(t, "job-2", owned[0].ID)

	all, err := store.List(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	purged, err := store.PurgeFinishedBefore(context.Background(), base.Add(90*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, purged)

	remaining, err := store.List(context.Background(), "", 0)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "job-3", remaining[0].ID)
}
