package objectstore

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlapi/sqlapi/internal/batch"
	"github.com/sqlapi/sqlapi/internal/storage"
)

type memoryObjects struct {
	mu       sync.Mutex
	objects  map[string][]byte
	types    map[string]string
	modified map[string]time.Time
	reads    int
	now      func() time.Time
}

func newMemoryObjects() *memoryObjects {
	return &memoryObjects{
		objects:  map[string][]byte{},
		types:    map[string]string{},
		modified: map[string]time.Time{},
		now:      time.Now,
	}
}

func (m *memoryObjects) PutObject(_ context.Context, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
	m.types[key] = contentType
	m.modified[key] = m.now()
	return nil
}

func (m *memoryObjects) GetObject(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	data, ok := m.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return data, nil
}

func (m *memoryObjects) DeleteObject(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memoryObjects) ListObjects(_ context.Context, prefix string) ([]storage.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.ObjectInfo
	for key, data := range m.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, storage.ObjectInfo{Key: key, Size: int64(len(data)), LastModified: m.modified[key]})
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Key < out[k].Key })
	return out, nil
}

func (m *memoryObjects) Ping(context.Context) error {
	return nil
}

func archived(id, owner string, created time.Time) batch.Snapshot {
	finished := created.Add(time.Second)
	return batch.Snapshot{
		ID:         id,
		Owner:      owner,
		State:      batch.JobStateSucceeded,
		Query:      json.RawMessage(`"SELECT 1"`),
		CreatedAt:  created,
		FinishedAt: &finished,
		Results:    map[string]batch.NodeResult{"query": {Status: batch.NodeStatusSucceeded}},
	}
}

func TestArchiveWritesOneObjectPerJob(t *testing.T) {
	objects := newMemoryObjects()
	archive, err := NewArchive(objects)
	require.NoError(t, err)

	require.NoError(t, archive.Save(context.Background(), archived("job-1", "tenant-a", time.Now().UTC())))

	assert.Contains(t, objects.objects, "jobs/job-1.json")
	assert.Equal(t, "application/json", objects.types["jobs/job-1.json"])

	got, err := archive.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, batch.JobStateSucceeded, got.State)
	assert.Equal(t, "tenant-a", got.Owner)
}

func TestArchiveGetMissingOrInvalidID(t *testing.T) {
	archive, err := NewArchive(newMemoryObjects())
	require.NoError(t, err)

	_, err = archive.Get(context.Background(), "job-404")
	assert.ErrorIs(t, err, batch.ErrJobNotFound)
	_, err = archive.Get(context.Background(), "../etc/passwd")
	assert.ErrorIs(t, err, batch.ErrJobNotFound)
}

func TestArchiveListSkipsForeignObjects(t *testing.T) {
	objects := newMemoryObjects()
	archive, err := NewArchive(objects)
	require.NoError(t, err)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, archive.Save(context.Background(), archived("job-1", "tenant-a", base)))
	require.NoError(t, archive.Save(context.Background(), archived("job-2", "tenant-a", base.Add(time.Minute))))
	require.NoError(t, archive.Save(context.Background(), archived("job-3", "tenant-b", base.Add(2*time.Minute))))
	objects.objects["jobs/readme.txt"] = []byte("not a job")

	jobs, err := archive.List(context.Background(), "tenant-a", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "job-2", jobs[0].ID)
	assert.Equal(t, "job-1", jobs[1].ID)
}

func TestArchivePurgeFinishedBefore(t *testing.T) {
	objects := newMemoryObjects()
	archive, err := NewArchive(objects)
	require.NoError(t, err)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, archive.Save(context.Background(), archived("old", "tenant-a", base)))
	require.NoError(t, archive.Save(context.Background(), archived("new", "tenant-a", base.Add(time.Hour))))

	purged, err := archive.PurgeFinishedBefore(context.Background(), base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
	assert.NotContains(t, objects.objects, "jobs/old.json")
	assert.Contains(t, objects.objects, "jobs/new.json")
}

func TestArchivePurgeSkipsReadingStaleObjects(t *testing.T) {
	objects := newMemoryObjects()
	archive, err := NewArchive(objects)
	require.NoError(t, err)
	cutoff := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	objects.now = func() time.Time { return cutoff.Add(-time.Hour) }
	require.NoError(t, objects.PutObject(context.Background(), "jobs/stale.json", []byte("not json"), "application/json"))
	objects.now = func() time.Time { return cutoff.Add(time.Hour) }
	require.NoError(t, archive.Save(context.Background(), archived("fresh", "tenant-a", cutoff)))

	purged, err := archive.PurgeFinishedBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
	assert.Equal(t, 1, objects.reads)
	assert.NotContains(t, objects.objects, "jobs/stale.json")
	assert.Contains(t, objects.objects, "jobs/fresh.json")
}
