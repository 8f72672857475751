package jobstore

import (
	"context"
	"sync"
	"time"

	"github.com/sqlapi/sqlapi/internal/batch"
)

// Memory keeps encoded jobs in process. Reads decode a fresh copy.
type Memory struct {
	mu   sync.RWMutex
	jobs map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{jobs: map[string][]byte{}}
}

func (m *Memory) Save(_ context.Context, snapshot batch.Snapshot) error {
	encoded, err := Encode(snapshot)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[snapshot.ID] = encoded
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (batch.Snapshot, error) {
	m.mu.RLock()
	encoded, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return batch.Snapshot{}, batch.ErrJobNotFound
	}
	return Decode(encoded)
}

func (m *Memory) List(_ context.Context, owner string, limit int) ([]batch.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]batch.Snapshot, 0, len(m.jobs))
	for _, encoded := range m.jobs {
		snapshot, err := Decode(encoded)
		if err != nil {
			return nil, err
		}
		if owner != "" && snapshot.Owner != owner {
			continue
		}
		out = append(out, snapshot)
	}
	return SortNewestFirst(out, limit), nil
}

func (m *Memory) PurgeFinishedBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	purged := 0
	for id, encoded := range m.jobs {
		snapshot, err := Decode(encoded)
		if err != nil {
			return purged, err
		}
		if finishedBefore(snapshot, cutoff) {
			delete(m.jobs, id)
			purged++
		}
	}
	return purged, nil
}
