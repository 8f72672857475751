package batch

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// Snapshot is a point-in-time copy of a job. It never aliases scheduler state.
type Snapshot struct {
	ID         string                `json:"id"`
	Owner      string                `json:"owner,omitempty"`
	State      JobState              `json:"state"`
	Query      json.RawMessage       `json:"query"`
	CreatedAt  time.Time             `json:"created_at"`
	StartedAt  *time.Time            `json:"started_at,omitempty"`
	FinishedAt *time.Time            `json:"finished_at,omitempty"`
	Results    map[string]NodeResult `json:"results"`
	Running    []string              `json:"running,omitempty"`
	LastError  *ErrorInfo            `json:"last_error,omitempty"`
}

type JobHandle struct {
	ID        string
	CreatedAt time.Time
	done      <-chan struct{}
}

// Done is closed once the job is terminal and has been handed to the store.
func (h JobHandle) Done() <-chan struct{} {
	return h.done
}

func (h JobHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type job struct {
	id        string
	owner     string
	createdAt time.Time
	tree      *Tree
	raw       json.RawMessage

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.RWMutex
	state      JobState
	startedAt  time.Time
	finishedAt time.Time
	results    map[string]NodeResult
	running    map[string]struct{}
	lastError  *ErrorInfo
}

func (j *job) transition(to JobState, now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !canTransition(j.state, to) {
		return false
	}
	j.state = to
	if to == JobStateRunning {
		j.startedAt = now
	}
	if to.Terminal() {
		j.finishedAt = now
		j.running = map[string]struct{}{}
	}
	return true
}

// record stores a leaf result. Results arriving after the job left the
// running state are dropped.
func (j *job) record(path string, result NodeResult) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.running, path)
	if j.state != JobStateRunning {
		return false
	}
	j.results[path] = result
	return true
}

func (j *job) markRunning(path string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state == JobStateRunning {
		j.running[path] = struct{}{}
	}
}

func (j *job) clearRunning() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.running = map[string]struct{}{}
}

func (j *job) setLastError(info *ErrorInfo) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.lastError = info
}

func (j *job) snapshot() Snapshot {
	j.mu.RLock()
	defer j.mu.RUnlock()

	snap := Snapshot{
		ID:        j.id,
		Owner:     j.owner,
		State:     j.state,
		Query:     append(json.RawMessage(nil), j.raw...),
		CreatedAt: j.createdAt,
		Results:   make(map[string]NodeResult, len(j.results)),
		LastError: j.lastError.clone(),
	}
	if !j.startedAt.IsZero() {
		startedAt := j.startedAt
		snap.StartedAt = &startedAt
	}
	if !j.finishedAt.IsZero() {
		finishedAt := j.finishedAt
		snap.FinishedAt = &finishedAt
	}
	for path, result := range j.results {
		snap.Results[path] = result.clone()
	}
	for path := range j.running {
		snap.Running = append(snap.Running, path)
	}
	sort.Strings(snap.Running)
	return snap
}
