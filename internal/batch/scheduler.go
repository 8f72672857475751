package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/sqlapi/sqlapi/internal/observability"
	"github.com/sqlapi/sqlapi/internal/query"
)

var (
	ErrSchedulerDraining = errors.New("scheduler is draining")
	ErrJobNotFound       = errors.New("job not found")
)

const saveTimeout = 5 * time.Second

// JobStore receives every job once it is terminal. Get returns ErrJobNotFound
// for unknown ids.
type JobStore interface {
	Save(ctx context.Context, snapshot Snapshot) error
	Get(ctx context.Context, id string) (Snapshot, error)
}

// JobLister is implemented by stores that can enumerate finished jobs.
type JobLister interface {
	List(ctx context.Context, owner string, limit int) ([]Snapshot, error)
}

type Config struct {
	MaxConcurrentJobs   int
	MaxConcurrentLeaves int
	// StatementTimeout bounds leaves whose payload sets no timeout. Zero means
	// no bound.
	StatementTimeout time.Duration
}

type Submission struct {
	Owner   string
	Payload json.RawMessage
}

type Scheduler struct {
	engine query.Engine
	store  JobStore
	cfg    Config
	logger *slog.Logger
	slots  *semaphore.Weighted
	tracer trace.Tracer

	clock func() time.Time
	newID func() string

	mu       sync.Mutex
	jobs     map[string]*job
	draining bool
	wg       sync.WaitGroup
}

func NewScheduler(engine query.Engine, store JobStore, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 4
	}
	if cfg.MaxConcurrentLeaves <= 0 {
		cfg.MaxConcurrentLeaves = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		engine: engine,
		store:  store,
		cfg:    cfg,
		logger: logger,
		slots:  semaphore.NewWeighted(int64(cfg.MaxConcurrentJobs)),
		tracer: observability.Tracer(),
		clock:  func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
		jobs:   map[string]*job{},
	}
}

// CreateJob validates the payload and queues the job. Malformed payloads are
// rejected with an error wrapping ErrMalformedJobSpec and never scheduled.
func (s *Scheduler) CreateJob(ctx context.Context, submission Submission) (JobHandle, error) {
	tree, err := Parse(submission.Payload)
	if err != nil {
		return JobHandle{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return JobHandle{}, ErrSchedulerDraining
	}

	id := s.newID()
	jobCtx, cancel := context.WithCancel(observability.ContextWithJobID(context.WithoutCancel(ctx), id))
	j := &job{
		id:        id,
		owner:     submission.Owner,
		createdAt: s.clock(),
		tree:      tree,
		raw:       append(json.RawMessage(nil), submission.Payload...),
		ctx:       jobCtx,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     JobStatePending,
		results:   map[string]NodeResult{},
		running:   map[string]struct{}{},
	}
	s.jobs[j.id] = j
	s.wg.Add(1)
	go s.run(j)

	observability.ObserveBatchJobSubmitted()
	s.logger.InfoContext(jobCtx, "batch job accepted",
		slog.String("owner", j.owner),
		slog.Int("leaves", len(tree.Leaves(tree.Root()))),
	)
	return JobHandle{ID: j.id, CreatedAt: j.createdAt, done: j.done}, nil
}

func (s *Scheduler) GetJob(ctx context.Context, id string) (Snapshot, error) {
	if j := s.lookup(id); j != nil {
		return j.snapshot(), nil
	}
	return s.loadStored(ctx, id)
}

// Cancel moves a pending or running job to cancelled and aborts its in-flight
// statements. Cancelling a terminal job returns it unchanged.
func (s *Scheduler) Cancel(ctx context.Context, id string) (Snapshot, error) {
	j := s.lookup(id)
	if j == nil {
		return s.loadStored(ctx, id)
	}
	if j.transition(JobStateCancelled, s.clock()) {
		s.logger.InfoContext(j.ctx, "batch job cancel requested")
	}
	j.cancel()
	return j.snapshot(), nil
}

// List returns the caller's jobs, newest first. An empty owner lists all jobs.
func (s *Scheduler) List(ctx context.Context, owner string, limit int) ([]Snapshot, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.Lock()
	live := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if owner == "" || j.owner == owner {
			live = append(live, j)
		}
	}
	s.mu.Unlock()

	seen := map[string]struct{}{}
	out := make([]Snapshot, 0, len(live))
	for _, j := range live {
		out = append(out, j.snapshot())
		seen[j.id] = struct{}{}
	}

	if lister, ok := s.store.(JobLister); ok {
		stored, err := lister.List(ctx, owner, limit)
		if err != nil {
			return nil, fmt.Errorf("list stored jobs: %w", err)
		}
		for _, snap := range stored {
			if _, dup := seen[snap.ID]; !dup {
				out = append(out, snap)
			}
		}
	}

	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Drain stops accepting jobs and waits for accepted ones to finish. If ctx
// ends first the remaining jobs are cancelled before Drain returns ctx.Err().
func (s *Scheduler) Drain(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
	}

	s.mu.Lock()
	for _, j := range s.jobs {
		if j.transition(JobStateCancelled, s.clock()) {
			s.logger.WarnContext(j.ctx, "batch job cancelled by drain")
		}
		j.cancel()
	}
	s.mu.Unlock()
	<-finished
	return ctx.Err()
}

func (s *Scheduler) Draining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draining
}

func (s *Scheduler) lookup(id string) *job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id]
}

func (s *Scheduler) loadStored(ctx context.Context, id string) (Snapshot, error) {
	if s.store == nil {
		return Snapshot{}, ErrJobNotFound
	}
	snap, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return Snapshot{}, ErrJobNotFound
		}
		return Snapshot{}, fmt.Errorf("load job %s: %w", id, err)
	}
	return snap, nil
}

func (s *Scheduler) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
}

func (s *Scheduler) run(j *job) {
	defer s.wg.Done()
	defer close(j.done)
	defer j.cancel()

	if err := s.slots.Acquire(j.ctx, 1); err != nil {
		s.finish(j, JobStateCancelled)
		return
	}
	if !j.transition(JobStateRunning, s.clock()) {
		s.slots.Release(1)
		s.finish(j, JobStateCancelled)
		return
	}

	state := s.dispatch(j)
	s.slots.Release(1)
	s.finish(j, state)
}

type completion struct {
	id     NodeID
	result NodeResult
}

// dispatch is the only writer of j's results.
func (s *Scheduler) dispatch(j *job) JobState {
	results := map[string]NodeResult{}
	inFlight := map[NodeID]struct{}{}
	completions := make(chan completion)

	for {
		plan := Evaluate(j.tree, results)
		for _, id := range plan.Skip {
			path := j.tree.Node(id).Path
			skipped := NodeResult{Status: NodeStatusSkipped}
			results[path] = skipped
			j.record(path, skipped)
		}
		if plan.Resolved {
			j.setLastError(plan.LastError)
			if plan.Outcome == NodeStatusSucceeded {
				return JobStateSucceeded
			}
			return JobStateFailed
		}

		for _, id := range plan.Ready {
			if _, busy := inFlight[id]; busy {
				continue
			}
			if len(inFlight) >= s.cfg.MaxConcurrentLeaves {
				break
			}
			node := j.tree.Node(id)
			inFlight[id] = struct{}{}
			j.markRunning(node.Path)
			go func(id NodeID, node Node) {
				completions <- completion{id: id, result: s.execLeaf(j, node)}
			}(id, node)
		}

		select {
		case done := <-completions:
			delete(inFlight, done.id)
			if j.ctx.Err() != nil {
				s.awaitInFlight(completions, inFlight)
				j.clearRunning()
				return JobStateCancelled
			}
			path := j.tree.Node(done.id).Path
			results[path] = done.result
			j.record(path, done.result)
		case <-j.ctx.Done():
			s.awaitInFlight(completions, inFlight)
			j.clearRunning()
			return JobStateCancelled
		}
	}
}

// awaitInFlight discards results of leaves still running after cancellation.
func (s *Scheduler) awaitInFlight(completions <-chan completion, inFlight map[NodeID]struct{}) {
	for len(inFlight) > 0 {
		done := <-completions
		delete(inFlight, done.id)
	}
}

func (s *Scheduler) execLeaf(j *job, node Node) NodeResult {
	timeout := node.Timeout
	if timeout <= 0 {
		timeout = s.cfg.StatementTimeout
	}

	ctx := j.ctx
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	ctx, span := s.tracer.Start(ctx, "batch.leaf", trace.WithAttributes(
		attribute.String("job.id", j.id),
		attribute.String("node.path", node.Path),
	))
	defer span.End()

	start := time.Now()
	output, err := s.engine.Execute(ctx, query.Request{SQL: node.SQL, Deadline: deadline})
	elapsed := time.Since(start)

	if err == nil {
		observability.ObserveBatchLeaf(string(NodeStatusSucceeded), elapsed)
		return NodeResult{Status: NodeStatusSucceeded, Output: &output}
	}

	var info ErrorInfo
	switch {
	case j.ctx.Err() != nil:
		info = ErrorInfo{Kind: query.ErrorKindCancelled, Message: "job cancelled"}
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		info = ErrorInfo{Kind: query.ErrorKindTimeout, Message: fmt.Sprintf("statement exceeded %s timeout", timeout)}
	default:
		classified := query.Classify(ctx, err)
		info = ErrorInfo{Kind: classified.Kind, Message: classified.Message}
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, info.Message)
	observability.ObserveBatchLeaf(string(NodeStatusFailed), elapsed)
	s.logger.DebugContext(ctx, "batch leaf failed",
		slog.String("path", node.Path),
		slog.String("kind", string(info.Kind)),
		slog.String("error", info.Message),
	)
	return NodeResult{Status: NodeStatusFailed, Error: &info}
}

func (s *Scheduler) finish(j *job, state JobState) {
	j.transition(state, s.clock())
	snap := j.snapshot()

	elapsed := time.Duration(0)
	if snap.FinishedAt != nil {
		elapsed = snap.FinishedAt.Sub(snap.CreatedAt)
	}
	observability.ObserveBatchJobFinished(string(snap.State), elapsed)

	attrs := []any{
		slog.String("state", string(snap.State)),
		slog.Int("results", len(snap.Results)),
		slog.Duration("duration", elapsed),
	}
	if snap.LastError != nil {
		attrs = append(attrs, slog.String("last_error", snap.LastError.Message))
	}
	s.logger.InfoContext(j.ctx, "batch job finished", attrs...)

	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := s.store.Save(ctx, snap); err != nil {
		s.logger.ErrorContext(j.ctx, "persist batch job failed", slog.Any("error", err))
		return
	}
	s.release(snap.ID)
}
