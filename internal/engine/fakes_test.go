package engine_test

import (
	"context"
	"sync"
	"time"

	"github.com/askarbek/duraq/internal/domain"
	"github.com/askarbek/duraq/internal/repository"
)

type addCall struct {
	queueName string
	partition string
	jobs      []domain.NewJob
}

type failCall struct {
	ids    []string
	policy domain.RetryPolicy
	detail domain.ErrorDetail
}

// fakeJobs scripts the JobRepository. Claims pop from claimQueue one batch
// per call; everything else records.
type fakeJobs struct {
	mu sync.Mutex

	claimQueue [][]*domain.Job
	claimErr   error

	added         []addCall
	addErr        error
	addAttempts   int
	addDelayOnce  time.Duration
	completed     [][]string
	completeShort bool
	failures      []failCall
	failErr       error
	stuck         []*domain.Job
	byID          map[string]*domain.Job
}

func (f *fakeJobs) AddJobs(_ context.Context, _ repository.Session, queueName, partitionKey string, jobs []domain.NewJob) (repository.AddJobsResult, error) {
	f.mu.Lock()
	f.addAttempts++
	delay := f.addDelayOnce
	f.addDelayOnce = 0
	if err := f.addErr; err != nil {
		f.mu.Unlock()
		return repository.AddJobsResult{}, err
	}
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, addCall{queueName: queueName, partition: partitionKey, jobs: jobs})
	return repository.AddJobsResult{Inserted: len(jobs)}, nil
}

func (f *fakeJobs) ClaimPending(_ context.Context, _ string, _ int, _ bool) ([]*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	if len(f.claimQueue) == 0 {
		return nil, nil
	}
	batch := f.claimQueue[0]
	f.claimQueue = f.claimQueue[1:]
	return batch, nil
}

func (f *fakeJobs) MarkCompleted(_ context.Context, _ repository.Session, jobIDs []string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, jobIDs)
	if f.completeShort {
		return int64(len(jobIDs)) - 1, nil
	}
	return int64(len(jobIDs)), nil
}

func (f *fakeJobs) FailJobs(_ context.Context, _ repository.Session, jobIDs []string, policy domain.RetryPolicy, detail domain.ErrorDetail) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return f.failErr
	}
	f.failures = append(f.failures, failCall{ids: jobIDs, policy: policy, detail: detail})
	return nil
}

func (f *fakeJobs) StuckRunning(_ context.Context, _ time.Duration, _ int) ([]*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stuck, nil
}

func (f *fakeJobs) GetByID(_ context.Context, id string) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.byID[id]; ok {
		return j, nil
	}
	return nil, domain.ErrJobNotFound
}

func (f *fakeJobs) InTx(_ context.Context, fn func(repository.Session) error) error {
	return fn(nil)
}

func (f *fakeJobs) completedCalls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.completed...)
}

func (f *fakeJobs) failCalls() []failCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]failCall(nil), f.failures...)
}

func (f *fakeJobs) addAttemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addAttempts
}

func (f *fakeJobs) addCalls() []addCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]addCall(nil), f.added...)
}

type fakeQueues struct {
	mu        sync.Mutex
	paused    bool
	pausedErr error
	byID      map[string]*domain.Queue
	purged    []string
}

func (f *fakeQueues) Upsert(_ context.Context, q *domain.Queue) (*domain.Queue, error) {
	return q, nil
}

func (f *fakeQueues) GetByID(_ context.Context, id string) (*domain.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if q, ok := f.byID[id]; ok {
		return q, nil
	}
	return nil, domain.ErrQueueNotFound
}

func (f *fakeQueues) GetByName(_ context.Context, name, partitionKey string) (*domain.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, q := range f.byID {
		if q.Name == name && q.PartitionKey == partitionKey {
			return q, nil
		}
	}
	return nil, domain.ErrQueueNotFound
}

func (f *fakeQueues) SetPaused(_ context.Context, _ string, paused bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = paused
	return nil
}

func (f *fakeQueues) IsPaused(_ context.Context, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused, f.pausedErr
}

func (f *fakeQueues) Delete(_ context.Context, _ string) error { return nil }

func (f *fakeQueues) ListByPartition(_ context.Context, _ string) ([]*domain.Queue, error) {
	return nil, nil
}

func (f *fakeQueues) PurgePartition(_ context.Context, partitionKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purged = append(f.purged, partitionKey)
	return nil
}

// fakeLeaderRepo scripts acquire/renew outcomes in order; the last entry
// repeats.
type fakeLeaderRepo struct {
	mu       sync.Mutex
	acquires []bool
	renews   []bool
	tryErr   error
	renewErr error
	released int
}

func pop(script *[]bool) bool {
	if len(*script) == 0 {
		return false
	}
	v := (*script)[0]
	if len(*script) > 1 {
		*script = (*script)[1:]
	}
	return v
}

func (f *fakeLeaderRepo) TryAcquire(_ context.Context, _, _ string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tryErr != nil {
		return false, f.tryErr
	}
	return pop(&f.acquires), nil
}

func (f *fakeLeaderRepo) Renew(_ context.Context, _, _ string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.renewErr != nil {
		return false, f.renewErr
	}
	return pop(&f.renews), nil
}

func (f *fakeLeaderRepo) Release(_ context.Context, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
	return nil
}

func (f *fakeLeaderRepo) releaseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

type fakePeriodicStates struct {
	mu     sync.Mutex
	states map[string]*domain.PeriodicState
}

func (f *fakePeriodicStates) Get(_ context.Context, name string) (*domain.PeriodicState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.states[name]; ok {
		return s, nil
	}
	return nil, domain.ErrPeriodicNotFound
}

func (f *fakePeriodicStates) Upsert(_ context.Context, _ repository.Session, state *domain.PeriodicState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.states == nil {
		f.states = make(map[string]*domain.PeriodicState)
	}
	f.states[state.Name] = state
	return nil
}

func (f *fakePeriodicStates) Delete(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.states, name)
	return nil
}

func (f *fakePeriodicStates) get(name string) *domain.PeriodicState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[name]
}

// fakeLocker runs the critical section inline.
type fakeLocker struct{}

func (fakeLocker) WithLock(_ context.Context, fn func() error) error { return fn() }
