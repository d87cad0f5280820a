package engine_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/askarbek/duraq/internal/domain"
	"github.com/askarbek/duraq/internal/engine"
)

func TestWorker_ProcessesAndFeedsTracker(t *testing.T) {
	jobs := &fakeJobs{claimQueue: [][]*domain.Job{{testJob("j1", 0), testJob("j2", 0)}}}
	queues := &fakeQueues{}
	tracker := engine.NewTracker()
	queue := testQueue()

	handler := func(_ context.Context, _ []*domain.Job, _ *engine.JobContext) error { return nil }
	w := engine.NewWorker(queue, handler, newProcessor(jobs, queues), tracker,
		engine.WorkOptions{PollingInterval: 10 * time.Millisecond, PollingBatchSize: 10, CallbackBatchSize: 10},
		testLogger())

	done := tracker.Await(queue.Name, 2)
	w.Start(context.Background())
	defer w.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never finalized the claimed jobs")
	}
}

func TestWorker_CycleErrorDoesNotKillLoop(t *testing.T) {
	jobs := &fakeJobs{claimErr: errors.New("db gone")}
	var handled int32

	handler := func(_ context.Context, _ []*domain.Job, _ *engine.JobContext) error {
		atomic.AddInt32(&handled, 1)
		return nil
	}
	w := engine.NewWorker(testQueue(), handler, newProcessor(jobs, &fakeQueues{}), nil,
		engine.WorkOptions{PollingInterval: 5 * time.Millisecond},
		testLogger())

	w.Start(context.Background())
	defer w.Stop()

	// Let a few cycles fail, then lift the error: the loop must still be
	// polling and pick up the batch.
	time.Sleep(30 * time.Millisecond)
	jobs.mu.Lock()
	jobs.claimErr = nil
	jobs.claimQueue = [][]*domain.Job{{testJob("j1", 0)}}
	jobs.mu.Unlock()

	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&handled) >= 1 })
}

func TestWorker_StopTerminates(t *testing.T) {
	jobs := &fakeJobs{}
	w := engine.NewWorker(testQueue(),
		func(_ context.Context, _ []*domain.Job, _ *engine.JobContext) error { return nil },
		newProcessor(jobs, &fakeQueues{}), nil,
		engine.WorkOptions{PollingInterval: 5 * time.Millisecond},
		testLogger())

	w.Start(context.Background())

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	// Stop on a stopped worker is a no-op.
	w.Stop()
}
