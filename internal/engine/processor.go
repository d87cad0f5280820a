package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/askarbek/duraq/internal/domain"
	"github.com/askarbek/duraq/internal/metrics"
	"github.com/askarbek/duraq/internal/repository"
)

// Handler is the user callback for a chunk of claimed jobs. The context is
// the chunk's cancel scope: it is cancelled on timeout and on worker
// shutdown, and handlers are expected to cooperate.
type Handler func(ctx context.Context, jobs []*domain.Job, jc *JobContext) error

// JobRef identifies a job in an event callback.
type JobRef struct {
	ID        string
	QueueName string
}

// ProcessorOptions tune one claim/execute/finalize cycle.
type ProcessorOptions struct {
	PollingBatchSize  int
	CallbackBatchSize int
	OnJobProcessed    func(job *domain.Job)
	OnJobFailed       func(err error, ref JobRef)
}

// CycleStats summarizes one cycle for the caller.
type CycleStats struct {
	Claimed   int
	Completed int
	Retried   int
	Failed    int
}

// JobContext is handed to handlers. Its one capability is finalizing the
// chunk's jobs inside the handler's own transaction, which lets a handler
// commit its work and the completion atomically.
type JobContext struct {
	jobs  repository.JobRepository
	chunk []*domain.Job

	mu            sync.Mutex
	selfCompleted bool
}

// NewJobContext builds the finalize capability for a chunk. The processor
// builds these for its own chunks; custom drivers of a Handler (the
// workflow engine's tests, for one) can too.
func NewJobContext(jobs repository.JobRepository, chunk []*domain.Job) *JobContext {
	return &JobContext{jobs: jobs, chunk: chunk}
}

// MarkJobsAsCompleted completes the chunk's jobs on the given session. When
// fewer rows are affected than the chunk holds, some job left `running`
// behind our back (rescued after a stall) and the whole chunk errors so the
// handler's transaction rolls back with it.
func (jc *JobContext) MarkJobsAsCompleted(ctx context.Context, session repository.Session) error {
	ids := make([]string, len(jc.chunk))
	for i, j := range jc.chunk {
		ids[i] = j.ID
	}
	affected, err := jc.jobs.MarkCompleted(ctx, session, ids)
	if err != nil {
		return err
	}
	if affected < int64(len(ids)) {
		return fmt.Errorf("completed %d of %d jobs: %w", affected, len(ids), domain.ErrJobsNotRunning)
	}
	jc.mu.Lock()
	jc.selfCompleted = true
	jc.mu.Unlock()
	return nil
}

func (jc *JobContext) isSelfCompleted() bool {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	return jc.selfCompleted
}

// timeoutError is a chunk exceeding the queue's max duration. Its message
// shape is part of the stored error contract.
type timeoutError struct {
	maxDuration time.Duration
}

func (e *timeoutError) Error() string {
	return fmt.Sprintf("Job execution exceed the timeout of %d", e.maxDuration.Milliseconds())
}

func errorDetail(err error) domain.ErrorDetail {
	var te *timeoutError
	if errors.As(err, &te) {
		return domain.ErrorDetail{Name: "TimeoutError", Message: te.Error()}
	}
	return domain.ErrorDetail{Name: "Error", Message: err.Error()}
}

// Processor runs one claim/execute/finalize cycle at a time.
type Processor struct {
	queues repository.QueueRepository
	jobs   repository.JobRepository
	logger *slog.Logger
}

func NewProcessor(queues repository.QueueRepository, jobs repository.JobRepository, logger *slog.Logger) *Processor {
	return &Processor{
		queues: queues,
		jobs:   jobs,
		logger: logger.With("component", "processor"),
	}
}

type chunkResult struct {
	jc   *JobContext
	jobs []*domain.Job
	err  error
}

// RunCycle claims a batch, fans chunks out concurrently, races each chunk
// against the queue's max duration, and finalizes every outcome in a single
// transaction.
func (p *Processor) RunCycle(ctx context.Context, queue *domain.Queue, handler Handler, opts ProcessorOptions) (CycleStats, error) {
	var stats CycleStats

	if err := ctx.Err(); err != nil {
		return stats, nil
	}

	paused, err := p.queues.IsPaused(ctx, queue.ID)
	if err != nil {
		return stats, fmt.Errorf("check paused: %w", err)
	}
	if paused {
		return stats, nil
	}

	claimed, err := p.jobs.ClaimPending(ctx, queue.ID, opts.PollingBatchSize, queue.Sequential)
	if err != nil {
		return stats, fmt.Errorf("claim jobs: %w", err)
	}
	if len(claimed) == 0 {
		return stats, nil
	}
	stats.Claimed = len(claimed)
	metrics.JobsClaimedTotal.Add(float64(len(claimed)))
	now := time.Now()
	for _, j := range claimed {
		metrics.JobPickupLatency.Observe(now.Sub(j.CreatedAt).Seconds())
	}

	results := p.runChunks(ctx, queue, handler, chunkJobs(claimed, opts.CallbackBatchSize))

	if err := p.finalize(ctx, queue, results, opts, &stats); err != nil {
		return stats, err
	}
	return stats, nil
}

func (p *Processor) runChunks(ctx context.Context, queue *domain.Queue, handler Handler, chunks [][]*domain.Job) []*chunkResult {
	results := make([]*chunkResult, len(chunks))
	var wg sync.WaitGroup
	for i, chunk := range chunks {
		wg.Add(1)
		go func(i int, chunk []*domain.Job) {
			defer wg.Done()
			results[i] = p.runChunk(ctx, queue, handler, chunk)
		}(i, chunk)
	}
	wg.Wait()
	return results
}

// runChunk executes the handler under the chunk's cancel scope and races it
// against the queue's max duration. The parent context aborting cancels the
// chunk the same way a timeout does; the two are told apart at the error.
func (p *Processor) runChunk(ctx context.Context, queue *domain.Queue, handler Handler, chunk []*domain.Job) *chunkResult {
	chunkCtx, cancel := context.WithTimeout(ctx, queue.MaxDuration)
	defer cancel()

	jc := &JobContext{jobs: p.jobs, chunk: chunk}
	res := &chunkResult{jc: jc, jobs: chunk}

	start := time.Now()
	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
			}
		}()
		errCh <- handler(chunkCtx, chunk, jc)
	}()

	select {
	case err := <-errCh:
		res.err = err
	case <-chunkCtx.Done():
		if ctx.Err() != nil {
			// Worker shutdown, not a slow handler.
			res.err = ctx.Err()
		} else {
			res.err = &timeoutError{maxDuration: queue.MaxDuration}
		}
	}

	outcome := "success"
	if res.err != nil {
		outcome = "failure"
	}
	metrics.JobExecutionDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	return res
}

// finalize commits every chunk's outcome in one transaction, then emits the
// per-job events.
func (p *Processor) finalize(ctx context.Context, queue *domain.Queue, results []*chunkResult, opts ProcessorOptions, stats *CycleStats) error {
	var completeIDs []string
	var failed []*chunkResult

	for _, res := range results {
		switch {
		case res.err != nil:
			failed = append(failed, res)
		case res.jc.isSelfCompleted():
			// The handler already finalized these on its own session.
		default:
			for _, j := range res.jobs {
				completeIDs = append(completeIDs, j.ID)
			}
		}
	}

	// Finalize must run even when the worker is shutting down, so it gets a
	// fresh context with a bounded deadline.
	finalizeCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		finalizeCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}

	err := p.jobs.InTx(finalizeCtx, func(session repository.Session) error {
		if len(completeIDs) > 0 {
			affected, err := p.jobs.MarkCompleted(finalizeCtx, session, completeIDs)
			if err != nil {
				return err
			}
			if affected < int64(len(completeIDs)) {
				// The rescuer took those rows back; their rescue path
				// drives them from here.
				p.logger.Warn("some jobs left running before completion",
					"queue", queue.Name, "expected", len(completeIDs), "affected", affected)
			}
		}
		for _, res := range failed {
			ids := make([]string, len(res.jobs))
			for i, j := range res.jobs {
				ids[i] = j.ID
			}
			if err := p.jobs.FailJobs(finalizeCtx, session, ids, queue.RetryPolicy(), errorDetail(res.err)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("finalize cycle: %w", err)
	}

	for _, res := range results {
		for _, j := range res.jobs {
			if res.err == nil {
				stats.Completed++
				metrics.JobsProcessedTotal.WithLabelValues("completed").Inc()
			} else if j.Attempts+1 >= queue.MaxRetries {
				stats.Failed++
				metrics.JobsProcessedTotal.WithLabelValues("failed").Inc()
				if opts.OnJobFailed != nil {
					opts.OnJobFailed(res.err, JobRef{ID: j.ID, QueueName: queue.Name})
				}
			} else {
				stats.Retried++
				metrics.JobsProcessedTotal.WithLabelValues("retried").Inc()
			}
			if opts.OnJobProcessed != nil {
				opts.OnJobProcessed(j)
			}
		}
	}
	return nil
}

func chunkJobs(jobs []*domain.Job, size int) [][]*domain.Job {
	if size <= 0 {
		size = 1
	}
	var chunks [][]*domain.Job
	for start := 0; start < len(jobs); start += size {
		end := min(start+size, len(jobs))
		chunks = append(chunks, jobs[start:end])
	}
	return chunks
}
