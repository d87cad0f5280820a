package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/askarbek/duraq/internal/domain"
	"github.com/askarbek/duraq/internal/metrics"
	"github.com/askarbek/duraq/internal/repository"
)

// Rescue error payload, part of the stored error contract.
const (
	rescueErrorName    = "RescuerError"
	rescueErrorMessage = "Job stuck in running state and was rescued"
)

// Rescuer reclaims jobs stuck in running past the stale horizon — a worker
// died or lost its finalize — and routes them through the ordinary failure
// path, so they retry or terminally fail under their queue's policy.
type Rescuer struct {
	jobs      repository.JobRepository
	queues    repository.QueueRepository
	horizon   time.Duration
	batchSize int
	logger    *slog.Logger
}

func NewRescuer(jobs repository.JobRepository, queues repository.QueueRepository, horizon time.Duration, batchSize int, logger *slog.Logger) *Rescuer {
	return &Rescuer{
		jobs:      jobs,
		queues:    queues,
		horizon:   horizon,
		batchSize: batchSize,
		logger:    logger.With("component", "rescuer"),
	}
}

// Rescue runs one pass. Queues are handled independently; one broken queue
// does not stop the others, and all errors surface joined.
func (r *Rescuer) Rescue(ctx context.Context) error {
	start := time.Now()
	defer func() {
		metrics.RescuerCycleDuration.Observe(time.Since(start).Seconds())
	}()

	stuck, err := r.jobs.StuckRunning(ctx, r.horizon, r.batchSize)
	if err != nil {
		return fmt.Errorf("find stuck jobs: %w", err)
	}
	if len(stuck) == 0 {
		return nil
	}
	r.logger.Warn("found stuck jobs", "count", len(stuck))

	byQueue := make(map[string][]string)
	for _, j := range stuck {
		byQueue[j.QueueID] = append(byQueue[j.QueueID], j.ID)
	}

	var errs []error
	for queueID, ids := range byQueue {
		queue, err := r.queues.GetByID(ctx, queueID)
		if err != nil {
			errs = append(errs, fmt.Errorf("load queue %s for %d stuck jobs: %w", queueID, len(ids), err))
			continue
		}
		detail := domain.ErrorDetail{Name: rescueErrorName, Message: rescueErrorMessage}
		if err := r.jobs.FailJobs(ctx, nil, ids, queue.RetryPolicy(), detail); err != nil {
			errs = append(errs, fmt.Errorf("rescue jobs on queue %s: %w", queue.Name, err))
			continue
		}
		metrics.RescuerRescuedTotal.Add(float64(len(ids)))
		r.logger.Info("rescued stuck jobs", "queue", queue.Name, "count", len(ids))
	}
	return errors.Join(errs...)
}
