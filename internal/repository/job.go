package repository

import (
	"context"
	"time"

	"github.com/askarbek/duraq/internal/domain"
)

// AddJobsResult reports how an AddJobs call landed. Deduplicated rows hit a
// unique index (idempotent or pending-dedup key) and are a success, not an
// error.
type AddJobsResult struct {
	Inserted     int
	Deduplicated int
}

type JobRepository interface {
	// AddJobs inserts jobs into the queue resolved by (queueName,
	// partitionKey) with one atomic INSERT ... SELECT per job. A nil
	// session runs on the pool; a non-nil session joins the caller's
	// transaction. Returns domain.ErrQueueMissing when the queue row does
	// not exist.
	AddJobs(ctx context.Context, session Session, queueName, partitionKey string, jobs []domain.NewJob) (AddJobsResult, error)

	// ClaimPending atomically transitions up to limit due pending jobs to
	// running and returns them, oldest first. With sequential=true, jobs
	// sharing a non-NULL sequential key are withheld while an earlier job
	// with the same key is pending ahead of them or still running.
	ClaimPending(ctx context.Context, queueID string, limit int, sequential bool) ([]*domain.Job, error)

	// MarkCompleted finalizes running jobs as completed and returns the
	// affected count. Fewer rows than requested means some rows left
	// `running` out from under the caller (rescued meanwhile).
	MarkCompleted(ctx context.Context, session Session, jobIDs []string) (int64, error)

	// FailJobs applies one failure to each job: retry with exponential
	// backoff while the attempt budget allows, terminal failure otherwise.
	// The error detail is appended to the job's errors list either way.
	FailJobs(ctx context.Context, session Session, jobIDs []string, policy domain.RetryPolicy, detail domain.ErrorDetail) error

	// StuckRunning returns running jobs whose running_at is older than
	// now-horizon, oldest first.
	StuckRunning(ctx context.Context, horizon time.Duration, limit int) ([]*domain.Job, error)

	GetByID(ctx context.Context, id string) (*domain.Job, error)

	// InTx runs fn inside one transaction, committing when fn returns nil.
	InTx(ctx context.Context, fn func(Session) error) error
}
