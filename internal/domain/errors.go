package domain

import "errors"

var (
	// ErrDuplicateJob marks a unique-index violation on idempotent_key or
	// pending_dedup_key. AddJobs swallows it; enqueue reports zero new rows.
	ErrDuplicateJob = errors.New("duplicate job")

	// ErrQueueMissing means AddJobs could not resolve (name, partitionKey).
	ErrQueueMissing = errors.New("queue missing for enqueue")

	ErrQueueNotFound    = errors.New("queue not found")
	ErrJobNotFound      = errors.New("job not found")
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrPeriodicNotFound = errors.New("periodic job not found")

	ErrPayloadTooLarge = errors.New("payload exceeds the maximum size")
	ErrInvalidCronExpr = errors.New("invalid cron expression")

	// ErrJobsNotRunning is returned when MarkCompleted affects fewer rows
	// than requested: the rows left `running` out from under the caller.
	ErrJobsNotRunning = errors.New("jobs no longer in running state")
)
