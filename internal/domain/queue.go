package domain

import "time"

// Queue is a named job queue inside a partition. Retry policy and execution
// limits live on the queue, not on individual jobs.
type Queue struct {
	ID                string
	Name              string
	PartitionKey      string
	MaxRetries        int
	MinDelay          time.Duration
	BackoffMultiplier float64
	MaxDuration       time.Duration
	Paused            bool
	Sequential        bool
}

// RetryPolicy is the slice of queue settings FailJobs needs.
type RetryPolicy struct {
	MaxRetries        int
	MinDelay          time.Duration
	BackoffMultiplier float64
}

func (q *Queue) RetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        q.MaxRetries,
		MinDelay:          q.MinDelay,
		BackoffMultiplier: q.BackoffMultiplier,
	}
}
