package duraq

import (
	"log/slog"
	"time"
)

// Options configure a Client. Zero values fall back to the documented
// defaults; DSN is the only required field.
type Options struct {
	// DSN is a go-sql-driver/mysql DSN.
	DSN string

	// PartitionKey scopes every queue this client touches. Defaults to
	// "default".
	PartitionKey string

	// TablePrefix is prepended to every table name, letting several
	// installations share a database.
	TablePrefix string

	// MaxPayloadKiB bounds serialized job payloads. Defaults to 16.
	MaxPayloadKiB int

	RescuerInterval   time.Duration // default 30m
	RescueAfter       time.Duration // default 1h
	RescuerBatchSize  int           // default 100
	RescuerRunOnStart bool
	RescuerDisabled   bool

	LeaderHeartbeat time.Duration // default 10s
	LeaderLease     time.Duration // default 30s

	// WorkflowQueue is the queue workflow-step jobs run on. Defaults to
	// "workflows". The queue itself is created like any other, via
	// CreateQueue.
	WorkflowQueue string

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.PartitionKey == "" {
		o.PartitionKey = "default"
	}
	if o.MaxPayloadKiB <= 0 {
		o.MaxPayloadKiB = 16
	}
	if o.RescuerInterval <= 0 {
		o.RescuerInterval = 30 * time.Minute
	}
	if o.RescueAfter <= 0 {
		o.RescueAfter = time.Hour
	}
	if o.RescuerBatchSize <= 0 {
		o.RescuerBatchSize = 100
	}
	if o.LeaderHeartbeat <= 0 {
		o.LeaderHeartbeat = 10 * time.Second
	}
	if o.LeaderLease <= 0 {
		o.LeaderLease = 30 * time.Second
	}
	if o.WorkflowQueue == "" {
		o.WorkflowQueue = "workflows"
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// QueueOptions are the per-queue retry and execution settings.
type QueueOptions struct {
	MaxRetries        int           // default 3
	MinDelay          time.Duration // default 1s
	BackoffMultiplier float64       // default 2; values <= 0 coerced
	MaxDuration       time.Duration // default 5s
	Sequential        bool
}

func (o QueueOptions) withDefaults() QueueOptions {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.MinDelay <= 0 {
		o.MinDelay = time.Second
	}
	if o.BackoffMultiplier <= 0 {
		o.BackoffMultiplier = 2
	}
	if o.MaxDuration <= 0 {
		o.MaxDuration = 5 * time.Second
	}
	return o
}
