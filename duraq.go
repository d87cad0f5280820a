// Package duraq is a durable multi-tenant job queue on MySQL. Jobs live in
// the database; claims ride FOR UPDATE SKIP LOCKED, dedup rides unique
// indexes, and everything a worker does survives the worker dying.
package duraq

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/askarbek/duraq/internal/domain"
	"github.com/askarbek/duraq/internal/engine"
	"github.com/askarbek/duraq/internal/infrastructure/mysql"
	"github.com/askarbek/duraq/internal/repository"
	"github.com/askarbek/duraq/internal/workflow"
)

// Re-exported types; the internal packages are the implementation, this is
// the API.
type (
	Job                = domain.Job
	NewJob             = domain.NewJob
	Queue              = domain.Queue
	AttemptError       = domain.AttemptError
	ErrorDetail        = domain.ErrorDetail
	AddJobsResult      = repository.AddJobsResult
	Handler            = engine.Handler
	JobContext         = engine.JobContext
	JobRef             = engine.JobRef
	Session            = repository.Session
	WorkOptions        = engine.WorkOptions
	Worker             = engine.Worker
	PeriodicDefinition = domain.PeriodicDefinition
	CatchUpStrategy    = domain.CatchUpStrategy
	WorkflowDefinition = workflow.Definition
	WorkflowStep       = workflow.Step
	Workflow           = domain.Workflow
)

const (
	CatchUpNone   = domain.CatchUpNone
	CatchUpLatest = domain.CatchUpLatest
	CatchUpAll    = domain.CatchUpAll
)

var (
	ErrQueueMissing    = domain.ErrQueueMissing
	ErrQueueNotFound   = domain.ErrQueueNotFound
	ErrJobNotFound     = domain.ErrJobNotFound
	ErrPayloadTooLarge = domain.ErrPayloadTooLarge
	ErrInvalidCronExpr = domain.ErrInvalidCronExpr
)

// Client is the entry point: one database pool, one partition, and the
// background machinery (rescuer, leader election, periodic engine) wired on
// top of it.
type Client struct {
	opts Options
	db   *sql.DB

	queues   repository.QueueRepository
	jobs     repository.JobRepository
	migrator *mysql.Migrator

	processor *engine.Processor
	tracker   *engine.Tracker
	rescuer   *engine.IntervalScheduler
	leader    *engine.LeaderElection
	periodic  *engine.PeriodicEngine
	flows     *workflow.Engine

	baseCtx context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	workers []*engine.Worker
	closed  bool
}

// Open connects, migrates the schema, and starts the background machinery.
// The returned client is ready to enqueue and work immediately.
func Open(ctx context.Context, opts Options) (*Client, error) {
	opts = opts.withDefaults()
	if opts.DSN == "" {
		return nil, errors.New("duraq: Options.DSN is required")
	}
	logger := opts.Logger

	db, err := mysql.NewDB(ctx, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("duraq: connect: %w", err)
	}

	migrator := mysql.NewMigrator(db, opts.TablePrefix, logger)
	if err := migrator.Run(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("duraq: migrate: %w", err)
	}

	queues := mysql.NewQueueRepository(db, opts.TablePrefix, logger)
	jobs := mysql.NewJobRepository(db, opts.TablePrefix, logger)
	leaderRepo := mysql.NewLeaderRepository(db, opts.TablePrefix, logger)
	periodicRepo := mysql.NewPeriodicRepository(db, opts.TablePrefix, logger)
	workflowRepo := mysql.NewWorkflowRepository(db, opts.TablePrefix, logger)

	baseCtx, cancel := context.WithCancel(context.Background())

	c := &Client{
		opts:      opts,
		db:        db,
		queues:    queues,
		jobs:      jobs,
		migrator:  migrator,
		processor: engine.NewProcessor(queues, jobs, logger),
		tracker:   engine.NewTracker(),
		baseCtx:   baseCtx,
		cancel:    cancel,
	}

	if !opts.RescuerDisabled {
		rescuer := engine.NewRescuer(jobs, queues, opts.RescueAfter, opts.RescuerBatchSize, logger)
		c.rescuer = engine.NewIntervalScheduler(
			"rescuer", opts.RescuerInterval, opts.RescuerRunOnStart, rescuer.Rescue, logger)
		c.rescuer.Start(baseCtx)
	}

	c.leader = engine.NewLeaderElection(leaderRepo, engine.LeaderOptions{
		SingletonKey:      opts.TablePrefix + "duraq",
		HeartbeatInterval: opts.LeaderHeartbeat,
		LeaseDuration:     opts.LeaderLease,
	}, logger)
	c.periodic = engine.NewPeriodicEngine(
		jobs, periodicRepo, migrator, c.leader, opts.PartitionKey, logger)
	c.periodic.Start(baseCtx)
	c.leader.Start(baseCtx)

	c.flows = workflow.NewEngine(workflowRepo, jobs, opts.WorkflowQueue, opts.PartitionKey, logger)

	return c, nil
}

// CreateQueue upserts a queue in the client's partition. Re-creating an
// existing queue updates its settings without resetting paused.
func (c *Client) CreateQueue(ctx context.Context, name string, opts QueueOptions) (*Queue, error) {
	if name == "" {
		return nil, errors.New("duraq: queue name is required")
	}
	opts = opts.withDefaults()
	return c.queues.Upsert(ctx, &domain.Queue{
		Name:              name,
		PartitionKey:      c.opts.PartitionKey,
		MaxRetries:        opts.MaxRetries,
		MinDelay:          opts.MinDelay,
		BackoffMultiplier: opts.BackoffMultiplier,
		MaxDuration:       opts.MaxDuration,
		Sequential:        opts.Sequential,
	})
}

// Enqueue inserts one job.
func (c *Client) Enqueue(ctx context.Context, queueName string, job NewJob) (AddJobsResult, error) {
	return c.EnqueueMany(ctx, queueName, []NewJob{job})
}

// EnqueueMany inserts a batch. Payload size is validated before any
// database round-trip; duplicates on idempotent or pending-dedup keys count
// as Deduplicated, not as errors.
func (c *Client) EnqueueMany(ctx context.Context, queueName string, jobs []NewJob) (AddJobsResult, error) {
	maxPayload := c.opts.MaxPayloadKiB * 1024
	for _, j := range jobs {
		if len(j.Payload) > maxPayload {
			return AddJobsResult{}, fmt.Errorf(
				"duraq: job %q payload is %d bytes, limit %d: %w",
				j.Name, len(j.Payload), maxPayload, domain.ErrPayloadTooLarge)
		}
	}
	return c.jobs.AddJobs(ctx, nil, queueName, c.opts.PartitionKey, jobs)
}

// Work starts a polling worker on the queue and returns it. Call the
// worker's Stop, or the client's Close, to end it.
func (c *Client) Work(ctx context.Context, queueName string, handler Handler, opts WorkOptions) (*Worker, error) {
	queue, err := c.queues.GetByName(ctx, queueName, c.opts.PartitionKey)
	if err != nil {
		return nil, fmt.Errorf("duraq: work on %q: %w", queueName, err)
	}

	w := engine.NewWorker(queue, handler, c.processor, c.tracker, opts, c.opts.Logger)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("duraq: client is closed")
	}
	c.workers = append(c.workers, w)
	w.Start(c.baseCtx)
	return w, nil
}

// PauseQueue stops claims on the queue. Running jobs finish normally.
func (c *Client) PauseQueue(ctx context.Context, queueName string) error {
	return c.setPaused(ctx, queueName, true)
}

// ResumeQueue lifts a pause.
func (c *Client) ResumeQueue(ctx context.Context, queueName string) error {
	return c.setPaused(ctx, queueName, false)
}

func (c *Client) setPaused(ctx context.Context, queueName string, paused bool) error {
	queue, err := c.queues.GetByName(ctx, queueName, c.opts.PartitionKey)
	if err != nil {
		return fmt.Errorf("duraq: pause %q: %w", queueName, err)
	}
	return c.queues.SetPaused(ctx, queue.ID, paused)
}

// Purge stops this client's workers on the partition and deletes all its
// queues; jobs go with them via the FK cascade.
func (c *Client) Purge(ctx context.Context, partitionKey string) error {
	c.mu.Lock()
	var kept, stopping []*engine.Worker
	for _, w := range c.workers {
		if w.Queue().PartitionKey == partitionKey {
			stopping = append(stopping, w)
		} else {
			kept = append(kept, w)
		}
	}
	c.workers = kept
	c.mu.Unlock()

	for _, w := range stopping {
		w.Stop()
	}
	return c.queues.PurgePartition(ctx, partitionKey)
}

// AwaitJobs returns a channel that closes once n more jobs finish on the
// queue, counting from the call.
func (c *Client) AwaitJobs(queueName string, n int) <-chan struct{} {
	return c.tracker.Await(queueName, n)
}

// GetJob loads one job by ID.
func (c *Client) GetJob(ctx context.Context, id string) (*Job, error) {
	return c.jobs.GetByID(ctx, id)
}

// Periodic exposes the cron-driven enqueuer. Timers fire only on the
// elected leader.
func (c *Client) Periodic() *engine.PeriodicEngine { return c.periodic }

// Workflows exposes the step-DAG engine. Its HandleJobs is an ordinary
// Handler; run it with Work on the workflow queue.
func (c *Client) Workflows() *workflow.Engine { return c.flows }

// IsLeader reports whether this instance currently holds the lease.
func (c *Client) IsLeader() bool { return c.leader.IsLeader() }

// DB exposes the underlying pool, for health checks and for handler code
// that wants plain SQL on the same database.
func (c *Client) DB() *sql.DB { return c.db }

// Close stops workers and background machinery, then closes the pool.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	workers := c.workers
	c.workers = nil
	c.mu.Unlock()

	for _, w := range workers {
		w.Stop()
	}
	c.periodic.Stop()
	c.leader.Stop(ctx)
	if c.rescuer != nil {
		c.rescuer.Stop()
	}
	c.cancel()
	return c.db.Close()
}

// Destroy drops every table this installation created. It needs the open
// pool, so call it before Close.
func (c *Client) Destroy(ctx context.Context) error {
	destroyCtx, cancelDestroy := context.WithTimeout(ctx, time.Minute)
	defer cancelDestroy()
	return c.migrator.Destroy(destroyCtx)
}
