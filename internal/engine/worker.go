package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/askarbek/duraq/internal/domain"
	"github.com/askarbek/duraq/internal/metrics"
)

// WorkOptions configure one worker loop.
type WorkOptions struct {
	PollingInterval   time.Duration
	PollingBatchSize  int
	CallbackBatchSize int
	OnJobProcessed    func(job *domain.Job)
	OnJobFailed       func(err error, ref JobRef)
}

func (o WorkOptions) withDefaults() WorkOptions {
	if o.PollingInterval <= 0 {
		o.PollingInterval = 500 * time.Millisecond
	}
	if o.PollingBatchSize <= 0 {
		o.PollingBatchSize = 1
	}
	if o.CallbackBatchSize <= 0 {
		o.CallbackBatchSize = 1
	}
	return o
}

// Worker is one long-running poll loop against a single queue. Many workers
// may target the same queue; the claim transaction keeps them disjoint. A
// cycle error is logged and the loop keeps going.
type Worker struct {
	queue     *domain.Queue
	handler   Handler
	processor *Processor
	tracker   *Tracker
	opts      WorkOptions
	logger    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewWorker(queue *domain.Queue, handler Handler, processor *Processor, tracker *Tracker, opts WorkOptions, logger *slog.Logger) *Worker {
	return &Worker{
		queue:     queue,
		handler:   handler,
		processor: processor,
		tracker:   tracker,
		opts:      opts.withDefaults(),
		logger:    logger.With("component", "worker", "queue", queue.Name),
	}
}

// Start launches the loop. No-op when already running.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	go w.loop(ctx)
	metrics.WorkersRunning.Inc()
	w.logger.Info("worker started",
		"polling_interval", w.opts.PollingInterval,
		"polling_batch_size", w.opts.PollingBatchSize,
		"callback_batch_size", w.opts.CallbackBatchSize)
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)
	defer metrics.WorkersRunning.Dec()

	for {
		if ctx.Err() != nil {
			w.logger.Info("worker shut down")
			return
		}

		w.runCycle(ctx)

		select {
		case <-ctx.Done():
			w.logger.Info("worker shut down")
			return
		case <-time.After(w.opts.PollingInterval):
		}
	}
}

func (w *Worker) runCycle(ctx context.Context) {
	stats, err := w.processor.RunCycle(ctx, w.queue, w.handler, ProcessorOptions{
		PollingBatchSize:  w.opts.PollingBatchSize,
		CallbackBatchSize: w.opts.CallbackBatchSize,
		OnJobProcessed:    w.opts.OnJobProcessed,
		OnJobFailed:       w.opts.OnJobFailed,
	})
	if err != nil {
		w.logger.Error("cycle failed", "error", err)
		return
	}
	if processed := stats.Completed + stats.Retried + stats.Failed; processed > 0 {
		w.logger.Info("cycle finished",
			"claimed", stats.Claimed,
			"completed", stats.Completed,
			"retried", stats.Retried,
			"failed", stats.Failed)
		if w.tracker != nil {
			w.tracker.Record(w.queue.Name, processed)
		}
	}
}

// Queue returns the queue this worker drains.
func (w *Worker) Queue() *domain.Queue { return w.queue }

// Stop signals the loop and waits for the in-flight cycle to observe it.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
