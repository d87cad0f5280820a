package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/askarbek/duraq/internal/domain"
	"github.com/askarbek/duraq/internal/engine"
	"github.com/askarbek/duraq/internal/metrics"
	"github.com/askarbek/duraq/internal/repository"
	"github.com/google/uuid"
)

// StepJobName is the job name every workflow-step job carries.
const StepJobName = "workflow-step"

// Engine interprets step DAGs by enqueueing one job per step on a dedicated
// queue. The workflow row is the canonical state; HandleJobs is a regular
// queue callback, so retries, timeouts, and the rescuer all apply to steps
// the same way they apply to any job.
type Engine struct {
	workflows repository.WorkflowRepository
	jobs      repository.JobRepository
	queueName string
	partition string
	logger    *slog.Logger

	mu   sync.RWMutex
	defs map[string]*Definition
}

func NewEngine(
	workflows repository.WorkflowRepository,
	jobs repository.JobRepository,
	queueName, partition string,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		workflows: workflows,
		jobs:      jobs,
		queueName: queueName,
		partition: partition,
		logger:    logger.With("component", "workflow_engine"),
		defs:      make(map[string]*Definition),
	}
}

// QueueName returns the queue workflow-step jobs run on.
func (e *Engine) QueueName() string { return e.queueName }

// RegisterDefinition validates the definition and makes it available to
// Start and to in-flight step jobs referencing it by name.
func (e *Engine) RegisterDefinition(def Definition) error {
	if err := def.validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.defs[def.Name] = &def
	return nil
}

func (e *Engine) definition(name string) (*Definition, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	def, ok := e.defs[name]
	return def, ok
}

// Start creates a workflow run: one transaction writes the row and enqueues
// the start step. The pending-dedup key {workflowID}:{step} collapses a
// double Start of the same ID at the store.
func (e *Engine) Start(ctx context.Context, definitionName string, data json.RawMessage) (string, error) {
	def, ok := e.definition(definitionName)
	if !ok {
		return "", fmt.Errorf("start workflow: %w: %s", domain.ErrWorkflowNotFound, definitionName)
	}

	wf := &domain.Workflow{
		ID:             uuid.NewString(),
		DefinitionName: def.Name,
		CurrentStep:    def.StartStep,
		Data:           data,
		StepResults:    map[string]json.RawMessage{},
		PendingSteps:   []string{def.StartStep},
		Status:         domain.WorkflowActive,
	}

	err := e.jobs.InTx(ctx, func(session repository.Session) error {
		if err := e.workflows.Create(ctx, session, wf); err != nil {
			return err
		}
		return e.enqueueSteps(ctx, session, wf, []string{def.StartStep})
	})
	if err != nil {
		return "", fmt.Errorf("start workflow %s: %w", definitionName, err)
	}

	metrics.WorkflowsStartedTotal.Inc()
	e.logger.Info("workflow started",
		"workflow_id", wf.ID, "definition", definitionName, "start_step", def.StartStep)
	return wf.ID, nil
}

// Get returns the current persisted state of a run.
func (e *Engine) Get(ctx context.Context, id string) (*domain.Workflow, error) {
	return e.workflows.Get(ctx, id)
}

// stepError tags a failure with the step that raised it, for the
// failure-reason contract `step: message`.
type stepError struct {
	step string
	err  error
}

func (e *stepError) Error() string { return fmt.Sprintf("%s: %v", e.step, e.err) }
func (e *stepError) Unwrap() error { return e.err }

// HandleJobs is the worker callback for the workflow queue. The whole chunk
// advances in one transaction and the jobs self-complete on that same
// session, so a step's effects and its job's completion are atomic. A step
// failure rolls the transaction back, marks the workflow failed in its own
// transaction, and surfaces the error so the queue's retry machinery sees
// it.
func (e *Engine) HandleJobs(ctx context.Context, jobs []*domain.Job, jc *engine.JobContext) error {
	var failed *stepError
	var failedWorkflowID string

	err := e.jobs.InTx(ctx, func(session repository.Session) error {
		for _, job := range jobs {
			var payload domain.StepPayload
			if err := json.Unmarshal(job.Payload, &payload); err != nil {
				return fmt.Errorf("decode step payload of job %s: %w", job.ID, err)
			}
			if err := e.runStep(ctx, session, payload); err != nil {
				var se *stepError
				if errors.As(err, &se) {
					failed = se
					failedWorkflowID = payload.WorkflowID
				}
				return err
			}
		}
		return jc.MarkJobsAsCompleted(ctx, session)
	})
	if err == nil {
		return nil
	}

	if failed != nil {
		e.markFailed(ctx, failedWorkflowID, failed)
	}
	return err
}

// runStep advances one workflow by one step under the row lock.
func (e *Engine) runStep(ctx context.Context, session repository.Session, payload domain.StepPayload) error {
	wf, err := e.workflows.GetForUpdate(ctx, session, payload.WorkflowID)
	if err != nil {
		return fmt.Errorf("load workflow %s: %w", payload.WorkflowID, err)
	}
	if wf.Status != domain.WorkflowActive {
		// A retried step job of an already failed or completed run. The run
		// is settled; the job just completes.
		e.logger.Warn("step job for settled workflow skipped",
			"workflow_id", wf.ID, "step", payload.Step, "status", wf.Status)
		return nil
	}

	def, ok := e.definition(wf.DefinitionName)
	if !ok {
		return &stepError{step: payload.Step, err: fmt.Errorf("definition %s not registered", wf.DefinitionName)}
	}
	step, ok := def.step(payload.Step)
	if !ok {
		return &stepError{step: payload.Step, err: fmt.Errorf("step not defined in %s", wf.DefinitionName)}
	}

	rc := RunContext{WorkflowID: wf.ID, Data: wf.Data, StepResults: wf.StepResults}
	result, err := step.Handler(ctx, rc, session)
	if err != nil {
		return &stepError{step: step.Name, err: err}
	}

	if wf.StepResults == nil {
		wf.StepResults = map[string]json.RawMessage{}
	}
	wf.StepResults[step.Name] = result
	if !slices.Contains(wf.CompletedSteps, step.Name) {
		wf.CompletedSteps = append(wf.CompletedSteps, step.Name)
	}
	wf.PendingSteps = slices.DeleteFunc(wf.PendingSteps, func(s string) bool { return s == step.Name })

	// While sibling parallel steps are still pending, only the state merge
	// persists. The last finisher computes the successors.
	if len(wf.PendingSteps) > 0 {
		return e.workflows.Update(ctx, session, wf)
	}

	next, err := e.successors(ctx, def, step, rc, result, session)
	if err != nil {
		return &stepError{step: step.Name, err: err}
	}

	if len(next) == 0 {
		wf.Status = domain.WorkflowCompleted
		if err := e.workflows.Update(ctx, session, wf); err != nil {
			return err
		}
		metrics.WorkflowsFinishedTotal.WithLabelValues("completed").Inc()
		e.logger.Info("workflow completed", "workflow_id", wf.ID, "definition", def.Name)
		return nil
	}

	wf.PendingSteps = next
	wf.CurrentStep = next[0]
	if err := e.workflows.Update(ctx, session, wf); err != nil {
		return err
	}
	return e.enqueueSteps(ctx, session, wf, next)
}

// successors resolves a step's next steps: explicit Next first, then the
// Condition gate over the sequential default, then the sequential default
// itself.
func (e *Engine) successors(ctx context.Context, def *Definition, step *Step, rc RunContext, result json.RawMessage, session repository.Session) ([]string, error) {
	var next []string
	switch {
	case !step.Next.isZero():
		resolved, err := step.Next.resolve(ctx, rc, result, session)
		if err != nil {
			return nil, fmt.Errorf("resolve next of %s: %w", step.Name, err)
		}
		next = resolved
	case step.Condition != nil:
		proceed, err := step.Condition(rc, result)
		if err != nil {
			return nil, fmt.Errorf("condition of %s: %w", step.Name, err)
		}
		if proceed {
			if following := def.following(step.Name); following != "" {
				next = []string{following}
			}
		}
	default:
		if following := def.following(step.Name); following != "" {
			next = []string{following}
		}
	}

	deduped := next[:0]
	for _, name := range next {
		if name == "" {
			continue
		}
		if _, ok := def.step(name); !ok {
			return nil, fmt.Errorf("step %s routes to unknown step %s", step.Name, name)
		}
		if !slices.Contains(deduped, name) {
			deduped = append(deduped, name)
		}
	}
	return deduped, nil
}

func (e *Engine) enqueueSteps(ctx context.Context, session repository.Session, wf *domain.Workflow, steps []string) error {
	newJobs := make([]domain.NewJob, 0, len(steps))
	for _, stepName := range steps {
		payload, err := domain.StepPayload{
			WorkflowID: wf.ID,
			Step:       stepName,
			Data:       wf.Data,
		}.Marshal()
		if err != nil {
			return fmt.Errorf("encode step payload: %w", err)
		}
		dedupKey := fmt.Sprintf("%s:%s", wf.ID, stepName)
		newJobs = append(newJobs, domain.NewJob{
			Name:            StepJobName,
			Payload:         payload,
			PendingDedupKey: &dedupKey,
		})
	}
	if _, err := e.jobs.AddJobs(ctx, session, e.queueName, e.partition, newJobs); err != nil {
		return fmt.Errorf("enqueue steps %v: %w", steps, err)
	}
	return nil
}

// markFailed settles the run after the step transaction rolled back. It runs
// on its own session, with a bounded context so worker shutdown cannot leave
// the row active.
func (e *Engine) markFailed(ctx context.Context, workflowID string, se *stepError) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}

	wf, err := e.workflows.Get(ctx, workflowID)
	if err != nil {
		e.logger.Error("load workflow for failure mark", "workflow_id", workflowID, "error", err)
		return
	}
	if wf.Status != domain.WorkflowActive {
		return
	}
	reason := se.Error()
	wf.Status = domain.WorkflowFailed
	wf.FailureReason = &reason
	if err := e.workflows.Update(ctx, nil, wf); err != nil {
		e.logger.Error("mark workflow failed", "workflow_id", workflowID, "error", err)
		return
	}
	metrics.WorkflowsFinishedTotal.WithLabelValues("failed").Inc()
	e.logger.Warn("workflow failed",
		"workflow_id", workflowID, "step", se.step, "error", se.err)
}
