package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/askarbek/duraq/internal/domain"
	"github.com/askarbek/duraq/internal/metrics"
	"github.com/askarbek/duraq/internal/repository"
	"github.com/robfig/cron/v3"
)

const defaultMaxCatchUp = 100

// fireTimeout bounds the database work of a single scheduled fire.
const fireTimeout = 30 * time.Second

// fireRetryDelay paces retries of a fire whose enqueue failed.
const fireRetryDelay = time.Second

// PeriodicEngine turns registered cron definitions into enqueued jobs. Its
// timers are armed only while this instance holds leadership, so across a
// fleet exactly one engine fires each definition; the idempotent key on every
// enqueue makes a leadership handover at a fire boundary harmless.
type PeriodicEngine struct {
	jobs      repository.JobRepository
	states    repository.PeriodicRepository
	locker    repository.AdvisoryLocker
	partition string
	logger    *slog.Logger

	mu      sync.Mutex
	entries map[string]*periodicEntry
	armed   bool
	baseCtx context.Context
}

type periodicEntry struct {
	def      domain.PeriodicDefinition
	schedule cron.Schedule
	nextRun  time.Time
	timer    *time.Timer
}

func NewPeriodicEngine(
	jobs repository.JobRepository,
	states repository.PeriodicRepository,
	locker repository.AdvisoryLocker,
	leader *LeaderElection,
	partition string,
	logger *slog.Logger,
) *PeriodicEngine {
	e := &PeriodicEngine{
		jobs:      jobs,
		states:    states,
		locker:    locker,
		partition: partition,
		logger:    logger.With("component", "periodic_engine"),
		entries:   make(map[string]*periodicEntry),
		baseCtx:   context.Background(),
	}
	leader.OnBecomeLeader(e.armAll)
	leader.OnLoseLeadership(e.disarmAll)
	return e
}

// Start records the cancel scope fires run under. Timers still wait for
// leadership.
func (e *PeriodicEngine) Start(ctx context.Context) {
	e.mu.Lock()
	e.baseCtx = ctx
	e.mu.Unlock()
}

// Register validates and persists a definition, enqueues whatever its
// catch-up strategy owes for runs missed while no engine was scheduling it,
// and arms its timer when this instance is leader. Registration is
// serialized fleet-wide through the advisory lock so two instances
// registering the same definition cannot both enqueue the missed runs.
func (e *PeriodicEngine) Register(ctx context.Context, def domain.PeriodicDefinition) error {
	if def.Name == "" {
		return errors.New("periodic definition requires a name")
	}
	if def.Queue == "" {
		return fmt.Errorf("periodic definition %s requires a queue", def.Name)
	}
	schedule, err := cron.ParseStandard(def.CronExpr)
	if err != nil {
		return fmt.Errorf("parse cron %q: %v: %w", def.CronExpr, err, domain.ErrInvalidCronExpr)
	}
	if def.CatchUp == "" {
		def.CatchUp = domain.CatchUpNone
	}
	if def.MaxCatchUp <= 0 {
		def.MaxCatchUp = defaultMaxCatchUp
	}

	var nextRun time.Time
	err = e.locker.WithLock(ctx, func() error {
		var lockErr error
		nextRun, lockErr = e.reconcile(ctx, def, schedule)
		return lockErr
	})
	if err != nil {
		return fmt.Errorf("register periodic %s: %w", def.Name, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prev, ok := e.entries[def.Name]; ok && prev.timer != nil {
		prev.timer.Stop()
	}
	entry := &periodicEntry{def: def, schedule: schedule, nextRun: nextRun}
	e.entries[def.Name] = entry
	if e.armed {
		e.armLocked(entry)
	}
	e.logger.Info("periodic registered",
		"name", def.Name, "queue", def.Queue, "cron", def.CronExpr, "next_run_at", nextRun)
	return nil
}

// reconcile loads the persisted schedule position, applies the catch-up
// strategy to the runs missed since, and commits the catch-up enqueues and
// the advanced position in one transaction.
func (e *PeriodicEngine) reconcile(ctx context.Context, def domain.PeriodicDefinition, schedule cron.Schedule) (time.Time, error) {
	now := time.Now()

	state, err := e.states.Get(ctx, def.Name)
	if err != nil && !errors.Is(err, domain.ErrPeriodicNotFound) {
		return time.Time{}, err
	}

	var missed []time.Time
	var latest time.Time
	skipped := 0
	if state != nil {
		at := state.NextRunAt
		for !at.After(now) {
			latest = at
			if len(missed) < def.MaxCatchUp {
				missed = append(missed, at)
			} else {
				skipped++
			}
			at = schedule.Next(at)
		}
	}

	nextRun := schedule.Next(now)

	var enqueue []time.Time
	switch def.CatchUp {
	case domain.CatchUpAll:
		enqueue = missed
		if skipped > 0 {
			e.logger.Warn("catch-up truncated",
				"name", def.Name, "enqueued", len(missed), "dropped", skipped)
		}
	case domain.CatchUpLatest:
		if n := len(missed) + skipped; n > 0 {
			enqueue = []time.Time{latest}
			if n > 1 {
				e.logger.Info("catch-up collapsed to latest", "name", def.Name, "missed", n)
			}
		}
	default:
		if n := len(missed) + skipped; n > 0 {
			e.logger.Info("missed runs dropped", "name", def.Name, "missed", n)
		}
	}

	defJSON, err := json.Marshal(def)
	if err != nil {
		return time.Time{}, fmt.Errorf("encode definition: %w", err)
	}
	newState := &domain.PeriodicState{
		Name:       def.Name,
		Definition: defJSON,
		NextRunAt:  nextRun,
	}
	if state != nil {
		newState.LastRunAt = state.LastRunAt
	}
	if len(enqueue) > 0 {
		last := enqueue[len(enqueue)-1]
		newState.LastRunAt = &last
	}

	if len(enqueue) == 0 {
		return nextRun, e.states.Upsert(ctx, nil, newState)
	}

	jobs := make([]domain.NewJob, 0, len(enqueue))
	for _, at := range enqueue {
		job, err := e.buildJob(def, at)
		if err != nil {
			return time.Time{}, err
		}
		jobs = append(jobs, job)
	}
	err = e.jobs.InTx(ctx, func(session repository.Session) error {
		res, err := e.jobs.AddJobs(ctx, session, def.Queue, e.partition, jobs)
		if err != nil {
			return err
		}
		if res.Inserted > 0 {
			metrics.PeriodicFiredTotal.WithLabelValues(def.Name).Add(float64(res.Inserted))
		}
		e.logger.Info("catch-up enqueued",
			"name", def.Name, "inserted", res.Inserted, "deduplicated", res.Deduplicated)
		return e.states.Upsert(ctx, session, newState)
	})
	if err != nil {
		return time.Time{}, err
	}
	return nextRun, nil
}

// Remove cancels the definition's timer and deletes its persisted state.
func (e *PeriodicEngine) Remove(ctx context.Context, name string) error {
	e.mu.Lock()
	if entry, ok := e.entries[name]; ok {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(e.entries, name)
	}
	e.mu.Unlock()

	if err := e.states.Delete(ctx, name); err != nil {
		return fmt.Errorf("remove periodic %s: %w", name, err)
	}
	e.logger.Info("periodic removed", "name", name)
	return nil
}

// Stop disarms every timer. The registry survives for a later re-arm.
func (e *PeriodicEngine) Stop() {
	e.disarmAll()
}

func (e *PeriodicEngine) armAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.armed = true
	for _, entry := range e.entries {
		e.armLocked(entry)
	}
	if len(e.entries) > 0 {
		e.logger.Info("periodic timers armed", "definitions", len(e.entries))
	}
}

func (e *PeriodicEngine) disarmAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.armed = false
	for _, entry := range e.entries {
		if entry.timer != nil {
			entry.timer.Stop()
			entry.timer = nil
		}
	}
}

func (e *PeriodicEngine) armLocked(entry *periodicEntry) {
	if entry.timer != nil {
		entry.timer.Stop()
	}
	name := entry.def.Name
	entry.timer = time.AfterFunc(time.Until(entry.nextRun), func() {
		e.fire(name)
	})
}

// fire enqueues one scheduled run, advances the persisted position, and
// re-arms. The idempotent key carries the scheduled instant, so a duplicate
// fire after a leadership flap dedups at the store.
func (e *PeriodicEngine) fire(name string) {
	e.mu.Lock()
	entry, ok := e.entries[name]
	if !ok || !e.armed {
		e.mu.Unlock()
		return
	}
	def := entry.def
	scheduled := entry.nextRun
	baseCtx := e.baseCtx
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(baseCtx, fireTimeout)
	defer cancel()

	job, err := e.buildJob(def, scheduled)
	if err != nil {
		// A payload that cannot render will never render; skip the instant.
		e.logger.Error("periodic payload build failed", "name", name, "error", err)
		e.advanceAndRearm(entry, name, entry.schedule.Next(scheduled))
		return
	}
	res, err := e.jobs.AddJobs(ctx, nil, def.Queue, e.partition, []domain.NewJob{job})
	if err != nil {
		e.logger.Error("periodic enqueue failed", "name", name, "error", err)
		// Keep the instant and retry; its idempotent key makes the retry safe.
		e.rearmAfter(entry, name, fireRetryDelay)
		return
	}
	if res.Inserted > 0 {
		metrics.PeriodicFiredTotal.WithLabelValues(name).Inc()
	}
	e.logger.Info("periodic fired",
		"name", name, "scheduled_at", scheduled, "deduplicated", res.Deduplicated > 0)

	// Advance from the scheduled instant, not the wall clock. When a slow
	// fire overruns one or more instants, each lands in the past, re-arms
	// with a negative delay, and fires immediately under its own key.
	next := entry.schedule.Next(scheduled)
	state := &domain.PeriodicState{
		Name:       name,
		Definition: mustMarshal(def),
		LastRunAt:  &scheduled,
		NextRunAt:  next,
	}
	if err := e.states.Upsert(ctx, nil, state); err != nil {
		e.logger.Error("periodic state update failed", "name", name, "error", err)
	}

	e.advanceAndRearm(entry, name, next)
}

// advanceAndRearm moves the entry to its next instant and re-arms, unless
// the definition was replaced or leadership was lost meanwhile.
func (e *PeriodicEngine) advanceAndRearm(entry *periodicEntry, name string, next time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if current, ok := e.entries[name]; ok && current == entry {
		entry.nextRun = next
		if e.armed {
			e.armLocked(entry)
		}
	}
}

// rearmAfter retries the same instant after a delay.
func (e *PeriodicEngine) rearmAfter(entry *periodicEntry, name string, delay time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if current, ok := e.entries[name]; !ok || current != entry || !e.armed {
		return
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.timer = time.AfterFunc(delay, func() { e.fire(name) })
}

// buildJob renders the enqueue for one scheduled instant. The idempotent key
// `periodic:{name}:{instant}` is the dedup contract for periodic runs.
func (e *PeriodicEngine) buildJob(def domain.PeriodicDefinition, scheduled time.Time) (domain.NewJob, error) {
	key := fmt.Sprintf("periodic:%s:%s", def.Name, domain.FormatISOMillis(scheduled))

	payload := def.Payload
	if def.IncludeScheduledTime {
		merged := map[string]json.RawMessage{}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &merged); err != nil {
				return domain.NewJob{}, fmt.Errorf("payload of %s is not a JSON object: %w", def.Name, err)
			}
		}
		merged["_periodic"] = mustMarshal(map[string]string{
			"scheduledTime": domain.FormatISOMillis(scheduled),
		})
		payload = mustMarshal(merged)
	}

	return domain.NewJob{
		Name:          def.JobName,
		Payload:       payload,
		Priority:      def.Priority,
		IdempotentKey: &key,
	}, nil
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
