package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/askarbek/duraq/internal/domain"
	"github.com/askarbek/duraq/internal/repository"
	"github.com/google/uuid"
)

const jobColumns = `id, queue_id, name, payload, priority, status,
	created_at, start_after, running_at, completed_at, failed_at,
	attempts, errors, idempotent_key, pending_dedup_key, sequential_key`

type JobRepository struct {
	db     *sql.DB
	tables tableNames
	logger *slog.Logger
}

func NewJobRepository(db *sql.DB, prefix string, logger *slog.Logger) *JobRepository {
	return &JobRepository{
		db:     db,
		tables: newTableNames(prefix),
		logger: logger.With("component", "job_repo"),
	}
}

func (r *JobRepository) session(s repository.Session) repository.Session {
	if s == nil {
		return r.db
	}
	return s
}

// InTx runs fn in one transaction. Rollback on error, commit otherwise.
func (r *JobRepository) InTx(ctx context.Context, fn func(repository.Session) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// AddJobs resolves the queue and inserts in a single INSERT ... SELECT per
// job, so "queue exists" and "row inserted" are one atomic statement. A
// duplicate-key rejection is dedup working as intended and counts as
// success; zero affected rows without one means the queue row is missing.
func (r *JobRepository) AddJobs(ctx context.Context, session repository.Session, queueName, partitionKey string, jobs []domain.NewJob) (repository.AddJobsResult, error) {
	s := r.session(session)
	var res repository.AddJobsResult

	query := fmt.Sprintf(`
		INSERT INTO %s
			(id, queue_id, name, payload, priority, status, start_after,
			 attempts, errors, idempotent_key, pending_dedup_key, sequential_key)
		SELECT ?, q.id, ?, CAST(? AS JSON), ?, 'pending', COALESCE(?, NOW(3)),
		       0, JSON_ARRAY(), ?, ?, ?
		FROM %s q
		WHERE q.name = ? AND q.partition_key = ?`, r.tables.Jobs, r.tables.Queues)

	for _, job := range jobs {
		var payload any
		if len(job.Payload) > 0 {
			payload = string(job.Payload)
		}
		var startAfter any
		if !job.StartAfter.IsZero() {
			startAfter = job.StartAfter.UTC()
		}

		tag, err := s.ExecContext(ctx, query,
			uuid.NewString(), job.Name, payload, job.Priority, startAfter,
			job.IdempotentKey, job.PendingDedupKey, job.SequentialKey,
			queueName, partitionKey,
		)
		if err != nil {
			if isDuplicateKey(err) {
				res.Deduplicated++
				continue
			}
			return res, fmt.Errorf("insert job %q: %w", job.Name, err)
		}
		affected, err := tag.RowsAffected()
		if err != nil {
			return res, fmt.Errorf("insert job %q: %w", job.Name, err)
		}
		if affected == 0 {
			return res, fmt.Errorf("queue %q (partition %q): %w", queueName, partitionKey, domain.ErrQueueMissing)
		}
		res.Inserted++
	}

	return res, nil
}

// ClaimPending selects due pending rows FOR UPDATE SKIP LOCKED and flips
// them to running, all in one transaction. SKIP LOCKED keeps concurrent
// claimers disjoint without blocking each other.
func (r *JobRepository) ClaimPending(ctx context.Context, queueID string, limit int, sequential bool) ([]*domain.Job, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	// A job holding a sequential key is claimable only when no sibling with
	// the same key is running or pending ahead of it. NULL keys never match
	// the correlated subquery, so unkeyed jobs stay unconstrained.
	seqFilter := ""
	if sequential {
		seqFilter = fmt.Sprintf(`
		  AND NOT EXISTS (
			SELECT 1 FROM %s h
			WHERE h.queue_id = j.queue_id
			  AND h.sequential_key = j.sequential_key
			  AND h.id <> j.id
			  AND (h.status = 'running'
			       OR (h.status = 'pending'
			           AND (h.created_at < j.created_at
			                OR (h.created_at = j.created_at AND h.id < j.id))))
		  )`, r.tables.Jobs)
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM %s j
		WHERE j.queue_id = ? AND j.status = 'pending' AND j.start_after <= NOW(3)%s
		ORDER BY j.created_at ASC, j.priority DESC, j.id ASC
		LIMIT ?
		FOR UPDATE SKIP LOCKED`, jobColumns, r.tables.Jobs, seqFilter)

	rows, err := tx.QueryContext(ctx, query, queueID, limit)
	if err != nil {
		return nil, fmt.Errorf("select claimable jobs: %w", err)
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		if err = tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit empty claim: %w", err)
		}
		return nil, nil
	}

	ids := make([]any, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	update := fmt.Sprintf(`UPDATE %s SET status = 'running', running_at = NOW(3) WHERE id IN (%s)`,
		r.tables.Jobs, placeholders(len(ids)))
	if _, err = tx.ExecContext(ctx, update, ids...); err != nil {
		return nil, fmt.Errorf("mark claimed running: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	now := time.Now().UTC()
	for _, j := range jobs {
		j.Status = domain.JobRunning
		j.RunningAt = &now
	}
	return jobs, nil
}

// MarkCompleted finalizes running jobs. The status guard means a row the
// rescuer already took back is simply not counted; the caller decides what
// to do with the shortfall.
func (r *JobRepository) MarkCompleted(ctx context.Context, session repository.Session, jobIDs []string) (int64, error) {
	if len(jobIDs) == 0 {
		return 0, nil
	}
	s := r.session(session)

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'completed', attempts = attempts + 1, completed_at = NOW(3)
		WHERE id IN (%s) AND status = 'running'`, r.tables.Jobs, placeholders(len(jobIDs)))

	tag, err := s.ExecContext(ctx, query, stringArgs(jobIDs)...)
	if err != nil {
		return 0, fmt.Errorf("mark completed: %w", err)
	}
	affected, err := tag.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark completed: %w", err)
	}
	return affected, nil
}

// FailJobs applies one failure to each row in a single UPDATE. Rows still
// under the attempt budget go back to pending with exponential backoff
// (min_delay x multiplier^attempts, attempts pre-increment, so the first
// retry waits exactly min_delay); the rest fail terminally. The error entry
// is appended either way, with the attempt number the row is about to carry.
//
// Assignment order matters: MySQL evaluates SET left to right with updated
// values visible to later assignments, so attempts = attempts + 1 comes last.
func (r *JobRepository) FailJobs(ctx context.Context, session repository.Session, jobIDs []string, policy domain.RetryPolicy, detail domain.ErrorDetail) error {
	if len(jobIDs) == 0 {
		return nil
	}
	s := r.session(session)

	errorJSON, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("marshal error detail: %w", err)
	}
	at := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	query := fmt.Sprintf(`
		UPDATE %s
		SET
			status = IF(attempts + 1 >= ?, 'failed', 'pending'),
			failed_at = IF(attempts + 1 >= ?, NOW(3), failed_at),
			start_after = IF(attempts + 1 >= ?, start_after,
				DATE_ADD(NOW(3), INTERVAL (? * POW(?, attempts)) * 1000 MICROSECOND)),
			running_at = NULL,
			errors = JSON_ARRAY_APPEND(errors, '$', JSON_OBJECT(
				'at', ?, 'attempt', attempts + 1, 'error', CAST(? AS JSON))),
			attempts = attempts + 1
		WHERE id IN (%s) AND status = 'running'`, r.tables.Jobs, placeholders(len(jobIDs)))

	args := []any{
		policy.MaxRetries, policy.MaxRetries, policy.MaxRetries,
		policy.MinDelay.Milliseconds(), policy.BackoffMultiplier,
		at, string(errorJSON),
	}
	args = append(args, stringArgs(jobIDs)...)

	if _, err := s.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("fail jobs: %w", err)
	}
	return nil
}

func (r *JobRepository) StuckRunning(ctx context.Context, horizon time.Duration, limit int) ([]*domain.Job, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE status = 'running' AND running_at < DATE_SUB(NOW(3), INTERVAL ? MICROSECOND)
		ORDER BY running_at ASC
		LIMIT ?`, jobColumns, r.tables.Jobs)

	rows, err := r.db.QueryContext(ctx, query, horizon.Microseconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("select stuck jobs: %w", err)
	}
	return scanJobs(rows)
}

func (r *JobRepository) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, jobColumns, r.tables.Jobs)
	return scanJob(r.db.QueryRowContext(ctx, query, id))
}

// database/sql Row and Rows both implement this.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		j          domain.Job
		payload    sql.NullString
		runningAt  sql.NullTime
		completed  sql.NullTime
		failedAt   sql.NullTime
		errorsJSON []byte
		idemKey    sql.NullString
		dedupKey   sql.NullString
		seqKey     sql.NullString
	)
	err := row.Scan(
		&j.ID, &j.QueueID, &j.Name, &payload, &j.Priority, &j.Status,
		&j.CreatedAt, &j.StartAfter, &runningAt, &completed, &failedAt,
		&j.Attempts, &errorsJSON, &idemKey, &dedupKey, &seqKey,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}

	if payload.Valid {
		j.Payload = json.RawMessage(payload.String)
	}
	if runningAt.Valid {
		t := runningAt.Time
		j.RunningAt = &t
	}
	if completed.Valid {
		t := completed.Time
		j.CompletedAt = &t
	}
	if failedAt.Valid {
		t := failedAt.Time
		j.FailedAt = &t
	}
	if len(errorsJSON) > 0 {
		if err := json.Unmarshal(errorsJSON, &j.Errors); err != nil {
			return nil, fmt.Errorf("unmarshal job errors: %w", err)
		}
	}
	j.IdempotentKey = nullableString(idemKey)
	j.PendingDedupKey = nullableString(dedupKey)
	j.SequentialKey = nullableString(seqKey)
	return &j, nil
}

func scanJobs(rows *sql.Rows) ([]*domain.Job, error) {
	defer rows.Close()
	var jobs []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func nullableString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
