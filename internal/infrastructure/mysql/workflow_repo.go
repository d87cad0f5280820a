package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/askarbek/duraq/internal/domain"
	"github.com/askarbek/duraq/internal/repository"
)

const workflowColumns = `id, definition_name, current_step, data, step_results,
	completed_steps, pending_steps, status, created_at, completed_at,
	failed_at, failure_reason`

type WorkflowRepository struct {
	db     *sql.DB
	tables tableNames
	logger *slog.Logger
}

func NewWorkflowRepository(db *sql.DB, prefix string, logger *slog.Logger) *WorkflowRepository {
	return &WorkflowRepository{
		db:     db,
		tables: newTableNames(prefix),
		logger: logger.With("component", "workflow_repo"),
	}
}

func (r *WorkflowRepository) session(s repository.Session) repository.Session {
	if s == nil {
		return r.db
	}
	return s
}

func (r *WorkflowRepository) Create(ctx context.Context, session repository.Session, wf *domain.Workflow) error {
	results, completed, pending, err := marshalWorkflowState(wf)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s
			(id, definition_name, current_step, data, step_results,
			 completed_steps, pending_steps, status)
		VALUES (?, ?, ?, CAST(? AS JSON), CAST(? AS JSON), CAST(? AS JSON), CAST(? AS JSON), ?)`,
		r.tables.Workflows)

	var data any
	if len(wf.Data) > 0 {
		data = string(wf.Data)
	}
	if _, err := r.session(session).ExecContext(ctx, query,
		wf.ID, wf.DefinitionName, wf.CurrentStep, data,
		results, completed, pending, wf.Status); err != nil {
		return fmt.Errorf("create workflow: %w", err)
	}
	return nil
}

func (r *WorkflowRepository) Get(ctx context.Context, id string) (*domain.Workflow, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, workflowColumns, r.tables.Workflows)
	return scanWorkflow(r.db.QueryRowContext(ctx, query, id))
}

// GetForUpdate locks the row inside the caller's transaction. Parallel
// steps of one workflow serialize here, which is what makes their state
// merges safe.
func (r *WorkflowRepository) GetForUpdate(ctx context.Context, session repository.Session, id string) (*domain.Workflow, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ? FOR UPDATE`, workflowColumns, r.tables.Workflows)
	return scanWorkflow(r.session(session).QueryRowContext(ctx, query, id))
}

func (r *WorkflowRepository) Update(ctx context.Context, session repository.Session, wf *domain.Workflow) error {
	results, completed, pending, err := marshalWorkflowState(wf)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET current_step = ?, step_results = CAST(? AS JSON),
		    completed_steps = CAST(? AS JSON), pending_steps = CAST(? AS JSON),
		    status = ?,
		    completed_at = IF(? = 'completed', COALESCE(completed_at, NOW(3)), completed_at),
		    failed_at = IF(? = 'failed', COALESCE(failed_at, NOW(3)), failed_at),
		    failure_reason = ?
		WHERE id = ?`, r.tables.Workflows)

	var reason any
	if wf.FailureReason != nil {
		reason = *wf.FailureReason
	}
	tag, err := r.session(session).ExecContext(ctx, query,
		wf.CurrentStep, results, completed, pending,
		wf.Status, wf.Status, wf.Status, reason, wf.ID)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	if affected, _ := tag.RowsAffected(); affected == 0 {
		// Changed-rows semantics: zero can also mean a no-op write, so
		// confirm existence before reporting not-found.
		if _, err := r.Get(ctx, wf.ID); err != nil {
			return err
		}
	}
	return nil
}

func marshalWorkflowState(wf *domain.Workflow) (results, completed, pending string, err error) {
	stepResults := wf.StepResults
	if stepResults == nil {
		stepResults = map[string]json.RawMessage{}
	}
	resultsB, err := json.Marshal(stepResults)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal step results: %w", err)
	}
	completedB, err := json.Marshal(emptyIfNil(wf.CompletedSteps))
	if err != nil {
		return "", "", "", fmt.Errorf("marshal completed steps: %w", err)
	}
	pendingB, err := json.Marshal(emptyIfNil(wf.PendingSteps))
	if err != nil {
		return "", "", "", fmt.Errorf("marshal pending steps: %w", err)
	}
	return string(resultsB), string(completedB), string(pendingB), nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func scanWorkflow(row rowScanner) (*domain.Workflow, error) {
	var (
		wf          domain.Workflow
		data        sql.NullString
		resultsJSON []byte
		completedJ  []byte
		pendingJ    []byte
		completedAt sql.NullTime
		failedAt    sql.NullTime
		reason      sql.NullString
	)
	err := row.Scan(
		&wf.ID, &wf.DefinitionName, &wf.CurrentStep, &data, &resultsJSON,
		&completedJ, &pendingJ, &wf.Status, &wf.CreatedAt,
		&completedAt, &failedAt, &reason,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrWorkflowNotFound
		}
		return nil, fmt.Errorf("scan workflow: %w", err)
	}

	if data.Valid {
		wf.Data = json.RawMessage(data.String)
	}
	if err := json.Unmarshal(resultsJSON, &wf.StepResults); err != nil {
		return nil, fmt.Errorf("unmarshal step results: %w", err)
	}
	if err := json.Unmarshal(completedJ, &wf.CompletedSteps); err != nil {
		return nil, fmt.Errorf("unmarshal completed steps: %w", err)
	}
	if err := json.Unmarshal(pendingJ, &wf.PendingSteps); err != nil {
		return nil, fmt.Errorf("unmarshal pending steps: %w", err)
	}
	if completedAt.Valid {
		t := completedAt.Time
		wf.CompletedAt = &t
	}
	if failedAt.Valid {
		t := failedAt.Time
		wf.FailedAt = &t
	}
	wf.FailureReason = nullableString(reason)
	return &wf, nil
}
