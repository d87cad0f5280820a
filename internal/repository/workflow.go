package repository

import (
	"context"

	"github.com/askarbek/duraq/internal/domain"
)

type WorkflowRepository interface {
	Create(ctx context.Context, session Session, wf *domain.Workflow) error
	Get(ctx context.Context, id string) (*domain.Workflow, error)
	// GetForUpdate reloads the row with a row lock inside the caller's
	// transaction. Parallel steps serialize on this lock, which is what
	// keeps their state merges correct.
	GetForUpdate(ctx context.Context, session Session, id string) (*domain.Workflow, error)
	Update(ctx context.Context, session Session, wf *domain.Workflow) error
}
