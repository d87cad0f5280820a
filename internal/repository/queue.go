package repository

import (
	"context"

	"github.com/askarbek/duraq/internal/domain"
)

// Engine components depend on these interfaces, not on the MySQL
// implementations, so tests can substitute in-memory fakes.
type QueueRepository interface {
	// Upsert creates the queue or updates its settings. The paused flag is
	// never reset by an upsert; use SetPaused for that.
	Upsert(ctx context.Context, q *domain.Queue) (*domain.Queue, error)
	GetByID(ctx context.Context, id string) (*domain.Queue, error)
	GetByName(ctx context.Context, name, partitionKey string) (*domain.Queue, error)
	SetPaused(ctx context.Context, id string, paused bool) error
	IsPaused(ctx context.Context, id string) (bool, error)
	// Delete removes the queue; its jobs go with it (FK cascade).
	Delete(ctx context.Context, id string) error
	ListByPartition(ctx context.Context, partitionKey string) ([]*domain.Queue, error)
	// PurgePartition deletes every queue of the partition in one statement.
	PurgePartition(ctx context.Context, partitionKey string) error
}
