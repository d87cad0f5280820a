package repository

import (
	"context"

	"github.com/askarbek/duraq/internal/domain"
)

type PeriodicRepository interface {
	Get(ctx context.Context, name string) (*domain.PeriodicState, error)
	// Upsert writes the definition and scheduling position; unique by name.
	Upsert(ctx context.Context, session Session, state *domain.PeriodicState) error
	Delete(ctx context.Context, name string) error
}

// AdvisoryLocker serializes process-wide critical sections (migrations,
// periodic registration) through a database advisory lock keyed by the
// table prefix.
type AdvisoryLocker interface {
	WithLock(ctx context.Context, fn func() error) error
}
