package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/askarbek/duraq/internal/domain"
	"github.com/askarbek/duraq/internal/repository"
)

type PeriodicRepository struct {
	db     *sql.DB
	tables tableNames
	logger *slog.Logger
}

func NewPeriodicRepository(db *sql.DB, prefix string, logger *slog.Logger) *PeriodicRepository {
	return &PeriodicRepository{
		db:     db,
		tables: newTableNames(prefix),
		logger: logger.With("component", "periodic_repo"),
	}
}

func (r *PeriodicRepository) Get(ctx context.Context, name string) (*domain.PeriodicState, error) {
	query := fmt.Sprintf(`
		SELECT name, definition, last_run_at, next_run_at, created_at, updated_at
		FROM %s WHERE name = ?`, r.tables.Periodic)

	var (
		state     domain.PeriodicState
		defJSON   []byte
		lastRunAt sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, query, name).Scan(
		&state.Name, &defJSON, &lastRunAt, &state.NextRunAt,
		&state.CreatedAt, &state.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrPeriodicNotFound
		}
		return nil, fmt.Errorf("get periodic %q: %w", name, err)
	}
	state.Definition = defJSON
	if lastRunAt.Valid {
		t := lastRunAt.Time
		state.LastRunAt = &t
	}
	return &state, nil
}

func (r *PeriodicRepository) Upsert(ctx context.Context, session repository.Session, state *domain.PeriodicState) error {
	s := repository.Session(r.db)
	if session != nil {
		s = session
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (name, definition, last_run_at, next_run_at)
		VALUES (?, CAST(? AS JSON), ?, ?)
		ON DUPLICATE KEY UPDATE
			definition = VALUES(definition),
			last_run_at = VALUES(last_run_at),
			next_run_at = VALUES(next_run_at)`, r.tables.Periodic)

	var lastRunAt any
	if state.LastRunAt != nil {
		lastRunAt = state.LastRunAt.UTC()
	}
	if _, err := s.ExecContext(ctx, query,
		state.Name, string(state.Definition), lastRunAt, state.NextRunAt.UTC()); err != nil {
		return fmt.Errorf("upsert periodic %q: %w", state.Name, err)
	}
	return nil
}

func (r *PeriodicRepository) Delete(ctx context.Context, name string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE name = ?`, r.tables.Periodic)
	tag, err := r.db.ExecContext(ctx, query, name)
	if err != nil {
		return fmt.Errorf("delete periodic %q: %w", name, err)
	}
	if affected, _ := tag.RowsAffected(); affected == 0 {
		return domain.ErrPeriodicNotFound
	}
	return nil
}
