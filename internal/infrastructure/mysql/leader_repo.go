package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

type LeaderRepository struct {
	db     *sql.DB
	tables tableNames
	logger *slog.Logger
}

func NewLeaderRepository(db *sql.DB, prefix string, logger *slog.Logger) *LeaderRepository {
	return &LeaderRepository{
		db:     db,
		tables: newTableNames(prefix),
		logger: logger.With("component", "leader_repo"),
	}
}

// TryAcquire upserts the singleton lease row. The update arm only moves the
// lease when it expired or we already hold it. MySQL evaluates the SET list
// left to right with new values visible to later assignments, so the gate on
// the old leader_id is evaluated in expires_at first and leader_id is
// assigned last, keyed off whether expires_at actually took the new value.
// Affected rows: 1 = inserted, 2 = updated, 0 = gate refused (or a same-
// millisecond no-op renewal, which the next heartbeat repairs).
func (r *LeaderRepository) TryAcquire(ctx context.Context, singletonKey, leaderID string, lease time.Duration) (bool, error) {
	query := fmt.Sprintf(`
		INSERT INTO %s (singleton_key, leader_id, elected_at, expires_at)
		VALUES (?, ?, NOW(3), DATE_ADD(NOW(3), INTERVAL ? MICROSECOND))
		ON DUPLICATE KEY UPDATE
			elected_at = IF(leader_id <> VALUES(leader_id) AND expires_at < NOW(3),
				VALUES(elected_at), elected_at),
			expires_at = IF(leader_id = VALUES(leader_id) OR expires_at < NOW(3),
				VALUES(expires_at), expires_at),
			leader_id = IF(expires_at = VALUES(expires_at), VALUES(leader_id), leader_id)`,
		r.tables.Leader)

	tag, err := r.db.ExecContext(ctx, query, singletonKey, leaderID, lease.Microseconds())
	if err != nil {
		return false, fmt.Errorf("acquire leadership: %w", err)
	}
	affected, err := tag.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire leadership: %w", err)
	}
	return affected > 0, nil
}

// Renew extends the lease only while we still hold it; false means lost.
func (r *LeaderRepository) Renew(ctx context.Context, singletonKey, leaderID string, lease time.Duration) (bool, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET expires_at = DATE_ADD(NOW(3), INTERVAL ? MICROSECOND)
		WHERE singleton_key = ? AND leader_id = ?`, r.tables.Leader)

	tag, err := r.db.ExecContext(ctx, query, lease.Microseconds(), singletonKey, leaderID)
	if err != nil {
		return false, fmt.Errorf("renew leadership: %w", err)
	}
	affected, err := tag.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("renew leadership: %w", err)
	}
	return affected > 0, nil
}

func (r *LeaderRepository) Release(ctx context.Context, singletonKey, leaderID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE singleton_key = ? AND leader_id = ?`, r.tables.Leader)
	if _, err := r.db.ExecContext(ctx, query, singletonKey, leaderID); err != nil {
		return fmt.Errorf("release leadership: %w", err)
	}
	return nil
}
