package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/askarbek/duraq/internal/domain"
	"github.com/google/uuid"
)

const queueColumns = `id, name, partition_key, max_retries, min_delay_ms,
	backoff_multiplier, max_duration_ms, paused, sequential`

type QueueRepository struct {
	db     *sql.DB
	tables tableNames
	logger *slog.Logger
}

func NewQueueRepository(db *sql.DB, prefix string, logger *slog.Logger) *QueueRepository {
	return &QueueRepository{
		db:     db,
		tables: newTableNames(prefix),
		logger: logger.With("component", "queue_repo"),
	}
}

// Upsert creates or updates the queue keyed by (name, partition_key). The
// update path deliberately leaves paused alone: pausing is an operator
// action and redeploying with new queue settings must not undo it.
func (r *QueueRepository) Upsert(ctx context.Context, q *domain.Queue) (*domain.Queue, error) {
	query := fmt.Sprintf(`
		INSERT INTO %s
			(id, name, partition_key, max_retries, min_delay_ms,
			 backoff_multiplier, max_duration_ms, paused, sequential)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)
		ON DUPLICATE KEY UPDATE
			max_retries = VALUES(max_retries),
			min_delay_ms = VALUES(min_delay_ms),
			backoff_multiplier = VALUES(backoff_multiplier),
			max_duration_ms = VALUES(max_duration_ms),
			sequential = VALUES(sequential)`, r.tables.Queues)

	_, err := r.db.ExecContext(ctx, query,
		uuid.NewString(), q.Name, q.PartitionKey, q.MaxRetries,
		q.MinDelay.Milliseconds(), q.BackoffMultiplier,
		q.MaxDuration.Milliseconds(), q.Sequential,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert queue %q: %w", q.Name, err)
	}

	// The generated id is discarded when the row already existed; read the
	// row back either way.
	return r.GetByName(ctx, q.Name, q.PartitionKey)
}

func (r *QueueRepository) GetByID(ctx context.Context, id string) (*domain.Queue, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, queueColumns, r.tables.Queues)
	return scanQueue(r.db.QueryRowContext(ctx, query, id))
}

func (r *QueueRepository) GetByName(ctx context.Context, name, partitionKey string) (*domain.Queue, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE name = ? AND partition_key = ?`,
		queueColumns, r.tables.Queues)
	return scanQueue(r.db.QueryRowContext(ctx, query, name, partitionKey))
}

func (r *QueueRepository) SetPaused(ctx context.Context, id string, paused bool) error {
	query := fmt.Sprintf(`UPDATE %s SET paused = ? WHERE id = ?`, r.tables.Queues)
	tag, err := r.db.ExecContext(ctx, query, paused, id)
	if err != nil {
		return fmt.Errorf("set paused: %w", err)
	}
	if affected, _ := tag.RowsAffected(); affected == 0 {
		// Either missing or already in the desired state; only the former
		// is an error.
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (r *QueueRepository) IsPaused(ctx context.Context, id string) (bool, error) {
	query := fmt.Sprintf(`SELECT paused FROM %s WHERE id = ?`, r.tables.Queues)
	var paused bool
	if err := r.db.QueryRowContext(ctx, query, id).Scan(&paused); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, domain.ErrQueueNotFound
		}
		return false, fmt.Errorf("read paused: %w", err)
	}
	return paused, nil
}

func (r *QueueRepository) Delete(ctx context.Context, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, r.tables.Queues)
	tag, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete queue: %w", err)
	}
	if affected, _ := tag.RowsAffected(); affected == 0 {
		return domain.ErrQueueNotFound
	}
	return nil
}

func (r *QueueRepository) ListByPartition(ctx context.Context, partitionKey string) ([]*domain.Queue, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE partition_key = ? ORDER BY name ASC`,
		queueColumns, r.tables.Queues)
	rows, err := r.db.QueryContext(ctx, query, partitionKey)
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	defer rows.Close()

	var queues []*domain.Queue
	for rows.Next() {
		q, err := scanQueue(rows)
		if err != nil {
			return nil, err
		}
		queues = append(queues, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queues: %w", err)
	}
	return queues, nil
}

// PurgePartition deletes every queue of the partition; the jobs FK cascade
// removes their jobs in the same statement.
func (r *QueueRepository) PurgePartition(ctx context.Context, partitionKey string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE partition_key = ?`, r.tables.Queues)
	tag, err := r.db.ExecContext(ctx, query, partitionKey)
	if err != nil {
		return fmt.Errorf("purge partition %q: %w", partitionKey, err)
	}
	if affected, _ := tag.RowsAffected(); affected > 0 {
		r.logger.Info("partition purged", "partition_key", partitionKey, "queues", affected)
	}
	return nil
}

func scanQueue(row rowScanner) (*domain.Queue, error) {
	var (
		q          domain.Queue
		minDelayMs int64
		maxDurMs   int64
	)
	err := row.Scan(
		&q.ID, &q.Name, &q.PartitionKey, &q.MaxRetries, &minDelayMs,
		&q.BackoffMultiplier, &maxDurMs, &q.Paused, &q.Sequential,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrQueueNotFound
		}
		return nil, fmt.Errorf("scan queue: %w", err)
	}
	q.MinDelay = time.Duration(minDelayMs) * time.Millisecond
	q.MaxDuration = time.Duration(maxDurMs) * time.Millisecond
	return &q, nil
}
