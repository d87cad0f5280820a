package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
)

// advisoryLockTimeout is how long GET_LOCK waits before giving up, seconds.
const advisoryLockTimeout = 10

var errLockNotAcquired = errors.New("advisory lock not acquired")

// Migrator applies the schema under a process-wide advisory lock keyed by
// the table prefix, so concurrent instances racing at startup serialize and
// the losers simply skip.
type Migrator struct {
	db     *sql.DB
	tables tableNames
	lock   string
	logger *slog.Logger
}

func NewMigrator(db *sql.DB, prefix string, logger *slog.Logger) *Migrator {
	return &Migrator{
		db:     db,
		tables: newTableNames(prefix),
		lock:   prefix + "duraq_migrations",
		logger: logger.With("component", "migrator"),
	}
}

// WithLock runs fn while holding the advisory lock. GET_LOCK is scoped to a
// connection, so a dedicated connection is pinned for the lock's lifetime;
// fn's own statements are free to use the pool.
func (m *Migrator) WithLock(ctx context.Context, fn func() error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire lock connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	var got sql.NullInt64
	if err := conn.QueryRowContext(ctx, `SELECT GET_LOCK(?, ?)`, m.lock, advisoryLockTimeout).Scan(&got); err != nil {
		return fmt.Errorf("get advisory lock: %w", err)
	}
	if !got.Valid || got.Int64 != 1 {
		return errLockNotAcquired
	}
	defer func() {
		var released sql.NullInt64
		_ = conn.QueryRowContext(ctx, `SELECT RELEASE_LOCK(?)`, m.lock).Scan(&released)
	}()

	return fn()
}

// Run applies every unapplied migration in order. If another instance holds
// the lock past the timeout it is migrating on our behalf; return and let it.
// Idempotent: applied steps are recorded by name and skipped.
func (m *Migrator) Run(ctx context.Context) error {
	err := m.WithLock(ctx, func() error { return m.apply(ctx) })
	if errors.Is(err, errLockNotAcquired) {
		m.logger.Info("another instance is migrating, skipping")
		return nil
	}
	return err
}

func (m *Migrator) apply(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id INT NOT NULL AUTO_INCREMENT PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			applied_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
			UNIQUE KEY uniq_migration_name (name)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`, m.tables.Migrations)); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	applied := map[string]bool{}
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`SELECT name FROM %s`, m.tables.Migrations))
	if err != nil {
		return fmt.Errorf("list applied migrations: %w", err)
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("scan migration name: %w", err)
		}
		applied[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate migrations: %w", err)
	}

	for _, mig := range schemaMigrations(m.tables) {
		if applied[mig.Name] {
			continue
		}
		for _, stmt := range mig.Up {
			if _, err := m.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply migration %s: %w", mig.Name, err)
			}
		}
		if _, err := m.db.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (name) VALUES (?)`, m.tables.Migrations), mig.Name); err != nil {
			return fmt.Errorf("record migration %s: %w", mig.Name, err)
		}
		m.logger.Info("migration applied", "name", mig.Name)
	}

	return nil
}

// Destroy drops every table in reverse migration order, then the migrations
// table itself.
func (m *Migrator) Destroy(ctx context.Context) error {
	return m.WithLock(ctx, func() error {
		migs := schemaMigrations(m.tables)
		for i := len(migs) - 1; i >= 0; i-- {
			for _, stmt := range migs[i].Down {
				if _, err := m.db.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("revert migration %s: %w", migs[i].Name, err)
				}
			}
		}
		if _, err := m.db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, m.tables.Migrations)); err != nil {
			return fmt.Errorf("drop migrations table: %w", err)
		}
		return nil
	})
}
