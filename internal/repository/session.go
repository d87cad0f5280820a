package repository

import (
	"context"
	"database/sql"
)

// Session is the capability a query needs to run: either the shared pool or
// a transaction someone else owns. *sql.DB and *sql.Tx both satisfy it, and
// so do test doubles, which is the point — callbacks that receive a Session
// can participate in the finalize transaction without knowing its type.
type Session interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var (
	_ Session = (*sql.DB)(nil)
	_ Session = (*sql.Tx)(nil)
)
