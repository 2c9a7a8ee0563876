package lock

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/bdobrica/kuroko/internal/kuroko/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteBackend keeps leases in a table. Every acquisition reads and
// writes the row inside one BEGIN IMMEDIATE transaction, which takes the
// database write lock up front, so the check and the write cannot
// interleave with another acquirer even across processes sharing the file.
type SQLiteBackend struct {
	db *sql.DB
}

var _ Backend = (*SQLiteBackend)(nil)

// OpenSQLite opens the lock database at path.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	db, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	b, err := NewSQLiteBackend(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

// NewSQLiteBackend uses an already opened database.
func NewSQLiteBackend(db *sql.DB) (*SQLiteBackend, error) {
	if err := store.Migrate(db, migrationsFS, "migrations"); err != nil {
		return nil, fmt.Errorf("lock migrations: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

// Close closes the underlying database.
func (b *SQLiteBackend) Close() error { return b.db.Close() }

// querier is the part of *sql.DB and *sql.Conn the queries need.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// immediate runs fn inside a BEGIN IMMEDIATE transaction on a dedicated
// connection. fn must only use conn. A non-nil error from fn rolls back.
func (b *SQLiteBackend) immediate(ctx context.Context, fn func(conn querier) error) (err error) {
	conn, err := b.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("lock database: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("lock database: begin: %w", err)
	}
	defer func() {
		if err == nil {
			if _, err = conn.ExecContext(ctx, "COMMIT"); err == nil {
				return
			}
			err = fmt.Errorf("lock database: commit: %w", err)
		}
		conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK")
	}()
	return fn(conn)
}

func (b *SQLiteBackend) TryAcquire(ctx context.Context, resource, holder string, now, deadline time.Time) (Lease, error) {
	lease := Lease{Resource: resource, Holder: holder, AcquiredAt: now, Deadline: deadline}
	err := b.immediate(ctx, func(conn querier) error {
		prev, hadPrev, err := inspect(ctx, conn, resource)
		if err != nil {
			return err
		}
		if hadPrev && !prev.Expired(now) {
			return &ConflictError{Current: prev}
		}
		_, err = conn.ExecContext(ctx, `
			INSERT INTO locks (resource, holder, acquired_at, deadline)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(resource) DO UPDATE SET
				holder = excluded.holder,
				acquired_at = excluded.acquired_at,
				deadline = excluded.deadline
		`, resource, holder, now.UnixNano(), deadline.UnixNano())
		if err != nil {
			return fmt.Errorf("failed to acquire lock %s: %w", resource, err)
		}
		if hadPrev {
			lease.Reclaimed = &prev
		}
		return nil
	})
	if err != nil {
		return Lease{}, err
	}
	return lease, nil
}

func (b *SQLiteBackend) Extend(ctx context.Context, lease Lease, _, deadline time.Time) (Lease, error) {
	res, err := b.db.ExecContext(ctx,
		"UPDATE locks SET deadline = ? WHERE resource = ? AND holder = ? AND deadline = ?",
		deadline.UnixNano(), lease.Resource, lease.Holder, lease.Deadline.UnixNano())
	if err != nil {
		return Lease{}, fmt.Errorf("failed to extend lock %s: %w", lease.Resource, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Lease{}, fmt.Errorf("failed to extend lock %s: %w", lease.Resource, err)
	}
	if n == 0 {
		return Lease{}, ErrNotHeld
	}
	next := lease
	next.Deadline = deadline
	next.Reclaimed = nil
	return next, nil
}

func (b *SQLiteBackend) Release(ctx context.Context, lease Lease) error {
	res, err := b.db.ExecContext(ctx,
		"DELETE FROM locks WHERE resource = ? AND holder = ? AND deadline = ?",
		lease.Resource, lease.Holder, lease.Deadline.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", lease.Resource, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", lease.Resource, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

func (b *SQLiteBackend) Inspect(ctx context.Context, resource string) (Lease, bool, error) {
	return inspect(ctx, b.db, resource)
}

func inspect(ctx context.Context, q querier, resource string) (Lease, bool, error) {
	var (
		l                  Lease
		acquired, deadline int64
	)
	err := q.QueryRowContext(ctx,
		"SELECT resource, holder, acquired_at, deadline FROM locks WHERE resource = ?", resource,
	).Scan(&l.Resource, &l.Holder, &acquired, &deadline)
	if errors.Is(err, sql.ErrNoRows) {
		return Lease{}, false, nil
	}
	if err != nil {
		return Lease{}, false, fmt.Errorf("failed to inspect lock %s: %w", resource, err)
	}
	l.AcquiredAt = time.Unix(0, acquired)
	l.Deadline = time.Unix(0, deadline)
	return l, true, nil
}
