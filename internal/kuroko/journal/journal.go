// Package journal keeps a local history of lifecycle transitions. It is
// never read back for lifecycle decisions; the providers remain the only
// source of truth.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/bdobrica/kuroko/internal/kuroko/host"
	"github.com/bdobrica/kuroko/internal/kuroko/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Result of a transition attempt.
const (
	ResultSuccess  = "success"
	ResultReverted = "reverted"
	ResultFailed   = "failed"
)

// Entry is one recorded transition.
type Entry struct {
	ID           int64
	Timestamp    time.Time
	TraceID      string
	HostID       string
	HostName     string
	Op           string
	From         host.State
	To           host.State
	Result       string
	ErrorMessage string
}

// Recorder appends entries.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

// Discard drops every entry.
type Discard struct{}

func (Discard) Record(context.Context, Entry) error { return nil }

// Journal is the SQLite-backed Recorder.
type Journal struct {
	db *sql.DB
}

var _ Recorder = (*Journal)(nil)

// Open opens (creating if needed) the journal at path.
func Open(path string) (*Journal, error) {
	db, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(db, migrationsFS, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run journal migrations: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close closes the database.
func (j *Journal) Close() error { return j.db.Close() }

// Record appends e. A zero Timestamp means now.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	var errNull sql.NullString
	if e.ErrorMessage != "" {
		errNull = sql.NullString{String: e.ErrorMessage, Valid: true}
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO transitions (ts, trace_id, host_id, host_name, op, from_state, to_state, result, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.Timestamp.UTC(), e.TraceID, e.HostID, e.HostName, e.Op, string(e.From), string(e.To), e.Result, errNull)
	if err != nil {
		return fmt.Errorf("failed to write journal entry: %w", err)
	}
	return nil
}

const selectColumns = `SELECT id, ts, trace_id, host_id, host_name, op, from_state, to_state, result, error_message FROM transitions`

// ByHost returns every entry of hostID, oldest first.
func (j *Journal) ByHost(ctx context.Context, hostID string) ([]Entry, error) {
	return j.query(ctx, selectColumns+` WHERE host_id = ? ORDER BY id ASC`, hostID)
}

// ByTrace returns every entry of one invocation, oldest first.
func (j *Journal) ByTrace(ctx context.Context, traceID string) ([]Entry, error) {
	return j.query(ctx, selectColumns+` WHERE trace_id = ? ORDER BY id ASC`, traceID)
}

// Recent returns the newest entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	return j.query(ctx, selectColumns+` ORDER BY id DESC LIMIT ?`, limit)
}

// States returns the walk of states hostID went through according to the
// successful and reverted entries.
func (j *Journal) States(ctx context.Context, hostID string) ([]host.State, error) {
	entries, err := j.ByHost(ctx, hostID)
	if err != nil {
		return nil, err
	}
	var walk []host.State
	for _, e := range entries {
		if e.Result == ResultFailed && e.From == e.To {
			continue
		}
		if len(walk) == 0 {
			walk = append(walk, e.From)
		}
		walk = append(walk, e.To)
	}
	return walk, nil
}

func (j *Journal) query(ctx context.Context, q string, args ...any) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e        Entry
			from, to string
			errMsg   sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.TraceID, &e.HostID, &e.HostName, &e.Op,
			&from, &to, &e.Result, &errMsg); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		e.From, e.To = host.State(from), host.State(to)
		e.ErrorMessage = errMsg.String
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating journal: %w", err)
	}
	return entries, nil
}
