// Package ledger is the durable check-in state store. It is the only state
// shared between the record poller and the reply listener, and every state
// transition it performs is a compare-and-swap inside a SQLite transaction.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"sleep-checkin/internal/checkin"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("ledger: not found")
	// ErrStaleTransition is returned when a compare-and-swap finds the row
	// in a different state than expected.
	ErrStaleTransition = errors.New("ledger: check-in no longer in expected state")
	// ErrDispatchInFlight is returned when a record already has a pending dispatch.
	ErrDispatchInFlight = errors.New("ledger: dispatch already in flight for record")
	// ErrAlreadyOpen is returned when a record already has a sent check-in.
	ErrAlreadyOpen = errors.New("ledger: record already has an open check-in")
)

// Store is a SQLite-backed ledger. Safe for concurrent use; writes are
// serialized through a single connection.
type Store struct {
	db    *sql.DB
	path  string
	now   func() time.Time
	newID func() string
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open creates or opens the ledger at path and applies the schema.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ledger: ensure dir: %w", err)
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: apply schema: %w", err)
	}

	s := &Store{
		db:    db,
		path:  path,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) clock() time.Time {
	return s.now().UTC()
}

func ts(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromTS(v int64) time.Time {
	return time.Unix(0, v).UTC()
}

func nullTS(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return fromTS(v.Int64)
}

// ioErr marks database failures as transient so callers retry next cycle.
func ioErr(op string, err error) error {
	return checkin.Transient("ledger: "+op, err)
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ioErr(op+": begin", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return ioErr(op+": commit", err)
	}
	return nil
}
