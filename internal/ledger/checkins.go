package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"sleep-checkin/internal/checkin"
)

// IntentStatus is the lifecycle of a dispatch intent.
type IntentStatus string

const (
	IntentPending   IntentStatus = "pending"
	IntentCompleted IntentStatus = "completed"
	IntentAdopted   IntentStatus = "adopted"
	IntentCancelled IntentStatus = "cancelled"
)

// DispatchIntent is recorded before a notification is sent, so a crash
// between sending and opening the check-in can be detected afterwards.
type DispatchIntent struct {
	ID        string
	RecordKey string
	ThreadID  string
	CreatedAt time.Time
	Status    IntentStatus
}

const checkInColumns = `id, record_key, thread_id, message_id, attempt, state, dispatched_at, expires_at, closed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckIn(r rowScanner) (checkin.PendingCheckIn, error) {
	var (
		c                   checkin.PendingCheckIn
		state               string
		dispatched, expires int64
		closed              sql.NullInt64
	)
	if err := r.Scan(&c.ID, &c.RecordKey, &c.ThreadID, &c.MessageID, &c.Attempt, &state, &dispatched, &expires, &closed); err != nil {
		return checkin.PendingCheckIn{}, err
	}
	c.State = checkin.State(state)
	c.DispatchedAt = fromTS(dispatched)
	c.ExpiresAt = fromTS(expires)
	c.ClosedAt = nullTS(closed)
	return c, nil
}

// BeginDispatch records the intent to notify about a record on a thread.
func (s *Store) BeginDispatch(ctx context.Context, recordKey, threadID string) (DispatchIntent, error) {
	in := DispatchIntent{
		ID:        s.newID(),
		RecordKey: recordKey,
		ThreadID:  threadID,
		CreatedAt: s.clock(),
		Status:    IntentPending,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dispatch_intents (id, record_key, thread_id, created_at, status) VALUES (?, ?, ?, ?, ?)`,
		in.ID, in.RecordKey, in.ThreadID, ts(in.CreatedAt), string(IntentPending))
	if err != nil {
		if isUniqueViolation(err) {
			return DispatchIntent{}, ErrDispatchInFlight
		}
		return DispatchIntent{}, ioErr("begin dispatch", err)
	}
	return in, nil
}

// CompleteDispatch atomically closes the intent and opens a 'sent' check-in
// for it. Call only after the notification was confirmed sent.
func (s *Store) CompleteDispatch(ctx context.Context, in DispatchIntent, messageID string, expiry time.Duration) (checkin.PendingCheckIn, error) {
	now := s.clock()
	return s.openCheckIn(ctx, "complete dispatch", in, IntentCompleted, messageID, now, now.Add(expiry))
}

// AdoptDispatch converts a dangling intent into a 'sent' check-in dated at the
// intent's creation. The notification may or may not have reached the user;
// adopting it keeps a late reply correlatable and never resends.
func (s *Store) AdoptDispatch(ctx context.Context, in DispatchIntent, expiry time.Duration) (checkin.PendingCheckIn, error) {
	return s.openCheckIn(ctx, "adopt dispatch", in, IntentAdopted, "", in.CreatedAt, in.CreatedAt.Add(expiry))
}

func (s *Store) openCheckIn(ctx context.Context, op string, in DispatchIntent, final IntentStatus, messageID string, dispatchedAt, expiresAt time.Time) (checkin.PendingCheckIn, error) {
	c := checkin.PendingCheckIn{
		ID:           s.newID(),
		RecordKey:    in.RecordKey,
		ThreadID:     in.ThreadID,
		MessageID:    messageID,
		State:        checkin.StateSent,
		DispatchedAt: dispatchedAt.UTC(),
		ExpiresAt:    expiresAt.UTC(),
	}
	err := s.withTx(ctx, op, func(tx *sql.Tx) error {
		var prior int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM check_ins WHERE record_key = ?`, in.RecordKey,
		).Scan(&prior); err != nil {
			return ioErr(op+": count attempts", err)
		}
		c.Attempt = prior + 1

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO check_ins (`+checkInColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
			c.ID, c.RecordKey, c.ThreadID, c.MessageID, c.Attempt, string(c.State), ts(c.DispatchedAt), ts(c.ExpiresAt),
		); err != nil {
			if isUniqueViolation(err) {
				return ErrAlreadyOpen
			}
			return ioErr(op+": insert check-in", err)
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE dispatch_intents SET status = ?, check_in_id = ? WHERE id = ? AND status = ?`,
			string(final), c.ID, in.ID, string(IntentPending))
		if err != nil {
			return ioErr(op+": close intent", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("ledger: %s: intent %s is not pending", op, in.ID)
		}
		return nil
	})
	if err != nil {
		return checkin.PendingCheckIn{}, err
	}
	return c, nil
}

// CancelDispatch abandons a pending intent whose send failed.
func (s *Store) CancelDispatch(ctx context.Context, in DispatchIntent) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE dispatch_intents SET status = ? WHERE id = ? AND status = ?`,
		string(IntentCancelled), in.ID, string(IntentPending))
	if err != nil {
		return ioErr("cancel dispatch", err)
	}
	return nil
}

// DanglingDispatches lists pending intents created before the cutoff.
func (s *Store) DanglingDispatches(ctx context.Context, before time.Time) ([]DispatchIntent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, record_key, thread_id, created_at, status FROM dispatch_intents
		 WHERE status = ? AND created_at < ? ORDER BY created_at ASC`,
		string(IntentPending), ts(before))
	if err != nil {
		return nil, ioErr("dangling dispatches", err)
	}
	defer rows.Close()

	var out []DispatchIntent
	for rows.Next() {
		var (
			in      DispatchIntent
			created int64
			status  string
		)
		if err := rows.Scan(&in.ID, &in.RecordKey, &in.ThreadID, &created, &status); err != nil {
			return nil, ioErr("dangling dispatches: scan", err)
		}
		in.CreatedAt = fromTS(created)
		in.Status = IntentStatus(status)
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr("dangling dispatches: rows", err)
	}
	return out, nil
}

// OpenForThread returns the most recently dispatched 'sent' check-in on a thread.
func (s *Store) OpenForThread(ctx context.Context, threadID string) (checkin.PendingCheckIn, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+checkInColumns+` FROM check_ins
		 WHERE thread_id = ? AND state = ?
		 ORDER BY dispatched_at DESC, attempt DESC LIMIT 1`,
		threadID, string(checkin.StateSent))
	c, err := scanCheckIn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return checkin.PendingCheckIn{}, ErrNotFound
	}
	if err != nil {
		return checkin.PendingCheckIn{}, ioErr("open for thread", err)
	}
	return c, nil
}

// Get returns a check-in by id.
func (s *Store) Get(ctx context.Context, id string) (checkin.PendingCheckIn, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+checkInColumns+` FROM check_ins WHERE id = ?`, id)
	c, err := scanCheckIn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return checkin.PendingCheckIn{}, ErrNotFound
	}
	if err != nil {
		return checkin.PendingCheckIn{}, ioErr("get check-in", err)
	}
	return c, nil
}

// Transition moves a check-in from one state to another iff it is still in
// the expected state. Only 'sent' rows can move, and nothing moves back to 'sent'.
func (s *Store) Transition(ctx context.Context, id string, from, to checkin.State) error {
	if from != checkin.StateSent || to == checkin.StateSent {
		return fmt.Errorf("ledger: illegal transition %s -> %s", from, to)
	}
	return s.withTx(ctx, "transition", func(tx *sql.Tx) error {
		return casTx(ctx, tx, id, from, to, s.clock())
	})
}

func casTx(ctx context.Context, tx *sql.Tx, id string, from, to checkin.State, at time.Time) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE check_ins SET state = ?, closed_at = ? WHERE id = ? AND state = ?`,
		string(to), ts(at), id, string(from))
	if err != nil {
		return ioErr("transition", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ioErr("transition: rows affected", err)
	}
	if n == 0 {
		return ErrStaleTransition
	}
	return nil
}

// ExpireDue transitions every 'sent' check-in whose deadline passed to
// 'expired' and returns the rows this call expired. Rows answered concurrently
// are skipped.
func (s *Store) ExpireDue(ctx context.Context, now time.Time) ([]checkin.PendingCheckIn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+checkInColumns+` FROM check_ins WHERE state = ? AND expires_at <= ? ORDER BY expires_at ASC`,
		string(checkin.StateSent), ts(now))
	if err != nil {
		return nil, ioErr("expire due", err)
	}
	var due []checkin.PendingCheckIn
	for rows.Next() {
		c, err := scanCheckIn(rows)
		if err != nil {
			rows.Close()
			return nil, ioErr("expire due: scan", err)
		}
		due = append(due, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, ioErr("expire due: rows", err)
	}
	rows.Close()

	var expired []checkin.PendingCheckIn
	for _, c := range due {
		err := s.Transition(ctx, c.ID, checkin.StateSent, checkin.StateExpired)
		if errors.Is(err, ErrStaleTransition) {
			continue
		}
		if err != nil {
			return expired, err
		}
		c.State = checkin.StateExpired
		c.ClosedAt = s.clock()
		expired = append(expired, c)
	}
	return expired, nil
}

// CheckInsForRecord returns every check-in of a record, oldest first.
func (s *Store) CheckInsForRecord(ctx context.Context, recordKey string) ([]checkin.PendingCheckIn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+checkInColumns+` FROM check_ins WHERE record_key = ? ORDER BY attempt ASC`, recordKey)
	if err != nil {
		return nil, ioErr("check-ins for record", err)
	}
	defer rows.Close()

	var out []checkin.PendingCheckIn
	for rows.Next() {
		c, err := scanCheckIn(rows)
		if err != nil {
			return nil, ioErr("check-ins for record: scan", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr("check-ins for record: rows", err)
	}
	return out, nil
}
