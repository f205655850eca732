package ledger

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"sleep-checkin/internal/checkin"
)

const journalColumns = `record_key, answer_text, recorded_at, check_in_id, thread_id, from_id, from_username, from_name, msg_type, source_message_id, exported_at`

func scanJournal(r rowScanner) (checkin.JournalEntry, error) {
	var (
		e        checkin.JournalEntry
		recorded int64
		source   sql.NullInt64
		exported sql.NullInt64
	)
	if err := r.Scan(&e.RecordKey, &e.AnswerText, &recorded, &e.SourceCheckIn, &e.ThreadID,
		&e.FromID, &e.FromUsername, &e.FromName, &e.MessageKind, &source, &exported); err != nil {
		return checkin.JournalEntry{}, err
	}
	e.RecordedAt = fromTS(recorded)
	e.SourceMessageID = source.Int64
	e.ExportedAt = nullTS(exported)
	return e, nil
}

// Answer stores the journal entry for a check-in and moves the check-in from
// 'sent' to 'answered' in one transaction.
//
// An existing entry for the same record or the same source message yields a
// DuplicateWrite error and changes nothing. A check-in that is no longer 'sent'
// yields ErrStaleTransition and changes nothing.
func (s *Store) Answer(ctx context.Context, checkInID string, e checkin.JournalEntry, opts ...AnswerOption) error {
	if e.RecordedAt.IsZero() {
		e.RecordedAt = s.clock()
	}
	var o answerOptions
	for _, fn := range opts {
		fn(&o)
	}
	return s.withTx(ctx, "answer", func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM journal_entries
			 WHERE record_key = ? OR (? <> 0 AND source_message_id = ?)`,
			e.RecordKey, e.SourceMessageID, e.SourceMessageID,
		).Scan(&exists)
		if err != nil {
			return ioErr("answer: lookup journal", err)
		}
		if exists > 0 {
			return checkin.Duplicate("ledger: answer", checkin.ErrDuplicateWrite)
		}

		if err := casTx(ctx, tx, checkInID, checkin.StateSent, checkin.StateAnswered, s.clock()); err != nil {
			return err
		}

		var source any
		if e.SourceMessageID != 0 {
			source = e.SourceMessageID
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO journal_entries (`+journalColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
			e.RecordKey, e.AnswerText, ts(e.RecordedAt), checkInID, e.ThreadID,
			e.FromID, e.FromUsername, e.FromName, e.MessageKind, source,
		); err != nil {
			if isUniqueViolation(err) {
				return checkin.Duplicate("ledger: answer", checkin.ErrDuplicateWrite)
			}
			return ioErr("answer: insert journal", err)
		}
		if o.cursor != "" {
			return s.saveCursor(ctx, tx, o.cursor, o.cursorValue)
		}
		return nil
	})
}

// AnswerOption adds work to the Answer transaction.
type AnswerOption func(*answerOptions)

type answerOptions struct {
	cursor      string
	cursorValue int64
}

// AdvanceCursor moves a named cursor forward in the same transaction as the
// journal write, so a committed reply is never read again.
func AdvanceCursor(name string, value int64) AnswerOption {
	return func(o *answerOptions) {
		o.cursor = name
		o.cursorValue = value
	}
}

// Journal returns the journal entry of a record.
func (s *Store) Journal(ctx context.Context, recordKey string) (checkin.JournalEntry, error) {
	return s.journalWhere(ctx, "journal", `record_key = ?`, recordKey)
}

// JournalByMessage returns the journal entry written for a channel update.
func (s *Store) JournalByMessage(ctx context.Context, updateID int64) (checkin.JournalEntry, error) {
	return s.journalWhere(ctx, "journal by message", `source_message_id = ?`, updateID)
}

func (s *Store) journalWhere(ctx context.Context, op, where string, arg any) (checkin.JournalEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+journalColumns+` FROM journal_entries WHERE `+where, arg)
	e, err := scanJournal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return checkin.JournalEntry{}, ErrNotFound
	}
	if err != nil {
		return checkin.JournalEntry{}, ioErr(op, err)
	}
	return e, nil
}

// RecentJournal returns up to limit journal entries, newest first.
func (s *Store) RecentJournal(ctx context.Context, limit int) ([]checkin.JournalEntry, error) {
	return s.journalList(ctx, "recent journal",
		`SELECT `+journalColumns+` FROM journal_entries ORDER BY recorded_at DESC LIMIT ?`, limit)
}

// UnexportedJournal returns entries not yet written to the time-series store, oldest first.
func (s *Store) UnexportedJournal(ctx context.Context, limit int) ([]checkin.JournalEntry, error) {
	return s.journalList(ctx, "unexported journal",
		`SELECT `+journalColumns+` FROM journal_entries WHERE exported_at IS NULL ORDER BY recorded_at ASC LIMIT ?`, limit)
}

func (s *Store) journalList(ctx context.Context, op, query string, args ...any) ([]checkin.JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ioErr(op, err)
	}
	defer rows.Close()

	var out []checkin.JournalEntry
	for rows.Next() {
		e, err := scanJournal(rows)
		if err != nil {
			return nil, ioErr(op+": scan", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr(op+": rows", err)
	}
	return out, nil
}

// MarkExported records that an entry reached the time-series store.
func (s *Store) MarkExported(ctx context.Context, recordKey string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE journal_entries SET exported_at = ? WHERE record_key = ? AND exported_at IS NULL`,
		ts(at), recordKey)
	if err != nil {
		return ioErr("mark exported", err)
	}
	return nil
}

// RecordStatus summarizes what the ledger knows about one record.
type RecordStatus struct {
	Sent            int
	Answered        int
	Expired         int
	PendingDispatch bool
	Journaled       bool
}

// Attempts is the number of check-ins ever opened for the record.
func (r RecordStatus) Attempts() int {
	return r.Sent + r.Answered + r.Expired
}

// RecordStatuses returns the status of each requested record key. Keys the
// ledger has never seen map to the zero RecordStatus.
func (s *Store) RecordStatuses(ctx context.Context, keys []string) (map[string]RecordStatus, error) {
	out := make(map[string]RecordStatus, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
		out[k] = RecordStatus{}
	}
	in := "(" + strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",") + ")"

	rows, err := s.db.QueryContext(ctx,
		`SELECT record_key, state, COUNT(*) FROM check_ins WHERE record_key IN `+in+` GROUP BY record_key, state`, args...)
	if err != nil {
		return nil, ioErr("record statuses: check-ins", err)
	}
	for rows.Next() {
		var (
			key, state string
			n          int
		)
		if err := rows.Scan(&key, &state, &n); err != nil {
			rows.Close()
			return nil, ioErr("record statuses: scan", err)
		}
		st := out[key]
		switch checkin.State(state) {
		case checkin.StateSent:
			st.Sent = n
		case checkin.StateAnswered:
			st.Answered = n
		case checkin.StateExpired:
			st.Expired = n
		}
		out[key] = st
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, ioErr("record statuses: rows", err)
	}

	if err := s.markKeys(ctx, out, `SELECT record_key FROM journal_entries WHERE record_key IN `+in, args,
		func(st *RecordStatus) { st.Journaled = true }); err != nil {
		return nil, err
	}
	if err := s.markKeys(ctx, out, `SELECT record_key FROM dispatch_intents WHERE status = 'pending' AND record_key IN `+in, args,
		func(st *RecordStatus) { st.PendingDispatch = true }); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) markKeys(ctx context.Context, out map[string]RecordStatus, query string, args []any, mark func(*RecordStatus)) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return ioErr("record statuses", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return ioErr("record statuses: scan", err)
		}
		st := out[key]
		mark(&st)
		out[key] = st
	}
	if err := rows.Err(); err != nil {
		return ioErr("record statuses: rows", err)
	}
	return nil
}

// Cursor returns the persisted value of a named cursor, zero if never saved.
func (s *Store) Cursor(ctx context.Context, name string) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM cursors WHERE name = ?`, name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, ioErr("cursor", err)
	}
	return v, nil
}

// SaveCursor persists a cursor. Cursors only move forward; older values are ignored.
func (s *Store) SaveCursor(ctx context.Context, name string, value int64) error {
	return s.saveCursor(ctx, s.db, name, value)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) saveCursor(ctx context.Context, db execer, name string, value int64) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO cursors (name, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		 WHERE excluded.value > cursors.value`,
		name, value, ts(s.clock()))
	if err != nil {
		return ioErr("save cursor", err)
	}
	return nil
}
