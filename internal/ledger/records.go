package ledger

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// ObserveRecords notes the first time each record was seen in the time-series
// store and returns that time for every given record. A record already known
// keeps its original first-seen time.
func (s *Store) ObserveRecords(ctx context.Context, records map[string]time.Time, at time.Time) (map[string]time.Time, error) {
	out := make(map[string]time.Time, len(records))
	if len(records) == 0 {
		return out, nil
	}
	err := s.withTx(ctx, "observe records", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO records_seen (record_key, record_time, first_seen_at) VALUES (?, ?, ?)
			 ON CONFLICT(record_key) DO NOTHING`)
		if err != nil {
			return ioErr("observe records: prepare", err)
		}
		defer stmt.Close()
		args := make([]any, 0, len(records))
		for key, recordTime := range records {
			if _, err := stmt.ExecContext(ctx, key, ts(recordTime), ts(at)); err != nil {
				return ioErr("observe records: insert", err)
			}
			args = append(args, key)
		}

		in := "(" + strings.TrimSuffix(strings.Repeat("?,", len(args)), ",") + ")"
		rows, err := tx.QueryContext(ctx,
			`SELECT record_key, first_seen_at FROM records_seen WHERE record_key IN `+in, args...)
		if err != nil {
			return ioErr("observe records: select", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				key  string
				seen int64
			)
			if err := rows.Scan(&key, &seen); err != nil {
				return ioErr("observe records: scan", err)
			}
			out[key] = fromTS(seen)
		}
		if err := rows.Err(); err != nil {
			return ioErr("observe records: rows", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReaskCandidate is a record whose check-ins all expired unanswered and that
// has fewer than the allowed number of attempts.
type ReaskCandidate struct {
	RecordKey  string
	RecordTime time.Time
}

// ReaskCandidates lists the records that could be asked again, oldest first.
// It does not look at the time-series store; callers still filter records
// journaled there.
func (s *Store) ReaskCandidates(ctx context.Context, maxAttempts int) ([]ReaskCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.record_key, r.record_time
		FROM records_seen r
		JOIN check_ins c ON c.record_key = r.record_key
		WHERE NOT EXISTS (SELECT 1 FROM journal_entries j WHERE j.record_key = r.record_key)
		  AND NOT EXISTS (SELECT 1 FROM dispatch_intents d WHERE d.record_key = r.record_key AND d.status = 'pending')
		GROUP BY r.record_key, r.record_time
		HAVING SUM(c.state <> 'expired') = 0 AND COUNT(*) < ?
		ORDER BY r.record_time ASC`, maxAttempts)
	if err != nil {
		return nil, ioErr("reask candidates", err)
	}
	defer rows.Close()

	var out []ReaskCandidate
	for rows.Next() {
		var (
			c  ReaskCandidate
			rt int64
		)
		if err := rows.Scan(&c.RecordKey, &rt); err != nil {
			return nil, ioErr("reask candidates: scan", err)
		}
		c.RecordTime = fromTS(rt)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr("reask candidates: rows", err)
	}
	return out, nil
}
