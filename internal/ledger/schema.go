package ledger

// schema is applied on every open; statements are idempotent.
//
// Invariants enforced by the database itself:
//   - ux_check_ins_open: at most one 'sent' check-in per record.
//   - trg_check_ins_terminal: answered/expired rows never change state again.
//   - trg_check_ins_no_delete: check-ins are an audit trail and are never deleted.
//   - journal_entries.record_key primary key: one journal entry per record.
//   - ux_journal_source_message: a channel update is journaled at most once.
//   - ux_dispatch_pending: at most one in-flight dispatch per record.
//   - records_seen: first_seen_at is written once and never moves.
const schema = `
CREATE TABLE IF NOT EXISTS check_ins (
	id            TEXT PRIMARY KEY,
	record_key    TEXT NOT NULL,
	thread_id     TEXT NOT NULL,
	message_id    TEXT NOT NULL DEFAULT '',
	attempt       INTEGER NOT NULL,
	state         TEXT NOT NULL CHECK (state IN ('sent', 'answered', 'expired')),
	dispatched_at INTEGER NOT NULL,
	expires_at    INTEGER NOT NULL,
	closed_at     INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_check_ins_open ON check_ins(record_key) WHERE state = 'sent';
CREATE INDEX IF NOT EXISTS idx_check_ins_thread ON check_ins(thread_id, state, dispatched_at);
CREATE INDEX IF NOT EXISTS idx_check_ins_record ON check_ins(record_key);
CREATE INDEX IF NOT EXISTS idx_check_ins_expiry ON check_ins(state, expires_at);

CREATE TRIGGER IF NOT EXISTS trg_check_ins_terminal
BEFORE UPDATE OF state ON check_ins
WHEN OLD.state <> 'sent'
BEGIN
	SELECT RAISE(ABORT, 'check-in state is terminal');
END;

CREATE TRIGGER IF NOT EXISTS trg_check_ins_no_delete
BEFORE DELETE ON check_ins
BEGIN
	SELECT RAISE(ABORT, 'check-ins are never deleted');
END;

CREATE TABLE IF NOT EXISTS journal_entries (
	record_key        TEXT PRIMARY KEY,
	answer_text       TEXT NOT NULL,
	recorded_at       INTEGER NOT NULL,
	check_in_id       TEXT NOT NULL REFERENCES check_ins(id),
	thread_id         TEXT NOT NULL,
	from_id           TEXT NOT NULL DEFAULT '',
	from_username     TEXT NOT NULL DEFAULT '',
	from_name         TEXT NOT NULL DEFAULT '',
	msg_type          TEXT NOT NULL,
	source_message_id INTEGER,
	exported_at       INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_journal_source_message
	ON journal_entries(source_message_id) WHERE source_message_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_journal_unexported ON journal_entries(exported_at) WHERE exported_at IS NULL;

CREATE TABLE IF NOT EXISTS dispatch_intents (
	id          TEXT PRIMARY KEY,
	record_key  TEXT NOT NULL,
	thread_id   TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	status      TEXT NOT NULL CHECK (status IN ('pending', 'completed', 'adopted', 'cancelled')),
	check_in_id TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_dispatch_pending ON dispatch_intents(record_key) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS records_seen (
	record_key    TEXT PRIMARY KEY,
	record_time   INTEGER NOT NULL,
	first_seen_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS cursors (
	name       TEXT PRIMARY KEY,
	value      INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
`
