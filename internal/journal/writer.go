// Package journal persists replies to check-ins.
//
// The ledger is the system of record for journal entries: an entry and the
// answered transition of its check-in commit together. Copies in the
// time-series store are written after commit and retried from the ledger
// until they succeed.
package journal

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"sleep-checkin/internal/checkin"
	"sleep-checkin/internal/ledger"
	"sleep-checkin/internal/logging"
)

// Ledger is the subset of the check-in store the writer needs.
type Ledger interface {
	Answer(ctx context.Context, checkInID string, e checkin.JournalEntry, opts ...ledger.AnswerOption) error
	UnexportedJournal(ctx context.Context, limit int) ([]checkin.JournalEntry, error)
	MarkExported(ctx context.Context, recordKey string, at time.Time) error
}

// Exporter copies journal entries to the time-series store.
type Exporter interface {
	WriteJournal(ctx context.Context, e checkin.JournalEntry) error
}

// Sender delivers the acknowledgement.
type Sender interface {
	Send(ctx context.Context, threadID string, p checkin.Payload) (string, error)
}

// Outcome says what a Write did.
type Outcome int

const (
	// Written means a new entry was stored and the check-in answered.
	Written Outcome = iota + 1
	// Duplicate means an entry for the record or the message already existed.
	Duplicate
)

func (o Outcome) String() string {
	switch o {
	case Written:
		return "written"
	case Duplicate:
		return "duplicate"
	}
	return "unknown"
}

type Writer struct {
	ledger   Ledger
	exporter Exporter
	sender   Sender
	ackText  string
	cursor   string
	now      func() time.Time
	log      *zap.Logger
}

type Option func(*Writer)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option { return func(w *Writer) { w.now = now } }

// WithCursor advances the named update cursor past each reply in the same
// transaction that journals it.
func WithCursor(name string) Option { return func(w *Writer) { w.cursor = name } }

// New builds a Writer. exporter may be nil when no time-series copy is kept;
// an empty ackText disables acknowledgements.
func New(l Ledger, exporter Exporter, sender Sender, ackText string, log *zap.Logger, opts ...Option) *Writer {
	if log == nil {
		log = zap.NewNop()
	}
	w := &Writer{
		ledger:   l,
		exporter: exporter,
		sender:   sender,
		ackText:  ackText,
		now:      time.Now,
		log:      log.Named("journal"),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Write records reply as the journal entry of c's record and closes c as answered.
//
// A reply whose record or channel message is already journaled is reported as
// Duplicate with a nil error and is not acknowledged. If c was expired before
// the write could claim it, nothing is written and a CorrelationError is returned.
func (w *Writer) Write(ctx context.Context, c checkin.PendingCheckIn, reply checkin.InboundMessage) (Outcome, error) {
	entry := checkin.JournalEntry{
		RecordKey:       c.RecordKey,
		AnswerText:      reply.Text,
		RecordedAt:      w.now().UTC(),
		SourceCheckIn:   c.ID,
		ThreadID:        c.ThreadID,
		FromID:          reply.FromID,
		FromUsername:    reply.FromUsername,
		FromName:        reply.FromName,
		MessageKind:     reply.Kind,
		SourceMessageID: reply.UpdateID,
	}
	log := w.log.With(zap.String("record", c.RecordKey), zap.String("check_in", c.ID), zap.Int64("update_id", reply.UpdateID))

	var opts []ledger.AnswerOption
	if w.cursor != "" && reply.UpdateID != 0 {
		opts = append(opts, ledger.AdvanceCursor(w.cursor, reply.UpdateID+1))
	}
	err := w.ledger.Answer(ctx, c.ID, entry, opts...)
	switch {
	case errors.Is(err, checkin.ErrDuplicateWrite):
		log.Info("reply already journaled", logging.Kind(checkin.KindDuplicateWrite))
		return Duplicate, nil
	case errors.Is(err, ledger.ErrStaleTransition):
		return 0, checkin.Correlation("journal: write", err)
	case err != nil:
		return 0, err
	}
	log.Info("journal entry written", zap.String("msg_type", entry.MessageKind))

	w.export(ctx, entry)
	w.ack(ctx, c.ThreadID)
	return Written, nil
}

// ExportPending copies up to limit unexported entries to the time-series
// store, oldest first, and returns how many were exported. It stops at the
// first failure so entries keep their order.
func (w *Writer) ExportPending(ctx context.Context, limit int) (int, error) {
	if w.exporter == nil {
		return 0, nil
	}
	pending, err := w.ledger.UnexportedJournal(ctx, limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range pending {
		if err := w.exportOne(ctx, e); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (w *Writer) export(ctx context.Context, e checkin.JournalEntry) {
	if w.exporter == nil {
		return
	}
	if err := w.exportOne(ctx, e); err != nil {
		w.log.Warn("journal export deferred", zap.String("record", e.RecordKey), logging.Err(err))
	}
}

func (w *Writer) exportOne(ctx context.Context, e checkin.JournalEntry) error {
	if err := w.exporter.WriteJournal(ctx, e); err != nil {
		return err
	}
	return w.ledger.MarkExported(ctx, e.RecordKey, w.now())
}

func (w *Writer) ack(ctx context.Context, threadID string) {
	if w.sender == nil || w.ackText == "" {
		return
	}
	if _, err := w.sender.Send(ctx, threadID, checkin.Payload{Text: w.ackText}); err != nil {
		w.log.Warn("acknowledgement not sent", zap.String("thread", threadID), logging.Err(err))
	}
}
