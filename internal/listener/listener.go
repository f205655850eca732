// Package listener long-polls the chat channel for replies and hands each one
// to the journal writer, in the order the channel delivered them.
package listener

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"sleep-checkin/internal/checkin"
	"sleep-checkin/internal/journal"
	"sleep-checkin/internal/ledger"
	"sleep-checkin/internal/logging"
)

// CursorName is the ledger cursor holding the next channel update to read.
const CursorName = "telegram.updates"

// Receiver long-polls the channel.
type Receiver interface {
	Receive(ctx context.Context, offset int64) ([]checkin.InboundMessage, int64, error)
}

// Ledger is the subset of the check-in store the listener reads.
type Ledger interface {
	OpenForThread(ctx context.Context, threadID string) (checkin.PendingCheckIn, error)
	JournalByMessage(ctx context.Context, updateID int64) (checkin.JournalEntry, error)
	Cursor(ctx context.Context, name string) (int64, error)
	SaveCursor(ctx context.Context, name string, value int64) error
}

// Writer stores a reply against its check-in.
type Writer interface {
	Write(ctx context.Context, c checkin.PendingCheckIn, reply checkin.InboundMessage) (journal.Outcome, error)
}

type Listener struct {
	recv       Receiver
	ledger     Ledger
	writer     Writer
	allowed    map[string]bool
	newBackOff func() backoff.BackOff
	log        *zap.Logger
}

type Option func(*Listener)

// WithBackOff replaces the retry schedule used after channel or store failures.
func WithBackOff(f func() backoff.BackOff) Option {
	return func(l *Listener) { l.newBackOff = f }
}

// New builds a listener accepting replies only from the given threads.
func New(recv Receiver, l Ledger, w Writer, allowedThreads []string, log *zap.Logger, opts ...Option) *Listener {
	if log == nil {
		log = zap.NewNop()
	}
	allowed := make(map[string]bool, len(allowedThreads))
	for _, t := range allowedThreads {
		allowed[t] = true
	}
	ln := &Listener{
		recv:       recv,
		ledger:     l,
		writer:     w,
		allowed:    allowed,
		newBackOff: defaultBackOff,
		log:        log.Named("listener"),
	}
	for _, o := range opts {
		o(ln)
	}
	return ln
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0
	return b
}

// Run polls until ctx is cancelled or the channel rejects the credentials.
// A cancelled context is a clean shutdown and returns nil; the message being
// handled at that moment is finished first.
func (l *Listener) Run(ctx context.Context) error {
	bo := l.newBackOff()
	l.log.Info("listener started", zap.Int("allowed_threads", len(l.allowed)))
	defer l.log.Info("listener stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}
		err := l.Poll(ctx)
		switch {
		case err == nil:
			bo.Reset()
			continue
		case ctx.Err() != nil:
			return nil
		case checkin.IsFatal(err):
			l.log.Error("listener stopping", logging.Err(err))
			return err
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return err
		}
		l.log.Warn("poll failed, backing off", logging.Err(err), zap.Duration("wait", wait))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// Poll performs one long-poll and handles the batch it returns. A journaled
// reply moves the cursor inside its own write when the writer is built with
// WithCursor; every other message moves it once handled, so a failure part
// way through re-reads only the unhandled tail.
func (l *Listener) Poll(ctx context.Context) error {
	cursor, err := l.ledger.Cursor(ctx, CursorName)
	if err != nil {
		return err
	}
	msgs, next, err := l.recv.Receive(ctx, cursor)
	if err != nil {
		return err
	}

	work := context.WithoutCancel(ctx)
	for _, msg := range msgs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := l.Handle(work, msg); err != nil {
			return err
		}
		if err := l.ledger.SaveCursor(work, CursorName, msg.UpdateID+1); err != nil {
			return err
		}
	}
	if next > cursor {
		return l.ledger.SaveCursor(work, CursorName, next)
	}
	return nil
}

// Handle processes one inbound message. Messages that cannot be matched to a
// check-in are logged and dropped; only failures worth retrying the message
// for are returned.
func (l *Listener) Handle(ctx context.Context, msg checkin.InboundMessage) error {
	log := l.log.With(zap.Int64("update_id", msg.UpdateID), zap.String("thread", msg.ThreadID))
	if !l.allowed[msg.ThreadID] {
		log.Debug("ignoring message from unlisted thread")
		return nil
	}
	msg = Sanitize(msg)

	c, err := l.ledger.OpenForThread(ctx, msg.ThreadID)
	if errors.Is(err, ledger.ErrNotFound) {
		return l.unmatched(ctx, log, msg)
	}
	if err != nil {
		return err
	}

	out, err := l.writer.Write(ctx, c, msg)
	switch {
	case err == nil:
		log.Info("reply handled", zap.String("record", c.RecordKey), zap.Stringer("outcome", out))
		return nil
	case errors.Is(err, checkin.ErrCorrelation):
		// the check-in expired between lookup and write; a newer one may be open
		c2, err2 := l.ledger.OpenForThread(ctx, msg.ThreadID)
		if err2 == nil && c2.ID != c.ID {
			return l.Handle(ctx, msg)
		}
		log.Warn("reply arrived after its check-in closed", zap.String("record", c.RecordKey), logging.Err(err))
		return nil
	case checkin.KindOf(err) == checkin.KindInternal:
		log.Error("reply dropped", zap.String("record", c.RecordKey), logging.Err(err))
		return nil
	}
	return err
}

func (l *Listener) unmatched(ctx context.Context, log *zap.Logger, msg checkin.InboundMessage) error {
	_, err := l.ledger.JournalByMessage(ctx, msg.UpdateID)
	switch {
	case err == nil:
		log.Info("reply already journaled", logging.Kind(checkin.KindDuplicateWrite))
		return nil
	case errors.Is(err, ledger.ErrNotFound):
		log.Warn("reply has no open check-in",
			logging.Err(checkin.Correlation("listener: correlate", checkin.ErrCorrelation)))
		return nil
	}
	return err
}
