// Package dispatch sends insights and opens check-ins for them.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"sleep-checkin/internal/checkin"
	"sleep-checkin/internal/ledger"
	"sleep-checkin/internal/logging"
)

// Ledger is the subset of the check-in store the dispatcher needs.
type Ledger interface {
	BeginDispatch(ctx context.Context, recordKey, threadID string) (ledger.DispatchIntent, error)
	CompleteDispatch(ctx context.Context, in ledger.DispatchIntent, messageID string, expiry time.Duration) (checkin.PendingCheckIn, error)
	CancelDispatch(ctx context.Context, in ledger.DispatchIntent) error
}

// Sender delivers a payload to a conversation thread.
type Sender interface {
	Send(ctx context.Context, threadID string, p checkin.Payload) (string, error)
}

// ErrNotRecorded means the notification went out but the check-in could not
// be stored. The dispatch intent stays pending and is adopted on the next
// reconciliation, so the record is not notified twice.
var ErrNotRecorded = errors.New("dispatch: sent but not recorded")

type Dispatcher struct {
	ledger   Ledger
	sender   Sender
	threadID string
	expiry   time.Duration
	log      *zap.Logger
}

func New(l Ledger, s Sender, threadID string, expiry time.Duration, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{ledger: l, sender: s, threadID: threadID, expiry: expiry, log: log.Named("dispatch")}
}

// Dispatch sends the insight for rec and, once the channel confirms the send,
// opens a 'sent' check-in expiring after the configured expiry. It does not
// re-check eligibility. When the send fails no check-in exists afterwards.
func (d *Dispatcher) Dispatch(ctx context.Context, rec checkin.SleepRecord, in checkin.Insight) (checkin.PendingCheckIn, error) {
	log := d.log.With(zap.String("record", rec.Key), zap.String("thread", d.threadID))

	intent, err := d.ledger.BeginDispatch(ctx, rec.Key, d.threadID)
	if err != nil {
		return checkin.PendingCheckIn{}, fmt.Errorf("dispatch %s: %w", rec.Key, err)
	}

	msgID, err := d.sender.Send(ctx, d.threadID, Compose(in))
	if err != nil {
		// a cancelled context must not strand the intent
		if cerr := d.ledger.CancelDispatch(context.WithoutCancel(ctx), intent); cerr != nil {
			log.Error("cancel dispatch intent", logging.Err(cerr))
		}
		return checkin.PendingCheckIn{}, fmt.Errorf("dispatch %s: %w", rec.Key, err)
	}

	c, err := d.ledger.CompleteDispatch(context.WithoutCancel(ctx), intent, msgID, d.expiry)
	if errors.Is(err, ledger.ErrAlreadyOpen) {
		// another check-in already holds the record; this intent must not be adopted later
		if cerr := d.ledger.CancelDispatch(context.WithoutCancel(ctx), intent); cerr != nil {
			log.Error("cancel dispatch intent", logging.Err(cerr))
		}
		log.Warn("record already had an open check-in", zap.String("message_id", msgID))
		return checkin.PendingCheckIn{}, fmt.Errorf("dispatch %s: %w", rec.Key, err)
	}
	if err != nil {
		log.Error("notification sent but check-in not recorded; it will be adopted on reconciliation",
			zap.String("intent", intent.ID), zap.String("message_id", msgID), logging.Err(err))
		return checkin.PendingCheckIn{}, fmt.Errorf("%w: %s: %w", ErrNotRecorded, rec.Key, err)
	}

	log.Info("check-in dispatched",
		zap.String("check_in", c.ID),
		zap.String("message_id", msgID),
		zap.Int("attempt", c.Attempt),
		zap.Time("expires_at", c.ExpiresAt))
	return c, nil
}

// Compose renders an insight as one outbound message: the summary followed
// by the question, with the summary image attached when there is one.
func Compose(in checkin.Insight) checkin.Payload {
	p := in.Summary
	switch {
	case p.Text == "":
		p.Text = in.Question
	case in.Question != "":
		p.Text = p.Text + "\n" + in.Question
	}
	return p
}
