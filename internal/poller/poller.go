// Package poller finds settled sleep records nobody has been asked about yet
// and dispatches a check-in for each.
//
// A cycle is a pure function of stored state: which records exist in the
// time-series store and what the ledger says about them. Nothing is cached
// between cycles, so a restarted poller picks up exactly where it left off.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"sleep-checkin/internal/checkin"
	"sleep-checkin/internal/config"
	"sleep-checkin/internal/ledger"
	"sleep-checkin/internal/logging"
	"sleep-checkin/internal/scheduler"
)

const (
	historyJournalLimit = 10
	exportBatch         = 50
)

// Records reads the time-series store.
type Records interface {
	Summaries(ctx context.Context, from, to time.Time) ([]checkin.SleepRecord, error)
	Window(ctx context.Context, rec checkin.SleepRecord) ([]checkin.SleepRecord, error)
	JournalKeys(ctx context.Context) (map[string]bool, error)
}

// Ledger is the subset of the check-in store the poller needs.
type Ledger interface {
	DanglingDispatches(ctx context.Context, before time.Time) ([]ledger.DispatchIntent, error)
	AdoptDispatch(ctx context.Context, in ledger.DispatchIntent, expiry time.Duration) (checkin.PendingCheckIn, error)
	CancelDispatch(ctx context.Context, in ledger.DispatchIntent) error
	ExpireDue(ctx context.Context, now time.Time) ([]checkin.PendingCheckIn, error)
	RecordStatuses(ctx context.Context, keys []string) (map[string]ledger.RecordStatus, error)
	ObserveRecords(ctx context.Context, records map[string]time.Time, at time.Time) (map[string]time.Time, error)
	ReaskCandidates(ctx context.Context, maxAttempts int) ([]ledger.ReaskCandidate, error)
	RecentJournal(ctx context.Context, limit int) ([]checkin.JournalEntry, error)
}

// Generator builds the insight for a record.
type Generator interface {
	Generate(ctx context.Context, rec checkin.SleepRecord, window checkin.HistoricalWindow) (checkin.Insight, error)
}

// Dispatcher sends an insight and opens its check-in.
type Dispatcher interface {
	Dispatch(ctx context.Context, rec checkin.SleepRecord, in checkin.Insight) (checkin.PendingCheckIn, error)
}

// Exporter drains journal entries still missing from the time-series store.
type Exporter interface {
	ExportPending(ctx context.Context, limit int) (int, error)
}

// Options tunes the poller. Zero values are not defaulted; build them from config.
type Options struct {
	Interval       time.Duration
	SettleDelay    time.Duration
	Lookback       time.Duration
	Expiry         time.Duration
	ReconcileGrace time.Duration
	Policy         config.ReaskPolicy
	MaxAttempts    int
	RetryAttempts  int
}

// OptionsFromConfig maps the loaded configuration onto poller options.
func OptionsFromConfig(c *config.Config) Options {
	return Options{
		Interval:       c.CheckInterval,
		SettleDelay:    c.SettleDelay,
		Lookback:       c.Lookback,
		Expiry:         c.CheckInExpiry,
		ReconcileGrace: c.ReconcileGrace,
		Policy:         c.ReaskPolicy,
		MaxAttempts:    c.ReaskMaxAttempts,
		RetryAttempts:  c.StoreRetryAttempts,
	}
}

// Report counts what one cycle did.
type Report struct {
	Adopted    int
	Exported   int
	Expired    int
	Eligible   int
	Dispatched int
	Failed     int
}

func (r Report) fields() []zap.Field {
	return []zap.Field{
		zap.Int("adopted", r.Adopted),
		zap.Int("exported", r.Exported),
		zap.Int("expired", r.Expired),
		zap.Int("eligible", r.Eligible),
		zap.Int("dispatched", r.Dispatched),
		zap.Int("failed", r.Failed),
	}
}

type Poller struct {
	records    Records
	ledger     Ledger
	gen        Generator
	dispatcher Dispatcher
	exporter   Exporter
	opts       Options
	now        func() time.Time
	newBackOff func() backoff.BackOff
	log        *zap.Logger

	mu sync.Mutex
}

type Option func(*Poller)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option { return func(p *Poller) { p.now = now } }

// WithBackOff replaces the retry schedule for store queries.
func WithBackOff(f func() backoff.BackOff) Option { return func(p *Poller) { p.newBackOff = f } }

// New builds a poller. exporter may be nil.
func New(records Records, l Ledger, gen Generator, d Dispatcher, exporter Exporter, opts Options, log *zap.Logger, o ...Option) *Poller {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Poller{
		records:    records,
		ledger:     l,
		gen:        gen,
		dispatcher: d,
		exporter:   exporter,
		opts:       opts,
		now:        time.Now,
		newBackOff: defaultBackOff,
		log:        log.Named("poller"),
	}
	for _, fn := range o {
		fn(p)
	}
	return p
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	return b
}

// Run executes a cycle immediately and then once per interval until ctx is
// cancelled or a cycle fails fatally. Cancellation returns nil.
func (p *Poller) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	tick := func(jobCtx context.Context) {
		if _, err := p.Cycle(jobCtx); err != nil && checkin.IsFatal(err) {
			cancel(err)
		}
	}

	tick(ctx)
	if err := context.Cause(ctx); err != nil && checkin.IsFatal(err) {
		return err
	}

	s := scheduler.New(p.log)
	if err := s.Every(p.opts.Interval, "poll", tick); err != nil {
		return err
	}
	s.Run(ctx)

	if err := context.Cause(ctx); checkin.IsFatal(err) {
		return err
	}
	return nil
}

// Cycle runs reconcile, export, expiry sweep, discovery and dispatch once.
// Errors for individual records are logged and counted, not returned; the
// returned error is the first step-level failure, and a fatal one aborts the
// cycle immediately.
func (p *Poller) Cycle(ctx context.Context) (Report, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now().UTC()
	var rep Report
	var firstErr error
	keep := func(step string, err error) bool {
		if err == nil {
			return true
		}
		p.log.Error("cycle step failed", zap.String("step", step), logging.Err(err))
		if firstErr == nil {
			firstErr = fmt.Errorf("%s: %w", step, err)
		}
		return !checkin.IsFatal(err) && ctx.Err() == nil
	}

	n, err := p.reconcile(ctx, now)
	if !keep("reconcile", err) {
		return rep, firstErr
	}
	rep.Adopted = n

	n, err = p.export(ctx)
	if !keep("export", err) {
		return rep, firstErr
	}
	rep.Exported = n

	n, err = p.expire(ctx, now)
	if !keep("expire", err) {
		return rep, firstErr
	}
	rep.Expired = n

	eligible, err := p.eligible(ctx, now)
	if err != nil {
		keep("discover", err)
		return rep, firstErr
	}
	rep.Eligible = len(eligible)

	var journal []checkin.JournalEntry
	if len(eligible) > 0 {
		journal, err = p.recentJournal(ctx)
		if !keep("recent journal", err) {
			return rep, firstErr
		}
	}

	for _, rec := range eligible {
		if ctx.Err() != nil {
			break
		}
		err := p.process(ctx, rec, journal)
		if err == nil {
			rep.Dispatched++
			continue
		}
		rep.Failed++
		p.log.Error("record not dispatched", zap.String("record", rec.Key), logging.Err(err))
		if checkin.IsFatal(err) {
			return rep, fmt.Errorf("dispatch %s: %w", rec.Key, err)
		}
	}

	p.log.Info("cycle complete", rep.fields()...)
	return rep, firstErr
}

func (p *Poller) process(ctx context.Context, rec checkin.SleepRecord, journal []checkin.JournalEntry) error {
	var prior []checkin.SleepRecord
	err := p.retry(ctx, func() error {
		var err error
		prior, err = p.records.Window(ctx, rec)
		return err
	})
	if err != nil {
		return fmt.Errorf("history window: %w", err)
	}
	in, err := p.gen.Generate(ctx, rec, checkin.HistoricalWindow{Records: prior, Journal: journal})
	if err != nil {
		return fmt.Errorf("generate insight: %w", err)
	}
	_, err = p.dispatcher.Dispatch(ctx, rec, in)
	return err
}

// reconcile adopts dispatch intents left pending by a crash between send and
// state write, so the possibly-delivered notification is never sent again.
func (p *Poller) reconcile(ctx context.Context, now time.Time) (int, error) {
	var dangling []ledger.DispatchIntent
	err := p.retry(ctx, func() error {
		var err error
		dangling, err = p.ledger.DanglingDispatches(ctx, now.Add(-p.opts.ReconcileGrace))
		return err
	})
	if err != nil {
		return 0, err
	}
	adopted := 0
	for _, in := range dangling {
		c, err := p.ledger.AdoptDispatch(ctx, in, p.opts.Expiry)
		if errors.Is(err, ledger.ErrAlreadyOpen) {
			if err := p.ledger.CancelDispatch(ctx, in); err != nil {
				return adopted, err
			}
			continue
		}
		if err != nil {
			return adopted, err
		}
		adopted++
		p.log.Warn("adopted dangling dispatch",
			zap.String("record", in.RecordKey),
			zap.String("intent", in.ID),
			zap.String("check_in", c.ID),
			zap.Time("dispatched_at", c.DispatchedAt))
	}
	return adopted, nil
}

func (p *Poller) export(ctx context.Context) (int, error) {
	if p.exporter == nil {
		return 0, nil
	}
	return p.exporter.ExportPending(ctx, exportBatch)
}

func (p *Poller) expire(ctx context.Context, now time.Time) (int, error) {
	var expired []checkin.PendingCheckIn
	err := p.retry(ctx, func() error {
		var err error
		expired, err = p.ledger.ExpireDue(ctx, now)
		return err
	})
	for _, c := range expired {
		p.log.Info("check-in expired",
			zap.String("record", c.RecordKey),
			zap.String("check_in", c.ID),
			zap.Int("attempt", c.Attempt))
	}
	return len(expired), err
}

// eligible returns the records that still need a check-in and have settled,
// oldest first. A record settles SettleDelay after the later of its session
// time and the first cycle that saw it, so late-written summaries get the
// same grace as fresh ones. Under the re-ask policy, records with expired
// check-ins stay in scope after they leave the lookback window.
func (p *Poller) eligible(ctx context.Context, now time.Time) ([]checkin.SleepRecord, error) {
	from := now.Add(-p.opts.Lookback)
	reask := map[string]bool{}
	if p.opts.Policy == config.ReaskAgain {
		var cands []ledger.ReaskCandidate
		err := p.retry(ctx, func() error {
			var err error
			cands, err = p.ledger.ReaskCandidates(ctx, p.opts.MaxAttempts)
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, c := range cands {
			reask[c.RecordKey] = true
			if c.RecordTime.Before(from) {
				from = c.RecordTime
			}
		}
	}

	var recs []checkin.SleepRecord
	err := p.retry(ctx, func() error {
		var err error
		recs, err = p.records.Summaries(ctx, from, now)
		return err
	})
	if err != nil || len(recs) == 0 {
		return nil, err
	}

	var journaled map[string]bool
	err = p.retry(ctx, func() error {
		var err error
		journaled, err = p.records.JournalKeys(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	lookback := now.Add(-p.opts.Lookback)
	var keys []string
	inScope := map[string]checkin.SleepRecord{}
	for _, r := range recs {
		if _, dup := inScope[r.Key]; dup || journaled[r.Key] {
			continue
		}
		if r.Time.Before(lookback) && !reask[r.Key] {
			continue
		}
		inScope[r.Key] = r
		keys = append(keys, r.Key)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	var statuses map[string]ledger.RecordStatus
	err = p.retry(ctx, func() error {
		var err error
		statuses, err = p.ledger.RecordStatuses(ctx, keys)
		return err
	})
	if err != nil {
		return nil, err
	}

	candidates := map[string]time.Time{}
	for _, k := range keys {
		if Eligible(statuses[k], p.opts.Policy, p.opts.MaxAttempts) {
			candidates[k] = inScope[k].Time
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	var firstSeen map[string]time.Time
	err = p.retry(ctx, func() error {
		var err error
		firstSeen, err = p.ledger.ObserveRecords(ctx, candidates, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	var out []checkin.SleepRecord
	for _, k := range keys {
		if _, ok := candidates[k]; !ok {
			continue
		}
		r := inScope[k]
		if seen := firstSeen[k]; seen.After(r.IngestedAt) {
			r.IngestedAt = seen
		}
		settledAt := r.Time
		if r.IngestedAt.After(settledAt) {
			settledAt = r.IngestedAt
		}
		if settledAt.Add(p.opts.SettleDelay).After(now) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

// Eligible decides from a record's ledger status whether it should be
// dispatched now.
func Eligible(st ledger.RecordStatus, policy config.ReaskPolicy, maxAttempts int) bool {
	if st.Journaled || st.Answered > 0 || st.Sent > 0 || st.PendingDispatch {
		return false
	}
	if st.Expired == 0 {
		return true
	}
	if policy != config.ReaskAgain {
		return false
	}
	return st.Attempts() < maxAttempts
}

func (p *Poller) recentJournal(ctx context.Context) ([]checkin.JournalEntry, error) {
	var out []checkin.JournalEntry
	err := p.retry(ctx, func() error {
		var err error
		out, err = p.ledger.RecentJournal(ctx, historyJournalLimit)
		return err
	})
	return out, err
}

// retry runs fn with exponential backoff while it fails transiently, up to
// RetryAttempts attempts in total.
func (p *Poller) retry(ctx context.Context, fn func() error) error {
	attempts := p.opts.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.WithContext(backoff.WithMaxRetries(p.newBackOff(), uint64(attempts-1)), ctx)
	return backoff.Retry(func() error {
		err := fn()
		if err != nil && checkin.KindOf(err) != checkin.KindTransient {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}
