package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"sleep-checkin/internal/config"
	"sleep-checkin/internal/dispatch"
	"sleep-checkin/internal/insight"
	"sleep-checkin/internal/journal"
	"sleep-checkin/internal/ledger"
	"sleep-checkin/internal/listener"
	"sleep-checkin/internal/llm"
	"sleep-checkin/internal/logging"
	"sleep-checkin/internal/poller"
	"sleep-checkin/internal/telegram"
	"sleep-checkin/internal/timeseries"
)

// app owns the long-lived resources shared by the subcommands.
type app struct {
	cfg    *config.Config
	log    *zap.Logger
	ledger *ledger.Store
	ts     *timeseries.Store
	tg     *telegram.Messenger
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	store, err := ledger.Open(ctx, cfg.LedgerPath)
	if err != nil {
		return nil, err
	}
	log.Info("ledger opened", zap.String("path", store.Path()))
	return &app{cfg: cfg, log: log, ledger: store}, nil
}

func (a *app) timeseries() (*timeseries.Store, error) {
	if a.ts != nil {
		return a.ts, nil
	}
	ts, err := timeseries.New(timeseries.Options{
		Addr:               a.cfg.InfluxAddr(),
		Username:           a.cfg.InfluxUsername,
		Password:           a.cfg.InfluxPassword,
		Database:           a.cfg.InfluxDatabase,
		SummaryMeasurement: a.cfg.SummaryMeasurement,
		JournalMeasurement: a.cfg.JournalMeasurement,
		SourceTag:          a.cfg.SourceTag,
	}, a.log)
	if err != nil {
		return nil, err
	}
	a.ts = ts
	return ts, nil
}

func (a *app) messenger() (*telegram.Messenger, error) {
	if a.tg != nil {
		return a.tg, nil
	}
	tg, err := telegram.New(a.cfg.TelegramBotToken, a.cfg.LongPollTimeout, a.log)
	if err != nil {
		return nil, err
	}
	a.tg = tg
	return tg, nil
}

func (a *app) generator() (insight.Generator, error) {
	switch a.cfg.InsightMode {
	case config.InsightDeterministic:
		return insight.Deterministic{}, nil
	case config.InsightOpenAI, config.InsightYandex:
		client, err := llm.NewFactory(a.cfg).CreateClient(string(a.cfg.InsightMode))
		if err != nil {
			return nil, fmt.Errorf("insight: %w", err)
		}
		return insight.NewLLM(client, a.log), nil
	}
	return nil, fmt.Errorf("insight: unknown mode %q", a.cfg.InsightMode)
}

func (a *app) writer() (*journal.Writer, error) {
	ts, err := a.timeseries()
	if err != nil {
		return nil, err
	}
	tg, err := a.messenger()
	if err != nil {
		return nil, err
	}
	return journal.New(a.ledger, ts, tg, a.cfg.AckText, a.log, journal.WithCursor(listener.CursorName)), nil
}

func (a *app) poller() (*poller.Poller, error) {
	ts, err := a.timeseries()
	if err != nil {
		return nil, err
	}
	tg, err := a.messenger()
	if err != nil {
		return nil, err
	}
	gen, err := a.generator()
	if err != nil {
		return nil, err
	}
	w, err := a.writer()
	if err != nil {
		return nil, err
	}
	thread := strconv.FormatInt(a.cfg.TelegramChatID, 10)
	d := dispatch.New(a.ledger, tg, thread, a.cfg.CheckInExpiry, a.log)
	return poller.New(ts, a.ledger, gen, d, w, poller.OptionsFromConfig(a.cfg), a.log), nil
}

func (a *app) listener() (*listener.Listener, error) {
	tg, err := a.messenger()
	if err != nil {
		return nil, err
	}
	w, err := a.writer()
	if err != nil {
		return nil, err
	}
	chats := a.cfg.Chats()
	threads := make([]string, len(chats))
	for i, id := range chats {
		threads[i] = strconv.FormatInt(id, 10)
	}
	return listener.New(tg, a.ledger, w, threads, a.log), nil
}

func (a *app) Close() error {
	var errs []error
	if a.ts != nil {
		errs = append(errs, a.ts.Close())
	}
	errs = append(errs, a.ledger.Close())
	_ = a.log.Sync()
	return errors.Join(errs...)
}
