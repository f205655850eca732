package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sleep-checkin/internal/checkin"
	"sleep-checkin/internal/ledger"
	"sleep-checkin/internal/logging"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "checkin",
		Short:         "Ask about each night's sleep and journal the replies",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newPollCmd(), newListenCmd(), newCheckInsCmd())
	return root
}

// withApp builds the app for one command invocation and always closes it.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) (err error) {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(ctx, a)
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the record poller and the reply listener until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				p, err := a.poller()
				if err != nil {
					return err
				}
				l, err := a.listener()
				if err != nil {
					return err
				}
				if err := a.ts.Ping(ctx); err != nil {
					a.log.Warn("influxdb not reachable at startup", logging.Err(err))
				}

				a.log.Info("check-in service started",
					zap.Int64("chat_id", a.cfg.TelegramChatID),
					zap.Duration("interval", a.cfg.CheckInterval),
					zap.String("insight", string(a.cfg.InsightMode)))
				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error { return p.Run(gctx) })
				g.Go(func() error { return l.Run(gctx) })
				err = g.Wait()
				a.log.Info("check-in service stopped")
				return err
			})
		},
	}
}

func newPollCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Run only the record poller",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				p, err := a.poller()
				if err != nil {
					return err
				}
				if !once {
					return p.Run(ctx)
				}
				r, err := p.Cycle(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "adopted=%d exported=%d expired=%d eligible=%d dispatched=%d failed=%d\n",
					r.Adopted, r.Exported, r.Expired, r.Eligible, r.Dispatched, r.Failed)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single cycle and exit")
	return cmd
}

func newListenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Run only the reply listener",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				l, err := a.listener()
				if err != nil {
					return err
				}
				return l.Run(ctx)
			})
		},
	}
}

type recordReport struct {
	RecordKey string                   `json:"record_key"`
	CheckIns  []checkin.PendingCheckIn `json:"check_ins"`
	Journal   *checkin.JournalEntry    `json:"journal,omitempty"`
}

func newCheckInsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkins <record-key>",
		Short: "Print the check-in history and journal entry of one record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return printRecord(ctx, cmd.OutOrStdout(), a.ledger, args[0])
			})
		},
	}
}

func printRecord(ctx context.Context, w io.Writer, store *ledger.Store, key string) error {
	checkIns, err := store.CheckInsForRecord(ctx, key)
	if err != nil {
		return err
	}
	rep := recordReport{RecordKey: key, CheckIns: checkIns}
	entry, err := store.Journal(ctx, key)
	switch {
	case err == nil:
		rep.Journal = &entry
	case !errors.Is(err, ledger.ErrNotFound):
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}
