// Package scheduler runs periodic jobs on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler runs jobs at fixed intervals. A run that is still going when the
// next tick fires makes that tick a no-op, so runs never overlap.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	log    *zap.Logger
}

func New(log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("scheduler")
	cl := cronLogger{log.Sugar()}
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		ctx:    ctx,
		cancel: cancel,
		log:    log,
	}
}

// Every registers job to run once per interval. The job's context is
// cancelled when the scheduler stops.
func (s *Scheduler) Every(interval time.Duration, name string, job func(ctx context.Context)) error {
	if interval <= 0 {
		return fmt.Errorf("scheduler: %s: interval must be positive", name)
	}
	_, err := s.cron.AddFunc("@every "+interval.String(), func() {
		s.log.Debug("job triggered", zap.String("job", name))
		job(s.ctx)
	})
	if err != nil {
		return fmt.Errorf("scheduler: %s: %w", name, err)
	}
	s.log.Info("job scheduled", zap.String("job", name), zap.Duration("interval", interval))
	return nil
}

// Run starts the scheduler and blocks until ctx is done, then stops it and
// waits for any running job to return.
func (s *Scheduler) Run(ctx context.Context) {
	s.cron.Start()
	<-ctx.Done()
	s.Stop()
}

// Stop cancels running jobs and waits for them.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
}

// cronLogger routes cron's internal logging into zap.
type cronLogger struct{ s *zap.SugaredLogger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
