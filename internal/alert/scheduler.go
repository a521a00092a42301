package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"telemetry-alert/internal/logging"
)

// Job is one periodic unit of work. Its context expires after the tick timeout
// or when the scheduler is stopped.
type Job func(ctx context.Context)

// Scheduler raises evaluation and broadcast ticks outside any request path.
// A tick that is still running when the next one is due is skipped.
type Scheduler struct {
	cron        *cron.Cron
	ctx         context.Context
	cancel      context.CancelFunc
	tickTimeout time.Duration
}

func NewScheduler(loc *time.Location, tickTimeout time.Duration) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	l := logging.CronLogger()
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithSeconds(),
		cron.WithLogger(l),
		cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
	)
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{cron: c, ctx: ctx, cancel: cancel, tickTimeout: tickTimeout}
}

// Every registers job to run at the given interval (whole seconds, minimum 1s).
func (s *Scheduler) Every(name string, interval time.Duration, job Job) error {
	if interval < time.Second {
		return fmt.Errorf("schedule %s: interval %s below 1s", name, interval)
	}
	spec := "@every " + interval.Truncate(time.Second).String()
	_, err := s.cron.AddFunc(spec, func() {
		ctx := s.ctx
		if s.tickTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(s.ctx, s.tickTimeout)
			defer cancel()
		}
		job(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	logging.Infof("job registered: %s every=%s", name, interval)
	return nil
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop prevents new ticks and waits for running ones. When ctx ends first,
// running ticks are cancelled and Stop still waits for them to return.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done.Done()
		return ctx.Err()
	}
}
