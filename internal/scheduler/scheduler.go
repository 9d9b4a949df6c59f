// Package scheduler runs the periodic SLA sweep.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"gxp-workflow/backend/internal/logging"
)

// Sweeper escalates overdue entities.
type Sweeper interface {
	SweepSLA(ctx context.Context, limit int) (int, error)
}

// Scheduler triggers a Sweeper on a cron schedule with seconds precision.
// A sweep that is still running when the next one is due is skipped.
type Scheduler struct {
	cron    *cron.Cron
	sweeper Sweeper
	batch   int
	timeout time.Duration
	log     *logging.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a Scheduler. spec is a six field cron expression.
func New(sweeper Sweeper, spec string, batch int, timeout time.Duration, log *logging.Logger) (*Scheduler, error) {
	if log == nil {
		log = logging.Nop()
	}
	log = log.With("component", "scheduler")
	cl := cronLogger{log: log}
	s := &Scheduler{
		cron:    cron.New(cron.WithSeconds(), cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		sweeper: sweeper,
		batch:   batch,
		timeout: timeout,
		log:     log,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	if _, err := s.cron.AddFunc(spec, s.sweep); err != nil {
		return nil, fmt.Errorf("invalid sla sweep schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start runs the schedule in the background.
func (s *Scheduler) Start() {
	s.log.Info("sla sweep scheduled", "entries", len(s.cron.Entries()))
	s.cron.Start()
}

// Stop cancels a running sweep and waits for it to return or for ctx to
// expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) sweep() {
	ctx := s.ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	start := time.Now()
	n, err := s.sweeper.SweepSLA(ctx, s.batch)
	if err != nil {
		s.log.Error("sla sweep failed", "error", err.Error())
		return
	}
	if n > 0 {
		s.log.Info("sla sweep finished", "escalated", n, "duration", time.Since(start).String())
	}
}

type cronLogger struct {
	log *logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append(keysAndValues, "error", err.Error())...)
}
