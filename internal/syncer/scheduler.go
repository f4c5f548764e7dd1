package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/zulandar/coupler/internal/config"
)

// Runner runs one sync cycle. *Engine satisfies it.
type Runner interface {
	RunCycle(ctx context.Context, scope Scope) (*CycleReport, error)
}

// Scheduler triggers cycles on a cron schedule. A tick that fires while the
// previous cycle is still running is skipped.
type Scheduler struct {
	cron   *cron.Cron
	runner Runner
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	// AfterCycle, when set, runs after every scheduled cycle.
	AfterCycle func(ctx context.Context, r *CycleReport)
}

// NewScheduler parses schedule (cron expression or "@every 5m") and returns
// a stopped scheduler.
func NewScheduler(runner Runner, schedule string, logger *slog.Logger) (*Scheduler, error) {
	sched, err := config.ParseSchedule(schedule)
	if err != nil {
		return nil, fmt.Errorf("syncer: schedule %q: %w", schedule, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger: logger}
	s := &Scheduler{
		cron:   cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		runner: runner,
		logger: logger,
	}
	s.cron.Schedule(sched, cron.FuncJob(s.tick))
	return s, nil
}

// Start begins firing. Cycles run with a context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
}

// Stop halts the schedule, cancels a running cycle and waits for it to
// finish committing.
func (s *Scheduler) Stop() {
	done := s.cron.Stop()
	if s.cancel != nil {
		s.cancel()
	}
	<-done.Done()
}

// Next returns the next fire time.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

func (s *Scheduler) tick() {
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	report, err := s.runner.RunCycle(ctx, Scope{})
	if err != nil {
		s.logger.Warn("scheduled sync failed", "error", err)
		return
	}
	if s.AfterCycle != nil {
		s.AfterCycle(ctx, report)
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
