package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule runs reconciliation every five minutes.
const DefaultSchedule = "@every 5m"

// Scheduler runs reconciliation on a cron schedule.
type Scheduler struct {
	cron     *cron.Cron
	schedule cron.Schedule
	service  *Service
	timeout  time.Duration
	logger   *slog.Logger
	running  atomic.Bool
}

// NewScheduler parses spec (standard five-field cron or a descriptor such as
// "@every 5m") and prepares a scheduler. Overlapping runs are skipped.
func NewScheduler(service *Service, spec string, logger *slog.Logger) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse reconcile schedule %q: %w", spec, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		schedule: schedule,
		service:  service,
		timeout:  2 * time.Minute,
		logger:   logger,
	}, nil
}

// Running reports whether the scheduler is started.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Start registers the job and starts the cron loop. Runs use ctx as parent.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	s.cron.Schedule(s.schedule, cron.FuncJob(func() { s.RunOnce(ctx) }))
	s.cron.Start()
	s.logger.Info("reconciliation scheduler started")
}

// Stop halts the scheduler and waits for a running job to finish.
func (s *Scheduler) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	<-s.cron.Stop().Done()
	s.logger.Info("reconciliation scheduler stopped")
}

// RunOnce performs a single bounded run.
func (s *Scheduler) RunOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.service.Run(ctx); err != nil {
		if errors.Is(err, ErrAlreadyRunning) {
			s.logger.Debug("reconciliation skipped, previous run in flight")
			return
		}
		s.logger.Warn("reconciliation run failed", "error", err)
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
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
