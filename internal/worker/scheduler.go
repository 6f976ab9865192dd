// Package worker drives the proof queue on a schedule and cleans up stale uploads.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/timmy/proofline/internal/logger"
	"github.com/timmy/proofline/internal/service"
)

const (
	// DefaultSchedule processes one batch per minute.
	DefaultSchedule = "@every 1m"
	// DefaultCleanupSchedule sweeps abandoned upload sessions hourly.
	DefaultCleanupSchedule = "@every 1h"
	// DefaultRescheduleDelay is the pause before an extra run when work remains.
	DefaultRescheduleDelay = 5 * time.Second
)

// QueueRunner is the part of ProofQueue the scheduler drives.
type QueueRunner interface {
	ProcessQueue(ctx context.Context) (*service.QueueRunResult, error)
	Kick() <-chan struct{}
}

// SessionCleaner removes expired upload sessions.
type SessionCleaner interface {
	CleanupStale(ctx context.Context) (int, error)
}

// Config holds scheduler configuration.
type Config struct {
	Schedule        string
	CleanupSchedule string
	RescheduleDelay time.Duration
}

// Scheduler runs the proof queue on a cron schedule and again shortly after
// any run that leaves work behind.
type Scheduler struct {
	queue   QueueRunner
	cleaner SessionCleaner
	cfg     Config
	cron    *cron.Cron

	// runMu keeps this process from overlapping runs; the queue lock covers other processes.
	runMu    sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a Scheduler. A nil cleaner disables upload cleanup.
// Parameters:
//   - queue: proof queue to drive.
//   - cleaner: upload service; may be nil.
//   - cfg: schedules and reschedule delay; zero values use the defaults.
//
// Returns:
//   - *Scheduler: scheduler ready to Start.
//   - error: non-nil if a schedule does not parse.
func New(queue QueueRunner, cleaner SessionCleaner, cfg Config) (*Scheduler, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.CleanupSchedule == "" {
		cfg.CleanupSchedule = DefaultCleanupSchedule
	}
	if cfg.RescheduleDelay <= 0 {
		cfg.RescheduleDelay = DefaultRescheduleDelay
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("invalid queue schedule %q: %w", cfg.Schedule, err)
	}
	if _, err := cron.ParseStandard(cfg.CleanupSchedule); err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", cfg.CleanupSchedule, err)
	}

	cronLogger := cron.PrintfLogger(logger.GetDefault().WithField(logger.FieldComponent, "cron"))
	return &Scheduler{
		queue:   queue,
		cleaner: cleaner,
		cfg:     cfg,
		cron: cron.New(
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		done: make(chan struct{}),
	}, nil
}

// Start registers the jobs and starts the cron engine and the kick listener.
// The scheduler stops when ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	if _, err := s.cron.AddFunc(s.cfg.Schedule, func() { s.Tick(ctx) }); err != nil {
		cancel()
		return fmt.Errorf("failed to schedule queue runs: %w", err)
	}
	if s.cleaner != nil {
		if _, err := s.cron.AddFunc(s.cfg.CleanupSchedule, func() { s.Cleanup(ctx) }); err != nil {
			cancel()
			return fmt.Errorf("failed to schedule upload cleanup: %w", err)
		}
	}

	s.cancel = cancel
	s.cron.Start()
	go s.listen(ctx)

	logger.With(logger.Fields{
		logger.FieldComponent: "worker",
		"schedule":            s.cfg.Schedule,
		"reschedule_delay":    s.cfg.RescheduleDelay.String(),
	}).Info(ctx, "Scheduler started")
	return nil
}

// Stop halts scheduling and waits for a running job to finish. Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
			<-s.done
		}
		<-s.cron.Stop().Done()
	})
}

// listen turns queue kicks into a delayed extra run.
func (s *Scheduler) listen(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.queue.Kick():
		}

		timer := time.NewTimer(s.cfg.RescheduleDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		s.Tick(ctx)
	}
}

// Tick processes one queue batch unless a run is already in progress in this process.
// Parameters:
//   - ctx: context for the run.
//
// Returns:
//   - *service.QueueRunResult: nil when the run was skipped locally or failed.
func (s *Scheduler) Tick(ctx context.Context) *service.QueueRunResult {
	if !s.runMu.TryLock() {
		return nil
	}
	defer s.runMu.Unlock()

	ctx = logger.SetComponent(ctx, "worker")
	res, err := s.queue.ProcessQueue(ctx)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Error("Queue run failed")
		return nil
	}
	return res
}

// Cleanup removes expired upload sessions.
func (s *Scheduler) Cleanup(ctx context.Context) int {
	if s.cleaner == nil {
		return 0
	}
	ctx = logger.SetComponent(ctx, "worker")
	removed, err := s.cleaner.CleanupStale(ctx)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Warn("Upload cleanup failed")
	}
	return removed
}
