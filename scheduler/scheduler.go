// package scheduler invokes a sweep on a cron schedule, standing in for the
// cloud timer when the sweeper runs as a long-lived process.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job runs one invocation. A returned error counts as a failed invocation
// and is retried.
type Job func(ctx context.Context) error

type Config struct {
	Schedule string        // standard cron expression or descriptor such as @weekly
	Timeout  time.Duration // per attempt; zero means no deadline
	Retries  int           // extra attempts after a failed one
}

type Scheduler struct {
	job     Job
	config  Config
	cron    *cron.Cron
	logger  *zap.Logger
	mu      sync.Mutex
	running bool
}

func New(job Job, config Config, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		job:    job,
		config: config,
		cron:   cron.New(),
		logger: logger.With(zap.String("component", "scheduler")),
	}
}

// Start schedules the job and returns immediately. The scheduler stops when
// ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.config.Schedule == "" {
		return errors.New("no schedule configured")
	}
	if _, err := s.cron.AddFunc(s.config.Schedule, func() {
		if err := s.RunOnce(ctx); err != nil {
			s.logger.Error("Scheduled sweep failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", s.config.Schedule, err)
	}
	s.cron.Start()
	s.running = true
	s.logger.Info("Scheduler started",
		zap.String("schedule", s.config.Schedule),
		zap.Duration("timeout", s.config.Timeout),
		zap.Int("retries", s.config.Retries),
	)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// RunOnce runs the job, retrying failed attempts up to Retries times. It
// returns the last attempt's error.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	var err error
	for attempt := 0; attempt <= s.config.Retries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err = s.attempt(ctx); err == nil {
			return nil
		}
		s.logger.Warn("Sweep attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return err
}

func (s *Scheduler) attempt(ctx context.Context) error {
	if s.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.Timeout)
		defer cancel()
	}
	return s.job(ctx)
}

// Stop stops the scheduler and waits for a running job to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		<-s.cron.Stop().Done()
		s.running = false
		s.logger.Info("Scheduler stopped")
	}
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the next scheduled invocation, or nil before Start.
func (s *Scheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
