// Package scheduler runs the periodic jobs that keep the ledger
// converged: reconciling pending payments against the providers and
// auto-releasing escrows past their hold deadline.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Job is one periodic unit of work.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler drives a set of jobs on independent tickers.
type Scheduler struct {
	jobs    []Job
	logger  *slog.Logger
	stop    chan struct{}
	running atomic.Bool
}

func New(logger *slog.Logger, jobs ...Job) *Scheduler {
	return &Scheduler{
		jobs:   jobs,
		logger: logger,
		stop:   make(chan struct{}),
	}
}

// Running reports whether the job loops are active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Start begins all job loops. Call in a goroutine; returns when the
// context is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	for _, job := range s.jobs {
		go s.loop(ctx, job, done)
	}
	s.logger.Info("scheduler started", "jobs", len(s.jobs))

	select {
	case <-ctx.Done():
	case <-s.stop:
	}
	cancel()
	for range s.jobs {
		<-done
	}
	s.logger.Info("scheduler stopped")
}

// Stop signals the scheduler to stop.
func (s *Scheduler) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context, job Job, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.safeRun(ctx, job)
		}
	}
}

// Trigger runs the named job once, outside its ticker. Used by the
// admin-gated cron endpoints.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	for _, job := range s.jobs {
		if job.Name == name {
			return job.Run(ctx)
		}
	}
	return fmt.Errorf("unknown job %q", name)
}

func (s *Scheduler) safeRun(ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in scheduled job", "job", job.Name, "panic", fmt.Sprint(r))
		}
	}()

	start := time.Now()
	if err := job.Run(ctx); err != nil {
		s.logger.Warn("scheduled job failed", "job", job.Name, "error", err)
		return
	}
	s.logger.Debug("scheduled job finished", "job", job.Name, "took", time.Since(start))
}
