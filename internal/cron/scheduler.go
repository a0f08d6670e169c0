// Package cron runs the gateway's periodic housekeeping jobs on standard
// five-field cron expressions.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Job is one periodic task.
type Job struct {
	Name string
	Expr string
	Run  func(ctx context.Context) error
}

// Config holds the jobs and loop settings for the scheduler.
type Config struct {
	Jobs     []Job
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 30 seconds if zero
	Now      func() time.Time
}

type entry struct {
	job      Job
	schedule cronlib.Schedule
	next     time.Time
}

// Scheduler checks its jobs every Interval and runs those that are due.
type Scheduler struct {
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries []*entry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates every job expression. Jobs with an empty Expr are skipped.
func NewScheduler(cfg Config) (*Scheduler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	s := &Scheduler{logger: logger, interval: interval, now: now}
	start := now()
	for _, job := range cfg.Jobs {
		if job.Expr == "" {
			continue
		}
		if job.Run == nil {
			return nil, fmt.Errorf("cron job %q has no run function", job.Name)
		}
		sched, err := cronParser.Parse(job.Expr)
		if err != nil {
			return nil, fmt.Errorf("cron job %q: invalid expression %q: %w", job.Name, job.Expr, err)
		}
		s.entries = append(s.entries, &entry{job: job, schedule: sched, next: sched.Next(start)})
	}
	return s, nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval, "jobs", len(s.entries))
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunDue(ctx, s.now())
		}
	}
}

// RunDue runs every job whose next fire time is at or before now and
// returns how many ran.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if !now.Before(e.next) {
			due = append(due, e)
			e.next = e.schedule.Next(now)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		started := time.Now()
		if err := e.job.Run(ctx); err != nil {
			s.logger.Error("cron: job failed", "job", e.job.Name, "error", err)
			continue
		}
		s.logger.Debug("cron: job ran", "job", e.job.Name, "duration_ms", time.Since(started).Milliseconds())
	}
	return len(due)
}

// NextRun returns the next fire time of the named job.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.job.Name == name {
			return e.next, true
		}
	}
	return time.Time{}, false
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
