// Package scheduler runs the ledger's batch jobs on fixed intervals inside the
// server process.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hongminglow/coop-ledger/internal/engine"
)

// Job is one periodic task.
type Job struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context) error
}

// Intervals configures how often each ledger job runs.
type Intervals struct {
	Clearing time.Duration
	Interest time.Duration
	Sweep    time.Duration
}

// limiterIdle is how long a rate-limit key may sit unused before it is dropped.
const limiterIdle = time.Hour

// LedgerJobs returns the clearing, interest, and default-sweep jobs for eng,
// plus housekeeping for its rate limiter.
func LedgerJobs(eng *engine.Engine, iv Intervals) []Job {
	summary := func(run func(context.Context) (engine.JobSummary, error)) func(context.Context) error {
		return func(ctx context.Context) error {
			_, err := run(ctx)
			return err
		}
	}
	return []Job{
		{Name: engine.JobClearing, Every: iv.Clearing, Run: summary(eng.RunClearingRelease)},
		{Name: engine.JobInterest, Every: iv.Interest, Run: summary(eng.RunDailyInterest)},
		{Name: engine.JobDefaults, Every: iv.Sweep, Run: summary(eng.RunDefaultSweep)},
		{Name: "ratelimit-sweep", Every: limiterIdle / 4, Run: func(context.Context) error {
			eng.Limiter().Sweep(time.Now(), limiterIdle)
			return nil
		}},
	}
}

// Scheduler owns one goroutine per job. A job never overlaps itself.
type Scheduler struct {
	jobs   []Job
	logger *slog.Logger

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Scheduler. Jobs with a non-positive interval are dropped.
func New(logger *slog.Logger, jobs ...Job) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{logger: logger, stopChan: make(chan struct{})}
	for _, j := range jobs {
		if j.Every <= 0 || j.Run == nil {
			logger.Warn("scheduler job disabled", "job", j.Name)
			continue
		}
		s.jobs = append(s.jobs, j)
	}
	return s
}

// Start launches every job. Each runs once immediately, then on its interval,
// until Stop is called or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.worker(ctx, j)
	}
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
}

// Stop signals every worker and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) worker(ctx context.Context, j Job) {
	defer s.wg.Done()

	ticker := time.NewTicker(j.Every)
	defer ticker.Stop()

	s.runOnce(ctx, j)
	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, j)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, j Job) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled job panicked", "job", j.Name, "panic", r)
		}
	}()
	start := time.Now()
	if err := j.Run(ctx); err != nil {
		s.logger.Error("scheduled job failed", "job", j.Name, "error", err, "elapsed", time.Since(start))
		return
	}
	s.logger.Debug("scheduled job ran", "job", j.Name, "elapsed", time.Since(start))
}
