package service

import (
	"context"
	"fmt"
	"time"

	robcron "github.com/robfig/cron/v3"
)

// Sweeper runs the periodic maintenance jobs of the engine.
type Sweeper struct {
	svc  *Service
	cron *robcron.Cron
}

// NewSweeper schedules TTL expiry, WAITING run polling and retention GC. The GC
// job also drops idle per-owner rate limiters.
func (s *Service) NewSweeper(ctx context.Context) (*Sweeper, error) {
	c := robcron.New(robcron.WithChain(robcron.SkipIfStillRunning(robcron.DiscardLogger)))
	jobs := []struct {
		name string
		spec string
		run  func(context.Context)
	}{
		{"expire", s.config.ExpireSchedule, s.sweepExpired},
		{"poll", s.config.PollSchedule, s.sweepWaiting},
		{"gc", s.config.GCSchedule, s.sweepRetention},
	}
	for _, job := range jobs {
		if job.spec == "" {
			continue
		}
		run := job.run
		if _, err := c.AddFunc(job.spec, func() { run(ctx) }); err != nil {
			return nil, fmt.Errorf("invalid cron expression %q for %s: %w", job.spec, job.name, err)
		}
	}
	return &Sweeper{svc: s, cron: c}, nil
}

// Start begins running jobs on their schedules.
func (w *Sweeper) Start() {
	w.cron.Start()
}

// Stop halts scheduling and waits for running jobs to return.
func (w *Sweeper) Stop() {
	<-w.cron.Stop().Done()
}

func (s *Service) sweepExpired(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	n, err := s.ExpireRuns(sweepCtx, s.now())
	if err != nil {
		s.logger.Warn("expiry sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("expired runs", "count", n)
	}
}

// sweepWaiting re-drives runs that wait on a sandbox task, covering lost callbacks.
func (s *Service) sweepWaiting(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	runs, err := s.store.ListWaitingRuns(sweepCtx, 100)
	if err != nil {
		s.logger.Warn("waiting run sweep failed", "error", err)
		return
	}
	for _, run := range runs {
		if _, err := s.Advance(sweepCtx, run.RunID); err != nil {
			s.logger.Warn("failed to advance waiting run", "run_id", run.RunID, "error", err)
		}
	}
}

func (s *Service) sweepRetention(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	if n := s.limiter.prune(); n > 0 {
		s.logger.Debug("dropped idle rate limiters", "count", n)
	}

	n, err := s.store.DeleteTerminalRunsBefore(sweepCtx, s.now().Add(-s.config.RunRetention))
	if err != nil {
		s.logger.Warn("retention sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("purged terminal runs", "count", n)
	}
}
