package scheduler

import (
	"context"
	"sync"
	"time"

	"lawlibrary/internal/logger"
)

// Runner is the batch work run on every tick. services.JobService satisfies it.
type Runner interface {
	CheckOverdueBooks(ctx context.Context) (int, error)
	NotifyBookAvailability(ctx context.Context) (int, error)
}

// Scheduler runs the overdue scan and the availability scan at a fixed
// interval until stopped.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	log      *logger.Logger

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func New(runner Runner, interval time.Duration, log *logger.Logger) *Scheduler {
	return &Scheduler{
		runner:   runner,
		interval: interval,
		log:      log.With("component", "scheduler"),
	}
}

// Start runs one pass immediately and then one per interval.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.RunOnce(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RunOnce(ctx)
			}
		}
	}()
	s.log.Info("scheduler started", "interval", s.interval.String())
}

// RunOnce runs both jobs. A failure in one does not skip the other.
func (s *Scheduler) RunOnce(ctx context.Context) {
	if n, err := s.runner.CheckOverdueBooks(ctx); err != nil {
		s.log.Error("overdue job failed", "error", err)
	} else {
		s.log.Info("overdue job done", "processed", n)
	}

	if n, err := s.runner.NotifyBookAvailability(ctx); err != nil {
		s.log.Error("availability job failed", "error", err)
	} else {
		s.log.Info("availability job done", "notified", n)
	}
}

// Stop cancels the loop and waits for an in-flight pass to finish.
func (s *Scheduler) Stop() {
	s.once.Do(func() {
		if s.cancel == nil {
			return
		}
		s.cancel()
		<-s.done
		s.log.Info("scheduler stopped")
	})
}
