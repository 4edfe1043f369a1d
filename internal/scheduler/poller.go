package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"assistbot/pkg/logx"
)

// Service runs the core as a periodic poller: every PollInterval it asks
// the core for the due set and fans executions out to a bounded worker
// pool. Per-task serialization happens inside Core.Execute, so dispatching
// the same task from overlapping polls is harmless.
type Service struct {
	core *Core
	cfg  Config
	log  logx.Logger

	mu      sync.Mutex
	queue   chan Due
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

func NewService(core *Core, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{core: core, cfg: core.cfg, log: log}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.stopCh = make(chan struct{})
	s.queue = make(chan Due, s.cfg.QueueSize)

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	s.wg.Add(1)
	go s.pollLoop(ctx)

	s.log.Info("scheduler started",
		logx.Duration("poll_interval", s.cfg.PollInterval),
		logx.Int("workers", s.cfg.Workers))
}

// Stop halts polling and waits for in-flight executions to finish or ctx
// to expire. Already-dispatched handlers are not preempted.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	close(s.stopCh)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) pollLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	// One immediate poll so a restart picks up missed occurrences without
	// waiting a full interval.
	s.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.pollOnce(ctx)
		}
	}
}

// pollOnce computes the due set and dispatches it. Errors are logged and
// the poll is abandoned; every selection is recomputed from scratch next
// interval, so a failed tick loses nothing.
func (s *Service) pollOnce(ctx context.Context) {
	due, err := s.core.Tick(ctx, s.core.deps.Clock())
	if err != nil {
		s.log.Error("scheduler tick failed", logx.Err(err))
		return
	}
	for _, d := range due {
		select {
		case s.queue <- d:
		default:
			// Bounded queue: drop and let the next poll retry. The
			// occurrence stays due until a run succeeds.
			s.log.Warn("scheduler queue full, deferring task",
				logx.Int64("task_id", d.Task.ID))
			return
		}
	}
}

func (s *Service) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case d := <-s.queue:
			start := s.core.deps.Clock()
			if _, err := s.core.Execute(ctx, d, start); err != nil {
				if errors.Is(err, ErrAlreadyRunning) {
					continue
				}
				s.log.Error("task execution error",
					logx.Int64("task_id", d.Task.ID), logx.Err(err))
			}
		}
	}
}

// TickNow triggers one synchronous poll, used by the ops API.
func (s *Service) TickNow(ctx context.Context) ([]Due, error) {
	return s.core.Tick(ctx, s.core.deps.Clock())
}
