package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/claytonnetvision/wodpulse/internal/go_func_utils"
	"github.com/claytonnetvision/wodpulse/internal/observability"
)

// Job is a scheduled handler. gen is the generation the scheduler was
// created for; ctx is cancelled by Stop.
type Job func(ctx context.Context, gen uint64)

// Scheduler runs the timers of one session generation. Every cadence gets its
// own goroutine, so a job never overlaps itself, and a tick that arrives while
// the job is still busy is dropped rather than queued. After Stop returns no
// job runs again.
type Scheduler struct {
	gen    uint64
	logger *log.Logger

	mu      sync.Mutex
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler for generation gen.
func NewScheduler(gen uint64, logger *log.Logger) *Scheduler {
	if logger == nil {
		panic("Scheduler: logger cannot be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{gen: gen, logger: logger, ctx: ctx, cancel: cancel}
}

// Generation returns the generation the scheduler was created for.
func (s *Scheduler) Generation() uint64 { return s.gen }

// Every runs job each interval until Stop.
func (s *Scheduler) Every(name string, interval time.Duration, job Job) {
	if interval <= 0 {
		panic("Scheduler: interval must be > 0")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	go_func_utils.SafeGoWG(s.logger, &s.wg, name, func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.run(name, job)
			}
		}
	})
}

// After runs job once after delay unless Stop comes first.
func (s *Scheduler) After(name string, delay time.Duration, job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	go_func_utils.SafeGoWG(s.logger, &s.wg, name, func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-s.ctx.Done():
		case <-timer.C:
			s.run(name, job)
		}
	})
}

func (s *Scheduler) run(name string, job Job) {
	// a tick and Stop can race in the select above
	if s.ctx.Err() != nil {
		observability.RecordStaleTick(name)
		return
	}
	start := time.Now()
	job(s.ctx, s.gen)
	observability.RecordTick(name, time.Since(start))
}

// Stop cancels every timer and waits for running jobs to return. It is safe
// to call more than once and must not be called from inside a job.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
}

// Stopped reports whether Stop was called.
func (s *Scheduler) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}
