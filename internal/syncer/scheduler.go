package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrCycleInProgress is returned by Tick when a cycle is already running.
var ErrCycleInProgress = errors.New("sync cycle already in progress")

type runner interface {
	Run(ctx context.Context) (*Result, error)
}

// Scheduler runs cycles on a fixed interval, at most one at a time.
type Scheduler struct {
	cycle    runner
	interval time.Duration

	mu      sync.Mutex
	running bool
	// idle is closed when the current cycle finishes.
	idle chan struct{}

	ticks sync.WaitGroup
}

// NewScheduler creates a scheduler for the cycle.
func NewScheduler(cycle runner, interval time.Duration) *Scheduler {
	return &Scheduler{cycle: cycle, interval: interval}
}

// Running reports whether a cycle is in flight.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Wait blocks until no cycle is running.
func (s *Scheduler) Wait() {
	s.mu.Lock()
	ch := s.idle
	s.mu.Unlock()
	if ch != nil {
		<-ch
	}
}

// Tick runs one cycle unless one is already running, in which case it
// returns ErrCycleInProgress right away. The cycle runs detached from ctx
// cancellation so it always reaches its commit. A panic in the cycle is
// returned as an error.
func (s *Scheduler) Tick(ctx context.Context) (res *Result, err error) {
	if !s.acquire() {
		log.Warn().Msg("sync cycle still running, skipping tick")
		return nil, ErrCycleInProgress
	}
	defer s.release()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sync cycle panic: %v", r)
			log.Error().Err(err).Msg("sync cycle aborted")
		}
	}()

	return s.cycle.Run(context.WithoutCancel(ctx))
}

func (s *Scheduler) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	s.idle = make(chan struct{})
	return true
}

func (s *Scheduler) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	close(s.idle)
}

// RunOnce runs a single cycle.
func (s *Scheduler) RunOnce(ctx context.Context) (*Result, error) {
	return s.Tick(ctx)
}

// Run starts a cycle immediately and then on every interval until ctx is
// done. Ticks that fire while a cycle is running are skipped. On shutdown Run
// waits for the in-flight cycle to finish.
func (s *Scheduler) Run(ctx context.Context) {
	log.Info().Dur("interval", s.interval).Msg("scheduler started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tickAsync(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("scheduler stopping, waiting for in-flight cycle")
			s.ticks.Wait()
			s.Wait()
			log.Info().Msg("scheduler stopped")
			return
		case <-ticker.C:
			s.tickAsync(ctx)
		}
	}
}

func (s *Scheduler) tickAsync(ctx context.Context) {
	s.ticks.Add(1)
	go func() {
		defer s.ticks.Done()
		if _, err := s.Tick(ctx); err != nil && !errors.Is(err, ErrCycleInProgress) {
			log.Error().Err(err).Msg("sync cycle failed")
		}
	}()
}
