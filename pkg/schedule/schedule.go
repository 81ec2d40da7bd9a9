// Package schedule drives run execution: one immediate run, then
// fixed-interval repeats anchored to each run's start. An interval of
// zero means run once and stop.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ketankshukla/covid19-etl/pkg/metrics"
)

// State is the scheduler's current phase.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateWaiting   State = "waiting"
	StateCancelled State = "cancelled"
)

// Config configures the scheduler.
type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// Interval between run starts. Zero means run once.
	Interval time.Duration

	// Run executes one run. It must honor ctx cancellation itself; the
	// scheduler never interrupts a run in flight.
	Run func(ctx context.Context)
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.Run == nil {
		return fmt.Errorf("run function is required")
	}
	if cfg.Interval < 0 {
		return fmt.Errorf("interval must not be negative")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Scheduler repeats runs at a fixed rate. Construct with New; Start
// must be called exactly once.
type Scheduler struct {
	cfg Config
	log *slog.Logger

	mu    sync.Mutex
	state State

	done chan struct{}
}

func New(cfg Config) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduler config: %w", err)
	}
	return &Scheduler{cfg: cfg, log: cfg.Logger, state: StateIdle, done: make(chan struct{})}, nil
}

// State returns the scheduler's current phase.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Done is closed when the scheduler loop has exited.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// Start blocks until the schedule completes or ctx is cancelled.
// Cancellation is checked before each run and during waits; it never
// cuts short a run already in flight.
func (s *Scheduler) Start(ctx context.Context) error {
	defer close(s.done)

	if s.cfg.Interval == 0 {
		if ctx.Err() != nil {
			s.setState(StateCancelled)
			return nil
		}
		s.log.Info("running once")
		s.runOnce(ctx)
		s.setState(StateIdle)
		return nil
	}

	s.log.Info("starting scheduler", "interval", s.cfg.Interval)
	for {
		if ctx.Err() != nil {
			s.setState(StateCancelled)
			s.log.Info("scheduler cancelled")
			return nil
		}

		start := s.cfg.Clock.Now()
		s.runOnce(ctx)

		elapsed := s.cfg.Clock.Since(start)
		wait := s.cfg.Interval - elapsed
		if wait <= 0 {
			s.log.Warn("run took longer than interval, starting next run immediately",
				"elapsed", elapsed, "interval", s.cfg.Interval)
			metrics.SchedulerOverruns.Inc()
			continue
		}

		s.setState(StateWaiting)
		s.log.Info("waiting for next run", "wait", wait)
		timer := s.cfg.Clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.setState(StateCancelled)
			s.log.Info("scheduler cancelled during wait")
			return nil
		case <-timer.Chan():
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	s.setState(StateRunning)
	s.cfg.Run(ctx)
	metrics.SchedulerIterations.Inc()
}
