// Package scheduler provides scheduling logic for TimerPipe.
//
// Scheduler arms at most one one-shot job per timer id and fires it at an
// absolute instant. Periodic runs maintenance tasks on cron expressions.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/TimerPipe/internal/clock"
	"github.com/jonboulle/clockwork"
)

// DefaultJobTimeout bounds a single job invocation.
const DefaultJobTimeout = 30 * time.Second

// ErrStopped is returned by Arm after Stop has been called.
var ErrStopped = errors.New("scheduler stopped")

// JobFunc is invoked when an armed job fires.
type JobFunc func(ctx context.Context, id string) error

// JobInfo describes an armed job.
type JobInfo struct {
	ID        string    `json:"id"`
	ArmedAt   time.Time `json:"armed_at"`
	FireAt    time.Time `json:"fire_at"`
	Remaining string    `json:"remaining"`
}

// entry tracks one armed job. Its identity is what the fire wrapper claims,
// so a replaced or disarmed entry never runs.
type entry struct {
	timer   clockwork.Timer
	armedAt time.Time
	fireAt  time.Time
}

// Opts holds configuration options for the Scheduler.
type Opts struct {
	JobTimeout time.Duration
}

// Option defines a configuration option for the Scheduler.
type Option func(*Opts)

// WithJobTimeout bounds each job invocation. Zero or negative disables the bound.
func WithJobTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.JobTimeout = d
	}
}

// Scheduler is a keyed one-shot scheduler on top of a Clock.
type Scheduler struct {
	clock      clock.Clock
	jobTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	jobs    map[string]*entry
	firing  map[string]int
	stopped bool
	running sync.WaitGroup
}

// New creates a Scheduler driven by clk.
func New(clk clock.Clock, opts ...Option) *Scheduler {
	cfg := Opts{JobTimeout: DefaultJobTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if clk == nil {
		clk = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	slog.Debug("Scheduler.New: creating scheduler", "jobTimeout", cfg.JobTimeout)
	return &Scheduler{
		clock:      clk,
		jobTimeout: cfg.JobTimeout,
		ctx:        ctx,
		cancel:     cancel,
		jobs:       make(map[string]*entry),
		firing:     make(map[string]int),
	}
}

// Arm schedules fn to run for id at fireAt, replacing any job already armed
// for id. A fireAt in the past fires as soon as possible.
func (s *Scheduler) Arm(id string, fireAt time.Time, fn JobFunc) error {
	if id == "" {
		return fmt.Errorf("job id is required")
	}
	if fn == nil {
		return fmt.Errorf("job function is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		slog.Warn("Scheduler.Arm: scheduler stopped, job not armed", "id", id)
		return ErrStopped
	}

	if old, ok := s.jobs[id]; ok {
		old.timer.Stop()
		slog.Debug("Scheduler.Arm: replaced existing job", "id", id, "previousFireAt", old.fireAt)
	}

	now := s.clock.Now()
	delay := fireAt.Sub(now)
	if delay < 0 {
		delay = 0
	}

	e := &entry{armedAt: now, fireAt: fireAt}
	// The callback blocks on s.mu until e is stored below.
	e.timer = s.clock.AfterFunc(delay, func() { s.fire(id, e, fn) })
	s.jobs[id] = e

	slog.Debug("Scheduler.Arm: job armed", "id", id, "fireAt", fireAt, "delay", delay)
	return nil
}

// Disarm cancels the job armed for id. Disarming an id with no job is a no-op.
// Once Disarm returns, the cancelled job will not run.
func (s *Scheduler) Disarm(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[id]
	if !ok {
		return
	}
	e.timer.Stop()
	delete(s.jobs, id)
	slog.Debug("Scheduler.Disarm: job disarmed", "id", id)
}

// Armed reports the fire time of the job armed for id.
func (s *Scheduler) Armed(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[id]
	if !ok {
		return time.Time{}, false
	}
	return e.fireAt, true
}

// Scheduled reports whether id has a job that is armed or has been claimed
// by its timer and not yet returned.
func (s *Scheduler) Scheduled(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, armed := s.jobs[id]
	return armed || s.firing[id] > 0
}

// Len returns the number of armed jobs.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// ListActive returns information about all armed jobs.
func (s *Scheduler) ListActive() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	result := make([]JobInfo, 0, len(s.jobs))
	for id, e := range s.jobs {
		remaining := e.fireAt.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		result = append(result, JobInfo{
			ID:        id,
			ArmedAt:   e.armedAt,
			FireAt:    e.fireAt,
			Remaining: remaining.String(),
		})
	}
	slog.Debug("Scheduler.ListActive", "count", len(result))
	return result
}

// Stop disarms every job, refuses new ones and waits for jobs already
// running to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	count := len(s.jobs)
	for id, e := range s.jobs {
		e.timer.Stop()
		delete(s.jobs, id)
	}
	s.mu.Unlock()

	s.running.Wait()
	s.cancel()
	slog.Info("Scheduler.Stop: all jobs disarmed", "disarmed", count)
}

// fire claims e and runs fn outside the scheduler lock.
func (s *Scheduler) fire(id string, e *entry, fn JobFunc) {
	s.mu.Lock()
	current, ok := s.jobs[id]
	if !ok || current != e || s.stopped {
		s.mu.Unlock()
		slog.Debug("Scheduler.fire: stale job ignored", "id", id)
		return
	}
	delete(s.jobs, id)
	s.firing[id]++
	s.running.Add(1)
	s.mu.Unlock()
	defer s.running.Done()
	defer func() {
		s.mu.Lock()
		s.firing[id]--
		if s.firing[id] <= 0 {
			delete(s.firing, id)
		}
		s.mu.Unlock()
	}()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Scheduler.fire: job panicked", "id", id, "panic", r)
		}
	}()

	ctx := s.ctx
	if s.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.jobTimeout)
		defer cancel()
	}

	slog.Debug("Scheduler.fire: running job", "id", id, "fireAt", e.fireAt)
	if err := fn(ctx, id); err != nil {
		slog.Error("Scheduler.fire: job failed", "id", id, "error", err)
	}
}
