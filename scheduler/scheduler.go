// Package scheduler runs a task repeatedly with a fixed delay between the end
// of one run and the start of the next. A run never overlaps another run:
// a trigger that arrives while the task is in flight is skipped.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"

	"github.com/dimapp/echolink"
)

const (
	DefaultInterval = time.Hour
	MinInterval     = time.Second

	maxErrors    = 10
	recentErrors = 5
	minStopWait  = 30 * time.Second
)

// Task is the unit of work. A returned error is recorded, it does not stop
// the schedule.
type Task func(ctx context.Context) error

// ErrorRecord is one failed run.
type ErrorRecord struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

// Stats is a point-in-time view of the schedule.
type Stats struct {
	Running       bool          `json:"running"`
	Scheduled     bool          `json:"scheduled"`
	Interval      time.Duration `json:"interval"`
	TaskCount     int           `json:"taskCount"`
	LastExecution time.Time     `json:"lastExecution"`
	RecentErrors  []ErrorRecord `json:"recentErrors"`
	Uptime        time.Duration `json:"uptime"`
}

// StartOptions tunes Start.
type StartOptions struct {
	// Immediate runs the task right away instead of after one interval.
	Immediate bool
	// Reset clears the statistics first.
	Reset bool
}

// StopOptions tunes Stop.
type StopOptions struct {
	// WaitForCurrent blocks until an in-flight run finishes, bounded by
	// max(interval, 30s).
	WaitForCurrent bool
}

// SetIntervalOptions tunes SetInterval.
type SetIntervalOptions struct {
	// Restart reschedules a pending run with the new interval. Without it
	// the new interval applies from the next reschedule.
	Restart bool
}

// Scheduler runs one Task on a fixed delay. Create it with New.
type Scheduler struct {
	task  Task
	clock clockwork.Clock
	log   zerolog.Logger

	// OnError is called after a failed run with the failure and the stats
	// at that point. It must not call back into the scheduler synchronously.
	OnError func(ErrorRecord, Stats)

	mu       sync.Mutex
	interval time.Duration
	ctx      context.Context
	active   bool
	epoch    uint64
	timer    clockwork.Timer
	nextRun  time.Time
	running  bool
	done     chan struct{}

	count         int
	lastExecution time.Time
	errors        []ErrorRecord
}

func New(task Task, interval time.Duration, clock clockwork.Clock, log zerolog.Logger) (*Scheduler, error) {
	if task == nil {
		return nil, echolink.Errorf(echolink.KindValidation, "scheduler", "the task must not be nil")
	}
	if interval < MinInterval {
		return nil, echolink.Errorf(echolink.KindValidation, "scheduler", "the interval must be >= %s", MinInterval)
	}
	return &Scheduler{
		task:     task,
		interval: interval,
		clock:    clock,
		log:      log.With().Str("component", "scheduler").Logger(),
	}, nil
}

// Start begins the schedule. It reports false if the schedule was already
// active.
func (s *Scheduler) Start(ctx context.Context, opts StartOptions) bool {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		s.log.Warn().Msg("task scheduler is already running")
		return false
	}
	if opts.Reset {
		s.resetLocked()
	}
	s.ctx = ctx
	s.active = true
	s.epoch++
	epoch := s.epoch
	if !opts.Immediate {
		s.scheduleLocked(epoch)
	}
	s.log.Info().Dur("interval", s.interval).Bool("immediate", opts.Immediate).Msg("task scheduler started")
	s.mu.Unlock()

	if opts.Immediate {
		go s.run(ctx, true)
	}
	return true
}

func (s *Scheduler) scheduleLocked(epoch uint64) {
	s.nextRun = s.clock.Now().Add(s.interval)
	s.timer = s.clock.AfterFunc(s.interval, func() { s.fire(epoch) })
}

func (s *Scheduler) fire(epoch uint64) {
	s.mu.Lock()
	ctx := s.ctx
	current := s.active && s.epoch == epoch
	s.mu.Unlock()
	if !current {
		return
	}
	if ctx.Err() != nil {
		s.log.Info().Msg("context done, task scheduler stopping")
		s.deactivate()
		return
	}
	s.run(ctx, true)
}

// run executes the task once. Whichever run finishes while the schedule is
// active and nothing is pending arms the next one, so a scheduled tick that
// is skipped because another run is in flight is picked up by that run.
func (s *Scheduler) run(ctx context.Context, scheduled bool) bool {
	s.mu.Lock()
	if scheduled {
		s.nextRun = time.Time{}
	}
	if s.running {
		s.mu.Unlock()
		s.log.Warn().Msg("task is still running, skipping this iteration")
		return false
	}
	s.running = true
	s.done = make(chan struct{})
	if scheduled && s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	start := s.clock.Now()
	s.lastExecution = start
	n := s.count + 1
	s.mu.Unlock()

	s.log.Debug().Int("execution", n).Msg("task execution started")
	err := s.invoke(ctx)

	s.mu.Lock()
	s.running = false
	close(s.done)
	var rec ErrorRecord
	if err != nil {
		rec = ErrorRecord{At: s.clock.Now(), Message: err.Error(), Err: err}
		s.errors = append(s.errors, rec)
		if len(s.errors) > maxErrors {
			s.errors = s.errors[len(s.errors)-maxErrors:]
		}
	} else {
		s.count++
	}
	if s.active && s.nextRun.IsZero() {
		s.scheduleLocked(s.epoch)
	}
	stats := s.statsLocked()
	hook := s.OnError
	s.mu.Unlock()

	if err != nil {
		s.log.Error().Err(err).Int("execution", n).Msg("error during task execution")
		if hook != nil {
			hook(rec, stats)
		}
		return true
	}
	s.log.Debug().Int("execution", n).Dur("took", s.clock.Since(start)).Msg("task execution completed")
	return true
}

func (s *Scheduler) invoke(ctx context.Context) (err error) {
	var pc panics.Catcher
	pc.Try(func() { err = s.task(ctx) })
	if r := pc.Recovered(); r != nil {
		return fmt.Errorf("task panicked: %w", r.AsError())
	}
	return err
}

// Trigger runs the task now, outside the schedule. It reports false when a
// run was already in flight and this one was skipped.
func (s *Scheduler) Trigger(ctx context.Context) bool {
	return s.run(ctx, false)
}

func (s *Scheduler) deactivate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
	s.epoch++
	s.nextRun = time.Time{}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Stop cancels the pending run. With WaitForCurrent it also waits for an
// in-flight run and returns a Timeout error if it outlives the bound.
func (s *Scheduler) Stop(ctx context.Context, opts StopOptions) error {
	s.mu.Lock()
	if !s.active && !s.running {
		s.mu.Unlock()
		s.log.Warn().Msg("task scheduler is not running")
		return nil
	}
	done := s.done
	running := s.running
	wait := max(s.interval, minStopWait)
	s.mu.Unlock()

	s.deactivate()

	if opts.WaitForCurrent && running {
		s.log.Info().Dur("max_wait", wait).Msg("waiting for current task to complete")
		select {
		case <-done:
		case <-s.clock.After(wait):
			s.log.Warn().Msg("timeout waiting for current task to complete")
			return echolink.Errorf(echolink.KindTimeout, "scheduler stop", "task still running after %s", wait)
		case <-ctx.Done():
			return echolink.Wrap(echolink.KindTimeout, "scheduler stop", ctx.Err())
		}
	}
	s.log.Info().Msg("task scheduler stopped")
	return nil
}

// SetInterval changes the delay between runs.
func (s *Scheduler) SetInterval(d time.Duration, opts SetIntervalOptions) error {
	if d < MinInterval {
		return echolink.Errorf(echolink.KindValidation, "scheduler", "the interval must be >= %s", MinInterval)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.interval
	s.interval = d
	s.log.Info().Dur("from", old).Dur("to", d).Msg("task interval updated")

	if opts.Restart && s.active && s.timer != nil {
		s.timer.Stop()
		s.epoch++
		s.scheduleLocked(s.epoch)
	}
	return nil
}

func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsLocked()
}

func (s *Scheduler) statsLocked() Stats {
	st := Stats{
		Running:       s.running,
		Scheduled:     s.active && !s.nextRun.IsZero(),
		Interval:      s.interval,
		TaskCount:     s.count,
		LastExecution: s.lastExecution,
	}
	from := max(len(s.errors)-recentErrors, 0)
	st.RecentErrors = append([]ErrorRecord(nil), s.errors[from:]...)
	if s.count > 0 && !s.lastExecution.IsZero() {
		st.Uptime = s.clock.Since(s.lastExecution)
	}
	return st
}

// NextRun returns when the pending run is due.
func (s *Scheduler) NextRun() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active || s.nextRun.IsZero() {
		return time.Time{}, false
	}
	return s.nextRun, true
}

// IsHealthy reports whether no run failed within the last two intervals.
func (s *Scheduler) IsHealthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	for _, e := range s.errors {
		if now.Sub(e.At) < 2*s.interval {
			return false
		}
	}
	return true
}

func (s *Scheduler) ResetStats() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

func (s *Scheduler) resetLocked() {
	s.count = 0
	s.lastExecution = time.Time{}
	s.errors = nil
	s.log.Debug().Msg("scheduler statistics reset")
}
