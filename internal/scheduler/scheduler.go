// Package scheduler owns the randomized delivery timer: a persistent
// one-shot job that survives restarts, fires exactly one dispatch cycle at a
// time, and re-arms itself after every cycle regardless of outcome.
package scheduler

import (
	"context"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"pixbot/internal/dispatch"
	"pixbot/internal/storage"
	logx "pixbot/pkg/logx"
)

type Scheduler struct {
	mu sync.Mutex

	clock     clock.Clock
	intervals IntervalSource
	jobs      JobStore
	disp      Dispatcher
	log       logx.Logger

	grace time.Duration

	state   State
	fireAt  time.Time
	running bool

	// fireMu serializes cycle execution between the timer loop and
	// ForceFire. Held for the whole select/send/update sequence.
	fireMu sync.Mutex

	stopCh   chan struct{}
	loopDone chan struct{}

	lastOutcome *dispatch.CycleResult
}

// Option tweaks construction; only tests need these.
type Option func(*Scheduler)

// WithClock substitutes the wall clock (fake clocks in tests).
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// New builds a scheduler. It is an explicitly constructed object owned by
// the composition root; there is no package-level shared instance.
func New(intervals IntervalSource, jobs JobStore, disp Dispatcher, grace time.Duration, log logx.Logger, opts ...Option) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if grace <= 0 {
		grace = time.Hour
	}
	s := &Scheduler{
		clock:     clock.RealClock{},
		intervals: intervals,
		jobs:      jobs,
		disp:      disp,
		grace:     grace,
		log:       log,
		state:     StateIdle,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Apply swaps the interval bounds and grace used from the next re-arm on.
// The currently armed fire time is left alone.
func (s *Scheduler) Apply(intervals IntervalSource, grace time.Duration) {
	s.mu.Lock()
	s.intervals = intervals
	if grace > 0 {
		s.grace = grace
	}
	s.mu.Unlock()
}

// Start resumes or arms the schedule and launches the timer loop.
//
// A persisted job whose fire time is already past is treated as due now and
// fires once, no matter how many intervals elapsed while the process was
// down (coalesced misfire). Within the grace window the original time is
// kept so the wait simply expires immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	now := s.clock.Now()
	job, err := s.jobs.LoadJob(ctx)
	if err != nil {
		// Unreadable schedule is not fatal: arm a fresh interval instead of
		// refusing to start.
		s.log.Error("persisted schedule unreadable; arming fresh", logx.Err(err))
		job = nil
	}

	switch {
	case job == nil:
		s.armLocked(ctx, now, s.intervals.Next())
		s.log.Info("schedule armed", logx.Time("fire_at", s.fireAt))
	case now.After(job.FireAt.Add(s.grace)):
		// Missed beyond grace: single catch-up fire, not one per missed
		// interval.
		s.fireAt = now
		s.state = StateArmed
		s.log.Info("missed fire time; delivering catch-up now",
			logx.Time("was_due", job.FireAt), logx.Duration("grace", s.grace))
	default:
		s.fireAt = job.FireAt
		s.state = StateArmed
		s.log.Info("schedule resumed", logx.Time("fire_at", s.fireAt))
	}

	s.running = true
	s.stopCh = make(chan struct{})
	s.loopDone = make(chan struct{})

	go s.loop(ctx, s.stopCh, s.loopDone)
	return nil
}

// Stop cancels the pending wait, disarms and removes the persisted job.
// This is the explicit operator stop: after it returns, a restart arms a
// fresh interval instead of resuming the old one. An in-flight cycle is
// waited for, never interrupted: an aborted send would leave delivery
// status unknown.
func (s *Scheduler) Stop(ctx context.Context) error {
	return s.halt(ctx, true)
}

// Shutdown disarms the loop like Stop but leaves the persisted job in
// place, so the schedule resumes at the same fire time on the next boot.
// Process teardown uses this; restarting must not re-roll the interval.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	return s.halt(ctx, false)
}

func (s *Scheduler) halt(ctx context.Context, clearJob bool) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	stopCh := s.stopCh
	loopDone := s.loopDone
	s.stopCh = nil
	s.loopDone = nil
	s.mu.Unlock()

	close(stopCh)
	select {
	case <-loopDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	// Also wait out a ForceFire that may hold the cycle lock.
	s.fireMu.Lock()
	s.fireMu.Unlock() //nolint:staticcheck // lock/unlock pair is the barrier

	s.mu.Lock()
	s.state = StateIdle
	s.fireAt = time.Time{}
	s.mu.Unlock()

	if !clearJob {
		s.log.Info("scheduler shut down; schedule kept for next boot")
		return nil
	}
	if err := s.jobs.ClearJob(ctx); err != nil {
		s.log.Warn("failed clearing persisted schedule", logx.Err(err))
	}
	s.log.Info("scheduler stopped; schedule disarmed")
	return nil
}

// ForceFire runs one cycle immediately through the normal dispatch path.
// imageID 0 means random selection. It is a side channel: the armed fire
// time is not consumed or advanced. If a cycle is already executing the
// call is rejected with ErrCycleInFlight rather than queued.
func (s *Scheduler) ForceFire(ctx context.Context, imageID int64) (dispatch.CycleResult, error) {
	if !s.fireMu.TryLock() {
		return dispatch.CycleResult{}, ErrCycleInFlight
	}
	defer s.fireMu.Unlock()

	s.mu.Lock()
	prev := s.state
	if s.running {
		s.state = StateFiring
	}
	s.mu.Unlock()

	var res dispatch.CycleResult
	if imageID != 0 {
		res = s.disp.RunCycleFor(ctx, imageID)
	} else {
		res = s.disp.RunCycle(ctx)
	}

	s.mu.Lock()
	if s.running {
		s.state = prev
	}
	s.lastOutcome = &res
	s.mu.Unlock()
	return res, nil
}

// NextFireTime is safe to call concurrently with an in-flight cycle.
func (s *Scheduler) NextFireTime() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return time.Time{}, false
	}
	return s.fireAt, true
}

// LastOutcome returns the most recent cycle result, or nil before the first
// cycle.
func (s *Scheduler) LastOutcome() *dispatch.CycleResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastOutcome == nil {
		return nil
	}
	cp := *s.lastOutcome
	return &cp
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Snapshot returns the current control-surface view.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{State: s.state}
	if s.running {
		snap.NextFireAt = s.fireAt
	}
	if s.lastOutcome != nil {
		cp := *s.lastOutcome
		snap.LastOutcome = &cp
	}
	return snap
}

// loop is the single timer goroutine. Waits are cancellable selects, never
// blocking sleeps, so Stop can interrupt a pending wait (though not an
// in-flight send).
func (s *Scheduler) loop(ctx context.Context, stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		s.mu.Lock()
		fireAt := s.fireAt
		s.mu.Unlock()

		wait := fireAt.Sub(s.clock.Now())
		if wait < 0 {
			wait = 0
		}
		t := s.clock.NewTimer(wait)

		select {
		case <-stopCh:
			t.Stop()
			return
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C():
		}

		s.fire(ctx)

		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
	}
}

// fire runs one natural cycle and always re-arms afterwards. Liveness rule:
// no send failure, pool warning or storage error may leave the loop without
// a next fire time.
func (s *Scheduler) fire(ctx context.Context) {
	s.fireMu.Lock()
	defer s.fireMu.Unlock()

	s.mu.Lock()
	s.state = StateFiring
	s.mu.Unlock()

	// The cycle must survive a concurrent Stop: Stop waits for it instead
	// of cancelling it.
	res := s.disp.RunCycle(context.WithoutCancel(ctx))

	s.mu.Lock()
	s.lastOutcome = &res
	s.armLocked(ctx, s.clock.Now(), s.intervals.Next())
	s.mu.Unlock()
}

// armLocked sets and persists the next fire time. A persistence failure must
// not leave the scheduler idle: it falls back to the minimum interval
// in-memory so the system self-heals instead of going silent.
func (s *Scheduler) armLocked(ctx context.Context, now time.Time, next time.Duration) {
	s.fireAt = now.Add(next)
	s.state = StateArmed

	job := storage.Job{FireAt: s.fireAt, Grace: s.grace, UpdatedAt: now}
	if err := s.jobs.SaveJob(context.WithoutCancel(ctx), job); err != nil {
		min, _ := s.intervals.Bounds()
		s.fireAt = now.Add(min)
		s.log.Error("schedule persist failed; re-armed at minimum interval",
			logx.Err(err), logx.Time("fire_at", s.fireAt))
		return
	}
	s.log.Info("next delivery armed",
		logx.Time("fire_at", s.fireAt), logx.Duration("in", next))
}
