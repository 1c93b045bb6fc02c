// Package scheduler implements the single background worker (spec §4.5,
// component C5) that drives every deadline in the stack: transport-protocol
// timeouts and pacing, Multi-PG flushes, and user timers. It is grounded on
// the deadline-driven select loop of the teacher's pkg/sdo/server.go
// Process(ctx) method, generalized from one session's single deadline to a
// heap of independently-ticking engines.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// idleHorizon bounds how far into the future the worker ever sleeps, so a
// long-idle stack still wakes periodically (spec §4.5 step 1: "next_wakeup
// = now + 5s").
const idleHorizon = 5 * time.Second

// Ticker is implemented by every engine whose internal deadlines the
// scheduler must drive (transport21/transport22 session maps, Multi-PG
// buffers); address-claim is driven by an AddTimer timer instead. Tick advances any buffer whose deadline has
// passed and returns the next time Tick should be called again; an engine
// with nothing pending returns a time far in the future.
type Ticker interface {
	Tick(now time.Time) time.Time
}

// TimerFunc is a user timer callback (spec: "Timer record {period,
// deadline, callback, cookie}; callback returns a re-arm flag").
type TimerFunc func(cookie any) bool

type timerEntry struct {
	id       uint64
	period   time.Duration
	deadline time.Time
	callback TimerFunc
	cookie   any
}

// TimerHandle identifies one add_timer registration for RemoveTimer.
type TimerHandle uint64

// Scheduler is the single background worker that fires user timers and
// calls every Ticker's Tick from its Run goroutine. AddTimer and
// RemoveTimer change the timer list from any goroutine under the
// scheduler's mutex, and the engines' own entry points change their TP
// buffers under the engines' mutexes.
type Scheduler struct {
	logger *slog.Logger
	clock  func() time.Time

	wakeup chan struct{}

	mu      sync.Mutex
	tickers []Ticker
	timers  map[uint64]*timerEntry
	nextID  uint64

	doneOnce sync.Once
	done     chan struct{}
}

// New creates a Scheduler. clock defaults to time.Now; tests may override
// it for deterministic deadline arithmetic.
func New(logger *slog.Logger, clock func() time.Time) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = time.Now
	}
	return &Scheduler{
		logger: logger,
		clock:  clock,
		wakeup: make(chan struct{}, 1),
		timers: make(map[uint64]*timerEntry),
		done:   make(chan struct{}),
	}
}

// RegisterTicker adds an engine the worker loop drives every iteration.
// Must be called before Run, or while Run is not actively iterating.
func (s *Scheduler) RegisterTicker(t Ticker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickers = append(s.tickers, t)
}

// AddTimer arms a timer that fires after period and, if callback returns
// true, re-arms itself (catching up past deadlines rather than bursting, per
// spec §4.5 step 4).
func (s *Scheduler) AddTimer(period time.Duration, callback TimerFunc, cookie any) TimerHandle {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.timers[id] = &timerEntry{
		id:       id,
		period:   period,
		deadline: s.clock().Add(period),
		callback: callback,
		cookie:   cookie,
	}
	s.mu.Unlock()
	s.Wakeup()
	return TimerHandle(id)
}

// RemoveTimer drops a timer by handle. Idempotent.
func (s *Scheduler) RemoveTimer(h TimerHandle) {
	s.mu.Lock()
	delete(s.timers, uint64(h))
	s.mu.Unlock()
	s.Wakeup()
}

// Wakeup forces the worker to re-evaluate its deadlines immediately. Safe
// to call from any goroutine, any number of times; wakeups coalesce.
func (s *Scheduler) Wakeup() {
	select {
	case s.wakeup <- struct{}{}:
	default:
	}
}

// Run blocks, driving the worker loop until ctx is cancelled. It should run
// in its own goroutine; the ECU facade owns that goroutine's lifetime.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.done)
	for {
		now := s.clock()
		nextWakeup := now.Add(idleHorizon)

		s.mu.Lock()
		tickers := append([]Ticker(nil), s.tickers...)
		s.mu.Unlock()

		for _, t := range tickers {
			if next := t.Tick(now); next.Before(nextWakeup) {
				nextWakeup = next
			}
		}

		nextWakeup = s.fireTimers(now, nextWakeup)

		sleep := nextWakeup.Sub(s.clock())
		if sleep < 0 {
			sleep = 0
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wakeup:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Done returns a channel closed once Run has returned.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

func (s *Scheduler) fireTimers(now, nextWakeup time.Time) time.Time {
	s.mu.Lock()
	due := make([]*timerEntry, 0)
	for _, t := range s.timers {
		if !t.deadline.After(now) {
			due = append(due, t)
		} else if t.deadline.Before(nextWakeup) {
			nextWakeup = t.deadline
		}
	}
	s.mu.Unlock()

	for _, t := range due {
		rearm := s.fireOne(t, now)
		s.mu.Lock()
		if rearm {
			for t.deadline.Before(now) {
				t.deadline = t.deadline.Add(t.period)
			}
			if _, ok := s.timers[t.id]; ok && t.deadline.Before(nextWakeup) {
				nextWakeup = t.deadline
			}
		} else {
			delete(s.timers, t.id)
		}
		s.mu.Unlock()
	}
	return nextWakeup
}

func (s *Scheduler) fireOne(t *timerEntry, now time.Time) (rearm bool) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("timer callback panicked", "recover", rec)
			rearm = false
		}
	}()
	return t.callback(t.cookie)
}
