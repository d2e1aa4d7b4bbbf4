// Package scheduler enforces the global session concurrency budget and a
// minimum gap between dispatches, so a burst of freed slots never
// promotes a thundering herd of queued sessions at once.
package scheduler

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nadavbarak14/agentboard/internal/logging"
	"github.com/nadavbarak14/agentboard/internal/session"
)

var schedLog = logging.ForComponent(logging.CompScheduler)

// DispatchFunc receives the session chosen by a successful dispatch. It
// is responsible for the actual activation; the scheduler never touches
// process handles.
type DispatchFunc func(*session.Session)

// Scheduler serializes session promotion. The concurrency budget is read
// from the repository on every attempt, so lowering it at runtime takes
// effect immediately for new dispatches without evicting active sessions.
type Scheduler struct {
	repo    session.Repository
	gap     time.Duration
	limiter *rate.Limiter

	mu         sync.Mutex
	onDispatch DispatchFunc
	retryTimer *time.Timer
	pollStop   chan struct{}
}

// New creates a scheduler with the given minimum dispatch gap.
func New(repo session.Repository, gap time.Duration) *Scheduler {
	var limiter *rate.Limiter
	if gap > 0 {
		limiter = rate.NewLimiter(rate.Every(gap), 1)
	}
	return &Scheduler{repo: repo, gap: gap, limiter: limiter}
}

// OnDispatch registers the activation callback. Must be set before the
// first dispatch attempt.
func (s *Scheduler) OnDispatch(fn DispatchFunc) {
	s.mu.Lock()
	s.onDispatch = fn
	s.mu.Unlock()
}

// AttemptDispatch promotes the lowest-position queued session when a slot
// is free and the dispatch gap has elapsed. When only the gap blocks it,
// a single retry timer is armed for the remainder; concurrent calls never
// stack a second timer.
func (s *Scheduler) AttemptDispatch() {
	s.mu.Lock()
	chosen := s.tryReserveLocked()
	fn := s.onDispatch
	s.mu.Unlock()

	if chosen == nil || fn == nil {
		return
	}
	schedLog.Info("dispatch",
		slog.String("session", chosen.ID),
		slog.Int("position", chosen.Position))
	fn(chosen)
}

// tryReserveLocked checks capacity, queue, and gap. On success it
// consumes a limiter token and returns the chosen session.
func (s *Scheduler) tryReserveLocked() *session.Session {
	settings, err := s.repo.GetSettings()
	if err != nil {
		schedLog.Warn("settings_unavailable", slog.String("error", err.Error()))
		return nil
	}
	active, err := s.repo.CountActiveSessions()
	if err != nil {
		schedLog.Warn("active_count_unavailable", slog.String("error", err.Error()))
		return nil
	}
	if active >= settings.MaxConcurrentSessions {
		return nil
	}

	next, err := s.repo.GetNextQueuedSession()
	if err != nil {
		schedLog.Warn("queue_unavailable", slog.String("error", err.Error()))
		return nil
	}
	if next == nil {
		return nil
	}

	if s.limiter != nil {
		now := time.Now()
		res := s.limiter.ReserveN(now, 1)
		if delay := res.DelayFrom(now); delay > 0 {
			// Inside the gap window: give the token back and retry
			// once the remainder elapses.
			res.CancelAt(now)
			s.armRetryLocked(delay)
			return nil
		}
	}

	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	return next
}

// armRetryLocked arms the single gap-retry timer. Idempotent: a pending
// timer is left alone.
func (s *Scheduler) armRetryLocked(delay time.Duration) {
	if s.retryTimer != nil {
		return
	}
	s.retryTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.retryTimer = nil
		s.mu.Unlock()
		s.AttemptDispatch()
	})
}

// OnSessionCompleted must be called whenever an active session reaches
// completed, failed, or re-queued: a slot freed, so the queue may advance.
func (s *Scheduler) OnSessionCompleted() {
	s.AttemptDispatch()
}

// HasAvailableSlot reports whether a new session could activate now.
// Non-mutating: no token is consumed and no timer armed.
func (s *Scheduler) HasAvailableSlot() bool {
	settings, err := s.repo.GetSettings()
	if err != nil {
		return false
	}
	active, err := s.repo.CountActiveSessions()
	if err != nil {
		return false
	}
	return active < settings.MaxConcurrentSessions
}

// HasQueuedWork reports whether any session is waiting in the queue.
func (s *Scheduler) HasQueuedWork() bool {
	next, err := s.repo.GetNextQueuedSession()
	return err == nil && next != nil
}

// StartAutoDispatch begins a periodic safety-net poll that calls
// AttemptDispatch. Idempotent: starting an already-running poll is a
// no-op.
func (s *Scheduler) StartAutoDispatch(interval time.Duration) {
	s.mu.Lock()
	if s.pollStop != nil || interval <= 0 {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.pollStop = stop
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.AttemptDispatch()
			}
		}
	}()
}

// Stop halts the auto-dispatch poll and cancels any pending gap retry.
// Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pollStop != nil {
		close(s.pollStop)
		s.pollStop = nil
	}
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
}
