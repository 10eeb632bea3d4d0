// Package timer schedules callbacks at exact wall-clock instants.
// Timers live only in process memory; the scheduler re-derives them from
// persisted session state after a restart.
package timer

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Service arms single-shot timers keyed by id and grouped by session.
type Service struct {
	mu     sync.Mutex
	timers map[string]*entry

	auditInterval time.Duration
	stopAudit     chan struct{}
	started       bool

	scheduled uint64
	fired     uint64
	canceled  uint64
}

type entry struct {
	id        string
	sessionID string
	at        time.Time
	t         *time.Timer
}

// NewService creates a timer service. The audit loop runs every
// auditInterval once Start is called; pass 0 for the 500ms default.
func NewService(auditInterval time.Duration) *Service {
	if auditInterval <= 0 {
		auditInterval = 500 * time.Millisecond
	}
	return &Service{
		timers:        make(map[string]*entry),
		auditInterval: auditInterval,
		stopAudit:     make(chan struct{}),
	}
}

// Start launches the background precision audit loop. The loop only
// observes; firing accuracy comes from the runtime timer itself.
func (s *Service) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(s.auditInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.audit()
			case <-s.stopAudit:
				return
			}
		}
	}()
}

// Stop halts the audit loop and cancels every pending timer.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.started {
		s.started = false
		close(s.stopAudit)
	}
	for id, e := range s.timers {
		e.t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
}

// ScheduleAt arms fn to run at the given instant and returns the timer
// id. An instant already in the past runs fn synchronously before
// returning.
func (s *Service) ScheduleAt(sessionID string, at time.Time, fn func()) string {
	id := uuid.NewString()
	delay := time.Until(at)
	if delay <= 0 {
		atomic.AddUint64(&s.fired, 1)
		fn()
		return id
	}

	e := &entry{id: id, sessionID: sessionID, at: at}
	e.t = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, id)
		s.mu.Unlock()
		atomic.AddUint64(&s.fired, 1)
		fn()
	})

	s.mu.Lock()
	s.timers[id] = e
	s.mu.Unlock()
	atomic.AddUint64(&s.scheduled, 1)
	return id
}

// Cancel stops one timer by id; reports whether it was still pending.
func (s *Service) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.timers[id]
	if !ok {
		return false
	}
	e.t.Stop()
	delete(s.timers, id)
	atomic.AddUint64(&s.canceled, 1)
	return true
}

// CancelGroup stops every pending timer tagged with sessionID and
// returns how many were canceled.
func (s *Service) CancelGroup(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, e := range s.timers {
		if e.sessionID == sessionID {
			e.t.Stop()
			delete(s.timers, id)
			n++
		}
	}
	atomic.AddUint64(&s.canceled, uint64(n))
	return n
}

// Pending returns the number of armed timers.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// audit logs timers that should already have fired. Purely diagnostic;
// no corrective action is taken.
func (s *Service) audit() {
	now := time.Now()
	s.mu.Lock()
	late := 0
	for _, e := range s.timers {
		if e.at.Before(now.Add(-s.auditInterval)) {
			late++
		}
	}
	pending := len(s.timers)
	s.mu.Unlock()

	if late > 0 {
		log.Printf("[timer] audit: %d of %d pending timers are late", late, pending)
	}
}

// Stats returns lifetime counters for observability.
func (s *Service) Stats() (scheduled, fired, canceled uint64) {
	return atomic.LoadUint64(&s.scheduled), atomic.LoadUint64(&s.fired), atomic.LoadUint64(&s.canceled)
}
