// Package session tracks the lifecycle state machine of trading sessions:
// PENDING -> ACTIVE -> TRADING -> SETTLING -> COMPLETED, forward only.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vt888Vip/stock-version-2-sub000/pkg/db"
)

var (
	// ErrUntracked means the session id is not in memory. The scheduler
	// treats this as fatal for that session's remaining work.
	ErrUntracked = errors.New("session is not tracked")

	// ErrBackwardTransition means the requested status would move the
	// state machine backwards.
	ErrBackwardTransition = errors.New("backward status transition")
)

var statusRank = map[string]int{
	db.SessionPending:   0,
	db.SessionActive:    1,
	db.SessionTrading:   2,
	db.SessionSettling:  3,
	db.SessionCompleted: 4,
}

// Store persists lifecycle changes; implemented by *db.Database.
type Store interface {
	SetSessionStatus(ctx context.Context, sessionID, status string) error
	SetTradeWindow(ctx context.Context, sessionID string, open bool) error
}

// Transition is one audit record in a session's transition log.
type Transition struct {
	From   string
	To     string
	Reason string
	At     time.Time
}

type state struct {
	status      string
	windowOpen  bool
	history     []Transition
	completedAt time.Time
}

// Manager keeps the in-memory lifecycle view and persists every
// transition to durable storage.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*state
	store   Store

	gcGrace time.Duration
	stopGC  chan struct{}
	started bool
}

// NewManager creates a lifecycle manager. Completed sessions are dropped
// from memory gcGrace after completion; pass 0 for the 5m default.
func NewManager(store Store, gcGrace time.Duration) *Manager {
	if gcGrace <= 0 {
		gcGrace = 5 * time.Minute
	}
	return &Manager{
		entries: make(map[string]*state),
		store:   store,
		gcGrace: gcGrace,
		stopGC:  make(chan struct{}),
	}
}

// Start launches the background garbage collector for completed entries.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sweep(time.Now())
			case <-m.stopGC:
				return
			}
		}
	}()
}

// Stop halts the garbage collector.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		m.started = false
		close(m.stopGC)
	}
}

// Track registers a session at the given status (creation or recovery).
func (m *Manager) Track(sessionID, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[sessionID]; ok {
		return
	}
	m.entries[sessionID] = &state{status: status}
}

// Tracked reports whether the session is in memory.
func (m *Manager) Tracked(sessionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[sessionID]
	return ok
}

// Status returns the current in-memory status, or "" when untracked.
func (m *Manager) Status(sessionID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.entries[sessionID]; ok {
		return e.status
	}
	return ""
}

// Transition moves a session to a new status: validates it is tracked and
// moving forward, appends an audit record, and persists the new status.
func (m *Manager) Transition(ctx context.Context, sessionID, to, reason string) error {
	m.mu.Lock()
	e, ok := m.entries[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("transition %s -> %s: %w", sessionID, to, ErrUntracked)
	}

	from := e.status
	toRank, known := statusRank[to]
	if !known {
		m.mu.Unlock()
		return fmt.Errorf("unknown status %q", to)
	}
	if toRank <= statusRank[from] {
		m.mu.Unlock()
		return fmt.Errorf("transition %s: %s -> %s: %w", sessionID, from, to, ErrBackwardTransition)
	}

	e.status = to
	e.history = append(e.history, Transition{From: from, To: to, Reason: reason, At: time.Now().UTC()})
	if to == db.SessionCompleted {
		e.completedAt = time.Now()
	}
	m.mu.Unlock()

	if err := m.store.SetSessionStatus(ctx, sessionID, to); err != nil {
		return fmt.Errorf("persist status %s for %s: %w", to, sessionID, err)
	}
	return nil
}

// SetTradeWindow flips the trade-window flag in memory and storage.
func (m *Manager) SetTradeWindow(ctx context.Context, sessionID string, open bool) error {
	m.mu.Lock()
	e, ok := m.entries[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("set trade window %s: %w", sessionID, ErrUntracked)
	}
	e.windowOpen = open
	m.mu.Unlock()

	return m.store.SetTradeWindow(ctx, sessionID, open)
}

// CanAcceptTrades is true only while the session is ACTIVE or TRADING and
// the trade window is open.
func (m *Manager) CanAcceptTrades(sessionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[sessionID]
	if !ok {
		return false
	}
	return e.windowOpen && (e.status == db.SessionActive || e.status == db.SessionTrading)
}

// IsSettling reports whether the session is in the SETTLING phase.
func (m *Manager) IsSettling(sessionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[sessionID]
	return ok && e.status == db.SessionSettling
}

// History returns a copy of the session's transition log.
func (m *Manager) History(sessionID string) []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[sessionID]
	if !ok {
		return nil
	}
	out := make([]Transition, len(e.history))
	copy(out, e.history)
	return out
}

// sweep drops completed entries older than the grace period to bound
// memory growth.
func (m *Manager) sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.entries {
		if e.status == db.SessionCompleted && !e.completedAt.IsZero() && now.Sub(e.completedAt) > m.gcGrace {
			delete(m.entries, id)
		}
	}
}
