// Package scheduler owns session creation and every time-based
// transition: trade-window open, settlement trigger and cleanup. Timers
// are process-local; Recover re-derives them from persisted session
// state, so a restart never loses a session.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vt888Vip/stock-version-2-sub000/internal/notify"
	"github.com/vt888Vip/stock-version-2-sub000/internal/queue"
	"github.com/vt888Vip/stock-version-2-sub000/internal/session"
	"github.com/vt888Vip/stock-version-2-sub000/internal/timer"
	"github.com/vt888Vip/stock-version-2-sub000/pkg/config"
	"github.com/vt888Vip/stock-version-2-sub000/pkg/db"
)

// Scheduler-internal statuses persisted alongside the lifecycle status.
const (
	schedScheduled = "SCHEDULED"
	schedRecovered = "RECOVERED"
	schedFinished  = "FINISHED"
)

// SettlementPublisher is the outbound port to the settlement queue.
type SettlementPublisher interface {
	Publish(ctx context.Context, v any) error
}

// Service drives the session lifecycle.
type Service struct {
	db      *db.Database
	life    *session.Manager
	timers  *timer.Service
	settleQ SettlementPublisher
	sink    notify.Sink
	rounds  config.Rounds

	mu         sync.Mutex
	currentID  string
	currentEnd time.Time

	stop    chan struct{}
	wg      sync.WaitGroup
	started bool
}

// New constructs the scheduler service. Nothing runs until Start.
func New(database *db.Database, life *session.Manager, timers *timer.Service, settleQ SettlementPublisher, sink notify.Sink, rounds config.Rounds) *Service {
	return &Service{
		db:      database,
		life:    life,
		timers:  timers,
		settleQ: settleQ,
		sink:    sink,
		rounds:  rounds,
		stop:    make(chan struct{}),
	}
}

// Start recovers persisted sessions, then begins continuous session
// generation. Recovery always runs exactly once, before the loop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.timers.Start()
	s.life.Start()

	if err := s.Recover(ctx); err != nil {
		return fmt.Errorf("scheduler recovery: %w", err)
	}

	s.wg.Add(1)
	go s.generationLoop()

	log.Printf("[scheduler] started (session=%v settle-delay=%v cleanup-delay=%v)",
		s.rounds.SessionDuration, s.rounds.SettlementDelay, s.rounds.CleanupDelay)
	return nil
}

// Stop halts the generation loop and all pending timers.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stop)
	s.mu.Unlock()

	s.wg.Wait()
	s.timers.Stop()
	s.life.Stop()
	log.Println("[scheduler] stopped")
}

// StartSession persists the session and arms its three timers. Duplicate
// creation is a no-op success thanks to the idempotent upsert; each setup
// step's failure is wrapped with the step name and aborts the call.
func (s *Service) StartSession(ctx context.Context, id string, start, end time.Time, result string) error {
	created, err := s.db.UpsertSession(ctx, db.Session{
		SessionID:       id,
		StartTime:       start,
		EndTime:         end,
		Status:          db.SessionPending,
		Result:          result,
		SchedulerStatus: schedScheduled,
	})
	if err != nil {
		return fmt.Errorf("start session %s: persist row: %w", id, err)
	}
	if !created {
		// Another scheduler instance won the race; nothing left to do here.
		log.Printf("[scheduler] session %s already exists, skipping", id)
		return nil
	}

	s.life.Track(id, db.SessionPending)

	settleAt := end.Add(s.rounds.SettlementDelay)
	if err := s.db.SetSettlementSchedule(ctx, id, settleAt); err != nil {
		return fmt.Errorf("start session %s: record settlement schedule: %w", id, err)
	}

	s.armTimers(id, start, end, settleAt)
	log.Printf("[scheduler] session %s scheduled: start=%s end=%s settle=%s",
		id, start.Format(time.RFC3339), end.Format(time.RFC3339), settleAt.Format(time.RFC3339))
	return nil
}

func (s *Service) armTimers(id string, start, end, settleAt time.Time) {
	s.timers.ScheduleAt(id, start, func() { s.onWindowOpen(id, end) })
	s.timers.ScheduleAt(id, settleAt, func() { s.onSettlementDue(id) })
	s.timers.ScheduleAt(id, settleAt.Add(s.rounds.CleanupDelay), func() { s.onCleanup(id) })
}

// onWindowOpen transitions the session into its trading phase and tells
// clients how long the window stays open.
func (s *Service) onWindowOpen(id string, end time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.life.Transition(ctx, id, db.SessionActive, "trade window open"); err != nil {
		log.Printf("[scheduler] session %s: open transition failed: %v", id, err)
		return
	}
	if err := s.life.SetTradeWindow(ctx, id, true); err != nil {
		log.Printf("[scheduler] session %s: set trade window: %v", id, err)
		return
	}
	if err := s.life.Transition(ctx, id, db.SessionTrading, "accepting trades"); err != nil {
		log.Printf("[scheduler] session %s: trading transition failed: %v", id, err)
	}

	s.mu.Lock()
	s.currentID = id
	s.currentEnd = end
	s.mu.Unlock()

	s.emit(ctx, notify.TargetAll, notify.EventWindowOpened, map[string]any{
		"sessionId":   id,
		"secondsLeft": int(time.Until(end).Seconds()),
	})
}

// onSettlementDue closes the window, moves the session to SETTLING and
// publishes the settlement trigger. Order resolution itself belongs to
// the settlement worker; this handler only decides whether there is
// anything to settle.
func (s *Service) onSettlementDue(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := s.life.SetTradeWindow(ctx, id, false); err != nil {
		log.Printf("[scheduler] session %s: close trade window: %v", id, err)
		return
	}
	s.emit(ctx, notify.TargetAll, notify.EventWindowClosed, map[string]any{"sessionId": id})

	if err := s.life.Transition(ctx, id, db.SessionSettling, "settlement due"); err != nil {
		log.Printf("[scheduler] session %s: settling transition failed: %v", id, err)
		return
	}

	sess, err := s.db.GetSession(ctx, id)
	if err != nil {
		log.Printf("[scheduler] session %s: load for settlement: %v", id, err)
		return
	}

	pending, err := s.db.CountPendingTrades(ctx, id)
	if err != nil {
		log.Printf("[scheduler] session %s: count pending trades: %v", id, err)
		return
	}

	if pending == 0 {
		// Nothing to settle: complete in place, still announce it once.
		if err := s.life.Transition(ctx, id, db.SessionCompleted, "no pending trades"); err != nil {
			log.Printf("[scheduler] session %s: empty-complete transition: %v", id, err)
			return
		}
		if err := s.db.SetProcessingComplete(ctx, id); err != nil {
			log.Printf("[scheduler] session %s: mark processing complete: %v", id, err)
		}
		s.emit(ctx, notify.TargetAll, notify.EventSessionSettled, map[string]any{
			"sessionId":   id,
			"result":      sess.Result,
			"totalTrades": 0,
			"totalWins":   0,
			"totalLosses": 0,
		})
		return
	}

	msg := queue.SettlementMessage{
		ID:         uuid.NewString(),
		SessionID:  id,
		Result:     sess.Result,
		Timestamp:  time.Now().UnixMilli(),
		Source:     "scheduler",
		TradeCount: pending,
	}
	if err := s.settleQ.Publish(ctx, msg); err != nil {
		log.Printf("[scheduler] session %s: publish settlement trigger: %v", id, err)
		return
	}
	log.Printf("[scheduler] session %s: settlement triggered (%d pending trades)", id, pending)
}

// onCleanup finishes the session and drops any leftover timers.
func (s *Service) onCleanup(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if s.life.Status(id) != db.SessionCompleted {
		if err := s.life.Transition(ctx, id, db.SessionCompleted, "cleanup"); err != nil {
			log.Printf("[scheduler] session %s: cleanup transition: %v", id, err)
		}
	}
	if err := s.db.SetSchedulerStatus(ctx, id, schedFinished); err != nil {
		log.Printf("[scheduler] session %s: scheduler status: %v", id, err)
	}

	s.timers.CancelGroup(id)

	s.mu.Lock()
	if s.currentID == id {
		s.currentID = ""
	}
	s.mu.Unlock()

	s.emit(ctx, notify.TargetAll, notify.EventSessionCompleted, map[string]any{"sessionId": id})
}

// Recover re-derives timers for every non-terminal persisted session.
// Runs exactly once at startup, before the generation loop.
func (s *Service) Recover(ctx context.Context) error {
	sessions, err := s.db.ListUnfinishedSessions(ctx)
	if err != nil {
		return fmt.Errorf("list unfinished sessions: %w", err)
	}

	now := time.Now()
	for _, sess := range sessions {
		sess := sess
		s.life.Track(sess.SessionID, sess.Status)
		if sess.TradeWindowOpen {
			if err := s.life.SetTradeWindow(ctx, sess.SessionID, true); err != nil {
				log.Printf("[scheduler] recover %s: restore window flag: %v", sess.SessionID, err)
			}
		}
		if err := s.db.SetSchedulerStatus(ctx, sess.SessionID, schedRecovered); err != nil {
			log.Printf("[scheduler] recover %s: scheduler status: %v", sess.SessionID, err)
		}

		settleAt := sess.SettlementTime
		if settleAt.IsZero() {
			settleAt = sess.EndTime.Add(s.rounds.SettlementDelay)
		}

		switch {
		case now.Before(sess.StartTime):
			s.armTimers(sess.SessionID, sess.StartTime, sess.EndTime, settleAt)
		case now.Before(settleAt):
			if sess.Status == db.SessionPending {
				// Window open instant already passed; fire it synchronously.
				s.timers.ScheduleAt(sess.SessionID, sess.StartTime, func() { s.onWindowOpen(sess.SessionID, sess.EndTime) })
			} else if sess.TradeWindowOpen {
				s.mu.Lock()
				s.currentID = sess.SessionID
				s.currentEnd = sess.EndTime
				s.mu.Unlock()
			}
			s.timers.ScheduleAt(sess.SessionID, settleAt, func() { s.onSettlementDue(sess.SessionID) })
			s.timers.ScheduleAt(sess.SessionID, settleAt.Add(s.rounds.CleanupDelay), func() { s.onCleanup(sess.SessionID) })
		default:
			// Settlement already due: trigger immediately instead of scheduling.
			if sess.Status == db.SessionSettling {
				s.republishSettlement(ctx, sess)
			} else {
				s.timers.ScheduleAt(sess.SessionID, settleAt, func() { s.onSettlementDue(sess.SessionID) })
			}
			s.timers.ScheduleAt(sess.SessionID, settleAt.Add(s.rounds.CleanupDelay), func() { s.onCleanup(sess.SessionID) })
		}
		log.Printf("[scheduler] recovered session %s (status=%s)", sess.SessionID, sess.Status)
	}

	log.Printf("[scheduler] recovery complete: %d session(s)", len(sessions))
	return nil
}

// republishSettlement re-sends the trigger for a session that was already
// SETTLING when the process died. The settlement worker is idempotent, so
// a duplicate trigger is safe.
func (s *Service) republishSettlement(ctx context.Context, sess db.Session) {
	pending, err := s.db.CountPendingTrades(ctx, sess.SessionID)
	if err != nil {
		log.Printf("[scheduler] recover %s: count pending: %v", sess.SessionID, err)
		return
	}
	msg := queue.SettlementMessage{
		ID:         uuid.NewString(),
		SessionID:  sess.SessionID,
		Result:     sess.Result,
		Timestamp:  time.Now().UnixMilli(),
		Source:     "scheduler-recovery",
		TradeCount: pending,
	}
	if err := s.settleQ.Publish(ctx, msg); err != nil {
		log.Printf("[scheduler] recover %s: republish settlement: %v", sess.SessionID, err)
	}
}

// generationLoop keeps exactly one current minute-aligned session alive
// and emits per-second countdown updates for it. One bad cycle never
// halts future cycles.
func (s *Service) generationLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.ensureCurrentSession(ctx); err != nil {
				log.Printf("[scheduler] generation cycle: %v", err)
			}
			s.emitCountdown(ctx)
			cancel()
		}
	}
}

// ensureCurrentSession creates the session for the current minute
// boundary if it does not exist yet. Races between scheduler instances
// resolve through the upsert in StartSession.
func (s *Service) ensureCurrentSession(ctx context.Context) error {
	start := MinuteBoundary(time.Now())
	id := DeriveSessionID(start)
	if s.life.Tracked(id) {
		return nil
	}

	result, err := s.db.GetStagedResult(ctx, id)
	switch {
	case err == nil:
		if err := s.db.DeleteStagedResult(ctx, id); err != nil {
			log.Printf("[scheduler] session %s: clear staged result: %v", id, err)
		}
		log.Printf("[scheduler] session %s: using staged result %s", id, result)
	case errors.Is(err, db.ErrNotFound):
		result = randomResult()
	default:
		return fmt.Errorf("load staged result for %s: %w", id, err)
	}

	return s.StartSession(ctx, id, start, start.Add(s.rounds.SessionDuration), result)
}

// emitCountdown publishes the remaining-time update for the single
// currently trading session only, to bound notification volume.
func (s *Service) emitCountdown(ctx context.Context) {
	s.mu.Lock()
	id, end := s.currentID, s.currentEnd
	s.mu.Unlock()

	if id == "" || !s.life.CanAcceptTrades(id) {
		return
	}
	secondsLeft := int(time.Until(end).Seconds())
	if secondsLeft < 0 {
		secondsLeft = 0
	}
	s.emit(ctx, notify.TargetAll, notify.EventTimerUpdate, map[string]any{
		"sessionId":   id,
		"secondsLeft": secondsLeft,
	})
}

// TimerStats exposes the timer service counters for the ops endpoint.
func (s *Service) TimerStats() (pending int, scheduled, fired, canceled uint64) {
	scheduled, fired, canceled = s.timers.Stats()
	return s.timers.Pending(), scheduled, fired, canceled
}

// CurrentSession reports the session currently accepting trades, if any.
func (s *Service) CurrentSession() (id string, end time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentID, s.currentEnd, s.currentID != ""
}

func (s *Service) emit(ctx context.Context, target, event string, data any) {
	if err := s.sink.Emit(ctx, target, event, data); err != nil {
		log.Printf("[scheduler] emit %s to %s: %v", event, target, err)
	}
}
