package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/vt888Vip/stock-version-2-sub000/internal/lock"
	"github.com/vt888Vip/stock-version-2-sub000/internal/notify"
	"github.com/vt888Vip/stock-version-2-sub000/internal/queue"
	"github.com/vt888Vip/stock-version-2-sub000/pkg/config"
	"github.com/vt888Vip/stock-version-2-sub000/pkg/db"
)

// TradeWorker places orders from the trade queue: it validates the
// session window, reserves the stake under the user's balance lock and
// records the pending trade. Duplicate trade ids are success no-ops that
// still re-emit their notifications.
type TradeWorker struct {
	db     *db.Database
	locks  lock.Locker
	sink   notify.Sink
	rounds config.Rounds
}

// NewTradeWorker wires a trade worker.
func NewTradeWorker(database *db.Database, locks lock.Locker, sink notify.Sink, rounds config.Rounds) *TradeWorker {
	return &TradeWorker{db: database, locks: locks, sink: sink, rounds: rounds}
}

// Process is the queue handler: decode, handle, conclude.
func (w *TradeWorker) Process(ctx context.Context, d *queue.Delivery) {
	var msg queue.TradeMessage
	if err := json.Unmarshal(d.Payload, &msg); err != nil {
		conclude(ctx, d, "trade-worker", fmt.Errorf("%w: %v", ErrMalformed, err))
		return
	}
	conclude(ctx, d, "trade-worker", w.HandleMessage(ctx, msg))
}

// HandleMessage places one trade. Errors are classified with the package
// sentinels so Process can pick the right queue verdict.
func (w *TradeWorker) HandleMessage(ctx context.Context, msg queue.TradeMessage) error {
	direction, err := directionFor(msg)
	if err != nil {
		return err
	}

	sess, err := w.db.GetSession(ctx, msg.SessionID)
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("session %s unknown: %w", msg.SessionID, ErrWindowClosed)
	}
	if err != nil {
		return fmt.Errorf("load session %s: %w", msg.SessionID, err)
	}
	if !windowOpen(sess) {
		return fmt.Errorf("session %s (status %s): %w", sess.SessionID, sess.Status, ErrWindowClosed)
	}

	lockKey := "balance:" + msg.UserID
	ok, err := w.locks.Acquire(ctx, lockKey, w.rounds.UserLockTTL)
	if err != nil {
		return fmt.Errorf("acquire %s: %w", lockKey, err)
	}
	if !ok {
		return fmt.Errorf("lock %s: %w", lockKey, ErrBusy)
	}
	defer func() {
		if _, err := w.locks.Release(context.Background(), lockKey); err != nil {
			log.Printf("[trade-worker] release %s: %v", lockKey, err)
		}
	}()

	tx, err := w.db.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin trade tx: %w", err)
	}
	defer tx.Rollback()

	exists, err := w.db.TradeExistsTx(ctx, tx, msg.TradeID)
	if err != nil {
		return err
	}
	if exists {
		// Redelivered placement. The original already committed, so just
		// re-emit its notifications from stored state.
		tx.Rollback()
		log.Printf("[trade-worker] duplicate trade %s, re-emitting", msg.TradeID)
		return w.notifyPlaced(ctx, msg.TradeID, msg.UserID)
	}

	reserved, err := w.db.ReserveForTradeTx(ctx, tx, msg.UserID, msg.Amount)
	if err != nil {
		return err
	}
	if !reserved {
		return fmt.Errorf("user %s stake %d: %w", msg.UserID, msg.Amount, ErrInsufficientBalance)
	}

	if err := w.db.CreateTradeTx(ctx, tx, db.Trade{
		TradeID:   msg.TradeID,
		UserID:    msg.UserID,
		SessionID: msg.SessionID,
		Direction: direction,
		Amount:    msg.Amount,
	}); err != nil {
		if errors.Is(err, db.ErrDuplicateTrade) {
			tx.Rollback()
			return w.notifyPlaced(ctx, msg.TradeID, msg.UserID)
		}
		return fmt.Errorf("create trade %s: %w", msg.TradeID, err)
	}

	if err := w.db.InsertBalanceChange(ctx, tx, db.BalanceChange{
		UserID:         msg.UserID,
		DeltaAvailable: -msg.Amount,
		DeltaFrozen:    msg.Amount,
		Reason:         "trade:place",
		RefID:          msg.TradeID,
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit trade %s: %w", msg.TradeID, err)
	}

	log.Printf("[trade-worker] placed trade %s: user=%s session=%s %s %d",
		msg.TradeID, msg.UserID, msg.SessionID, direction, msg.Amount)
	return w.notifyPlaced(ctx, msg.TradeID, msg.UserID)
}

// notifyPlaced emits the placement notification set from stored state, so
// the first delivery and a redelivery produce identical events.
func (w *TradeWorker) notifyPlaced(ctx context.Context, tradeID, userID string) error {
	t, err := w.db.GetTrade(ctx, tradeID)
	if err != nil {
		return fmt.Errorf("load trade %s for notify: %w", tradeID, err)
	}

	w.emit(ctx, userID, notify.EventTradePlaced, map[string]any{
		"tradeId":   t.TradeID,
		"sessionId": t.SessionID,
		"direction": t.Direction,
		"amount":    t.Amount,
		"status":    t.Status,
		"createdAt": t.CreatedAt.UnixMilli(),
	})
	w.emit(ctx, userID, notify.EventTradeHistoryUpdated, map[string]any{
		"action":  "add",
		"tradeId": t.TradeID,
	})

	if b, err := w.db.GetBalance(ctx, userID); err == nil {
		payload := map[string]any{
			"userId":    b.UserID,
			"available": b.Available,
			"frozen":    b.Frozen,
		}
		w.emit(ctx, userID, notify.EventBalanceUpdated, payload)
		w.emit(ctx, notify.TargetAdmin, notify.EventBalanceUpdated, payload)
	} else {
		log.Printf("[trade-worker] balance for notify: %v", err)
	}
	return nil
}

func (w *TradeWorker) emit(ctx context.Context, target, event string, data any) {
	if err := w.sink.Emit(ctx, target, event, data); err != nil {
		log.Printf("[trade-worker] emit %s to %s: %v", event, target, err)
	}
}

// directionFor validates the message shape and maps its type onto a
// session direction.
func directionFor(msg queue.TradeMessage) (string, error) {
	if msg.TradeID == "" || msg.UserID == "" || msg.SessionID == "" {
		return "", fmt.Errorf("missing identifiers: %w", ErrMalformed)
	}
	if msg.Action != queue.ActionPlaceTrade {
		return "", fmt.Errorf("action %q: %w", msg.Action, ErrMalformed)
	}
	if msg.Amount <= 0 {
		return "", fmt.Errorf("amount %d: %w", msg.Amount, ErrMalformed)
	}
	switch msg.Type {
	case queue.TradeTypeBuy:
		return db.DirectionUp, nil
	case queue.TradeTypeSell:
		return db.DirectionDown, nil
	default:
		return "", fmt.Errorf("trade type %q: %w", msg.Type, ErrMalformed)
	}
}

// windowOpen checks the persisted trade-window state. The scheduler owns
// the flag; workers only ever read it.
func windowOpen(sess *db.Session) bool {
	if !sess.TradeWindowOpen {
		return false
	}
	if sess.Status != db.SessionActive && sess.Status != db.SessionTrading {
		return false
	}
	// The flag can go stale across scheduler downtime; end_time bounds it.
	return time.Now().Before(sess.EndTime)
}
