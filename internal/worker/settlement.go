package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/vt888Vip/stock-version-2-sub000/internal/lock"
	"github.com/vt888Vip/stock-version-2-sub000/internal/notify"
	"github.com/vt888Vip/stock-version-2-sub000/internal/queue"
	"github.com/vt888Vip/stock-version-2-sub000/pkg/config"
	"github.com/vt888Vip/stock-version-2-sub000/pkg/db"
)

// SettlementWorker resolves every pending trade of a session against its
// outcome. Settlement runs in two phases: one transaction resolves all
// trades and writes the session aggregates, then each trade's outcome is
// applied to its user's balance in its own small transaction guarded by
// the per-trade applied flag. A crash between the phases is healed by
// redelivery; nothing is ever applied twice.
type SettlementWorker struct {
	db      *db.Database
	locks   lock.Locker
	sink    notify.Sink
	rounds  config.Rounds
	history *notify.Batcher
}

// NewSettlementWorker wires a settlement worker. Per-trade history
// updates go through a batcher so a large session produces one event per
// user instead of one per trade.
func NewSettlementWorker(database *db.Database, locks lock.Locker, sink notify.Sink, rounds config.Rounds) *SettlementWorker {
	w := &SettlementWorker{db: database, locks: locks, sink: sink, rounds: rounds}
	w.history = notify.NewBatcher(50, time.Second, func(key string, items []any) {
		target, event := notify.SplitBatchKey(key)
		w.emit(context.Background(), target, event, map[string]any{"action": "update", "trades": items})
	})
	return w
}

// Process is the queue handler: decode, handle, conclude.
func (w *SettlementWorker) Process(ctx context.Context, d *queue.Delivery) {
	var msg queue.SettlementMessage
	if err := json.Unmarshal(d.Payload, &msg); err != nil {
		conclude(ctx, d, "settlement-worker", fmt.Errorf("%w: %v", ErrMalformed, err))
		return
	}
	conclude(ctx, d, "settlement-worker", w.HandleMessage(ctx, msg))
}

// HandleMessage settles one session end to end.
func (w *SettlementWorker) HandleMessage(ctx context.Context, msg queue.SettlementMessage) error {
	if msg.SessionID == "" {
		return fmt.Errorf("empty session id: %w", ErrMalformed)
	}

	sess, err := w.db.GetSession(ctx, msg.SessionID)
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("session %s unknown: %w", msg.SessionID, ErrMalformed)
	}
	if err != nil {
		return fmt.Errorf("load session %s: %w", msg.SessionID, err)
	}

	result := sess.Result
	if result == "" {
		result = msg.Result
	}
	if result != db.DirectionUp && result != db.DirectionDown {
		return fmt.Errorf("session %s has no valid outcome: %w", msg.SessionID, ErrMalformed)
	}

	if sess.ProcessingComplete {
		// Fully processed before; only the notifications may have been
		// lost, so replay them and acknowledge.
		log.Printf("[settlement-worker] session %s already complete, re-emitting", msg.SessionID)
		return w.notifySettled(ctx, sess)
	}

	lockKey := "settle:" + msg.SessionID
	ok, err := w.locks.Acquire(ctx, lockKey, w.rounds.SettleLockTTL)
	if err != nil {
		return fmt.Errorf("acquire %s: %w", lockKey, err)
	}
	if !ok {
		return fmt.Errorf("lock %s: %w", lockKey, ErrBusy)
	}
	defer func() {
		if _, err := w.locks.Release(context.Background(), lockKey); err != nil {
			log.Printf("[settlement-worker] release %s: %v", lockKey, err)
		}
	}()

	// Another worker may have finished while we waited on the lock.
	sess, err = w.db.GetSession(ctx, msg.SessionID)
	if err != nil {
		return fmt.Errorf("reload session %s: %w", msg.SessionID, err)
	}
	if sess.ProcessingComplete {
		return w.notifySettled(ctx, sess)
	}

	if err := w.resolveTrades(ctx, sess.SessionID, result); err != nil {
		return err
	}

	// Phase two: apply each resolved trade to its user's balance, at most
	// once per trade.
	settled, err := w.db.ListSettledTrades(ctx, sess.SessionID)
	if err != nil {
		return fmt.Errorf("list settled trades for %s: %w", sess.SessionID, err)
	}
	applied := 0
	for _, t := range settled {
		if t.AppliedToBalance {
			continue
		}
		ok, err := w.db.ApplyTradeToBalance(ctx, t)
		if err != nil {
			return fmt.Errorf("apply trade %s: %w", t.TradeID, err)
		}
		if ok {
			applied++
		}
	}

	sess, err = w.db.GetSession(ctx, msg.SessionID)
	if err != nil {
		return fmt.Errorf("reload session %s: %w", msg.SessionID, err)
	}
	if err := w.notifySettled(ctx, sess); err != nil {
		return err
	}

	if err := w.db.SetProcessingComplete(ctx, sess.SessionID); err != nil {
		return fmt.Errorf("mark %s processing complete: %w", sess.SessionID, err)
	}

	log.Printf("[settlement-worker] session %s settled: result=%s trades=%d applied=%d wins=%d losses=%d",
		sess.SessionID, result, sess.TotalTrades, applied, sess.TotalWins, sess.TotalLosses)
	return nil
}

// resolveTrades marks every pending trade won or lost and writes the
// session aggregates, all in one transaction. A session whose trades were
// already resolved (crash between phases) commits a no-op.
func (w *SettlementWorker) resolveTrades(ctx context.Context, sessionID, result string) error {
	tx, err := w.db.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin settlement tx: %w", err)
	}
	defer tx.Rollback()

	pending, err := w.db.ListPendingTradesTx(ctx, tx, sessionID)
	if err != nil {
		return fmt.Errorf("list pending trades: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	var agg db.SessionAggregates
	for _, t := range pending {
		var (
			outcome string
			profit  int64
		)
		if t.Direction == result {
			outcome = db.ResultWin
			profit = winProfit(t.Amount, w.rounds.PayoutRatio)
			agg.TotalWins++
			agg.TotalWinAmount += t.Amount
		} else {
			outcome = db.ResultLose
			profit = -t.Amount
			agg.TotalLosses++
			agg.TotalLossAmount += t.Amount
		}
		agg.TotalTrades++

		if err := w.db.MarkTradeSettledTx(ctx, tx, t.TradeID, outcome, profit); err != nil {
			return fmt.Errorf("settle trade %s: %w", t.TradeID, err)
		}
	}

	if err := w.db.MarkSessionSettledTx(ctx, tx, sessionID, agg); err != nil {
		return fmt.Errorf("write session aggregates: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit settlement tx: %w", err)
	}
	return nil
}

// notifySettled emits the complete settlement notification sequence from
// stored state: per-user batches plus the session broadcast. Safe to call
// any number of times.
func (w *SettlementWorker) notifySettled(ctx context.Context, sess *db.Session) error {
	settled, err := w.db.ListSettledTrades(ctx, sess.SessionID)
	if err != nil {
		return fmt.Errorf("list settled trades for notify: %w", err)
	}

	byUser := make(map[string][]db.Trade)
	for _, t := range settled {
		byUser[t.UserID] = append(byUser[t.UserID], t)
	}

	for userID, trades := range byUser {
		items := make([]map[string]any, 0, len(trades))
		for _, t := range trades {
			items = append(items, map[string]any{
				"tradeId":   t.TradeID,
				"direction": t.Direction,
				"amount":    t.Amount,
				"result":    t.Result,
				"profit":    t.Profit,
			})
			w.history.Enqueue(notify.BatchKey(userID, notify.EventTradeHistoryUpdated), t.TradeID)
		}
		w.emit(ctx, userID, notify.EventTradesBatchDone, map[string]any{
			"sessionId": sess.SessionID,
			"result":    sess.Result,
			"trades":    items,
		})

		if b, err := w.db.GetBalance(ctx, userID); err == nil {
			w.emit(ctx, userID, notify.EventBalanceUpdated, map[string]any{
				"userId":    b.UserID,
				"available": b.Available,
				"frozen":    b.Frozen,
			})
		} else {
			log.Printf("[settlement-worker] balance for notify: %v", err)
		}
	}

	w.history.FlushAll()

	w.emit(ctx, notify.TargetAll, notify.EventSessionSettled, map[string]any{
		"sessionId":       sess.SessionID,
		"result":          sess.Result,
		"totalTrades":     sess.TotalTrades,
		"totalWins":       sess.TotalWins,
		"totalLosses":     sess.TotalLosses,
		"totalWinAmount":  sess.TotalWinAmount,
		"totalLossAmount": sess.TotalLossAmount,
		"settledAt":       time.Now().UnixMilli(),
	})
	return nil
}

func (w *SettlementWorker) emit(ctx context.Context, target, event string, data any) {
	if err := w.sink.Emit(ctx, target, event, data); err != nil {
		log.Printf("[settlement-worker] emit %s to %s: %v", event, target, err)
	}
}

// winProfit computes the profit on a winning stake, rounded down to the
// smallest currency unit.
func winProfit(stake int64, ratio float64) int64 {
	return int64(math.Floor(float64(stake) * ratio))
}
