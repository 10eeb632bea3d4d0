package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vt888Vip/stock-version-2-sub000/internal/lock"
	"github.com/vt888Vip/stock-version-2-sub000/internal/notify"
	"github.com/vt888Vip/stock-version-2-sub000/internal/queue"
	"github.com/vt888Vip/stock-version-2-sub000/pkg/config"
	"github.com/vt888Vip/stock-version-2-sub000/pkg/db"
)

type recordedEvent struct {
	Target string
	Event  string
	Data   any
}

type recordSink struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (s *recordSink) Emit(_ context.Context, target, event string, data any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, recordedEvent{Target: target, Event: event, Data: data})
	return nil
}

func (s *recordSink) count(target, event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Target == target && e.Event == event {
			n++
		}
	}
	return n
}

func newTestDB(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatal(err)
	}
	return database
}

func seedTradingSession(t *testing.T, database *db.Database, id string) {
	t.Helper()
	ctx := context.Background()
	if _, err := database.UpsertSession(ctx, db.Session{
		SessionID: id,
		StartTime: time.Now().Add(-10 * time.Second),
		EndTime:   time.Now().Add(50 * time.Second),
		Status:    db.SessionPending,
		Result:    db.DirectionUp,
	}); err != nil {
		t.Fatal(err)
	}
	if err := database.SetSessionStatus(ctx, id, db.SessionTrading); err != nil {
		t.Fatal(err)
	}
	if err := database.SetTradeWindow(ctx, id, true); err != nil {
		t.Fatal(err)
	}
}

func seedBalance(t *testing.T, database *db.Database, userID string, available, frozen int64) {
	t.Helper()
	if err := database.UpsertBalance(context.Background(), db.Balance{
		UserID:    userID,
		Available: available,
		Frozen:    frozen,
		Active:    true,
	}); err != nil {
		t.Fatal(err)
	}
}

func placeMessage(tradeID, userID, sessionID string, amount int64) queue.TradeMessage {
	return queue.TradeMessage{
		TradeID:   tradeID,
		UserID:    userID,
		SessionID: sessionID,
		Amount:    amount,
		Type:      queue.TradeTypeBuy,
		Action:    queue.ActionPlaceTrade,
		Timestamp: time.Now().UnixMilli(),
	}
}

func TestTradeWorkerPlacesTrade(t *testing.T) {
	database := newTestDB(t)
	sink := &recordSink{}
	w := NewTradeWorker(database, lock.NewMemoryLocker(), sink, config.DefaultRounds())
	ctx := context.Background()

	seedTradingSession(t, database, "202501010000")
	seedBalance(t, database, "u-1", 500000, 0)

	if err := w.HandleMessage(ctx, placeMessage("t-1", "u-1", "202501010000", 100000)); err != nil {
		t.Fatal(err)
	}

	trade, err := database.GetTrade(ctx, "t-1")
	if err != nil {
		t.Fatal(err)
	}
	if trade.Status != db.TradePending {
		t.Fatalf("trade status = %q, want PENDING", trade.Status)
	}
	if trade.Direction != db.DirectionUp {
		t.Fatalf("buy should map to UP, got %q", trade.Direction)
	}

	b, err := database.GetBalance(ctx, "u-1")
	if err != nil {
		t.Fatal(err)
	}
	if b.Available != 400000 || b.Frozen != 100000 {
		t.Fatalf("balance after reserve = %d/%d, want 400000/100000", b.Available, b.Frozen)
	}

	if sink.count("u-1", notify.EventTradePlaced) != 1 {
		t.Fatal("trade placed event missing")
	}
	if sink.count("u-1", notify.EventBalanceUpdated) != 1 {
		t.Fatal("balance updated event missing")
	}
	if sink.count(notify.TargetAdmin, notify.EventBalanceUpdated) != 1 {
		t.Fatal("admin balance event missing")
	}
}

func TestTradeWorkerDuplicateIsNoOp(t *testing.T) {
	database := newTestDB(t)
	sink := &recordSink{}
	w := NewTradeWorker(database, lock.NewMemoryLocker(), sink, config.DefaultRounds())
	ctx := context.Background()

	seedTradingSession(t, database, "202501010000")
	seedBalance(t, database, "u-1", 500000, 0)

	msg := placeMessage("t-1", "u-1", "202501010000", 100000)
	if err := w.HandleMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}
	// Redelivery of the same message must not reserve a second stake.
	if err := w.HandleMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}

	b, err := database.GetBalance(ctx, "u-1")
	if err != nil {
		t.Fatal(err)
	}
	if b.Available != 400000 || b.Frozen != 100000 {
		t.Fatalf("duplicate reserved twice: %d/%d", b.Available, b.Frozen)
	}

	// Notifications are re-emitted for the redelivery.
	if sink.count("u-1", notify.EventTradePlaced) != 2 {
		t.Fatalf("expected 2 trade placed events, got %d", sink.count("u-1", notify.EventTradePlaced))
	}
}

func TestTradeWorkerInsufficientBalance(t *testing.T) {
	database := newTestDB(t)
	sink := &recordSink{}
	w := NewTradeWorker(database, lock.NewMemoryLocker(), sink, config.DefaultRounds())
	ctx := context.Background()

	seedTradingSession(t, database, "202501010000")
	seedBalance(t, database, "u-1", 50000, 0)

	err := w.HandleMessage(ctx, placeMessage("t-1", "u-1", "202501010000", 100000))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	// Nothing committed: no trade, untouched balance.
	if _, err := database.GetTrade(ctx, "t-1"); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("trade should not exist, got %v", err)
	}
	b, err := database.GetBalance(ctx, "u-1")
	if err != nil {
		t.Fatal(err)
	}
	if b.Available != 50000 || b.Frozen != 0 {
		t.Fatalf("balance changed on rejected trade: %d/%d", b.Available, b.Frozen)
	}
}

func TestTradeWorkerWindowClosed(t *testing.T) {
	database := newTestDB(t)
	w := NewTradeWorker(database, lock.NewMemoryLocker(), &recordSink{}, config.DefaultRounds())
	ctx := context.Background()

	if _, err := database.UpsertSession(ctx, db.Session{
		SessionID: "202501010000",
		StartTime: time.Now().Add(-2 * time.Minute),
		EndTime:   time.Now().Add(-time.Minute),
		Status:    db.SessionSettling,
		Result:    db.DirectionUp,
	}); err != nil {
		t.Fatal(err)
	}
	seedBalance(t, database, "u-1", 500000, 0)

	err := w.HandleMessage(ctx, placeMessage("t-1", "u-1", "202501010000", 100000))
	if !errors.Is(err, ErrWindowClosed) {
		t.Fatalf("expected ErrWindowClosed, got %v", err)
	}
}

func TestTradeWorkerUnknownSession(t *testing.T) {
	database := newTestDB(t)
	w := NewTradeWorker(database, lock.NewMemoryLocker(), &recordSink{}, config.DefaultRounds())

	err := w.HandleMessage(context.Background(), placeMessage("t-1", "u-1", "209901010000", 100000))
	if !errors.Is(err, ErrWindowClosed) {
		t.Fatalf("expected ErrWindowClosed for unknown session, got %v", err)
	}
}

func TestTradeWorkerBalanceLockBusy(t *testing.T) {
	database := newTestDB(t)
	locks := lock.NewMemoryLocker()
	w := NewTradeWorker(database, locks, &recordSink{}, config.DefaultRounds())
	ctx := context.Background()

	seedTradingSession(t, database, "202501010000")
	seedBalance(t, database, "u-1", 500000, 0)

	// Someone else holds the user's balance lock.
	if ok, _ := locks.Acquire(ctx, "balance:u-1", time.Minute); !ok {
		t.Fatal("setup: could not pre-acquire lock")
	}

	err := w.HandleMessage(ctx, placeMessage("t-1", "u-1", "202501010000", 100000))
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestTradeWorkerMalformedMessages(t *testing.T) {
	w := NewTradeWorker(newTestDB(t), lock.NewMemoryLocker(), &recordSink{}, config.DefaultRounds())
	ctx := context.Background()

	cases := []struct {
		name string
		msg  queue.TradeMessage
	}{
		{"bad type", func() queue.TradeMessage {
			m := placeMessage("t-1", "u-1", "202501010000", 100000)
			m.Type = "hold"
			return m
		}()},
		{"bad action", func() queue.TradeMessage {
			m := placeMessage("t-1", "u-1", "202501010000", 100000)
			m.Action = "cancel-trade"
			return m
		}()},
		{"zero amount", placeMessage("t-1", "u-1", "202501010000", 0)},
		{"missing user", placeMessage("t-1", "", "202501010000", 100000)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := w.HandleMessage(ctx, tc.msg); !errors.Is(err, ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v", err)
			}
		})
	}
}
