package db

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	d, err := New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })
	if err := ApplyMigrations(d); err != nil {
		t.Fatal(err)
	}
	return d
}

func mustTx(t *testing.T, d *Database) *sql.Tx {
	t.Helper()
	tx, err := d.DB.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return tx
}

func TestUpsertSessionIdempotent(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	s := Session{
		SessionID: "202501010000",
		StartTime: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2025, 1, 1, 0, 1, 0, 0, time.UTC),
		Status:    SessionPending,
		Result:    DirectionUp,
	}

	created, err := d.UpsertSession(ctx, s)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("first upsert should create")
	}

	// Second upsert must not overwrite the stored outcome.
	s.Result = DirectionDown
	created, err = d.UpsertSession(ctx, s)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("second upsert should be a no-op")
	}

	got, err := d.GetSession(ctx, s.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Result != DirectionUp {
		t.Fatalf("result = %q, want UP", got.Result)
	}
}

func TestReserveForTrade(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	if err := d.UpsertBalance(ctx, Balance{UserID: "u-1", Available: 300000, Active: true}); err != nil {
		t.Fatal(err)
	}

	t.Run("moves stake between buckets", func(t *testing.T) {
		tx := mustTx(t, d)
		reserved, err := d.ReserveForTradeTx(ctx, tx, "u-1", 100000)
		if err != nil {
			t.Fatal(err)
		}
		if !reserved {
			t.Fatal("reserve should succeed")
		}
		if err := tx.Commit(); err != nil {
			t.Fatal(err)
		}

		b, err := d.GetBalance(ctx, "u-1")
		if err != nil {
			t.Fatal(err)
		}
		if b.Available != 200000 || b.Frozen != 100000 {
			t.Fatalf("balance = %d/%d, want 200000/100000", b.Available, b.Frozen)
		}
		// Total holdings are conserved.
		if b.Available+b.Frozen != 300000 {
			t.Fatalf("holdings changed: %d", b.Available+b.Frozen)
		}
	})

	t.Run("rejects insufficient available", func(t *testing.T) {
		tx := mustTx(t, d)
		defer tx.Rollback()
		reserved, err := d.ReserveForTradeTx(ctx, tx, "u-1", 999999)
		if err != nil {
			t.Fatal(err)
		}
		if reserved {
			t.Fatal("reserve should fail on insufficient balance")
		}
	})

	t.Run("rejects inactive account", func(t *testing.T) {
		if err := d.UpsertBalance(ctx, Balance{UserID: "u-frozen", Available: 500000, Active: false}); err != nil {
			t.Fatal(err)
		}
		tx := mustTx(t, d)
		defer tx.Rollback()
		reserved, err := d.ReserveForTradeTx(ctx, tx, "u-frozen", 100000)
		if err != nil {
			t.Fatal(err)
		}
		if reserved {
			t.Fatal("reserve should fail for inactive account")
		}
	})

	t.Run("rejects bet-locked account", func(t *testing.T) {
		if err := d.UpsertBalance(ctx, Balance{UserID: "u-locked", Available: 500000, Active: true, BetLocked: true}); err != nil {
			t.Fatal(err)
		}
		tx := mustTx(t, d)
		defer tx.Rollback()
		reserved, err := d.ReserveForTradeTx(ctx, tx, "u-locked", 100000)
		if err != nil {
			t.Fatal(err)
		}
		if reserved {
			t.Fatal("reserve should fail for bet-locked account")
		}
	})
}

func TestCreateTradeDuplicate(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	trade := Trade{TradeID: "t-1", UserID: "u-1", SessionID: "202501010000", Direction: DirectionUp, Amount: 100000}

	tx := mustTx(t, d)
	if err := d.CreateTradeTx(ctx, tx, trade); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	tx = mustTx(t, d)
	defer tx.Rollback()
	if err := d.CreateTradeTx(ctx, tx, trade); !errors.Is(err, ErrDuplicateTrade) {
		t.Fatalf("expected ErrDuplicateTrade, got %v", err)
	}
}

func TestMarkTradeSettledOnlyOnce(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	tx := mustTx(t, d)
	if err := d.CreateTradeTx(ctx, tx, Trade{TradeID: "t-1", UserID: "u-1", SessionID: "s", Direction: DirectionUp, Amount: 1000}); err != nil {
		t.Fatal(err)
	}
	if err := d.MarkTradeSettledTx(ctx, tx, "t-1", ResultWin, 900); err != nil {
		t.Fatal(err)
	}
	// Second resolution attempt hits the status guard and changes nothing.
	if err := d.MarkTradeSettledTx(ctx, tx, "t-1", ResultLose, -1000); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	got, err := d.GetTrade(ctx, "t-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Result != ResultWin || got.Profit != 900 {
		t.Fatalf("trade = %q/%d, want win/900", got.Result, got.Profit)
	}
	if got.SettledAt.IsZero() {
		t.Fatal("settled_at not recorded")
	}
}

func TestApplyTradeToBalance(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	seed := func(t *testing.T, user string, frozen int64, trade Trade) Trade {
		t.Helper()
		if err := d.UpsertBalance(ctx, Balance{UserID: user, Available: 0, Frozen: frozen, Active: true}); err != nil {
			t.Fatal(err)
		}
		tx := mustTx(t, d)
		if err := d.CreateTradeTx(ctx, tx, trade); err != nil {
			t.Fatal(err)
		}
		if err := d.MarkTradeSettledTx(ctx, tx, trade.TradeID, trade.Result, trade.Profit); err != nil {
			t.Fatal(err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatal(err)
		}
		got, err := d.GetTrade(ctx, trade.TradeID)
		if err != nil {
			t.Fatal(err)
		}
		return *got
	}

	t.Run("win credits stake plus profit", func(t *testing.T) {
		tr := seed(t, "u-win", 100000, Trade{
			TradeID: "t-win", UserID: "u-win", SessionID: "s", Direction: DirectionUp,
			Amount: 100000, Result: ResultWin, Profit: 90000,
		})

		applied, err := d.ApplyTradeToBalance(ctx, tr)
		if err != nil {
			t.Fatal(err)
		}
		if !applied {
			t.Fatal("first apply should report true")
		}

		b, err := d.GetBalance(ctx, "u-win")
		if err != nil {
			t.Fatal(err)
		}
		if b.Available != 190000 || b.Frozen != 0 {
			t.Fatalf("balance = %d/%d, want 190000/0", b.Available, b.Frozen)
		}
	})

	t.Run("loss releases the frozen stake", func(t *testing.T) {
		tr := seed(t, "u-lose", 200000, Trade{
			TradeID: "t-lose", UserID: "u-lose", SessionID: "s", Direction: DirectionDown,
			Amount: 200000, Result: ResultLose, Profit: -200000,
		})

		applied, err := d.ApplyTradeToBalance(ctx, tr)
		if err != nil {
			t.Fatal(err)
		}
		if !applied {
			t.Fatal("first apply should report true")
		}

		b, err := d.GetBalance(ctx, "u-lose")
		if err != nil {
			t.Fatal(err)
		}
		if b.Available != 0 || b.Frozen != 0 {
			t.Fatalf("balance = %d/%d, want 0/0", b.Available, b.Frozen)
		}
	})

	t.Run("second apply is a no-op", func(t *testing.T) {
		tr, err := d.GetTrade(ctx, "t-win")
		if err != nil {
			t.Fatal(err)
		}
		applied, err := d.ApplyTradeToBalance(ctx, *tr)
		if err != nil {
			t.Fatal(err)
		}
		if applied {
			t.Fatal("second apply must report false")
		}

		b, err := d.GetBalance(ctx, "u-win")
		if err != nil {
			t.Fatal(err)
		}
		if b.Available != 190000 {
			t.Fatalf("balance changed on duplicate apply: %d", b.Available)
		}
	})

	t.Run("writes an audit row", func(t *testing.T) {
		var n int
		err := d.DB.QueryRowContext(ctx, `
			SELECT COUNT(1) FROM balance_changes WHERE user_id = ? AND ref_id = ?
		`, "u-win", "t-win").Scan(&n)
		if err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Fatalf("expected exactly 1 audit row, got %d", n)
		}
	})

	t.Run("pending trade is not applied", func(t *testing.T) {
		if err := d.UpsertBalance(ctx, Balance{UserID: "u-pend", Frozen: 1000, Active: true}); err != nil {
			t.Fatal(err)
		}
		tx := mustTx(t, d)
		if err := d.CreateTradeTx(ctx, tx, Trade{TradeID: "t-pend", UserID: "u-pend", SessionID: "s", Direction: DirectionUp, Amount: 1000}); err != nil {
			t.Fatal(err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatal(err)
		}

		tr, err := d.GetTrade(ctx, "t-pend")
		if err != nil {
			t.Fatal(err)
		}
		applied, err := d.ApplyTradeToBalance(ctx, *tr)
		if err != nil {
			t.Fatal(err)
		}
		if applied {
			t.Fatal("pending trade must not be applied")
		}
	})
}

func TestStagedResults(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	if _, err := d.GetStagedResult(ctx, "202501010000"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := d.StageResult(ctx, "202501010000", DirectionUp); err != nil {
		t.Fatal(err)
	}
	// Restaging replaces the outcome.
	if err := d.StageResult(ctx, "202501010000", DirectionDown); err != nil {
		t.Fatal(err)
	}

	got, err := d.GetStagedResult(ctx, "202501010000")
	if err != nil {
		t.Fatal(err)
	}
	if got != DirectionDown {
		t.Fatalf("staged result = %q, want DOWN", got)
	}

	if err := d.DeleteStagedResult(ctx, "202501010000"); err != nil {
		t.Fatal(err)
	}
	if _, err := d.GetStagedResult(ctx, "202501010000"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestListUnfinishedSessions(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	mk := func(id, status string, start time.Time) {
		if _, err := d.UpsertSession(ctx, Session{
			SessionID: id, StartTime: start, EndTime: start.Add(time.Minute), Status: SessionPending,
		}); err != nil {
			t.Fatal(err)
		}
		if status != SessionPending {
			if err := d.SetSessionStatus(ctx, id, status); err != nil {
				t.Fatal(err)
			}
		}
	}

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	mk("202501010000", SessionCompleted, base)
	mk("202501010001", SessionSettling, base.Add(time.Minute))
	mk("202501010002", SessionTrading, base.Add(2*time.Minute))

	got, err := d.ListUnfinishedSessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 unfinished sessions, got %d", len(got))
	}
	// Oldest first.
	if got[0].SessionID != "202501010001" || got[1].SessionID != "202501010002" {
		t.Fatalf("unexpected order: %s, %s", got[0].SessionID, got[1].SessionID)
	}
}
