// Package db persists sessions, trades and user balances for the
// settlement pipeline. Balance mutations are conditional single-statement
// updates so they stay atomic even outside an explicit transaction.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound       = errors.New("record not found")
	ErrDuplicateTrade = errors.New("trade id already exists")
)

// Querier is satisfied by both *sql.DB and *sql.Tx so the same statements
// can run inside or outside a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// IsUniqueViolation reports whether err came from a primary-key or unique
// constraint failure.
func IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// ----------------------------------------
// Session queries
// ----------------------------------------

const sessionColumns = `session_id, start_time, end_time, status, result, scheduler_status,
	trade_window_open, settlement_scheduled, settlement_time, processing_complete,
	total_trades, total_wins, total_losses, total_win_amount, total_loss_amount,
	created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var (
		s              Session
		settlementTime sql.NullTime
	)
	err := row.Scan(&s.SessionID, &s.StartTime, &s.EndTime, &s.Status, &s.Result,
		&s.SchedulerStatus, &s.TradeWindowOpen, &s.SettlementScheduled, &settlementTime,
		&s.ProcessingComplete, &s.TotalTrades, &s.TotalWins, &s.TotalLosses,
		&s.TotalWinAmount, &s.TotalLossAmount, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	if settlementTime.Valid {
		s.SettlementTime = settlementTime.Time
	}
	return &s, nil
}

// UpsertSession creates the session row if it does not exist yet. A
// duplicate creation is a no-op success; created reports whether the row
// was actually inserted.
func (d *Database) UpsertSession(ctx context.Context, s Session) (created bool, err error) {
	now := time.Now().UTC()
	res, err := d.DB.ExecContext(ctx, `
		INSERT INTO sessions (session_id, start_time, end_time, status, result, scheduler_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO NOTHING
	`, s.SessionID, s.StartTime.UTC(), s.EndTime.UTC(), s.Status, s.Result, s.SchedulerStatus, now, now)
	if err != nil {
		return false, fmt.Errorf("upsert session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetSession loads one session by id.
func (d *Database) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	return getSession(ctx, d.DB, sessionID)
}

func getSession(ctx context.Context, q Querier, sessionID string) (*Session, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID)
	return scanSession(row)
}

// ListUnfinishedSessions returns every session not yet in a terminal
// status, ordered oldest first; used by scheduler recovery.
func (d *Database) ListUnfinishedSessions(ctx context.Context) ([]Session, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE status != ?
		ORDER BY start_time ASC
	`, SessionCompleted)
	if err != nil {
		return nil, fmt.Errorf("query unfinished sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

// SetSessionStatus persists a lifecycle transition.
func (d *Database) SetSessionStatus(ctx context.Context, sessionID, status string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE sessions SET status = ?, updated_at = ? WHERE session_id = ?
	`, status, time.Now().UTC(), sessionID)
	return err
}

// SetSchedulerStatus persists the scheduler-internal status.
func (d *Database) SetSchedulerStatus(ctx context.Context, sessionID, status string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE sessions SET scheduler_status = ?, updated_at = ? WHERE session_id = ?
	`, status, time.Now().UTC(), sessionID)
	return err
}

// SetTradeWindow flips the trade-window-open flag.
func (d *Database) SetTradeWindow(ctx context.Context, sessionID string, open bool) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE sessions SET trade_window_open = ?, updated_at = ? WHERE session_id = ?
	`, open, time.Now().UTC(), sessionID)
	return err
}

// SetSettlementSchedule records that settlement has been armed for at.
func (d *Database) SetSettlementSchedule(ctx context.Context, sessionID string, at time.Time) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE sessions SET settlement_scheduled = 1, settlement_time = ?, updated_at = ? WHERE session_id = ?
	`, at.UTC(), time.Now().UTC(), sessionID)
	return err
}

// MarkSessionSettledTx writes the aggregate counters and the COMPLETED
// status inside the settlement transaction. processing_complete stays
// untouched; it is only set after notifications go out.
func (d *Database) MarkSessionSettledTx(ctx context.Context, tx *sql.Tx, sessionID string, agg SessionAggregates) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE sessions
		SET status = ?, total_trades = ?, total_wins = ?, total_losses = ?,
		    total_win_amount = ?, total_loss_amount = ?, updated_at = ?
		WHERE session_id = ?
	`, SessionCompleted, agg.TotalTrades, agg.TotalWins, agg.TotalLosses,
		agg.TotalWinAmount, agg.TotalLossAmount, time.Now().UTC(), sessionID)
	return err
}

// SetProcessingComplete marks the session's idempotency flag.
func (d *Database) SetProcessingComplete(ctx context.Context, sessionID string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE sessions SET processing_complete = 1, updated_at = ? WHERE session_id = ?
	`, time.Now().UTC(), sessionID)
	return err
}

// ----------------------------------------
// Trade queries
// ----------------------------------------

const tradeColumns = `trade_id, user_id, session_id, direction, amount, status, result,
	profit, applied_to_balance, created_at, settled_at`

func scanTrade(row interface{ Scan(...any) error }) (*Trade, error) {
	var (
		t         Trade
		settledAt sql.NullTime
	)
	err := row.Scan(&t.TradeID, &t.UserID, &t.SessionID, &t.Direction, &t.Amount,
		&t.Status, &t.Result, &t.Profit, &t.AppliedToBalance, &t.CreatedAt, &settledAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan trade: %w", err)
	}
	if settledAt.Valid {
		t.SettledAt = settledAt.Time
	}
	return &t, nil
}

// TradeExistsTx reports whether a trade id is already stored.
func (d *Database) TradeExistsTx(ctx context.Context, tx *sql.Tx, tradeID string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM trades WHERE trade_id = ?`, tradeID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("trade exists: %w", err)
	}
	return n > 0, nil
}

// CreateTradeTx inserts a pending trade. A duplicate id surfaces as
// ErrDuplicateTrade via the primary-key constraint.
func (d *Database) CreateTradeTx(ctx context.Context, tx *sql.Tx, t Trade) error {
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO trades (trade_id, user_id, session_id, direction, amount, status, applied_to_balance, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
	`, t.TradeID, t.UserID, t.SessionID, t.Direction, t.Amount, TradePending, createdAt)
	if IsUniqueViolation(err) {
		return ErrDuplicateTrade
	}
	return err
}

// CountPendingTrades returns how many trades in a session still await
// settlement.
func (d *Database) CountPendingTrades(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := d.DB.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM trades WHERE session_id = ? AND status = ?
	`, sessionID, TradePending).Scan(&n)
	return n, err
}

// ListPendingTradesTx loads the session's pending trades inside the
// settlement transaction.
func (d *Database) ListPendingTradesTx(ctx context.Context, tx *sql.Tx, sessionID string) ([]Trade, error) {
	return listTrades(ctx, tx, sessionID, TradePending)
}

// ListSettledTrades loads the session's completed trades; used by the
// idempotent re-emit path and the post-commit balance application loop.
func (d *Database) ListSettledTrades(ctx context.Context, sessionID string) ([]Trade, error) {
	return listTrades(ctx, d.DB, sessionID, TradeCompleted)
}

func listTrades(ctx context.Context, q Querier, sessionID, status string) ([]Trade, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE session_id = ? AND status = ?
		ORDER BY created_at ASC
	`, sessionID, status)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var trades []Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

// GetTrade loads one trade by id.
func (d *Database) GetTrade(ctx context.Context, tradeID string) (*Trade, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE trade_id = ?`, tradeID)
	return scanTrade(row)
}

// MarkTradeSettledTx resolves a pending trade with its computed result.
// A trade can be resolved at most once; the status guard makes a second
// attempt a no-op.
func (d *Database) MarkTradeSettledTx(ctx context.Context, tx *sql.Tx, tradeID, result string, profit int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE trades SET status = ?, result = ?, profit = ?, settled_at = ?
		WHERE trade_id = ? AND status = ?
	`, TradeCompleted, result, profit, time.Now().UTC(), tradeID, TradePending)
	return err
}

// ApplyTradeToBalance applies one settled trade's outcome to the user's
// balance exactly once, using the profit recorded at resolution time. The
// applied_to_balance flag is flipped inside the same transaction as the
// balance mutation and the audit row, so a redelivered settlement message
// finds applied=false and skips the trade.
func (d *Database) ApplyTradeToBalance(ctx context.Context, t Trade) (applied bool, err error) {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("apply trade %s: begin: %w", t.TradeID, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE trades SET applied_to_balance = 1
		WHERE trade_id = ? AND applied_to_balance = 0 AND status = ?
	`, t.TradeID, TradeCompleted)
	if err != nil {
		return false, fmt.Errorf("apply trade %s: flag: %w", t.TradeID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	now := time.Now().UTC()
	change := BalanceChange{UserID: t.UserID, RefID: t.TradeID, CreatedAt: now}

	if t.Result == ResultWin {
		payout := t.Amount + t.Profit
		res, err = tx.ExecContext(ctx, `
			UPDATE balances
			SET frozen = frozen - ?, available = available + ?, updated_at = ?
			WHERE user_id = ? AND frozen >= ?
		`, t.Amount, payout, now, t.UserID, t.Amount)
		change.DeltaAvailable = payout
		change.DeltaFrozen = -t.Amount
		change.Reason = "settle:win"
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE balances
			SET frozen = frozen - ?, updated_at = ?
			WHERE user_id = ? AND frozen >= ?
		`, t.Amount, now, t.UserID, t.Amount)
		change.DeltaFrozen = -t.Amount
		change.Reason = "settle:lose"
	}
	if err != nil {
		return false, fmt.Errorf("apply trade %s: balance: %w", t.TradeID, err)
	}
	if err := requireRow(res, "apply trade "+t.TradeID, t.UserID); err != nil {
		return false, err
	}

	if err := d.InsertBalanceChange(ctx, tx, change); err != nil {
		return false, fmt.Errorf("apply trade %s: audit: %w", t.TradeID, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("apply trade %s: commit: %w", t.TradeID, err)
	}
	return true, nil
}

// ----------------------------------------
// Balance queries
// ----------------------------------------

// GetBalance loads a user's balance.
func (d *Database) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	var b Balance
	err := d.DB.QueryRowContext(ctx, `
		SELECT user_id, available, frozen, active, bet_locked, updated_at
		FROM balances WHERE user_id = ?
	`, userID).Scan(&b.UserID, &b.Available, &b.Frozen, &b.Active, &b.BetLocked, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query balance: %w", err)
	}
	return &b, nil
}

// UpsertBalance creates or replaces a user's balance row (provisioning,
// tests, admin adjustments).
func (d *Database) UpsertBalance(ctx context.Context, b Balance) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO balances (user_id, available, frozen, active, bet_locked, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			available = excluded.available,
			frozen = excluded.frozen,
			active = excluded.active,
			bet_locked = excluded.bet_locked,
			updated_at = excluded.updated_at
	`, b.UserID, b.Available, b.Frozen, b.Active, b.BetLocked, time.Now().UTC())
	return err
}

// ReserveForTradeTx moves amount from available to frozen in a single
// conditional update. reserved is false when the user has insufficient
// available balance or the account is inactive/bet-locked.
func (d *Database) ReserveForTradeTx(ctx context.Context, tx *sql.Tx, userID string, amount int64) (reserved bool, err error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE balances
		SET available = available - ?, frozen = frozen + ?, updated_at = ?
		WHERE user_id = ? AND available >= ? AND active = 1 AND bet_locked = 0
	`, amount, amount, time.Now().UTC(), userID, amount)
	if err != nil {
		return false, fmt.Errorf("reserve balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func requireRow(res sql.Result, op, userID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: no matching balance row for user %s", op, userID)
	}
	return nil
}

// ----------------------------------------
// Balance audit trail
// ----------------------------------------

// InsertBalanceChange appends one audit row; pass d.DB or an open tx.
func (d *Database) InsertBalanceChange(ctx context.Context, q Querier, c BalanceChange) error {
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO balance_changes (user_id, delta_available, delta_frozen, reason, ref_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.UserID, c.DeltaAvailable, c.DeltaFrozen, c.Reason, c.RefID, createdAt)
	return err
}

// ----------------------------------------
// Staged results (admin-determined outcomes)
// ----------------------------------------

// StageResult stores or replaces the outcome for an upcoming session.
func (d *Database) StageResult(ctx context.Context, sessionID, result string) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO staged_results (session_id, result, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET result = excluded.result
	`, sessionID, result, time.Now().UTC())
	return err
}

// GetStagedResult returns the staged outcome for a session id, if any.
func (d *Database) GetStagedResult(ctx context.Context, sessionID string) (string, error) {
	var result string
	err := d.DB.QueryRowContext(ctx, `
		SELECT result FROM staged_results WHERE session_id = ?
	`, sessionID).Scan(&result)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query staged result: %w", err)
	}
	return result, nil
}

// DeleteStagedResult removes a consumed staged outcome.
func (d *Database) DeleteStagedResult(ctx context.Context, sessionID string) error {
	_, err := d.DB.ExecContext(ctx, `DELETE FROM staged_results WHERE session_id = ?`, sessionID)
	return err
}
