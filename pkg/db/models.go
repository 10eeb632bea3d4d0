package db

import "time"

// Session lifecycle statuses, in order of travel.
const (
	SessionPending   = "PENDING"
	SessionActive    = "ACTIVE"
	SessionTrading   = "TRADING"
	SessionSettling  = "SETTLING"
	SessionCompleted = "COMPLETED"
)

// Trade directions (the two possible session outcomes).
const (
	DirectionUp   = "UP"
	DirectionDown = "DOWN"
)

// Trade statuses.
const (
	TradePending   = "PENDING"
	TradeCompleted = "COMPLETED"
)

// Trade results.
const (
	ResultWin  = "win"
	ResultLose = "lose"
)

// Session is one fixed-duration betting round. The id is derived from the
// UTC minute boundary the round starts on (YYYYMMDDHHmm).
type Session struct {
	SessionID           string
	StartTime           time.Time
	EndTime             time.Time
	Status              string
	Result              string
	SchedulerStatus     string
	TradeWindowOpen     bool
	SettlementScheduled bool
	SettlementTime      time.Time // zero when not yet scheduled
	ProcessingComplete  bool
	TotalTrades         int
	TotalWins           int
	TotalLosses         int
	TotalWinAmount      int64
	TotalLossAmount     int64
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// SessionAggregates carries the counters written at settlement time.
type SessionAggregates struct {
	TotalTrades     int
	TotalWins       int
	TotalLosses     int
	TotalWinAmount  int64
	TotalLossAmount int64
}

// Trade is a user's directional stake against a session outcome.
// Amounts are in the smallest currency unit.
type Trade struct {
	TradeID          string
	UserID           string
	SessionID        string
	Direction        string
	Amount           int64
	Status           string
	Result           string
	Profit           int64
	AppliedToBalance bool
	CreatedAt        time.Time
	SettledAt        time.Time // zero while pending
}

// Balance is the two-bucket user balance. available + frozen is the
// user's total holdings; stakes only ever move between the buckets.
type Balance struct {
	UserID    string
	Available int64
	Frozen    int64
	Active    bool
	BetLocked bool
	UpdatedAt time.Time
}

// BalanceChange is one audit row per balance mutation.
type BalanceChange struct {
	ID             int64
	UserID         string
	DeltaAvailable int64
	DeltaFrozen    int64
	Reason         string
	RefID          string
	CreatedAt      time.Time
}

// StagedResult is an admin-staged outcome for an upcoming session.
type StagedResult struct {
	SessionID string
	Result    string
	CreatedAt time.Time
}
