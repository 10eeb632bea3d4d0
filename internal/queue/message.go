package queue

// ActionPlaceTrade is the only action the trade queue carries today.
const ActionPlaceTrade = "place-trade"

// Trade message types map onto the two session outcomes.
const (
	TradeTypeBuy  = "buy"
	TradeTypeSell = "sell"
)

// TradeMessage is one order-placement request on the trade queue.
type TradeMessage struct {
	TradeID     string `json:"tradeId"`
	UserID      string `json:"userId"`
	SessionID   string `json:"sessionId"`
	Amount      int64  `json:"amount"`
	Type        string `json:"type"`
	Action      string `json:"action"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"maxAttempts"`
	Timestamp   int64  `json:"timestamp"`
}

// SettlementMessage triggers settlement of one session. The scheduler
// publishes exactly one per settlement, but delivery is at-least-once.
type SettlementMessage struct {
	ID         string `json:"id"`
	SessionID  string `json:"sessionId"`
	Result     string `json:"result"`
	Timestamp  int64  `json:"timestamp"`
	Source     string `json:"source"`
	TradeCount int    `json:"tradeCount"`
}
