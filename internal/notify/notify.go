// Package notify is the outbound port to the notification gateway. The
// workers depend on the Sink interface only; the gateway itself is a
// separate process reached over HTTP.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Broadcast targets understood by the gateway alongside plain user ids.
const (
	TargetAll   = "all"
	TargetAdmin = "admin"
)

// Event names emitted by the settlement pipeline.
const (
	EventTradePlaced         = "trade:placed"
	EventBalanceUpdated      = "balance:updated"
	EventTradeHistoryUpdated = "trade:history:updated"
	EventTradesBatchDone     = "trades:batch:completed"
	EventSessionSettled      = "session:settlement:completed"
	EventWindowOpened        = "session:trade_window:opened"
	EventWindowClosed        = "session:trade_window:closed"
	EventSessionCompleted    = "session:completed"
	EventTimerUpdate         = "session:timer:update"
)

// Sink delivers one event to a user or broadcast channel. Delivery is
// fire-and-forget: implementations report transport errors but callers
// treat them as non-fatal.
type Sink interface {
	Emit(ctx context.Context, target, event string, data any) error
}

// Envelope is the wire format of one emit request.
type Envelope struct {
	UserID string `json:"userId"`
	Event  string `json:"event"`
	Data   any    `json:"data"`
}

// HTTPSink posts emit requests to the gateway's fixed /emit endpoint.
type HTTPSink struct {
	baseURL string
	secret  string
	client  *http.Client
}

// NewHTTPSink creates a sink for the gateway at baseURL. secret is sent
// as X-Emit-Secret so only core processes can publish events.
func NewHTTPSink(baseURL, secret string) *HTTPSink {
	return &HTTPSink{
		baseURL: baseURL,
		secret:  secret,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

// Emit posts one event to the gateway.
func (s *HTTPSink) Emit(ctx context.Context, target, event string, data any) error {
	body, err := json.Marshal(Envelope{UserID: target, Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("marshal emit payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/emit", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Emit-Secret", s.secret)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("emit %s to %s: %w", event, target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("emit %s to %s: gateway returned %d", event, target, resp.StatusCode)
	}
	return nil
}
