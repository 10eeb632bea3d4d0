package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vt888Vip/stock-version-2-sub000/internal/notify"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func attach(h *Hub, userID string, admin bool) *client {
	c := &client{userID: userID, admin: admin, send: make(chan []byte, clientBuffer)}
	h.register(c)
	return c
}

func drain(c *client) []string {
	var out []string
	for {
		select {
		case p := <-c.send:
			out = append(out, string(p))
		default:
			return out
		}
	}
}

func TestHubDispatchTargeting(t *testing.T) {
	h := NewHub()
	alice := attach(h, "alice", false)
	bob := attach(h, "bob", false)
	admin := attach(h, "ops", true)

	h.Dispatch(notify.Envelope{UserID: "alice", Event: "trade:placed", Data: gin.H{"tradeId": "t-1"}})
	h.Dispatch(notify.Envelope{UserID: notify.TargetAdmin, Event: "balance:updated"})
	h.Dispatch(notify.Envelope{UserID: notify.TargetAll, Event: "session:timer:update"})

	if got := drain(alice); len(got) != 2 {
		t.Fatalf("alice should see her event + broadcast, got %d: %v", len(got), got)
	}
	if got := drain(bob); len(got) != 1 {
		t.Fatalf("bob should only see the broadcast, got %d: %v", len(got), got)
	}
	if got := drain(admin); len(got) != 2 {
		t.Fatalf("admin should see admin event + broadcast, got %d: %v", len(got), got)
	}
}

func TestHubUnregisterStopsDelivery(t *testing.T) {
	h := NewHub()
	c := attach(h, "alice", false)
	h.unregister(c)

	h.Dispatch(notify.Envelope{UserID: "alice", Event: "trade:placed"})

	connections, users, _, _ := h.Stats()
	if connections != 0 || users != 0 {
		t.Fatalf("hub not empty after unregister: %d conns, %d users", connections, users)
	}
}

func TestHubDropsOnFullBuffer(t *testing.T) {
	h := NewHub()
	c := attach(h, "alice", false)

	for i := 0; i < clientBuffer+10; i++ {
		h.Dispatch(notify.Envelope{UserID: "alice", Event: "session:timer:update"})
	}

	_, _, delivered, dropped := h.Stats()
	if delivered != clientBuffer {
		t.Fatalf("delivered = %d, want %d", delivered, clientBuffer)
	}
	if dropped != 10 {
		t.Fatalf("dropped = %d, want 10", dropped)
	}
	drain(c)
}

func TestEmitEndpointRequiresSecret(t *testing.T) {
	srv := NewServer(NewHub(), "jwt-secret", "emit-secret")

	body, _ := json.Marshal(notify.Envelope{UserID: "alice", Event: "trade:placed"})

	req := httptest.NewRequest(http.MethodPost, "/emit", bytes.NewReader(body))
	req.Header.Set("X-Emit-Secret", "wrong")
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("wrong secret: status = %d, want 403", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/emit", bytes.NewReader(body))
	req.Header.Set("X-Emit-Secret", "emit-secret")
	rec = httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("correct secret: status = %d, want 200", rec.Code)
	}
}

func TestEmitEndpointDelivers(t *testing.T) {
	hub := NewHub()
	srv := NewServer(hub, "jwt-secret", "emit-secret")
	alice := attach(hub, "alice", false)

	body, _ := json.Marshal(notify.Envelope{
		UserID: "alice",
		Event:  "balance:updated",
		Data:   map[string]any{"available": 400000},
	})
	req := httptest.NewRequest(http.MethodPost, "/emit", bytes.NewReader(body))
	req.Header.Set("X-Emit-Secret", "emit-secret")
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	got := drain(alice)
	if len(got) != 1 {
		t.Fatalf("expected 1 delivered payload, got %d", len(got))
	}
	var decoded struct {
		Event string         `json:"event"`
		Data  map[string]any `json:"data"`
	}
	if err := json.Unmarshal([]byte(got[0]), &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Event != "balance:updated" {
		t.Fatalf("event = %q", decoded.Event)
	}
}

func TestEmitEndpointRejectsBadEnvelope(t *testing.T) {
	srv := NewServer(NewHub(), "jwt-secret", "emit-secret")

	req := httptest.NewRequest(http.MethodPost, "/emit", bytes.NewReader([]byte(`{"event":""}`)))
	req.Header.Set("X-Emit-Secret", "emit-secret")
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestWebsocketRejectsBadToken(t *testing.T) {
	srv := NewServer(NewHub(), "jwt-secret", "emit-secret")

	req := httptest.NewRequest(http.MethodGet, "/ws?token=garbage", nil)
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestTokenRoundTrip(t *testing.T) {
	token, err := GenerateToken("alice", "jwt-secret", true, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}

	claims, err := parseToken(token, "jwt-secret")
	if err != nil {
		t.Fatal(err)
	}
	if claims.UserID != "alice" || !claims.Admin {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	if _, err := parseToken(token, "other-secret"); err == nil {
		t.Fatal("token verified with wrong secret")
	}
}
