package gateway

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/vt888Vip/stock-version-2-sub000/internal/notify"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
)

// Server exposes the emit endpoint for core processes and the websocket
// endpoint for clients.
type Server struct {
	Router     *gin.Engine
	Hub        *Hub
	JWTSecret  string
	EmitSecret string

	started time.Time
}

// NewServer wires the gateway routes and middleware.
func NewServer(hub *Hub, jwtSecret, emitSecret string) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware())
	r.Use(CORSMiddleware())

	s := &Server{
		Router:     r,
		Hub:        hub,
		JWTSecret:  jwtSecret,
		EmitSecret: emitSecret,
		started:    time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/stats", s.stats)
	s.Router.GET("/ws", s.websocket)
	s.Router.POST("/emit", s.emit)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "uptime": time.Since(s.started).String()})
}

func (s *Server) stats(c *gin.Context) {
	connections, users, delivered, dropped := s.Hub.Stats()
	c.JSON(http.StatusOK, gin.H{
		"connections": connections,
		"users":       users,
		"delivered":   delivered,
		"dropped":     dropped,
	})
}

// emit accepts one event from a core process and fans it out. Guarded by
// the shared emit secret, not user auth.
func (s *Server) emit(c *gin.Context) {
	if c.GetHeader("X-Emit-Secret") != s.EmitSecret {
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid emit secret"})
		return
	}

	var env notify.Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid envelope"})
		return
	}
	if env.UserID == "" || env.Event == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId and event are required"})
		return
	}

	s.Hub.Dispatch(env)
	c.JSON(http.StatusOK, gin.H{"status": "dispatched"})
}

// websocket authenticates via ?token= and attaches the client to the hub.
func (s *Server) websocket(c *gin.Context) {
	claims, err := parseToken(c.Query("token"), s.JWTSecret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[gateway] ws upgrade error: %v", err)
		return
	}

	cl := &client{
		userID: claims.UserID,
		admin:  claims.Admin,
		send:   make(chan []byte, clientBuffer),
	}
	s.Hub.register(cl)
	log.Printf("[gateway] ws connected: user=%s admin=%v", cl.userID, cl.admin)

	go s.writePump(conn, cl)
	go s.readPump(conn, cl)
}

// writePump drains the client's send channel onto the socket and keeps
// the connection alive with pings.
func (s *Server) writePump(conn *websocket.Conn, cl *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case payload, ok := <-cl.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Printf("[gateway] ws write error: %v", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound frames; its job is noticing disconnects.
func (s *Server) readPump(conn *websocket.Conn, cl *client) {
	defer func() {
		s.Hub.unregister(cl)
		conn.Close()
		log.Printf("[gateway] ws disconnected: user=%s", cl.userID)
	}()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Start runs the HTTP server on addr.
func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
