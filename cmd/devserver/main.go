// Command devserver is a local push-event relay and REST stand-in used for
// development and integration tests. It assigns authoritative message ids,
// echoes confirmations, and routes published events to topic subscribers.
package main

import (
	"context"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/SilexsecureTeam/Defcomm-sub000/internal/otelutil"
	"github.com/SilexsecureTeam/Defcomm-sub000/pkg/protocol"
)

type wsConn struct {
	id     string
	userID string
	send   chan protocol.Event
}

// Server relays push events between connected clients and implements the
// REST collaborator endpoints the realtime core delegates to.
type Server struct {
	router *gin.Engine

	mu     sync.RWMutex
	conns  map[string]*wsConn
	topics map[string]map[string]*wsConn

	entropy *ulid.MonotonicEntropy

	registry      *prometheus.Registry
	eventsRelayed prometheus.Counter
	connected     prometheus.Gauge
}

// NewServer creates a relay with its own metrics registry so tests can
// start several instances.
func NewServer() *Server {
	s := &Server{
		conns:    make(map[string]*wsConn),
		topics:   make(map[string]map[string]*wsConn),
		entropy:  ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
		registry: prometheus.NewRegistry(),
	}
	s.eventsRelayed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "devserver_events_relayed_total",
		Help: "Push events relayed to subscribers.",
	})
	s.connected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "devserver_connections",
		Help: "Live websocket connections.",
	})
	s.registry.MustRegister(s.eventsRelayed, s.connected)
	return s
}

func (s *Server) routes(r *gin.Engine) {
	s.router = r
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "devserver"})
	})
	r.GET("/api/stats", s.handleStats)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	r.GET("/ws", s.handleWebSocket)

	r.POST("/api/messages", s.handleSendMessage)
	r.POST("/api/typing", s.handleTyping)
	r.POST("/api/calls/log", s.handleCallLog)
	r.POST("/api/receipts", s.handleReceipt)
}

func (s *Server) handleStats(c *gin.Context) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	topics := make(map[string]int, len(s.topics))
	for t, subs := range s.topics {
		topics[t] = len(subs)
	}
	c.JSON(http.StatusOK, gin.H{
		"connections": len(s.conns),
		"topics":      topics,
	})
}

func (s *Server) handleWebSocket(c *gin.Context) {
	ws, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Printf("devserver: upgrade failed: %v", err)
		return
	}
	defer func() { _ = ws.Close(websocket.StatusNormalClosure, "") }()

	ctx := c.Request.Context()

	// First frame must be hello.
	var helloEv protocol.Event
	if err := wsjson.Read(ctx, ws, &helloEv); err != nil || helloEv.Kind != protocol.KindHello {
		_ = ws.Close(websocket.StatusPolicyViolation, "expected hello")
		return
	}
	hello, err := helloEv.Hello()
	if err != nil {
		_ = ws.Close(websocket.StatusPolicyViolation, "malformed hello")
		return
	}

	conn := &wsConn{
		id:     uuid.New().String(),
		userID: hello.UserID,
		send:   make(chan protocol.Event, 256),
	}

	s.mu.Lock()
	s.conns[conn.id] = conn
	s.mu.Unlock()
	s.connected.Inc()

	welcome, _ := protocol.NewEvent("", protocol.KindWelcome, "", protocol.WelcomePayload{
		ConnectionID: conn.id,
		UserID:       conn.userID,
	})
	conn.send <- welcome

	writeDone := make(chan struct{})
	go s.writeLoop(ctx, ws, conn, writeDone)

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn.id)
		for _, subs := range s.topics {
			delete(subs, conn.id)
		}
		s.mu.Unlock()
		s.connected.Dec()
		close(conn.send)
		<-writeDone
		log.Printf("devserver: connection %s (%s) closed", conn.id, conn.userID)
	}()

	s.readLoop(ctx, ws, conn)
}

func (s *Server) writeLoop(ctx context.Context, ws *websocket.Conn, conn *wsConn, done chan<- struct{}) {
	defer close(done)
	for ev := range conn.send {
		if err := wsjson.Write(ctx, ws, ev); err != nil {
			log.Printf("devserver: write to %s failed: %v", conn.id, err)
			return
		}
	}
}

func (s *Server) readLoop(ctx context.Context, ws *websocket.Conn, conn *wsConn) {
	for {
		var ev protocol.Event
		if err := wsjson.Read(ctx, ws, &ev); err != nil {
			return
		}
		if err := ev.Validate(); err != nil {
			log.Printf("devserver: dropping frame from %s: %v", conn.id, err)
			continue
		}

		switch ev.Kind {
		case protocol.KindSubscribe:
			s.subscribe(conn, ev.Topic)
		case protocol.KindUnsubscribe:
			s.unsubscribe(conn, ev.Topic)
		case protocol.KindMessageSent, protocol.KindTyping, protocol.KindCallInvite,
			protocol.KindCallUpdate, protocol.KindChannelTransmit:
			ev.SenderID = conn.userID
			s.relay(ev, conn.id)
		default:
			log.Printf("devserver: ignoring %s frame from %s", ev.Kind, conn.id)
		}
	}
}

func (s *Server) subscribe(conn *wsConn, topic string) {
	s.mu.Lock()
	subs, ok := s.topics[topic]
	if !ok {
		subs = make(map[string]*wsConn)
		s.topics[topic] = subs
	}
	subs[conn.id] = conn
	s.mu.Unlock()

	ack, _ := protocol.NewEvent(topic, protocol.KindSubscriptionSucceeded, "", protocol.SubscribePayload{Topic: topic})
	s.deliver(conn, ack)
}

func (s *Server) unsubscribe(conn *wsConn, topic string) {
	s.mu.Lock()
	if subs, ok := s.topics[topic]; ok {
		delete(subs, conn.id)
	}
	s.mu.Unlock()
}

// relay fans an event out to all subscribers of its topic except the
// publishing connection.
func (s *Server) relay(ev protocol.Event, fromConnID string) {
	s.mu.RLock()
	targets := make([]*wsConn, 0, len(s.topics[ev.Topic]))
	for id, conn := range s.topics[ev.Topic] {
		if id == fromConnID {
			continue
		}
		targets = append(targets, conn)
	}
	s.mu.RUnlock()

	for _, conn := range targets {
		s.deliver(conn, ev)
	}
}

// broadcast fans an event out to every subscriber of its topic, sender
// included. Message confirmations need the echo.
func (s *Server) broadcast(ev protocol.Event) {
	s.relay(ev, "")
}

func (s *Server) deliver(conn *wsConn, ev protocol.Event) {
	select {
	case conn.send <- ev:
		s.eventsRelayed.Inc()
	default:
		log.Printf("devserver: send buffer full for %s, dropping %s", conn.id, ev.Kind)
	}
}

type sendMessageRequest struct {
	ConversationID string `json:"conversation_id"`
	ClientID       string `json:"client_id"`
	Body           string `json:"body"`
}

// handleSendMessage is the authoritative send endpoint: it stamps a ULID id
// and server timestamp, returns the confirmed payload, and echoes it as a
// message.sent event to the conversation's group topic.
func (s *Server) handleSendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ConversationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid send request"})
		return
	}

	msg := protocol.MessagePayload{
		ID:             s.newMessageID(),
		ClientID:       req.ClientID,
		ConversationID: req.ConversationID,
		SenderID:       bearerUser(c),
		Body:           req.Body,
		CreatedAt:      time.Now().UTC(),
	}

	ev, err := protocol.NewEvent(protocol.GroupTopic(req.ConversationID), protocol.KindMessageSent, msg.SenderID, msg)
	if err == nil {
		s.broadcast(ev)
	}
	c.JSON(http.StatusOK, msg)
}

func (s *Server) newMessageID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

type typingRequest struct {
	ConversationID string `json:"conversation_id"`
	Typing         bool   `json:"typing"`
}

func (s *Server) handleTyping(c *gin.Context) {
	var req typingRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ConversationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid typing request"})
		return
	}
	userID := bearerUser(c)
	ev, err := protocol.NewEvent(protocol.GroupTopic(req.ConversationID), protocol.KindTyping, userID, protocol.TypingPayload{
		ConversationID: req.ConversationID,
		UserID:         userID,
		Typing:         req.Typing,
	})
	if err == nil {
		s.broadcast(ev)
	}
	c.Status(http.StatusNoContent)
}

type callLogRequest struct {
	CallID          string `json:"call_id"`
	State           string `json:"state"`
	DurationSeconds int    `json:"duration_seconds"`
}

func (s *Server) handleCallLog(c *gin.Context) {
	var req callLogRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.CallID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid call log request"})
		return
	}
	userID := bearerUser(c)
	ev, err := protocol.NewEvent(protocol.ChatTopic(userID), protocol.KindCallUpdate, userID, protocol.CallUpdatePayload{
		CallID:          req.CallID,
		State:           req.State,
		DurationSeconds: req.DurationSeconds,
	})
	if err == nil {
		s.broadcast(ev)
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleReceipt(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// bearerUser extracts the user identity from the bearer token. The dev
// relay trusts the token body verbatim; it performs no real auth.
func bearerUser(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) {
		return auth[len(prefix):]
	}
	return "anonymous"
}

func main() {
	_ = godotenv.Load()

	if err := otelutil.Init(); err != nil {
		log.Printf("devserver: tracing disabled: %v", err)
	}
	defer otelutil.Flush()

	addr := os.Getenv("DC_DEVSERVER_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	r := gin.Default()
	s := NewServer()
	s.routes(r)

	server := &http.Server{Addr: addr, Handler: r}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down devserver...")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("devserver forced to shutdown: %v", err)
		}
	}()

	log.Printf("Starting devserver on %s (Ctrl+C to stop)", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("Failed to start devserver:", err)
	}
}
