// Package client owns the push transport: one websocket connection per
// authenticated user plus one logical subscription per topic. Everything
// else in the core consumes the events it emits.
package client

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	cidpkg "github.com/SilexsecureTeam/Defcomm-sub000/internal/cid"
	"github.com/SilexsecureTeam/Defcomm-sub000/pkg/protocol"
)

// buildDialHeaders constructs the HTTP header map used for websocket.Dial.
// Extracted to allow unit testing of header propagation.
func buildDialHeaders(ctx context.Context, userAgent, authToken string) map[string][]string {
	headers := map[string][]string{"User-Agent": {userAgent}}
	if authToken != "" {
		headers["Authorization"] = []string{"Bearer " + authToken}
	}
	cidpkg.AddHeaderFromContext(headers, ctx)
	return headers
}

// Manager guarantees exactly one live connection per (userID, authToken)
// pair. Connecting with new credentials tears down the prior connection
// first, so no orphaned subscriptions survive a credential change.
type Manager struct {
	mu     sync.Mutex
	cfg    Config
	conn   *Conn
	userID string
	token  string
	topics map[string]struct{} // desired topics; survive reconnect
	sink   EventSink
	status StatusSink
}

// NewManager creates a connection manager.
func NewManager(cfg Config, sink EventSink, status StatusSink) *Manager {
	if cfg.UserAgent == "" {
		cfg.UserAgent = "defcomm-client/1.0.0"
	}
	return &Manager{
		cfg:    cfg,
		topics: make(map[string]struct{}),
		sink:   sink,
		status: status,
	}
}

// Connect establishes the connection for the given credentials. An existing
// connection under different credentials is disconnected first; the same
// credentials return the live connection unchanged.
func (m *Manager) Connect(ctx context.Context, userID, authToken string) (*Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != nil && m.conn.Connected() {
		if m.userID == userID && m.token == authToken {
			return m.conn, nil
		}
		_ = m.conn.Disconnect()
		m.conn = nil
		m.topics = make(map[string]struct{})
	}

	conn, err := dial(ctx, m.cfg, userID, authToken, m.sink, m.status)
	if err != nil {
		m.notify(StatusUnavailable)
		return nil, err
	}
	m.conn = conn
	m.userID = userID
	m.token = authToken
	m.notify(StatusConnected)
	return conn, nil
}

// Reconnect redials with the current credentials and re-subscribes every
// previously active topic. No missed events are replayed; the caller is
// expected to re-synchronize derived state via fresh snapshot fetches.
func (m *Manager) Reconnect(ctx context.Context) (*Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.userID == "" {
		return nil, ErrNotConnected
	}
	if m.conn != nil {
		_ = m.conn.Disconnect()
	}
	conn, err := dial(ctx, m.cfg, m.userID, m.token, m.sink, m.status)
	if err != nil {
		m.notify(StatusUnavailable)
		return nil, err
	}
	m.conn = conn
	for topic := range m.topics {
		if err := conn.Subscribe(ctx, topic); err != nil {
			return nil, fmt.Errorf("resubscribe %s: %w", topic, err)
		}
	}
	m.notify(StatusConnected)
	return conn, nil
}

// Subscribe opens a logical subscription on the live connection and records
// the topic for re-subscription after reconnect.
func (m *Manager) Subscribe(ctx context.Context, topic string) error {
	m.mu.Lock()
	conn := m.conn
	if conn == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	m.topics[topic] = struct{}{}
	m.mu.Unlock()
	return conn.Subscribe(ctx, topic)
}

// Unsubscribe tears down a logical subscription. Dispatch of queued events
// for the topic stops synchronously.
func (m *Manager) Unsubscribe(ctx context.Context, topic string) error {
	m.mu.Lock()
	conn := m.conn
	delete(m.topics, topic)
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Unsubscribe(ctx, topic)
}

// Conn returns the live connection, or nil.
func (m *Manager) Conn() *Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

// Disconnect closes the connection and drops all subscriptions.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.topics = make(map[string]struct{})
	m.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Disconnect()
	m.notify(StatusDisconnected)
	return err
}

func (m *Manager) notify(s Status) {
	if m.status != nil {
		m.status(s)
	}
}

// Conn is one live websocket connection.
type Conn struct {
	mu        sync.Mutex
	ws        *websocket.Conn
	userID    string
	connected bool
	subs      map[string]struct{}
	sink      EventSink
	status    StatusSink
}

func dial(ctx context.Context, cfg Config, userID, authToken string, sink EventSink, status StatusSink) (*Conn, error) {
	ws, _, err := websocket.Dial(ctx, cfg.ServerURL, &websocket.DialOptions{
		HTTPHeader: buildDialHeaders(ctx, cfg.UserAgent, authToken),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	c := &Conn{
		ws:        ws,
		userID:    userID,
		connected: true,
		subs:      make(map[string]struct{}),
		sink:      sink,
		status:    status,
	}

	hello, err := protocol.NewEvent("", protocol.KindHello, userID, protocol.HelloPayload{
		UserID:    userID,
		AuthToken: authToken,
	})
	if err != nil {
		_ = ws.Close(websocket.StatusInternalError, "hello failed")
		return nil, err
	}
	if err := c.write(ctx, hello); err != nil {
		_ = ws.Close(websocket.StatusInternalError, "hello failed")
		return nil, fmt.Errorf("send hello: %w", err)
	}
	return c, nil
}

// UserID returns the authenticated user this connection belongs to.
func (c *Conn) UserID() string { return c.userID }

// Connected reports whether the connection is live.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Subscribe registers a topic and tells the relay to route its events here.
func (c *Conn) Subscribe(ctx context.Context, topic string) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.subs[topic] = struct{}{}
	c.mu.Unlock()

	ev, err := protocol.NewEvent(topic, protocol.KindSubscribe, c.userID, protocol.SubscribePayload{Topic: topic})
	if err != nil {
		return err
	}
	return c.write(ctx, ev)
}

// Unsubscribe removes the topic registration first, so no event for the
// topic is dispatched after this call returns, even if already in flight,
// then tells the relay.
func (c *Conn) Unsubscribe(ctx context.Context, topic string) error {
	c.mu.Lock()
	delete(c.subs, topic)
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	ev, err := protocol.NewEvent(topic, protocol.KindUnsubscribe, c.userID, protocol.SubscribePayload{Topic: topic})
	if err != nil {
		return err
	}
	return c.write(ctx, ev)
}

// Publish sends an event frame to the relay.
func (c *Conn) Publish(ctx context.Context, ev protocol.Event) error {
	return c.write(ctx, ev)
}

func (c *Conn) write(ctx context.Context, ev protocol.Event) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	ws := c.ws
	c.mu.Unlock()
	return wsjson.Write(ctx, ws, ev)
}

// Listen drains inbound frames until the context ends or the transport
// fails. Frames are validated and dispatched serially, in arrival order;
// events for topics no longer subscribed are dropped. On transport failure
// the Disconnected status is surfaced and the error returned for the caller
// to drive a reconnect.
func (c *Conn) Listen(ctx context.Context) error {
	for {
		var ev protocol.Event
		if err := wsjson.Read(ctx, c.ws, &ev); err != nil {
			c.mu.Lock()
			wasConnected := c.connected
			c.connected = false
			c.mu.Unlock()
			if wasConnected && c.status != nil {
				c.status(StatusDisconnected)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}

		if err := ev.Validate(); err != nil {
			log.Printf("client: dropping event: %v", err)
			continue
		}

		if ev.Topic != "" {
			c.mu.Lock()
			_, subscribed := c.subs[ev.Topic]
			c.mu.Unlock()
			if !subscribed {
				continue
			}
		}

		if c.sink != nil {
			c.sink(ev)
		}
	}
}

// Disconnect closes the websocket. Subscriptions are dropped so no further
// events dispatch.
func (c *Conn) Disconnect() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	c.subs = make(map[string]struct{})
	ws := c.ws
	c.mu.Unlock()
	return ws.Close(websocket.StatusNormalClosure, "client disconnect")
}
