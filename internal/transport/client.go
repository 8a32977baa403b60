package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lavoro-hq/chatsync/internal/bus"
	"go.uber.org/zap"
)

// Handler is invoked with the raw payload of an inbound event. At most
// one handler is active per event name; subscribing again replaces the
// previous handler. Handlers run on the read loop goroutine, so all
// inbound mutations happen on a single cooperative thread of control.
type Handler = func(payload json.RawMessage)

// Envelope is the wire format for both directions of the push channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Client wraps the duplex event channel to the chat server. Delivery is
// fire-and-forget in both directions: emit failures are silent and the
// reconciliation engine must not assume an emitted event reaches the
// server.
type Client struct {
	url    string
	bus    *bus.Bus
	logger *zap.Logger

	writeMu sync.Mutex

	mu        sync.RWMutex
	conn      *websocket.Conn
	handlers  map[string]Handler
	connected bool
}

// New creates a client for the given websocket URL.
func New(url string, b *bus.Bus, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		url:      url,
		bus:      b,
		logger:   logger,
		handlers: make(map[string]Handler),
	}
}

// Connect dials the server, starts the read loop, and announces
// presence with a user_connected event. Idempotent: an existing
// connection is closed first, so it doubles as reconnect.
func (c *Client) Connect(ctx context.Context, userID string) error {
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.connected = false
	}
	c.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	go c.readLoop(conn)

	c.logger.Info("push channel connected", zap.String("url", c.url))
	c.Emit(EventUserConnected, userID)
	return nil
}

// Emit sends an event to the server. Fire-and-forget: marshal or write
// failures are logged and swallowed, with no delivery guarantee beyond
// the underlying channel's.
func (c *Client) Emit(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		c.logger.Warn("emit marshal failed", zap.String("event", event), zap.Error(err))
		return
	}

	c.mu.RLock()
	conn := c.conn
	connected := c.connected
	c.mu.RUnlock()
	if !connected || conn == nil {
		c.logger.Debug("emit while disconnected, dropped", zap.String("event", event))
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(Envelope{Event: event, Data: data}); err != nil {
		c.logger.Warn("emit write failed", zap.String("event", event), zap.Error(err))
	}
}

// Subscribe registers the handler for an event name, replacing any
// previous handler for that name.
func (c *Client) Subscribe(event string, h Handler) {
	c.mu.Lock()
	c.handlers[event] = h
	c.mu.Unlock()
}

// Unsubscribe removes the handler for an event name.
func (c *Client) Unsubscribe(event string) {
	c.mu.Lock()
	delete(c.handlers, event)
	c.mu.Unlock()
}

// Connected reports whether the push channel is up.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Close tears down the connection. The client can Connect again.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			// Only flip state if this conn is still the active one;
			// a re-Connect may have replaced it already.
			if c.conn == conn {
				c.conn = nil
				c.connected = false
			}
			c.mu.Unlock()
			c.logger.Warn("push channel closed", zap.Error(err))
			if c.bus != nil {
				c.bus.Publish(bus.Now(bus.KindConnDisconnected, nil))
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("malformed push envelope", zap.Error(err))
			continue
		}

		c.mu.RLock()
		h := c.handlers[env.Event]
		c.mu.RUnlock()
		if h == nil {
			continue
		}
		h(env.Data)
	}
}
