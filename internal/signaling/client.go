package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"rentalconnect-realtime/pkg/constants"
	apperrors "rentalconnect-realtime/pkg/errors"
	"rentalconnect-realtime/pkg/logger"
	"rentalconnect-realtime/pkg/metrics"
)

// Client is the websocket implementation of Channel. It holds at most one
// live connection; after the connection drops, Emit discards frames until
// Connect is called again. There is no outbound queue and no retry.
type Client struct {
	url     string
	header  http.Header
	dialer  *websocket.Dialer
	metrics *metrics.Metrics
	log     *zap.Logger

	*dispatcher

	mu      sync.Mutex
	conn    *connection
	dropped atomic.Uint64

	statusMu       sync.RWMutex
	statusHandlers []func(connected bool)
}

// connection is one dialed websocket and its pumps
type connection struct {
	ws       *websocket.Conn
	send     chan []byte
	done     chan struct{}
	doneOnce sync.Once
}

func (c *connection) shutdown() bool {
	closed := false
	c.doneOnce.Do(func() {
		close(c.done)
		closed = true
	})
	return closed
}

// Option configures a Client
type Option func(*Client)

// WithDialer overrides the websocket dialer
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithMetrics records dropped emits
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithHeader adds a header to the dial request
func WithHeader(key, value string) Option {
	return func(c *Client) { c.header.Set(key, value) }
}

// NewClient creates a client for the relay at url. A non-empty token is sent
// as a bearer Authorization header when dialing.
func NewClient(url, token string, opts ...Option) *Client {
	c := &Client{
		url:        url,
		header:     http.Header{},
		dialer:     websocket.DefaultDialer,
		log:        logger.Named("signaling"),
		dispatcher: newDispatcher(),
	}
	if token != "" {
		c.header.Set("Authorization", "Bearer "+token)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials the relay and starts the read and write pumps. Calling it
// while already connected is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	ws, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		c.log.Warn("Signaling dial failed", zap.String("url", c.url), zap.Int("status", status), zap.Error(err))
		return apperrors.WrapWithStatus(apperrors.ErrCodeSignalingUnavailable, "Failed to connect to signaling server", http.StatusServiceUnavailable, err)
	}

	conn := &connection{
		ws:   ws,
		send: make(chan []byte, constants.ClientSendBuffer),
		done: make(chan struct{}),
	}

	c.mu.Lock()
	if c.conn != nil {
		// Lost a race with a concurrent Connect
		c.mu.Unlock()
		ws.Close()
		return nil
	}
	c.conn = conn
	c.mu.Unlock()

	go c.writePump(conn)
	go c.readPump(conn)

	c.log.Info("Signaling connected", zap.String("url", c.url))
	c.notifyStatus(true)
	return nil
}

// Connected reports whether a live connection exists
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// OnStatus registers a callback for connect/disconnect transitions
func (c *Client) OnStatus(fn func(connected bool)) {
	c.statusMu.Lock()
	c.statusHandlers = append(c.statusHandlers, fn)
	c.statusMu.Unlock()
}

// Dropped returns how many emits were discarded so far
func (c *Client) Dropped() uint64 {
	return c.dropped.Load()
}

// On registers a handler for an inbound event. Handlers run on the read
// goroutine, one frame at a time, in arrival order.
func (c *Client) On(event string, h Handler) HandlerID {
	return c.dispatcher.on(event, h)
}

// Off removes a handler registered with On
func (c *Client) Off(event string, id HandlerID) {
	c.dispatcher.off(event, id)
}

// Emit sends a named event. It never blocks: with no live connection, or a
// full send buffer, the frame is dropped.
func (c *Client) Emit(event string, payload any) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		c.drop(event, "disconnected")
		return
	}

	frame, err := encodeFrame(event, payload)
	if err != nil {
		c.log.Error("Failed to encode frame", zap.String("event", event), zap.Error(err))
		return
	}

	select {
	case <-conn.done:
		c.drop(event, "disconnected")
	case conn.send <- frame:
	default:
		c.drop(event, "buffer_full")
	}
}

// Close shuts the current connection down. Safe to call repeatedly.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	_ = conn.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.disconnect(conn)
	return nil
}

func (c *Client) drop(event, reason string) {
	c.dropped.Add(1)
	c.metrics.RecordEmitDropped(event)
	c.log.Debug("Dropped emit", zap.String("event", event), zap.String("reason", reason))
}

func (c *Client) disconnect(conn *connection) {
	if !conn.shutdown() {
		return
	}
	conn.ws.Close()

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()

	c.log.Info("Signaling disconnected", zap.String("url", c.url))
	c.notifyStatus(false)
}

func (c *Client) notifyStatus(connected bool) {
	c.statusMu.RLock()
	handlers := make([]func(bool), len(c.statusHandlers))
	copy(handlers, c.statusHandlers)
	c.statusMu.RUnlock()

	for _, fn := range handlers {
		fn(connected)
	}
}

// readPump reads frames and dispatches them in order
func (c *Client) readPump(conn *connection) {
	defer c.disconnect(conn)

	conn.ws.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
	})

	for {
		_, message, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("Signaling connection lost", zap.Error(err))
			}
			return
		}
		// Any inbound traffic proves the peer is alive
		conn.ws.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.log.Warn("Invalid frame from signaling server", zap.Error(err))
			continue
		}
		c.dispatcher.dispatch(c.log, frame)
	}
}

// writePump serializes writes and keeps the connection alive with pings
func (c *Client) writePump(conn *connection) {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.disconnect(conn)
	}()

	for {
		select {
		case <-conn.done:
			return
		case message := <-conn.send:
			conn.ws.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := conn.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Warn("Signaling write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			conn.ws.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
