package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"rentalconnect-realtime/internal/domain"
	"rentalconnect-realtime/internal/signaling"
	"rentalconnect-realtime/pkg/constants"
	pctx "rentalconnect-realtime/pkg/context"
	"rentalconnect-realtime/pkg/logger"
	"rentalconnect-realtime/pkg/metrics"
)

// maxFrameSize bounds one inbound frame; an SDP offer with many codecs is
// well under this.
const maxFrameSize = 64 * 1024

// PresenceStore tracks which users hold a relay connection somewhere
type PresenceStore interface {
	SetUserOnline(ctx context.Context, userID uuid.UUID) error
	SetUserOffline(ctx context.Context, userID uuid.UUID) error
	RefreshPresence(ctx context.Context, userID uuid.UUID) error
	IsUserOnline(ctx context.Context, userID uuid.UUID) (bool, error)
}

// Fanout carries frames between relay instances
type Fanout interface {
	Publish(ctx context.Context, userID uuid.UUID, frame []byte) error
	Watch(ctx context.Context, userID uuid.UUID) error
	Unwatch(ctx context.Context, userID uuid.UUID) error
	Run(ctx context.Context, deliver func(to uuid.UUID, frame []byte))
	Available() bool
}

// CallRecorder derives the call log from forwarded signaling
type CallRecorder interface {
	RecordOffer(ctx context.Context, callerID, calleeID uuid.UUID, roomID string) error
	RecordAnswer(ctx context.Context, fromID, toID uuid.UUID) error
	RecordEnd(ctx context.Context, fromID, toID uuid.UUID, reason domain.EndReason) error
}

// SignalingHub relays call signaling between users. Every frame a client
// sends must name its target in toUserId; the hub rewrites it to carry
// fromUserId and delivers it to all of the target's connections, locally
// or through the fanout. The hub also pushes server events (new chat
// messages) to users.
type SignalingHub struct {
	// Registered clients per user. Owned by the run loop.
	users map[uuid.UUID]map[*SignalingClient]bool

	presence PresenceStore
	fanout   Fanout
	recorder CallRecorder
	metrics  *metrics.Metrics
	log      *zap.Logger

	// Channels
	register   chan *SignalingClient
	unregister chan *SignalingClient
	inbound    chan inboundFrame
	deliveries chan delivery

	// Ordered side-effect queues. Each has exactly one consumer so frames
	// and bookkeeping keep the order in which the run loop produced them.
	publishes chan publishJob
	tasks     chan func(ctx context.Context)

	// Concurrency limit: maxConnections is the maximum number of concurrent WebSocket connections
	maxConnections int
	semaphore      chan struct{}
	connections    atomic.Int64

	upgrader websocket.Upgrader

	done chan struct{}
}

// SignalingClient is one websocket connection of a user
type SignalingClient struct {
	hub    *SignalingHub
	conn   *websocket.Conn
	send   chan []byte
	userID uuid.UUID
}

type inboundFrame struct {
	from *SignalingClient
	raw  []byte
}

type delivery struct {
	to    uuid.UUID
	frame []byte
}

type publishJob struct {
	to    uuid.UUID
	frame []byte

	// Set for offers that found no local connection: the target's presence
	// is checked first and the caller is told when nobody can answer.
	offerFrom uuid.UUID
	roomID    domain.ID
}

// HubOption configures a SignalingHub
type HubOption func(*SignalingHub)

// WithPresence enables presence tracking
func WithPresence(p PresenceStore) HubOption {
	return func(h *SignalingHub) { h.presence = p }
}

// WithFanout enables cross-instance delivery
func WithFanout(f Fanout) HubOption {
	return func(h *SignalingHub) { h.fanout = f }
}

// WithCallRecorder enables the call log
func WithCallRecorder(r CallRecorder) HubOption {
	return func(h *SignalingHub) { h.recorder = r }
}

// WithMetrics records relay metrics
func WithMetrics(m *metrics.Metrics) HubOption {
	return func(h *SignalingHub) { h.metrics = m }
}

// WithMaxConnections caps concurrent connections
func WithMaxConnections(n int) HubOption {
	return func(h *SignalingHub) {
		if n > 0 {
			h.maxConnections = n
		}
	}
}

// WithAllowedOrigins restricts browser origins. Requests without an Origin
// header come from native clients and are always accepted; "*" accepts
// every origin.
func WithAllowedOrigins(origins []string) HubOption {
	return func(h *SignalingHub) {
		allowed := slices.Clone(origins)
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return slices.Contains(allowed, "*") || slices.Contains(allowed, origin)
		}
	}
}

// NewSignalingHub creates a new signaling hub. Call Run before serving.
func NewSignalingHub(opts ...HubOption) *SignalingHub {
	h := &SignalingHub{
		users:          make(map[uuid.UUID]map[*SignalingClient]bool),
		log:            logger.Named("signaling-hub"),
		register:       make(chan *SignalingClient),
		unregister:     make(chan *SignalingClient),
		inbound:        make(chan inboundFrame, constants.ClientSendBuffer),
		deliveries:     make(chan delivery, constants.ClientSendBuffer),
		publishes:      make(chan publishJob, 1024),
		tasks:          make(chan func(ctx context.Context), 1024),
		maxConnections: constants.MaxSignalingConnections,
		done:           make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	WithAllowedOrigins(nil)(h)
	for _, opt := range opts {
		opt(h)
	}
	h.semaphore = make(chan struct{}, h.maxConnections)
	return h
}

// Run starts the hub and blocks until ctx is done. All connections are
// closed and their users marked offline on return. Run must be called
// exactly once.
func (h *SignalingHub) Run(ctx context.Context) {
	var workers sync.WaitGroup
	workers.Add(2)
	go func() { defer workers.Done(); h.runPublishes(ctx) }()
	go func() { defer workers.Done(); h.runTasks(ctx) }()
	if h.fanout != nil {
		go h.fanout.Run(ctx, func(to uuid.UUID, frame []byte) {
			select {
			case h.deliveries <- delivery{to: to, frame: frame}:
			case <-h.done:
			}
		})
	}

	h.run(ctx)
	close(h.done)
	workers.Wait()
}

// run handles hub operations
func (h *SignalingHub) run(ctx context.Context) {
	heartbeat := time.NewTicker(constants.PresenceTTL / 2)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown(ctx)
			return

		case client := <-h.register:
			clients := h.users[client.userID]
			if clients == nil {
				clients = make(map[*SignalingClient]bool)
				h.users[client.userID] = clients
				h.userOnline(client.userID)
			}
			clients[client] = true
			h.metrics.SetWebSocketConnections(int(h.connections.Add(1)))

		case client := <-h.unregister:
			h.remove(client)

		case in := <-h.inbound:
			h.route(in)

		case d := <-h.deliveries:
			h.deliverLocal(d.to, d.frame)

		case <-heartbeat.C:
			for userID := range h.users {
				h.refresh(userID)
			}
		}
	}
}

// remove drops a client; safe to call more than once per client
func (h *SignalingHub) remove(client *SignalingClient) {
	clients, ok := h.users[client.userID]
	if !ok || !clients[client] {
		return
	}
	delete(clients, client)
	close(client.send)
	<-h.semaphore
	h.metrics.SetWebSocketConnections(int(h.connections.Add(-1)))

	if len(clients) == 0 {
		delete(h.users, client.userID)
		h.userOffline(client.userID)
	}
}

func (h *SignalingHub) shutdown(ctx context.Context) {
	bg, cancel := pctx.Detached(ctx)
	defer cancel()

	for userID, clients := range h.users {
		for client := range clients {
			close(client.send)
			<-h.semaphore
		}
		delete(h.users, userID)
		if h.presence != nil {
			if err := h.presence.SetUserOffline(bg, userID); err != nil {
				h.log.Debug("Failed to clear presence on shutdown", zap.String("user_id", userID.String()), zap.Error(err))
			}
		}
	}
	h.connections.Store(0)
	h.metrics.SetWebSocketConnections(0)
}

// route validates one client frame and forwards it to its target
func (h *SignalingHub) route(in inboundFrame) {
	from := in.from
	if clients := h.users[from.userID]; !clients[from] {
		return
	}

	var frame signaling.Frame
	if err := json.Unmarshal(in.raw, &frame); err != nil {
		h.replyError(from, "malformed frame")
		return
	}
	switch frame.Event {
	case signaling.EventOffer, signaling.EventAnswer, signaling.EventICECandidate, signaling.EventEndCall:
	default:
		h.replyError(from, "unsupported event: "+frame.Event)
		return
	}
	h.metrics.RecordWebSocketMessage(frame.Event, "inbound")

	target, data, err := signaling.Route(frame.Data, domain.IDFromUUID(from.userID))
	if err != nil || target.IsZero() {
		h.replyError(from, "frame has no toUserId")
		return
	}
	to, err := target.UUID()
	if err != nil || to == from.userID {
		h.replyError(from, "invalid toUserId")
		return
	}

	out, err := json.Marshal(signaling.Frame{Event: frame.Event, Data: data})
	if err != nil {
		h.log.Error("Failed to encode frame", zap.String("event", frame.Event), zap.Error(err))
		return
	}

	var meta struct {
		RoomID domain.ID        `json:"roomId"`
		Reason domain.EndReason `json:"reason"`
	}
	_ = json.Unmarshal(data, &meta)
	h.record(frame.Event, from.userID, to, meta.RoomID, meta.Reason)

	delivered := h.deliverLocal(to, out)
	isOffer := frame.Event == signaling.EventOffer

	if h.fanout != nil && h.fanout.Available() {
		job := publishJob{to: to, frame: out}
		if isOffer && !delivered {
			job.offerFrom = from.userID
			job.roomID = meta.RoomID
		}
		h.enqueuePublish(job)
		return
	}
	if delivered {
		return
	}
	if isOffer {
		h.replyUnavailable(from.userID, to, meta.RoomID)
		return
	}
	h.metrics.RecordWebSocketDrop("no_route")
}

// deliverLocal queues frame on every local connection of the user. Slow
// consumers are disconnected rather than allowed to stall the hub.
func (h *SignalingHub) deliverLocal(to uuid.UUID, frame []byte) bool {
	delivered := false
	for client := range h.users[to] {
		select {
		case client.send <- frame:
			delivered = true
		default:
			h.log.Warn("Dropping slow signaling client", zap.String("user_id", to.String()))
			h.metrics.RecordWebSocketDrop("slow_consumer")
			h.remove(client)
		}
	}
	if delivered {
		h.metrics.RecordWebSocketMessage(frameEvent(frame), "outbound")
	}
	return delivered
}

// Push sends a server-originated event to every connection of the user,
// on this instance and, when available, on others.
func (h *SignalingHub) Push(userID uuid.UUID, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error("Failed to encode push payload", zap.String("event", event), zap.Error(err))
		return
	}
	frame, err := json.Marshal(signaling.Frame{Event: event, Data: data})
	if err != nil {
		return
	}

	select {
	case h.deliveries <- delivery{to: userID, frame: frame}:
	case <-h.done:
		return
	}
	if h.fanout != nil && h.fanout.Available() {
		h.enqueuePublish(publishJob{to: userID, frame: frame})
	}
}

// ConnectionCount returns the number of live connections on this instance
func (h *SignalingHub) ConnectionCount() int {
	return int(h.connections.Load())
}

func (h *SignalingHub) replyError(client *SignalingClient, message string) {
	frame, _ := json.Marshal(signaling.Frame{
		Event: signaling.EventError,
		Data:  mustJSON(signaling.ErrorPayload{Message: message}),
	})
	h.metrics.RecordWebSocketDrop("rejected")
	select {
	case client.send <- frame:
	default:
	}
}

// replyUnavailable answers an offer nobody can receive with an end-call
// that appears to come from the target.
func (h *SignalingHub) replyUnavailable(caller, target uuid.UUID, roomID domain.ID) {
	frame, _ := json.Marshal(signaling.Frame{
		Event: signaling.EventEndCall,
		Data: mustJSON(signaling.EndCallPayload{
			Addressing: signaling.Addressing{FromUserID: domain.IDFromUUID(target)},
			RoomID:     roomID,
			Reason:     domain.EndReasonUnavailable,
		}),
	})
	h.deliverLocal(caller, frame)
	h.record(signaling.EventEndCall, caller, target, roomID, domain.EndReasonUnavailable)
}

func (h *SignalingHub) enqueuePublish(job publishJob) {
	select {
	case h.publishes <- job:
	default:
		h.log.Warn("Fanout queue full, dropping frame", zap.String("to", job.to.String()))
		h.metrics.RecordWebSocketDrop("fanout_full")
	}
}

func (h *SignalingHub) enqueueTask(task func(ctx context.Context)) {
	select {
	case h.tasks <- task:
	default:
		h.log.Warn("Bookkeeping queue full, dropping task")
	}
}

func (h *SignalingHub) runPublishes(ctx context.Context) {
	for {
		select {
		case <-h.done:
			return
		case job := <-h.publishes:
			h.publish(ctx, job)
		}
	}
}

func (h *SignalingHub) publish(ctx context.Context, job publishJob) {
	opCtx, cancel := pctx.WithShortTimeout(ctx)
	defer cancel()

	if job.offerFrom != uuid.Nil && h.presence != nil {
		online, err := h.presence.IsUserOnline(opCtx, job.to)
		if err == nil && !online {
			h.unavailable(job)
			return
		}
	}
	if err := h.fanout.Publish(opCtx, job.to, job.frame); err != nil {
		h.log.Debug("Fanout publish failed", zap.String("to", job.to.String()), zap.Error(err))
		if job.offerFrom != uuid.Nil {
			h.unavailable(job)
		}
	}
}

// unavailable hands the reply back to the run loop, which owns delivery
func (h *SignalingHub) unavailable(job publishJob) {
	frame, _ := json.Marshal(signaling.Frame{
		Event: signaling.EventEndCall,
		Data: mustJSON(signaling.EndCallPayload{
			Addressing: signaling.Addressing{FromUserID: domain.IDFromUUID(job.to)},
			RoomID:     job.roomID,
			Reason:     domain.EndReasonUnavailable,
		}),
	})
	select {
	case h.deliveries <- delivery{to: job.offerFrom, frame: frame}:
	case <-h.done:
		return
	}
	h.record(signaling.EventEndCall, job.offerFrom, job.to, job.roomID, domain.EndReasonUnavailable)
}

func (h *SignalingHub) runTasks(ctx context.Context) {
	for {
		select {
		case <-h.done:
			return
		case task := <-h.tasks:
			opCtx, cancel := pctx.Detached(ctx)
			task(opCtx)
			cancel()
		}
	}
}

func (h *SignalingHub) record(event string, from, to uuid.UUID, roomID domain.ID, reason domain.EndReason) {
	if h.recorder == nil {
		return
	}
	var fn func(ctx context.Context) error
	switch event {
	case signaling.EventOffer:
		fn = func(ctx context.Context) error { return h.recorder.RecordOffer(ctx, from, to, roomID.String()) }
	case signaling.EventAnswer:
		fn = func(ctx context.Context) error { return h.recorder.RecordAnswer(ctx, from, to) }
	case signaling.EventEndCall:
		fn = func(ctx context.Context) error { return h.recorder.RecordEnd(ctx, from, to, reason) }
	default:
		return
	}
	h.enqueueTask(func(ctx context.Context) {
		if err := fn(ctx); err != nil {
			h.log.Warn("Failed to record call event", zap.String("event", event), zap.Error(err))
		}
	})
}

func (h *SignalingHub) userOnline(userID uuid.UUID) {
	h.enqueueTask(func(ctx context.Context) {
		if h.presence != nil {
			if err := h.presence.SetUserOnline(ctx, userID); err != nil {
				h.log.Debug("Failed to set presence", zap.String("user_id", userID.String()), zap.Error(err))
			}
		}
		if h.fanout != nil {
			if err := h.fanout.Watch(ctx, userID); err != nil {
				h.log.Warn("Failed to watch user channel", zap.String("user_id", userID.String()), zap.Error(err))
			}
		}
	})
}

func (h *SignalingHub) userOffline(userID uuid.UUID) {
	h.enqueueTask(func(ctx context.Context) {
		if h.presence != nil {
			if err := h.presence.SetUserOffline(ctx, userID); err != nil {
				h.log.Debug("Failed to clear presence", zap.String("user_id", userID.String()), zap.Error(err))
			}
		}
		if h.fanout != nil {
			if err := h.fanout.Unwatch(ctx, userID); err != nil {
				h.log.Debug("Failed to unwatch user channel", zap.String("user_id", userID.String()), zap.Error(err))
			}
		}
	})
}

func (h *SignalingHub) refresh(userID uuid.UUID) {
	if h.presence == nil {
		return
	}
	h.enqueueTask(func(ctx context.Context) {
		if err := h.presence.RefreshPresence(ctx, userID); err != nil {
			h.log.Debug("Failed to refresh presence", zap.String("user_id", userID.String()), zap.Error(err))
		}
	})
}

// ServeWS handles WebSocket requests for signaling
func (h *SignalingHub) ServeWS(c *gin.Context) {
	userIDVal, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid user_id"})
		return
	}

	// Acquire semaphore to limit concurrent connections; released by remove
	select {
	case h.semaphore <- struct{}{}:
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.maxConnections))
		h.metrics.RecordWebSocketDrop("capacity")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server at capacity, please try again later"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		<-h.semaphore
		logger.Warn("WebSocket upgrade failed",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}

	client := &SignalingClient{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, constants.ClientSendBuffer),
		userID: userID,
	}

	select {
	case h.register <- client:
	case <-h.done:
		<-h.semaphore
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump reads messages from WebSocket
func (c *SignalingClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("WebSocket connection closed",
					zap.String("user_id", c.userID.String()),
					zap.Error(err))
			}
			return
		}

		select {
		case c.hub.inbound <- inboundFrame{from: c, raw: message}:
		case <-c.hub.done:
			return
		}
	}
}

// writePump writes messages to WebSocket
func (c *SignalingClient) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func frameEvent(frame []byte) string {
	var f struct {
		Event string `json:"event"`
	}
	_ = json.Unmarshal(frame, &f)
	return f.Event
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
