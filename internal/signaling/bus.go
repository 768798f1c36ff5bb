package signaling

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"rentalconnect-realtime/internal/domain"
	"rentalconnect-realtime/pkg/logger"
)

// Bus is an in-process relay. Each Endpoint behaves like a Client connected
// to the relay as one user: frames carrying toUserId are rewritten with
// fromUserId and delivered to the target endpoint. Delivery is asynchronous
// and FIFO per endpoint, so a handler may emit without deadlocking its peer.
type Bus struct {
	mu        sync.RWMutex
	endpoints map[domain.ID]*Endpoint
	closed    bool
	log       *zap.Logger
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{
		endpoints: make(map[domain.ID]*Endpoint),
		log:       logger.Named("signaling-bus"),
	}
}

// Endpoint returns the channel for userID, creating it on first use
func (b *Bus) Endpoint(userID domain.ID) *Endpoint {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ep, ok := b.endpoints[userID]; ok {
		return ep
	}
	ep := &Endpoint{
		bus:        b,
		userID:     userID,
		dispatcher: newDispatcher(),
		connected:  !b.closed,
		stopped:    make(chan struct{}),
	}
	ep.cond = sync.NewCond(&ep.mu)
	b.endpoints[userID] = ep
	if b.closed {
		ep.closed = true
		close(ep.stopped)
		return ep
	}
	go ep.run()
	return ep
}

// Close detaches every endpoint and stops their dispatch goroutines. Frames
// still queued are discarded. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	endpoints := make([]*Endpoint, 0, len(b.endpoints))
	for _, ep := range b.endpoints {
		endpoints = append(endpoints, ep)
	}
	b.mu.Unlock()

	for _, ep := range endpoints {
		ep.shutdown()
	}
}

func (b *Bus) deliver(from domain.ID, event string, payload any) {
	data, err := encodeFrame(event, payload)
	if err != nil {
		b.log.Error("Failed to encode frame", zap.String("event", event), zap.Error(err))
		return
	}
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return
	}
	if len(frame.Data) == 0 {
		return
	}

	to, rewritten, err := Route(frame.Data, from)
	if err != nil || to.IsZero() {
		b.log.Debug("Frame without target", zap.String("event", event), zap.String("from", from.String()))
		return
	}

	b.mu.RLock()
	target, ok := b.endpoints[to]
	b.mu.RUnlock()
	if !ok || !target.Connected() {
		b.log.Debug("Target not connected", zap.String("event", event), zap.String("to", to.String()))
		return
	}
	target.enqueue(Frame{Event: event, Data: rewritten})
}

// Endpoint is one user's side of a Bus. It satisfies Channel.
type Endpoint struct {
	bus    *Bus
	userID domain.ID

	*dispatcher

	mu        sync.Mutex
	cond      *sync.Cond
	connected bool
	closed    bool
	pending   []Frame
	stopped   chan struct{}
}

// UserID returns the user this endpoint represents
func (e *Endpoint) UserID() domain.ID { return e.userID }

// Connected reports whether the endpoint is attached to the bus
func (e *Endpoint) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

// SetConnected attaches or detaches the endpoint. While detached it neither
// sends nor receives.
func (e *Endpoint) SetConnected(connected bool) {
	e.mu.Lock()
	e.connected = connected && !e.closed
	e.mu.Unlock()
}

// Emit routes the payload to its toUserId. Frames are dropped while detached.
func (e *Endpoint) Emit(event string, payload any) {
	if !e.Connected() {
		return
	}
	e.bus.deliver(e.userID, event, payload)
}

// On registers a handler for an inbound event
func (e *Endpoint) On(event string, h Handler) HandlerID {
	return e.dispatcher.on(event, h)
}

// Off removes a handler
func (e *Endpoint) Off(event string, id HandlerID) {
	e.dispatcher.off(event, id)
}

// Inject delivers a frame to this endpoint as if the relay had sent it
func (e *Endpoint) Inject(event string, payload any) error {
	data, err := encodeFrame(event, payload)
	if err != nil {
		return err
	}
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	e.enqueue(frame)
	return nil
}

func (e *Endpoint) enqueue(f Frame) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.pending = append(e.pending, f)
	e.mu.Unlock()
	e.cond.Signal()
}

func (e *Endpoint) shutdown() {
	e.mu.Lock()
	e.closed = true
	e.connected = false
	e.pending = nil
	e.mu.Unlock()
	e.cond.Broadcast()
}

// run dispatches queued frames one at a time, outside the lock
func (e *Endpoint) run() {
	defer close(e.stopped)
	for {
		e.mu.Lock()
		for len(e.pending) == 0 && !e.closed {
			e.cond.Wait()
		}
		if e.closed {
			e.mu.Unlock()
			return
		}
		f := e.pending[0]
		e.pending = e.pending[1:]
		e.mu.Unlock()

		e.dispatcher.dispatch(e.bus.log, f)
	}
}
