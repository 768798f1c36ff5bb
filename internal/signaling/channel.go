// Package signaling is the client side of the realtime event channel: a
// named-event emitter over a websocket (Client) plus an in-process Bus used
// by tests and local demos. Both satisfy Channel.
package signaling

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// Handler receives the raw data of one inbound frame
type Handler func(data json.RawMessage)

// HandlerID identifies a registered handler so it can be removed with Off
type HandlerID uint64

// Channel is a bidirectional named-event channel. Emit never blocks and never
// fails loudly: while disconnected, frames are dropped.
type Channel interface {
	Emit(event string, payload any)
	On(event string, h Handler) HandlerID
	Off(event string, id HandlerID)
	Connected() bool
}

type registration struct {
	id HandlerID
	fn Handler
}

// dispatcher keeps per-event handler lists. Handlers are invoked outside the
// lock so they may call On/Off themselves.
type dispatcher struct {
	mu       sync.RWMutex
	nextID   HandlerID
	handlers map[string][]registration
}

func newDispatcher() *dispatcher {
	return &dispatcher{handlers: make(map[string][]registration)}
}

func (d *dispatcher) on(event string, h Handler) HandlerID {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.handlers[event] = append(d.handlers[event], registration{id: d.nextID, fn: h})
	return d.nextID
}

func (d *dispatcher) off(event string, id HandlerID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	regs := d.handlers[event]
	for i, r := range regs {
		if r.id == id {
			d.handlers[event] = append(regs[:i:i], regs[i+1:]...)
			break
		}
	}
	if len(d.handlers[event]) == 0 {
		delete(d.handlers, event)
	}
}

func (d *dispatcher) dispatch(log *zap.Logger, frame Frame) {
	d.mu.RLock()
	regs := make([]registration, len(d.handlers[frame.Event]))
	copy(regs, d.handlers[frame.Event])
	d.mu.RUnlock()

	if len(regs) == 0 {
		log.Debug("No handler for event", zap.String("event", frame.Event))
		return
	}
	for _, r := range regs {
		r.fn(frame.Data)
	}
}

func encodeFrame(event string, payload any) ([]byte, error) {
	var data json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		data = p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		data = b
	}
	return json.Marshal(Frame{Event: event, Data: data})
}
