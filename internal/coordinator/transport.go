// Package coordinator elects a single leader among concurrently running
// engine instances so only one drives synchronization, while every
// instance observes consistent state.
package coordinator

import "sync"

// MessageType identifies a cross-instance broadcast message.
type MessageType string

const (
	MessageAnnounce    MessageType = "announce"
	MessageLeader      MessageType = "leader"
	MessageStateUpdate MessageType = "stateUpdate"
)

// Message is the cross-instance broadcast envelope.
type Message struct {
	Type       MessageType       `json:"type"`
	InstanceID string            `json:"instance_id"`
	Timestamp  int64             `json:"timestamp"`
	States     map[string]string `json:"states,omitempty"`
}

// BroadcastTransport delivers messages to every other instance on the
// same origin. A transport never delivers a message back to its sender.
type BroadcastTransport interface {
	// Publish broadcasts a message to all other instances.
	Publish(msg Message) error

	// Subscribe registers the handler invoked for every received
	// message. Must be called before the first Publish.
	Subscribe(fn func(Message))

	// Close tears the transport down.
	Close() error
}

// LoopbackHub is an in-process BroadcastTransport fabric for tests and
// single-process multi-instance runs.
type LoopbackHub struct {
	mu         sync.Mutex
	transports []*LoopbackTransport
}

// NewLoopbackHub creates an empty hub.
func NewLoopbackHub() *LoopbackHub {
	return &LoopbackHub{}
}

// NewTransport attaches a new endpoint to the hub.
func (h *LoopbackHub) NewTransport() *LoopbackTransport {
	h.mu.Lock()
	defer h.mu.Unlock()

	t := &LoopbackTransport{hub: h}
	h.transports = append(h.transports, t)
	return t
}

func (h *LoopbackHub) broadcast(from *LoopbackTransport, msg Message) {
	h.mu.Lock()
	targets := make([]*LoopbackTransport, 0, len(h.transports))
	for _, t := range h.transports {
		if t != from && !t.closed {
			targets = append(targets, t)
		}
	}
	h.mu.Unlock()

	for _, t := range targets {
		t.deliver(msg)
	}
}

func (h *LoopbackHub) detach(t *LoopbackTransport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, other := range h.transports {
		if other == t {
			h.transports = append(h.transports[:i], h.transports[i+1:]...)
			return
		}
	}
}

// LoopbackTransport is one endpoint on a LoopbackHub.
type LoopbackTransport struct {
	hub     *LoopbackHub
	mu      sync.Mutex
	handler func(Message)
	closed  bool
}

// Publish broadcasts to every other endpoint on the hub.
func (t *LoopbackTransport) Publish(msg Message) error {
	t.hub.broadcast(t, msg)
	return nil
}

// Subscribe registers the receive handler.
func (t *LoopbackTransport) Subscribe(fn func(Message)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = fn
}

func (t *LoopbackTransport) deliver(msg Message) {
	t.mu.Lock()
	handler := t.handler
	closed := t.closed
	t.mu.Unlock()

	if handler != nil && !closed {
		handler(msg)
	}
}

// Close detaches the endpoint from the hub.
func (t *LoopbackTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.hub.detach(t)
	return nil
}
