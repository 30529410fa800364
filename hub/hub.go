// Package hub fans terminal events out to connected clients.
//
// Every connection owns a bounded queue. Publishing never blocks: when a
// queue is full the connection is closed with ErrLagging, and the client is
// expected to reconnect and rebuild its state from a fresh snapshot. Events
// are therefore either delivered in order or the connection ends; a
// connection never silently misses an event.
package hub

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"github.com/xiaoyuanzhu-com/devpanel/log"
	"github.com/xiaoyuanzhu-com/devpanel/protocol"
)

var (
	// ErrLagging closes a connection whose queue overflowed
	ErrLagging = errors.New("connection lagging behind event stream")

	// ErrClosed is returned after Shutdown
	ErrClosed = errors.New("hub closed")

	// ErrDuplicateConn is returned when registering a connection id twice
	ErrDuplicateConn = errors.New("connection already registered")
)

// DefaultQueueSize is the per-connection queue length used when none is set
const DefaultQueueSize = 1024

// Subscriber is one connection's view of the hub
type Subscriber struct {
	ID string

	events    chan protocol.Event
	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// Events returns the connection's queue
func (s *Subscriber) Events() <-chan protocol.Event {
	return s.events
}

// Done is closed when the hub drops the connection
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Err returns why the connection was dropped, nil on a normal unregister
func (s *Subscriber) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Subscriber) close(err error) bool {
	closed := false
	s.closeOnce.Do(func() {
		s.errMu.Lock()
		s.err = err
		s.errMu.Unlock()
		close(s.done)
		closed = true
	})
	return closed
}

func (s *Subscriber) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// offer queues ev without blocking. It reports false if the queue was full,
// in which case the subscriber has been closed.
func (s *Subscriber) offer(ev protocol.Event) bool {
	if s.closed() {
		return true
	}
	select {
	case s.events <- ev:
		return true
	default:
		s.close(ErrLagging)
		return false
	}
}

// Hub manages connections and routes events to them
type Hub struct {
	mu       sync.RWMutex
	subs     map[string]*Subscriber
	attached map[string]map[string]*Subscriber // sessionID -> connID
	queue    int
	closed   bool
	logger   zerolog.Logger
}

// New creates a hub with the given per-connection queue size
func New(queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Hub{
		subs:     make(map[string]*Subscriber),
		attached: make(map[string]map[string]*Subscriber),
		queue:    queueSize,
		logger:   log.GetLogger("Hub"),
	}
}

// Register adds a connection. The initial events are queued ahead of any
// event published after Register returns.
func (h *Hub) Register(connID string, initial ...protocol.Event) (*Subscriber, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}
	if _, ok := h.subs[connID]; ok {
		return nil, ErrDuplicateConn
	}

	sub := &Subscriber{
		ID:     connID,
		events: make(chan protocol.Event, h.queue+len(initial)),
		done:   make(chan struct{}),
	}
	for _, ev := range initial {
		sub.events <- ev
	}
	h.subs[connID] = sub

	h.logger.Debug().Str("connId", connID).Int("connections", len(h.subs)).Msg("connection registered")
	return sub, nil
}

// Unregister removes a connection and its output attachments
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	sub, ok := h.subs[connID]
	if ok {
		h.removeLocked(sub)
	}
	h.mu.Unlock()

	if ok {
		sub.close(nil)
		h.logger.Debug().Str("connId", connID).Msg("connection unregistered")
	}
}

func (h *Hub) removeLocked(sub *Subscriber) {
	if h.subs[sub.ID] == sub {
		delete(h.subs, sub.ID)
	}
	for sessionID, conns := range h.attached {
		if conns[sub.ID] == sub {
			delete(conns, sub.ID)
			if len(conns) == 0 {
				delete(h.attached, sessionID)
			}
		}
	}
}

// Publish delivers ev. session.output goes to the connections attached to
// ev.SessionID; every other event goes to all connections.
func (h *Hub) Publish(ev protocol.Event) {
	var lagging []*Subscriber

	h.mu.RLock()
	if ev.Type == protocol.EventSessionOutput {
		for _, sub := range h.attached[ev.SessionID] {
			if !sub.offer(ev) {
				lagging = append(lagging, sub)
			}
		}
	} else {
		for _, sub := range h.subs {
			if !sub.offer(ev) {
				lagging = append(lagging, sub)
			}
		}
	}
	h.mu.RUnlock()

	h.dropLagging(lagging)
}

// SendTo delivers ev to a single connection. It reports whether the
// connection exists and accepted the event.
func (h *Hub) SendTo(connID string, ev protocol.Event) bool {
	h.mu.RLock()
	sub, ok := h.subs[connID]
	accepted := ok && sub.offer(ev)
	h.mu.RUnlock()

	if ok && !accepted {
		h.dropLagging([]*Subscriber{sub})
	}
	return accepted
}

func (h *Hub) dropLagging(subs []*Subscriber) {
	if len(subs) == 0 {
		return
	}
	h.mu.Lock()
	for _, sub := range subs {
		h.removeLocked(sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		h.logger.Warn().Str("connId", sub.ID).Msg("dropping lagging connection")
	}
}

// AttachOutput subscribes connID to session.output events of sessionID
func (h *Hub) AttachOutput(connID, sessionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.subs[connID]
	if !ok {
		return false
	}
	conns := h.attached[sessionID]
	if conns == nil {
		conns = make(map[string]*Subscriber)
		h.attached[sessionID] = conns
	}
	conns[connID] = sub
	return true
}

// DetachOutput stops session.output delivery of sessionID to connID
func (h *Hub) DetachOutput(connID, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns := h.attached[sessionID]; conns != nil {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(h.attached, sessionID)
		}
	}
}

// DropSession removes every output attachment of sessionID
func (h *Hub) DropSession(sessionID string) {
	h.mu.Lock()
	delete(h.attached, sessionID)
	h.mu.Unlock()
}

// IsAttached reports whether connID receives output of sessionID
func (h *Hub) IsAttached(connID, sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.attached[sessionID][connID]
	return ok
}

// Attached returns how many connections receive output of sessionID
func (h *Hub) Attached(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.attached[sessionID])
}

// Count returns the number of registered connections
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Shutdown closes every connection and rejects new ones
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	subs := make([]*Subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.subs = make(map[string]*Subscriber)
	h.attached = make(map[string]map[string]*Subscriber)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close(ErrClosed)
	}
	h.logger.Info().Int("connections", len(subs)).Msg("hub shut down")
}
