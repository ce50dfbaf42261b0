package net

import (
	"fmt"
	"sync"
)

// InmemTransport implements the Transport interface, to allow the protocol to
// be exercised in-memory without going over a network. Outbound messages are
// recorded per connection, and callbacks queue until fired explicitly, which
// keeps tests deterministic.
type InmemTransport struct {
	sync.RWMutex
	handler       Handler
	nextID        uint64
	connections   map[uint64]*Connection
	outbox        map[uint64][]Message
	callbackQueue []*Connection
	dropped       map[uint64]bool
}

// NewInmemTransport is used to initialize a new transport bound to a handler.
func NewInmemTransport(handler Handler) *InmemTransport {
	return &InmemTransport{
		handler:     handler,
		connections: make(map[uint64]*Connection),
		outbox:      make(map[uint64][]Message),
		dropped:     make(map[uint64]bool),
	}
}

// Open creates a new connection in the BeforeHandshake state and announces it
// to the handler.
func (t *InmemTransport) Open(addr string, isInbound bool) *Connection {
	t.Lock()
	t.nextID++
	c := NewConnection(t.nextID, 0, addr, isInbound)
	t.connections[c.ID()] = c
	t.Unlock()

	t.handler.OnConnectionOpened(c)

	return c
}

// DeliverSyncData feeds a peer's sync payload to the handler, as a transport
// would on handshake (isInitial) or timed sync.
func (t *InmemTransport) DeliverSyncData(c *Connection, data *CoreSyncData, isInitial bool) error {
	return t.handler.ProcessSyncData(c, data, isInitial)
}

// Deliver dispatches one inbound command to the handler.
func (t *InmemTransport) Deliver(c *Connection, msg Message) error {
	return t.handler.ProcessCommand(c, msg)
}

// FireCallbacks delivers all queued self-wakeups. A handler error closes the
// connection, as the network transport would.
func (t *InmemTransport) FireCallbacks() {
	t.Lock()
	queue := t.callbackQueue
	t.callbackQueue = nil
	t.Unlock()

	for _, c := range queue {
		t.RLock()
		_, connected := t.connections[c.ID()]
		t.RUnlock()
		if !connected {
			continue
		}
		if err := t.handler.OnCallback(c); err != nil {
			t.Drop(c)
		}
	}
}

// Listen implements the Transport interface.
func (t *InmemTransport) Listen() {
}

// ForEachConnection implements the Transport interface.
func (t *InmemTransport) ForEachConnection(fn func(c *Connection) bool) {
	t.RLock()
	conns := make([]*Connection, 0, len(t.connections))
	for _, c := range t.connections {
		conns = append(conns, c)
	}
	t.RUnlock()

	for _, c := range conns {
		if !fn(c) {
			return
		}
	}
}

// Post implements the Transport interface.
func (t *InmemTransport) Post(c *Connection, msg Message) error {
	t.Lock()
	defer t.Unlock()

	if _, ok := t.connections[c.ID()]; !ok {
		return fmt.Errorf("connection %d is closed", c.ID())
	}

	t.outbox[c.ID()] = append(t.outbox[c.ID()], msg)
	return nil
}

// PostExcept implements the Transport interface.
func (t *InmemTransport) PostExcept(msg Message, excludeID uint64) {
	t.Lock()
	defer t.Unlock()

	for id := range t.connections {
		if id != excludeID {
			t.outbox[id] = append(t.outbox[id], msg)
		}
	}
}

// RequestCallback implements the Transport interface.
func (t *InmemTransport) RequestCallback(c *Connection) {
	t.Lock()
	defer t.Unlock()
	t.callbackQueue = append(t.callbackQueue, c)
}

// Drop implements the Transport interface.
func (t *InmemTransport) Drop(c *Connection) {
	t.Lock()
	if _, ok := t.connections[c.ID()]; !ok {
		t.Unlock()
		return
	}
	delete(t.connections, c.ID())
	t.dropped[c.ID()] = true
	t.Unlock()

	t.handler.OnConnectionClosed(c)
}

// Close implements the Transport interface.
func (t *InmemTransport) Close() error {
	t.Lock()
	t.connections = make(map[uint64]*Connection)
	t.callbackQueue = nil
	t.Unlock()
	return nil
}

// Sent returns the messages posted to a connection so far.
func (t *InmemTransport) Sent(c *Connection) []Message {
	t.RLock()
	defer t.RUnlock()
	msgs := make([]Message, len(t.outbox[c.ID()]))
	copy(msgs, t.outbox[c.ID()])
	return msgs
}

// LastSent returns the most recent message posted to a connection, or nil.
func (t *InmemTransport) LastSent(c *Connection) Message {
	t.RLock()
	defer t.RUnlock()
	msgs := t.outbox[c.ID()]
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

// ClearSent forgets the messages recorded for a connection.
func (t *InmemTransport) ClearSent(c *Connection) {
	t.Lock()
	defer t.Unlock()
	delete(t.outbox, c.ID())
}

// IsDropped reports whether the connection was dropped.
func (t *InmemTransport) IsDropped(c *Connection) bool {
	t.RLock()
	defer t.RUnlock()
	return t.dropped[c.ID()]
}

// PendingCallbacks returns the number of queued self-wakeups.
func (t *InmemTransport) PendingCallbacks() int {
	t.RLock()
	defer t.RUnlock()
	return len(t.callbackQueue)
}

// ConnectionCount returns the number of open connections.
func (t *InmemTransport) ConnectionCount() int {
	t.RLock()
	defer t.RUnlock()
	return len(t.connections)
}
