package net

// Handler consumes inbound protocol traffic. A transport guarantees that, for
// any single connection, Handler methods are not invoked concurrently;
// different connections dispatch in parallel.
type Handler interface {
	// OnConnectionOpened is called when a connection is accepted or dialed,
	// before any command is dispatched.
	OnConnectionOpened(c *Connection)

	// OnConnectionClosed is called after a connection is removed from the
	// transport's tables.
	OnConnectionClosed(c *Connection)

	// OnCallback delivers a self-wakeup previously requested through
	// Transport.RequestCallback.
	OnCallback(c *Connection) error

	// ProcessSyncData feeds the peer's CoreSyncData from a handshake
	// (isInitial=true) or a timed sync.
	ProcessSyncData(c *Connection, data *CoreSyncData, isInitial bool) error

	// ProcessCommand dispatches one protocol message.
	ProcessCommand(c *Connection, msg Message) error

	// SyncData returns the local CoreSyncData to attach to our own handshakes
	// and timed syncs.
	SyncData() *CoreSyncData
}

// Transport owns per-peer I/O. Implementations must serialize inbound
// dispatch per connection.
type Transport interface {
	// Listen starts accepting connections.
	Listen()

	// ForEachConnection invokes fn for every open connection until fn returns
	// false.
	ForEachConnection(fn func(c *Connection) bool)

	// Post sends a message to one peer.
	Post(c *Connection, msg Message) error

	// PostExcept sends a message to every open connection except the one with
	// the given id.
	PostExcept(msg Message, excludeID uint64)

	// RequestCallback schedules a self-wakeup for the connection, delivered
	// through the connection's dispatch queue after pending responses are
	// flushed.
	RequestCallback(c *Connection)

	// Drop closes the connection and releases its context.
	Drop(c *Connection)

	// Close permanently closes the transport, stopping any associated
	// goroutines and freeing other resources.
	Close() error
}
