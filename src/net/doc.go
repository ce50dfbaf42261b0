// Package net implements transports to communicate between evild nodes.
//
// This package contains the wire-level protocol messages (RequestChain,
// ResponseChainEntry, RequestGetObjects, ResponseGetObjects, NotifyNewBlock,
// NotifyNewTransactions), the per-connection protocol context, and two
// implementations of the Transport interface:
//
// - Inmem: in-memory transport used only for testing
//
// - TCP: communicating over plain TCP
//
// TCP
//
// Every frame on the wire is a command id and a body length, both big-endian
// uint32, followed by the canonical json encoding of the message body. A
// connection opens with a Handshake exchange carrying each side's
// CoreSyncData, and a TimedSync message refreshes it periodically.
//
// Each connection gets a reader goroutine and a dispatcher goroutine, so that
// a single connection's commands are always processed in order and never
// concurrently, while different connections proceed in parallel. Requested
// self-callbacks travel through the same dispatcher queue.
//
// To use a TCP transport, set the following configuration options in the
// Config object (cf config package):
//
// - BindAddr: the IP:PORT of the TCP socket that evild binds to.
//
// - AdvertiseAddr: (optional) The address that is advertised to other nodes.
// If BindAddr is a local address not reachable by other peers, it is usefull
// to set AdvertiseAddr to the reachable public address.
package net
