package net

import (
	"sync/atomic"

	"github.com/oneevilcoin/evild/src/crypto"
)

// SyncState captures the synchronization state of a peer connection:
// BeforeHandshake, Synchronizing, Idle, or Normal.
type SyncState uint32

const (
	//StateBeforeHandshake is the initial state of every connection.
	StateBeforeHandshake SyncState = iota
	//StateSynchronizing means we are pulling the peer's chain.
	StateSynchronizing
	//StateIdle means a sync batch was abandoned because another peer delivered
	//the same blocks first.
	StateIdle
	//StateNormal is the steady state: relaying new blocks and transactions.
	StateNormal
)

// String ...
func (s SyncState) String() string {
	switch s {
	case StateBeforeHandshake:
		return "BeforeHandshake"
	case StateSynchronizing:
		return "Synchronizing"
	case StateIdle:
		return "Idle"
	case StateNormal:
		return "Normal"
	default:
		return "Unknown"
	}
}

// Connection is the per-peer protocol context. The exported fields are owned
// by the connection's dispatch goroutine and must not be touched from other
// goroutines. State and the remote height are read across goroutines (peer
// tables, observed-height recomputation) and therefore go through atomics.
type Connection struct {
	id        uint64
	peerID    uint32
	addr      string
	isInbound bool

	state        uint32
	remoteHeight uint64

	// LastResponseHeight is the height of the last chain-entry id this peer
	// told us about.
	LastResponseHeight uint64

	// NeededBlocks are ids the peer has and we do not, in delivery order.
	NeededBlocks []crypto.Hash

	// RequestedBlocks are ids we asked this peer for and have not received.
	RequestedBlocks map[crypto.Hash]struct{}

	// CallbackRequests counts requested self-wakeups that have not fired yet.
	CallbackRequests int
}

// NewConnection creates a Connection in the BeforeHandshake state.
func NewConnection(id uint64, peerID uint32, addr string, isInbound bool) *Connection {
	return &Connection{
		id:              id,
		peerID:          peerID,
		addr:            addr,
		isInbound:       isInbound,
		RequestedBlocks: make(map[crypto.Hash]struct{}),
	}
}

// ID returns the connection id, unique within the transport.
func (c *Connection) ID() uint64 {
	return c.id
}

// PeerID returns the remote node's identifier from the handshake.
func (c *Connection) PeerID() uint32 {
	return c.peerID
}

// SetPeerID records the remote node's identifier.
func (c *Connection) SetPeerID(id uint32) {
	c.peerID = id
}

// Addr returns the remote address.
func (c *Connection) Addr() string {
	return c.addr
}

// IsInbound reports whether the peer dialed us.
func (c *Connection) IsInbound() bool {
	return c.isInbound
}

// State returns the connection's sync state.
func (c *Connection) State() SyncState {
	return SyncState(atomic.LoadUint32(&c.state))
}

// SetState sets the connection's sync state.
func (c *Connection) SetState(s SyncState) {
	atomic.StoreUint32(&c.state, uint32(s))
}

// RemoteHeight returns the last blockchain height reported by the peer, in
// the block-count convention (tip height + 1).
func (c *Connection) RemoteHeight() uint64 {
	return atomic.LoadUint64(&c.remoteHeight)
}

// SetRemoteHeight records the peer's reported blockchain height.
func (c *Connection) SetRemoteHeight(h uint64) {
	atomic.StoreUint64(&c.remoteHeight, h)
}
