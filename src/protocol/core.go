package protocol

import (
	"github.com/oneevilcoin/evild/src/chain"
	"github.com/oneevilcoin/evild/src/crypto"
	"github.com/oneevilcoin/evild/src/net"
)

// Core is the capability set the protocol requires from the consensus side.
// Implementations must be safe for concurrent use by multiple connection
// goroutines. The real implementation lives in the chain package; tests use a
// scripted stand-in.
type Core interface {
	// HaveBlock reports whether the block id is known, on the main chain or
	// off it.
	HaveBlock(id crypto.Hash) bool

	// Top returns the height and id of the main-chain tip.
	Top() (uint64, crypto.Hash)

	// CurrentHeight returns the count of main-chain blocks including genesis,
	// i.e. tip height + 1.
	CurrentHeight() uint64

	// ShortChainHistory returns a sparse sample of main-chain ids: dense near
	// the tip, then exponentially spaced back, always ending with genesis.
	ShortChainHistory() []crypto.Hash

	// FindSupplement locates the most recent id of remoteHistory present on
	// the main chain and returns the run of ids from there to the tip,
	// limited to maxCount.
	FindSupplement(remoteHistory []crypto.Hash, maxCount int) (*net.ResponseChainEntry, error)

	// HandleIncomingTx verifies a transaction blob and admits it to the pool.
	// keptByBlock marks transactions that arrived as part of a block.
	HandleIncomingTx(blob []byte, keptByBlock bool) chain.TxVerdict

	// HandleIncomingBlock verifies a block blob and attaches it to the chain.
	HandleIncomingBlock(blob []byte, fromBroadcast bool, fromSelf bool) chain.BlockVerdict

	// HandleGetObjects serves block and transaction blobs for a peer request.
	HandleGetObjects(req *net.RequestGetObjects, resp *net.ResponseGetObjects) error

	// PauseMining stops template mining before a batch of blocks is applied.
	PauseMining()

	// ResumeMining rebuilds the mining template and resumes. Every
	// PauseMining call must be paired with exactly one ResumeMining call.
	ResumeMining()

	// OnIdle runs periodic housekeeping.
	OnIdle() error

	// OnSynchronized is called once, when the node first catches up with the
	// network.
	OnSynchronized()
}

// Observer is notified of edge-triggered protocol events. Notifications are
// delivered outside the handler's locks.
type Observer interface {
	// LastKnownBlockHeightUpdated fires when the observed network height
	// changes.
	LastKnownBlockHeightUpdated(height uint64)

	// PeerCountUpdated fires when a peer completes its initial handshake or
	// disconnects.
	PeerCountUpdated(count int)
}
