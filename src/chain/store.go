package chain

import (
	"errors"

	"github.com/oneevilcoin/evild/src/crypto"
)

// ErrKeyNotFound is returned when a block or transaction is not in the store.
var ErrKeyNotFound = errors.New("not found")

// Store is an interface for main-chain block storage. Implementations are not
// required to be safe for concurrent use; the Blockchain serializes access.
type Store interface {
	// Height returns the count of stored blocks including genesis.
	Height() uint64

	// Top returns the height and id of the tip block.
	Top() (uint64, crypto.Hash, error)

	// HaveBlock reports whether a block id is on the main chain.
	HaveBlock(id crypto.Hash) bool

	// GetBlockIDByHeight returns the id of the block at the given height.
	GetBlockIDByHeight(height uint64) (crypto.Hash, error)

	// GetBlockHeight returns the main-chain height of a block id.
	GetBlockHeight(id crypto.Hash) (uint64, error)

	// GetBlockByID returns the parsed block and its raw blob.
	GetBlockByID(id crypto.Hash) (*Block, []byte, error)

	// PushBlock appends a block at height Height(). txs maps the block's tx
	// hashes to their blobs; they become part of the confirmed set.
	PushBlock(b *Block, blob []byte, txs map[crypto.Hash][]byte) error

	// HaveTransaction reports whether a transaction is confirmed.
	HaveTransaction(id crypto.Hash) bool

	// GetTransaction returns a confirmed transaction blob.
	GetTransaction(id crypto.Hash) ([]byte, error)

	// Close closes the underlying database.
	Close() error

	// StorePath returns the filepath of the underlying database.
	StorePath() string
}
