package chain

import (
	"github.com/oneevilcoin/evild/src/crypto"
)

type blockRecord struct {
	block  *Block
	blob   []byte
	height uint64
}

// InmemStore implements the Store interface with in-memory maps. It is used
// directly for tests and short-lived nodes, and as the index behind
// BadgerStore.
type InmemStore struct {
	ids    []crypto.Hash
	blocks map[crypto.Hash]*blockRecord
	txs    map[crypto.Hash][]byte
}

// NewInmemStore creates an empty InmemStore.
func NewInmemStore() *InmemStore {
	return &InmemStore{
		blocks: make(map[crypto.Hash]*blockRecord),
		txs:    make(map[crypto.Hash][]byte),
	}
}

// Height implements the Store interface.
func (s *InmemStore) Height() uint64 {
	return uint64(len(s.ids))
}

// Top implements the Store interface.
func (s *InmemStore) Top() (uint64, crypto.Hash, error) {
	if len(s.ids) == 0 {
		return 0, crypto.NullHash, ErrKeyNotFound
	}
	return uint64(len(s.ids) - 1), s.ids[len(s.ids)-1], nil
}

// HaveBlock implements the Store interface.
func (s *InmemStore) HaveBlock(id crypto.Hash) bool {
	_, ok := s.blocks[id]
	return ok
}

// GetBlockIDByHeight implements the Store interface.
func (s *InmemStore) GetBlockIDByHeight(height uint64) (crypto.Hash, error) {
	if height >= uint64(len(s.ids)) {
		return crypto.NullHash, ErrKeyNotFound
	}
	return s.ids[height], nil
}

// GetBlockHeight implements the Store interface.
func (s *InmemStore) GetBlockHeight(id crypto.Hash) (uint64, error) {
	rec, ok := s.blocks[id]
	if !ok {
		return 0, ErrKeyNotFound
	}
	return rec.height, nil
}

// GetBlockByID implements the Store interface.
func (s *InmemStore) GetBlockByID(id crypto.Hash) (*Block, []byte, error) {
	rec, ok := s.blocks[id]
	if !ok {
		return nil, nil, ErrKeyNotFound
	}
	return rec.block, rec.blob, nil
}

// PushBlock implements the Store interface.
func (s *InmemStore) PushBlock(b *Block, blob []byte, txs map[crypto.Hash][]byte) error {
	id, err := b.ID()
	if err != nil {
		return err
	}

	s.blocks[id] = &blockRecord{
		block:  b,
		blob:   blob,
		height: uint64(len(s.ids)),
	}
	s.ids = append(s.ids, id)

	for txID, txBlob := range txs {
		s.txs[txID] = txBlob
	}

	return nil
}

// HaveTransaction implements the Store interface.
func (s *InmemStore) HaveTransaction(id crypto.Hash) bool {
	_, ok := s.txs[id]
	return ok
}

// GetTransaction implements the Store interface.
func (s *InmemStore) GetTransaction(id crypto.Hash) ([]byte, error) {
	blob, ok := s.txs[id]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return blob, nil
}

// Close implements the Store interface.
func (s *InmemStore) Close() error {
	return nil
}

// StorePath implements the Store interface.
func (s *InmemStore) StorePath() string {
	return ""
}
