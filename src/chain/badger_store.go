package chain

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/dgraph-io/badger"
	"github.com/oneevilcoin/evild/src/crypto"
)

const (
	blockPrefix  = "block"
	heightPrefix = "height"
	txPrefix     = "tx"
	metaHeight   = "meta_height"
)

// BadgerStore implements the Store interface with a Badger database behind an
// in-memory index. Every block is written through to disk; reads are served
// from the index.
type BadgerStore struct {
	inmemStore *InmemStore
	db         *badger.DB
	path       string
}

//NewBadgerStore creates a brand new Store with a new database
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.SyncWrites = false
	opts.Logger = nil

	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	store := &BadgerStore{
		inmemStore: NewInmemStore(),
		db:         handle,
		path:       path,
	}

	return store, nil
}

//LoadBadgerStore creates a Store from an existing database
func LoadBadgerStore(path string) (*BadgerStore, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}

	opts := badger.DefaultOptions(path)
	opts.SyncWrites = false
	opts.Logger = nil

	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	store := &BadgerStore{
		inmemStore: NewInmemStore(),
		db:         handle,
		path:       path,
	}

	if err := store.bootstrap(); err != nil {
		store.db.Close()
		return nil, err
	}

	return store, nil
}

//LoadOrCreateBadgerStore loads an existing database or creates a new one
func LoadOrCreateBadgerStore(path string) (*BadgerStore, error) {
	store, err := LoadBadgerStore(path)
	if err != nil {
		store, err = NewBadgerStore(path)
		if err != nil {
			return nil, err
		}
	}
	return store, nil
}

// bootstrap replays every block from the database into the in-memory index.
func (s *BadgerStore) bootstrap() error {
	count, err := s.dbGetHeight()
	if err != nil {
		return err
	}

	for h := uint64(0); h < count; h++ {
		id, err := s.dbGetBlockIDByHeight(h)
		if err != nil {
			return err
		}

		blob, err := s.dbGet(blockKey(id))
		if err != nil {
			return err
		}

		b := new(Block)
		if err := b.Unmarshal(blob); err != nil {
			return fmt.Errorf("corrupt block at height %d: %v", h, err)
		}

		txs := make(map[crypto.Hash][]byte, len(b.TxHashes))
		for _, txID := range b.TxHashes {
			txBlob, err := s.dbGet(txKey(txID))
			if err != nil {
				return err
			}
			txs[txID] = txBlob
		}

		if err := s.inmemStore.PushBlock(b, blob, txs); err != nil {
			return err
		}
	}

	return nil
}

// Height implements the Store interface.
func (s *BadgerStore) Height() uint64 {
	return s.inmemStore.Height()
}

// Top implements the Store interface.
func (s *BadgerStore) Top() (uint64, crypto.Hash, error) {
	return s.inmemStore.Top()
}

// HaveBlock implements the Store interface.
func (s *BadgerStore) HaveBlock(id crypto.Hash) bool {
	return s.inmemStore.HaveBlock(id)
}

// GetBlockIDByHeight implements the Store interface.
func (s *BadgerStore) GetBlockIDByHeight(height uint64) (crypto.Hash, error) {
	return s.inmemStore.GetBlockIDByHeight(height)
}

// GetBlockHeight implements the Store interface.
func (s *BadgerStore) GetBlockHeight(id crypto.Hash) (uint64, error) {
	return s.inmemStore.GetBlockHeight(id)
}

// GetBlockByID implements the Store interface.
func (s *BadgerStore) GetBlockByID(id crypto.Hash) (*Block, []byte, error) {
	return s.inmemStore.GetBlockByID(id)
}

// PushBlock implements the Store interface. The block and its transactions
// are written to the database before the index is updated.
func (s *BadgerStore) PushBlock(b *Block, blob []byte, txs map[crypto.Hash][]byte) error {
	id, err := b.ID()
	if err != nil {
		return err
	}

	height := s.inmemStore.Height()

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(blockKey(id), blob); err != nil {
			return err
		}
		if err := txn.Set(heightKey(height), id.Bytes()); err != nil {
			return err
		}
		for txID, txBlob := range txs {
			if err := txn.Set(txKey(txID), txBlob); err != nil {
				return err
			}
		}

		countBytes := make([]byte, 8)
		binary.BigEndian.PutUint64(countBytes, height+1)
		return txn.Set([]byte(metaHeight), countBytes)
	})
	if err != nil {
		return err
	}

	return s.inmemStore.PushBlock(b, blob, txs)
}

// HaveTransaction implements the Store interface.
func (s *BadgerStore) HaveTransaction(id crypto.Hash) bool {
	return s.inmemStore.HaveTransaction(id)
}

// GetTransaction implements the Store interface.
func (s *BadgerStore) GetTransaction(id crypto.Hash) ([]byte, error) {
	return s.inmemStore.GetTransaction(id)
}

// Close implements the Store interface.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// StorePath implements the Store interface.
func (s *BadgerStore) StorePath() string {
	return s.path
}

func (s *BadgerStore) dbGet(key []byte) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if isDBKeyNotFound(err) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	return value, nil
}

func (s *BadgerStore) dbGetHeight() (uint64, error) {
	value, err := s.dbGet([]byte(metaHeight))
	if err != nil {
		if err == ErrKeyNotFound {
			return 0, nil
		}
		return 0, err
	}
	return binary.BigEndian.Uint64(value), nil
}

func (s *BadgerStore) dbGetBlockIDByHeight(height uint64) (crypto.Hash, error) {
	value, err := s.dbGet(heightKey(height))
	if err != nil {
		return crypto.NullHash, err
	}
	if len(value) != crypto.HashSize {
		return crypto.NullHash, fmt.Errorf("corrupt height index at %d", height)
	}
	var id crypto.Hash
	copy(id[:], value)
	return id, nil
}

func blockKey(id crypto.Hash) []byte {
	return []byte(fmt.Sprintf("%s_%s", blockPrefix, id.String()))
}

func heightKey(height uint64) []byte {
	return []byte(fmt.Sprintf("%s_%012d", heightPrefix, height))
}

func txKey(id crypto.Hash) []byte {
	return []byte(fmt.Sprintf("%s_%s", txPrefix, id.String()))
}

func isDBKeyNotFound(err error) bool {
	return err.Error() == badger.ErrKeyNotFound.Error()
}
