package chain

import (
	"sync"
	"time"

	"github.com/oneevilcoin/evild/src/crypto"
	"github.com/sirupsen/logrus"
)

// txPoolTxLivetime is how long a loose transaction may sit in the pool before
// idle housekeeping evicts it. Transactions kept by a block are exempt.
const txPoolTxLivetime = 24 * time.Hour

type poolEntry struct {
	tx          *Transaction
	blob        []byte
	keptByBlock bool
	receivedAt  time.Time
}

// Pool holds verified transactions that are not yet in a block.
type Pool struct {
	l            sync.Mutex
	transactions map[crypto.Hash]*poolEntry
	logger       *logrus.Entry
}

// NewPool creates an empty transaction pool.
func NewPool(logger *logrus.Entry) *Pool {
	return &Pool{
		transactions: make(map[crypto.Hash]*poolEntry),
		logger:       logger,
	}
}

// Have reports whether the transaction is in the pool.
func (p *Pool) Have(id crypto.Hash) bool {
	p.l.Lock()
	defer p.l.Unlock()
	_, ok := p.transactions[id]
	return ok
}

// Add inserts a transaction. It returns false if the transaction was already
// present; in that case an entry's keptByBlock flag is upgraded, so that a
// transaction first seen loose and then included in a block is not expired.
func (p *Pool) Add(id crypto.Hash, tx *Transaction, blob []byte, keptByBlock bool) bool {
	p.l.Lock()
	defer p.l.Unlock()

	if entry, ok := p.transactions[id]; ok {
		if keptByBlock {
			entry.keptByBlock = true
		}
		return false
	}

	p.transactions[id] = &poolEntry{
		tx:          tx,
		blob:        blob,
		keptByBlock: keptByBlock,
		receivedAt:  time.Now(),
	}
	return true
}

// Get returns a pooled transaction blob.
func (p *Pool) Get(id crypto.Hash) ([]byte, bool) {
	p.l.Lock()
	defer p.l.Unlock()
	entry, ok := p.transactions[id]
	if !ok {
		return nil, false
	}
	return entry.blob, true
}

// Take removes a transaction from the pool and returns its blob. Used when a
// block containing the transaction is applied.
func (p *Pool) Take(id crypto.Hash) ([]byte, bool) {
	p.l.Lock()
	defer p.l.Unlock()
	entry, ok := p.transactions[id]
	if !ok {
		return nil, false
	}
	delete(p.transactions, id)
	return entry.blob, true
}

// Count returns the number of pooled transactions.
func (p *Pool) Count() int {
	p.l.Lock()
	defer p.l.Unlock()
	return len(p.transactions)
}

// RemoveExpired evicts loose transactions older than ttl and returns how many
// were removed.
func (p *Pool) RemoveExpired(ttl time.Duration) int {
	p.l.Lock()
	defer p.l.Unlock()

	removed := 0
	now := time.Now()
	for id, entry := range p.transactions {
		if !entry.keptByBlock && now.Sub(entry.receivedAt) > ttl {
			delete(p.transactions, id)
			removed++
			p.logger.WithField("tx_id", id.String()).Debug("Expired pool transaction")
		}
	}
	return removed
}
