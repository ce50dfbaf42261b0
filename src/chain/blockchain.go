package chain

import (
	"errors"
	"fmt"
	"sync"

	"github.com/oneevilcoin/evild/src/crypto"
	"github.com/oneevilcoin/evild/src/net"
	"github.com/sirupsen/logrus"
)

// ErrNoCommonAncestor is returned by FindSupplement when none of the ids in
// the remote history are on our main chain. A well-formed history always ends
// with genesis, so this indicates a peer on a different network.
var ErrNoCommonAncestor = errors.New("no common ancestor with remote history")

// Blockchain owns the canonical chain, the transaction pool and the miner
// facade. It implements the capability set the protocol handler requires.
// All methods are safe for concurrent use.
type Blockchain struct {
	l sync.Mutex

	store       Store
	pool        *Pool
	miner       *Miner
	alternative map[crypto.Hash]*Block

	logger *logrus.Entry
}

// NewBlockchain creates a Blockchain on top of a store. An empty store is
// seeded with the genesis block.
func NewBlockchain(store Store, logger *logrus.Entry) (*Blockchain, error) {
	bc := &Blockchain{
		store:       store,
		pool:        NewPool(logger),
		miner:       NewMiner(logger),
		alternative: make(map[crypto.Hash]*Block),
		logger:      logger,
	}

	if store.Height() == 0 {
		genesis := GenesisBlock()
		blob, err := genesis.Marshal()
		if err != nil {
			return nil, err
		}
		if err := store.PushBlock(genesis, blob, nil); err != nil {
			return nil, err
		}
		bc.logger.WithField("genesis_id", GenesisID().String()).Debug("Seeded genesis block")
	}

	return bc, nil
}

// Pool returns the transaction pool.
func (bc *Blockchain) Pool() *Pool {
	return bc.pool
}

// Miner returns the miner facade.
func (bc *Blockchain) Miner() *Miner {
	return bc.miner
}

// HaveBlock reports whether the id is known, on the main chain or as an
// alternative block.
func (bc *Blockchain) HaveBlock(id crypto.Hash) bool {
	bc.l.Lock()
	defer bc.l.Unlock()
	return bc.haveBlockUnlocked(id)
}

func (bc *Blockchain) haveBlockUnlocked(id crypto.Hash) bool {
	if bc.store.HaveBlock(id) {
		return true
	}
	_, ok := bc.alternative[id]
	return ok
}

// Top returns the height and id of the main-chain tip.
func (bc *Blockchain) Top() (uint64, crypto.Hash) {
	bc.l.Lock()
	defer bc.l.Unlock()

	height, id, err := bc.store.Top()
	if err != nil {
		// the store is seeded with genesis at construction
		panic(fmt.Sprintf("empty block store: %v", err))
	}
	return height, id
}

// CurrentHeight returns the count of main-chain blocks including genesis.
func (bc *Blockchain) CurrentHeight() uint64 {
	bc.l.Lock()
	defer bc.l.Unlock()
	return bc.store.Height()
}

// ShortChainHistory returns main-chain ids with a dense head and an
// exponentially spaced tail: the last 10 ids one by one, then offsets growing
// by a doubling multiplier, and always genesis last.
func (bc *Blockchain) ShortChainHistory() []crypto.Hash {
	bc.l.Lock()
	defer bc.l.Unlock()

	var ids []crypto.Hash

	sz := bc.store.Height()
	if sz == 0 {
		return ids
	}

	genesisIncluded := false
	currentMultiplier := uint64(1)
	currentBackOffset := uint64(1)
	i := 0

	for currentBackOffset < sz {
		id, err := bc.store.GetBlockIDByHeight(sz - currentBackOffset)
		if err != nil {
			break
		}
		ids = append(ids, id)

		if sz-currentBackOffset == 0 {
			genesisIncluded = true
		}
		if i < 10 {
			currentBackOffset++
		} else {
			currentMultiplier *= 2
			currentBackOffset += currentMultiplier
		}
		i++
	}

	if !genesisIncluded {
		genesis, err := bc.store.GetBlockIDByHeight(0)
		if err == nil {
			ids = append(ids, genesis)
		}
	}

	return ids
}

// FindSupplement locates the most recent id of remoteHistory on our main
// chain and returns the run of ids from there to the tip, limited to
// maxCount. The first returned id is the common ancestor itself.
func (bc *Blockchain) FindSupplement(remoteHistory []crypto.Hash, maxCount int) (*net.ResponseChainEntry, error) {
	bc.l.Lock()
	defer bc.l.Unlock()

	if len(remoteHistory) == 0 {
		return nil, errors.New("empty remote history")
	}

	var startHeight uint64
	found := false
	for _, id := range remoteHistory {
		if height, err := bc.store.GetBlockHeight(id); err == nil {
			startHeight = height
			found = true
			break
		}
	}
	if !found {
		return nil, ErrNoCommonAncestor
	}

	resp := &net.ResponseChainEntry{
		StartHeight: startHeight,
		TotalHeight: bc.store.Height(),
	}

	for height := startHeight; height < bc.store.Height() && len(resp.BlockIDs) < maxCount; height++ {
		id, err := bc.store.GetBlockIDByHeight(height)
		if err != nil {
			return nil, err
		}
		resp.BlockIDs = append(resp.BlockIDs, id)
	}

	return resp, nil
}

// HandleIncomingTx verifies a transaction blob and admits it to the pool.
func (bc *Blockchain) HandleIncomingTx(blob []byte, keptByBlock bool) TxVerdict {
	var verdict TxVerdict

	tx := new(Transaction)
	if err := tx.Unmarshal(blob); err != nil {
		bc.logger.WithError(err).Debug("Failed to parse transaction blob")
		verdict.VerificationFailed = true
		return verdict
	}

	if tx.Version == 0 || len(tx.Inputs) == 0 || len(tx.Outputs) == 0 {
		verdict.VerificationFailed = true
		return verdict
	}

	id, err := tx.ID()
	if err != nil {
		verdict.VerificationFailed = true
		return verdict
	}

	bc.l.Lock()
	defer bc.l.Unlock()

	if bc.store.HaveTransaction(id) {
		verdict.AlreadyHave = true
		return verdict
	}

	if !bc.pool.Add(id, tx, blob, keptByBlock) {
		verdict.AlreadyHave = true
		return verdict
	}

	verdict.AddedToPool = true
	verdict.ShouldBeRelayed = !keptByBlock
	return verdict
}

// HandleIncomingBlock verifies a block blob and attaches it to the chain.
func (bc *Blockchain) HandleIncomingBlock(blob []byte, fromBroadcast bool, fromSelf bool) BlockVerdict {
	var verdict BlockVerdict

	b := new(Block)
	if err := b.Unmarshal(blob); err != nil {
		bc.logger.WithError(err).Debug("Failed to parse block blob")
		verdict.VerificationFailed = true
		return verdict
	}

	if b.MajorVersion == 0 {
		verdict.VerificationFailed = true
		return verdict
	}

	id, err := b.ID()
	if err != nil {
		verdict.VerificationFailed = true
		return verdict
	}

	bc.l.Lock()
	defer bc.l.Unlock()

	if bc.haveBlockUnlocked(id) {
		verdict.AlreadyExists = true
		return verdict
	}

	_, topID, err := bc.store.Top()
	if err != nil {
		verdict.VerificationFailed = true
		return verdict
	}

	switch {
	case b.PrevID == topID:
		if err := bc.appendToMainChain(b, blob); err != nil {
			bc.logger.WithError(err).WithField("block_id", id.String()).Debug("Block rejected")
			verdict.VerificationFailed = true
			return verdict
		}
		bc.miner.InvalidateTemplate()
		verdict.AddedToMainChain = true

		bc.logger.WithFields(logrus.Fields{
			"block_id": id.String(),
			"height":   bc.store.Height() - 1,
			"txs":      len(b.TxHashes),
		}).Info("Block added to main chain")

	case bc.haveBlockUnlocked(b.PrevID):
		bc.alternative[id] = b
		verdict.AddedToAltChain = true

		bc.logger.WithFields(logrus.Fields{
			"block_id": id.String(),
			"prev_id":  b.PrevID.String(),
		}).Info("Block added as alternative")

	default:
		verdict.MarkedAsOrphan = true

		bc.logger.WithFields(logrus.Fields{
			"block_id": id.String(),
			"prev_id":  b.PrevID.String(),
		}).Debug("Block marked as orphan")
	}

	return verdict
}

// appendToMainChain moves the block's transactions from the pool to the
// confirmed set and pushes the block. bc.l must be held.
func (bc *Blockchain) appendToMainChain(b *Block, blob []byte) error {
	txs := make(map[crypto.Hash][]byte, len(b.TxHashes))

	for _, txID := range b.TxHashes {
		if txBlob, ok := bc.pool.Get(txID); ok {
			txs[txID] = txBlob
			continue
		}
		if bc.store.HaveTransaction(txID) {
			return fmt.Errorf("transaction %s already confirmed", txID.String())
		}
		return fmt.Errorf("transaction %s not found for block", txID.String())
	}

	if err := bc.store.PushBlock(b, blob, txs); err != nil {
		return err
	}

	for _, txID := range b.TxHashes {
		bc.pool.Take(txID)
	}

	return nil
}

// HandleGetObjects serves block and transaction blobs for a peer request.
func (bc *Blockchain) HandleGetObjects(req *net.RequestGetObjects, resp *net.ResponseGetObjects) error {
	bc.l.Lock()
	defer bc.l.Unlock()

	for _, id := range req.Blocks {
		if !bc.store.HaveBlock(id) {
			resp.MissedIDs = append(resp.MissedIDs, id)
			continue
		}

		b, blob, err := bc.store.GetBlockByID(id)
		if err != nil {
			return err
		}

		raw := net.RawBlock{Block: blob}
		for _, txID := range b.TxHashes {
			txBlob, err := bc.store.GetTransaction(txID)
			if err != nil {
				return fmt.Errorf("missing confirmed transaction %s of block %s", txID.String(), id.String())
			}
			raw.Transactions = append(raw.Transactions, txBlob)
		}

		resp.Blocks = append(resp.Blocks, raw)
	}

	for _, id := range req.Transactions {
		if blob, ok := bc.pool.Get(id); ok {
			resp.Transactions = append(resp.Transactions, blob)
			continue
		}
		if blob, err := bc.store.GetTransaction(id); err == nil {
			resp.Transactions = append(resp.Transactions, blob)
			continue
		}
		resp.MissedIDs = append(resp.MissedIDs, id)
	}

	resp.CurrentBlockchainHeight = bc.store.Height()

	return nil
}

// PauseMining implements the mining-paused bracket around block application.
func (bc *Blockchain) PauseMining() {
	bc.miner.Pause()
}

// ResumeMining rebuilds the mining template and resumes.
func (bc *Blockchain) ResumeMining() {
	bc.miner.ResumeAndRebuildTemplate()
}

// OnIdle runs periodic housekeeping: pool expiry.
func (bc *Blockchain) OnIdle() error {
	if removed := bc.pool.RemoveExpired(txPoolTxLivetime); removed > 0 {
		bc.logger.WithField("removed", removed).Info("Expired pool transactions")
	}
	return nil
}

// OnSynchronized is called once when the node first catches up with the
// network.
func (bc *Blockchain) OnSynchronized() {
	bc.logger.Info("Core synchronized, rebuilding block template")
	bc.miner.InvalidateTemplate()
}
