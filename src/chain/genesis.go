package chain

import (
	"github.com/oneevilcoin/evild/src/crypto"
)

// genesisNonce is baked into the genesis header so that every node derives
// the same genesis id.
const genesisNonce = 70

// genesisReward is the subsidy of the genesis miner transaction.
const genesisReward = 17592186044415

// GenesisBlock returns the network's genesis block. It is deterministic:
// every field is a constant.
func GenesisBlock() *Block {
	return &Block{
		BlockHeader: BlockHeader{
			MajorVersion: 1,
			MinorVersion: 0,
			Timestamp:    0,
			PrevID:       crypto.NullHash,
			Nonce:        genesisNonce,
		},
		MinerTx: Transaction{
			Version:    1,
			UnlockTime: 10,
			Outputs: []TxOutput{
				{Amount: genesisReward, Target: crypto.NullHash},
			},
		},
	}
}

// GenesisID returns the id of the genesis block.
func GenesisID() crypto.Hash {
	id, err := GenesisBlock().ID()
	if err != nil {
		// the genesis block is a constant; it always hashes
		panic(err)
	}
	return id
}
