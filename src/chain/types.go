package chain

import (
	"bytes"

	"github.com/oneevilcoin/evild/src/crypto"
	"github.com/ugorji/go/codec"
)

// TxInput spends an amount by revealing a key image. Ring signatures and key
// derivation are handled below this layer.
type TxInput struct {
	Amount   uint64
	KeyImage crypto.Hash
}

// TxOutput locks an amount to a one-time target key.
type TxOutput struct {
	Amount uint64
	Target crypto.Hash
}

// Transaction is the wire-level transaction. Signature material is carried
// opaquely in Signatures; this layer only checks structure.
type Transaction struct {
	Version    uint64
	UnlockTime uint64
	Inputs     []TxInput
	Outputs    []TxOutput
	Extra      []byte
	Signatures [][]byte
}

// BlockHeader contains the fields that determine a block's id.
type BlockHeader struct {
	MajorVersion uint8
	MinorVersion uint8
	Timestamp    uint64
	PrevID       crypto.Hash
	Nonce        uint32
}

// Block is a block header plus the miner transaction and the ordered ids of
// the transactions included in the block.
type Block struct {
	BlockHeader
	MinerTx  Transaction
	TxHashes []crypto.Hash
}

// Marshal - canonical json encoding of Transaction
func (tx *Transaction) Marshal() ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(tx); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Unmarshal ...
func (tx *Transaction) Unmarshal(data []byte) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)

	return dec.Decode(tx)
}

// ID returns the transaction's content hash.
func (tx *Transaction) ID() (crypto.Hash, error) {
	blob, err := tx.Marshal()
	if err != nil {
		return crypto.NullHash, err
	}
	return crypto.HashData(blob), nil
}

// Marshal - canonical json encoding of Block
func (b *Block) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(buf, jh)

	if err := enc.Encode(b); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Unmarshal ...
func (b *Block) Unmarshal(data []byte) error {
	buf := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(buf, jh)

	return dec.Decode(b)
}

// ID returns the block's id: the hash of the header concatenated with the
// miner transaction id and the ordered transaction ids.
func (b *Block) ID() (crypto.Hash, error) {
	buf := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(buf, jh)

	if err := enc.Encode(b.BlockHeader); err != nil {
		return crypto.NullHash, err
	}

	minerTxID, err := b.MinerTx.ID()
	if err != nil {
		return crypto.NullHash, err
	}
	buf.Write(minerTxID.Bytes())

	for _, txID := range b.TxHashes {
		buf.Write(txID.Bytes())
	}

	return crypto.HashData(buf.Bytes()), nil
}
