package net

import (
	"bytes"
	"fmt"

	"github.com/oneevilcoin/evild/src/crypto"
	"github.com/ugorji/go/codec"
)

// Numeric command ids on the wire. The blockchain notification ids must not
// change: they are what remote nodes dispatch on.
const (
	p2pCommandsPoolBase uint32 = 1000

	// CommandHandshake opens a connection; both sides exchange CoreSyncData.
	CommandHandshake = p2pCommandsPoolBase + 1
	// CommandTimedSync refreshes a peer's CoreSyncData periodically.
	CommandTimedSync = p2pCommandsPoolBase + 2

	bcCommandsPoolBase uint32 = 2000

	CommandNotifyNewBlock        = bcCommandsPoolBase + 1
	CommandNotifyNewTransactions = bcCommandsPoolBase + 2
	CommandRequestGetObjects     = bcCommandsPoolBase + 3
	CommandResponseGetObjects    = bcCommandsPoolBase + 4
	CommandRequestChain          = bcCommandsPoolBase + 6
	CommandResponseChainEntry    = bcCommandsPoolBase + 7
)

// CoreSyncData is the sync payload attached to handshakes and timed syncs.
// CurrentHeight is the count of blocks including genesis, i.e. local tip
// height + 1.
type CoreSyncData struct {
	CurrentHeight uint64
	TopID         crypto.Hash
}

// RawBlock is a block blob together with the blobs of the transactions it
// includes, in the order of the block's tx hashes.
type RawBlock struct {
	Block        []byte
	Transactions [][]byte
}

// NotifyNewBlock is the new-block broadcast. Hop counts relays for loop
// diagnostics.
type NotifyNewBlock struct {
	Block                   RawBlock
	CurrentBlockchainHeight uint64
	Hop                     uint32
}

// NotifyNewTransactions is the new-transactions broadcast.
type NotifyNewTransactions struct {
	Transactions [][]byte
}

// RequestGetObjects asks a peer for block and transaction blobs by id.
type RequestGetObjects struct {
	Blocks       []crypto.Hash
	Transactions []crypto.Hash
}

// ResponseGetObjects answers a RequestGetObjects. Ids the responder does not
// have are returned in MissedIDs.
type ResponseGetObjects struct {
	Blocks                  []RawBlock
	Transactions            [][]byte
	MissedIDs               []crypto.Hash
	CurrentBlockchainHeight uint64
}

// RequestChain carries a short chain history: a sparse sample of the
// requester's block ids, dense near the tip, always ending with genesis.
type RequestChain struct {
	BlockIDs []crypto.Hash
}

// ResponseChainEntry returns the contiguous run of block ids the responder has
// on top of the common ancestor. The first id is the ancestor itself, which
// the requester is expected to know.
type ResponseChainEntry struct {
	StartHeight uint64
	TotalHeight uint64
	BlockIDs    []crypto.Hash
}

// Handshake is exchanged when a connection opens.
type Handshake struct {
	PeerID   uint32
	SyncData CoreSyncData
}

// TimedSync refreshes the remote's view of our chain.
type TimedSync struct {
	SyncData CoreSyncData
}

// Message is a wire-level protocol message.
type Message interface {
	Command() uint32
}

// Command ...
func (*Handshake) Command() uint32 { return CommandHandshake }

// Command ...
func (*TimedSync) Command() uint32 { return CommandTimedSync }

// Command ...
func (*NotifyNewBlock) Command() uint32 { return CommandNotifyNewBlock }

// Command ...
func (*NotifyNewTransactions) Command() uint32 { return CommandNotifyNewTransactions }

// Command ...
func (*RequestGetObjects) Command() uint32 { return CommandRequestGetObjects }

// Command ...
func (*ResponseGetObjects) Command() uint32 { return CommandResponseGetObjects }

// Command ...
func (*RequestChain) Command() uint32 { return CommandRequestChain }

// Command ...
func (*ResponseChainEntry) Command() uint32 { return CommandResponseChainEntry }

// MarshalMessage - canonical json encoding of a wire message body.
func MarshalMessage(m Message) ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(m); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// UnmarshalMessage decodes a wire message body for the given command id.
func UnmarshalMessage(command uint32, data []byte) (Message, error) {
	var m Message

	switch command {
	case CommandHandshake:
		m = new(Handshake)
	case CommandTimedSync:
		m = new(TimedSync)
	case CommandNotifyNewBlock:
		m = new(NotifyNewBlock)
	case CommandNotifyNewTransactions:
		m = new(NotifyNewTransactions)
	case CommandRequestGetObjects:
		m = new(RequestGetObjects)
	case CommandResponseGetObjects:
		m = new(ResponseGetObjects)
	case CommandRequestChain:
		m = new(RequestChain)
	case CommandResponseChainEntry:
		m = new(ResponseChainEntry)
	default:
		return nil, fmt.Errorf("unknown command %d", command)
	}

	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)

	if err := dec.Decode(m); err != nil {
		return nil, err
	}

	return m, nil
}
