package protocol

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/oneevilcoin/evild/src/chain"
	"github.com/oneevilcoin/evild/src/common"
	"github.com/oneevilcoin/evild/src/crypto"
	"github.com/oneevilcoin/evild/src/net"
	"github.com/sirupsen/logrus"
)

// testCore wraps a real Blockchain and counts OnSynchronized calls.
type testCore struct {
	*chain.Blockchain
	syncCalls int32
}

func (c *testCore) OnSynchronized() {
	atomic.AddInt32(&c.syncCalls, 1)
	c.Blockchain.OnSynchronized()
}

func (c *testCore) SyncCalls() int {
	return int(atomic.LoadInt32(&c.syncCalls))
}

type recordingObserver struct {
	l          sync.Mutex
	heights    []uint64
	peerCounts []int
}

func (o *recordingObserver) LastKnownBlockHeightUpdated(height uint64) {
	o.l.Lock()
	defer o.l.Unlock()
	o.heights = append(o.heights, height)
}

func (o *recordingObserver) PeerCountUpdated(count int) {
	o.l.Lock()
	defer o.l.Unlock()
	o.peerCounts = append(o.peerCounts, count)
}

func (o *recordingObserver) Heights() []uint64 {
	o.l.Lock()
	defer o.l.Unlock()
	heights := make([]uint64, len(o.heights))
	copy(heights, o.heights)
	return heights
}

func newTestHandler(t *testing.T) (*Handler, *testCore, *net.InmemTransport) {
	logger := common.NewTestLogger(t, logrus.DebugLevel).WithField("prefix", "test")

	bc, err := chain.NewBlockchain(chain.NewInmemStore(), logger)
	if err != nil {
		t.Fatal(err)
	}

	core := &testCore{Blockchain: bc}

	h := NewHandler(core, logger)
	trans := net.NewInmemTransport(h)
	h.SetTransport(trans)

	return h, core, trans
}

// makeBlocks builds n linked blocks on top of prev. The blocks carry no pool
// transactions; seed makes different calls produce different ids.
func makeBlocks(t *testing.T, prev crypto.Hash, n int, seed uint32) ([]*chain.Block, [][]byte, []crypto.Hash) {
	blocks := make([]*chain.Block, n)
	blobs := make([][]byte, n)
	ids := make([]crypto.Hash, n)

	for i := 0; i < n; i++ {
		b := &chain.Block{
			BlockHeader: chain.BlockHeader{
				MajorVersion: 1,
				Timestamp:    uint64(i + 1),
				PrevID:       prev,
				Nonce:        seed,
			},
			MinerTx: chain.Transaction{
				Version:    1,
				UnlockTime: uint64(i),
				Outputs:    []chain.TxOutput{{Amount: uint64(i + 1)}},
			},
		}

		blob, err := b.Marshal()
		if err != nil {
			t.Fatal(err)
		}
		id, err := b.ID()
		if err != nil {
			t.Fatal(err)
		}

		blocks[i] = b
		blobs[i] = blob
		ids[i] = id
		prev = id
	}

	return blocks, blobs, ids
}

func makeTx(t *testing.T, amount uint64) ([]byte, crypto.Hash) {
	tx := &chain.Transaction{
		Version: 1,
		Inputs:  []chain.TxInput{{Amount: amount, KeyImage: crypto.HashData([]byte{byte(amount)})}},
		Outputs: []chain.TxOutput{{Amount: amount}},
	}

	blob, err := tx.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	id, err := tx.ID()
	if err != nil {
		t.Fatal(err)
	}
	return blob, id
}

func rawBlocks(blobs [][]byte) []net.RawBlock {
	raws := make([]net.RawBlock, len(blobs))
	for i, blob := range blobs {
		raws[i] = net.RawBlock{Block: blob}
	}
	return raws
}

// syncPeer runs a connection through handshake, callback, and chain entry for
// the given remote chain, leaving it with an outstanding RequestGetObjects.
func syncPeer(t *testing.T, trans *net.InmemTransport, c *net.Connection, ids []crypto.Hash, totalHeight uint64) {
	genesisID := chain.GenesisID()

	if err := trans.DeliverSyncData(c, &net.CoreSyncData{
		CurrentHeight: totalHeight,
		TopID:         ids[len(ids)-1],
	}, true); err != nil {
		t.Fatal(err)
	}

	if c.State() != net.StateSynchronizing {
		t.Fatalf("state should be Synchronizing, got %v", c.State())
	}

	trans.FireCallbacks()

	entry := &net.ResponseChainEntry{
		StartHeight: 0,
		TotalHeight: totalHeight,
		BlockIDs:    append([]crypto.Hash{genesisID}, ids...),
	}
	if err := trans.Deliver(c, entry); err != nil {
		t.Fatal(err)
	}
}

func TestInitialHandshakeWithKnownTop(t *testing.T) {
	h, core, trans := newTestHandler(t)

	c := trans.Open("peer0", true)

	err := trans.DeliverSyncData(c, &net.CoreSyncData{
		CurrentHeight: 1,
		TopID:         chain.GenesisID(),
	}, true)
	if err != nil {
		t.Fatal(err)
	}

	if c.State() != net.StateNormal {
		t.Fatalf("state should be Normal, got %v", c.State())
	}
	if !h.Synchronized() {
		t.Fatal("handler should be synchronized")
	}
	if core.SyncCalls() != 1 {
		t.Fatalf("OnSynchronized should have been called once, got %d", core.SyncCalls())
	}
	if h.PeerCount() != 1 {
		t.Fatalf("peer count should be 1, got %d", h.PeerCount())
	}
}

func TestFreshSyncFromSinglePeer(t *testing.T) {
	h, core, trans := newTestHandler(t)

	_, blobs, ids := makeBlocks(t, chain.GenesisID(), 3, 1)

	c := trans.Open("peer0", false)
	syncPeer(t, trans, c, ids, 4)

	// the chain entry produced a batch request for the three unknown blocks
	req, ok := trans.LastSent(c).(*net.RequestGetObjects)
	if !ok {
		t.Fatalf("expected RequestGetObjects, got %T", trans.LastSent(c))
	}
	if len(req.Blocks) != 3 {
		t.Fatalf("expected 3 requested blocks, got %d", len(req.Blocks))
	}
	if len(c.NeededBlocks) != 0 {
		t.Fatalf("needed should have drained, got %d", len(c.NeededBlocks))
	}
	for _, id := range req.Blocks {
		if _, ok := c.RequestedBlocks[id]; !ok {
			t.Fatalf("requested id %s missing from context", id.String())
		}
	}

	if h.SynchronizingConnectionsCount() != 1 {
		t.Fatalf("one connection should be synchronizing, got %d", h.SynchronizingConnectionsCount())
	}

	resp := &net.ResponseGetObjects{
		Blocks:                  rawBlocks(blobs),
		CurrentBlockchainHeight: 4,
	}
	if err := trans.Deliver(c, resp); err != nil {
		t.Fatal(err)
	}

	if c.State() != net.StateNormal {
		t.Fatalf("state should be Normal, got %v", c.State())
	}
	if len(c.NeededBlocks) != 0 || len(c.RequestedBlocks) != 0 {
		t.Fatal("Normal state requires empty needed and requested sets")
	}
	if !h.Synchronized() {
		t.Fatal("handler should be synchronized")
	}
	if core.SyncCalls() != 1 {
		t.Fatalf("OnSynchronized should have been called once, got %d", core.SyncCalls())
	}

	height, topID := core.Top()
	if height != 3 {
		t.Fatalf("local tip should be 3, got %d", height)
	}
	if topID != ids[2] {
		t.Fatalf("local top should be %s, got %s", ids[2].String(), topID.String())
	}
	if h.ObservedHeight() != 3 {
		t.Fatalf("observed height should be 3, got %d", h.ObservedHeight())
	}

	if core.Miner().Paused() {
		t.Fatal("miner should have resumed")
	}
	if core.Miner().TemplateRebuilds() == 0 {
		t.Fatal("miner template should have been rebuilt")
	}
}

func TestSecondBlockShortCircuit(t *testing.T) {
	_, core, trans := newTestHandler(t)

	_, blobs, ids := makeBlocks(t, chain.GenesisID(), 3, 1)

	p := trans.Open("peerP", false)
	q := trans.Open("peerQ", false)

	syncPeer(t, trans, p, ids, 4)
	syncPeer(t, trans, q, ids, 4)

	// P delivers first and is applied in full
	if err := trans.Deliver(p, &net.ResponseGetObjects{
		Blocks:                  rawBlocks(blobs),
		CurrentBlockchainHeight: 4,
	}); err != nil {
		t.Fatal(err)
	}
	if p.State() != net.StateNormal {
		t.Fatalf("P should be Normal, got %v", p.State())
	}

	// Q delivers the same batch late; its second block is already known
	if err := trans.Deliver(q, &net.ResponseGetObjects{
		Blocks:                  rawBlocks(blobs),
		CurrentBlockchainHeight: 4,
	}); err != nil {
		t.Fatal(err)
	}

	if q.State() != net.StateIdle {
		t.Fatalf("Q should be Idle, got %v", q.State())
	}
	if len(q.NeededBlocks) != 0 || len(q.RequestedBlocks) != 0 {
		t.Fatal("Q's needed and requested sets should be cleared")
	}
	if trans.IsDropped(q) {
		t.Fatal("Q should not be dropped")
	}

	if height, _ := core.Top(); height != 3 {
		t.Fatalf("local tip should be 3, got %d", height)
	}
}

func TestMalformedBlockBroadcastDropsPeer(t *testing.T) {
	_, core, trans := newTestHandler(t)

	origin := trans.Open("origin", true)
	other := trans.Open("other", true)

	for _, c := range []*net.Connection{origin, other} {
		if err := trans.DeliverSyncData(c, &net.CoreSyncData{
			CurrentHeight: 1,
			TopID:         chain.GenesisID(),
		}, true); err != nil {
			t.Fatal(err)
		}
	}

	if err := trans.Deliver(origin, &net.NotifyNewBlock{
		Block:                   net.RawBlock{Block: []byte("garbage")},
		CurrentBlockchainHeight: 2,
	}); err != nil {
		t.Fatal(err)
	}

	if !trans.IsDropped(origin) {
		t.Fatal("origin should be dropped")
	}
	if height, _ := core.Top(); height != 0 {
		t.Fatalf("local tip should be unchanged, got %d", height)
	}
	for _, msg := range trans.Sent(other) {
		if _, ok := msg.(*net.NotifyNewBlock); ok {
			t.Fatal("malformed block should not be relayed")
		}
	}
}

func TestOrphanBroadcastTriggersSynchronizing(t *testing.T) {
	_, _, trans := newTestHandler(t)

	c := trans.Open("peer0", true)
	if err := trans.DeliverSyncData(c, &net.CoreSyncData{
		CurrentHeight: 1,
		TopID:         chain.GenesisID(),
	}, true); err != nil {
		t.Fatal(err)
	}

	// a block whose parent we have never seen
	unknownParent := crypto.HashData([]byte("unknown parent"))
	_, blobs, _ := makeBlocks(t, unknownParent, 1, 7)

	if err := trans.Deliver(c, &net.NotifyNewBlock{
		Block:                   net.RawBlock{Block: blobs[0]},
		CurrentBlockchainHeight: 10,
	}); err != nil {
		t.Fatal(err)
	}

	if trans.IsDropped(c) {
		t.Fatal("peer should not be dropped on steady-state orphan")
	}
	if c.State() != net.StateSynchronizing {
		t.Fatalf("state should be Synchronizing, got %v", c.State())
	}
	if _, ok := trans.LastSent(c).(*net.RequestChain); !ok {
		t.Fatalf("expected RequestChain, got %T", trans.LastSent(c))
	}
}

func TestAltChainRetreatRecomputesObservedHeight(t *testing.T) {
	h, _, trans := newTestHandler(t)

	obs := &recordingObserver{}
	h.AddObserver(obs)

	unknownTop := crypto.HashData([]byte("remote top"))
	otherTop := crypto.HashData([]byte("other top"))

	p := trans.Open("peerP", false)
	if err := trans.DeliverSyncData(p, &net.CoreSyncData{CurrentHeight: 100, TopID: unknownTop}, true); err != nil {
		t.Fatal(err)
	}

	q := trans.Open("peerQ", false)
	if err := trans.DeliverSyncData(q, &net.CoreSyncData{CurrentHeight: 92, TopID: otherTop}, true); err != nil {
		t.Fatal(err)
	}

	if h.ObservedHeight() != 100 {
		t.Fatalf("observed height should be 100, got %d", h.ObservedHeight())
	}

	// P reorgs onto a shorter chain and reports a lower height
	if err := trans.DeliverSyncData(p, &net.CoreSyncData{CurrentHeight: 95, TopID: unknownTop}, false); err != nil {
		t.Fatal(err)
	}

	if h.ObservedHeight() != 92 {
		t.Fatalf("observed height should drop to 92, got %d", h.ObservedHeight())
	}

	notified := 0
	for _, height := range obs.Heights() {
		if height == 92 {
			notified++
		}
	}
	if notified != 1 {
		t.Fatalf("observer should see 92 exactly once, got %d", notified)
	}
}

func TestUnsolicitedBlockDropsPeer(t *testing.T) {
	_, _, trans := newTestHandler(t)

	_, _, ids := makeBlocks(t, chain.GenesisID(), 1, 1)

	c := trans.Open("peer0", false)
	syncPeer(t, trans, c, ids, 2)

	// a block the handler never asked for
	_, otherBlobs, _ := makeBlocks(t, chain.GenesisID(), 1, 99)

	if err := trans.Deliver(c, &net.ResponseGetObjects{
		Blocks:                  rawBlocks(otherBlobs),
		CurrentBlockchainHeight: 2,
	}); err != nil {
		t.Fatal(err)
	}

	if !trans.IsDropped(c) {
		t.Fatal("peer should be dropped")
	}
	// the outstanding request survives for a future peer
	if len(c.RequestedBlocks) != 1 {
		t.Fatalf("requested set should keep the outstanding id, got %d", len(c.RequestedBlocks))
	}
}

func TestEmptyChainEntryDropsPeer(t *testing.T) {
	_, _, trans := newTestHandler(t)

	unknownTop := crypto.HashData([]byte("tip"))

	c := trans.Open("peer0", false)
	if err := trans.DeliverSyncData(c, &net.CoreSyncData{CurrentHeight: 5, TopID: unknownTop}, true); err != nil {
		t.Fatal(err)
	}
	trans.FireCallbacks()

	if err := trans.Deliver(c, &net.ResponseChainEntry{StartHeight: 0, TotalHeight: 5}); err != nil {
		t.Fatal(err)
	}

	if !trans.IsDropped(c) {
		t.Fatal("peer should be dropped on empty chain entry")
	}
}

func TestChainEntryWithUnknownFirstIDDropsPeer(t *testing.T) {
	_, _, trans := newTestHandler(t)

	_, _, ids := makeBlocks(t, crypto.HashData([]byte("foreign genesis")), 3, 1)

	c := trans.Open("peer0", false)
	if err := trans.DeliverSyncData(c, &net.CoreSyncData{CurrentHeight: 4, TopID: ids[2]}, true); err != nil {
		t.Fatal(err)
	}
	trans.FireCallbacks()

	if err := trans.Deliver(c, &net.ResponseChainEntry{
		StartHeight: 0,
		TotalHeight: 4,
		BlockIDs:    ids,
	}); err != nil {
		t.Fatal(err)
	}

	if !trans.IsDropped(c) {
		t.Fatal("peer should be dropped when the first id is unknown")
	}
}

func TestChainEntryExceedingTotalHeightDropsPeer(t *testing.T) {
	_, _, trans := newTestHandler(t)

	_, _, ids := makeBlocks(t, chain.GenesisID(), 3, 1)

	c := trans.Open("peer0", false)
	if err := trans.DeliverSyncData(c, &net.CoreSyncData{CurrentHeight: 4, TopID: ids[2]}, true); err != nil {
		t.Fatal(err)
	}
	trans.FireCallbacks()

	// total height says 2 but the entry describes ids up to height 3
	if err := trans.Deliver(c, &net.ResponseChainEntry{
		StartHeight: 0,
		TotalHeight: 2,
		BlockIDs:    append([]crypto.Hash{chain.GenesisID()}, ids...),
	}); err != nil {
		t.Fatal(err)
	}

	if !trans.IsDropped(c) {
		t.Fatal("peer should be dropped on rewinding heights")
	}
}

func TestTxCountMismatchDropsPeer(t *testing.T) {
	_, _, trans := newTestHandler(t)

	txBlob, txID := makeTx(t, 5)
	_ = txBlob

	// a block declaring one transaction, delivered with none
	b := &chain.Block{
		BlockHeader: chain.BlockHeader{
			MajorVersion: 1,
			Timestamp:    1,
			PrevID:       chain.GenesisID(),
			Nonce:        1,
		},
		MinerTx:  chain.Transaction{Version: 1, Outputs: []chain.TxOutput{{Amount: 1}}},
		TxHashes: []crypto.Hash{txID},
	}
	blob, err := b.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	id, err := b.ID()
	if err != nil {
		t.Fatal(err)
	}

	c := trans.Open("peer0", false)
	syncPeer(t, trans, c, []crypto.Hash{id}, 2)

	if err := trans.Deliver(c, &net.ResponseGetObjects{
		Blocks:                  []net.RawBlock{{Block: blob}},
		CurrentBlockchainHeight: 2,
	}); err != nil {
		t.Fatal(err)
	}

	if !trans.IsDropped(c) {
		t.Fatal("peer should be dropped on tx count mismatch")
	}
}

func TestResponseBelowLastResponseHeightDropsPeer(t *testing.T) {
	_, _, trans := newTestHandler(t)

	_, _, ids := makeBlocks(t, chain.GenesisID(), 3, 1)

	c := trans.Open("peer0", false)
	syncPeer(t, trans, c, ids, 4)

	// the peer now claims a chain shorter than what it already told us
	if err := trans.Deliver(c, &net.ResponseGetObjects{
		CurrentBlockchainHeight: 2,
	}); err != nil {
		t.Fatal(err)
	}

	if !trans.IsDropped(c) {
		t.Fatal("peer should be dropped on rewinding current height")
	}
}

func TestNewTransactionsIgnoredWhileSynchronizing(t *testing.T) {
	_, core, trans := newTestHandler(t)

	unknownTop := crypto.HashData([]byte("tip"))

	c := trans.Open("peer0", false)
	if err := trans.DeliverSyncData(c, &net.CoreSyncData{CurrentHeight: 5, TopID: unknownTop}, true); err != nil {
		t.Fatal(err)
	}

	txBlob, _ := makeTx(t, 9)
	if err := trans.Deliver(c, &net.NotifyNewTransactions{Transactions: [][]byte{txBlob}}); err != nil {
		t.Fatal(err)
	}

	if trans.IsDropped(c) {
		t.Fatal("peer should be kept")
	}
	if core.Pool().Count() != 0 {
		t.Fatal("transaction should not enter the pool while synchronizing")
	}
}

func TestTransactionRelayFiltering(t *testing.T) {
	_, core, trans := newTestHandler(t)

	a := trans.Open("peerA", true)
	b := trans.Open("peerB", true)

	for _, c := range []*net.Connection{a, b} {
		if err := trans.DeliverSyncData(c, &net.CoreSyncData{
			CurrentHeight: 1,
			TopID:         chain.GenesisID(),
		}, true); err != nil {
			t.Fatal(err)
		}
	}

	txBlob, _ := makeTx(t, 11)

	if err := trans.Deliver(a, &net.NotifyNewTransactions{Transactions: [][]byte{txBlob}}); err != nil {
		t.Fatal(err)
	}

	if core.Pool().Count() != 1 {
		t.Fatalf("pool should hold the transaction, got %d", core.Pool().Count())
	}

	relayedToB := 0
	for _, msg := range trans.Sent(b) {
		if _, ok := msg.(*net.NotifyNewTransactions); ok {
			relayedToB++
		}
	}
	if relayedToB != 1 {
		t.Fatalf("B should receive one relay, got %d", relayedToB)
	}
	for _, msg := range trans.Sent(a) {
		if _, ok := msg.(*net.NotifyNewTransactions); ok {
			t.Fatal("origin should not receive its own relay")
		}
	}

	// the same transaction from B is known already and relays nowhere
	trans.ClearSent(a)
	if err := trans.Deliver(b, &net.NotifyNewTransactions{Transactions: [][]byte{txBlob}}); err != nil {
		t.Fatal(err)
	}
	for _, msg := range trans.Sent(a) {
		if _, ok := msg.(*net.NotifyNewTransactions); ok {
			t.Fatal("known transaction should not be relayed again")
		}
	}
	if trans.IsDropped(b) {
		t.Fatal("sending a known transaction is not an offence")
	}
}

func TestBlockBroadcastRelayIncrementsHop(t *testing.T) {
	_, core, trans := newTestHandler(t)

	origin := trans.Open("origin", true)
	other := trans.Open("other", true)

	for _, c := range []*net.Connection{origin, other} {
		if err := trans.DeliverSyncData(c, &net.CoreSyncData{
			CurrentHeight: 1,
			TopID:         chain.GenesisID(),
		}, true); err != nil {
			t.Fatal(err)
		}
	}

	_, blobs, _ := makeBlocks(t, chain.GenesisID(), 1, 3)

	if err := trans.Deliver(origin, &net.NotifyNewBlock{
		Block:                   net.RawBlock{Block: blobs[0]},
		CurrentBlockchainHeight: 2,
		Hop:                     0,
	}); err != nil {
		t.Fatal(err)
	}

	if height, _ := core.Top(); height != 1 {
		t.Fatalf("block should be on the main chain, got height %d", height)
	}

	var relayed *net.NotifyNewBlock
	for _, msg := range trans.Sent(other) {
		if nb, ok := msg.(*net.NotifyNewBlock); ok {
			relayed = nb
		}
	}
	if relayed == nil {
		t.Fatal("block should be relayed to the other peer")
	}
	if relayed.Hop != 1 {
		t.Fatalf("hop should be incremented to 1, got %d", relayed.Hop)
	}
	for _, msg := range trans.Sent(origin) {
		if _, ok := msg.(*net.NotifyNewBlock); ok {
			t.Fatal("origin should not receive its own relay")
		}
	}
}

func TestSynchronizedFiresOnce(t *testing.T) {
	h, core, trans := newTestHandler(t)

	for _, name := range []string{"peerA", "peerB"} {
		c := trans.Open(name, true)
		if err := trans.DeliverSyncData(c, &net.CoreSyncData{
			CurrentHeight: 1,
			TopID:         chain.GenesisID(),
		}, true); err != nil {
			t.Fatal(err)
		}
	}

	if !h.Synchronized() {
		t.Fatal("handler should be synchronized")
	}
	if core.SyncCalls() != 1 {
		t.Fatalf("OnSynchronized should fire exactly once, got %d", core.SyncCalls())
	}
}

func TestPeerCountTracksLifecycle(t *testing.T) {
	h, _, trans := newTestHandler(t)

	// a peer that never completes its handshake does not count
	idle := trans.Open("idle", true)

	c := trans.Open("peer0", true)
	if err := trans.DeliverSyncData(c, &net.CoreSyncData{
		CurrentHeight: 1,
		TopID:         chain.GenesisID(),
	}, true); err != nil {
		t.Fatal(err)
	}

	if h.PeerCount() != 1 {
		t.Fatalf("peer count should be 1, got %d", h.PeerCount())
	}

	trans.Drop(idle)
	if h.PeerCount() != 1 {
		t.Fatalf("dropping a pre-handshake peer should not change the count, got %d", h.PeerCount())
	}

	trans.Drop(c)
	if h.PeerCount() != 0 {
		t.Fatalf("peer count should be 0, got %d", h.PeerCount())
	}
}

func TestCallbackWithoutRequestIsProtocolError(t *testing.T) {
	h, _, trans := newTestHandler(t)

	c := trans.Open("peer0", true)

	if err := h.OnCallback(c); err == nil {
		t.Fatal("a callback without a pending request is a protocol error")
	}
}

func TestDuplicateHandshakeMidSync(t *testing.T) {
	_, _, trans := newTestHandler(t)

	unknownTop := crypto.HashData([]byte("tip"))

	c := trans.Open("peer0", false)
	if err := trans.DeliverSyncData(c, &net.CoreSyncData{CurrentHeight: 5, TopID: unknownTop}, true); err != nil {
		t.Fatal(err)
	}
	if c.State() != net.StateSynchronizing {
		t.Fatalf("state should be Synchronizing, got %v", c.State())
	}

	if err := trans.DeliverSyncData(c, &net.CoreSyncData{CurrentHeight: 6, TopID: unknownTop}, false); err != nil {
		t.Fatal(err)
	}

	if c.State() != net.StateSynchronizing {
		t.Fatalf("duplicate handshake should leave the state alone, got %v", c.State())
	}
	if c.RemoteHeight() != 6 {
		t.Fatalf("remote height should still be updated, got %d", c.RemoteHeight())
	}
}

func TestRequestChainServesSupplement(t *testing.T) {
	_, core, trans := newTestHandler(t)

	// grow the local chain so there is something to serve
	_, blobs, ids := makeBlocks(t, chain.GenesisID(), 3, 1)
	for _, blob := range blobs {
		verdict := core.HandleIncomingBlock(blob, false, false)
		if !verdict.AddedToMainChain {
			t.Fatal("setup block rejected")
		}
	}

	c := trans.Open("peer0", true)
	if err := trans.Deliver(c, &net.RequestChain{
		BlockIDs: []crypto.Hash{chain.GenesisID()},
	}); err != nil {
		t.Fatal(err)
	}

	entry, ok := trans.LastSent(c).(*net.ResponseChainEntry)
	if !ok {
		t.Fatalf("expected ResponseChainEntry, got %T", trans.LastSent(c))
	}
	if entry.StartHeight != 0 || entry.TotalHeight != 4 {
		t.Fatalf("unexpected entry bounds: start=%d total=%d", entry.StartHeight, entry.TotalHeight)
	}
	if len(entry.BlockIDs) != 4 {
		t.Fatalf("expected 4 ids, got %d", len(entry.BlockIDs))
	}
	if entry.BlockIDs[0] != chain.GenesisID() || entry.BlockIDs[3] != ids[2] {
		t.Fatal("entry should run from the common ancestor to the tip")
	}
}

func TestRequestGetObjectsServesBlocks(t *testing.T) {
	_, core, trans := newTestHandler(t)

	_, blobs, ids := makeBlocks(t, chain.GenesisID(), 2, 1)
	for _, blob := range blobs {
		if verdict := core.HandleIncomingBlock(blob, false, false); !verdict.AddedToMainChain {
			t.Fatal("setup block rejected")
		}
	}

	missing := crypto.HashData([]byte("missing"))

	c := trans.Open("peer0", true)
	if err := trans.Deliver(c, &net.RequestGetObjects{
		Blocks: []crypto.Hash{ids[0], ids[1], missing},
	}); err != nil {
		t.Fatal(err)
	}

	resp, ok := trans.LastSent(c).(*net.ResponseGetObjects)
	if !ok {
		t.Fatalf("expected ResponseGetObjects, got %T", trans.LastSent(c))
	}
	if len(resp.Blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(resp.Blocks))
	}
	if len(resp.MissedIDs) != 1 || resp.MissedIDs[0] != missing {
		t.Fatal("unknown id should be reported as missed")
	}
	if resp.CurrentBlockchainHeight != 3 {
		t.Fatalf("current height should be 3, got %d", resp.CurrentBlockchainHeight)
	}
}

func TestRelayBlockReachesAllPeers(t *testing.T) {
	h, _, trans := newTestHandler(t)

	a := trans.Open("peerA", true)
	b := trans.Open("peerB", true)

	_, blobs, _ := makeBlocks(t, chain.GenesisID(), 1, 5)

	arg := &net.NotifyNewBlock{
		Block:                   net.RawBlock{Block: blobs[0]},
		CurrentBlockchainHeight: 2,
	}
	h.RelayBlock(arg, 0)

	for _, c := range []*net.Connection{a, b} {
		found := false
		for _, msg := range trans.Sent(c) {
			if _, ok := msg.(*net.NotifyNewBlock); ok {
				found = true
			}
		}
		if !found {
			t.Fatalf("connection %d should receive the relay", c.ID())
		}
	}
}

func TestStopHaltsBlockApplication(t *testing.T) {
	h, core, trans := newTestHandler(t)

	_, blobs, ids := makeBlocks(t, chain.GenesisID(), 3, 1)

	c := trans.Open("peer0", false)
	syncPeer(t, trans, c, ids, 4)

	h.Stop()

	if err := trans.Deliver(c, &net.ResponseGetObjects{
		Blocks:                  rawBlocks(blobs),
		CurrentBlockchainHeight: 4,
	}); err != nil {
		t.Fatal(err)
	}

	if height, _ := core.Top(); height != 0 {
		t.Fatalf("no block should be applied after Stop, got height %d", height)
	}
	if trans.IsDropped(c) {
		t.Fatal("stopping is not a peer offence")
	}
	if core.Miner().Paused() {
		t.Fatal("miner should have resumed on the early exit path")
	}
}

func TestIdleChainEntryResumesSync(t *testing.T) {
	_, core, trans := newTestHandler(t)

	_, blobs, ids := makeBlocks(t, chain.GenesisID(), 3, 1)

	p := trans.Open("peerP", false)
	q := trans.Open("peerQ", false)

	syncPeer(t, trans, p, ids, 4)
	syncPeer(t, trans, q, ids, 4)

	if err := trans.Deliver(p, &net.ResponseGetObjects{
		Blocks:                  rawBlocks(blobs),
		CurrentBlockchainHeight: 4,
	}); err != nil {
		t.Fatal(err)
	}
	if err := trans.Deliver(q, &net.ResponseGetObjects{
		Blocks:                  rawBlocks(blobs),
		CurrentBlockchainHeight: 4,
	}); err != nil {
		t.Fatal(err)
	}
	if q.State() != net.StateIdle {
		t.Fatalf("Q should be Idle, got %v", q.State())
	}

	// the remote chain grew; a fresh chain entry pulls Q back into the loop
	_, moreBlobs, moreIDs := makeBlocks(t, ids[2], 1, 8)

	if err := trans.Deliver(q, &net.ResponseChainEntry{
		StartHeight: 3,
		TotalHeight: 5,
		BlockIDs:    []crypto.Hash{ids[2], moreIDs[0]},
	}); err != nil {
		t.Fatal(err)
	}

	if _, ok := trans.LastSent(q).(*net.RequestGetObjects); !ok {
		t.Fatalf("expected RequestGetObjects, got %T", trans.LastSent(q))
	}

	if err := trans.Deliver(q, &net.ResponseGetObjects{
		Blocks:                  rawBlocks(moreBlobs),
		CurrentBlockchainHeight: 5,
	}); err != nil {
		t.Fatal(err)
	}

	if q.State() != net.StateNormal {
		t.Fatalf("Q should be Normal, got %v", q.State())
	}
	if height, _ := core.Top(); height != 4 {
		t.Fatalf("local tip should be 4, got %d", height)
	}
}
