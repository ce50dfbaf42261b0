package protocol

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/oneevilcoin/evild/src/chain"
	"github.com/oneevilcoin/evild/src/crypto"
	"github.com/oneevilcoin/evild/src/net"
	"github.com/sirupsen/logrus"
)

const (
	// BlocksSynchronizingDefaultCount is the maximum number of blocks
	// requested in one RequestGetObjects batch.
	BlocksSynchronizingDefaultCount = 200

	// BlocksIDsSynchronizingDefaultCount is the maximum number of ids
	// returned in one ResponseChainEntry.
	BlocksIDsSynchronizingDefaultCount = 10000
)

// Handler drives the per-peer synchronization state machine. It consumes
// inbound commands from the transport, queries and mutates the core, and
// emits outbound commands back through the transport.
//
// Per-connection context is only touched from that connection's dispatch
// goroutine; the observed height has its own mutex; peer count and the
// one-shot synchronized flag are atomics.
type Handler struct {
	core Core
	p2p  net.Transport

	logger *logrus.Entry

	peersCount   int32
	synchronized uint32
	stop         uint32

	observedHeight     uint64
	observedHeightLock sync.Mutex

	observersLock sync.Mutex
	observers     []Observer
}

// NewHandler returns a Handler bound to the given core. The transport may be
// wired later with SetTransport; until then outbound traffic goes to a stub.
func NewHandler(core Core, logger *logrus.Entry) *Handler {
	return &Handler{
		core:   core,
		p2p:    &stubTransport{},
		logger: logger,
	}
}

// SetTransport injects the peer transport. It must be called before the
// transport starts dispatching.
func (h *Handler) SetTransport(t net.Transport) {
	if t == nil {
		h.p2p = &stubTransport{}
		return
	}
	h.p2p = t
}

// Stop makes long handler loops return promptly. In-flight core calls are not
// interrupted.
func (h *Handler) Stop() {
	atomic.StoreUint32(&h.stop, 1)
}

func (h *Handler) stopping() bool {
	return atomic.LoadUint32(&h.stop) == 1
}

// PeerCount returns the number of peers past the initial handshake.
func (h *Handler) PeerCount() int {
	return int(atomic.LoadInt32(&h.peersCount))
}

// Synchronized reports whether the one-shot synchronized notification has
// fired.
func (h *Handler) Synchronized() bool {
	return atomic.LoadUint32(&h.synchronized) == 1
}

// SyncData returns the payload for our own handshakes and timed syncs. The
// height is in the block-count convention: local tip height + 1.
func (h *Handler) SyncData() *net.CoreSyncData {
	height, topID := h.core.Top()
	return &net.CoreSyncData{
		CurrentHeight: height + 1,
		TopID:         topID,
	}
}

// OnIdle runs the core's periodic housekeeping.
func (h *Handler) OnIdle() error {
	return h.core.OnIdle()
}

func (h *Handler) peerLogger(c *net.Connection) *logrus.Entry {
	return h.logger.WithFields(logrus.Fields{
		"peer":  c.ID(),
		"addr":  c.Addr(),
		"state": c.State().String(),
	})
}

// OnConnectionOpened implements net.Handler.
func (h *Handler) OnConnectionOpened(c *net.Connection) {
}

// OnConnectionClosed implements net.Handler. It recomputes the observed
// height without the leaving peer and maintains the peer count.
func (h *Handler) OnConnectionClosed(c *net.Connection) {
	updated := false
	var newHeight uint64

	h.observedHeightLock.Lock()
	prevHeight := h.observedHeight
	h.recalculateMaxObservedHeight(c)
	if prevHeight != h.observedHeight {
		updated = true
	}
	newHeight = h.observedHeight
	h.observedHeightLock.Unlock()

	if updated {
		h.logger.WithField("observed_height", newHeight).Debug("Observed height updated")
		h.notifyHeightUpdated(newHeight)
	}

	if c.State() != net.StateBeforeHandshake {
		count := atomic.AddInt32(&h.peersCount, -1)
		h.notifyPeerCountUpdated(int(count))
	}
}

// ProcessSyncData implements net.Handler. It processes the sync payload
// attached to a handshake (isInitial) or a timed sync, and decides whether
// the peer has anything we need.
func (h *Handler) ProcessSyncData(c *net.Connection, data *net.CoreSyncData, isInitial bool) error {
	if c.State() == net.StateBeforeHandshake && !isInitial {
		return nil
	}

	if c.State() == net.StateSynchronizing {
		// mid-stream duplicate, leave the state machine alone
	} else if h.core.HaveBlock(data.TopID) {
		c.SetState(net.StateNormal)
		if isInitial {
			h.onConnectionSynchronized()
		}
	} else {
		diff := int64(data.CurrentHeight) - int64(h.core.CurrentHeight())

		h.peerLogger(c).WithFields(logrus.Fields{
			"local_height":  h.core.CurrentHeight(),
			"remote_height": data.CurrentHeight,
			"diff":          diff,
			"top_id":        data.TopID.String(),
		}).Info("Sync data returned unknown top block, synchronization started")

		c.SetState(net.StateSynchronizing)

		// let the socket flush the handshake response first; the first
		// RequestChain goes out when the callback fires
		c.CallbackRequests++
		h.p2p.RequestCallback(c)
	}

	h.updateObservedHeight(data.CurrentHeight, c)
	c.SetRemoteHeight(data.CurrentHeight)

	if isInitial {
		count := atomic.AddInt32(&h.peersCount, 1)
		h.notifyPeerCountUpdated(int(count))
	}

	return nil
}

// OnCallback implements net.Handler. A callback firing without a matching
// request is a protocol error; the transport closes the connection on a
// non-nil return.
func (h *Handler) OnCallback(c *net.Connection) error {
	h.peerLogger(c).Debug("Callback fired")

	if c.CallbackRequests <= 0 {
		return fmt.Errorf("false callback fired, callback_requests=%d", c.CallbackRequests)
	}
	c.CallbackRequests--

	if c.State() == net.StateSynchronizing {
		r := &net.RequestChain{BlockIDs: h.core.ShortChainHistory()}
		h.peerLogger(c).WithField("block_ids", len(r.BlockIDs)).Debug("-->>RequestChain")
		h.p2p.Post(c, r)
	}

	return nil
}

// ProcessCommand implements net.Handler.
func (h *Handler) ProcessCommand(c *net.Connection, msg net.Message) error {
	switch cmd := msg.(type) {
	case *net.NotifyNewBlock:
		h.handleNotifyNewBlock(c, cmd)
	case *net.NotifyNewTransactions:
		h.handleNotifyNewTransactions(c, cmd)
	case *net.RequestGetObjects:
		h.handleRequestGetObjects(c, cmd)
	case *net.ResponseGetObjects:
		h.handleResponseGetObjects(c, cmd)
	case *net.RequestChain:
		h.handleRequestChain(c, cmd)
	case *net.ResponseChainEntry:
		h.handleResponseChainEntry(c, cmd)
	default:
		return fmt.Errorf("unexpected command %d", msg.Command())
	}
	return nil
}

func (h *Handler) handleNotifyNewBlock(c *net.Connection, arg *net.NotifyNewBlock) {
	h.peerLogger(c).WithField("hop", arg.Hop).Debug("NotifyNewBlock")

	h.updateObservedHeight(arg.CurrentBlockchainHeight, c)
	c.SetRemoteHeight(arg.CurrentBlockchainHeight)

	if c.State() != net.StateNormal {
		return
	}

	for _, txBlob := range arg.Block.Transactions {
		tvc := h.core.HandleIncomingTx(txBlob, true)
		if tvc.VerificationFailed {
			h.peerLogger(c).Error("Block verification failed: transaction verification failed, dropping connection")
			h.p2p.Drop(c)
			return
		}
	}

	bvc := h.core.HandleIncomingBlock(arg.Block.Block, true, false)
	if bvc.VerificationFailed {
		h.peerLogger(c).Error("Block verification failed, dropping connection")
		h.p2p.Drop(c)
		return
	}

	if bvc.AddedToMainChain {
		arg.Hop++
		h.RelayBlock(arg, c.ID())
	} else if bvc.MarkedAsOrphan {
		c.SetState(net.StateSynchronizing)
		r := &net.RequestChain{BlockIDs: h.core.ShortChainHistory()}
		h.peerLogger(c).WithField("block_ids", len(r.BlockIDs)).Debug("-->>RequestChain")
		h.p2p.Post(c, r)
	}
}

func (h *Handler) handleNotifyNewTransactions(c *net.Connection, arg *net.NotifyNewTransactions) {
	h.peerLogger(c).WithField("txs", len(arg.Transactions)).Debug("NotifyNewTransactions")

	if c.State() != net.StateNormal {
		return
	}

	relayed := arg.Transactions[:0]
	for _, txBlob := range arg.Transactions {
		tvc := h.core.HandleIncomingTx(txBlob, false)
		if tvc.VerificationFailed {
			h.peerLogger(c).Error("Tx verification failed, dropping connection")
			h.p2p.Drop(c)
			return
		}
		if tvc.ShouldBeRelayed {
			relayed = append(relayed, txBlob)
		}
	}
	arg.Transactions = relayed

	if len(arg.Transactions) > 0 {
		h.RelayTransactions(arg, c.ID())
	}
}

func (h *Handler) handleRequestGetObjects(c *net.Connection, arg *net.RequestGetObjects) {
	h.peerLogger(c).WithFields(logrus.Fields{
		"blocks": len(arg.Blocks),
		"txs":    len(arg.Transactions),
	}).Debug("RequestGetObjects")

	rsp := &net.ResponseGetObjects{}
	if err := h.core.HandleGetObjects(arg, rsp); err != nil {
		h.peerLogger(c).WithError(err).Error("Failed to handle RequestGetObjects, dropping connection")
		h.p2p.Drop(c)
		return
	}

	h.peerLogger(c).WithFields(logrus.Fields{
		"blocks":         len(rsp.Blocks),
		"txs":            len(rsp.Transactions),
		"missed":         len(rsp.MissedIDs),
		"current_height": rsp.CurrentBlockchainHeight,
	}).Debug("-->>ResponseGetObjects")
	h.p2p.Post(c, rsp)
}

func (h *Handler) handleResponseGetObjects(c *net.Connection, arg *net.ResponseGetObjects) {
	h.peerLogger(c).WithField("blocks", len(arg.Blocks)).Debug("ResponseGetObjects")

	if c.LastResponseHeight > arg.CurrentBlockchainHeight {
		h.peerLogger(c).WithFields(logrus.Fields{
			"current_blockchain_height": arg.CurrentBlockchainHeight,
			"last_response_height":      c.LastResponseHeight,
		}).Error("Sent wrong ResponseGetObjects: current height below last response height, dropping connection")
		h.p2p.Drop(c)
		return
	}

	count := 0
	for _, blockEntry := range arg.Blocks {
		count++

		b := new(chain.Block)
		if err := b.Unmarshal(blockEntry.Block); err != nil {
			h.peerLogger(c).WithError(err).Error("Sent wrong block: failed to parse block, dropping connection")
			h.p2p.Drop(c)
			return
		}

		id, err := b.ID()
		if err != nil {
			h.peerLogger(c).WithError(err).Error("Sent wrong block: failed to hash block, dropping connection")
			h.p2p.Drop(c)
			return
		}

		// to avoid concurrency in the core between connections, suspend
		// connections which delivered the batch later than the first one
		if count == 2 {
			if h.core.HaveBlock(id) {
				c.SetState(net.StateIdle)
				c.NeededBlocks = nil
				c.RequestedBlocks = make(map[crypto.Hash]struct{})
				h.peerLogger(c).Info("Connection set to idle state")
				return
			}
		}

		if _, requested := c.RequestedBlocks[id]; !requested {
			h.peerLogger(c).WithField("block_id", id.String()).Error("Sent wrong ResponseGetObjects: block wasn't requested, dropping connection")
			h.p2p.Drop(c)
			return
		}

		if len(b.TxHashes) != len(blockEntry.Transactions) {
			h.peerLogger(c).WithFields(logrus.Fields{
				"block_id":  id.String(),
				"tx_hashes": len(b.TxHashes),
				"txs":       len(blockEntry.Transactions),
			}).Error("Sent wrong ResponseGetObjects: tx count mismatch, dropping connection")
			h.p2p.Drop(c)
			return
		}

		delete(c.RequestedBlocks, id)
	}

	if len(c.RequestedBlocks) != 0 {
		h.peerLogger(c).WithField("requested", len(c.RequestedBlocks)).Error("Returned not all requested objects, dropping connection")
		h.p2p.Drop(c)
		return
	}

	if err := h.applyBlocks(c, arg.Blocks); err != nil {
		return
	}

	// the aggregator runs after application so that a dominant-peer recompute
	// sees the tip the batch just produced
	h.updateObservedHeight(arg.CurrentBlockchainHeight, c)
	c.SetRemoteHeight(arg.CurrentBlockchainHeight)

	if !h.stopping() {
		h.requestMissingObjects(c, true)
	}
}

// applyBlocks feeds a verified batch to the core inside the mining-paused
// region. ResumeMining runs on every exit path. A non-nil return means the
// connection was dropped.
func (h *Handler) applyBlocks(c *net.Connection, blocks []net.RawBlock) error {
	h.core.PauseMining()
	defer h.core.ResumeMining()

	for _, blockEntry := range blocks {
		if h.stopping() {
			break
		}

		for _, txBlob := range blockEntry.Transactions {
			tvc := h.core.HandleIncomingTx(txBlob, true)
			if tvc.VerificationFailed {
				h.peerLogger(c).Error("Transaction verification failed on ResponseGetObjects, dropping connection")
				h.p2p.Drop(c)
				return errPeerDropped
			}
		}

		bvc := h.core.HandleIncomingBlock(blockEntry.Block, false, false)
		if bvc.VerificationFailed {
			h.peerLogger(c).Error("Block verification failed, dropping connection")
			h.p2p.Drop(c)
			return errPeerDropped
		}
		if bvc.MarkedAsOrphan {
			h.peerLogger(c).Error("Block received at sync phase was marked as orphaned, dropping connection")
			h.p2p.Drop(c)
			return errPeerDropped
		}
	}

	return nil
}

// requestMissingObjects advances the sync loop: request the next batch of
// blocks, or the next chain entry, or conclude that this peer has given us
// everything.
func (h *Handler) requestMissingObjects(c *net.Connection, checkHaving bool) {
	if len(c.NeededBlocks) > 0 {
		req := &net.RequestGetObjects{}

		i := 0
		for ; i < len(c.NeededBlocks) && len(req.Blocks) < BlocksSynchronizingDefaultCount; i++ {
			id := c.NeededBlocks[i]
			if !(checkHaving && h.core.HaveBlock(id)) {
				req.Blocks = append(req.Blocks, id)
				c.RequestedBlocks[id] = struct{}{}
			}
		}
		c.NeededBlocks = c.NeededBlocks[i:]

		h.peerLogger(c).WithField("blocks", len(req.Blocks)).Debug("-->>RequestGetObjects")
		h.p2p.Post(c, req)
	} else if c.LastResponseHeight < c.RemoteHeight()-1 {
		// still a gap to the peer's tip, fetch more ids
		r := &net.RequestChain{BlockIDs: h.core.ShortChainHistory()}
		h.peerLogger(c).WithField("block_ids", len(r.BlockIDs)).Debug("-->>RequestChain")
		h.p2p.Post(c, r)
	} else {
		if c.LastResponseHeight != c.RemoteHeight()-1 ||
			len(c.NeededBlocks) != 0 || len(c.RequestedBlocks) != 0 {
			h.peerLogger(c).WithFields(logrus.Fields{
				"last_response_height": c.LastResponseHeight,
				"remote_height":        c.RemoteHeight(),
				"needed":               len(c.NeededBlocks),
				"requested":            len(c.RequestedBlocks),
			}).Error("Request missing objects final condition failed, dropping connection")
			h.p2p.Drop(c)
			return
		}

		c.SetState(net.StateNormal)
		h.peerLogger(c).Info("SYNCHRONIZED OK")
		h.onConnectionSynchronized()
	}
}

func (h *Handler) handleRequestChain(c *net.Connection, arg *net.RequestChain) {
	h.peerLogger(c).WithField("block_ids", len(arg.BlockIDs)).Debug("RequestChain")

	r, err := h.core.FindSupplement(arg.BlockIDs, BlocksIDsSynchronizingDefaultCount)
	if err != nil {
		h.peerLogger(c).WithError(err).Error("Failed to handle RequestChain")
		return
	}

	h.peerLogger(c).WithFields(logrus.Fields{
		"start_height": r.StartHeight,
		"total_height": r.TotalHeight,
		"block_ids":    len(r.BlockIDs),
	}).Debug("-->>ResponseChainEntry")
	h.p2p.Post(c, r)
}

func (h *Handler) handleResponseChainEntry(c *net.Connection, arg *net.ResponseChainEntry) {
	h.peerLogger(c).WithFields(logrus.Fields{
		"block_ids":    len(arg.BlockIDs),
		"start_height": arg.StartHeight,
		"total_height": arg.TotalHeight,
	}).Debug("ResponseChainEntry")

	if len(arg.BlockIDs) == 0 {
		h.peerLogger(c).Error("Sent empty block ids, dropping connection")
		h.p2p.Drop(c)
		return
	}

	// a chain entry pulls an idle connection back into the sync loop
	if c.State() == net.StateIdle {
		c.SetState(net.StateSynchronizing)
	}

	if !h.core.HaveBlock(arg.BlockIDs[0]) {
		h.peerLogger(c).WithField("block_id", arg.BlockIDs[0].String()).Error("Sent block ids starting from unknown id, dropping connection")
		h.p2p.Drop(c)
		return
	}

	c.SetRemoteHeight(arg.TotalHeight)
	c.LastResponseHeight = arg.StartHeight + uint64(len(arg.BlockIDs)) - 1

	if c.LastResponseHeight > c.RemoteHeight() {
		h.peerLogger(c).WithFields(logrus.Fields{
			"total_height": arg.TotalHeight,
			"start_height": arg.StartHeight,
			"block_ids":    len(arg.BlockIDs),
		}).Error("Sent wrong ResponseChainEntry, dropping connection")
		h.p2p.Drop(c)
		return
	}

	for _, id := range arg.BlockIDs {
		if !h.core.HaveBlock(id) {
			c.NeededBlocks = append(c.NeededBlocks, id)
		}
	}

	h.requestMissingObjects(c, false)
}

// RelayBlock posts a new-block notification to every connection except
// excludeID. Pass excludeID 0 to reach everyone (connection ids start at 1).
func (h *Handler) RelayBlock(arg *net.NotifyNewBlock, excludeID uint64) {
	h.p2p.PostExcept(arg, excludeID)
}

// RelayTransactions posts a new-transactions notification to every connection
// except excludeID.
func (h *Handler) RelayTransactions(arg *net.NotifyNewTransactions, excludeID uint64) {
	h.p2p.PostExcept(arg, excludeID)
}

// onConnectionSynchronized fires the one-shot synchronized notification.
func (h *Handler) onConnectionSynchronized() {
	if atomic.CompareAndSwapUint32(&h.synchronized, 0, 1) {
		h.logger.Info("**********************************************************************")
		h.logger.Info("You are now synchronized with the network. You may now start the wallet.")
		h.logger.Info("**********************************************************************")
		h.core.OnSynchronized()
	}
}

// SynchronizingConnectionsCount returns the number of peers currently in the
// Synchronizing state.
func (h *Handler) SynchronizingConnectionsCount() int {
	count := 0
	h.p2p.ForEachConnection(func(c *net.Connection) bool {
		if c.State() == net.StateSynchronizing {
			count++
		}
		return true
	})
	return count
}

// LogConnections prints the connection table.
func (h *Handler) LogConnections() {
	h.p2p.ForEachConnection(func(c *net.Connection) bool {
		direction := "OUT"
		if c.IsInbound() {
			direction = "INC"
		}
		h.logger.WithFields(logrus.Fields{
			"peer":          c.ID(),
			"addr":          c.Addr(),
			"direction":     direction,
			"state":         c.State().String(),
			"remote_height": c.RemoteHeight(),
		}).Info("Connection")
		return true
	})
}

// errPeerDropped signals that a handler path already dropped the connection.
var errPeerDropped = fmt.Errorf("peer dropped")

// stubTransport swallows outbound traffic while no transport is wired. It
// lets the handler be constructed before the p2p layer.
type stubTransport struct{}

func (s *stubTransport) Listen() {}

func (s *stubTransport) ForEachConnection(func(*net.Connection) bool) {}

func (s *stubTransport) Post(*net.Connection, net.Message) error { return nil }

func (s *stubTransport) PostExcept(net.Message, uint64) {}

func (s *stubTransport) RequestCallback(*net.Connection) {}

func (s *stubTransport) Drop(*net.Connection) {}

func (s *stubTransport) Close() error { return nil }
