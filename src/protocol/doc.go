// Package protocol implements the block-and-transaction synchronization
// protocol of an evild node.
//
// The Handler drives one state machine per peer connection, from handshake
// through chain catch-up to the steady-state gossip of new blocks and
// transactions. A connection starts in BeforeHandshake. If the peer's top
// block is already known locally, it moves straight to Normal; otherwise it
// enters Synchronizing and the handler pulls the peer's chain with a
// RequestChain / RequestGetObjects loop. A connection whose sync batch was
// already delivered by a faster peer is parked in Idle until the next chain
// entry wakes it up.
//
// Synchronizing
//
// The catch-up loop alternates between two requests. RequestChain carries a
// short chain history (a sparse sample of our block ids, dense near the tip)
// from which the peer locates the common ancestor and returns the run of ids
// we are missing. RequestGetObjects then pulls the actual blocks in batches.
// Delivered blocks are verified and applied inside a region bracketed by
// PauseMining and ResumeMining, and any verification failure, unsolicited
// block, or miscounted batch drops the offending connection. When the peer
// has nothing more to give, the connection turns Normal and, the first time
// this happens in the life of the process, a one-shot synchronized
// notification fires.
//
// Observed height
//
// The handler also aggregates every peer's reported blockchain height into a
// single observed height, the node's best estimate of the network tip. Raises
// are cheap; when the dominant reporter retreats or disconnects, the estimate
// is recomputed from the remaining peers and the local tip. Observers are
// notified only on change.
package protocol
