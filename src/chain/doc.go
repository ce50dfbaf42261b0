// Package chain owns the canonical blockchain, the transaction pool and the
// miner facade of an evild node.
//
// The Blockchain type implements the capability set consumed by the protocol
// package: block and transaction admission with explicit verdicts, the short
// chain history used to locate common ancestors, chain supplements served to
// catching-up peers, and the mining pause bracket around batch application.
//
// Storage is pluggable through the Store interface. InmemStore keeps
// everything in maps; BadgerStore writes through to a Badger database and
// rebuilds the in-memory index when loading an existing data directory.
package chain
