package common

import "hash/fnv"

// Hash32 returns the FNV-32a hash of data. It is used to derive compact peer
// identifiers from public keys.
func Hash32(data []byte) uint32 {
	h := fnv.New32a()

	h.Write(data)

	return h.Sum32()
}
