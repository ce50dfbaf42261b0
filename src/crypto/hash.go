package crypto

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// HashSize is the size, in bytes, of a block or transaction id.
const HashSize = 32

// Hash is the content hash of a block or transaction. Block ids hash the block
// header together with the miner transaction id and the included transaction
// ids; transaction ids are hashes of the canonical transaction encoding.
type Hash [HashSize]byte

// NullHash is the zero value of Hash.
var NullHash = Hash{}

// HashData computes the Hash of arbitrary data.
func HashData(data []byte) Hash {
	return Hash(sha256.Sum256(data))
}

// SHA256 returns the SHA256 hash of the data as a byte slice.
func SHA256(data []byte) []byte {
	hasher := sha256.New()
	hasher.Write(data)
	return hasher.Sum(nil)
}

// String returns the hexadecimal representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Bytes returns the hash as a byte slice.
func (h Hash) Bytes() []byte {
	return h[:]
}

// IsNull reports whether the hash is the zero value.
func (h Hash) IsNull() bool {
	return bytes.Equal(h[:], NullHash[:])
}

// HashFromHex parses a hexadecimal string into a Hash.
func HashFromHex(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	if len(b) != HashSize {
		return h, fmt.Errorf("invalid hash length %d", len(b))
	}
	copy(h[:], b)
	return h, nil
}
