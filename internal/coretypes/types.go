// Package coretypes defines the data model shared by every component of the
// fork-replay and voting core: slots, block identity, and
// validator public keys. Hashing reuses go-ethereum's common.Hash rather than
// rolling a parallel 32-byte type.
package coretypes

import (
	ethcommon "github.com/ethereum/go-ethereum/common"
)

// Slot is a monotonically increasing, non-negative integer identifying a
// candidate block's position in time.
type Slot uint64

// Epoch groups a contiguous range of slots for stake/leader-schedule
// purposes.
type Epoch uint64

// BlockHash is a fixed-width content digest of a frozen block.
type BlockHash = ethcommon.Hash

// ZeroHash is the hash value a not-yet-frozen block reports.
var ZeroHash = ethcommon.Hash{}

// PublicKey identifies a validator or vote-account identity. It holds a
// compressed BLS12-381 G1 point (48 bytes, the "MinPk" scheme used across
// the corpus's crypto package) so it doubles as the vote-signing key.
type PublicKey [48]byte

// IsZero reports whether the public key is unset.
func (p PublicKey) IsZero() bool { return p == PublicKey{} }

func (p PublicKey) String() string { return ethcommon.Bytes2Hex(p[:8]) + "…" }

// BlockId uniquely names a block even when forks produce two distinct
// blocks at the same slot (duplicates).
type BlockId struct {
	Slot Slot
	Hash BlockHash
}

// String renders a BlockId for logging.
func (b BlockId) String() string {
	return b.Hash.Hex()[:10] + "@" + itoa(uint64(b.Slot))
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
