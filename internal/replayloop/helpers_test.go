package replayloop

import (
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/lumenlabs/validator-core/internal/coretypes"
	"github.com/lumenlabs/validator-core/internal/log"
	"github.com/lumenlabs/validator-core/internal/voteauth"
)

// hashFor derives a deterministic, distinct BlockHash per slot so tests
// don't collide on the zero hash.
func hashFor(slot coretypes.Slot) coretypes.BlockHash {
	return ethcrypto.Keccak256Hash([]byte(fmt.Sprintf("test-slot-%d", slot)))
}

func pubkeyFor(name string) coretypes.PublicKey {
	var pk coretypes.PublicKey
	copy(pk[:], ethcrypto.Keccak256([]byte(name)))
	return pk
}

func testLogger() *log.Logger {
	return log.New(1 << 10)
}

// fakeSigner is a minimal voteauth.Signer fixture that never fails.
type fakeSigner struct {
	pk coretypes.PublicKey
}

func (s *fakeSigner) Pubkey() coretypes.PublicKey { return s.pk }

func (s *fakeSigner) Sign(msg []byte) ([96]byte, error) {
	var sig [96]byte
	copy(sig[:], ethcrypto.Keccak256(msg))
	return sig, nil
}

// fakeClusterInfo records pushed and refreshed votes for test assertions.
// It never fails.
type fakeClusterInfo struct {
	identity  coretypes.PublicKey
	pushed    int
	refreshed int
}

func (c *fakeClusterInfo) Identity() coretypes.PublicKey { return c.identity }

func (c *fakeClusterInfo) SendVote(voteauth.VoteTransaction, coretypes.PublicKey) error { return nil }

func (c *fakeClusterInfo) PushVote(slots []coretypes.Slot, tx voteauth.VoteTransaction) error {
	c.pushed++
	return nil
}

func (c *fakeClusterInfo) RefreshVote(tx voteauth.VoteTransaction, slot coretypes.Slot) error {
	c.refreshed++
	return nil
}
