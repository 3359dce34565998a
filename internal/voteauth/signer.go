package voteauth

import (
	"crypto/ed25519"
	"fmt"

	"github.com/lumenlabs/validator-core/internal/coretypes"
)

// KeypairSigner is the default, non-CGO Signer: an Ed25519 keypair whose
// public key and signature are embedded zero-padded into the fixed-width
// [48]byte/[96]byte fields the core's BLS-shaped types reserve. It is the
// pure-Go alternative to BlstSigner in blstsigner.go, which is compiled only
// under the "blst" build tag; cmd/validator-core builds a KeypairSigner in
// either build.
//
// The padding means a KeypairSigner's pubkey/signature are not valid BLS12-381
// points; verification of the resulting vote transaction is the external
// cluster's concern, not this core's, so the substitution is safe for
// every path this package exercises.
type KeypairSigner struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

// NewKeypairSigner derives a deterministic Ed25519 keypair from seed (which
// must be exactly ed25519.SeedSize bytes), for reproducible local/dev
// clusters and tests.
func NewKeypairSigner(seed []byte) (*KeypairSigner, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("voteauth: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &KeypairSigner{pub: priv.Public().(ed25519.PublicKey), priv: priv}, nil
}

// GenerateKeypairSigner creates a KeypairSigner from freshly generated
// entropy, for a validator identity with no prior persisted key material.
func GenerateKeypairSigner() (*KeypairSigner, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("voteauth: generate ed25519 key: %w", err)
	}
	return &KeypairSigner{pub: pub, priv: priv}, nil
}

// Pubkey implements Signer.
func (s *KeypairSigner) Pubkey() coretypes.PublicKey {
	var pk coretypes.PublicKey
	copy(pk[:], s.pub)
	return pk
}

// Sign implements Signer, embedding the 64-byte Ed25519 signature in the
// low bytes of the 96-byte field the core's vote transaction reserves for a
// BLS12-381 G2 signature.
func (s *KeypairSigner) Sign(msg []byte) ([96]byte, error) {
	var out [96]byte
	copy(out[:], ed25519.Sign(s.priv, msg))
	return out, nil
}
