//go:build blst

// Production vote-signing backend built on the supranational/blst library,
// compiled only with "go build -tags blst" (the CLI does not construct
// it). Unlike the pure-Go KeypairSigner in
// signer.go, the
// pubkey and signature here are genuine compressed BLS12-381 MinPk points,
// matching coretypes.PublicKey's 48-byte G1 and VoteTransaction's 96-byte G2
// signature fields exactly.
package voteauth

import (
	"errors"
	"fmt"

	"github.com/lumenlabs/validator-core/internal/coretypes"
	blst "github.com/supranational/blst/bindings/go"
)

// blstDST is the domain separation tag for vote-transaction signatures,
// distinct from (but structurally identical to) Ethereum's consensus DST so
// a vote signature can never be mistaken for an attestation signature.
var blstDST = []byte("VALIDATOR_CORE_VOTE_BLS12381G2_XMD:SHA-256_SSWU_RO_")

// ErrBlstInvalidIKM is returned when key material is shorter than blst
// requires for KeyGen.
var ErrBlstInvalidIKM = errors.New("voteauth: blst IKM must be at least 32 bytes")

// ErrBlstKeyGenFailed is returned when blst.KeyGen rejects the key material.
var ErrBlstKeyGenFailed = errors.New("voteauth: blst key generation failed")

// BlstSigner is a Signer backed by a real BLS12-381 secret key.
type BlstSigner struct {
	pub coretypes.PublicKey
	sk  *blst.SecretKey
}

// NewBlstSigner derives a BLS12-381 keypair from ikm (at least 32 bytes of
// key material).
func NewBlstSigner(ikm []byte) (*BlstSigner, error) {
	if len(ikm) < 32 {
		return nil, ErrBlstInvalidIKM
	}
	sk := blst.KeyGen(ikm)
	if sk == nil {
		return nil, ErrBlstKeyGenFailed
	}
	compressed := new(blst.P1Affine).From(sk).Compress()
	var pub coretypes.PublicKey
	copy(pub[:], compressed)
	return &BlstSigner{pub: pub, sk: sk}, nil
}

// Pubkey implements Signer.
func (s *BlstSigner) Pubkey() coretypes.PublicKey { return s.pub }

// Sign implements Signer, returning a compressed G2 point.
func (s *BlstSigner) Sign(msg []byte) ([96]byte, error) {
	sig := new(blst.P2Affine).Sign(s.sk, msg, blstDST)
	if sig == nil {
		return [96]byte{}, fmt.Errorf("voteauth: blst sign failed")
	}
	var out [96]byte
	copy(out[:], sig.Compress())
	return out, nil
}
