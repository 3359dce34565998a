// Package voteauth builds and signs vote transactions and tracks
// the ring buffer of not-yet-landed vote signatures.
package voteauth

import (
	"errors"
	"fmt"

	"github.com/lumenlabs/validator-core/internal/coretypes"
	"github.com/lumenlabs/validator-core/internal/tower"
	"golang.org/x/crypto/sha3"
)

// MaxVoteSignatures bounds the ring buffer of transmitted-but-unlanded vote
// signatures.
const MaxVoteSignatures = 200

var (
	// ErrNoAuthorizedVoters is returned when the keypair set is empty.
	ErrNoAuthorizedVoters = errors.New("voteauth: authorized_voter_keypairs is empty")
	// ErrVoterNotFound is returned when no authorized voter resolves for the
	// target epoch from the vote account's on-chain state.
	ErrVoterNotFound = errors.New("voteauth: no authorized voter for epoch")
)

// Signer abstracts vote-transaction signing so the loop can run against a
// real BLS backend or a pure-Go stand-in interchangeably.
type Signer interface {
	Pubkey() coretypes.PublicKey
	Sign(msg []byte) (sig [96]byte, err error)
}

// Keypairs bundles the identity (fee payer) signer and the set of
// hot-swappable authorized-voter signers, keyed by pubkey for epoch lookup.
type Keypairs struct {
	Identity         Signer
	AuthorizedVoters map[coretypes.PublicKey]Signer
}

// VoteTransaction is the single-instruction transaction built from a switch
// decision and vote payload.
type VoteTransaction struct {
	Slot            coretypes.Slot
	Hash            coretypes.BlockHash
	SwitchProofStake uint64
	RecentBlockhash coretypes.BlockHash
	IdentitySig     [96]byte
	VoterSig        [96]byte
}

// digest returns the domain-separated message signed by both keys: the
// vote's (slot, hash, recent_blockhash) tuple, matching go-ethereum's use of
// Keccak/SHA3 for deterministic digest computation before signing.
func (vt VoteTransaction) digest() []byte {
	h := sha3.NewLegacyKeccak256()
	var slotBuf [8]byte
	for i := 0; i < 8; i++ {
		slotBuf[i] = byte(vt.Slot >> (8 * i))
	}
	h.Write(slotBuf[:])
	h.Write(vt.Hash.Bytes())
	h.Write(vt.RecentBlockhash.Bytes())
	return h.Sum(nil)
}

// ResolveAuthorizedVoter finds the Signer for epoch from the vote account's
// recorded authorized-voter pubkey. Returns ErrVoterNotFound if unknown or
// not locally held.
func ResolveAuthorizedVoter(kp Keypairs, authorizedPubkeyForEpoch coretypes.PublicKey) (Signer, error) {
	if len(kp.AuthorizedVoters) == 0 {
		return nil, ErrNoAuthorizedVoters
	}
	s, ok := kp.AuthorizedVoters[authorizedPubkeyForEpoch]
	if !ok {
		return nil, ErrVoterNotFound
	}
	return s, nil
}

// Build constructs and signs a vote transaction for candidate, attaching a
// switch-proof stake figure only when decision carries one.
func Build(kp Keypairs, voter Signer, candidate coretypes.BlockId, recentBlockhash coretypes.BlockHash, decision tower.SwitchForkDecision) (VoteTransaction, error) {
	if kp.Identity == nil || voter == nil {
		return VoteTransaction{}, ErrNoAuthorizedVoters
	}
	vt := VoteTransaction{
		Slot:            candidate.Slot,
		Hash:            candidate.Hash,
		RecentBlockhash: recentBlockhash,
	}
	if decision.Kind == tower.SwitchProof {
		vt.SwitchProofStake = decision.SwitchProofStake
	}

	msg := vt.digest()
	idSig, err := kp.Identity.Sign(msg)
	if err != nil {
		return VoteTransaction{}, fmt.Errorf("voteauth: identity sign: %w", err)
	}
	voterSig, err := voter.Sign(msg)
	if err != nil {
		return VoteTransaction{}, fmt.Errorf("voteauth: voter sign: %w", err)
	}
	vt.IdentitySig = idSig
	vt.VoterSig = voterSig
	return vt, nil
}

// SignatureRing is the ring buffer of transmitted vote signatures awaiting
// landing, cleared the moment one lands.
type SignatureRing struct {
	sigs  [][96]byte
	rooted bool
}

// Push appends sig, evicting the oldest entry once MaxVoteSignatures is
// exceeded. A no-op once the ring has been cleared by a landed vote.
func (r *SignatureRing) Push(sig [96]byte) {
	if r.rooted {
		return
	}
	r.sigs = append(r.sigs, sig)
	if len(r.sigs) > MaxVoteSignatures {
		r.sigs = r.sigs[len(r.sigs)-MaxVoteSignatures:]
	}
}

// MarkRooted clears the ring once any tracked signature has landed on a
// rooted block.
func (r *SignatureRing) MarkRooted() {
	r.rooted = true
	r.sigs = nil
}

// Len reports the number of signatures currently tracked.
func (r *SignatureRing) Len() int { return len(r.sigs) }

// Contains reports whether sig is present in the ring (used to detect a
// landed vote before rooting).
func (r *SignatureRing) Contains(sig [96]byte) bool {
	for _, s := range r.sigs {
		if s == sig {
			return true
		}
	}
	return false
}
