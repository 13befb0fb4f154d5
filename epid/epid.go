/*
Package epid defines the EPID group signature engine consumed by provisioning and quoting.

The engine is opaque: its zero-knowledge proofs are never inspected by the callers, who only
move signatures, proofs and join requests between wire formats. A real deployment backs it
with the EPID SDK; epid/epidsim provides a hash-based engine for tests and development mode.

	BasicSignature (352 bytes)
	+--------+--------+--------+-----+-----+-----+-----+-----+
	| B (64) | K (64) | T (64) |  c  | sx  | sf  | sa  | sb  |  (32 bytes each)
	+--------+--------+--------+-----+-----+-----+-----+-----+

B and K are the pseudonym pair matched against SigRL entries.
*/
package epid

import (
	"errors"
	"io"

	"github.com/edgelesssys/go-sgx-epid/types"
)

// Errors returned by engines.
var (
	// ErrSigRevoked is returned by NrProve when the member produced the revoked signature.
	ErrSigRevoked = errors.New("signature revoked in SigRL")
	// ErrNotInGroup is returned when a private key does not belong to a group.
	ErrNotInGroup = errors.New("private key is not a member of the group")
	// ErrBadArgument is returned for malformed keys, precomputation or signatures.
	ErrBadArgument = errors.New("invalid EPID argument")
)

// BasicSignature is an EPID basic signature.
type BasicSignature [types.BasicSignatureSize]byte

// B returns the random base of the signature.
func (s *BasicSignature) B() [64]byte {
	return [64]byte(s[0:64])
}

// K returns the pseudonym of the signature.
func (s *BasicSignature) K() [64]byte {
	return [64]byte(s[64:128])
}

// Entry returns the SigRL entry that revokes this signature.
func (s *BasicSignature) Entry() types.SigRLEntry {
	return types.SigRLEntry{B: s.B(), K: s.K()}
}

// NrProof is a proof that the signer did not create the signature of one SigRL entry.
type NrProof [types.NrProofSize]byte

// JoinRequest is the request a member sends to the issuer to obtain a credential.
type JoinRequest [types.JoinRequestSize]byte

// Precomp is the member precomputation cached in the sealed EPID blob.
type Precomp [types.MemberPrecompSize]byte

// Member is an EPID member context built from a private key.
type Member interface {
	// SignBasic signs msg. A nil basename makes the signature unlinkable.
	SignBasic(msg, basename []byte) (BasicSignature, error)
	// NrProve proves that sig was not created by the key that created entry.
	// It returns ErrSigRevoked if it was.
	NrProve(msg []byte, sig *BasicSignature, entry *types.SigRLEntry) (NrProof, error)
	// Precomp returns the member precomputation.
	Precomp() Precomp
	// Close wipes the member's key material.
	Close()
}

// Engine creates member contexts and join requests.
type Engine interface {
	// NewMember creates a member context. A nil precomp is computed from the key.
	NewMember(pub *types.GroupPubKey, key *types.PrivKey, precomp *Precomp, rand io.Reader) (Member, error)
	// RequestJoin creates a join request for the member secret f.
	RequestJoin(pub *types.GroupPubKey, nonce [32]byte, f [32]byte, rand io.Reader) (JoinRequest, error)
	// IsPrivKeyInGroup reports whether key is a valid member key of the group.
	IsPrivKeyInGroup(pub *types.GroupPubKey, key *types.PrivKey) bool
}

// Verifier checks member signatures off-platform.
type Verifier interface {
	// VerifyBasic checks a basic signature over msg against the group public key.
	VerifyBasic(pub *types.GroupPubKey, msg []byte, sig *BasicSignature) error
	// VerifyBasename checks that sig was created with the named basename.
	VerifyBasename(basename []byte, sig *BasicSignature) error
	// VerifyNrProof checks that proof shows sig was not created by the key that created entry.
	VerifyNrProof(msg []byte, sig *BasicSignature, entry *types.SigRLEntry, proof *NrProof) error
}
