/*
Package sigrl processes signature revocation lists piece by piece.

The list arrives in caller owned memory. The processor copies the header and the trailing
signature once, then copies one entry at a time into its own memory before hashing it and
generating the non-revocation proof for it, so memory use does not grow with the list and no
computation reads caller memory twice. The list signature is verified after the last entry;
a revocation found on the way is reported only once the list is authentic.
*/
package sigrl

import (
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"hash"
	"io"

	"github.com/edgelesssys/go-sgx-epid/crypto"
	"github.com/edgelesssys/go-sgx-epid/epid"
	"github.com/edgelesssys/go-sgx-epid/status"
	"github.com/edgelesssys/go-sgx-epid/types"
)

// Processor walks one SigRL.
type Processor struct {
	raw       []byte
	header    types.SigRLHeader
	signature [types.ECDSASignatureSize]byte
	hash      hash.Hash
	done      bool
}

// New checks the header of raw and prepares processing. A nil or empty raw means no SigRL.
func New(raw []byte) (*Processor, error) {
	p := &Processor{raw: raw}
	if len(raw) == 0 {
		return p, nil
	}

	header, err := types.CheckSigRLLength(raw)
	if err != nil {
		return nil, status.Wrap(status.ParameterError, err)
	}
	p.header = header

	var headerBytes [types.SigRLHeaderSize]byte
	copy(headerBytes[:], raw[:types.SigRLHeaderSize])
	p.hash = crypto.NewSHA256()
	p.hash.Write(headerBytes[:])
	copy(p.signature[:], raw[len(raw)-types.ECDSASignatureSize:])
	return p, nil
}

// Present reports whether a SigRL was supplied.
func (p *Processor) Present() bool {
	return len(p.raw) > 0
}

// Header returns the parsed header. It is zero if no SigRL was supplied.
func (p *Processor) Header() types.SigRLHeader {
	return p.header
}

// Count returns the number of entries.
func (p *Processor) Count() uint32 {
	return p.header.N2
}

// VersionAndCount returns the big-endian RL version and entry count as they appear in
// EPID signatures. Both are zero without a SigRL.
func (p *Processor) VersionAndCount() [8]byte {
	var out [8]byte
	binary.BigEndian.PutUint32(out[0:4], p.header.Version)
	binary.BigEndian.PutUint32(out[4:8], p.header.N2)
	return out
}

// Prove generates a non-revocation proof for every entry, passing each to emit in order, and
// then verifies the list signature with epidSK.
//
// It returns status.ErrSigRLIntegrity if the list is not authentic and status.ErrRevoked if
// the list is authentic and revokes sig.
func (p *Processor) Prove(member epid.Member, msg []byte, sig *epid.BasicSignature, epidSK *ecdsa.PublicKey, emit func(*epid.NrProof) error) error {
	if !p.Present() {
		return nil
	}
	if p.done {
		return status.New(status.Unexpected, "SigRL already processed")
	}
	p.done = true

	revoked := false
	var entryBytes [types.SigRLEntrySize]byte
	var proof epid.NrProof
	defer clear(proof[:])

	offset := types.SigRLHeaderSize
	for i := uint32(0); i < p.header.N2; i++ {
		copy(entryBytes[:], p.raw[offset:offset+types.SigRLEntrySize])
		offset += types.SigRLEntrySize
		p.hash.Write(entryBytes[:])

		entry, err := types.ParseSigRLEntry(entryBytes[:])
		if err != nil {
			return status.Wrap(status.Unexpected, err)
		}

		var proveErr error
		proof, proveErr = member.NrProve(msg, sig, &entry)
		switch {
		case errors.Is(proveErr, epid.ErrSigRevoked):
			revoked = true
		case proveErr != nil:
			return status.Wrap(status.Unexpected, proveErr)
		}
		if err := emit(&proof); err != nil {
			return err
		}
	}

	var digest [32]byte
	copy(digest[:], p.hash.Sum(nil))
	if err := crypto.VerifyECDSADigest(epidSK, digest, p.signature[:]); err != nil {
		return status.Wrap(status.SigRLIntegrity, err)
	}
	if revoked {
		return status.New(status.Revoked, "signature revoked by SigRL version %d", p.header.Version)
	}
	return nil
}

// Verify checks the list signature without generating proofs.
func Verify(raw []byte, epidSK *ecdsa.PublicKey) (types.SigRLHeader, error) {
	header, err := types.CheckSigRLLength(raw)
	if err != nil {
		return types.SigRLHeader{}, status.Wrap(status.ParameterError, err)
	}
	signed := len(raw) - types.ECDSASignatureSize
	if err := crypto.VerifyECDSASignature(epidSK, raw[:signed], raw[signed:]); err != nil {
		return types.SigRLHeader{}, status.Wrap(status.SigRLIntegrity, err)
	}
	return header, nil
}

// Build assembles a SigRL for the given entries and signs it with key.
// It is used by the simulated backend.
func Build(rand io.Reader, key *ecdsa.PrivateKey, gid [4]byte, version uint32, entries []types.SigRLEntry) ([]byte, error) {
	header := types.SigRLHeader{
		ProtocolVersion: types.SigRLProtocolVersion,
		EPIDIdentifier:  types.SigRLEPIDIdentifier,
		GID:             gid,
		Version:         version,
		N2:              uint32(len(entries)),
	}
	headerBytes := header.Marshal()
	raw := make([]byte, 0, types.SigRLSize(header.N2))
	raw = append(raw, headerBytes[:]...)
	for i := range entries {
		entry := entries[i].Marshal()
		raw = append(raw, entry[:]...)
	}
	signature, err := crypto.SignECDSA(rand, key, raw)
	if err != nil {
		return nil, status.Wrap(status.Unexpected, err)
	}
	return append(raw, signature[:]...), nil
}
