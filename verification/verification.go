/*
# EPID Quote Verification

This package verifies EPID quotes the way an attestation service does. It holds the private
key of the quoting service, which the quoting enclave wraps the signature key under.

Verification of a quote follows these steps:

  - Parse the quote and look up the public key of its EPID group.

  - Unwrap the signature key with the quoting service key and decrypt the signature.

  - Verify the basic signature over the quote body against the group public key.

  - Check that the signature carries one non-revocation proof per entry of the group's
    current SigRL and verify each proof.

  - Check the enclave versions in the quote against the policy.

A quote that is well-formed but fails a check is not an error: Verify returns a result whose
Status names the failed check.
*/
package verification

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/edgelesssys/go-sgx-epid/crypto"
	"github.com/edgelesssys/go-sgx-epid/epid"
	"github.com/edgelesssys/go-sgx-epid/sigrl"
	"github.com/edgelesssys/go-sgx-epid/types"
)

// QuoteStatus is the outcome of a quote verification.
type QuoteStatus string

// Quote statuses.
const (
	StatusOK                   QuoteStatus = "OK"
	StatusSignatureInvalid     QuoteStatus = "SIGNATURE_INVALID"
	StatusGroupRevoked         QuoteStatus = "GROUP_REVOKED"
	StatusSignatureRevoked     QuoteStatus = "SIGNATURE_REVOKED"
	StatusSigRLVersionMismatch QuoteStatus = "SIGRL_VERSION_MISMATCH"
	StatusGroupOutOfDate       QuoteStatus = "GROUP_OUT_OF_DATE"
)

// Groups provides the group public keys and revocation lists. *backendsim.Backend implements it.
type Groups interface {
	// GroupPubKey returns the public key of group gid. ok is false if the group is unknown or
	// revoked.
	GroupPubKey(gid [4]byte) (pub types.GroupPubKey, ok bool)
	// SigRL returns the signed SigRL of group gid. It is nil if nothing is revoked.
	SigRL(gid [4]byte) ([]byte, error)
}

// Policy sets the minimum enclave versions of an acceptable quote.
type Policy struct {
	MinQESVN  uint16
	MinPCESVN uint16
}

// Result is the outcome of verifying one quote.
type Result struct {
	Status QuoteStatus
	Quote  types.Quote
	// Signature is the decrypted basic signature. It is zero if the signature could not be
	// decrypted.
	Signature epid.BasicSignature
	// SigRLVersion is the version of the SigRL the quote proves non-revocation against.
	SigRLVersion uint32
}

// Linkable reports whether the quote was signed with a named basename.
func (r *Result) Linkable() bool {
	return r.Quote.SignType == types.QuoteLinkable
}

// Verifier verifies EPID quotes.
type Verifier struct {
	quotingKey *rsa.PrivateKey
	epidSK     *ecdsa.PublicKey
	groups     Groups
	engine     epid.Verifier
	policy     Policy
	rand       io.Reader
}

// New returns a verifier. quotingKey is the key quotes are encrypted to and epidSK the key
// SigRLs are signed with.
func New(quotingKey *rsa.PrivateKey, epidSK *ecdsa.PublicKey, groups Groups, engine epid.Verifier, policy Policy) *Verifier {
	return &Verifier{
		quotingKey: quotingKey,
		epidSK:     epidSK,
		groups:     groups,
		engine:     engine,
		policy:     policy,
		rand:       rand.Reader,
	}
}

// Verify verifies a quote. It returns an error only if the quote cannot be parsed or the
// group's SigRL cannot be retrieved.
func (v *Verifier) Verify(rawQuote []byte) (*Result, error) {
	quote, err := types.ParseQuote(rawQuote)
	if err != nil {
		return nil, fmt.Errorf("parsing EPID quote: %w", err)
	}
	signature, err := types.ParseQuoteSignature(quote.Signature)
	if err != nil {
		return nil, fmt.Errorf("parsing quote signature: %w", err)
	}
	result := &Result{Quote: quote}

	gid := types.QuoteGroupID(&quote)
	pub, ok := v.groups.GroupPubKey(gid)
	if !ok {
		result.Status = StatusGroupRevoked
		return result, nil
	}

	payload, err := v.openSignature(&signature)
	if err != nil {
		result.Status = StatusSignatureInvalid
		return result, nil
	}
	defer clear(payload)

	result.Signature = epid.BasicSignature(payload[:types.BasicSignatureSize])
	result.SigRLVersion = binary.BigEndian.Uint32(payload[types.BasicSignatureSize:])
	n2 := binary.BigEndian.Uint32(payload[types.BasicSignatureSize+4:])
	proofs := payload[types.QuotePayloadFixedSize:]
	if uint64(len(proofs)) != uint64(n2)*types.NrProofSize {
		result.Status = StatusSignatureInvalid
		return result, nil
	}

	body := rawQuote[:types.QuoteSignedSize]
	if err := v.engine.VerifyBasic(&pub, body, &result.Signature); err != nil {
		result.Status = StatusSignatureInvalid
		return result, nil
	}
	if err := v.engine.VerifyBasename(quote.Basename[:], &result.Signature); err != nil || !spidBasename(&quote) {
		result.Status = StatusSignatureInvalid
		return result, nil
	}

	rawSigRL, err := v.groups.SigRL(gid)
	if err != nil {
		return nil, fmt.Errorf("getting SigRL of group %x: %w", gid, err)
	}
	status, err := v.checkRevocation(rawSigRL, body, result, n2, proofs)
	if err != nil {
		return nil, err
	}
	if status != StatusOK {
		result.Status = status
		return result, nil
	}

	if quote.QESVN < v.policy.MinQESVN || quote.PCESVN < v.policy.MinPCESVN {
		result.Status = StatusGroupOutOfDate
		return result, nil
	}
	result.Status = StatusOK
	return result, nil
}

// openSignature unwraps the signature key and decrypts the signature payload.
func (v *Verifier) openSignature(signature *types.QuoteSignature) ([]byte, error) {
	rawKey, err := crypto.RSAOAEPDecrypt(v.rand, v.quotingKey, signature.WrappedKey[:])
	if err != nil {
		return nil, fmt.Errorf("unwrapping signature key: %w", err)
	}
	defer clear(rawKey)
	if len(rawKey) != crypto.KeySize {
		return nil, fmt.Errorf("signature key of %d bytes", len(rawKey))
	}
	keyHash := sha256.Sum256(rawKey)
	if subtle.ConstantTimeCompare(keyHash[:], signature.KeyHash[:]) != 1 {
		return nil, errors.New("signature key does not match its hash")
	}

	key := crypto.Key(rawKey)
	defer key.Zero()
	payload, err := crypto.GCMDecrypt(key, signature.IV, signature.Payload, nil, signature.Tag)
	if err != nil {
		return nil, fmt.Errorf("decrypting signature: %w", err)
	}
	if uint32(len(payload)) != signature.PayloadSize || len(payload) < types.QuotePayloadFixedSize {
		clear(payload)
		return nil, fmt.Errorf("signature payload of %d bytes, header claims %d", len(payload), signature.PayloadSize)
	}
	return payload, nil
}

// spidBasename checks that the basename of a linkable quote is the zero padded SPID, so any two
// linkable quotes of a platform for the same SPID share the pseudonym.
func spidBasename(quote *types.Quote) bool {
	if quote.SignType != types.QuoteLinkable {
		return true
	}
	var zero [types.BasenameSize - types.SPIDSize]byte
	return bytes.Equal(quote.Basename[types.SPIDSize:], zero[:])
}

// checkRevocation matches the signature's non-revocation proofs against the group's SigRL.
func (v *Verifier) checkRevocation(rawSigRL, body []byte, result *Result, n2 uint32, proofs []byte) (QuoteStatus, error) {
	if len(rawSigRL) == 0 {
		if n2 != 0 || result.SigRLVersion != 0 {
			return StatusSigRLVersionMismatch, nil
		}
		return StatusOK, nil
	}

	header, err := sigrl.Verify(rawSigRL, v.epidSK)
	if err != nil {
		return "", fmt.Errorf("verifying SigRL: %w", err)
	}
	if header.Version != result.SigRLVersion || header.N2 != n2 {
		return StatusSigRLVersionMismatch, nil
	}

	own := result.Signature.Entry()
	for i := uint32(0); i < n2; i++ {
		offset := types.SigRLHeaderSize + uint64(i)*types.SigRLEntrySize
		entry, err := types.ParseSigRLEntry(rawSigRL[offset : offset+types.SigRLEntrySize])
		if err != nil {
			return "", fmt.Errorf("parsing SigRL entry %d: %w", i, err)
		}
		if entry == own {
			return StatusSignatureRevoked, nil
		}
		proof := epid.NrProof(proofs[uint64(i)*types.NrProofSize:])
		if err := v.engine.VerifyNrProof(body, &result.Signature, &entry, &proof); err != nil {
			return StatusSignatureInvalid, nil
		}
	}
	return StatusOK, nil
}

// VerifyQEReport checks that the report data of the QE report binds quote to nonce. The report
// itself must be verified by the enclave it targets.
func VerifyQEReport(report *types.Report, nonce [types.QuoteNonceSize]byte, quote []byte) error {
	want := types.QuoteReportData(nonce, quote)
	if subtle.ConstantTimeCompare(want[:], report.Body.ReportData[:]) != 1 {
		return errors.New("QE report data does not match the quote and nonce")
	}
	return nil
}
