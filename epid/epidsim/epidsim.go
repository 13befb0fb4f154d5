/*
Package epidsim implements a hash-based stand-in for the EPID group signature scheme.

It keeps the data flow of EPID intact (member secret f, issuer credential (A, x), basic
signatures with a (B, K) pseudonym, non-revocation proofs, precomputation) while replacing
the pairing-based math with SHA-256. It offers no anonymity and no unforgeability: anyone
holding the group public key can mint credentials. Use it for tests and development mode only.
*/
package epidsim

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/edgelesssys/go-sgx-epid/epid"
	"github.com/edgelesssys/go-sgx-epid/types"
)

// Engine is a simulated EPID engine. The zero value is ready to use.
type Engine struct{}

var (
	_ epid.Engine   = Engine{}
	_ epid.Verifier = Engine{}
)

// NewMember creates a member context from key.
func (Engine) NewMember(pub *types.GroupPubKey, key *types.PrivKey, precomp *epid.Precomp, rand io.Reader) (epid.Member, error) {
	if pub.GID != key.GID {
		return nil, fmt.Errorf("%w: private key of group %x used with group %x", epid.ErrBadArgument, key.GID, pub.GID)
	}
	m := &member{
		pub:  *pub,
		key:  *key,
		rand: rand,
	}
	m.precomp = computePrecomp(pub, key)
	if precomp != nil && subtle.ConstantTimeCompare(precomp[:], m.precomp[:]) != 1 {
		m.Close()
		return nil, fmt.Errorf("%w: precomputation does not match the private key", epid.ErrBadArgument)
	}
	return m, nil
}

// RequestJoin creates a join request committing to f.
func (Engine) RequestJoin(pub *types.GroupPubKey, nonce [32]byte, f [32]byte, rand io.Reader) (epid.JoinRequest, error) {
	var r [32]byte
	if _, err := io.ReadFull(rand, r[:]); err != nil {
		return epid.JoinRequest{}, fmt.Errorf("reading randomness: %w", err)
	}
	commitment := commit(pub.GID, f)
	challenge := joinChallenge(pub, nonce, commitment)
	response := hash("join-response", f[:], challenge[:], r[:])

	var req epid.JoinRequest
	copy(req[0:64], commitment[:])
	copy(req[64:96], challenge[:])
	copy(req[96:128], response[:])
	return req, nil
}

// IsPrivKeyInGroup reports whether key carries a credential of the group.
func (Engine) IsPrivKeyInGroup(pub *types.GroupPubKey, key *types.PrivKey) bool {
	if pub.GID != key.GID {
		return false
	}
	want := credential(pub, commit(key.GID, key.F), key.X)
	return subtle.ConstantTimeCompare(want[:], key.A[:]) == 1
}

// Verify checks a basic signature over msg against the group public key.
func Verify(pub *types.GroupPubKey, msg []byte, sig *epid.BasicSignature) error {
	b, k, t := sig.B(), sig.K(), [64]byte(sig[128:192])
	c := signChallenge(pub, b, k, t, msg)
	if subtle.ConstantTimeCompare(c[:], sig[192:224]) != 1 {
		return fmt.Errorf("%w: signature challenge mismatch", epid.ErrBadArgument)
	}
	return nil
}

// VerifyBasic implements epid.Verifier.
func (Engine) VerifyBasic(pub *types.GroupPubKey, msg []byte, sig *epid.BasicSignature) error {
	return Verify(pub, msg, sig)
}

// VerifyBasename implements epid.Verifier.
func (Engine) VerifyBasename(basename []byte, sig *epid.BasicSignature) error {
	b := expand64("B", basename)
	if subtle.ConstantTimeCompare(b[:], sig[0:64]) != 1 {
		return fmt.Errorf("%w: signature base does not match the basename", epid.ErrBadArgument)
	}
	return nil
}

// VerifyNrProof implements epid.Verifier. A simulated proof binds the signature, the entry and
// msg; it does not show that the member key differs from the revoked one.
func (Engine) VerifyNrProof(msg []byte, sig *epid.BasicSignature, entry *types.SigRLEntry, proof *epid.NrProof) error {
	t := expand64("NrT", sig[0:64], entry.B[:], entry.K[:])
	c := hash("Nrc", msg, t[:])
	if subtle.ConstantTimeCompare(t[:], proof[0:64]) != 1 || subtle.ConstantTimeCompare(c[:], proof[64:96]) != 1 {
		return fmt.Errorf("%w: non-revocation proof mismatch", epid.ErrBadArgument)
	}
	return nil
}

// Linked reports whether two signatures were created by the same member with the same basename.
func Linked(a, b *epid.BasicSignature) bool {
	return a.B() == b.B() && a.K() == b.K()
}

type member struct {
	pub     types.GroupPubKey
	key     types.PrivKey
	precomp epid.Precomp
	rand    io.Reader
}

func (m *member) SignBasic(msg, basename []byte) (epid.BasicSignature, error) {
	var b [64]byte
	if basename == nil {
		if _, err := io.ReadFull(m.rand, b[:]); err != nil {
			return epid.BasicSignature{}, fmt.Errorf("reading randomness: %w", err)
		}
	} else {
		b = expand64("B", basename)
	}
	var r [32]byte
	if _, err := io.ReadFull(m.rand, r[:]); err != nil {
		return epid.BasicSignature{}, fmt.Errorf("reading randomness: %w", err)
	}

	k := pseudonym(b, m.key.F)
	t := expand64("T", m.key.A[:], b[:], r[:])
	c := signChallenge(&m.pub, b, k, t, msg)
	commitment := commit(m.key.GID, m.key.F)

	var sig epid.BasicSignature
	copy(sig[0:64], b[:])
	copy(sig[64:128], k[:])
	copy(sig[128:192], t[:])
	copy(sig[192:224], c[:])
	sx := hash("sx", c[:], m.key.X[:])
	sf := hash("sf", c[:], m.key.F[:])
	sa := hash("sa", c[:], r[:])
	sb := hash("sb", c[:], commitment[:])
	copy(sig[224:256], sx[:])
	copy(sig[256:288], sf[:])
	copy(sig[288:320], sa[:])
	copy(sig[320:352], sb[:])
	return sig, nil
}

func (m *member) NrProve(msg []byte, sig *epid.BasicSignature, entry *types.SigRLEntry) (epid.NrProof, error) {
	own := pseudonym(sig.B(), m.key.F)
	if subtle.ConstantTimeCompare(own[:], sig[64:128]) != 1 {
		return epid.NrProof{}, fmt.Errorf("%w: basic signature was not created by this member", epid.ErrBadArgument)
	}

	var proof epid.NrProof
	t := expand64("NrT", sig[0:64], entry.B[:], entry.K[:])
	c := hash("Nrc", msg, t[:])
	smu := hash("smu", c[:], m.key.F[:])
	snu := hash("snu", c[:], entry.K[:])
	copy(proof[0:64], t[:])
	copy(proof[64:96], c[:])
	copy(proof[96:128], smu[:])
	copy(proof[128:160], snu[:])

	revoked := pseudonym(entry.B, m.key.F)
	if subtle.ConstantTimeCompare(revoked[:], entry.K[:]) == 1 {
		return proof, epid.ErrSigRevoked
	}
	return proof, nil
}

func (m *member) Precomp() epid.Precomp {
	return m.precomp
}

func (m *member) Close() {
	clear(m.key.F[:])
	clear(m.key.X[:])
	clear(m.precomp[:])
}

// commit returns the public commitment F to the member secret f.
func commit(gid [4]byte, f [32]byte) [64]byte {
	return expand64("F", gid[:], f[:])
}

// credential returns the issuer credential A for commitment F and x.
func credential(pub *types.GroupPubKey, commitment [64]byte, x [32]byte) [64]byte {
	raw := pub.Marshal()
	return expand64("A", raw[:], commitment[:], x[:])
}

func pseudonym(b [64]byte, f [32]byte) [64]byte {
	return expand64("K", b[:], f[:])
}

func joinChallenge(pub *types.GroupPubKey, nonce [32]byte, commitment [64]byte) [32]byte {
	raw := pub.Marshal()
	return hash("join", raw[:], nonce[:], commitment[:])
}

func signChallenge(pub *types.GroupPubKey, b, k, t [64]byte, msg []byte) [32]byte {
	raw := pub.Marshal()
	return hash("c", raw[:], b[:], k[:], t[:], msg)
}

func computePrecomp(pub *types.GroupPubKey, key *types.PrivKey) epid.Precomp {
	raw := pub.Marshal()
	var precomp epid.Precomp
	for i := 0; i < len(precomp)/sha256.Size; i++ {
		var counter [4]byte
		binary.BigEndian.PutUint32(counter[:], uint32(i))
		block := hash("precomp", counter[:], raw[:], key.A[:], key.X[:])
		copy(precomp[i*sha256.Size:], block[:])
	}
	return precomp
}

// hash is SHA-256 over a label and length-prefixed parts.
func hash(label string, parts ...[]byte) [32]byte {
	h := sha256.New()
	h.Write([]byte(label))
	for _, p := range parts {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(p)))
		h.Write(n[:])
		h.Write(p)
	}
	return [32]byte(h.Sum(nil))
}

func expand64(label string, parts ...[]byte) [64]byte {
	var out [64]byte
	lo := hash(label+"/0", parts...)
	hi := hash(label+"/1", parts...)
	copy(out[0:32], lo[:])
	copy(out[32:64], hi[:])
	return out
}

func expand128(label string, parts ...[]byte) [128]byte {
	var out [128]byte
	lo := expand64(label+"/lo", parts...)
	hi := expand64(label+"/hi", parts...)
	copy(out[0:64], lo[:])
	copy(out[64:128], hi[:])
	return out
}
