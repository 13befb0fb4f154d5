package epidsim

import (
	"crypto/subtle"
	"fmt"
	"io"

	"github.com/edgelesssys/go-sgx-epid/epid"
	"github.com/edgelesssys/go-sgx-epid/types"
)

// Issuer issues membership credentials for one simulated EPID group.
type Issuer struct {
	pub types.GroupPubKey
}

// NewIssuer creates the issuer of group gid. The group public key is derived from seed.
func NewIssuer(gid [4]byte, seed [32]byte) *Issuer {
	return &Issuer{
		pub: types.GroupPubKey{
			GID: gid,
			H1:  expand64("H1", seed[:], gid[:]),
			H2:  expand64("H2", seed[:], gid[:]),
			W:   expand128("W", seed[:], gid[:]),
		},
	}
}

// PubKey returns the group public key.
func (i *Issuer) PubKey() types.GroupPubKey {
	return i.pub
}

// Join checks a join request bound to nonce and returns the credential (A, x).
func (i *Issuer) Join(nonce [32]byte, req *epid.JoinRequest, rand io.Reader) ([64]byte, [32]byte, error) {
	commitment := [64]byte(req[0:64])
	challenge := joinChallenge(&i.pub, nonce, commitment)
	if subtle.ConstantTimeCompare(challenge[:], req[64:96]) != 1 {
		return [64]byte{}, [32]byte{}, fmt.Errorf("%w: join request is not bound to the nonce", epid.ErrBadArgument)
	}
	var x [32]byte
	if _, err := io.ReadFull(rand, x[:]); err != nil {
		return [64]byte{}, [32]byte{}, fmt.Errorf("reading randomness: %w", err)
	}
	return credential(&i.pub, commitment, x), x, nil
}

// IssueKey creates a complete member private key for f without a join exchange.
func (i *Issuer) IssueKey(f [32]byte, rand io.Reader) (types.PrivKey, error) {
	var x [32]byte
	if _, err := io.ReadFull(rand, x[:]); err != nil {
		return types.PrivKey{}, fmt.Errorf("reading randomness: %w", err)
	}
	return types.PrivKey{
		GID: i.pub.GID,
		A:   credential(&i.pub, commit(i.pub.GID, f), x),
		X:   x,
		F:   f,
	}, nil
}
