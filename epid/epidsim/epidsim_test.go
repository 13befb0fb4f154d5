package epidsim

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/edgelesssys/go-sgx-epid/epid"
	"github.com/edgelesssys/go-sgx-epid/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoin(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	issuer := NewIssuer([4]byte{0, 0, 0x0B, 0x12}, [32]byte{1})
	pub := issuer.PubKey()
	engine := Engine{}

	f := [32]byte{7, 7, 7}
	nonce := [32]byte{2}
	req, err := engine.RequestJoin(&pub, nonce, f, rand.Reader)
	require.NoError(err)

	a, x, err := issuer.Join(nonce, &req, rand.Reader)
	require.NoError(err)
	key := types.PrivKey{GID: pub.GID, A: a, X: x, F: f}
	assert.True(engine.IsPrivKeyInGroup(&pub, &key))

	wrongF := key
	wrongF.F[0] ^= 1
	assert.False(engine.IsPrivKeyInGroup(&pub, &wrongF))

	other := NewIssuer([4]byte{0, 0, 0x0B, 0x12}, [32]byte{2}).PubKey()
	assert.False(engine.IsPrivKeyInGroup(&other, &key))

	_, _, err = issuer.Join([32]byte{3}, &req, rand.Reader)
	assert.ErrorIs(err, epid.ErrBadArgument)
}

func TestSignAndProve(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	issuer := NewIssuer([4]byte{1}, [32]byte{1})
	pub := issuer.PubKey()
	key, err := issuer.IssueKey([32]byte{5}, rand.Reader)
	require.NoError(err)

	member, err := Engine{}.NewMember(&pub, &key, nil, rand.Reader)
	require.NoError(err)
	defer member.Close()

	msg := []byte("quote body")
	sig, err := member.SignBasic(msg, nil)
	require.NoError(err)
	assert.NoError(Verify(&pub, msg, &sig))
	assert.Error(Verify(&pub, []byte("other"), &sig))

	// Unlinkable signatures use fresh bases; named bases link.
	sig2, err := member.SignBasic(msg, nil)
	require.NoError(err)
	assert.False(Linked(&sig, &sig2))
	named1, err := member.SignBasic(msg, []byte("spid"))
	require.NoError(err)
	named2, err := member.SignBasic(msg, []byte("spid"))
	require.NoError(err)
	assert.True(Linked(&named1, &named2))
	assert.NoError(Engine{}.VerifyBasename([]byte("spid"), &named1))
	assert.ErrorIs(Engine{}.VerifyBasename([]byte("other"), &named1), epid.ErrBadArgument)

	otherKey, err := issuer.IssueKey([32]byte{6}, rand.Reader)
	require.NoError(err)
	otherMember, err := Engine{}.NewMember(&pub, &otherKey, nil, rand.Reader)
	require.NoError(err)
	defer otherMember.Close()
	otherSig, err := otherMember.SignBasic(msg, nil)
	require.NoError(err)

	notRevoked := otherSig.Entry()
	proof, err := member.NrProve(msg, &sig, &notRevoked)
	assert.NoError(err)
	assert.NoError(Engine{}.VerifyNrProof(msg, &sig, &notRevoked, &proof))
	assert.ErrorIs(Engine{}.VerifyNrProof([]byte("other"), &sig, &notRevoked, &proof), epid.ErrBadArgument)
	assert.ErrorIs(Engine{}.VerifyNrProof(msg, &sig2, &notRevoked, &proof), epid.ErrBadArgument)

	revoked := sig2.Entry()
	_, err = member.NrProve(msg, &sig, &revoked)
	assert.ErrorIs(err, epid.ErrSigRevoked)

	_, err = member.NrProve(msg, &otherSig, &notRevoked)
	assert.ErrorIs(err, epid.ErrBadArgument)
}

func TestPrecomp(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	issuer := NewIssuer([4]byte{1}, [32]byte{1})
	pub := issuer.PubKey()
	key, err := issuer.IssueKey([32]byte{5}, rand.Reader)
	require.NoError(err)

	member, err := Engine{}.NewMember(&pub, &key, nil, rand.Reader)
	require.NoError(err)
	precomp := member.Precomp()
	assert.False(bytes.Equal(precomp[:], make([]byte, len(precomp))))

	again, err := Engine{}.NewMember(&pub, &key, &precomp, rand.Reader)
	require.NoError(err)
	assert.Equal(precomp, again.Precomp())

	precomp[0] ^= 1
	_, err = Engine{}.NewMember(&pub, &key, &precomp, rand.Reader)
	assert.ErrorIs(err, epid.ErrBadArgument)

	wrongGroup := key
	wrongGroup.GID = [4]byte{9}
	_, err = Engine{}.NewMember(&pub, &wrongGroup, nil, rand.Reader)
	assert.ErrorIs(err, epid.ErrBadArgument)
}
