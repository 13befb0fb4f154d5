package epidblob

import (
	"crypto/rand"
	"testing"

	"github.com/edgelesssys/go-sgx-epid/epid/epidsim"
	"github.com/edgelesssys/go-sgx-epid/platform/simulator"
	"github.com/edgelesssys/go-sgx-epid/status"
	"github.com/edgelesssys/go-sgx-epid/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPlaintext(pub types.GroupPubKey) Plaintext {
	return Plaintext{
		EquivPSVN: types.PSVN{CPUSVN: [16]byte{4}, ISVSVN: 2},
		GroupKey:  pub,
		QSDKExp:   [4]byte{0, 1, 0, 1},
		QSDKMod:   [256]byte{0xC0},
		EPIDSK:    [64]byte{0xEE},
		XEID:      0,
	}
}

func testSDK(t *testing.T) *SDK {
	t.Helper()
	issuer := epidsim.NewIssuer([4]byte{0, 0, 0, 0x0B}, [32]byte{1})
	pub := issuer.PubKey()
	key, err := issuer.IssueKey([32]byte{3}, rand.Reader)
	require.NoError(t, err)
	member, err := epidsim.Engine{}.NewMember(&pub, &key, nil, rand.Reader)
	require.NoError(t, err)
	precomp := member.Precomp()
	return &SDK{Plaintext: testPlaintext(pub), PrivKey: key, Precomp: &precomp}
}

func newQE(t *testing.T, cpuSVN byte) *simulator.Enclave {
	t.Helper()
	p, err := simulator.New([32]byte{7}, [16]byte{cpuSVN})
	require.NoError(t, err)
	return p.Load(simulator.NamedIdentity("qe", "intel", 1, 5, 0))
}

func TestSealOpenSDK(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	qe := newQE(t, 2)
	sdk := testSDK(t)

	sealed, err := Seal(qe, sdk)
	require.NoError(err)
	raw := sealed.Marshal()
	assert.Len(raw, SealedSize)

	blob, header, err := Open(qe, raw)
	require.NoError(err)
	assert.Equal(sealed.KeyRequest, header.KeyRequest)
	opened, ok := blob.(*SDK)
	require.True(ok)
	assert.Equal(sdk, opened)
	assert.Equal(VersionSDK, blob.Version())
}

func TestSIKUpgrade(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	qe := newQE(t, 2)
	sdk := testSDK(t)

	sik := &SIK{Plaintext: sdk.Plaintext, PrivKey: sdk.PrivKey}
	sealed, err := Seal(qe, sik)
	require.NoError(err)
	assert.EqualValues(PlaintextSizeSIK, len(sealed.AdditionalMACText()))

	blob, _, err := Open(qe, sealed.Marshal())
	require.NoError(err)
	_, isSIK := blob.(*SIK)
	require.True(isSIK)

	upgraded, wasUpgraded := ToSDK(blob)
	assert.True(wasUpgraded)
	assert.Nil(upgraded.Precomp)
	assert.Equal(sdk.Plaintext, upgraded.Plaintext)
	assert.Equal(sdk.PrivKey, upgraded.PrivKey)

	same, wasUpgraded := ToSDK(upgraded)
	assert.False(wasUpgraded)
	assert.Same(upgraded, same)
}

func TestResealSamePSVN(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	qe := newQE(t, 2)

	first, err := Seal(qe, testSDK(t))
	require.NoError(err)
	blob, _, err := Open(qe, first.Marshal())
	require.NoError(err)

	second, err := Seal(qe, blob)
	require.NoError(err)
	assert.NotEqual(first.Marshal(), second.Marshal())

	reopened, _, err := Open(qe, second.Marshal())
	require.NoError(err)
	assert.Equal(blob, reopened)
	firstPlain, firstSecret := blob.Marshal()
	defer firstSecret.Destroy()
	secondPlain, secondSecret := reopened.Marshal()
	defer secondSecret.Destroy()
	assert.Equal(firstPlain, secondPlain)
	assert.Equal(firstSecret.Bytes(), secondSecret.Bytes())
}

func TestOpenErrors(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	qe := newQE(t, 2)

	sealed, err := Seal(qe, testSDK(t))
	require.NoError(err)
	raw := sealed.Marshal()

	_, _, err = Open(newQE(t, 1), raw)
	assert.ErrorIs(err, status.ErrEPIDBlob)

	tampered := append([]byte(nil), raw...)
	tampered[len(tampered)-1] ^= 1
	_, _, err = Open(qe, tampered)
	assert.ErrorIs(err, status.ErrEPIDBlob)

	_, _, err = Open(qe, raw[:100])
	assert.ErrorIs(err, status.ErrEPIDBlob)

	_, _, err = Open(qe, append(raw, 0))
	assert.ErrorIs(err, status.ErrEPIDBlob)
}

func TestDecode(t *testing.T) {
	sdk := testSDK(t)
	sdkPlain, sdkSecret := sdk.Marshal()
	sik := &SIK{Plaintext: sdk.Plaintext, PrivKey: sdk.PrivKey}
	sikPlain, sikSecret := sik.Marshal()

	withType := func(b []byte, typ byte) []byte {
		c := append([]byte(nil), b...)
		c[0] = typ
		return c
	}
	withVersion := func(b []byte, v byte) []byte {
		c := append([]byte(nil), b...)
		c[1] = v
		return c
	}

	testCases := map[string]struct {
		plaintext []byte
		secret    []byte
		want      Version
		wantErr   bool
	}{
		"sdk": {
			plaintext: sdkPlain,
			secret:    sdkSecret.Bytes(),
			want:      VersionSDK,
		},
		"sik": {
			plaintext: sikPlain,
			secret:    sikSecret.Bytes(),
			want:      VersionSIK,
		},
		"sik version with sdk sizes": {
			plaintext: withVersion(sdkPlain, byte(VersionSIK)),
			secret:    sdkSecret.Bytes(),
			wantErr:   true,
		},
		"sdk version with sik sizes": {
			plaintext: withVersion(sikPlain, byte(VersionSDK)),
			secret:    sikSecret.Bytes(),
			wantErr:   true,
		},
		"sdk plaintext with sik secret": {
			plaintext: sdkPlain,
			secret:    sikSecret.Bytes(),
			wantErr:   true,
		},
		"unknown version": {
			plaintext: withVersion(sdkPlain, 4),
			secret:    sdkSecret.Bytes(),
			wantErr:   true,
		},
		"wrong blob type": {
			plaintext: withType(sdkPlain, 1),
			secret:    sdkSecret.Bytes(),
			wantErr:   true,
		},
		"empty": {
			wantErr: true,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			blob, err := Decode(tc.plaintext, tc.secret)
			if tc.wantErr {
				assert.ErrorIs(err, status.ErrEPIDBlob)
				return
			}
			assert.NoError(err)
			assert.Equal(tc.want, blob.Version())
		})
	}
}

func TestDecodeMissingPrecomp(t *testing.T) {
	sdk := testSDK(t)
	sdk.Precomp = nil
	plaintext, secretText := sdk.Marshal()
	defer secretText.Destroy()

	blob, err := Decode(plaintext, secretText.Bytes())
	require.NoError(t, err)
	assert.Nil(t, blob.(*SDK).Precomp)
}
