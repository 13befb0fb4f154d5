package sealing

import (
	"math"
	"testing"

	"github.com/edgelesssys/go-sgx-epid/platform/simulator"
	"github.com/edgelesssys/go-sgx-epid/status"
	"github.com/edgelesssys/go-sgx-epid/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testIdentity = simulator.NamedIdentity("qe", "intel", 1, 4, 0)

func newEnclave(t *testing.T, cpuSVN byte) (*simulator.Platform, *simulator.Enclave) {
	t.Helper()
	p, err := simulator.New([32]byte{0xAA}, [16]byte{cpuSVN})
	require.NoError(t, err)
	return p, p.Load(testIdentity)
}

func TestSealUnseal(t *testing.T) {
	testCases := map[string]struct {
		aad     []byte
		secret  []byte
		policy  Policy
		wantErr bool
	}{
		"secret and aad": {
			aad:    []byte("group cert"),
			secret: []byte("private key"),
			policy: DefaultPolicy(),
		},
		"no aad": {
			secret: []byte{1},
			policy: DefaultPolicy(),
		},
		"random iv": {
			aad:    []byte{1, 2, 3},
			secret: make([]byte, 1668),
			policy: Policy{KeyPolicy: types.KeyPolicyMRENCLAVE, AttributeMask: types.Attributes{Flags: FlagsMask}, IV: IVRandom},
		},
		"empty secret": {
			aad:     []byte("aad"),
			policy:  DefaultPolicy(),
			wantErr: true,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)
			_, enclave := newEnclave(t, 3)

			blob, err := Seal(enclave, tc.aad, tc.secret, tc.policy)
			if tc.wantErr {
				assert.ErrorIs(err, status.ErrParameter)
				return
			}
			require.NoError(err)
			assert.EqualValues(len(tc.secret), EncryptTextLen(&blob))
			assert.EqualValues(len(tc.aad), AddMACTextLen(&blob))
			assert.EqualValues(CalcSealedDataSize(uint32(len(tc.aad)), uint32(len(tc.secret))), len(blob.Marshal()))
			self := enclave.Self()
			assert.Equal(self.PSVN(), blob.KeyRequest.PSVN())

			parsed, aad, secretText, err := UnsealBytes(enclave, blob.Marshal())
			require.NoError(err)
			defer secretText.Destroy()
			assert.Equal(blob.KeyRequest, parsed.KeyRequest)
			assert.Equal(tc.aad, nilIfEmpty(aad))
			assert.Equal(tc.secret, secretText.Bytes())
		})
	}
}

func TestUnsealOtherPSVN(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	p, enclave := newEnclave(t, 5)
	blob, err := Seal(enclave, []byte("aad"), []byte("secret"), DefaultPolicy())
	require.NoError(err)

	// A platform upgrade keeps old blobs readable.
	upgraded := p.WithCPUSVN([16]byte{6}).Load(testIdentity)
	_, secretText, err := Unseal(upgraded, &blob)
	require.NoError(err)
	secretText.Destroy()

	// A downgraded platform cannot derive the key.
	downgraded := p.WithCPUSVN([16]byte{4}).Load(testIdentity)
	_, _, err = Unseal(downgraded, &blob)
	assert.ErrorIs(err, status.ErrIntegrity)

	// A blob claiming another PSVN derives another key.
	relabeled := blob
	relabeled.KeyRequest.CPUSVN = [16]byte{4}
	_, _, err = Unseal(enclave, &relabeled)
	assert.ErrorIs(err, status.ErrIntegrity)

	relabeled = blob
	relabeled.KeyRequest.ISVSVN--
	_, _, err = Unseal(enclave, &relabeled)
	assert.ErrorIs(err, status.ErrIntegrity)

	tampered := blob
	tampered.Payload = append([]byte(nil), blob.Payload...)
	tampered.Payload[len(tampered.Payload)-1] ^= 1
	_, _, err = Unseal(enclave, &tampered)
	assert.ErrorIs(err, status.ErrIntegrity)

	otherEnclave := p.Load(simulator.NamedIdentity("qe", "someone else", 1, 4, 0))
	_, _, err = Unseal(otherEnclave, &blob)
	assert.ErrorIs(err, status.ErrIntegrity)
}

func TestResealDiffers(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	_, enclave := newEnclave(t, 1)

	first, err := Seal(enclave, []byte("aad"), []byte("secret"), DefaultPolicy())
	require.NoError(err)
	aad, secretText, err := Unseal(enclave, &first)
	require.NoError(err)
	defer secretText.Destroy()

	second, err := Seal(enclave, aad, secretText.Bytes(), DefaultPolicy())
	require.NoError(err)
	assert.NotEqual(first.Marshal(), second.Marshal())
	assert.NotEqual(first.KeyRequest.KeyID, second.KeyRequest.KeyID)

	aad2, secret2, err := Unseal(enclave, &second)
	require.NoError(err)
	defer secret2.Destroy()
	assert.Equal(aad, aad2)
	assert.Equal(secretText.Bytes(), secret2.Bytes())
}

func TestInconsistentHeader(t *testing.T) {
	_, enclave := newEnclave(t, 1)
	blob := types.SealedData{PlainTextOffset: 5, PayloadSize: 4, Payload: make([]byte, 4)}
	_, _, err := Unseal(enclave, &blob)
	assert.ErrorIs(t, err, status.ErrParameter)
	assert.EqualValues(t, uint32(math.MaxUint32), AddMACTextLen(&blob))
	assert.EqualValues(t, uint32(math.MaxUint32), EncryptTextLen(&blob))
}

func TestCalcSealedDataSize(t *testing.T) {
	assert := assert.New(t)
	assert.EqualValues(types.SealedDataHeaderSize+10, CalcSealedDataSize(4, 6))
	assert.EqualValues(uint32(math.MaxUint32), CalcSealedDataSize(math.MaxUint32, 1))
	assert.EqualValues(uint32(math.MaxUint32), CalcSealedDataSize(math.MaxUint32-types.SealedDataHeaderSize, 1))
	assert.EqualValues(uint32(math.MaxUint32-1), CalcSealedDataSize(math.MaxUint32-types.SealedDataHeaderSize-1, 0))
}

func nilIfEmpty(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
