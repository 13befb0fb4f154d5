package tlv

import (
	"bytes"
	"testing"

	fuzzheaders "github.com/AdaLogics/go-fuzz-headers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeHeaders(t *testing.T) {
	testCases := map[string]struct {
		entry      Entry
		wantHeader []byte
	}{
		"small": {
			entry:      New(Nonce, make([]byte, 16)),
			wantHeader: []byte{0x04, 0x01, 0x00, 0x10},
		},
		"forced large": {
			entry:      NewLarge(SEReport, make([]byte, 448)),
			wantHeader: []byte{0x99, 0x01, 0x00, 0x00, 0x01, 0xC0},
		},
		"large by size": {
			entry:      New(EPIDSigRL, make([]byte, 0x10000)),
			wantHeader: []byte{0x86, 0x01, 0x00, 0x01, 0x00, 0x00},
		},
		"empty": {
			entry:      New(BlockCipherText, nil),
			wantHeader: []byte{0x01, 0x01, 0x00, 0x00},
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			raw, err := Encode(tc.entry)
			require.NoError(err)
			assert.Equal(tc.wantHeader, raw[:len(tc.wantHeader)])
			assert.Equal(tc.entry.Size(), len(raw))

			decoded, err := Decode(raw)
			require.NoError(err)
			require.Len(decoded, 1)
			assert.Equal(tc.entry.Type, decoded[0].Type)
			assert.Equal(len(tc.entry.Payload), len(decoded[0].Payload))
		})
	}
}

func TestHardCodedHeaders(t *testing.T) {
	assert := assert.New(t)

	pwk2 := New(BlockCipherInfo, make([]byte, 16))
	assert.Equal(PWK2Header[:], pwk2.Header())

	joinProof := New(EPIDJoinProof, make([]byte, 192))
	assert.Equal(JoinProofHeader[:], joinProof.Header())

	credential := New(EPIDMembershipCredential, make([]byte, 160))
	assert.Equal(MembershipCredentialHeader[:], credential.Header())

	sig := NewLarge(EPIDSig, make([]byte, 368))
	header := EPIDSignatureHeader(368)
	assert.Equal(header[:], sig.Header())
}

func TestDecodeSequence(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	var iv [IVSize]byte
	iv[0] = 0x11
	var mac [MACSize]byte
	mac[15] = 0x22

	raw, err := Encode(
		New(Nonce, bytes.Repeat([]byte{0xAA}, NonceSize)),
		NewBlockCipherText(iv, []byte("cipher")),
		NewMAC(mac),
		NewCipherText(KeyIDPEK3072Pub, []byte("wrapped")),
	)
	require.NoError(err)

	entries, err := Decode(raw)
	require.NoError(err)
	require.NoError(Expect(entries, Nonce, BlockCipherText, MAC, CipherText))

	gotIV, text, err := ParseBlockCipherText(entries[1])
	require.NoError(err)
	assert.Equal(iv, gotIV)
	assert.Equal([]byte("cipher"), text)

	gotMAC, err := ParseMAC(entries[2])
	require.NoError(err)
	assert.Equal(mac, gotMAC)

	keyID, wrapped, err := ParseCipherText(entries[3])
	require.NoError(err)
	assert.Equal(byte(KeyIDPEK3072Pub), keyID)
	assert.Equal([]byte("wrapped"), wrapped)

	assert.Error(Expect(entries, Nonce, BlockCipherText, MAC))
	assert.Error(Expect(entries, Nonce, MAC, BlockCipherText, CipherText))
}

func TestDecodeErrors(t *testing.T) {
	testCases := map[string]struct {
		raw []byte
	}{
		"short small header":   {raw: []byte{0x04, 0x01, 0x00}},
		"short large header":   {raw: []byte{0x86, 0x01, 0x00, 0x00, 0x00}},
		"truncated payload":    {raw: []byte{0x04, 0x01, 0x00, 0x10, 0x00}},
		"large size overflows": {raw: []byte{0x86, 0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0x00}},
		"trailing bytes":       {raw: []byte{0x04, 0x01, 0x00, 0x00, 0x05}},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(tc.raw)
			assert.ErrorIs(t, err, ErrTruncated)
		})
	}
}

func TestDecodeCopiesPayload(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	raw, err := Encode(New(Nonce, []byte{1, 2, 3}))
	require.NoError(err)
	entries, err := Decode(raw)
	require.NoError(err)

	raw[SmallHeaderSize] = 0xFF
	assert.Equal([]byte{1, 2, 3}, entries[0].Payload)
}

func TestFixed(t *testing.T) {
	assert := assert.New(t)

	_, err := Fixed(New(Nonce, make([]byte, 15)), Nonce, NonceSize)
	assert.ErrorIs(err, ErrInvalidFormat)
	_, err = Fixed(New(MAC, make([]byte, 16)), Nonce, NonceSize)
	assert.ErrorIs(err, ErrInvalidFormat)
	payload, err := Fixed(New(Nonce, make([]byte, 16)), Nonce, NonceSize)
	assert.NoError(err)
	assert.Len(payload, 16)
}

func FuzzDecode(f *testing.F) {
	f.Fuzz(func(t *testing.T, a []byte) {
		assert := assert.New(t)
		assert.NotPanics(func() { _, _ = Decode(a) })
	})
}

func FuzzEncodeDecode(f *testing.F) {
	f.Fuzz(func(t *testing.T, data []byte) {
		require := require.New(t)

		var target struct {
			Payloads [][]byte
			Large    []bool
		}
		fuzzConsumer := fuzzheaders.NewConsumer(data)
		if err := fuzzConsumer.GenerateStruct(&target); err != nil {
			return
		}

		var entries []Entry
		for i, p := range target.Payloads {
			e := New(Type(i%26), p)
			e.Large = i < len(target.Large) && target.Large[i]
			entries = append(entries, e)
		}

		raw, err := Encode(entries...)
		require.NoError(err)
		decoded, err := Decode(raw)
		require.NoError(err)
		require.Len(decoded, len(entries))
		for i := range entries {
			require.Equal(entries[i].Type, decoded[i].Type)
			require.True(bytes.Equal(entries[i].Payload, decoded[i].Payload))
		}
	})
}
