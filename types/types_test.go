package types

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testReportBody() ReportBody {
	body := ReportBody{
		MiscSelect: 0x11223344,
		Attributes: Attributes{Flags: AttributeInit | AttributeMode64Bit | AttributeProvisionKey, XFRM: 0x3},
		ISVProdID:  1,
		ISVSVN:     7,
	}
	copy(body.CPUSVN[:], bytes.Repeat([]byte{0xC5}, 16))
	copy(body.MRENCLAVE[:], bytes.Repeat([]byte{0xAE}, 32))
	copy(body.MRSIGNER[:], bytes.Repeat([]byte{0x51}, 32))
	copy(body.ReportData[:], "report data")
	return body
}

func TestReportBodyOffsets(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	body := testReportBody()
	raw := body.Marshal()

	assert.Equal(uint32(0x11223344), binary.LittleEndian.Uint32(raw[16:20]))
	assert.Equal(body.MRENCLAVE[:], raw[64:96])
	assert.Equal(body.MRSIGNER[:], raw[128:160])
	assert.Equal(uint16(7), binary.LittleEndian.Uint16(raw[258:260]))
	assert.Equal([]byte("report data"), raw[320:331])

	parsed, err := ParseReportBody(raw[:])
	require.NoError(err)
	assert.Equal(body, parsed)
	assert.Equal(PSVN{CPUSVN: body.CPUSVN, ISVSVN: 7}, parsed.PSVN())

	_, err = ParseReportBody(raw[:383])
	assert.Error(err)
}

func TestKeyRequestLayout(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	kr := KeyRequest{
		KeyName:       KeyNameSeal,
		KeyPolicy:     KeyPolicyMRSIGNER,
		ISVSVN:        3,
		AttributeMask: Attributes{Flags: 0xFF0000000000000B},
		MiscMask:      0xF0000000,
	}
	kr.KeyID[0] = 0x42
	raw := kr.Marshal()
	assert.Len(raw, KeyRequestSize)
	assert.Equal(uint16(KeyNameSeal), binary.LittleEndian.Uint16(raw[0:2]))
	assert.Equal(byte(0x42), raw[40])
	assert.Equal(uint32(0xF0000000), binary.LittleEndian.Uint32(raw[72:76]))

	parsed, err := ParseKeyRequest(raw[:])
	require.NoError(err)
	assert.Equal(kr, parsed)
}

func TestParseSealedData(t *testing.T) {
	valid := func() []byte {
		s := SealedData{
			PlainTextOffset: 4,
			PayloadSize:     10,
			Payload:         []byte("secretaad!"),
		}
		s.Tag[0] = 1
		return s.Marshal()
	}

	testCases := map[string]struct {
		raw     func() []byte
		wantErr bool
	}{
		"valid": {
			raw: valid,
		},
		"too short": {
			raw:     func() []byte { return valid()[:SealedDataHeaderSize-1] },
			wantErr: true,
		},
		"truncated payload": {
			raw:     func() []byte { return valid()[:SealedDataHeaderSize+5] },
			wantErr: true,
		},
		"payload size overflows": {
			raw: func() []byte {
				raw := valid()
				binary.LittleEndian.PutUint32(raw[528:532], 0xFFFFFFFF)
				return raw
			},
			wantErr: true,
		},
		"offset beyond payload": {
			raw: func() []byte {
				raw := valid()
				binary.LittleEndian.PutUint32(raw[512:516], 11)
				return raw
			},
			wantErr: true,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			sealed, err := ParseSealedData(tc.raw())
			if tc.wantErr {
				assert.Error(err)
				return
			}
			assert.NoError(err)
			assert.Equal([]byte("secr"), sealed.EncryptedText())
			assert.Equal([]byte("etaad!"), sealed.AdditionalMACText())
			assert.Equal(byte(1), sealed.Tag[0])
		})
	}
}

func sigRLWithCount(n2 uint32, length int) []byte {
	raw := make([]byte, length)
	if length >= SigRLHeaderSize {
		header := SigRLHeader{
			ProtocolVersion: SigRLProtocolVersion,
			EPIDIdentifier:  SigRLEPIDIdentifier,
			GID:             [4]byte{0, 0, 0, 1},
			Version:         2,
			N2:              n2,
		}
		h := header.Marshal()
		copy(raw, h[:])
	}
	return raw
}

func TestCheckSigRLLength(t *testing.T) {
	testCases := map[string]struct {
		n2      uint32
		length  int
		wantErr bool
	}{
		"no entries":                  {n2: 0, length: 16 + 64},
		"one entry":                   {n2: 1, length: 16 + 128 + 64},
		"five entries":                {n2: 5, length: 16 + 5*128 + 64},
		"one byte short":              {n2: 5, length: 16 + 5*128 + 63, wantErr: true},
		"one byte long":               {n2: 5, length: 16 + 5*128 + 65, wantErr: true},
		"missing signature":           {n2: 1, length: 16 + 128, wantErr: true},
		"header only":                 {n2: 0, length: 16, wantErr: true},
		"shorter than header":         {n2: 0, length: 10, wantErr: true},
		"count wraps 32 bit multiply": {n2: 0x02000000, length: 16 + 64, wantErr: true},
		"count wraps to one entry":    {n2: 0x02000001, length: 16 + 128 + 64, wantErr: true},
		"maximum count":               {n2: 0xFFFFFFFF, length: 16 + 64 - 128 + 256, wantErr: true},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			header, err := CheckSigRLLength(sigRLWithCount(tc.n2, tc.length))
			if tc.wantErr {
				assert.Error(err)
				return
			}
			assert.NoError(err)
			assert.Equal(tc.n2, header.N2)
			assert.Equal(uint32(2), header.Version)
		})
	}
}

func TestSigRLSizeProperty(t *testing.T) {
	assert := assert.New(t)

	for _, n2 := range []uint32{0, 1, 2, 100, 0x01FFFFFF, 0x02000000, 0xFFFFFFFF} {
		want := uint64(SigRLHeaderSize) + uint64(n2)*uint64(SigRLEntrySize) + 2*32
		assert.Equal(want, SigRLSize(n2))
		assert.Greater(SigRLSize(n2), uint64(n2))
	}
}

func TestParseSigRLHeaderIdentifiers(t *testing.T) {
	assert := assert.New(t)

	raw := sigRLWithCount(0, 80)
	raw[1] = 0x03
	_, err := ParseSigRLHeader(raw)
	assert.Error(err)

	raw = sigRLWithCount(0, 80)
	raw[3] = 0x0F
	_, err = ParseSigRLHeader(raw)
	assert.Error(err)
}

func TestParseGroupCert(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	cert := GroupCert{Version: GroupCertVersion, Type: GroupCertType}
	cert.Key.GID = [4]byte{0, 0, 0x0B, 0xAD}
	cert.Signature[63] = 0xFF
	raw := cert.Marshal()

	parsed, err := ParseGroupCert(raw[:])
	require.NoError(err)
	assert.Equal(cert, parsed)
	assert.Len(parsed.SignedBytes(), 264)
	assert.Equal([]byte{0, 0, 0x0B, 0xAD}, parsed.SignedBytes()[4:8])

	raw[1] = 0x01
	_, err = ParseGroupCert(raw[:])
	assert.Error(err)
}

func TestXEGB(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	var zero XEGB
	assert.True(zero.IsZero())

	xegb := XEGB{FormatID: XEGBFormatID, DataLength: XEGBDataLength, XEID: 7}
	assert.False(xegb.IsZero())
	raw := xegb.Marshal()
	assert.Equal([]byte{0x00, 0x0C, 0x01, 0x84, 0, 0, 0, 7}, raw[0:8])

	parsed, err := ParseXEGB(raw[:])
	require.NoError(err)
	assert.Equal(xegb, parsed)
	assert.Len(parsed.SignedBytes(), 396)
}

func TestParseQuote(t *testing.T) {
	validQuote := func(sigLen int) []byte {
		q := Quote{
			Version:    QuoteVersion,
			SignType:   QuoteLinkable,
			ReportBody: testReportBody(),
			Signature:  bytes.Repeat([]byte{0xAB}, sigLen),
		}
		q.SignatureLength = uint32(sigLen)
		return q.Marshal()
	}

	testCases := map[string]struct {
		raw     []byte
		wantErr bool
	}{
		"valid": {
			raw: validQuote(10),
		},
		"empty signature": {
			raw: validQuote(0),
		},
		"too short": {
			raw:     validQuote(0)[:435],
			wantErr: true,
		},
		"truncated signature": {
			raw:     validQuote(10)[:440],
			wantErr: true,
		},
		"wrong version": {
			raw: func() []byte {
				raw := validQuote(0)
				raw[0] = 3
				return raw
			}(),
			wantErr: true,
		},
		"signature length overflow": {
			raw: func() []byte {
				raw := validQuote(4)
				binary.LittleEndian.PutUint32(raw[432:436], 0xFFFFFFFF)
				return raw
			}(),
			wantErr: true,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			quote, err := ParseQuote(tc.raw)
			if tc.wantErr {
				assert.Error(err)
				return
			}
			assert.NoError(err)
			assert.Equal(testReportBody(), quote.ReportBody)
			assert.Equal(tc.raw, quote.Marshal())
		})
	}
}

func TestQuoteSignatureLayout(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	sig := QuoteSignature{
		PayloadSize: QuotePayloadFixedSize,
		Payload:     bytes.Repeat([]byte{0x01}, QuotePayloadFixedSize),
	}
	sig.Tag[15] = 0x99
	raw := sig.Marshal()
	assert.Equal(QuoteSignatureSize(0), uint64(len(raw)))

	parsed, err := ParseQuoteSignature(raw)
	require.NoError(err)
	assert.Equal(sig, parsed)

	_, err = ParseQuoteSignature(raw[:len(raw)-1])
	assert.Error(err)
}

func TestMembershipCredential(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	cred := MembershipCredential{Escrow: Escrow{Version: 0}}
	cred.A[0] = 1
	cred.X[31] = 2
	cred.Escrow.IV[0] = 3
	raw := cred.Marshal()
	assert.Len(raw, 0xA0)

	parsed, err := ParseMembershipCredential(raw[:])
	require.NoError(err)
	assert.Equal(cred, parsed)
}

func FuzzParseQuote(f *testing.F) {
	f.Fuzz(func(t *testing.T, a []byte) {
		assert := assert.New(t)
		assert.NotPanics(func() { _, _ = ParseQuote(a) })
	})
}

func FuzzParseQuoteSignature(f *testing.F) {
	f.Fuzz(func(t *testing.T, a []byte) {
		assert := assert.New(t)
		assert.NotPanics(func() { _, _ = ParseQuoteSignature(a) })
	})
}

func FuzzParseSealedData(f *testing.F) {
	f.Fuzz(func(t *testing.T, a []byte) {
		assert := assert.New(t)
		assert.NotPanics(func() { _, _ = ParseSealedData(a) })
	})
}

func FuzzCheckSigRLLength(f *testing.F) {
	f.Add(sigRLWithCount(1, 208))
	f.Fuzz(func(t *testing.T, a []byte) {
		assert := assert.New(t)
		assert.NotPanics(func() { _, _ = CheckSigRLLength(a) })
	})
}
