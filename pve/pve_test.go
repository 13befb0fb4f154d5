package pve

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"testing"

	"github.com/edgelesssys/go-sgx-epid/backend/backendsim"
	"github.com/edgelesssys/go-sgx-epid/crypto"
	"github.com/edgelesssys/go-sgx-epid/epid"
	"github.com/edgelesssys/go-sgx-epid/epid/epidsim"
	"github.com/edgelesssys/go-sgx-epid/epidblob"
	"github.com/edgelesssys/go-sgx-epid/keys"
	"github.com/edgelesssys/go-sgx-epid/pce"
	"github.com/edgelesssys/go-sgx-epid/platform/simulator"
	"github.com/edgelesssys/go-sgx-epid/sigrl"
	"github.com/edgelesssys/go-sgx-epid/status"
	"github.com/edgelesssys/go-sgx-epid/tlv"
	"github.com/edgelesssys/go-sgx-epid/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	pve     *PvE
	enclave *simulator.Enclave
	pce     *pce.PCE
	trust   *backendsim.Trust
	issuer  *epidsim.Issuer
	pi      types.PlatformInfo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	p, err := simulator.New([32]byte{0x11}, [16]byte{2, 2})
	require.NoError(t, err)
	trust, err := backendsim.NewTrust(rand.Reader, 0)
	require.NoError(t, err)

	enclave := p.Load(simulator.NamedIdentity("pve", "intel", 1, 6, types.AttributeProvisionKey))
	pceEnclave := pce.New(p.Load(simulator.NamedIdentity("pce", "intel", 3, 4, types.AttributeProvisionKey)))
	self := enclave.Self()

	return &fixture{
		pve: New(enclave, epidsim.Engine{}, Config{
			RootKey:     &trust.RootKey.PublicKey,
			DefaultXEGB: trust.XEGB,
		}),
		enclave: enclave,
		pce:     pceEnclave,
		trust:   trust,
		issuer:  epidsim.NewIssuer([4]byte{0, 0, 0, 0x20}, [32]byte{1}),
		pi: types.PlatformInfo{
			CPUSVN: self.CPUSVN,
			PvESVN: self.ISVSVN,
			PCESVN: pceEnclave.ISVSVN(),
			PCEID:  pce.ID,
			FMSP:   [4]byte{0, 0x60, 0x6A, 0},
		},
	}
}

func (f *fixture) msg2Input(t *testing.T) *Msg2Input {
	t.Helper()
	cert, err := f.trust.GroupCert(rand.Reader, f.issuer.PubKey())
	require.NoError(t, err)
	return &Msg2Input{
		PEK:       f.trust.SignedPEK,
		PCETarget: f.pce.TargetInfo(),
		GroupCert: cert.Marshal(),
		Challenge: [32]byte{0xC4, 0xA1},
		EquivPI:   f.pi,
	}
}

// answer plays the backend for a Msg3 and returns the matching Msg4.
func (f *fixture) answer(t *testing.T, in *Msg2Input, out *Msg3Output) *Msg4Input {
	t.Helper()
	require := require.New(t)

	pwk2 := f.unwrapPWK2(t, out)
	device := types.DeviceID{FMSP: in.EquivPI.FMSP, PSVN: in.EquivPI.PvEPSVN()}
	gid := f.issuer.PubKey().GID
	joinProof, err := crypto.GCMDecrypt(pwk2, out.JoinProof.IV, out.JoinProof.Data, types.JoinProofAAD(gid, &device, in.Challenge), out.JoinProof.MAC)
	require.NoError(err)
	require.Len(joinProof, tlv.SmallHeaderSize+types.JoinRequestSize+types.EscrowSize)
	require.Equal(tlv.JoinProofHeader[:], joinProof[:tlv.SmallHeaderSize])

	req := epid.JoinRequest(joinProof[tlv.SmallHeaderSize : tlv.SmallHeaderSize+types.JoinRequestSize])
	escrow, err := types.ParseEscrow(joinProof[tlv.SmallHeaderSize+types.JoinRequestSize:])
	require.NoError(err)
	a, x, err := f.issuer.Join(in.Challenge, &req, rand.Reader)
	require.NoError(err)

	credential := types.MembershipCredential{A: a, X: x, Escrow: escrow}
	raw := credential.Marshal()
	plaintext := append(append([]byte(nil), tlv.MembershipCredentialHeader[:]...), raw[:]...)

	msg4 := &Msg4Input{GroupCert: in.GroupCert, EquivPI: in.EquivPI, N2: out.N2}
	msg4.Credential.IV = [12]byte{9}
	msg4.Credential.Data, msg4.Credential.MAC, err = crypto.GCMEncrypt(pwk2, msg4.Credential.IV, plaintext, types.CredentialAAD(gid, in.EquivPI.PvEPSVN()))
	require.NoError(err)
	return msg4
}

func (f *fixture) unwrapPWK2(t *testing.T, out *Msg3Output) crypto.Key {
	t.Helper()
	wrapped, err := crypto.RSAOAEPDecrypt(rand.Reader, f.trust.PEK, out.EncryptedPWK2[:])
	require.NoError(t, err)
	require.Len(t, wrapped, tlv.SmallHeaderSize+crypto.KeySize)
	require.Equal(t, tlv.PWK2Header[:], wrapped[:tlv.SmallHeaderSize])
	return crypto.Key(wrapped[tlv.SmallHeaderSize:])
}

// sealedKey returns a sealed EPID blob with a key of issuer provisioned at psvn.
func (f *fixture) sealedKey(t *testing.T, issuer *epidsim.Issuer, psvn types.PSVN) ([]byte, types.PrivKey) {
	t.Helper()
	key, err := issuer.IssueKey([32]byte{0x0F, 0x0F}, rand.Reader)
	require.NoError(t, err)
	blob := &epidblob.SDK{
		Plaintext: epidblob.Plaintext{
			EquivPSVN: psvn,
			GroupKey:  issuer.PubKey(),
			EPIDSK:    f.trust.XEGB.EPIDSK,
			XEID:      f.trust.XEGB.XEID,
		},
		PrivKey: key,
	}
	sealed, err := epidblob.Seal(f.enclave, blob)
	require.NoError(t, err)
	return sealed.Marshal(), key
}

func TestGenMsg1(t *testing.T) {
	f := newFixture(t)

	testCases := map[string]struct {
		modify   func(*Msg1Input)
		wantCode status.Code
	}{
		"default XEGB": {},
		"explicit XEGB": {
			modify: func(in *Msg1Input) { in.XEGB = f.trust.XEGB },
		},
		"PEK signature broken": {
			modify:   func(in *Msg1Input) { in.PEK.Signature[7] ^= 0x01 },
			wantCode: status.PEKSignError,
		},
		"PEK modulus changed": {
			modify:   func(in *Msg1Input) { in.PEK.N[100] ^= 0x01 },
			wantCode: status.PEKSignError,
		},
		"XEGB signature broken": {
			modify: func(in *Msg1Input) {
				in.XEGB = f.trust.XEGB
				in.XEGB.Signature[0] ^= 0x80
			},
			wantCode: status.XEGDSKSignError,
		},
		"XEGB format unknown": {
			modify: func(in *Msg1Input) {
				in.XEGB = f.trust.XEGB
				in.XEGB.FormatID = 0x000B
			},
			wantCode: status.UnsupportedVersion,
		},
		"debug PCE target": {
			modify:   func(in *Msg1Input) { in.PCETarget.Attributes.Flags |= types.AttributeDebug },
			wantCode: status.ParameterError,
		},
		"PCE target without provisioning key": {
			modify:   func(in *Msg1Input) { in.PCETarget.Attributes.Flags &^= types.AttributeProvisionKey },
			wantCode: status.ParameterError,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			in := &Msg1Input{PEK: f.trust.SignedPEK, PCETarget: f.pce.TargetInfo()}
			if tc.modify != nil {
				tc.modify(in)
			}
			report, err := f.pve.GenMsg1(in)
			if tc.wantCode != status.Success {
				assert.Equal(tc.wantCode, status.CodeOf(err))
				return
			}
			require.NoError(err)
			// SHA256(0x01 ‖ PEK.n ‖ PEK.e), zero padded
			pek := f.trust.SignedPEK
			digest := sha256.Sum256(append(append([]byte{0x01}, pek.N[:]...), pek.E[:]...))
			var wantReportData [64]byte
			copy(wantReportData[:], digest[:])
			assert.Equal(wantReportData, report.Body.ReportData)

			info, err := f.pce.GetPCInfo(&report, &in.PEK)
			require.NoError(err)
			ppid, err := crypto.RSAOAEPDecrypt(rand.Reader, f.trust.PEK, info.EncryptedPPID[:])
			require.NoError(err)
			want, err := f.pce.PPID()
			require.NoError(err)
			assert.Equal(want[:], ppid)
		})
	}
}

func TestGenMsg1WithoutDefaultXEGB(t *testing.T) {
	f := newFixture(t)
	pve := New(f.enclave, epidsim.Engine{}, Config{RootKey: &f.trust.RootKey.PublicKey})

	_, err := pve.GenMsg1(&Msg1Input{PEK: f.trust.SignedPEK, PCETarget: f.pce.TargetInfo()})
	assert.ErrorIs(t, err, status.ErrParameter)
}

func TestProvisionFirstKey(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	f := newFixture(t)

	in := f.msg2Input(t)
	out, err := f.pve.ProcMsg2(in)
	require.NoError(err)

	assert.Nil(out.EPIDSignature)
	assert.NotEqual([16]byte{}, out.N2)
	assert.Equal(types.Msg3ReportData(out.JoinProof.MAC, out.JoinProof.Data, out.N2, out.EncryptedPWK2[:]), out.Report.Body.ReportData)
	_, err = f.pce.SignReport(f.pi.PCEPSVN(), &out.Report)
	require.NoError(err)

	want, err := keys.PWK2(f.enclave, f.pi.PvEPSVN(), out.N2)
	require.NoError(err)
	assert.Equal(want, f.unwrapPWK2(t, out))

	sealed, err := f.pve.ProcMsg4(f.answer(t, in, out))
	require.NoError(err)

	blob, _, err := epidblob.Open(f.enclave, sealed.Marshal())
	require.NoError(err)
	sdk, upgraded := epidblob.ToSDK(blob)
	require.NotNil(sdk)
	defer sdk.Close()
	assert.False(upgraded)
	assert.Equal(f.pi.PvEPSVN(), sdk.EquivPSVN)
	assert.Equal(f.issuer.PubKey(), sdk.GroupKey)
	assert.Equal(f.trust.XEGB.QSDKMod, sdk.QSDKMod)
	assert.Equal(f.trust.XEGB.EPIDSK, sdk.EPIDSK)
	require.NotNil(sdk.Precomp)
	assert.True(epidsim.Engine{}.IsPrivKeyInGroup(&sdk.GroupKey, &sdk.PrivKey))
}

func TestProcMsg2Errors(t *testing.T) {
	f := newFixture(t)
	otherIssuer := epidsim.NewIssuer([4]byte{0, 0, 0, 0x10}, [32]byte{2})
	prevPI := f.pi
	prevPI.PvESVN = 5

	testCases := map[string]struct {
		modify   func(t *testing.T, in *Msg2Input)
		wantCode status.Code
	}{
		"group certificate not signed by the EPID signing key": {
			modify:   func(_ *testing.T, in *Msg2Input) { in.GroupCert[20] ^= 0x01 },
			wantCode: status.MsgError,
		},
		"PEK signature broken": {
			modify:   func(_ *testing.T, in *Msg2Input) { in.PEK.Signature[63] ^= 0x01 },
			wantCode: status.PEKSignError,
		},
		"previous platform without blob": {
			modify: func(_ *testing.T, in *Msg2Input) {
				in.PrevPI = &prevPI
				in.PrevGID = otherIssuer.PubKey().GID
			},
			wantCode: status.EPIDBlobError,
		},
		"previous blob of another PSVN": {
			modify: func(t *testing.T, in *Msg2Input) {
				in.PrevBlob, _ = f.sealedKey(t, otherIssuer, f.pi.PvEPSVN())
				in.PrevPI = &prevPI
				in.PrevGID = otherIssuer.PubKey().GID
			},
			wantCode: status.EPIDBlobError,
		},
		"previous blob of another group": {
			modify: func(t *testing.T, in *Msg2Input) {
				in.PrevBlob, _ = f.sealedKey(t, otherIssuer, prevPI.PvEPSVN())
				in.PrevPI = &prevPI
				in.PrevGID = [4]byte{0, 0, 0, 0x11}
			},
			wantCode: status.EPIDBlobError,
		},
		"previous blob corrupted": {
			modify: func(t *testing.T, in *Msg2Input) {
				in.PrevBlob, _ = f.sealedKey(t, otherIssuer, prevPI.PvEPSVN())
				in.PrevBlob[len(in.PrevBlob)-1] ^= 0x01
				in.PrevPI = &prevPI
				in.PrevGID = otherIssuer.PubKey().GID
			},
			wantCode: status.EPIDBlobError,
		},
		"SigRL without previous platform": {
			modify: func(t *testing.T, in *Msg2Input) {
				var err error
				in.SigRL, err = sigrl.Build(rand.Reader, f.trust.EPIDSK, otherIssuer.PubKey().GID, 1, nil)
				require.NoError(t, err)
			},
			wantCode: status.MsgError,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			in := f.msg2Input(t)
			tc.modify(t, in)
			_, err := f.pve.ProcMsg2(in)
			assert.Equal(tc.wantCode, status.CodeOf(err), err)
		})
	}
}

func TestProcMsg2PreviousKey(t *testing.T) {
	f := newFixture(t)
	prevIssuer := epidsim.NewIssuer([4]byte{0, 0, 0, 0x10}, [32]byte{2})
	prevPI := f.pi
	prevPI.CPUSVN = [16]byte{1, 1}
	prevBlob, prevKey := f.sealedKey(t, prevIssuer, prevPI.PvEPSVN())

	pub := prevIssuer.PubKey()
	member, err := epidsim.Engine{}.NewMember(&pub, &prevKey, nil, rand.Reader)
	require.NoError(t, err)
	revokedSig, err := member.SignBasic([]byte("earlier quote"), nil)
	require.NoError(t, err)
	member.Close()
	otherSig := revokedSig
	otherSig[70] ^= 0x01

	testCases := map[string]struct {
		entries  []types.SigRLEntry
		noSigRL  bool
		wantCode status.Code
	}{
		"no SigRL": {
			noSigRL: true,
		},
		"empty SigRL": {},
		"SigRL revoking other keys": {
			entries: []types.SigRLEntry{otherSig.Entry(), {B: [64]byte{1}, K: [64]byte{2}}},
		},
		"SigRL revoking the previous key": {
			entries:  []types.SigRLEntry{otherSig.Entry(), revokedSig.Entry()},
			wantCode: status.Revoked,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			in := f.msg2Input(t)
			in.PrevPI = &prevPI
			in.PrevGID = pub.GID
			in.PrevBlob = prevBlob
			if !tc.noSigRL {
				in.SigRL, err = sigrl.Build(rand.Reader, f.trust.EPIDSK, pub.GID, 7, tc.entries)
				require.NoError(err)
			}

			out, err := f.pve.ProcMsg2(in)
			if tc.wantCode != status.Success {
				assert.Equal(tc.wantCode, status.CodeOf(err))
				return
			}
			require.NoError(err)
			require.NotNil(out.EPIDSignature)

			pwk2 := f.unwrapPWK2(t, out)
			sig, err := crypto.GCMDecrypt(pwk2, out.EPIDSignature.IV, out.EPIDSignature.Data, nil, out.EPIDSignature.MAC)
			require.NoError(err)

			size := types.BasicSignatureSize + 8 + len(tc.entries)*types.NrProofSize
			header := tlv.EPIDSignatureHeader(uint32(size))
			require.Len(sig, tlv.LargeHeaderSize+size)
			assert.Equal(header[:], sig[:tlv.LargeHeaderSize])

			basic := epid.BasicSignature(sig[tlv.LargeHeaderSize : tlv.LargeHeaderSize+types.BasicSignatureSize])
			assert.NoError(epidsim.Verify(&pub, in.Challenge[:], &basic))
			assert.False(epidsim.Linked(&basic, &revokedSig))

			versionAndCount := sig[tlv.LargeHeaderSize+types.BasicSignatureSize:][:8]
			if tc.noSigRL {
				assert.Equal(make([]byte, 8), versionAndCount)
			} else {
				assert.Equal([]byte{0, 0, 0, 7, 0, 0, 0, byte(len(tc.entries))}, versionAndCount)
			}
		})
	}
}

func TestPerformanceRekey(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	f := newFixture(t)

	in := f.msg2Input(t)
	in.PerformanceRekey = true
	out, err := f.pve.ProcMsg2(in)
	require.NoError(err)

	pwk2 := f.unwrapPWK2(t, out)
	device := types.DeviceID{FMSP: in.EquivPI.FMSP, PSVN: in.EquivPI.PvEPSVN()}
	joinProof, err := crypto.GCMDecrypt(pwk2, out.JoinProof.IV, out.JoinProof.Data, types.JoinProofAAD(f.issuer.PubKey().GID, &device, in.Challenge), out.JoinProof.MAC)
	require.NoError(err)
	assert.Empty(joinProof)
	assert.Equal(types.Msg3ReportData(out.JoinProof.MAC, nil, out.N2, out.EncryptedPWK2[:]), out.Report.Body.ReportData)
}

func TestProcMsg4Errors(t *testing.T) {
	f := newFixture(t)
	in := f.msg2Input(t)
	out, err := f.pve.ProcMsg2(in)
	require.NoError(t, err)

	testCases := map[string]struct {
		modify   func(*Msg4Input)
		wantCode status.Code
	}{
		"credential tampered": {
			modify:   func(m *Msg4Input) { m.Credential.Data[10] ^= 0x01 },
			wantCode: status.MsgError,
		},
		"other n2": {
			modify:   func(m *Msg4Input) { m.N2[0] ^= 0x01 },
			wantCode: status.MsgError,
		},
		"other equivalent PSVN": {
			modify:   func(m *Msg4Input) { m.EquivPI.CPUSVN = [16]byte{1} },
			wantCode: status.MsgError,
		},
		"group certificate broken": {
			modify:   func(m *Msg4Input) { m.GroupCert[300] ^= 0x01 },
			wantCode: status.MsgError,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			msg4 := f.answer(t, in, out)
			tc.modify(msg4)
			_, err := f.pve.ProcMsg4(msg4)
			assert.Equal(tc.wantCode, status.CodeOf(err), err)
		})
	}
}

func TestProcMsg4CredentialOfOtherGroup(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	in := f.msg2Input(t)
	out, err := f.pve.ProcMsg2(in)
	require.NoError(err)

	msg4 := f.answer(t, in, out)
	pwk2 := f.unwrapPWK2(t, out)
	plaintext, err := crypto.GCMDecrypt(pwk2, msg4.Credential.IV, msg4.Credential.Data, types.CredentialAAD(f.issuer.PubKey().GID, f.pi.PvEPSVN()), msg4.Credential.MAC)
	require.NoError(err)
	plaintext[tlv.SmallHeaderSize] ^= 0x01 // A
	msg4.Credential.Data, msg4.Credential.MAC, err = crypto.GCMEncrypt(pwk2, msg4.Credential.IV, plaintext, types.CredentialAAD(f.issuer.PubKey().GID, f.pi.PvEPSVN()))
	require.NoError(err)

	_, err = f.pve.ProcMsg4(msg4)
	assert.ErrorIs(t, err, status.ErrMsg)
}

func TestGenerateF(t *testing.T) {
	testCases := map[string]struct {
		fill byte
	}{
		"all zero": {fill: 0x00},
		"all one":  {fill: 0xFF},
		"pattern":  {fill: 0x5A},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			f, err := generateF(bytes.NewReader(bytes.Repeat([]byte{tc.fill}, 64)))
			require.NoError(err)
			assert.NotEqual([32]byte{}, f)
			order := fOrder.FillBytes(make([]byte, 32))
			assert.Equal(-1, bytes.Compare(f[:], order))
		})
	}

	_, err := generateF(bytes.NewReader(make([]byte, 10)))
	assert.ErrorIs(t, err, status.ErrReadRand)
}
