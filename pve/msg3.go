package pve

import (
	"crypto/ecdsa"
	"math"

	"github.com/edgelesssys/go-sgx-epid/crypto"
	"github.com/edgelesssys/go-sgx-epid/epid"
	"github.com/edgelesssys/go-sgx-epid/epidblob"
	"github.com/edgelesssys/go-sgx-epid/keys"
	"github.com/edgelesssys/go-sgx-epid/pce"
	"github.com/edgelesssys/go-sgx-epid/platform"
	"github.com/edgelesssys/go-sgx-epid/provision/message"
	"github.com/edgelesssys/go-sgx-epid/sigrl"
	"github.com/edgelesssys/go-sgx-epid/status"
	"github.com/edgelesssys/go-sgx-epid/tlv"
	"github.com/edgelesssys/go-sgx-epid/types"
)

// Msg2Input is the decoded content of a Msg2 plus the data the driver carried over from Msg1.
type Msg2Input struct {
	XEGB      types.XEGB
	PEK       types.SignedPEK
	PCETarget types.TargetInfo

	GroupCert [types.GroupCertSize]byte
	Challenge [types.ChallengeNonceSize]byte
	EquivPI   types.PlatformInfo

	// PrevPI, PrevGID and PrevBlob are set if the backend asks for a proof with the key
	// of an earlier provisioning. PrevBlob is the sealed EPID blob of that key.
	PrevPI   *types.PlatformInfo
	PrevGID  [4]byte
	PrevBlob []byte
	SigRL    []byte

	PerformanceRekey bool
}

// Msg3Output is everything the driver needs to assemble a Msg3 once the PCE signed Report.
type Msg3Output struct {
	Report        types.Report
	JoinProof     message.Encrypted
	N2            [types.N2Size]byte
	EncryptedPWK2 [pce.PEKModulusSize]byte
	// EPIDSignature is nil unless the backend asked for a proof with a previous key.
	EPIDSignature *message.Encrypted
}

// ProcMsg2 answers the backend's challenge.
//
// It creates a fresh member secret f, escrows it under the provisioning seal key of the
// equivalent PSVN and joins the group of the certificate. PWK2, derived from a fresh n2,
// protects the join proof and is sent to the backend wrapped by the PEK. If the backend
// names a previous platform, the key of the previous EPID blob signs the challenge and
// proves non-revocation against the SigRL.
func (p *PvE) ProcMsg2(in *Msg2Input) (*Msg3Output, error) {
	if err := checkPCETarget(&in.PCETarget); err != nil {
		return nil, err
	}
	xegb, err := p.resolveXEGB(&in.XEGB)
	if err != nil {
		return nil, err
	}
	if err := verifyPEK(&xegb, &in.PEK); err != nil {
		return nil, err
	}
	pekKey, err := pekPublicKey(&in.PEK)
	if err != nil {
		return nil, err
	}
	cert, err := verifyGroupCert(&xegb, in.GroupCert[:])
	if err != nil {
		return nil, err
	}
	epidSK := crypto.BuildECDSAPublicKey(xegb.EPIDSK)

	var prev *previousKey
	if in.PrevPI != nil {
		if prev, err = p.openPreviousKey(in); err != nil {
			return nil, err
		}
		defer prev.close()
	} else if len(in.SigRL) > 0 {
		return nil, status.New(status.MsgError, "SigRL without a previous platform")
	}

	psvn := in.EquivPI.PvEPSVN()
	out := &Msg3Output{}
	if err := platform.ReadRand(p.enclave, out.N2[:]); err != nil {
		return nil, status.Wrap(status.ReadRandError, err)
	}
	pwk2, err := keys.PWK2(p.enclave, psvn, out.N2)
	if err != nil {
		return nil, err
	}
	defer pwk2.Zero()

	var joinProof []byte
	if !in.PerformanceRekey {
		joinProof, err = p.joinProof(&cert.Key, in.Challenge, psvn)
		if err != nil {
			return nil, err
		}
		defer clear(joinProof)
	}
	device := types.DeviceID{FMSP: in.EquivPI.FMSP, PSVN: psvn}
	if out.JoinProof, err = p.encrypt(pwk2, joinProof, types.JoinProofAAD(cert.Key.GID, &device, in.Challenge)); err != nil {
		return nil, err
	}

	if prev != nil {
		if out.EPIDSignature, err = p.signChallenge(prev, in.Challenge, epidSK, pwk2); err != nil {
			return nil, err
		}
	}

	var wrapped [tlv.SmallHeaderSize + crypto.KeySize]byte
	defer clear(wrapped[:])
	copy(wrapped[:], tlv.PWK2Header[:])
	copy(wrapped[tlv.SmallHeaderSize:], pwk2[:])
	encryptedPWK2, err := crypto.RSAOAEPEncrypt(p.enclave.Rand(), pekKey, wrapped[:])
	if err != nil {
		return nil, status.Wrap(status.Unexpected, err)
	}
	out.EncryptedPWK2 = [pce.PEKModulusSize]byte(encryptedPWK2)

	reportData := types.Msg3ReportData(out.JoinProof.MAC, out.JoinProof.Data, out.N2, out.EncryptedPWK2[:])
	if out.Report, err = p.enclave.CreateReport(&in.PCETarget, reportData); err != nil {
		return nil, status.Wrap(status.Unexpected, err)
	}
	return out, nil
}

// joinProof returns JOIN_PROOF(join request) ‖ escrow for a fresh member secret.
func (p *PvE) joinProof(pub *types.GroupPubKey, challenge [32]byte, psvn types.PSVN) ([]byte, error) {
	f, err := generateF(p.enclave.Rand())
	if err != nil {
		return nil, err
	}
	defer clear(f[:])

	req, err := p.engine.RequestJoin(pub, challenge, f, p.enclave.Rand())
	if err != nil {
		return nil, status.Wrap(status.Unexpected, err)
	}
	escrow, err := p.escrow(f, psvn)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, tlv.SmallHeaderSize+types.JoinRequestSize+types.EscrowSize)
	out = append(out, tlv.JoinProofHeader[:]...)
	out = append(out, req[:]...)
	out = append(out, escrow[:]...)
	return out, nil
}

// escrow encrypts f under the provisioning seal key of psvn.
func (p *PvE) escrow(f [32]byte, psvn types.PSVN) ([types.EscrowSize]byte, error) {
	psk, err := keys.PvESealKey(p.enclave, psvn)
	if err != nil {
		return [types.EscrowSize]byte{}, err
	}
	defer psk.Zero()

	escrow := types.Escrow{}
	if err := platform.ReadRand(p.enclave, escrow.IV[:]); err != nil {
		return [types.EscrowSize]byte{}, status.Wrap(status.ReadRandError, err)
	}
	ciphertext, mac, err := crypto.GCMEncrypt(psk, escrow.IV, f[:], nil)
	if err != nil {
		return [types.EscrowSize]byte{}, status.Wrap(status.Unexpected, err)
	}
	escrow.F = [32]byte(ciphertext)
	escrow.MAC = mac
	return escrow.Marshal(), nil
}

func (p *PvE) encrypt(key crypto.Key, plaintext, aad []byte) (message.Encrypted, error) {
	var out message.Encrypted
	if err := platform.ReadRand(p.enclave, out.IV[:]); err != nil {
		return message.Encrypted{}, status.Wrap(status.ReadRandError, err)
	}
	data, mac, err := crypto.GCMEncrypt(key, out.IV, plaintext, aad)
	if err != nil {
		return message.Encrypted{}, status.Wrap(status.Unexpected, err)
	}
	out.Data = data
	out.MAC = mac
	return out, nil
}

// previousKey is the member key of an earlier provisioning together with the SigRL of its group.
type previousKey struct {
	blob   *epidblob.SDK
	member epid.Member
	sigRL  *sigrl.Processor
}

func (k *previousKey) close() {
	k.member.Close()
	k.blob.Close()
}

// openPreviousKey unseals the previous EPID blob and checks that it is the key the backend
// asks about.
func (p *PvE) openPreviousKey(in *Msg2Input) (*previousKey, error) {
	if len(in.PrevBlob) == 0 {
		return nil, status.New(status.EPIDBlobError, "backend asks for a previous key but no EPID blob is available")
	}
	blob, _, err := epidblob.Open(p.enclave, in.PrevBlob)
	if err != nil {
		return nil, err
	}
	sdk, _ := epidblob.ToSDK(blob)
	if sdk == nil {
		blob.Close()
		return nil, status.New(status.EPIDBlobError, "unsupported EPID blob format")
	}

	if sdk.EquivPSVN != in.PrevPI.PvEPSVN() {
		sdk.Close()
		return nil, status.New(status.EPIDBlobError, "EPID blob does not belong to the previous platform")
	}
	if sdk.GroupKey.GID != in.PrevGID {
		sdk.Close()
		return nil, status.New(status.EPIDBlobError, "EPID blob is of group %x, backend expects %x", sdk.GroupKey.GID, in.PrevGID)
	}

	processor, err := sigrl.New(in.SigRL)
	if err != nil {
		sdk.Close()
		return nil, err
	}
	if processor.Present() && processor.Header().GID != in.PrevGID {
		sdk.Close()
		return nil, status.New(status.MsgError, "SigRL is of group %x, previous key of %x", processor.Header().GID, in.PrevGID)
	}

	member, err := p.engine.NewMember(&sdk.GroupKey, &sdk.PrivKey, sdk.Precomp, p.enclave.Rand())
	if err != nil {
		sdk.Close()
		return nil, status.Wrap(status.EPIDBlobError, err)
	}
	return &previousKey{blob: sdk, member: member, sigRL: processor}, nil
}

// signChallenge creates the EPID signature of the challenge with the previous key:
//
//	EPID_SIGNATURE header ‖ basic signature ‖ RL version ‖ n2 ‖ n2 non-revocation proofs
//
// encrypted under PWK2. The proofs are streamed into the encryption one by one.
func (p *PvE) signChallenge(prev *previousKey, challenge [32]byte, epidSK *ecdsa.PublicKey, pwk2 crypto.Key) (*message.Encrypted, error) {
	size := uint64(types.BasicSignatureSize) + 8 + uint64(prev.sigRL.Count())*types.NrProofSize
	if size > math.MaxUint32 {
		return nil, status.New(status.IntegerOverflow, "EPID signature of %d bytes", size)
	}

	sig, err := prev.member.SignBasic(challenge[:], nil)
	if err != nil {
		return nil, status.Wrap(status.Unexpected, err)
	}

	out := &message.Encrypted{}
	if err := platform.ReadRand(p.enclave, out.IV[:]); err != nil {
		return nil, status.Wrap(status.ReadRandError, err)
	}
	stream := crypto.NewGCMStream(pwk2, out.IV, nil)
	defer stream.Close()

	header := tlv.EPIDSignatureHeader(uint32(size))
	_, _ = stream.Write(header[:])
	_, _ = stream.Write(sig[:])
	versionAndCount := prev.sigRL.VersionAndCount()
	_, _ = stream.Write(versionAndCount[:])

	err = prev.sigRL.Prove(prev.member, challenge[:], &sig, epidSK, func(proof *epid.NrProof) error {
		_, err := stream.Write(proof[:])
		return err
	})
	if err != nil {
		return nil, err
	}

	if out.Data, out.MAC, err = stream.Seal(); err != nil {
		return nil, status.Wrap(status.Unexpected, err)
	}
	return out, nil
}
