package types

import (
	"encoding/binary"
	"fmt"
)

/*
   EPID key material and provisioning structures.
   Based on:
   https://github.com/intel/linux-sgx/blob/master/psw/ae/inc/internal/epid_pve_type.h
   https://github.com/intel/linux-sgx/blob/master/psw/ae/inc/internal/se_sig_rl.h
*/

const (
	// GroupPubKeySize is the size of an EPID group public key.
	GroupPubKeySize = 4 + 64 + 64 + 128
	// GroupCertSize is the size of a signed EPID group certificate.
	GroupCertSize = 2 + 2 + GroupPubKeySize + ECDSASignatureSize
	// groupCertSignedSize is the number of leading group certificate bytes covered by its signature.
	groupCertSignedSize = GroupCertSize - ECDSASignatureSize
	// PrivKeySize is the size of an EPID member private key.
	PrivKeySize = 4 + 64 + 32 + 32
	// MemberPrecompSize is the size of the EPID member precomputation.
	MemberPrecompSize = 1536
	// BasicSignatureSize is the size of an EPID basic signature.
	BasicSignatureSize = 352
	// NrProofSize is the size of a single non-revocation proof.
	NrProofSize = 160
	// JoinRequestSize is the size of an EPID join request.
	JoinRequestSize = 128
	// EscrowSize is the size of the escrowed member secret f.
	EscrowSize = 4 + 12 + 32 + 16
	// MembershipCredentialSize is the size of a membership credential (A, x and escrow).
	MembershipCredentialSize = 64 + 32 + EscrowSize
	// XEGBSize is the size of an extended EPID group blob.
	XEGBSize = 2 + 2 + 4 + 64 + 64 + 4 + 256 + ECDSASignatureSize
	// xegbSignedSize is the number of leading XEGB bytes covered by its signature.
	xegbSignedSize = XEGBSize - ECDSASignatureSize
	// SignedPEKSize is the size of a signed provisioning enclave key.
	SignedPEKSize = 384 + 4 + ECDSASignatureSize
	// PlatformInfoSize is the size of the backend platform info.
	PlatformInfoSize = 16 + 2 + 2 + 2 + 4
	// DeviceIDSize is the size of a device ID.
	DeviceIDSize = 16 + 4 + PSVNSize
	// PPIDSize is the size of the platform provisioning ID.
	PPIDSize = 16
)

const (
	// XEGBFormatID is the only supported XEGB format.
	XEGBFormatID = 0x000C
	// XEGBDataLength is the length of the XEGB data following the header.
	XEGBDataLength = 64 + 64 + 4 + 256
)

var (
	// GroupCertVersion is the version field of a signed group certificate.
	GroupCertVersion = [2]byte{0x02, 0x00}
	// GroupCertType is the type field of a signed group certificate.
	GroupCertType = [2]byte{0x00, 0x0C}
)

// GroupPubKey is an EPID group public key.
type GroupPubKey struct {
	GID [4]byte
	H1  [64]byte
	H2  [64]byte
	W   [128]byte
}

// ParseGroupPubKey parses an EPID group public key.
func ParseGroupPubKey(raw []byte) (GroupPubKey, error) {
	if len(raw) != GroupPubKeySize {
		return GroupPubKey{}, fmt.Errorf("invalid group public key size: expected %d bytes, got %d bytes", GroupPubKeySize, len(raw))
	}
	return GroupPubKey{
		GID: [4]byte(raw[0:4]),
		H1:  [64]byte(raw[4:68]),
		H2:  [64]byte(raw[68:132]),
		W:   [128]byte(raw[132:260]),
	}, nil
}

// Marshal serializes the group public key.
func (g *GroupPubKey) Marshal() [GroupPubKeySize]byte {
	var result [GroupPubKeySize]byte
	copy(result[0:4], g.GID[:])
	copy(result[4:68], g.H1[:])
	copy(result[68:132], g.H2[:])
	copy(result[132:260], g.W[:])
	return result
}

// GroupCert is an EPID group public key signed by the EPID signing key of an XEGB.
type GroupCert struct {
	Version   [2]byte
	Type      [2]byte
	Key       GroupPubKey
	Signature [ECDSASignatureSize]byte
}

// ParseGroupCert parses a signed group certificate and checks its version and type.
func ParseGroupCert(raw []byte) (GroupCert, error) {
	if len(raw) != GroupCertSize {
		return GroupCert{}, fmt.Errorf("invalid group certificate size: expected %d bytes, got %d bytes", GroupCertSize, len(raw))
	}
	key, err := ParseGroupPubKey(raw[4:264])
	if err != nil {
		return GroupCert{}, err
	}
	cert := GroupCert{
		Version:   [2]byte(raw[0:2]),
		Type:      [2]byte(raw[2:4]),
		Key:       key,
		Signature: [64]byte(raw[264:328]),
	}
	if cert.Version != GroupCertVersion || cert.Type != GroupCertType {
		return GroupCert{}, fmt.Errorf("unsupported group certificate version %x or type %x", cert.Version, cert.Type)
	}
	return cert, nil
}

// Marshal serializes the group certificate.
func (c *GroupCert) Marshal() [GroupCertSize]byte {
	key := c.Key.Marshal()

	var result [GroupCertSize]byte
	copy(result[0:2], c.Version[:])
	copy(result[2:4], c.Type[:])
	copy(result[4:264], key[:])
	copy(result[264:328], c.Signature[:])
	return result
}

// SignedBytes returns the bytes covered by the certificate signature.
func (c *GroupCert) SignedBytes() []byte {
	raw := c.Marshal()
	return raw[:groupCertSignedSize]
}

// PrivKey is an EPID member private key.
type PrivKey struct {
	GID [4]byte
	A   [64]byte
	X   [32]byte
	F   [32]byte
}

// ParsePrivKey parses an EPID member private key.
func ParsePrivKey(raw []byte) (PrivKey, error) {
	if len(raw) != PrivKeySize {
		return PrivKey{}, fmt.Errorf("invalid private key size: expected %d bytes, got %d bytes", PrivKeySize, len(raw))
	}
	return PrivKey{
		GID: [4]byte(raw[0:4]),
		A:   [64]byte(raw[4:68]),
		X:   [32]byte(raw[68:100]),
		F:   [32]byte(raw[100:132]),
	}, nil
}

// Marshal serializes the private key.
func (p *PrivKey) Marshal() [PrivKeySize]byte {
	var result [PrivKeySize]byte
	copy(result[0:4], p.GID[:])
	copy(result[4:68], p.A[:])
	copy(result[68:100], p.X[:])
	copy(result[100:132], p.F[:])
	return result
}

// XEGB is an extended EPID group blob. It carries the trust anchors of one EPID
// group family and is signed by a fixed root key.
type XEGB struct {
	FormatID   uint16
	DataLength uint16
	XEID       uint32
	EPIDSK     [64]byte
	PEKSK      [64]byte
	QSDKExp    [4]byte
	QSDKMod    [256]byte
	Signature  [ECDSASignatureSize]byte
}

// ParseXEGB parses an extended EPID group blob. Semantic checks are left to the caller.
func ParseXEGB(raw []byte) (XEGB, error) {
	if len(raw) != XEGBSize {
		return XEGB{}, fmt.Errorf("invalid XEGB size: expected %d bytes, got %d bytes", XEGBSize, len(raw))
	}
	return XEGB{
		FormatID:   binary.BigEndian.Uint16(raw[0:2]),
		DataLength: binary.BigEndian.Uint16(raw[2:4]),
		XEID:       binary.BigEndian.Uint32(raw[4:8]),
		EPIDSK:     [64]byte(raw[8:72]),
		PEKSK:      [64]byte(raw[72:136]),
		QSDKExp:    [4]byte(raw[136:140]),
		QSDKMod:    [256]byte(raw[140:396]),
		Signature:  [64]byte(raw[396:460]),
	}, nil
}

// Marshal serializes the XEGB.
func (x *XEGB) Marshal() [XEGBSize]byte {
	var result [XEGBSize]byte
	binary.BigEndian.PutUint16(result[0:2], x.FormatID)
	binary.BigEndian.PutUint16(result[2:4], x.DataLength)
	binary.BigEndian.PutUint32(result[4:8], x.XEID)
	copy(result[8:72], x.EPIDSK[:])
	copy(result[72:136], x.PEKSK[:])
	copy(result[136:140], x.QSDKExp[:])
	copy(result[140:396], x.QSDKMod[:])
	copy(result[396:460], x.Signature[:])
	return result
}

// SignedBytes returns the bytes covered by the XEGB signature.
func (x *XEGB) SignedBytes() []byte {
	raw := x.Marshal()
	return raw[:xegbSignedSize]
}

// IsZero reports whether the XEGB is all zero, which selects the default XEGB.
func (x *XEGB) IsZero() bool {
	return *x == XEGB{}
}

// SignedPEK is the RSA-3072 provisioning enclave key of the backend, signed with
// the PEK signing key of an XEGB.
type SignedPEK struct {
	N         [384]byte
	E         [4]byte
	Signature [ECDSASignatureSize]byte
}

// ParseSignedPEK parses a signed PEK.
func ParseSignedPEK(raw []byte) (SignedPEK, error) {
	if len(raw) != SignedPEKSize {
		return SignedPEK{}, fmt.Errorf("invalid signed PEK size: expected %d bytes, got %d bytes", SignedPEKSize, len(raw))
	}
	return SignedPEK{
		N:         [384]byte(raw[0:384]),
		E:         [4]byte(raw[384:388]),
		Signature: [64]byte(raw[388:452]),
	}, nil
}

// Marshal serializes the signed PEK.
func (p *SignedPEK) Marshal() [SignedPEKSize]byte {
	var result [SignedPEKSize]byte
	copy(result[0:384], p.N[:])
	copy(result[384:388], p.E[:])
	copy(result[388:452], p.Signature[:])
	return result
}

// SignedBytes returns the bytes covered by the PEK signature (n and e).
func (p *SignedPEK) SignedBytes() []byte {
	raw := p.Marshal()
	return raw[:388]
}

// PlatformInfo describes the platform to the provisioning backend.
type PlatformInfo struct {
	CPUSVN [16]byte
	PvESVN uint16
	PCESVN uint16
	PCEID  uint16
	FMSP   [4]byte
}

// ParsePlatformInfo parses platform info.
func ParsePlatformInfo(raw []byte) (PlatformInfo, error) {
	if len(raw) != PlatformInfoSize {
		return PlatformInfo{}, fmt.Errorf("invalid platform info size: expected %d bytes, got %d bytes", PlatformInfoSize, len(raw))
	}
	return PlatformInfo{
		CPUSVN: [16]byte(raw[0:16]),
		PvESVN: binary.BigEndian.Uint16(raw[16:18]),
		PCESVN: binary.BigEndian.Uint16(raw[18:20]),
		PCEID:  binary.BigEndian.Uint16(raw[20:22]),
		FMSP:   [4]byte(raw[22:26]),
	}, nil
}

// Marshal serializes the platform info.
func (p *PlatformInfo) Marshal() [PlatformInfoSize]byte {
	var result [PlatformInfoSize]byte
	copy(result[0:16], p.CPUSVN[:])
	binary.BigEndian.PutUint16(result[16:18], p.PvESVN)
	binary.BigEndian.PutUint16(result[18:20], p.PCESVN)
	binary.BigEndian.PutUint16(result[20:22], p.PCEID)
	copy(result[22:26], p.FMSP[:])
	return result
}

// PvEPSVN is the PSVN of the provisioning enclave described by the platform info.
func (p *PlatformInfo) PvEPSVN() PSVN {
	return PSVN{CPUSVN: p.CPUSVN, ISVSVN: p.PvESVN}
}

// PCEPSVN is the PSVN of the platform certification enclave described by the platform info.
func (p *PlatformInfo) PCEPSVN() PSVN {
	return PSVN{CPUSVN: p.CPUSVN, ISVSVN: p.PCESVN}
}

// DeviceID identifies the platform inside the Msg3 AAD.
type DeviceID struct {
	PPID [PPIDSize]byte
	FMSP [4]byte
	PSVN PSVN
}

// Marshal serializes the device ID.
func (d *DeviceID) Marshal() [DeviceIDSize]byte {
	psvn := d.PSVN.Marshal()

	var result [DeviceIDSize]byte
	copy(result[0:16], d.PPID[:])
	copy(result[16:20], d.FMSP[:])
	copy(result[20:38], psvn[:])
	return result
}

// Escrow is the member secret f, AES-GCM encrypted under the provisioning seal key.
type Escrow struct {
	Version uint32
	IV      [12]byte
	F       [32]byte
	MAC     [16]byte
}

// ParseEscrow parses an escrow structure.
func ParseEscrow(raw []byte) (Escrow, error) {
	if len(raw) != EscrowSize {
		return Escrow{}, fmt.Errorf("invalid escrow size: expected %d bytes, got %d bytes", EscrowSize, len(raw))
	}
	return Escrow{
		Version: binary.BigEndian.Uint32(raw[0:4]),
		IV:      [12]byte(raw[4:16]),
		F:       [32]byte(raw[16:48]),
		MAC:     [16]byte(raw[48:64]),
	}, nil
}

// Marshal serializes the escrow structure.
func (e *Escrow) Marshal() [EscrowSize]byte {
	var result [EscrowSize]byte
	binary.BigEndian.PutUint32(result[0:4], e.Version)
	copy(result[4:16], e.IV[:])
	copy(result[16:48], e.F[:])
	copy(result[48:64], e.MAC[:])
	return result
}

// MembershipCredential is the issuer's answer to a join request.
type MembershipCredential struct {
	A      [64]byte
	X      [32]byte
	Escrow Escrow
}

// ParseMembershipCredential parses a membership credential.
func ParseMembershipCredential(raw []byte) (MembershipCredential, error) {
	if len(raw) != MembershipCredentialSize {
		return MembershipCredential{}, fmt.Errorf("invalid membership credential size: expected %d bytes, got %d bytes", MembershipCredentialSize, len(raw))
	}
	escrow, err := ParseEscrow(raw[96:160])
	if err != nil {
		return MembershipCredential{}, err
	}
	return MembershipCredential{
		A:      [64]byte(raw[0:64]),
		X:      [32]byte(raw[64:96]),
		Escrow: escrow,
	}, nil
}

// Marshal serializes the membership credential.
func (m *MembershipCredential) Marshal() [MembershipCredentialSize]byte {
	escrow := m.Escrow.Marshal()

	var result [MembershipCredentialSize]byte
	copy(result[0:64], m.A[:])
	copy(result[64:96], m.X[:])
	copy(result[96:160], escrow[:])
	return result
}
