/*
Package epidblob implements the sealed EPID data blob.

The blob seals the member private key (and, in the current format, the member
precomputation) as secret text and the group public key, the equivalent PSVN and the XEGB
derived fields as additional MAC text. Two formats exist and are decoded into a sum type:

	┌────────┬─────────┬────────────────────────────────┬────────────────────────────┐
	│ Format │ Version │ Plaintext (AAD)                │ Secret                     │
	├────────┼─────────┼────────────────────────────────┼────────────────────────────┤
	│ SIK    │ 2       │ 608 bytes + 4 reserved (612)   │ PrivKey (132)              │
	│ SDK    │ 3       │ 608 bytes                      │ PrivKey ‖ Precomp (1668)   │
	└────────┴─────────┴────────────────────────────────┴────────────────────────────┘

	Plaintext:
	type(1) ‖ version(1) ‖ equiv cpu_svn(16) ‖ equiv pve isv_svn(2) ‖ GroupPubKey(260) ‖
	qsdk_exp(4) ‖ qsdk_mod(256) ‖ epid_sk(64) ‖ xeid(4)

SIK blobs are upgraded to SDK with Upgrade and resealed by the caller.
*/
package epidblob

import (
	"encoding/binary"
	"errors"

	"github.com/edgelesssys/go-sgx-epid/epid"
	"github.com/edgelesssys/go-sgx-epid/platform"
	"github.com/edgelesssys/go-sgx-epid/sealing"
	"github.com/edgelesssys/go-sgx-epid/secret"
	"github.com/edgelesssys/go-sgx-epid/status"
	"github.com/edgelesssys/go-sgx-epid/types"
)

// Version is the EPID key blob format version.
type Version uint8

// Blob format versions.
const (
	VersionSIK Version = 2
	VersionSDK Version = 3
)

// SealBlobTypeEPID is the blob type of sealed EPID blobs.
const SealBlobTypeEPID = 0

const (
	// PlaintextSize is the size of the SDK plaintext.
	PlaintextSize = 1 + 1 + 16 + 2 + types.GroupPubKeySize + 4 + 256 + 64 + 4
	// PlaintextSizeSIK is the size of the SIK plaintext.
	PlaintextSizeSIK = PlaintextSize + 4
	// SecretSize is the size of the SDK secret.
	SecretSize = types.PrivKeySize + types.MemberPrecompSize
	// SecretSizeSIK is the size of the SIK secret.
	SecretSizeSIK = types.PrivKeySize
	// SealedSize is the size of a sealed SDK blob.
	SealedSize = types.SealedDataHeaderSize + PlaintextSize + SecretSize
)

// Plaintext is the authenticated but unencrypted part of an EPID blob.
type Plaintext struct {
	// EquivPSVN is the PSVN the backend provisioned the key for.
	EquivPSVN types.PSVN
	GroupKey  types.GroupPubKey
	QSDKExp   [4]byte
	QSDKMod   [256]byte
	EPIDSK    [64]byte
	XEID      uint32
}

func parsePlaintext(raw []byte) Plaintext {
	return Plaintext{
		EquivPSVN: types.PSVN{
			CPUSVN: [16]byte(raw[2:18]),
			ISVSVN: binary.LittleEndian.Uint16(raw[18:20]),
		},
		GroupKey: types.GroupPubKey{
			GID: [4]byte(raw[20:24]),
			H1:  [64]byte(raw[24:88]),
			H2:  [64]byte(raw[88:152]),
			W:   [128]byte(raw[152:280]),
		},
		QSDKExp: [4]byte(raw[280:284]),
		QSDKMod: [256]byte(raw[284:540]),
		EPIDSK:  [64]byte(raw[540:604]),
		XEID:    binary.LittleEndian.Uint32(raw[604:608]),
	}
}

func (p *Plaintext) marshal(version Version, size int) []byte {
	groupKey := p.GroupKey.Marshal()

	result := make([]byte, size)
	result[0] = SealBlobTypeEPID
	result[1] = byte(version)
	copy(result[2:18], p.EquivPSVN.CPUSVN[:])
	binary.LittleEndian.PutUint16(result[18:20], p.EquivPSVN.ISVSVN)
	copy(result[20:280], groupKey[:])
	copy(result[280:284], p.QSDKExp[:])
	copy(result[284:540], p.QSDKMod[:])
	copy(result[540:604], p.EPIDSK[:])
	binary.LittleEndian.PutUint32(result[604:608], p.XEID)
	return result
}

// Blob is the decoded content of an EPID blob in one of its formats.
type Blob interface {
	// Version returns the format version.
	Version() Version
	// Marshal returns the plaintext and the secret text of the blob.
	Marshal() ([]byte, *secret.Buffer)
	// Close wipes the private key material.
	Close()
}

// SIK is the legacy blob format without member precomputation.
type SIK struct {
	Plaintext
	PrivKey types.PrivKey
}

// Version returns VersionSIK.
func (*SIK) Version() Version { return VersionSIK }

// Marshal returns the plaintext and the secret text.
func (s *SIK) Marshal() ([]byte, *secret.Buffer) {
	key := s.PrivKey.Marshal()
	defer clear(key[:])
	return s.Plaintext.marshal(VersionSIK, PlaintextSizeSIK), secret.From(key[:])
}

// Close wipes the private key.
func (s *SIK) Close() {
	clear(s.PrivKey.F[:])
	clear(s.PrivKey.X[:])
}

// SDK is the current blob format.
type SDK struct {
	Plaintext
	PrivKey types.PrivKey
	// Precomp is nil if the precomputation has not been generated yet.
	Precomp *epid.Precomp
}

// Version returns VersionSDK.
func (*SDK) Version() Version { return VersionSDK }

// Marshal returns the plaintext and the secret text. A missing precomputation is written as zeros.
func (s *SDK) Marshal() ([]byte, *secret.Buffer) {
	key := s.PrivKey.Marshal()
	defer clear(key[:])

	secretText := secret.New(SecretSize)
	copy(secretText.Bytes()[:types.PrivKeySize], key[:])
	if s.Precomp != nil {
		copy(secretText.Bytes()[types.PrivKeySize:], s.Precomp[:])
	}
	return s.Plaintext.marshal(VersionSDK, PlaintextSize), secretText
}

// Close wipes the private key and the precomputation.
func (s *SDK) Close() {
	clear(s.PrivKey.F[:])
	clear(s.PrivKey.X[:])
	if s.Precomp != nil {
		clear(s.Precomp[:])
	}
}

// Upgrade converts a SIK blob to the SDK format. The precomputation is left missing.
func Upgrade(sik *SIK) *SDK {
	return &SDK{
		Plaintext: sik.Plaintext,
		PrivKey:   sik.PrivKey,
	}
}

// ToSDK returns b in the SDK format and whether it had to be upgraded.
func ToSDK(b Blob) (*SDK, bool) {
	switch blob := b.(type) {
	case *SDK:
		return blob, false
	case *SIK:
		sdk := Upgrade(blob)
		blob.Close()
		return sdk, true
	default:
		return nil, false
	}
}

// Decode decodes the unsealed plaintext and secret text of an EPID blob.
// Only the two legitimate combinations of version, secret size and plaintext size are accepted.
func Decode(plaintext, secretText []byte) (Blob, error) {
	if len(plaintext) < 2 || plaintext[0] != SealBlobTypeEPID {
		return nil, status.New(status.EPIDBlobError, "not an EPID blob")
	}

	switch Version(plaintext[1]) {
	case VersionSIK:
		if len(secretText) != SecretSizeSIK || len(plaintext) != PlaintextSizeSIK {
			return nil, status.New(status.EPIDBlobError, "invalid SIK blob sizes")
		}
		key, err := types.ParsePrivKey(secretText)
		if err != nil {
			return nil, status.Wrap(status.EPIDBlobError, err)
		}
		return &SIK{Plaintext: parsePlaintext(plaintext), PrivKey: key}, nil
	case VersionSDK:
		if len(secretText) != SecretSize || len(plaintext) != PlaintextSize {
			return nil, status.New(status.EPIDBlobError, "invalid SDK blob sizes")
		}
		key, err := types.ParsePrivKey(secretText[:types.PrivKeySize])
		if err != nil {
			return nil, status.Wrap(status.EPIDBlobError, err)
		}
		sdk := &SDK{Plaintext: parsePlaintext(plaintext), PrivKey: key}
		precomp := epid.Precomp(secretText[types.PrivKeySize:])
		if precomp != (epid.Precomp{}) {
			sdk.Precomp = &precomp
		}
		return sdk, nil
	default:
		return nil, status.New(status.EPIDBlobError, "unsupported EPID blob version %d", plaintext[1])
	}
}

// Seal seals b under the enclave's current PSVN.
func Seal(e platform.Enclave, b Blob) (types.SealedData, error) {
	plaintext, secretText := b.Marshal()
	defer secretText.Destroy()
	return sealing.Seal(e, plaintext, secretText.Bytes(), sealing.DefaultPolicy())
}

// Open unseals and decodes a marshaled EPID blob. A blob that cannot be unsealed on this
// platform is reported as an EPID blob error, so the caller provisions again.
func Open(e platform.Enclave, raw []byte) (Blob, *types.SealedData, error) {
	if len(raw) > SealedSize {
		return nil, nil, status.New(status.EPIDBlobError, "EPID blob too large")
	}
	sealed, plaintext, secretText, err := sealing.UnsealBytes(e, raw)
	if err != nil {
		if errors.Is(err, status.ErrIntegrity) || errors.Is(err, status.ErrParameter) {
			return nil, nil, status.Wrap(status.EPIDBlobError, err)
		}
		return nil, nil, err
	}
	defer secretText.Destroy()

	blob, err := Decode(plaintext, secretText.Bytes())
	if err != nil {
		return nil, nil, err
	}
	return blob, sealed, nil
}
