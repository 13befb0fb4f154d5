/*
Package sealing implements the sealed data container.

A blob is sealed under a key derived from the platform with a fresh random key ID and the
current PSVN of the sealing enclave. The key request is stored in the blob, so unsealing
re-derives the same key as long as the platform is at or above that PSVN. Any failure to
re-derive or authenticate is reported as an integrity error: the caller treats the blob as
unusable on this platform and falls back to re-provisioning.
*/
package sealing

import (
	"errors"
	"math"

	"github.com/edgelesssys/go-sgx-epid/crypto"
	"github.com/edgelesssys/go-sgx-epid/platform"
	"github.com/edgelesssys/go-sgx-epid/secret"
	"github.com/edgelesssys/go-sgx-epid/status"
	"github.com/edgelesssys/go-sgx-epid/types"
)

const (
	// FlagsMask is the default attribute flags mask: INIT, DEBUG, MODE64BIT and the reserved high byte.
	FlagsMask uint64 = 0xFF0000000000000B
	// MiscMask is the default misc select mask.
	MiscMask uint32 = 0xF0000000
)

// IVPolicy selects how the AES-GCM IV of a sealed blob is chosen.
type IVPolicy int

const (
	// IVZero uses an all-zero IV. The key is unique per blob because the key ID is random.
	IVZero IVPolicy = iota
	// IVRandom draws a random IV and stores it in the blob header.
	IVRandom
)

// Policy controls the identity a blob is bound to.
type Policy struct {
	KeyPolicy     uint16
	AttributeMask types.Attributes
	MiscMask      uint32
	IV            IVPolicy
}

// DefaultPolicy binds to MRSIGNER with the default masks and a zero IV.
func DefaultPolicy() Policy {
	return Policy{
		KeyPolicy:     types.KeyPolicyMRSIGNER,
		AttributeMask: types.Attributes{Flags: FlagsMask},
		MiscMask:      MiscMask,
		IV:            IVZero,
	}
}

// CalcSealedDataSize returns the size of a blob sealing addMACTextSize bytes of additional
// MAC text and encryptTextSize bytes of secret. It returns math.MaxUint32 on overflow.
func CalcSealedDataSize(addMACTextSize, encryptTextSize uint32) uint32 {
	size := uint64(types.SealedDataHeaderSize) + uint64(addMACTextSize) + uint64(encryptTextSize)
	if size > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(size)
}

// AddMACTextLen returns the length of the additional MAC text of blob,
// or math.MaxUint32 if the header is inconsistent.
func AddMACTextLen(blob *types.SealedData) uint32 {
	if blob.PlainTextOffset > blob.PayloadSize {
		return math.MaxUint32
	}
	return blob.PayloadSize - blob.PlainTextOffset
}

// EncryptTextLen returns the length of the encrypted text of blob,
// or math.MaxUint32 if the header is inconsistent.
func EncryptTextLen(blob *types.SealedData) uint32 {
	if blob.PlainTextOffset > blob.PayloadSize {
		return math.MaxUint32
	}
	return blob.PlainTextOffset
}

// Seal encrypts secretText and authenticates aad under a key bound to the enclave's current PSVN.
func Seal(e platform.Enclave, aad, secretText []byte, policy Policy) (types.SealedData, error) {
	if len(secretText) == 0 {
		return types.SealedData{}, status.New(status.ParameterError, "nothing to seal")
	}
	if CalcSealedDataSize(uint32Len(aad), uint32Len(secretText)) == math.MaxUint32 {
		return types.SealedData{}, status.New(status.IntegerOverflow, "sealed data size overflows")
	}

	self := e.Self()
	req := types.KeyRequest{
		KeyName:       types.KeyNameSeal,
		KeyPolicy:     policy.KeyPolicy,
		ISVSVN:        self.ISVSVN,
		CPUSVN:        self.CPUSVN,
		AttributeMask: policy.AttributeMask,
		MiscMask:      policy.MiscMask,
	}
	if err := platform.ReadRand(e, req.KeyID[:]); err != nil {
		return types.SealedData{}, status.Wrap(status.ReadRandError, err)
	}

	var iv [crypto.IVSize]byte
	if policy.IV == IVRandom {
		if err := platform.ReadRand(e, iv[:]); err != nil {
			return types.SealedData{}, status.Wrap(status.ReadRandError, err)
		}
	}

	key, err := e.GetKey(&req)
	if err != nil {
		return types.SealedData{}, status.Wrap(status.Unexpected, err)
	}
	defer key.Zero()

	ciphertext, tag, err := crypto.GCMEncrypt(key, iv, secretText, aad)
	if err != nil {
		return types.SealedData{}, status.Wrap(status.Unexpected, err)
	}

	payload := make([]byte, 0, len(ciphertext)+len(aad))
	payload = append(payload, ciphertext...)
	payload = append(payload, aad...)
	return types.SealedData{
		KeyRequest:      req,
		PlainTextOffset: uint32(len(ciphertext)),
		PayloadSize:     uint32(len(payload)),
		IV:              iv,
		Tag:             tag,
		Payload:         payload,
	}, nil
}

// Unseal authenticates and decrypts blob. The returned secret must be destroyed by the caller.
func Unseal(e platform.Enclave, blob *types.SealedData) ([]byte, *secret.Buffer, error) {
	if uint64(blob.PayloadSize) != uint64(len(blob.Payload)) || blob.PlainTextOffset > blob.PayloadSize {
		return nil, nil, status.New(status.ParameterError, "inconsistent sealed data header")
	}

	key, err := e.GetKey(&blob.KeyRequest)
	if err != nil {
		if errors.Is(err, platform.ErrInvalidCPUSVN) || errors.Is(err, platform.ErrInvalidISVSVN) {
			return nil, nil, status.Wrap(status.IntegrityError, err)
		}
		return nil, nil, status.Wrap(status.Unexpected, err)
	}
	defer key.Zero()

	aad := blob.AdditionalMACText()
	plaintext, err := crypto.GCMDecrypt(key, blob.IV, blob.EncryptedText(), aad, blob.Tag)
	if err != nil {
		return nil, nil, status.Wrap(status.IntegrityError, err)
	}
	secretText := secret.From(plaintext)
	secret.Zero(plaintext)

	return append([]byte(nil), aad...), secretText, nil
}

// UnsealBytes parses and unseals a marshaled blob.
func UnsealBytes(e platform.Enclave, raw []byte) (*types.SealedData, []byte, *secret.Buffer, error) {
	blob, err := types.ParseSealedData(raw)
	if err != nil {
		return nil, nil, nil, status.Wrap(status.ParameterError, err)
	}
	aad, secretText, err := Unseal(e, &blob)
	if err != nil {
		return nil, nil, nil, err
	}
	return &blob, aad, secretText, nil
}

func uint32Len(b []byte) uint32 {
	if uint64(len(b)) > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(len(b))
}
