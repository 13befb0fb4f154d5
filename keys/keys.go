/*
Package keys derives the provisioning keys from the platform.

All keys are bound to a PSVN. The provisioning key and the provisioning seal key only depend
on MRSIGNER and the PSVN, so every historical PSVN of the provisioning enclave can recompute
them, which is what backward compatible unsealing and backup retrieval rely on.

	PWK2 template (32 bytes), CMACed under the provisioning key:

	 0      1             12  14                      30   31
	+------+--------------+---+------------------------+----+----+
	| 0x01 | "PROV_WRAP_2"| 0 |       n2 (16 bytes)    |0x00|0x80|
	+------+--------------+---+------------------------+----+----+
*/
package keys

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"errors"
	"math/big"

	"github.com/edgelesssys/go-sgx-epid/crypto"
	"github.com/edgelesssys/go-sgx-epid/platform"
	"github.com/edgelesssys/go-sgx-epid/status"
	"github.com/edgelesssys/go-sgx-epid/types"
)

// NonceSize is the size of the nonce n2 mixed into PWK2.
const NonceSize = 16

const (
	pwk2Label      = "PROV_WRAP_2"
	pceKeyLabel    = "SGX_PCE_SIGNING_KEY"
	pceKeyBits     = 320
	pceBlocks      = 3
	pceScalarBytes = pceKeyBits / 8
)

// ProvisioningKey derives the provisioning key for psvn.
// A nil psvn derives the SVN independent key the PPID is computed from.
func ProvisioningKey(e platform.Enclave, psvn *types.PSVN) (crypto.Key, error) {
	return deriveKey(e, types.KeyNameProvision, psvn)
}

// PvESealKey derives the provisioning seal key (PSK) for psvn. It protects the escrowed
// member secret f.
func PvESealKey(e platform.Enclave, psvn types.PSVN) (crypto.Key, error) {
	return deriveKey(e, types.KeyNameProvisionSeal, &psvn)
}

// PWK2 derives the provisioning wrap key 2 for psvn and the nonce n2.
func PWK2(e platform.Enclave, psvn types.PSVN, n2 [NonceSize]byte) (crypto.Key, error) {
	pk, err := ProvisioningKey(e, &psvn)
	if err != nil {
		return crypto.Key{}, err
	}
	defer pk.Zero()

	var content [32]byte
	content[0] = 0x01
	copy(content[1:12], pwk2Label)
	copy(content[14:30], n2[:])
	content[30] = 0x00
	content[31] = 0x80

	key, err := crypto.CMAC(pk, content[:])
	if err != nil {
		return crypto.Key{}, status.Wrap(status.Unexpected, err)
	}
	return key, nil
}

// PCEPrivateKey derives the ECDSA P-256 signing key of the platform certification enclave for psvn.
func PCEPrivateKey(e platform.Enclave, psvn types.PSVN) (*ecdsa.PrivateKey, error) {
	pk, err := ProvisioningKey(e, &psvn)
	if err != nil {
		return nil, err
	}
	defer pk.Zero()

	var blocks [pceBlocks * crypto.TagSize]byte
	defer clear(blocks[:])
	for i := 0; i < pceBlocks; i++ {
		block, err := crypto.CMAC(pk, pceTemplate(byte(i+1)))
		if err != nil {
			return nil, status.Wrap(status.Unexpected, err)
		}
		copy(blocks[i*crypto.TagSize:], block[:])
		block.Zero()
	}

	d := pceScalar(blocks[:pceScalarBytes])
	defer d.SetInt64(0)
	key, err := crypto.ECDSAPrivateKeyFromScalar(d)
	if err != nil {
		return nil, status.Wrap(status.Unexpected, err)
	}
	return key, nil
}

// pceTemplate returns the hash DRBG input for one output block.
func pceTemplate(counter byte) []byte {
	template := make([]byte, 32)
	template[0] = counter
	copy(template[1:], pceKeyLabel)
	template[30] = byte(pceKeyBits >> 8)
	template[31] = byte(pceKeyBits & 0xFF)
	return template
}

// pceScalar maps 320 little-endian bits to a scalar in [1, N-1]:
// the bytes are reversed, reduced modulo N-1 and incremented.
func pceScalar(drbgOutput []byte) *big.Int {
	reversed := make([]byte, len(drbgOutput))
	for i, b := range drbgOutput {
		reversed[len(drbgOutput)-1-i] = b
	}
	defer clear(reversed)

	nMinusOne := new(big.Int).Sub(elliptic.P256().Params().N, big.NewInt(1))
	d := new(big.Int).SetBytes(reversed)
	d.Mod(d, nMinusOne)
	return d.Add(d, big.NewInt(1))
}

func deriveKey(e platform.Enclave, name uint16, psvn *types.PSVN) (crypto.Key, error) {
	req := types.KeyRequest{
		KeyName:   name,
		KeyPolicy: types.KeyPolicyMRSIGNER,
		// same key regardless of addressing mode
		AttributeMask: types.Attributes{Flags: ^types.AttributeMode64Bit, XFRM: ^uint64(0)},
		MiscMask:      0xFFFFFFFF,
	}
	if psvn != nil {
		req.CPUSVN = psvn.CPUSVN
		req.ISVSVN = psvn.ISVSVN
	}
	key, err := e.GetKey(&req)
	if errors.Is(err, platform.ErrInvalidAttribute) {
		return crypto.Key{}, status.Wrap(status.AttributeError, err)
	}
	if err != nil {
		return crypto.Key{}, status.Wrap(status.Unexpected, err)
	}
	return key, nil
}
